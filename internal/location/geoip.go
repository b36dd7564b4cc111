package location

import (
	"context"
	"net"

	"github.com/oschwald/geoip2-golang"
	"github.com/pkg/errors"

	"github.com/shohag/sosrelay/internal/clock"
	"github.com/shohag/sosrelay/internal/models"
)

// GeoIPSource is a coarse network provider: it resolves a fixed public IP
// against a MaxMind City database. It has no live stream.
type GeoIPSource struct {
	reader *geoip2.Reader
	ip     net.IP
	clock  clock.Clock
}

func OpenGeoIP(path, ip string, clk clock.Clock) (*GeoIPSource, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, errors.Errorf("invalid geoip address %q", ip)
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open geoip database")
	}
	return &GeoIPSource{reader: reader, ip: parsed, clock: clk}, nil
}

func (g *GeoIPSource) Close() error {
	return g.reader.Close()
}

func (g *GeoIPSource) Subscribe(func(Fix)) (func(), error) {
	return func() {}, nil
}

func (g *GeoIPSource) LastKnown(context.Context) (Fix, bool, error) {
	record, err := g.reader.City(g.ip)
	if err != nil {
		return Fix{}, false, errors.Wrap(err, "geoip lookup")
	}
	c := models.Coordinate{Latitude: record.Location.Latitude, Longitude: record.Location.Longitude}
	if c.Validate() != nil {
		return Fix{}, false, nil
	}
	return Fix{Coordinate: c, At: g.clock.Now()}, true, nil
}
