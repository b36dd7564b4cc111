package connectivity

import (
	"context"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Signal reports whether the remote store is believed reachable right now.
type Signal interface {
	IsConnected(ctx context.Context) bool
}

// Static is a signal flipped by hand, from config or the control API.
type Static struct {
	online atomic.Bool
}

func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

func (s *Static) IsConnected(context.Context) bool { return s.online.Load() }

func (s *Static) Set(online bool) { s.online.Store(online) }

const probeKey = "reachable"

// Probe dials the remote host over TCP and caches the answer for a short
// while so a burst of triggers costs at most one dial.
type Probe struct {
	addr    string
	timeout time.Duration
	cache   *cache.Cache
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	logger  zerolog.Logger
}

func NewProbe(addr string, timeout, ttl time.Duration, logger zerolog.Logger) *Probe {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	d := &net.Dialer{}
	return &Probe{
		addr:    addr,
		timeout: timeout,
		cache:   cache.New(ttl, 2*ttl),
		dial:    d.DialContext,
		logger:  logger.With().Str("component", "connectivity").Str("addr", addr).Logger(),
	}
}

func (p *Probe) IsConnected(ctx context.Context) bool {
	if v, ok := p.cache.Get(probeKey); ok {
		return v.(bool)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	online := true
	conn, err := p.dial(ctx, "tcp", p.addr)
	if err != nil {
		online = false
		p.logger.Debug().Err(err).Msg("probe failed")
	} else {
		_ = conn.Close()
	}

	p.cache.SetDefault(probeKey, online)
	return online
}

// Invalidate drops the cached answer.
func (p *Probe) Invalidate() {
	p.cache.Delete(probeKey)
}

// ProbeAddr derives host:port from a base URL, defaulting the port from the
// scheme.
func ProbeAddr(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", errors.Wrap(err, "parse remote base url")
	}
	if u.Host == "" {
		return "", errors.Errorf("remote base url %q has no host", baseURL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "443"
	if u.Scheme == "http" {
		port = "80"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
