package location

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/shohag/sosrelay/internal/models"
)

const DefaultNATSSubject = "sosrelay.location"

// LocationMessage is the payload published on the location subject.
type LocationMessage struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// NATSSource reads device fixes from a NATS subject. A background
// subscription keeps the last fix for LastKnown; Subscribe opens a separate
// subscription per caller.
type NATSSource struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger

	mu   sync.RWMutex
	last Fix
	has  bool
	sub  *nats.Subscription
}

func NewNATSSource(conn *nats.Conn, subject string, logger zerolog.Logger) *NATSSource {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATSSource{
		conn:    conn,
		subject: subject,
		logger:  logger.With().Str("component", "nats_location").Str("subject", subject).Logger(),
	}
}

// Start begins tracking the last known fix.
func (s *NATSSource) Start() error {
	sub, err := s.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		fix, err := decodeLocationMessage(msg.Data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed location message")
			return
		}
		s.mu.Lock()
		if !s.has || !fix.At.Before(s.last.At) {
			s.last = fix
			s.has = true
		}
		s.mu.Unlock()
	})
	if err != nil {
		return errors.Wrap(err, "subscribe to location subject")
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

func (s *NATSSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
		s.sub = nil
	}
}

func (s *NATSSource) Subscribe(onFix func(Fix)) (func(), error) {
	sub, err := s.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		fix, err := decodeLocationMessage(msg.Data)
		if err != nil {
			return
		}
		onFix(fix)
	})
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to location subject")
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil {
				s.logger.Debug().Err(err).Msg("unsubscribe failed")
			}
		})
	}, nil
}

func (s *NATSSource) LastKnown(context.Context) (Fix, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.has, nil
}

func decodeLocationMessage(data []byte) (Fix, error) {
	var msg LocationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Fix{}, err
	}

	c := models.Coordinate{Latitude: msg.Lat, Longitude: msg.Lon}
	if err := c.Validate(); err != nil {
		return Fix{}, err
	}

	var at time.Time
	switch {
	case msg.Timestamp <= 0:
		at = time.Now().UTC()
	case msg.Timestamp > 1e12:
		at = time.UnixMilli(msg.Timestamp).UTC()
	default:
		at = time.Unix(msg.Timestamp, 0).UTC()
	}
	return Fix{Coordinate: c, At: at}, nil
}
