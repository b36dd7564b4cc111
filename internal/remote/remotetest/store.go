// Package remotetest provides an in-memory remote.Store for tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shohag/sosrelay/internal/models"
	"github.com/shohag/sosrelay/internal/remote"
)

// Store keeps created alerts in memory and deduplicates by request id. Set
// CreateFn to inject failures; returning ("", nil) from it falls through to
// the default behaviour.
type Store struct {
	CreateFn func(ctx context.Context, a models.Alert) (string, error)

	mu        sync.Mutex
	alerts    map[string]models.Alert
	byRequest map[string]string
	calls     []models.Alert
	nextID    int
}

func NewStore() *Store {
	return &Store{
		alerts:    make(map[string]models.Alert),
		byRequest: make(map[string]string),
	}
}

func (s *Store) Create(ctx context.Context, a models.Alert) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, a)
	fn := s.CreateFn
	s.mu.Unlock()

	if fn != nil {
		id, err := fn(ctx, a)
		if err != nil || id != "" {
			return id, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byRequest[a.RequestID]; ok {
		return id, nil
	}
	s.nextID++
	id := fmt.Sprintf("remote-%d", s.nextID)
	a.RemoteID = id
	a.State = models.StateDelivered
	s.alerts[id] = a
	s.byRequest[a.RequestID] = id
	return id, nil
}

func (s *Store) Resolve(_ context.Context, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[remoteID]
	if !ok {
		return fmt.Errorf("%w: unknown alert %s", remote.ErrRemotePermanent, remoteID)
	}
	a.Resolved = true
	s.alerts[remoteID] = a
	return nil
}

func (s *Store) QueryByUser(_ context.Context, userID string) ([]models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Alert
	for _, a := range s.alerts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) QueryNearby(_ context.Context, center models.Coordinate, radiusMeters float64, window time.Duration) ([]models.Alert, error) {
	s.mu.Lock()
	all := make([]models.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		all = append(all, a)
	}
	s.mu.Unlock()
	return remote.FilterNearby(all, center, radiusMeters, time.Now().Add(-window)), nil
}

// Calls returns every alert passed to Create, in call order.
func (s *Store) Calls() []models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Alert(nil), s.calls...)
}

// Stored returns the deduplicated alerts, keyed by remote id.
func (s *Store) Stored() map[string]models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.Alert, len(s.alerts))
	for k, v := range s.alerts {
		out[k] = v
	}
	return out
}
