package location

import (
	"context"
	"sync"
)

// Feed is an in-process location source. Fixes are pushed into it by the
// local API or the CLI and fanned out to live subscribers.
type Feed struct {
	mu     sync.Mutex
	subs   map[int]func(Fix)
	nextID int
	last   Fix
	has    bool
	denied bool
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[int]func(Fix))}
}

// Publish records fix as the last known position and hands it to every
// current subscriber.
func (f *Feed) Publish(fix Fix) error {
	if err := fix.Coordinate.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	f.last = fix
	f.has = true
	subs := make([]func(Fix), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(fix)
	}
	return nil
}

// SetPermission toggles whether the feed behaves as if location access was
// granted.
func (f *Feed) SetPermission(granted bool) {
	f.mu.Lock()
	f.denied = !granted
	f.mu.Unlock()
}

func (f *Feed) Subscribe(onFix func(Fix)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied {
		return nil, ErrPermissionDenied
	}

	id := f.nextID
	f.nextID++
	f.subs[id] = onFix

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}, nil
}

func (f *Feed) LastKnown(context.Context) (Fix, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied {
		return Fix{}, false, ErrPermissionDenied
	}
	return f.last, f.has, nil
}

// Subscribers reports the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
