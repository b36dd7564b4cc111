package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/shohag/sosrelay/internal/clock"
	"github.com/shohag/sosrelay/internal/models"
	"github.com/shohag/sosrelay/internal/storage"
)

// ErrLocalStorage marks a failure of the durable store itself. Callers must
// surface it; an alert that could not be written is not queued.
var ErrLocalStorage = errors.New("local storage failure")

// Queue is the durable holding area for alerts the remote store has not
// confirmed. All consistency lives in single-statement storage updates, so the
// gateway and the orchestrator may use one Queue concurrently.
type Queue struct {
	store  storage.Storage
	clock  clock.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	watchers map[int]chan int
	nextID   int
}

func New(store storage.Storage, clk clock.Clock, logger zerolog.Logger) *Queue {
	return &Queue{
		store:    store,
		clock:    clk,
		logger:   logger.With().Str("component", "queue").Logger(),
		watchers: make(map[int]chan int),
	}
}

// Enqueue stores a new alert as pending_local and returns its local id.
func (q *Queue) Enqueue(ctx context.Context, a models.Alert) (int64, error) {
	a.State = models.StatePendingLocal
	if err := a.Validate(); err != nil {
		return 0, err
	}

	id, err := q.store.InsertAlert(ctx, &a)
	if err != nil {
		return 0, wrapStorage(err, "insert alert")
	}

	q.logger.Info().
		Int64("local_id", id).
		Str("request_id", a.RequestID).
		Str("type", string(a.Type)).
		Msg("alert queued")
	q.notify(ctx)
	return id, nil
}

// ListPending returns every pending_local alert, oldest first.
func (q *Queue) ListPending(ctx context.Context) ([]models.Alert, error) {
	alerts, err := q.store.ListAlerts(ctx, models.StatePendingLocal, 0)
	if err != nil {
		return nil, wrapStorage(err, "list pending")
	}
	return alerts, nil
}

// MarkDelivered records the remote id of a pending alert. It reports false
// when the alert was no longer pending, which makes repeated calls no-ops.
func (q *Queue) MarkDelivered(ctx context.Context, localID int64, remoteID string) (bool, error) {
	if strings.TrimSpace(remoteID) == "" {
		return false, errors.Wrap(models.ErrInvalidAlert, "remote id is required")
	}
	changed, err := q.store.MarkDelivered(ctx, localID, remoteID, q.clock.Now())
	if err != nil {
		return false, wrapStorage(err, "mark delivered")
	}
	if changed {
		q.notify(ctx)
	}
	return changed, nil
}

func (q *Queue) MarkFailed(ctx context.Context, localID int64, reason string) (bool, error) {
	changed, err := q.store.MarkFailed(ctx, localID, reason, q.clock.Now())
	if err != nil {
		return false, wrapStorage(err, "mark failed")
	}
	if changed {
		q.logger.Warn().Int64("local_id", localID).Str("reason", reason).Msg("alert permanently failed")
		q.notify(ctx)
	}
	return changed, nil
}

// RecordAttempt bumps the attempt counter of a pending alert and returns the
// new count. storage.ErrNotFound means the alert is no longer pending.
func (q *Queue) RecordAttempt(ctx context.Context, localID int64, attemptErr error) (int, error) {
	msg := ""
	if attemptErr != nil {
		msg = attemptErr.Error()
	}
	n, err := q.store.RecordAttempt(ctx, localID, msg, q.clock.Now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, err
		}
		return 0, wrapStorage(err, "record attempt")
	}
	return n, nil
}

// Resolve flags a queued alert as resolved. The flag travels with the row and
// is never cleared.
func (q *Queue) Resolve(ctx context.Context, localID int64) error {
	a, err := q.store.GetAlert(ctx, localID)
	if err != nil {
		return wrapStorage(err, "get alert")
	}
	if a == nil {
		return storage.ErrNotFound
	}
	if _, err := q.store.ResolveAlert(ctx, localID, q.clock.Now()); err != nil {
		return wrapStorage(err, "resolve alert")
	}
	return nil
}

func (q *Queue) PurgeDelivered(ctx context.Context) (int64, error) {
	n, err := q.store.PurgeDelivered(ctx)
	if err != nil {
		return 0, wrapStorage(err, "purge delivered")
	}
	if n > 0 {
		q.logger.Debug().Int64("count", n).Msg("purged delivered alerts")
	}
	return n, nil
}

// AcquireRunLease claims the right to drain the queue for ttl. Another
// process sharing the database holding an unexpired lease makes it return
// false.
func (q *Queue) AcquireRunLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	now := q.clock.Now()
	ok, err := q.store.AcquireLease(ctx, storage.LeaseSyncRun, owner, now, now.Add(ttl))
	if err != nil {
		return false, wrapStorage(err, "acquire run lease")
	}
	return ok, nil
}

func (q *Queue) ReleaseRunLease(ctx context.Context, owner string) error {
	if err := q.store.ReleaseLease(ctx, storage.LeaseSyncRun, owner); err != nil {
		return wrapStorage(err, "release run lease")
	}
	return nil
}

func (q *Queue) CountPending(ctx context.Context) (int, error) {
	n, err := q.store.CountAlerts(ctx, models.StatePendingLocal)
	if err != nil {
		return 0, wrapStorage(err, "count pending")
	}
	return int(n), nil
}

// Get returns nil when no alert has the given local id.
func (q *Queue) Get(ctx context.Context, localID int64) (*models.Alert, error) {
	a, err := q.store.GetAlert(ctx, localID)
	if err != nil {
		return nil, wrapStorage(err, "get alert")
	}
	return a, nil
}

func (q *Queue) List(ctx context.Context, state models.DeliveryState, limit int) ([]models.Alert, error) {
	if state != "" && !state.Valid() {
		return nil, errors.Errorf("unknown delivery state %q", state)
	}
	alerts, err := q.store.ListAlerts(ctx, state, limit)
	if err != nil {
		return nil, wrapStorage(err, "list alerts")
	}
	return alerts, nil
}

func (q *Queue) Stats(ctx context.Context) (*storage.Stats, error) {
	stats, err := q.store.GetStats(ctx)
	if err != nil {
		return nil, wrapStorage(err, "stats")
	}
	return stats, nil
}

// Watch streams the pending count: the current value first, then a new value
// after every mutation. A slow reader only ever sees the latest count. The
// channel is closed when ctx is done.
func (q *Queue) Watch(ctx context.Context) <-chan int {
	ch := make(chan int, 1)

	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.watchers[id] = ch
	q.mu.Unlock()

	if n, err := q.CountPending(ctx); err == nil {
		q.mu.Lock()
		if _, ok := q.watchers[id]; ok {
			offer(ch, n)
		}
		q.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		q.mu.Lock()
		delete(q.watchers, id)
		close(ch)
		q.mu.Unlock()
	}()
	return ch
}

func (q *Queue) notify(ctx context.Context) {
	q.mu.Lock()
	empty := len(q.watchers) == 0
	q.mu.Unlock()
	if empty {
		return
	}

	n, err := q.CountPending(ctx)
	if err != nil {
		q.logger.Error().Err(err).Msg("failed to count pending alerts")
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.watchers {
		offer(ch, n)
	}
}

// offer replaces whatever value is buffered in ch with n. Callers hold q.mu.
func offer(ch chan int, n int) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- n:
	default:
	}
}

func wrapStorage(err error, op string) error {
	return errors.Wrapf(ErrLocalStorage, "%s: %v", op, err)
}
