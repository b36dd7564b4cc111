package delivery

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/shohag/sosrelay/internal/metrics"
	"github.com/shohag/sosrelay/internal/models"
	"github.com/shohag/sosrelay/internal/remote"
	"github.com/shohag/sosrelay/internal/storage"
)

// Queue is the view of the local alert queue the orchestrator works against.
type Queue interface {
	CountPending(ctx context.Context) (int, error)
	ListPending(ctx context.Context) ([]models.Alert, error)
	MarkDelivered(ctx context.Context, localID int64, remoteID string) (bool, error)
	MarkFailed(ctx context.Context, localID int64, reason string) (bool, error)
	RecordAttempt(ctx context.Context, localID int64, attemptErr error) (int, error)
	PurgeDelivered(ctx context.Context) (int64, error)
	AcquireRunLease(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	ReleaseRunLease(ctx context.Context, owner string) error
}

type outcome int

const (
	outcomeDelivered outcome = iota
	// outcomeSkipped means the alert left pending_local without this worker
	// delivering it; the run moves on.
	outcomeSkipped
)

// Worker delivers one queued alert at a time.
type Worker struct {
	queue       Queue
	remote      remote.Store
	maxAttempts int
	metrics     *metrics.Metrics
	log         zerolog.Logger
}

func NewWorker(queue Queue, store remote.Store, maxAttempts int, m *metrics.Metrics, log zerolog.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Worker{
		queue:       queue,
		remote:      store,
		maxAttempts: maxAttempts,
		metrics:     m,
		log:         log,
	}
}

// Deliver sends a to the remote store. A returned error means the run must
// stop so later alerts are never delivered ahead of this one.
func (w *Worker) Deliver(ctx context.Context, a models.Alert) (outcome, error) {
	remoteID, err := w.remote.Create(ctx, a)
	if err == nil {
		if _, err := w.queue.MarkDelivered(ctx, a.LocalID, remoteID); err != nil {
			// The remote copy exists; the next run re-sends under the same
			// request id and the store returns the same remote id.
			return 0, errors.Wrap(err, "record delivery")
		}
		w.metrics.AlertDelivered()
		w.log.Info().
			Int64("local_id", a.LocalID).
			Str("remote_id", remoteID).
			Msg("alert delivered")
		return outcomeDelivered, nil
	}

	attempts, recErr := w.queue.RecordAttempt(ctx, a.LocalID, err)
	if errors.Is(recErr, storage.ErrNotFound) {
		return outcomeSkipped, nil
	}
	if recErr != nil {
		return 0, errors.Wrap(recErr, "record attempt")
	}

	if remote.IsPermanent(err) && attempts >= w.maxAttempts {
		if _, failErr := w.queue.MarkFailed(ctx, a.LocalID, err.Error()); failErr != nil {
			return 0, errors.Wrap(failErr, "mark failed")
		}
		w.log.Warn().
			Int64("local_id", a.LocalID).
			Int("attempts", attempts).
			Str("error", err.Error()).
			Msg("alert permanently failed")
		return outcomeSkipped, nil
	}

	w.log.Info().
		Int64("local_id", a.LocalID).
		Int("attempt", attempts).
		Bool("permanent", remote.IsPermanent(err)).
		Str("error", err.Error()).
		Msg("alert delivery failed")
	return 0, err
}
