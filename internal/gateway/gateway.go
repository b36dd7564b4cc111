package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/shohag/sosrelay/internal/clock"
	"github.com/shohag/sosrelay/internal/connectivity"
	"github.com/shohag/sosrelay/internal/delivery"
	"github.com/shohag/sosrelay/internal/location"
	"github.com/shohag/sosrelay/internal/metrics"
	"github.com/shohag/sosrelay/internal/models"
	"github.com/shohag/sosrelay/internal/remote"
	"github.com/shohag/sosrelay/internal/storage"
)

const (
	DefaultEmergencyBudget = 5 * time.Second
	DefaultNearbyRadius    = 1000.0
	DefaultNearbyWindow    = 24 * time.Hour
)

type Locator interface {
	Acquire(ctx context.Context, budget time.Duration) (location.Fix, time.Duration, error)
}

type Cooldown interface {
	Remaining(ctx context.Context) (time.Duration, error)
	Arm(ctx context.Context, at time.Time) error
}

type Queue interface {
	Enqueue(ctx context.Context, a models.Alert) (int64, error)
	Get(ctx context.Context, localID int64) (*models.Alert, error)
	List(ctx context.Context, state models.DeliveryState, limit int) ([]models.Alert, error)
	Resolve(ctx context.Context, localID int64) error
}

type SyncTrigger interface {
	Trigger(kind delivery.Trigger)
}

type Options struct {
	EmergencyBudget time.Duration
	OfflineFallback bool
	AnonymousUser   string
}

type Deps struct {
	Locator  Locator
	Cooldown Cooldown
	Queue    Queue
	Remote   remote.Store
	Signal   connectivity.Signal
	Sync     SyncTrigger
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

// Gateway is the single entry point of a user trigger. It decides between
// immediate delivery and the local queue and never blocks longer than the
// emergency budget on location.
type Gateway struct {
	Deps
	opts Options
	log  zerolog.Logger

	// triggerMu spans the cooldown check through arming so concurrent
	// triggers cannot both pass the gate.
	triggerMu sync.Mutex
}

func New(deps Deps, opts Options, log zerolog.Logger) *Gateway {
	if opts.EmergencyBudget <= 0 {
		opts.EmergencyBudget = DefaultEmergencyBudget
	}
	if opts.AnonymousUser == "" {
		opts.AnonymousUser = models.AnonymousUser
	}
	return &Gateway{
		Deps: deps,
		opts: opts,
		log:  log.With().Str("component", "gateway").Logger(),
	}
}

// CreateAlert runs one trigger. Rejections come back as a Result with a
// reason; the error is reserved for failures the caller cannot act on, such
// as the local store refusing a write (queue.ErrLocalStorage).
func (g *Gateway) CreateAlert(ctx context.Context, alertType models.AlertType, userID string) (Result, error) {
	if !alertType.Valid() {
		return Result{}, errors.Wrapf(models.ErrInvalidAlert, "unknown alert type %q", alertType)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = g.opts.AnonymousUser
	}

	g.triggerMu.Lock()
	defer g.triggerMu.Unlock()

	remaining, err := g.Cooldown.Remaining(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "check cooldown")
	}
	if remaining > 0 {
		return g.reject(cooldownRejected(remaining), alertType), nil
	}

	fix, age, err := g.Locator.Acquire(ctx, g.opts.EmergencyBudget)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if errors.Is(err, location.ErrPermissionDenied) {
			return g.reject(rejected(ReasonPermissionDenied), alertType), nil
		}
		return g.reject(rejected(ReasonLocationUnavailable), alertType), nil
	}

	now := g.Clock.Now()
	alert := models.Alert{
		RequestID:      models.NewRequestID(now),
		UserID:         userID,
		Type:           alertType,
		Coordinate:     fix.Coordinate,
		LocationSource: fix.Source,
		CreatedAt:      now,
		State:          models.StatePendingLocal,
	}
	if err := alert.Validate(); err != nil {
		return Result{}, err
	}

	log := g.log.With().
		Str("request_id", alert.RequestID).
		Str("type", string(alertType)).
		Str("location_source", fix.Source).
		Dur("location_age", age).
		Logger()

	if g.Signal.IsConnected(ctx) {
		remoteID, err := g.Remote.Create(ctx, alert)
		if err == nil {
			g.arm(ctx, now)
			if g.Sync != nil {
				g.Sync.Trigger(delivery.TriggerOpportunistic)
			}
			g.Metrics.AlertCreated(string(OutcomeDelivered))
			log.Info().Str("remote_id", remoteID).Msg("alert delivered")
			return Result{
				Outcome:        OutcomeDelivered,
				RemoteID:       remoteID,
				Ref:            remoteID,
				LocationSource: fix.Source,
			}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		log.Warn().Err(err).Msg("online delivery failed")
		if !g.opts.OfflineFallback {
			return g.reject(rejected(ReasonOnlineFailedOfflineDisabled), alertType), nil
		}
	} else if !g.opts.OfflineFallback {
		return g.reject(rejected(ReasonOfflineDisabled), alertType), nil
	}

	localID, err := g.Queue.Enqueue(ctx, alert)
	if err != nil {
		log.Error().Err(err).Msg("failed to queue alert")
		return Result{}, err
	}
	g.arm(ctx, now)
	g.Metrics.AlertCreated(string(OutcomeQueued))
	log.Info().Int64("local_id", localID).Msg("alert queued for later delivery")

	return Result{
		Outcome:        OutcomeQueued,
		LocalID:        localID,
		Ref:            models.LocalRef(localID),
		LocationSource: fix.Source,
	}, nil
}

func (g *Gateway) arm(ctx context.Context, at time.Time) {
	if err := g.Cooldown.Arm(ctx, at); err != nil {
		g.log.Error().Err(err).Msg("failed to arm cooldown")
	}
}

func (g *Gateway) reject(r Result, alertType models.AlertType) Result {
	g.Metrics.AlertCreated(string(OutcomeRejected))
	g.Metrics.AlertRejected(string(r.Reason))
	g.log.Info().
		Str("type", string(alertType)).
		Str("reason", string(r.Reason)).
		Msg("alert rejected")
	return r
}

// Resolve marks an alert resolved. Queued alerts are addressed by their
// local reference; once a queued alert has been delivered its remote copy is
// resolved too.
func (g *Gateway) Resolve(ctx context.Context, ref string) error {
	localID, ok := models.ParseLocalRef(ref)
	if !ok {
		return g.Remote.Resolve(ctx, ref)
	}

	a, err := g.Queue.Get(ctx, localID)
	if err != nil {
		return err
	}
	if a == nil {
		return storage.ErrNotFound
	}
	if err := g.Queue.Resolve(ctx, localID); err != nil {
		return err
	}
	if a.State == models.StateDelivered && a.RemoteID != "" {
		return g.Remote.Resolve(ctx, a.RemoteID)
	}
	return nil
}

// AlertsByUser returns the user's alerts from the remote store, followed by
// the user's alerts that never reached it when includeQueued is set. On a
// remote failure the local alerts are still returned alongside the error.
func (g *Gateway) AlertsByUser(ctx context.Context, userID string, includeQueued bool) ([]models.Alert, error) {
	var local []models.Alert
	if includeQueued {
		all, err := g.Queue.List(ctx, "", 0)
		if err != nil {
			return nil, err
		}
		for _, a := range all {
			if a.UserID == userID && a.State != models.StateDelivered {
				local = append(local, a)
			}
		}
	}

	alerts, err := g.Remote.QueryByUser(ctx, userID)
	if err != nil {
		return local, errors.Wrap(err, "query remote alerts")
	}
	return append(alerts, local...), nil
}

// Nearby lists recent alerts around center. Zero radius or window use the
// defaults.
func (g *Gateway) Nearby(ctx context.Context, center models.Coordinate, radiusMeters float64, window time.Duration) ([]models.Alert, error) {
	if err := center.Validate(); err != nil {
		return nil, errors.Wrap(models.ErrInvalidAlert, err.Error())
	}
	if radiusMeters <= 0 {
		radiusMeters = DefaultNearbyRadius
	}
	if window <= 0 {
		window = DefaultNearbyWindow
	}
	return g.Remote.QueryNearby(ctx, center, radiusMeters, window)
}

func (g *Gateway) CooldownRemaining(ctx context.Context) (time.Duration, error) {
	return g.Cooldown.Remaining(ctx)
}
