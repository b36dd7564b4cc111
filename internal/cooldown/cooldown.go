package cooldown

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/shohag/sosrelay/internal/clock"
	"github.com/shohag/sosrelay/internal/storage"
)

const DefaultPeriod = 10 * time.Minute

// SettingsStore is the part of storage the gate persists through.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Gate enforces a minimum interval between accepted triggers. The last
// trigger time survives restarts. Only the gateway arms it, and only after a
// trigger produced a delivered or queued alert. The stored value is read on
// every check so another process sharing the database is honoured.
type Gate struct {
	store  SettingsStore
	clock  clock.Clock
	period time.Duration
	logger zerolog.Logger
}

func New(store SettingsStore, clk clock.Clock, period time.Duration, logger zerolog.Logger) *Gate {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Gate{
		store:  store,
		clock:  clk,
		period: period,
		logger: logger.With().Str("component", "cooldown").Logger(),
	}
}

func (g *Gate) Period() time.Duration { return g.period }

// CanTrigger reports whether a new trigger is allowed now.
func (g *Gate) CanTrigger(ctx context.Context) (bool, error) {
	remaining, err := g.Remaining(ctx)
	if err != nil {
		return false, err
	}
	return remaining == 0, nil
}

// Remaining is the time left until the next trigger is allowed, zero when
// unblocked.
func (g *Gate) Remaining(ctx context.Context) (time.Duration, error) {
	last, err := g.lastTrigger(ctx)
	if err != nil {
		return 0, err
	}
	if last.IsZero() {
		return 0, nil
	}

	elapsed := g.clock.Now().Sub(last)
	if elapsed < 0 {
		// wall clock moved backwards; hold the gate for a full period from now
		elapsed = 0
	}
	if elapsed >= g.period {
		return 0, nil
	}
	return g.period - elapsed, nil
}

// Arm records at as the last trigger time.
func (g *Gate) Arm(ctx context.Context, at time.Time) error {
	if err := g.store.PutSetting(ctx, storage.SettingLastTrigger, strconv.FormatInt(at.UnixNano(), 10)); err != nil {
		return errors.Wrap(err, "persist last trigger")
	}
	g.logger.Debug().Time("armed_at", at).Dur("period", g.period).Msg("cooldown armed")
	return nil
}

func (g *Gate) lastTrigger(ctx context.Context) (time.Time, error) {
	raw, ok, err := g.store.GetSetting(ctx, storage.SettingLastTrigger)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "load last trigger")
	}
	if !ok {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		g.logger.Warn().Str("value", raw).Msg("ignoring malformed last trigger timestamp")
		return time.Time{}, nil
	}
	return time.Unix(0, n).UTC(), nil
}
