package location

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/shohag/sosrelay/internal/clock"
)

const (
	DefaultRecency = 15 * time.Minute
	DefaultBudget  = 5 * time.Second

	lastFixKey = "last"
)

type Options struct {
	// Recency is the maximum age of a cached fix.
	Recency time.Duration
	// Network is an optional coarse provider tried after the primary source.
	Network Source
	// Simulated enables the sentinel coordinate as a last resort.
	Simulated bool
	Recorder  Recorder
}

// Acquirer runs the emergency location chain: a live fix within the budget,
// then a recent cached fix, then the provider's last known fix, then the
// coarse network provider, then (simulated runtimes only) the sentinel.
type Acquirer struct {
	primary   Source
	network   Source
	clock     clock.Clock
	recency   time.Duration
	simulated bool
	recorder  Recorder
	cache     *cache.Cache
	logger    zerolog.Logger
}

// NewAcquirer builds the chain. primary may be nil when no live provider is
// configured.
func NewAcquirer(primary Source, clk clock.Clock, opts Options, logger zerolog.Logger) *Acquirer {
	if opts.Recency <= 0 {
		opts.Recency = DefaultRecency
	}
	return &Acquirer{
		primary:   primary,
		network:   opts.Network,
		clock:     clk,
		recency:   opts.Recency,
		simulated: opts.Simulated,
		recorder:  opts.Recorder,
		cache:     cache.New(opts.Recency, 2*opts.Recency),
		logger:    logger.With().Str("component", "location").Logger(),
	}
}

// Observe remembers fix as the latest known position if it is newer than the
// one held.
func (a *Acquirer) Observe(fix Fix) {
	if fix.Coordinate.Validate() != nil {
		return
	}
	if prev, ok := a.cachedFix(); ok && prev.At.After(fix.At) {
		return
	}
	a.cache.Set(lastFixKey, fix, cache.DefaultExpiration)
}

// Acquire returns a fix and its age at return time. It never waits longer
// than budget on the live provider; the fallbacks that follow do not block.
func (a *Acquirer) Acquire(ctx context.Context, budget time.Duration) (Fix, time.Duration, error) {
	if budget <= 0 {
		budget = DefaultBudget
	}
	start := time.Now()
	denied := false

	fix, ok, err := a.fresh(ctx, budget)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			a.record("", start)
			return Fix{}, 0, ctxErr
		}
		denied = denied || errors.Is(err, ErrPermissionDenied)
		a.logger.Debug().Err(err).Str("strategy", StrategyFresh).Msg("strategy failed")
	}
	if ok {
		return a.accept(fix, StrategyFresh, start)
	}

	if fix, ok := a.cachedFix(); ok && a.clock.Now().Sub(fix.At) < a.recency {
		return a.accept(fix, StrategyCached, start)
	}

	for _, step := range []struct {
		name string
		src  Source
	}{
		{StrategyLastKnown, a.primary},
		{StrategyNetwork, a.network},
	} {
		if step.src == nil {
			continue
		}
		fix, ok, err := step.src.LastKnown(ctx)
		if err != nil {
			denied = denied || errors.Is(err, ErrPermissionDenied)
			a.logger.Debug().Err(err).Str("strategy", step.name).Msg("strategy failed")
			continue
		}
		if ok && fix.Coordinate.Validate() == nil {
			return a.accept(fix, step.name, start)
		}
	}

	if a.simulated {
		a.logger.Warn().
			Str("coordinate", SentinelCoordinate.String()).
			Msg("no location provider produced a fix; using simulated sentinel coordinate")
		fix := Fix{Coordinate: SentinelCoordinate, At: a.clock.Now(), Source: StrategySentinel}
		a.record(StrategySentinel, start)
		return fix, 0, nil
	}

	a.record("", start)
	if denied {
		return Fix{}, 0, &UnavailableError{Reason: ReasonPermissionDenied}
	}
	return Fix{}, 0, &UnavailableError{Reason: ReasonNoFix}
}

// fresh waits up to budget for the first valid live fix. The subscription is
// cancelled on every return path.
func (a *Acquirer) fresh(ctx context.Context, budget time.Duration) (Fix, bool, error) {
	if a.primary == nil {
		return Fix{}, false, nil
	}

	fixes := make(chan Fix, 1)
	cancel, err := a.primary.Subscribe(func(f Fix) {
		if f.Coordinate.Validate() != nil {
			return
		}
		select {
		case fixes <- f:
		default:
		}
	})
	if err != nil {
		return Fix{}, false, err
	}
	defer cancel()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case f := <-fixes:
		if f.At.IsZero() {
			f.At = a.clock.Now()
		}
		return f, true, nil
	case <-timer.C:
		return Fix{}, false, nil
	case <-ctx.Done():
		return Fix{}, false, ctx.Err()
	}
}

func (a *Acquirer) accept(fix Fix, strategy string, start time.Time) (Fix, time.Duration, error) {
	fix.Source = strategy
	// coarse network positions are never served back as a device fix
	if strategy != StrategyNetwork {
		a.Observe(fix)
	}
	a.record(strategy, start)

	age := a.clock.Now().Sub(fix.At)
	if age < 0 {
		age = 0
	}
	a.logger.Info().
		Str("strategy", strategy).
		Dur("age", age).
		Msg("location acquired")
	return fix, age, nil
}

func (a *Acquirer) cachedFix() (Fix, bool) {
	v, ok := a.cache.Get(lastFixKey)
	if !ok {
		return Fix{}, false
	}
	return v.(Fix), true
}

func (a *Acquirer) record(strategy string, start time.Time) {
	if a.recorder != nil {
		a.recorder.FixAcquired(strategy, time.Since(start))
	}
}
