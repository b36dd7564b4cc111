package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/shohag/sosrelay/internal/clock"
	"github.com/shohag/sosrelay/internal/connectivity"
	"github.com/shohag/sosrelay/internal/metrics"
	"github.com/shohag/sosrelay/internal/remote"
)

// ErrOffline ends a run that started while the connectivity signal was down.
var ErrOffline = errors.New("remote store unreachable")

// ErrRunActive ends a run that found another process draining the queue.
var ErrRunActive = errors.New("queue is being drained by another sync run")

type Trigger string

const (
	TriggerPeriodic      Trigger = "periodic"
	TriggerOpportunistic Trigger = "opportunistic"
	TriggerManual        Trigger = "manual"
	TriggerRetry         Trigger = "retry"
)

type Options struct {
	BackoffStep      time.Duration
	MaxAttempts      int
	ManualMaxRetries int
	// LeaseTTL bounds how long a crashed process can keep others from
	// draining the shared queue.
	LeaseTTL time.Duration
}

// Status is a snapshot of the orchestrator for the control surface.
type Status struct {
	Running             bool       `json:"running"`
	Runs                int64      `json:"runs"`
	LastTrigger         Trigger    `json:"last_trigger,omitempty"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastDelivered       int        `json:"last_delivered"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	ManualFailed        bool       `json:"manual_failed"`
	NextRetryAt         *time.Time `json:"next_retry_at,omitempty"`
}

type request struct {
	kind   Trigger
	manual bool
}

// merge folds a later trigger into a request that has not started yet. A
// manual request stays manual.
func (r *request) merge(next request) {
	if r.kind != TriggerManual {
		r.kind = next.kind
	}
	r.manual = r.manual || next.manual
}

// Orchestrator drains the local queue into the remote store. At most one run
// is active; triggers arriving meanwhile collapse into a single pending
// request that starts when the active run ends. Runs in other processes
// sharing the database are excluded through a storage lease.
type Orchestrator struct {
	queue  Queue
	worker *Worker
	signal connectivity.Signal
	clock  clock.Clock
	opts   Options
	m      *metrics.Metrics
	log    zerolog.Logger
	owner  string

	runMu sync.Mutex

	mu            sync.Mutex
	pending       *request
	status        Status
	manualRetries int
	retryTimer    *time.Timer

	wake   chan struct{}
	wg     conc.WaitGroup
	cancel context.CancelFunc
}

func New(queue Queue, store remote.Store, signal connectivity.Signal, clk clock.Clock, opts Options, m *metrics.Metrics, log zerolog.Logger) *Orchestrator {
	if opts.BackoffStep <= 0 {
		opts.BackoffStep = DefaultBackoffStep
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.ManualMaxRetries < 0 {
		opts.ManualMaxRetries = DefaultManualMaxRetries
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	owner := uuid.NewString()
	log = log.With().Str("component", "sync").Str("owner", owner).Logger()
	return &Orchestrator{
		queue:  queue,
		worker: NewWorker(queue, store, opts.MaxAttempts, m, log),
		signal: signal,
		clock:  clk,
		opts:   opts,
		m:      m,
		log:    log,
		owner:  owner,
		wake:   make(chan struct{}, 1),
	}
}

func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.log.Info().
		Dur("backoff_step", o.opts.BackoffStep).
		Int("max_attempts", o.opts.MaxAttempts).
		Msg("starting sync orchestrator")

	o.wg.Go(func() { o.loop(ctx) })
}

func (o *Orchestrator) Stop() {
	o.log.Info().Msg("stopping sync orchestrator")
	o.mu.Lock()
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.log.Info().Msg("sync orchestrator stopped")
}

// Trigger requests a run. It never blocks.
func (o *Orchestrator) Trigger(kind Trigger) {
	o.enqueue(request{kind: kind, manual: kind == TriggerManual})
}

// SyncNow requests a user-initiated run with its own bounded retries.
func (o *Orchestrator) SyncNow() {
	o.Trigger(TriggerManual)
}

func (o *Orchestrator) enqueue(req request) {
	o.mu.Lock()
	if o.pending == nil {
		o.pending = &req
	} else {
		o.pending.merge(req)
	}
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) take() *request {
	o.mu.Lock()
	defer o.mu.Unlock()
	req := o.pending
	o.pending = nil
	return req
}

func (o *Orchestrator) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		}

		req := o.take()
		if req == nil {
			continue
		}
		o.execute(ctx, *req, true)
	}
}

// RunOnce performs a synchronous run under the same run lock and lease as
// background runs. It does not schedule retries.
func (o *Orchestrator) RunOnce(ctx context.Context) (int, error) {
	return o.execute(ctx, request{kind: TriggerManual, manual: true}, false)
}

func (o *Orchestrator) execute(ctx context.Context, req request, scheduleRetry bool) (int, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	started := o.clock.Now()
	o.mu.Lock()
	o.status.Running = true
	o.status.LastTrigger = req.kind
	if req.kind == TriggerManual {
		o.status.ManualFailed = false
		o.manualRetries = 0
	}
	o.mu.Unlock()

	delivered, err := o.run(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.Running = false
	o.status.Runs++
	o.status.LastRunAt = &started
	o.status.LastDelivered = delivered

	if errors.Is(err, ErrRunActive) {
		o.m.SyncRun("busy")
		o.log.Info().
			Str("trigger", string(req.kind)).
			Int("delivered", delivered).
			Msg("sync run yielded to another process")
		return delivered, err
	}

	if err == nil {
		now := o.clock.Now()
		o.status.LastSuccessAt = &now
		o.status.ConsecutiveFailures = 0
		o.status.LastError = ""
		o.status.NextRetryAt = nil
		o.status.ManualFailed = false
		o.manualRetries = 0
		if o.retryTimer != nil {
			o.retryTimer.Stop()
			o.retryTimer = nil
		}
		o.m.SyncRun("success")
		o.log.Info().
			Str("trigger", string(req.kind)).
			Int("delivered", delivered).
			Msg("sync run complete")
		return delivered, nil
	}

	o.status.ConsecutiveFailures++
	o.status.LastError = err.Error()
	result := "failure"
	if errors.Is(err, ErrOffline) {
		result = "offline"
	}
	o.m.SyncRun(result)

	if ctx.Err() != nil || !scheduleRetry {
		return delivered, err
	}
	o.scheduleRetryLocked(req)
	return delivered, err
}

// scheduleRetryLocked arms the backoff timer after a failed run. Callers hold
// o.mu. A failure of any kind while manual retries are outstanding counts
// against the manual budget.
func (o *Orchestrator) scheduleRetryLocked(req request) {
	manual := req.manual || o.manualRetries > 0
	next := NextRetryTime(o.clock.Now(), o.status.ConsecutiveFailures, o.opts.BackoffStep,
		manual, o.manualRetries, o.opts.ManualMaxRetries)
	if next == nil {
		o.status.ManualFailed = true
		o.status.NextRetryAt = nil
		if o.retryTimer != nil {
			o.retryTimer.Stop()
			o.retryTimer = nil
		}
		o.log.Warn().
			Int("retries", o.manualRetries).
			Str("error", o.status.LastError).
			Msg("manual sync gave up")
		o.manualRetries = 0
		return
	}
	if manual {
		o.manualRetries++
	}

	delay := BackoffDelay(o.status.ConsecutiveFailures, o.opts.BackoffStep)
	o.status.NextRetryAt = next
	if o.retryTimer != nil {
		o.retryTimer.Stop()
	}
	retry := request{kind: TriggerRetry, manual: manual}
	o.retryTimer = time.AfterFunc(delay, func() { o.enqueue(retry) })

	o.log.Info().
		Int("consecutive_failures", o.status.ConsecutiveFailures).
		Time("next_retry", *next).
		Bool("manual", manual).
		Msg("sync retry scheduled")
}

// run walks pending alerts oldest first and stops at the first alert that
// could not be delivered. The run lease is renewed before every alert.
func (o *Orchestrator) run(ctx context.Context) (int, error) {
	if !o.signal.IsConnected(ctx) {
		return 0, ErrOffline
	}

	if err := o.holdLease(ctx); err != nil {
		return 0, err
	}
	defer func() {
		if err := o.queue.ReleaseRunLease(context.WithoutCancel(ctx), o.owner); err != nil {
			o.log.Warn().Err(err).Msg("failed to release run lease")
		}
	}()

	n, err := o.queue.CountPending(ctx)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	alerts, err := o.queue.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for i, a := range alerts {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if i > 0 {
			if err := o.holdLease(ctx); err != nil {
				return delivered, err
			}
		}
		result, err := o.worker.Deliver(ctx, a)
		if err != nil {
			return delivered, err
		}
		if result == outcomeDelivered {
			delivered++
		}
	}
	return delivered, nil
}

func (o *Orchestrator) holdLease(ctx context.Context) error {
	ok, err := o.queue.AcquireRunLease(ctx, o.owner, o.opts.LeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRunActive
	}
	return nil
}

// Purge drops delivered alerts from the local queue.
func (o *Orchestrator) Purge(ctx context.Context) (int64, error) {
	return o.queue.PurgeDelivered(ctx)
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}
