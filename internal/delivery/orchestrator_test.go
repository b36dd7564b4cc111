package delivery

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/sosrelay/internal/clock"
	"github.com/shohag/sosrelay/internal/connectivity"
	"github.com/shohag/sosrelay/internal/models"
	"github.com/shohag/sosrelay/internal/queue"
	"github.com/shohag/sosrelay/internal/remote"
	"github.com/shohag/sosrelay/internal/remote/remotetest"
	"github.com/shohag/sosrelay/internal/storage"
)

var base = time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	queue  *queue.Queue
	remote *remotetest.Store
	signal *connectivity.Static
	clock  *clock.Manual
	orch   *Orchestrator
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	s, err := storage.NewSQLite(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	clk := clock.NewManual(base)
	h := &harness{
		queue:  queue.New(s, clk, zerolog.Nop()),
		remote: remotetest.NewStore(),
		signal: connectivity.NewStatic(true),
		clock:  clk,
	}
	h.orch = New(h.queue, h.remote, h.signal, clk, opts, nil, zerolog.Nop())
	return h
}

func (h *harness) enqueue(t *testing.T, at time.Time) int64 {
	t.Helper()
	id, err := h.queue.Enqueue(context.Background(), models.Alert{
		RequestID:  models.NewRequestID(at),
		UserID:     "user-1",
		Type:       models.AlertFire,
		Coordinate: models.Coordinate{Latitude: 35.6762, Longitude: 139.6503},
		CreatedAt:  at,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) state(t *testing.T, id int64) *models.Alert {
	t.Helper()
	a, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, a)
	return a
}

func (h *harness) pending(t *testing.T) int {
	t.Helper()
	n, err := h.queue.CountPending(context.Background())
	require.NoError(t, err)
	return n
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.enqueue(t, base.Add(1*time.Second))
	b := h.enqueue(t, base.Add(2*time.Second))

	h.remote.CreateFn = func(ctx context.Context, alert models.Alert) (string, error) {
		return "", errors.Wrap(remote.ErrRemoteTransient, "503")
	}

	delivered, err := h.orch.RunOnce(context.Background())
	require.Error(t, err)
	assert.Zero(t, delivered)

	calls := h.remote.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, a, calls[0].LocalID)

	assert.Equal(t, models.StatePendingLocal, h.state(t, a).State)
	assert.Equal(t, 1, h.state(t, a).AttemptCount)
	assert.Equal(t, models.StatePendingLocal, h.state(t, b).State)
	assert.Zero(t, h.state(t, b).AttemptCount)
}

func TestRun_DeliversInCreationOrder(t *testing.T) {
	h := newHarness(t, Options{})
	late := h.enqueue(t, base.Add(time.Minute))
	early := h.enqueue(t, base)

	delivered, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	calls := h.remote.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, early, calls[0].LocalID)
	assert.Equal(t, late, calls[1].LocalID)
	assert.Zero(t, h.pending(t))

	t.Run("second run has nothing to send", func(t *testing.T) {
		delivered, err := h.orch.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, delivered)
		assert.Len(t, h.remote.Calls(), 2)
	})
}

func TestRun_OfflineDoesNotCallRemote(t *testing.T) {
	h := newHarness(t, Options{})
	h.enqueue(t, base)
	h.signal.Set(false)

	_, err := h.orch.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
	assert.Empty(t, h.remote.Calls())
	assert.Equal(t, 1, h.pending(t))

	st := h.orch.Status()
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "unreachable")
}

func TestRun_RedeliveryAfterCrashIsDeduplicated(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.enqueue(t, base)

	// the remote write landed but the process died before MarkDelivered
	pending, err := h.queue.ListPending(context.Background())
	require.NoError(t, err)
	firstID, err := h.remote.Create(context.Background(), pending[0])
	require.NoError(t, err)

	_, err = h.orch.RunOnce(context.Background())
	require.NoError(t, err)

	a := h.state(t, id)
	assert.Equal(t, models.StateDelivered, a.State)
	assert.Equal(t, firstID, a.RemoteID)
	assert.Len(t, h.remote.Stored(), 1)
}

func TestRun_PermanentFailureAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, Options{MaxAttempts: 2})
	bad := h.enqueue(t, base)
	good := h.enqueue(t, base.Add(time.Second))

	h.remote.CreateFn = func(ctx context.Context, alert models.Alert) (string, error) {
		if alert.LocalID == bad {
			return "", errors.Wrap(remote.ErrRemotePermanent, "422 invalid coordinate")
		}
		return "", nil
	}

	t.Run("below the limit the run stops", func(t *testing.T) {
		_, err := h.orch.RunOnce(context.Background())
		require.Error(t, err)
		assert.Equal(t, models.StatePendingLocal, h.state(t, bad).State)
		assert.Equal(t, models.StatePendingLocal, h.state(t, good).State)
	})

	t.Run("at the limit the alert fails and the run continues", func(t *testing.T) {
		delivered, err := h.orch.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, delivered)

		failed := h.state(t, bad)
		assert.Equal(t, models.StatePermanentlyFailed, failed.State)
		assert.Equal(t, 2, failed.AttemptCount)
		assert.Contains(t, failed.LastError, "422")
		assert.Equal(t, models.StateDelivered, h.state(t, good).State)
	})
}

func TestOfflineQueueDrainsAndPurges(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.enqueue(t, base)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, 1, h.pending(t))

	_, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, h.pending(t))
	assert.Equal(t, models.StateDelivered, h.state(t, id).State)

	n, err := h.orch.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gone, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestTriggersCoalesceWhileRunning(t *testing.T) {
	h := newHarness(t, Options{BackoffStep: time.Hour})
	h.enqueue(t, base)

	release := make(chan struct{})
	var creates atomic.Int32
	h.remote.CreateFn = func(ctx context.Context, alert models.Alert) (string, error) {
		if creates.Add(1) == 1 {
			<-release
		}
		return "", nil
	}

	h.orch.Start(context.Background())
	defer h.orch.Stop()

	h.orch.Trigger(TriggerPeriodic)
	require.Eventually(t, func() bool { return h.orch.Status().Running }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		h.orch.Trigger(TriggerOpportunistic)
	}
	h.orch.SyncNow()
	close(release)

	require.Eventually(t, func() bool {
		st := h.orch.Status()
		return st.Runs == 2 && !st.Running
	}, 2*time.Second, 5*time.Millisecond)

	// no further runs are queued
	time.Sleep(50 * time.Millisecond)
	st := h.orch.Status()
	assert.Equal(t, int64(2), st.Runs)
	assert.Equal(t, TriggerManual, st.LastTrigger)
	assert.Equal(t, int32(1), creates.Load())
}

func TestManualSyncGivesUpAfterRetries(t *testing.T) {
	h := newHarness(t, Options{BackoffStep: 5 * time.Millisecond, ManualMaxRetries: 3})
	h.enqueue(t, base)

	var creates atomic.Int32
	h.remote.CreateFn = func(ctx context.Context, alert models.Alert) (string, error) {
		creates.Add(1)
		return "", errors.Wrap(remote.ErrRemoteTransient, "timeout")
	}

	h.orch.Start(context.Background())
	defer h.orch.Stop()
	h.orch.SyncNow()

	require.Eventually(t, func() bool { return h.orch.Status().ManualFailed }, 3*time.Second, 5*time.Millisecond)

	st := h.orch.Status()
	assert.Equal(t, int64(4), st.Runs)
	assert.Equal(t, int32(4), creates.Load())
	assert.Nil(t, st.NextRetryAt)
	assert.Contains(t, st.LastError, "timeout")
	assert.Equal(t, 1, h.pending(t))
}

func TestManualRetryBudgetSurvivesAutomaticFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{BackoffStep: time.Hour, ManualMaxRetries: 1})
	defer h.orch.Stop()
	h.enqueue(t, base)
	h.remote.CreateFn = func(ctx context.Context, alert models.Alert) (string, error) {
		return "", errors.Wrap(remote.ErrRemoteTransient, "timeout")
	}

	_, err := h.orch.execute(ctx, request{kind: TriggerManual, manual: true}, true)
	require.Error(t, err)
	st := h.orch.Status()
	require.NotNil(t, st.NextRetryAt)
	assert.False(t, st.ManualFailed)

	// a periodic run fails before the manual retry is due
	_, err = h.orch.execute(ctx, request{kind: TriggerPeriodic}, true)
	require.Error(t, err)
	st = h.orch.Status()
	assert.True(t, st.ManualFailed)
	assert.Nil(t, st.NextRetryAt)

	t.Run("later automatic failures back off again", func(t *testing.T) {
		_, err := h.orch.execute(ctx, request{kind: TriggerPeriodic}, true)
		require.Error(t, err)
		st := h.orch.Status()
		require.NotNil(t, st.NextRetryAt)
		assert.Equal(t, base.Add(3*time.Hour), *st.NextRetryAt)
	})
}

func TestRun_YieldsToAnotherProcess(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	clk := clock.NewManual(base)
	openQueue := func() *queue.Queue {
		s, err := storage.NewSQLite(path)
		require.NoError(t, err)
		require.NoError(t, s.Migrate(ctx))
		t.Cleanup(func() { _ = s.Close() })
		return queue.New(s, clk, zerolog.Nop())
	}
	serveQueue, cliQueue := openQueue(), openQueue()

	id, err := serveQueue.Enqueue(ctx, models.Alert{
		RequestID:  models.NewRequestID(base),
		UserID:     "user-1",
		Type:       models.AlertPolice,
		Coordinate: models.Coordinate{Latitude: 35.6762, Longitude: 139.6503},
		CreatedAt:  base,
	})
	require.NoError(t, err)

	store := remotetest.NewStore()
	started := make(chan struct{})
	release := make(chan struct{})
	var creates atomic.Int32
	store.CreateFn = func(ctx context.Context, alert models.Alert) (string, error) {
		if creates.Add(1) == 1 {
			close(started)
			<-release
		}
		return "", nil
	}

	serve := New(serveQueue, store, connectivity.NewStatic(true), clk, Options{}, nil, zerolog.Nop())
	cli := New(cliQueue, store, connectivity.NewStatic(true), clk, Options{}, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := serve.RunOnce(ctx)
		done <- err
	}()
	<-started

	delivered, err := cli.RunOnce(ctx)
	assert.ErrorIs(t, err, ErrRunActive)
	assert.Zero(t, delivered)
	assert.Zero(t, cli.Status().ConsecutiveFailures)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), creates.Load())

	a, err := cliQueue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StateDelivered, a.State)

	t.Run("lease is released after the run", func(t *testing.T) {
		_, err := cli.RunOnce(ctx)
		assert.NoError(t, err)
	})
}

func TestAutomaticRetryRecovers(t *testing.T) {
	h := newHarness(t, Options{BackoffStep: 5 * time.Millisecond})
	id := h.enqueue(t, base)

	var creates atomic.Int32
	h.remote.CreateFn = func(ctx context.Context, alert models.Alert) (string, error) {
		if creates.Add(1) <= 2 {
			return "", errors.Wrap(remote.ErrRemoteTransient, "connection reset")
		}
		return "", nil
	}

	h.orch.Start(context.Background())
	defer h.orch.Stop()
	h.orch.Trigger(TriggerPeriodic)

	require.Eventually(t, func() bool {
		return h.state(t, id).State == models.StateDelivered
	}, 3*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return !h.orch.Status().Running }, time.Second, 5*time.Millisecond)
	st := h.orch.Status()
	assert.Zero(t, st.ConsecutiveFailures)
	assert.NotNil(t, st.LastSuccessAt)
	assert.Nil(t, st.NextRetryAt)
	assert.Equal(t, 2, h.state(t, id).AttemptCount)
}

func TestRequestMerge(t *testing.T) {
	r := request{kind: TriggerPeriodic}
	r.merge(request{kind: TriggerManual, manual: true})
	r.merge(request{kind: TriggerRetry})
	assert.Equal(t, TriggerManual, r.kind)
	assert.True(t, r.manual)

	r = request{kind: TriggerRetry, manual: true}
	r.merge(request{kind: TriggerOpportunistic})
	assert.Equal(t, TriggerOpportunistic, r.kind)
	assert.True(t, r.manual)
}
