package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sample returns the value of the named series whose labels include want.
func sample(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("series %s%v not found", name, want)
	return 0
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AlertCreated("queued")
	m.AlertCreated("queued")
	m.AlertRejected("cooldown_active")
	m.SyncRun("success")
	m.AlertDelivered()
	m.FixAcquired("", 10*time.Millisecond)
	m.FixAcquired("cached", time.Millisecond)

	counts := make(chan int, 2)
	counts <- 3
	counts <- 1
	close(counts)
	m.TrackPending(counts)

	assert.Equal(t, float64(2), sample(t, reg, "sosrelay_alerts_created_total", map[string]string{"outcome": "queued"}))
	assert.Equal(t, float64(1), sample(t, reg, "sosrelay_alert_rejections_total", map[string]string{"reason": "cooldown_active"}))
	assert.Equal(t, float64(1), sample(t, reg, "sosrelay_sync_runs_total", map[string]string{"result": "success"}))
	assert.Equal(t, float64(1), sample(t, reg, "sosrelay_alerts_delivered_total", nil))
	assert.Equal(t, float64(1), sample(t, reg, "sosrelay_location_fixes_total", map[string]string{"strategy": "none"}))
	assert.Equal(t, float64(2), sample(t, reg, "sosrelay_location_acquire_seconds", nil))
	assert.Equal(t, float64(1), sample(t, reg, "sosrelay_pending_alerts", nil))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.AlertCreated("delivered")
		m.AlertRejected("offline_disabled")
		m.SyncRun("failure")
		m.AlertDelivered()
		m.SetPending(4)
		m.FixAcquired("fresh", time.Second)
	})
}
