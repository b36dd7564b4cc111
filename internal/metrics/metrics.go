package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sosrelay"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	alertsCreated   *prometheus.CounterVec
	alertRejections *prometheus.CounterVec
	syncRuns        *prometheus.CounterVec
	alertsDelivered prometheus.Counter
	pendingAlerts   prometheus.Gauge
	locationFixes   *prometheus.CounterVec
	locationAcquire prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		alertsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_created_total",
				Help:      "Alert triggers by outcome (delivered, queued, rejected)",
			},
			[]string{"outcome"},
		),
		alertRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alert_rejections_total",
				Help:      "Rejected alert triggers by reason",
			},
			[]string{"reason"},
		),
		syncRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_runs_total",
				Help:      "Queue sync runs by result",
			},
			[]string{"result"},
		),
		alertsDelivered: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_delivered_total",
				Help:      "Queued alerts delivered to the remote store",
			},
		),
		pendingAlerts: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_alerts",
				Help:      "Alerts waiting in the local queue",
			},
		),
		locationFixes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "location_fixes_total",
				Help:      "Location acquisitions by winning strategy (none on failure)",
			},
			[]string{"strategy"},
		),
		locationAcquire: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "location_acquire_seconds",
				Help:      "Time spent acquiring an emergency location",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2, 3, 5, 10},
			},
		),
	}
}

func (m *Metrics) AlertCreated(outcome string) {
	if m == nil {
		return
	}
	m.alertsCreated.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AlertRejected(reason string) {
	if m == nil {
		return
	}
	m.alertRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) SyncRun(result string) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) AlertDelivered() {
	if m == nil {
		return
	}
	m.alertsDelivered.Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingAlerts.Set(float64(n))
}

// FixAcquired records a location acquisition; an empty strategy is a failure.
func (m *Metrics) FixAcquired(strategy string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if strategy == "" {
		strategy = "none"
	}
	m.locationFixes.WithLabelValues(strategy).Inc()
	m.locationAcquire.Observe(elapsed.Seconds())
}

// TrackPending mirrors a pending-count stream into the gauge until the
// stream closes.
func (m *Metrics) TrackPending(counts <-chan int) {
	for n := range counts {
		m.SetPending(n)
	}
}
