package metrics

import (
	"net/http"
	"time"

	"cyrange/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cyrange"

// Collector holds the reconciliation metrics on a private registry. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	Passes              *prometheus.CounterVec
	PassDuration        *prometheus.HistogramVec
	Reconciles          *prometheus.CounterVec
	Records             *prometheus.GaugeVec
	RecordHealth        *prometheus.GaugeVec
	NeedingSync         prometheus.Gauge
	DiscoveryChanges    *prometheus.CounterVec
	ConsecutiveFailures prometheus.Gauge
	BreakerOpen         prometheus.Gauge
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		Passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Scheduler passes by kind and result.",
		}, []string{"pass", "result"}),
		PassDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of scheduler passes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pass"}),
		Reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Reconciliation attempts by action and outcome.",
		}, []string{"action", "outcome"}),
		Records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state_records",
			Help:      "State records by sync status.",
		}, []string{"sync_status"}),
		RecordHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state_records_health",
			Help:      "State records by health status.",
		}, []string{"health"}),
		NeedingSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state_records_needing_reconciliation",
			Help:      "State records eligible for another attempt.",
		}),
		DiscoveryChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_changes_total",
			Help:      "Discovery inventory changes by kind.",
		}, []string{"scope", "kind"}),
		ConsecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_consecutive_failures",
			Help:      "Consecutive failed sync passes.",
		}),
		BreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_breaker_open",
			Help:      "1 while sync passes are suspended by the circuit breaker.",
		}),
	}
	reg.MustRegister(
		c.Passes,
		c.PassDuration,
		c.Reconciles,
		c.Records,
		c.RecordHealth,
		c.NeedingSync,
		c.DiscoveryChanges,
		c.ConsecutiveFailures,
		c.BreakerOpen,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObservePass(pass, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.Passes.WithLabelValues(pass, result).Inc()
	c.PassDuration.WithLabelValues(pass).Observe(d.Seconds())
}

func (c *Collector) ObserveReconcile(action, outcome string) {
	if c == nil {
		return
	}
	c.Reconciles.WithLabelValues(action, outcome).Inc()
}

// SetRecordStats replaces the record gauges with st.
func (c *Collector) SetRecordStats(st state.Stats) {
	if c == nil {
		return
	}
	for _, s := range state.SyncStatuses {
		c.Records.WithLabelValues(s.String()).Set(float64(st.BySync[s]))
	}
	for _, h := range []state.HealthStatus{state.HealthHealthy, state.HealthUnhealthy, state.HealthUnknown} {
		c.RecordHealth.WithLabelValues(h.String()).Set(float64(st.ByHealth[h]))
	}
	c.NeedingSync.Set(float64(st.NeedingReconciliation))
}

func (c *Collector) AddDiscoveryChanges(scope string, added, updated, removed int) {
	if c == nil {
		return
	}
	c.DiscoveryChanges.WithLabelValues(scope, "added").Add(float64(added))
	c.DiscoveryChanges.WithLabelValues(scope, "updated").Add(float64(updated))
	c.DiscoveryChanges.WithLabelValues(scope, "removed").Add(float64(removed))
}

func (c *Collector) SetBreaker(consecutiveFailures int, open bool) {
	if c == nil {
		return
	}
	c.ConsecutiveFailures.Set(float64(consecutiveFailures))
	if open {
		c.BreakerOpen.Set(1)
	} else {
		c.BreakerOpen.Set(0)
	}
}
