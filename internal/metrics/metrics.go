// Package metrics holds the Prometheus collectors shared by the admission and
// consistency components.
//
// Collectors are registered on an explicit registry owned by the process, so
// tests can build an isolated set with prometheus.NewRegistry(). All recording
// methods are safe on a nil *Metrics, which lets components run without
// instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sentinel"

// Metrics groups every collector exported by the service.
type Metrics struct {
	// RateLimitDecisions counts token bucket decisions.
	// Labels: bucket, result (allowed, denied, store_error)
	RateLimitDecisions *prometheus.CounterVec

	// Admissions counts quota admission outcomes.
	// Labels: outcome (admitted, rate_limited, daily_quota_exceeded, ...)
	Admissions *prometheus.CounterVec

	// QuotaCounterPath counts which path incremented the daily counters.
	// Labels: path (fast, relational)
	QuotaCounterPath *prometheus.CounterVec

	// PermissionLookups counts permission cache lookups.
	// Labels: result (hit, miss, stale, error)
	PermissionLookups *prometheus.CounterVec

	// OutboxEvents counts relayed outbox events.
	// Labels: topic, result (processed, retried, failed)
	OutboxEvents *prometheus.CounterVec

	// OutboxBatchDuration measures RelayBatch latency.
	// Labels: topic
	OutboxBatchDuration *prometheus.HistogramVec

	// ScrubSteps counts saga step executions.
	// Labels: step (init, storage, vector, purge), result (ok, error)
	ScrubSteps *prometheus.CounterVec

	// Routes counts read/write router decisions.
	// Labels: target (primary, replica), reason
	Routes *prometheus.CounterVec
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RateLimitDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Token bucket decisions by bucket and result.",
		}, []string{"bucket", "result"}),
		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "admissions_total",
			Help:      "Quota admission outcomes.",
		}, []string{"outcome"}),
		QuotaCounterPath: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "counter_increments_total",
			Help:      "Daily counter increments by store path.",
		}, []string{"path"}),
		PermissionLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "permcache",
			Name:      "lookups_total",
			Help:      "Permission cache lookups by result.",
		}, []string{"result"}),
		OutboxEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_total",
			Help:      "Outbox events handled by topic and result.",
		}, []string{"topic", "result"}),
		OutboxBatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "batch_duration_seconds",
			Help:      "Duration of one relay batch.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		ScrubSteps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scrub",
			Name:      "steps_total",
			Help:      "Deletion saga step executions.",
		}, []string{"step", "result"}),
		Routes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dbrouter",
			Name:      "routes_total",
			Help:      "Connection routing decisions.",
		}, []string{"target", "reason"}),
	}
}

func (m *Metrics) RateLimitDecision(bucket, result string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(bucket, result).Inc()
}

func (m *Metrics) Admission(outcome string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CounterPath(path string) {
	if m == nil {
		return
	}
	m.QuotaCounterPath.WithLabelValues(path).Inc()
}

func (m *Metrics) PermissionLookup(result string) {
	if m == nil {
		return
	}
	m.PermissionLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) OutboxEvent(topic, result string) {
	if m == nil {
		return
	}
	m.OutboxEvents.WithLabelValues(topic, result).Inc()
}

func (m *Metrics) OutboxBatch(topic string, seconds float64) {
	if m == nil {
		return
	}
	m.OutboxBatchDuration.WithLabelValues(topic).Observe(seconds)
}

func (m *Metrics) ScrubStep(step, result string) {
	if m == nil {
		return
	}
	m.ScrubSteps.WithLabelValues(step, result).Inc()
}

func (m *Metrics) Route(target, reason string) {
	if m == nil {
		return
	}
	m.Routes.WithLabelValues(target, reason).Inc()
}
