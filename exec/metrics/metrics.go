// Package metrics exposes Prometheus instrumentation for the execution
// coordination plane. All metrics share the "flowexec" namespace and are
// registered against an injected Registerer so tests and embedders can
// isolate their registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the measurement surface shared by the worker, the buses, and
// the recovery sweeper. A nil *Metrics is valid everywhere and records
// nothing; components never need to guard their call sites.
type Metrics struct {
	tasksConsumed      prometheus.Counter
	tasksRepublished   prometheus.Counter
	claimsAcquired     prometheus.Counter
	claimsLost         prometheus.Counter
	claimExtendFailed  prometheus.Counter
	executionsFinished *prometheus.CounterVec
	retries            prometheus.Counter
	eventsPublished    prometheus.Counter
	eventsEarlySkipped prometheus.Counter
	subscriptions      prometheus.Gauge
	recoveryRequeues   prometheus.Counter
	taskSeconds        prometheus.Histogram
}

// New registers the coordination-plane metrics with the given registry.
// Pass prometheus.DefaultRegisterer for the process-global registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		tasksConsumed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowexec", Name: "tasks_consumed_total",
			Help: "Task deliveries handed to the worker loop.",
		}),
		tasksRepublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowexec", Name: "tasks_republished_total",
			Help: "Retry tasks re-enqueued after a failed attempt.",
		}),
		claimsAcquired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowexec", Name: "claims_acquired_total",
			Help: "Successful exclusive claims on executions.",
		}),
		claimsLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowexec", Name: "claims_lost_total",
			Help: "Claims lost mid-processing (extend returned false or re-verify failed).",
		}),
		claimExtendFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowexec", Name: "claim_extend_failures_total",
			Help: "Heartbeat extend calls that returned false.",
		}),
		executionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowexec", Name: "executions_completed_total",
			Help: "Executions reaching a terminal status, by status.",
		}, []string{"status"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowexec", Name: "retries_total",
			Help: "Retry attempts scheduled by the failure path.",
		}),
		eventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowexec", Name: "events_published_total",
			Help: "Execution events appended to the event log.",
		}),
		eventsEarlySkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowexec", Name: "events_early_skipped_total",
			Help: "Records discarded by header checks before deserialisation.",
		}),
		subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowexec", Name: "event_subscriptions",
			Help: "Open event subscriptions.",
		}),
		recoveryRequeues: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowexec", Name: "recovery_requeues_total",
			Help: "Stuck executions re-enqueued by the recovery sweeper.",
		}),
		taskSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flowexec", Name: "task_processing_seconds",
			Help:    "Wall time per task attempt, claim to release.",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 60, 300, 1800},
		}),
	}
}

func (m *Metrics) TaskConsumed() {
	if m != nil {
		m.tasksConsumed.Inc()
	}
}

func (m *Metrics) TaskRepublished() {
	if m != nil {
		m.tasksRepublished.Inc()
	}
}

func (m *Metrics) ClaimAcquired() {
	if m != nil {
		m.claimsAcquired.Inc()
	}
}

func (m *Metrics) ClaimLost() {
	if m != nil {
		m.claimsLost.Inc()
	}
}

func (m *Metrics) ClaimExtendFailed() {
	if m != nil {
		m.claimExtendFailed.Inc()
	}
}

func (m *Metrics) ExecutionFinished(status string) {
	if m != nil {
		m.executionsFinished.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Retry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) EventPublished() {
	if m != nil {
		m.eventsPublished.Inc()
	}
}

// EventsEarlySkipped adds n records dropped by the partition-hint /
// execution-id header checks before any deserialisation happened.
func (m *Metrics) EventsEarlySkipped(n int) {
	if m != nil && n > 0 {
		m.eventsEarlySkipped.Add(float64(n))
	}
}

func (m *Metrics) SubscriptionOpened() {
	if m != nil {
		m.subscriptions.Inc()
	}
}

func (m *Metrics) SubscriptionClosed() {
	if m != nil {
		m.subscriptions.Dec()
	}
}

func (m *Metrics) RecoveryRequeue() {
	if m != nil {
		m.recoveryRequeues.Inc()
	}
}

func (m *Metrics) ObserveTaskSeconds(seconds float64) {
	if m != nil {
		m.taskSeconds.Observe(seconds)
	}
}
