// Package metrics holds the Prometheus collectors of the stepping engine and
// the retry scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "protocore"

// Engine counts step executions and drops. A nil *Engine is valid and
// records nothing.
type Engine struct {
	StepsExecuted    *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	Conflicts        prometheus.Counter
	DeliveryFailures prometheus.Counter
	SchedulerPending prometheus.Gauge
}

// NewEngine creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which tests use to read values directly.
func NewEngine(reg prometheus.Registerer) (*Engine, error) {
	m := &Engine{
		StepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_executed_total",
			Help:      "Protocol steps executed and committed.",
		}, []string{"family", "step"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound protocol messages dropped without executing a step.",
		}, []string{"reason"}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Step transactions cancelled by a concurrent state change.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Outbound messages the channel delegate failed to post.",
		}),
		SchedulerPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_pending",
			Help:      "Closures waiting in the delayed re-execution scheduler.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.StepsExecuted, m.MessagesDropped, m.Conflicts, m.DeliveryFailures, m.SchedulerPending,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StepExecuted records a committed step.
func (m *Engine) StepExecuted(family, step string) {
	if m == nil {
		return
	}
	m.StepsExecuted.WithLabelValues(family, step).Inc()
}

// Dropped records a dropped message.
func (m *Engine) Dropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// Conflict records an optimistic-concurrency conflict.
func (m *Engine) Conflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

// DeliveryFailed records a failed post.
func (m *Engine) DeliveryFailed() {
	if m == nil {
		return
	}
	m.DeliveryFailures.Inc()
}

// SetPending reports the scheduler's pending count.
func (m *Engine) SetPending(n int) {
	if m == nil {
		return
	}
	m.SchedulerPending.Set(float64(n))
}
