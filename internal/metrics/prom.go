package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type PromMetrics struct {
	created         *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	publishLatency  *prometheus.HistogramVec
	limiterDenied   *prometheus.CounterVec
	deferred        prometheus.Counter
	readmitted      prometheus.Counter
	dispatchDropped *prometheus.CounterVec
	subsDropped     prometheus.Counter
	queueDelay      prometheus.Histogram
}

func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_tasks_created_total",
			Help: "Number of publish tasks created, by scheduling mode",
		}, []string{"mode"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_task_transitions_total",
			Help: "Number of task status transitions, by target status",
		}, []string{"status"}),
		publishLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "publish_latency_seconds",
			Help:    "Latency of publisher calls",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		limiterDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_limiter_denied_total",
			Help: "Number of rate limiter denials, by gate",
		}, []string{"gate"}),
		deferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "publish_tasks_deferred_total",
			Help: "Number of due tasks pushed back by the rate limiter",
		}),
		readmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "publish_tasks_retry_readmitted_total",
			Help: "Number of failed tasks returned to pending by the retry sweep",
		}),
		dispatchDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "publish_dispatch_dropped_total",
			Help: "Number of executions not handed to the engine, by reason",
		}, []string{"reason"}),
		subsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "publish_event_subscribers_dropped_total",
			Help: "Number of event stream subscribers removed for falling behind",
		}),
		queueDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "publish_engine_queue_delay_seconds",
			Help:    "Time executions wait in the engine queue before a worker picks them up",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	reg.MustRegister(m.created, m.transitions, m.publishLatency, m.limiterDenied,
		m.deferred, m.readmitted, m.dispatchDropped, m.subsDropped, m.queueDelay)
	return m
}

func (m *PromMetrics) TaskCreated(mode string, n int) {
	m.created.WithLabelValues(mode).Add(float64(n))
}
func (m *PromMetrics) TaskTransition(to string) {
	m.transitions.WithLabelValues(to).Inc()
}
func (m *PromMetrics) PublishLatency(outcome string, d time.Duration) {
	m.publishLatency.WithLabelValues(outcome).Observe(d.Seconds())
}
func (m *PromMetrics) LimiterDenied(gate string) {
	m.limiterDenied.WithLabelValues(gate).Inc()
}
func (m *PromMetrics) TaskDeferred() {
	m.deferred.Inc()
}
func (m *PromMetrics) RetriesReadmitted(n int) {
	m.readmitted.Add(float64(n))
}
func (m *PromMetrics) DispatchDropped(reason string) {
	m.dispatchDropped.WithLabelValues(reason).Inc()
}
func (m *PromMetrics) EventSubscriberDropped() {
	m.subsDropped.Inc()
}
func (m *PromMetrics) EngineQueueDelay(d time.Duration) {
	m.queueDelay.Observe(d.Seconds())
}
