package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus collectors for engine monitoring.
//
// Exposed metrics (namespace "optiflow"):
//   - running_instances (gauge): instances currently executing
//   - instances_total (counter): terminal instances by status
//   - step_latency_seconds (histogram): step attempt duration by
//     workflow, step type and outcome
//   - step_retries_total (counter): retry attempts by workflow and step
//   - lock_contention_total (counter): failed lock acquisitions by scope
//     (step lock vs. instance mutex)
//
// All methods are nil-safe: an engine built without metrics simply
// records nothing.
type Metrics struct {
	runningInstances prometheus.Gauge
	instancesTotal   *prometheus.CounterVec
	stepLatency      *prometheus.HistogramVec
	stepRetries      *prometheus.CounterVec
	lockContention   *prometheus.CounterVec
}

// NewMetrics creates and registers all engine metrics with the given
// registry. Pass prometheus.DefaultRegisterer for the global registry,
// or a private prometheus.NewRegistry() in tests.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		runningInstances: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "optiflow",
			Name:      "running_instances",
			Help:      "Number of workflow instances currently executing.",
		}),
		instancesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optiflow",
			Name:      "instances_total",
			Help:      "Workflow instances reaching a terminal status.",
		}, []string{"workflow", "status"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "optiflow",
			Name:      "step_latency_seconds",
			Help:      "Step attempt duration in seconds.",
			Buckets:   []float64{0.005, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"workflow", "step_type", "status"}),
		stepRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optiflow",
			Name:      "step_retries_total",
			Help:      "Step retry attempts.",
		}, []string{"workflow", "step"}),
		lockContention: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optiflow",
			Name:      "lock_contention_total",
			Help:      "Lock acquisitions that found the lock held.",
		}, []string{"scope"}),
	}
}

// InstanceStarted records an instance entering execution.
func (m *Metrics) InstanceStarted() {
	if m == nil {
		return
	}
	m.runningInstances.Inc()
}

// InstanceStopped records an instance leaving execution, terminal or
// not (a paused instance stops executing without finishing).
func (m *Metrics) InstanceStopped() {
	if m == nil {
		return
	}
	m.runningInstances.Dec()
}

// InstanceTerminal counts an instance reaching a terminal status.
func (m *Metrics) InstanceTerminal(workflowID string, status Status) {
	if m == nil {
		return
	}
	m.instancesTotal.WithLabelValues(workflowID, string(status)).Inc()
}

// StepAttempt records the latency and outcome of one step attempt.
func (m *Metrics) StepAttempt(workflowID string, stepType StepType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(workflowID, string(stepType), status).Observe(d.Seconds())
}

// StepRetried counts one retry for a step.
func (m *Metrics) StepRetried(workflowID, stepID string) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(workflowID, stepID).Inc()
}

// LockContended counts a lock acquisition that found the lock held.
// scope is "step" or "instance".
func (m *Metrics) LockContended(scope string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(scope).Inc()
}
