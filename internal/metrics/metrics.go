// Package metrics holds the Prometheus collectors of the runtime.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentscript"

// Metrics groups every collector the runtime exports.
type Metrics struct {
	registry *prometheus.Registry

	stepsTotal       *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	stepRetries      *prometheus.CounterVec
	workflowsTotal   *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	hooksTotal       *prometheus.CounterVec
	hookPanics       *prometheus.CounterVec
	hookDuration     *prometheus.HistogramVec
	debugPauses      *prometheus.CounterVec
	debugPaused      prometheus.Gauge
	historyWrites    *prometheus.CounterVec
	historyDropped   prometheus.Counter
	historyArchived  prometheus.Counter
	configChanges    *prometheus.CounterVec
}

// New registers all collectors on a fresh registry. When withRuntime is set
// the Go and process collectors are added too.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stepsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Executed workflow steps by step kind and final status",
		}, []string{"kind", "status"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step wall time including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		stepRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Retry attempts beyond the first try by step target",
		}, []string{"target"}),
		workflowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Finished workflow runs by pattern and status",
		}, []string{"pattern", "status"}),
		workflowDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow run wall time",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"pattern"}),
		hooksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hooks_total",
			Help:      "Hook invocations by hook point and verdict",
		}, []string{"point", "verdict"}),
		hookPanics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_panics_total",
			Help:      "Hook invocations that panicked",
		}, []string{"point"}),
		hookDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hook_duration_seconds",
			Help:      "Time to run all hooks registered for a point",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"point"}),
		debugPauses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debug_pauses_total",
			Help:      "Debugger pauses by reason",
		}, []string{"reason"}),
		debugPaused: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "debug_paused",
			Help:      "1 while an execution is suspended by the debugger",
		}),
		historyWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_history_writes_total",
			Help:      "Hook history store writes by result",
		}, []string{"result"}),
		historyDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_history_dropped_total",
			Help:      "Execution records dropped because the recorder buffer was full",
		}),
		historyArchived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_history_archived_total",
			Help:      "Execution records removed by retention",
		}),
		configChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_operations_total",
			Help:      "Config bridge operations by change type and outcome",
		}, []string{"change_type", "allowed"}),
	}
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveStep records one finished step.
func (m *Metrics) ObserveStep(kind, target, status string, attempts int, d time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(kind, status).Inc()
	m.stepDuration.WithLabelValues(kind).Observe(d.Seconds())
	if attempts > 1 {
		m.stepRetries.WithLabelValues(target).Add(float64(attempts - 1))
	}
}

// ObserveWorkflow records one finished workflow run.
func (m *Metrics) ObserveWorkflow(pattern, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.workflowsTotal.WithLabelValues(pattern, status).Inc()
	m.workflowDuration.WithLabelValues(pattern).Observe(d.Seconds())
}

// ObserveHook records one hook invocation and its verdict.
func (m *Metrics) ObserveHook(point, verdict string) {
	if m == nil {
		return
	}
	m.hooksTotal.WithLabelValues(point, verdict).Inc()
}

// ObserveHookDispatch records the time spent running a hook point.
func (m *Metrics) ObserveHookDispatch(point string, d time.Duration) {
	if m == nil {
		return
	}
	m.hookDuration.WithLabelValues(point).Observe(d.Seconds())
}

// HookPanicked counts a recovered hook panic.
func (m *Metrics) HookPanicked(point string) {
	if m == nil {
		return
	}
	m.hookPanics.WithLabelValues(point).Inc()
}

// DebugPaused marks the start of a debugger pause.
func (m *Metrics) DebugPaused(reason string) {
	if m == nil {
		return
	}
	m.debugPauses.WithLabelValues(reason).Inc()
	m.debugPaused.Set(1)
}

// DebugResumed marks the end of a debugger pause.
func (m *Metrics) DebugResumed() {
	if m == nil {
		return
	}
	m.debugPaused.Set(0)
}

// HistoryWrite records a hook history insert.
func (m *Metrics) HistoryWrite(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.historyWrites.WithLabelValues(result).Inc()
}

// HistoryDropped counts a record the recorder could not buffer.
func (m *Metrics) HistoryDropped() {
	if m == nil {
		return
	}
	m.historyDropped.Inc()
}

// HistoryArchived counts records removed by retention.
func (m *Metrics) HistoryArchived(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.historyArchived.Add(float64(n))
}

// ConfigOperation records one audited config bridge operation.
func (m *Metrics) ConfigOperation(changeType string, allowed bool) {
	if m == nil {
		return
	}
	a := "true"
	if !allowed {
		a = "false"
	}
	m.configChanges.WithLabelValues(changeType, a).Inc()
}
