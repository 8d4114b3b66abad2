// Package metrics exposes Prometheus collectors for run orchestration.
// All recording methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentruns"

type Metrics struct {
	registry *prometheus.Registry

	runsSubmitted      *prometheus.CounterVec
	runsFinished       *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	activeRuns         prometheus.Gauge
	itemsAppended      prometheus.Counter
	schedulingFailures prometheus.Counter
	reconciled         *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_submitted_total",
			Help:      "Runs accepted by the scheduler.",
		}, []string{"agent_key"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"agent_key", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Time from claim to terminal status.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"agent_key", "status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Runs currently executing in this process.",
		}),
		itemsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_items_appended_total",
			Help:      "Conversation items appended by executors.",
		}),
		schedulingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduling_failures_total",
			Help:      "Dispatch submissions that failed.",
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_runs_total",
			Help:      "Runs touched by the reconciler, by action.",
		}, []string{"action"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsSubmitted,
		m.runsFinished,
		m.runDuration,
		m.activeRuns,
		m.itemsAppended,
		m.schedulingFailures,
		m.reconciled,
		m.httpRequests,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RunSubmitted(agentKey string) {
	if m == nil {
		return
	}
	m.runsSubmitted.WithLabelValues(agentKey).Inc()
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) RunFinished(agentKey, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsFinished.WithLabelValues(agentKey, status).Inc()
	m.runDuration.WithLabelValues(agentKey, status).Observe(elapsed.Seconds())
}

func (m *Metrics) ItemAppended() {
	if m == nil {
		return
	}
	m.itemsAppended.Inc()
}

func (m *Metrics) SchedulingFailed() {
	if m == nil {
		return
	}
	m.schedulingFailures.Inc()
}

func (m *Metrics) Reconciled(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconciled.WithLabelValues(action).Add(float64(n))
}

func (m *Metrics) HTTPRequest(method, route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}
