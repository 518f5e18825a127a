// Package metrics exposes the core's fixed Prometheus surface: counters,
// gauges, and histograms tracking task outcomes, rate-limit decisions, key
// rotations, spend, and circuit-breaker state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps a private prometheus.Registry and exposes one typed field
// per metric in the telemetry surface.
type Registry struct {
	reg *prometheus.Registry

	TasksTotal          *prometheus.CounterVec
	TaskErrorsTotal     *prometheus.CounterVec
	RateLimitChecksTotal *prometheus.CounterVec
	APIKeyRotationsTotal *prometheus.CounterVec
	CostDollarsTotal    *prometheus.CounterVec

	ActiveTasks          prometheus.Gauge
	CircuitBreakerOpen   *prometheus.GaugeVec
	APIKeyHealthStatus   *prometheus.GaugeVec
	BudgetRemainingUSD   *prometheus.GaugeVec

	TaskDuration        *prometheus.HistogramVec
	ModelLatency        *prometheus.HistogramVec
	BackoffSeconds      *prometheus.HistogramVec
}

// New builds and registers every metric in the telemetry surface.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ml_tasks_total",
			Help: "Total tasks processed by outcome",
		}, []string{"task", "status", "worker"}),
		TaskErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ml_task_errors_total",
			Help: "Total task errors by kind",
		}, []string{"task", "error_kind", "worker"}),
		RateLimitChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_checks_total",
			Help: "Total rate limit checks by result",
		}, []string{"service", "result"}),
		APIKeyRotationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_key_rotations_total",
			Help: "Total provider API key rotations by reason",
		}, []string{"service", "reason"}),
		CostDollarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ml_cost_dollars_total",
			Help: "Total provider spend in USD",
		}, []string{"task", "model", "worker"}),
		ActiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ml_active_tasks",
			Help: "Number of tasks currently executing",
		}),
		CircuitBreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rate_limit_circuit_breaker_open",
			Help: "Whether the rate-limit store circuit breaker is open (1) or not (0)",
		}, []string{"service"}),
		APIKeyHealthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "api_key_health_status",
			Help: "Count of provider API keys currently in each health status",
		}, []string{"service", "status"}),
		BudgetRemainingUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ml_budget_remaining_dollars",
			Help: "Remaining budget in USD for the given window and service",
		}, []string{"window", "service"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ml_task_duration_seconds",
			Help:    "End-to-end task duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 14),
		}, []string{"task"}),
		ModelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ml_model_latency_seconds",
			Help:    "Provider call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"service", "model"}),
		BackoffSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rate_limit_backoff_seconds",
			Help:    "Computed backoff delay in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"service"}),
	}
	reg.MustRegister(
		m.TasksTotal, m.TaskErrorsTotal, m.RateLimitChecksTotal, m.APIKeyRotationsTotal, m.CostDollarsTotal,
		m.ActiveTasks, m.CircuitBreakerOpen, m.APIKeyHealthStatus, m.BudgetRemainingUSD,
		m.TaskDuration, m.ModelLatency, m.BackoffSeconds,
	)
	return m
}

// Handler returns an http.Handler suitable for mounting at /metrics.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
