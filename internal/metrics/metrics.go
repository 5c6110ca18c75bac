package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus instruments on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	executionsStarted  prometheus.Counter
	executionsFinished *prometheus.CounterVec
	executionsActive   prometheus.Gauge
	admissionRejected  prometheus.Counter
	stepsFinished      *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	tokens             *prometheus.CounterVec
	costUSD            prometheus.Counter
}

// New registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		executionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teamexec_executions_started_total",
			Help: "Executions admitted and launched.",
		}),
		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamexec_executions_finished_total",
			Help: "Executions that reached a terminal status.",
		}, []string{"workflow", "status"}),
		executionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "teamexec_executions_active",
			Help: "Executions currently running in this process.",
		}),
		admissionRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teamexec_admission_rejected_total",
			Help: "StartExecution calls rejected by the quota check.",
		}),
		stepsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamexec_steps_finished_total",
			Help: "Agent steps that reached a terminal status.",
		}, []string{"status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "teamexec_step_duration_seconds",
			Help:    "Wall time of agent steps.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"status"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teamexec_tokens_total",
			Help: "Tokens reported by the inference backend.",
		}, []string{"model", "direction"}),
		costUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teamexec_cost_usd_total",
			Help: "Priced usage in USD.",
		}),
	}
	reg.MustRegister(m.executionsStarted, m.executionsFinished, m.executionsActive,
		m.admissionRejected, m.stepsFinished, m.stepDuration, m.tokens, m.costUSD)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.executionsStarted.Inc()
	m.executionsActive.Inc()
}

func (m *Metrics) ExecutionFinished(workflow, status string) {
	if m == nil {
		return
	}
	m.executionsActive.Dec()
	m.executionsFinished.WithLabelValues(workflow, status).Inc()
}

func (m *Metrics) AdmissionRejected() {
	if m == nil {
		return
	}
	m.admissionRejected.Inc()
}

// StepFinished records a step outcome and how long it ran.
func (m *Metrics) StepFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepsFinished.WithLabelValues(status).Inc()
	m.stepDuration.WithLabelValues(status).Observe(d.Seconds())
}

// Usage records tokens and cost for one agent.
func (m *Metrics) Usage(model string, tokensIn, tokensOut int64, costUSD float64) {
	if m == nil {
		return
	}
	if model == "" {
		model = "unknown"
	}
	m.tokens.WithLabelValues(model, "input").Add(float64(tokensIn))
	m.tokens.WithLabelValues(model, "output").Add(float64(tokensOut))
	m.costUSD.Add(costUSD)
}
