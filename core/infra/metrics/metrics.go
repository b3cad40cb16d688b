package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the cadence engine.
type Metrics interface {
	IncInstancesStarted(template string)
	IncInstancesFinished(template, status string)
	IncStepsExecuted(stepType, result string)
	ObserveStepDuration(stepType string, durationSeconds float64)
	IncStepRetries(stepType string)
	IncDeadLetters(stepType string)
	IncSignals(signalType, result string)
	IncReaped(count int)
}

// GatewayMetrics captures request metrics for the HTTP API.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncInstancesStarted(string)          {}
func (Noop) IncInstancesFinished(string, string) {}
func (Noop) IncStepsExecuted(string, string)     {}
func (Noop) ObserveStepDuration(string, float64) {}
func (Noop) IncStepRetries(string)               {}
func (Noop) IncDeadLetters(string)               {}
func (Noop) IncSignals(string, string)           {}
func (Noop) IncReaped(int)                       {}

func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	started      *prometheus.CounterVec
	finished     *prometheus.CounterVec
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	deadLetters  *prometheus.CounterVec
	signals      *prometheus.CounterVec
	reaped       prometheus.Counter
	once         sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_started_total",
			Help:      "Cadence instances started by template",
		}, []string{"template"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_finished_total",
			Help:      "Cadence instances reaching a terminal status",
		}, []string{"template", "status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_executed_total",
			Help:      "Step executions by type and result",
		}, []string{"step_type", "result"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step handler latency by type",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step_type"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Transient step failures rescheduled",
		}, []string{"step_type"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Queue items dead-lettered by step type",
		}, []string{"step_type"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "External signals by type and correlation result",
		}, []string{"signal", "result"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_items_total",
			Help:      "Stale processing items returned to pending",
		}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.started, p.finished, p.steps, p.stepDuration, p.retries, p.deadLetters, p.signals, p.reaped)
	})
}

func (p *Prom) IncInstancesStarted(template string) {
	p.started.WithLabelValues(template).Inc()
}

func (p *Prom) IncInstancesFinished(template, status string) {
	p.finished.WithLabelValues(template, status).Inc()
}

func (p *Prom) IncStepsExecuted(stepType, result string) {
	p.steps.WithLabelValues(stepType, result).Inc()
}

func (p *Prom) ObserveStepDuration(stepType string, durationSeconds float64) {
	p.stepDuration.WithLabelValues(stepType).Observe(durationSeconds)
}

func (p *Prom) IncStepRetries(stepType string) {
	p.retries.WithLabelValues(stepType).Inc()
}

func (p *Prom) IncDeadLetters(stepType string) {
	p.deadLetters.WithLabelValues(stepType).Inc()
}

func (p *Prom) IncSignals(signalType, result string) {
	p.signals.WithLabelValues(signalType, result).Inc()
}

func (p *Prom) IncReaped(count int) {
	if count > 0 {
		p.reaped.Add(float64(count))
	}
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
