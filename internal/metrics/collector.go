// Package metrics provides Prometheus metrics for the engine.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/scheduler"
	"github.com/BaSui01/stepflow/types"
)

// Collector owns the engine's Prometheus instruments.
type Collector struct {
	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Workflows
	workflowsTotal   *prometheus.CounterVec
	workflowsRunning prometheus.Gauge
	workflowDuration *prometheus.HistogramVec

	// Steps
	stepTransitionsTotal *prometheus.CounterVec
	stepRetriesTotal     prometheus.Counter
	stepDuration         *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers the engine's instruments on the given registerer
// (nil uses the default registry).
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.workflowsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Workflows entering a terminal status",
		},
		[]string{"status"},
	)
	c.workflowsRunning = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_running",
			Help:      "Workflows currently executing",
		},
	)
	c.workflowDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Wall time from workflow start to terminal status",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"status"},
	)

	c.stepTransitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_transitions_total",
			Help:      "Step state transitions by resulting status",
		},
		[]string{"status"},
	)
	c.stepRetriesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Step executions re-queued after a retryable failure",
		},
	)
	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"agent"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordWorkflowStarted marks a workflow as running.
func (c *Collector) RecordWorkflowStarted() {
	c.workflowsRunning.Inc()
}

// RecordWorkflowFinished records a terminal workflow outcome.
func (c *Collector) RecordWorkflowFinished(status string, duration time.Duration) {
	c.workflowsRunning.Dec()
	c.workflowsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		c.workflowDuration.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// RecordStepTransition counts a step state transition.
func (c *Collector) RecordStepTransition(status string) {
	c.stepTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordStepRetry counts a retryable failure re-queue.
func (c *Collector) RecordStepRetry() {
	c.stepRetriesTotal.Inc()
}

// RecordStepDuration records one step execution's wall time.
func (c *Collector) RecordStepDuration(agent string, duration time.Duration) {
	c.stepDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// EventObserver adapts the collector to the scheduler's event stream so
// engine metrics update without instrumenting the scheduler directly.
type EventObserver struct {
	collector *Collector
}

// NewEventObserver wraps a collector as a scheduler notifier.
func NewEventObserver(c *Collector) *EventObserver {
	return &EventObserver{collector: c}
}

// Publish implements scheduler.Notifier.
func (o *EventObserver) Publish(e scheduler.Event) {
	switch e.Type {
	case scheduler.EventWorkflowStatus:
		if e.Workflow.IsTerminal() {
			o.collector.RecordWorkflowFinished(string(e.Workflow), e.Duration)
		} else {
			o.collector.RecordWorkflowStarted()
		}
	case scheduler.EventStepStatus:
		o.collector.RecordStepTransition(string(e.Step))
		// A Ready transition carrying an error is a retry re-queue.
		if e.Step == types.StepReady && e.Error != "" {
			o.collector.RecordStepRetry()
		}
		// Succeeded and Failed events carry the attempt's execution time.
		if (e.Step == types.StepSucceeded || e.Step == types.StepFailed) && e.Agent != "" {
			o.collector.RecordStepDuration(e.Agent, e.Duration)
		}
	}
}
