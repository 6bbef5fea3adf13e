// Package observability collects runtime metrics for the task fleet.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks model calls, throttle events, tool executions, and task
// lifecycle transitions. All metrics register with the default Prometheus
// registry at construction.
type Metrics struct {
	// ModelRequestDuration measures Converse call latency in seconds.
	// Labels: model
	ModelRequestDuration *prometheus.HistogramVec

	// ModelRequestCounter counts Converse calls.
	// Labels: model, status (success|throttled|error)
	ModelRequestCounter *prometheus.CounterVec

	// ModelTokensUsed tracks token consumption.
	// Labels: model, type (input|output)
	ModelTokensUsed *prometheus.CounterVec

	// ThrottleMultiplier exposes the current throttle multiplier.
	// Labels: model
	ThrottleMultiplier *prometheus.GaugeVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// TaskLaunches counts task process launches.
	// Labels: kind (root|child), mode (created|reactivated)
	TaskLaunches *prometheus.CounterVec

	// TurnsCompleted counts finished turns.
	TurnsCompleted prometheus.Counter

	// QueueDepth samples input queue length at drain time.
	QueueDepth prometheus.Histogram
}

// NewMetrics creates and registers all metrics. Call once per process.
func NewMetrics() *Metrics {
	return &Metrics{
		ModelRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbor_model_request_duration_seconds",
				Help:    "Duration of Converse API requests in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"model"},
		),

		ModelRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbor_model_requests_total",
				Help: "Total number of Converse API requests by model and status",
			},
			[]string{"model", "status"},
		),

		ModelTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbor_model_tokens_total",
				Help: "Total number of tokens used by model and type",
			},
			[]string{"model", "type"},
		),

		ThrottleMultiplier: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arbor_throttle_multiplier",
				Help: "Current adaptive throttle multiplier by model",
			},
			[]string{"model"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbor_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbor_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		TaskLaunches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbor_task_launches_total",
				Help: "Total number of task launches by kind and mode",
			},
			[]string{"kind", "mode"},
		),

		TurnsCompleted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "arbor_turns_completed_total",
				Help: "Total number of completed conversation turns",
			},
		),

		QueueDepth: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arbor_queue_depth",
				Help:    "Input queue length observed at drain time",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
		),
	}
}
