// Package observability wires metrics, logging, and tracing for the
// agent runtime.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime metrics for the agent loop and providers.
type Metrics struct {
	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts provider calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// RoutingDecisions counts router verdicts.
	// Labels: target (local|remote), reason
	RoutingDecisions *prometheus.CounterVec

	// Escalations counts local-to-remote escalations by reason.
	Escalations *prometheus.CounterVec

	// KeyRotations counts credential rotations by error kind.
	KeyRotations *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// ContextTrims counts fitter runs that dropped messages.
	ContextTrims prometheus.Counter

	// MutexWaitDuration measures time spent queued on a session mutex.
	MutexWaitDuration prometheus.Histogram
}

// NewMetrics creates and registers all metrics with reg. Passing nil
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tandem_llm_request_duration_seconds",
				Help:    "Duration of LLM provider requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_llm_requests_total",
				Help: "Total LLM provider requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_llm_tokens_total",
				Help: "Total tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		RoutingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_routing_decisions_total",
				Help: "Total routing decisions by target and reason",
			},
			[]string{"target", "reason"},
		),
		Escalations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_escalations_total",
				Help: "Total local-to-remote escalations by reason",
			},
			[]string{"reason"},
		),
		KeyRotations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_key_rotations_total",
				Help: "Total API key rotations by triggering error kind",
			},
			[]string{"kind"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tandem_tool_executions_total",
				Help: "Total tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tandem_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ContextTrims: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tandem_context_trims_total",
				Help: "Total context-fitting runs that dropped messages",
			},
		),
		MutexWaitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tandem_session_mutex_wait_seconds",
				Help:    "Time spent queued on a session mutex in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
			},
		),
	}
}
