package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the chat core.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional metrics handle without branching at every call site.
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.GeneratorRequest("gemini", "gemini-2.5-pro", "success", time.Since(start))
type Metrics struct {
	// GeneratorRequests counts backend calls.
	// Labels: provider, model, status (success|error)
	GeneratorRequests *prometheus.CounterVec

	// GeneratorDuration measures time to first byte for streams and total
	// time for blocking calls.
	// Labels: provider, model
	GeneratorDuration *prometheus.HistogramVec

	// StreamAttempts counts stream attempts made by chat sessions.
	// Labels: model, mode (primary|fallback)
	StreamAttempts *prometheus.CounterVec

	// StreamRetries counts retried attempts by invalid-stream reason.
	// Labels: reason
	StreamRetries *prometheus.CounterVec

	// StreamFailures counts sends that ended in a terminal failure.
	// Labels: reason
	StreamFailures *prometheus.CounterVec

	// FallbackActivations counts switches into fallback mode.
	FallbackActivations prometheus.Counter

	// HistoryTrims counts history entries removed by the context budget.
	HistoryTrims prometheus.Counter

	// ToolCalls counts tool calls reaching a terminal status.
	// Labels: tool_name, status (success|error|cancelled)
	ToolCalls *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Tests should
// pass a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		GeneratorRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gemchat_generator_requests_total",
				Help: "Total number of content generator calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		GeneratorDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gemchat_generator_request_duration_seconds",
				Help:    "Duration of content generator calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		StreamAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gemchat_stream_attempts_total",
				Help: "Total number of stream attempts by model and mode",
			},
			[]string{"model", "mode"},
		),
		StreamRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gemchat_stream_retries_total",
				Help: "Total number of retried stream attempts by reason",
			},
			[]string{"reason"},
		),
		StreamFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gemchat_stream_failures_total",
				Help: "Total number of sends ending in a terminal failure by reason",
			},
			[]string{"reason"},
		),
		FallbackActivations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gemchat_fallback_activations_total",
				Help: "Total number of switches to the fallback model",
			},
		),
		HistoryTrims: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gemchat_history_trimmed_turns_total",
				Help: "Total number of history entries removed to fit the context window",
			},
		),
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gemchat_tool_calls_total",
				Help: "Total number of tool calls by tool and terminal status",
			},
			[]string{"tool_name", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gemchat_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
	}
}

// GeneratorRequest records one backend call.
func (m *Metrics) GeneratorRequest(provider, model, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.GeneratorRequests.WithLabelValues(provider, model, status).Inc()
	m.GeneratorDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

// StreamAttempt records one stream attempt.
func (m *Metrics) StreamAttempt(model string, fallback bool) {
	if m == nil {
		return
	}
	mode := "primary"
	if fallback {
		mode = "fallback"
	}
	m.StreamAttempts.WithLabelValues(model, mode).Inc()
}

// StreamRetry records a retried attempt.
func (m *Metrics) StreamRetry(reason string) {
	if m == nil {
		return
	}
	m.StreamRetries.WithLabelValues(reason).Inc()
}

// StreamFailure records a terminal failure.
func (m *Metrics) StreamFailure(reason string) {
	if m == nil {
		return
	}
	m.StreamFailures.WithLabelValues(reason).Inc()
}

// FallbackActivated records a switch to the fallback model.
func (m *Metrics) FallbackActivated() {
	if m == nil {
		return
	}
	m.FallbackActivations.Inc()
}

// HistoryTrimmed records removed history entries.
func (m *Metrics) HistoryTrimmed(removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.HistoryTrims.Add(float64(removed))
}

// ToolCall records a tool call reaching a terminal status.
func (m *Metrics) ToolCall(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
	if d > 0 {
		m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
	}
}
