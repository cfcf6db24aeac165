// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration on the side surface.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests on the side surface.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ConnectionsActive tracks currently open WebSocket connections.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_ws_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	// AdmissionRejectionsTotal tracks rejected upgrade attempts by reason.
	AdmissionRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_admission_rejections_total",
			Help: "Connections rejected before upgrade",
		},
		[]string{"reason"},
	)

	// RateLimitHitsTotal tracks denied rate-limit checks by scope.
	RateLimitHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Denied rate-limit checks",
		},
		[]string{"scope"},
	)

	// MessagesTotal tracks persisted messages by role.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_total",
			Help: "Total messages persisted",
		},
		[]string{"role"},
	)

	// LLMStreamDuration tracks LLM streaming query duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming query duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// ToolInvocationsTotal tracks agent tool invocations by kind and status.
	ToolInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_tool_invocations_total",
			Help: "Agent tool invocations",
		},
		[]string{"tool", "status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordAdmissionRejection records a rejected upgrade attempt.
func RecordAdmissionRejection(reason string) {
	AdmissionRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordRateLimitHit records one denied rate-limit check.
func RecordRateLimitHit(scope string) {
	RateLimitHitsTotal.WithLabelValues(scope).Inc()
}

// RecordMessage records one persisted message.
func RecordMessage(role string) {
	MessagesTotal.WithLabelValues(role).Inc()
}

// RecordLLMStream records metrics for one LLM streaming query.
func RecordLLMStream(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordToolInvocation records one agent tool invocation.
func RecordToolInvocation(tool, status string) {
	ToolInvocationsTotal.WithLabelValues(tool, status).Inc()
}

// IncrementConnections increments the active connection gauge.
func IncrementConnections() {
	ConnectionsActive.Inc()
}

// DecrementConnections decrements the active connection gauge.
func DecrementConnections() {
	ConnectionsActive.Dec()
}
