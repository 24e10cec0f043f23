// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// TurnDuration tracks streaming turn duration from dispatch to terminal state.
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "turn_duration_seconds",
			Help:    "Streaming turn duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120, 300},
		},
		[]string{"feature", "state"},
	)

	// TurnsTotal tracks finished turns by terminal state and reason.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "turns_total",
			Help: "Total streaming turns by terminal state",
		},
		[]string{"feature", "state", "reason"},
	)

	// TurnsActive tracks turns that have not reached a terminal state.
	TurnsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "turns_active",
			Help: "Number of streaming turns in flight",
		},
	)

	// FramesSkippedTotal tracks malformed frames dropped by the decoder.
	FramesSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frames_skipped_total",
			Help: "Malformed stream frames dropped",
		},
		[]string{"feature"},
	)

	// LedgerCommitsTotal tracks successful debits by tier.
	LedgerCommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_commits_total",
			Help: "Total entitlement debits",
		},
		[]string{"feature", "source"},
	)

	// LedgerRejectionsTotal tracks affordability checks and debits that failed.
	LedgerRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_rejections_total",
			Help: "Total rejected entitlement checks",
		},
		[]string{"feature", "guest"},
	)

	// LedgerCreditsSpent tracks paid credits debited.
	LedgerCreditsSpent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_credits_spent_total",
			Help: "Paid credits debited",
		},
		[]string{"feature"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// LLMStreamDuration tracks direct-provider streaming duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"provider", "status"},
	)

	// LLMTokensTotal tracks tokens streamed from a direct provider.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"provider", "direction"},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"feature"},
	)

	// MessagesTotal tracks total messages appended.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages appended",
		},
		[]string{"role"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordTurn records metrics for a finished turn.
func RecordTurn(feature, state, reason string, duration float64) {
	TurnDuration.WithLabelValues(feature, state).Observe(duration)
	TurnsTotal.WithLabelValues(feature, state, reason).Inc()
}

// RecordCommit records a successful debit. credits is zero for free-tier debits.
func RecordCommit(feature, source string, credits float64) {
	LedgerCommitsTotal.WithLabelValues(feature, source).Inc()
	if credits > 0 {
		LedgerCreditsSpent.WithLabelValues(feature).Add(credits)
	}
}

// RecordLLMStream records metrics for a direct-provider stream.
func RecordLLMStream(provider, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(provider, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(provider, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(provider, "out").Add(float64(tokensOut))
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
