// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the query
// pipeline. Metrics include:
//   - Request counters (by endpoint, status, error type)
//   - Refusal counters (by reason) and guardrail intervention counters
//   - Token usage (input/output tokens by model)
//   - Latency histograms (time to first token, total duration)
//   - Active stream gauges
//
// It also hosts the optional InfluxDB quality recorder (quality.go), which
// tracks per-answer quality signals out of band.
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting. None of these values ever appear in a
// client response.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "lagrum"

// Subsystem for query pipeline metrics
const querySubsystem = "qa"

// QueryMetrics holds all Prometheus metrics for query pipeline operations.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring answer quality
// and resource usage. Initialize once at startup via InitMetrics().
//
// # Fields
//
//   - RequestsTotal: Counter of requests by endpoint and status
//   - RefusalsTotal: Counter of refusals by machine-readable reason
//   - GuardrailActionsTotal: Counter of guardrail interventions by action
//   - TokensTotal: Counter of tokens processed (input/output by model)
//   - TimeToFirstTokenSeconds: Histogram of time to first token
//   - StreamDurationSeconds: Histogram of total stream duration
//   - ActiveStreams: Gauge of currently active streams
//   - ErrorsTotal: Counter of errors by type and endpoint
//   - KeepAlivesTotal: Counter of keepalive pings sent
//   - ClientDisconnectsTotal: Counter of client disconnections
//   - RateLimitedTotal: Counter of requests rejected by the rate limiter
//
// # Thread Safety
//
// All operations are thread-safe.
type QueryMetrics struct {
	// RequestsTotal counts requests by endpoint and status.
	// Labels: endpoint (query, query_stream, documents), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// RefusalsTotal counts refusal-template answers by reason.
	// Labels: reason (no_relevant_sources, schema_invalid, critic_exhausted, ...)
	RefusalsTotal *prometheus.CounterVec

	// GuardrailActionsTotal counts guardrail interventions on visible text.
	// Labels: action (corrected, refused)
	GuardrailActionsTotal *prometheus.CounterVec

	// TokensTotal counts tokens processed by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to first token.
	// Labels: endpoint
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: endpoint, status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently active streaming connections.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by type and endpoint.
	// Labels: endpoint, error_code (validation, llm_error, timeout, etc.)
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive pings sent.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections during streaming.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec

	// RateLimitedTotal counts requests rejected with 429.
	// Labels: endpoint
	RateLimitedTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of QueryMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *QueryMetrics

var initMetricsOnce sync.Once

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once
// at application startup, after Prometheus registry is available.
//
// # Outputs
//
//   - *QueryMetrics: The initialized metrics instance.
//
// # Examples
//
//	func main() {
//	    observability.InitMetrics()
//	    // ... start server ...
//	}
//
// # Limitations
//
//   - Registration happens once per process; repeat calls return the
//     existing instance.
//
// # Assumptions
//
//   - Prometheus default registry is available.
func InitMetrics() *QueryMetrics {
	initMetricsOnce.Do(registerMetrics)
	return DefaultMetrics
}

func registerMetrics() {
	DefaultMetrics = &QueryMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "requests_total",
				Help:      "Total number of requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		RefusalsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "refusals_total",
				Help:      "Total refusal-template answers by reason",
			},
			[]string{"reason"},
		),

		GuardrailActionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "guardrail_actions_total",
				Help:      "Total guardrail interventions on visible answer text",
			},
			[]string{"action"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "errors_total",
				Help:      "Total errors by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		KeepAlivesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),

		RateLimitedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: querySubsystem,
				Name:      "rate_limited_total",
				Help:      "Total requests rejected by the rate limiter",
			},
			[]string{"endpoint"},
		),
	}
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeLLMError indicates LLM API failure.
	ErrorCodeLLMError ErrorCode = "llm_error"

	// ErrorCodeTimeout indicates operation timeout.
	ErrorCodeTimeout ErrorCode = "timeout"

	// ErrorCodeRetrieval indicates vector store retrieval failure.
	ErrorCodeRetrieval ErrorCode = "retrieval_error"

	// ErrorCodeIngest indicates document ingestion failure.
	ErrorCodeIngest ErrorCode = "ingest_error"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"

	// ErrorCodeClientDisconnect indicates client disconnected.
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"

	// ErrorCodeRateLimited indicates rejection by the rate limiter.
	ErrorCodeRateLimited ErrorCode = "rate_limited"

	// ErrorCodeFilterBlocked indicates a deployment content filter
	// rejected the question or the answer.
	ErrorCodeFilterBlocked ErrorCode = "filter_blocked"
)

// =============================================================================
// Guardrail Actions
// =============================================================================

// GuardrailAction labels the kind of guardrail intervention for metrics.
type GuardrailAction string

const (
	// GuardrailActionCorrected indicates terminology was replaced in place.
	GuardrailActionCorrected GuardrailAction = "corrected"

	// GuardrailActionRefused indicates the answer was substituted with the
	// refusal template.
	GuardrailActionRefused GuardrailAction = "refused"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents an API endpoint for metrics labeling.
type Endpoint string

const (
	// EndpointQuery is the blocking query endpoint.
	EndpointQuery Endpoint = "query"

	// EndpointQueryStream is the SSE query endpoint.
	EndpointQueryStream Endpoint = "query_stream"

	// EndpointDocuments is the document ingestion endpoint.
	EndpointDocuments Endpoint = "documents"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed request.
//
// # Inputs
//
//   - endpoint: The endpoint that handled the request.
//   - success: Whether the request completed successfully.
func (m *QueryMetrics) RecordRequest(endpoint Endpoint, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordRefusal records a refusal-template answer.
//
// # Inputs
//
//   - reason: The machine-readable refusal reason. Empty reasons are
//     recorded as "unspecified" so the label set stays bounded.
func (m *QueryMetrics) RecordRefusal(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	m.RefusalsTotal.WithLabelValues(reason).Inc()
}

// RecordGuardrailAction records a guardrail intervention.
//
// # Inputs
//
//   - action: What the guardrail did to the visible text.
func (m *QueryMetrics) RecordGuardrailAction(action GuardrailAction) {
	m.GuardrailActionsTotal.WithLabelValues(string(action)).Inc()
}

// RecordError records an error.
//
// # Inputs
//
//   - endpoint: The endpoint where the error occurred.
//   - code: The error type code.
func (m *QueryMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordTokens records token usage.
//
// # Inputs
//
//   - inputTokens: Number of input tokens.
//   - outputTokens: Number of output tokens.
//   - model: The model used.
func (m *QueryMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// StreamStarted increments the active streams gauge.
//
// # Inputs
//
//   - endpoint: The endpoint handling the stream.
func (m *QueryMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
//
// # Inputs
//
//   - endpoint: The endpoint that handled the stream.
func (m *QueryMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken records the time to first token latency.
//
// # Inputs
//
//   - endpoint: The endpoint handling the stream.
//   - seconds: Time to first token in seconds.
func (m *QueryMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
//
// # Inputs
//
//   - endpoint: The endpoint that handled the stream.
//   - seconds: Total duration in seconds.
//   - success: Whether the stream completed successfully.
func (m *QueryMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordKeepAlive increments the keepalive counter.
//
// # Inputs
//
//   - endpoint: The endpoint that sent the keepalive.
func (m *QueryMetrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
//
// # Inputs
//
//   - endpoint: The endpoint where disconnect occurred.
func (m *QueryMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordRateLimited increments the rate limiter rejection counter.
//
// # Inputs
//
//   - endpoint: The endpoint that rejected the request.
func (m *QueryMetrics) RecordRateLimited(endpoint Endpoint) {
	m.RateLimitedTotal.WithLabelValues(string(endpoint)).Inc()
}
