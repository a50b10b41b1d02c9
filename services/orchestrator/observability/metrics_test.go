// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test Helper: Create isolated metrics for testing
// ============================================================================

// newTestMetrics creates a QueryMetrics instance with a custom registry.
// This avoids conflicts with the global Prometheus registry and allows
// parallel testing.
func newTestMetrics(t *testing.T) *QueryMetrics {
	t.Helper()

	reg := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: querySubsystem,
			Name:      "requests_total",
			Help:      "Total number of requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	refusalsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: querySubsystem,
			Name:      "refusals_total",
			Help:      "Total refusal-template answers by reason",
		},
		[]string{"reason"},
	)

	guardrailActionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: querySubsystem,
			Name:      "guardrail_actions_total",
			Help:      "Total guardrail interventions on visible answer text",
		},
		[]string{"action"},
	)

	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: querySubsystem,
			Name:      "tokens_total",
			Help:      "Total tokens processed by direction and model",
		},
		[]string{"direction", "model"},
	)

	timeToFirstTokenSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: querySubsystem,
			Name:      "time_to_first_token_seconds",
			Help:      "Time from request to first token in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"endpoint"},
	)

	streamDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: querySubsystem,
			Name:      "stream_duration_seconds",
			Help:      "Total stream duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"endpoint", "status"},
	)

	activeStreams := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: querySubsystem,
			Name:      "active_streams",
			Help:      "Number of currently active streaming connections",
		},
		[]string{"endpoint"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: querySubsystem,
			Name:      "errors_total",
			Help:      "Total errors by type and endpoint",
		},
		[]string{"endpoint", "error_code"},
	)

	keepAlivesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: querySubsystem,
			Name:      "keepalives_total",
			Help:      "Total keepalive pings sent",
		},
		[]string{"endpoint"},
	)

	clientDisconnectsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: querySubsystem,
			Name:      "client_disconnects_total",
			Help:      "Total client disconnections during streaming",
		},
		[]string{"endpoint"},
	)

	rateLimitedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: querySubsystem,
			Name:      "rate_limited_total",
			Help:      "Total requests rejected by the rate limiter",
		},
		[]string{"endpoint"},
	)

	// Register all metrics with the test registry
	reg.MustRegister(
		requestsTotal,
		refusalsTotal,
		guardrailActionsTotal,
		tokensTotal,
		timeToFirstTokenSeconds,
		streamDurationSeconds,
		activeStreams,
		errorsTotal,
		keepAlivesTotal,
		clientDisconnectsTotal,
		rateLimitedTotal,
	)

	return &QueryMetrics{
		RequestsTotal:           requestsTotal,
		RefusalsTotal:           refusalsTotal,
		GuardrailActionsTotal:   guardrailActionsTotal,
		TokensTotal:             tokensTotal,
		TimeToFirstTokenSeconds: timeToFirstTokenSeconds,
		StreamDurationSeconds:   streamDurationSeconds,
		ActiveStreams:           activeStreams,
		ErrorsTotal:             errorsTotal,
		KeepAlivesTotal:         keepAlivesTotal,
		ClientDisconnectsTotal:  clientDisconnectsTotal,
		RateLimitedTotal:        rateLimitedTotal,
	}
}

// ============================================================================
// InitMetrics Tests
// ============================================================================

// Note: InitMetrics uses promauto which registers with the default Prometheus
// registry. Registration runs once per process; repeat calls must return
// the same instance instead of panicking.
func TestInitMetrics(t *testing.T) {
	result := InitMetrics()

	if result == nil {
		t.Fatal("InitMetrics() returned nil")
	}

	if DefaultMetrics == nil {
		t.Fatal("DefaultMetrics should be set after InitMetrics()")
	}

	if DefaultMetrics != result {
		t.Error("DefaultMetrics should equal the returned value")
	}

	if result.RequestsTotal == nil {
		t.Error("RequestsTotal should not be nil")
	}
	if result.RefusalsTotal == nil {
		t.Error("RefusalsTotal should not be nil")
	}
	if result.GuardrailActionsTotal == nil {
		t.Error("GuardrailActionsTotal should not be nil")
	}
	if result.TokensTotal == nil {
		t.Error("TokensTotal should not be nil")
	}
	if result.TimeToFirstTokenSeconds == nil {
		t.Error("TimeToFirstTokenSeconds should not be nil")
	}
	if result.StreamDurationSeconds == nil {
		t.Error("StreamDurationSeconds should not be nil")
	}
	if result.ActiveStreams == nil {
		t.Error("ActiveStreams should not be nil")
	}
	if result.ErrorsTotal == nil {
		t.Error("ErrorsTotal should not be nil")
	}
	if result.KeepAlivesTotal == nil {
		t.Error("KeepAlivesTotal should not be nil")
	}
	if result.ClientDisconnectsTotal == nil {
		t.Error("ClientDisconnectsTotal should not be nil")
	}
	if result.RateLimitedTotal == nil {
		t.Error("RateLimitedTotal should not be nil")
	}

	// Verify metrics can be used
	result.RecordRequest(EndpointQuery, true)
	result.RecordRefusal("no_relevant_sources")
	result.RecordError(EndpointQueryStream, ErrorCodeTimeout)
	result.RecordTokens(100, 50, "gpt-oss-120b")
	result.StreamStarted(EndpointQueryStream)
	result.StreamEnded(EndpointQueryStream)
}

// ============================================================================
// Constants Tests
// ============================================================================

func TestConstants(t *testing.T) {
	if metricsNamespace != "lagrum" {
		t.Errorf("metricsNamespace = %q, want %q", metricsNamespace, "lagrum")
	}
	if querySubsystem != "qa" {
		t.Errorf("querySubsystem = %q, want %q", querySubsystem, "qa")
	}
}

func TestEndpointConstants(t *testing.T) {
	if EndpointQuery != "query" {
		t.Errorf("EndpointQuery = %q, want %q", EndpointQuery, "query")
	}
	if EndpointQueryStream != "query_stream" {
		t.Errorf("EndpointQueryStream = %q, want %q", EndpointQueryStream, "query_stream")
	}
	if EndpointDocuments != "documents" {
		t.Errorf("EndpointDocuments = %q, want %q", EndpointDocuments, "documents")
	}
}

func TestErrorCodeConstants(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{ErrorCodeValidation, "validation"},
		{ErrorCodeLLMError, "llm_error"},
		{ErrorCodeTimeout, "timeout"},
		{ErrorCodeRetrieval, "retrieval_error"},
		{ErrorCodeIngest, "ingest_error"},
		{ErrorCodeInternal, "internal"},
		{ErrorCodeClientDisconnect, "client_disconnect"},
		{ErrorCodeRateLimited, "rate_limited"},
		{ErrorCodeFilterBlocked, "filter_blocked"},
	}

	for _, tt := range tests {
		if string(tt.code) != tt.want {
			t.Errorf("ErrorCode = %q, want %q", tt.code, tt.want)
		}
	}
}

// ============================================================================
// RecordRequest Tests
// ============================================================================

func TestQueryMetrics_RecordRequest_Success(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(EndpointQuery, true)

	val := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("query", "success"))
	if val != 1 {
		t.Errorf("RequestsTotal[query,success] = %f, want 1", val)
	}
}

func TestQueryMetrics_RecordRequest_Error(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(EndpointQueryStream, false)

	val := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("query_stream", "error"))
	if val != 1 {
		t.Errorf("RequestsTotal[query_stream,error] = %f, want 1", val)
	}
}

func TestQueryMetrics_RecordRequest_Multiple(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRequest(EndpointQuery, true)
	m.RecordRequest(EndpointQuery, true)
	m.RecordRequest(EndpointQuery, false)
	m.RecordRequest(EndpointDocuments, true)

	successVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("query", "success"))
	if successVal != 2 {
		t.Errorf("RequestsTotal[query,success] = %f, want 2", successVal)
	}

	errorVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("query", "error"))
	if errorVal != 1 {
		t.Errorf("RequestsTotal[query,error] = %f, want 1", errorVal)
	}

	docsVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("documents", "success"))
	if docsVal != 1 {
		t.Errorf("RequestsTotal[documents,success] = %f, want 1", docsVal)
	}
}

// ============================================================================
// RecordRefusal Tests
// ============================================================================

func TestQueryMetrics_RecordRefusal(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRefusal("no_relevant_sources")
	m.RecordRefusal("no_relevant_sources")
	m.RecordRefusal("critic_exhausted")

	val := testutil.ToFloat64(m.RefusalsTotal.WithLabelValues("no_relevant_sources"))
	if val != 2 {
		t.Errorf("RefusalsTotal[no_relevant_sources] = %f, want 2", val)
	}

	val = testutil.ToFloat64(m.RefusalsTotal.WithLabelValues("critic_exhausted"))
	if val != 1 {
		t.Errorf("RefusalsTotal[critic_exhausted] = %f, want 1", val)
	}
}

func TestQueryMetrics_RecordRefusal_EmptyReason(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRefusal("")

	val := testutil.ToFloat64(m.RefusalsTotal.WithLabelValues("unspecified"))
	if val != 1 {
		t.Errorf("RefusalsTotal[unspecified] = %f, want 1", val)
	}
}

// ============================================================================
// RecordGuardrailAction Tests
// ============================================================================

func TestQueryMetrics_RecordGuardrailAction(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordGuardrailAction(GuardrailActionCorrected)
	m.RecordGuardrailAction(GuardrailActionCorrected)
	m.RecordGuardrailAction(GuardrailActionRefused)

	correctedVal := testutil.ToFloat64(m.GuardrailActionsTotal.WithLabelValues("corrected"))
	if correctedVal != 2 {
		t.Errorf("GuardrailActionsTotal[corrected] = %f, want 2", correctedVal)
	}

	refusedVal := testutil.ToFloat64(m.GuardrailActionsTotal.WithLabelValues("refused"))
	if refusedVal != 1 {
		t.Errorf("GuardrailActionsTotal[refused] = %f, want 1", refusedVal)
	}
}

// ============================================================================
// RecordError Tests
// ============================================================================

func TestQueryMetrics_RecordError(t *testing.T) {
	m := newTestMetrics(t)

	tests := []struct {
		endpoint Endpoint
		code     ErrorCode
	}{
		{EndpointQuery, ErrorCodeValidation},
		{EndpointQuery, ErrorCodeLLMError},
		{EndpointQueryStream, ErrorCodeTimeout},
		{EndpointQueryStream, ErrorCodeRetrieval},
		{EndpointDocuments, ErrorCodeIngest},
		{EndpointQuery, ErrorCodeInternal},
		{EndpointQueryStream, ErrorCodeClientDisconnect},
	}

	for _, tt := range tests {
		m.RecordError(tt.endpoint, tt.code)

		val := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues(string(tt.endpoint), string(tt.code)))
		if val != 1 {
			t.Errorf("ErrorsTotal[%s,%s] = %f, want 1", tt.endpoint, tt.code, val)
		}
	}
}

// ============================================================================
// RecordTokens Tests
// ============================================================================

func TestQueryMetrics_RecordTokens(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTokens(100, 50, "gpt-oss-120b")

	inputVal := testutil.ToFloat64(m.TokensTotal.WithLabelValues("input", "gpt-oss-120b"))
	if inputVal != 100 {
		t.Errorf("TokensTotal[input,gpt-oss-120b] = %f, want 100", inputVal)
	}

	outputVal := testutil.ToFloat64(m.TokensTotal.WithLabelValues("output", "gpt-oss-120b"))
	if outputVal != 50 {
		t.Errorf("TokensTotal[output,gpt-oss-120b] = %f, want 50", outputVal)
	}
}

// ============================================================================
// StreamStarted/StreamEnded Tests
// ============================================================================

func TestQueryMetrics_StreamLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted(EndpointQueryStream)
	m.StreamStarted(EndpointQueryStream)
	m.StreamStarted(EndpointQueryStream)

	val := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("query_stream"))
	if val != 3 {
		t.Errorf("After 3 starts: ActiveStreams = %f, want 3", val)
	}

	m.StreamEnded(EndpointQueryStream)

	val = testutil.ToFloat64(m.ActiveStreams.WithLabelValues("query_stream"))
	if val != 2 {
		t.Errorf("After 1 end: ActiveStreams = %f, want 2", val)
	}

	m.StreamEnded(EndpointQueryStream)
	m.StreamEnded(EndpointQueryStream)

	val = testutil.ToFloat64(m.ActiveStreams.WithLabelValues("query_stream"))
	if val != 0 {
		t.Errorf("After all ends: ActiveStreams = %f, want 0", val)
	}
}

// ============================================================================
// Histogram Tests
// ============================================================================

func TestQueryMetrics_RecordTimeToFirstToken(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTimeToFirstToken(EndpointQueryStream, 0.5)

	count := testutil.CollectAndCount(m.TimeToFirstTokenSeconds)
	if count == 0 {
		t.Error("Expected at least one metric to be collected")
	}
}

func TestQueryMetrics_RecordStreamDuration(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordStreamDuration(EndpointQueryStream, 10.5, true)
	m.RecordStreamDuration(EndpointQueryStream, 5.0, false)

	count := testutil.CollectAndCount(m.StreamDurationSeconds)
	if count == 0 {
		t.Error("Expected at least one metric to be collected")
	}
}

// ============================================================================
// KeepAlive / Disconnect / RateLimited Tests
// ============================================================================

func TestQueryMetrics_RecordKeepAlive(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordKeepAlive(EndpointQueryStream)
	m.RecordKeepAlive(EndpointQueryStream)
	m.RecordKeepAlive(EndpointQueryStream)

	val := testutil.ToFloat64(m.KeepAlivesTotal.WithLabelValues("query_stream"))
	if val != 3 {
		t.Errorf("KeepAlivesTotal[query_stream] = %f, want 3", val)
	}
}

func TestQueryMetrics_RecordClientDisconnect(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordClientDisconnect(EndpointQueryStream)
	m.RecordClientDisconnect(EndpointQueryStream)

	val := testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("query_stream"))
	if val != 2 {
		t.Errorf("ClientDisconnectsTotal[query_stream] = %f, want 2", val)
	}
}

func TestQueryMetrics_RecordRateLimited(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRateLimited(EndpointQuery)

	val := testutil.ToFloat64(m.RateLimitedTotal.WithLabelValues("query"))
	if val != 1 {
		t.Errorf("RateLimitedTotal[query] = %f, want 1", val)
	}
}

// ============================================================================
// Integration / Scenario Tests
// ============================================================================

func TestQueryMetrics_CompleteStreamScenario(t *testing.T) {
	m := newTestMetrics(t)

	// Simulate a complete successful stream
	m.StreamStarted(EndpointQueryStream)
	m.RecordTimeToFirstToken(EndpointQueryStream, 0.5)
	m.RecordKeepAlive(EndpointQueryStream)
	m.RecordKeepAlive(EndpointQueryStream)
	m.RecordTokens(150, 200, "gpt-oss-120b")
	m.RecordStreamDuration(EndpointQueryStream, 30.0, true)
	m.StreamEnded(EndpointQueryStream)
	m.RecordRequest(EndpointQueryStream, true)

	activeVal := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("query_stream"))
	if activeVal != 0 {
		t.Errorf("ActiveStreams should be 0 after stream ended, got %f", activeVal)
	}

	requestsVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("query_stream", "success"))
	if requestsVal != 1 {
		t.Errorf("RequestsTotal[success] should be 1, got %f", requestsVal)
	}

	keepAliveVal := testutil.ToFloat64(m.KeepAlivesTotal.WithLabelValues("query_stream"))
	if keepAliveVal != 2 {
		t.Errorf("KeepAlivesTotal should be 2, got %f", keepAliveVal)
	}
}

func TestQueryMetrics_RefusedAnswerScenario(t *testing.T) {
	m := newTestMetrics(t)

	// A refusal is still a successful request at the transport level.
	m.StreamStarted(EndpointQueryStream)
	m.RecordRefusal("insufficient_evidence")
	m.RecordStreamDuration(EndpointQueryStream, 3.0, true)
	m.StreamEnded(EndpointQueryStream)
	m.RecordRequest(EndpointQueryStream, true)

	refusalVal := testutil.ToFloat64(m.RefusalsTotal.WithLabelValues("insufficient_evidence"))
	if refusalVal != 1 {
		t.Errorf("RefusalsTotal should be 1, got %f", refusalVal)
	}

	requestsVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("query_stream", "success"))
	if requestsVal != 1 {
		t.Errorf("RequestsTotal[success] should be 1, got %f", requestsVal)
	}
}

func TestQueryMetrics_ClientDisconnectScenario(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted(EndpointQueryStream)
	m.RecordKeepAlive(EndpointQueryStream)
	m.RecordClientDisconnect(EndpointQueryStream)
	m.RecordError(EndpointQueryStream, ErrorCodeClientDisconnect)
	m.StreamEnded(EndpointQueryStream)
	m.RecordRequest(EndpointQueryStream, false)

	disconnectVal := testutil.ToFloat64(m.ClientDisconnectsTotal.WithLabelValues("query_stream"))
	if disconnectVal != 1 {
		t.Errorf("ClientDisconnectsTotal should be 1, got %f", disconnectVal)
	}
}

// ============================================================================
// Concurrent Safety Tests
// ============================================================================

func TestQueryMetrics_ConcurrentSafety(t *testing.T) {
	m := newTestMetrics(t)

	done := make(chan bool, 100)

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordRequest(EndpointQuery, true)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordError(EndpointQueryStream, ErrorCodeTimeout)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordRefusal("no_relevant_sources")
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.StreamStarted(EndpointQueryStream)
			m.StreamEnded(EndpointQueryStream)
			done <- true
		}()
	}

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordTimeToFirstToken(EndpointQueryStream, 0.5)
			m.RecordStreamDuration(EndpointQueryStream, 10.0, true)
			m.RecordKeepAlive(EndpointQueryStream)
			m.RecordClientDisconnect(EndpointQueryStream)
			done <- true
		}()
	}

	for i := 0; i < 100; i++ {
		<-done
	}

	requestsVal := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("query", "success"))
	if requestsVal != 20 {
		t.Errorf("RequestsTotal[query,success] = %f, want 20", requestsVal)
	}

	errorsVal := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("query_stream", "timeout"))
	if errorsVal != 20 {
		t.Errorf("ErrorsTotal[query_stream,timeout] = %f, want 20", errorsVal)
	}

	refusalsVal := testutil.ToFloat64(m.RefusalsTotal.WithLabelValues("no_relevant_sources"))
	if refusalsVal != 20 {
		t.Errorf("RefusalsTotal[no_relevant_sources] = %f, want 20", refusalsVal)
	}
}
