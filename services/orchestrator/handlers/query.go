// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lagrumai/lagrum/pkg/extensions"
	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
	"github.com/lagrumai/lagrum/services/orchestrator/observability"
	"github.com/lagrumai/lagrum/services/orchestrator/services"
)

// =============================================================================
// Interface Definition
// =============================================================================

// QueryHandler defines the contract for the question answering endpoints.
//
// # Description
//
// QueryHandler serves POST /v1/fraga (synchronous JSON) and
// POST /v1/fraga/stream (Server-Sent Events). Both endpoints run the same
// pipeline; they differ only in how the answer travels back to the caller.
//
// # Error Mapping
//
// Pipeline errors translate to HTTP status codes as follows:
//   - invalid request body or failed validation: 400
//   - question or answer blocked by a deployment content filter: 403
//   - retrieval infrastructure unreachable: 502
//   - pipeline deadline exceeded: 504
//   - anything else: 500 with a generic message
//
// Grounding failures are not errors: a question the sources cannot answer
// yields 200 with saknas_underlag=true and the refusal sentence. On the
// streaming endpoint, errors after the first event become error events.
type QueryHandler interface {
	// HandleQuery answers a question and returns the complete response as JSON.
	HandleQuery(c *gin.Context)

	// HandleQueryStream answers a question as a Server-Sent Events stream.
	HandleQueryStream(c *gin.Context)
}

// =============================================================================
// Handler Implementation
// =============================================================================

// queryHandler is the production QueryHandler backed by the answer pipeline.
type queryHandler struct {
	pipeline *services.Pipeline
	quality  *observability.QualityRecorder
	opts     extensions.ServiceOptions
	tracer   trace.Tracer
}

// NewQueryHandler creates a QueryHandler.
//
// # Description
//
// Wires the answer pipeline to the HTTP layer. The quality recorder may be
// nil (telemetry disabled). Nil extension points are replaced with their
// no-op defaults so call sites never have to nil-check.
//
// # Inputs
//
//   - pipeline: the answer pipeline. Must not be nil.
//   - quality: answer quality telemetry sink, or nil.
//   - opts: deployment extension points (filter, audit).
//
// # Outputs
//
//   - QueryHandler: ready to register on the router.
//
// Panics if pipeline is nil.
func NewQueryHandler(pipeline *services.Pipeline, quality *observability.QualityRecorder, opts extensions.ServiceOptions) QueryHandler {
	if pipeline == nil {
		panic("NewQueryHandler: pipeline must not be nil")
	}
	defaults := extensions.DefaultOptions()
	if opts.QuestionFilter == nil {
		opts.QuestionFilter = defaults.QuestionFilter
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = defaults.AuditLogger
	}
	return &queryHandler{
		pipeline: pipeline,
		quality:  quality,
		opts:     opts,
		tracer:   otel.Tracer("lagrum.orchestrator.handlers.query"),
	}
}

// =============================================================================
// Synchronous Endpoint
// =============================================================================

// HandleQuery processes POST /v1/fraga.
//
// # Description
//
// Binds and validates the request, screens the question through the
// deployment content filter, runs the answer pipeline, screens the answer,
// and responds with a QueryResponse. Outcome metrics, quality telemetry,
// and an audit event are recorded for every completed answer.
//
// # Inputs
//
//   - c: gin context carrying a JSON QueryRequest body.
//
// # Outputs
//
//   - 200 with QueryResponse on success (including refusals).
//   - Error statuses per the QueryHandler contract.
func (h *queryHandler) HandleQuery(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointQuery

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleQuery")
	defer span.End()

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
		}
	}()

	// Step 1: Parse request body
	var req datatypes.QueryRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to bind query request", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	// Step 2: Defaults and validation
	req.EnsureDefaults()
	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.Int("request.history_len", len(req.History)),
		attribute.String("request.strategy", string(req.RetrievalStrategy)),
	)
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request validation failed")
		slog.Error("Query request validation failed", "error", err, "request_id", req.RequestID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}

	// Step 3: Content filter on the question
	if !h.screenQuestion(ctx, c, span, endpoint, &req) {
		return
	}

	// Step 4: Run the pipeline
	result, err := h.pipeline.Answer(ctx, &req)
	if err != nil {
		h.respondQueryError(c, span, endpoint, &req, err)
		return
	}

	// Step 5: Content filter on the answer
	answer, ok := h.screenAnswer(ctx, c, span, endpoint, &req, result.Answer)
	if !ok {
		return
	}

	// Step 6: Respond
	c.JSON(http.StatusOK, datatypes.QueryResponse{
		Answer:         answer,
		Sources:        datatypes.Refs(result.Sources),
		Mode:           result.Mode,
		SaknasUnderlag: result.SaknasUnderlag,
		EvidenceLevel:  result.EvidenceLevel,
	})
	success = true

	h.recordAnswerOutcome(ctx, c.ClientIP(), &req, result)

	slog.Info("Query answered",
		"request_id", req.RequestID,
		"mode", string(result.Mode),
		"evidence_level", string(result.EvidenceLevel),
		"saknas_underlag", result.SaknasUnderlag,
		"sources", len(result.Sources),
		"duration_ms", time.Since(startTime).Milliseconds())
}

// respondQueryError maps a pipeline error to an HTTP response. Cancelled
// requests whose caller already went away get metrics but no body.
func (h *queryHandler) respondQueryError(c *gin.Context, span trace.Span, endpoint observability.Endpoint, req *datatypes.QueryRequest, err error) {
	span.RecordError(err)

	switch {
	case services.IsInputError(err):
		span.SetStatus(codes.Error, "invalid request")
		slog.Warn("Query rejected", "error", err, "request_id", req.RequestID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

	case services.IsCancelled(err):
		if c.Request.Context().Err() != nil {
			// The caller disconnected; nobody is listening for a body.
			span.SetStatus(codes.Error, "client disconnected")
			slog.Info("Client disconnected during query", "request_id", req.RequestID)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordClientDisconnect(endpoint)
				m.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
			}
			return
		}
		span.SetStatus(codes.Error, "pipeline deadline exceeded")
		slog.Error("Query timed out", "error", err, "request_id", req.RequestID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeTimeout)
		}
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Tidsgränsen för frågan överskreds."})

	case services.IsRetrievalError(err):
		span.SetStatus(codes.Error, "retrieval failed")
		slog.Error("Retrieval failed", "error", err, "request_id", req.RequestID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeRetrieval)
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "Söktjänsten kunde inte nås. Försök igen om en stund."})

	case services.IsLLMError(err):
		span.SetStatus(codes.Error, "generation failed")
		slog.Error("Generation failed", "error", err, "request_id", req.RequestID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeLLMError)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Ett internt fel inträffade vid svarsgenereringen."})

	default:
		span.SetStatus(codes.Error, "internal error")
		slog.Error("Query failed", "error", err, "request_id", req.RequestID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Ett internt fel inträffade."})
	}
}

// =============================================================================
// Shared Helpers
// =============================================================================

// screenQuestion runs the deployment content filter over the question and
// writes the error response when the request cannot proceed. The filtered
// question replaces req.Question. Returns false when a response was written.
func (h *queryHandler) screenQuestion(ctx context.Context, c *gin.Context, span trace.Span, endpoint observability.Endpoint, req *datatypes.QueryRequest) bool {
	filterResult, err := h.opts.QuestionFilter.FilterQuestion(ctx, req.Question)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "question filter failed")
		slog.Error("Question filter failed", "error", err, "request_id", req.RequestID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Ett internt fel inträffade."})
		return false
	}
	if filterResult.WasBlocked {
		span.SetStatus(codes.Error, "question blocked by content filter")
		slog.Warn("Question blocked by content filter",
			"request_id", req.RequestID,
			"reason", filterResult.BlockReason)
		h.audit(ctx, "query.blocked", c.ClientIP(), req.RequestID, "blocked", map[string]any{
			"reason":     filterResult.BlockReason,
			"ip_address": c.ClientIP(),
		})
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeFilterBlocked)
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "Frågan kan inte behandlas."})
		return false
	}
	if filterResult.WasModified {
		slog.Info("Question modified by content filter", "request_id", req.RequestID)
	}
	req.Question = filterResult.Filtered
	return true
}

// screenAnswer runs the deployment content filter over a finished answer.
// A filter failure withholds the answer rather than risk leaking what the
// deployment wanted masked. Returns the text to send and whether to proceed.
func (h *queryHandler) screenAnswer(ctx context.Context, c *gin.Context, span trace.Span, endpoint observability.Endpoint, req *datatypes.QueryRequest, answer string) (string, bool) {
	filterResult, err := h.opts.QuestionFilter.FilterAnswer(ctx, answer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "answer filter failed")
		slog.Error("Answer filter failed", "error", err, "request_id", req.RequestID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Ett internt fel inträffade."})
		return "", false
	}
	if filterResult.WasBlocked {
		span.SetStatus(codes.Error, "answer blocked by content filter")
		slog.Warn("Answer blocked by content filter",
			"request_id", req.RequestID,
			"reason", filterResult.BlockReason)
		h.audit(ctx, "query.blocked", c.ClientIP(), req.RequestID, "blocked", map[string]any{
			"reason":     filterResult.BlockReason,
			"stage":      "answer",
			"ip_address": c.ClientIP(),
		})
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeFilterBlocked)
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "Svaret kunde inte lämnas ut."})
		return "", false
	}
	return filterResult.Filtered, true
}

// recordAnswerOutcome emits the per-answer metrics, the quality telemetry
// sample, and the audit event for a completed pipeline run.
func (h *queryHandler) recordAnswerOutcome(ctx context.Context, clientIP string, req *datatypes.QueryRequest, result *services.PipelineResult) {
	action := guardrailActionLabel(result.Guardrail.Status)

	if m := observability.DefaultMetrics; m != nil {
		if result.Metrics.RefusalReason != "" {
			m.RecordRefusal(result.Metrics.RefusalReason)
		}
		if action != "" {
			m.RecordGuardrailAction(action)
		}
		if result.Metrics.TokensGenerated > 0 {
			m.RecordTokens(0, result.Metrics.TokensGenerated, result.Metrics.ModelUsed)
		}
	}

	var topScore float64
	if result.Metrics.Retrieval != nil {
		topScore = result.Metrics.Retrieval.TopScore
	}
	h.quality.Record(observability.QualitySample{
		Mode:              string(result.Mode),
		EvidenceLevel:     string(result.EvidenceLevel),
		SaknasUnderlag:    result.SaknasUnderlag,
		RefusalReason:     result.Metrics.RefusalReason,
		Sources:           len(result.Sources),
		TopScore:          topScore,
		CriticRevisions:   result.Metrics.CriticRevisionCount,
		GenerationRetried: result.Metrics.GenerationRetried,
		GuardrailAction:   string(action),
		TotalTimeMs:       result.Metrics.TotalTimeMs,
	})

	eventType := "query.answered"
	outcome := "success"
	if result.SaknasUnderlag {
		eventType = "query.refused"
		outcome = "refused"
	}
	h.audit(ctx, eventType, clientIP, req.RequestID, outcome, map[string]any{
		"mode":           string(result.Mode),
		"evidence_level": string(result.EvidenceLevel),
		"sources":        len(result.Sources),
		"strategy":       string(result.Metrics.Strategy),
		"refusal_reason": result.Metrics.RefusalReason,
		"duration_ms":    result.Metrics.TotalTimeMs,
		"ip_address":     clientIP,
	})
}

// guardrailActionLabel maps a guardrail status to its metrics label.
// UNCHANGED maps to the empty string and is not recorded.
func guardrailActionLabel(status datatypes.GuardrailStatus) observability.GuardrailAction {
	switch status {
	case datatypes.GuardrailCorrected:
		return observability.GuardrailActionCorrected
	case datatypes.GuardrailRefused:
		return observability.GuardrailActionRefused
	default:
		return ""
	}
}

// audit records a security-relevant event. Failures are deliberately
// ignored; auditing never breaks an answer.
func (h *queryHandler) audit(ctx context.Context, eventType, userID, requestID, outcome string, metadata map[string]any) {
	_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
		EventType:    eventType,
		Timestamp:    time.Now().UTC(),
		UserID:       userID,
		Action:       "query",
		ResourceType: "answer",
		ResourceID:   requestID,
		Outcome:      outcome,
		Metadata:     metadata,
	})
}
