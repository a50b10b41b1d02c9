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
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
	"github.com/lagrumai/lagrum/services/orchestrator/observability"
)

// heartbeatInterval is how often SSE keep-alive comments are sent. Proxies
// between the orchestrator and the browser drop idle connections; reflection
// and revision rounds can hold the token stream silent past those timeouts.
const heartbeatInterval = 15 * time.Second

// =============================================================================
// Streaming Endpoint
// =============================================================================

// HandleQueryStream processes POST /v1/fraga/stream.
//
// # Description
//
// Runs the same pipeline as HandleQuery but relays events to the caller as
// they happen: metadata (mode, sources, evidence level), the
// decontextualized question, answer tokens, guardrail corrections, and a
// terminal done or error event. Request problems detected before the first
// event still produce plain HTTP error statuses; after the first event the
// status is fixed at 200 and failures arrive as error events.
//
// Streamed tokens are accumulated in locked memory so the audit trail can
// carry a SHA-256 of the full answer without the answer ever touching a log.
//
// # Inputs
//
//   - c: gin context carrying a JSON QueryRequest body.
//
// # Outputs
//
//   - 200 with an SSE event stream on success.
//   - 400/403/500 as JSON before the stream starts, per the QueryHandler
//     contract.
func (h *queryHandler) HandleQueryStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointQueryStream

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleQueryStream")
	defer span.End()

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
		}
	}()

	// Step 1: Parse request body
	var req datatypes.QueryRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to bind stream request", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	// Step 2: Defaults and validation. Must happen before the first SSE
	// byte; after that the 200 status is committed.
	req.EnsureDefaults()
	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.Int("request.history_len", len(req.History)),
		attribute.String("request.strategy", string(req.RetrievalStrategy)),
	)
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request validation failed")
		slog.Error("Stream request validation failed", "error", err, "request_id", req.RequestID)
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

	// Step 4: Secure token accumulator. Accumulation is best effort: an
	// answer still streams without it, the audit event just loses its hash.
	accumulator, accErr := NewSecureTokenAccumulator()
	if accErr != nil {
		slog.Warn("Secure accumulator unavailable, streaming without answer hash",
			"error", accErr, "request_id", req.RequestID)
	}
	defer func() {
		if accumulator != nil {
			accumulator.Destroy()
		}
	}()

	// Step 5: SSE setup
	SetSSEHeaders(c.Writer)
	sseWriter, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "streaming unsupported")
		slog.Error("Failed to create SSE writer", "error", err, "request_id", req.RequestID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}

	// Step 6: Heartbeat keeps proxies from dropping the connection during
	// long retrieval or revision phases.
	heartbeatDone := make(chan struct{})
	go h.runHeartbeat(ctx, sseWriter, endpoint, heartbeatDone)

	// Step 7: Relay pipeline events. The channel MUST be drained to the
	// end even when the client is gone, or the pipeline goroutine blocks
	// on its buffered channel for as long as the context survives.
	events := h.pipeline.Stream(ctx, &req)

	var (
		meta        *datatypes.StreamEvent
		lastType    string
		totalMs     int64
		corrections int
		tokenCount  int
		writeFailed bool
	)
	for event := range events {
		switch event.Type {
		case datatypes.EventMetadata:
			e := event
			meta = &e
		case datatypes.EventToken:
			tokenCount++
			if tokenCount == 1 {
				if m := observability.DefaultMetrics; m != nil {
					m.RecordTimeToFirstToken(endpoint, time.Since(startTime).Seconds())
				}
			}
			if accumulator != nil {
				if werr := accumulator.Write(event.Content); werr != nil {
					slog.Warn("Token accumulation failed, continuing without answer hash",
						"error", werr, "request_id", req.RequestID)
					accumulator.Destroy()
					accumulator = nil
				}
			}
		case datatypes.EventCorrections:
			corrections = len(event.Corrections)
		case datatypes.EventDone:
			if event.TotalTimeMs != nil {
				totalMs = *event.TotalTimeMs
			}
		}
		lastType = event.Type

		if writeFailed {
			continue
		}
		if werr := sseWriter.WriteEvent(event); werr != nil {
			writeFailed = true
			slog.Debug("SSE write failed, draining remaining events",
				"error", werr, "request_id", req.RequestID)
		}
	}

	close(heartbeatDone)

	// Step 8: Categorize the outcome
	switch {
	case lastType == datatypes.EventDone && !writeFailed:
		success = true
	case lastType == datatypes.EventError && !writeFailed:
		span.SetStatus(codes.Error, "stream ended with error event")
		slog.Error("Stream ended with error event", "request_id", req.RequestID)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
	default:
		// Write failure, or the channel closed without a terminal event.
		// Either way the caller went away.
		span.SetStatus(codes.Error, "client disconnected")
		slog.Info("Client disconnected during stream",
			"request_id", req.RequestID, "last_event", lastType)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordClientDisconnect(endpoint)
			m.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
		}
	}

	if success && meta != nil {
		h.recordStreamOutcome(ctx, c.ClientIP(), &req, meta, accumulator, corrections, totalMs)
	}

	slog.Info("Stream complete",
		"request_id", req.RequestID,
		"success", success,
		"tokens", tokenCount,
		"duration_ms", time.Since(startTime).Milliseconds())
}

// recordStreamOutcome emits the quality sample and audit event for a stream
// that reached its done event. Stream events deliberately omit refusal
// reasons and retrieval scores, so the sample is sparser than the
// synchronous one; the shared fields keep the two endpoints comparable.
func (h *queryHandler) recordStreamOutcome(ctx context.Context, clientIP string, req *datatypes.QueryRequest, meta *datatypes.StreamEvent, accumulator TokenAccumulator, corrections int, totalMs int64) {
	var sourceCount int
	if meta.Sources != nil {
		sourceCount = len(*meta.Sources)
	}

	var action observability.GuardrailAction
	if corrections > 0 {
		action = observability.GuardrailActionCorrected
		if m := observability.DefaultMetrics; m != nil {
			m.RecordGuardrailAction(action)
		}
	}

	var answerHash string
	var answerLen int
	if accumulator != nil {
		answer, hash, err := accumulator.Finalize()
		if err != nil {
			slog.Warn("Answer finalization failed", "error", err, "request_id", req.RequestID)
		} else {
			answerHash = hash
			answerLen = len(answer)
		}
	}

	h.quality.Record(observability.QualitySample{
		Mode:            string(meta.Mode),
		EvidenceLevel:   string(meta.EvidenceLevel),
		Sources:         sourceCount,
		GuardrailAction: string(action),
		TotalTimeMs:     totalMs,
	})

	h.audit(ctx, "query.answered", clientIP, req.RequestID, "success", map[string]any{
		"mode":           string(meta.Mode),
		"evidence_level": string(meta.EvidenceLevel),
		"sources":        sourceCount,
		"answer_sha256":  answerHash,
		"answer_len":     answerLen,
		"duration_ms":    totalMs,
		"ip_address":     clientIP,
	})
}

// runHeartbeat emits SSE keep-alive comments until the stream ends or the
// writer reports a closed stream.
func (h *queryHandler) runHeartbeat(ctx context.Context, writer SSEWriter, endpoint observability.Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Heartbeat write failed, stopping", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive(endpoint)
			}
		}
	}
}
