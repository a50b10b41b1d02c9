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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/lagrumai/lagrum/pkg/extensions"
	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
	"github.com/lagrumai/lagrum/services/orchestrator/observability"
	"github.com/lagrumai/lagrum/services/orchestrator/services"
)

// newQueryRouter registers a handler on a fresh router the way routes.go
// does in production.
func newQueryRouter(h QueryHandler) *gin.Engine {
	router := gin.New()
	router.POST("/v1/fraga", h.HandleQuery)
	router.POST("/v1/fraga/stream", h.HandleQueryStream)
	return router
}

// postFraga sends body to path and returns the recorder.
func postFraga(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewQueryHandler_NilPipelinePanics(t *testing.T) {
	assert.Panics(t, func() {
		NewQueryHandler(nil, nil, extensions.ServiceOptions{})
	})
}

func TestNewQueryHandler_FillsNilExtensionPoints(t *testing.T) {
	h := NewQueryHandler(newChatPipeline(t, "Hej."), nil, extensions.ServiceOptions{})

	qh, ok := h.(*queryHandler)
	require.True(t, ok)
	assert.NotNil(t, qh.opts.QuestionFilter, "nil filter should become the no-op default")
	assert.NotNil(t, qh.opts.AuditLogger, "nil audit logger should become the no-op default")
}

// =============================================================================
// Request Handling Tests
// =============================================================================

func TestHandleQuery_InvalidBody(t *testing.T) {
	h := NewQueryHandler(newChatPipeline(t, "Hej."), nil, extensions.ServiceOptions{})
	router := newQueryRouter(h)

	w := postFraga(router, "/v1/fraga", `{"question": `)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid request body")
}

func TestHandleQuery_ValidationFailure(t *testing.T) {
	h := NewQueryHandler(newChatPipeline(t, "Hej."), nil, extensions.ServiceOptions{})
	router := newQueryRouter(h)

	long := strings.Repeat("a", 2001)
	w := postFraga(router, "/v1/fraga", `{"question": "`+long+`"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation failed")
}

func TestHandleQuery_ChatAnswer(t *testing.T) {
	h := NewQueryHandler(newChatPipeline(t, "Hej! Vad kan jag hjälpa dig med?"), nil, extensions.ServiceOptions{})
	router := newQueryRouter(h)

	w := postFraga(router, "/v1/fraga", `{"question": "Hej!", "mode": "chat"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Hej! Vad kan jag hjälpa dig med?", resp.Answer)
	assert.Equal(t, datatypes.ModeChat, resp.Mode)
	assert.Empty(t, resp.Sources, "chat answers carry no sources")
	assert.Equal(t, datatypes.EvidenceNone, resp.EvidenceLevel)
	assert.False(t, resp.SaknasUnderlag)
}

func TestHandleQuery_GuardrailCorrectsAnswer(t *testing.T) {
	h := NewQueryHandler(
		newChatPipeline(t, "Du kan ansöka om socialbidrag hos kommunen."),
		nil, extensions.ServiceOptions{})
	router := newQueryRouter(h)

	w := postFraga(router, "/v1/fraga", `{"question": "Hur ansöker jag?", "mode": "chat"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Du kan ansöka om försörjningsstöd hos kommunen.", resp.Answer,
		"lexicon replacement should reach the caller")
}

// TestHandleQuery_SerializedForm pins the caller-visible JSON keys.
// Internal fields must never leak into the response body.
func TestHandleQuery_SerializedForm(t *testing.T) {
	h := NewQueryHandler(newChatPipeline(t, "Hej."), nil, extensions.ServiceOptions{})
	router := newQueryRouter(h)

	w := postFraga(router, "/v1/fraga", `{"question": "Hej!", "mode": "chat"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	for _, key := range []string{"answer", "sources", "mode", "saknas_underlag", "evidence_level"} {
		assert.Contains(t, raw, key)
	}
	assert.Len(t, raw, 5, "no internal fields may appear in the response")
}

// =============================================================================
// Content Filter Tests
// =============================================================================

func TestHandleQuery_QuestionBlocked(t *testing.T) {
	audit := &capturingAudit{}
	opts := extensions.ServiceOptions{
		QuestionFilter: &scriptedFilter{blockQuestion: true},
		AuditLogger:    audit,
	}
	h := NewQueryHandler(newChatPipeline(t, "Hej."), nil, opts)
	router := newQueryRouter(h)

	w := postFraga(router, "/v1/fraga", `{"question": "Hej!", "mode": "chat"}`)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "Frågan kan inte behandlas")
	require.Len(t, audit.byType("query.blocked"), 1, "a block must leave an audit trail")
	assert.Equal(t, "blocked", audit.byType("query.blocked")[0].Outcome)
}

func TestHandleQuery_AnswerBlocked(t *testing.T) {
	opts := extensions.ServiceOptions{
		QuestionFilter: &scriptedFilter{blockAnswer: true},
	}
	h := NewQueryHandler(newChatPipeline(t, "Hej."), nil, opts)
	router := newQueryRouter(h)

	w := postFraga(router, "/v1/fraga", `{"question": "Hej!", "mode": "chat"}`)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "Svaret kunde inte lämnas ut")
}

func TestHandleQuery_FilterFailure(t *testing.T) {
	opts := extensions.ServiceOptions{
		QuestionFilter: &scriptedFilter{questionErr: errors.New("filter backend down")},
	}
	h := NewQueryHandler(newChatPipeline(t, "Hej."), nil, opts)
	router := newQueryRouter(h)

	w := postFraga(router, "/v1/fraga", `{"question": "Hej!", "mode": "chat"}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internt fel")
}

// =============================================================================
// Error Mapping Tests
// =============================================================================

func TestRespondQueryError_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "input error",
			err:        &services.InputError{Field: "question", Message: "tom fråga"},
			wantStatus: http.StatusBadRequest,
			wantBody:   "question",
		},
		{
			name:       "deadline exceeded",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
			wantBody:   "Tidsgränsen",
		},
		{
			name:       "retrieval error",
			err:        &services.RetrievalError{Op: "parallel_v1", Err: errors.New("weaviate unreachable")},
			wantStatus: http.StatusBadGateway,
			wantBody:   "Söktjänsten",
		},
		{
			name:       "llm error",
			err:        &services.LLMError{Op: "generate", Err: errors.New("model gone")},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "svarsgenereringen",
		},
		{
			name:       "unknown error",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "internt fel",
		},
	}

	h := NewQueryHandler(newChatPipeline(t, "Hej."), nil, extensions.ServiceOptions{})
	qh := h.(*queryHandler)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodPost, "/v1/fraga", nil)
			span := trace.SpanFromContext(context.Background())
			req := &datatypes.QueryRequest{RequestID: "test", Question: "Hej!"}

			qh.respondQueryError(c, span, observability.EndpointQuery, req, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
		})
	}
}

func TestGuardrailActionLabel(t *testing.T) {
	assert.Equal(t, observability.GuardrailActionCorrected, guardrailActionLabel(datatypes.GuardrailCorrected))
	assert.Equal(t, observability.GuardrailActionRefused, guardrailActionLabel(datatypes.GuardrailRefused))
	assert.Equal(t, observability.GuardrailAction(""), guardrailActionLabel(datatypes.GuardrailUnchanged))
}
