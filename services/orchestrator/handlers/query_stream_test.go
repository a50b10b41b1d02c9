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
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagrumai/lagrum/pkg/extensions"
	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
)

// parseSSEBody decodes a recorded SSE response into its events, skipping
// keep-alive comments.
func parseSSEBody(t *testing.T, body string) []datatypes.StreamEvent {
	t.Helper()

	var events []datatypes.StreamEvent
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, ":") {
			continue
		}
		var data string
		for _, line := range strings.Split(block, "\n") {
			require.True(t, strings.HasPrefix(line, "data: "),
				"frames are data-only, got line %q", line)
			data = strings.TrimPrefix(line, "data: ")
		}
		require.NotEmpty(t, data, "SSE block missing data line: %q", block)
		var event datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(data), &event), "SSE data must be valid JSON")
		assert.NotEmpty(t, event.Type, "payload must carry the event type")
		events = append(events, event)
	}
	return events
}

// eventTypes projects the type sequence of a stream.
func eventTypes(events []datatypes.StreamEvent) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

// =============================================================================
// Pre-stream Error Tests
// =============================================================================

func TestHandleQueryStream_InvalidBody(t *testing.T) {
	h := NewQueryHandler(newChatPipeline(t, "Hej."), nil, extensions.ServiceOptions{})
	router := newQueryRouter(h)

	w := postFraga(router, "/v1/fraga/stream", `{"question`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid request body")
	assert.NotContains(t, w.Header().Get("Content-Type"), "text/event-stream",
		"errors before the first event are plain JSON")
}

func TestHandleQueryStream_ValidationFailure(t *testing.T) {
	h := NewQueryHandler(newChatPipeline(t, "Hej."), nil, extensions.ServiceOptions{})
	router := newQueryRouter(h)

	w := postFraga(router, "/v1/fraga/stream", `{"question": "Hej!", "k": 99}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation failed")
}

func TestHandleQueryStream_BlockedQuestion(t *testing.T) {
	opts := extensions.ServiceOptions{
		QuestionFilter: &scriptedFilter{blockQuestion: true},
	}
	h := NewQueryHandler(newChatPipeline(t, "Hej."), nil, opts)
	router := newQueryRouter(h)

	w := postFraga(router, "/v1/fraga/stream", `{"question": "Hej!", "mode": "chat"}`)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "Frågan kan inte behandlas")
}

// =============================================================================
// Stream Tests
// =============================================================================

func TestHandleQueryStream_ChatStream(t *testing.T) {
	answer := "Hej! Vad kan jag hjälpa dig med?"
	h := NewQueryHandler(newChatPipeline(t, answer), nil, extensions.ServiceOptions{})
	router := newQueryRouter(h)

	w := postFraga(router, "/v1/fraga/stream", `{"question": "Hej!", "mode": "chat"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	events := parseSSEBody(t, w.Body.String())
	require.NotEmpty(t, events)

	// Metadata opens the stream, done closes it.
	assert.Equal(t, datatypes.EventMetadata, events[0].Type)
	assert.Equal(t, datatypes.ModeChat, events[0].Mode)
	require.NotNil(t, events[0].Sources)
	assert.Empty(t, *events[0].Sources, "chat metadata carries an empty source list")
	assert.Equal(t, datatypes.EvidenceNone, events[0].EvidenceLevel)

	last := events[len(events)-1]
	require.Equal(t, datatypes.EventDone, last.Type)
	require.NotNil(t, last.TotalTimeMs, "done must carry the total time")

	// Concatenated tokens reproduce the answer byte for byte.
	var b strings.Builder
	for _, e := range events {
		if e.Type == datatypes.EventToken {
			b.WriteString(e.Content)
		}
	}
	assert.Equal(t, answer, b.String())
}

// TestHandleQueryStream_HashChain verifies that every streamed event
// carries a recomputable hash and that each event links to its
// predecessor.
func TestHandleQueryStream_HashChain(t *testing.T) {
	h := NewQueryHandler(newChatPipeline(t, "Hej! Vad kan jag hjälpa dig med?"), nil, extensions.ServiceOptions{})
	router := newQueryRouter(h)

	w := postFraga(router, "/v1/fraga/stream", `{"question": "Hej!", "mode": "chat"}`)
	require.Equal(t, http.StatusOK, w.Code)
	events := parseSSEBody(t, w.Body.String())
	require.NotEmpty(t, events)

	hasher := &sseWriter{}
	prev := ""
	for i, event := range events {
		assert.NotEmpty(t, event.Id, "event %d missing id", i)
		assert.NotZero(t, event.CreatedAt, "event %d missing timestamp", i)
		assert.Equal(t, prev, event.PrevHash, "event %d breaks the chain", i)

		expected := event.Hash
		event.Hash = ""
		assert.Equal(t, expected, hasher.computeEventHash(event),
			"event %d hash must be recomputable from its visible fields", i)
		prev = expected
	}
}

func TestHandleQueryStream_GuardrailCorrections(t *testing.T) {
	audit := &capturingAudit{}
	opts := extensions.ServiceOptions{AuditLogger: audit}
	h := NewQueryHandler(
		newChatPipeline(t, "Du kan ansöka om socialbidrag hos kommunen."),
		nil, opts)
	router := newQueryRouter(h)

	w := postFraga(router, "/v1/fraga/stream", `{"question": "Hur ansöker jag?", "mode": "chat"}`)
	require.Equal(t, http.StatusOK, w.Code)
	events := parseSSEBody(t, w.Body.String())
	types := eventTypes(events)

	// Streamed tokens carry the raw model text; the corrections event
	// reconciles it with the corrected final answer before done.
	require.Contains(t, types, datatypes.EventCorrections)
	assert.Equal(t, datatypes.EventDone, types[len(types)-1])
	assert.Equal(t, datatypes.EventCorrections, types[len(types)-2],
		"corrections must immediately precede done")

	var corrections datatypes.StreamEvent
	for _, e := range events {
		if e.Type == datatypes.EventCorrections {
			corrections = e
		}
	}
	assert.Contains(t, corrections.CorrectedText, "försörjningsstöd")
	assert.NotEmpty(t, corrections.Corrections)

	require.Len(t, audit.byType("query.answered"), 1,
		"a completed stream must leave an audit trail")
}
