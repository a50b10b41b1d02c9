// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagrumai/lagrum/pkg/ux"
)

// withServer points the CLI globals at a test server for one test.
func withServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	prevURL := serverURL
	prevJSON := jsonOutput
	prevVerify := showIntegrity
	serverURL = srv.URL
	jsonOutput = false
	showIntegrity = false
	t.Cleanup(func() {
		serverURL = prevURL
		jsonOutput = prevJSON
		showIntegrity = prevVerify
	})
	return srv
}

func TestBuildQueryRequest(t *testing.T) {
	prevMode, prevStrategy, prevK, prevMust := modeHint, strategy, topK, mustInclude
	t.Cleanup(func() {
		modeHint, strategy, topK, mustInclude = prevMode, prevStrategy, prevK, prevMust
	})

	modeHint = "auto"
	strategy = "rag_fusion"
	topK = 8
	mustInclude = []string{"SFS 2010:900"}

	req := buildQueryRequest("Vad krävs för bygglov?", nil)
	assert.Empty(t, req.Mode, "auto mode should not be sent explicitly")
	assert.Equal(t, "rag_fusion", req.RetrievalStrategy)
	assert.Equal(t, 8, req.K)
	assert.Equal(t, []string{"SFS 2010:900"}, req.MustInclude)

	modeHint = "evidence"
	req = buildQueryRequest("Vad krävs för bygglov?", nil)
	assert.Equal(t, "evidence", req.Mode)
}

func TestAskOnce_RendersAnswerAndSources(t *testing.T) {
	var gotRequest queryRequest
	withServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/fraga", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))

		json.NewEncoder(w).Encode(queryResponse{
			Answer:        "Bygglov krävs för nybyggnad [1].",
			Mode:          "EVIDENCE",
			EvidenceLevel: "HIGH",
			Sources: []ux.SourceInfo{
				{Id: "c1", Title: "PBL 9 kap.", Source: "sfs-2010-900.md", Score: 0.92},
			},
		})
	}))

	var buf bytes.Buffer
	ui := ux.NewQueryUIWithWriter(&buf, ux.PersonalityMinimal)

	err := askOnce(context.Background(), ui, "När krävs bygglov?", nil)
	require.NoError(t, err)

	assert.Equal(t, "När krävs bygglov?", gotRequest.Question)
	assert.Contains(t, buf.String(), "Bygglov krävs för nybyggnad")
	assert.Contains(t, buf.String(), "PBL 9 kap.")
}

func TestAskOnce_ServerErrorSurfaced(t *testing.T) {
	withServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "för många förfrågningar"})
	}))

	var buf bytes.Buffer
	ui := ux.NewQueryUIWithWriter(&buf, ux.PersonalityMinimal)

	err := askOnce(context.Background(), ui, "När krävs bygglov?", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "för många förfrågningar")
}

// writeChainedSSE writes events as the orchestrator would, with a valid
// hash chain.
func writeChainedSSE(t *testing.T, w http.ResponseWriter, events []ux.StreamEvent) {
	t.Helper()

	computer := ux.NewSHA256HashComputer()
	prevHash := ""
	for i, event := range events {
		event.Id = fmt.Sprintf("evt-%d", i)
		event.CreatedAt = time.Now().UnixMilli()
		event.PrevHash = prevHash
		event.Hash = computer.ComputeEventHash(event)
		prevHash = event.Hash

		data, err := json.Marshal(event)
		require.NoError(t, err)
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
}

func TestAskStreaming_VerifiesChain(t *testing.T) {
	withServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/fraga/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")

		writeChainedSSE(t, w, []ux.StreamEvent{
			{Type: ux.StreamEventMetadata, Mode: "EVIDENCE", EvidenceLevel: "HIGH",
				Sources: []ux.SourceInfo{{Id: "c1", Title: "PBL 9 kap."}}},
			{Type: ux.StreamEventToken, Content: "Bygglov "},
			{Type: ux.StreamEventToken, Content: "krävs."},
			{Type: ux.StreamEventDone, TotalTimeMs: 120},
		})
	}))
	showIntegrity = true
	jsonOutput = true // buffer renderer keeps the test output quiet

	var buf bytes.Buffer
	ui := ux.NewQueryUIWithWriter(&buf, ux.PersonalityMinimal)

	err := askStreaming(context.Background(), ui, "När krävs bygglov?", nil)
	require.NoError(t, err)
}

func TestAskStreaming_BrokenChainRejected(t *testing.T) {
	withServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		// Valid chain, then the token content is altered after hashing.
		computer := ux.NewSHA256HashComputer()
		meta := ux.StreamEvent{Id: "evt-0", CreatedAt: time.Now().UnixMilli(),
			Type: ux.StreamEventMetadata, Mode: "CHAT"}
		meta.Hash = computer.ComputeEventHash(meta)

		token := ux.StreamEvent{Id: "evt-1", CreatedAt: time.Now().UnixMilli(),
			Type: ux.StreamEventToken, Content: "original", PrevHash: meta.Hash}
		token.Hash = computer.ComputeEventHash(token)
		token.Content = "tampered"

		for _, event := range []ux.StreamEvent{meta, token} {
			data, _ := json.Marshal(event)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
	}))
	showIntegrity = true
	jsonOutput = true

	var buf bytes.Buffer
	ui := ux.NewQueryUIWithWriter(&buf, ux.PersonalityMinimal)

	err := askStreaming(context.Background(), ui, "Hej", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verifieras")
}

func TestAskStreaming_ErrorEventBecomesError(t *testing.T) {
	withServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeChainedSSE(t, w, []ux.StreamEvent{
			{Type: ux.StreamEventMetadata, Mode: "EVIDENCE", EvidenceLevel: "NONE"},
			{Type: ux.StreamEventError, Error: "generationen avbröts"},
		})
	}))
	jsonOutput = true

	var buf bytes.Buffer
	ui := ux.NewQueryUIWithWriter(&buf, ux.PersonalityMinimal)

	err := askStreaming(context.Background(), ui, "Hej", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generationen avbröts")
}

func TestServerError_FallsBackToStatusOnly(t *testing.T) {
	err := serverError(http.StatusBadGateway, []byte("not json"))
	assert.Contains(t, err.Error(), "502")

	err = serverError(http.StatusBadRequest, []byte(`{"error":"fråga saknas"}`))
	assert.Contains(t, err.Error(), "fråga saknas")
}
