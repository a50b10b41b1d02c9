// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
)

func enabledRerankConfig() RerankConfig {
	cfg := DefaultRerankConfig()
	cfg.Enabled = true
	return cfg
}

// TestRerankerReorders verifies that results are reordered by the model's
// relevance and rescored on the [0,1] scale.
func TestRerankerReorders(t *testing.T) {
	client := newFakeLLM()
	client.respond("rangordnar", `[{"index": 2, "relevance": 9}, {"index": 0, "relevance": 5}, {"index": 1, "relevance": 2}]`)

	reranker := NewReranker(client, enabledRerankConfig())
	input := []datatypes.SearchResult{
		searchResult("d1", "Förvaltningslagen", 0.9),
		searchResult("d2", "Kommunallagen", 0.8),
		searchResult("d3", "Offentlighetsprincipen", 0.7),
	}
	out := reranker.Rerank(context.Background(), "Vad är offentlighetsprincipen?", input, 0)

	require.Len(t, out, 3)
	assert.Equal(t, []string{"d3", "d1", "d2"}, []string{out[0].ID, out[1].ID, out[2].ID},
		"order should follow model relevance")
	assert.InDelta(t, 0.9, out[0].Score, 1e-9, "score should be relevance/10")
	assert.InDelta(t, 0.5, out[1].Score, 1e-9)
	assert.InDelta(t, 0.2, out[2].Score, 1e-9)
	assert.Equal(t, "Offentlighetsprincipen", out[0].Title, "fields other than score must survive")
	assert.Equal(t, "https://lagrummet.se/d3", out[0].Source)
}

// TestRerankerDisabledPassThrough verifies that a disabled reranker only
// truncates.
func TestRerankerDisabledPassThrough(t *testing.T) {
	client := newFakeLLM()
	reranker := NewReranker(client, DefaultRerankConfig())

	input := []datatypes.SearchResult{
		searchResult("d1", "Förvaltningslagen", 0.9),
		searchResult("d2", "Kommunallagen", 0.8),
		searchResult("d3", "Offentlighetsprincipen", 0.7),
	}
	out := reranker.Rerank(context.Background(), "fråga", input, 2)

	require.Len(t, out, 2)
	assert.Equal(t, "d1", out[0].ID)
	assert.InDelta(t, 0.9, out[0].Score, 1e-9, "scores must be untouched when disabled")
	assert.Equal(t, 0, client.callCount(""), "disabled reranker should not call the model")
}

// TestRerankerFailOpenOnLLMError verifies pass-through on backend failure.
func TestRerankerFailOpenOnLLMError(t *testing.T) {
	client := newFakeLLM()
	client.failOn("rangordnar", errors.New("backend unavailable"))

	reranker := NewReranker(client, enabledRerankConfig())
	input := []datatypes.SearchResult{
		searchResult("d1", "Förvaltningslagen", 0.9),
		searchResult("d2", "Kommunallagen", 0.8),
	}
	out := reranker.Rerank(context.Background(), "fråga", input, 2)

	require.Len(t, out, 2)
	assert.Equal(t, "d1", out[0].ID, "retrieval order should survive a failed rerank")
	assert.InDelta(t, 0.9, out[0].Score, 1e-9, "original scores should survive a failed rerank")
}

// TestRerankerFailOpenOnGarbageResponse verifies pass-through when the
// model response carries no ranking.
func TestRerankerFailOpenOnGarbageResponse(t *testing.T) {
	client := newFakeLLM()
	client.respond("rangordnar", "Dokument 2 är klart mest relevant.")

	reranker := NewReranker(client, enabledRerankConfig())
	input := []datatypes.SearchResult{
		searchResult("d1", "Förvaltningslagen", 0.9),
		searchResult("d2", "Kommunallagen", 0.8),
	}
	out := reranker.Rerank(context.Background(), "fråga", input, 0)

	require.Len(t, out, 2)
	assert.Equal(t, "d1", out[0].ID)
}

// TestRerankerTruncatesToK verifies that only k results come back after a
// successful rerank.
func TestRerankerTruncatesToK(t *testing.T) {
	client := newFakeLLM()
	client.respond("rangordnar", `[{"index": 3, "relevance": 10}, {"index": 1, "relevance": 8}, {"index": 0, "relevance": 4}, {"index": 2, "relevance": 2}]`)

	reranker := NewReranker(client, enabledRerankConfig())
	input := []datatypes.SearchResult{
		searchResult("d1", "A", 0.9),
		searchResult("d2", "B", 0.8),
		searchResult("d3", "C", 0.7),
		searchResult("d4", "D", 0.6),
	}
	out := reranker.Rerank(context.Background(), "fråga", input, 2)

	require.Len(t, out, 2)
	assert.Equal(t, "d4", out[0].ID)
	assert.Equal(t, "d2", out[1].ID)
}

// TestRerankerTailKeepsPosition verifies that results beyond TopM are
// appended in their original order with original scores.
func TestRerankerTailKeepsPosition(t *testing.T) {
	client := newFakeLLM()
	client.respond("rangordnar", `[{"index": 1, "relevance": 10}, {"index": 0, "relevance": 3}]`)

	cfg := enabledRerankConfig()
	cfg.TopM = 2
	reranker := NewReranker(client, cfg)
	input := []datatypes.SearchResult{
		searchResult("d1", "A", 0.9),
		searchResult("d2", "B", 0.8),
		searchResult("d3", "C", 0.7),
		searchResult("d4", "D", 0.6),
	}
	out := reranker.Rerank(context.Background(), "fråga", input, 0)

	require.Len(t, out, 4)
	assert.Equal(t, []string{"d2", "d1", "d3", "d4"},
		[]string{out[0].ID, out[1].ID, out[2].ID, out[3].ID})
	assert.InDelta(t, 0.7, out[2].Score, 1e-9, "tail scores must be untouched")
}

// TestRerankerSingleResult verifies that one result short-circuits.
func TestRerankerSingleResult(t *testing.T) {
	client := newFakeLLM()
	reranker := NewReranker(client, enabledRerankConfig())

	out := reranker.Rerank(context.Background(), "fråga", []datatypes.SearchResult{
		searchResult("d1", "Förvaltningslagen", 0.9),
	}, 0)

	require.Len(t, out, 1)
	assert.Equal(t, 0, client.callCount(""), "a single result needs no ranking")
}

// TestParseRankings exercises repair of imperfect model rankings.
func TestParseRankings(t *testing.T) {
	tests := []struct {
		name       string
		response   string
		numResults int
		wantErr    bool
		wantOrder  []int
		wantRel    []int
	}{
		{
			name:       "clean ranking",
			response:   `[{"index": 1, "relevance": 9}, {"index": 0, "relevance": 4}]`,
			numResults: 2,
			wantOrder:  []int{1, 0},
			wantRel:    []int{9, 4},
		},
		{
			name:       "fenced ranking",
			response:   "```json\n[{\"index\": 0, \"relevance\": 7}]\n```",
			numResults: 1,
			wantOrder:  []int{0},
			wantRel:    []int{7},
		},
		{
			name:       "missing index appended with minimum relevance",
			response:   `[{"index": 1, "relevance": 9}]`,
			numResults: 3,
			wantOrder:  []int{1, 0, 2},
			wantRel:    []int{9, 1, 1},
		},
		{
			name:       "duplicate and out-of-range dropped",
			response:   `[{"index": 0, "relevance": 9}, {"index": 0, "relevance": 8}, {"index": 5, "relevance": 7}, {"index": 1, "relevance": 6}]`,
			numResults: 2,
			wantOrder:  []int{0, 1},
			wantRel:    []int{9, 6},
		},
		{
			name:       "relevance clamped to 1..10",
			response:   `[{"index": 0, "relevance": 15}, {"index": 1, "relevance": 0}]`,
			numResults: 2,
			wantOrder:  []int{0, 1},
			wantRel:    []int{10, 1},
		},
		{
			name:       "no array",
			response:   "ingen rankning här",
			numResults: 2,
			wantErr:    true,
		},
		{
			name:       "malformed array",
			response:   `[{"index": 0, "relevance": }]`,
			numResults: 2,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rankings, err := parseRankings(tt.response, tt.numResults)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, rankings, len(tt.wantOrder))
			for i := range rankings {
				assert.Equal(t, tt.wantOrder[i], rankings[i].Index, "position %d", i)
				assert.Equal(t, tt.wantRel[i], rankings[i].Relevance, "position %d", i)
			}
		})
	}
}
