// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
	"github.com/lagrumai/lagrum/services/orchestrator/vectorstore"
)

// TestFuseRRF verifies rank-based fusion: a document on two lists beats
// single-list documents, and keeps its best native similarity as Score.
func TestFuseRRF(t *testing.T) {
	perQuery := [][]vectorstore.Hit{
		{hit("d1", "Jäv", 0.95), hit("d2", "Handläggning", 0.70)},
		{hit("d2", "Handläggning", 0.85), hit("d3", "Omprövning", 0.80)},
	}

	results := fuseRRF(perQuery, datatypes.StrategyRAGFusion)
	require.Len(t, results, 3, "Fusion should keep all distinct documents")

	assert.Equal(t, "d2", results[0].ID, "The document ranked on both lists should fuse highest")
	assert.Equal(t, 0.85, results[0].Score, "Fused documents should keep their best native similarity")
	assert.Equal(t, "d1", results[1].ID, "A rank-1 single-list document should come second")
	assert.Equal(t, "d3", results[2].ID, "A rank-2 single-list document should come last")
}

// TestFuseRRFDeterministicTies verifies the id tie-break for documents
// with identical fused scores.
func TestFuseRRFDeterministicTies(t *testing.T) {
	perQuery := [][]vectorstore.Hit{
		{hit("b", "Titel B", 0.5)},
		{hit("a", "Titel A", 0.5)},
	}

	results := fuseRRF(perQuery, datatypes.StrategyRAGFusion)
	require.Len(t, results, 2, "Both documents should survive fusion")
	assert.Equal(t, "a", results[0].ID, "Equal fused scores should order by id")
}

// TestRAGFusionSearch verifies fusion metrics: fusion_gain against the
// naive baseline and overlap across paraphrase lists.
func TestRAGFusionSearch(t *testing.T) {
	question := "Vad säger GDPR om personuppgifter hos myndigheter?"
	store := &fakeStore{
		byQuery: map[string][]vectorstore.Hit{
			question: {hit("n1", "Dataskyddsförordningen art. 6", 0.50)},
			"p1":     {hit("d1", "Dataskydd i myndigheter", 0.90), hit("d2", "Personuppgiftsansvar", 0.70)},
			"p2":     {hit("d1", "Dataskydd i myndigheter", 0.85), hit("d3", "Registerförfattningar", 0.60)},
		},
	}
	generate := func(_ context.Context, _ string, _ int) (string, error) {
		return paraphraseJSON("p1", "p2"), nil
	}
	strategy := NewRAGFusion(store, &fakeEmbedder{}, generate, RewriteConfig{Variations: 2})

	result, err := strategy.Search(context.Background(), Query{Text: question, K: 2})
	require.NoError(t, err, "Search should succeed")

	require.Len(t, result.Results, 2, "Results should be truncated to k")
	assert.Equal(t, "d1", result.Results[0].ID, "The document on both paraphrase lists should fuse highest")
	assert.Equal(t, 0.90, result.Results[0].Score, "Fused rank-1 should keep its best native similarity")

	require.NotNil(t, result.Metrics.FusionGain, "Fusion should report fusion_gain")
	assert.InDelta(t, 0.40, *result.Metrics.FusionGain, 1e-9,
		"fusion_gain should be top fused minus top naive")

	require.NotNil(t, result.Metrics.OverlapRatio, "Fusion should report overlap_ratio")
	assert.InDelta(t, 0.5, *result.Metrics.OverlapRatio, 1e-9,
		"One shared document out of k=2 should give overlap 0.5")

	assert.Equal(t, datatypes.StrategyRAGFusion, result.Metrics.Strategy, "Metrics should carry the strategy tag")
	assert.ElementsMatch(t, []string{question, "p1", "p2"}, store.queriesSeen(),
		"The original question should retrieve once as the naive baseline")
}

// TestRAGFusionNegativeGain verifies fusion_gain can go negative when
// the paraphrases retrieve worse than the original question.
func TestRAGFusionNegativeGain(t *testing.T) {
	question := "En mycket precis fråga om 12 § förvaltningslagen"
	store := &fakeStore{
		byQuery: map[string][]vectorstore.Hit{
			question: {hit("n1", "Förvaltningslag 12 §", 0.95)},
			"p1":     {hit("d1", "Allmänt om förvaltning", 0.40)},
			"p2":     {hit("d2", "Myndighetsutövning", 0.35)},
		},
	}
	generate := func(_ context.Context, _ string, _ int) (string, error) {
		return paraphraseJSON("p1", "p2"), nil
	}
	strategy := NewRAGFusion(store, &fakeEmbedder{}, generate, RewriteConfig{Variations: 2})

	result, err := strategy.Search(context.Background(), Query{Text: question, K: 2})
	require.NoError(t, err, "Search should succeed")

	require.NotNil(t, result.Metrics.FusionGain, "Fusion should report fusion_gain")
	assert.InDelta(t, -0.55, *result.Metrics.FusionGain, 1e-9, "Gain should be negative here")
}

// TestRAGFusionParaphraseFallback verifies the rewrite-failure
// degradation mirrors rewrite_v1.
func TestRAGFusionParaphraseFallback(t *testing.T) {
	question := "Vad gäller vid jäv?"
	store := &fakeStore{
		byQuery: map[string][]vectorstore.Hit{
			question: {hit("d1", "Jäv i förvaltningen", 0.80)},
		},
	}
	generate := func(_ context.Context, _ string, _ int) (string, error) {
		return "", fmt.Errorf("model overloaded")
	}
	strategy := NewRAGFusion(store, &fakeEmbedder{}, generate, RewriteConfig{})

	result, err := strategy.Search(context.Background(), Query{Text: question, K: 2})
	require.NoError(t, err, "Fallback retrieval should succeed")

	assert.True(t, result.Metrics.RewriteFailed, "Fallback should mark rewrite_failed")
	assert.Nil(t, result.Metrics.FusionGain, "No fusion happened, so no fusion_gain")
	assert.Nil(t, result.Metrics.OverlapRatio, "No fusion happened, so no overlap_ratio")
	require.Len(t, result.Results, 1, "Fallback should return the single-query hits")
}

// TestOverlapRatio covers the intersection edge cases.
func TestOverlapRatio(t *testing.T) {
	shared := hit("s", "Delad", 0.9)

	tests := []struct {
		name     string
		perQuery [][]vectorstore.Hit
		k        int
		want     float64
	}{
		{
			name:     "no lists",
			perQuery: nil,
			k:        3,
			want:     0,
		},
		{
			name:     "single list",
			perQuery: [][]vectorstore.Hit{{shared, hit("a", "A", 0.5)}},
			k:        4,
			want:     0.5,
		},
		{
			name: "disjoint lists",
			perQuery: [][]vectorstore.Hit{
				{hit("a", "A", 0.5)},
				{hit("b", "B", 0.5)},
			},
			k:    2,
			want: 0,
		},
		{
			name: "identical lists",
			perQuery: [][]vectorstore.Hit{
				{shared, hit("a", "A", 0.5)},
				{shared, hit("a", "A", 0.5)},
			},
			k:    2,
			want: 1,
		},
		{
			name: "intersection beyond k ignored",
			perQuery: [][]vectorstore.Hit{
				{hit("a", "A", 0.9), shared},
				{shared, hit("b", "B", 0.5)},
			},
			k:    1,
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, overlapRatio(tt.perQuery, tt.k), 1e-9,
				"Overlap ratio should match")
		})
	}
}
