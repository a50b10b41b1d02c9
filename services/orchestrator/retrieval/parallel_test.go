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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
	"github.com/lagrumai/lagrum/services/orchestrator/vectorstore"
)

// TestParallelV1Search verifies the widened fetch and truncation to k.
func TestParallelV1Search(t *testing.T) {
	question := "Vad säger förvaltningslagen om jäv?"
	store := &fakeStore{
		byQuery: map[string][]vectorstore.Hit{
			question: {
				hit("d1", "Förvaltningslag 16 §", 0.92),
				hit("d2", "Förvaltningslag 17 §", 0.85),
				hit("d3", "Kommunallag 6 kap.", 0.71),
			},
		},
	}
	strategy := NewParallelV1(store, &fakeEmbedder{})

	result, err := strategy.Search(context.Background(), Query{Text: question, K: 2})
	require.NoError(t, err, "Search should succeed")

	require.Len(t, result.Results, 2, "Results should be truncated to k")
	assert.Equal(t, "d1", result.Results[0].ID, "Rank order should follow store order")
	assert.Equal(t, datatypes.StrategyParallelV1, result.Metrics.Strategy, "Metrics should carry the strategy tag")
	assert.Equal(t, 0.92, result.Metrics.TopScore, "TopScore should be the rank-1 score")
	assert.Equal(t, 2, result.Metrics.NumResults, "NumResults should count returned results")
	assert.False(t, result.Metrics.RewriteFailed, "No rewriting happens in parallel_v1")

	require.Equal(t, 1, store.callCount(), "Expected a single store call")
	store.mu.Lock()
	call := store.calls[0]
	store.mu.Unlock()
	assert.Equal(t, 2*fetchMultiplier, call.k, "Fetch should be widened by the multiplier")
}

// TestParallelV1PassesFilters verifies corpus-slice filters reach the store.
func TestParallelV1PassesFilters(t *testing.T) {
	store := &fakeStore{}
	strategy := NewParallelV1(store, &fakeEmbedder{})

	filters := vectorstore.Filters{DataSpace: "forvaltning", DocType: "lag"}
	_, err := strategy.Search(context.Background(), Query{Text: "jäv", K: 3, Filters: filters})
	require.NoError(t, err, "Search should succeed with no hits")

	store.mu.Lock()
	call := store.calls[0]
	store.mu.Unlock()
	assert.Equal(t, filters, call.filters, "Filters should pass through unchanged")
}

// TestParallelV1EmptyStore verifies an empty corpus yields empty results,
// not an error.
func TestParallelV1EmptyStore(t *testing.T) {
	strategy := NewParallelV1(&fakeStore{}, &fakeEmbedder{})

	result, err := strategy.Search(context.Background(), Query{Text: "okänd fråga", K: 5})
	require.NoError(t, err, "Empty retrieval is not an error")
	assert.Empty(t, result.Results, "No hits means no results")
	assert.Equal(t, 0.0, result.Metrics.TopScore, "TopScore should be zero for empty results")
}

// TestParallelV1InvalidK verifies the k guard.
func TestParallelV1InvalidK(t *testing.T) {
	strategy := NewParallelV1(&fakeStore{}, &fakeEmbedder{})

	_, err := strategy.Search(context.Background(), Query{Text: "jäv", K: 0})
	require.Error(t, err, "k=0 should be rejected")
}

// TestParallelV1EmbedFailureSurfaces verifies embedding failures
// propagate after the retry.
func TestParallelV1EmbedFailureSurfaces(t *testing.T) {
	embedder := &fakeEmbedder{failNext: 2}
	strategy := NewParallelV1(&fakeStore{}, embedder)

	_, err := strategy.Search(context.Background(), Query{Text: "jäv", K: 3})
	require.Error(t, err, "Persistent embedding failure should surface")
	assert.Contains(t, err.Error(), "parallel_v1", "Error should name the strategy")
}
