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
	"time"

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
	"github.com/lagrumai/lagrum/services/orchestrator/vectorstore"
)

// fetchMultiplier widens the raw fetch so the top-k survives snippet
// deduplication downstream.
const fetchMultiplier = 3

// ParallelV1 is the baseline strategy: embed the question once, fetch
// a widened top-K from the store, truncate to k. No query rewriting,
// no fusion.
type ParallelV1 struct {
	store           vectorstore.Store
	embedder        Embedder
	subQueryTimeout time.Duration
}

var _ Strategy = (*ParallelV1)(nil)

// NewParallelV1 builds the baseline strategy.
//
// # Inputs
//   - store: vector store to search
//   - embedder: embedding provider for the question text
//
// # Outputs
//   - *ParallelV1: ready to serve Search calls
func NewParallelV1(store vectorstore.Store, embedder Embedder) *ParallelV1 {
	return &ParallelV1{
		store:           store,
		embedder:        embedder,
		subQueryTimeout: defaultSubQueryTimeout,
	}
}

// Name returns the strategy tag.
func (s *ParallelV1) Name() datatypes.RetrievalStrategy {
	return datatypes.StrategyParallelV1
}

// Search embeds q.Text once and returns the store's top results
// truncated to q.K, ranked by normalized similarity.
func (s *ParallelV1) Search(ctx context.Context, q Query) (*StrategyResult, error) {
	ctx, span := tracer.Start(ctx, "retrieval.parallel_v1")
	defer span.End()

	if q.K <= 0 {
		return nil, fmt.Errorf("parallel_v1: k must be positive, got %d", q.K)
	}
	start := time.Now()

	hits, err := embedAndSearch(ctx, s.embedder, s.store, q.Text, q.K*fetchMultiplier, q.Filters, s.subQueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("parallel_v1 search: %w", err)
	}

	results := truncateResults(hitsToResults(hits, datatypes.StrategyParallelV1), q.K)

	metrics := Metrics{
		Strategy:   datatypes.StrategyParallelV1,
		LatencyMs:  time.Since(start).Milliseconds(),
		NumResults: len(results),
	}
	if len(results) > 0 {
		metrics.TopScore = results[0].Score
	}

	return &StrategyResult{Results: results, Metrics: metrics}, nil
}
