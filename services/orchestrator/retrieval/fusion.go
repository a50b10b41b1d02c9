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
	"sort"
	"time"

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
	"github.com/lagrumai/lagrum/services/orchestrator/vectorstore"
)

// rrfConstant is the c in 1/(c+rank). 60 is the value from the original
// reciprocal rank fusion paper and is not configurable.
const rrfConstant = 60.0

// RAGFusion rewrites the question into paraphrases, retrieves top-k per
// paraphrase, and fuses the ranked lists with reciprocal rank fusion:
//
//	fused_score(d) = Σ_q 1/(rrfConstant + rank_q(d))
//
// Fused order decides the ranking; each document keeps its best native
// similarity as Score so downstream confidence math stays on the [0,1]
// similarity scale. The original question is retrieved once as a naive
// baseline to measure fusion_gain.
type RAGFusion struct {
	store           vectorstore.Store
	embedder        Embedder
	generate        GenerateFunc
	config          RewriteConfig
	subQueryTimeout time.Duration
}

var _ Strategy = (*RAGFusion)(nil)

// NewRAGFusion builds the fusion strategy.
//
// # Inputs
//   - store: vector store to search
//   - embedder: embedding provider for paraphrases
//   - generate: LLM completion function for paraphrase generation
//   - config: paraphrase knobs (zero values take defaults)
//
// # Outputs
//   - *RAGFusion: ready to serve Search calls
func NewRAGFusion(store vectorstore.Store, embedder Embedder, generate GenerateFunc, config RewriteConfig) *RAGFusion {
	if config.Variations <= 0 {
		config.Variations = DefaultRewriteConfig().Variations
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultRewriteConfig().MaxTokens
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultRewriteConfig().Timeout
	}
	return &RAGFusion{
		store:           store,
		embedder:        embedder,
		generate:        generate,
		config:          config,
		subQueryTimeout: defaultSubQueryTimeout,
	}
}

// Name returns the strategy tag.
func (s *RAGFusion) Name() datatypes.RetrievalStrategy {
	return datatypes.StrategyRAGFusion
}

// Search runs fusion with the configured number of paraphrases.
func (s *RAGFusion) Search(ctx context.Context, q Query) (*StrategyResult, error) {
	return s.searchWithParams(ctx, q, s.config.Variations, q.K)
}

// searchWithParams is the parameterized core shared with the adaptive
// ladder: numQueries paraphrases, fetchK results per sub-query, final
// list truncated to q.K.
func (s *RAGFusion) searchWithParams(ctx context.Context, q Query, numQueries, fetchK int) (*StrategyResult, error) {
	ctx, span := tracer.Start(ctx, "retrieval.rag_fusion")
	defer span.End()

	if q.K <= 0 {
		return nil, fmt.Errorf("rag_fusion: k must be positive, got %d", q.K)
	}
	if fetchK < q.K {
		fetchK = q.K
	}
	start := time.Now()

	config := s.config
	config.Variations = numQueries
	paraphrases, err := generateParaphrases(ctx, s.generate, q.Text, config)
	if err != nil {
		// Degrade to the original question as a single query.
		hits, searchErr := embedAndSearch(ctx, s.embedder, s.store, q.Text, fetchK*fetchMultiplier, q.Filters, s.subQueryTimeout)
		if searchErr != nil {
			return nil, fmt.Errorf("rag_fusion fallback search: %w", searchErr)
		}
		results := truncateResults(hitsToResults(hits, datatypes.StrategyRAGFusion), q.K)

		metrics := Metrics{
			Strategy:      datatypes.StrategyRAGFusion,
			LatencyMs:     time.Since(start).Milliseconds(),
			NumResults:    len(results),
			RewriteFailed: true,
		}
		if len(results) > 0 {
			metrics.TopScore = results[0].Score
		}
		return &StrategyResult{Results: results, Metrics: metrics}, nil
	}

	// Index 0 is the original question: its top hit is the naive
	// baseline for fusion_gain. The paraphrase lists feed the fusion.
	queries := append([]string{q.Text}, paraphrases...)
	perQuery, err := searchPerQuery(ctx, s.embedder, s.store, queries, fetchK, q.Filters, s.subQueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("rag_fusion search: %w", err)
	}
	naive, perParaphrase := perQuery[0], perQuery[1:]

	fused := fuseRRF(perParaphrase, datatypes.StrategyRAGFusion)
	results := truncateResults(fused, q.K)

	topNaive := 0.0
	if len(naive) > 0 {
		topNaive = naive[0].Score
	}
	topFused := 0.0
	if len(results) > 0 {
		topFused = results[0].Score
	}
	gain := topFused - topNaive
	overlap := overlapRatio(perParaphrase, q.K)

	metrics := Metrics{
		Strategy:     datatypes.StrategyRAGFusion,
		TopScore:     topFused,
		LatencyMs:    time.Since(start).Milliseconds(),
		NumResults:   len(results),
		FusionGain:   &gain,
		OverlapRatio: &overlap,
	}

	return &StrategyResult{Results: results, Metrics: metrics}, nil
}

// fuseRRF merges ranked hit lists with reciprocal rank fusion. Ranks
// are 1-based within each list. A document's Score is its best native
// similarity across the lists it appears in; the fused score only
// decides ordering. Ties break on document id.
func fuseRRF(perQuery [][]vectorstore.Hit, tag datatypes.RetrievalStrategy) []datatypes.SearchResult {
	type fusedDoc struct {
		hit   vectorstore.Hit
		score float64
	}

	docs := make(map[string]*fusedDoc)
	for _, hits := range perQuery {
		for rank, h := range hits {
			doc, ok := docs[h.ID]
			if !ok {
				doc = &fusedDoc{hit: h}
				docs[h.ID] = doc
			}
			doc.score += 1.0 / (rrfConstant + float64(rank+1))
			if h.Score > doc.hit.Score {
				doc.hit = h
			}
		}
	}

	ordered := make([]*fusedDoc, 0, len(docs))
	for _, doc := range docs {
		ordered = append(ordered, doc)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		return ordered[i].hit.ID < ordered[j].hit.ID
	})

	hits := make([]vectorstore.Hit, 0, len(ordered))
	for _, doc := range ordered {
		hits = append(hits, doc.hit)
	}
	return hitsToResults(hits, tag)
}

// overlapRatio measures how much the per-query top-k sets agree: the
// size of their intersection divided by k. High overlap means the
// paraphrases found the same documents.
func overlapRatio(perQuery [][]vectorstore.Hit, k int) float64 {
	if len(perQuery) == 0 || k <= 0 {
		return 0
	}

	intersection := make(map[string]bool)
	for i, hits := range perQuery {
		top := hits
		if len(top) > k {
			top = top[:k]
		}
		ids := make(map[string]bool, len(top))
		for _, h := range top {
			ids[h.ID] = true
		}
		if i == 0 {
			intersection = ids
			continue
		}
		for id := range intersection {
			if !ids[id] {
				delete(intersection, id)
			}
		}
	}

	ratio := float64(len(intersection)) / float64(k)
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}
