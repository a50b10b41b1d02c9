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
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
	"github.com/lagrumai/lagrum/services/orchestrator/vectorstore"
)

// RewriteConfig holds paraphrase-generation knobs shared by the
// rewriting strategies.
type RewriteConfig struct {
	// Variations is the number of paraphrases to request.
	// Default: 3
	Variations int

	// MaxTokens bounds the paraphrase response.
	// Default: 256
	MaxTokens int

	// Timeout is the paraphrase call budget. On expiry the strategy
	// falls back to single-query retrieval.
	// Default: 3s
	Timeout time.Duration
}

// DefaultRewriteConfig returns the default paraphrase configuration.
func DefaultRewriteConfig() RewriteConfig {
	return RewriteConfig{
		Variations: 3,
		MaxTokens:  256,
		Timeout:    3 * time.Second,
	}
}

// RewriteV1 generates LLM paraphrases of the question, retrieves for
// each in parallel, and merges the result lists by document id keeping
// the maximum score per document.
//
// When paraphrase generation fails or exceeds its budget, the strategy
// degrades to single-query retrieval and marks rewrite_failed in its
// metrics. A degraded answer beats no answer here.
type RewriteV1 struct {
	store           vectorstore.Store
	embedder        Embedder
	generate        GenerateFunc
	config          RewriteConfig
	subQueryTimeout time.Duration
}

var _ Strategy = (*RewriteV1)(nil)

// NewRewriteV1 builds the rewriting strategy.
//
// # Inputs
//   - store: vector store to search
//   - embedder: embedding provider for paraphrases
//   - generate: LLM completion function for paraphrase generation
//   - config: paraphrase knobs (zero values take defaults)
//
// # Outputs
//   - *RewriteV1: ready to serve Search calls
func NewRewriteV1(store vectorstore.Store, embedder Embedder, generate GenerateFunc, config RewriteConfig) *RewriteV1 {
	if config.Variations <= 0 {
		config.Variations = DefaultRewriteConfig().Variations
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = DefaultRewriteConfig().MaxTokens
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultRewriteConfig().Timeout
	}
	return &RewriteV1{
		store:           store,
		embedder:        embedder,
		generate:        generate,
		config:          config,
		subQueryTimeout: defaultSubQueryTimeout,
	}
}

// Name returns the strategy tag.
func (s *RewriteV1) Name() datatypes.RetrievalStrategy {
	return datatypes.StrategyRewriteV1
}

// Search paraphrases q.Text, retrieves top-k per paraphrase, and
// returns the top-k of the max-score merge.
func (s *RewriteV1) Search(ctx context.Context, q Query) (*StrategyResult, error) {
	ctx, span := tracer.Start(ctx, "retrieval.rewrite_v1")
	defer span.End()

	if q.K <= 0 {
		return nil, fmt.Errorf("rewrite_v1: k must be positive, got %d", q.K)
	}
	start := time.Now()

	paraphrases, err := generateParaphrases(ctx, s.generate, q.Text, s.config)
	if err != nil {
		// Degrade to the original question as a single query.
		hits, searchErr := embedAndSearch(ctx, s.embedder, s.store, q.Text, q.K*fetchMultiplier, q.Filters, s.subQueryTimeout)
		if searchErr != nil {
			return nil, fmt.Errorf("rewrite_v1 fallback search: %w", searchErr)
		}
		results := truncateResults(hitsToResults(hits, datatypes.StrategyRewriteV1), q.K)

		metrics := Metrics{
			Strategy:      datatypes.StrategyRewriteV1,
			LatencyMs:     time.Since(start).Milliseconds(),
			NumResults:    len(results),
			RewriteFailed: true,
		}
		if len(results) > 0 {
			metrics.TopScore = results[0].Score
		}
		return &StrategyResult{Results: results, Metrics: metrics}, nil
	}

	perQuery, err := searchPerQuery(ctx, s.embedder, s.store, paraphrases, q.K, q.Filters, s.subQueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("rewrite_v1 search: %w", err)
	}

	merged := mergeMaxScore(perQuery, datatypes.StrategyRewriteV1)
	results := truncateResults(merged, q.K)

	metrics := Metrics{
		Strategy:   datatypes.StrategyRewriteV1,
		LatencyMs:  time.Since(start).Milliseconds(),
		NumResults: len(results),
	}
	if len(results) > 0 {
		metrics.TopScore = results[0].Score
	}

	return &StrategyResult{Results: results, Metrics: metrics}, nil
}

// =============================================================================
// Paraphrase Generation
// =============================================================================

// generateParaphrases asks the LLM for config.Variations rewordings of
// the question, each preserving meaning and any statute references.
func generateParaphrases(ctx context.Context, generate GenerateFunc, question string, config RewriteConfig) ([]string, error) {
	if generate == nil {
		return nil, fmt.Errorf("no generate function configured")
	}

	ctx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	prompt := buildParaphrasePrompt(question, config.Variations)
	response, err := generate(ctx, prompt, config.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("paraphrase LLM call failed: %w", err)
	}

	queries, err := parseParaphraseResponse(response, config.Variations)
	if err != nil {
		return nil, fmt.Errorf("failed to parse paraphrase response: %w", err)
	}
	return queries, nil
}

// buildParaphrasePrompt creates the paraphrase prompt. The instruction
// keeps statute references verbatim so retrieval does not lose them.
func buildParaphrasePrompt(question string, n int) string {
	return fmt.Sprintf(`Du skriver om sökfrågor för ett system som söker i svensk förvaltningstext.

Skriv om följande fråga till %d olika formuleringar som behåller exakt samma innebörd men varierar ordval, synonymer och perspektiv. Behåll alla författningshänvisningar (t.ex. SFS-nummer och paragrafer) oförändrade.

Fråga: %s

Svara ENBART med JSON i formatet:
{"queries": ["omformulering 1", "omformulering 2", "omformulering 3"]}`, n, question)
}

// parseParaphraseResponse extracts the queries array from the LLM
// response, tolerating prose or code fences around the JSON.
func parseParaphraseResponse(response string, maxQueries int) ([]string, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no valid JSON found in response")
	}

	var result struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(response[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	queries := make([]string, 0, len(result.Queries))
	for _, raw := range result.Queries {
		query := strings.TrimSpace(raw)
		if query == "" {
			continue
		}
		queries = append(queries, query)
		if len(queries) == maxQueries {
			break
		}
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("no queries in response")
	}
	return queries, nil
}

// =============================================================================
// Fan-Out and Merge
// =============================================================================

// searchPerQuery retrieves top-k hits for each query concurrently,
// capped at maxFanOut in-flight sub-queries. Any sub-query failure
// after its retry fails the whole fan-out.
func searchPerQuery(ctx context.Context, embedder Embedder, store vectorstore.Store,
	queries []string, k int, filters vectorstore.Filters, timeout time.Duration) ([][]vectorstore.Hit, error) {

	perQuery := make([][]vectorstore.Hit, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFanOut)
	for i, query := range queries {
		g.Go(func() error {
			hits, err := embedAndSearch(gctx, embedder, store, query, k, filters, timeout)
			if err != nil {
				return fmt.Errorf("sub-query %d: %w", i, err)
			}
			perQuery[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return perQuery, nil
}

// mergeMaxScore merges per-query hit lists by document id, keeping the
// maximum score per document, and returns them ranked by merged score.
// Ties break on document id for determinism.
func mergeMaxScore(perQuery [][]vectorstore.Hit, tag datatypes.RetrievalStrategy) []datatypes.SearchResult {
	best := make(map[string]vectorstore.Hit)
	for _, hits := range perQuery {
		for _, h := range hits {
			if prev, ok := best[h.ID]; !ok || h.Score > prev.Score {
				best[h.ID] = h
			}
		}
	}

	merged := make([]vectorstore.Hit, 0, len(best))
	for _, h := range best {
		merged = append(merged, h)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID < merged[j].ID
	})

	return hitsToResults(merged, tag)
}
