// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval implements the retrieval strategies of the answer
// pipeline.
//
// Four strategies share one contract: parallel_v1 (single query, wide
// fetch), rewrite_v1 (LLM paraphrases, merge by max score), rag_fusion
// (reciprocal rank fusion across paraphrases), and adaptive (an
// escalation ladder over rag_fusion). The orchestrator holds a map from
// strategy tag to implementation and never constructs strategies
// per-request.
package retrieval

import (
	"context"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
	"github.com/lagrumai/lagrum/services/orchestrator/vectorstore"
)

var tracer = otel.Tracer("lagrum.orchestrator.retrieval")

const (
	// snippetMaxChars bounds the display excerpt derived from chunk text.
	snippetMaxChars = 200

	// defaultSubQueryTimeout bounds each embed+search pair.
	defaultSubQueryTimeout = 10 * time.Second

	// maxFanOut caps concurrent sub-retrievals within one request.
	maxFanOut = 8

	// retrievalRetryDelay is the pause before the single retry of a
	// failed store or embedding call.
	retrievalRetryDelay = 500 * time.Millisecond
)

// =============================================================================
// Strategy Contract
// =============================================================================

// Query is one retrieval request as the orchestrator hands it down.
type Query struct {
	// Text is the (possibly decontextualized) question.
	Text string

	// K is the number of results the caller wants back.
	K int

	// MustInclude lists tokens retrieval is expected to surface, used
	// for confidence signals only. Never filters results.
	MustInclude []string

	// Filters restricts the searched corpus slice.
	Filters vectorstore.Filters
}

// Metrics is per-retrieval telemetry. Diagnostic only; never serialized
// to callers.
type Metrics struct {
	Strategy   datatypes.RetrievalStrategy `json:"strategy"`
	TopScore   float64                     `json:"top_score"`
	LatencyMs  int64                       `json:"latency_ms"`
	NumResults int                         `json:"num_results"`

	// FusionGain and OverlapRatio are set by fusion strategies only.
	FusionGain   *float64 `json:"fusion_gain,omitempty"`
	OverlapRatio *float64 `json:"overlap_ratio,omitempty"`

	// RewriteFailed marks the parallel_v1 fallback inside rewrite_v1.
	RewriteFailed bool `json:"rewrite_failed,omitempty"`

	// Escalation fields are set by the adaptive strategy only.
	EscalationPath    []string `json:"escalation_path,omitempty"`
	FinalStep         string   `json:"final_step,omitempty"`
	FallbackTriggered bool     `json:"fallback_triggered,omitempty"`
}

// StrategyResult bundles retrieved chunks with their telemetry.
type StrategyResult struct {
	Results []datatypes.SearchResult
	Metrics Metrics

	// Signals is populated by the adaptive strategy for the step whose
	// results are returned.
	Signals *ConfidenceSignals
}

// Strategy is the common retrieval contract.
//
// Search must observe ctx cancellation at every suspension point and
// must not return partial results on cancellation.
type Strategy interface {
	Name() datatypes.RetrievalStrategy
	Search(ctx context.Context, q Query) (*StrategyResult, error)
}

// GenerateFunc asks an LLM for a completion, used by the rewriting
// strategies. Implementations enforce their own token limits.
type GenerateFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

// =============================================================================
// Shared Helpers
// =============================================================================

// hitsToResults maps raw store hits to pipeline results, deriving the
// display snippet from the chunk text.
func hitsToResults(hits []vectorstore.Hit, tag datatypes.RetrievalStrategy) []datatypes.SearchResult {
	results := make([]datatypes.SearchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, datatypes.SearchResult{
			ID:           h.ID,
			Title:        h.Payload.Title,
			Snippet:      makeSnippet(h.Payload.Content),
			Text:         h.Payload.Content,
			Score:        h.Score,
			Source:       h.Payload.Source,
			DocType:      h.Payload.DocType,
			Date:         h.Payload.Date,
			RetrieverTag: string(tag),
		})
	}
	return results
}

// makeSnippet returns the first snippetMaxChars characters of text,
// rune-safe, with an ellipsis when truncated.
func makeSnippet(text string) string {
	if utf8.RuneCountInString(text) <= snippetMaxChars {
		return text
	}
	runes := []rune(text)
	return string(runes[:snippetMaxChars]) + "…"
}

// truncateResults bounds a ranked result list to k.
func truncateResults(results []datatypes.SearchResult, k int) []datatypes.SearchResult {
	if len(results) <= k {
		return results
	}
	return results[:k]
}

// embedAndSearch runs one embed+search pair under its own timeout, with
// a single retry on failure. Store and embedding calls are idempotent,
// so the retry is safe.
func embedAndSearch(ctx context.Context, embedder Embedder, store vectorstore.Store,
	text string, k int, filters vectorstore.Filters, timeout time.Duration) ([]vectorstore.Hit, error) {

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retrievalRetryDelay):
			}
		}

		hits, err := func() ([]vectorstore.Hit, error) {
			subCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			vector, err := embedder.Embed(subCtx, text)
			if err != nil {
				return nil, err
			}
			return store.Search(subCtx, vector, k, filters)
		}()
		if err == nil {
			return hits, nil
		}
		lastErr = err

		// Do not retry a cancelled request.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// Embedder is the slice of embedding.Provider the strategies need.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
