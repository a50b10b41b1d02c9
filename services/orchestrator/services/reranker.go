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
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lagrumai/lagrum/services/llm"
	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
)

const (
	defaultRerankTopM    = 20
	defaultRerankTimeout = 10 * time.Second
	rerankMaxTokens      = 1024
	rerankDocMaxRunes    = 500
)

// RerankConfig controls the optional cross-encoder rerank stage.
type RerankConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	TopM    int           `json:"top_m" yaml:"top_m"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultRerankConfig returns the production defaults: reranking off,
// twenty candidates when it is on.
func DefaultRerankConfig() RerankConfig {
	return RerankConfig{TopM: defaultRerankTopM, Timeout: defaultRerankTimeout}
}

// rankingDecision is one entry of the model's ranking response.
type rankingDecision struct {
	Index     int    `json:"index"`
	Relevance int    `json:"relevance"`
	Reason    string `json:"reason,omitempty"`
}

// Reranker re-scores retrieved chunks with an LLM judged over
// (query, text) pairs.
//
// # Description
//
// Vector similarity ranks by embedding distance; the reranker re-reads the
// actual text and often promotes the chunk that answers the question over
// the chunk that merely resembles it. It is strictly best-effort: any
// failure, from the LLM call to the response parse, falls back to the
// original order so a broken model can never lose retrieved evidence.
// Every SearchResult field except Score survives reranking unchanged.
type Reranker struct {
	client llm.LLMClient
	config RerankConfig
}

// NewReranker builds a Reranker. Zero config fields fall back to defaults.
func NewReranker(client llm.LLMClient, config RerankConfig) *Reranker {
	if config.TopM <= 0 {
		config.TopM = defaultRerankTopM
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultRerankTimeout
	}
	return &Reranker{client: client, config: config}
}

// Rerank reorders results by model-judged relevance and returns the top k.
//
// # Inputs
//   - ctx: Cancellation; the LLM call additionally runs under the
//     configured rerank timeout.
//   - query: The (decontextualized) user question.
//   - results: Candidates in retrieval order. At most TopM are sent to the
//     model; the tail keeps its original position.
//   - k: Number of results to return. k <= 0 or k > len(results) means all.
//
// # Outputs
//   - []datatypes.SearchResult: Reranked (or, on any failure, original)
//     order truncated to k. Scores of reranked entries are the model's
//     relevance normalized to [0,1].
func (r *Reranker) Rerank(ctx context.Context, query string, results []datatypes.SearchResult, k int) []datatypes.SearchResult {
	if k <= 0 || k > len(results) {
		k = len(results)
	}
	if !r.config.Enabled || len(results) <= 1 {
		return results[:k]
	}

	toRank := results
	if len(toRank) > r.config.TopM {
		toRank = toRank[:r.config.TopM]
	}

	rerankCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	response, err := r.client.Generate(rerankCtx, buildRerankPrompt(query, toRank), llm.GenerationParams{
		Temperature: floatPtr(0),
		MaxTokens:   intPtr(rerankMaxTokens),
	})
	if err != nil {
		slog.Warn("rerank call failed, keeping retrieval order", "error", &LLMError{Op: "rerank", Err: err})
		return results[:k]
	}

	rankings, err := parseRankings(response, len(toRank))
	if err != nil {
		slog.Warn("rerank response unparseable, keeping retrieval order", "error", err)
		return results[:k]
	}

	reranked := make([]datatypes.SearchResult, 0, len(results))
	for _, decision := range rankings {
		doc := toRank[decision.Index]
		doc.Score = float64(decision.Relevance) / 10.0
		reranked = append(reranked, doc)
	}
	reranked = append(reranked, results[len(toRank):]...)
	return reranked[:k]
}

func buildRerankPrompt(query string, results []datatypes.SearchResult) string {
	var b strings.Builder
	b.WriteString("Du rangordnar dokumentutdrag efter relevans för en fråga om svensk förvaltning och lagstiftning.\n\n")
	fmt.Fprintf(&b, "Fråga: %s\n\nDokument:\n", query)
	for i, doc := range results {
		text := doc.Text
		if text == "" {
			text = doc.Snippet
		}
		fmt.Fprintf(&b, "\n[%d] %s\n%s\n", i, doc.Title, clipRunes(text, rerankDocMaxRunes))
	}
	b.WriteString("\nGe varje dokument en relevanspoäng från 1 till 10, där 10 är mest relevant. ")
	b.WriteString("Svara ENBART med en JSON-lista, sorterad från mest till minst relevant:\n")
	b.WriteString(`[{"index": 0, "relevance": 9, "reason": "kort motivering"}]`)
	return b.String()
}

// parseRankings extracts and repairs the model's ranking list. Indices out
// of range or repeated are dropped; indices the model forgot are appended
// with minimum relevance so no document is lost. The returned list is
// sorted by relevance, ties keeping their listed order.
func parseRankings(response string, numResults int) ([]rankingDecision, error) {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array in rerank response")
	}

	var rankings []rankingDecision
	if err := json.Unmarshal([]byte(response[start:end+1]), &rankings); err != nil {
		return nil, fmt.Errorf("unmarshal rerank response: %w", err)
	}

	seen := make(map[int]bool, numResults)
	valid := make([]rankingDecision, 0, numResults)
	for _, ranking := range rankings {
		if ranking.Index < 0 || ranking.Index >= numResults || seen[ranking.Index] {
			continue
		}
		seen[ranking.Index] = true
		if ranking.Relevance < 1 {
			ranking.Relevance = 1
		}
		if ranking.Relevance > 10 {
			ranking.Relevance = 10
		}
		valid = append(valid, ranking)
	}
	for i := 0; i < numResults; i++ {
		if !seen[i] {
			valid = append(valid, rankingDecision{Index: i, Relevance: 1})
		}
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Relevance > valid[j].Relevance
	})
	return valid, nil
}
