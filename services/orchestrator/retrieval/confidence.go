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
	"strings"

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
)

// Confidence tiers, from overall_confidence thresholds.
const (
	TierHigh    = "high"   // >= 0.7
	TierMedium  = "medium" // >= 0.5
	TierLow     = "low"    // >= 0.3
	TierVeryLow = "very_low"
)

// nearDuplicateTitlePrefix is the title-prefix length compared when
// counting near-duplicate results.
const nearDuplicateTitlePrefix = 40

// Signal weights for overall_confidence. They sum to 1.0.
const (
	weightMustInclude  = 0.30
	weightTopScore     = 0.25
	weightMargin       = 0.15
	weightFusionGain   = 0.10
	weightDistinctness = 0.10
	weightSourceSpread = 0.10
)

// ConfidenceSignals quantifies how trustworthy a retrieval set looks
// before any LLM sees it. The adaptive ladder escalates on these, and
// the pipeline records them next to the answer.
type ConfidenceSignals struct {
	TopScore           float64 `json:"top_score"`
	Margin             float64 `json:"margin"`
	MustIncludeHitRate float64 `json:"must_include_hit_rate"`
	FusionGain         float64 `json:"fusion_gain"`
	OverlapRatio       float64 `json:"overlap_ratio"`
	NearDuplicateRatio float64 `json:"near_duplicate_ratio"`
	UniqueSources      int     `json:"unique_sources"`
	OverallConfidence  float64 `json:"overall_confidence"`
	ConfidenceTier     string  `json:"confidence_tier"`
}

// CalculateConfidence derives signals from a ranked result list. Pure
// function: no I/O, no randomness.
//
// # Description
//
// The signals:
//   - top_score: score of the rank-1 result, 0 when empty.
//   - margin: (top1 − top2) / (top1 − topN). A single result scores
//     its own similarity; a zero spread scores 0.
//   - must_include_hit_rate: fraction of required tokens appearing
//     case-insensitively in any result's text, title or snippet.
//     1.0 when must_include is empty.
//   - near_duplicate_ratio: fraction of results whose title prefix
//     (first 40 characters) matches a higher-ranked result.
//   - unique_sources: distinct (doc_type, source) pairs.
//
// overall_confidence is the weighted sum of the signals with every
// term clamped to [0,1] first. fusion_gain enters normalized the same
// way, so a negative gain contributes zero rather than a penalty.
//
// # Inputs
//   - results: ranked retrieval results
//   - mustInclude: tokens the caller requires retrieval to surface
//   - metrics: the producing strategy's telemetry (fusion fields used)
//   - k: the requested result count, for the source-spread term
//
// # Outputs
//   - ConfidenceSignals: all signals plus overall score and tier
func CalculateConfidence(results []datatypes.SearchResult, mustInclude []string, metrics Metrics, k int) ConfidenceSignals {
	signals := ConfidenceSignals{
		TopScore:           topScore(results),
		Margin:             scoreMargin(results),
		MustIncludeHitRate: mustIncludeHitRate(results, mustInclude),
		NearDuplicateRatio: nearDuplicateRatio(results),
		UniqueSources:      uniqueSources(results),
	}
	if metrics.FusionGain != nil {
		signals.FusionGain = *metrics.FusionGain
	}
	if metrics.OverlapRatio != nil {
		signals.OverlapRatio = *metrics.OverlapRatio
	}

	if k <= 0 {
		k = len(results)
	}
	sourceSpread := 0.0
	if k > 0 {
		sourceSpread = float64(signals.UniqueSources) / float64(k)
	}

	signals.OverallConfidence = weightMustInclude*clamp01(signals.MustIncludeHitRate) +
		weightTopScore*clamp01(signals.TopScore) +
		weightMargin*clamp01(signals.Margin) +
		weightFusionGain*clamp01(signals.FusionGain) +
		weightDistinctness*clamp01(1-signals.NearDuplicateRatio) +
		weightSourceSpread*clamp01(sourceSpread)
	signals.ConfidenceTier = tierFor(signals.OverallConfidence)

	return signals
}

func tierFor(overall float64) string {
	switch {
	case overall >= 0.7:
		return TierHigh
	case overall >= 0.5:
		return TierMedium
	case overall >= 0.3:
		return TierLow
	default:
		return TierVeryLow
	}
}

func topScore(results []datatypes.SearchResult) float64 {
	if len(results) == 0 {
		return 0
	}
	return results[0].Score
}

// scoreMargin measures how far the top result stands out from the
// rest of the list. One single result is its own evidence, so it
// scores its similarity.
func scoreMargin(results []datatypes.SearchResult) float64 {
	n := len(results)
	if n == 0 {
		return 0
	}
	top1 := results[0].Score
	if n == 1 {
		return top1
	}
	spread := top1 - results[n-1].Score
	if spread <= 0 {
		return 0
	}
	return (top1 - results[1].Score) / spread
}

// mustIncludeHitRate checks each required token against the text,
// title and snippet of every result, case-insensitively.
func mustIncludeHitRate(results []datatypes.SearchResult, mustInclude []string) float64 {
	if len(mustInclude) == 0 {
		return 1.0
	}

	haystacks := make([]string, 0, len(results))
	for _, r := range results {
		haystacks = append(haystacks, strings.ToLower(r.Text+"\n"+r.Title+"\n"+r.Snippet))
	}

	hits := 0
	for _, token := range mustInclude {
		needle := strings.ToLower(strings.TrimSpace(token))
		if needle == "" {
			hits++
			continue
		}
		for _, haystack := range haystacks {
			if strings.Contains(haystack, needle) {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(mustInclude))
}

// nearDuplicateRatio counts results whose title prefix collides with a
// higher-ranked result. Chunked statutes share titles, so a high ratio
// means the list is one document repeated, not corroboration.
func nearDuplicateRatio(results []datatypes.SearchResult) float64 {
	if len(results) == 0 {
		return 0
	}

	seen := make(map[string]bool, len(results))
	duplicates := 0
	for _, r := range results {
		prefix := titlePrefix(r.Title)
		if seen[prefix] {
			duplicates++
			continue
		}
		seen[prefix] = true
	}
	return float64(duplicates) / float64(len(results))
}

func titlePrefix(title string) string {
	runes := []rune(title)
	if len(runes) > nearDuplicateTitlePrefix {
		runes = runes[:nearDuplicateTitlePrefix]
	}
	return string(runes)
}

func uniqueSources(results []datatypes.SearchResult) int {
	type key struct{ docType, source string }
	seen := make(map[key]bool, len(results))
	for _, r := range results {
		seen[key{r.DocType, r.Source}] = true
	}
	return len(seen)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
