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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
)

// result builds a search result for signal tests.
func result(id, title, text string, score float64, docType, source string) datatypes.SearchResult {
	return datatypes.SearchResult{
		ID:      id,
		Title:   title,
		Snippet: text,
		Text:    text,
		Score:   score,
		DocType: docType,
		Source:  source,
	}
}

// TestCalculateConfidenceEmptyResults verifies the zero-result floor:
// only the neutral must_include term and the distinctness term remain.
func TestCalculateConfidenceEmptyResults(t *testing.T) {
	signals := CalculateConfidence(nil, nil, Metrics{}, 0)

	assert.Equal(t, 0.0, signals.TopScore, "No results means no top score")
	assert.Equal(t, 0.0, signals.Margin, "No results means no margin")
	assert.Equal(t, 1.0, signals.MustIncludeHitRate, "Empty must_include is a full hit rate")
	assert.Equal(t, 0.0, signals.NearDuplicateRatio, "No results means no duplicates")
	assert.Equal(t, 0, signals.UniqueSources, "No results means no sources")
	assert.InDelta(t, 0.40, signals.OverallConfidence, 1e-9,
		"Only the must_include and distinctness weights should contribute")
	assert.Equal(t, TierLow, signals.ConfidenceTier, "0.40 lands in the low tier")
}

// TestCalculateConfidenceSingleResult verifies the one-result margin
// rule: the single hit's similarity is its own margin.
func TestCalculateConfidenceSingleResult(t *testing.T) {
	results := []datatypes.SearchResult{
		result("d1", "Förvaltningslag", "text", 0.9, "lag", "src-1"),
	}

	signals := CalculateConfidence(results, nil, Metrics{}, 1)

	assert.Equal(t, 0.9, signals.TopScore, "Top score is the single hit's score")
	assert.Equal(t, 0.9, signals.Margin, "A single result's margin is its similarity")
	assert.Equal(t, 1, signals.UniqueSources, "One source")
}

// TestCalculateConfidenceMargin verifies the normalized spread formula.
func TestCalculateConfidenceMargin(t *testing.T) {
	results := []datatypes.SearchResult{
		result("d1", "A", "text", 0.9, "lag", "s1"),
		result("d2", "B", "text", 0.8, "lag", "s2"),
		result("d3", "C", "text", 0.5, "lag", "s3"),
	}

	signals := CalculateConfidence(results, nil, Metrics{}, 3)
	assert.InDelta(t, 0.25, signals.Margin, 1e-9, "(0.9-0.8)/(0.9-0.5) = 0.25")
}

// TestCalculateConfidenceFlatScores verifies a zero spread yields zero
// margin rather than dividing by zero.
func TestCalculateConfidenceFlatScores(t *testing.T) {
	results := []datatypes.SearchResult{
		result("d1", "A", "text", 0.7, "lag", "s1"),
		result("d2", "B", "text", 0.7, "lag", "s2"),
	}

	signals := CalculateConfidence(results, nil, Metrics{}, 2)
	assert.Equal(t, 0.0, signals.Margin, "Identical scores mean no margin")
}

// TestCalculateConfidenceMustInclude verifies token matching across
// text, title and snippet, case-insensitively.
func TestCalculateConfidenceMustInclude(t *testing.T) {
	results := []datatypes.SearchResult{
		result("d1", "Förvaltningslag (2017:900)", "Om jäv och handläggning.", 0.9, "lag", "s1"),
		result("d2", "Kommunallag", "Övriga bestämmelser.", 0.7, "lag", "s2"),
	}

	signals := CalculateConfidence(results, []string{"2017:900", "JÄV", "1998:204"}, Metrics{}, 2)
	assert.InDelta(t, 2.0/3.0, signals.MustIncludeHitRate, 1e-9,
		"Two of three tokens appear: one in a title, one in text despite case")
}

// TestCalculateConfidenceNearDuplicates verifies the title-prefix
// duplicate counting against higher-ranked results.
func TestCalculateConfidenceNearDuplicates(t *testing.T) {
	prefix := strings.Repeat("a", nearDuplicateTitlePrefix)
	results := []datatypes.SearchResult{
		result("d1", prefix+" kapitel 1", "text", 0.9, "lag", "s1"),
		result("d2", prefix+" kapitel 2", "text", 0.8, "lag", "s1"),
		result("d3", "Helt annan titel", "text", 0.7, "lag", "s2"),
	}

	signals := CalculateConfidence(results, nil, Metrics{}, 3)
	assert.InDelta(t, 1.0/3.0, signals.NearDuplicateRatio, 1e-9,
		"One of three results repeats a higher-ranked title prefix")
	assert.Equal(t, 2, signals.UniqueSources, "Distinct (doc_type, source) pairs")
}

// TestCalculateConfidenceShortTitlesNotDuplicates verifies short but
// distinct titles do not collide.
func TestCalculateConfidenceShortTitlesNotDuplicates(t *testing.T) {
	results := []datatypes.SearchResult{
		result("d1", "GDPR", "text", 0.9, "lag", "s1"),
		result("d2", "OSL", "text", 0.8, "lag", "s2"),
	}

	signals := CalculateConfidence(results, nil, Metrics{}, 2)
	assert.Equal(t, 0.0, signals.NearDuplicateRatio, "Distinct short titles are not duplicates")
}

// TestCalculateConfidenceNegativeFusionGain verifies a negative gain is
// reported raw but contributes zero to the weighted sum.
func TestCalculateConfidenceNegativeFusionGain(t *testing.T) {
	results := []datatypes.SearchResult{
		result("d1", "A", "text", 0.8, "lag", "s1"),
	}
	gain := -0.3
	overlap := 0.5
	metrics := Metrics{FusionGain: &gain, OverlapRatio: &overlap}

	signals := CalculateConfidence(results, nil, metrics, 1)

	assert.Equal(t, -0.3, signals.FusionGain, "The raw gain should be reported")
	assert.Equal(t, 0.5, signals.OverlapRatio, "The overlap ratio should carry through")

	// 0.30*1 + 0.25*0.8 + 0.15*0.8 + 0.10*0 + 0.10*1 + 0.10*1
	assert.InDelta(t, 0.82, signals.OverallConfidence, 1e-9,
		"A negative gain should contribute nothing, not a penalty")
}

// TestCalculateConfidenceWeightedSum pins the full formula on a
// hand-computed example.
func TestCalculateConfidenceWeightedSum(t *testing.T) {
	results := []datatypes.SearchResult{
		result("d1", "Dataskydd hos myndigheter", "GDPR artikel 6 reglerar laglig behandling.", 0.9, "forordning", "s1"),
		result("d2", "Personuppgiftsansvar", "Om ansvar.", 0.8, "vagledning", "s2"),
		result("d3", "Registerförfattningar", "Om register.", 0.5, "lag", "s3"),
	}
	gain := 0.2
	metrics := Metrics{FusionGain: &gain}

	signals := CalculateConfidence(results, []string{"GDPR"}, metrics, 3)

	// 0.30*1 + 0.25*0.9 + 0.15*0.25 + 0.10*0.2 + 0.10*1 + 0.10*1
	assert.InDelta(t, 0.7825, signals.OverallConfidence, 1e-9, "Weighted sum should match")
	assert.Equal(t, TierHigh, signals.ConfidenceTier, "0.7825 is high confidence")
}

// TestTierThresholds pins the tier boundaries.
func TestTierThresholds(t *testing.T) {
	tests := []struct {
		overall float64
		want    string
	}{
		{0.95, TierHigh},
		{0.70, TierHigh},
		{0.69, TierMedium},
		{0.50, TierMedium},
		{0.49, TierLow},
		{0.30, TierLow},
		{0.29, TierVeryLow},
		{0.0, TierVeryLow},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tierFor(tt.overall), "Tier for %.2f", tt.overall)
	}
}

// TestCalculateConfidenceIsPure verifies the calculator does not mutate
// its inputs.
func TestCalculateConfidenceIsPure(t *testing.T) {
	results := []datatypes.SearchResult{
		result("d1", "A", "text", 0.9, "lag", "s1"),
		result("d2", "B", "text", 0.8, "lag", "s2"),
	}
	mustInclude := []string{"token"}

	before := make([]datatypes.SearchResult, len(results))
	copy(before, results)

	_ = CalculateConfidence(results, mustInclude, Metrics{}, 2)

	require.Equal(t, before, results, "Results must not be mutated")
	require.Equal(t, []string{"token"}, mustInclude, "Tokens must not be mutated")
}
