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
	"math"
	"time"

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
)

// AdaptiveThresholds are the escalation triggers. A step's results are
// acceptable only when none of the triggers fire.
type AdaptiveThresholds struct {
	// MinTopScore escalates when the best hit scores below it.
	MinTopScore float64 `json:"min_top_score" yaml:"min_top_score"`

	// MinMargin escalates when the top hit does not stand out.
	MinMargin float64 `json:"min_margin" yaml:"min_margin"`

	// MinMustIncludeHitRate escalates when required tokens are missing.
	MinMustIncludeHitRate float64 `json:"min_must_include_hit_rate" yaml:"min_must_include_hit_rate"`

	// MaxNearDuplicateRatio escalates when the list is one document
	// repeated.
	MaxNearDuplicateRatio float64 `json:"max_near_duplicate_ratio" yaml:"max_near_duplicate_ratio"`
}

// DefaultAdaptiveThresholds returns the standard escalation triggers.
func DefaultAdaptiveThresholds() AdaptiveThresholds {
	return AdaptiveThresholds{
		MinTopScore:           0.3,
		MinMargin:             0.05,
		MinMustIncludeHitRate: 0.5,
		MaxNearDuplicateRatio: 0.7,
	}
}

// ladderStep is one rung of the escalation ladder.
type ladderStep struct {
	name        string
	numQueries  int
	kMultiplier float64
}

// The ladder is fixed: each rung widens the search, and exhausting it
// hands the request to the refusal path.
var defaultLadder = []ladderStep{
	{name: "A", numQueries: 2, kMultiplier: 1.0},
	{name: "B", numQueries: 2, kMultiplier: 2.0},
	{name: "C", numQueries: 3, kMultiplier: 2.0},
}

// refusalStep marks ladder exhaustion in the escalation path.
const refusalStep = "D"

// Adaptive runs the fusion strategy up an escalation ladder, scoring
// each step's results with ConfidenceSignals and stopping at the first
// acceptable step. A failed step is skipped, not fatal. When the whole
// ladder is exhausted, the best step's results are returned with
// FallbackTriggered set so the caller can refuse.
type Adaptive struct {
	fusion     *RAGFusion
	thresholds AdaptiveThresholds
}

var _ Strategy = (*Adaptive)(nil)

// NewAdaptive builds the escalating strategy on top of a fusion core.
//
// # Inputs
//   - fusion: the rag_fusion strategy the ladder parameterizes
//   - thresholds: escalation triggers (zero value takes defaults)
//
// # Outputs
//   - *Adaptive: ready to serve Search calls
func NewAdaptive(fusion *RAGFusion, thresholds AdaptiveThresholds) *Adaptive {
	if thresholds == (AdaptiveThresholds{}) {
		thresholds = DefaultAdaptiveThresholds()
	}
	return &Adaptive{fusion: fusion, thresholds: thresholds}
}

// Name returns the strategy tag.
func (s *Adaptive) Name() datatypes.RetrievalStrategy {
	return datatypes.StrategyAdaptive
}

// stepOutcome pairs one ladder step's results with its signals.
type stepOutcome struct {
	name    string
	result  *StrategyResult
	signals ConfidenceSignals
}

// Search climbs the ladder. A later step's results replace the running
// best only when their overall_confidence strictly exceeds it, so
// escalation never trades a good list for an equal one.
func (s *Adaptive) Search(ctx context.Context, q Query) (*StrategyResult, error) {
	ctx, span := tracer.Start(ctx, "retrieval.adaptive")
	defer span.End()

	if q.K <= 0 {
		return nil, fmt.Errorf("adaptive: k must be positive, got %d", q.K)
	}
	start := time.Now()

	var (
		best    *stepOutcome
		path    = make([]string, 0, len(defaultLadder)+1)
		lastErr error
	)

	for _, step := range defaultLadder {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		path = append(path, step.name)

		fetchK := int(math.Round(float64(q.K) * step.kMultiplier))
		result, err := s.fusion.searchWithParams(ctx, q, step.numQueries, fetchK)
		if err != nil {
			// Mark the step failed and climb on.
			lastErr = err
			continue
		}

		signals := CalculateConfidence(result.Results, q.MustInclude, result.Metrics, q.K)
		if best == nil || signals.OverallConfidence > best.signals.OverallConfidence {
			best = &stepOutcome{name: step.name, result: result, signals: signals}
		}

		if s.acceptable(signals) {
			return s.finish(best, path, start, false), nil
		}
	}

	if best == nil {
		return nil, fmt.Errorf("adaptive: all ladder steps failed: %w", lastErr)
	}

	// Ladder exhausted without an acceptable step. Hand the best list
	// back anyway so the caller can log what it refused over.
	path = append(path, refusalStep)
	return s.finish(best, path, start, true), nil
}

// acceptable reports whether no escalation trigger fires.
func (s *Adaptive) acceptable(signals ConfidenceSignals) bool {
	return signals.TopScore >= s.thresholds.MinTopScore &&
		signals.Margin >= s.thresholds.MinMargin &&
		signals.MustIncludeHitRate >= s.thresholds.MinMustIncludeHitRate &&
		signals.NearDuplicateRatio <= s.thresholds.MaxNearDuplicateRatio
}

// finish assembles the adaptive result from the winning step. FinalStep
// names the step whose results are returned; on fallback it names the
// refusal rung.
func (s *Adaptive) finish(winner *stepOutcome, path []string, start time.Time, fallback bool) *StrategyResult {
	signals := winner.signals

	metrics := Metrics{
		Strategy:          datatypes.StrategyAdaptive,
		TopScore:          signals.TopScore,
		LatencyMs:         time.Since(start).Milliseconds(),
		NumResults:        len(winner.result.Results),
		FusionGain:        winner.result.Metrics.FusionGain,
		OverlapRatio:      winner.result.Metrics.OverlapRatio,
		RewriteFailed:     winner.result.Metrics.RewriteFailed,
		EscalationPath:    path,
		FinalStep:         winner.name,
		FallbackTriggered: fallback,
	}
	if fallback {
		metrics.FinalStep = refusalStep
	}

	return &StrategyResult{
		Results: winner.result.Results,
		Metrics: metrics,
		Signals: &signals,
	}
}
