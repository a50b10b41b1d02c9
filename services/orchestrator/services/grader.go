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
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lagrumai/lagrum/services/llm"
	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
)

const (
	defaultGradeThreshold    = 0.3
	defaultGraderConcurrency = 8
	defaultGraderTimeout     = 20 * time.Second
	gradeMaxTokens           = 256
	reflectionMaxTokens      = 768
	gradeDocMaxRunes         = 2000
)

// GraderConfig controls the relevance grader.
//
// # Fields
//
//   - Enabled: When false, Grade passes every document through unchanged.
//   - Threshold: Minimum judge score to retain a document. Documents whose
//     grading call failed are retained regardless.
//   - MaxConcurrent: Upper bound on in-flight judge calls.
//   - Timeout: Wall-clock budget for grading the whole batch. Documents
//     still ungraded when it expires are retained.
//   - SelfReflection: When true, ask the model whether the retained set is
//     sufficient before any generation tokens are spent.
type GraderConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	Threshold      float64       `json:"threshold" yaml:"threshold"`
	MaxConcurrent  int           `json:"max_concurrent" yaml:"max_concurrent"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
	SelfReflection bool          `json:"self_reflection" yaml:"self_reflection"`
}

// DefaultGraderConfig returns the production defaults: grading on,
// threshold 0.3, eight judges in flight, reflection off.
func DefaultGraderConfig() GraderConfig {
	return GraderConfig{
		Enabled:       true,
		Threshold:     defaultGradeThreshold,
		MaxConcurrent: defaultGraderConcurrency,
		Timeout:       defaultGraderTimeout,
	}
}

// Grader filters retrieved documents through a per-document LLM judge.
//
// # Description
//
// Each document is judged independently against the question and retained
// when the judge's score clears the configured threshold. Judge calls are
// fail-open: a document whose call errors or whose response cannot be
// parsed stays in the set, so a flaky model degrades the filter rather
// than the answer. The grader never reorders documents.
type Grader struct {
	client llm.LLMClient
	config GraderConfig
	sem    *semaphore.Weighted
}

// NewGrader builds a Grader. Zero config fields fall back to defaults.
func NewGrader(client llm.LLMClient, config GraderConfig) *Grader {
	if config.Threshold <= 0 {
		config.Threshold = defaultGradeThreshold
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaultGraderConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultGraderTimeout
	}
	return &Grader{
		client: client,
		config: config,
		sem:    semaphore.NewWeighted(int64(config.MaxConcurrent)),
	}
}

// GradeOutcome is the grader's verdict over one retrieval batch.
// Retained preserves the input order. Reflection is nil unless
// self-reflection ran and produced a parseable result.
type GradeOutcome struct {
	Retained   []datatypes.SearchResult
	Grades     []datatypes.GradeResult
	Reflection *datatypes.CriticReflection
}

// Grade judges every document against the question and drops the ones the
// judge scores below the threshold.
//
// # Inputs
//   - ctx: Cancellation. The batch additionally runs under the configured
//     grader timeout.
//   - question: The (decontextualized) user question.
//   - results: Retrieved documents in ranked order.
//
// # Outputs
//   - *GradeOutcome: Retained documents, one GradeResult per input
//     document, and the optional reflection.
//   - error: Non-nil only when the parent context is cancelled. Judge
//     failures are absorbed per document.
func (g *Grader) Grade(ctx context.Context, question string, results []datatypes.SearchResult) (*GradeOutcome, error) {
	if !g.config.Enabled || len(results) == 0 {
		return &GradeOutcome{Retained: results}, nil
	}

	gradeCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	grades := make([]datatypes.GradeResult, len(results))
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			grades[i] = g.gradeOne(gradeCtx, question, results[i])
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	retained := make([]datatypes.SearchResult, 0, len(results))
	for i, grade := range grades {
		if grade.Score >= g.config.Threshold {
			retained = append(retained, results[i])
		}
	}
	slog.Debug("graded retrieval batch",
		"total", len(results),
		"retained", len(retained),
		"threshold", g.config.Threshold,
	)

	outcome := &GradeOutcome{Retained: retained, Grades: grades}
	if g.config.SelfReflection && len(retained) > 0 {
		reflection, err := g.reflect(gradeCtx, question, retained)
		if err != nil {
			slog.Warn("self-reflection failed, continuing without it", "error", err)
		} else {
			outcome.Reflection = reflection
		}
	}
	return outcome, nil
}

// gradeOne judges a single document. Never returns an error: any failure
// retains the document with a full score so the threshold filter cannot
// drop it.
func (g *Grader) gradeOne(ctx context.Context, question string, doc datatypes.SearchResult) datatypes.GradeResult {
	start := time.Now()
	failOpen := func(reason string, err error) datatypes.GradeResult {
		slog.Warn("grading failed, retaining document",
			"doc_id", doc.ID,
			"reason", reason,
			"error", err,
		)
		return datatypes.GradeResult{
			DocID:     doc.ID,
			Relevant:  true,
			Score:     1.0,
			Reason:    "grading unavailable, document retained",
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return failOpen("semaphore wait", err)
	}
	defer g.sem.Release(1)

	raw, err := g.client.Generate(ctx, buildGradePrompt(question, doc), llm.GenerationParams{
		Temperature: floatPtr(0),
		MaxTokens:   intPtr(gradeMaxTokens),
	})
	if err != nil {
		return failOpen("llm call", &LLMError{Op: "grade", Err: err})
	}

	verdict, err := parseGradeResponse(raw)
	if err != nil {
		return failOpen("parse response", err)
	}
	verdict.DocID = doc.ID
	verdict.LatencyMs = time.Since(start).Milliseconds()
	return verdict
}

// reflect asks the model whether the retained set can support an answer.
func (g *Grader) reflect(ctx context.Context, question string, retained []datatypes.SearchResult) (*datatypes.CriticReflection, error) {
	raw, err := g.client.Generate(ctx, buildReflectionPrompt(question, retained), llm.GenerationParams{
		Temperature: floatPtr(0),
		MaxTokens:   intPtr(reflectionMaxTokens),
	})
	if err != nil {
		return nil, &LLMError{Op: "grade", Err: err}
	}
	return parseReflectionResponse(raw)
}

func buildGradePrompt(question string, doc datatypes.SearchResult) string {
	text := doc.Text
	if text == "" {
		text = doc.Snippet
	}
	var b strings.Builder
	b.WriteString("Du bedömer om ett dokumentutdrag är relevant för en fråga om svensk förvaltning och lagstiftning.\n\n")
	fmt.Fprintf(&b, "Fråga: %s\n\n", question)
	fmt.Fprintf(&b, "Dokument (titel: %s, typ: %s):\n%s\n\n", doc.Title, doc.DocType, clipRunes(text, gradeDocMaxRunes))
	b.WriteString("Bedöm om utdraget innehåller information som hjälper till att besvara frågan. ")
	b.WriteString("Svara ENBART med JSON i formatet:\n")
	b.WriteString(`{"relevant": true, "score": 0.0, "reason": "kort motivering"}`)
	return b.String()
}

// parseGradeResponse extracts the judge's JSON verdict. Models tend to
// wrap JSON in code fences or prose, so it scans for the outermost braces
// rather than unmarshalling the raw response.
func parseGradeResponse(response string) (datatypes.GradeResult, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end <= start {
		return datatypes.GradeResult{}, fmt.Errorf("no JSON object in grade response")
	}

	var parsed struct {
		Relevant   bool    `json:"relevant"`
		Score      float64 `json:"score"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(response[start:end+1]), &parsed); err != nil {
		return datatypes.GradeResult{}, fmt.Errorf("unmarshal grade response: %w", err)
	}

	score := parsed.Score
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	confidence := parsed.Confidence
	if confidence == 0 {
		confidence = score
	}
	return datatypes.GradeResult{
		Relevant:   parsed.Relevant,
		Score:      score,
		Confidence: confidence,
		Reason:     parsed.Reason,
	}, nil
}

func buildReflectionPrompt(question string, retained []datatypes.SearchResult) string {
	var b strings.Builder
	b.WriteString("Du granskar om ett källunderlag räcker för att besvara en fråga om svensk förvaltning.\n\n")
	fmt.Fprintf(&b, "Fråga: %s\n\n", question)
	b.WriteString("Källor:\n")
	for i, doc := range retained {
		text := doc.Text
		if text == "" {
			text = doc.Snippet
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, doc.Title, clipRunes(text, gradeDocMaxRunes/2))
	}
	b.WriteString("\nAvgör om källorna ovan räcker för ett korrekt och belagt svar. ")
	b.WriteString("Svara ENBART med JSON i formatet:\n")
	b.WriteString(`{"thought_process": "...", "has_sufficient_evidence": true, "missing_evidence": [], "citation_plan": [], "constitutional_compliance": true, "confidence": 0.0}`)
	return b.String()
}

func parseReflectionResponse(response string) (*datatypes.CriticReflection, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object in reflection response")
	}
	var reflection datatypes.CriticReflection
	if err := json.Unmarshal([]byte(response[start:end+1]), &reflection); err != nil {
		return nil, fmt.Errorf("unmarshal reflection response: %w", err)
	}
	return &reflection, nil
}

// clipRunes truncates s to at most max runes. Prompt budgets count
// characters, not bytes, so this is safe for Swedish text.
func clipRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func floatPtr(v float32) *float32 { return &v }

func intPtr(v int) *int { return &v }
