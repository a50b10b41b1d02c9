// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/lagrumai/lagrum/pkg/extensions"
	"github.com/lagrumai/lagrum/services/llm"
	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
	"github.com/lagrumai/lagrum/services/orchestrator/retrieval"
	"github.com/lagrumai/lagrum/services/orchestrator/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Extension Point Fakes
// =============================================================================

// capturingAudit records audit events so tests can assert on the trail.
type capturingAudit struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

var _ extensions.AuditLogger = (*capturingAudit)(nil)

func (a *capturingAudit) Log(_ context.Context, event extensions.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *capturingAudit) Query(_ context.Context, _ extensions.AuditFilter) ([]extensions.AuditEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]extensions.AuditEvent, len(a.events))
	copy(out, a.events)
	return out, nil
}

func (a *capturingAudit) Flush(_ context.Context) error { return nil }

// byType returns the recorded events with the given event type.
func (a *capturingAudit) byType(eventType string) []extensions.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []extensions.AuditEvent
	for _, e := range a.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// scriptedFilter is a QuestionFilter whose verdicts are set by the test.
type scriptedFilter struct {
	blockQuestion bool
	blockAnswer   bool
	questionErr   error
	answerErr     error
}

var _ extensions.QuestionFilter = (*scriptedFilter)(nil)

func (f *scriptedFilter) FilterQuestion(_ context.Context, question string) (*extensions.FilterResult, error) {
	if f.questionErr != nil {
		return nil, f.questionErr
	}
	if f.blockQuestion {
		return &extensions.FilterResult{
			Original:    question,
			WasBlocked:  true,
			BlockReason: "otillåtet innehåll",
		}, nil
	}
	return &extensions.FilterResult{Original: question, Filtered: question}, nil
}

func (f *scriptedFilter) FilterAnswer(_ context.Context, answer string) (*extensions.FilterResult, error) {
	if f.answerErr != nil {
		return nil, f.answerErr
	}
	if f.blockAnswer {
		return &extensions.FilterResult{
			Original:    answer,
			WasBlocked:  true,
			BlockReason: "otillåtet innehåll",
		}, nil
	}
	return &extensions.FilterResult{Original: answer, Filtered: answer}, nil
}

func (f *scriptedFilter) FilterContext(_ context.Context, contextMsg string) (*extensions.FilterResult, error) {
	return &extensions.FilterResult{Original: contextMsg, Filtered: contextMsg}, nil
}

// scriptedClassifier is a DataClassifier whose verdict is set by the test.
type scriptedClassifier struct {
	result *extensions.ClassificationResult
	err    error
}

var _ extensions.DataClassifier = (*scriptedClassifier)(nil)

func (c *scriptedClassifier) Classify(_ context.Context, _ string) (*extensions.ClassificationResult, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

func (c *scriptedClassifier) ClassifyBatch(ctx context.Context, contents []string) ([]*extensions.ClassificationResult, error) {
	out := make([]*extensions.ClassificationResult, len(contents))
	for i, content := range contents {
		r, err := c.Classify(ctx, content)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// =============================================================================
// Pipeline Fakes
// =============================================================================

// fakeChatLLM answers every generation with a fixed text, streamed in
// word-boundary chunks so tests see more than one token event.
type fakeChatLLM struct {
	answer string
}

var _ llm.LLMClient = (*fakeChatLLM)(nil)

func (f *fakeChatLLM) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	return f.answer, nil
}

func (f *fakeChatLLM) Chat(_ context.Context, _ []datatypes.Message, _ llm.GenerationParams) (string, error) {
	return f.answer, nil
}

func (f *fakeChatLLM) ChatStream(_ context.Context, _ []datatypes.Message, _ llm.GenerationParams, callback llm.StreamCallback) error {
	for _, word := range strings.SplitAfter(f.answer, " ") {
		if word == "" {
			continue
		}
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: word}); err != nil {
			return err
		}
	}
	return callback(llm.StreamEvent{Type: llm.StreamEventDone, Stats: &llm.StreamStats{
		TokensGenerated: len(f.answer),
		ModelUsed:       "fake",
		StartTime:       time.Now(),
		EndTime:         time.Now(),
	}})
}

// fakeStrategy satisfies the pipeline's registration requirement. Chat
// mode never searches, so Search failing loudly keeps tests honest.
type fakeStrategy struct{}

var _ retrieval.Strategy = fakeStrategy{}

func (fakeStrategy) Name() datatypes.RetrievalStrategy { return datatypes.StrategyParallelV1 }

func (fakeStrategy) Search(_ context.Context, _ retrieval.Query) (*retrieval.StrategyResult, error) {
	panic("fakeStrategy.Search: chat mode must not retrieve")
}

// newChatPipeline builds a real pipeline whose chat answers come from a
// fake LLM. Every feature toggle is off, so a run is classify, generate,
// guardrail.
func newChatPipeline(t *testing.T, answer string) *services.Pipeline {
	t.Helper()

	guardrail, err := services.NewGuardrail("")
	require.NoError(t, err, "embedded lexicon must parse")

	pipeline, err := services.NewPipeline(
		&fakeChatLLM{answer: answer},
		map[datatypes.RetrievalStrategy]retrieval.Strategy{
			datatypes.StrategyParallelV1: fakeStrategy{},
		},
		guardrail,
		nil,
		services.PipelineOptions{},
	)
	require.NoError(t, err, "pipeline construction should succeed")
	return pipeline
}
