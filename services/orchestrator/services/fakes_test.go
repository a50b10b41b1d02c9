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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lagrumai/lagrum/services/llm"
	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
)

// llmCall records one request the fake client received.
type llmCall struct {
	prompt string
	params llm.GenerationParams
}

// llmRule scripts the fake's reaction to prompts containing substr.
// Rules are matched in registration order; times limits how often a rule
// fires (0 means unlimited).
type llmRule struct {
	substr   string
	response string
	err      error
	delay    time.Duration
	times    int
	fired    int
}

// fakeLLM is a scriptable llm.LLMClient. Tests register substring rules
// and the fake answers the first matching one, falling back to a default
// response so unscripted calls do not fail the whole pipeline.
type fakeLLM struct {
	mu       sync.Mutex
	calls    []llmCall
	rules    []*llmRule
	fallback string
	failAll  error

	inflight    int
	maxInflight int
}

var _ llm.LLMClient = (*fakeLLM)(nil)

func newFakeLLM() *fakeLLM {
	return &fakeLLM{fallback: `{"ok": true}`}
}

// respond answers prompts containing substr with response.
func (f *fakeLLM) respond(substr, response string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &llmRule{substr: substr, response: response})
}

// respondOnce answers the first prompt containing substr with response,
// then lets later rules (or the fallback) take over.
func (f *fakeLLM) respondOnce(substr, response string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &llmRule{substr: substr, response: response, times: 1})
}

// failOn makes prompts containing substr fail with err.
func (f *fakeLLM) failOn(substr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &llmRule{substr: substr, err: err})
}

// failOnce makes the first prompt containing substr fail, then lets later
// rules take over.
func (f *fakeLLM) failOnce(substr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &llmRule{substr: substr, err: err, times: 1})
}

// stallOn delays prompts containing substr, to exercise timeouts.
func (f *fakeLLM) stallOn(substr string, delay time.Duration, response string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &llmRule{substr: substr, response: response, delay: delay})
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	f.mu.Lock()
	f.calls = append(f.calls, llmCall{prompt: prompt, params: params})
	if f.failAll != nil {
		err := f.failAll
		f.mu.Unlock()
		return "", err
	}
	var matched *llmRule
	for _, rule := range f.rules {
		if rule.times > 0 && rule.fired >= rule.times {
			continue
		}
		if strings.Contains(prompt, rule.substr) {
			rule.fired++
			matched = rule
			break
		}
	}
	fallback := f.fallback
	f.mu.Unlock()

	if matched == nil {
		return fallback, nil
	}
	if matched.delay > 0 {
		select {
		case <-time.After(matched.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if matched.err != nil {
		return "", matched.err
	}
	return matched.response, nil
}

func (f *fakeLLM) Chat(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams) (string, error) {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return f.Generate(ctx, b.String(), params)
}

func (f *fakeLLM) ChatStream(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams, callback llm.StreamCallback) error {
	response, err := f.Chat(ctx, messages, params)
	if err != nil {
		return err
	}
	if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: response}); err != nil {
		return err
	}
	return callback(llm.StreamEvent{Type: llm.StreamEventDone, Stats: &llm.StreamStats{
		TokensGenerated: len(response),
		ModelUsed:       "fake",
		StartTime:       time.Now(),
		EndTime:         time.Now(),
	}})
}

// callCount returns how many requests contained substr. An empty substr
// counts every request.
func (f *fakeLLM) callCount(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if substr == "" || strings.Contains(c.prompt, substr) {
			n++
		}
	}
	return n
}

// peakInflight returns the highest number of concurrently running
// Generate calls observed.
func (f *fakeLLM) peakInflight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight
}

// lastCall returns the most recent request, or a zero llmCall.
func (f *fakeLLM) lastCall() llmCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return llmCall{}
	}
	return f.calls[len(f.calls)-1]
}

// searchResult builds a retrieved chunk with deterministic filler fields.
func searchResult(id, title string, score float64) datatypes.SearchResult {
	return datatypes.SearchResult{
		ID:      id,
		Title:   title,
		Snippet: "Utdrag ur " + title + ".",
		Text:    "Innehåll för " + title + ".",
		Score:   score,
		Source:  "https://lagrummet.se/" + id,
		DocType: "lag",
		Date:    "2024-01-01",
	}
}

// gradeJSON renders a judge verdict the way the grading model would.
func gradeJSON(relevant bool, score float64, reason string) string {
	return fmt.Sprintf(`{"relevant": %t, "score": %.2f, "reason": %q}`, relevant, score, reason)
}
