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
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
)

const (
	defaultContextTokenBudget = 3072
	fallbackRunesPerToken     = 4
)

// systemPrompts maps a system prompt id to its text. The ids are part of
// the mode config so prompts can be swapped per mode without code changes.
var systemPrompts = map[string]string{
	// CHAT is the only mode answered as löpande text: the reply is wrapped
	// into the answer schema by the pipeline, never parsed out of JSON.
	PromptChatV1: `Du är Lagrum, en assistent för svensk offentlig förvaltning.
Användaren småpratar. Svara kort och vänligt på svenska, utan att påstå fakta om lagar eller myndigheter.
Svara med löpande text, inte JSON.`,

	PromptAssistV1: `Du är Lagrum, en assistent för svensk offentlig förvaltning.
Besvara frågan på klarspråk. Använd källorna nedan där de räcker och hänvisa då med [n].
Påståenden du inte kan belägga med en källa listar du ordagrant i fakta_utan_kalla.
Svara ENBART med JSON i formatet:
{"mode": "ASSIST", "saknas_underlag": false, "svar": "...", "kallor": [{"doc_id": "...", "chunk_id": "...", "citat": "...", "loc": "..."}], "fakta_utan_kalla": ["..."]}`,

	PromptEvidenceV1: `Du är Lagrum, en assistent för svensk offentlig förvaltning.
Besvara frågan strikt utifrån källorna nedan. Varje faktapåstående i svar måste ha minst en hänvisning [n] där n pekar på post n i kallor.
Varje post i kallor ska ange doc_id och chunk_id från källan samt gärna citat och loc.
Värdeomdömen och spekulationer är förbjudna. Om källorna inte räcker för ett belagt svar: sätt saknas_underlag till true, lämna kallor tom och förklara kort att underlag saknas.
Svara ENBART med JSON i formatet:
{"mode": "EVIDENCE", "saknas_underlag": false, "svar": "... [1].", "kallor": [{"doc_id": "...", "chunk_id": "...", "citat": "...", "loc": "..."}], "fakta_utan_kalla": []}`,
}

// strictRetryInstruction is prepended when the first generation could not
// be parsed. Kept separate from the system prompts so the retry is the
// same across modes.
const strictRetryInstruction = `VIKTIGT: Ditt förra svar kunde inte tolkas.
Svara med ETT giltigt JSON-objekt och ingenting annat: ingen inledande text, inga kodstaket, inga kommentarer.
`

// SystemPrompt resolves a system prompt id. Unknown ids fall back to the
// assist prompt rather than failing the request.
func SystemPrompt(id string) string {
	if prompt, ok := systemPrompts[id]; ok {
		return prompt
	}
	slog.Warn("unknown system prompt id, using assist prompt", "id", id)
	return systemPrompts[PromptAssistV1]
}

// TokenCounter counts prompt tokens with the cl100k_base BPE, falling
// back to a rune heuristic when the encoding is unavailable (offline
// deployments cannot fetch the BPE vocabulary).
type TokenCounter struct {
	once     sync.Once
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter returns a lazy counter. The encoding is initialized on
// first use so constructing services stays cheap and deterministic.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

// Count returns the token count of text.
func (t *TokenCounter) Count(text string) int {
	t.once.Do(func() {
		encoding, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tiktoken encoding unavailable, counting tokens by rune heuristic", "error", err)
			return
		}
		t.encoding = encoding
	})
	if t.encoding == nil {
		return (len([]rune(text)) + fallbackRunesPerToken - 1) / fallbackRunesPerToken
	}
	return len(t.encoding.Encode(text, nil, nil))
}

// PromptBuilder renders the generation prompt: the mode's system prompt
// plus a user message holding the question and the numbered source
// snippets. Sources are included in order until the context token budget
// is spent; the first source is always included so an over-long chunk can
// not starve the prompt entirely.
type PromptBuilder struct {
	counter *TokenCounter
	budget  int
}

// NewPromptBuilder builds a PromptBuilder. A non-positive budget falls
// back to the default.
func NewPromptBuilder(budget int) *PromptBuilder {
	if budget <= 0 {
		budget = defaultContextTokenBudget
	}
	return &PromptBuilder{counter: NewTokenCounter(), budget: budget}
}

// Build renders the chat messages for one generation attempt.
//
// # Inputs
//   - question: The (possibly decontextualized) user question.
//   - sources: Retained results in final rank order. Ignored for CHAT.
//   - config: The mode config carrying the system prompt id.
//   - mode: The classified request mode.
//   - strict: Prepends the strict-JSON instruction on the parse retry.
//
// # Outputs
//   - []datatypes.Message: System and user message, ready for LLMClient.Chat.
//   - []datatypes.SearchResult: The sources that made it into the prompt.
//     Citation numbering [n] refers to this slice, 1-indexed; callers must
//     treat it as the set "passed to the model".
func (p *PromptBuilder) Build(question string, sources []datatypes.SearchResult, config ModeConfig, mode datatypes.ResponseMode, strict bool) ([]datatypes.Message, []datatypes.SearchResult) {
	system := SystemPrompt(config.SystemPromptID)
	if strict {
		system = strictRetryInstruction + system
	}

	var included []datatypes.SearchResult
	var user strings.Builder
	fmt.Fprintf(&user, "Fråga: %s\n", question)

	if mode != datatypes.ModeChat && len(sources) > 0 {
		user.WriteString("\nKällor:\n")
		spent := 0
		for i, source := range sources {
			block := renderSourceBlock(len(included)+1, source)
			cost := p.counter.Count(block)
			if len(included) > 0 && spent+cost > p.budget {
				slog.Debug("context budget reached, trimming sources",
					"included", len(included),
					"dropped", len(sources)-i,
					"budget", p.budget,
				)
				break
			}
			user.WriteString(block)
			included = append(included, source)
			spent += cost
		}
	}

	return []datatypes.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user.String()},
	}, included
}

// renderSourceBlock renders one numbered snippet. The number is what the
// model must cite as [n].
func renderSourceBlock(n int, source datatypes.SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n[%d] %s", n, source.Title)
	if source.DocType != "" {
		fmt.Fprintf(&b, " (%s", source.DocType)
		if source.Date != "" {
			fmt.Fprintf(&b, ", %s", source.Date)
		}
		b.WriteString(")")
	}
	fmt.Fprintf(&b, "\ndoc_id: %s | chunk_id: %s\n", source.Source, source.ID)
	text := source.Text
	if text == "" {
		text = source.Snippet
	}
	b.WriteString(text)
	b.WriteString("\n")
	return b.String()
}
