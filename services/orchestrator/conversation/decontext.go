// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation rewrites follow-up questions into standalone form.
//
// A question like "Vad gäller för dem?" cannot be retrieved against: the
// semantic signal lives in the previous turns. The Decontextualizer detects
// such questions with Swedish deictic heuristics and asks an LLM to fold
// the missing context back in. The rewrite is used for retrieval and
// generation only; the caller's original question is preserved for logging.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
)

const (
	defaultRewriteTimeout   = 3 * time.Second
	defaultRewriteMaxTokens = 256

	// defaultMaxHistoryTurns bounds how many trailing history messages the
	// rewrite prompt carries.
	defaultMaxHistoryTurns = 6

	// minStandaloneRunes is the question length below which a follow-up is
	// assumed. "Och för barn?" carries no searchable signal on its own.
	minStandaloneRunes = 25

	// turnMaxRunes truncates each history message in the rewrite prompt.
	turnMaxRunes = 300
)

// DecontextConfig controls the follow-up rewriter.
type DecontextConfig struct {
	// Enabled turns the rewriter off entirely when false.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Timeout bounds the rewrite LLM call. On expiry the original
	// question is used unchanged.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxTokens bounds the rewrite response.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens"`

	// MaxHistoryTurns is how many trailing turns the prompt includes.
	MaxHistoryTurns int `json:"max_history_turns" yaml:"max_history_turns"`
}

// DefaultDecontextConfig returns the production defaults: rewriting on,
// three-second budget, six turns of context.
func DefaultDecontextConfig() DecontextConfig {
	return DecontextConfig{
		Enabled:         true,
		Timeout:         defaultRewriteTimeout,
		MaxTokens:       defaultRewriteMaxTokens,
		MaxHistoryTurns: defaultMaxHistoryTurns,
	}
}

// GenerateFunc asks an LLM for a completion. A function type instead of an
// interface lets callers pass a closure over their client.
type GenerateFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

// Decontextualizer rewrites follow-up questions so they stand alone.
//
// # Description
//
// Detection is heuristic: deictic words ("den", "detta", "hen"), elliptic
// follow-up phrases ("vad gäller då", "mer om"), and very short questions
// all suggest the question leans on the conversation. The rewrite itself is
// one LLM call with the trailing history turns as context. Every failure
// mode is fail-closed: the original question comes back and the pipeline
// proceeds as if no history existed.
//
// # Thread Safety
//
// Safe for concurrent use; all state is set at construction.
type Decontextualizer struct {
	generate GenerateFunc
	config   DecontextConfig
}

// NewDecontextualizer builds a rewriter. Zero config fields fall back to
// defaults.
func NewDecontextualizer(generate GenerateFunc, config DecontextConfig) *Decontextualizer {
	if config.Timeout <= 0 {
		config.Timeout = defaultRewriteTimeout
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaultRewriteMaxTokens
	}
	if config.MaxHistoryTurns <= 0 {
		config.MaxHistoryTurns = defaultMaxHistoryTurns
	}
	return &Decontextualizer{generate: generate, config: config}
}

// deicticMarkers are Swedish words that usually point back into the
// conversation. "den"/"det"/"de" double as articles, so false positives
// happen; a spurious rewrite is harmless because the model sees the full
// history and returns the question essentially unchanged.
var deicticMarkers = map[string]bool{
	"den": true, "det": true, "de": true, "dem": true,
	"denna": true, "denne": true, "detta": true, "dessa": true,
	"han": true, "hon": true, "hen": true, "honom": true, "henne": true,
	"hans": true, "hennes": true, "hens": true, "dess": true, "deras": true,
	"densamma": true, "detsamma": true, "desamma": true,
	"sådan": true, "sådant": true, "sådana": true,
	"där": true, "dit": true,
	"nämnda": true, "ovanstående": true, "föregående": true,
}

// followUpPhrases are elliptic constructions that only make sense as a
// continuation of an earlier answer.
var followUpPhrases = []string{
	"vad gäller",
	"gäller det",
	"hur då",
	"varför då",
	"än då",
	"mer om",
	"berätta mer",
	"utveckla",
	"förklara mer",
	"vad menas",
	"vad menar du",
	"i så fall",
	"på samma sätt",
	"och sedan",
	"även för",
}

// topicSwitchPhrases mark an explicit break with the conversation. The
// question is taken at face value and history is ignored.
var topicSwitchPhrases = []string{
	"ny fråga",
	"byter ämne",
	"annat ämne",
	"en annan sak",
	"något helt annat",
	"orelaterat",
	"förresten",
}

// NeedsRewrite reports whether the question appears to lean on the
// conversation history.
//
// # Inputs
//   - question: The user's current question, any casing.
//   - history: Prior turns, oldest first.
//
// # Outputs
//   - bool: True when a standalone rewrite should be attempted.
func (d *Decontextualizer) NeedsRewrite(question string, history []datatypes.HistoryMessage) bool {
	if !d.config.Enabled || len(history) == 0 {
		return false
	}
	normalized := strings.ToLower(strings.TrimSpace(question))
	if normalized == "" {
		return false
	}

	for _, phrase := range topicSwitchPhrases {
		if strings.Contains(normalized, phrase) {
			return false
		}
	}

	if utf8.RuneCountInString(normalized) < minStandaloneRunes {
		return true
	}
	for _, word := range splitQuestionWords(normalized) {
		if deicticMarkers[word] {
			return true
		}
	}
	for _, phrase := range followUpPhrases {
		if strings.Contains(normalized, phrase) {
			return true
		}
	}
	return false
}

// Rewrite returns the standalone form of the question.
//
// # Description
//
// When the question does not need rewriting, or when the LLM call fails,
// times out, or returns something unusable, the original question comes
// back with rewritten=false. The caller never has to handle an error.
//
// # Inputs
//   - ctx: Cancellation. The call additionally runs under the configured
//     rewrite timeout.
//   - question: The user's current question.
//   - history: Prior turns, oldest first.
//
// # Outputs
//   - string: The question to retrieve and generate against.
//   - bool: True when the returned text differs from the input.
func (d *Decontextualizer) Rewrite(ctx context.Context, question string, history []datatypes.HistoryMessage) (string, bool) {
	if !d.NeedsRewrite(question, history) {
		return question, false
	}

	rewriteCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	response, err := d.generate(rewriteCtx, d.buildRewritePrompt(question, history), d.config.MaxTokens)
	if err != nil {
		slog.Warn("decontextualization failed, using original question", "error", err)
		return question, false
	}

	rewritten, err := parseRewriteResponse(response)
	if err != nil {
		slog.Warn("decontextualization response unusable, using original question", "error", err)
		return question, false
	}
	if rewritten == "" || rewritten == question || utf8.RuneCountInString(rewritten) > datatypes.MaxQuestionChars {
		return question, false
	}

	slog.Debug("decontextualized question", "original_length", len(question), "rewritten_length", len(rewritten))
	return rewritten, true
}

// buildRewritePrompt renders the trailing history turns and the follow-up
// question into the rewrite instruction.
func (d *Decontextualizer) buildRewritePrompt(question string, history []datatypes.HistoryMessage) string {
	turns := history
	if len(turns) > d.config.MaxHistoryTurns {
		turns = turns[len(turns)-d.config.MaxHistoryTurns:]
	}

	var b strings.Builder
	b.WriteString("Du omformulerar en följdfråga till en fristående fråga.\n\nSamtalshistorik:\n")
	for _, turn := range turns {
		label := "Användare"
		if turn.Role == "assistant" {
			label = "Assistent"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, truncateTurn(turn.Content, turnMaxRunes))
	}
	fmt.Fprintf(&b, "\nFöljdfråga: %s\n\n", question)
	b.WriteString("Skriv om följdfrågan så att den kan förstås utan samtalshistoriken. ")
	b.WriteString("Behåll frågans avsikt och alla konkreta detaljer. ")
	b.WriteString("Lägg inte till information som inte finns i historiken. ")
	b.WriteString("Svara ENBART med JSON i formatet:\n")
	b.WriteString(`{"fraga": "den fristående frågan"}`)
	return b.String()
}

// parseRewriteResponse extracts the rewritten question from the model's
// JSON reply, tolerating code fences and surrounding prose.
func parseRewriteResponse(response string) (string, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object in rewrite response")
	}
	var parsed struct {
		Fraga string `json:"fraga"`
	}
	if err := json.Unmarshal([]byte(response[start:end+1]), &parsed); err != nil {
		return "", fmt.Errorf("unmarshal rewrite response: %w", err)
	}
	return strings.TrimSpace(parsed.Fraga), nil
}

// splitQuestionWords splits on anything that is not a letter or digit, so
// punctuation never hides a marker word.
func splitQuestionWords(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// truncateTurn bounds one history message to max runes for the prompt.
func truncateTurn(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
