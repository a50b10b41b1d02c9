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
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/lagrumai/lagrum/services/llm"
	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
)

const (
	defaultReviseTimeout   = 15 * time.Second
	defaultReviseMaxTokens = 1536

	// minFactualSentenceLen is the rune length below which a sentence is
	// treated as a connective fragment ("Se nedan.") rather than a claim.
	minFactualSentenceLen = 20
)

// citationPattern matches bracketed citation markers like [1] or [12].
var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// opinionMarkers are value judgments an evidence answer may never contain.
// Matched as whole words against the lowercased answer text.
var opinionMarkers = []string{
	"bra", "dålig", "dåligt", "rättvis", "rättvist", "orättvis", "orättvist",
	"bäst", "sämst", "tycker", "borde",
}

// speculationMarkers are forecasting phrases a refusal may never contain.
// A refusal that speculates defeats its own purpose.
var speculationMarkers = []string{
	"kommer att", "troligen", "förmodligen", "sannolikt", "antagligen", "kanske",
}

// sentenceAbbrevs are Swedish abbreviations and reference forms whose
// trailing period does not end a sentence.
var sentenceAbbrevs = map[string]struct{}{
	"t.ex": {}, "bl.a": {}, "m.m": {}, "m.fl": {}, "s.k": {}, "dvs": {},
	"jfr": {}, "kap": {}, "st": {}, "prop": {}, "sou": {}, "dnr": {}, "nr": {},
}

// CriticConfig controls the reviser call. The revision loop itself is
// owned by the pipeline.
type CriticConfig struct {
	ReviseTimeout   time.Duration `json:"revise_timeout" yaml:"revise_timeout"`
	ReviseMaxTokens int           `json:"revise_max_tokens" yaml:"revise_max_tokens"`

	// RefusalTemplate is the verbatim refusal sentence, which is exempt
	// from citation coverage.
	RefusalTemplate string `json:"refusal_template" yaml:"refusal_template"`
}

// DefaultCriticConfig returns the production defaults.
func DefaultCriticConfig() CriticConfig {
	return CriticConfig{
		ReviseTimeout:   defaultReviseTimeout,
		ReviseMaxTokens: defaultReviseMaxTokens,
		RefusalTemplate: defaultRefusalTemplate,
	}
}

// Critic verifies answer candidates against the output rules and asks the
// model to repair the ones that fail.
//
// # Description
//
// Critique is pure rule evaluation, no model calls: schema invariants,
// mode agreement, citation coverage for evidence answers, and the marker
// scans. Revise is one bounded LLM call that rewrites a failing candidate
// guided by the critique's remedy text. The retry loop and the refusal
// decision live in the pipeline.
type Critic struct {
	client llm.LLMClient
	config CriticConfig
}

// NewCritic builds a Critic. Zero config fields fall back to defaults.
func NewCritic(client llm.LLMClient, config CriticConfig) *Critic {
	if config.ReviseTimeout <= 0 {
		config.ReviseTimeout = defaultReviseTimeout
	}
	if config.ReviseMaxTokens <= 0 {
		config.ReviseMaxTokens = defaultReviseMaxTokens
	}
	if config.RefusalTemplate == "" {
		config.RefusalTemplate = defaultRefusalTemplate
	}
	return &Critic{client: client, config: config}
}

// Critique runs the ordered rule checks against one candidate.
//
// # Inputs
//   - candidate: The parsed answer under review.
//   - question: The user question, restated in the remedy so the reviser
//     keeps the answer on topic.
//   - sources: The chunks that were given to the model; kallor may only
//     reference these.
//   - mode: The classified request mode.
//
// # Outputs
//   - datatypes.CriticResult: OK, or every failed check in check order
//     plus a Swedish remedy instruction for the reviser.
func (c *Critic) Critique(candidate datatypes.StructuredAnswer, question string, sources []datatypes.SearchResult, mode datatypes.ResponseMode) datatypes.CriticResult {
	start := time.Now()
	var failures []string

	// Check 1: structural invariants beyond what the parser enforces.
	if candidate.SaknasUnderlag && len(candidate.Kallor) > 0 {
		failures = append(failures, "saknas_underlag is true but kallor is not empty")
	}
	known := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		known[s.ID] = struct{}{}
	}
	for i, kalla := range candidate.Kallor {
		if _, ok := known[kalla.ChunkID]; !ok {
			failures = append(failures, fmt.Sprintf("kallor[%d] references a chunk that was not retrieved", i))
		}
	}
	for _, n := range citationIndexes(candidate.Svar) {
		if n < 1 || n > len(candidate.Kallor) {
			failures = append(failures, fmt.Sprintf("citation [%d] has no matching kallor entry", n))
		}
	}

	// Check 2: the answer must declare the mode it was asked in.
	if candidate.Mode != mode {
		failures = append(failures, "mode does not match the classified request mode")
	}

	// Check 3: evidence answers must cite every factual sentence and may
	// not park claims in fakta_utan_kalla.
	if mode == datatypes.ModeEvidence && !candidate.SaknasUnderlag {
		if len(candidate.Kallor) == 0 {
			failures = append(failures, "evidence answer without kallor")
		}
		uncited := 0
		for _, sentence := range splitSentences(candidate.Svar) {
			if !c.requiresCitation(sentence) {
				continue
			}
			if !citationPattern.MatchString(sentence) {
				uncited++
			}
		}
		if uncited > 0 {
			failures = append(failures, fmt.Sprintf("%d factual sentence(s) without a [n] citation", uncited))
		}
		if len(candidate.FaktaUtanKalla) > 0 {
			failures = append(failures, "evidence answer with unresolved fakta_utan_kalla entries")
		}
	}

	// Check 4: no value judgments in evidence answers.
	if mode == datatypes.ModeEvidence {
		if found := findWordMarkers(candidate.Svar, opinionMarkers); len(found) > 0 {
			failures = append(failures, "opinion markers in answer text: "+strings.Join(found, ", "))
		}
	}

	// Check 5: a refusal may not speculate.
	if candidate.SaknasUnderlag {
		if found := findPhraseMarkers(candidate.Svar, speculationMarkers); len(found) > 0 {
			failures = append(failures, "speculation markers in refusal text: "+strings.Join(found, ", "))
		}
	}

	result := datatypes.CriticResult{
		OK:        len(failures) == 0,
		Errors:    failures,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if !result.OK {
		result.Remedy = buildRemedy(question, failures)
	}
	return result
}

// Revise asks the model to rewrite a failing candidate.
//
// # Outputs
//   - string: The model's new raw response. The caller must re-parse and
//     re-critique it; revision output is never trusted as-is.
//   - error: *LLMError on call failure.
func (c *Critic) Revise(ctx context.Context, candidate datatypes.StructuredAnswer, feedback datatypes.CriticResult) (string, error) {
	reviseCtx, cancel := context.WithTimeout(ctx, c.config.ReviseTimeout)
	defer cancel()

	candidateJSON, err := json.Marshal(candidate.StripInternal())
	if err != nil {
		return "", &LLMError{Op: "revise", Err: err}
	}

	response, err := c.client.Generate(reviseCtx, buildRevisePrompt(string(candidateJSON), feedback), llm.GenerationParams{
		Temperature: floatPtr(0),
		MaxTokens:   intPtr(c.config.ReviseMaxTokens),
	})
	if err != nil {
		return "", &LLMError{Op: "revise", Err: err}
	}
	return response, nil
}

func buildRevisePrompt(candidateJSON string, feedback datatypes.CriticResult) string {
	var b strings.Builder
	b.WriteString("Du reviderar ett JSON-svar från en assistent för svensk förvaltning så att det uppfyller formatkraven.\n\n")
	fmt.Fprintf(&b, "Nuvarande svar:\n%s\n\n", candidateJSON)
	fmt.Fprintf(&b, "Åtgärda följande:\n%s\n\n", feedback.Remedy)
	b.WriteString("Behåll alla korrekta uppgifter och källhänvisningar. ")
	b.WriteString("Svara ENBART med det fullständiga JSON-objektet i samma format.")
	return b.String()
}

// buildRemedy turns check failures into one Swedish instruction block the
// reviser can follow.
func buildRemedy(question string, failures []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Frågan som besvaras: %s\n", question)
	for _, failure := range failures {
		switch {
		case strings.Contains(failure, "without a [n] citation"):
			b.WriteString("- Varje faktapåstående måste ha minst en källhänvisning [n] som pekar på en post i kallor.\n")
		case strings.Contains(failure, "no matching kallor entry"):
			b.WriteString("- Alla [n]-hänvisningar måste motsvara en post i kallor (1-indexerat).\n")
		case strings.Contains(failure, "was not retrieved"):
			b.WriteString("- kallor får bara innehålla källor från underlaget; ta bort påhittade källor.\n")
		case strings.Contains(failure, "evidence answer without kallor"):
			b.WriteString("- Svaret måste ange minst en källa i kallor, eller sätta saknas_underlag till true.\n")
		case strings.Contains(failure, "fakta_utan_kalla"):
			b.WriteString("- Belägg varje påstående med en källa eller ta bort det; fakta_utan_kalla ska vara tom.\n")
		case strings.Contains(failure, "opinion markers"):
			b.WriteString("- Ta bort värdeomdömen; svaret ska vara neutralt och sakligt.\n")
		case strings.Contains(failure, "speculation markers"):
			b.WriteString("- Ta bort spekulationer; om underlag saknas ska svaret bara konstatera det.\n")
		case strings.Contains(failure, "mode does not match"):
			b.WriteString("- Fältet mode måste vara oförändrat från begäran.\n")
		case strings.Contains(failure, "saknas_underlag is true"):
			b.WriteString("- Om saknas_underlag är true ska kallor vara en tom lista.\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// citationIndexes returns every [n] marker value in text, in order.
func citationIndexes(text string) []int {
	matches := citationPattern.FindAllStringSubmatch(text, -1)
	indexes := make([]int, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		indexes = append(indexes, n)
	}
	return indexes
}

// findWordMarkers returns the markers present in text as whole words.
func findWordMarkers(text string, markers []string) []string {
	words := make(map[string]struct{})
	for _, w := range splitWords(strings.ToLower(text)) {
		words[w] = struct{}{}
	}
	var found []string
	for _, marker := range markers {
		if _, ok := words[marker]; ok {
			found = append(found, marker)
		}
	}
	return found
}

// findPhraseMarkers returns the markers present in text as whole-word
// sequences. Handles multi-word markers like "kommer att".
func findPhraseMarkers(text string, markers []string) []string {
	tokens := splitWords(strings.ToLower(text))
	var found []string
	for _, marker := range markers {
		parts := splitWords(marker)
		if containsSequence(tokens, parts) {
			found = append(found, marker)
		}
	}
	return found
}

func containsSequence(tokens, parts []string) bool {
	if len(parts) == 0 || len(parts) > len(tokens) {
		return false
	}
	for i := 0; i+len(parts) <= len(tokens); i++ {
		if wordsMatch(tokens[i:i+len(parts)], parts) {
			return true
		}
	}
	return false
}

// requiresCitation reports whether a sentence carries a factual claim that
// must cite a kallor entry. Short connective fragments, colon-terminated
// lead-ins ("Av planbestämmelserna följer:") and the verbatim refusal
// sentence make no claim of their own.
func (c *Critic) requiresCitation(sentence string) bool {
	if utf8.RuneCountInString(sentence) < minFactualSentenceLen {
		return false
	}
	if strings.HasSuffix(sentence, ":") {
		return false
	}
	if sentence == c.config.RefusalTemplate {
		return false
	}
	return true
}

// splitSentences splits Swedish prose on sentence boundaries. Periods in
// abbreviations (t.ex., bl.a.), initials, enumerations and decimals do not
// end a sentence; neither does a period with no following whitespace.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if r == '.' && endsInAbbreviation(current.String()) {
			continue
		}
		// A boundary needs whitespace (or end of text) after the mark.
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(current.String()); s != "" {
			sentences = append(sentences, s)
		}
		current.Reset()
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// endsInAbbreviation reports whether the text's final period belongs to an
// abbreviation, a single-letter initial, or a bare number.
func endsInAbbreviation(text string) bool {
	trimmed := strings.TrimSuffix(text, ".")
	lastSpace := strings.LastIndexFunc(trimmed, unicode.IsSpace)
	word := strings.ToLower(trimmed[lastSpace+1:])
	if word == "" {
		return false
	}
	if _, ok := sentenceAbbrevs[word]; ok {
		return true
	}
	if len([]rune(word)) == 1 {
		return true
	}
	for _, r := range word {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
