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
	"strings"
	"unicode"

	"github.com/lagrumai/lagrum/pkg/validation"
	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
)

// =============================================================================
// Mode Configuration
// =============================================================================

// System prompt identifiers per response mode.
const (
	PromptChatV1     = "chat_v1"
	PromptAssistV1   = "assist_v1"
	PromptEvidenceV1 = "evidence_v1"
)

// ModeConfig is the generation configuration a response mode implies.
type ModeConfig struct {
	Temperature    float32
	MaxTokens      int
	SystemPromptID string
}

// ConfigForMode returns the generation configuration for a mode.
// EVIDENCE runs cold and long; CHAT runs warm and short.
func ConfigForMode(mode datatypes.ResponseMode) ModeConfig {
	switch mode {
	case datatypes.ModeChat:
		return ModeConfig{Temperature: 0.7, MaxTokens: 512, SystemPromptID: PromptChatV1}
	case datatypes.ModeEvidence:
		return ModeConfig{Temperature: 0.3, MaxTokens: 1536, SystemPromptID: PromptEvidenceV1}
	default:
		return ModeConfig{Temperature: 0.4, MaxTokens: 1024, SystemPromptID: PromptAssistV1}
	}
}

// =============================================================================
// QueryProcessor
// =============================================================================

// QueryProcessor classifies questions into response modes. The
// classifier is rule-based: mode decisions must be reproducible and
// explainable, so no LLM is involved here.
type QueryProcessor struct{}

// NewQueryProcessor builds the classifier.
func NewQueryProcessor() *QueryProcessor {
	return &QueryProcessor{}
}

// Resolve picks the response mode for a request: an explicit mode hint
// wins, "auto" defers to the classifier. The matching generation
// configuration rides along.
func (p *QueryProcessor) Resolve(req *datatypes.QueryRequest) (datatypes.ResponseMode, ModeConfig) {
	if mode, ok := datatypes.ModeFromHint(req.Mode); ok {
		return mode, ConfigForMode(mode)
	}
	mode := p.Classify(req.Question)
	return mode, ConfigForMode(mode)
}

// evidenceMarkers signal a request for legal basis, exact citation, or
// statistics. Any hit classifies EVIDENCE.
var evidenceMarkers = []string{
	"§",
	"lagstöd",
	"rättslig grund",
	"rättsligt stöd",
	"laglig grund",
	"rättslig bas",
	"enligt vilken lag",
	"vilken lag",
	"vilken paragraf",
	"vilket lagrum",
	"vilken bestämmelse",
	"med stöd av",
	"enligt lagen",
	"enligt förordningen",
	"enligt föreskriften",
	"hur många",
	"hur stor andel",
	"hur stor del",
	"statistik",
	"exakt",
	"ordagrant",
	"citera",
}

// chatPhrases are pleasantries without information intent. Matching is
// whole-phrase against the normalized question.
var chatPhrases = []string{
	"hej",
	"hejsan",
	"hallå",
	"tjena",
	"god morgon",
	"god dag",
	"god kväll",
	"god natt",
	"hej då",
	"vi hörs",
	"ha det bra",
	"ha en bra dag",
	"trevlig helg",
	"tack",
	"tackar",
	"tusen tack",
	"tack så mycket",
	"tack för hjälpen",
	"tack för svaret",
	"okej",
	"ok",
	"toppen",
	"perfekt",
	"hur mår du",
	"hur är läget",
	"allt bra",
	"vem är du",
	"vad heter du",
	"vad är du",
	"vad kan du göra",
	"vad kan du hjälpa mig med",
}

// phraseConnectors may join pleasantries ("hej och tack").
var phraseConnectors = map[string]bool{
	"och":  true,
	"samt": true,
	"då":   true,
	"nu":   true,
	"så":   true,
}

// Classify maps a question to a response mode.
//
// # Description
//
// Three rules, in order:
//  1. EVIDENCE when the text cites a statute (SFS number, §) or asks
//     for legal basis, exact wording, or statistics.
//  2. CHAT when the text is only pleasantries: every word belongs to a
//     greeting phrase or a connector.
//  3. ASSIST otherwise; an informational question defaults to prose
//     with retrieval.
//
// # Inputs
//   - text: the user's question, any casing
//
// # Outputs
//   - datatypes.ResponseMode: the classified mode
func (p *QueryProcessor) Classify(text string) datatypes.ResponseMode {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return datatypes.ModeChat
	}

	if validation.ContainsSFSNumber(text) {
		return datatypes.ModeEvidence
	}
	for _, marker := range evidenceMarkers {
		if strings.Contains(normalized, marker) {
			return datatypes.ModeEvidence
		}
	}

	if isPleasantry(normalized) {
		return datatypes.ModeChat
	}
	return datatypes.ModeAssist
}

// isPleasantry reports whether the text consists entirely of greeting
// phrases and connectors. Greedy longest-phrase matching keeps
// "hej, hur mår du" in CHAT while "hej, vad säger förvaltningslagen"
// falls through to ASSIST.
func isPleasantry(normalized string) bool {
	words := splitWords(normalized)
	if len(words) == 0 || len(words) > 8 {
		return false
	}

	rest := words
	for len(rest) > 0 {
		matched := 0
		for _, phrase := range chatPhrases {
			parts := strings.Fields(phrase)
			if len(parts) > len(rest) || len(parts) <= matched {
				continue
			}
			if wordsMatch(rest[:len(parts)], parts) {
				matched = len(parts)
			}
		}
		if matched == 0 {
			return false
		}
		rest = rest[matched:]
		for len(rest) > 0 && phraseConnectors[rest[0]] {
			rest = rest[1:]
		}
	}
	return true
}

func splitWords(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func wordsMatch(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// =============================================================================
// Post-Retrieval Signals
// =============================================================================

// EvidenceLevelFor grades how well the retained sources support an
// answer. HIGH needs both a strong top hit and corroboration from a
// second source.
func EvidenceLevelFor(results []datatypes.SearchResult) datatypes.EvidenceLevel {
	if len(results) == 0 {
		return datatypes.EvidenceNone
	}
	top := results[0].Score
	switch {
	case top >= 0.85 && len(results) >= 2:
		return datatypes.EvidenceHigh
	case top >= 0.6:
		return datatypes.EvidenceMedium
	case top >= 0.3:
		return datatypes.EvidenceLow
	default:
		return datatypes.EvidenceNone
	}
}

// MergeMustInclude combines caller-supplied tokens with SFS numbers
// extracted from the question, deduplicated case-insensitively in
// first-seen order.
func MergeMustInclude(question string, requested []string) []string {
	seen := make(map[string]bool)
	merged := make([]string, 0, len(requested)+2)

	add := func(token string) {
		token = strings.TrimSpace(token)
		if token == "" {
			return
		}
		key := strings.ToLower(token)
		if seen[key] {
			return
		}
		seen[key] = true
		merged = append(merged, token)
	}

	for _, token := range requested {
		add(token)
	}
	for _, number := range validation.ExtractSFSNumbers(question) {
		add(number)
	}
	return merged
}
