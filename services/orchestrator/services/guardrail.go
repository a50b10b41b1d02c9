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
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
)

// defaultLexicon is the terminology lexicon baked into the binary. An
// external file can extend or override it but never silently disable the
// guardrail as a whole.
//
//go:embed lexicon_default.yaml
var defaultLexicon []byte

const lexiconReloadDebounce = 200 * time.Millisecond

// TermRule is one lexicon entry: a disallowed term with its approved
// replacement, or a deny-listed term that blocks the answer entirely.
type TermRule struct {
	Term        string `yaml:"term" json:"term"`
	Replacement string `yaml:"replacement,omitempty" json:"replacement,omitempty"`
	Deny        bool   `yaml:"deny,omitempty" json:"deny,omitempty"`
}

type lexiconFile struct {
	Terms []TermRule `yaml:"terms"`
}

// compiledRule pairs a lexicon entry with its whole-word pattern.
type compiledRule struct {
	TermRule
	pattern *regexp.Regexp
}

// Guardrail normalizes terminology in visible answer text.
//
// # Description
//
// The visible answer is the only thing the guardrail touches: citations,
// kallor and the answer structure pass through it untouched because the
// guardrail never sees them. Replacements are whole-word and preserve the
// original's capitalization. A deny-listed term refuses the answer
// outright; the pipeline substitutes the refusal template.
//
// The lexicon is the embedded default, optionally merged with a YAML file
// whose entries override same-term defaults. When started, the guardrail
// watches that file and reloads it on change, so terminology fixes do not
// need a redeploy.
type Guardrail struct {
	path     string
	defaults []compiledRule

	mu    sync.RWMutex
	rules []compiledRule

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// NewGuardrail builds a Guardrail from the embedded lexicon, merged with
// the YAML file at lexiconPath when non-empty. A missing or malformed
// file fails construction; runtime reloads are where the guardrail is
// forgiving, startup is not.
func NewGuardrail(lexiconPath string) (*Guardrail, error) {
	defaults, err := parseLexicon(defaultLexicon)
	if err != nil {
		return nil, fmt.Errorf("embedded lexicon: %w", err)
	}

	g := &Guardrail{
		path:     lexiconPath,
		defaults: defaults,
		rules:    defaults,
		done:     make(chan struct{}),
	}
	if lexiconPath != "" {
		if err := g.reload(); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Validate applies the lexicon to the visible answer text.
//
// # Outputs
//   - datatypes.GuardrailResult: UNCHANGED with the input echoed back,
//     CORRECTED with the rewritten text and the replacements made, or
//     REFUSED when a deny-listed term occurs. On REFUSED the corrected
//     text is empty and Corrections names the denied term.
func (g *Guardrail) Validate(svar string) datatypes.GuardrailResult {
	g.mu.RLock()
	rules := g.rules
	g.mu.RUnlock()

	for _, rule := range rules {
		if rule.Deny && rule.pattern.MatchString(svar) {
			return datatypes.GuardrailResult{
				Status:      datatypes.GuardrailRefused,
				Corrections: []datatypes.Correction{{Original: rule.Term}},
			}
		}
	}

	text := svar
	var corrections []datatypes.Correction
	for _, rule := range rules {
		if rule.Deny {
			continue
		}
		var applied []datatypes.Correction
		text, applied = applyRule(text, rule)
		corrections = append(corrections, applied...)
	}

	if len(corrections) == 0 {
		return datatypes.GuardrailResult{Status: datatypes.GuardrailUnchanged, CorrectedText: svar}
	}
	return datatypes.GuardrailResult{
		Status:        datatypes.GuardrailCorrected,
		CorrectedText: text,
		Corrections:   dedupeCorrections(corrections),
	}
}

// Start begins watching the lexicon file for changes. A guardrail built
// without a file path starts as a no-op.
func (g *Guardrail) Start(ctx context.Context) error {
	if g.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("lexicon watcher: %w", err)
	}
	// Watch the directory, not the file: editors and config rollouts
	// replace files by rename, which drops file-level watches.
	if err := watcher.Add(filepath.Dir(g.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("lexicon watcher: %w", err)
	}
	g.watcher = watcher
	go g.watchLoop(ctx)
	return nil
}

// Stop ends lexicon watching. Validate keeps working with the last
// successfully loaded rules.
func (g *Guardrail) Stop() {
	g.stopOnce.Do(func() {
		close(g.done)
		if g.watcher != nil {
			g.watcher.Close()
		}
	})
}

func (g *Guardrail) watchLoop(ctx context.Context) {
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		case event, ok := <-g.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(g.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(lexiconReloadDebounce)
		case <-debounce.C:
			if err := g.reload(); err != nil {
				slog.Warn("lexicon reload failed, keeping previous rules", "path", g.path, "error", err)
				continue
			}
			slog.Info("terminology lexicon reloaded", "path", g.path)
		case err, ok := <-g.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("lexicon watcher error", "error", err)
		}
	}
}

// reload re-reads the lexicon file and swaps in the merged rule set.
func (g *Guardrail) reload() error {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return fmt.Errorf("read lexicon: %w", err)
	}
	fileRules, err := parseLexicon(data)
	if err != nil {
		return err
	}

	merged := mergeRules(g.defaults, fileRules)
	g.mu.Lock()
	g.rules = merged
	g.mu.Unlock()
	return nil
}

// mergeRules overlays file rules onto the defaults. A file rule with the
// same term replaces the default; one with neither replacement nor deny
// removes it.
func mergeRules(defaults, overrides []compiledRule) []compiledRule {
	merged := make([]compiledRule, 0, len(defaults)+len(overrides))
	overridden := make(map[string]struct{}, len(overrides))
	for _, rule := range overrides {
		overridden[strings.ToLower(rule.Term)] = struct{}{}
	}
	for _, rule := range defaults {
		if _, ok := overridden[strings.ToLower(rule.Term)]; !ok {
			merged = append(merged, rule)
		}
	}
	for _, rule := range overrides {
		if rule.Replacement == "" && !rule.Deny {
			continue
		}
		merged = append(merged, rule)
	}
	return merged
}

func parseLexicon(data []byte) ([]compiledRule, error) {
	var file lexiconFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse lexicon: %w", err)
	}

	rules := make([]compiledRule, 0, len(file.Terms))
	for i, term := range file.Terms {
		if strings.TrimSpace(term.Term) == "" {
			return nil, fmt.Errorf("lexicon entry %d: empty term", i)
		}
		pattern, err := compileTermPattern(term.Term)
		if err != nil {
			return nil, fmt.Errorf("lexicon entry %d (%s): %w", i, term.Term, err)
		}
		rules = append(rules, compiledRule{TermRule: term, pattern: pattern})
	}
	return rules, nil
}

// compileTermPattern builds a case-insensitive whole-word pattern with
// Unicode-aware boundaries. \b only understands ASCII, which would split
// Swedish words at å, ä and ö.
func compileTermPattern(term string) (*regexp.Regexp, error) {
	return regexp.Compile(`(?i)(^|[^\p{L}\p{N}])(` + regexp.QuoteMeta(term) + `)($|[^\p{L}\p{N}])`)
}

// applyRule replaces every whole-word occurrence of the rule's term,
// preserving each occurrence's capitalization. Scanning resumes right
// after the replaced term so the boundary character can serve the next
// occurrence too.
func applyRule(text string, rule compiledRule) (string, []datatypes.Correction) {
	var b strings.Builder
	var corrections []datatypes.Correction

	pos := 0
	for pos <= len(text) {
		loc := rule.pattern.FindStringSubmatchIndex(text[pos:])
		if loc == nil {
			b.WriteString(text[pos:])
			break
		}
		termStart, termEnd := pos+loc[4], pos+loc[5]
		matched := text[termStart:termEnd]
		replacement := preserveCase(matched, rule.Replacement)

		b.WriteString(text[pos:termStart])
		b.WriteString(replacement)
		corrections = append(corrections, datatypes.Correction{Original: matched, Replacement: replacement})
		pos = termEnd
	}
	return b.String(), corrections
}

// preserveCase maps the replacement onto the matched form's
// capitalization: all-caps stays all-caps, a capitalized first letter
// stays capitalized, anything else uses the replacement verbatim.
func preserveCase(matched, replacement string) string {
	if matched == strings.ToUpper(matched) && matched != strings.ToLower(matched) {
		return strings.ToUpper(replacement)
	}
	first := []rune(matched)
	if len(first) > 0 && unicode.IsUpper(first[0]) {
		runes := []rune(replacement)
		if len(runes) > 0 {
			runes[0] = unicode.ToUpper(runes[0])
			return string(runes)
		}
	}
	return replacement
}

func dedupeCorrections(corrections []datatypes.Correction) []datatypes.Correction {
	seen := make(map[datatypes.Correction]struct{}, len(corrections))
	deduped := make([]datatypes.Correction, 0, len(corrections))
	for _, c := range corrections {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		deduped = append(deduped, c)
	}
	return deduped
}
