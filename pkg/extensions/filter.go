// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"errors"
)

// ErrQuestionBlocked is returned when a question is rejected by the filter.
// Hosted implementations should wrap this error with the reason.
//
// Example:
//
//	if containsPersonnummer(question) {
//	    return "", fmt.Errorf("question contains personnummer: %w", ErrQuestionBlocked)
//	}
var ErrQuestionBlocked = errors.New("question blocked by filter")

// FilterResult contains the outcome of a filter operation.
//
// This struct provides detailed information about what the filter did,
// useful for debugging, audit trails, and user feedback.
//
// Example:
//
//	result := FilterResult{
//	    Original:    "Min granne 19850615-1234 bygger utan lov",
//	    Filtered:    "Min granne [PERSONNUMMER] bygger utan lov",
//	    WasModified: true,
//	    Detections: []Detection{
//	        {Type: "personnummer", Location: "characters 11-24", Action: "redacted"},
//	    },
//	}
type FilterResult struct {
	// Original is the input text before filtering.
	Original string

	// Filtered is the text after filtering transformations.
	// If WasModified is false, this equals Original.
	Filtered string

	// WasModified indicates if any transformations were applied.
	WasModified bool

	// WasBlocked indicates if the text was completely rejected.
	// If true, Filtered should not be used.
	WasBlocked bool

	// BlockReason explains why the text was blocked (if WasBlocked).
	BlockReason string

	// Detections lists what the filter found in the text.
	// Useful for audit logging and debugging.
	Detections []Detection
}

// Detection describes a single item found by the filter.
//
// Example:
//
//	detection := Detection{
//	    Type:     "personnummer",
//	    Location: "characters 45-58",
//	    Action:   "redacted",
//	}
type Detection struct {
	// Type categorizes what was detected.
	// Common types: "personnummer", "email", "phone", "api_key",
	// "pii", "secret", "prompt_injection"
	Type string

	// Location describes where in the text the item was found.
	// Format is implementation-specific (e.g., "characters 10-20", "line 3")
	Location string

	// Action describes what was done with the detected item.
	// Values: "redacted", "masked", "replaced", "blocked", "flagged"
	Action string

	// Original is the detected content (only populated in debug mode).
	// WARNING: This may contain personal data - handle carefully.
	Original string

	// Replacement is what the content was replaced with (if Action is "replaced").
	Replacement string
}

// QuestionFilter transforms text before and after LLM processing.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Filter Pipeline
//
// Text flows through filters at three points:
//
//  1. FilterQuestion: Before the question enters the pipeline
//     - Redact personnummer and other PII from user questions
//     - Block policy violations
//     - Detect prompt injection attempts
//
//  2. FilterAnswer: Before an answer is returned to the caller
//     - Remove leaked secrets from responses
//     - Mask personal data the model repeated from context
//
//  3. FilterContext: Before retrieved passages are injected into a prompt
//     - Screen chunks from restricted dataspaces
//     - Strip markers that should never reach the model
//
// # Open Source Behavior
//
// The default NopQuestionFilter passes all text through unchanged.
// This is appropriate for local single-user deployments where content
// filtering isn't required.
//
// # Hosted Implementation
//
// Agency deployments implement GDPR minimization here. The common
// case is a regex pass that replaces personnummer (YYYYMMDD-NNNN)
// with a placeholder before the question is logged or embedded.
//
// # Blocking vs Transforming
//
// Filters can either:
//   - Transform: Modify content and allow it through (e.g., redact personnummer)
//   - Block: Reject the entire text (e.g., policy violation)
//
// To block, return a FilterResult with WasBlocked=true and BlockReason set.
// The caller should then return ErrQuestionBlocked to the user.
type QuestionFilter interface {
	// FilterQuestion processes a user question before pipeline entry.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - question: The raw user input
	//
	// Returns:
	//   - *FilterResult: The filtered question and metadata
	//   - error: Non-nil only for filter failures (not for blocks)
	//
	// If WasBlocked is true, the caller should:
	//  1. Log the block via AuditLogger
	//  2. Return ErrQuestionBlocked to the user
	//  3. NOT run retrieval or generation
	FilterQuestion(ctx context.Context, question string) (*FilterResult, error)

	// FilterAnswer processes a generated answer before returning to user.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - answer: The generated answer text
	//
	// Returns:
	//   - *FilterResult: The filtered answer and metadata
	//   - error: Non-nil only for filter failures (not for blocks)
	//
	// Common answer filtering:
	//   - Remove accidentally leaked API keys
	//   - Mask personal data echoed from source passages
	FilterAnswer(ctx context.Context, answer string) (*FilterResult, error)

	// FilterContext processes retrieved passages before prompt injection.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - contextMsg: A retrieved passage or system prompt fragment
	//
	// Returns:
	//   - *FilterResult: The filtered text and metadata
	//   - error: Non-nil only for filter failures
	FilterContext(ctx context.Context, contextMsg string) (*FilterResult, error)
}

// NopQuestionFilter is the default filter for open source.
//
// It passes all text through unchanged without any transformation
// or blocking. This is appropriate for local single-user deployments
// where content filtering isn't required.
//
// Thread-safe: This implementation has no mutable state.
//
// Example:
//
//	filter := &NopQuestionFilter{}
//	result, err := filter.FilterQuestion(ctx, "Vad gäller för bygglov?")
//	// result.Filtered == "Vad gäller för bygglov?" (unchanged)
//	// result.WasModified == false
//	// err == nil
type NopQuestionFilter struct{}

// FilterQuestion returns the question unchanged.
//
// No transformations or blocking are applied.
func (f *NopQuestionFilter) FilterQuestion(ctx context.Context, question string) (*FilterResult, error) {
	return &FilterResult{
		Original:    question,
		Filtered:    question,
		WasModified: false,
		WasBlocked:  false,
		Detections:  nil,
	}, nil
}

// FilterAnswer returns the answer unchanged.
//
// No transformations or blocking are applied.
func (f *NopQuestionFilter) FilterAnswer(ctx context.Context, answer string) (*FilterResult, error) {
	return &FilterResult{
		Original:    answer,
		Filtered:    answer,
		WasModified: false,
		WasBlocked:  false,
		Detections:  nil,
	}, nil
}

// FilterContext returns the context unchanged.
//
// No transformations or blocking are applied.
func (f *NopQuestionFilter) FilterContext(ctx context.Context, contextMsg string) (*FilterResult, error) {
	return &FilterResult{
		Original:    contextMsg,
		Filtered:    contextMsg,
		WasModified: false,
		WasBlocked:  false,
		Detections:  nil,
	}, nil
}

// Compile-time interface compliance check.
var _ QuestionFilter = (*NopQuestionFilter)(nil)
