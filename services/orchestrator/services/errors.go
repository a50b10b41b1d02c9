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
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

// RetrievalError is a vector-store or embedding failure. Handlers map it
// to 502; the pipeline maps it to the refusal path when the strategy
// could not recover.
type RetrievalError struct {
	// Op names the failing operation ("embed", "search", "strategy").
	Op string

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface for RetrievalError.
func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval %s failed: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying error to errors.Is/As.
func (e *RetrievalError) Unwrap() error { return e.Err }

// IsRetrievalError checks if an error is (or wraps) a RetrievalError.
func IsRetrievalError(err error) bool {
	var re *RetrievalError
	return errors.As(err, &re)
}

// LLMError is any generation failure: timeout, stall, transport, or a
// response the caller could not use at all.
type LLMError struct {
	// Op names the failing call ("decontextualize", "generate", "grade",
	// "critique", "revise", "rerank", "rewrite").
	Op string

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface for LLMError.
func (e *LLMError) Error() string {
	return fmt.Sprintf("llm %s failed: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying error to errors.Is/As.
func (e *LLMError) Unwrap() error { return e.Err }

// IsLLMError checks if an error is (or wraps) an LLMError.
func IsLLMError(err error) bool {
	var le *LLMError
	return errors.As(err, &le)
}

// SchemaError means the LLM's structured output could not be parsed or
// violated the answer schema. The raw model output never rides on the
// error; only the reason does.
type SchemaError struct {
	// Reason describes the violation without quoting model output.
	Reason string
}

// Error implements the error interface for SchemaError.
func (e *SchemaError) Error() string {
	return fmt.Sprintf("answer schema violation: %s", e.Reason)
}

// IsSchemaError checks if an error is (or wraps) a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// CriticFailure means the critic still rejected the candidate after the
// revision budget. In EVIDENCE the pipeline refuses; in ASSIST the last
// candidate is degraded instead.
type CriticFailure struct {
	// Errors are the critic's findings from the final iteration.
	Errors []string

	// Revisions is how many revise rounds were spent.
	Revisions int
}

// Error implements the error interface for CriticFailure.
func (e *CriticFailure) Error() string {
	return fmt.Sprintf("critic rejected answer after %d revisions: %d findings", e.Revisions, len(e.Errors))
}

// IsCriticFailure checks if an error is (or wraps) a CriticFailure.
func IsCriticFailure(err error) bool {
	var cf *CriticFailure
	return errors.As(err, &cf)
}

// GuardrailRefusal means the answer hit the terminology deny-list and
// must be replaced with the refusal template.
type GuardrailRefusal struct {
	// Term is the denied term that triggered the refusal.
	Term string
}

// Error implements the error interface for GuardrailRefusal.
func (e *GuardrailRefusal) Error() string {
	return fmt.Sprintf("guardrail refused answer: denied term %q", e.Term)
}

// IsGuardrailRefusal checks if an error is (or wraps) a GuardrailRefusal.
func IsGuardrailRefusal(err error) bool {
	var gr *GuardrailRefusal
	return errors.As(err, &gr)
}

// InputError is a request validation failure. Handlers map it to 400.
type InputError struct {
	// Field is the offending request field, when known.
	Field string

	// Message explains the violation.
	Message string
}

// Error implements the error interface for InputError.
func (e *InputError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid request: %s", e.Message)
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
}

// IsInputError checks if an error is (or wraps) an InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// IsCancelled checks whether an error stems from caller disconnect or a
// deadline, including wrapped context errors. Cancelled requests get no
// response body; streaming emits a final error event at most.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
