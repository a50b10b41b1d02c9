// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output components for the Lagrum CLI.
//
// This file defines the streaming event envelope shared by the parser,
// reader, and renderer files. The envelope mirrors the orchestrator's
// SSE wire format one event per "data:" line.
//
// Event Order:
//
//	metadata → decontextualized? → token* → corrections? → done | error
//
// Every event carries an id, a creation timestamp, and two hash fields
// (hash, prev_hash) forming a tamper-evident chain over the stream. See
// integrity.go for chain verification.
package ux

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Event Types
// =============================================================================

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// StreamEventMetadata is the first event of every stream. Carries the
	// answering mode, the evidence level, and the retained sources.
	StreamEventMetadata StreamEventType = "metadata"

	// StreamEventDecontextualized carries the standalone rewrite of a
	// follow-up question. Emitted at most once, before any tokens.
	StreamEventDecontextualized StreamEventType = "decontextualized"

	// StreamEventToken carries one chunk of generated answer text.
	StreamEventToken StreamEventType = "token"

	// StreamEventCorrections carries terminology corrections applied to
	// the answer after generation. Emitted at most once.
	StreamEventCorrections StreamEventType = "corrections"

	// StreamEventDone terminates a successful stream.
	StreamEventDone StreamEventType = "done"

	// StreamEventError terminates a failed stream.
	StreamEventError StreamEventType = "error"
)

// String returns the wire name of the event type.
func (t StreamEventType) String() string {
	return string(t)
}

// IsTerminal reports whether the event type ends the stream. No events
// follow a terminal event; readers stop consuming when they see one.
func (t StreamEventType) IsTerminal() bool {
	return t == StreamEventDone || t == StreamEventError
}

// =============================================================================
// Payload Types
// =============================================================================

// SourceInfo is one retained source as presented to the caller.
//
// # Description
//
// SourceInfo mirrors the orchestrator's source reference exactly. The
// answer text cites sources by their 1-based position in the metadata
// event's source list, so order matters.
//
// # Fields
//
//   - Id: Stable document chunk identifier.
//   - Title: Document title (e.g., "Förvaltningslagen (2017:900) 9 §").
//   - Snippet: The retrieved passage, truncated server-side.
//   - Score: Relevance score in [0,1] (higher = more relevant).
//   - DocType: Document category (e.g., "lag", "foreskrift", "beslut").
//   - Source: Publishing body or origin (e.g., "riksdagen", "scb").
type SourceInfo struct {
	Id      string  `json:"id"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
	DocType string  `json:"doc_type"`
	Source  string  `json:"source"`
}

// Correction is one terminology replacement applied to the answer.
type Correction struct {
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
}

// =============================================================================
// Stream Event
// =============================================================================

// StreamEvent is one parsed event from the orchestrator's SSE feed.
//
// The Id, CreatedAt, PrevHash, and Hash fields are assigned server-side
// and preserved verbatim by the parser; they form the integrity chain.
// Hash covers Content, CreatedAt, and PrevHash (see integrity.go), so
// answer text and event ordering are tamper-evident.
//
// Index is assigned client-side by the stream reader and reflects the
// position of the event within the received stream.
type StreamEvent struct {
	Id        string          `json:"id,omitempty"`
	CreatedAt int64           `json:"created_at,omitempty"`
	Type      StreamEventType `json:"type"`
	Index     int             `json:"-"`

	// Content carries token text for token events.
	Content string `json:"content,omitempty"`

	// Text carries the rewritten question on decontextualized events.
	Text string `json:"text,omitempty"`

	// Metadata payload.
	Mode           string       `json:"mode,omitempty"`
	EvidenceLevel  string       `json:"evidence_level,omitempty"`
	Sources        []SourceInfo `json:"sources,omitempty"`
	SaknasUnderlag bool         `json:"saknas_underlag,omitempty"`

	// Corrections payload.
	Corrections   []Correction `json:"corrections,omitempty"`
	CorrectedText string       `json:"corrected_text,omitempty"`

	// Error payload. The orchestrator sends the message under "message";
	// the optional code is a client-side extension.
	Error     string `json:"message,omitempty"`
	ErrorCode string `json:"code,omitempty"`

	// Done payload.
	TotalTimeMs int64 `json:"total_time_ms,omitempty"`

	RequestID string `json:"request_id,omitempty"`

	// Integrity chain fields.
	PrevHash string `json:"prev_hash,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// IsTerminal reports whether this event ends the stream.
func (e *StreamEvent) IsTerminal() bool {
	return e.Type.IsTerminal()
}

// CreatedAtTime returns the creation timestamp as a time.Time.
func (e *StreamEvent) CreatedAtTime() time.Time {
	return time.UnixMilli(e.CreatedAt)
}

// RewrittenQuestion returns the decontextualized question, tolerating
// streams that send it under "content" instead of "text".
func (e *StreamEvent) RewrittenQuestion() string {
	if e.Text != "" {
		return e.Text
	}
	return e.Content
}

// =============================================================================
// Event Constructors
// =============================================================================

// newEvent creates an event with a fresh Id and timestamp.
func newEvent(t StreamEventType) StreamEvent {
	return StreamEvent{
		Id:        uuid.New().String(),
		CreatedAt: time.Now().UnixMilli(),
		Type:      t,
	}
}

// NewMetadataEvent creates a metadata event.
func NewMetadataEvent(mode, evidenceLevel string, sources []SourceInfo) StreamEvent {
	e := newEvent(StreamEventMetadata)
	e.Mode = mode
	e.EvidenceLevel = evidenceLevel
	e.Sources = sources
	return e
}

// NewDecontextualizedEvent creates a decontextualized-question event.
func NewDecontextualizedEvent(question string) StreamEvent {
	e := newEvent(StreamEventDecontextualized)
	e.Text = question
	return e
}

// NewTokenEvent creates a token event.
func NewTokenEvent(content string) StreamEvent {
	e := newEvent(StreamEventToken)
	e.Content = content
	return e
}

// NewCorrectionsEvent creates a corrections event.
func NewCorrectionsEvent(corrections []Correction, correctedText string) StreamEvent {
	e := newEvent(StreamEventCorrections)
	e.Corrections = corrections
	e.CorrectedText = correctedText
	return e
}

// NewDoneEvent creates a done event.
func NewDoneEvent() StreamEvent {
	return newEvent(StreamEventDone)
}

// NewErrorEvent creates an error event.
func NewErrorEvent(message string) StreamEvent {
	e := newEvent(StreamEventError)
	e.Error = message
	return e
}

// =============================================================================
// Stream Callback
// =============================================================================

// StreamCallback is invoked by stream readers for each parsed event.
// Returning a non-nil error stops the read and propagates the error.
type StreamCallback func(event StreamEvent) error

// =============================================================================
// Stream Result
// =============================================================================

// StreamResult aggregates a complete streaming exchange.
//
// A result is produced by StreamReader.ReadAll or by a renderer's
// Result method once the stream has ended. ChainHash is the hash of
// the terminal event; ContentHash is the SHA-256 of the accumulated
// answer. Both support after-the-fact integrity checks.
type StreamResult struct {
	Id        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
	RequestID string `json:"request_id,omitempty"`

	Answer           string `json:"answer"`
	Decontextualized string `json:"decontextualized,omitempty"`

	Mode           string       `json:"mode,omitempty"`
	EvidenceLevel  string       `json:"evidence_level,omitempty"`
	SaknasUnderlag bool         `json:"saknas_underlag,omitempty"`
	Sources        []SourceInfo `json:"sources,omitempty"`
	Corrections    []Correction `json:"corrections,omitempty"`
	CorrectedText  string       `json:"corrected_text,omitempty"`

	Error string `json:"error,omitempty"`

	ChainHash   string `json:"chain_hash,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`

	TotalTokens  int   `json:"total_tokens"`
	TotalEvents  int   `json:"total_events"`
	FirstTokenAt int64 `json:"first_token_at,omitempty"`
	CompletedAt  int64 `json:"completed_at,omitempty"`
}

// NewStreamResult creates a result with a fresh Id and timestamp.
func NewStreamResult() *StreamResult {
	return &StreamResult{
		Id:        uuid.New().String(),
		CreatedAt: time.Now().UnixMilli(),
	}
}

// NewStreamResultWithRequestID creates a result bound to a request id.
func NewStreamResultWithRequestID(requestID string) *StreamResult {
	r := NewStreamResult()
	r.RequestID = requestID
	return r
}

// HasError reports whether the stream ended with an error event.
func (r *StreamResult) HasError() bool {
	return r.Error != ""
}

// IsRefusal reports whether the orchestrator declined to answer for
// lack of sufficient underlying sources.
func (r *StreamResult) IsRefusal() bool {
	return r.SaknasUnderlag
}

// Duration returns the total stream duration, or 0 if either timestamp
// is missing.
func (r *StreamResult) Duration() time.Duration {
	if r.CreatedAt == 0 || r.CompletedAt == 0 {
		return 0
	}
	return time.Duration(r.CompletedAt-r.CreatedAt) * time.Millisecond
}

// TimeToFirstToken returns the latency to the first token, or 0 if
// either timestamp is missing.
func (r *StreamResult) TimeToFirstToken() time.Duration {
	if r.CreatedAt == 0 || r.FirstTokenAt == 0 {
		return 0
	}
	return time.Duration(r.FirstTokenAt-r.CreatedAt) * time.Millisecond
}

// TokensPerSecond returns the token throughput, or 0 if the duration
// is zero or no tokens arrived.
func (r *StreamResult) TokensPerSecond() float64 {
	d := r.Duration()
	if d <= 0 || r.TotalTokens == 0 {
		return 0
	}
	return float64(r.TotalTokens) / d.Seconds()
}

// CreatedAtTime returns CreatedAt as a time.Time.
func (r *StreamResult) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// CompletedAtTime returns CompletedAt as a time.Time.
func (r *StreamResult) CompletedAtTime() time.Time {
	return time.UnixMilli(r.CompletedAt)
}

// FirstTokenAtTime returns FirstTokenAt as a time.Time, or the zero
// time if no token arrived.
func (r *StreamResult) FirstTokenAtTime() time.Time {
	if r.FirstTokenAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.FirstTokenAt)
}
