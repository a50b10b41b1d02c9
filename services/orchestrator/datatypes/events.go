// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// =============================================================================
// SSE Event Types
// =============================================================================

// Event types emitted on the streaming endpoint, in wire order: exactly one
// metadata first, at most one decontextualized, then tokens, at most one
// corrections, then exactly one done or error.
const (
	EventMetadata         = "metadata"
	EventDecontextualized = "decontextualized"
	EventToken            = "token"
	EventCorrections      = "corrections"
	EventDone             = "done"
	EventError            = "error"
)

// StreamEvent is one event on the streaming feed.
//
// # Description
//
// A tagged variant: Type selects which payload fields are populated, all
// others are omitted from the serialized form. The envelope fields (Id,
// CreatedAt, PrevHash, Hash) are set by the SSE writer and form a SHA-256
// hash chain so clients can detect dropped or reordered events. They carry
// no internal data.
//
// Payload fields by type:
//
//	metadata          Mode, Sources, EvidenceLevel
//	decontextualized  Text
//	token             Content
//	corrections       Corrections, CorrectedText
//	done              TotalTimeMs
//	error             Message
//
// Sources is a pointer so that the metadata event serializes an explicit
// "sources": [] when retrieval was skipped or refused, while every other
// event type omits the key entirely.
type StreamEvent struct {
	Type      string `json:"type"`
	Id        string `json:"id,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
	PrevHash  string `json:"prev_hash,omitempty"`
	Hash      string `json:"hash,omitempty"`

	Mode          ResponseMode  `json:"mode,omitempty"`
	Sources       *[]SourceRef  `json:"sources,omitempty"`
	EvidenceLevel EvidenceLevel `json:"evidence_level,omitempty"`

	Text string `json:"text,omitempty"`

	Content string `json:"content,omitempty"`

	Corrections   []Correction `json:"corrections,omitempty"`
	CorrectedText string       `json:"corrected_text,omitempty"`

	TotalTimeMs *int64 `json:"total_time_ms,omitempty"`

	Message string `json:"message,omitempty"`
}

// IsTerminal reports whether the event closes the stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// NewMetadataEvent builds the mandatory first event of a stream. A nil
// sources slice serializes as [].
func NewMetadataEvent(mode ResponseMode, sources []SourceRef, level EvidenceLevel) StreamEvent {
	if sources == nil {
		sources = []SourceRef{}
	}
	return StreamEvent{
		Type:          EventMetadata,
		Mode:          mode,
		Sources:       &sources,
		EvidenceLevel: level,
	}
}

// NewDecontextualizedEvent reports the standalone rewrite of the question.
func NewDecontextualizedEvent(text string) StreamEvent {
	return StreamEvent{Type: EventDecontextualized, Text: text}
}

// NewTokenEvent wraps one LLM token.
func NewTokenEvent(content string) StreamEvent {
	return StreamEvent{Type: EventToken, Content: content}
}

// NewCorrectionsEvent reports guardrail terminology corrections together
// with the fully corrected visible text.
func NewCorrectionsEvent(corrections []Correction, correctedText string) StreamEvent {
	return StreamEvent{
		Type:          EventCorrections,
		Corrections:   corrections,
		CorrectedText: correctedText,
	}
}

// NewDoneEvent closes a successful stream.
func NewDoneEvent(totalTimeMs int64) StreamEvent {
	return StreamEvent{Type: EventDone, TotalTimeMs: &totalTimeMs}
}

// NewErrorEvent closes a failed stream. The message must already be
// sanitized for client exposure.
func NewErrorEvent(message string) StreamEvent {
	return StreamEvent{Type: EventError, Message: message}
}
