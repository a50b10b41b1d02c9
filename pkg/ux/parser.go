// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output components for the Lagrum CLI.
//
// This file contains parsers for the orchestrator's streaming format.
// Parsers are responsible for converting raw lines into StreamEvent structs.
//
// Single Responsibility:
//
//	Parsers ONLY parse. They do not perform I/O, rendering, or state
//	management. This separation enables easy testing and format
//	extensibility.
package ux

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SSE Parser Interface
// =============================================================================

// SSEParser parses Server-Sent Events format into StreamEvent structs.
//
// SSE Format Reference (https://developer.mozilla.org/en-US/docs/Web/API/Server-sent_events):
//
//	data: {"type":"token","content":"Enligt"}\n
//	\n
//	data: {"type":"token","content":" 9 §"}\n
//	\n
//
// Each line starting with "data: " contains a JSON payload. Empty lines
// are event delimiters (ignored by this parser). Lines starting with ":"
// are comments; the orchestrator uses ": ping" comments as keep-alives.
//
// Integrity fields (id, created_at, prev_hash, hash) are preserved
// exactly as received so the hash chain can be verified client-side.
// Fresh values are generated only when the payload omits them.
//
// Thread Safety:
//
//	SSEParser implementations must be safe for concurrent use.
//	The default implementation is stateless and inherently thread-safe.
//
// Example:
//
//	parser := NewSSEParser()
//	event, err := parser.ParseLine(`data: {"type":"token","content":"Hej"}`)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if event != nil {
//	    fmt.Println(event.Content) // "Hej"
//	}
type SSEParser interface {
	// ParseLine parses a single line of SSE input.
	//
	// Parameters:
	//   - line: A single line from the SSE stream (without trailing newline)
	//
	// Returns:
	//   - *StreamEvent: The parsed event, or nil for empty/comment lines
	//   - error: Non-nil if JSON parsing failed
	//
	// Line handling:
	//   - Empty lines: Returns nil, nil (event delimiter)
	//   - Comment lines (":"): Returns nil, nil (keep-alives)
	//   - Data lines ("data: "): Parses JSON payload
	//   - Other lines: Treated as raw token content
	ParseLine(line string) (*StreamEvent, error)

	// ParseRawJSON parses a raw JSON payload into a StreamEvent.
	//
	// Use this when you have JSON without the "data: " prefix.
	// Server-assigned id and created_at are preserved; fresh values are
	// generated only when missing.
	//
	// Parameters:
	//   - jsonData: Raw JSON bytes
	//
	// Returns:
	//   - *StreamEvent: The parsed event
	//   - error: Non-nil if JSON parsing failed
	ParseRawJSON(jsonData []byte) (*StreamEvent, error)
}

// =============================================================================
// SSE Parser Implementation
// =============================================================================

// sseParser implements SSEParser for Server-Sent Events format.
//
// This implementation is stateless and safe for concurrent use.
type sseParser struct{}

// NewSSEParser creates a new SSE parser.
//
// The returned parser is stateless and can be safely shared across goroutines.
//
// Example:
//
//	parser := NewSSEParser()
//	event, _ := parser.ParseLine(`data: {"type":"done"}`)
func NewSSEParser() SSEParser {
	return &sseParser{}
}

// ParseLine parses a single SSE line.
//
// Handles the following line types:
//   - Empty: Returns nil (event boundary)
//   - Comment (starts with ":"): Returns nil (keep-alive ping)
//   - Data (starts with "data: "): Parses JSON after prefix
//   - Other: Treats entire line as token content
func (p *sseParser) ParseLine(line string) (*StreamEvent, error) {
	// Trim whitespace
	line = strings.TrimSpace(line)

	// Empty lines are event delimiters
	if line == "" {
		return nil, nil
	}

	// Comments start with ":"
	if strings.HasPrefix(line, ":") {
		return nil, nil
	}

	// Data lines start with "data: "
	if strings.HasPrefix(line, "data: ") {
		jsonData := strings.TrimPrefix(line, "data: ")
		return p.ParseRawJSON([]byte(jsonData))
	}

	// Also handle "data:" without space (some proxies strip it)
	if strings.HasPrefix(line, "data:") {
		jsonData := strings.TrimPrefix(line, "data:")
		return p.ParseRawJSON([]byte(jsonData))
	}

	// Non-JSON line - treat as raw token
	return &StreamEvent{
		Id:        uuid.New().String(),
		CreatedAt: time.Now().UnixMilli(),
		Type:      StreamEventToken,
		Content:   line,
	}, nil
}

// ParseRawJSON parses a JSON payload into a StreamEvent.
//
// The JSON should have a "type" field indicating the event type.
// Missing fields are handled gracefully with zero values.
//
// Example JSON:
//
//	{"type":"metadata","mode":"evidence","evidence_level":"HIGH","sources":[...]}
//	{"type":"token","content":"Enligt","prev_hash":"ab12...","hash":"cd34..."}
//	{"type":"corrections","corrections":[{"original":"dement","replacement":"person med demenssjukdom"}]}
//	{"type":"done"}
func (p *sseParser) ParseRawJSON(jsonData []byte) (*StreamEvent, error) {
	var event StreamEvent
	if err := json.Unmarshal(jsonData, &event); err != nil {
		return nil, err
	}

	// Events without server-assigned identity get a local one. Such
	// events cannot participate in chain verification.
	if event.Id == "" {
		event.Id = uuid.New().String()
	}
	if event.CreatedAt == 0 {
		event.CreatedAt = time.Now().UnixMilli()
	}

	return &event, nil
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEParser = (*sseParser)(nil)
