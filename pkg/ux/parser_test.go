// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"testing"
)

// =============================================================================
// SSE Parser Tests
// =============================================================================

func TestNewSSEParser(t *testing.T) {
	parser := NewSSEParser()
	if parser == nil {
		t.Fatal("NewSSEParser() returned nil")
	}
}

// -----------------------------------------------------------------------------
// ParseLine Tests - Data Lines
// -----------------------------------------------------------------------------

func TestSSEParser_ParseLine_MetadataEvent(t *testing.T) {
	parser := NewSSEParser()

	event, err := parser.ParseLine(`data: {"type":"metadata","mode":"EVIDENCE","evidence_level":"HIGH","sources":[{"id":"c1","title":"Förvaltningslagen (2017:900) 9 §","snippet":"Serviceskyldighet...","score":0.91,"doc_type":"lag","source":"riksdagen"}]}`)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event == nil {
		t.Fatal("expected event, got nil")
	}
	if event.Type != StreamEventMetadata {
		t.Errorf("expected Type %v, got %v", StreamEventMetadata, event.Type)
	}
	if event.Mode != "EVIDENCE" {
		t.Errorf("expected Mode 'EVIDENCE', got %q", event.Mode)
	}
	if event.EvidenceLevel != "HIGH" {
		t.Errorf("expected EvidenceLevel 'HIGH', got %q", event.EvidenceLevel)
	}
	if len(event.Sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(event.Sources))
	}
	if event.Sources[0].Title != "Förvaltningslagen (2017:900) 9 §" {
		t.Errorf("unexpected source title %q", event.Sources[0].Title)
	}
	if event.Sources[0].Score != 0.91 {
		t.Errorf("expected score 0.91, got %f", event.Sources[0].Score)
	}
	if event.Sources[0].DocType != "lag" {
		t.Errorf("expected doc_type 'lag', got %q", event.Sources[0].DocType)
	}
}

func TestSSEParser_ParseLine_MetadataRefusal(t *testing.T) {
	parser := NewSSEParser()

	event, err := parser.ParseLine(`data: {"type":"metadata","mode":"EVIDENCE","evidence_level":"NONE","saknas_underlag":true,"sources":[]}`)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !event.SaknasUnderlag {
		t.Error("expected SaknasUnderlag to be true")
	}
	if len(event.Sources) != 0 {
		t.Errorf("expected no sources, got %d", len(event.Sources))
	}
}

func TestSSEParser_ParseLine_DecontextualizedEvent(t *testing.T) {
	parser := NewSSEParser()

	event, err := parser.ParseLine(`data: {"type":"decontextualized","text":"Vilken myndighet utfärdade HSLF-FS 2021:75?"}`)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Type != StreamEventDecontextualized {
		t.Errorf("expected Type %v, got %v", StreamEventDecontextualized, event.Type)
	}
	if event.RewrittenQuestion() != "Vilken myndighet utfärdade HSLF-FS 2021:75?" {
		t.Errorf("unexpected question %q", event.RewrittenQuestion())
	}
}

func TestSSEParser_ParseLine_TokenEvent(t *testing.T) {
	parser := NewSSEParser()

	event, err := parser.ParseLine(`data: {"type":"token","content":"Enligt"}`)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event == nil {
		t.Fatal("expected event, got nil")
	}
	if event.Id == "" {
		t.Error("expected Id to be set")
	}
	if event.CreatedAt == 0 {
		t.Error("expected CreatedAt to be set")
	}
	if event.Type != StreamEventToken {
		t.Errorf("expected Type %v, got %v", StreamEventToken, event.Type)
	}
	if event.Content != "Enligt" {
		t.Errorf("expected Content 'Enligt', got %q", event.Content)
	}
}

func TestSSEParser_ParseLine_CorrectionsEvent(t *testing.T) {
	parser := NewSSEParser()

	event, err := parser.ParseLine(`data: {"type":"corrections","corrections":[{"original":"forvaltningslagen","replacement":"förvaltningslagen"}],"corrected_text":"Enligt förvaltningslagen."}`)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Type != StreamEventCorrections {
		t.Errorf("expected Type %v, got %v", StreamEventCorrections, event.Type)
	}
	if len(event.Corrections) != 1 {
		t.Fatalf("expected 1 correction, got %d", len(event.Corrections))
	}
	if event.Corrections[0].Replacement != "förvaltningslagen" {
		t.Errorf("unexpected replacement %q", event.Corrections[0].Replacement)
	}
	if event.CorrectedText != "Enligt förvaltningslagen." {
		t.Errorf("unexpected corrected_text %q", event.CorrectedText)
	}
}

func TestSSEParser_ParseLine_DoneEvent(t *testing.T) {
	parser := NewSSEParser()

	event, err := parser.ParseLine(`data: {"type":"done"}`)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Type != StreamEventDone {
		t.Errorf("expected Type %v, got %v", StreamEventDone, event.Type)
	}
	if !event.IsTerminal() {
		t.Error("expected done event to be terminal")
	}
}

func TestSSEParser_ParseLine_ErrorEvent(t *testing.T) {
	parser := NewSSEParser()

	event, err := parser.ParseLine(`data: {"type":"error","message":"generation stalled","code":"llm_timeout"}`)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Type != StreamEventError {
		t.Errorf("expected Type %v, got %v", StreamEventError, event.Type)
	}
	if event.Error != "generation stalled" {
		t.Errorf("expected Error 'generation stalled', got %q", event.Error)
	}
	if event.ErrorCode != "llm_timeout" {
		t.Errorf("expected ErrorCode 'llm_timeout', got %q", event.ErrorCode)
	}
	if !event.IsTerminal() {
		t.Error("expected error event to be terminal")
	}
}

func TestSSEParser_ParseLine_WithRequestID(t *testing.T) {
	parser := NewSSEParser()

	event, err := parser.ParseLine(`data: {"type":"metadata","mode":"CHAT","request_id":"req-xyz"}`)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.RequestID != "req-xyz" {
		t.Errorf("expected RequestID 'req-xyz', got %q", event.RequestID)
	}
}

// -----------------------------------------------------------------------------
// ParseLine Tests - Integrity Field Preservation
// -----------------------------------------------------------------------------

func TestSSEParser_ParseLine_PreservesServerIdentity(t *testing.T) {
	parser := NewSSEParser()

	event, err := parser.ParseLine(`data: {"id":"evt-1","created_at":1735657200000,"type":"token","content":"Hej","prev_hash":"aaa","hash":"bbb"}`)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Id != "evt-1" {
		t.Errorf("expected server-assigned Id 'evt-1', got %q", event.Id)
	}
	if event.CreatedAt != 1735657200000 {
		t.Errorf("expected server-assigned CreatedAt, got %d", event.CreatedAt)
	}
	if event.PrevHash != "aaa" {
		t.Errorf("expected PrevHash 'aaa', got %q", event.PrevHash)
	}
	if event.Hash != "bbb" {
		t.Errorf("expected Hash 'bbb', got %q", event.Hash)
	}
}

func TestSSEParser_ParseLine_GeneratesIdentityWhenAbsent(t *testing.T) {
	parser := NewSSEParser()

	event, err := parser.ParseLine(`data: {"type":"token","content":"Hej"}`)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Id == "" {
		t.Error("expected a generated Id when server omits one")
	}
	if event.CreatedAt == 0 {
		t.Error("expected a generated CreatedAt when server omits one")
	}
	if event.Hash != "" {
		t.Errorf("expected empty Hash, got %q", event.Hash)
	}
}

// -----------------------------------------------------------------------------
// ParseLine Tests - Empty and Comment Lines
// -----------------------------------------------------------------------------

func TestSSEParser_ParseLine_EmptyLine(t *testing.T) {
	parser := NewSSEParser()

	event, err := parser.ParseLine("")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event != nil {
		t.Error("expected nil event for empty line")
	}
}

func TestSSEParser_ParseLine_WhitespaceOnly(t *testing.T) {
	parser := NewSSEParser()

	event, err := parser.ParseLine("   \t  ")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event != nil {
		t.Error("expected nil event for whitespace-only line")
	}
}

func TestSSEParser_ParseLine_PingComment(t *testing.T) {
	parser := NewSSEParser()

	// The orchestrator sends ": ping" keep-alives every 15 seconds
	event, err := parser.ParseLine(": ping")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event != nil {
		t.Error("expected nil event for keep-alive comment")
	}
}

// -----------------------------------------------------------------------------
// ParseLine Tests - Raw Token Lines
// -----------------------------------------------------------------------------

func TestSSEParser_ParseLine_RawToken(t *testing.T) {
	parser := NewSSEParser()

	// Some servers send plain text tokens without JSON wrapper
	event, err := parser.ParseLine("Hej världen")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event == nil {
		t.Fatal("expected event, got nil")
	}
	if event.Type != StreamEventToken {
		t.Errorf("expected Type %v, got %v", StreamEventToken, event.Type)
	}
	if event.Content != "Hej världen" {
		t.Errorf("expected Content 'Hej världen', got %q", event.Content)
	}
}

// -----------------------------------------------------------------------------
// ParseLine Tests - Edge Cases
// -----------------------------------------------------------------------------

func TestSSEParser_ParseLine_DataNoSpace(t *testing.T) {
	parser := NewSSEParser()

	// Some servers send "data:" without space
	event, err := parser.ParseLine(`data:{"type":"token","content":"Hej"}`)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event == nil {
		t.Fatal("expected event, got nil")
	}
	if event.Content != "Hej" {
		t.Errorf("expected Content 'Hej', got %q", event.Content)
	}
}

func TestSSEParser_ParseLine_InvalidJSON(t *testing.T) {
	parser := NewSSEParser()

	_, err := parser.ParseLine(`data: {invalid json}`)

	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestSSEParser_ParseLine_MultipleSources(t *testing.T) {
	parser := NewSSEParser()

	event, err := parser.ParseLine(`data: {"type":"metadata","mode":"EVIDENCE","sources":[{"id":"a","title":"SFS 2017:900","score":0.9},{"id":"b","title":"SOSFS 2011:9","score":0.8}]}`)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(event.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(event.Sources))
	}
	if event.Sources[1].Title != "SOSFS 2011:9" {
		t.Errorf("expected second source 'SOSFS 2011:9', got %q", event.Sources[1].Title)
	}
}

// -----------------------------------------------------------------------------
// ParseRawJSON Tests
// -----------------------------------------------------------------------------

func TestSSEParser_ParseRawJSON_TokenEvent(t *testing.T) {
	parser := NewSSEParser()

	event, err := parser.ParseRawJSON([]byte(`{"type":"token","content":"Hej"}`))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Id == "" {
		t.Error("expected Id to be set")
	}
	if event.Type != StreamEventToken {
		t.Errorf("expected Type %v, got %v", StreamEventToken, event.Type)
	}
	if event.Content != "Hej" {
		t.Errorf("expected Content 'Hej', got %q", event.Content)
	}
}

func TestSSEParser_ParseRawJSON_EmptyObject(t *testing.T) {
	parser := NewSSEParser()

	event, err := parser.ParseRawJSON([]byte(`{}`))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Type will be empty string, which is valid (though unusual)
	if event.Type != "" {
		t.Errorf("expected empty Type, got %v", event.Type)
	}
}

func TestSSEParser_ParseRawJSON_InvalidJSON(t *testing.T) {
	parser := NewSSEParser()

	_, err := parser.ParseRawJSON([]byte(`not json`))

	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

// -----------------------------------------------------------------------------
// Concurrent Safety Tests
// -----------------------------------------------------------------------------

func TestSSEParser_ConcurrentUse(t *testing.T) {
	parser := NewSSEParser()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				event, err := parser.ParseLine(`data: {"type":"token","content":"test"}`)
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if event == nil {
					t.Error("expected event, got nil")
				}
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}

// -----------------------------------------------------------------------------
// Event ID Uniqueness
// -----------------------------------------------------------------------------

func TestSSEParser_GeneratesUniqueIDs(t *testing.T) {
	parser := NewSSEParser()
	ids := make(map[string]bool)

	for i := 0; i < 100; i++ {
		event, _ := parser.ParseLine(`data: {"type":"token","content":"test"}`)
		if ids[event.Id] {
			t.Errorf("duplicate Id found: %s", event.Id)
		}
		ids[event.Id] = true
	}
}
