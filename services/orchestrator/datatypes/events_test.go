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

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// StreamEvent Constructor Tests
// =============================================================================

// TestNewMetadataEvent_EmptySources verifies that a metadata event with no
// sources serializes an explicit empty array, not null and not omission.
func TestNewMetadataEvent_EmptySources(t *testing.T) {
	ev := NewMetadataEvent(ModeChat, nil, EvidenceNone)

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	s := string(data)
	assert.Contains(t, s, `"sources":[]`, "metadata must carry an explicit empty sources array")
	assert.Contains(t, s, `"mode":"CHAT"`)
	assert.Contains(t, s, `"evidence_level":"NONE"`)
}

// TestNewTokenEvent_OmitsUnrelatedKeys verifies that a token event carries
// only its own payload.
func TestNewTokenEvent_OmitsUnrelatedKeys(t *testing.T) {
	ev := NewTokenEvent("Sveriges")

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	s := string(data)
	assert.Contains(t, s, `"type":"token"`)
	assert.Contains(t, s, `"content":"Sveriges"`)
	assert.NotContains(t, s, "sources", "token events must not carry a sources key")
	assert.NotContains(t, s, "total_time_ms")
	assert.NotContains(t, s, "evidence_level")
}

// TestNewDoneEvent_ZeroTime verifies that done always carries
// total_time_ms, even when it is zero.
func TestNewDoneEvent_ZeroTime(t *testing.T) {
	ev := NewDoneEvent(0)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"total_time_ms":0`,
		"done must carry total_time_ms even at zero")
}

// TestNewCorrectionsEvent verifies the corrections payload shape.
func TestNewCorrectionsEvent(t *testing.T) {
	ev := NewCorrectionsEvent(
		[]Correction{{Original: "handikappad", Replacement: "person med funktionsnedsättning"}},
		"En person med funktionsnedsättning har rätt till stöd [1].",
	)

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	s := string(data)
	assert.Contains(t, s, `"type":"corrections"`)
	assert.Contains(t, s, `"corrected_text"`)
	assert.Contains(t, s, `"original":"handikappad"`)
}

// TestStreamEvent_IsTerminal verifies terminal classification of event
// types.
func TestStreamEvent_IsTerminal(t *testing.T) {
	assert.True(t, NewDoneEvent(12).IsTerminal())
	assert.True(t, NewErrorEvent("internal error").IsTerminal())
	assert.False(t, NewTokenEvent("x").IsTerminal())
	assert.False(t, NewMetadataEvent(ModeEvidence, nil, EvidenceHigh).IsTerminal())
	assert.False(t, NewDecontextualizedEvent("Vad gäller för GDPR?").IsTerminal())
}
