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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
)

// TestParseStructuredAnswerClean verifies parsing of a well-formed
// evidence answer.
func TestParseStructuredAnswerClean(t *testing.T) {
	raw := `{
		"mode": "EVIDENCE",
		"saknas_underlag": false,
		"svar": "Ett ärende ska handläggas så enkelt, snabbt och kostnadseffektivt som möjligt [1].",
		"kallor": [{"doc_id": "d1", "chunk_id": "c1", "citat": "enkelt, snabbt och kostnadseffektivt", "loc": "9 §"}],
		"fakta_utan_kalla": []
	}`

	answer, err := ParseStructuredAnswer(raw, datatypes.ModeEvidence)
	require.NoError(t, err)
	assert.Equal(t, datatypes.ModeEvidence, answer.Mode)
	assert.False(t, answer.SaknasUnderlag)
	require.Len(t, answer.Kallor, 1)
	assert.Equal(t, "c1", answer.Kallor[0].ChunkID)
	assert.Equal(t, "9 §", answer.Kallor[0].Loc)
}

// TestParseStructuredAnswerFenced verifies that code fences around the
// JSON are tolerated.
func TestParseStructuredAnswerFenced(t *testing.T) {
	raw := "```json\n{\"mode\": \"ASSIST\", \"saknas_underlag\": false, \"svar\": \"Så här fungerar det.\", \"kallor\": [], \"fakta_utan_kalla\": []}\n```"

	answer, err := ParseStructuredAnswer(raw, datatypes.ModeAssist)
	require.NoError(t, err)
	assert.Equal(t, "Så här fungerar det.", answer.Svar)
}

// TestParseStructuredAnswerLeadingProse verifies that prose before and
// after the JSON is tolerated.
func TestParseStructuredAnswerLeadingProse(t *testing.T) {
	raw := `Här kommer svaret: {"mode": "ASSIST", "saknas_underlag": false, "svar": "Ett svar.", "kallor": [], "fakta_utan_kalla": []} Hoppas det hjälper!`

	answer, err := ParseStructuredAnswer(raw, datatypes.ModeAssist)
	require.NoError(t, err)
	assert.Equal(t, "Ett svar.", answer.Svar)
}

// TestParseStructuredAnswerBracesInsideStrings verifies that braces and
// escaped quotes inside JSON strings do not break brace matching.
func TestParseStructuredAnswerBracesInsideStrings(t *testing.T) {
	raw := `{"mode": "ASSIST", "saknas_underlag": false, "svar": "Mallen {namn} förklaras i \"handboken\" [1].", "kallor": [{"doc_id": "d1", "chunk_id": "c1"}], "fakta_utan_kalla": []}`

	answer, err := ParseStructuredAnswer(raw, datatypes.ModeAssist)
	require.NoError(t, err)
	assert.Contains(t, answer.Svar, "{namn}")
	assert.Contains(t, answer.Svar, `"handboken"`)
}

// TestParseStructuredAnswerRetainsArbetsanteckning verifies that the
// scratch field parses and survives for logging. Stripping it is
// StripInternal's job, not the parser's.
func TestParseStructuredAnswerRetainsArbetsanteckning(t *testing.T) {
	raw := `{"mode": "ASSIST", "saknas_underlag": false, "svar": "Ett svar.", "kallor": [], "fakta_utan_kalla": [], "arbetsanteckning": "modellens anteckning"}`

	answer, err := ParseStructuredAnswer(raw, datatypes.ModeAssist)
	require.NoError(t, err)
	assert.Equal(t, "modellens anteckning", answer.Arbetsanteckning)

	stripped := answer.StripInternal()
	assert.Empty(t, stripped.Arbetsanteckning)
}

// TestParseStructuredAnswerUnknownFieldsIgnored verifies that benign
// extra fields do not fail the parse.
func TestParseStructuredAnswerUnknownFieldsIgnored(t *testing.T) {
	raw := `{"mode": "ASSIST", "saknas_underlag": false, "svar": "Ett svar.", "kallor": [], "fakta_utan_kalla": [], "sprak": "sv"}`

	_, err := ParseStructuredAnswer(raw, datatypes.ModeAssist)
	assert.NoError(t, err)
}

// TestParseStructuredAnswerRejections walks the malformed-candidate
// cases that must all force the refusal protocol upstream.
func TestParseStructuredAnswerRejections(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		mode   datatypes.ResponseMode
		reason string
	}{
		{
			name:   "no JSON object",
			raw:    "Jag kan tyvärr inte svara i JSON.",
			mode:   datatypes.ModeAssist,
			reason: "no JSON object",
		},
		{
			name:   "unterminated object",
			raw:    `{"mode": "ASSIST", "svar": "halvfärdigt`,
			mode:   datatypes.ModeAssist,
			reason: "no JSON object",
		},
		{
			name:   "underscore field",
			raw:    `{"mode": "ASSIST", "saknas_underlag": false, "svar": "Ett svar.", "kallor": [], "fakta_utan_kalla": [], "_hidden": "x"}`,
			mode:   datatypes.ModeAssist,
			reason: "underscore-prefixed field",
		},
		{
			name:   "missing mode",
			raw:    `{"saknas_underlag": false, "svar": "Ett svar.", "kallor": [], "fakta_utan_kalla": []}`,
			mode:   datatypes.ModeAssist,
			reason: "missing required field: mode",
		},
		{
			name:   "missing svar",
			raw:    `{"mode": "ASSIST", "saknas_underlag": false, "kallor": [], "fakta_utan_kalla": []}`,
			mode:   datatypes.ModeAssist,
			reason: "missing required field: svar",
		},
		{
			name:   "wrong field type",
			raw:    `{"mode": "ASSIST", "saknas_underlag": false, "svar": "Ett svar.", "kallor": "inga", "fakta_utan_kalla": []}`,
			mode:   datatypes.ModeAssist,
			reason: "wrong type",
		},
		{
			name:   "unknown mode value",
			raw:    `{"mode": "ORACLE", "saknas_underlag": false, "svar": "Ett svar.", "kallor": [], "fakta_utan_kalla": []}`,
			mode:   datatypes.ModeAssist,
			reason: "unknown mode",
		},
		{
			name:   "mode mismatch",
			raw:    `{"mode": "CHAT", "saknas_underlag": false, "svar": "Ett svar.", "kallor": [], "fakta_utan_kalla": []}`,
			mode:   datatypes.ModeEvidence,
			reason: "does not match",
		},
		{
			name:   "empty svar",
			raw:    `{"mode": "ASSIST", "saknas_underlag": false, "svar": "   ", "kallor": [], "fakta_utan_kalla": []}`,
			mode:   datatypes.ModeAssist,
			reason: "empty answer text",
		},
		{
			name:   "arbetsanteckning leaked into svar",
			raw:    `{"mode": "ASSIST", "saknas_underlag": false, "svar": "Min arbetsanteckning säger att detta stämmer.", "kallor": [], "fakta_utan_kalla": []}`,
			mode:   datatypes.ModeAssist,
			reason: "leaked",
		},
		{
			name:   "fakta_utan_kalla leaked into svar",
			raw:    `{"mode": "ASSIST", "saknas_underlag": false, "svar": "Se fältet fakta_utan_kalla nedan.", "kallor": [], "fakta_utan_kalla": []}`,
			mode:   datatypes.ModeAssist,
			reason: "leaked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStructuredAnswer(tt.raw, tt.mode)
			require.Error(t, err)
			assert.True(t, IsSchemaError(err), "violation should be a SchemaError")
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

// TestParseStructuredAnswerErrorNeverQuotesOutput verifies that schema
// errors cannot echo model text back to callers.
func TestParseStructuredAnswerErrorNeverQuotesOutput(t *testing.T) {
	raw := `{"mode": "HEMLIG-MARKÖR", "saknas_underlag": false, "svar": "HEMLIG-MARKÖR", "kallor": [], "fakta_utan_kalla": []}`

	_, err := ParseStructuredAnswer(raw, datatypes.ModeAssist)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "HEMLIG-MARKÖR", "errors must not quote model output")
}

// TestExtractJSONObject exercises the brace matcher directly.
func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
		ok   bool
	}{
		{
			name: "bare object",
			raw:  `{"a": 1}`,
			want: `{"a": 1}`,
			ok:   true,
		},
		{
			name: "nested objects",
			raw:  `x {"a": {"b": {"c": 1}}} y`,
			want: `{"a": {"b": {"c": 1}}}`,
			ok:   true,
		},
		{
			name: "brace inside string",
			raw:  `{"a": "}"}`,
			want: `{"a": "}"}`,
			ok:   true,
		},
		{
			name: "escaped quote inside string",
			raw:  `{"a": "citat: \" {"} trailing`,
			want: `{"a": "citat: \" {"}`,
			ok:   true,
		},
		{
			name: "no object",
			raw:  "bara text",
			ok:   false,
		},
		{
			name: "never closes",
			raw:  `{"a": {"b": 1}`,
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractJSONObject(tt.raw)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
