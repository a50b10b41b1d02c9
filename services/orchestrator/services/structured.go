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
	"encoding/json"
	"strings"

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
)

// ParseStructuredAnswer extracts and validates the model's JSON answer.
//
// # Description
//
// Models wrap their JSON in code fences, preamble prose, or trailing
// pleasantries, so the parser locates the first '{' and matches braces
// (string- and escape-aware) instead of unmarshalling the raw response.
// Unknown fields are ignored. Arbetsanteckning is kept on the returned
// struct for logging; StripInternal must run before anything leaves the
// process.
//
// Beyond shape, the parser rejects candidates that look like prompt
// injection: top-level fields starting with "_", internal field names
// leaked into the visible answer text, and a mode different from the one
// the request was classified as. Those all come back as *SchemaError, and
// the error never quotes the model output.
//
// # Inputs
//   - raw: The model's full text response.
//   - mode: The classified request mode the answer must declare.
//
// # Outputs
//   - datatypes.StructuredAnswer: The parsed candidate.
//   - error: *SchemaError describing the first violation found.
func ParseStructuredAnswer(raw string, mode datatypes.ResponseMode) (datatypes.StructuredAnswer, error) {
	var zero datatypes.StructuredAnswer

	jsonStr, ok := extractJSONObject(raw)
	if !ok {
		return zero, &SchemaError{Reason: "no JSON object in model output"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &fields); err != nil {
		return zero, &SchemaError{Reason: "model output is not a JSON object"}
	}
	for name := range fields {
		if strings.HasPrefix(name, "_") {
			return zero, &SchemaError{Reason: "underscore-prefixed field in model output"}
		}
	}
	if _, ok := fields["mode"]; !ok {
		return zero, &SchemaError{Reason: "missing required field: mode"}
	}
	if _, ok := fields["svar"]; !ok {
		return zero, &SchemaError{Reason: "missing required field: svar"}
	}

	var answer datatypes.StructuredAnswer
	if err := json.Unmarshal([]byte(jsonStr), &answer); err != nil {
		return zero, &SchemaError{Reason: "field with wrong type in model output"}
	}

	switch answer.Mode {
	case datatypes.ModeChat, datatypes.ModeAssist, datatypes.ModeEvidence:
	default:
		return zero, &SchemaError{Reason: "unknown mode in model output"}
	}
	if answer.Mode != mode {
		return zero, &SchemaError{Reason: "mode does not match the classified request mode"}
	}
	if strings.TrimSpace(answer.Svar) == "" {
		return zero, &SchemaError{Reason: "empty answer text"}
	}

	visible := strings.ToLower(answer.Svar)
	if strings.Contains(visible, "arbetsanteckning") || strings.Contains(visible, "fakta_utan_kalla") {
		return zero, &SchemaError{Reason: "internal field name leaked into answer text"}
	}

	return answer, nil
}

// extractJSONObject returns the substring spanning the first top-level
// JSON object in raw. Braces inside JSON strings do not count toward
// nesting, and escaped quotes do not terminate strings.
func extractJSONObject(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}
