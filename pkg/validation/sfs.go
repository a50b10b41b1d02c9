// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that are used in
// retrieval filters and prompt construction. Using these validators prevents
// injection through crafted citation tokens and keeps must_include matching
// deterministic.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// sfsPattern matches Swedish statute numbers (Svensk författningssamling).
// Format: four-digit year, a colon, and a 1-4 digit serial, e.g. "2018:218".
// Years before 1600 are not valid SFS years.
var sfsPattern = regexp.MustCompile(`\b(1[6-9][0-9]{2}|20[0-9]{2}):([0-9]{1,4})\b`)

// sfsExact anchors sfsPattern for whole-string validation.
var sfsExact = regexp.MustCompile(`^(1[6-9][0-9]{2}|20[0-9]{2}):([0-9]{1,4})$`)

// ValidateSFSNumber validates a statute number such as "2018:218".
//
// Valid numbers:
//   - Four-digit year 1600-2099
//   - Colon separator
//   - 1-4 digit serial without leading sign
//
// Returns an error if the value is not a well-formed SFS number.
//
// Example:
//
//	if err := validation.ValidateSFSNumber(token); err != nil {
//	    return nil, fmt.Errorf("invalid must_include token: %w", err)
//	}
func ValidateSFSNumber(number string) error {
	if number == "" {
		return fmt.Errorf("SFS number cannot be empty")
	}

	if !sfsExact.MatchString(number) {
		return fmt.Errorf("invalid SFS number format: %q (expected YYYY:N, e.g. 2018:218)", number)
	}

	return nil
}

// NormalizeSFSNumber strips an optional "SFS" prefix and surrounding space.
// Returns the bare number if valid, or an error if invalid.
//
//	token, err := validation.NormalizeSFSNumber("SFS 2018:218")
//	// token == "2018:218"
func NormalizeSFSNumber(number string) (string, error) {
	normalized := strings.TrimSpace(number)
	normalized = strings.TrimPrefix(normalized, "SFS")
	normalized = strings.TrimSpace(normalized)
	if err := ValidateSFSNumber(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// ExtractSFSNumbers returns every statute number found in text, deduplicated,
// in order of first appearance. The result is suitable as must_include tokens
// for retrieval.
func ExtractSFSNumbers(text string) []string {
	matches := sfsPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// ContainsSFSNumber reports whether text mentions at least one statute number.
func ContainsSFSNumber(text string) bool {
	return sfsPattern.MatchString(text)
}
