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

import "context"

// =============================================================================
// Data Classification Types
// =============================================================================

// DataClassification represents the sensitivity level of data.
//
// Classifications follow common public-sector data handling policies
// and align with regulatory requirements (GDPR, offentlighets- och
// sekretesslagen). Higher levels require stricter handling controls.
//
// Example:
//
//	switch classification {
//	case ClassificationSecret:
//	    // Never index, audit the attempt, restrict to need-to-know
//	case ClassificationPII:
//	    // Redact in logs, apply retention policies
//	case ClassificationConfidential:
//	    // Internal dataspaces only, no external sharing
//	case ClassificationPublic:
//	    // Safe to index and cite
//	}
type DataClassification string

const (
	// ClassificationPublic indicates data that can be freely shared.
	// Examples: published regulations, agency guidance, court summaries.
	ClassificationPublic DataClassification = "PUBLIC"

	// ClassificationConfidential indicates internal-only data.
	// Examples: draft guidance, internal memos, pre-decision material.
	ClassificationConfidential DataClassification = "CONFIDENTIAL"

	// ClassificationPII indicates personally identifiable information.
	// Examples: personnummer, names in case files, contact details.
	// Requires special handling under GDPR.
	ClassificationPII DataClassification = "PII"

	// ClassificationSecret indicates data under statutory secrecy.
	// Examples: material covered by OSL secrecy provisions, credentials.
	// Must never enter the shared document index.
	ClassificationSecret DataClassification = "SECRET"
)

// ClassificationResult contains the outcome of data classification.
//
// A single document may contain multiple classifications (e.g., a
// decision with both PII and confidential reasoning). The HighestLevel
// field provides a single value for quick policy decisions.
//
// Example:
//
//	result, _ := classifier.Classify(ctx, content)
//	if result.HighestLevel == ClassificationSecret {
//	    log.Warn("secret data detected", "findings", len(result.Findings))
//	    return errors.New("cannot index secret data")
//	}
type ClassificationResult struct {
	// HighestLevel is the most sensitive classification found.
	// Use this for quick policy decisions (e.g., reject if SECRET).
	HighestLevel DataClassification

	// Findings lists all detected sensitive data with details.
	// May be empty if nothing sensitive was found (HighestLevel == PUBLIC).
	Findings []ClassificationFinding

	// IsClean is true if no sensitive data was detected.
	// Equivalent to HighestLevel == ClassificationPublic && len(Findings) == 0.
	IsClean bool
}

// ClassificationFinding describes a single piece of classified data.
//
// Example:
//
//	finding := ClassificationFinding{
//	    Classification: ClassificationPII,
//	    Type:           "personnummer",
//	    Location:       "line 5, characters 10-23",
//	    Pattern:        "personnummer_regex",
//	    Snippet:        "198506...",  // Truncated for logging
//	}
type ClassificationFinding struct {
	// Classification is the sensitivity level of this finding.
	Classification DataClassification

	// Type describes what kind of data was found.
	// Examples: "personnummer", "email", "api_key", "secrecy_marker"
	Type string

	// Location describes where in the content the data was found.
	// Format is implementation-specific (e.g., "line 5", "offset 100-120").
	Location string

	// Pattern identifies which detection rule matched.
	// Useful for debugging and tuning classification rules.
	Pattern string

	// Snippet is a truncated/redacted portion of the matched content.
	// Used for audit logs without exposing full sensitive data.
	// Should be safe to log (first/last few characters only).
	Snippet string
}

// =============================================================================
// DataClassifier Interface
// =============================================================================

// DataClassifier scans data to determine its sensitivity classification.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Open Source Behavior
//
// The default NopDataClassifier always returns PUBLIC classification,
// indicating no sensitive data was detected. This allows a local
// deployment to index documents without classification infrastructure.
//
// # Hosted Implementation
//
// Hosted versions implement pattern-based detection using:
//   - Regular expressions for known formats (personnummer, emails)
//   - Entropy analysis for secrets (API keys, passwords)
//   - Secrecy markers from the source registratur
//
// # Usage
//
// Classify document content before it enters the index:
//
//	result, err := classifier.Classify(ctx, content)
//	if err != nil {
//	    return fmt.Errorf("classification failed: %w", err)
//	}
//	if result.HighestLevel == ClassificationSecret {
//	    return errors.New("cannot index documents containing secret data")
//	}
//	for _, f := range result.Findings {
//	    auditLogger.Log(ctx, AuditEvent{
//	        EventType: "ingest.classified",
//	        Metadata: map[string]any{
//	            "classification": f.Classification,
//	            "type":           f.Type,
//	        },
//	    })
//	}
//
// # Limitations
//
//   - Pattern-based detection has false positives/negatives
//   - Context matters: "19850615-1234" could be a personnummer or a case number
//   - New data formats require pattern updates
type DataClassifier interface {
	// Classify analyzes content and returns its sensitivity classification.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - content: The text to classify. May be any length.
	//
	// Returns:
	//   - *ClassificationResult: Classification details, never nil on success
	//   - error: Non-nil if classification failed (e.g., timeout, invalid input)
	Classify(ctx context.Context, content string) (*ClassificationResult, error)

	// ClassifyBatch analyzes multiple content items efficiently.
	//
	// Implementations may process items in parallel for better performance.
	// Results are returned in the same order as the input.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - contents: Slice of content items to classify
	//
	// Returns:
	//   - []*ClassificationResult: Results in same order as input
	//   - error: Non-nil if any classification failed
	ClassifyBatch(ctx context.Context, contents []string) ([]*ClassificationResult, error)
}

// =============================================================================
// No-Op Implementation
// =============================================================================

// NopDataClassifier is the default classifier for open source.
//
// It always returns PUBLIC classification with no findings, indicating
// no sensitive data was detected. This allows the service to function
// without classification infrastructure.
//
// Thread-safe: This implementation has no mutable state.
//
// Example:
//
//	classifier := &NopDataClassifier{}
//	result, err := classifier.Classify(ctx, "personnummer: 19850615-1234")
//	// result.HighestLevel == ClassificationPublic
//	// result.IsClean == true
//	// err == nil
type NopDataClassifier struct{}

// Classify always returns PUBLIC classification with no findings.
//
// Returns a clean classification result regardless of content.
// This is intentional for local single-user deployments where
// data classification isn't required.
func (c *NopDataClassifier) Classify(_ context.Context, _ string) (*ClassificationResult, error) {
	return &ClassificationResult{
		HighestLevel: ClassificationPublic,
		Findings:     nil,
		IsClean:      true,
	}, nil
}

// ClassifyBatch always returns PUBLIC classification for all items.
//
// Returns clean classification results for all content items,
// same length as the input slice.
func (c *NopDataClassifier) ClassifyBatch(_ context.Context, contents []string) ([]*ClassificationResult, error) {
	results := make([]*ClassificationResult, len(contents))
	for i := range contents {
		results[i] = &ClassificationResult{
			HighestLevel: ClassificationPublic,
			Findings:     nil,
			IsClean:      true,
		}
	}
	return results, nil
}

// =============================================================================
// Interface Compliance
// =============================================================================

// Compile-time interface compliance check.
var _ DataClassifier = (*NopDataClassifier)(nil)
