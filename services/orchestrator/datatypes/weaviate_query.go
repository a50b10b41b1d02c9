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
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// This generic function encapsulates the marshal/unmarshal pattern required to
// convert Weaviate's dynamic response (map[string]models.JSONObject) into a
// strongly-typed Go struct. The target type T must have json tags matching
// the expected response shape.
//
// # Type Parameters
//
//   - T: The target struct type with json tags matching the response shape.
//
// # Inputs
//
//   - resp: The GraphQL response from Weaviate client's Do() method.
//
// # Outputs
//
//   - *T: Pointer to the parsed struct.
//   - error: Non-nil if response is nil or parsing fails.
//
// # Example
//
//	resp, err := client.GraphQL().Get().WithClassName("Dokument").Do(ctx)
//	if err != nil { ... }
//
//	parsed, err := ParseGraphQLResponse[DokumentQueryResponse](resp)
//	if err != nil { ... }
//
//	for _, d := range parsed.Get.Dokument {
//	    fmt.Println(d.Title)
//	}
//
// # Limitations
//
//   - Requires the target type to exactly match the expected response structure.
//   - Type mismatches will result in zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// Dokument Query Types
// =============================================================================

// DokumentQueryResponse represents the response from querying the Dokument
// class.
type DokumentQueryResponse struct {
	Get struct {
		Dokument []DokumentResult `json:"Dokument"`
	} `json:"Get"`
}

// DokumentResult represents a single Dokument chunk from a query.
//
// Distance and Certainty are pointers because Weaviate only returns the
// field matching the query type (nearVector returns both, BM25 neither).
type DokumentResult struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	Source      string `json:"source"`
	DocType     string `json:"doc_type"`
	Date        string `json:"date"`
	DataSpace   string `json:"data_space"`
	VersionTag  string `json:"version_tag"`
	ChunkIndex  *int   `json:"chunk_index"`
	ParentDocID string `json:"parent_doc_id"`
	IngestedAt  int64  `json:"ingested_at"`
	Additional  struct {
		ID        string   `json:"id"`
		Distance  *float32 `json:"distance"`
		Certainty *float32 `json:"certainty"`
	} `json:"_additional"`
}

// DokumentProperties represents the properties for creating a Dokument
// object on ingest.
type DokumentProperties struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	Source      string `json:"source"`
	DocType     string `json:"doc_type"`
	Date        string `json:"date"`
	DataSpace   string `json:"data_space"`
	VersionTag  string `json:"version_tag"`
	ChunkIndex  int    `json:"chunk_index"`
	ParentDocID string `json:"parent_doc_id"`
	IngestedAt  int64  `json:"ingested_at"`
}

// ToMap converts DokumentProperties to the map format required by the
// Weaviate client's WithProperties method.
func (p *DokumentProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"title":         p.Title,
		"content":       p.Content,
		"source":        p.Source,
		"doc_type":      p.DocType,
		"date":          p.Date,
		"data_space":    p.DataSpace,
		"version_tag":   p.VersionTag,
		"chunk_index":   p.ChunkIndex,
		"parent_doc_id": p.ParentDocID,
		"ingested_at":   p.IngestedAt,
	}
}
