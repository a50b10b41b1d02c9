// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vectorstore provides the vector search layer over Weaviate.
//
// The retrieval strategies consume the small Store interface (vector in,
// scored hits out); the ingest path uses the concrete WeaviateStore for
// batch upserts and schema management.
package vectorstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("lagrum.orchestrator.vectorstore")

// =============================================================================
// Store Contract
// =============================================================================

// Filters restricts a search to a slice of the corpus. Zero values mean
// no restriction.
type Filters struct {
	DataSpace string
	DocType   string
}

// Hit is one raw store hit. Score is normalized to [0,1] where higher
// means more similar, regardless of the store's native metric.
type Hit struct {
	ID      string
	Score   float64
	Payload datatypes.DokumentProperties
}

// Store is the read path the retrieval strategies depend on.
//
// Search is idempotent and retry-safe; implementations must observe ctx
// cancellation.
type Store interface {
	Search(ctx context.Context, vector []float32, k int, f Filters) ([]Hit, error)
}

// =============================================================================
// Weaviate Implementation
// =============================================================================

// WeaviateStore implements Store over a Weaviate instance using nearVector
// GraphQL queries against the Dokument class.
//
// # Thread Safety
//
// WeaviateStore is safe for concurrent use. The underlying client handles
// connection pooling.
type WeaviateStore struct {
	client *weaviate.Client
}

var _ Store = (*WeaviateStore)(nil)

// NewWeaviateStore creates a store backed by the given client.
func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	return &WeaviateStore{client: client}
}

// Search retrieves the k nearest chunks to the given vector.
//
// # Description
//
// Runs a nearVector query against the Dokument class, optionally filtered
// by data space and document type. Certainty is requested alongside
// distance; certainty is preferred for scoring because it is already in
// [0,1] regardless of the distance metric.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - vector: Query embedding.
//   - k: Maximum number of hits.
//   - f: Optional corpus filters.
//
// # Outputs
//
//   - []Hit: Hits in descending score order, at most k.
//   - error: Non-nil on query or parse failure.
func (s *WeaviateStore) Search(ctx context.Context, vector []float32, k int, f Filters) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("search.k", k))

	if k <= 0 {
		return nil, fmt.Errorf("invalid k %d", k)
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	fields := []graphql.Field{
		{Name: "title"},
		{Name: "content"},
		{Name: "source"},
		{Name: "doc_type"},
		{Name: "date"},
		{Name: "data_space"},
		{Name: "version_tag"},
		{Name: "chunk_index"},
		{Name: "parent_doc_id"},
		{Name: "ingested_at"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
			{Name: "distance"},
		}},
	}

	query := s.client.GraphQL().Get().
		WithClassName(datatypes.DokumentClass).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(k)

	if where := buildWhere(f); where != nil {
		query = query.WithWhere(where)
	}

	result, err := query.Do(ctx)
	if err != nil {
		slog.Error("Weaviate nearVector search failed", "error", err)
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.DokumentQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse search results: %w", err)
	}

	hits := make([]Hit, 0, len(parsed.Get.Dokument))
	for _, d := range parsed.Get.Dokument {
		chunkIndex := 0
		if d.ChunkIndex != nil {
			chunkIndex = *d.ChunkIndex
		}
		hits = append(hits, Hit{
			ID:    d.Additional.ID,
			Score: normalizeScore(d.Additional.Certainty, d.Additional.Distance),
			Payload: datatypes.DokumentProperties{
				Title:       d.Title,
				Content:     d.Content,
				Source:      d.Source,
				DocType:     d.DocType,
				Date:        d.Date,
				DataSpace:   d.DataSpace,
				VersionTag:  d.VersionTag,
				ChunkIndex:  chunkIndex,
				ParentDocID: d.ParentDocID,
				IngestedAt:  d.IngestedAt,
			},
		})
	}

	span.SetAttributes(attribute.Int("search.hits", len(hits)))
	return hits, nil
}

// buildWhere translates Filters into a Weaviate where clause, or nil when
// no filter applies.
func buildWhere(f Filters) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder

	if f.DataSpace != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"data_space"}).
			WithOperator(filters.Equal).
			WithValueString(f.DataSpace))
	}
	if f.DocType != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"doc_type"}).
			WithOperator(filters.Equal).
			WithValueString(f.DocType))
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().
			WithOperator(filters.And).
			WithOperands(operands)
	}
}

// normalizeScore maps Weaviate's similarity fields to [0,1].
//
// Certainty is used when present (already [0,1]). Otherwise cosine
// distance in [0,2] is mapped via 1 - d/2. The result is clamped so a
// misconfigured metric can never leak an out-of-range score.
func normalizeScore(certainty, distance *float32) float64 {
	var score float64
	switch {
	case certainty != nil:
		score = float64(*certainty)
	case distance != nil:
		score = 1 - float64(*distance)/2
	default:
		return 0
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// =============================================================================
// Ingest Path
// =============================================================================

// Object is one chunk to upsert, with its precomputed vector.
type Object struct {
	ID         strfmt.UUID
	Vector     []float32
	Properties datatypes.DokumentProperties
}

// BatchUpsert writes chunks to the Dokument class in a single batch.
//
// # Description
//
// Deterministic chunk IDs make re-ingest idempotent: an existing object
// with the same ID is overwritten rather than duplicated. Per-item errors
// are logged and counted, not fatal.
//
// # Outputs
//
//   - int: Number of chunks successfully written.
//   - error: Non-nil only if the batch request itself failed.
func (s *WeaviateStore) BatchUpsert(ctx context.Context, objects []Object) (int, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.BatchUpsert")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(objects)))

	if len(objects) == 0 {
		return 0, nil
	}

	batch := make([]*models.Object, len(objects))
	for i, obj := range objects {
		batch[i] = &models.Object{
			Class:      datatypes.DokumentClass,
			ID:         obj.ID,
			Vector:     obj.Vector,
			Properties: obj.Properties.ToMap(),
		}
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(batch...).Do(ctx)
	if err != nil {
		slog.Error("Failed to perform batch import to Weaviate", "error", err)
		return 0, fmt.Errorf("failed to save objects to Weaviate: %w", err)
	}

	written := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			written++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, errItem := range item.Result.Errors.Error {
				slog.Warn("Error in Weaviate batch item", "error", errItem.Message)
			}
		} else {
			slog.Warn("Failed Weaviate batch item, no error provided")
		}
	}

	if written < len(objects) {
		slog.Warn("Errors encountered during Weaviate batch import",
			"written", written, "total", len(objects))
	}
	return written, nil
}

// EnsureSchema creates the Dokument class if it does not exist.
func (s *WeaviateStore) EnsureSchema(ctx context.Context) error {
	return datatypes.EnsureWeaviateSchema(ctx, s.client)
}

// Ready reports whether the Weaviate instance answers its readiness check.
func (s *WeaviateStore) Ready(ctx context.Context) (bool, error) {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return false, fmt.Errorf("weaviate readiness check failed: %w", err)
	}
	return ready, nil
}
