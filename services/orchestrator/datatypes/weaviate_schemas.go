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
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// DokumentClass is the Weaviate class holding corpus chunks.
const DokumentClass = "Dokument"

// GetDokumentSchema returns the schema for the Dokument class.
//
// One object per chunk. Vectors are supplied by the embedding service at
// ingest time, so the class vectorizer is "none".
func GetDokumentSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       DokumentClass,
		Description: "A chunk of Swedish administrative or legal text with its provenance.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:         "title",
				DataType:     []string{"text"},
				Description:  "Document title, e.g. 'Förvaltningslag (2017:900)'.",
				Tokenization: "word",
			},
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The chunk text.",
				Tokenization: "word",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Origin of the document: URL, file path, or authority name.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "doc_type",
				DataType:        []string{"text"},
				Description:     "Corpus category, e.g. 'lag', 'forordning', 'foreskrift', 'statistik', 'proposition'.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "date",
				DataType:        []string{"text"},
				Description:     "Document date, ISO 8601 where known.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "data_space",
				DataType:        []string{"text"},
				Description:     "Logical data space for segmentation (e.g. 'offentlig', 'intern').",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "version_tag",
				DataType:        []string{"text"},
				Description:     "A version tag (e.g. 'v1', 'v2') for this document.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "chunk_index",
				DataType:        []string{"int"},
				Description:     "Position of this chunk within the parent document (0-indexed).",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "parent_doc_id",
				DataType:        []string{"text"},
				Description:     "Registry id of the parent document.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "ingested_at",
				DataType:        []string{"number"},
				Description:     "Timestamp (Unix ms) of when the chunk was ingested.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// EnsureWeaviateSchema creates every class this service depends on if it
// does not already exist. Returns an error instead of exiting so the
// caller can decide whether a missing store is fatal.
func EnsureWeaviateSchema(ctx context.Context, client *weaviate.Client) error {
	schemaGetters := []func() *models.Class{
		GetDokumentSchema,
	}

	for _, getSchema := range schemaGetters {
		class := getSchema()
		slog.Info("Checking schema", "class", class.Class)

		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
		if err != nil {
			// The client errors when the class does not exist; create it.
			slog.Info("Schema not found, creating it...", "class", class.Class)
			if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
				return fmt.Errorf("failed to create schema for class %s: %w", class.Class, err)
			}
			slog.Info("Successfully created schema", "class", class.Class)
		} else {
			slog.Info("Schema already exists", "class", class.Class)
		}
	}
	return nil
}
