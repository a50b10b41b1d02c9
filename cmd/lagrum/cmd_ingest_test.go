// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTitleFromFilename(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"sfs-2010-900.md", "sfs 2010 900"},
		{"docs/boverket_vagledning.txt", "boverket vagledning"},
		{"plan_och_bygglag.markdown", "plan och bygglag"},
		{"ärende.md", "ärende"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, titleFromFilename(tt.path), tt.path)
	}
}

func TestCollectFromPaths_WalksDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pbl.md"),
		[]byte("# Plan- och bygglagen\n\n9 kap. Bygglov"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"),
		[]byte("vägledning om bygglov"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.pdf"),
		[]byte("%PDF"), 0o644))

	prevSource, prevType, prevSpace, prevVersion := ingestSource, ingestDocType, ingestDataSpace, ingestVersion
	t.Cleanup(func() {
		ingestSource, ingestDocType, ingestDataSpace, ingestVersion = prevSource, prevType, prevSpace, prevVersion
	})
	ingestSource = ""
	ingestDocType = "vägledning"
	ingestDataSpace = "offentlig"
	ingestVersion = "2026-08"

	docs, err := collectFromPaths([]string{dir})
	require.NoError(t, err)
	require.Len(t, docs, 2, "pdf should be skipped")

	bySource := map[string]ingestDocument{}
	for _, doc := range docs {
		bySource[doc.Source] = doc
	}
	pbl, ok := bySource["pbl.md"]
	require.True(t, ok, "source should default to the file name")
	assert.Equal(t, "pbl", pbl.Title)
	assert.Equal(t, "vägledning", pbl.DocType)
	assert.Equal(t, "offentlig", pbl.DataSpace)
	assert.Equal(t, "2026-08", pbl.VersionTag)
	assert.Contains(t, pbl.Content, "9 kap. Bygglov")
}

func TestCollectFromPaths_SingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hslf-fs-2021-75.md")
	require.NoError(t, os.WriteFile(path, []byte("föreskriftstext"), 0o644))

	prev := ingestSource
	t.Cleanup(func() { ingestSource = prev })
	ingestSource = "HSLF-FS 2021:75"

	docs, err := collectFromPaths([]string{path})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "HSLF-FS 2021:75", docs[0].Source, "--source overrides the file name")
}

func TestCollectFromPaths_MissingPath(t *testing.T) {
	_, err := collectFromPaths([]string{"/nonexistent/corpus"})
	require.Error(t, err)
}

func TestPostDocument(t *testing.T) {
	var got ingestDocument
	withServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/documents", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(ingestResult{
			Status: "success", DocID: "doc-1", Source: got.Source, ChunksIngested: 4,
		})
	}))

	result, err := postDocument(context.Background(), ingestDocument{
		Content: "text", Title: "pbl", Source: "pbl.md", DocType: "lag",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, result.ChunksIngested)
	assert.Equal(t, "pbl.md", got.Source)
}

func TestPostDocument_RejectionSurfaced(t *testing.T) {
	withServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "Dokumentet gav inga textavsnitt efter uppdelning.",
		})
	}))

	_, err := postDocument(context.Background(), ingestDocument{Content: " ", Source: "x.md"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "textavsnitt")
}
