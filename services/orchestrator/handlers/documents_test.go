// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/lagrumai/lagrum/pkg/extensions"
	"github.com/lagrumai/lagrum/services/orchestrator/registry"
	"github.com/lagrumai/lagrum/services/orchestrator/vectorstore"
)

// =============================================================================
// Fixtures
// =============================================================================

// fakeEmbedder returns a fixed small vector per text, or a scripted error.
type fakeEmbedder struct {
	err     error
	batches [][]string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.batches = append(f.batches, texts)
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{0.1, 0.2, 0.3}
	}
	return vectors, nil
}

// newBatchStore starts an httptest server answering batch upserts with
// per-object SUCCESS (or failing when fail is set) and returns a store
// pointed at it.
func newBatchStore(t *testing.T, fail bool) *vectorstore.WeaviateStore {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/batch/objects") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var body struct {
			Objects []map[string]interface{} `json:"objects"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		resp := make([]map[string]interface{}, len(body.Objects))
		for i, obj := range body.Objects {
			resp[i] = map[string]interface{}{
				"class":  obj["class"],
				"id":     obj["id"],
				"result": map[string]interface{}{"status": "SUCCESS"},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   strings.TrimPrefix(srv.URL, "http://"),
		Scheme: "http",
	})
	require.NoError(t, err)
	return vectorstore.NewWeaviateStore(client)
}

// documentsFixture bundles a handler with its observable collaborators.
type documentsFixture struct {
	handler  DocumentsHandler
	router   *gin.Engine
	registry *registry.DocumentRegistry
	audit    *capturingAudit
	embedder *fakeEmbedder
}

type fixtureConfig struct {
	storeFails bool
	embedErr   error
	classifier extensions.DataClassifier
}

func newDocumentsFixture(t *testing.T, cfg fixtureConfig) *documentsFixture {
	t.Helper()

	reg, err := registry.Open(registry.InMemoryConfig())
	require.NoError(t, err, "in-memory registry should open")
	t.Cleanup(func() { _ = reg.Close() })

	audit := &capturingAudit{}
	embedder := &fakeEmbedder{err: cfg.embedErr}
	opts := extensions.ServiceOptions{
		AuditLogger: audit,
		Classifier:  cfg.classifier,
	}
	h := NewDocumentsHandler(newBatchStore(t, cfg.storeFails), embedder, reg, opts)

	router := gin.New()
	router.POST("/v1/documents", h.HandleIngestDocument)
	router.GET("/v1/documents", h.HandleListDocuments)

	return &documentsFixture{
		handler:  h,
		router:   router,
		registry: reg,
		audit:    audit,
		embedder: embedder,
	}
}

func (f *documentsFixture) post(body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	f.router.ServeHTTP(w, req)
	return w
}

func ingestBody(t *testing.T, doc IngestDocumentRequest) string {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return string(data)
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestHandleIngestDocument_InvalidBody(t *testing.T) {
	f := newDocumentsFixture(t, fixtureConfig{})

	w := f.post(`{"content": `)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid request body")
}

func TestHandleIngestDocument_MissingFields(t *testing.T) {
	f := newDocumentsFixture(t, fixtureConfig{})

	w := f.post(`{"source": "fl.md"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "content is required")

	w = f.post(`{"content": "16 § Den som..."}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "source is required")
}

// =============================================================================
// Classification Tests
// =============================================================================

func TestHandleIngestDocument_SecretRejected(t *testing.T) {
	f := newDocumentsFixture(t, fixtureConfig{
		classifier: &scriptedClassifier{result: &extensions.ClassificationResult{
			HighestLevel: extensions.ClassificationSecret,
		}},
	})

	w := f.post(ingestBody(t, IngestDocumentRequest{
		Content: "Hemligt material.", Source: "internt.md", DataSpace: "intern",
	}))

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "sekretessbelagt")
	require.Len(t, f.audit.byType("ingest.rejected"), 1, "rejections must be audited")
}

func TestHandleIngestDocument_SensitiveRejectedInPublicSpace(t *testing.T) {
	f := newDocumentsFixture(t, fixtureConfig{
		classifier: &scriptedClassifier{result: &extensions.ClassificationResult{
			HighestLevel: extensions.ClassificationPII,
		}},
	})

	// No data_space in the request, so the document lands in the public
	// default, where personal data is not allowed.
	w := f.post(ingestBody(t, IngestDocumentRequest{
		Content: "Beslut rörande 19850615-1234.", Source: "beslut.md",
	}))

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "känsligt material")
}

func TestHandleIngestDocument_SensitiveAllowedInRestrictedSpace(t *testing.T) {
	f := newDocumentsFixture(t, fixtureConfig{
		classifier: &scriptedClassifier{result: &extensions.ClassificationResult{
			HighestLevel: extensions.ClassificationPII,
		}},
	})

	w := f.post(ingestBody(t, IngestDocumentRequest{
		Content: "Beslut rörande 19850615-1234.", Source: "beslut.md", DataSpace: "intern",
	}))

	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestHandleIngestDocument_ClassifierFailure(t *testing.T) {
	f := newDocumentsFixture(t, fixtureConfig{
		classifier: &scriptedClassifier{err: errors.New("classifier down")},
	})

	w := f.post(ingestBody(t, IngestDocumentRequest{
		Content: "16 § Den som...", Source: "fl.md",
	}))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// =============================================================================
// Ingest Tests
// =============================================================================

func TestHandleIngestDocument_IngestsAndCatalogs(t *testing.T) {
	f := newDocumentsFixture(t, fixtureConfig{})

	content := "# Förvaltningslag (2017:900)\n\n" +
		"16 § Den som för en myndighets räkning tar del i handläggningen på ett sätt " +
		"som kan påverka myndighetens beslut i ärendet är jävig om han eller hon eller " +
		"någon närstående är part i ärendet."
	w := f.post(ingestBody(t, IngestDocumentRequest{
		Content: content,
		Title:   "Förvaltningslag (2017:900)",
		Source:  "riksdagen.se/fl.md",
		DocType: "lag",
		Date:    "2017-09-28",
	}))

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Status         string `json:"status"`
		DocID          string `json:"doc_id"`
		Source         string `json:"source"`
		ChunksIngested int    `json:"chunks_ingested"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Positive(t, resp.ChunksIngested)

	// The doc id is derived from the content, so re-ingest is idempotent.
	sum := sha256.Sum256([]byte(content))
	wantUUID, err := uuid.FromBytes(sum[:16])
	require.NoError(t, err)
	assert.Equal(t, wantUUID.String(), resp.DocID)

	// Every chunk went through one batch embedding call.
	require.Len(t, f.embedder.batches, 1)
	assert.Len(t, f.embedder.batches[0], resp.ChunksIngested)

	// The document is cataloged with the public default data space.
	rec, err := f.registry.Get(context.Background(), resp.DocID)
	require.NoError(t, err)
	assert.Equal(t, "Förvaltningslag (2017:900)", rec.Title)
	assert.Equal(t, "offentlig", rec.DataSpace)
	assert.Equal(t, resp.ChunksIngested, rec.Chunks)

	require.Len(t, f.audit.byType("ingest.document"), 1, "accepted ingests must be audited")
}

func TestHandleIngestDocument_EmbeddingUnavailable(t *testing.T) {
	f := newDocumentsFixture(t, fixtureConfig{embedErr: errors.New("connection refused")})

	w := f.post(ingestBody(t, IngestDocumentRequest{
		Content: "16 § Den som...", Source: "fl.md",
	}))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "Embeddingtjänsten")
}

func TestHandleIngestDocument_VectorStoreUnavailable(t *testing.T) {
	f := newDocumentsFixture(t, fixtureConfig{storeFails: true})

	w := f.post(ingestBody(t, IngestDocumentRequest{
		Content: "16 § Den som...", Source: "fl.md",
	}))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "Vektordatabasen")
}

// =============================================================================
// Listing Tests
// =============================================================================

func TestHandleListDocuments(t *testing.T) {
	f := newDocumentsFixture(t, fixtureConfig{})

	w := f.post(ingestBody(t, IngestDocumentRequest{
		Content: "16 § Den som för en myndighets räkning...", Source: "fl.md",
	}))
	require.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/documents", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Documents []registry.Record `json:"documents"`
		Count     int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Documents, 1)
	assert.Equal(t, "fl.md", resp.Documents[0].Source)
}

func TestHandleListDocuments_Empty(t *testing.T) {
	f := newDocumentsFixture(t, fixtureConfig{})

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/documents", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}
