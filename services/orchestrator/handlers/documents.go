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
	"encoding/hex"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lagrumai/lagrum/pkg/extensions"
	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
	"github.com/lagrumai/lagrum/services/orchestrator/embedding"
	"github.com/lagrumai/lagrum/services/orchestrator/observability"
	"github.com/lagrumai/lagrum/services/orchestrator/registry"
	"github.com/lagrumai/lagrum/services/orchestrator/vectorstore"
)

// Chunking parameters. Overlap is 10% of the chunk size so a section
// boundary never severs a sentence from its legal reference.
const (
	chunkSize    = 1000
	chunkOverlap = chunkSize / 10
)

var (
	// proseSeparators split running text at paragraph boundaries first.
	proseSeparators = []string{"\n\n", "\n", " ", ""}

	// markdownSeparators keep heading-delimited sections together. Statute
	// and guidance texts arrive as markdown from the collection tooling.
	markdownSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
		"\n\n", "\n", " ", "",
	}
)

// defaultDataSpace is where documents land when the request names none.
const defaultDataSpace = "offentlig"

// =============================================================================
// Request Types
// =============================================================================

// IngestDocumentRequest is the body of POST /v1/documents.
type IngestDocumentRequest struct {
	Content    string `json:"content"`
	Title      string `json:"title"`
	Source     string `json:"source"`
	DocType    string `json:"doc_type"`
	Date       string `json:"date"`
	DataSpace  string `json:"data_space"`
	VersionTag string `json:"version_tag"`
}

// =============================================================================
// Interface Definition
// =============================================================================

// DocumentsHandler serves the document ingest and catalog endpoints.
//
// # Description
//
// POST /v1/documents splits a document into chunks, embeds them in one
// batch, upserts them to the vector store, and records the document in the
// registry. Chunk ids are derived from chunk content, so re-ingesting the
// same text overwrites rather than duplicates.
//
// GET /v1/documents lists the registry, newest first. The listing never
// touches the vector store.
type DocumentsHandler interface {
	// HandleIngestDocument processes POST /v1/documents.
	HandleIngestDocument(c *gin.Context)

	// HandleListDocuments processes GET /v1/documents.
	HandleListDocuments(c *gin.Context)
}

// documentsHandler is the production DocumentsHandler.
type documentsHandler struct {
	store    *vectorstore.WeaviateStore
	embedder embedding.Provider
	registry *registry.DocumentRegistry
	opts     extensions.ServiceOptions
	tracer   trace.Tracer
}

// NewDocumentsHandler creates a DocumentsHandler.
//
// # Inputs
//
//   - store: chunk sink. Must not be nil.
//   - embedder: batch embedding provider. Must not be nil.
//   - reg: document catalog. Must not be nil.
//   - opts: deployment extension points (classifier, audit).
//
// # Outputs
//
//   - DocumentsHandler: ready to register on the router.
//
// Panics if store, embedder, or reg is nil.
func NewDocumentsHandler(store *vectorstore.WeaviateStore, embedder embedding.Provider, reg *registry.DocumentRegistry, opts extensions.ServiceOptions) DocumentsHandler {
	if store == nil {
		panic("NewDocumentsHandler: store must not be nil")
	}
	if embedder == nil {
		panic("NewDocumentsHandler: embedder must not be nil")
	}
	if reg == nil {
		panic("NewDocumentsHandler: registry must not be nil")
	}
	defaults := extensions.DefaultOptions()
	if opts.Classifier == nil {
		opts.Classifier = defaults.Classifier
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = defaults.AuditLogger
	}
	return &documentsHandler{
		store:    store,
		embedder: embedder,
		registry: reg,
		opts:     opts,
		tracer:   otel.Tracer("lagrum.orchestrator.handlers.documents"),
	}
}

// =============================================================================
// Ingest Endpoint
// =============================================================================

// HandleIngestDocument processes POST /v1/documents.
//
// # Description
//
// Screens the content through the deployment classifier, splits it with a
// separator set chosen from the source name, embeds all chunks in one batch
// call, and upserts them to the Dokument class with deterministic ids. The
// parent document lands in the registry with its chunk count and content
// hash. An audit event records every accepted and rejected document.
//
// # Inputs
//
//   - c: gin context carrying a JSON IngestDocumentRequest body.
//
// # Outputs
//
//   - 201 with doc_id and chunks_ingested on success.
//   - 400 on malformed or empty requests.
//   - 422 when classification forbids indexing or no chunks were produced.
//   - 502 when the embedding service or vector store is unreachable.
func (h *documentsHandler) HandleIngestDocument(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointDocuments

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleIngestDocument")
	defer span.End()

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
		}
	}()

	// Step 1: Parse request body
	var req IngestDocumentRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to bind ingest request", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	// Step 2: Validate
	if req.Content == "" {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: content is required"})
		return
	}
	if req.Source == "" {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: source is required"})
		return
	}
	if req.DataSpace == "" {
		req.DataSpace = defaultDataSpace
	}
	span.SetAttributes(
		attribute.String("document.source", req.Source),
		attribute.String("document.doc_type", req.DocType),
		attribute.String("document.data_space", req.DataSpace),
		attribute.Int("document.bytes", len(req.Content)),
	)

	// Step 3: Sensitivity screening before anything enters the index
	if !h.screenContent(ctx, c, span, endpoint, &req) {
		return
	}

	// Step 4: Split
	docSum := sha256.Sum256([]byte(req.Content))
	docUUID, _ := uuid.FromBytes(docSum[:16])
	docID := docUUID.String()

	splitter := splitterForSource(req.Source)
	chunks, err := splitter.SplitText(req.Content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "split failed")
		slog.Error("Failed to split document", "source", req.Source, "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeIngest)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Dokumentet kunde inte delas upp."})
		return
	}
	if len(chunks) == 0 {
		slog.Warn("No chunks produced after splitting", "source", req.Source)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeIngest)
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Dokumentet gav inga textavsnitt efter uppdelning."})
		return
	}
	span.SetAttributes(attribute.Int("document.chunks", len(chunks)))

	// Step 5: Embed all chunks in one batch
	vectors, err := h.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		slog.Error("Failed to embed document chunks", "source", req.Source, "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeIngest)
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "Embeddingtjänsten kunde inte nås."})
		return
	}

	// Step 6: Upsert to the vector store
	now := time.Now().UnixMilli()
	objects := make([]vectorstore.Object, len(chunks))
	for i, chunk := range chunks {
		chunkSum := sha256.Sum256([]byte(chunk))
		chunkUUID, _ := uuid.FromBytes(chunkSum[:16])
		objects[i] = vectorstore.Object{
			ID:     strfmt.UUID(chunkUUID.String()),
			Vector: vectors[i],
			Properties: datatypes.DokumentProperties{
				Title:       req.Title,
				Content:     chunk,
				Source:      req.Source,
				DocType:     req.DocType,
				Date:        req.Date,
				DataSpace:   req.DataSpace,
				VersionTag:  req.VersionTag,
				ChunkIndex:  i,
				ParentDocID: docID,
				IngestedAt:  now,
			},
		}
	}

	written, err := h.store.BatchUpsert(ctx, objects)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vector store upsert failed")
		slog.Error("Failed to upsert document chunks", "source", req.Source, "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeIngest)
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "Vektordatabasen kunde inte nås."})
		return
	}

	// Step 7: Record in the registry. The chunks are already searchable;
	// a catalog failure is reported so the caller can re-ingest, which is
	// idempotent.
	rec := registry.Record{
		DocID:         docID,
		Title:         req.Title,
		Source:        req.Source,
		DocType:       req.DocType,
		Date:          req.Date,
		DataSpace:     req.DataSpace,
		VersionTag:    req.VersionTag,
		Chunks:        written,
		ContentSHA256: hex.EncodeToString(docSum[:]),
		IngestedAt:    now,
	}
	if err := h.registry.Put(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "registry write failed")
		slog.Error("Failed to record document in registry", "source", req.Source, "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeIngest)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Dokumentet indexerades men kunde inte katalogiseras."})
		return
	}

	h.auditIngest(ctx, "ingest.document", c.ClientIP(), docID, "success", map[string]any{
		"source":         req.Source,
		"doc_type":       req.DocType,
		"data_space":     req.DataSpace,
		"chunks":         written,
		"content_sha256": rec.ContentSHA256,
		"ip_address":     c.ClientIP(),
	})

	slog.Info("Document ingested",
		"source", req.Source,
		"doc_id", docID,
		"chunks", written,
		"duration_ms", time.Since(startTime).Milliseconds())

	c.JSON(http.StatusCreated, gin.H{
		"status":          "success",
		"doc_id":          docID,
		"source":          req.Source,
		"chunks_ingested": written,
	})
	success = true
}

// screenContent enforces the classifier's indexing policy: statutory
// secrecy never enters the index, and personal data or internal material
// never enters the public data space. Returns false when a response was
// written.
func (h *documentsHandler) screenContent(ctx context.Context, c *gin.Context, span trace.Span, endpoint observability.Endpoint, req *IngestDocumentRequest) bool {
	result, err := h.opts.Classifier.Classify(ctx, req.Content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classification failed")
		slog.Error("Document classification failed", "source", req.Source, "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Ett internt fel inträffade."})
		return false
	}

	rejected := ""
	switch {
	case result.HighestLevel == extensions.ClassificationSecret:
		rejected = "Dokumentet innehåller sekretessbelagt material och kan inte indexeras."
	case !result.IsClean && req.DataSpace == defaultDataSpace:
		rejected = "Dokumentet innehåller känsligt material och kan inte indexeras i det offentliga datarummet."
	}
	if rejected == "" {
		return true
	}

	span.SetStatus(codes.Error, "document rejected by classifier")
	slog.Warn("Document rejected by classifier",
		"source", req.Source,
		"data_space", req.DataSpace,
		"classification", string(result.HighestLevel),
		"findings", len(result.Findings))
	h.auditIngest(ctx, "ingest.rejected", c.ClientIP(), "", "blocked", map[string]any{
		"source":         req.Source,
		"data_space":     req.DataSpace,
		"classification": string(result.HighestLevel),
		"findings":       len(result.Findings),
		"ip_address":     c.ClientIP(),
	})
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(endpoint, observability.ErrorCodeIngest)
	}
	c.JSON(http.StatusUnprocessableEntity, gin.H{"error": rejected})
	return false
}

// =============================================================================
// Listing Endpoint
// =============================================================================

// HandleListDocuments processes GET /v1/documents.
//
// # Description
//
// Returns every registry record, newest first. Answering from the registry
// keeps listings cheap and available even when the vector store is down.
//
// # Outputs
//
//   - 200 with {"documents": [...], "count": n}.
//   - 500 when the registry cannot be read.
func (h *documentsHandler) HandleListDocuments(c *gin.Context) {
	endpoint := observability.EndpointDocuments

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleListDocuments")
	defer span.End()

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
		}
	}()

	records, err := h.registry.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "registry list failed")
		slog.Error("Failed to list documents", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Dokumentkatalogen kunde inte läsas."})
		return
	}

	span.SetAttributes(attribute.Int("documents.count", len(records)))
	c.JSON(http.StatusOK, gin.H{
		"documents": records,
		"count":     len(records),
	})
	success = true
}

// =============================================================================
// Helpers
// =============================================================================

// splitterForSource picks a separator set from the source name. Markdown
// sources split on headings so statute sections stay intact; everything
// else splits as running prose.
func splitterForSource(source string) textsplitter.TextSplitter {
	switch filepath.Ext(source) {
	case ".md", ".markdown":
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
			textsplitter.WithSeparators(markdownSeparators),
		)
	default:
		return textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
			textsplitter.WithSeparators(proseSeparators),
		)
	}
}

// auditIngest records an ingest audit event. Failures are deliberately
// ignored; auditing never blocks an ingest.
func (h *documentsHandler) auditIngest(ctx context.Context, eventType, userID, docID, outcome string, metadata map[string]any) {
	_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
		EventType:    eventType,
		Timestamp:    time.Now().UTC(),
		UserID:       userID,
		Action:       "ingest",
		ResourceType: "document",
		ResourceID:   docID,
		Outcome:      outcome,
		Metadata:     metadata,
	})
}
