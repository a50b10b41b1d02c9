// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedding turns text into vectors.
//
// Two providers are available: the in-cluster embedding microservice
// (default) and an OpenAI-compatible embeddings API. Both return unit-norm
// vectors suitable for cosine search.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("lagrum.orchestrator.embedding")

// Provider computes embeddings for retrieval and ingest.
//
// Implementations must observe ctx cancellation; embedding calls sit on
// the hot path of every non-CHAT request.
type Provider interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// =============================================================================
// HTTP Microservice Provider
// =============================================================================

// Wire types for the embedding microservice.

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Id        string    `json:"id"`
	Timestamp int64     `json:"timestamp"`
	Text      string    `json:"text"`
	Vector    []float32 `json:"vector"`
	Dim       int       `json:"dim"`
}

type batchEmbedRequest struct {
	Texts []string `json:"texts"`
}

type batchEmbedResponse struct {
	Id        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Vectors   [][]float32 `json:"vectors"`
	Model     string      `json:"model"`
	Dim       int         `json:"dim"`
}

// HTTPProvider calls the embedding microservice over HTTP.
//
// Single texts go to POST {base}/embed, batches to POST {base}/embed/batch.
type HTTPProvider struct {
	baseURL    string
	httpClient *http.Client
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a provider for the embedding service at baseURL.
// When baseURL is empty, EMBEDDING_SERVICE_URL is consulted.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	if baseURL == "" {
		baseURL = os.Getenv("EMBEDDING_SERVICE_URL")
	}
	return &HTTPProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Embed returns the vector for one text.
func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "HTTPProvider.Embed")
	defer span.End()

	var resp embedResponse
	if err := p.post(ctx, p.baseURL+"/embed", embedRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Vector) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	span.SetAttributes(attribute.Int("embedding.dim", len(resp.Vector)))
	return resp.Vector, nil
}

// EmbedBatch returns one vector per input text, in input order.
func (p *HTTPProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := tracer.Start(ctx, "HTTPProvider.EmbedBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("embedding.batch_size", len(texts)))

	if len(texts) == 0 {
		return nil, nil
	}

	var resp batchEmbedResponse
	if err := p.post(ctx, p.baseURL+"/embed/batch", batchEmbedRequest{Texts: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Vectors) != len(texts) {
		slog.Error("Mismatch between text count and vector count",
			"texts", len(texts), "vectors", len(resp.Vectors))
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts",
			len(resp.Vectors), len(texts))
	}
	return resp.Vectors, nil
}

// post sends a JSON request and decodes a JSON response.
func (p *HTTPProvider) post(ctx context.Context, url string, in, out interface{}) error {
	reqBody, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to set up embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach the embedding service: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding service returned status %d: %s",
			resp.StatusCode, string(bodyBytes))
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to parse embedding service response: %w", err)
	}
	return nil
}

// =============================================================================
// OpenAI Provider
// =============================================================================

// OpenAIProvider computes embeddings through an OpenAI-compatible API.
// Used when the corpus embeddings were produced by the same hosted model.
type OpenAIProvider struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider builds a provider from OPENAI_API_KEY, OPENAI_BASE_URL,
// and OPENAI_EMBEDDING_MODEL (default text-embedding-3-small).
func NewOpenAIProvider() (*OpenAIProvider, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	model := os.Getenv("OPENAI_EMBEDDING_MODEL")
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}

	slog.Info("Initializing OpenAI embedding provider", "model", model)
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  openai.EmbeddingModel(model),
	}, nil
}

// Embed returns the vector for one text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns one vector per input text, in input order.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := tracer.Start(ctx, "OpenAIProvider.EmbedBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("embedding.batch_size", len(texts)))

	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: p.model,
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI embeddings call failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("OpenAI returned %d embeddings for %d texts",
			len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("OpenAI returned out-of-range embedding index %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}
