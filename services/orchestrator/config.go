// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lagrumai/lagrum/services/orchestrator/services"
)

// Config holds process-wide orchestrator configuration.
//
// # Description
//
// Config centralizes everything the service needs at startup: network
// addresses of its collaborators (Weaviate, the embedding sidecar, the
// LLM backend), the HTTP listen port, and the pipeline tuning knobs.
// Values can be populated from environment variables via ConfigFromEnv,
// from a YAML file, or programmatically for testing.
//
// Pipeline options live on the nested Pipeline field so that a config
// file can override a single knob (say, crag_grade_threshold) without
// restating the rest.
//
// # Examples
//
//	// Minimal config (all defaults, local Weaviate)
//	cfg := Config{WeaviateURL: "http://localhost:8080"}
//
//	// Everything from the environment plus an optional YAML overlay
//	cfg, err := ConfigFromEnv()
type Config struct {
	// Port is the HTTP server port. Default: 8410.
	Port int `yaml:"port"`

	// GinMode sets the Gin framework mode: debug, release, or test.
	// Empty defers to the GIN_MODE environment variable.
	GinMode string `yaml:"gin_mode"`

	// LLMBackend selects the generation backend: "ollama" or "openai"
	// (any OpenAI-compatible endpoint via OPENAI_BASE_URL).
	// Default: "ollama".
	LLMBackend string `yaml:"llm_backend"`

	// WeaviateURL is the vector store URL. Required: the engine cannot
	// answer ASSIST or EVIDENCE questions without retrieval.
	WeaviateURL string `yaml:"weaviate_url"`

	// EmbeddingBackend selects the embedding provider: "http" for the
	// sidecar embedding service, "openai" for the embeddings API.
	// Default: "http".
	EmbeddingBackend string `yaml:"embedding_backend"`

	// EmbeddingServiceURL is the sidecar base URL for the "http" backend.
	// Empty defers to the EMBEDDING_SERVICE_URL environment variable.
	EmbeddingServiceURL string `yaml:"embedding_service_url"`

	// OTelEndpoint is the OTLP gRPC collector endpoint.
	// Default: "lagrum-otel-collector:4317".
	OTelEndpoint string `yaml:"otel_endpoint"`

	// EnableMetrics exposes Prometheus metrics on /metrics. Default: true.
	EnableMetrics bool `yaml:"enable_metrics"`

	// RegistryPath is the badger directory for the document registry.
	// Empty selects an in-memory registry (listings reset on restart).
	RegistryPath string `yaml:"registry_path"`

	// LexiconPath is an optional terminology lexicon YAML file. The
	// embedded defaults apply when empty; when set, the file is watched
	// and hot-reloaded.
	LexiconPath string `yaml:"lexicon_path"`

	// RateLimitPerMinute caps /v1 requests per client IP. Default: 60.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	// RateLimitBurst is the token-bucket burst size. Default: 10.
	RateLimitBurst int `yaml:"rate_limit_burst"`

	// Pipeline carries the answer-pipeline knobs (refusal template,
	// critic loop, CRAG, reranking, timeouts).
	Pipeline services.PipelineOptions `yaml:"pipeline"`
}

// ConfigFromEnv builds a Config from LAGRUM_* environment variables,
// then overlays the YAML file named by LAGRUM_CONFIG when set.
//
// # Environment Variables
//
//   - LAGRUM_PORT: HTTP port (default 8410)
//   - LAGRUM_LLM_BACKEND: ollama | openai (default ollama)
//   - WEAVIATE_SERVICE_URL: vector store URL (required)
//   - LAGRUM_EMBEDDING_BACKEND: http | openai (default http)
//   - EMBEDDING_SERVICE_URL: embedding sidecar URL
//   - OTEL_EXPORTER_OTLP_ENDPOINT: collector (default lagrum-otel-collector:4317)
//   - LAGRUM_REGISTRY_PATH: badger directory (default in-memory)
//   - LAGRUM_LEXICON_PATH: terminology lexicon YAML (optional)
//   - LAGRUM_CONFIG: YAML file overlaying every field above plus pipeline knobs
//
// # Outputs
//
//   - Config: Populated configuration with defaults applied.
//   - error: Non-nil when LAGRUM_CONFIG names an unreadable or invalid file.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Port:                getEnvInt("LAGRUM_PORT", 0),
		GinMode:             os.Getenv("GIN_MODE"),
		LLMBackend:          os.Getenv("LAGRUM_LLM_BACKEND"),
		WeaviateURL:         strings.Trim(os.Getenv("WEAVIATE_SERVICE_URL"), "\"' "),
		EmbeddingBackend:    os.Getenv("LAGRUM_EMBEDDING_BACKEND"),
		EmbeddingServiceURL: os.Getenv("EMBEDDING_SERVICE_URL"),
		OTelEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RegistryPath:        os.Getenv("LAGRUM_REGISTRY_PATH"),
		LexiconPath:         os.Getenv("LAGRUM_LEXICON_PATH"),
		Pipeline:            services.DefaultPipelineOptions(),
	}

	if path := os.Getenv("LAGRUM_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	return applyConfigDefaults(cfg), nil
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 8410
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "ollama"
	}
	if cfg.EmbeddingBackend == "" {
		cfg.EmbeddingBackend = "http"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "lagrum-otel-collector:4317"
	}
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = 60
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 10
	}
	// Metrics default on; a YAML overlay can disable them explicitly.
	if os.Getenv("LAGRUM_DISABLE_METRICS") != "true" {
		cfg.EnableMetrics = true
	}
	return cfg
}

// Validate checks the fields New cannot repair with a default.
//
// # Outputs
//
//   - error: Non-nil when the Weaviate URL is missing or malformed, or
//     when a selector names an unknown backend.
func (c Config) Validate() error {
	if c.WeaviateURL == "" {
		return fmt.Errorf("weaviate URL is required (set WEAVIATE_SERVICE_URL)")
	}
	parsed, err := url.Parse(c.WeaviateURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid weaviate URL: %q", c.WeaviateURL)
	}
	switch c.LLMBackend {
	case "ollama", "openai":
	default:
		return fmt.Errorf("unknown LLM backend: %q", c.LLMBackend)
	}
	switch c.EmbeddingBackend {
	case "http", "openai":
	default:
		return fmt.Errorf("unknown embedding backend: %q", c.EmbeddingBackend)
	}
	return nil
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
