// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the Lagrum question-answering HTTP server.
//
// It reads configuration from environment variables (plus an optional
// YAML file named by LAGRUM_CONFIG) and starts the server.
//
// # Environment Variables
//
//   - LAGRUM_PORT: HTTP server port (default: 8410)
//   - LAGRUM_LLM_BACKEND: LLM provider - ollama, openai (default: ollama)
//   - WEAVIATE_SERVICE_URL: Weaviate vector DB URL (required)
//   - EMBEDDING_SERVICE_URL: embedding sidecar URL
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: lagrum-otel-collector:4317)
//   - LAGRUM_CONFIG: optional YAML config overlay
//   - LAGRUM_LOG_DIR: when set, logs are also written to a dated file here
//
// # Usage
//
//	go build -o orchestrator ./cmd/orchestrator
//	WEAVIATE_SERVICE_URL=http://localhost:8080 ./orchestrator
package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/lagrumai/lagrum/pkg/logging"
	"github.com/lagrumai/lagrum/services/orchestrator"
)

func main() {
	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  os.Getenv("LAGRUM_LOG_DIR"),
		Service: "orchestrator",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg, err := orchestrator.ConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	slog.Info("Starting orchestrator",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"weaviate_url", cfg.WeaviateURL,
	)

	// Default (no-op) extension options; hosted builds pass their own.
	svc, err := orchestrator.New(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	if err := svc.Run(); err != nil {
		log.Fatalf("Orchestrator error: %v", err)
	}
}
