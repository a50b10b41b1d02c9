// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator provides the question-answering service for Lagrum.
//
// This package contains the main Service type that wires the answer
// pipeline to its collaborators: HTTP routing, the LLM backend, the
// Weaviate vector store, the embedding provider, the document registry,
// and the observability infrastructure.
//
// # Deployment Integration
//
// The orchestrator supports dependency injection via extensions.ServiceOptions,
// enabling hosted deployments to provide custom implementations of:
//   - AuthProvider: Custom authentication (OIDC, API keys)
//   - AuthzProvider: Role-based access control
//   - AuditLogger: Compliance audit logging
//   - QuestionFilter: Personnummer/PII detection and redaction
//
// # Usage
//
// Open source (uses no-op defaults):
//
//	cfg := orchestrator.Config{WeaviateURL: "http://localhost:8080"}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc.Run()
//
// Hosted (with custom implementations):
//
//	opts := &extensions.ServiceOptions{
//	    AuthProvider: hostedAuth,
//	    AuditLogger:  hostedAudit,
//	}
//	svc, err := orchestrator.New(cfg, opts)
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/lagrumai/lagrum/pkg/extensions"
	"github.com/lagrumai/lagrum/services/llm"
	"github.com/lagrumai/lagrum/services/orchestrator/conversation"
	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
	"github.com/lagrumai/lagrum/services/orchestrator/embedding"
	"github.com/lagrumai/lagrum/services/orchestrator/handlers"
	"github.com/lagrumai/lagrum/services/orchestrator/middleware"
	"github.com/lagrumai/lagrum/services/orchestrator/observability"
	"github.com/lagrumai/lagrum/services/orchestrator/registry"
	"github.com/lagrumai/lagrum/services/orchestrator/retrieval"
	"github.com/lagrumai/lagrum/services/orchestrator/routes"
	"github.com/lagrumai/lagrum/services/orchestrator/services"
	"github.com/lagrumai/lagrum/services/orchestrator/vectorstore"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Description
//
// Service abstracts the orchestrator lifecycle, enabling testing and
// alternative implementations. Only essential lifecycle methods are
// exposed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should only be called once per instance.
//
// # Assumptions
//
//   - Service is fully initialized before Run() is called
//   - Run() is called at most once per Service instance
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Description
//
// service coordinates:
//   - HTTP routing via Gin
//   - The answer pipeline and its retrieval strategies
//   - The LLM backend client
//   - Weaviate vector store and embedding provider
//   - The badger document registry (written by ingest, read by the core)
//   - OpenTelemetry tracing and Prometheus metrics
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
type service struct {
	config        Config
	opts          extensions.ServiceOptions
	router        *gin.Engine
	llmClient     llm.LLMClient
	store         *vectorstore.WeaviateStore
	embedder      embedding.Provider
	registry      *registry.DocumentRegistry
	guardrail     *services.Guardrail
	pipeline      *services.Pipeline
	quality       *observability.QualityRecorder
	limiter       *middleware.RateLimiter
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new orchestrator Service with the given configuration.
//
// # Description
//
// New initializes every component the pipeline depends on:
//  1. Applies default configuration and validates the result
//  2. Initializes OpenTelemetry tracing and Prometheus metrics
//  3. Connects the Weaviate vector store and ensures the Dokument schema
//  4. Creates the embedding provider and the LLM client
//  5. Opens the document registry and loads the terminology guardrail
//  6. Builds the retrieval strategies and wires the answer pipeline
//  7. Sets up HTTP routes with extension options
//
// If opts is nil, extensions.DefaultOptions() is used (no-op
// implementations).
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults; WeaviateURL
//     is required.
//   - opts: Extension options for hosted deployments. May be nil.
//
// # Outputs
//
//   - Service: Ready-to-run orchestrator service.
//   - error: Non-nil if any component fails to initialize.
//
// # Limitations
//
//   - LLM client creation may fail if required environment variables
//     (OLLAMA_BASE_URL, OPENAI_API_KEY) are missing.
//   - The Weaviate schema check logs and continues on error so the
//     service can start while the store is still coming up.
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &service{config: cfg}
	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if s.config.EnableMetrics {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics")
	}

	if err := s.initWeaviate(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}

	if err := s.initEmbedder(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}

	if err := s.initLLMClient(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	if err := s.initRegistry(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open document registry: %w", err)
	}

	if err := s.initPipeline(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}

	s.quality = observability.NewQualityRecorder()
	s.limiter = middleware.NewRateLimiter(s.config.RateLimitPerMinute, s.config.RateLimitBurst)

	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting orchestrator server", "port", s.config.Port)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer initializes OpenTelemetry distributed tracing.
//
// Sets up an OTLP gRPC exporter against the configured collector. The
// connection is lazy, so an unreachable collector does not block startup.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("lagrum-orchestrator")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initWeaviate connects the Weaviate client and wraps it in the store.
//
// The schema check is non-fatal: Weaviate may still be starting when the
// orchestrator comes up, and the ingest path re-ensures the schema.
func (s *service) initWeaviate() error {
	parsedURL, err := url.Parse(s.config.WeaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("invalid Weaviate URL: %s", s.config.WeaviateURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	s.store = vectorstore.NewWeaviateStore(client)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.EnsureSchema(ctx); err != nil {
		slog.Warn("Weaviate schema check failed, will retry on ingest", "error", err)
	}
	slog.Info("Weaviate client initialized", "url", s.config.WeaviateURL)

	return nil
}

// initEmbedder creates the embedding provider.
func (s *service) initEmbedder() error {
	switch s.config.EmbeddingBackend {
	case "openai":
		provider, err := embedding.NewOpenAIProvider()
		if err != nil {
			return err
		}
		s.embedder = provider
		slog.Info("Using OpenAI embedding backend")
	default:
		s.embedder = embedding.NewHTTPProvider(s.config.EmbeddingServiceURL)
		slog.Info("Using sidecar embedding backend")
	}
	return nil
}

// initLLMClient initializes the LLM backend client.
//
// For Ollama the client is wrapped by the multi-model manager so the
// answer model stays resident in VRAM between the grading and critique
// calls the pipeline interleaves with generation.
func (s *service) initLLMClient() error {
	switch s.config.LLMBackend {
	case "openai":
		client, err := llm.NewOpenAIClient()
		if err != nil {
			return err
		}
		s.llmClient = client
		slog.Info("Using OpenAI-compatible LLM backend")
	default:
		client, err := llm.NewOllamaClient()
		if err != nil {
			return err
		}
		s.llmClient = client
		s.warmOllamaModels(client)
		slog.Info("Using Ollama LLM backend")
	}
	return nil
}

// warmOllamaModels pins the answer model (and an optional utility model
// for grading and critique) in VRAM. Warmup failure is non-fatal: the
// server may not be up yet, and Ollama loads on first use anyway.
func (s *service) warmOllamaModels(client *llm.OllamaClient) {
	model := os.Getenv("OLLAMA_MODEL")
	if model == "" {
		return
	}

	configs := []llm.ModelWarmupConfig{
		{Model: model, KeepAlive: "-1", Priority: 2, NumCtx: 32768},
	}
	if utility := os.Getenv("LAGRUM_UTILITY_MODEL"); utility != "" && utility != model {
		configs = append(configs, llm.ModelWarmupConfig{
			Model: utility, KeepAlive: "-1", Priority: 1, NumCtx: 8192,
		})
	}

	mgr := llm.NewMultiModelManager(os.Getenv("OLLAMA_BASE_URL"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := mgr.WarmModels(ctx, configs); err != nil {
		slog.Warn("Model warmup failed, models load on first use", "error", err)
		return
	}
	s.llmClient = mgr.ForModel(model, client)
}

// initRegistry opens the badger document registry.
func (s *service) initRegistry() error {
	var cfg registry.Config
	if s.config.RegistryPath != "" {
		cfg = registry.DefaultConfig(s.config.RegistryPath)
	} else {
		cfg = registry.InMemoryConfig()
		slog.Info("No registry path configured, using in-memory registry")
	}

	reg, err := registry.Open(cfg)
	if err != nil {
		return err
	}
	s.registry = reg
	return nil
}

// initPipeline builds the guardrail, the retrieval strategies, and the
// answer pipeline.
func (s *service) initPipeline() error {
	guardrail, err := services.NewGuardrail(s.config.LexiconPath)
	if err != nil {
		return fmt.Errorf("failed to load terminology lexicon: %w", err)
	}
	if s.config.LexiconPath != "" {
		if err := guardrail.Start(context.Background()); err != nil {
			slog.Warn("Lexicon watch unavailable, hot reload disabled", "error", err)
		}
	}
	s.guardrail = guardrail

	// One generate closure serves paraphrasing and decontextualization.
	generate := func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		return s.llmClient.Generate(ctx, prompt, llm.GenerationParams{MaxTokens: &maxTokens})
	}

	rewriteCfg := retrieval.DefaultRewriteConfig()
	parallel := retrieval.NewParallelV1(s.store, s.embedder)
	rewrite := retrieval.NewRewriteV1(s.store, s.embedder, retrieval.GenerateFunc(generate), rewriteCfg)
	fusion := retrieval.NewRAGFusion(s.store, s.embedder, retrieval.GenerateFunc(generate), rewriteCfg)
	adaptive := retrieval.NewAdaptive(fusion, s.config.Pipeline.AdaptiveThresholds)

	strategies := map[datatypes.RetrievalStrategy]retrieval.Strategy{
		parallel.Name(): parallel,
		rewrite.Name():  rewrite,
		fusion.Name():   fusion,
		adaptive.Name(): adaptive,
	}

	decontext := conversation.NewDecontextualizer(
		conversation.GenerateFunc(generate), conversation.DefaultDecontextConfig())

	pipeline, err := services.NewPipeline(s.llmClient, strategies, guardrail, decontext, s.config.Pipeline)
	if err != nil {
		return err
	}
	s.pipeline = pipeline
	return nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("lagrum-orchestrator"))

	routes.SetupRoutes(s.router, routes.Deps{
		Pipeline: s.pipeline,
		Store:    s.store,
		Embedder: s.embedder,
		Registry: s.registry,
		Quality:  s.quality,
		Limiter:  s.limiter,
		Options:  s.opts,
	})
}

// cleanup releases all resources held by the service.
//
// Called when Run() exits or on initialization failure. Safe to call
// with partially initialized state.
func (s *service) cleanup() {
	if s.guardrail != nil {
		s.guardrail.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.quality != nil {
		s.quality.Close()
	}
	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			slog.Warn("Registry close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	handlers.PurgeAllSecureMemory()
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
