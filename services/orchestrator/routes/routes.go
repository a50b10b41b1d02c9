// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes registers the orchestrator's HTTP routes.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lagrumai/lagrum/pkg/extensions"
	"github.com/lagrumai/lagrum/services/orchestrator/embedding"
	"github.com/lagrumai/lagrum/services/orchestrator/handlers"
	"github.com/lagrumai/lagrum/services/orchestrator/middleware"
	"github.com/lagrumai/lagrum/services/orchestrator/observability"
	"github.com/lagrumai/lagrum/services/orchestrator/registry"
	"github.com/lagrumai/lagrum/services/orchestrator/services"
	"github.com/lagrumai/lagrum/services/orchestrator/vectorstore"
)

// Deps carries the constructed collaborators the routes hand to their
// handlers. All fields are required except Quality, which may be the
// no-op recorder.
type Deps struct {
	Pipeline *services.Pipeline
	Store    *vectorstore.WeaviateStore
	Embedder embedding.Provider
	Registry *registry.DocumentRegistry
	Quality  *observability.QualityRecorder
	Limiter  *middleware.RateLimiter
	Options  extensions.ServiceOptions
}

// SetupRoutes registers every route on the router.
//
// Layout:
//
//	GET  /health            liveness probe
//	GET  /ready             readiness probe (Weaviate reachable)
//	GET  /metrics           Prometheus metrics
//	POST /v1/fraga          question answering (JSON)
//	POST /v1/fraga/stream   question answering (SSE)
//	POST /v1/documents      document ingestion
//	GET  /v1/documents      document listing
//
// The /v1 group is rate limited per client IP; probes and metrics are
// not.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.Readiness(deps.Store))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	queryHandler := handlers.NewQueryHandler(deps.Pipeline, deps.Quality, deps.Options)
	documentsHandler := handlers.NewDocumentsHandler(deps.Store, deps.Embedder, deps.Registry, deps.Options)

	v1 := router.Group("/v1")
	v1.Use(middleware.RateLimitMiddleware(deps.Limiter))
	{
		v1.POST("/fraga", queryHandler.HandleQuery)
		v1.POST("/fraga/stream", queryHandler.HandleQueryStream)
		v1.POST("/documents", documentsHandler.HandleIngestDocument)
		v1.GET("/documents", documentsHandler.HandleListDocuments)
	}
}
