// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// The open source service runs without authentication; its only admission
// control is a per-client rate limit that keeps one greedy client from
// starving the LLM backend for everyone else.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	RateLimitMiddleware
//	   │
//	   ├─► look up the client's token bucket (keyed by client IP)
//	   │
//	   ├─► bucket has a token: consume it, continue to the handler
//	   │
//	   └─► bucket empty: 429 with Retry-After
//
// # Hosted Behavior
//
// Hosted deployments put their identity-aware gateway in front of the
// service and key limits on user identity instead of IP. This limiter is
// the floor, not the ceiling.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/lagrumai/lagrum/pkg/clock"
	"github.com/lagrumai/lagrum/services/orchestrator/observability"
)

// Default budget. An answer costs seconds of model time, so the sustained
// rate is deliberately low; the burst absorbs a page load firing a couple
// of requests at once.
const (
	DefaultRequestsPerMinute = 60
	DefaultBurst             = 10
)

const (
	// clientIdleTTL is how long a client's bucket survives without
	// traffic before the sweeper reclaims it.
	clientIdleTTL = 10 * time.Minute

	// sweepInterval is how often idle buckets are reclaimed.
	sweepInterval = time.Minute
)

// =============================================================================
// Rate Limiter
// =============================================================================

// clientLimiter pairs a token bucket with its last use.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out one token bucket per client key. Buckets refill
// continuously at the configured rate; idle buckets are swept so the map
// cannot grow without bound under address churn.
//
// # Thread Safety
//
// Safe for concurrent use. A single mutex guards the bucket map; the
// buckets themselves are internally synchronized.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter

	limit rate.Limit
	burst int

	// retryAfterSeconds is the Retry-After hint for rejected requests:
	// roughly one refill period, never less than a second.
	retryAfterSeconds int

	clk  clock.Clock
	stop chan struct{}
	done chan struct{}
}

// NewRateLimiter creates a limiter allowing requestsPerMinute sustained
// requests per client with the given burst. Non-positive arguments fall
// back to the defaults. The idle sweeper starts immediately; call Stop
// when shutting down.
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	return newRateLimiter(requestsPerMinute, burst, clock.System())
}

// newRateLimiter is the injectable form; tests pass a clock.Fake to drive
// idle eviction without sleeping.
func newRateLimiter(requestsPerMinute, burst int, clk clock.Clock) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	if burst <= 0 {
		burst = DefaultBurst
	}

	rl := &RateLimiter{
		clients:           make(map[string]*clientLimiter),
		limit:             rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:             burst,
		retryAfterSeconds: int(math.Ceil(60.0 / float64(requestsPerMinute))),
		clk:               clk,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Allow reports whether the client may proceed now, consuming one token
// when it may.
func (rl *RateLimiter) Allow(clientKey string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.clients[clientKey]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[clientKey] = cl
	}
	cl.lastSeen = rl.clk.Now()
	return cl.limiter.Allow()
}

// Stop halts the idle sweeper. The limiter keeps answering Allow calls
// afterwards; only the background reclamation stops.
func (rl *RateLimiter) Stop() {
	close(rl.stop)
	<-rl.done
}

func (rl *RateLimiter) sweep() {
	defer close(rl.done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.evictIdle(rl.clk.Now().Add(-clientIdleTTL))
		}
	}
}

// evictIdle drops every bucket last seen before the cutoff.
func (rl *RateLimiter) evictIdle(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, cl := range rl.clients {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.clients, key)
		}
	}
}

// =============================================================================
// Middleware
// =============================================================================

// RateLimitMiddleware creates a Gin middleware that rejects clients above
// their budget with 429 and a Retry-After hint.
//
// # Inputs
//
//   - rl: the shared limiter. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware ready to attach to a route group.
//
// # Examples
//
//	v1 := router.Group("/v1")
//	v1.Use(middleware.RateLimitMiddleware(limiter))
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.Allow(c.ClientIP()) {
			c.Next()
			return
		}

		endpoint := metricsEndpoint(c)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRateLimited(endpoint)
			m.RecordError(endpoint, observability.ErrorCodeRateLimited)
		}
		c.Header("Retry-After", strconv.Itoa(rl.retryAfterSeconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "För många förfrågningar. Försök igen om en stund.",
		})
	}
}

// metricsEndpoint maps the matched route template to its metrics label.
// Route templates are a bounded set, so the label cardinality stays fixed.
func metricsEndpoint(c *gin.Context) observability.Endpoint {
	switch c.FullPath() {
	case "/v1/fraga":
		return observability.EndpointQuery
	case "/v1/fraga/stream":
		return observability.EndpointQueryStream
	case "/v1/documents":
		return observability.EndpointDocuments
	default:
		return observability.Endpoint("other")
	}
}
