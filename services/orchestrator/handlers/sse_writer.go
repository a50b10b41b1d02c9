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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing Server-Sent Events to HTTP responses.
//
// # Description
//
// SSEWriter abstracts SSE event serialization and writing, enabling
// testability and separation from HTTP response mechanics. Implementations
// handle the SSE wire format (data: json\n\n) internally; the event type
// travels inside the JSON payload rather than on an event: line.
//
// Each event is automatically assigned:
//   - Id: UUID v4 for ordering and deduplication
//   - CreatedAt: Unix timestamp in milliseconds
//   - Hash: SHA-256 hash of event content for integrity
//   - PrevHash: Hash of previous event for chain verification
//
// The writer is terminal-state aware: once a done or error event has been
// written, every further write is rejected. The event vocabulary guarantees
// exactly one terminal event per stream, and the writer enforces it.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
// The pipeline drain loop and the heartbeat goroutine write concurrently.
//
// # Limitations
//
//   - Must be used with http.Flusher-compatible ResponseWriter
//   - Response headers must be set before first write
//
// # Assumptions
//
//   - Caller has set Content-Type: text/event-stream before writing
//   - Caller has disabled buffering (X-Accel-Buffering: no)
type SSEWriter interface {
	// WriteEvent writes a single SSE event to the response.
	//
	// # Description
	//
	// Populates event metadata (Id, CreatedAt, Hash, PrevHash), serializes
	// to JSON, and writes in SSE format. Flushes immediately after writing.
	// Returns an error without writing when a terminal event has already
	// been sent.
	//
	// # Inputs
	//
	//   - event: StreamEvent to write. Id, CreatedAt, Hash, PrevHash are auto-set.
	//
	// # Outputs
	//
	//   - error: Non-nil if the stream is closed, or if JSON marshaling or
	//     writing failed.
	//
	// # Assumptions
	//
	//   - Connection is still open
	WriteEvent(event datatypes.StreamEvent) error

	// WriteKeepAlive sends a comment line to prevent connection timeouts.
	//
	// # Description
	//
	// Sends an SSE comment (": ping\n\n") to keep the connection alive during
	// long operations like retrieval or critic revision rounds. SSE comments
	// are ignored by clients but keep the TCP connection active, preventing
	// timeout disconnections from load balancers (AWS ALB, Nginx default 60s).
	// Rejected after a terminal event.
	//
	// # Outputs
	//
	//   - error: Non-nil if the stream is closed or writing failed.
	//
	// # Examples
	//
	//	// In a goroutine during long operations:
	//	ticker := time.NewTicker(15 * time.Second)
	//	defer ticker.Stop()
	//	for {
	//	    select {
	//	    case <-ticker.C:
	//	        writer.WriteKeepAlive()
	//	    case <-done:
	//	        return
	//	    }
	//	}
	//
	// # Limitations
	//
	//   - Does not update the hash chain (comments are not events)
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter for HTTP SSE responses.
//
// # Description
//
// sseWriter wraps an http.ResponseWriter to emit SSE-formatted events.
// Each event is written as a data-only frame:
//
//	data: {json}
//
// The writer maintains a hash chain for integrity verification:
//   - Each event's Hash is SHA-256 of its content (including sources)
//   - Each event's PrevHash links to the previous event
//
// Clients that record the chain can detect dropped, duplicated, or
// reordered events after the fact. The chain carries no internal data;
// it is computed over the fields already visible in the event.
//
// # Fields
//
//   - writer: Underlying http.ResponseWriter
//   - flusher: http.Flusher interface for immediate send
//   - prevHash: Hash of the last written event (for chain)
//   - closed: Set once a done or error event has been written
//   - mu: Mutex for thread-safe writes
//
// # Thread Safety
//
// Thread-safe via mutex. Multiple goroutines can write events concurrently.
// Hash chain integrity is maintained across concurrent writes.
//
// # Limitations
//
//   - Cannot be reused across requests
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	closed   bool
	mu       sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewSSEWriter creates a new SSEWriter for the given ResponseWriter.
//
// # Description
//
// Creates an sseWriter that wraps the ResponseWriter. The caller must
// set appropriate SSE headers before creating the writer.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: Ready to write SSE events.
//   - error: Non-nil if ResponseWriter doesn't support flushing.
//
// # Examples
//
//	SetSSEHeaders(w)
//	writer, err := NewSSEWriter(w)
//	if err != nil {
//	    http.Error(w, "Streaming not supported", http.StatusInternalServerError)
//	    return
//	}
//	writer.WriteEvent(datatypes.NewTokenEvent("Hej"))
//	writer.WriteEvent(datatypes.NewDoneEvent(812))
//
// # Limitations
//
//   - Requires http.Flusher support (most ResponseWriters have it)
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders()
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:   w,
		flusher:  flusher,
		prevHash: "",
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// WriteEvent writes a single SSE event to the response.
//
// # Description
//
// Populates event metadata (Id, CreatedAt, Hash, PrevHash), serializes
// to JSON, and writes in SSE format. Flushes immediately after writing.
//
// The hash covers every visible field including sources and corrections
// for complete chain of custody. Writing a done or error event closes the
// writer; subsequent writes return an error without touching the wire.
//
// # Inputs
//
//   - event: StreamEvent to write. Id, CreatedAt, Hash, PrevHash are auto-set.
//
// # Outputs
//
//   - error: Non-nil if the stream is closed, or if JSON marshaling or
//     writing failed.
//
// # Examples
//
//	err := w.WriteEvent(datatypes.NewMetadataEvent(
//	    datatypes.ModeEvidence, refs, datatypes.EvidenceHigh))
//
// # Assumptions
//
//   - Connection is still open
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("write %s: stream already closed by terminal event", event.Type)
	}

	// Populate metadata
	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash

	// Compute hash of event content (before setting Hash field)
	event.Hash = w.computeEventHash(event)

	// Update chain for next event
	w.prevHash = event.Hash

	// Serialize to JSON
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Data-only SSE frames; the event type travels inside the JSON payload
	// so clients dispatch on one field regardless of transport framing.
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()

	if event.IsTerminal() {
		w.closed = true
	}
	return nil
}

// computeEventHash computes SHA-256 hash of event content.
//
// # Description
//
// Hashes all visible fields in a fixed pipe-delimited order:
//   - Id, Type, CreatedAt, PrevHash (envelope)
//   - Mode, EvidenceLevel, Text, Content, CorrectedText, Message (scalars)
//   - TotalTimeMs (decimal string, empty when absent)
//   - Sources and Corrections (serialized to JSON for consistent hashing)
//
// # Inputs
//
//   - event: Event to hash (Hash field should be empty when called).
//
// # Outputs
//
//   - string: Hex-encoded SHA-256 hash.
//
// # Assumptions
//
//   - Called before setting event.Hash field.
func (w *sseWriter) computeEventHash(event datatypes.StreamEvent) string {
	sourcesJSON := ""
	if event.Sources != nil {
		if data, err := json.Marshal(event.Sources); err == nil {
			sourcesJSON = string(data)
		}
	}

	correctionsJSON := ""
	if len(event.Corrections) > 0 {
		if data, err := json.Marshal(event.Corrections); err == nil {
			correctionsJSON = string(data)
		}
	}

	totalMs := ""
	if event.TotalTimeMs != nil {
		totalMs = strconv.FormatInt(*event.TotalTimeMs, 10)
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		string(event.Mode),
		string(event.EvidenceLevel),
		event.Text,
		event.Content,
		event.CorrectedText,
		event.Message,
		totalMs,
		sourcesJSON,
		correctionsJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// WriteKeepAlive sends a comment line to keep the connection alive.
//
// # Description
//
// Writes an SSE comment (": ping\n\n") to keep the TCP connection active
// during long operations. Comments are ignored by SSE clients but reset
// load balancer timeout counters.
//
// # Outputs
//
//   - error: Non-nil if the stream is closed or writing failed.
//
// # Examples
//
//	err := writer.WriteKeepAlive()
//
// # Limitations
//
//   - Does not update the hash chain.
//
// # Assumptions
//
//   - Connection is still open.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("write keepalive: stream already closed by terminal event")
	}

	// SSE comment format: colon followed by text, then double newline
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming.
//
// # Description
//
// Sets the required headers for Server-Sent Events:
//   - Content-Type: text/event-stream
//   - Cache-Control: no-cache
//   - Connection: keep-alive
//   - X-Accel-Buffering: no (disables nginx buffering)
//
// Must be called before writing any response body.
//
// # Inputs
//
//   - w: HTTP ResponseWriter to configure.
//
// # Outputs
//
// None.
//
// # Examples
//
//	func HandleStream(w http.ResponseWriter, r *http.Request) {
//	    SetSSEHeaders(w)
//	    writer, _ := NewSSEWriter(w)
//	    // ... write events ...
//	}
//
// # Limitations
//
//   - Must be called before any writes to ResponseWriter.
//
// # Assumptions
//
//   - No response has been written yet.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
