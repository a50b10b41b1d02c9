// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// =============================================================================
// Stream Events
// =============================================================================

// StreamEventType discriminates events emitted during a streaming generation.
type StreamEventType string

const (
	// StreamEventToken carries one content fragment of the visible answer.
	StreamEventToken StreamEventType = "token"

	// StreamEventThinking carries model reasoning text. Reasoning never
	// reaches callers of the query API; it exists for operator debugging
	// and is dropped entirely when RedactThinking is set.
	StreamEventThinking StreamEventType = "thinking"

	// StreamEventError carries a backend-reported failure. It is terminal.
	StreamEventError StreamEventType = "error"

	// StreamEventDone is the final event of a successful stream and
	// carries StreamStats.
	StreamEventDone StreamEventType = "done"
)

// StreamEvent is one unit of streamed LLM output.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`

	// Stats is populated only on StreamEventDone.
	Stats *StreamStats `json:"stats,omitempty"`
}

// StreamCallback receives stream events in arrival order. Returning a
// non-nil error aborts the stream; the backend connection is released.
type StreamCallback func(event StreamEvent) error

// =============================================================================
// Stream Configuration
// =============================================================================

// StreamConfig bounds what a stream may deliver.
//
// # Description
//
// Generation output is attacker-influenced (the model sees retrieved
// corpus text), so the processor enforces hard caps on response and
// reasoning size rather than trusting the backend's own limits.
type StreamConfig struct {
	// RedactThinking drops thinking events instead of forwarding them.
	RedactThinking bool

	// MaxThinkingLength truncates each thinking fragment to this many
	// bytes. 0 means no limit.
	MaxThinkingLength int

	// RateLimitPerSecond caps token events per second. 0 means unlimited.
	RateLimitPerSecond int

	// MaxResponseLength caps the accumulated response size in bytes.
	// Content past the cap is truncated. 0 means no limit.
	MaxResponseLength int
}

// DefaultStreamConfig returns the limits used by the query pipeline:
// thinking forwarded untruncated, no token rate limit, responses capped
// at 100 KiB.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		RedactThinking:     false,
		MaxThinkingLength:  0,
		RateLimitPerSecond: 0,
		MaxResponseLength:  100 * 1024,
	}
}

// =============================================================================
// Stream Processor
// =============================================================================

// StreamProcessor turns decoded backend chunks into StreamEvents.
type StreamProcessor interface {
	// ProcessChunk handles one decoded chunk. It returns done=true when
	// the chunk terminates the stream (final chunk or backend error).
	ProcessChunk(ctx context.Context, chunk *ollamaStreamChunk, callback StreamCallback) (done bool, err error)

	// GetTokenCount returns the number of content events emitted so far.
	GetTokenCount() int

	// GetResponseLength returns the accumulated response size in bytes.
	GetResponseLength() int
}

// DefaultStreamProcessor applies StreamConfig limits to a chunk stream.
//
// # Description
//
// Tracks accumulated response length and emitted token count, truncates
// content and thinking per config, optionally rate-limits token emission,
// and converts backend error chunks into StreamEventError.
//
// # Thread Safety
//
// A processor belongs to a single stream; it is not safe for concurrent
// use across streams.
type DefaultStreamProcessor struct {
	cfg            StreamConfig
	limiter        *rate.Limiter
	tokenCount     int
	responseLength int
}

var _ StreamProcessor = (*DefaultStreamProcessor)(nil)

// NewDefaultStreamProcessor creates a processor for one stream.
//
// # Inputs
//
//   - cfg: Limits to enforce.
//   - limiter: Optional pre-built rate limiter. When nil and
//     cfg.RateLimitPerSecond > 0, a limiter is constructed.
//
// # Outputs
//
//   - *DefaultStreamProcessor: Ready for ProcessChunk calls.
func NewDefaultStreamProcessor(cfg StreamConfig, limiter *rate.Limiter) *DefaultStreamProcessor {
	if limiter == nil && cfg.RateLimitPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitPerSecond)
	}
	return &DefaultStreamProcessor{
		cfg:     cfg,
		limiter: limiter,
	}
}

// ProcessChunk handles one decoded NDJSON chunk.
//
// # Description
//
// Ordering within a chunk: backend errors first (terminal), then
// thinking, then content, then the done flag. A chunk may legally carry
// both thinking and content.
//
// # Inputs
//
//   - ctx: Cancellation; also gates the rate limiter wait.
//   - chunk: Decoded backend chunk.
//   - callback: Receiver for emitted events.
//
// # Outputs
//
//   - done: True when the stream must stop (final chunk, error, or
//     response cap reached).
//   - err: Backend error, callback error, or cancellation.
func (p *DefaultStreamProcessor) ProcessChunk(ctx context.Context, chunk *ollamaStreamChunk, callback StreamCallback) (bool, error) {
	if chunk.Error != "" {
		event := StreamEvent{Type: StreamEventError, Error: chunk.Error}
		if cbErr := callback(event); cbErr != nil {
			return true, fmt.Errorf("stream callback failed: %w", cbErr)
		}
		return true, fmt.Errorf("llm stream error: %s", chunk.Error)
	}

	if chunk.Thinking != "" {
		if err := p.emitThinking(chunk.Thinking, callback); err != nil {
			return true, err
		}
	}

	if chunk.Message.Content != "" {
		stop, err := p.emitContent(ctx, chunk.Message.Content, callback)
		if err != nil {
			return true, err
		}
		if stop {
			return true, nil
		}
	}

	return chunk.Done, nil
}

// emitThinking forwards one thinking fragment unless redaction is on.
func (p *DefaultStreamProcessor) emitThinking(thinking string, callback StreamCallback) error {
	if p.cfg.RedactThinking {
		return nil
	}
	if p.cfg.MaxThinkingLength > 0 && len(thinking) > p.cfg.MaxThinkingLength {
		thinking = thinking[:p.cfg.MaxThinkingLength]
	}
	if cbErr := callback(StreamEvent{Type: StreamEventThinking, Content: thinking}); cbErr != nil {
		return fmt.Errorf("stream callback failed: %w", cbErr)
	}
	return nil
}

// emitContent forwards one content fragment, enforcing the response cap
// and the token rate limit. stop=true means the cap is exhausted and the
// caller should close the stream.
func (p *DefaultStreamProcessor) emitContent(ctx context.Context, content string, callback StreamCallback) (stop bool, err error) {
	if p.cfg.MaxResponseLength > 0 {
		remaining := p.cfg.MaxResponseLength - p.responseLength
		if remaining <= 0 {
			// Cap already reached; stop reading rather than discarding
			// an unbounded tail.
			return true, nil
		}
		if len(content) > remaining {
			content = content[:remaining]
		}
	}
	if p.limiter != nil {
		if waitErr := p.limiter.Wait(ctx); waitErr != nil {
			return true, fmt.Errorf("stream rate limit wait: %w", waitErr)
		}
	}
	if cbErr := callback(StreamEvent{Type: StreamEventToken, Content: content}); cbErr != nil {
		return true, fmt.Errorf("stream callback failed: %w", cbErr)
	}
	p.tokenCount++
	p.responseLength += len(content)
	return false, nil
}

// GetTokenCount returns the number of content events emitted so far.
func (p *DefaultStreamProcessor) GetTokenCount() int {
	return p.tokenCount
}

// GetResponseLength returns the accumulated response size in bytes.
func (p *DefaultStreamProcessor) GetResponseLength() int {
	return p.responseLength
}
