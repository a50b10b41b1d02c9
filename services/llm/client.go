package llm

import (
	"context"
	"time"

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
)

// GenerationParams carries per-call sampling and decoding knobs.
// Nil pointer fields mean "use the backend default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	// NumCtx sets the context window for Ollama backends. It must be sent
	// on every request or Ollama resets the loaded model to its 4096 default.
	NumCtx *int `json:"num_ctx,omitempty"`

	// KeepAlive controls how long an Ollama model stays resident after the
	// call ("-1" = indefinitely, "0" = unload immediately).
	KeepAlive string `json:"keep_alive,omitempty"`

	// ModelOverride selects a model other than the client default for this
	// call. Empty means the client default.
	ModelOverride string `json:"model_override,omitempty"`
}

// StreamStats summarizes a completed streaming generation. It is delivered
// on the final stream event so callers can record latency and throughput
// without instrumenting the token path themselves.
type StreamStats struct {
	TokensGenerated int       `json:"tokens_generated"`
	ModelUsed       string    `json:"model_used"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
}

// Duration returns the wall-clock time of the generation.
func (s StreamStats) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	// Generate produces a completion for a single prompt string.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Chat produces a completion for a multi-turn message list.
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)

	// ChatStream produces a completion incrementally. The callback receives
	// token events in arrival order and a final done event carrying
	// StreamStats. A callback error aborts the stream.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}
