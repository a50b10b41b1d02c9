package llm

import (
	"bufio"
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

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("lagrum.llm.ollama") // Specific tracer name

// maxStreamLineBytes bounds a single NDJSON line; chunks larger than this
// indicate a misbehaving backend.
const maxStreamLineBytes = 1024 * 1024

type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

// Ollama API request structure
type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

type ollamaChatRequest struct {
	Model     string                 `json:"model"`
	Messages  []datatypes.Message    `json:"messages"`
	Stream    bool                   `json:"stream"`
	Options   map[string]interface{} `json:"options,omitempty"`
	KeepAlive string                 `json:"keep_alive,omitempty"`
}

type ollamaChatResponse struct {
	Message   datatypes.Message `json:"message"`
	CreatedAt string            `json:"created_at"`
	Done      bool              `json:"done"`
}

// ollamaStreamChunk is one decoded line of the /api/chat NDJSON stream.
type ollamaStreamChunk struct {
	Message       datatypes.Message `json:"message"`
	Thinking      string            `json:"thinking,omitempty"`
	Done          bool              `json:"done"`
	DoneReason    string            `json:"done_reason,omitempty"`
	TotalDuration int64             `json:"total_duration,omitempty"`
	Error         string            `json:"error,omitempty"`
}

func NewOllamaClient() (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	model := os.Getenv("OLLAMA_MODEL")
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	if model == "" {
		slog.Warn("OLLAMA_MODEL not set, requests must specify model, default gpt-oss")
		model = "gpt-oss"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "default_model", model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// buildOllamaOptions constructs the options map from GenerationParams.
// The answer pipeline is citation-bound, so the sampling defaults lean
// conservative (temperature 0.2).
func buildOllamaOptions(params GenerationParams) map[string]interface{} {
	options := make(map[string]interface{})

	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	} else {
		options["temperature"] = float32(0.2)
	}

	if params.TopK != nil {
		options["top_k"] = *params.TopK
	} else {
		options["top_k"] = 20
	}

	if params.TopP != nil {
		options["top_p"] = *params.TopP
	} else {
		options["top_p"] = float32(0.9)
	}

	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	} else {
		options["num_predict"] = 8192
	}

	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}

	// num_ctx must be sent on every request or Ollama reloads the model
	// with its 4096 default.
	if params.NumCtx != nil && *params.NumCtx > 0 {
		options["num_ctx"] = *params.NumCtx
	}

	return options
}

// resolveModel applies a per-call model override.
func (o *OllamaClient) resolveModel(params GenerationParams) string {
	if params.ModelOverride != "" {
		return params.ModelOverride
	}
	return o.model
}

// Generate implements the LLMClient interface
func (o *OllamaClient) Generate(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	model := o.resolveModel(params)
	span.SetAttributes(attribute.String("llm.model", model))
	slog.Debug("Generating text via Ollama", "model", model)
	generateURL := o.baseURL + "/api/generate"
	payload := ollamaGenerateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: buildOllamaOptions(params),
	}

	reqBodyBytes, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to marshal request to Ollama: %w", err)
	}

	// Use NewRequestWithContext to respect context cancellation/timeout
	req, err := http.NewRequestWithContext(ctx, "POST", generateURL, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to create request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Ollama API call failed", "error", err)
		return "", fmt.Errorf("Ollama API call failed: %w", err)
	}
	defer resp.Body.Close()

	respBodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to read response body from Ollama: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			var errResp struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(respBodyBytes, &errResp); err == nil && strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
				slog.Warn("Ollama model not found", "model", model)
				// Return a specific, user-friendly error
				return "", fmt.Errorf("model '%s' not found. Please run: 'ollama pull %s'", model, model)
			}
		}
		slog.Error("Ollama returned an error", "status_code", resp.StatusCode, "response", string(respBodyBytes))
		return "", fmt.Errorf("Ollama failed with status %d: %s", resp.StatusCode, string(respBodyBytes))
	}

	var ollamaResp ollamaGenerateResponse
	if err := json.Unmarshal(respBodyBytes, &ollamaResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Failed to parse JSON response from Ollama", "error", err, "response", string(respBodyBytes))
		return "", fmt.Errorf("failed to parse Ollama response: %w", err)
	}

	slog.Debug("Received response from Ollama")
	return ollamaResp.Response, nil
}

func (o *OllamaClient) Chat(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "OllamaClient.Chat")
	defer span.End()
	model := o.resolveModel(params)
	span.SetAttributes(attribute.String("llm.model", model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	slog.Debug("Generating text via Ollama", "model", model)
	chatURL := o.baseURL + "/api/chat"
	payload := ollamaChatRequest{
		Model:     model,
		Messages:  messages,
		Stream:    false,
		Options:   buildOllamaOptions(params),
		KeepAlive: params.KeepAlive,
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request to Ollama: %w", err)
	}

	// Use NewRequestWithContext to respect context cancellation/timeout
	req, err := http.NewRequestWithContext(ctx, "POST", chatURL, bytes.NewBuffer(reqBody))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to create chat request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to send the request to %s: %v", chatURL, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to read chat response body from Ollama: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("Ollama chat returned an error", "status_code", resp.StatusCode,
			"response", string(respBody))
		span.SetStatus(codes.Error, fmt.Sprintf("ollama chat status %d", resp.StatusCode))
		return "", fmt.Errorf("ollama chat failed with status %d: %s", resp.StatusCode,
			string(respBody))
	}
	var ollamaResp ollamaChatResponse
	if err = json.Unmarshal(respBody, &ollamaResp); err != nil {
		slog.Error("Failed to parse JSON chat response from Ollama", "error", err,
			"response", string(respBody))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to parse the response from the ollama chat: %w", err)
	}
	if ollamaResp.Message.Role != "assistant" {
		slog.Warn("Ollama chat response message role was not 'assistant'", "role", ollamaResp.Message.Role)
	}
	return ollamaResp.Message.Content, nil
}

// ChatStream streams a chat completion with the pipeline's default limits.
//
// # Description
//
// Sends a streaming /api/chat request and invokes callback for every
// decoded chunk in arrival order. The final invocation is a done event
// carrying StreamStats. Malformed NDJSON lines are skipped.
//
// # Inputs
//
//   - ctx: Cancellation propagates to the HTTP request and aborts the scan.
//   - messages: Conversation to complete.
//   - params: Sampling parameters; ModelOverride selects a non-default model.
//   - callback: Event receiver; a non-nil return aborts the stream.
//
// # Outputs
//
//   - error: Non-nil on transport failure, backend error chunk, callback
//     abort, or cancellation.
func (o *OllamaClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {
	return o.ChatStreamWithConfig(ctx, messages, params, callback, DefaultStreamConfig())
}

// ChatStreamWithConfig is ChatStream with explicit stream limits.
func (o *OllamaClient) ChatStreamWithConfig(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback, cfg StreamConfig) error {

	ctx, span := tracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	model := o.resolveModel(params)
	span.SetAttributes(attribute.String("llm.model", model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))

	payload := ollamaChatRequest{
		Model:     model,
		Messages:  messages,
		Stream:    true,
		Options:   buildOllamaOptions(params),
		KeepAlive: params.KeepAlive,
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal stream request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/api/chat", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create stream request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("ollama stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		slog.Error("Ollama stream returned an error", "status_code", resp.StatusCode,
			"response", string(body))
		span.SetStatus(codes.Error, fmt.Sprintf("ollama stream status %d", resp.StatusCode))
		return fmt.Errorf("ollama stream failed with status %d: %s", resp.StatusCode, string(body))
	}

	processor := NewDefaultStreamProcessor(cfg, nil)
	startTime := time.Now()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)
	for scanner.Scan() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ollama stream cancelled: %w", ctxErr)
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		chunk, parseErr := o.parseStreamChunk(line)
		if parseErr != nil {
			slog.Warn("Skipping malformed stream chunk from Ollama", "error", parseErr)
			continue
		}
		done, procErr := processor.ProcessChunk(ctx, chunk, callback)
		if procErr != nil {
			span.RecordError(procErr)
			span.SetStatus(codes.Error, procErr.Error())
			return procErr
		}
		if done {
			stats := StreamStats{
				TokensGenerated: processor.GetTokenCount(),
				ModelUsed:       model,
				StartTime:       startTime,
				EndTime:         time.Now(),
			}
			span.SetAttributes(attribute.Int("llm.tokens_generated", stats.TokensGenerated))
			if cbErr := callback(StreamEvent{Type: StreamEventDone, Stats: &stats}); cbErr != nil {
				return fmt.Errorf("stream callback failed: %w", cbErr)
			}
			return nil
		}
	}
	if scanErr := scanner.Err(); scanErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ollama stream cancelled: %w", ctxErr)
		}
		span.RecordError(scanErr)
		span.SetStatus(codes.Error, scanErr.Error())
		return fmt.Errorf("reading ollama stream: %w", scanErr)
	}
	return fmt.Errorf("ollama stream ended without a final chunk")
}

// parseStreamChunk decodes one NDJSON line into a stream chunk.
func (o *OllamaClient) parseStreamChunk(line []byte) (*ollamaStreamChunk, error) {
	var chunk ollamaStreamChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		return nil, fmt.Errorf("decoding stream chunk: %w", err)
	}
	return &chunk, nil
}
