package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
)

type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client for the OpenAI API or any
// OpenAI-compatible endpoint (vLLM, LiteLLM, an EU-hosted gateway)
// selected via OPENAI_BASE_URL.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL") // e.g., "gpt-4o"
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from Podman Secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
		slog.Info("Using OpenAI-compatible endpoint", "base_url", cfg.BaseURL)
	}
	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

func (o *OpenAIClient) resolveModel(params GenerationParams) string {
	if params.ModelOverride != "" {
		return params.ModelOverride
	}
	return o.model
}

// toOpenAIMessages converts the pipeline message shape to the SDK shape.
func toOpenAIMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	converted := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		converted = append(converted, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return converted
}

// buildChatRequest maps GenerationParams onto the OpenAI request shape.
func (o *OpenAIClient) buildChatRequest(messages []openai.ChatCompletionMessage,
	params GenerationParams) openai.ChatCompletionRequest {

	req := openai.ChatCompletionRequest{
		Model:    o.resolveModel(params),
		Messages: messages,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// Generate implements the LLMClient interface
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	slog.Debug("Generating text via OpenAI", "model", o.resolveModel(params))
	systemRoleContent := os.Getenv("SYSTEM_ROLE_PROMPT_PERSONA")
	if systemRoleContent == "" {
		systemRoleContent = "You are a helpful assistant."
	}
	req := o.buildChatRequest([]openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemRoleContent},
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}, params)

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("OpenAI API call failed", "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices or empty content")
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// Chat implements the LLMClient interface for multi-turn completions.
func (o *OpenAIClient) Chat(ctx context.Context, messages []datatypes.Message,
	params GenerationParams) (string, error) {

	slog.Debug("Chat via OpenAI", "model", o.resolveModel(params), "num_messages", len(messages))
	req := o.buildChatRequest(toOpenAIMessages(messages), params)
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("OpenAI chat call failed", "error", err)
		return "", fmt.Errorf("OpenAI chat call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatStream streams a chat completion with the pipeline's default limits.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {
	return o.ChatStreamWithConfig(ctx, messages, params, callback, DefaultStreamConfig())
}

// ChatStreamWithConfig is ChatStream with explicit stream limits. Delta
// fragments arrive in order; the final callback carries StreamStats.
func (o *OpenAIClient) ChatStreamWithConfig(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback, cfg StreamConfig) error {

	model := o.resolveModel(params)
	req := o.buildChatRequest(toOpenAIMessages(messages), params)
	req.Stream = true

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		slog.Error("OpenAI stream call failed", "error", err)
		return fmt.Errorf("OpenAI stream call failed: %w", err)
	}
	defer stream.Close()

	processor := NewDefaultStreamProcessor(cfg, nil)
	startTime := time.Now()

recv:
	for {
		resp, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("openai stream cancelled: %w", ctxErr)
			}
			event := StreamEvent{Type: StreamEventError, Error: recvErr.Error()}
			if cbErr := callback(event); cbErr != nil {
				return fmt.Errorf("stream callback failed: %w", cbErr)
			}
			return fmt.Errorf("receiving openai stream: %w", recvErr)
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			stop, emitErr := processor.emitContent(ctx, choice.Delta.Content, callback)
			if emitErr != nil {
				return emitErr
			}
			if stop {
				break recv
			}
		}
	}

	stats := StreamStats{
		TokensGenerated: processor.GetTokenCount(),
		ModelUsed:       model,
		StartTime:       startTime,
		EndTime:         time.Now(),
	}
	if cbErr := callback(StreamEvent{Type: StreamEventDone, Stats: &stats}); cbErr != nil {
		return fmt.Errorf("stream callback failed: %w", cbErr)
	}
	return nil
}
