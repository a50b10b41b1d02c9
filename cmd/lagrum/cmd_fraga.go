// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lagrumai/lagrum/pkg/ux"
)

// historyMessage mirrors one prior turn on the wire.
type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// queryRequest is the body of POST /v1/fraga and /v1/fraga/stream.
type queryRequest struct {
	Question          string           `json:"question"`
	Mode              string           `json:"mode,omitempty"`
	History           []historyMessage `json:"history,omitempty"`
	K                 int              `json:"k,omitempty"`
	RetrievalStrategy string           `json:"retrieval_strategy,omitempty"`
	MustInclude       []string         `json:"must_include,omitempty"`
}

// queryResponse is the body of a non-streaming answer.
type queryResponse struct {
	Answer         string          `json:"answer"`
	Sources        []ux.SourceInfo `json:"sources"`
	Mode           string          `json:"mode"`
	SaknasUnderlag bool            `json:"saknas_underlag"`
	EvidenceLevel  string          `json:"evidence_level"`
}

func runFragaCommand(cmd *cobra.Command, args []string) {
	ui := ux.NewQueryUI()

	if sessionMode {
		runFragaSession(ui, strings.Join(args, " "))
		return
	}

	if len(args) == 0 {
		ui.Error(fmt.Errorf("ingen fråga angiven (use --session for an interactive session)"))
		os.Exit(1)
	}
	question := strings.Join(args, " ")

	ui.Header(ux.HeaderConfig{
		Mode:     ux.QueryModeSingle,
		Strategy: strategy,
		Endpoint: serverURL,
		Verify:   showIntegrity,
	})

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(requestTimeout)*time.Second)
	defer cancel()

	var err error
	if noStream {
		err = askOnce(ctx, ui, question, nil)
	} else {
		err = askStreaming(ctx, ui, question, nil)
	}
	if err != nil {
		ui.Error(err)
		os.Exit(1)
	}
}

// maxHistoryTurns caps the rolling history sent with follow-up
// questions; the orchestrator rejects more than ten messages.
const maxHistoryTurns = 10

// runFragaSession runs an interactive loop where follow-up questions
// are decontextualized server-side against the running history.
func runFragaSession(ui ux.QueryUI, firstQuestion string) {
	ui.Header(ux.HeaderConfig{
		Mode:     ux.QueryModeSession,
		Strategy: strategy,
		Endpoint: serverURL,
		Verify:   showIntegrity,
	})

	stats := &ux.QueryStats{}
	sessionStart := time.Now()
	var history []historyMessage

	question := firstQuestion
	for {
		if question == "" {
			question = strings.TrimSpace(ui.Prompt())
		}
		if question == "" {
			continue
		}
		if question == "exit" || question == "quit" || question == "avsluta" {
			break
		}

		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(requestTimeout)*time.Second)
		answer, err := askSessionTurn(ctx, ui, question, history, stats)
		cancel()
		if err != nil {
			ui.Error(err)
			question = ""
			continue
		}

		history = append(history,
			historyMessage{Role: "user", Content: question},
			historyMessage{Role: "assistant", Content: answer})
		if len(history) > maxHistoryTurns {
			history = history[len(history)-maxHistoryTurns:]
		}
		stats.QuestionCount++
		question = ""
	}

	stats.Duration = time.Since(sessionStart)
	ui.SessionEnd(stats)
}

// askSessionTurn streams one answer inside a session and returns the
// accumulated answer text for the history.
func askSessionTurn(ctx context.Context, ui ux.QueryUI, question string,
	history []historyMessage, stats *ux.QueryStats) (string, error) {
	payload, err := json.Marshal(buildQueryRequest(question, history))
	if err != nil {
		return "", fmt.Errorf("could not encode the question: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		serverURL+"/v1/fraga/stream", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("could not reach the orchestrator at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", serverError(resp.StatusCode, body)
	}

	renderer := ux.NewTerminalStreamRenderer(os.Stdout, ux.GetPersonality().Level)
	reader := ux.NewSSEStreamReader(ux.NewSSEParser())
	result, err := ux.RenderStream(ctx, reader, resp.Body, renderer)
	if err != nil {
		return "", err
	}
	if result.HasError() {
		return "", fmt.Errorf("%s", result.Error)
	}

	stats.TotalTokens += result.TotalTokens
	stats.SourcesUsed += len(result.Sources)
	stats.CorrectionsApplied += len(result.Corrections)
	if stats.FirstTokenLatency == 0 && result.TimeToFirstToken() > 0 {
		stats.FirstTokenLatency = result.TimeToFirstToken()
	}
	return result.Answer, nil
}

// askOnce posts a question and renders the complete answer.
func askOnce(ctx context.Context, ui ux.QueryUI, question string, history []historyMessage) error {
	body, status, err := postJSON(ctx, serverURL+"/v1/fraga", buildQueryRequest(question, history))
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return serverError(status, body)
	}

	if jsonOutput {
		fmt.Fprintln(os.Stdout, string(body))
		return nil
	}

	var resp queryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("could not parse the orchestrator response: %w", err)
	}

	ui.EvidenceLevel(resp.EvidenceLevel, resp.SaknasUnderlag)
	ui.Answer(resp.Answer)
	if len(resp.Sources) > 0 {
		ui.Sources(resp.Sources)
	} else {
		ui.NoSources()
	}
	return nil
}

// askStreaming posts a question to the streaming endpoint and renders
// events as they arrive. When --verify is set the full event chain is
// recomputed client-side after the stream completes.
func askStreaming(ctx context.Context, ui ux.QueryUI, question string, history []historyMessage) error {
	payload, err := json.Marshal(buildQueryRequest(question, history))
	if err != nil {
		return fmt.Errorf("could not encode the question: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		serverURL+"/v1/fraga/stream", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach the orchestrator at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return serverError(resp.StatusCode, body)
	}

	var renderer ux.StreamRenderer
	if jsonOutput {
		renderer = ux.NewBufferStreamRenderer()
	} else {
		renderer = ux.NewTerminalStreamRenderer(os.Stdout, ux.GetPersonality().Level)
	}

	// Collect events alongside rendering so the chain can be verified.
	var events []ux.StreamEvent
	reader := ux.NewSSEStreamReader(ux.NewSSEParser())
	readErr := reader.Read(ctx, resp.Body, func(event ux.StreamEvent) error {
		events = append(events, event)
		ux.DispatchEvent(ctx, renderer, event)
		return nil
	})
	renderer.Finalize()
	if readErr != nil {
		return readErr
	}

	result := renderer.Result()
	if jsonOutput {
		out, err := json.Marshal(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(out))
	}

	if showIntegrity {
		verification := ux.NewFullChainVerifier().Verify(events)
		info := ux.NewIntegrityInfoFromVerification(verification)
		ui.Integrity(info)
		if !verification.Valid {
			return fmt.Errorf("händelsekedjan kunde inte verifieras: %s",
				verification.ErrorMessage)
		}
	}

	if result.HasError() {
		return fmt.Errorf("%s", result.Error)
	}
	return nil
}

func buildQueryRequest(question string, history []historyMessage) queryRequest {
	req := queryRequest{
		Question:          question,
		History:           history,
		K:                 topK,
		RetrievalStrategy: strategy,
		MustInclude:       mustInclude,
	}
	if modeHint != "" && modeHint != "auto" {
		req.Mode = modeHint
	}
	return req
}

// postJSON posts a JSON body and returns the raw response.
func postJSON(ctx context.Context, url string, body any) ([]byte, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("could not encode the request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("could not reach the orchestrator at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

// serverError turns a non-200 response into a readable error, pulling
// the "error" field out of the body when present.
func serverError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("orchestrator returned status %d: %s", status, payload.Error)
	}
	return fmt.Errorf("orchestrator returned status %d", status)
}
