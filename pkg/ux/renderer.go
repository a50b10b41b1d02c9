// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output components for the Lagrum CLI.
//
// This file contains stream renderers that display streaming events to
// various outputs (terminal, buffer, etc.).
//
// Single Responsibility:
//
//	Renderers ONLY render. They do not parse, read, or manage HTTP.
//	Each method handles exactly one event type, enabling clean composition.
//	Renderers own no spinner; callers that want a spinner while waiting
//	for the first event drive their own and stop it on the first callback.
//
// Renderer Types:
//
//   - TerminalStreamRenderer: Interactive terminal with colors and boxes
//   - BufferStreamRenderer: In-memory buffer for testing
package ux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Helper Functions
// =============================================================================

// evidenceLevelLabel returns the Swedish display label for a wire-format
// evidence level ("HIGH", "MEDIUM", "LOW", "NONE").
func evidenceLevelLabel(level string) string {
	switch strings.ToUpper(level) {
	case "HIGH":
		return "hög"
	case "MEDIUM":
		return "medel"
	case "LOW":
		return "låg"
	case "NONE":
		return "saknas"
	default:
		return strings.ToLower(level)
	}
}

// =============================================================================
// Stream Metadata
// =============================================================================

// StreamMetadata is the payload of the stream's opening metadata event.
//
// Exactly one metadata event opens every stream, before any tokens. It
// fixes the answering mode, the evidence level, and the source list the
// answer will cite by 1-based position.
type StreamMetadata struct {
	// Mode is the answering mode: "CHAT", "ASSIST", or "EVIDENCE".
	Mode string

	// EvidenceLevel is "HIGH", "MEDIUM", "LOW", or "NONE". Empty when
	// the mode skipped retrieval entirely.
	EvidenceLevel string

	// SaknasUnderlag is true when the orchestrator found no sufficient
	// sources and the stream carries the refusal text.
	SaknasUnderlag bool

	// RequestID identifies the request server-side, for support cases.
	RequestID string

	// Sources are the retained sources, in citation order.
	Sources []SourceInfo
}

// =============================================================================
// Stream Renderer Interface
// =============================================================================

// StreamRenderer renders streaming events to an output destination.
//
// Each method handles exactly one event type. Callers should invoke
// methods in the order events are received; the wire guarantees
// metadata first, then at most one decontextualized event, then tokens,
// then at most one corrections event, then done or error.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent calls. Multiple goroutines
//	may invoke methods simultaneously when processing events from channels.
//
// Lifecycle:
//
//  1. Create renderer with New*StreamRenderer()
//  2. Call On* methods as events arrive
//  3. Call Finalize() when stream ends (always, even on error)
//  4. Call Result() to get aggregated result
//
// Example:
//
//	renderer := NewTerminalStreamRenderer(os.Stdout, GetPersonality().Level)
//	defer renderer.Finalize()
//
//	for event := range events {
//	    DispatchEvent(ctx, renderer, event)
//	}
//
//	result := renderer.Result()
type StreamRenderer interface {
	// OnMetadata renders the opening metadata event.
	//
	// In interactive modes, displays the source list before any answer
	// tokens so the answer's [n] citations refer to a visible list.
	// In machine mode, prints MODE:, EVIDENCE_LEVEL:, and SOURCE: lines.
	OnMetadata(ctx context.Context, meta StreamMetadata)

	// OnDecontextualized renders the standalone rewrite of a follow-up
	// question. Arrives at most once, after metadata and before tokens.
	OnDecontextualized(ctx context.Context, question string)

	// OnToken renders a single token from the LLM response.
	//
	// In interactive mode, prints immediately for streaming effect.
	// In machine mode, buffers until OnDone.
	//
	// Tokens should be rendered in order; out-of-order rendering
	// may produce garbled output.
	OnToken(ctx context.Context, token string)

	// OnCorrections renders terminology corrections applied after
	// generation. Arrives at most once, after all tokens.
	//
	// Interactive modes list the replacements below the already-printed
	// answer. Machine mode prints CORRECTION: lines and substitutes the
	// corrected text for the buffered answer.
	OnCorrections(ctx context.Context, corrections []Correction, correctedText string)

	// OnDone signals stream completion.
	//
	// Flushes buffers and prints final newlines. This is typically the
	// last On* method called (unless OnError).
	OnDone(ctx context.Context)

	// OnError renders an error that occurred during streaming.
	//
	// After OnError, only Finalize() should be called.
	OnError(ctx context.Context, err error)

	// Finalize performs cleanup (flush output, seal the result).
	//
	// MUST be called when streaming ends, even if abnormally.
	// Safe to call multiple times; subsequent calls are no-ops.
	// Typically called with defer immediately after creating renderer.
	Finalize()

	// Result returns the accumulated result after streaming completes.
	//
	// Contains the full answer, sources, corrections, and metadata.
	// May be called before Finalize() to get partial results.
	Result() *StreamResult
}

// =============================================================================
// Terminal Stream Renderer
// =============================================================================

// terminalStreamRenderer renders streaming events to an interactive terminal.
//
// This is the primary renderer for user-facing output. It provides a rich
// experience with colors, boxed source lists, and real-time token streaming.
//
// Personality Modes:
//
//   - PersonalityFull: Rich styling with colors, boxes, and icons
//   - PersonalityMinimal: Plain text with basic formatting
//   - PersonalityMachine: KEY: value format for scripting
//
// Thread Safety:
//
//	All methods are protected by a mutex. Safe for concurrent calls.
type terminalStreamRenderer struct {
	writer      io.Writer
	personality PersonalityLevel
	result      *StreamResult
	mu          sync.Mutex

	// State tracking
	answerBuilder   strings.Builder
	hasWrittenToken bool
	finalized       bool
}

// NewTerminalStreamRenderer creates a renderer for interactive terminal output.
//
// Parameters:
//   - w: The output writer. If nil, defaults to os.Stdout.
//   - personality: Controls output styling. Use GetPersonality().Level for
//     the user's configured personality, or hardcode for specific behavior.
//
// Returns:
//
//	A StreamRenderer that displays events interactively. The returned renderer
//	has an Id and CreatedAt already set on its internal result.
func NewTerminalStreamRenderer(w io.Writer, personality PersonalityLevel) StreamRenderer {
	if w == nil {
		w = os.Stdout
	}
	return &terminalStreamRenderer{
		writer:      w,
		personality: personality,
		result:      NewStreamResult(),
	}
}

// OnMetadata renders the opening metadata event.
//
// Behavior by personality:
//   - PersonalityFull: Prints a muted mode/evidensnivå line, then the
//     sources in a styled "Underlag" box. If SaknasUnderlag is set,
//     prints a warning line instead of the box.
//   - PersonalityMinimal: Prints a plain numbered source list.
//   - PersonalityMachine: Prints "MODE:", "EVIDENCE_LEVEL:", "REQUEST_ID:",
//     "SAKNAS_UNDERLAG:" (when true), and one "SOURCE:" line per source.
//
// The source list is rendered before any tokens so the [n] citations in
// the streamed answer refer to a list the reader has already seen.
//
// Side Effects:
//   - Records Mode, EvidenceLevel, SaknasUnderlag, RequestID, Sources
//   - Increments TotalEvents in result
func (r *terminalStreamRenderer) OnMetadata(ctx context.Context, meta StreamMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	r.result.Mode = meta.Mode
	r.result.EvidenceLevel = meta.EvidenceLevel
	r.result.SaknasUnderlag = meta.SaknasUnderlag
	r.result.RequestID = meta.RequestID
	r.result.Sources = append(r.result.Sources, meta.Sources...)
	r.result.TotalEvents++

	if r.personality == PersonalityMachine {
		fmt.Fprintf(r.writer, "MODE: %s\n", meta.Mode)
		if meta.EvidenceLevel != "" {
			fmt.Fprintf(r.writer, "EVIDENCE_LEVEL: %s\n", meta.EvidenceLevel)
		}
		if meta.RequestID != "" {
			fmt.Fprintf(r.writer, "REQUEST_ID: %s\n", meta.RequestID)
		}
		if meta.SaknasUnderlag {
			fmt.Fprintln(r.writer, "SAKNAS_UNDERLAG: true")
		}
		for _, src := range meta.Sources {
			fmt.Fprintf(r.writer, "SOURCE: %s score=%.4f doc_type=%s source=%s\n",
				src.Title, src.Score, src.DocType, src.Source)
		}
		return
	}

	if r.personality == PersonalityMinimal {
		if meta.SaknasUnderlag {
			fmt.Fprintln(r.writer, "Underlag saknas.")
			return
		}
		if len(meta.Sources) == 0 {
			return
		}
		fmt.Fprintln(r.writer, "Underlag:")
		for i, src := range meta.Sources {
			fmt.Fprintf(r.writer, "  %d. %s (%.2f)\n", i+1, src.Title, src.Score)
		}
		fmt.Fprintln(r.writer)
		return
	}

	// Full personality
	modeLine := fmt.Sprintf("läge: %s", strings.ToLower(meta.Mode))
	if meta.EvidenceLevel != "" {
		modeLine += fmt.Sprintf(" · evidensnivå: %s", evidenceLevelLabel(meta.EvidenceLevel))
	}
	fmt.Fprintf(r.writer, "%s %s\n", IconScale.Render(), Styles.Muted.Render(modeLine))

	if meta.SaknasUnderlag {
		fmt.Fprintf(r.writer, "%s %s\n\n",
			IconWarning.Render(),
			Styles.Warning.Render("Underlag saknas i kunskapsbasen."))
		return
	}

	if len(meta.Sources) == 0 {
		fmt.Fprintln(r.writer)
		return
	}

	var content strings.Builder
	for i, src := range meta.Sources {
		score := Styles.Muted.Render(fmt.Sprintf(" (%.2f)", src.Score))
		content.WriteString(fmt.Sprintf("%d. %s%s", i+1, src.Title, score))
		if src.DocType != "" || src.Source != "" {
			origin := strings.TrimSuffix(strings.TrimPrefix(src.DocType+" · "+src.Source, " · "), " · ")
			content.WriteString("\n   " + Styles.Muted.Render(origin))
		}
		if i < len(meta.Sources)-1 {
			content.WriteString("\n")
		}
	}
	boxStyle := Styles.InfoBox.Width(72)
	titleLine := Styles.Subtitle.Render("Underlag")
	fmt.Fprintln(r.writer, boxStyle.Render(titleLine+"\n"+content.String()))
	fmt.Fprintln(r.writer)
}

// OnDecontextualized renders the standalone rewrite of a follow-up question.
//
// Behavior by personality:
//   - PersonalityFull: Muted "Tolkad fråga:" line with an arrow icon.
//   - PersonalityMinimal: Plain "Tolkad fråga:" line.
//   - PersonalityMachine: Prints "DECONTEXT: {question}".
//
// Side Effects:
//   - Sets Decontextualized in result
//   - Increments TotalEvents in result
func (r *terminalStreamRenderer) OnDecontextualized(ctx context.Context, question string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	r.result.Decontextualized = question
	r.result.TotalEvents++

	switch r.personality {
	case PersonalityMachine:
		fmt.Fprintf(r.writer, "DECONTEXT: %s\n", question)
	case PersonalityMinimal:
		fmt.Fprintf(r.writer, "Tolkad fråga: %s\n\n", question)
	default:
		fmt.Fprintf(r.writer, "%s %s\n\n",
			IconArrow.Render(),
			Styles.Muted.Render(fmt.Sprintf("Tolkad fråga: %s", question)))
	}
}

// OnToken renders a single token from the LLM response.
//
// Behavior by personality:
//   - PersonalityFull/Minimal: Prints the token immediately to the writer,
//     creating a streaming effect.
//   - PersonalityMachine: Buffers the token. All tokens are printed as a
//     single "ANSWER: {content}" line when OnDone is called.
//
// Side Effects:
//   - Sets FirstTokenAt on first call (for time-to-first-token metrics)
//   - Increments TotalTokens and TotalEvents in result
//   - Appends to answer buffer
func (r *terminalStreamRenderer) OnToken(ctx context.Context, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	if !r.hasWrittenToken {
		r.result.FirstTokenAt = time.Now().UnixMilli()
		r.hasWrittenToken = true
	}

	r.answerBuilder.WriteString(token)
	r.result.TotalTokens++
	r.result.TotalEvents++

	if r.personality == PersonalityMachine {
		// In machine mode, buffer until done
		return
	}

	// Print token immediately for streaming effect
	fmt.Fprint(r.writer, token)
}

// OnCorrections renders terminology corrections applied after generation.
//
// The answer tokens have already been printed by the time corrections
// arrive, so interactive modes list the replacements below the answer
// rather than rewriting it in place. The corrected text is recorded in
// the result for callers that want the authoritative final wording.
//
// Behavior by personality:
//   - PersonalityFull: Warning-styled "Termkorrigeringar:" list.
//   - PersonalityMinimal: Plain "Termkorrigeringar:" list.
//   - PersonalityMachine: One "CORRECTION: {original} -> {replacement}"
//     line per correction. The corrected text replaces the buffered
//     answer in the ANSWER line printed by OnDone.
//
// Side Effects:
//   - Sets Corrections and CorrectedText in result
//   - Increments TotalEvents in result
func (r *terminalStreamRenderer) OnCorrections(ctx context.Context, corrections []Correction, correctedText string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	r.result.Corrections = append(r.result.Corrections, corrections...)
	r.result.CorrectedText = correctedText
	r.result.TotalEvents++

	if len(corrections) == 0 {
		return
	}

	if r.personality == PersonalityMachine {
		for _, c := range corrections {
			fmt.Fprintf(r.writer, "CORRECTION: %s -> %s\n", c.Original, c.Replacement)
		}
		return
	}

	if r.personality == PersonalityMinimal {
		fmt.Fprintln(r.writer)
		fmt.Fprintln(r.writer, "Termkorrigeringar:")
		for _, c := range corrections {
			fmt.Fprintf(r.writer, "  %s -> %s\n", c.Original, c.Replacement)
		}
		return
	}

	// Full personality
	fmt.Fprintln(r.writer)
	fmt.Fprintf(r.writer, "%s %s\n", IconWarning.Render(), Styles.Warning.Render("Termkorrigeringar:"))
	for _, c := range corrections {
		fmt.Fprintf(r.writer, "  %s %s %s %s\n",
			IconBullet.Render(), c.Original, IconArrow.Render(), c.Replacement)
	}
}

// OnDone signals successful stream completion.
//
// Behavior by personality:
//   - PersonalityFull/Minimal: Ensures output ends with a newline for
//     clean terminal state.
//   - PersonalityMachine: Prints the buffered answer as "ANSWER: {content}"
//     (the corrected text when corrections were applied), then "DONE".
//
// Side Effects:
//   - Sets CompletedAt in result
//   - Increments TotalEvents in result
//
// After Calling:
//
//	Only Finalize() and Result() should be called. Further On* calls are ignored.
func (r *terminalStreamRenderer) OnDone(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	r.result.CompletedAt = time.Now().UnixMilli()
	r.result.TotalEvents++

	if r.personality == PersonalityMachine {
		answer := r.answerBuilder.String()
		if r.result.CorrectedText != "" {
			answer = r.result.CorrectedText
		}
		if answer != "" {
			fmt.Fprintf(r.writer, "ANSWER: %s\n", answer)
		}
		fmt.Fprintln(r.writer, "DONE")
	} else {
		// Ensure we end with a newline
		answer := r.answerBuilder.String()
		if answer != "" && !strings.HasSuffix(answer, "\n") {
			fmt.Fprintln(r.writer)
		}
	}
}

// OnError renders an error that occurred during streaming.
//
// Behavior by personality:
//   - PersonalityFull: Displays error with error icon and red styling.
//   - PersonalityMinimal: Displays error with error icon.
//   - PersonalityMachine: Prints "ERROR: {message}".
//
// Side Effects:
//   - Sets Error and CompletedAt in result
//   - Increments TotalEvents in result
//
// After Calling:
//
//	Only Finalize() and Result() should be called. Further On* calls are ignored.
func (r *terminalStreamRenderer) OnError(ctx context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	r.result.Error = err.Error()
	r.result.CompletedAt = time.Now().UnixMilli()
	r.result.TotalEvents++

	if r.personality == PersonalityMachine {
		fmt.Fprintf(r.writer, "ERROR: %v\n", err)
	} else {
		fmt.Fprintf(r.writer, "\n%s %s\n",
			IconError.Render(),
			Styles.Error.Render(fmt.Sprintf("Fel i svarsströmmen: %v", err)))
	}
}

// Finalize performs cleanup and marks the renderer as complete.
//
// This method MUST be called when streaming ends, regardless of whether
// it ended normally (OnDone) or with an error (OnError). It's safe to call
// multiple times; subsequent calls are no-ops.
//
// Side Effects:
//   - Sets finalized flag to true
//   - Populates Answer in result from the token buffer
//   - Sets CompletedAt if zero
func (r *terminalStreamRenderer) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.finalized = true

	r.result.Answer = r.answerBuilder.String()
	if r.result.CompletedAt == 0 {
		r.result.CompletedAt = time.Now().UnixMilli()
	}
}

// Result returns the accumulated StreamResult.
//
// May be called before Finalize() to get partial results during streaming.
// Returns a copy of the result to prevent race conditions with ongoing
// rendering.
func (r *terminalStreamRenderer) Result() *StreamResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Copy result to avoid race conditions
	result := *r.result
	result.Answer = r.answerBuilder.String()
	return &result
}

// =============================================================================
// Buffer Stream Renderer (for testing)
// =============================================================================

// bufferStreamRenderer renders to an in-memory buffer for testing.
//
// This renderer captures all events without side effects, making it ideal
// for unit tests where you need to verify renderer behavior without
// terminal output.
type bufferStreamRenderer struct {
	result    *StreamResult
	events    []StreamEvent
	mu        sync.Mutex
	finalized bool

	answerBuilder strings.Builder
}

// NewBufferStreamRenderer creates a renderer that buffers events to memory.
//
// Example:
//
//	renderer := NewBufferStreamRenderer()
//	defer renderer.Finalize()
//
//	renderer.OnToken(ctx, "Hej")
//	renderer.OnToken(ctx, " världen")
//	renderer.OnDone(ctx)
//
//	result := renderer.Result()
//	if result.Answer != "Hej världen" {
//	    t.Error("unexpected answer")
//	}
//
//	// Inspect individual events
//	bufRenderer := renderer.(*bufferStreamRenderer)
//	events := bufRenderer.Events()
func NewBufferStreamRenderer() StreamRenderer {
	return &bufferStreamRenderer{
		result: NewStreamResult(),
		events: make([]StreamEvent, 0),
	}
}

// OnMetadata captures a metadata event to the buffer.
func (r *bufferStreamRenderer) OnMetadata(ctx context.Context, meta StreamMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	r.result.Mode = meta.Mode
	r.result.EvidenceLevel = meta.EvidenceLevel
	r.result.SaknasUnderlag = meta.SaknasUnderlag
	r.result.RequestID = meta.RequestID
	r.result.Sources = append(r.result.Sources, meta.Sources...)

	event := NewMetadataEvent(meta.Mode, meta.EvidenceLevel, meta.Sources)
	event.SaknasUnderlag = meta.SaknasUnderlag
	event.RequestID = meta.RequestID
	r.events = append(r.events, event)
	r.result.TotalEvents++
}

// OnDecontextualized captures a decontextualized-question event to the buffer.
func (r *bufferStreamRenderer) OnDecontextualized(ctx context.Context, question string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	r.result.Decontextualized = question
	r.events = append(r.events, NewDecontextualizedEvent(question))
	r.result.TotalEvents++
}

// OnToken captures a token event to the buffer.
//
// Side Effects:
//   - Sets FirstTokenAt on first call
//   - Appends token to answer builder
//   - Increments TotalTokens and TotalEvents in result
func (r *bufferStreamRenderer) OnToken(ctx context.Context, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	if r.result.FirstTokenAt == 0 {
		r.result.FirstTokenAt = time.Now().UnixMilli()
	}

	r.answerBuilder.WriteString(token)
	r.events = append(r.events, NewTokenEvent(token))
	r.result.TotalTokens++
	r.result.TotalEvents++
}

// OnCorrections captures a corrections event to the buffer.
func (r *bufferStreamRenderer) OnCorrections(ctx context.Context, corrections []Correction, correctedText string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	r.result.Corrections = append(r.result.Corrections, corrections...)
	r.result.CorrectedText = correctedText
	r.events = append(r.events, NewCorrectionsEvent(corrections, correctedText))
	r.result.TotalEvents++
}

// OnDone captures a done event to the buffer.
func (r *bufferStreamRenderer) OnDone(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	r.result.CompletedAt = time.Now().UnixMilli()
	r.events = append(r.events, NewDoneEvent())
	r.result.TotalEvents++
}

// OnError captures an error event to the buffer.
func (r *bufferStreamRenderer) OnError(ctx context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}

	r.result.Error = err.Error()
	r.result.CompletedAt = time.Now().UnixMilli()
	r.events = append(r.events, NewErrorEvent(err.Error()))
	r.result.TotalEvents++
}

// Finalize marks the buffer renderer as complete.
//
// Safe to call multiple times.
func (r *bufferStreamRenderer) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	r.finalized = true

	r.result.Answer = r.answerBuilder.String()
	if r.result.CompletedAt == 0 {
		r.result.CompletedAt = time.Now().UnixMilli()
	}
}

// Result returns the accumulated StreamResult.
//
// Returns a copy of the result to prevent race conditions.
func (r *bufferStreamRenderer) Result() *StreamResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := *r.result
	result.Answer = r.answerBuilder.String()
	return &result
}

// Events returns all captured events for testing inspection.
//
// This method is specific to bufferStreamRenderer and not part of the
// StreamRenderer interface. Cast the renderer to access it.
func (r *bufferStreamRenderer) Events() []StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Return a copy to avoid race conditions
	events := make([]StreamEvent, len(r.events))
	copy(events, r.events)
	return events
}

// =============================================================================
// Convenience Functions
// =============================================================================

// DispatchEvent routes one parsed event to the matching renderer method.
//
// Use this in reader callbacks to keep the event-type switch in one place:
//
//	err := reader.Read(ctx, body, func(event StreamEvent) error {
//	    DispatchEvent(ctx, renderer, event)
//	    return nil
//	})
func DispatchEvent(ctx context.Context, renderer StreamRenderer, event StreamEvent) {
	switch event.Type {
	case StreamEventMetadata:
		renderer.OnMetadata(ctx, StreamMetadata{
			Mode:           event.Mode,
			EvidenceLevel:  event.EvidenceLevel,
			SaknasUnderlag: event.SaknasUnderlag,
			RequestID:      event.RequestID,
			Sources:        event.Sources,
		})
	case StreamEventDecontextualized:
		renderer.OnDecontextualized(ctx, event.RewrittenQuestion())
	case StreamEventToken:
		renderer.OnToken(ctx, event.Content)
	case StreamEventCorrections:
		renderer.OnCorrections(ctx, event.Corrections, event.CorrectedText)
	case StreamEventDone:
		renderer.OnDone(ctx)
	case StreamEventError:
		err := errors.New(event.Error)
		if event.ErrorCode != "" {
			err = fmt.Errorf("%s: %s", event.ErrorCode, event.Error)
		}
		renderer.OnError(ctx, err)
	}
}

// RenderStream reads a stream and renders every event, returning the
// aggregated result.
//
// This function combines a StreamReader and a StreamRenderer into a
// single call. It finalizes the renderer before returning, even when
// reading fails.
//
// Parameters:
//   - ctx: Context for cancellation. When cancelled, reading stops.
//   - reader: StreamReader to use for parsing the stream format.
//   - source: io.Reader containing the stream data. Caller is responsible
//     for closing this reader.
//   - renderer: StreamRenderer that receives every event.
//
// Returns:
//   - *StreamResult: The renderer's aggregated result.
//   - error: Non-nil if reading failed (parse error, context cancelled, etc.)
func RenderStream(ctx context.Context, reader StreamReader, source io.Reader, renderer StreamRenderer) (*StreamResult, error) {
	readErr := reader.Read(ctx, source, func(event StreamEvent) error {
		DispatchEvent(ctx, renderer, event)
		return nil
	})
	if readErr != nil {
		renderer.OnError(ctx, readErr)
	}
	renderer.Finalize()
	return renderer.Result(), readErr
}

// RenderStreamToResult is a convenience function that reads a stream and
// returns the aggregated result without rendering.
//
// Use for simple cases where you just need the final result.
//
// Example:
//
//	reader := NewSSEStreamReader(NewSSEParser())
//	result, err := RenderStreamToResult(ctx, reader, httpResp.Body)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(result.Answer)
func RenderStreamToResult(ctx context.Context, reader StreamReader, source io.Reader) (*StreamResult, error) {
	return reader.ReadAll(ctx, source)
}

// =============================================================================
// Compile-time Interface Checks
// =============================================================================

var _ StreamRenderer = (*terminalStreamRenderer)(nil)
var _ StreamRenderer = (*bufferStreamRenderer)(nil)
