// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the request and response types for the question
// answering endpoints (POST /v1/fraga and POST /v1/fraga/stream). For the
// answer pipeline's intermediate types, see answer.go; for the SSE event
// envelope, see events.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxQuestionChars is the maximum question length, in characters.
	MaxQuestionChars = 2000

	// MaxHistoryMessages is the maximum number of prior turns a caller
	// may attach to a question.
	MaxHistoryMessages = 10

	// MaxMessageContentBytes is the maximum size of a single history
	// message. Checked in bytes, not runes, to bound memory.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// DefaultK is the number of sources returned when the caller does
	// not specify k.
	DefaultK = 10

	// MaxK is the largest permitted k.
	MaxK = 50
)

// =============================================================================
// Mode and Strategy Tags
// =============================================================================

// ResponseMode controls how strictly an answer must be grounded.
//
// CHAT answers without retrieval, ASSIST retrieves but permits prose,
// EVIDENCE requires every factual claim to carry a citation. The mode is
// assigned once per request by the query processor and is immutable
// afterwards.
type ResponseMode string

const (
	ModeChat     ResponseMode = "CHAT"
	ModeAssist   ResponseMode = "ASSIST"
	ModeEvidence ResponseMode = "EVIDENCE"
)

// Mode hints accepted on the wire. "auto" defers to the classifier.
const (
	ModeHintAuto     = "auto"
	ModeHintChat     = "chat"
	ModeHintAssist   = "assist"
	ModeHintEvidence = "evidence"
)

// ModeFromHint maps a wire mode hint to a ResponseMode. The second return
// is false for "auto" or unknown hints, meaning the classifier decides.
func ModeFromHint(hint string) (ResponseMode, bool) {
	switch hint {
	case ModeHintChat:
		return ModeChat, true
	case ModeHintAssist:
		return ModeAssist, true
	case ModeHintEvidence:
		return ModeEvidence, true
	default:
		return "", false
	}
}

// EvidenceLevel grades how well the retrieved sources support the answer.
// Computed from retrieval scores after the pipeline has run.
type EvidenceLevel string

const (
	EvidenceHigh   EvidenceLevel = "HIGH"
	EvidenceMedium EvidenceLevel = "MEDIUM"
	EvidenceLow    EvidenceLevel = "LOW"
	EvidenceNone   EvidenceLevel = "NONE"
)

// RetrievalStrategy selects the retrieval algorithm for a request.
type RetrievalStrategy string

const (
	StrategyParallelV1 RetrievalStrategy = "parallel_v1"
	StrategyRewriteV1  RetrievalStrategy = "rewrite_v1"
	StrategyRAGFusion  RetrievalStrategy = "rag_fusion"
	StrategyAdaptive   RetrievalStrategy = "adaptive"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// queryValidate is the validator instance for query datatypes.
// Initialized in init() with custom validators.
var queryValidate *validator.Validate

func init() {
	queryValidate = validator.New()

	// History message content is bounded in bytes, not runes.
	_ = queryValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length (not rune count) so that multi-byte
// payloads cannot slip past a rune-counted limit.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Messages
// =============================================================================

// Message is one turn of a conversation as sent to an LLM backend.
// Role may be "user", "assistant", or "system".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HistoryMessage is one caller-supplied turn of prior conversation.
// Unlike Message, the wire role is restricted to user/assistant; callers
// may not inject system turns.
type HistoryMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required,maxbytes"`
}

// AsMessage converts a history turn into an LLM message.
func (h HistoryMessage) AsMessage() Message {
	return Message{Role: h.Role, Content: h.Content}
}

// =============================================================================
// Query Request
// =============================================================================

// QueryRequest is the request body for POST /v1/fraga and /v1/fraga/stream.
//
// # Description
//
// Carries one natural-language question plus optional conversation history
// and retrieval knobs. Every request gets a RequestID and Timestamp (client
// supplied or generated in EnsureDefaults) for tracing and audit logging.
//
// # Fields
//
//   - RequestID: Optional. UUID v4 correlating logs and traces. Generated
//     server-side when absent.
//   - Timestamp: Optional. Unix milliseconds (UTC) when the request was
//     created. Generated server-side when absent.
//   - Question: Required. 1..2000 characters.
//   - Mode: Optional. "auto" (default), "chat", "assist", or "evidence".
//     Anything other than "auto" overrides the classifier.
//   - History: Optional. Up to 10 prior turns, oldest first. Used for
//     decontextualization only; it is never retrieved against.
//   - K: Optional. Number of sources to return, 1..50, default 10.
//   - RetrievalStrategy: Optional. Defaults to "parallel_v1".
//   - MustInclude: Optional. Tokens (typically SFS numbers such as
//     "2018:218") that retrieval is expected to surface. Merged with SFS
//     numbers extracted from the question itself.
//
// # Validation
//
// Uses go-playground/validator:
//   - Question: required, 1..2000 characters
//   - Mode: one of auto/chat/assist/evidence
//   - History: at most 10 elements, each role user|assistant, content <= 32KB
//   - K: 1..50
//   - RetrievalStrategy: one of the four strategy tags
//   - MustInclude: at most 16 tokens of 1..120 characters
//
// # Examples
//
//	req := QueryRequest{
//	    Question: "Vad säger GDPR om personuppgiftsbiträden?",
//	    Mode:     "auto",
//	    K:        10,
//	}
//	req.EnsureDefaults()
//	if err := req.Validate(); err != nil { ... }
//
// # Limitations
//
//   - History is read-only context; the service does not persist it.
//   - MustInclude tokens are matched case-insensitively against retrieved
//     text, title, and snippet only.
type QueryRequest struct {
	RequestID         string            `json:"request_id,omitempty" validate:"omitempty,uuid4"`
	Timestamp         int64             `json:"timestamp,omitempty" validate:"omitempty,gt=0"`
	Question          string            `json:"question" validate:"required,min=1,max=2000"`
	Mode              string            `json:"mode,omitempty" validate:"omitempty,oneof=auto chat assist evidence"`
	History           []HistoryMessage  `json:"history,omitempty" validate:"max=10,dive"`
	K                 int               `json:"k,omitempty" validate:"omitempty,gte=1,lte=50"`
	RetrievalStrategy RetrievalStrategy `json:"retrieval_strategy,omitempty" validate:"omitempty,oneof=parallel_v1 rewrite_v1 rag_fusion adaptive"`
	MustInclude       []string          `json:"must_include,omitempty" validate:"omitempty,max=16,dive,min=1,max=120"`
}

// Validate validates the QueryRequest fields.
//
// Call after binding the JSON request and after EnsureDefaults.
func (r *QueryRequest) Validate() error {
	return queryValidate.Struct(r)
}

// EnsureDefaults populates defaults for optional fields.
//
// Generates RequestID and Timestamp when the client did not supply them,
// and fills Mode, K, and RetrievalStrategy with their documented defaults.
func (r *QueryRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = generateUUID()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
	if r.Mode == "" {
		r.Mode = ModeHintAuto
	}
	if r.K == 0 {
		r.K = DefaultK
	}
	if r.RetrievalStrategy == "" {
		r.RetrievalStrategy = StrategyParallelV1
	}
}

// =============================================================================
// Query Response
// =============================================================================

// SourceRef is the caller-facing projection of a retrieved chunk.
//
// These six fields are the only per-source data a caller may see. Internal
// fields (full text, retriever tag, grades) stay on SearchResult.
type SourceRef struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
	DocType string  `json:"doc_type"`
	Source  string  `json:"source"`
}

// QueryResponse is the response body for POST /v1/fraga.
//
// # Description
//
// The only fields a caller may see. Answer is the guardrail-corrected
// visible text; Sources are the retained chunks in rank order. Internal
// fields (arbetsanteckning, fakta_utan_kalla, metrics) must never appear
// here; the handler tests assert the serialized form.
//
// # Examples
//
//	{
//	    "answer": "Sveriges folkmängd uppgick till 10 521 556 personer [1].",
//	    "sources": [{"id": "...", "title": "...", "snippet": "...",
//	                 "score": 0.93, "doc_type": "statistik", "source": "scb.se"}],
//	    "mode": "EVIDENCE",
//	    "saknas_underlag": false,
//	    "evidence_level": "HIGH"
//	}
type QueryResponse struct {
	Answer         string        `json:"answer"`
	Sources        []SourceRef   `json:"sources"`
	Mode           ResponseMode  `json:"mode"`
	SaknasUnderlag bool          `json:"saknas_underlag"`
	EvidenceLevel  EvidenceLevel `json:"evidence_level"`
}

// generateUUID returns a new UUID v4 string.
func generateUUID() string {
	return uuid.New().String()
}
