// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains the answer pipeline's intermediate types: retrieved
// chunks, grader verdicts, the structured answer contract, critic results,
// and guardrail corrections. Wire-facing request/response types live in
// query.go.
package datatypes

// =============================================================================
// Retrieved Chunks
// =============================================================================

// SearchResult is one retrieved chunk as the pipeline sees it.
//
// # Description
//
// Produced by a retrieval strategy, filtered by the grader, consumed by the
// prompt builder, and finally projected to SourceRef for the caller. Score
// is always normalized to [0,1] where higher means more similar, regardless
// of the store's native metric.
//
// # Fields
//
//   - ID: Chunk id in the vector store (stable across requests).
//   - Title: Document title, used for near-duplicate detection.
//   - Snippet: Short display excerpt.
//   - Text: Full chunk text. Fed to the prompt builder and to must_include
//     matching; never serialized to callers.
//   - Score: Normalized similarity in [0,1].
//   - Source: Origin identifier (URL, file path, or authority name).
//   - DocType: Corpus category, e.g. "lag", "forordning", "statistik".
//   - Date: Document date as stored, ISO 8601 where known.
//   - RetrieverTag: Strategy tag that produced this result.
type SearchResult struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Snippet      string  `json:"snippet"`
	Text         string  `json:"text"`
	Score        float64 `json:"score"`
	Source       string  `json:"source"`
	DocType      string  `json:"doc_type"`
	Date         string  `json:"date,omitempty"`
	RetrieverTag string  `json:"retriever_tag,omitempty"`
}

// Ref projects the chunk to its caller-facing form.
func (r SearchResult) Ref() SourceRef {
	return SourceRef{
		ID:      r.ID,
		Title:   r.Title,
		Snippet: r.Snippet,
		Score:   r.Score,
		DocType: r.DocType,
		Source:  r.Source,
	}
}

// Refs projects a result list to its caller-facing form. Never returns nil,
// so an empty list serializes as [] rather than null.
func Refs(results []SearchResult) []SourceRef {
	refs := make([]SourceRef, 0, len(results))
	for _, r := range results {
		refs = append(refs, r.Ref())
	}
	return refs
}

// =============================================================================
// Grader Verdicts
// =============================================================================

// GradeResult is the LLM judge's verdict on one retrieved document.
type GradeResult struct {
	DocID      string  `json:"doc_id"`
	Relevant   bool    `json:"relevant"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	LatencyMs  int64   `json:"latency_ms,omitempty"`
}

// CriticReflection is the grader's optional self-reflection over the
// retained set: a chain-of-thought JSON answering whether the evidence is
// sufficient before any generation tokens are spent.
type CriticReflection struct {
	ThoughtProcess           string   `json:"thought_process"`
	HasSufficientEvidence    bool     `json:"has_sufficient_evidence"`
	MissingEvidence          []string `json:"missing_evidence,omitempty"`
	CitationPlan             []string `json:"citation_plan,omitempty"`
	ConstitutionalCompliance bool     `json:"constitutional_compliance"`
	Confidence               float64  `json:"confidence"`
}

// =============================================================================
// Structured Answer
// =============================================================================

// Kalla is one citation entry in a structured answer. The ChunkID must
// match the id of a SearchResult that was actually given to the model.
type Kalla struct {
	DocID   string `json:"doc_id"`
	ChunkID string `json:"chunk_id"`
	Citat   string `json:"citat,omitempty"`
	Loc     string `json:"loc,omitempty"`
}

// StructuredAnswer is the validated JSON contract the generation model
// must honor.
//
// # Description
//
// Svar is the visible answer text, with [n] markers referencing Kallor
// entries (1-indexed). SaknasUnderlag signals that the sources could not
// support an answer; when true, Kallor must be empty and Svar must equal
// the configured refusal template. FaktaUtanKalla holds claims the model
// could not back with a citation; it is internal and never serialized to
// callers. Arbetsanteckning is a scratch field some models emit; it is
// kept for logging only and stripped by StripInternal before anything
// leaves the process.
type StructuredAnswer struct {
	Mode             ResponseMode `json:"mode"`
	SaknasUnderlag   bool         `json:"saknas_underlag"`
	Svar             string       `json:"svar"`
	Kallor           []Kalla      `json:"kallor"`
	FaktaUtanKalla   []string     `json:"fakta_utan_kalla"`
	Arbetsanteckning string       `json:"arbetsanteckning,omitempty"`
}

// StripInternal returns a copy safe for exposure: Arbetsanteckning is
// cleared and Kallor/FaktaUtanKalla are made non-nil so the serialized
// form is stable. Fields starting with "_" cannot exist on this struct;
// the structured-output parser rejects candidates that carry them.
func (a StructuredAnswer) StripInternal() StructuredAnswer {
	a.Arbetsanteckning = ""
	if a.Kallor == nil {
		a.Kallor = []Kalla{}
	}
	if a.FaktaUtanKalla == nil {
		a.FaktaUtanKalla = []string{}
	}
	return a
}

// =============================================================================
// Critic Verdicts
// =============================================================================

// CriticResult is the critic's verdict on one answer candidate.
// Errors lists every failed check in check order; Remedy is a prompt
// fragment the reviser can act on.
type CriticResult struct {
	OK        bool     `json:"ok"`
	Errors    []string `json:"errors,omitempty"`
	Remedy    string   `json:"remedy,omitempty"`
	LatencyMs int64    `json:"latency_ms,omitempty"`
}

// =============================================================================
// Guardrail Results
// =============================================================================

// GuardrailStatus is the outcome of the terminology guardrail.
type GuardrailStatus string

const (
	GuardrailUnchanged GuardrailStatus = "UNCHANGED"
	GuardrailCorrected GuardrailStatus = "CORRECTED"
	GuardrailRefused   GuardrailStatus = "REFUSED"
)

// Correction records one terminology replacement made in the visible
// answer text.
type Correction struct {
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
}

// GuardrailResult is the terminology guardrail's verdict on the visible
// answer. CorrectedText is the full rewritten text, valid for statuses
// UNCHANGED (identical to input) and CORRECTED. On REFUSED the
// orchestrator discards the candidate and substitutes the refusal
// template.
type GuardrailResult struct {
	Status        GuardrailStatus `json:"status"`
	CorrectedText string          `json:"corrected_text"`
	Corrections   []Correction    `json:"corrections,omitempty"`
}
