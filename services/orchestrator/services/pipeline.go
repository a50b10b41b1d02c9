// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/lagrumai/lagrum/services/llm"
	"github.com/lagrumai/lagrum/services/orchestrator/datatypes"
	"github.com/lagrumai/lagrum/services/orchestrator/retrieval"
)

var pipelineTracer = otel.Tracer("lagrum.orchestrator.services.pipeline")

const (
	defaultCriticMaxRevisions = 2
	defaultGenerationTimeout  = 60 * time.Second
	defaultStallTimeout       = 5 * time.Second
	defaultTotalTimeout       = 120 * time.Second

	// defaultRefusalTemplate is the exact sentence returned when no answer
	// can be grounded in the retrieved sources.
	defaultRefusalTemplate = "Jag kan inte besvara frågan utifrån det underlag jag har tillgång till."

	streamEventBuffer = 16
	tokenChunkRunes   = 48
)

// Refusal reasons recorded on PipelineMetrics. They name the stage that
// gave up, not the user-visible text, which is always the template.
const (
	refusalRetrievalError  = "retrieval_error"
	refusalFallback        = "retrieval_fallback"
	refusalNoSources       = "no_relevant_sources"
	refusalReflection      = "insufficient_evidence"
	refusalGeneration      = "generation_failed"
	refusalSchema          = "schema_invalid"
	refusalCriticExhausted = "critic_exhausted"
	refusalModelDeclined   = "model_declined"
	refusalGuardrail       = "guardrail_refused"
)

// pipelineState names the stages of the answer state machine.
type pipelineState int

const (
	stateGenerate pipelineState = iota
	stateParse
	stateCritique
	stateRevise
	stateAccept
	stateRefuse
)

func (s pipelineState) String() string {
	switch s {
	case stateGenerate:
		return "generate"
	case stateParse:
		return "parse"
	case stateCritique:
		return "critique"
	case stateRevise:
		return "revise"
	case stateAccept:
		return "accept"
	case stateRefuse:
		return "refuse"
	default:
		return "unknown"
	}
}

// Decontextualizer rewrites a follow-up question into standalone form
// using the conversation history. Implementations return the rewritten
// question and true, or the original question and false when no rewrite
// applies or the rewrite failed.
type Decontextualizer interface {
	Rewrite(ctx context.Context, question string, history []datatypes.HistoryMessage) (string, bool)
}

// PipelineOptions carries every pipeline tuning knob. Zero values fall
// back to the documented defaults, so a zero PipelineOptions behaves like
// DefaultPipelineOptions with every feature toggle off.
type PipelineOptions struct {
	// EvidenceRefusalTemplate is the verbatim Swedish refusal sentence.
	EvidenceRefusalTemplate string `json:"evidence_refusal_template" yaml:"evidence_refusal_template"`

	// StructuredOutputEnabled turns the JSON answer contract on. When off,
	// model output is wrapped as plain text and the critic loop is skipped,
	// since its checks are defined over the structured schema.
	StructuredOutputEnabled bool `json:"structured_output_enabled" yaml:"structured_output_enabled"`

	// CriticReviseEnabled turns the critique/revise loop on.
	CriticReviseEnabled bool `json:"critic_revise_enabled" yaml:"critic_revise_enabled"`

	// CriticMaxRevisions bounds how many repair attempts a candidate gets.
	CriticMaxRevisions int `json:"critic_max_revisions" yaml:"critic_max_revisions"`

	// CRAGEnabled turns per-chunk relevance grading on.
	CRAGEnabled bool `json:"crag_enabled" yaml:"crag_enabled"`

	// CRAGEnableSelfReflection adds the evidence-sufficiency reflection
	// pass after grading.
	CRAGEnableSelfReflection bool `json:"crag_enable_self_reflection" yaml:"crag_enable_self_reflection"`

	// CRAGGradeThreshold is the minimum grade score a chunk must reach to
	// be kept.
	CRAGGradeThreshold float64 `json:"crag_grade_threshold" yaml:"crag_grade_threshold"`

	// RerankEnabled turns the LLM rerank stage on.
	RerankEnabled bool `json:"rerank_enabled" yaml:"rerank_enabled"`

	// AdaptiveThresholds are the escalation triggers for the adaptive
	// strategy. The orchestrator consumes them when it builds the strategy
	// set; the pipeline itself only stores them.
	AdaptiveThresholds retrieval.AdaptiveThresholds `json:"adaptive_thresholds" yaml:"adaptive_thresholds"`

	// ContextTokenBudget caps the token cost of numbered sources in the
	// generation prompt.
	ContextTokenBudget int `json:"context_token_budget" yaml:"context_token_budget"`

	// GenerationTimeout bounds one generation call.
	GenerationTimeout time.Duration `json:"generation_timeout" yaml:"generation_timeout"`

	// StallTimeout aborts a streaming generation when no token arrives
	// within it.
	StallTimeout time.Duration `json:"stall_timeout" yaml:"stall_timeout"`

	// TotalTimeout is the hard wall-clock deadline for one query.
	TotalTimeout time.Duration `json:"total_timeout" yaml:"total_timeout"`
}

// DefaultPipelineOptions returns the production defaults: structured
// output, grading, self-reflection, and the critic loop on; reranking off.
func DefaultPipelineOptions() PipelineOptions {
	return PipelineOptions{
		EvidenceRefusalTemplate:  defaultRefusalTemplate,
		StructuredOutputEnabled:  true,
		CriticReviseEnabled:      true,
		CriticMaxRevisions:       defaultCriticMaxRevisions,
		CRAGEnabled:              true,
		CRAGEnableSelfReflection: true,
		CRAGGradeThreshold:       defaultGradeThreshold,
		AdaptiveThresholds:       retrieval.DefaultAdaptiveThresholds(),
		ContextTokenBudget:       defaultContextTokenBudget,
		GenerationTimeout:        defaultGenerationTimeout,
		StallTimeout:             defaultStallTimeout,
		TotalTimeout:             defaultTotalTimeout,
	}
}

// ensureDefaults fills the fields that must never be zero at runtime.
// Boolean toggles are left alone: false is a valid configuration.
func (o *PipelineOptions) ensureDefaults() {
	if o.EvidenceRefusalTemplate == "" {
		o.EvidenceRefusalTemplate = defaultRefusalTemplate
	}
	if o.CriticMaxRevisions <= 0 {
		o.CriticMaxRevisions = defaultCriticMaxRevisions
	}
	if o.CRAGGradeThreshold <= 0 {
		o.CRAGGradeThreshold = defaultGradeThreshold
	}
	if o.ContextTokenBudget <= 0 {
		o.ContextTokenBudget = defaultContextTokenBudget
	}
	if o.GenerationTimeout <= 0 {
		o.GenerationTimeout = defaultGenerationTimeout
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = defaultStallTimeout
	}
	if o.TotalTimeout <= 0 {
		o.TotalTimeout = defaultTotalTimeout
	}
}

// PipelineMetrics records what one query run actually did. It is returned
// to callers for logging and quality tracking, never serialized to the
// client.
type PipelineMetrics struct {
	Strategy            datatypes.RetrievalStrategy `json:"strategy"`
	Retrieval           *retrieval.Metrics          `json:"retrieval,omitempty"`
	Grades              []datatypes.GradeResult     `json:"grades,omitempty"`
	Reflection          *datatypes.CriticReflection `json:"reflection,omitempty"`
	CriticRevisionCount int                         `json:"critic_revision_count"`
	GenerationRetried   bool                        `json:"generation_retried"`
	RefusalReason       string                      `json:"refusal_reason,omitempty"`
	TokensGenerated     int                         `json:"tokens_generated"`
	ModelUsed           string                      `json:"model_used,omitempty"`
	TotalTimeMs         int64                       `json:"total_time_ms"`
}

// PipelineResult is the outcome of one query run. Answer is the visible
// text after guardrail substitution; Sources are the chunks the numbered
// citations point into, in citation order.
type PipelineResult struct {
	Answer           string
	Sources          []datatypes.SearchResult
	Mode             datatypes.ResponseMode
	SaknasUnderlag   bool
	EvidenceLevel    datatypes.EvidenceLevel
	Decontextualized string
	Guardrail        datatypes.GuardrailResult
	Metrics          PipelineMetrics
}

// Pipeline executes the retrieval-augmented answer flow as an explicit
// state machine over {generate, parse, critique, revise, accept, refuse}.
//
// # Description
//
// A run classifies the request, rewrites follow-up questions into
// standalone form, retrieves and grades sources, generates a structured
// answer, repairs it through the critic loop, and screens the final text
// with the guardrail. Every failure funnels into the refusal path, which
// returns the fixed template instead of an ungrounded answer. Errors are
// returned only for invalid input and context cancellation; everything
// else resolves to a result.
//
// All collaborators are injected or built at construction. The pipeline
// holds no global state and is safe for concurrent use.
type Pipeline struct {
	client     llm.LLMClient
	strategies map[datatypes.RetrievalStrategy]retrieval.Strategy
	guardrail  *Guardrail
	decontext  Decontextualizer

	query    *QueryProcessor
	grader   *Grader
	reranker *Reranker
	critic   *Critic
	prompts  *PromptBuilder

	opts PipelineOptions
}

// NewPipeline wires the answer pipeline.
//
// # Inputs
//   - client: The LLM backend used for generation, grading, reranking,
//     and revision.
//   - strategies: The retrieval strategies by name. A request naming an
//     unregistered strategy is refused at runtime.
//   - guardrail: The output screen. Its watch lifecycle stays with the
//     caller.
//   - decontext: Follow-up rewriting, or nil to disable.
//   - opts: Tuning knobs; zero fields fall back to defaults.
//
// # Outputs
//   - *Pipeline: The ready pipeline.
//   - error: When a required collaborator is missing.
func NewPipeline(client llm.LLMClient, strategies map[datatypes.RetrievalStrategy]retrieval.Strategy, guardrail *Guardrail, decontext Decontextualizer, opts PipelineOptions) (*Pipeline, error) {
	if client == nil {
		return nil, errors.New("pipeline: llm client is required")
	}
	if len(strategies) == 0 {
		return nil, errors.New("pipeline: at least one retrieval strategy is required")
	}
	if guardrail == nil {
		return nil, errors.New("pipeline: guardrail is required")
	}
	opts.ensureDefaults()

	grader := NewGrader(client, GraderConfig{
		Enabled:        opts.CRAGEnabled,
		Threshold:      opts.CRAGGradeThreshold,
		SelfReflection: opts.CRAGEnableSelfReflection,
	})
	reranker := NewReranker(client, RerankConfig{Enabled: opts.RerankEnabled})

	return &Pipeline{
		client:     client,
		strategies: strategies,
		guardrail:  guardrail,
		decontext:  decontext,
		query:      NewQueryProcessor(),
		grader:     grader,
		reranker:   reranker,
		critic:     NewCritic(client, CriticConfig{RefusalTemplate: opts.EvidenceRefusalTemplate}),
		prompts:    NewPromptBuilder(opts.ContextTokenBudget),
		opts:       opts,
	}, nil
}

// pipelineRun is the per-request state threaded through the stages.
type pipelineRun struct {
	req              *datatypes.QueryRequest
	mode             datatypes.ResponseMode
	config           ModeConfig
	question         string
	decontextualized string
	start            time.Time
	metrics          PipelineMetrics
	em               *eventEmitter
}

// Answer runs the pipeline synchronously and returns the complete result.
//
// # Inputs
//   - ctx: Caller context; the run also enforces its own total deadline.
//   - req: The query. Defaults are filled in place.
//
// # Outputs
//   - *PipelineResult: The answer or the refusal, never both nil.
//   - error: Invalid input or context cancellation.
func (p *Pipeline) Answer(ctx context.Context, req *datatypes.QueryRequest) (*PipelineResult, error) {
	return p.run(ctx, req, nil)
}

// Stream runs the pipeline and emits progress as typed events.
//
// # Description
//
// The returned channel yields events in the order metadata,
// decontextualized, token, corrections, done. CHAT answers stream tokens
// live as the model produces them; structured answers are validated in
// full first and then replayed as token chunks, so raw model JSON and
// internal fields never reach the wire. A corrections event reconciles
// any difference between streamed text and the final answer. When the
// caller context ends, the channel is closed without further events; when
// the run's own deadline ends, a terminal error event is sent.
//
// # Inputs
//   - ctx: Caller context. Cancel it to abandon the stream.
//   - req: The query. Defaults are filled in place.
//
// # Outputs
//   - <-chan datatypes.StreamEvent: Closed after a terminal event.
func (p *Pipeline) Stream(ctx context.Context, req *datatypes.QueryRequest) <-chan datatypes.StreamEvent {
	events := make(chan datatypes.StreamEvent, streamEventBuffer)
	em := &eventEmitter{ctx: ctx, events: events}

	go func() {
		defer close(events)
		result, err := p.run(ctx, req, em)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			em.sendError(streamErrorMessage(err))
			return
		}
		em.finish(result)
	}()
	return events
}

// run executes one query through every stage. em is nil for synchronous
// callers.
func (p *Pipeline) run(ctx context.Context, req *datatypes.QueryRequest, em *eventEmitter) (*PipelineResult, error) {
	start := time.Now()
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		return nil, &InputError{Field: "request", Message: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.TotalTimeout)
	defer cancel()

	ctx, span := pipelineTracer.Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("request.strategy", string(req.RetrievalStrategy)),
		attribute.Int("request.k", req.K),
	)

	mode, config := p.query.Resolve(req)
	span.SetAttributes(attribute.String("request.mode", string(mode)))

	r := &pipelineRun{
		req:      req,
		mode:     mode,
		config:   config,
		question: req.Question,
		start:    start,
		em:       em,
	}
	r.metrics.Strategy = req.RetrievalStrategy

	slog.Info("pipeline run start",
		"request_id", req.RequestID,
		"mode", string(mode),
		"strategy", string(req.RetrievalStrategy),
		"k", req.K)

	// CHAT answers from the question alone: no rewrite, no retrieval.
	var sources []datatypes.SearchResult
	if mode != datatypes.ModeChat {
		p.decontextualize(ctx, r)

		retained, reason, err := p.retrieveSources(ctx, r)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if reason != "" {
			return p.refuse(r, reason), nil
		}
		sources = retained
	} else {
		// Live tokens need their metadata frame first.
		r.em.metadata(mode, datatypes.Refs(nil), datatypes.EvidenceNone)
	}

	candidate, included, reason, err := p.converge(ctx, r, sources)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation aborted")
		return nil, err
	}
	if reason != "" {
		return p.refuse(r, reason), nil
	}

	return p.finalize(r, candidate, included), nil
}

// decontextualize rewrites the question in place when the history makes
// it a follow-up. The original stays on the request for logging.
func (p *Pipeline) decontextualize(ctx context.Context, r *pipelineRun) {
	if p.decontext == nil || len(r.req.History) == 0 {
		return
	}
	ctx, span := pipelineTracer.Start(ctx, "pipeline.decontextualize")
	defer span.End()

	rewritten, ok := p.decontext.Rewrite(ctx, r.req.Question, r.req.History)
	if !ok {
		return
	}
	span.SetAttributes(attribute.Bool("decontext.rewritten", true))
	r.question = rewritten
	r.decontextualized = rewritten
	r.em.holdDecontextualized(rewritten)
	slog.Info("question decontextualized",
		"request_id", r.req.RequestID,
		"original", r.req.Question,
		"rewritten", rewritten)
}

// retrieveSources runs retrieval, grading, and reranking. It returns the
// sources to answer from, or a refusal reason, or a cancellation error.
func (p *Pipeline) retrieveSources(ctx context.Context, r *pipelineRun) ([]datatypes.SearchResult, string, error) {
	strategy, ok := p.strategies[r.req.RetrievalStrategy]
	if !ok {
		slog.Error("retrieval strategy not registered",
			"request_id", r.req.RequestID,
			"strategy", string(r.req.RetrievalStrategy))
		return nil, refusalRetrievalError, nil
	}

	ctx, span := pipelineTracer.Start(ctx, "pipeline.retrieve")
	defer span.End()

	sr, err := strategy.Search(ctx, retrieval.Query{
		Text:        r.question,
		K:           r.req.K,
		MustInclude: MergeMustInclude(r.question, r.req.MustInclude),
	})
	if err != nil {
		if IsCancelled(err) {
			return nil, "", err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval failed")
		slog.Error("retrieval failed",
			"request_id", r.req.RequestID,
			"strategy", string(r.req.RetrievalStrategy),
			"error", &RetrievalError{Op: string(r.req.RetrievalStrategy), Err: err})
		return nil, refusalRetrievalError, nil
	}

	r.metrics.Retrieval = &sr.Metrics
	span.SetAttributes(
		attribute.Int("retrieval.results", len(sr.Results)),
		attribute.Float64("retrieval.top_score", sr.Metrics.TopScore),
	)
	if sr.Metrics.FallbackTriggered {
		slog.Warn("retrieval fallback triggered",
			"request_id", r.req.RequestID,
			"escalation_path", sr.Metrics.EscalationPath)
		return nil, refusalFallback, nil
	}

	outcome, err := p.grader.Grade(ctx, r.question, sr.Results)
	if err != nil {
		return nil, "", err
	}
	r.metrics.Grades = outcome.Grades
	r.metrics.Reflection = outcome.Reflection
	span.SetAttributes(attribute.Int("grading.retained", len(outcome.Retained)))

	if len(outcome.Retained) == 0 {
		slog.Info("no sources survived grading", "request_id", r.req.RequestID)
		return nil, refusalNoSources, nil
	}
	if outcome.Reflection != nil && !outcome.Reflection.HasSufficientEvidence {
		slog.Info("reflection found evidence insufficient",
			"request_id", r.req.RequestID,
			"missing", outcome.Reflection.MissingEvidence)
		return nil, refusalReflection, nil
	}

	return p.reranker.Rerank(ctx, r.question, outcome.Retained, r.req.K), "", nil
}

// converge drives the candidate state machine until it accepts, refuses,
// or the context dies. It returns the accepted candidate, the sources its
// citations index into, and "" — or a refusal reason.
func (p *Pipeline) converge(ctx context.Context, r *pipelineRun, sources []datatypes.SearchResult) (datatypes.StructuredAnswer, []datatypes.SearchResult, string, error) {
	ctx, span := pipelineTracer.Start(ctx, "pipeline.converge")
	defer span.End()

	var (
		state     = stateGenerate
		candidate datatypes.StructuredAnswer
		raw       string
		messages  []datatypes.Message
		included  []datatypes.SearchResult
		critique  datatypes.CriticResult
		strict    bool
		retried   bool
		revisions int
	)
	structured := p.opts.StructuredOutputEnabled && r.mode != datatypes.ModeChat

	for {
		switch state {
		case stateGenerate:
			messages, included = p.prompts.Build(r.question, sources, r.config, r.mode, strict)

			// A retried CHAT generation stops streaming live; the
			// corrections event reconciles what already went out.
			live := r.mode == datatypes.ModeChat && !retried
			out, err := p.generate(ctx, r, messages, live)
			if err != nil {
				var lerr *LLMError
				if !errors.As(err, &lerr) {
					return candidate, included, "", err
				}
				if retried {
					slog.Error("generation failed twice",
						"request_id", r.req.RequestID, "error", err)
					return candidate, included, refusalGeneration, nil
				}
				retried = true
				r.metrics.GenerationRetried = true
				strict = structured
				slog.Warn("generation failed, retrying once",
					"request_id", r.req.RequestID, "error", err)
				continue
			}
			raw = out
			state = stateParse

		case stateParse:
			if !structured {
				candidate = wrapPlainAnswer(raw, r.mode)
				state = stateCritique
				continue
			}
			parsed, err := ParseStructuredAnswer(raw, r.mode)
			if err != nil {
				if retried {
					slog.Error("structured answer invalid after strict retry",
						"request_id", r.req.RequestID, "error", err)
					return candidate, included, refusalSchema, nil
				}
				retried = true
				r.metrics.GenerationRetried = true
				strict = true
				slog.Warn("structured answer invalid, retrying strict",
					"request_id", r.req.RequestID, "error", err)
				state = stateGenerate
				continue
			}
			candidate = parsed
			state = stateCritique

		case stateCritique:
			// With structured output off there is no schema to critique.
			if !p.opts.CriticReviseEnabled || (!structured && r.mode != datatypes.ModeChat) {
				state = stateAccept
				continue
			}
			critique = p.critic.Critique(candidate, r.question, included, r.mode)
			switch {
			case critique.OK:
				state = stateAccept
			case revisions >= p.opts.CriticMaxRevisions:
				state = stateRefuse
			default:
				state = stateRevise
			}

		case stateRevise:
			revisions++
			r.metrics.CriticRevisionCount = revisions
			revised, err := p.critic.Revise(ctx, candidate, critique)
			if err != nil {
				if IsCancelled(err) && ctx.Err() != nil {
					return candidate, included, "", err
				}
				slog.Warn("revision call failed",
					"request_id", r.req.RequestID,
					"revision", revisions,
					"error", err)
				state = stateRefuse
				continue
			}
			parsed, perr := ParseStructuredAnswer(revised, r.mode)
			if perr != nil {
				// Burn the attempt, keep the previous candidate.
				slog.Warn("revision unparseable, keeping previous candidate",
					"request_id", r.req.RequestID,
					"revision", revisions,
					"error", perr)
				state = stateCritique
				continue
			}
			candidate = parsed
			state = stateCritique

		case stateRefuse:
			span.SetAttributes(attribute.Int("critic.revisions", revisions))
			if r.mode == datatypes.ModeEvidence {
				slog.Warn("critic exhausted, refusing",
					"request_id", r.req.RequestID,
					"failures", critique.Errors)
				return candidate, included, refusalCriticExhausted, nil
			}
			// Non-evidence answers degrade to the last candidate rather
			// than refuse outright.
			if len(candidate.Kallor) == 0 {
				candidate.SaknasUnderlag = true
			}
			slog.Warn("critic exhausted, returning last candidate",
				"request_id", r.req.RequestID,
				"mode", string(r.mode),
				"failures", critique.Errors)
			return candidate, included, "", nil

		case stateAccept:
			span.SetAttributes(attribute.Int("critic.revisions", revisions))
			return candidate, included, "", nil
		}
	}
}

// generate runs one generation attempt. Synchronous runs use Chat with
// the generation timeout; streaming runs use ChatStream with a stall
// watchdog on top of it, forwarding tokens when live is set.
//
// Cancellation of the surrounding run comes back unwrapped; every other
// failure is an *LLMError, which the caller may retry.
func (p *Pipeline) generate(ctx context.Context, r *pipelineRun, messages []datatypes.Message, live bool) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, p.opts.GenerationTimeout)
	defer cancel()

	params := llm.GenerationParams{
		Temperature: floatPtr(r.config.Temperature),
		MaxTokens:   intPtr(r.config.MaxTokens),
	}

	if r.em == nil {
		out, err := p.client.Chat(genCtx, messages, params)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", &LLMError{Op: "generate", Err: err}
		}
		r.metrics.TokensGenerated += p.prompts.counter.Count(out)
		return out, nil
	}

	// The watchdog cancels the generation when the token gap exceeds the
	// stall timeout. A fired watchdog looks like cancellation to the
	// stream, so the parent context decides whether it was a real cancel.
	stall := time.AfterFunc(p.opts.StallTimeout, cancel)
	defer stall.Stop()

	var b strings.Builder
	err := p.client.ChatStream(genCtx, messages, params, func(event llm.StreamEvent) error {
		switch event.Type {
		case llm.StreamEventToken:
			stall.Reset(p.opts.StallTimeout)
			b.WriteString(event.Content)
			if live {
				r.em.token(event.Content)
			}
		case llm.StreamEventError:
			return &LLMError{Op: "generate_stream", Err: errors.New(event.Error)}
		case llm.StreamEventDone:
			stall.Stop()
			if event.Stats != nil {
				r.metrics.TokensGenerated += event.Stats.TokensGenerated
				r.metrics.ModelUsed = event.Stats.ModelUsed
			}
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var lerr *LLMError
		if errors.As(err, &lerr) {
			return "", err
		}
		return "", &LLMError{Op: "generate_stream", Err: err}
	}
	return b.String(), nil
}

// finalize runs the guardrail over the accepted candidate and assembles
// the result.
func (p *Pipeline) finalize(r *pipelineRun, candidate datatypes.StructuredAnswer, included []datatypes.SearchResult) *PipelineResult {
	// An evidence answer that declares missing support IS a refusal; the
	// template replaces whatever the model wrote.
	if r.mode == datatypes.ModeEvidence && candidate.SaknasUnderlag {
		return p.refuse(r, refusalModelDeclined)
	}

	gr := p.guardrail.Validate(candidate.Svar)
	answer := candidate.Svar
	switch gr.Status {
	case datatypes.GuardrailCorrected:
		answer = gr.CorrectedText
		slog.Info("guardrail corrected answer",
			"request_id", r.req.RequestID,
			"corrections", len(gr.Corrections))
	case datatypes.GuardrailRefused:
		slog.Warn("guardrail refused answer", "request_id", r.req.RequestID)
		return p.refuse(r, refusalGuardrail)
	}

	sources := included
	if r.mode == datatypes.ModeChat {
		sources = []datatypes.SearchResult{}
	}

	r.metrics.TotalTimeMs = time.Since(r.start).Milliseconds()
	result := &PipelineResult{
		Answer:           answer,
		Sources:          sources,
		Mode:             r.mode,
		SaknasUnderlag:   candidate.SaknasUnderlag,
		EvidenceLevel:    EvidenceLevelFor(sources),
		Decontextualized: r.decontextualized,
		Guardrail:        gr,
		Metrics:          r.metrics,
	}

	slog.Info("pipeline run complete",
		"request_id", r.req.RequestID,
		"mode", string(r.mode),
		"saknas_underlag", result.SaknasUnderlag,
		"evidence_level", string(result.EvidenceLevel),
		"sources", len(result.Sources),
		"revisions", r.metrics.CriticRevisionCount,
		"total_ms", r.metrics.TotalTimeMs)
	return result
}

// refuse builds the refusal result: the fixed template, no sources, and
// evidence level NONE. The guardrail still screens the template; if even
// that is refused, the template stands, since it is the safest text the
// service has.
func (p *Pipeline) refuse(r *pipelineRun, reason string) *PipelineResult {
	answer := p.opts.EvidenceRefusalTemplate
	gr := p.guardrail.Validate(answer)
	switch gr.Status {
	case datatypes.GuardrailCorrected:
		answer = gr.CorrectedText
	case datatypes.GuardrailRefused:
		slog.Warn("guardrail refused the refusal template",
			"request_id", r.req.RequestID)
	}

	r.metrics.RefusalReason = reason
	r.metrics.TotalTimeMs = time.Since(r.start).Milliseconds()

	slog.Info("pipeline refused",
		"request_id", r.req.RequestID,
		"reason", reason,
		"total_ms", r.metrics.TotalTimeMs)

	return &PipelineResult{
		Answer:           answer,
		Sources:          []datatypes.SearchResult{},
		Mode:             datatypes.ModeEvidence,
		SaknasUnderlag:   true,
		EvidenceLevel:    datatypes.EvidenceNone,
		Decontextualized: r.decontextualized,
		Guardrail:        gr,
		Metrics:          r.metrics,
	}
}

// wrapPlainAnswer lifts a plain text completion into the structured
// schema, the shape CHAT answers and unstructured deployments use.
func wrapPlainAnswer(raw string, mode datatypes.ResponseMode) datatypes.StructuredAnswer {
	return datatypes.StructuredAnswer{
		Mode:           mode,
		SaknasUnderlag: false,
		Svar:           strings.TrimSpace(raw),
		Kallor:         []datatypes.Kalla{},
		FaktaUtanKalla: []string{},
	}
}

// streamErrorMessage maps a run error to client-safe Swedish text.
func streamErrorMessage(err error) string {
	var ierr *InputError
	if errors.As(err, &ierr) {
		return "Ogiltig förfrågan: " + ierr.Field + "."
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Tidsgränsen för frågan överskreds."
	}
	return "Ett internt fel inträffade."
}

// ============================================================================
// Stream event emission
// ============================================================================

// eventEmitter orders and deduplicates the events of one stream. It holds
// the caller context, not the run context, so terminal events still go
// out after the run deadline fires. A nil emitter ignores every call,
// which lets the synchronous path share the pipeline code unconditionally.
type eventEmitter struct {
	ctx    context.Context
	events chan<- datatypes.StreamEvent

	metadataSent     bool
	pendingDecontext string
	hasDecontext     bool
	tokensSent       int
	streamed         strings.Builder
}

// send delivers one event unless the caller has gone away.
func (e *eventEmitter) send(event datatypes.StreamEvent) {
	select {
	case e.events <- event:
	case <-e.ctx.Done():
	}
}

// holdDecontextualized parks the rewrite until the metadata frame has
// gone out; the event order is part of the protocol.
func (e *eventEmitter) holdDecontextualized(text string) {
	if e == nil {
		return
	}
	if e.metadataSent {
		e.send(datatypes.NewDecontextualizedEvent(text))
		return
	}
	e.pendingDecontext = text
	e.hasDecontext = true
}

// metadata sends the metadata frame once and flushes any held rewrite.
func (e *eventEmitter) metadata(mode datatypes.ResponseMode, sources []datatypes.SourceRef, level datatypes.EvidenceLevel) {
	if e == nil || e.metadataSent {
		return
	}
	e.metadataSent = true
	e.send(datatypes.NewMetadataEvent(mode, sources, level))
	if e.hasDecontext {
		e.hasDecontext = false
		e.send(datatypes.NewDecontextualizedEvent(e.pendingDecontext))
	}
}

// token forwards one visible text fragment.
func (e *eventEmitter) token(text string) {
	if e == nil || text == "" {
		return
	}
	e.tokensSent++
	e.streamed.WriteString(text)
	e.send(datatypes.NewTokenEvent(text))
}

// sendError emits the terminal error event.
func (e *eventEmitter) sendError(message string) {
	e.send(datatypes.NewErrorEvent(message))
}

// finish emits everything still owed for a completed run: the metadata
// frame if no tokens went out yet, the answer itself when it was not
// streamed live, a corrections event when the streamed text and the
// final answer differ, and the done frame.
func (e *eventEmitter) finish(result *PipelineResult) {
	e.metadata(result.Mode, datatypes.Refs(result.Sources), result.EvidenceLevel)

	if e.tokensSent == 0 {
		for _, chunk := range chunkVisibleText(result.Answer) {
			e.token(chunk)
		}
	}

	streamed := e.streamed.String()
	switch {
	case result.Guardrail.Status == datatypes.GuardrailCorrected:
		e.send(datatypes.NewCorrectionsEvent(result.Guardrail.Corrections, result.Answer))
	case strings.TrimSpace(streamed) != strings.TrimSpace(result.Answer):
		e.send(datatypes.NewCorrectionsEvent([]datatypes.Correction{}, result.Answer))
	}

	e.send(datatypes.NewDoneEvent(result.Metrics.TotalTimeMs))
}

// chunkVisibleText splits validated answer text into word-boundary chunks
// for replay as token events. Concatenating the chunks restores the text
// byte for byte.
func chunkVisibleText(text string) []string {
	var chunks []string
	for text != "" {
		cut := byteOffsetOfRune(text, tokenChunkRunes)
		if cut < len(text) {
			if idx := strings.LastIndexByte(text[:cut], ' '); idx > 0 {
				cut = idx + 1
			}
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks
}

// byteOffsetOfRune returns the byte index just after the first n runes,
// or len(s) when s is shorter.
func byteOffsetOfRune(s string, n int) int {
	seen := 0
	for i := range s {
		if seen == n {
			return i
		}
		seen++
	}
	return len(s)
}
