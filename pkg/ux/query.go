// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// QueryMode represents the query operation mode
type QueryMode int

const (
	// QueryModeSingle is a one-shot question with no follow-ups.
	QueryModeSingle QueryMode = iota

	// QueryModeSession is an interactive session where follow-up
	// questions are decontextualized against the running history.
	QueryModeSession
)

// HeaderConfig contains configuration for displaying the query header.
//
// # Description
//
// HeaderConfig groups all optional parameters for the query header display.
// This allows extending the header with new fields without breaking existing
// callers of the Header() method.
//
// # Fields
//
//   - Mode: Required. Single question or interactive session.
//   - Strategy: Retrieval strategy name (e.g., "adaptive", "rag_fusion").
//   - Endpoint: Orchestrator base URL.
//   - Verify: True when client-side chain verification is enabled.
//   - CorpusStats: Optional aggregated stats for the document corpus.
type HeaderConfig struct {
	Mode        QueryMode
	Strategy    string
	Endpoint    string
	Verify      bool
	CorpusStats *CorpusStats // Optional stats from orchestrator
}

// CorpusStats contains aggregated metrics for the document corpus.
//
// # Description
//
// CorpusStats captures aggregate information about the indexed documents.
// This is fetched from the orchestrator and displayed in the query header.
//
// # Fields
//
//   - DocumentCount: Number of documents in the corpus
//   - LastUpdatedAt: Unix milliseconds of most recent document ingestion
type CorpusStats struct {
	DocumentCount int   `json:"document_count"`
	LastUpdatedAt int64 `json:"last_updated_at"` // Unix ms timestamp
}

// QueryStats aggregates metrics from a query session for display.
//
// # Description
//
// QueryStats captures accumulated metrics across all exchanges in a
// query session. It's designed to be displayed when the session ends,
// giving users visibility into their session's performance and usage.
//
// # Fields
//
//   - QuestionCount: Number of questions asked
//   - TotalTokens: Total tokens generated across all answers
//   - SourcesUsed: Number of sources cited across all answers
//   - CorrectionsApplied: Number of terminology corrections applied
//   - Duration: Total session duration
//   - FirstTokenLatency: Time to first token of first answer
type QueryStats struct {
	QuestionCount      int
	TotalTokens        int
	SourcesUsed        int
	CorrectionsApplied int
	Duration           time.Duration
	FirstTokenLatency  time.Duration
}

// QueryUI defines the interface for query user interface operations.
// Implementations handle rendering answer elements to different outputs.
type QueryUI interface {
	// Header displays the query session header with strategy and corpus info.
	Header(config HeaderConfig)

	// Prompt returns the styled input prompt string
	Prompt() string

	// Decontextualized displays the standalone rewrite of a follow-up question
	Decontextualized(question string)

	// Answer displays a complete (non-streamed) answer
	Answer(answer string)

	// Sources displays the sources cited by an answer
	Sources(sources []SourceInfo)

	// NoSources displays a message when no sources were found
	NoSources()

	// EvidenceLevel displays the evidence level of an answer and whether
	// the orchestrator refused for lack of sources.
	EvidenceLevel(level string, saknasUnderlag bool)

	// Corrections displays terminology corrections applied to an answer
	Corrections(corrections []Correction)

	// Integrity displays the hash chain verification result.
	//
	// # Description
	//
	// Called after client-side chain verification (lagrum fraga --verify).
	// Shows the user whether the streamed answer arrived unmodified.
	//
	// # Inputs
	//
	//   - info: Verification result. Nil is ignored.
	Integrity(info *IntegrityInfo)

	// Error displays a query error message
	Error(err error)

	// SessionEnd displays session end information with statistics.
	//
	// This is the "maximalist" session end experience, showing question,
	// token, and source counts plus timing. Passing nil stats falls back
	// to a plain goodbye.
	SessionEnd(stats *QueryStats)
}

// terminalQueryUI implements QueryUI for terminal output
type terminalQueryUI struct {
	writer      io.Writer
	personality PersonalityLevel
}

// write is a helper that writes formatted output and handles errors.
// Errors are silently ignored as there's no meaningful recovery for terminal output.
func (u *terminalQueryUI) write(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(u.writer, format, args...); err != nil {
		// Terminal write errors are non-recoverable; silently ignore
		return
	}
}

// writeln is a helper that writes a line and handles errors.
func (u *terminalQueryUI) writeln(args ...interface{}) {
	if _, err := fmt.Fprintln(u.writer, args...); err != nil {
		// Terminal write errors are non-recoverable; silently ignore
		return
	}
}

// NewQueryUI creates a new terminal-based QueryUI
func NewQueryUI() QueryUI {
	return &terminalQueryUI{
		writer:      os.Stdout,
		personality: GetPersonality().Level,
	}
}

// NewQueryUIWithWriter creates a QueryUI with a custom writer (for testing)
func NewQueryUIWithWriter(w io.Writer, personality PersonalityLevel) QueryUI {
	return &terminalQueryUI{
		writer:      w,
		personality: personality,
	}
}

// Header displays the query session header with full configuration.
//
// # Description
//
// Renders the header box with strategy, corpus stats, endpoint, and
// verification status. Adapts output based on personality level.
//
// # Inputs
//
//   - config: HeaderConfig with mode, strategy, endpoint, corpus stats
//
// # Outputs
//
// None. Writes directly to the configured writer.
func (u *terminalQueryUI) Header(config HeaderConfig) {
	if u.personality == PersonalityMachine {
		u.headerMachine(config)
		return
	}

	if u.personality == PersonalityMinimal {
		u.headerMinimal(config)
		return
	}

	u.headerFull(config)
}

// headerMachine renders the header in machine-readable format.
func (u *terminalQueryUI) headerMachine(config HeaderConfig) {
	parts := []string{fmt.Sprintf("strategy=%s", config.Strategy)}
	if config.Endpoint != "" {
		parts = append(parts, fmt.Sprintf("endpoint=%s", config.Endpoint))
	}
	if config.CorpusStats != nil {
		parts = append(parts, fmt.Sprintf("doc_count=%d", config.CorpusStats.DocumentCount))
		if config.CorpusStats.LastUpdatedAt > 0 {
			parts = append(parts, fmt.Sprintf("last_updated=%d", config.CorpusStats.LastUpdatedAt))
		}
	}
	if config.Verify {
		parts = append(parts, "verify=true")
	}
	u.write("QUERY_START: %s\n", strings.Join(parts, " "))
}

// headerMinimal renders the header in minimal format.
func (u *terminalQueryUI) headerMinimal(config HeaderConfig) {
	u.write("Lagrum (strategi: %s)\n", config.Strategy)
	if config.CorpusStats != nil {
		u.write("Korpus: %d dokument\n", config.CorpusStats.DocumentCount)
	}
	if config.Mode == QueryModeSession {
		u.writeln("Skriv 'avsluta' för att avsluta.")
	}
}

// headerFull renders the header with full styling.
func (u *terminalQueryUI) headerFull(config HeaderConfig) {
	var content strings.Builder
	content.WriteString(Styles.Highlight.Render("Juridisk kunskapssökning"))
	content.WriteString("\n")
	content.WriteString(fmt.Sprintf("Strategi: %s", Styles.Success.Render(config.Strategy)))

	// Add corpus stats when available
	if config.CorpusStats != nil {
		content.WriteString("\n")
		statsInfo := fmt.Sprintf("%d dokument", config.CorpusStats.DocumentCount)
		if config.CorpusStats.LastUpdatedAt > 0 {
			relTime := formatRelativeTime(config.CorpusStats.LastUpdatedAt)
			statsInfo = fmt.Sprintf("%s, uppdaterad %s", statsInfo, relTime)
		}
		content.WriteString(fmt.Sprintf("Korpus: %s", Styles.Muted.Render(statsInfo)))
	}

	if config.Endpoint != "" {
		content.WriteString("\n")
		content.WriteString(fmt.Sprintf("Orkestrator: %s", Styles.Muted.Render(config.Endpoint)))
	}

	if config.Verify {
		content.WriteString("\n")
		content.WriteString(fmt.Sprintf("Verifiering: %s", Styles.Success.Render("på")))
	}

	boxStyle := Styles.Box.Width(60)
	u.writeln(boxStyle.Render(content.String()))
	u.writeln()
	if config.Mode == QueryModeSession {
		u.writeln(Styles.Muted.Render("Skriv 'avsluta' för att avsluta, '/hjälp' för kommandon."))
		u.writeln()
	}
}

// Prompt returns the styled input prompt string
func (u *terminalQueryUI) Prompt() string {
	if u.personality == PersonalityMachine {
		return "> "
	}
	if u.personality == PersonalityMinimal {
		return "> "
	}
	return Styles.Highlight.Render("§> ")
}

// Decontextualized displays the standalone rewrite of a follow-up question
func (u *terminalQueryUI) Decontextualized(question string) {
	switch u.personality {
	case PersonalityMachine:
		u.write("DECONTEXT: %s\n", question)
	case PersonalityMinimal:
		u.write("Tolkad fråga: %s\n", question)
	default:
		u.write("%s %s\n", IconArrow.Render(),
			Styles.Muted.Render(fmt.Sprintf("Tolkad fråga: %s", question)))
	}
}

// Answer displays a complete (non-streamed) answer
func (u *terminalQueryUI) Answer(answer string) {
	if u.personality == PersonalityMachine {
		u.write("ANSWER: %s\n", answer)
		return
	}
	u.writeln()
	u.writeln(answer)
}

// Sources displays the sources cited by an answer
func (u *terminalQueryUI) Sources(sources []SourceInfo) {
	if len(sources) == 0 {
		return
	}

	if u.personality == PersonalityMachine {
		for _, src := range sources {
			u.write("SOURCE: %s score=%.4f doc_type=%s source=%s\n",
				src.Title, src.Score, src.DocType, src.Source)
		}
		return
	}

	u.writeln()
	if u.personality == PersonalityMinimal {
		u.writeln("Underlag:")
		for i, src := range sources {
			u.write("  %d. %s\n", i+1, src.Title)
		}
		return
	}

	// Full personality with styled box
	var content strings.Builder
	for i, src := range sources {
		score := Styles.Muted.Render(fmt.Sprintf(" (%.2f)", src.Score))
		content.WriteString(fmt.Sprintf("%d. %s%s", i+1, src.Title, score))
		if src.DocType != "" || src.Source != "" {
			origin := strings.TrimSuffix(strings.TrimPrefix(src.DocType+" · "+src.Source, " · "), " · ")
			content.WriteString("\n   " + Styles.Muted.Render(origin))
		}
		if i < len(sources)-1 {
			content.WriteString("\n")
		}
	}

	boxStyle := Styles.InfoBox.Width(72)
	titleLine := Styles.Subtitle.Render("Underlag")
	u.writeln(boxStyle.Render(titleLine + "\n" + content.String()))
}

// NoSources displays a message when no sources were found
func (u *terminalQueryUI) NoSources() {
	if u.personality == PersonalityMachine {
		u.writeln("SOURCES: none")
		return
	}
	if u.personality != PersonalityMinimal {
		u.writeln(Styles.Muted.Render("(Inget underlag från kunskapsbasen)"))
	}
}

// EvidenceLevel displays the evidence level of an answer.
//
// # Description
//
// Renders the evidence level with a color keyed to its strength, and a
// warning when the orchestrator refused for lack of sources. Levels are
// the wire-format values "HIGH", "MEDIUM", "LOW", "NONE".
//
// # Inputs
//
//   - level: Wire-format evidence level
//   - saknasUnderlag: True when the answer is the refusal template
func (u *terminalQueryUI) EvidenceLevel(level string, saknasUnderlag bool) {
	if u.personality == PersonalityMachine {
		if level != "" {
			u.write("EVIDENCE_LEVEL: %s\n", level)
		}
		if saknasUnderlag {
			u.writeln("SAKNAS_UNDERLAG: true")
		}
		return
	}

	if u.personality == PersonalityMinimal {
		if level != "" {
			u.write("Evidensnivå: %s\n", evidenceLevelLabel(level))
		}
		if saknasUnderlag {
			u.writeln("Underlag saknas.")
		}
		return
	}

	if level != "" {
		label := evidenceLevelLabel(level)
		var styled string
		switch strings.ToUpper(level) {
		case "HIGH":
			styled = Styles.Success.Render(label)
		case "MEDIUM":
			styled = Styles.Highlight.Render(label)
		case "LOW":
			styled = Styles.Warning.Render(label)
		default:
			styled = Styles.Error.Render(label)
		}
		u.write("%s %s %s\n", IconScale.Render(), Styles.Muted.Render("Evidensnivå:"), styled)
	}
	if saknasUnderlag {
		u.write("%s %s\n", IconWarning.Render(),
			Styles.Warning.Render("Underlag saknas i kunskapsbasen."))
	}
}

// Corrections displays terminology corrections applied to an answer
func (u *terminalQueryUI) Corrections(corrections []Correction) {
	if len(corrections) == 0 {
		return
	}

	if u.personality == PersonalityMachine {
		for _, c := range corrections {
			u.write("CORRECTION: %s -> %s\n", c.Original, c.Replacement)
		}
		return
	}

	if u.personality == PersonalityMinimal {
		u.writeln("Termkorrigeringar:")
		for _, c := range corrections {
			u.write("  %s -> %s\n", c.Original, c.Replacement)
		}
		return
	}

	u.write("%s %s\n", IconWarning.Render(), Styles.Warning.Render("Termkorrigeringar:"))
	for _, c := range corrections {
		u.write("  %s %s %s %s\n",
			IconBullet.Render(), c.Original, IconArrow.Render(), c.Replacement)
	}
}

// Integrity displays the hash chain verification result.
func (u *terminalQueryUI) Integrity(info *IntegrityInfo) {
	if info == nil {
		return
	}

	if u.personality == PersonalityMachine {
		u.write("INTEGRITY: verified=%t chain_length=%d hash=%s\n",
			info.IntegrityVerified, info.ChainLength, info.ChainHash)
		if info.VerificationError != "" {
			u.write("INTEGRITY_ERROR: %s\n", info.VerificationError)
		}
		return
	}

	if info.IntegrityVerified {
		u.writeln(Styles.Muted.Render(info.FormatForDisplay()))
		return
	}
	u.writeln(Styles.Error.Render(info.FormatForDisplay()))
	if info.VerificationError != "" {
		u.writeln(Styles.Error.Render("  " + info.VerificationError))
	}
}

// Error displays a query error message
func (u *terminalQueryUI) Error(err error) {
	if u.personality == PersonalityMachine {
		u.write("QUERY_ERROR: %v\n", err)
		return
	}
	u.write("%s %s\n", IconError.Render(), Styles.Error.Render(fmt.Sprintf("Fel: %v", err)))
}

// SessionEnd displays session end information with statistics.
//
// # Description
//
// Displays a comprehensive session summary including question, token,
// and source counts, timing, and a goodbye. Falls back to a plain
// goodbye when stats is nil.
//
// # Inputs
//
//   - stats: Session statistics. May be nil.
//
// # Outputs
//
// None. Writes directly to the configured writer.
func (u *terminalQueryUI) SessionEnd(stats *QueryStats) {
	if stats == nil {
		if u.personality == PersonalityMachine {
			u.writeln("QUERY_END")
			return
		}
		u.writeln("Hej då!")
		return
	}

	if u.personality == PersonalityMachine {
		u.sessionEndMachine(stats)
		return
	}

	if u.personality == PersonalityMinimal {
		u.sessionEndMinimal(stats)
		return
	}

	u.sessionEndFull(stats)
}

// sessionEndMachine renders session end in machine-readable format.
func (u *terminalQueryUI) sessionEndMachine(stats *QueryStats) {
	u.write("QUERY_END: questions=%d tokens=%d sources=%d duration=%s\n",
		stats.QuestionCount, stats.TotalTokens, stats.SourcesUsed,
		stats.Duration.Round(time.Millisecond))
}

// sessionEndMinimal renders session end in minimal format.
func (u *terminalQueryUI) sessionEndMinimal(stats *QueryStats) {
	u.writeln()
	u.write("Frågor: %d | Tokens: %d | Tid: %s\n",
		stats.QuestionCount, stats.TotalTokens, formatDuration(stats.Duration))
	u.writeln("Hej då!")
}

// sessionEndFull renders session end with full styling.
//
// # Description
//
// Outputs a styled session summary in a bordered box with statistics
// and timing, followed by a goodbye message.
//
// # Limitations
//
//   - Requires terminal width >= 60 characters for proper rendering
//   - Icons require Unicode support
func (u *terminalQueryUI) sessionEndFull(stats *QueryStats) {
	u.writeln()

	var content strings.Builder

	content.WriteString(Styles.Subtitle.Render("Sammanfattning"))
	content.WriteString("\n\n")

	content.WriteString(fmt.Sprintf("  %s  %d frågor ställda\n",
		IconInfo.Render(), stats.QuestionCount))
	content.WriteString(fmt.Sprintf("  %s  %d tokens genererade\n",
		IconBullet.Render(), stats.TotalTokens))

	if stats.SourcesUsed > 0 {
		content.WriteString(fmt.Sprintf("  %s  %d rättskällor citerade\n",
			IconParagraf.Render(), stats.SourcesUsed))
	}

	if stats.CorrectionsApplied > 0 {
		content.WriteString(fmt.Sprintf("  %s  %d termkorrigeringar\n",
			IconWarning.Render(), stats.CorrectionsApplied))
	}

	content.WriteString(fmt.Sprintf("  %s  %s total tid\n",
		IconTime.Render(), formatDuration(stats.Duration)))

	if stats.FirstTokenLatency > 0 {
		content.WriteString(fmt.Sprintf("  %s  %s till första token\n",
			Styles.Muted.Render("⚡"), formatDuration(stats.FirstTokenLatency)))
	}

	boxStyle := Styles.Box.Width(60)
	u.writeln(boxStyle.Render(content.String()))
	u.writeln()
	u.writeln(Styles.Highlight.Render("Hej då! 👋"))
}

// formatDuration formats a duration for human-readable display.
//
// # Description
//
// Converts a time.Duration to a human-friendly string representation.
// Adapts the format based on the magnitude of the duration.
//
// # Examples
//
//	formatDuration(500*time.Millisecond) // "500ms"
//	formatDuration(5*time.Second)        // "5.0s"
//	formatDuration(90*time.Second)       // "1m 30s"
//	formatDuration(2*time.Hour)          // "2h 0m"
//
// # Limitations
//
//   - Does not handle durations longer than 24 hours specially
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		mins := int(d.Minutes())
		secs := int(d.Seconds()) % 60
		if secs == 0 {
			return fmt.Sprintf("%dm", mins)
		}
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", hours, mins)
}

// formatRelativeTime converts a Unix milliseconds timestamp to a relative
// time string in Swedish.
//
// # Description
//
// Converts a timestamp to a human-friendly relative time like "2 h sedan"
// or "3 dagar sedan". Falls back to an ISO date for older timestamps.
//
// # Examples
//
//	formatRelativeTime(time.Now().Add(-2*time.Hour).UnixMilli()) // "2 h sedan"
//
// # Limitations
//
//   - Returns "nyss" for times within the last minute
//   - Does not handle future times specially
//
// # Assumptions
//
//   - Timestamp is in milliseconds (not seconds)
func formatRelativeTime(unixMs int64) string {
	if unixMs == 0 {
		return "okänd"
	}

	t := time.UnixMilli(unixMs)
	diff := time.Since(t)

	if diff < time.Minute {
		return "nyss"
	}
	if diff < time.Hour {
		mins := int(diff.Minutes())
		return fmt.Sprintf("%d min sedan", mins)
	}
	if diff < 24*time.Hour {
		hours := int(diff.Hours())
		return fmt.Sprintf("%d h sedan", hours)
	}
	if diff < 7*24*time.Hour {
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1 dag sedan"
		}
		return fmt.Sprintf("%d dagar sedan", days)
	}
	if diff < 30*24*time.Hour {
		weeks := int(diff.Hours() / (24 * 7))
		if weeks == 1 {
			return "1 vecka sedan"
		}
		return fmt.Sprintf("%d veckor sedan", weeks)
	}

	// For older times, show the date
	return t.Format("2006-01-02")
}

// Convenience functions that use the default QueryUI (for backward compatibility)

var defaultQueryUI QueryUI

func getDefaultQueryUI() QueryUI {
	if defaultQueryUI == nil {
		defaultQueryUI = NewQueryUI()
	}
	return defaultQueryUI
}

// QueryHeader prints the query session header (convenience function)
func QueryHeader(config HeaderConfig) {
	getDefaultQueryUI().Header(config)
}

// QueryPrompt returns the styled prompt string (convenience function)
func QueryPrompt() string {
	return getDefaultQueryUI().Prompt()
}

// QueryAnswer prints a complete answer (convenience function)
func QueryAnswer(answer string) {
	getDefaultQueryUI().Answer(answer)
}

// QuerySources prints the sources cited by an answer (convenience function)
func QuerySources(sources []SourceInfo) {
	getDefaultQueryUI().Sources(sources)
}

// QueryNoSources prints a message when no sources were found (convenience function)
func QueryNoSources() {
	getDefaultQueryUI().NoSources()
}

// QueryError prints a query error (convenience function)
func QueryError(err error) {
	getDefaultQueryUI().Error(err)
}
