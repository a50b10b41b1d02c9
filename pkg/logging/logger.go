// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging builds the slog pipeline for Lagrum processes.
//
// A process calls New once at startup and installs the result with
// slog.SetDefault; all other packages log through plain slog. New wires
// up to three sinks behind one handler:
//
//   - stderr, text or JSON (unless Quiet)
//   - a dated file under LogDir, always JSON
//   - a LogExporter, for hosted deployments that ship logs to
//     centralized collection
//
// # What may be logged
//
// Questions sent to the engine can contain personal data, and answers
// can quote it back. Log identifiers and shapes, never the text itself:
//
//	// BAD: the user's question verbatim
//	slog.Info("query", "question", req.Question)
//
//	// GOOD: metadata only
//	slog.Info("query", "request_id", reqID, "question_chars", len(req.Question))
//
// The same rule covers model output: token counts and the
// arbetsanteckning working note are loggable, the answer body is not.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// Levels
// =============================================================================

// Level is the minimum severity a sink accepts.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN" or "ERROR".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// levelFromSlog maps a record level back for export entries.
func levelFromSlog(l slog.Level) Level {
	switch {
	case l < slog.LevelInfo:
		return LevelDebug
	case l < slog.LevelWarn:
		return LevelInfo
	case l < slog.LevelError:
		return LevelWarn
	default:
		return LevelError
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config selects the sinks. The zero value logs Info and above to
// stderr as text.
type Config struct {
	// Level is the minimum severity; records below it are dropped
	// before any sink sees them.
	Level Level

	// LogDir, when non-empty, adds a file sink. The file is named
	// {Service}_{YYYY-MM-DD}.log, created under LogDir (0750, ~ is
	// expanded) and always written as JSON.
	LogDir string

	// Service is stamped on every record as the "service" attribute
	// and used in the log filename. "orchestrator" and "cli" are the
	// two values in this repo.
	Service string

	// JSON switches the stderr sink from text to JSON. The file sink
	// ignores this; files are for machines.
	JSON bool

	// Quiet drops the stderr sink entirely. Meaningful only together
	// with LogDir or Exporter.
	Quiet bool

	// Exporter, when set, receives every accepted record as a
	// LogEntry. Delivery is asynchronous and lossy under pressure;
	// stderr and the file stay authoritative.
	Exporter LogExporter
}

// =============================================================================
// Export seam
// =============================================================================

// LogExporter ships log entries to an external system. The open-source
// build provides no network implementation; hosted builds plug in GCS,
// Loki or OTLP shippers here.
//
// Export runs on the logger's single export worker with a short
// per-entry timeout, so implementations should buffer and batch.
// Flush and Close run during shutdown, in that order.
type LogExporter interface {
	Export(ctx context.Context, entry LogEntry) error
	Flush(ctx context.Context) error
	Close() error
}

// LogEntry is the exported form of one record.
type LogEntry struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Service   string
	Attrs     map[string]any
}

// =============================================================================
// Logger
// =============================================================================

// Logger owns the sinks built by New. It exists for lifecycle only;
// logging itself goes through Slog().
type Logger struct {
	slog     *slog.Logger
	file     *os.File
	exporter LogExporter
	exportQ  *exportQueue

	closeOnce sync.Once
	closeErr  error
}

// New builds the configured sinks. Sink setup failures (unwritable
// LogDir) degrade to the remaining sinks rather than erroring: a
// process with broken file logging still logs to stderr.
//
// The caller owns the result and must Close it on shutdown.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{Level: config.Level.slogLevel()}
	logger := &Logger{exporter: config.Exporter}

	var sinks []slog.Handler
	if !config.Quiet {
		if config.JSON {
			sinks = append(sinks, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			sinks = append(sinks, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	if config.LogDir != "" {
		if file := openLogFile(config.LogDir, config.Service); file != nil {
			logger.file = file
			sinks = append(sinks, slog.NewJSONHandler(file, opts))
		}
	}

	if config.Exporter != nil {
		logger.exportQ = newExportQueue(config.Exporter, config.Service)
		sinks = append(sinks, &exportHandler{queue: logger.exportQ, min: opts.Level.Level()})
	}

	var handler slog.Handler
	switch len(sinks) {
	case 0:
		// Quiet with nothing else configured still gets stderr.
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = sinks[0]
	default:
		handler = fanoutHandler(sinks)
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns an Info-level stderr text logger stamped "lagrum".
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "lagrum"})
}

// Slog returns the logger to install with slog.SetDefault.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close drains the export queue, flushes and closes the exporter, and
// syncs and closes the log file. Safe to call more than once.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		var errs []error

		if l.exportQ != nil {
			l.exportQ.stop()
		}
		if l.exporter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.exporter.Flush(ctx); err != nil {
				errs = append(errs, fmt.Errorf("flush exporter: %w", err))
			}
			if err := l.exporter.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close exporter: %w", err))
			}
		}

		if l.file != nil {
			if err := l.file.Sync(); err != nil {
				errs = append(errs, fmt.Errorf("sync log file: %w", err))
			}
			if err := l.file.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close log file: %w", err))
			}
		}

		if len(errs) > 0 {
			l.closeErr = errs[0]
		}
	})
	return l.closeErr
}

// openLogFile creates the dated file sink, returning nil on any
// failure.
func openLogFile(dir, service string) *os.File {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil
	}
	if service == "" {
		service = "lagrum"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil
	}
	return file
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// =============================================================================
// Fan-out handler
// =============================================================================

// fanoutHandler delivers each record to every sink that accepts its
// level. Sinks may use different formats; a record is written to all
// of them or the first failing sink's error is returned.
type fanoutHandler []slog.Handler

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, sink := range h {
		if sink.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, sink := range h {
		if sink.Enabled(ctx, r.Level) {
			if err := sink.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanoutHandler, len(h))
	for i, sink := range h {
		next[i] = sink.WithAttrs(attrs)
	}
	return next
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	next := make(fanoutHandler, len(h))
	for i, sink := range h {
		next[i] = sink.WithGroup(name)
	}
	return next
}

// =============================================================================
// Export handler
// =============================================================================

// exportBuffer bounds the queue between logging calls and the export
// worker. A full buffer drops the entry; logging never blocks on the
// exporter.
const exportBuffer = 256

// exportQueue is the single worker feeding a LogExporter.
type exportQueue struct {
	entries chan LogEntry
	service string
	done    chan struct{}
}

func newExportQueue(exporter LogExporter, service string) *exportQueue {
	q := &exportQueue{
		entries: make(chan LogEntry, exportBuffer),
		service: service,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(q.done)
		for entry := range q.entries {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = exporter.Export(ctx, entry) // lossy by contract
			cancel()
		}
	}()
	return q
}

// offer enqueues without blocking.
func (q *exportQueue) offer(entry LogEntry) {
	select {
	case q.entries <- entry:
	default:
	}
}

// stop closes the queue and waits for queued entries to reach the
// exporter.
func (q *exportQueue) stop() {
	close(q.entries)
	<-q.done
}

// exportHandler adapts the queue into the slog fan-out, so exported
// entries carry the record's full attribute set including attributes
// added via Logger.With and WithAttrs.
type exportHandler struct {
	queue *exportQueue
	min   slog.Level
	attrs []slog.Attr
}

func (h *exportHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *exportHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Resolve().Any()
		return true
	})
	h.queue.offer(LogEntry{
		Timestamp: r.Time,
		Level:     levelFromSlog(r.Level),
		Message:   r.Message,
		Service:   h.queue.service,
		Attrs:     attrs,
	})
	return nil
}

func (h *exportHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &exportHandler{queue: h.queue, min: h.min, attrs: merged}
}

func (h *exportHandler) WithGroup(string) slog.Handler {
	// Groups are flattened for export; collectors key on attribute
	// names, not slog group structure.
	return h
}

// =============================================================================
// Built-in exporters
// =============================================================================

// NopExporter discards everything. The default for open-source builds.
type NopExporter struct{}

func (NopExporter) Export(context.Context, LogEntry) error { return nil }
func (NopExporter) Flush(context.Context) error            { return nil }
func (NopExporter) Close() error                           { return nil }

var _ LogExporter = NopExporter{}

// BufferedExporter keeps entries in memory for tests to inspect.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{}
}

func (e *BufferedExporter) Export(_ context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

func (e *BufferedExporter) Flush(context.Context) error { return nil }
func (e *BufferedExporter) Close() error                { return nil }

// Entries returns a copy of everything exported so far.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]LogEntry, len(e.entries))
	copy(result, e.entries)
	return result
}

var _ LogExporter = (*BufferedExporter)(nil)
