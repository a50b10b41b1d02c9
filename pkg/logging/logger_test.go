// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Levels
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestLevelFromSlog_RoundTrip(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		if got := levelFromSlog(level.slogLevel()); got != level {
			t.Errorf("levelFromSlog(%v.slogLevel()) = %v", level, got)
		}
	}
}

// =============================================================================
// File sink
// =============================================================================

func TestNew_FileSink_WritesDatedJSON(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "orchestrator",
		Quiet:   true,
	})

	logger.Slog().Info("fråga mottagen",
		"request_id", "req-7",
		"question_chars", 42,
	)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	name := "orchestrator_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}

	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &record); err != nil {
		t.Fatalf("file sink must write JSON: %v", err)
	}
	if record["msg"] != "fråga mottagen" {
		t.Errorf("msg = %v", record["msg"])
	}
	if record["service"] != "orchestrator" {
		t.Errorf("service attribute = %v", record["service"])
	}
	if record["request_id"] != "req-7" {
		t.Errorf("request_id = %v", record["request_id"])
	}
}

func TestNew_FileSink_DefaultServiceName(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Quiet: true})
	logger.Slog().Info("start")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	name := "lagrum_" + time.Now().Format("2006-01-02") + ".log"
	if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
		t.Errorf("expected %s: %v", name, err)
	}
}

func TestNew_UnwritableLogDir_Degrades(t *testing.T) {
	// LogDir colliding with an existing file: the file sink is
	// skipped, the logger still works.
	blocker := filepath.Join(t.TempDir(), "busy")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	logger := New(Config{LogDir: blocker, Service: "orchestrator"})
	if logger.file != nil {
		t.Error("file sink should be nil when LogDir is unusable")
	}
	logger.Slog().Info("still logging")
	if err := logger.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

// =============================================================================
// Export path
// =============================================================================

func TestExporter_ReceivesRecordsWithAttrs(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelInfo,
		Service:  "orchestrator",
		Quiet:    true,
		Exporter: exporter,
	})

	logger.Slog().With("request_id", "req-9").Warn("omskrivning misslyckades",
		"strategy", "rewrite_v1",
	)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries := exporter.Entries()
	if len(entries) != 1 {
		t.Fatalf("exported %d entries, want 1", len(entries))
	}
	entry := entries[0]
	if entry.Level != LevelWarn {
		t.Errorf("Level = %v", entry.Level)
	}
	if entry.Message != "omskrivning misslyckades" {
		t.Errorf("Message = %q", entry.Message)
	}
	if entry.Service != "orchestrator" {
		t.Errorf("Service = %q", entry.Service)
	}
	// With-attributes must survive into the export, not only the
	// call-site ones.
	if entry.Attrs["request_id"] != "req-9" {
		t.Errorf("Attrs[request_id] = %v", entry.Attrs["request_id"])
	}
	if entry.Attrs["strategy"] != "rewrite_v1" {
		t.Errorf("Attrs[strategy] = %v", entry.Attrs["strategy"])
	}
}

func TestExporter_LevelFilterApplies(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelWarn,
		Quiet:    true,
		Exporter: exporter,
	})

	logger.Slog().Info("filtreras bort")
	logger.Slog().Error("exporteras")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries := exporter.Entries()
	if len(entries) != 1 {
		t.Fatalf("exported %d entries, want 1", len(entries))
	}
	if entries[0].Message != "exporteras" {
		t.Errorf("Message = %q", entries[0].Message)
	}
}

func TestExportQueue_OfferNeverBlocks(t *testing.T) {
	// A stalled exporter must not stall logging: once the buffer is
	// full, offer drops.
	gate := make(chan struct{})
	slow := &gatedExporter{gate: gate}
	q := newExportQueue(slow, "test")

	for i := 0; i < exportBuffer+16; i++ {
		q.offer(LogEntry{Message: "entry"})
	}

	close(gate)
	q.stop()

	if got := slow.count(); got > exportBuffer+1 {
		t.Errorf("delivered %d entries, buffer is %d", got, exportBuffer)
	}
}

func TestClose_StopsQueueThenFlushesExporter(t *testing.T) {
	exporter := &recordingExporter{}
	logger := New(Config{Quiet: true, Exporter: exporter})

	logger.Slog().Info("en")
	logger.Slog().Info("två")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if exporter.exported != 2 {
		t.Errorf("exported %d entries before shutdown, want 2", exporter.exported)
	}
	if !exporter.flushed || !exporter.closed {
		t.Errorf("flushed=%v closed=%v, want both", exporter.flushed, exporter.closed)
	}

	// Second Close is a no-op, not a double shutdown.
	if err := logger.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if exporter.closeCalls != 1 {
		t.Errorf("Close called %d times on exporter", exporter.closeCalls)
	}
}

// =============================================================================
// Fan-out handler
// =============================================================================

func TestFanout_DeliversToAllEnabledSinks(t *testing.T) {
	var info, warnOnly bytes.Buffer
	h := fanoutHandler{
		slog.NewJSONHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&warnOnly, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}
	logger := slog.New(h)

	logger.Info("bara info")
	logger.Warn("båda")

	if got := strings.Count(info.String(), "\n"); got != 2 {
		t.Errorf("info sink got %d records, want 2", got)
	}
	if got := strings.Count(warnOnly.String(), "\n"); got != 1 {
		t.Errorf("warn sink got %d records, want 1", got)
	}
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("fanout should be enabled when any sink is")
	}
}

func TestFanout_WithAttrsReachesEverySink(t *testing.T) {
	var a, b bytes.Buffer
	h := fanoutHandler{
		slog.NewJSONHandler(&a, nil),
		slog.NewJSONHandler(&b, nil),
	}
	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("service", "cli")}))

	logger.Info("hej")

	for name, buf := range map[string]*bytes.Buffer{"a": &a, "b": &b} {
		if !strings.Contains(buf.String(), `"service":"cli"`) {
			t.Errorf("sink %s missing service attribute: %s", name, buf.String())
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	if got := expandPath("~/.lagrum/logs"); got != filepath.Join(home, ".lagrum/logs") {
		t.Errorf("expandPath(~...) = %q", got)
	}
	if got := expandPath("/var/log/lagrum"); got != "/var/log/lagrum" {
		t.Errorf("absolute path changed: %q", got)
	}
	if got := expandPath(""); got != "" {
		t.Errorf("empty path changed: %q", got)
	}
}

func TestBufferedExporter_EntriesReturnsCopy(t *testing.T) {
	exporter := NewBufferedExporter()
	_ = exporter.Export(context.Background(), LogEntry{Message: "original"})

	entries := exporter.Entries()
	entries[0].Message = "ändrad"

	if exporter.Entries()[0].Message != "original" {
		t.Error("Entries must return a copy")
	}
}

// =============================================================================
// Test exporters
// =============================================================================

// gatedExporter blocks every Export until the gate closes.
type gatedExporter struct {
	gate      chan struct{}
	mu        sync.Mutex
	delivered int
}

func (e *gatedExporter) Export(context.Context, LogEntry) error {
	<-e.gate
	e.mu.Lock()
	e.delivered++
	e.mu.Unlock()
	return nil
}

func (e *gatedExporter) Flush(context.Context) error { return nil }
func (e *gatedExporter) Close() error                { return nil }

func (e *gatedExporter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delivered
}

// recordingExporter tracks lifecycle calls.
type recordingExporter struct {
	mu         sync.Mutex
	exported   int
	flushed    bool
	closed     bool
	closeCalls int
}

func (e *recordingExporter) Export(context.Context, LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exported++
	return nil
}

func (e *recordingExporter) Flush(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushed = true
	return nil
}

func (e *recordingExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.closeCalls++
	return nil
}
