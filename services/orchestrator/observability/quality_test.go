// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"
)

// ============================================================================
// QualityRecorder Tests
// ============================================================================

func TestNewQualityRecorder_DisabledWithoutURL(t *testing.T) {
	t.Setenv("INFLUXDB_URL", "")
	t.Setenv("INFLUXDB_TOKEN", "token")

	recorder := NewQualityRecorder()
	if recorder != nil {
		t.Error("expected nil recorder when INFLUXDB_URL is unset")
	}
}

func TestNewQualityRecorder_DisabledWithoutToken(t *testing.T) {
	t.Setenv("INFLUXDB_URL", "http://localhost:8086")
	t.Setenv("INFLUXDB_TOKEN", "")

	recorder := NewQualityRecorder()
	if recorder != nil {
		t.Error("expected nil recorder when INFLUXDB_TOKEN is unset")
	}
}

func TestNewQualityRecorder_EnabledWithConfig(t *testing.T) {
	t.Setenv("INFLUXDB_URL", "http://localhost:9")
	t.Setenv("INFLUXDB_TOKEN", "test-token")
	t.Setenv("INFLUXDB_ORG", "lagrum-test")
	t.Setenv("INFLUXDB_BUCKET", "kvalitet-test")

	recorder := NewQualityRecorder()
	if recorder == nil {
		t.Fatal("expected non-nil recorder when InfluxDB is configured")
	}

	// Record queues the point without touching the network; this must not
	// panic or block even though the URL is unreachable.
	recorder.Record(QualitySample{
		Mode:            "EVIDENCE",
		EvidenceLevel:   "HIGH",
		Sources:         2,
		TopScore:        0.91,
		CriticRevisions: 1,
		TotalTimeMs:     4200,
	})
}

func TestQualityRecorder_NilSafe(t *testing.T) {
	var recorder *QualityRecorder

	// All methods must be no-ops on a nil recorder.
	recorder.Record(QualitySample{Mode: "CHAT"})
	recorder.Close()
}
