// Copyright (C) 2026 Lagrum AI (kontakt@lagrum.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"log/slog"
	"os"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// =============================================================================
// Quality Telemetry
// =============================================================================

// QualitySample captures the quality signals of one answered query.
//
// # Description
//
// A sample records what the pipeline did to produce an answer: which mode
// it ran in, how strong the evidence was, whether it refused, and how much
// repair work the critic loop performed. Samples feed trend dashboards
// (refusal rate per week, revision rate per mode, evidence level drift
// after corpus updates). The sample carries no question text and no answer
// text; only categorical and numeric signals leave the process.
//
// # Fields
//
//   - Mode: Response mode (CHAT, ASSIST, EVIDENCE).
//   - EvidenceLevel: Computed evidence level (HIGH/MEDIUM/LOW/NONE).
//   - SaknasUnderlag: Whether the answer declared missing support.
//   - RefusalReason: Machine-readable refusal reason, empty when answered.
//   - Sources: Number of sources cited in the final answer.
//   - TopScore: Best retrieval score for the run, 0 when nothing retrieved.
//   - CriticRevisions: Revision round-trips the critic loop used.
//   - GenerationRetried: Whether generation needed a strict-format retry.
//   - GuardrailAction: "corrected", "refused", or "" when untouched.
//   - TotalTimeMs: Wall-clock duration of the run.
type QualitySample struct {
	Mode              string
	EvidenceLevel     string
	SaknasUnderlag    bool
	RefusalReason     string
	Sources           int
	TopScore          float64
	CriticRevisions   int
	GenerationRetried bool
	GuardrailAction   string
	TotalTimeMs       int64
}

// qualityMeasurement is the InfluxDB measurement name for answer quality.
const qualityMeasurement = "svarskvalitet"

// QualityRecorder writes per-answer quality samples to InfluxDB.
//
// # Description
//
// The recorder is optional infrastructure: when InfluxDB is not configured
// it degrades to a no-op so the query path never depends on telemetry
// availability. Writes go through the client's non-blocking write API,
// which batches points in the background; a failed write is logged and
// dropped, never surfaced to the caller.
//
// # Thread Safety
//
// Safe for concurrent use. The underlying write API serializes batching
// internally.
//
// # Limitations
//
//   - Points buffered in the async writer are lost on process crash.
//     Quality telemetry is advisory, not an audit log.
type QualityRecorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// NewQualityRecorder creates a quality recorder from environment config.
//
// # Description
//
// Reads INFLUXDB_URL, INFLUXDB_TOKEN, INFLUXDB_ORG (default "lagrum"), and
// INFLUXDB_BUCKET (default "kvalitet"). Returns nil when URL or token is
// unset; a nil recorder is valid and ignores all calls.
//
// # Outputs
//
//   - *QualityRecorder: Configured recorder, or nil when telemetry is off.
//
// # Examples
//
//	recorder := observability.NewQualityRecorder()
//	defer recorder.Close()
//	recorder.Record(sample)
func NewQualityRecorder() *QualityRecorder {
	url := os.Getenv("INFLUXDB_URL")
	token := os.Getenv("INFLUXDB_TOKEN")
	if url == "" || token == "" {
		slog.Info("Quality telemetry disabled (INFLUXDB_URL or INFLUXDB_TOKEN unset)")
		return nil
	}

	org := os.Getenv("INFLUXDB_ORG")
	if org == "" {
		org = "lagrum"
	}

	bucket := os.Getenv("INFLUXDB_BUCKET")
	if bucket == "" {
		bucket = "kvalitet"
	}

	client := influxdb2.NewClient(url, token)
	writeAPI := client.WriteAPI(org, bucket)

	// The async write API reports failures on a channel; drain it so
	// batch errors surface in logs instead of piling up.
	go func() {
		for err := range writeAPI.Errors() {
			slog.Warn("Quality telemetry write failed", "error", err)
		}
	}()

	slog.Info("Quality telemetry enabled", "org", org, "bucket", bucket)

	return &QualityRecorder{
		client:   client,
		writeAPI: writeAPI,
	}
}

// Record submits one quality sample.
//
// # Description
//
// Non-blocking: the point is queued for background batching and the call
// returns immediately. Safe to call on a nil recorder.
//
// # Inputs
//
//   - sample: The quality signals of one completed query run.
func (q *QualityRecorder) Record(sample QualitySample) {
	if q == nil {
		return
	}

	p := influxdb2.NewPointWithMeasurement(qualityMeasurement).
		AddTag("mode", sample.Mode).
		AddTag("evidence_level", sample.EvidenceLevel).
		AddField("saknas_underlag", sample.SaknasUnderlag).
		AddField("refusal_reason", sample.RefusalReason).
		AddField("sources", sample.Sources).
		AddField("top_score", sample.TopScore).
		AddField("critic_revisions", sample.CriticRevisions).
		AddField("generation_retried", sample.GenerationRetried).
		AddField("guardrail_action", sample.GuardrailAction).
		AddField("total_ms", sample.TotalTimeMs).
		SetTime(time.Now())

	q.writeAPI.WritePoint(p)
}

// Close flushes buffered points and releases the client.
//
// Safe to call on a nil recorder.
func (q *QualityRecorder) Close() {
	if q == nil {
		return
	}
	q.writeAPI.Flush()
	q.client.Close()
}
