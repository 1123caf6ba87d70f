package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sendflowr/timing-engine/internal/domain"
)

// ExplanationLog persists timing decisions to Postgres, append-only. A
// decision is only returned to callers after its row lands, so every decision
// in flight is explainable by ref.
type ExplanationLog struct{ db *sql.DB }

// NewExplanationLog creates a Postgres-backed explanation log.
func NewExplanationLog(db *sql.DB) *ExplanationLog { return &ExplanationLog{db: db} }

// EnsureTables creates the explanation table if missing.
func (l *ExplanationLog) EnsureTables(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS timing_explanations (
			explanation_ref          TEXT PRIMARY KEY,
			decision_id              TEXT NOT NULL,
			universal_id             TEXT NOT NULL,
			target_minute            INTEGER NOT NULL,
			trigger_timestamp_utc    TIMESTAMPTZ NOT NULL,
			latency_estimate_seconds DOUBLE PRECISION NOT NULL,
			confidence_score         DOUBLE PRECISION NOT NULL,
			model_version            TEXT NOT NULL,
			base_curve_peak_minute   INTEGER NOT NULL,
			applied_weights          JSONB NOT NULL DEFAULT '[]',
			suppressed               BOOLEAN NOT NULL DEFAULT FALSE,
			suppression_reason       TEXT NOT NULL DEFAULT '',
			suppression_until        TIMESTAMPTZ,
			hot_path_signal          TEXT NOT NULL DEFAULT '',
			hot_path_weight          DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at               TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure explanation table: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS timing_explanations_uid_idx
		ON timing_explanations (universal_id, created_at DESC)`)
	if err != nil {
		return fmt.Errorf("ensure explanation index: %w", err)
	}
	return nil
}

// Append writes one decision row. Replaying the same explanation_ref is a
// no-op, which keeps retried decision pipelines from double-logging.
func (l *ExplanationLog) Append(ctx context.Context, d domain.TimingDecision) error {
	weights, err := json.Marshal(d.AppliedWeights)
	if err != nil {
		return fmt.Errorf("marshal applied weights: %w", err)
	}
	// The strongest hot-path signal is denormalized into its own columns so
	// analysts can filter without unpacking the jsonb.
	var hotSignal string
	var hotWeight float64
	for _, w := range d.AppliedWeights {
		if w.Magnitude > hotWeight {
			hotSignal, hotWeight = w.Signal, w.Magnitude
		}
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO timing_explanations
			(explanation_ref, decision_id, universal_id, target_minute,
			 trigger_timestamp_utc, latency_estimate_seconds, confidence_score,
			 model_version, base_curve_peak_minute, applied_weights,
			 suppressed, suppression_reason, suppression_until,
			 hot_path_signal, hot_path_weight, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (explanation_ref) DO NOTHING
	`, d.ExplanationRef, d.DecisionID, d.UniversalID, d.TargetMinute,
		d.TriggerTimestampUTC, d.LatencyEstimateSeconds, d.ConfidenceScore,
		d.ModelVersion, d.BaseCurvePeakMinute, weights,
		d.Suppressed, d.SuppressionReason, d.SuppressionUntil,
		hotSignal, hotWeight, d.CreatedAt)
	if err != nil {
		return domain.Wrap(domain.KindBackendUnavailable, err, "append explanation")
	}
	return nil
}

// Get fetches one decision by explanation ref.
func (l *ExplanationLog) Get(ctx context.Context, ref string) (*domain.TimingDecision, error) {
	var d domain.TimingDecision
	var weights []byte
	var until sql.NullTime
	err := l.db.QueryRowContext(ctx, `
		SELECT explanation_ref, decision_id, universal_id, target_minute,
		       trigger_timestamp_utc, latency_estimate_seconds, confidence_score,
		       model_version, base_curve_peak_minute, applied_weights,
		       suppressed, suppression_reason, suppression_until, created_at
		FROM timing_explanations
		WHERE explanation_ref = $1
	`, ref).Scan(
		&d.ExplanationRef, &d.DecisionID, &d.UniversalID, &d.TargetMinute,
		&d.TriggerTimestampUTC, &d.LatencyEstimateSeconds, &d.ConfidenceScore,
		&d.ModelVersion, &d.BaseCurvePeakMinute, &weights,
		&d.Suppressed, &d.SuppressionReason, &until, &d.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindBackendUnavailable, err, "get explanation")
	}
	if err := json.Unmarshal(weights, &d.AppliedWeights); err != nil {
		return nil, fmt.Errorf("unmarshal applied weights: %w", err)
	}
	if until.Valid {
		t := until.Time.UTC()
		d.SuppressionUntil = &t
	}
	return &d, nil
}

// Ping verifies connectivity for the health endpoint.
func (l *ExplanationLog) Ping(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return domain.Wrap(domain.KindBackendUnavailable, err, "postgres ping")
	}
	return nil
}
