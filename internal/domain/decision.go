package domain

import "time"

// AppliedWeight records one contextual reweighting applied to a curve.
type AppliedWeight struct {
	Signal     string  `json:"signal"`
	Magnitude  float64 `json:"magnitude"`
	MinutesAgo float64 `json:"minutes_ago"`
}

// TimingDecision is the append-only output of the decision engine: the UTC
// instant at which the delivery gateway should fire so the message arrives
// at TargetMinute.
type TimingDecision struct {
	DecisionID             string          `json:"decision_id"`
	UniversalID            string          `json:"universal_id"`
	TargetMinute           int             `json:"target_minute"`
	TriggerTimestampUTC    time.Time       `json:"trigger_timestamp_utc"`
	LatencyEstimateSeconds float64         `json:"latency_estimate_seconds"`
	ConfidenceScore        float64         `json:"confidence_score"`
	ModelVersion           string          `json:"model_version"`
	BaseCurvePeakMinute    int             `json:"base_curve_peak_minute"`
	AppliedWeights         []AppliedWeight `json:"applied_weights"`
	Suppressed             bool            `json:"suppressed"`
	SuppressionReason      string          `json:"suppression_reason,omitempty"`
	SuppressionUntil       *time.Time      `json:"suppression_until,omitempty"`
	ExplanationRef         string          `json:"explanation_ref"`
	CreatedAt              time.Time       `json:"created_at_utc"`

	// PredictorWarning is set when a predictor port was unavailable and a
	// heuristic fallback was used. Surfaced as a warning, not a failure.
	PredictorWarning string `json:"predictor_warning,omitempty"`
}

// PeakWindow is one entry of the top-K peak summary kept for diagnostics.
type PeakWindow struct {
	MinuteSlot  int     `json:"minute_slot"`
	Probability float64 `json:"probability"`
	Readable    string  `json:"readable"`
}
