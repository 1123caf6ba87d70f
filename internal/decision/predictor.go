// Package decision turns an engagement curve plus real-time context into a
// latency-compensated trigger instant, with an explanation row persisted for
// every decision emitted.
package decision

import (
	"context"
	"math"

	"github.com/sendflowr/timing-engine/internal/domain"
	"github.com/sendflowr/timing-engine/internal/timing"
)

// LatencyFeatures is the input to the latency predictor port.
type LatencyFeatures struct {
	ESP                string
	HourOfDay          int
	Minute             int
	DayOfWeek          int // Monday = 0
	CampaignType       string
	PayloadSizeBytes   int64
	QueueDepthEstimate int64
}

// LatencyPredictor estimates seconds between gateway trigger and inbox
// arrival. Model-backed implementations plug in here; the engine falls back
// to HeuristicLatency when the port is unset or fails.
type LatencyPredictor interface {
	PredictLatency(ctx context.Context, f LatencyFeatures) (float64, error)
}

// SignalWeightPredictor scores one hot-path event into an acceleration
// weight ω ≥ 0.
type SignalWeightPredictor interface {
	PredictWeight(ctx context.Context, eventType domain.EventType, minutesAgo float64) (float64, error)
}

// CohortPrior supplies a fallback curve for recipients with no history,
// keyed by campaign cohort. Optional; when unset, cold-start users get the
// uniform curve.
type CohortPrior interface {
	Prior(ctx context.Context, cohort string) (*timing.Curve, error)
}

const (
	heuristicBaseLatency = 120.0
	heuristicMaxLatency  = 900.0

	hotPathBaseWeight  = 2.0
	hotPathDecayMinute = 15.0
)

// HeuristicLatency is the default latency estimate when no model is loaded.
// Deliveries triggered at the top of the hour or during morning and evening
// rush queue longer; large payloads add transfer time.
type HeuristicLatency struct{}

func (HeuristicLatency) PredictLatency(_ context.Context, f LatencyFeatures) (float64, error) {
	latency := heuristicBaseLatency
	// ESP queues drain slowest right after cron-aligned blasts.
	if f.Minute < 5 {
		latency *= 1.8
	}
	switch f.HourOfDay {
	case 8, 9, 18, 19:
		latency *= 1.5
	}
	if f.PayloadSizeBytes > 0 {
		latency += float64(f.PayloadSizeBytes) / 10_000
	}
	if f.QueueDepthEstimate > 0 {
		latency += float64(f.QueueDepthEstimate) * 0.05
	}
	if latency > heuristicMaxLatency {
		latency = heuristicMaxLatency
	}
	return latency, nil
}

// HeuristicSignalWeight scores hot-path events as 2·exp(−minutes/15),
// acceleration only.
type HeuristicSignalWeight struct{}

func (HeuristicSignalWeight) PredictWeight(_ context.Context, _ domain.EventType, minutesAgo float64) (float64, error) {
	if minutesAgo < 0 {
		minutesAgo = 0
	}
	return hotPathBaseWeight * math.Exp(-minutesAgo/hotPathDecayMinute), nil
}

// HeuristicCohortPrior is a hand-tuned cold-start curve: weekday morning and
// evening bumps, a flatter weekend. Install with Engine.SetCohortPrior.
type HeuristicCohortPrior struct{}

func (HeuristicCohortPrior) Prior(_ context.Context, _ string) (*timing.Curve, error) {
	hist := make([]float64, timing.MinutesPerWeek)
	for slot := range hist {
		day := slot / timing.MinutesPerDay
		hour := (slot % timing.MinutesPerDay) / timing.MinutesPerHour
		w := 1.0
		switch {
		case hour >= 8 && hour < 11:
			w = 3.0
		case hour >= 18 && hour < 21:
			w = 2.5
		case hour < 6:
			w = 0.2
		}
		if day >= 5 { // weekend
			w *= 0.7
		}
		hist[slot] = w
	}
	return timing.FromVector(timing.SmoothCircular(hist, 30))
}

// CalibrateConfidence shrinks a raw model confidence toward 0.5 when the
// sample size is small, sigmoid-gated around ten samples. Model-backed
// predictor implementations apply this before reporting confidence; the
// engine's own decision confidence formula is unaffected.
func CalibrateConfidence(raw float64, sampleSize int) float64 {
	if raw < 0 {
		raw = 0
	}
	if raw > 1 {
		raw = 1
	}
	gate := 1 / (1 + math.Exp(-(float64(sampleSize)-10)/4))
	return 0.5 + (raw-0.5)*gate
}
