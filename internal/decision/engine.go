package decision

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/sendflowr/timing-engine/internal/domain"
	"github.com/sendflowr/timing-engine/internal/features"
	"github.com/sendflowr/timing-engine/internal/pkg/logger"
	"github.com/sendflowr/timing-engine/internal/timing"
)

// FeatureProvider serves the engagement feature set for one recipient.
type FeatureProvider interface {
	Get(ctx context.Context, universalID string) (*features.FeatureSet, error)
}

// SignalSource pulls recent context events for hot paths and circuit
// breakers. A zero `since` means no recency cutoff.
type SignalSource interface {
	ContextSignals(ctx context.Context, universalID string, types []domain.EventType, since time.Time) ([]domain.ContextSignal, error)
}

// ExplanationSink persists one decision row. Appending must be atomic; the
// engine returns nothing it could not persist.
type ExplanationSink interface {
	Append(ctx context.Context, d domain.TimingDecision) error
}

// DecisionCache optionally caches emitted decisions. Failures here degrade
// to a log line, never a decision failure.
type DecisionCache interface {
	StoreDecision(ctx context.Context, d domain.TimingDecision) error
}

// Request asks for one timing decision. The Universal ID is already
// resolved; the API layer owns identity resolution.
type Request struct {
	UniversalID            string
	SendAfter              *time.Time
	SendBefore             *time.Time
	LatencyEstimateSeconds *float64

	// Latency predictor features, all optional.
	ESP                string
	CampaignType       string
	PayloadSizeBytes   int64
	QueueDepthEstimate int64
}

// Config tunes the decision pipeline. Zero values take the defaults below.
type Config struct {
	DefaultLatencySeconds float64
	LatencyClampMin       float64
	LatencyClampMax       float64
	HotPathWindowMinutes  int
	AccelWindowMinutes    int
	HotPathTypes          []domain.EventType
	BreakerWindows        map[domain.EventType]time.Duration // 0 = permanent
	PermanentHorizon      time.Duration
	ModelVersion          string
}

func (c Config) withDefaults() Config {
	if c.DefaultLatencySeconds == 0 {
		c.DefaultLatencySeconds = 120
	}
	if c.LatencyClampMin == 0 {
		c.LatencyClampMin = 1
	}
	if c.LatencyClampMax == 0 {
		c.LatencyClampMax = 3600
	}
	if c.HotPathWindowMinutes == 0 {
		c.HotPathWindowMinutes = 30
	}
	if c.AccelWindowMinutes == 0 {
		c.AccelWindowMinutes = 60
	}
	if c.HotPathTypes == nil {
		c.HotPathTypes = []domain.EventType{
			domain.EventSiteVisit,
			domain.EventSmsClick,
			domain.EventProductView,
			domain.EventCartAdd,
			domain.EventSearchPerformed,
		}
	}
	if c.BreakerWindows == nil {
		c.BreakerWindows = map[domain.EventType]time.Duration{
			domain.EventSupportTicket:      48 * time.Hour,
			domain.EventComplaint:          48 * time.Hour,
			domain.EventUnsubscribeRequest: 168 * time.Hour,
			domain.EventSpamReport:         0,
		}
	}
	if c.PermanentHorizon == 0 {
		c.PermanentHorizon = 10 * 365 * 24 * time.Hour
	}
	if c.ModelVersion == "" {
		c.ModelVersion = "heuristic_v1"
	}
	return c
}

// Engine runs the decision pipeline.
type Engine struct {
	feats        FeatureProvider
	signals      SignalSource
	explanations ExplanationSink
	cache        DecisionCache // optional

	latency LatencyPredictor      // optional port
	weights SignalWeightPredictor // optional port
	cohort  CohortPrior           // optional port

	cfg Config
	now func() time.Time
}

// SetCohortPrior installs a cold-start fallback curve source. Without one,
// cold-start recipients keep the uniform curve.
func (e *Engine) SetCohortPrior(p CohortPrior) { e.cohort = p }

// NewEngine wires the decision pipeline. latency, weights, and cache may be
// nil; heuristics and no-op caching apply.
func NewEngine(feats FeatureProvider, signals SignalSource, explanations ExplanationSink, cache DecisionCache, latency LatencyPredictor, weights SignalWeightPredictor, cfg Config) *Engine {
	return &Engine{
		feats:        feats,
		signals:      signals,
		explanations: explanations,
		cache:        cache,
		latency:      latency,
		weights:      weights,
		cfg:          cfg.withDefaults(),
		now:          time.Now,
	}
}

// Decide produces one timing decision. Nothing is returned that was not
// first persisted to the explanation log.
func (e *Engine) Decide(ctx context.Context, req Request) (*domain.TimingDecision, error) {
	now := e.now().UTC()

	if req.UniversalID == "" {
		return nil, domain.E(domain.KindInvalidInput, "universal_id is required")
	}
	if req.SendAfter != nil && req.SendBefore != nil && req.SendBefore.Before(*req.SendAfter) {
		return nil, domain.E(domain.KindInvalidInput, "send_before precedes send_after")
	}
	if req.SendBefore != nil && req.SendBefore.Before(now) {
		return nil, domain.E(domain.KindWindowExpired, "window ends at %s, before now", req.SendBefore.UTC().Format(time.RFC3339))
	}

	fs, err := e.feats.Get(ctx, req.UniversalID)
	if err != nil {
		return nil, domain.Wrap(domain.KindCurveUnavailable, err, "engagement curve for %s", req.UniversalID)
	}

	// Cold-start recipients have no curve of their own; a cohort prior, when
	// installed, replaces the uniform fallback.
	base := fs.Curve
	if e.cohort != nil && fs.Source == features.SourceColdStart {
		prior, perr := e.cohort.Prior(ctx, req.CampaignType)
		if perr != nil {
			logger.Warn("cohort prior unavailable", "cohort", req.CampaignType, "error", perr.Error())
		} else if prior != nil {
			base = prior
		}
	}

	latency, predictorWarning := e.estimateLatency(ctx, req, now)

	// Circuit breakers override everything else.
	suppressedUntil, reason, err := e.activeBreaker(ctx, req.UniversalID, now)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		d := e.newDecision(req.UniversalID, now)
		d.Suppressed = true
		d.SuppressionReason = reason
		d.SuppressionUntil = &suppressedUntil
		d.TargetMinute = timing.SlotOf(suppressedUntil)
		d.TriggerTimestampUTC = suppressedUntil
		d.LatencyEstimateSeconds = latency
		d.ConfidenceScore = fs.Confidence
		d.BaseCurvePeakMinute = base.Peak()
		d.PredictorWarning = predictorWarning
		return e.persist(ctx, d)
	}

	// searchStart is the first whole-minute instant an arrival can land on:
	// at or after SendAfter, and far enough out that triggering immediately
	// still beats the send latency. Slot windows below all open here, never
	// at the current minute, which may already be partially elapsed.
	latencyDur := time.Duration(latency * float64(time.Second))
	effectiveAfter := now
	if req.SendAfter != nil && req.SendAfter.After(now) {
		effectiveAfter = req.SendAfter.UTC()
	}
	searchStart := effectiveAfter
	if earliest := now.Add(latencyDur); earliest.After(searchStart) {
		searchStart = earliest
	}
	searchStart = ceilMinute(searchStart)
	if req.SendBefore != nil && searchStart.After(*req.SendBefore) {
		return nil, domain.E(domain.KindWindowExpired,
			"window ends at %s, inside the send latency", req.SendBefore.UTC().Format(time.RFC3339))
	}

	applied, omega, err := e.accelerationWeights(ctx, req.UniversalID, now, timing.SlotOf(searchStart))
	if err != nil {
		return nil, err
	}

	curve := base.Clone()
	if omega != nil {
		if err := curve.ApplyWeights(omega); err != nil {
			return nil, domain.Wrap(domain.KindInvalidInput, err, "apply weights")
		}
	}

	// A bounded window narrower than a week clips the curve to its slot
	// footprint in the earliest viable week; wider windows already cover
	// every slot.
	if req.SendBefore != nil && req.SendBefore.Sub(searchStart) < timing.MinutesPerWeek*time.Minute {
		curve.ClipToWindow(timing.SlotOf(searchStart), timing.SlotOf(*req.SendBefore))
	}

	if curve.Suppressed() {
		d := e.newDecision(req.UniversalID, now)
		d.Suppressed = true
		d.SuppressionReason = "curve_collapsed"
		d.TargetMinute = timing.SlotOf(now)
		d.TriggerTimestampUTC = now
		d.LatencyEstimateSeconds = latency
		d.ConfidenceScore = 0
		d.BaseCurvePeakMinute = base.Peak()
		d.AppliedWeights = applied
		d.PredictorWarning = predictorWarning
		return e.persist(ctx, d)
	}

	targetSlot := curve.Peak()
	targetInstant := timing.NextOccurrenceAfter(targetSlot, searchStart)
	if req.SendBefore != nil && targetInstant.After(*req.SendBefore) {
		// The global peak's next occurrence overshoots the window; fall back
		// to the best slot reachable inside it.
		targetSlot, _ = curve.PeakInWindow(timing.SlotOf(searchStart), timing.SlotOf(*req.SendBefore))
		targetInstant = timing.NextOccurrenceAfter(targetSlot, searchStart)
		if targetInstant.After(*req.SendBefore) {
			return nil, domain.E(domain.KindWindowExpired,
				"no reachable occurrence of slot %d before %s", targetSlot, req.SendBefore.UTC().Format(time.RFC3339))
		}
	}
	// searchStart already accounts for latency, so the trigger never lands
	// before now.
	trigger := targetInstant.Add(-latencyDur)

	confidence := curve.Confidence() * math.Min(1, float64(fs.Counters.ClickCount7d)/10)
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	d := e.newDecision(req.UniversalID, now)
	d.TargetMinute = targetSlot
	d.TriggerTimestampUTC = trigger
	d.LatencyEstimateSeconds = latency
	d.ConfidenceScore = confidence
	d.BaseCurvePeakMinute = base.Peak()
	d.AppliedWeights = applied
	d.PredictorWarning = predictorWarning
	return e.persist(ctx, d)
}

func (e *Engine) newDecision(universalID string, now time.Time) *domain.TimingDecision {
	id := uuid.New().String()
	return &domain.TimingDecision{
		DecisionID:     "dec_" + id[:8],
		UniversalID:    universalID,
		ModelVersion:   e.cfg.ModelVersion,
		ExplanationRef: "exp_" + id,
		CreatedAt:      now,
	}
}

// persist writes the explanation row, then best-effort caches the decision.
// A failed append discards the decision entirely.
func (e *Engine) persist(ctx context.Context, d *domain.TimingDecision) (*domain.TimingDecision, error) {
	if err := e.explanations.Append(ctx, *d); err != nil {
		return nil, err
	}
	if e.cache != nil {
		if err := e.cache.StoreDecision(ctx, *d); err != nil {
			logger.Warn("decision cache write failed", "decision_id", d.DecisionID, "error", err.Error())
		}
	}
	return d, nil
}

func (e *Engine) estimateLatency(ctx context.Context, req Request, now time.Time) (float64, string) {
	var latency float64
	var warning string
	switch {
	case req.LatencyEstimateSeconds != nil:
		latency = *req.LatencyEstimateSeconds
	case e.latency != nil:
		v, err := e.latency.PredictLatency(ctx, LatencyFeatures{
			ESP:                req.ESP,
			HourOfDay:          now.Hour(),
			Minute:             now.Minute(),
			DayOfWeek:          (int(now.Weekday()) + 6) % 7,
			CampaignType:       req.CampaignType,
			PayloadSizeBytes:   req.PayloadSizeBytes,
			QueueDepthEstimate: req.QueueDepthEstimate,
		})
		if err != nil {
			warning = "predictor_unavailable: latency fallback to default"
			latency = e.cfg.DefaultLatencySeconds
			logger.Warn("latency predictor failed", "error", err.Error())
		} else {
			latency = v
		}
	default:
		warning = "predictor_unavailable: no latency predictor loaded"
		latency = e.cfg.DefaultLatencySeconds
	}

	if latency < e.cfg.LatencyClampMin {
		latency = e.cfg.LatencyClampMin
	}
	if latency > e.cfg.LatencyClampMax {
		latency = e.cfg.LatencyClampMax
	}
	return latency, warning
}

// activeBreaker returns the suppression horizon and reason if any circuit
// breaker is live at `now`. The latest-expiring breaker wins.
func (e *Engine) activeBreaker(ctx context.Context, universalID string, now time.Time) (time.Time, string, error) {
	types := make([]domain.EventType, 0, len(e.cfg.BreakerWindows))
	var maxWindow time.Duration
	permanent := false
	for t, w := range e.cfg.BreakerWindows {
		types = append(types, t)
		if w == 0 {
			permanent = true
		} else if w > maxWindow {
			maxWindow = w
		}
	}
	if len(types) == 0 {
		return time.Time{}, "", nil
	}

	since := now.Add(-maxWindow)
	if permanent {
		since = time.Time{} // spam reports never age out
	}
	sigs, err := e.signals.ContextSignals(ctx, universalID, types, since)
	if err != nil {
		return time.Time{}, "", err
	}

	var until time.Time
	var reason string
	for _, sig := range sigs {
		w, ok := e.cfg.BreakerWindows[sig.EventType]
		if !ok {
			continue
		}
		var expiry time.Time
		if w == 0 {
			expiry = now.Add(e.cfg.PermanentHorizon)
		} else {
			expiry = sig.Timestamp.Add(w)
		}
		if expiry.Before(now) {
			continue
		}
		if expiry.After(until) {
			until = expiry
			reason = string(sig.EventType)
		}
	}
	return until, reason, nil
}

// ceilMinute rounds t up to the next whole-minute boundary.
func ceilMinute(t time.Time) time.Time {
	r := t.Truncate(time.Minute)
	if r.Before(t) {
		r = r.Add(time.Minute)
	}
	return r
}

// accelerationWeights scores recent hot-path events and spreads their summed
// weight over the acceleration window opening at startSlot, the first slot a
// send can still reach.
func (e *Engine) accelerationWeights(ctx context.Context, universalID string, now time.Time, startSlot int) ([]domain.AppliedWeight, []float64, error) {
	since := now.Add(-time.Duration(e.cfg.HotPathWindowMinutes) * time.Minute)
	sigs, err := e.signals.ContextSignals(ctx, universalID, e.cfg.HotPathTypes, since)
	if err != nil {
		return nil, nil, err
	}
	if len(sigs) == 0 {
		return nil, nil, nil
	}

	var applied []domain.AppliedWeight
	var total float64
	for _, sig := range sigs {
		minutesAgo := now.Sub(sig.Timestamp).Minutes()
		var w float64
		if e.weights != nil {
			w, err = e.weights.PredictWeight(ctx, sig.EventType, minutesAgo)
			if err != nil {
				return nil, nil, domain.Wrap(domain.KindPredictorUnavailable, err, "signal weight for %s", sig.EventType)
			}
		} else {
			w, _ = HeuristicSignalWeight{}.PredictWeight(ctx, sig.EventType, minutesAgo)
		}
		if w < 0 {
			w = 0 // acceleration only
		}
		applied = append(applied, domain.AppliedWeight{
			Signal:     string(sig.EventType),
			Magnitude:  w,
			MinutesAgo: minutesAgo,
		})
		total += w
	}
	if total == 0 {
		return applied, nil, nil
	}

	omega := make([]float64, timing.MinutesPerWeek)
	for d := 0; d < e.cfg.AccelWindowMinutes; d++ {
		omega[(startSlot+d)%timing.MinutesPerWeek] = total
	}
	return applied, omega, nil
}
