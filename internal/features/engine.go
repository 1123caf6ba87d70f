// Package features computes per-recipient engagement features: the weekly
// probability curve, recency/frequency counters, and the peak-window summary
// the decision engine consumes.
package features

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sendflowr/timing-engine/internal/domain"
	"github.com/sendflowr/timing-engine/internal/pkg/logger"
	"github.com/sendflowr/timing-engine/internal/timing"
)

// CurveSource identifies which event stream produced a feature set.
const (
	SourceClicked   = "clicked"
	SourceOpened    = "opened"
	SourceColdStart = "cold_start"
)

// FeatureSet is one recipient's computed engagement features. The curve is
// always present; cold-start users get the uniform curve with confidence 0.
type FeatureSet struct {
	UniversalID string                    `json:"universal_id"`
	Curve       *timing.Curve             `json:"-"`
	Counters    domain.EngagementCounters `json:"counters"`
	Confidence  float64                   `json:"confidence"`
	SampleSize  int                       `json:"sample_size"`
	Source      string                    `json:"source"`
	Degraded    bool                      `json:"degraded"`
	PeakWindows []domain.PeakWindow       `json:"peak_windows"`
	ComputedAt  time.Time                 `json:"computed_at_utc"`
}

// EventSource is the slice of the event store the engine reads.
type EventSource interface {
	EventTimestamps(ctx context.Context, universalID string, eventType domain.EventType, since time.Time) ([]time.Time, error)
	Counters(ctx context.Context, universalID string, now time.Time) (*domain.EngagementCounters, error)
	ActiveUsers(ctx context.Context, since time.Time, minEvents int) ([]string, error)
}

// Config tunes feature computation. Zero values take the defaults below.
type Config struct {
	LookbackDays        int              // event history window, default 90
	PrimaryEventType    domain.EventType // histogram event stream, default clicked
	MinClicks           int              // below this, fall back to opens, default 5
	LaplaceAlpha        float64          // prior mass spread over the week, default 1.0
	SmoothingSigma      float64          // gaussian sigma in minutes, default 30
	TopK                int              // peak windows kept in the summary, default 5
	RecencyHalfLifeDays float64          // 0 disables recency weighting
	BatchMinEvents      int              // activity floor for batch recompute, default 3
	BatchWorkers        int              // parallel recomputes in a batch, default 8
}

func (c Config) withDefaults() Config {
	if c.LookbackDays == 0 {
		c.LookbackDays = 90
	}
	if c.PrimaryEventType == "" {
		c.PrimaryEventType = domain.EventClicked
	}
	if c.MinClicks == 0 {
		c.MinClicks = 5
	}
	if c.LaplaceAlpha == 0 {
		c.LaplaceAlpha = 1.0
	}
	if c.SmoothingSigma == 0 {
		c.SmoothingSigma = 30
	}
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.BatchMinEvents == 0 {
		c.BatchMinEvents = 3
	}
	if c.BatchWorkers == 0 {
		c.BatchWorkers = 8
	}
	return c
}

// Engine computes feature sets from the event store.
type Engine struct {
	events EventSource
	cfg    Config
	now    func() time.Time
}

// NewEngine creates a feature engine over an event source.
func NewEngine(events EventSource, cfg Config) *Engine {
	return &Engine{events: events, cfg: cfg.withDefaults(), now: time.Now}
}

// Compute builds a fresh feature set for one recipient. Suspected-bot events
// never reach this code; the event source filters them.
func (e *Engine) Compute(ctx context.Context, universalID string) (*FeatureSet, error) {
	now := e.now().UTC()
	since := now.AddDate(0, 0, -e.cfg.LookbackDays)

	primary, err := e.events.EventTimestamps(ctx, universalID, e.cfg.PrimaryEventType, since)
	if err != nil {
		return nil, err
	}

	samples := primary
	source := string(e.cfg.PrimaryEventType)
	degraded := false
	if len(primary) < e.cfg.MinClicks && e.cfg.PrimaryEventType != domain.EventOpened {
		opens, err := e.events.EventTimestamps(ctx, universalID, domain.EventOpened, since)
		if err != nil {
			return nil, err
		}
		if len(opens) > len(primary) {
			samples = opens
			source = SourceOpened
			degraded = true
		}
	}

	counters, err := e.events.Counters(ctx, universalID, now)
	if err != nil {
		return nil, err
	}

	fs := &FeatureSet{
		UniversalID: universalID,
		Counters:    *counters,
		SampleSize:  len(samples),
		Source:      source,
		Degraded:    degraded,
		ComputedAt:  now,
	}

	if len(samples) == 0 {
		fs.Curve = timing.Uniform()
		fs.Source = SourceColdStart
		fs.Confidence = 0
		fs.Degraded = true
		fs.PeakWindows = e.peakWindows(fs.Curve)
		return fs, nil
	}

	curve, err := e.curveFromSamples(samples, now)
	if err != nil {
		return nil, err
	}
	fs.Curve = curve
	fs.Confidence = curve.Confidence()
	fs.PeakWindows = e.peakWindows(curve)
	return fs, nil
}

// curveFromSamples builds histogram → Laplace prior → circular smoothing →
// normalized curve. Recency weighting is optional and off by default.
func (e *Engine) curveFromSamples(samples []time.Time, now time.Time) (*timing.Curve, error) {
	hist := make([]float64, timing.MinutesPerWeek)
	for _, ts := range samples {
		w := 1.0
		if e.cfg.RecencyHalfLifeDays > 0 {
			ageDays := now.Sub(ts).Hours() / 24
			w = math.Exp(-math.Ln2 * ageDays / e.cfg.RecencyHalfLifeDays)
		}
		hist[timing.SlotOf(ts)] += w
	}

	prior := e.cfg.LaplaceAlpha / float64(timing.MinutesPerWeek)
	for i := range hist {
		hist[i] += prior
	}

	smoothed := timing.SmoothCircular(hist, e.cfg.SmoothingSigma)
	return timing.FromVector(smoothed)
}

// peakWindows returns the top-K slots by probability with readable labels,
// highest first; ties break to the smaller slot.
func (e *Engine) peakWindows(curve *timing.Curve) []domain.PeakWindow {
	probs := curve.Probabilities()
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		if probs[idx[a]] != probs[idx[b]] {
			return probs[idx[a]] > probs[idx[b]]
		}
		return idx[a] < idx[b]
	})

	k := e.cfg.TopK
	if k > len(idx) {
		k = len(idx)
	}
	out := make([]domain.PeakWindow, 0, k)
	for _, s := range idx[:k] {
		out = append(out, domain.PeakWindow{
			MinuteSlot:  s,
			Probability: probs[s],
			Readable:    timing.ReadableLabel(s),
		})
	}
	return out
}

// BatchResult summarizes one ComputeAllActive run.
type BatchResult struct {
	Total     int `json:"total"`
	Computed  int `json:"computed"`
	Failed    int `json:"failed"`
	ElapsedMs int `json:"elapsed_ms"`
}

// ComputeAllActive recomputes and stores features for every user with enough
// recent activity. Failures are logged and counted, never fatal to the batch.
func (e *Engine) ComputeAllActive(ctx context.Context, store func(ctx context.Context, fs *FeatureSet) error) (*BatchResult, error) {
	start := e.now()
	since := start.UTC().AddDate(0, 0, -e.cfg.LookbackDays)
	users, err := e.events.ActiveUsers(ctx, since, e.cfg.BatchMinEvents)
	if err != nil {
		return nil, err
	}

	var computed, failed int64
	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.BatchWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for uid := range jobs {
				fs, err := e.Compute(ctx, uid)
				if err == nil && store != nil {
					err = store(ctx, fs)
				}
				if err != nil {
					atomic.AddInt64(&failed, 1)
					logger.Warn("batch feature compute failed", "universal_id", uid, "error", err.Error())
					continue
				}
				atomic.AddInt64(&computed, 1)
			}
		}()
	}

loop:
	for _, uid := range users {
		select {
		case <-ctx.Done():
			break loop
		case jobs <- uid:
		}
	}
	close(jobs)
	wg.Wait()

	res := &BatchResult{
		Total:     len(users),
		Computed:  int(atomic.LoadInt64(&computed)),
		Failed:    int(atomic.LoadInt64(&failed)),
		ElapsedMs: int(time.Since(start).Milliseconds()),
	}
	logger.Info("batch feature compute finished",
		"total", res.Total, "computed", res.Computed, "failed", res.Failed, "elapsed_ms", res.ElapsedMs)
	return res, ctx.Err()
}
