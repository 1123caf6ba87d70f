package features

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sendflowr/timing-engine/internal/domain"
	"github.com/sendflowr/timing-engine/internal/timing"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewCache(rdb, time.Hour), mr
}

func sampleFeatureSet(t *testing.T, uid string) *FeatureSet {
	t.Helper()
	hist := make([]float64, timing.MinutesPerWeek)
	hist[540] = 10
	curve, err := timing.FromVector(timing.SmoothCircular(hist, 30))
	if err != nil {
		t.Fatal(err)
	}
	return &FeatureSet{
		UniversalID: uid,
		Curve:       curve,
		Counters:    domain.EngagementCounters{ClickCount7d: 4, ClickCount30d: 10},
		Confidence:  curve.Confidence(),
		SampleSize:  10,
		Source:      SourceClicked,
		ComputedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestCacheRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	fs := sampleFeatureSet(t, "sf_round")

	if err := c.Set(ctx, fs); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(ctx, "sf_round")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected cache hit")
	}
	if got.SampleSize != 10 || got.Source != SourceClicked || got.Counters.ClickCount7d != 4 {
		t.Errorf("meta round trip = %+v", got)
	}
	// float32 packing loses precision but the peak must survive.
	if got.Curve.Peak() != fs.Curve.Peak() {
		t.Errorf("peak changed across cache: %d vs %d", got.Curve.Peak(), fs.Curve.Peak())
	}
	if math.Abs(got.Curve.Sum()-1) > 1e-6 {
		t.Errorf("reloaded curve sum = %v, want 1", got.Curve.Sum())
	}
}

func TestCacheMissReturnsNil(t *testing.T) {
	c, _ := newTestCache(t)
	got, err := c.Get(context.Background(), "sf_absent")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("want nil on miss, got %+v", got)
	}
}

func TestCacheEvictsCorruptEntry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	mr.HSet("features:v2:sf_bad", curveField, "not a curve")
	mr.HSet("features:v2:sf_bad", metaField, "{}")

	got, err := c.Get(ctx, "sf_bad")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("corrupt entry should read as miss, got %+v", got)
	}
	if mr.Exists("features:v2:sf_bad") {
		t.Error("corrupt entry should be evicted")
	}
}

func TestCacheExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, sampleFeatureSet(t, "sf_ttl")); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Hour)

	got, err := c.Get(ctx, "sf_ttl")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("entry should expire after max age")
	}
}

func TestDecisionCacheRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	d := domain.TimingDecision{
		DecisionID:          "dec_1",
		UniversalID:         "sf_dec",
		TargetMinute:        540,
		TriggerTimestampUTC: time.Date(2026, 8, 24, 8, 58, 0, 0, time.UTC),
		ConfidenceScore:     0.7,
		ModelVersion:        "heuristic_v1",
	}

	if err := c.StoreDecision(ctx, d); err != nil {
		t.Fatal(err)
	}
	got, err := c.CachedDecision(ctx, "sf_dec", "dec_1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.TargetMinute != 540 || !got.TriggerTimestampUTC.Equal(d.TriggerTimestampUTC) {
		t.Errorf("cached decision = %+v", got)
	}

	miss, err := c.CachedDecision(ctx, "sf_dec", "dec_other")
	if err != nil {
		t.Fatal(err)
	}
	if miss != nil {
		t.Errorf("want nil for unknown decision, got %+v", miss)
	}
}

func TestProviderComputesOnceThenHitsCache(t *testing.T) {
	f := &fakeEvents{clicks: map[string][]time.Time{
		"sf_p": {mondayAt(9, 0), mondayAt(9, 1), mondayAt(9, 2), mondayAt(9, 3), mondayAt(9, 4)},
	}}
	engine := newTestEngine(f, Config{})
	cache, _ := newTestCache(t)
	p := NewProvider(engine, cache)
	ctx := context.Background()

	first, err := p.Get(ctx, "sf_p")
	if err != nil {
		t.Fatal(err)
	}
	callsAfterFirst := f.computes

	second, err := p.Get(ctx, "sf_p")
	if err != nil {
		t.Fatal(err)
	}
	if f.computes != callsAfterFirst {
		t.Error("second Get should be served from cache without recompute")
	}
	if first.Curve.Peak() != second.Curve.Peak() {
		t.Errorf("peaks differ: %d vs %d", first.Curve.Peak(), second.Curve.Peak())
	}
}
