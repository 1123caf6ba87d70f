package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sendflowr/timing-engine/internal/decision"
	"github.com/sendflowr/timing-engine/internal/domain"
	"github.com/sendflowr/timing-engine/internal/features"
	"github.com/sendflowr/timing-engine/internal/identity"
	"github.com/sendflowr/timing-engine/internal/timing"
)

type fakeResolver struct {
	res *domain.Resolution
	err error
}

func (f *fakeResolver) Resolve(_ context.Context, raw identity.RawIdentifiers) (*domain.Resolution, error) {
	if raw.Empty() {
		return nil, domain.E(domain.KindInvalidInput, "empty identifier set")
	}
	return f.res, f.err
}

type fakeEngine struct {
	decision *domain.TimingDecision
	err      error
	lastReq  decision.Request
}

func (f *fakeEngine) Decide(_ context.Context, req decision.Request) (*domain.TimingDecision, error) {
	f.lastReq = req
	return f.decision, f.err
}

type fakeFeatureService struct {
	fs  *features.FeatureSet
	err error
}

func (f *fakeFeatureService) Get(_ context.Context, _ string) (*features.FeatureSet, error) {
	return f.fs, f.err
}

func (f *fakeFeatureService) RefreshAll(_ context.Context) (*features.BatchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &features.BatchResult{Total: 7, Computed: 6, Failed: 1}, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(_ context.Context) error { return f.err }

func sampleDecision() *domain.TimingDecision {
	return &domain.TimingDecision{
		DecisionID:             "dec_1",
		UniversalID:            "sf_api",
		TargetMinute:           540,
		TriggerTimestampUTC:    time.Date(2026, 8, 24, 8, 58, 0, 0, time.UTC),
		LatencyEstimateSeconds: 120,
		ConfidenceScore:        0.66,
		ModelVersion:           "heuristic_v1",
		BaseCurvePeakMinute:    540,
		AppliedWeights: []domain.AppliedWeight{
			{Signal: "site_visit", Magnitude: 1.43, MinutesAgo: 5},
		},
		ExplanationRef: "exp_1",
		CreatedAt:      time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC),
	}
}

func serve(h *Handlers, method, path, body string) *httptest.ResponseRecorder {
	router := NewRouter(h)
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestTimingDecisionEndpoint(t *testing.T) {
	engine := &fakeEngine{decision: sampleDecision()}
	h := NewHandlers(
		&fakeResolver{res: &domain.Resolution{UniversalID: "sf_api", Confidence: 0.95}},
		engine, &fakeFeatureService{}, nil,
	)

	body := `{
		"identifiers": {"klaviyo_id": "k_1"},
		"send_after": "2026-08-24T08:00:00Z",
		"send_before": "2026-08-24T10:00:00Z",
		"latency_estimate_seconds": 300
	}`
	rec := serve(h, http.MethodPost, "/timing-decision", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		DecisionID           string  `json:"decision_id"`
		TargetMinute         int     `json:"target_minute"`
		ResolutionConfidence float64 `json:"resolution_confidence"`
		Debug                struct {
			BaseCurvePeakMinute int  `json:"base_curve_peak_minute"`
			Suppressed          bool `json:"suppressed"`
			AppliedWeights      []struct {
				Signal string `json:"signal"`
			} `json:"applied_weights"`
		} `json:"debug"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.DecisionID != "dec_1" || resp.TargetMinute != 540 {
		t.Errorf("response = %+v", resp)
	}
	if resp.ResolutionConfidence != 0.95 {
		t.Errorf("resolution_confidence = %v, want 0.95", resp.ResolutionConfidence)
	}
	if resp.Debug.BaseCurvePeakMinute != 540 || len(resp.Debug.AppliedWeights) != 1 {
		t.Errorf("debug = %+v", resp.Debug)
	}

	// Engine saw the parsed window and latency.
	if engine.lastReq.SendAfter == nil || engine.lastReq.SendBefore == nil {
		t.Fatal("window not forwarded to the engine")
	}
	if *engine.lastReq.LatencyEstimateSeconds != 300 {
		t.Errorf("latency = %v, want 300", *engine.lastReq.LatencyEstimateSeconds)
	}
}

func TestTimingDecisionMalformedBody(t *testing.T) {
	h := NewHandlers(&fakeResolver{}, &fakeEngine{}, &fakeFeatureService{}, nil)

	rec := serve(h, http.MethodPost, "/timing-decision", "{broken")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	var e struct {
		Code string `json:"code"`
	}
	json.Unmarshal(rec.Body.Bytes(), &e)
	if e.Code != "invalid_input" {
		t.Errorf("code = %s, want invalid_input", e.Code)
	}
}

func TestTimingDecisionBadTimestamp(t *testing.T) {
	h := NewHandlers(&fakeResolver{res: &domain.Resolution{UniversalID: "sf_x"}}, &fakeEngine{}, &fakeFeatureService{}, nil)

	rec := serve(h, http.MethodPost, "/timing-decision",
		`{"identifiers":{"klaviyo_id":"k"},"send_after":"next tuesday"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTimingDecisionErrorMapping(t *testing.T) {
	tests := []struct {
		kind domain.ErrorKind
		want int
	}{
		{domain.KindInvalidInput, http.StatusBadRequest},
		{domain.KindIdentityUnresolved, http.StatusNotFound},
		{domain.KindWindowExpired, http.StatusUnprocessableEntity},
		{domain.KindCurveUnavailable, http.StatusServiceUnavailable},
		{domain.KindTimeout, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			h := NewHandlers(
				&fakeResolver{res: &domain.Resolution{UniversalID: "sf_x"}},
				&fakeEngine{err: domain.E(tt.kind, "boom")},
				&fakeFeatureService{}, nil,
			)
			rec := serve(h, http.MethodPost, "/timing-decision", `{"identifiers":{"klaviyo_id":"k"}}`)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestGetFeaturesOmitsVector(t *testing.T) {
	fs := &features.FeatureSet{
		UniversalID: "sf_feat",
		Curve:       timing.Uniform(),
		Confidence:  0.42,
		SampleSize:  12,
		Source:      features.SourceClicked,
		PeakWindows: []domain.PeakWindow{{MinuteSlot: 540, Probability: 0.01, Readable: "Mon 09:00"}},
		ComputedAt:  time.Date(2026, 8, 19, 11, 0, 0, 0, time.UTC),
	}
	h := NewHandlers(&fakeResolver{}, &fakeEngine{}, &fakeFeatureService{fs: fs}, nil)

	rec := serve(h, http.MethodGet, "/features/sf_feat", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"universal_id":"sf_feat"`) || !strings.Contains(body, `"Mon 09:00"`) {
		t.Errorf("body = %s", body)
	}
	// The raw 10k-slot vector must not leak into responses.
	if len(body) > 4096 {
		t.Errorf("response suspiciously large (%d bytes), vector may have leaked", len(body))
	}
}

func TestComputeFeaturesEndpoint(t *testing.T) {
	h := NewHandlers(&fakeResolver{}, &fakeEngine{}, &fakeFeatureService{}, nil)

	rec := serve(h, http.MethodPost, "/compute-features", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var res features.BatchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Total != 7 || res.Computed != 6 {
		t.Errorf("result = %+v", res)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := NewHandlers(&fakeResolver{}, &fakeEngine{}, &fakeFeatureService{}, map[string]Pinger{
		"redis":      fakePinger{},
		"clickhouse": fakePinger{},
		"postgres":   fakePinger{},
	})
	rec := serve(h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"healthy"`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	h = NewHandlers(&fakeResolver{}, &fakeEngine{}, &fakeFeatureService{}, map[string]Pinger{
		"redis":    fakePinger{},
		"postgres": fakePinger{err: context.DeadlineExceeded},
	})
	rec = serve(h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when a backend is down", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"postgres":"down"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}
