// Package api exposes the decision HTTP surface: timing decisions, feature
// inspection, batch recompute, and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sendflowr/timing-engine/internal/decision"
	"github.com/sendflowr/timing-engine/internal/domain"
	"github.com/sendflowr/timing-engine/internal/features"
	"github.com/sendflowr/timing-engine/internal/identity"
	"github.com/sendflowr/timing-engine/internal/pkg/logger"
)

// IdentityResolver maps identifier sets to Universal IDs.
type IdentityResolver interface {
	Resolve(ctx context.Context, raw identity.RawIdentifiers) (*domain.Resolution, error)
}

// DecisionEngine produces timing decisions for resolved recipients.
type DecisionEngine interface {
	Decide(ctx context.Context, req decision.Request) (*domain.TimingDecision, error)
}

// FeatureService serves and recomputes engagement features.
type FeatureService interface {
	Get(ctx context.Context, universalID string) (*features.FeatureSet, error)
	RefreshAll(ctx context.Context) (*features.BatchResult, error)
}

// Pinger is a health-checkable backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers carries the HTTP handler dependencies.
type Handlers struct {
	resolver IdentityResolver
	engine   DecisionEngine
	features FeatureService
	backends map[string]Pinger // name → backend, checked by /health
}

// NewHandlers wires the handler set. backends may be nil.
func NewHandlers(resolver IdentityResolver, engine DecisionEngine, feats FeatureService, backends map[string]Pinger) *Handlers {
	return &Handlers{resolver: resolver, engine: engine, features: feats, backends: backends}
}

// timingDecisionRequest is the POST /timing-decision body.
type timingDecisionRequest struct {
	Identifiers            identity.RawIdentifiers `json:"identifiers"`
	SendAfter              *string                 `json:"send_after,omitempty"`
	SendBefore             *string                 `json:"send_before,omitempty"`
	LatencyEstimateSeconds *float64                `json:"latency_estimate_seconds,omitempty"`
	ESP                    string                  `json:"esp,omitempty"`
	CampaignType           string                  `json:"campaign_type,omitempty"`
	PayloadSizeBytes       int64                   `json:"payload_size_bytes,omitempty"`
	QueueDepthEstimate     int64                   `json:"queue_depth_estimate,omitempty"`
}

type timingDecisionResponse struct {
	domain.TimingDecision
	ResolutionConfidence float64       `json:"resolution_confidence"`
	Debug                decisionDebug `json:"debug"`
}

type decisionDebug struct {
	AppliedWeights      []domain.AppliedWeight `json:"applied_weights"`
	BaseCurvePeakMinute int                    `json:"base_curve_peak_minute"`
	Suppressed          bool                   `json:"suppressed"`
}

// HandleTimingDecision resolves the identifiers and runs the decision
// pipeline.
//
//	POST /timing-decision
func (h *Handlers) HandleTimingDecision(w http.ResponseWriter, r *http.Request) {
	var req timingDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", "malformed request body")
		return
	}

	sendAfter, err := parseOptionalTime(req.SendAfter)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", "send_after: "+err.Error())
		return
	}
	sendBefore, err := parseOptionalTime(req.SendBefore)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", "send_before: "+err.Error())
		return
	}

	res, err := h.resolver.Resolve(r.Context(), req.Identifiers)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	d, err := h.engine.Decide(r.Context(), decision.Request{
		UniversalID:            res.UniversalID,
		SendAfter:              sendAfter,
		SendBefore:             sendBefore,
		LatencyEstimateSeconds: req.LatencyEstimateSeconds,
		ESP:                    req.ESP,
		CampaignType:           req.CampaignType,
		PayloadSizeBytes:       req.PayloadSizeBytes,
		QueueDepthEstimate:     req.QueueDepthEstimate,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, timingDecisionResponse{
		TimingDecision:       *d,
		ResolutionConfidence: res.Confidence,
		Debug: decisionDebug{
			AppliedWeights:      d.AppliedWeights,
			BaseCurvePeakMinute: d.BaseCurvePeakMinute,
			Suppressed:          d.Suppressed,
		},
	})
}

// featureView is the metadata projection of a feature set; the 10k-slot
// vector itself never appears in API responses.
type featureView struct {
	UniversalID string                    `json:"universal_id"`
	Confidence  float64                   `json:"confidence"`
	SampleSize  int                       `json:"sample_size"`
	Source      string                    `json:"source"`
	Degraded    bool                      `json:"degraded"`
	Counters    domain.EngagementCounters `json:"counters"`
	PeakWindows []domain.PeakWindow       `json:"peak_windows"`
	ComputedAt  time.Time                 `json:"computed_at_utc"`
}

// HandleGetFeatures returns the feature metadata for one Universal ID.
//
//	GET /features/{universal_id}
func (h *Handlers) HandleGetFeatures(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "universal_id")
	if uid == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "universal_id is required")
		return
	}
	fs, err := h.features.Get(r.Context(), uid)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, featureView{
		UniversalID: fs.UniversalID,
		Confidence:  fs.Confidence,
		SampleSize:  fs.SampleSize,
		Source:      fs.Source,
		Degraded:    fs.Degraded,
		Counters:    fs.Counters,
		PeakWindows: fs.PeakWindows,
		ComputedAt:  fs.ComputedAt,
	})
}

// HandleComputeFeatures kicks a synchronous batch recompute of all active
// users.
//
//	POST /compute-features
func (h *Handlers) HandleComputeFeatures(w http.ResponseWriter, r *http.Request) {
	res, err := h.features.RefreshAll(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// HandleHealth pings every wired backend.
//
//	GET /health
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.backends))
	healthy := true
	for name, p := range h.backends {
		if err := p.Ping(ctx); err != nil {
			checks[name] = "down"
			healthy = false
			logger.Warn("health check failed", "backend", name, "error", err.Error())
		} else {
			checks[name] = "up"
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

func parseOptionalTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, err
	}
	u := t.UTC()
	return &u, nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"code": code, "message": message})
}

// respondDomainError maps typed error kinds onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch de.Kind {
	case domain.KindInvalidInput:
		status = http.StatusBadRequest
	case domain.KindIdentityUnresolved:
		status = http.StatusNotFound
	case domain.KindWindowExpired:
		status = http.StatusUnprocessableEntity
	case domain.KindCurveUnavailable, domain.KindBackendUnavailable, domain.KindPredictorUnavailable:
		status = http.StatusServiceUnavailable
	case domain.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	respondError(w, status, string(de.Kind), de.Message)
}
