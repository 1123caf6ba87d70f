package config

import (
	"time"

	"github.com/sendflowr/timing-engine/internal/decision"
	"github.com/sendflowr/timing-engine/internal/domain"
	"github.com/sendflowr/timing-engine/internal/features"
	"github.com/sendflowr/timing-engine/internal/identity"
)

// IdentityConfig converts the yaml section into resolver settings.
func (c *Config) IdentityConfig() identity.Config {
	var weights map[domain.IdentifierType]float64
	if len(c.Identity.ProbabilisticWeights) > 0 {
		weights = make(map[domain.IdentifierType]float64, len(c.Identity.ProbabilisticWeights))
		for k, v := range c.Identity.ProbabilisticWeights {
			weights[domain.IdentifierType(k)] = v
		}
	}
	return identity.Config{
		Weights:          weights,
		BFSDepth:         c.Identity.BFSDepth,
		BFSBudget:        c.Identity.BFSBudget,
		PhoneRegion:      c.Identity.PhoneDefaultRegion,
		DisableSynthesis: c.Identity.DisableSynthesis,
	}
}

// FeaturesConfig converts the yaml section into feature engine settings.
func (c *Config) FeaturesConfig() features.Config {
	return features.Config{
		LookbackDays:        c.Features.LookbackDays,
		PrimaryEventType:    domain.EventType(c.Features.PrimaryEventType),
		MinClicks:           c.Features.MinPrimaryEvents,
		LaplaceAlpha:        c.Features.LaplaceAlpha,
		SmoothingSigma:      c.Features.SmoothingSigmaMinutes,
		RecencyHalfLifeDays: c.Features.RecencyHalfLifeDays,
		BatchMinEvents:      c.Features.BatchMinEvents,
		BatchWorkers:        c.Features.BatchWorkers,
	}
}

// DecisionConfig converts the yaml section into decision engine settings.
// Breaker hours become durations; zero hours means a permanent breaker.
func (c *Config) DecisionConfig() decision.Config {
	var breakers map[domain.EventType]time.Duration
	if len(c.Decision.CircuitBreakerWindows) > 0 {
		breakers = make(map[domain.EventType]time.Duration, len(c.Decision.CircuitBreakerWindows))
		for k, hours := range c.Decision.CircuitBreakerWindows {
			breakers[domain.EventType(k)] = time.Duration(hours) * time.Hour
		}
	}
	var hotPaths []domain.EventType
	for _, t := range c.Decision.HotPathEventTypes {
		hotPaths = append(hotPaths, domain.EventType(t))
	}
	return decision.Config{
		DefaultLatencySeconds: c.Decision.DefaultLatencySeconds,
		LatencyClampMin:       c.Decision.LatencyClamp.Min,
		LatencyClampMax:       c.Decision.LatencyClamp.Max,
		HotPathWindowMinutes:  c.Decision.HotPathWindowMinutes,
		AccelWindowMinutes:    c.Decision.AccelWindowMinutes,
		HotPathTypes:          hotPaths,
		BreakerWindows:        breakers,
		ModelVersion:          c.Decision.ModelVersion,
	}
}

// CacheMaxAge returns the feature cache freshness window.
func (c *Config) CacheMaxAge() time.Duration {
	return time.Duration(c.Features.CurveCacheMaxAgeSeconds) * time.Second
}
