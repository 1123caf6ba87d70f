package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendflowr/timing-engine/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 30.0, cfg.Features.SmoothingSigmaMinutes)
	assert.Equal(t, 1.0, cfg.Features.LaplaceAlpha)
	assert.Equal(t, "clicked", cfg.Features.PrimaryEventType)
	assert.Equal(t, 90, cfg.Features.LookbackDays)
	assert.Equal(t, 5, cfg.Features.MinPrimaryEvents)
	assert.Equal(t, 3, cfg.Identity.BFSDepth)
	assert.Equal(t, 128, cfg.Identity.BFSBudget)
	assert.Equal(t, "US", cfg.Identity.PhoneDefaultRegion)
	assert.Equal(t, 120.0, cfg.Decision.DefaultLatencySeconds)
	assert.Equal(t, 1.0, cfg.Decision.LatencyClamp.Min)
	assert.Equal(t, 3600.0, cfg.Decision.LatencyClamp.Max)
	assert.Len(t, cfg.Decision.HotPathEventTypes, 5)
	assert.Equal(t, 168, cfg.Decision.CircuitBreakerWindows["unsubscribe_request"])

	// spam_report defaults to 0, which means permanent.
	hours, ok := cfg.Decision.CircuitBreakerWindows["spam_report"]
	require.True(t, ok)
	assert.Equal(t, 0, hours)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
features:
  smoothing_sigma_minutes: 45
  recency_half_life_days: 7
decision:
  circuit_breaker_windows:
    complaint: 72
identity:
  probabilistic_weights:
    klaviyo_id: 0.95
    shopify_customer_id: 0.90
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 45.0, cfg.Features.SmoothingSigmaMinutes)
	assert.Equal(t, 7.0, cfg.Features.RecencyHalfLifeDays)

	// Defaults still fill the gaps the file leaves.
	assert.Equal(t, 1.0, cfg.Features.LaplaceAlpha)
	assert.Equal(t, 0.95, cfg.Identity.ProbabilisticWeights["klaviyo_id"])

	// An explicit breaker map replaces the default set wholesale.
	assert.Len(t, cfg.Decision.CircuitBreakerWindows, 1)
	assert.Equal(t, 72, cfg.Decision.CircuitBreakerWindows["complaint"])
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := writeConfig(t, "server: [broken")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db.internal:5432/timing")
	t.Setenv("CLICKHOUSE_DSN", "clickhouse://ch.internal:9000/events")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SERVER_PORT", "8181")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "postgres://db.internal:5432/timing", cfg.Postgres.DatabaseURL)
	assert.Equal(t, "clickhouse://ch.internal:9000/events", cfg.ClickHouse.DSN)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 8181, cfg.Server.Port)
}

func TestConverters(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	ic := cfg.IdentityConfig()
	assert.Equal(t, 3, ic.BFSDepth)
	assert.Equal(t, 128, ic.BFSBudget)
	assert.Equal(t, "US", ic.PhoneRegion)

	fc := cfg.FeaturesConfig()
	assert.Equal(t, 30.0, fc.SmoothingSigma)
	assert.Equal(t, 90, fc.LookbackDays)
	assert.Equal(t, 5, fc.MinClicks)
	assert.Equal(t, domain.EventClicked, fc.PrimaryEventType)

	dc := cfg.DecisionConfig()
	assert.Equal(t, 120.0, dc.DefaultLatencySeconds)
	assert.Equal(t, 1.0, dc.LatencyClampMin)
	assert.Equal(t, 3600.0, dc.LatencyClampMax)
	assert.Len(t, dc.HotPathTypes, 5)
	assert.Equal(t, 48.0, dc.BreakerWindows["support_ticket"].Hours())

	// Zero hours stays zero so the engine treats it as permanent.
	assert.Zero(t, dc.BreakerWindows["spam_report"])
}
