// Package config loads the service configuration from config.yaml, a .env
// file, and environment variable overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the timing engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Identity   IdentityConfig   `yaml:"identity"`
	Features   FeaturesConfig   `yaml:"features"`
	Decision   DecisionConfig   `yaml:"decision"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// ClickHouseConfig holds the event store connection.
type ClickHouseConfig struct {
	DSN string `yaml:"dsn"`
}

// PostgresConfig holds the identity store connection.
type PostgresConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

// RedisConfig holds the feature cache connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig holds the ingestion transport settings.
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	EventsTopic string   `yaml:"events_topic"`
	DLQTopic    string   `yaml:"dlq_topic"`
	GroupID     string   `yaml:"group_id"`
}

// IdentityConfig tunes the resolver.
type IdentityConfig struct {
	ProbabilisticWeights map[string]float64 `yaml:"probabilistic_weights"`
	BFSDepth             int                `yaml:"bfs_depth"`
	BFSBudget            int                `yaml:"bfs_budget"`
	PhoneDefaultRegion   string             `yaml:"phone_default_region"`
	DisableSynthesis     bool               `yaml:"disable_synthesis"`
}

// FeaturesConfig tunes the engagement feature engine.
type FeaturesConfig struct {
	SmoothingSigmaMinutes   float64 `yaml:"smoothing_sigma_minutes"`
	LaplaceAlpha            float64 `yaml:"laplace_alpha"`
	LookbackDays            int     `yaml:"lookback_days"`
	PrimaryEventType        string  `yaml:"primary_event_type"`
	MinPrimaryEvents        int     `yaml:"min_primary_events"`
	RecencyHalfLifeDays     float64 `yaml:"recency_half_life_days"`
	CurveCacheMaxAgeSeconds int     `yaml:"curve_cache_max_age_seconds"`
	BatchMinEvents          int     `yaml:"batch_min_events"`
	BatchWorkers            int     `yaml:"batch_workers"`
}

// DecisionConfig tunes the decision engine.
type DecisionConfig struct {
	HotPathEventTypes     []string       `yaml:"hot_path_event_types"`
	HotPathWindowMinutes  int            `yaml:"hot_path_window_minutes"`
	AccelWindowMinutes    int            `yaml:"accel_window_minutes"`
	CircuitBreakerWindows map[string]int `yaml:"circuit_breaker_windows"` // event_type → hours, 0 = permanent
	DefaultLatencySeconds float64        `yaml:"default_latency_seconds"`
	LatencyClamp          LatencyClamp   `yaml:"latency_clamp"`
	ModelVersion          string         `yaml:"model_version"`
}

// LatencyClamp bounds latency estimates, in seconds.
type LatencyClamp struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Load reads a yaml file and applies defaults. A missing file yields the
// pure-default configuration.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.ClickHouse.DSN == "" {
		cfg.ClickHouse.DSN = "clickhouse://localhost:9000/sendflowr"
	}
	if cfg.Postgres.DatabaseURL == "" {
		cfg.Postgres.DatabaseURL = "postgres://localhost:5432/sendflowr?sslmode=disable"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.EventsTopic == "" {
		cfg.Kafka.EventsTopic = "email-events"
	}
	if cfg.Kafka.DLQTopic == "" {
		cfg.Kafka.DLQTopic = "email-events-dlq"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "timing-engine-ingest"
	}
	if cfg.Identity.BFSDepth == 0 {
		cfg.Identity.BFSDepth = 3
	}
	if cfg.Identity.BFSBudget == 0 {
		cfg.Identity.BFSBudget = 128
	}
	if cfg.Identity.PhoneDefaultRegion == "" {
		cfg.Identity.PhoneDefaultRegion = "US"
	}
	if cfg.Features.SmoothingSigmaMinutes == 0 {
		cfg.Features.SmoothingSigmaMinutes = 30
	}
	if cfg.Features.LaplaceAlpha == 0 {
		cfg.Features.LaplaceAlpha = 1.0
	}
	if cfg.Features.LookbackDays == 0 {
		cfg.Features.LookbackDays = 90
	}
	if cfg.Features.PrimaryEventType == "" {
		cfg.Features.PrimaryEventType = "clicked"
	}
	if cfg.Features.MinPrimaryEvents == 0 {
		cfg.Features.MinPrimaryEvents = 5
	}
	if cfg.Features.CurveCacheMaxAgeSeconds == 0 {
		cfg.Features.CurveCacheMaxAgeSeconds = 3600
	}
	if cfg.Features.BatchMinEvents == 0 {
		cfg.Features.BatchMinEvents = 3
	}
	if cfg.Features.BatchWorkers == 0 {
		cfg.Features.BatchWorkers = 8
	}
	if len(cfg.Decision.HotPathEventTypes) == 0 {
		cfg.Decision.HotPathEventTypes = []string{
			"site_visit", "sms_click", "product_view", "cart_add", "search_performed",
		}
	}
	if cfg.Decision.HotPathWindowMinutes == 0 {
		cfg.Decision.HotPathWindowMinutes = 30
	}
	if cfg.Decision.AccelWindowMinutes == 0 {
		cfg.Decision.AccelWindowMinutes = 60
	}
	if cfg.Decision.CircuitBreakerWindows == nil {
		cfg.Decision.CircuitBreakerWindows = map[string]int{
			"support_ticket":      48,
			"complaint":           48,
			"unsubscribe_request": 168,
			"spam_report":         0,
		}
	}
	if cfg.Decision.DefaultLatencySeconds == 0 {
		cfg.Decision.DefaultLatencySeconds = 120
	}
	if cfg.Decision.LatencyClamp.Min == 0 {
		cfg.Decision.LatencyClamp.Min = 1
	}
	if cfg.Decision.LatencyClamp.Max == 0 {
		cfg.Decision.LatencyClamp.Max = 3600
	}
	if cfg.Decision.ModelVersion == "" {
		cfg.Decision.ModelVersion = "heuristic_v1"
	}

	return &cfg, nil
}

// LoadFromEnv loads the yaml config, then a .env file if present, then
// applies environment variable overrides.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("CLICKHOUSE_DSN"); v != "" {
		cfg.ClickHouse.DSN = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_EVENTS_TOPIC"); v != "" {
		cfg.Kafka.EventsTopic = v
	}
	if v := os.Getenv("KAFKA_DLQ_TOPIC"); v != "" {
		cfg.Kafka.DLQTopic = v
	}
	if v := os.Getenv("KAFKA_GROUP_ID"); v != "" {
		cfg.Kafka.GroupID = v
	}
	if v := os.Getenv("PHONE_DEFAULT_REGION"); v != "" {
		cfg.Identity.PhoneDefaultRegion = v
	}

	return cfg, nil
}
