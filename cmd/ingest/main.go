package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/lib/pq"
	"github.com/segmentio/kafka-go"

	"github.com/sendflowr/timing-engine/internal/config"
	"github.com/sendflowr/timing-engine/internal/identity"
	"github.com/sendflowr/timing-engine/internal/ingest"
	"github.com/sendflowr/timing-engine/internal/pkg/backoff"
	"github.com/sendflowr/timing-engine/internal/store"
)

func main() {
	cfg, err := config.LoadFromEnv("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	pg, err := sql.Open("postgres", cfg.Postgres.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open postgres: %v", err)
	}
	defer pg.Close()

	ch, err := sql.Open("clickhouse", cfg.ClickHouse.DSN)
	if err != nil {
		log.Fatalf("Failed to open clickhouse: %v", err)
	}
	defer ch.Close()

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	identityStore := store.NewIdentityStore(pg)
	events := store.NewEventStore(ch)
	if err := identityStore.EnsureTables(bootCtx); err != nil {
		log.Fatalf("Failed to ensure identity tables: %v", err)
	}
	if err := events.EnsureTables(bootCtx); err != nil {
		log.Fatalf("Failed to ensure event tables: %v", err)
	}
	bootCancel()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Kafka.Brokers,
		GroupID:        cfg.Kafka.GroupID,
		Topic:          cfg.Kafka.EventsTopic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // explicit commits only
	})
	defer reader.Close()

	dlq := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.DLQTopic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}
	defer dlq.Close()

	resolver := identity.NewResolver(identityStore, cfg.IdentityConfig())
	pipeline := ingest.NewPipeline(reader, dlq, resolver, events, backoff.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-done
		log.Println("Shutting down...")
		cancel()
	}()

	log.Printf("Consuming %s (group %s), dead letters to %s",
		cfg.Kafka.EventsTopic, cfg.Kafka.GroupID, cfg.Kafka.DLQTopic)
	if err := pipeline.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Pipeline error: %v", err)
	}

	stats := pipeline.Stats()
	log.Printf("Stopped: processed=%d dead_lettered=%d bot_flagged=%d",
		stats.Processed, stats.DeadLettered, stats.BotFlagged)
}
