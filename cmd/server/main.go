package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/sendflowr/timing-engine/internal/api"
	"github.com/sendflowr/timing-engine/internal/config"
	"github.com/sendflowr/timing-engine/internal/decision"
	"github.com/sendflowr/timing-engine/internal/features"
	"github.com/sendflowr/timing-engine/internal/identity"
	"github.com/sendflowr/timing-engine/internal/store"
)

func main() {
	cfg, err := config.LoadFromEnv("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Postgres: identity graph, resolution cache, explanation log.
	pg, err := sql.Open("postgres", cfg.Postgres.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open postgres: %v", err)
	}
	defer pg.Close()

	// ClickHouse: the event history.
	ch, err := sql.Open("clickhouse", cfg.ClickHouse.DSN)
	if err != nil {
		log.Fatalf("Failed to open clickhouse: %v", err)
	}
	defer ch.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	identityStore := store.NewIdentityStore(pg)
	explanations := store.NewExplanationLog(pg)
	events := store.NewEventStore(ch)
	for name, ensure := range map[string]func(context.Context) error{
		"identity":     identityStore.EnsureTables,
		"explanations": explanations.EnsureTables,
		"events":       events.EnsureTables,
	} {
		if err := ensure(bootCtx); err != nil {
			log.Fatalf("Failed to ensure %s tables: %v", name, err)
		}
	}
	log.Println("Schemas verified")

	resolver := identity.NewResolver(identityStore, cfg.IdentityConfig())
	featureEngine := features.NewEngine(events, cfg.FeaturesConfig())
	featureCache := features.NewCache(rdb, cfg.CacheMaxAge())
	featureProvider := features.NewProvider(featureEngine, featureCache)

	decisionEngine := decision.NewEngine(
		featureProvider,
		events,
		explanations,
		featureCache,
		decision.HeuristicLatency{},
		decision.HeuristicSignalWeight{},
		cfg.DecisionConfig(),
	)
	decisionEngine.SetCohortPrior(decision.HeuristicCohortPrior{})

	handlers := api.NewHandlers(resolver, decisionEngine, featureProvider, map[string]api.Pinger{
		"postgres":   explanations,
		"clickhouse": events,
		"redis":      featureCache,
	})
	router := api.NewRouter(handlers)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
