// Backfill loads historical events from an NDJSON export, skipping rows the
// event store has already seen.
//
//	backfill events.ndjson
//	cat events.ndjson | backfill -
package main

import (
	"context"
	"database/sql"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/lib/pq"

	"github.com/sendflowr/timing-engine/internal/config"
	"github.com/sendflowr/timing-engine/internal/identity"
	"github.com/sendflowr/timing-engine/internal/ingest"
	"github.com/sendflowr/timing-engine/internal/pkg/backoff"
	"github.com/sendflowr/timing-engine/internal/store"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatal("usage: backfill <events.ndjson | ->")
	}

	var input io.Reader = os.Stdin
	if os.Args[1] != "-" {
		f, err := os.Open(os.Args[1])
		if err != nil {
			log.Fatalf("Failed to open %s: %v", os.Args[1], err)
		}
		defer f.Close()
		input = f
	}

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

	resolver := identity.NewResolver(identityStore, cfg.IdentityConfig())
	backfiller := ingest.NewBackfiller(resolver, events, backoff.Default())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	res, err := backfiller.Run(ctx, input)
	if err != nil {
		log.Fatalf("Backfill failed: %v", err)
	}
	log.Printf("Backfill complete in %s: read=%d inserted=%d skipped=%d rejected=%d",
		time.Since(start).Round(time.Millisecond), res.Read, res.Inserted, res.Skipped, res.Rejected)
}
