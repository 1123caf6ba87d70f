package ingest

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/sendflowr/timing-engine/internal/domain"
	"github.com/sendflowr/timing-engine/internal/pkg/backoff"
	"github.com/sendflowr/timing-engine/internal/pkg/logger"
)

// BackfillSink extends the event sink with the existence check the bulk
// path uses to stay idempotent across re-runs.
type BackfillSink interface {
	EventSink
	EventExists(ctx context.Context, esp, eventID, campaignID string) (bool, error)
}

// BackfillResult summarizes one backfill run.
type BackfillResult struct {
	Read     int `json:"read"`
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
	Rejected int `json:"rejected"`
}

// Backfiller replays historical event records from a newline-delimited JSON
// stream through the same normalization steps as the live pipeline, without
// offset tracking. Duplicate (esp, event_id, campaign_id) rows are skipped.
type Backfiller struct {
	resolver Resolver
	events   BackfillSink
	retry    backoff.Policy
	now      func() time.Time
}

// NewBackfiller creates a bulk ingestion runner.
func NewBackfiller(resolver Resolver, events BackfillSink, retry backoff.Policy) *Backfiller {
	if retry.MaxAttempts == 0 {
		retry = backoff.Default()
	}
	return &Backfiller{resolver: resolver, events: events, retry: retry, now: time.Now}
}

// Run ingests every line of the stream. Invalid records are counted and
// logged, never fatal; transient store failures abort the run so it can be
// re-executed (idempotently) later.
func (b *Backfiller) Run(ctx context.Context, r io.Reader) (*BackfillResult, error) {
	res := &BackfillResult{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		res.Read++

		raw, ts, err := parseRaw(line)
		if err != nil {
			res.Rejected++
			logger.Warn("backfill record rejected", "line", res.Read, "error", err.Error())
			continue
		}

		exists, err := b.events.EventExists(ctx, raw.ESP, raw.EventID, raw.CampaignID)
		if err != nil {
			return res, err
		}
		if exists {
			res.Skipped++
			continue
		}

		ids := raw.identifiers()
		if ids.Empty() {
			res.Rejected++
			logger.Warn("backfill record has no identifiers", "line", res.Read, "event_id", raw.EventID)
			continue
		}
		var resolution *domain.Resolution
		resolve := func(ctx context.Context) error {
			var rerr error
			resolution, rerr = b.resolver.Resolve(ctx, ids)
			return rerr
		}
		if err := b.retry.Retry(ctx, domain.Retryable, resolve); err != nil {
			if domain.Retryable(err) {
				return res, err
			}
			res.Rejected++
			logger.Warn("backfill resolution failed", "line", res.Read, "error", err.Error())
			continue
		}

		event := raw.toEvent(ts, resolution.UniversalID)
		FlagBot(&event, b.now().UTC())
		insert := func(ctx context.Context) error {
			return b.events.InsertEvent(ctx, event)
		}
		if err := b.retry.Retry(ctx, domain.Retryable, insert); err != nil {
			return res, err
		}
		res.Inserted++
	}
	if err := scanner.Err(); err != nil {
		return res, err
	}

	logger.Info("backfill finished",
		"read", res.Read, "inserted", res.Inserted, "skipped", res.Skipped, "rejected", res.Rejected)
	return res, nil
}
