package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sendflowr/timing-engine/internal/domain"
)

// EventStore is the ClickHouse gateway for the immutable engagement event
// log. Rows are append-only; duplicate deliveries are absorbed by the
// (esp, event_id, campaign_id) dedup view rather than rejected at insert.
type EventStore struct{ db *sql.DB }

// NewEventStore creates a ClickHouse-backed event store. The *sql.DB is
// expected to come from the clickhouse-go database/sql driver.
func NewEventStore(db *sql.DB) *EventStore { return &EventStore{db: db} }

// EnsureTables bootstraps the event schema.
func (s *EventStore) EnsureTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS email_events (
			event_id             String,
			esp                  LowCardinality(String),
			universal_id         String,
			event_type           LowCardinality(String),
			timestamp            DateTime64(3, 'UTC'),
			recipient_email_hash String,
			campaign_id          String,
			suspected_bot        UInt8 DEFAULT 0,
			bot_reasons          Array(String),
			user_agent           String,
			ip_address           String,
			provider             LowCardinality(String),
			latency_seconds      Nullable(Float64),
			send_time            Nullable(DateTime64(3, 'UTC')),
			hour_of_day          Nullable(UInt8),
			minute               Nullable(UInt8),
			day_of_week          Nullable(UInt8),
			campaign_type        Nullable(String),
			payload_size_bytes   Nullable(Int64),
			queue_depth_estimate Nullable(Int64),
			ingested_at          DateTime64(3, 'UTC') DEFAULT now64(3)
		) ENGINE = MergeTree
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (esp, universal_id, timestamp, event_type)`,
		`CREATE VIEW IF NOT EXISTS email_events_dedup AS
			SELECT * FROM email_events
			LIMIT 1 BY esp, event_id, campaign_id`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure event tables: %w", err)
		}
	}
	return nil
}

// InsertEvents appends a batch of events in one transaction. The batch either
// lands whole or not at all, which keeps offset commits honest.
func (s *EventStore) InsertEvents(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Wrap(domain.KindBackendUnavailable, err, "begin event batch")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO email_events
			(event_id, esp, universal_id, event_type, timestamp,
			 recipient_email_hash, campaign_id,
			 suspected_bot, bot_reasons, user_agent, ip_address, provider,
			 latency_seconds, send_time, hour_of_day, minute, day_of_week,
			 campaign_type, payload_size_bytes, queue_depth_estimate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return domain.Wrap(domain.KindBackendUnavailable, err, "prepare event insert")
	}
	defer stmt.Close()

	for _, e := range events {
		bot := uint8(0)
		if e.Metadata.SuspectedBot {
			bot = 1
		}
		reasons := e.Metadata.BotReasons
		if reasons == nil {
			reasons = []string{}
		}
		_, err := stmt.ExecContext(ctx,
			e.EventID, e.ESP, e.UniversalID, string(e.EventType), e.Timestamp.UTC(),
			e.RecipientEmailHash, e.CampaignID,
			bot, reasons, e.Metadata.UserAgent, e.Metadata.IPAddress, e.Metadata.Provider,
			e.LatencySeconds, nullableTime(e.SendTime), nullableUint8(e.HourOfDay),
			nullableUint8(e.Minute), nullableUint8(e.DayOfWeek),
			e.CampaignType, e.PayloadSizeBytes, e.QueueDepthEstimate,
		)
		if err != nil {
			return domain.Wrap(domain.KindBackendUnavailable, err, "insert event %s", e.EventID)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Wrap(domain.KindBackendUnavailable, err, "commit event batch")
	}
	return nil
}

// InsertEvent appends one event.
func (s *EventStore) InsertEvent(ctx context.Context, e domain.Event) error {
	return s.InsertEvents(ctx, []domain.Event{e})
}

// EventExists reports whether an event with this dedup key is already stored.
// Used by the backfill path to stay idempotent across re-runs.
func (s *EventStore) EventExists(ctx context.Context, esp, eventID, campaignID string) (bool, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT count() FROM email_events
		WHERE esp = ? AND event_id = ? AND campaign_id = ?
	`, esp, eventID, campaignID).Scan(&n)
	if err != nil {
		return false, domain.Wrap(domain.KindBackendUnavailable, err, "event exists check")
	}
	return n > 0, nil
}

// EventTimestamps returns timestamps of the given event type for one user
// since a cutoff, oldest first, excluding suspected-bot rows.
func (s *EventStore) EventTimestamps(ctx context.Context, universalID string, eventType domain.EventType, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp FROM email_events_dedup
		WHERE universal_id = ? AND event_type = ? AND timestamp >= ?
		  AND suspected_bot = 0
		ORDER BY timestamp
	`, universalID, string(eventType), since.UTC())
	if err != nil {
		return nil, domain.Wrap(domain.KindBackendUnavailable, err, "event timestamps")
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan timestamp: %w", err)
		}
		out = append(out, ts.UTC())
	}
	return out, rows.Err()
}

// Counters aggregates 1d/7d/30d open and click counts plus first/last
// timestamps over the 30-day window, bot rows excluded.
func (s *EventStore) Counters(ctx context.Context, universalID string, now time.Time) (*domain.EngagementCounters, error) {
	now = now.UTC()
	c := &domain.EngagementCounters{}
	var firstClick, lastClick, firstOpen, lastOpen sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT
			countIf(event_type = 'clicked' AND timestamp >= ?),
			countIf(event_type = 'clicked' AND timestamp >= ?),
			countIf(event_type = 'clicked'),
			countIf(event_type = 'opened'  AND timestamp >= ?),
			countIf(event_type = 'opened'  AND timestamp >= ?),
			countIf(event_type = 'opened'),
			minIf(timestamp, event_type = 'clicked'),
			maxIf(timestamp, event_type = 'clicked'),
			minIf(timestamp, event_type = 'opened'),
			maxIf(timestamp, event_type = 'opened')
		FROM email_events_dedup
		WHERE universal_id = ? AND timestamp >= ? AND suspected_bot = 0
	`, now.Add(-24*time.Hour), now.Add(-7*24*time.Hour),
		now.Add(-24*time.Hour), now.Add(-7*24*time.Hour),
		universalID, now.Add(-30*24*time.Hour)).Scan(
		&c.ClickCount1d, &c.ClickCount7d, &c.ClickCount30d,
		&c.OpenCount1d, &c.OpenCount7d, &c.OpenCount30d,
		&firstClick, &lastClick, &firstOpen, &lastOpen,
	)
	if err != nil {
		return nil, domain.Wrap(domain.KindBackendUnavailable, err, "engagement counters")
	}
	c.FirstClickTs = timePtr(firstClick)
	c.LastClickTs = timePtr(lastClick)
	c.FirstOpenTs = timePtr(firstOpen)
	c.LastOpenTs = timePtr(lastOpen)
	return c, nil
}

// ContextSignals returns recent events of the given types for one user,
// newest first. The decision engine uses this for hot paths (short window)
// and circuit breakers (long windows); `since.IsZero()` means no cutoff,
// which the permanent spam_report breaker needs.
func (s *EventStore) ContextSignals(ctx context.Context, universalID string, types []domain.EventType, since time.Time) ([]domain.ContextSignal, error) {
	if len(types) == 0 {
		return nil, nil
	}
	q := `
		SELECT universal_id, event_type, timestamp, provider
		FROM email_events_dedup
		WHERE universal_id = ? AND event_type IN (?`
	args := []interface{}{universalID, string(types[0])}
	for _, t := range types[1:] {
		q += ", ?"
		args = append(args, string(t))
	}
	q += ")"
	if !since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, since.UTC())
	}
	q += " ORDER BY timestamp DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, domain.Wrap(domain.KindBackendUnavailable, err, "context signals")
	}
	defer rows.Close()

	var out []domain.ContextSignal
	for rows.Next() {
		var sig domain.ContextSignal
		var typ string
		if err := rows.Scan(&sig.UniversalID, &typ, &sig.Timestamp, &sig.Provider); err != nil {
			return nil, fmt.Errorf("scan context signal: %w", err)
		}
		sig.EventType = domain.EventType(typ)
		sig.Timestamp = sig.Timestamp.UTC()
		out = append(out, sig)
	}
	return out, rows.Err()
}

// ActiveUsers lists Universal IDs with at least minEvents non-bot events
// since the cutoff. Drives the batch feature recompute.
func (s *EventStore) ActiveUsers(ctx context.Context, since time.Time, minEvents int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT universal_id
		FROM email_events_dedup
		WHERE timestamp >= ? AND suspected_bot = 0 AND universal_id != ''
		GROUP BY universal_id
		HAVING count() >= ?
	`, since.UTC(), minEvents)
	if err != nil {
		return nil, domain.Wrap(domain.KindBackendUnavailable, err, "active users")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan universal id: %w", err)
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

// Ping verifies connectivity for the health endpoint.
func (s *EventStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.Wrap(domain.KindBackendUnavailable, err, "clickhouse ping")
	}
	return nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableUint8(v *int) interface{} {
	if v == nil {
		return nil
	}
	return uint8(*v)
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid || t.Time.IsZero() || t.Time.Unix() == 0 {
		return nil
	}
	u := t.Time.UTC()
	return &u
}
