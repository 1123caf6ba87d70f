package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sendflowr/timing-engine/internal/domain"
	"github.com/sendflowr/timing-engine/internal/identity"
	"github.com/sendflowr/timing-engine/internal/pkg/backoff"
)

var fastRetry = backoff.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

type fakeConsumer struct {
	committed []kafka.Message
}

func (f *fakeConsumer) FetchMessage(_ context.Context) (kafka.Message, error) {
	return kafka.Message{}, context.Canceled
}

func (f *fakeConsumer) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.committed = append(f.committed, msgs...)
	return nil
}

type fakeProducer struct {
	written []kafka.Message
}

func (f *fakeProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.written = append(f.written, msgs...)
	return nil
}

type fakeResolver struct {
	uid      string
	failures int
	err      error
	calls    int
}

func (f *fakeResolver) Resolve(_ context.Context, _ identity.RawIdentifiers) (*domain.Resolution, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.calls <= f.failures {
		return nil, domain.E(domain.KindBackendUnavailable, "transient")
	}
	return &domain.Resolution{UniversalID: f.uid, Confidence: 1}, nil
}

type fakeSink struct {
	inserted []domain.Event
	err      error
}

func (f *fakeSink) InsertEvent(_ context.Context, e domain.Event) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, e)
	return nil
}

func newTestPipeline(resolver *fakeResolver, sink *fakeSink) (*Pipeline, *fakeConsumer, *fakeProducer) {
	consumer := &fakeConsumer{}
	dlq := &fakeProducer{}
	p := NewPipeline(consumer, dlq, resolver, sink, fastRetry)
	p.now = func() time.Time { return time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC) }
	return p, consumer, dlq
}

func validMessage(t *testing.T) kafka.Message {
	t.Helper()
	raw := map[string]interface{}{
		"event_id":        "evt_1",
		"event_type":      "clicked",
		"timestamp":       "2026-08-19T11:30:00Z",
		"esp":             "sparkpost",
		"campaign_id":     "camp_1",
		"recipient_email": "alice@example.com",
		"metadata": map[string]interface{}{
			"user_agent":      "Mozilla/5.0",
			"latency_seconds": 95.5,
			"hour_of_day":     11,
		},
	}
	value, err := json.Marshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Partition: 1, Offset: 42, Value: value}
}

func TestHandleInsertsAndCommits(t *testing.T) {
	resolver := &fakeResolver{uid: "sf_u1"}
	sink := &fakeSink{}
	p, consumer, dlq := newTestPipeline(resolver, sink)

	if err := p.handle(context.Background(), validMessage(t)); err != nil {
		t.Fatal(err)
	}
	if len(sink.inserted) != 1 {
		t.Fatalf("inserted = %d, want 1", len(sink.inserted))
	}
	e := sink.inserted[0]
	if e.UniversalID != "sf_u1" || e.EventType != domain.EventClicked {
		t.Errorf("event = %+v", e)
	}
	// Plain email never reaches the store; only its hash does.
	if e.RecipientEmailHash != identity.HashEmail("alice@example.com") {
		t.Errorf("email hash = %s", e.RecipientEmailHash)
	}
	if strings.Contains(e.RecipientEmailHash, "@") {
		t.Error("hash still looks like an email")
	}
	if e.LatencySeconds == nil || *e.LatencySeconds != 95.5 {
		t.Errorf("latency feature not extracted: %v", e.LatencySeconds)
	}
	if e.HourOfDay == nil || *e.HourOfDay != 11 {
		t.Errorf("hour_of_day not extracted: %v", e.HourOfDay)
	}
	if len(consumer.committed) != 1 || consumer.committed[0].Offset != 42 {
		t.Errorf("committed = %+v, want the processed offset", consumer.committed)
	}
	if len(dlq.written) != 0 {
		t.Errorf("dlq = %+v, want empty", dlq.written)
	}
}

func TestHandleMalformedGoesToDLQ(t *testing.T) {
	resolver := &fakeResolver{uid: "sf_u1"}
	sink := &fakeSink{}
	p, consumer, dlq := newTestPipeline(resolver, sink)

	msg := kafka.Message{Partition: 3, Offset: 7, Key: []byte("k"), Value: []byte("{not json")}
	if err := p.handle(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if len(dlq.written) != 1 {
		t.Fatalf("dlq = %d messages, want 1", len(dlq.written))
	}
	var payload dlqPayload
	if err := json.Unmarshal(dlq.written[0].Value, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Partition != 3 || payload.Offset != 7 || payload.OriginalValue != "{not json" {
		t.Errorf("dlq payload = %+v", payload)
	}
	if payload.Error == "" || payload.IngestedAt.IsZero() {
		t.Errorf("dlq payload missing error/ingested_at: %+v", payload)
	}
	// Poison offsets still commit so the partition moves on.
	if len(consumer.committed) != 1 {
		t.Errorf("committed = %d, want 1", len(consumer.committed))
	}
	if len(sink.inserted) != 0 {
		t.Error("poison message must not be inserted")
	}
}

func TestHandleMissingRequiredFieldGoesToDLQ(t *testing.T) {
	p, _, dlq := newTestPipeline(&fakeResolver{uid: "sf_u1"}, &fakeSink{})

	msg := kafka.Message{Value: []byte(`{"event_type":"opened","timestamp":"2026-08-19T11:00:00Z"}`)}
	if err := p.handle(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if len(dlq.written) != 1 {
		t.Fatalf("dlq = %d, want 1 for missing event_id", len(dlq.written))
	}
}

func TestHandleRetriesTransientResolver(t *testing.T) {
	resolver := &fakeResolver{uid: "sf_u1", failures: 2}
	sink := &fakeSink{}
	p, consumer, dlq := newTestPipeline(resolver, sink)

	if err := p.handle(context.Background(), validMessage(t)); err != nil {
		t.Fatal(err)
	}
	if resolver.calls != 3 {
		t.Errorf("resolver calls = %d, want 3 (2 failures + success)", resolver.calls)
	}
	if len(sink.inserted) != 1 || len(consumer.committed) != 1 || len(dlq.written) != 0 {
		t.Errorf("inserted=%d committed=%d dlq=%d", len(sink.inserted), len(consumer.committed), len(dlq.written))
	}
}

func TestHandleExhaustedResolverGoesToDLQ(t *testing.T) {
	// One unresolvable message must not stall the partition: after the full
	// retry schedule it dead-letters and the offset commits.
	resolver := &fakeResolver{uid: "sf_u1", failures: 100}
	sink := &fakeSink{}
	p, consumer, dlq := newTestPipeline(resolver, sink)

	if err := p.handle(context.Background(), validMessage(t)); err != nil {
		t.Fatal(err)
	}
	if resolver.calls != fastRetry.MaxAttempts+1 {
		t.Errorf("resolver calls = %d, want %d", resolver.calls, fastRetry.MaxAttempts+1)
	}
	if len(dlq.written) != 1 {
		t.Fatalf("dlq = %d, want 1 after exhausted retries", len(dlq.written))
	}
	if len(consumer.committed) != 1 {
		t.Errorf("committed = %d, want 1 so the partition moves on", len(consumer.committed))
	}
	if len(sink.inserted) != 0 {
		t.Error("unresolved message must not be inserted")
	}
	if got := p.Stats(); got.DeadLettered != 1 {
		t.Errorf("stats = %+v, want DeadLettered 1", got)
	}
}

func TestHandleExhaustedInsertGoesToDLQ(t *testing.T) {
	resolver := &fakeResolver{uid: "sf_u1"}
	sink := &fakeSink{err: domain.E(domain.KindBackendUnavailable, "clickhouse down")}
	p, consumer, dlq := newTestPipeline(resolver, sink)

	if err := p.handle(context.Background(), validMessage(t)); err != nil {
		t.Fatal(err)
	}
	if len(dlq.written) != 1 || len(consumer.committed) != 1 {
		t.Errorf("dlq=%d committed=%d, want 1 and 1", len(dlq.written), len(consumer.committed))
	}
}

func TestHandleShutdownKeepsOffsetForReplay(t *testing.T) {
	resolver := &fakeResolver{uid: "sf_u1", failures: 100}
	p, consumer, dlq := newTestPipeline(resolver, &fakeSink{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.handle(ctx, validMessage(t))
	if err == nil {
		t.Fatal("cancelled handle must surface the error")
	}
	if len(consumer.committed) != 0 {
		t.Error("offset must not commit during shutdown")
	}
	if len(dlq.written) != 0 {
		t.Error("shutdown replays the message, never dead-letters it")
	}
}

func TestHandleBotFlagging(t *testing.T) {
	resolver := &fakeResolver{uid: "sf_bot"}
	sink := &fakeSink{}
	p, _, _ := newTestPipeline(resolver, sink)

	raw := `{"event_id":"evt_b","event_type":"opened","timestamp":"2026-08-19T11:59:59Z",` +
		`"recipient_email":"bob@example.com","metadata":{"user_agent":"Googlebot/2.1","ip_address":"66.249.1.1"}}`
	if err := p.handle(context.Background(), kafka.Message{Value: []byte(raw)}); err != nil {
		t.Fatal(err)
	}
	if len(sink.inserted) != 1 {
		t.Fatal("bot events are stored, only flagged")
	}
	meta := sink.inserted[0].Metadata
	if !meta.SuspectedBot || len(meta.BotReasons) < 2 {
		t.Errorf("metadata = %+v, want scanner_ip_range and bot_user_agent", meta)
	}
	if got := p.Stats(); got.BotFlagged != 1 || got.Processed != 1 {
		t.Errorf("stats = %+v", got)
	}
}

func TestBackfillIdempotent(t *testing.T) {
	resolver := &fakeResolver{uid: "sf_bf"}
	sink := &backfillSink{seen: map[string]bool{"sparkpost|evt_1|camp_1": true}}
	b := NewBackfiller(resolver, sink, fastRetry)
	b.now = func() time.Time { return time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC) }

	lines := []string{
		`{"event_id":"evt_1","event_type":"clicked","timestamp":"2026-08-10T09:00:00Z","esp":"sparkpost","campaign_id":"camp_1","recipient_email":"a@b.com"}`,
		`{"event_id":"evt_2","event_type":"clicked","timestamp":"2026-08-11T09:00:00Z","esp":"sparkpost","campaign_id":"camp_1","recipient_email":"a@b.com"}`,
		`{"event_type":"clicked"}`,
	}
	res, err := b.Run(context.Background(), strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		t.Fatal(err)
	}
	if res.Read != 3 || res.Inserted != 1 || res.Skipped != 1 || res.Rejected != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(sink.inserted) != 1 || sink.inserted[0].EventID != "evt_2" {
		t.Errorf("inserted = %+v", sink.inserted)
	}
}

type backfillSink struct {
	fakeSink
	seen map[string]bool
}

func (f *backfillSink) EventExists(_ context.Context, esp, eventID, campaignID string) (bool, error) {
	return f.seen[esp+"|"+eventID+"|"+campaignID], nil
}
