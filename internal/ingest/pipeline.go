package ingest

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sendflowr/timing-engine/internal/domain"
	"github.com/sendflowr/timing-engine/internal/identity"
	"github.com/sendflowr/timing-engine/internal/pkg/backoff"
	"github.com/sendflowr/timing-engine/internal/pkg/logger"
)

// Consumer is the slice of *kafka.Reader the pipeline uses. FetchMessage
// does not auto-commit; offsets advance only through CommitMessages.
type Consumer interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Producer is the slice of *kafka.Writer used for the dead-letter topic.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Resolver maps inbound identifier sets to Universal IDs.
type Resolver interface {
	Resolve(ctx context.Context, raw identity.RawIdentifiers) (*domain.Resolution, error)
}

// EventSink appends normalized events to the event store.
type EventSink interface {
	InsertEvent(ctx context.Context, e domain.Event) error
}

// Stats counts pipeline outcomes; read with atomic loads.
type Stats struct {
	Processed    int64
	DeadLettered int64
	BotFlagged   int64
}

// Pipeline consumes one partition-assigned reader serially. Run one Pipeline
// per partition; within a partition processing is strictly in order.
type Pipeline struct {
	consumer Consumer
	dlq      Producer
	resolver Resolver
	events   EventSink
	retry    backoff.Policy
	now      func() time.Time

	stats Stats
}

// NewPipeline wires an ingestion pipeline. The retry policy governs
// transient resolver and store failures; poison messages skip it entirely.
func NewPipeline(consumer Consumer, dlq Producer, resolver Resolver, events EventSink, retry backoff.Policy) *Pipeline {
	if retry.MaxAttempts == 0 {
		retry = backoff.Default()
	}
	return &Pipeline{
		consumer: consumer,
		dlq:      dlq,
		resolver: resolver,
		events:   events,
		retry:    retry,
		now:      time.Now,
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed:    atomic.LoadInt64(&p.stats.Processed),
		DeadLettered: atomic.LoadInt64(&p.stats.DeadLettered),
		BotFlagged:   atomic.LoadInt64(&p.stats.BotFlagged),
	}
}

// Run consumes until the context is cancelled. Offsets commit only after the
// event store insert (or a dead-letter write) succeeds, so a crash replays
// rather than drops.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		msg, err := p.consumer.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return domain.Wrap(domain.KindBackendUnavailable, err, "fetch message")
		}
		if err := p.handle(ctx, msg); err != nil {
			return err
		}
	}
}

// handle processes one message to completion: normalized insert, or DLQ.
// A failure that survives the full retry schedule dead-letters the message
// so one bad record cannot stall the partition. Shutdown is the exception:
// the uncommitted offset replays on restart.
func (p *Pipeline) handle(ctx context.Context, msg kafka.Message) error {
	event, err := p.process(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		if dlqErr := p.deadLetter(ctx, msg, err); dlqErr != nil {
			return dlqErr
		}
		return p.commit(ctx, msg)
	}

	insert := func(ctx context.Context) error {
		return p.events.InsertEvent(ctx, *event)
	}
	if err := p.retry.Retry(ctx, domain.Retryable, insert); err != nil {
		if ctx.Err() != nil {
			return err
		}
		if dlqErr := p.deadLetter(ctx, msg, err); dlqErr != nil {
			return dlqErr
		}
		return p.commit(ctx, msg)
	}
	atomic.AddInt64(&p.stats.Processed, 1)
	if event.Metadata.SuspectedBot {
		atomic.AddInt64(&p.stats.BotFlagged, 1)
	}
	return p.commit(ctx, msg)
}

// process runs deserialize → validate → resolve → hash → bot-flag → extract.
func (p *Pipeline) process(ctx context.Context, msg kafka.Message) (*domain.Event, error) {
	raw, ts, err := parseRaw(msg.Value)
	if err != nil {
		return nil, err
	}

	ids := raw.identifiers()
	var res *domain.Resolution
	if ids.Empty() {
		// No identifiers at all; keyed messages carry the Universal ID.
		if len(msg.Key) == 0 {
			return nil, domain.E(domain.KindInvalidInput, "event %s has no identifiers and no key", raw.EventID)
		}
		res = &domain.Resolution{UniversalID: string(msg.Key)}
	} else {
		resolve := func(ctx context.Context) error {
			var rerr error
			res, rerr = p.resolver.Resolve(ctx, ids)
			return rerr
		}
		if err := p.retry.Retry(ctx, domain.Retryable, resolve); err != nil {
			return nil, err
		}
	}

	event := raw.toEvent(ts, res.UniversalID)
	FlagBot(&event, p.now().UTC())
	return &event, nil
}

func (p *Pipeline) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	payload, err := json.Marshal(dlqPayload{
		Error:         cause.Error(),
		OriginalKey:   string(msg.Key),
		OriginalValue: string(msg.Value),
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		IngestedAt:    p.now().UTC(),
	})
	if err != nil {
		return err
	}
	write := func(ctx context.Context) error {
		return p.dlq.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: payload})
	}
	if err := p.retry.Retry(ctx, func(error) bool { return true }, write); err != nil {
		return domain.Wrap(domain.KindBackendUnavailable, err, "dead-letter write")
	}
	atomic.AddInt64(&p.stats.DeadLettered, 1)
	logger.Warn("event dead-lettered",
		"partition", msg.Partition, "offset", msg.Offset, "error", cause.Error())
	return nil
}

func (p *Pipeline) commit(ctx context.Context, msg kafka.Message) error {
	if err := p.consumer.CommitMessages(ctx, msg); err != nil {
		return domain.Wrap(domain.KindBackendUnavailable, err, "commit offset %d", msg.Offset)
	}
	return nil
}
