package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/health/internal/domain"
	"example.com/health/internal/events"
)

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	SchemaSubject  string
	PartitionKeyFn func(events.EntriesIngested) string
}

var eventCatalog = map[string]EventMetadata{
	events.EventTypeEntriesIngested: {
		Topic:         events.TopicHealthEvents,
		SchemaSubject: events.SubjectHealthEvents,
		PartitionKeyFn: func(e events.EntriesIngested) string {
			return e.RecordKey
		},
	},
}

// Topics lists every topic the outbox may publish to.
func Topics() []string {
	topics := make([]string, 0, len(eventCatalog))
	for _, meta := range eventCatalog {
		topics = append(topics, meta.Topic)
	}
	return topics
}

// OutboxRecorder writes integration events into the outbox table for the dispatcher.
type OutboxRecorder struct {
	pool *pgxpool.Pool
}

var _ domain.EventRecorder = (*OutboxRecorder)(nil)

// NewOutboxRecorder constructs an OutboxRecorder.
func NewOutboxRecorder(pool *pgxpool.Pool) *OutboxRecorder {
	return &OutboxRecorder{pool: pool}
}

// RecordIngest stores the event once per batch; replays of the same batch ID are ignored.
func (r *OutboxRecorder) RecordIngest(ctx context.Context, event events.EntriesIngested) error {
	const eventType = events.EventTypeEntriesIngested

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = r.pool.Exec(ctx, stmt,
		"health_record",
		event.RecordKey,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		meta.PartitionKeyFn(event),
		body,
		fmt.Sprintf("%s:%s", event.BatchID, eventType),
	)
	return classify(err)
}
