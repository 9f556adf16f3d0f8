package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"example.com/health/internal/events"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PersistenceHandler keeps an audit trail of consumed health events in
// health_event_log. Batch id, ingested count and lastUpdate of an
// entries_ingested event get their own columns so a record's upload history
// can be queried without unpacking payloads.
type PersistenceHandler struct {
	db execer
}

// NewPersistenceHandler constructs a handler backed by db, usually a *pgxpool.Pool.
func NewPersistenceHandler(db execer) *PersistenceHandler {
	return &PersistenceHandler{db: db}
}

// Handle stores the event. Redelivered records are ignored so the log holds each offset once.
func (h *PersistenceHandler) Handle(ctx context.Context, msg Message) error {
	var (
		batchID    *string
		ingested   *int
		lastUpdate *time.Time
	)
	if msg.EventType == events.EventTypeEntriesIngested {
		var event events.EntriesIngested
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return fmt.Errorf("decode %s payload: %w", msg.EventType, err)
		}
		if event.RecordKey != "" && event.RecordKey != msg.RecordKey {
			return fmt.Errorf("record_key %q does not match payload record_key %q", msg.RecordKey, event.RecordKey)
		}
		batchID, ingested = &event.BatchID, &event.Ingested
		if !event.LastUpdate.IsZero() {
			lastUpdate = &event.LastUpdate
		}
	}

	receivedAt := msg.Timestamp
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	_, err := h.db.Exec(ctx,
		`INSERT INTO health_event_log (event_type, record_key, batch_id, ingested, last_update, schema_id, schema_subject, topic, partition, record_offset, payload, received_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
         ON CONFLICT (topic, partition, record_offset) DO NOTHING`,
		msg.EventType,
		msg.RecordKey,
		batchID,
		ingested,
		lastUpdate,
		msg.SchemaID,
		msg.SchemaSubject,
		msg.Topic,
		msg.Partition,
		msg.Offset,
		msg.Payload,
		receivedAt,
	)
	if err != nil {
		return fmt.Errorf("log %s for %s: %w", msg.EventType, msg.RecordKey, err)
	}
	return nil
}
