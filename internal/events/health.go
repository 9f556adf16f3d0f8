// Package events defines the integration event payloads published by the health service.
package events

import "time"

// EventTypeEntriesIngested is emitted after a batch has been applied to the entry store.
const EventTypeEntriesIngested = "health.entries_ingested"

// Kafka routing of health events.
const (
	TopicHealthEvents   = "health_events"
	SubjectHealthEvents = TopicHealthEvents + "-value"
)

// EntriesIngested describes an accepted upload batch.
type EntriesIngested struct {
	BatchID        string    `json:"batch_id"`
	RecordKey      string    `json:"record_key"`
	LastUpdate     time.Time `json:"last_update"`
	Ingested       int       `json:"ingested"`
	FirstStartedAt time.Time `json:"first_started_at"`
	LastEndedAt    time.Time `json:"last_ended_at"`
	OccurredAt     time.Time `json:"occurred_at"`
}
