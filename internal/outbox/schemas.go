package outbox

import (
	"encoding/json"
	"errors"
	"fmt"

	"example.com/health/internal/events"
)

const entriesIngestedSchema = `{
  "type": "object",
  "title": "EntriesIngested",
  "properties": {
    "batch_id": {"type": "string"},
    "record_key": {"type": "string"},
    "last_update": {"type": "string", "format": "date-time"},
    "ingested": {"type": "integer", "minimum": 0},
    "first_started_at": {"type": "string", "format": "date-time"},
    "last_ended_at": {"type": "string", "format": "date-time"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["batch_id", "record_key", "last_update", "ingested", "occurred_at"],
  "additionalProperties": false
}`

// validateEntriesIngested checks that payload is an EntriesIngested event for recordKey.
func validateEntriesIngested(payload []byte, recordKey string) error {
	var event events.EntriesIngested
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("decode entries_ingested: %w", err)
	}
	switch {
	case event.BatchID == "":
		return errors.New("entries_ingested without batch_id")
	case event.RecordKey == "":
		return errors.New("entries_ingested without record_key")
	case event.RecordKey != recordKey:
		return fmt.Errorf("entries_ingested for %q stored under %q", event.RecordKey, recordKey)
	case event.Ingested < 0:
		return errors.New("entries_ingested with negative count")
	}
	return nil
}
