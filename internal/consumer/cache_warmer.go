package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"example.com/health/internal/domain"
	"example.com/health/internal/events"
)

// AggregateReader recomputes and caches aggregates for a record key.
type AggregateReader interface {
	Daily(ctx context.Context, recordKey string) ([]domain.DailyAggregate, error)
	Monthly(ctx context.Context, recordKey string) ([]domain.MonthlyAggregate, error)
}

// CacheWarmer refills the aggregate cache after a batch was ingested so the
// next read for the record key is served from cache.
type CacheWarmer struct {
	reader AggregateReader
	logger *log.Logger
}

// NewCacheWarmer constructs a CacheWarmer.
func NewCacheWarmer(reader AggregateReader, logger *log.Logger) *CacheWarmer {
	if logger == nil {
		logger = log.New(log.Writer(), "[consumer] ", log.LstdFlags)
	}
	return &CacheWarmer{reader: reader, logger: logger}
}

// Handle implements Handler. Events other than entries_ingested are ignored.
func (w *CacheWarmer) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != events.EventTypeEntriesIngested {
		return nil
	}

	var event events.EntriesIngested
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.EventType, err)
	}
	recordKey := event.RecordKey
	if recordKey == "" {
		recordKey = msg.RecordKey
	}
	if recordKey == "" || event.Ingested == 0 {
		return nil
	}

	if _, err := w.reader.Daily(ctx, recordKey); err != nil {
		return fmt.Errorf("warm daily aggregates for %s: %w", recordKey, err)
	}
	if _, err := w.reader.Monthly(ctx, recordKey); err != nil {
		return fmt.Errorf("warm monthly aggregates for %s: %w", recordKey, err)
	}
	w.logger.Printf("[CACHE WARM] recordKey=%s batch=%s", recordKey, event.BatchID)
	return nil
}
