package domain

import (
	"context"
	"time"

	"example.com/health/internal/events"
)

// EntryStore captures persistence operations for activity entries.
type EntryStore interface {
	// Upsert inserts the entry or overwrites the metrics of the entry sharing its natural key.
	Upsert(ctx context.Context, entry ActivityEntry) (int64, error)
	// ListByRecordKey returns every entry of the record ordered by StartedAt ascending.
	ListByRecordKey(ctx context.Context, recordKey string) ([]ActivityEntry, error)
	// ListPage returns up to limit entries after cursor, ordered by StartedAt ascending.
	ListPage(ctx context.Context, recordKey string, cursor *Cursor, limit int) ([]ActivityEntry, *Cursor, error)
}

// AggregateCache stores derived aggregates and the last accepted update marker.
// Implementations report a miss with ok=false and a nil error.
type AggregateCache interface {
	Daily(ctx context.Context, recordKey string) ([]DailyAggregate, bool, error)
	SetDaily(ctx context.Context, recordKey string, aggregates []DailyAggregate) error
	Monthly(ctx context.Context, recordKey string) ([]MonthlyAggregate, bool, error)
	SetMonthly(ctx context.Context, recordKey string, aggregates []MonthlyAggregate) error
	// Invalidate removes both aggregate granularities for the record.
	Invalidate(ctx context.Context, recordKey string) error
	Marker(ctx context.Context, recordKey string) (time.Time, bool, error)
	SetMarker(ctx context.Context, recordKey string, marker time.Time) error
}

// EventRecorder records integration events for accepted batches.
type EventRecorder interface {
	RecordIngest(ctx context.Context, event events.EntriesIngested) error
}

// NoopCache always misses and discards writes.
type NoopCache struct{}

func (NoopCache) Daily(context.Context, string) ([]DailyAggregate, bool, error) {
	return nil, false, nil
}

func (NoopCache) SetDaily(context.Context, string, []DailyAggregate) error { return nil }

func (NoopCache) Monthly(context.Context, string) ([]MonthlyAggregate, bool, error) {
	return nil, false, nil
}

func (NoopCache) SetMonthly(context.Context, string, []MonthlyAggregate) error { return nil }

func (NoopCache) Invalidate(context.Context, string) error { return nil }

func (NoopCache) Marker(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (NoopCache) SetMarker(context.Context, string, time.Time) error { return nil }

type noopRecorder struct{}

func (noopRecorder) RecordIngest(context.Context, events.EntriesIngested) error { return nil }
