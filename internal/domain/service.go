// Package domain defines the ingestion and aggregation logic of the health service.
package domain

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"example.com/health/internal/events"
	"example.com/health/internal/normalize"
	"example.com/health/internal/observability"
)

// Service reconciles uploaded batches with stored entries and serves aggregates.
type Service struct {
	store      EntryStore
	cache      AggregateCache
	recorder   EventRecorder
	normalizer *normalize.Normalizer
	logger     *log.Logger
	locks      *keyedMutex
	now        func() time.Time
}

// Option configures optional behaviour for the Service.
type Option func(*Service)

// WithLogger overrides the logger used to report cache and ingest decisions.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithNormalizer overrides the timestamp normalizer (and with it the canonical zone).
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(s *Service) {
		s.normalizer = n
	}
}

// WithEventRecorder records an integration event for every batch that applied entries.
func WithEventRecorder(recorder EventRecorder) Option {
	return func(s *Service) {
		s.recorder = recorder
	}
}

// WithSerializedIngest serializes ingests per record key, so the marker always
// reflects the newest accepted batch even under concurrent uploads.
func WithSerializedIngest() Option {
	return func(s *Service) {
		s.locks = newKeyedMutex()
	}
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService constructs a Service. A nil cache disables caching.
func NewService(store EntryStore, cache AggregateCache, opts ...Option) *Service {
	if cache == nil {
		cache = NoopCache{}
	}
	s := &Service{
		store:      store,
		cache:      cache,
		recorder:   noopRecorder{},
		normalizer: normalize.New(nil),
		logger:     log.New(log.Writer(), "[health] ", log.LstdFlags|log.Lshortfile),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Location returns the canonical zone used for grouping.
func (s *Service) Location() *time.Location {
	return s.normalizer.Location()
}

// Ingest applies a batch and returns the number of affected entries. A batch whose
// lastUpdate is not strictly after the stored marker is skipped and reports 0.
func (s *Service) Ingest(ctx context.Context, batch UploadBatch) (int, error) {
	recordKey := batch.RecordKey

	clientLastUpdate, err := s.normalizer.NormalizePtr(batch.LastUpdate)
	if err != nil {
		observability.RecordIngestBatch(observability.OutcomeRejected)
		return 0, &ValidationError{Field: "lastUpdate", Err: err}
	}

	if s.locks != nil {
		unlock := s.locks.Lock(recordKey)
		defer unlock()
	}

	if lastUploadedAt, ok := s.marker(ctx, recordKey); ok && !clientLastUpdate.After(lastUploadedAt) {
		s.logger.Printf("[SKIP UPLOAD] lastUpdate=%s >= requested lastUpdate=%s (recordKey=%s)",
			lastUploadedAt.Format(time.RFC3339), clientLastUpdate.Format(time.RFC3339), recordKey)
		observability.RecordIngestBatch(observability.OutcomeStale)
		return 0, nil
	}

	var (
		count      int64
		applied    int
		firstStart time.Time
		lastEnd    time.Time
	)
	for i, entry := range batch.Entries {
		start, err := s.normalizer.Normalize(entry.From)
		if err != nil {
			s.abort(ctx, recordKey, applied)
			return 0, &ValidationError{Field: fmt.Sprintf("entries[%d].period.from", i), Err: err}
		}
		end, err := s.normalizer.Normalize(entry.To)
		if err != nil {
			s.abort(ctx, recordKey, applied)
			return 0, &ValidationError{Field: fmt.Sprintf("entries[%d].period.to", i), Err: err}
		}

		if entry.Steps != nil && !normalize.ValidStepCount(*entry.Steps) {
			s.abort(ctx, recordKey, applied)
			return 0, &ValidationError{Field: fmt.Sprintf("entries[%d].steps", i), Err: normalize.ErrStepCountRange}
		}

		affected, err := s.store.Upsert(ctx, ActivityEntry{
			RecordKey:    recordKey,
			StartedAt:    start,
			EndedAt:      end,
			Steps:        normalize.StepCount(entry.Steps),
			DistanceKm:   entry.DistanceKm.Round(DistanceScale),
			CaloriesKcal: entry.CaloriesKcal.Round(CaloriesScale),
		})
		if err != nil {
			s.abort(ctx, recordKey, applied)
			return 0, fmt.Errorf("upsert entry %d: %w", i, err)
		}
		count += affected
		applied++

		if firstStart.IsZero() || start.Before(firstStart) {
			firstStart = start
		}
		if end.After(lastEnd) {
			lastEnd = end
		}
	}

	s.evict(ctx, recordKey)

	if err := s.cache.SetMarker(ctx, recordKey, clientLastUpdate); err != nil {
		s.logger.Printf("marker update failed (recordKey=%s): %v", recordKey, err)
		observability.RecordCacheError("set_marker")
	} else {
		s.logger.Printf("[LASTUPDATE SYNC] recordKey=%s newLastUpdate=%s", recordKey, clientLastUpdate.Format(time.RFC3339))
	}

	if applied > 0 {
		event := events.EntriesIngested{
			BatchID:        uuid.NewString(),
			RecordKey:      recordKey,
			LastUpdate:     clientLastUpdate,
			Ingested:       int(count),
			FirstStartedAt: firstStart,
			LastEndedAt:    lastEnd,
			OccurredAt:     s.now().UTC(),
		}
		if err := s.recorder.RecordIngest(ctx, event); err != nil {
			s.logger.Printf("ingest event not recorded (recordKey=%s): %v", recordKey, err)
		}
		observability.RecordEntriesPersisted(applied, event.OccurredAt)
	}

	observability.RecordIngestBatch(observability.OutcomeAccepted)
	return int(count), nil
}

// Daily returns the per-day aggregates of a record, serving from cache when possible.
func (s *Service) Daily(ctx context.Context, recordKey string) ([]DailyAggregate, error) {
	cached, ok, err := s.cache.Daily(ctx, recordKey)
	switch {
	case err != nil:
		s.logger.Printf("daily cache read failed (recordKey=%s): %v", recordKey, err)
		observability.RecordCacheError("get_daily")
	case ok:
		s.logger.Printf("[CACHE HIT] daily recordKey=%s", recordKey)
		observability.RecordCacheLookup(observability.GranularityDaily, true)
		return cached, nil
	}
	s.logger.Printf("[CACHE MISS] daily recordKey=%s", recordKey)
	observability.RecordCacheLookup(observability.GranularityDaily, false)

	entries, err := s.store.ListByRecordKey(ctx, recordKey)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	result := AggregateDaily(entries, s.Location())

	if err := s.cache.SetDaily(ctx, recordKey, result); err != nil {
		s.logger.Printf("daily cache populate failed (recordKey=%s): %v", recordKey, err)
		observability.RecordCacheError("set_daily")
	}
	return result, nil
}

// Monthly returns the per-month aggregates of a record, serving from cache when possible.
func (s *Service) Monthly(ctx context.Context, recordKey string) ([]MonthlyAggregate, error) {
	cached, ok, err := s.cache.Monthly(ctx, recordKey)
	switch {
	case err != nil:
		s.logger.Printf("monthly cache read failed (recordKey=%s): %v", recordKey, err)
		observability.RecordCacheError("get_monthly")
	case ok:
		s.logger.Printf("[CACHE HIT] monthly recordKey=%s", recordKey)
		observability.RecordCacheLookup(observability.GranularityMonthly, true)
		return cached, nil
	}
	s.logger.Printf("[CACHE MISS] monthly recordKey=%s", recordKey)
	observability.RecordCacheLookup(observability.GranularityMonthly, false)

	entries, err := s.store.ListByRecordKey(ctx, recordKey)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	result := AggregateMonthly(entries, s.Location())

	if err := s.cache.SetMonthly(ctx, recordKey, result); err != nil {
		s.logger.Printf("monthly cache populate failed (recordKey=%s): %v", recordKey, err)
		observability.RecordCacheError("set_monthly")
	}
	return result, nil
}

// ListEntries pages through the raw entries of a record.
func (s *Service) ListEntries(ctx context.Context, recordKey string, cursor *Cursor, limit int) ([]ActivityEntry, *Cursor, error) {
	entries, next, err := s.store.ListPage(ctx, recordKey, cursor, limit)
	if err != nil {
		return nil, nil, err
	}
	for i := range entries {
		entries[i].StartedAt = entries[i].StartedAt.In(s.Location())
		entries[i].EndedAt = entries[i].EndedAt.In(s.Location())
	}
	return entries, next, nil
}

// marker reads the last accepted update. An unreachable cache counts as no marker.
func (s *Service) marker(ctx context.Context, recordKey string) (time.Time, bool) {
	marker, ok, err := s.cache.Marker(ctx, recordKey)
	if err != nil {
		s.logger.Printf("marker read failed, accepting batch (recordKey=%s): %v", recordKey, err)
		observability.RecordCacheError("get_marker")
		return time.Time{}, false
	}
	return marker, ok
}

func (s *Service) evict(ctx context.Context, recordKey string) {
	if err := s.cache.Invalidate(ctx, recordKey); err != nil {
		s.logger.Printf("cache eviction failed (recordKey=%s): %v", recordKey, err)
		observability.RecordCacheError("invalidate")
		return
	}
	s.logger.Printf("[CACHE EVICT] recordKey=%s", recordKey)
}

// abort evicts aggregates when part of a batch was already committed. The marker is left alone.
func (s *Service) abort(ctx context.Context, recordKey string, applied int) {
	observability.RecordIngestBatch(observability.OutcomeFailed)
	if applied > 0 {
		s.evict(ctx, recordKey)
	}
}
