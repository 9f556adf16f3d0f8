package domain_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/health/internal/cache"
	"example.com/health/internal/domain"
	"example.com/health/internal/events"
	"example.com/health/internal/normalize"
	"example.com/health/internal/persistence/memory"
)

type fixture struct {
	store    *memory.EntryStore
	cache    *cache.Aggregates
	recorder *captureRecorder
	svc      *domain.Service
}

func newFixture(t *testing.T, opts ...domain.Option) fixture {
	t.Helper()
	store := memory.NewEntryStore()
	agg := cache.NewAggregates(cache.NewMemoryStore())
	recorder := &captureRecorder{}
	base := []domain.Option{
		domain.WithLogger(log.New(io.Discard, "", 0)),
		domain.WithEventRecorder(recorder),
	}
	svc := domain.NewService(store, agg, append(base, opts...)...)
	return fixture{store: store, cache: agg, recorder: recorder, svc: svc}
}

func steps(v float64) *float64 { return &v }

func entry(from, to string, stepCount float64, distance, calories string) domain.UploadEntry {
	return domain.UploadEntry{
		From:         from,
		To:           to,
		Steps:        steps(stepCount),
		DistanceKm:   decimal.RequireFromString(distance),
		CaloriesKcal: decimal.RequireFromString(calories),
	}
}

func batch(lastUpdate string, entries ...domain.UploadEntry) domain.UploadBatch {
	return domain.UploadBatch{RecordKey: "rk-1", LastUpdate: &lastUpdate, Entries: entries}
}

func twoEntries() []domain.UploadEntry {
	return []domain.UploadEntry{
		entry("2024-12-15 12:40:00 +0000", "2024-12-15 12:50:00 +0000", 100, "1.000", "50.00"),
		entry("2024-12-15T13:00:00+0000", "2024-12-15T13:10:00+0000", 200, "2.000", "75.00"),
	}
}

func TestIngestIsIdempotentForSameLastUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	n, err := f.svc.Ingest(ctx, batch("2024-12-15 22:00:00", twoEntries()...))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	before, err := f.store.ListByRecordKey(ctx, "rk-1")
	require.NoError(t, err)

	n, err = f.svc.Ingest(ctx, batch("2024-12-15 22:00:00", twoEntries()...))
	require.NoError(t, err)
	require.Zero(t, n)

	after, err := f.store.ListByRecordKey(ctx, "rk-1")
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Len(t, f.recorder.events(), 1)
}

func TestIngestRejectsBatchesNotNewerThanMarker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Ingest(ctx, batch("2024-12-15 12:40:00 +0000", twoEntries()...))
	require.NoError(t, err)

	marker, ok, err := f.cache.Marker(ctx, "rk-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2024-12-15T21:40:00+09:00", marker.Format(time.RFC3339))

	fresh := []domain.UploadEntry{entry("2024-12-16 08:00:00", "2024-12-16 08:10:00", 1, "0", "0")}
	for _, lastUpdate := range []string{
		"2024-12-15 21:40:00",       // same instant, canonical zone
		"2024-12-15T12:40:00+0000",  // same instant, other shape
		"2024-12-15 11:00:00 +0000", // earlier
	} {
		n, err := f.svc.Ingest(ctx, batch(lastUpdate, fresh...))
		require.NoError(t, err, lastUpdate)
		require.Zero(t, n, lastUpdate)
	}
	require.Equal(t, 2, f.store.Len())

	n, err := f.svc.Ingest(ctx, batch("2024-12-15 21:40:01", fresh...))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 3, f.store.Len())
}

func TestIngestInvalidLastUpdateWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, raw := range []string{"", "   ", "not-a-date", "2024/12/15 10:00:00"} {
		n, err := f.svc.Ingest(ctx, batch(raw, twoEntries()...))
		require.Error(t, err)
		require.ErrorIs(t, err, domain.ErrValidation)
		require.Zero(t, n)

		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
		require.Equal(t, "lastUpdate", verr.Field)
	}

	require.Zero(t, f.store.Len())
	_, ok, err := f.cache.Marker(ctx, "rk-1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, f.recorder.events())
}

func TestIngestStopsAtFirstInvalidEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Warm the cache so the partial commit has something to evict.
	_, err := f.svc.Daily(ctx, "rk-1")
	require.NoError(t, err)
	_, ok, err := f.cache.Daily(ctx, "rk-1")
	require.NoError(t, err)
	require.True(t, ok)

	entries := append(twoEntries()[:1],
		entry("yesterday", "2024-12-15 13:10:00 +0000", 1, "0", "0"),
		entry("2024-12-15 14:00:00 +0000", "2024-12-15 14:10:00 +0000", 1, "0", "0"),
	)
	n, err := f.svc.Ingest(ctx, batch("2024-12-15 23:00:00", entries...))
	require.ErrorIs(t, err, domain.ErrValidation)
	require.Zero(t, n)

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "entries[1].period.from", verr.Field)

	require.Equal(t, 1, f.store.Len(), "entries before the failing one stay committed")

	_, ok, err = f.cache.Daily(ctx, "rk-1")
	require.NoError(t, err)
	require.False(t, ok, "aggregates must be evicted after a partial commit")

	_, ok, err = f.cache.Marker(ctx, "rk-1")
	require.NoError(t, err)
	require.False(t, ok, "marker only advances for complete batches")

	n, err = f.svc.Ingest(ctx, batch("2024-12-15 23:00:00", twoEntries()...))
	require.NoError(t, err)
	require.Equal(t, 2, n, "retrying the same batch is accepted")
}

func TestReadsReflectIngestedEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Ingest(ctx, batch("2024-12-15 22:00:00", twoEntries()...))
	require.NoError(t, err)

	daily, err := f.svc.Daily(ctx, "rk-1")
	require.NoError(t, err)
	require.Len(t, daily, 1)
	require.Equal(t, "2024-12-15", daily[0].Day)
	require.Equal(t, 300, daily[0].Steps)
	require.Equal(t, "3.000", daily[0].Distance.StringFixed(domain.DistanceScale))
	require.Equal(t, "125.00", daily[0].Calories.StringFixed(domain.CaloriesScale))

	monthly, err := f.svc.Monthly(ctx, "rk-1")
	require.NoError(t, err)
	require.Len(t, monthly, 1)
	require.Equal(t, "2024-12", monthly[0].Month)

	next := entry("2025-01-01 09:00:00", "2025-01-01 09:10:00", 50, "0.5", "10")
	_, err = f.svc.Ingest(ctx, batch("2025-01-01 10:00:00", next))
	require.NoError(t, err)

	daily, err = f.svc.Daily(ctx, "rk-1")
	require.NoError(t, err)
	require.Len(t, daily, 2)
	require.Equal(t, "2025-01-01", daily[1].Day)

	monthly, err = f.svc.Monthly(ctx, "rk-1")
	require.NoError(t, err)
	require.Len(t, monthly, 2)
	require.Equal(t, "2025-01", monthly[1].Month)
	require.Equal(t, 50, monthly[1].Steps)
}

func TestDailyServesCachedAggregates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.Daily(ctx, "rk-1")
	require.NoError(t, err)
	require.Empty(t, first)

	// A write that bypasses the reconciler is invisible until the cache entry goes away.
	start := time.Date(2024, time.December, 15, 3, 0, 0, 0, time.UTC)
	_, err = f.store.Upsert(ctx, domain.ActivityEntry{RecordKey: "rk-1", StartedAt: start, EndedAt: start.Add(time.Minute), Steps: 5})
	require.NoError(t, err)

	cached, err := f.svc.Daily(ctx, "rk-1")
	require.NoError(t, err)
	require.Empty(t, cached)

	require.NoError(t, f.cache.Invalidate(ctx, "rk-1"))
	fresh, err := f.svc.Daily(ctx, "rk-1")
	require.NoError(t, err)
	require.Len(t, fresh, 1)
}

func TestIngestOverwritesExistingWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Ingest(ctx, batch("2024-12-15 22:00:00", twoEntries()...))
	require.NoError(t, err)

	updated := entry("2024-12-15T21:40:00+0900", "2024-12-15 12:50:00 +0000", 99.5, "1.2345", "60.555")
	n, err := f.svc.Ingest(ctx, batch("2024-12-15 23:00:00", updated))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	entries, err := f.store.ListByRecordKey(ctx, "rk-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, 100, entries[0].Steps, "99.5 rounds half up")
	require.Equal(t, "1.235", entries[0].DistanceKm.StringFixed(domain.DistanceScale))
	require.Equal(t, "60.56", entries[0].CaloriesKcal.StringFixed(domain.CaloriesScale))
}

func TestIngestRejectsOversizedStepCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	huge := entry("2024-12-15 14:00:00 +0000", "2024-12-15 14:10:00 +0000", 1e300, "0", "0")
	n, err := f.svc.Ingest(ctx, batch("2024-12-15 23:00:00", append(twoEntries(), huge)...))
	require.ErrorIs(t, err, domain.ErrValidation)
	require.ErrorIs(t, err, normalize.ErrStepCountRange)
	require.Zero(t, n)

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "entries[2].steps", verr.Field)

	daily, err := f.svc.Daily(ctx, "rk-1")
	require.NoError(t, err)
	require.Len(t, daily, 1)
	require.Equal(t, 300, daily[0].Steps)
}

func TestIngestRejectsMissingLastUpdate(t *testing.T) {
	f := newFixture(t)

	n, err := f.svc.Ingest(context.Background(), domain.UploadBatch{RecordKey: "rk-1", Entries: twoEntries()})
	require.ErrorIs(t, err, domain.ErrValidation)
	require.ErrorIs(t, err, normalize.ErrUnrecognizedFormat)
	require.Zero(t, n)
	require.Zero(t, f.store.Len())
}

func TestIngestNullStepsCountsAsZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	e := entry("2024-12-15 10:00:00", "2024-12-15 10:10:00", 0, "0", "0")
	e.Steps = nil
	_, err := f.svc.Ingest(ctx, batch("2024-12-15 22:00:00", e))
	require.NoError(t, err)

	entries, err := f.store.ListByRecordKey(ctx, "rk-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Zero(t, entries[0].Steps)
}

func TestAggregatesForUnknownRecordAreEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	daily, err := f.svc.Daily(ctx, "nobody")
	require.NoError(t, err)
	require.NotNil(t, daily)
	require.Empty(t, daily)

	monthly, err := f.svc.Monthly(ctx, "nobody")
	require.NoError(t, err)
	require.NotNil(t, monthly)
	require.Empty(t, monthly)
}

func TestUnreachableCacheDegradesToRecompute(t *testing.T) {
	ctx := context.Background()
	store := memory.NewEntryStore()
	svc := domain.NewService(store, brokenCache{}, domain.WithLogger(log.New(io.Discard, "", 0)))

	n, err := svc.Ingest(ctx, batch("2024-12-15 22:00:00", twoEntries()...))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Without a readable marker the same batch is accepted again; upserts keep it harmless.
	n, err = svc.Ingest(ctx, batch("2024-12-15 22:00:00", twoEntries()...))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, store.Len())

	daily, err := svc.Daily(ctx, "rk-1")
	require.NoError(t, err)
	require.Len(t, daily, 1)
	require.Equal(t, 300, daily[0].Steps)

	monthly, err := svc.Monthly(ctx, "rk-1")
	require.NoError(t, err)
	require.Len(t, monthly, 1)
}

func TestStorageUnavailablePropagates(t *testing.T) {
	ctx := context.Background()
	agg := cache.NewAggregates(cache.NewMemoryStore())
	store := &flakyStore{EntryStore: memory.NewEntryStore(), failAfter: 1}
	svc := domain.NewService(store, agg, domain.WithLogger(log.New(io.Discard, "", 0)))

	n, err := svc.Ingest(ctx, batch("2024-12-15 22:00:00", twoEntries()...))
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
	require.Zero(t, n)
	require.Equal(t, 1, store.Len())

	_, ok, err := agg.Marker(ctx, "rk-1")
	require.NoError(t, err)
	require.False(t, ok)

	store.failAfter = -1
	_, err = svc.Daily(ctx, "rk-1")
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestIngestRecordsEvent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, time.December, 15, 13, 0, 0, 0, time.UTC)
	f := newFixture(t, domain.WithClock(func() time.Time { return now }))

	_, err := f.svc.Ingest(ctx, batch("2024-12-15 22:00:00", twoEntries()...))
	require.NoError(t, err)

	recorded := f.recorder.events()
	require.Len(t, recorded, 1)
	event := recorded[0]
	require.NotEmpty(t, event.BatchID)
	require.Equal(t, "rk-1", event.RecordKey)
	require.Equal(t, 2, event.Ingested)
	require.True(t, event.FirstStartedAt.Equal(time.Date(2024, time.December, 15, 12, 40, 0, 0, time.UTC)))
	require.True(t, event.LastEndedAt.Equal(time.Date(2024, time.December, 15, 13, 10, 0, 0, time.UTC)))
	require.True(t, event.OccurredAt.Equal(now))

	// Accepted batches without entries advance the marker but emit nothing.
	_, err = f.svc.Ingest(ctx, batch("2024-12-15 23:00:00"))
	require.NoError(t, err)
	require.Len(t, f.recorder.events(), 1)
}

func TestSerializedIngestKeepsNewestMarker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, domain.WithSerializedIngest())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(minute int) {
			defer wg.Done()
			lastUpdate := fmt.Sprintf("2024-12-15 22:%02d:00", minute)
			from := fmt.Sprintf("2024-12-15 10:%02d:00", minute)
			to := fmt.Sprintf("2024-12-15 10:%02d:30", minute)
			_, err := f.svc.Ingest(ctx, batch(lastUpdate, entry(from, to, 1, "0", "0")))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	marker, ok, err := f.cache.Marker(ctx, "rk-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2024-12-15T22:19:00+09:00", marker.Format(time.RFC3339))
}

func TestListEntriesUsesCanonicalZone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Ingest(ctx, batch("2024-12-15 22:00:00", twoEntries()...))
	require.NoError(t, err)

	page, next, err := f.svc.ListEntries(ctx, "rk-1", nil, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.NotNil(t, next)
	require.Equal(t, "2024-12-15T21:40:00+09:00", page[0].StartedAt.Format(time.RFC3339))

	page, next, err = f.svc.ListEntries(ctx, "rk-1", next, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, 200, page[0].Steps)
	require.NotNil(t, next)
}

type captureRecorder struct {
	mu       sync.Mutex
	recorded []events.EntriesIngested
}

func (r *captureRecorder) RecordIngest(_ context.Context, event events.EntriesIngested) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, event)
	return nil
}

func (r *captureRecorder) events() []events.EntriesIngested {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.EntriesIngested(nil), r.recorded...)
}

var errCacheDown = fmt.Errorf("%w: connection refused", cache.ErrUnavailable)

type brokenCache struct{}

func (brokenCache) Daily(context.Context, string) ([]domain.DailyAggregate, bool, error) {
	return nil, false, errCacheDown
}
func (brokenCache) SetDaily(context.Context, string, []domain.DailyAggregate) error {
	return errCacheDown
}
func (brokenCache) Monthly(context.Context, string) ([]domain.MonthlyAggregate, bool, error) {
	return nil, false, errCacheDown
}
func (brokenCache) SetMonthly(context.Context, string, []domain.MonthlyAggregate) error {
	return errCacheDown
}
func (brokenCache) Invalidate(context.Context, string) error { return errCacheDown }
func (brokenCache) Marker(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, errCacheDown
}
func (brokenCache) SetMarker(context.Context, string, time.Time) error { return errCacheDown }

// flakyStore fails every call once failAfter upserts have succeeded. A negative
// failAfter fails immediately.
type flakyStore struct {
	*memory.EntryStore
	failAfter int
	upserts   int
}

func (s *flakyStore) unavailable() error {
	return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, errors.New("dial tcp: connection refused"))
}

func (s *flakyStore) Upsert(ctx context.Context, e domain.ActivityEntry) (int64, error) {
	if s.failAfter < 0 || s.upserts >= s.failAfter {
		return 0, s.unavailable()
	}
	s.upserts++
	return s.EntryStore.Upsert(ctx, e)
}

func (s *flakyStore) ListByRecordKey(ctx context.Context, recordKey string) ([]domain.ActivityEntry, error) {
	if s.failAfter < 0 {
		return nil, s.unavailable()
	}
	return s.EntryStore.ListByRecordKey(ctx, recordKey)
}
