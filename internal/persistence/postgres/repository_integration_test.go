//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/health/internal/domain"
	"example.com/health/internal/events"
)

func TestEntryStoreUpsertsOnNaturalKey(t *testing.T) {
	ctx := context.Background()
	pool := startDatabase(t, ctx)
	store := NewEntryStore(pool)

	recordKey := uuid.NewString()[:8]
	start := time.Date(2024, time.December, 15, 12, 40, 0, 0, time.UTC)
	entry := domain.ActivityEntry{
		RecordKey:    recordKey,
		StartedAt:    start,
		EndedAt:      start.Add(10 * time.Minute),
		Steps:        100,
		DistanceKm:   decimal.RequireFromString("1.23456"),
		CaloriesKcal: decimal.RequireFromString("50.5"),
	}

	affected, err := store.Upsert(ctx, entry)
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	entry.Steps = 120
	entry.DistanceKm = decimal.RequireFromString("2")
	affected, err = store.Upsert(ctx, entry)
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	entries, err := store.ListByRecordKey(ctx, recordKey)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 120, entries[0].Steps)
	require.Equal(t, "2.000", entries[0].DistanceKm.StringFixed(3))
	require.Equal(t, "50.50", entries[0].CaloriesKcal.StringFixed(2))
	require.True(t, entries[0].StartedAt.Equal(start))
	require.False(t, entries[0].UpdatedAt.Before(entries[0].CreatedAt))
}

func TestEntryStoreListPage(t *testing.T) {
	ctx := context.Background()
	pool := startDatabase(t, ctx)
	store := NewEntryStore(pool)

	recordKey := "page-" + uuid.NewString()[:8]
	base := time.Date(2024, time.December, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		start := base.Add(time.Duration(i) * time.Hour)
		_, err := store.Upsert(ctx, domain.ActivityEntry{RecordKey: recordKey, StartedAt: start, EndedAt: start.Add(time.Minute), Steps: i})
		require.NoError(t, err)
	}

	page, next, err := store.ListPage(ctx, recordKey, nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.NotNil(t, next)

	page, next, err = store.ListPage(ctx, recordKey, next, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Nil(t, next)
	require.Equal(t, 2, page[0].Steps)
}

func TestOutboxRecorderDeduplicatesBatch(t *testing.T) {
	ctx := context.Background()
	pool := startDatabase(t, ctx)
	recorder := NewOutboxRecorder(pool)

	event := events.EntriesIngested{
		BatchID:    uuid.NewString(),
		RecordKey:  "rk-outbox",
		LastUpdate: time.Now().UTC(),
		Ingested:   2,
		OccurredAt: time.Now().UTC(),
	}
	require.NoError(t, recorder.RecordIngest(ctx, event))
	require.NoError(t, recorder.RecordIngest(ctx, event))

	var (
		count   int
		topic   string
		payload []byte
	)
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) OVER (), topic, payload FROM outbox WHERE aggregate_id = $1`, event.RecordKey,
	).Scan(&count, &topic, &payload))
	require.Equal(t, 1, count)
	require.Equal(t, "health_events", topic)

	var decoded events.EntriesIngested
	require.NoError(t, json.Unmarshal(payload, &decoded))
	require.Equal(t, event.BatchID, decoded.BatchID)
}

func startDatabase(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("health"),
		postgrescontainer.WithUsername("health"),
		postgrescontainer.WithPassword("health"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	files := []string{
		"../../../db/postgres/migrations/0001_health_entries.up.sql",
		"../../../db/postgres/migrations/0002_outbox.up.sql",
		"../../../db/postgres/migrations/0003_health_event_log.up.sql",
	}

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	for _, rel := range files {
		contents, readErr := os.ReadFile(resolvePath(t, rel))
		require.NoError(t, readErr)

		_, execErr := pool.Exec(ctx, string(contents))
		require.NoError(t, execErr)
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
