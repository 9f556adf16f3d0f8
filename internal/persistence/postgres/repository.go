// Package postgres implements the entry store and event outbox on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"example.com/health/internal/domain"
)

// EntryStore provides Postgres-backed persistence for activity entries.
type EntryStore struct {
	pool *pgxpool.Pool
}

var _ domain.EntryStore = (*EntryStore)(nil)

// NewEntryStore constructs an EntryStore.
func NewEntryStore(pool *pgxpool.Pool) *EntryStore {
	return &EntryStore{pool: pool}
}

const entryColumns = `entry_id, record_key, started_at, ended_at, steps, distance_km::text, calories_kcal::text, created_at, updated_at`

// Upsert inserts the entry or overwrites the metrics of the row sharing its window.
func (s *EntryStore) Upsert(ctx context.Context, entry domain.ActivityEntry) (int64, error) {
	const stmt = `INSERT INTO health_entries (record_key, started_at, ended_at, steps, distance_km, calories_kcal)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (record_key, started_at, ended_at) DO UPDATE
        SET steps = EXCLUDED.steps,
            distance_km = EXCLUDED.distance_km,
            calories_kcal = EXCLUDED.calories_kcal,
            updated_at = NOW()`

	tag, err := s.pool.Exec(ctx, stmt,
		entry.RecordKey,
		entry.StartedAt.UTC(),
		entry.EndedAt.UTC(),
		entry.Steps,
		entry.DistanceKm.StringFixed(domain.DistanceScale),
		entry.CaloriesKcal.StringFixed(domain.CaloriesScale),
	)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

// ListByRecordKey returns all entries of the record in chronological order.
func (s *EntryStore) ListByRecordKey(ctx context.Context, recordKey string) ([]domain.ActivityEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM health_entries WHERE record_key=$1 ORDER BY started_at, entry_id`

	rows, err := s.pool.Query(ctx, query, recordKey)
	if err != nil {
		return nil, classify(err)
	}
	return collectEntries(rows, 0)
}

// ListPage returns entries after cursor ordered by time.
func (s *EntryStore) ListPage(ctx context.Context, recordKey string, cursor *domain.Cursor, limit int) ([]domain.ActivityEntry, *domain.Cursor, error) {
	args := []any{recordKey, limit}
	query := `SELECT ` + entryColumns + ` FROM health_entries WHERE record_key=$1`

	if cursor != nil {
		query += ` AND (started_at, entry_id) > ($3, $4)`
		args = append(args, cursor.StartedAt.UTC(), cursor.ID)
	}

	query += ` ORDER BY started_at, entry_id LIMIT $2`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, classify(err)
	}
	results, err := collectEntries(rows, limit)
	if err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		nextCursor = &domain.Cursor{StartedAt: last.StartedAt, ID: last.ID}
	}
	return results, nextCursor, nil
}

func collectEntries(rows pgx.Rows, capacity int) ([]domain.ActivityEntry, error) {
	defer rows.Close()

	results := make([]domain.ActivityEntry, 0, capacity)
	for rows.Next() {
		var (
			entry              domain.ActivityEntry
			distance, calories string
		)
		if err := rows.Scan(&entry.ID, &entry.RecordKey, &entry.StartedAt, &entry.EndedAt, &entry.Steps, &distance, &calories, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		var err error
		if entry.DistanceKm, err = decimal.NewFromString(distance); err != nil {
			return nil, fmt.Errorf("decode distance_km of entry %d: %w", entry.ID, err)
		}
		if entry.CaloriesKcal, err = decimal.NewFromString(calories); err != nil {
			return nil, fmt.Errorf("decode calories_kcal of entry %d: %w", entry.ID, err)
		}
		results = append(results, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return results, nil
}

// classify marks connectivity failures as domain.ErrStorageUnavailable so callers
// can tell an outage apart from a rejected statement.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var (
		connectErr *pgconn.ConnectError
		netErr     net.Error
	)
	if errors.As(err, &connectErr) ||
		errors.As(err, &netErr) ||
		pgconn.SafeToRetry(err) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
	return err
}
