// Package memory provides an in-process entry store for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"example.com/health/internal/domain"
)

// EntryStore keeps activity entries in memory, unique per natural key.
type EntryStore struct {
	mu      sync.RWMutex
	nextID  int64
	entries map[domain.NaturalKey]domain.ActivityEntry
	now     func() time.Time
}

var _ domain.EntryStore = (*EntryStore)(nil)

// NewEntryStore constructs an empty store.
func NewEntryStore() *EntryStore {
	return &EntryStore{
		entries: make(map[domain.NaturalKey]domain.ActivityEntry),
		now:     time.Now,
	}
}

// Upsert implements domain.EntryStore.
func (s *EntryStore) Upsert(ctx context.Context, entry domain.ActivityEntry) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry.StartedAt = entry.StartedAt.Truncate(time.Second)
	entry.EndedAt = entry.EndedAt.Truncate(time.Second)
	now := s.now().UTC()
	key := entry.Key()

	if existing, ok := s.entries[key]; ok {
		existing.Steps = entry.Steps
		existing.DistanceKm = entry.DistanceKm
		existing.CaloriesKcal = entry.CaloriesKcal
		existing.UpdatedAt = now
		s.entries[key] = existing
		return 1, nil
	}

	s.nextID++
	entry.ID = s.nextID
	entry.CreatedAt = now
	entry.UpdatedAt = now
	s.entries[key] = entry
	return 1, nil
}

// ListByRecordKey implements domain.EntryStore.
func (s *EntryStore) ListByRecordKey(ctx context.Context, recordKey string) ([]domain.ActivityEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.sorted(recordKey), nil
}

// ListPage implements domain.EntryStore.
func (s *EntryStore) ListPage(ctx context.Context, recordKey string, cursor *domain.Cursor, limit int) ([]domain.ActivityEntry, *domain.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	all := s.sorted(recordKey)
	results := make([]domain.ActivityEntry, 0, limit)
	for _, e := range all {
		if cursor != nil && !after(e, *cursor) {
			continue
		}
		if len(results) == limit {
			break
		}
		results = append(results, e)
	}

	var next *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{StartedAt: last.StartedAt, ID: last.ID}
	}
	return results, next, nil
}

// Len reports the number of stored entries across all records.
func (s *EntryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *EntryStore) sorted(recordKey string) []domain.ActivityEntry {
	s.mu.RLock()
	out := make([]domain.ActivityEntry, 0)
	for _, e := range s.entries {
		if e.RecordKey == recordKey {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// after reports whether e sorts strictly after the cursor position.
func after(e domain.ActivityEntry, c domain.Cursor) bool {
	if e.StartedAt.Equal(c.StartedAt) {
		return e.ID > c.ID
	}
	return e.StartedAt.After(c.StartedAt)
}
