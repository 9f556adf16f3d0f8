package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/health/internal/domain"
)

// Key prefixes of the three namespaces kept per record key.
const (
	DailyKeyPrefix      = "health:daily::"
	MonthlyKeyPrefix    = "health:monthly::"
	LastUpdateKeyPrefix = "health:lastUpdate::"
)

// Default lifetimes of cached aggregates. The marker never expires.
const (
	DefaultDailyTTL   = 6 * time.Hour
	DefaultMonthlyTTL = 24 * time.Hour
)

// Aggregates implements domain.AggregateCache on top of a Store.
type Aggregates struct {
	store      Store
	dailyTTL   time.Duration
	monthlyTTL time.Duration
}

var _ domain.AggregateCache = (*Aggregates)(nil)

// AggregatesOption configures Aggregates.
type AggregatesOption func(*Aggregates)

// WithTTLs overrides the aggregate lifetimes. Non-positive values keep the defaults.
func WithTTLs(daily, monthly time.Duration) AggregatesOption {
	return func(a *Aggregates) {
		if daily > 0 {
			a.dailyTTL = daily
		}
		if monthly > 0 {
			a.monthlyTTL = monthly
		}
	}
}

// NewAggregates builds the aggregate cache protocol over store.
func NewAggregates(store Store, opts ...AggregatesOption) *Aggregates {
	a := &Aggregates{
		store:      store,
		dailyTTL:   DefaultDailyTTL,
		monthlyTTL: DefaultMonthlyTTL,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// DailyKey returns the cache key of a record's daily aggregates.
func DailyKey(recordKey string) string { return DailyKeyPrefix + recordKey }

// MonthlyKey returns the cache key of a record's monthly aggregates.
func MonthlyKey(recordKey string) string { return MonthlyKeyPrefix + recordKey }

// LastUpdateKey returns the cache key of a record's last-update marker.
func LastUpdateKey(recordKey string) string { return LastUpdateKeyPrefix + recordKey }

func (a *Aggregates) Daily(ctx context.Context, recordKey string) ([]domain.DailyAggregate, bool, error) {
	var out []domain.DailyAggregate
	ok, err := a.load(ctx, DailyKey(recordKey), &out)
	if !ok || err != nil {
		return nil, false, err
	}
	if out == nil {
		out = []domain.DailyAggregate{}
	}
	return out, true, nil
}

func (a *Aggregates) SetDaily(ctx context.Context, recordKey string, aggregates []domain.DailyAggregate) error {
	return a.save(ctx, DailyKey(recordKey), aggregates, a.dailyTTL)
}

func (a *Aggregates) Monthly(ctx context.Context, recordKey string) ([]domain.MonthlyAggregate, bool, error) {
	var out []domain.MonthlyAggregate
	ok, err := a.load(ctx, MonthlyKey(recordKey), &out)
	if !ok || err != nil {
		return nil, false, err
	}
	if out == nil {
		out = []domain.MonthlyAggregate{}
	}
	return out, true, nil
}

func (a *Aggregates) SetMonthly(ctx context.Context, recordKey string, aggregates []domain.MonthlyAggregate) error {
	return a.save(ctx, MonthlyKey(recordKey), aggregates, a.monthlyTTL)
}

// Invalidate deletes both aggregate granularities; the marker is untouched.
func (a *Aggregates) Invalidate(ctx context.Context, recordKey string) error {
	return a.store.Delete(ctx, DailyKey(recordKey), MonthlyKey(recordKey))
}

func (a *Aggregates) Marker(ctx context.Context, recordKey string) (time.Time, bool, error) {
	raw, ok, err := a.store.Get(ctx, LastUpdateKey(recordKey))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	marker, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode marker for %s: %w", recordKey, err)
	}
	return marker, true, nil
}

func (a *Aggregates) SetMarker(ctx context.Context, recordKey string, marker time.Time) error {
	return a.store.Set(ctx, LastUpdateKey(recordKey), []byte(marker.Format(time.RFC3339Nano)), 0)
}

func (a *Aggregates) load(ctx context.Context, key string, dest any) (bool, error) {
	raw, ok, err := a.store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (a *Aggregates) save(ctx context.Context, key string, value any, ttl time.Duration) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return a.store.Set(ctx, key, body, ttl)
}
