package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

type bucket struct {
	steps    int
	distance decimal.Decimal
	calories decimal.Decimal
}

func (b *bucket) add(e ActivityEntry) {
	b.steps += e.Steps
	b.distance = b.distance.Add(e.DistanceKm)
	b.calories = b.calories.Add(e.CaloriesKcal)
}

// groupBy buckets entries by the formatted start time and returns the keys in ascending order.
// Both layouts are zero padded, so lexical order is chronological.
func groupBy(entries []ActivityEntry, loc *time.Location, layout string) ([]string, map[string]*bucket) {
	buckets := make(map[string]*bucket)
	for _, e := range entries {
		key := e.StartedAt.In(loc).Format(layout)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{distance: decimal.Zero, calories: decimal.Zero}
			buckets[key] = b
		}
		b.add(e)
	}

	keys := make([]string, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, buckets
}

// AggregateDaily sums entries per calendar day of StartedAt in loc, ascending by day.
// Entries are expected to belong to a single record.
func AggregateDaily(entries []ActivityEntry, loc *time.Location) []DailyAggregate {
	keys, buckets := groupBy(entries, loc, dayLayout)

	out := make([]DailyAggregate, 0, len(keys))
	for _, day := range keys {
		b := buckets[day]
		out = append(out, DailyAggregate{
			Day:       day,
			Steps:     b.steps,
			Calories:  b.calories,
			Distance:  b.distance,
			RecordKey: recordKeyOf(entries),
		})
	}
	return out
}

// AggregateMonthly sums entries per calendar month (YYYY-MM) of StartedAt in loc, ascending.
func AggregateMonthly(entries []ActivityEntry, loc *time.Location) []MonthlyAggregate {
	keys, buckets := groupBy(entries, loc, monthLayout)

	out := make([]MonthlyAggregate, 0, len(keys))
	for _, month := range keys {
		b := buckets[month]
		out = append(out, MonthlyAggregate{
			Month:     month,
			Steps:     b.steps,
			Calories:  b.calories,
			Distance:  b.distance,
			RecordKey: recordKeyOf(entries),
		})
	}
	return out
}

func recordKeyOf(entries []ActivityEntry) string {
	if len(entries) == 0 {
		return ""
	}
	return entries[0].RecordKey
}
