package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stored scale of the decimal metrics.
const (
	DistanceScale = 3
	CaloriesScale = 2
)

// ActivityEntry is a single measured window for a health record. The triple
// (RecordKey, StartedAt, EndedAt) identifies it.
type ActivityEntry struct {
	ID           int64
	RecordKey    string
	StartedAt    time.Time
	EndedAt      time.Time
	Steps        int
	DistanceKm   decimal.Decimal
	CaloriesKcal decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NaturalKey identifies the window an entry covers.
type NaturalKey struct {
	RecordKey string
	StartedAt int64
	EndedAt   int64
}

// Key returns the natural key of the entry. Instants are compared at second precision.
func (e ActivityEntry) Key() NaturalKey {
	return NaturalKey{RecordKey: e.RecordKey, StartedAt: e.StartedAt.Unix(), EndedAt: e.EndedAt.Unix()}
}

// DailyAggregate sums a record's entries for one calendar day.
type DailyAggregate struct {
	Day       string          `json:"daily"`
	Steps     int             `json:"steps"`
	Calories  decimal.Decimal `json:"calories"`
	Distance  decimal.Decimal `json:"distance"`
	RecordKey string          `json:"recordKey"`
}

// MonthlyAggregate sums a record's entries for one calendar month (YYYY-MM).
type MonthlyAggregate struct {
	Month     string          `json:"monthly"`
	Steps     int             `json:"steps"`
	Calories  decimal.Decimal `json:"calories"`
	Distance  decimal.Decimal `json:"distance"`
	RecordKey string          `json:"recordKey"`
}

// Cursor models the pagination token for raw entry listings.
type Cursor struct {
	StartedAt time.Time
	ID        int64
}

// UploadBatch is one client upload.
type UploadBatch struct {
	RecordKey  string
	LastUpdate *string
	Entries    []UploadEntry
}

// UploadEntry carries the raw, not yet normalized, values of a single sample.
type UploadEntry struct {
	From         string
	To           string
	Steps        *float64
	DistanceKm   decimal.Decimal
	CaloriesKcal decimal.Decimal
}
