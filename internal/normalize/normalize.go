// Package normalize converts client supplied timestamps and counters into the
// canonical representation stored by the health service.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"
)

// DefaultZone is the civil timezone all stored timestamps are expressed in.
const DefaultZone = "Asia/Seoul"

// ErrUnrecognizedFormat is matched by every *Error returned from Normalize.
var ErrUnrecognizedFormat = errors.New("unrecognized timestamp format")

// Error reports a raw timestamp that could not be normalized.
type Error struct {
	Raw string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid date format: %q: %v", e.Raw, e.Err)
	}
	return fmt.Sprintf("invalid date format: %q", e.Raw)
}

func (e *Error) Unwrap() error { return ErrUnrecognizedFormat }

// format pairs a full-string matcher with the parser used once it matches.
type format struct {
	pattern *regexp.Regexp
	parse   func(raw string, zone *time.Location) (time.Time, error)
}

// formats are tried in order; the first matching pattern decides the parser.
var formats = []format{
	{
		// 2024-12-15 12:40:00 +0000
		pattern: regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} [+-]\d{4}$`),
		parse:   withOffset("2006-01-02 15:04:05 -0700"),
	},
	{
		// 2024-12-16 20:40:00, already local to the canonical zone
		pattern: regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`),
		parse: func(raw string, zone *time.Location) (time.Time, error) {
			return time.ParseInLocation("2006-01-02 15:04:05", raw, zone)
		},
	},
	{
		// 2024-12-15T11:30:00+0000
		pattern: regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}[+-]\d{4}$`),
		parse:   withOffset("2006-01-02T15:04:05-0700"),
	},
}

func withOffset(layout string) func(string, *time.Location) (time.Time, error) {
	return func(raw string, _ *time.Location) (time.Time, error) {
		return time.Parse(layout, raw)
	}
}

// Normalizer parses timestamps into a fixed canonical zone.
type Normalizer struct {
	zone *time.Location
}

// New returns a Normalizer for the given zone. A nil zone falls back to DefaultZone.
func New(zone *time.Location) *Normalizer {
	if zone == nil {
		zone = mustLoad(DefaultZone)
	}
	return &Normalizer{zone: zone}
}

// NewForZone loads the named IANA zone and returns a Normalizer for it.
func NewForZone(name string) (*Normalizer, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultZone
	}
	zone, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load canonical zone %q: %w", name, err)
	}
	return &Normalizer{zone: zone}, nil
}

// Location returns the canonical zone.
func (n *Normalizer) Location() *time.Location {
	return n.zone
}

// Normalize parses raw and converts the instant into the canonical zone.
func (n *Normalizer) Normalize(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, &Error{Raw: raw}
	}
	for _, f := range formats {
		if !f.pattern.MatchString(s) {
			continue
		}
		t, err := f.parse(s, n.zone)
		if err != nil {
			return time.Time{}, &Error{Raw: raw, Err: err}
		}
		return t.In(n.zone), nil
	}
	return time.Time{}, &Error{Raw: raw}
}

// NormalizePtr is Normalize for optional fields; a nil value is rejected.
func (n *Normalizer) NormalizePtr(raw *string) (time.Time, error) {
	if raw == nil {
		return time.Time{}, &Error{}
	}
	return n.Normalize(*raw)
}

// MaxSteps is the largest step counter accepted for a single sample.
const MaxSteps = math.MaxInt32

// ErrStepCountRange reports a step counter that is negative, not finite or above MaxSteps.
var ErrStepCountRange = errors.New("step count out of range")

// ValidStepCount reports whether v rounds to a counter in [0, MaxSteps].
func ValidStepCount(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	rounded := math.Floor(v + 0.5)
	return rounded >= 0 && rounded <= MaxSteps
}

// StepCount converts the floating step counter sent by clients into an integer.
// A nil counter is zero; other values round half up and are clamped to
// [0, MaxSteps].
func StepCount(raw *float64) int {
	if raw == nil || math.IsNaN(*raw) {
		return 0
	}
	rounded := math.Floor(*raw + 0.5)
	switch {
	case rounded <= 0:
		return 0
	case rounded >= MaxSteps:
		return MaxSteps
	}
	return int(rounded)
}

func mustLoad(name string) *time.Location {
	zone, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return zone
}
