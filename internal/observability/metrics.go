// Package observability holds the Prometheus collectors shared by the health service binaries.
package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Batch outcomes reported by RecordIngestBatch.
const (
	OutcomeAccepted = "accepted"
	OutcomeStale    = "stale"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Aggregate granularities reported by RecordCacheLookup.
const (
	GranularityDaily   = "daily"
	GranularityMonthly = "monthly"
)

var (
	IngestBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "health_service",
		Subsystem: "ingest",
		Name:      "batches_total",
		Help:      "Number of upload batches handled, labeled by outcome.",
	}, []string{"outcome"})

	IngestEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "health_service",
		Subsystem: "ingest",
		Name:      "entries_total",
		Help:      "Number of entries upserted into the entry store.",
	})

	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "health_service",
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "Aggregate cache lookups, labeled by granularity and hit/miss.",
	}, []string{"granularity", "result"})

	CacheErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "health_service",
		Subsystem: "cache",
		Name:      "errors_total",
		Help:      "Cache operations that failed and were degraded, labeled by operation.",
	}, []string{"op"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "health_service",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency of HTTP requests, labeled by route, method and status class.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "status"})

	entryPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "health_service",
		Subsystem: "persistence",
		Name:      "last_entry_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent batch persisted to the entry store.",
	})
)

func init() {
	prometheus.MustRegister(IngestBatches, IngestEntries, CacheLookups, CacheErrors, HTTPRequestDuration, entryPersistGauge)
}

// RecordIngestBatch counts a handled batch.
func RecordIngestBatch(outcome string) {
	IngestBatches.WithLabelValues(outcome).Inc()
}

// RecordEntriesPersisted counts upserted entries and moves the persistence watermark.
func RecordEntriesPersisted(n int, ts time.Time) {
	IngestEntries.Add(float64(n))
	if ts.IsZero() {
		return
	}
	entryPersistGauge.Set(float64(ts.Unix()))
}

// RecordCacheLookup counts an aggregate cache hit or miss.
func RecordCacheLookup(granularity string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookups.WithLabelValues(granularity, result).Inc()
}

// RecordCacheError counts a degraded cache operation.
func RecordCacheError(op string) {
	CacheErrors.WithLabelValues(op).Inc()
}

// RecordHTTPRequest observes a served request. Status is bucketed into its class (2xx, 4xx, ...).
func RecordHTTPRequest(route, method string, status int, elapsed time.Duration) {
	class := fmt.Sprintf("%dxx", status/100)
	HTTPRequestDuration.WithLabelValues(route, method, class).Observe(elapsed.Seconds())
}
