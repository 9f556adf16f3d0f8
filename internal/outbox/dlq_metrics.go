package outbox

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes of a DLQ manager pass over one entry.
const (
	outcomeRequeued       = "requeued"
	outcomeRetryScheduled = "retry_scheduled"
	outcomeQuarantined    = "quarantined"
)

var (
	dlqOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "health_service",
		Subsystem: "dlq",
		Name:      "entries_total",
		Help:      "DLQ entries handled by the manager, by event type and outcome.",
	}, []string{"event_type", "outcome"})

	dlqQuarantineReasons = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "health_service",
		Subsystem: "dlq",
		Name:      "quarantined_total",
		Help:      "Health events withdrawn from replay, by event type and reason.",
	}, []string{"event_type", "reason"})

	dlqBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "health_service",
		Subsystem: "dlq",
		Name:      "pending_entries",
		Help:      "DLQ entries still eligible for replay, by event type.",
	}, []string{"event_type"})

	dlqOldestPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "health_service",
		Subsystem: "dlq",
		Name:      "oldest_pending_age_seconds",
		Help:      "Age of the oldest replayable DLQ entry. Zero when the DLQ is drained.",
	})
)

func init() {
	prometheus.MustRegister(dlqOutcomes, dlqQuarantineReasons, dlqBacklog, dlqOldestPending)
}

func recordDLQOutcome(entry dlqEntry, outcome, reason string) {
	dlqOutcomes.WithLabelValues(entry.EventType, outcome).Inc()
	if outcome == outcomeQuarantined {
		dlqQuarantineReasons.WithLabelValues(entry.EventType, reason).Inc()
	}
}

// backlogRow summarises the replayable entries of one event type.
type backlogRow struct {
	EventType string
	Pending   int
	OldestAge time.Duration
}

// setBacklog replaces the backlog gauges so drained event types disappear.
func setBacklog(rows []backlogRow) {
	dlqBacklog.Reset()
	var oldest time.Duration
	for _, row := range rows {
		dlqBacklog.WithLabelValues(row.EventType).Set(float64(row.Pending))
		if row.OldestAge > oldest {
			oldest = row.OldestAge
		}
	}
	dlqOldestPending.Set(oldest.Seconds())
}

func (m *DLQManager) refreshBacklog(ctx context.Context) {
	rows, err := m.pool.Query(ctx,
		`SELECT event_type, COUNT(*), EXTRACT(EPOCH FROM NOW() - MIN(created_at))::float8
           FROM outbox_dlq
          WHERE quarantined_at IS NULL
          GROUP BY event_type`)
	if err != nil {
		m.logger.Printf("dlq backlog query failed: %v", err)
		return
	}
	defer rows.Close()

	var backlog []backlogRow
	for rows.Next() {
		var (
			row        backlogRow
			ageSeconds float64
		)
		if err := rows.Scan(&row.EventType, &row.Pending, &ageSeconds); err != nil {
			m.logger.Printf("dlq backlog scan failed: %v", err)
			return
		}
		row.OldestAge = time.Duration(ageSeconds * float64(time.Second))
		backlog = append(backlog, row)
	}
	if rows.Err() != nil {
		return
	}
	setBacklog(backlog)
}
