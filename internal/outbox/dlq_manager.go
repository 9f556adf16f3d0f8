package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Reasons recorded in outbox_dlq.quarantine_reason.
const (
	ReasonRetryLimit     = "retry limit reached"
	ReasonUnknownEvent   = "unknown event type"
	ReasonInvalidPayload = "invalid health event payload"
)

// DLQOption configures optional behaviour for the DLQManager.
type DLQOption func(*DLQManager)

// WithDLQLogger overrides the logger used for replay decisions.
func WithDLQLogger(logger *log.Logger) DLQOption {
	return func(m *DLQManager) {
		m.logger = logger
	}
}

// WithMaxBackoff caps the delay between replay attempts of one entry.
func WithMaxBackoff(limit time.Duration) DLQOption {
	return func(m *DLQManager) {
		if limit > 0 {
			m.maxBackoff = limit
		}
	}
}

// DLQStats counts what one RunOnce pass did.
type DLQStats struct {
	Requeued    int
	Retried     int
	Quarantined int
}

// Total is the number of entries the pass handled.
func (s DLQStats) Total() int {
	return s.Requeued + s.Retried + s.Quarantined
}

// DLQManager replays failed health events through the outbox. Entries that can
// never be delivered (unknown event type, payload that does not describe the
// record it is keyed by) are quarantined at once; the rest are retried with
// exponential backoff until maxRetries.
type DLQManager struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
	maxBackoff time.Duration
	logger     *log.Logger
}

// NewDLQManager constructs a DLQManager with the provided pool and retry configuration.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration, opts ...DLQOption) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	m := &DLQManager{
		pool:       pool,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxBackoff: time.Hour,
		logger:     log.New(log.Writer(), "[dlq] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunOnce processes a batch of due DLQ entries.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (DLQStats, error) {
	defer m.refreshBacklog(ctx)

	const query = `SELECT dlq_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
                    FROM outbox_dlq
                   WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
                   ORDER BY created_at
                   LIMIT $1`

	var stats DLQStats
	rows, err := m.pool.Query(ctx, query, batchSize)
	if err != nil {
		return stats, err
	}

	// Collect first so the per-entry transactions do not compete with the open cursor.
	var entries []dlqEntry
	for rows.Next() {
		entry, scanErr := scanDLQEntry(rows)
		if scanErr != nil {
			err = errors.Join(err, scanErr)
			continue
		}
		entries = append(entries, entry)
	}
	rows.Close()
	if rowsErr := rows.Err(); rowsErr != nil {
		err = errors.Join(err, rowsErr)
	}

	for _, entry := range entries {
		outcome, procErr := m.handleEntry(ctx, entry)
		if procErr != nil {
			err = errors.Join(err, fmt.Errorf("dlq entry %d: %w", entry.ID, procErr))
			continue
		}
		switch outcome {
		case outcomeRequeued:
			stats.Requeued++
		case outcomeRetryScheduled:
			stats.Retried++
		case outcomeQuarantined:
			stats.Quarantined++
		}
	}
	return stats, err
}

// quarantineReason returns why entry must leave the replay loop, or "" while it may be retried.
func (m *DLQManager) quarantineReason(entry dlqEntry) string {
	meta, ok := schemaCatalog[entry.EventType]
	if !ok {
		return ReasonUnknownEvent
	}
	if meta.Validate != nil {
		if err := meta.Validate(entry.Payload, entry.AggregateID); err != nil {
			return ReasonInvalidPayload
		}
	}
	if entry.RetryCount >= m.maxRetries {
		return ReasonRetryLimit
	}
	return ""
}

// handleEntry applies the replay policy to a single DLQ entry and reports the outcome.
func (m *DLQManager) handleEntry(ctx context.Context, entry dlqEntry) (string, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	if reason := m.quarantineReason(entry); reason != "" {
		if _, err := tx.Exec(ctx, `UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`, reason, entry.ID); err != nil {
			return "", err
		}
		if err := tx.Commit(ctx); err != nil {
			return "", err
		}
		m.logger.Printf("[DLQ QUARANTINE] dlq_id=%d event_type=%s record_key=%s reason=%q", entry.ID, entry.EventType, entry.AggregateID, reason)
		recordDLQOutcome(entry, outcomeQuarantined, reason)
		return outcomeQuarantined, nil
	}

	if insertErr := requeueOutbox(ctx, tx, entry); insertErr != nil {
		// The failed INSERT aborted tx; the retry bookkeeping needs a fresh one.
		_ = tx.Rollback(ctx)
		delay := m.backoffDelay(entry.RetryCount + 1)
		if _, err := m.pool.Exec(ctx,
			`UPDATE outbox_dlq
               SET retry_count = retry_count + 1,
                   last_attempt_at = NOW(),
                   next_retry_at = NOW() + $1::interval,
                   reason = $2
             WHERE dlq_id = $3`,
			delay, insertErr.Error(), entry.ID,
		); err != nil {
			return "", err
		}
		recordDLQOutcome(entry, outcomeRetryScheduled, "")
		return outcomeRetryScheduled, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	recordDLQOutcome(entry, outcomeRequeued, "")
	return outcomeRequeued, nil
}

// backoffDelay calculates exponential backoff capped at maxBackoff.
func (m *DLQManager) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return m.maxBackoff
	}
	delay := time.Duration(1<<uint(attempt-1)) * m.baseDelay
	if delay > m.maxBackoff || delay <= 0 {
		delay = m.maxBackoff
	}
	return delay
}

// requeueOutbox reinserts the payload into the primary outbox table for replay.
// The dedupe key is suffixed with the DLQ id so the replay is not swallowed by
// the original row's unique constraint.
func requeueOutbox(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return fmt.Errorf("missing schema_subject for dlq entry %d", entry.ID)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
                   VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err := tx.Exec(ctx, stmt,
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		entry.Topic,
		entry.SchemaSubject,
		entry.PartitionKey,
		entry.Payload,
		fmt.Sprintf("dlq:%d:%d", entry.ID, entry.EventID),
	)
	return err
}

// dlqEntry represents an outbox_dlq row selected for processing.
type dlqEntry struct {
	ID            int64
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}

func scanDLQEntry(rows pgx.Rows) (dlqEntry, error) {
	var entry dlqEntry
	if err := rows.Scan(&entry.ID, &entry.EventID, &entry.EventType, &entry.Topic, &entry.Payload, &entry.Reason, &entry.AggregateType, &entry.AggregateID, &entry.SchemaSubject, &entry.PartitionKey, &entry.RetryCount); err != nil {
		return dlqEntry{}, err
	}
	return entry, nil
}
