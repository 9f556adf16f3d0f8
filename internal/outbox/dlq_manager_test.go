package outbox

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"example.com/health/internal/events"
)

func healthPayload(t *testing.T, recordKey string) []byte {
	t.Helper()
	body, err := json.Marshal(events.EntriesIngested{BatchID: "b-1", RecordKey: recordKey, Ingested: 2})
	require.NoError(t, err)
	return body
}

func TestQuarantineReasonFollowsHealthPolicy(t *testing.T) {
	m := NewDLQManager(nil, 3, time.Second)

	cases := map[string]struct {
		entry dlqEntry
		want  string
	}{
		"replayable": {
			entry: dlqEntry{EventType: events.EventTypeEntriesIngested, AggregateID: "rk-1", Payload: healthPayload(t, "rk-1"), RetryCount: 2},
		},
		"retry limit": {
			entry: dlqEntry{EventType: events.EventTypeEntriesIngested, AggregateID: "rk-1", Payload: healthPayload(t, "rk-1"), RetryCount: 3},
			want:  ReasonRetryLimit,
		},
		"unknown event type": {
			entry: dlqEntry{EventType: "health.sleep_recorded", AggregateID: "rk-1", Payload: healthPayload(t, "rk-1")},
			want:  ReasonUnknownEvent,
		},
		"payload for another record": {
			entry: dlqEntry{EventType: events.EventTypeEntriesIngested, AggregateID: "rk-2", Payload: healthPayload(t, "rk-1")},
			want:  ReasonInvalidPayload,
		},
		"empty payload": {
			entry: dlqEntry{EventType: events.EventTypeEntriesIngested, AggregateID: "rk-1", Payload: []byte(`{}`)},
			want:  ReasonInvalidPayload,
		},
		"malformed payload": {
			entry: dlqEntry{EventType: events.EventTypeEntriesIngested, AggregateID: "rk-1", Payload: []byte(`not json`)},
			want:  ReasonInvalidPayload,
		},
	}
	for name, tc := range cases {
		require.Equal(t, tc.want, m.quarantineReason(tc.entry), name)
	}
}

func TestBackoffDelayHonoursConfiguredCap(t *testing.T) {
	m := NewDLQManager(nil, 5, time.Minute, WithMaxBackoff(5*time.Minute))
	require.Equal(t, 4*time.Minute, m.backoffDelay(3))
	require.Equal(t, 5*time.Minute, m.backoffDelay(4))
	require.Equal(t, 5*time.Minute, m.backoffDelay(40))

	m = NewDLQManager(nil, 5, time.Minute, WithMaxBackoff(0))
	require.Equal(t, time.Hour, m.maxBackoff)
}

func TestSetBacklogDropsDrainedEventTypes(t *testing.T) {
	setBacklog([]backlogRow{
		{EventType: events.EventTypeEntriesIngested, Pending: 4, OldestAge: 90 * time.Second},
		{EventType: "health.legacy", Pending: 1, OldestAge: 10 * time.Second},
	})
	require.Equal(t, 2, testutil.CollectAndCount(dlqBacklog))
	require.Equal(t, 4.0, testutil.ToFloat64(dlqBacklog.WithLabelValues(events.EventTypeEntriesIngested)))
	require.Equal(t, 90.0, testutil.ToFloat64(dlqOldestPending))

	setBacklog(nil)
	require.Zero(t, testutil.CollectAndCount(dlqBacklog))
	require.Zero(t, testutil.ToFloat64(dlqOldestPending))
}

func TestRecordDLQOutcomeCountsQuarantineReasons(t *testing.T) {
	entry := dlqEntry{EventType: events.EventTypeEntriesIngested}
	quarantined := dlqQuarantineReasons.WithLabelValues(events.EventTypeEntriesIngested, ReasonInvalidPayload)
	requeued := dlqOutcomes.WithLabelValues(events.EventTypeEntriesIngested, outcomeRequeued)
	beforeQuarantined := testutil.ToFloat64(quarantined)
	beforeRequeued := testutil.ToFloat64(requeued)

	recordDLQOutcome(entry, outcomeQuarantined, ReasonInvalidPayload)
	recordDLQOutcome(entry, outcomeRequeued, "")

	require.InDelta(t, beforeQuarantined+1, testutil.ToFloat64(quarantined), 0.0001)
	require.InDelta(t, beforeRequeued+1, testutil.ToFloat64(requeued), 0.0001)
	require.Equal(t, DLQStats{Requeued: 1, Retried: 2, Quarantined: 3}.Total(), 6)
}
