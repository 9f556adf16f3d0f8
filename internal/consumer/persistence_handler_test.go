package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"example.com/health/internal/events"
)

type recordingExecer struct {
	args [][]any
	err  error
}

func (r *recordingExecer) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	r.args = append(r.args, args)
	return pgconn.NewCommandTag("INSERT 0 1"), r.err
}

func TestPersistenceHandlerExtractsBatchColumns(t *testing.T) {
	lastUpdate := time.Date(2024, time.December, 15, 13, 0, 0, 0, time.UTC)
	payload, err := json.Marshal(events.EntriesIngested{BatchID: "b-9", RecordKey: "rk-1", LastUpdate: lastUpdate, Ingested: 3})
	require.NoError(t, err)

	db := &recordingExecer{}
	msg := Message{EventType: events.EventTypeEntriesIngested, RecordKey: "rk-1", Topic: events.TopicHealthEvents, Offset: 4, Payload: payload}
	require.NoError(t, NewPersistenceHandler(db).Handle(context.Background(), msg))

	require.Len(t, db.args, 1)
	args := db.args[0]
	require.Equal(t, "rk-1", args[1])
	require.Equal(t, "b-9", *args[2].(*string))
	require.Equal(t, 3, *args[3].(*int))
	require.True(t, lastUpdate.Equal(*args[4].(*time.Time)))
	require.False(t, args[11].(time.Time).IsZero(), "missing broker timestamps fall back to now")
}

func TestPersistenceHandlerRejectsForeignRecordKey(t *testing.T) {
	db := &recordingExecer{}
	handler := NewPersistenceHandler(db)

	msg := Message{EventType: events.EventTypeEntriesIngested, RecordKey: "rk-1", Payload: json.RawMessage(`{"batch_id":"b","record_key":"rk-2"}`)}
	require.ErrorContains(t, handler.Handle(context.Background(), msg), `record_key "rk-1" does not match payload record_key "rk-2"`)

	msg.Payload = json.RawMessage(`[]`)
	require.ErrorContains(t, handler.Handle(context.Background(), msg), "decode health.entries_ingested payload")
	require.Empty(t, db.args)

	db.err = errors.New("connection reset")
	msg.Payload = json.RawMessage(`{"batch_id":"b","record_key":"rk-1"}`)
	require.ErrorContains(t, handler.Handle(context.Background(), msg), "log health.entries_ingested for rk-1: connection reset")
}
