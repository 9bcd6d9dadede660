package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homesense/internal/config"
	"homesense/internal/model"
)

const motionTopic = "home/security/door/motion"

func openSQLite(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "events.db") + "?_pragma=busy_timeout(5000)"
	store, err := NewSQLite(dsn)
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteFetchEventsLenientRange(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(7 * 24 * time.Hour)
	inside := start.Add(36 * time.Hour)

	records := []model.RawEventRecord{
		{ID: "native-in", Topic: motionTopic, Payload: map[string]any{"motion_detected": true}, Timestamp: inside},
		{ID: "native-out", Topic: motionTopic, Payload: map[string]any{"motion_detected": true}, Timestamp: end},
		{ID: "text-in", Topic: motionTopic, Payload: `{"motion_detected": true}`, Timestamp: inside.Format(time.RFC3339)},
		{ID: "text-out", Topic: motionTopic, Payload: `{"motion_detected": true}`, Timestamp: start.Add(-time.Second).Format(time.RFC3339)},
		{ID: "payload-epoch", Topic: motionTopic, Payload: fmt.Sprintf("{'motion_detected': True, 'timestamp': %d}", inside.Unix())},
		{ID: "unresolvable", Topic: motionTopic, Payload: "not-json", Timestamp: "sometime"},
		{ID: "other-topic", Topic: "home/sensors/temperature", Payload: map[string]any{"temperature": 22.1}, Timestamp: inside},
	}
	for _, rec := range records {
		require.NoError(t, store.InsertEvent(ctx, rec))
	}

	got, err := store.FetchEvents(ctx, motionTopic, start, end)
	require.NoError(t, err)
	assert.Equal(t, []string{"native-in", "text-in", "payload-epoch", "unresolvable"}, ids(got))

	wild, err := store.FetchEvents(ctx, "home/+/door/#", start, end)
	require.NoError(t, err)
	assert.Equal(t, ids(got), ids(wild))
}

func TestSQLitePreservesPayloadAndTimestampForms(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 5, 3, 4, 5, 123456000, time.UTC)

	require.NoError(t, store.InsertEvent(ctx, model.RawEventRecord{Topic: motionTopic, Payload: map[string]any{"motion_detected": true}, Timestamp: ts}))
	require.NoError(t, store.InsertEvent(ctx, model.RawEventRecord{Topic: motionTopic, Payload: `{"motion_detected": false}`, Timestamp: "2024-01-05T03:04:05"}))
	require.NoError(t, store.InsertEvent(ctx, model.RawEventRecord{Topic: motionTopic}))

	all, err := store.FetchAllEvents(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	assert.NotEmpty(t, all[0].ID)
	assert.NotEqual(t, all[0].ID, all[1].ID)
	assert.Equal(t, map[string]any{"motion_detected": true}, all[0].Payload)
	assert.Equal(t, ts, all[0].Timestamp)

	assert.Equal(t, `{"motion_detected": false}`, all[1].Payload)
	assert.Equal(t, "2024-01-05T03:04:05", all[1].Timestamp)

	assert.Nil(t, all[2].Payload)
	assert.Nil(t, all[2].Timestamp)
}

func TestSQLiteInsertSkipsKnownID(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()
	rec := model.RawEventRecord{ID: "evt-1", Topic: motionTopic, Payload: `{"motion_detected": true}`, Timestamp: "2024-01-05T03:04:05"}

	require.NoError(t, store.InsertEvent(ctx, rec))
	rec.Payload = `{"motion_detected": false}`
	require.NoError(t, store.InsertEvent(ctx, rec))

	all, err := store.FetchAllEvents(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, `{"motion_detected": true}`, all[0].Payload)
}

func TestInsertEventRequiresTopic(t *testing.T) {
	store := openSQLite(t)
	err := store.InsertEvent(context.Background(), model.RawEventRecord{Payload: "{}"})
	assert.Error(t, err)
}

func TestPostgresInsertUsesNumberedPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := newPostgresStore(db)

	mock.ExpectExec(`INSERT INTO events \(id, topic, payload_kind, payload, ts_unix_us, ts_text, inserted_at\)\s+VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7\)`).
		WithArgs("evt-1", motionTopic, "string", `{"motion_detected": true}`, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.InsertEvent(context.Background(), model.RawEventRecord{
		ID:        "evt-1",
		Topic:     motionTopic,
		Payload:   `{"motion_detected": true}`,
		Timestamp: "2024-01-01T00:00:00Z",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFetchEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := newPostgresStore(db)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	rows := sqlmock.NewRows([]string{"id", "topic", "payload_kind", "payload", "ts_unix_us", "ts_text"}).
		AddRow("a", motionTopic, "mapping", `{"motion_detected":true}`, start.Add(time.Hour).UnixMicro(), nil).
		AddRow("b", motionTopic, "string", `{"motion_detected":true}`, nil, "2023-12-31T23:00:00Z").
		AddRow("c", motionTopic, "string", `{"motion_detected":true}`, nil, "2024-01-01T05:00:00Z")

	mock.ExpectQuery(`FROM events WHERE \(ts_unix_us IS NULL OR \(ts_unix_us >= \$1 AND ts_unix_us < \$2\)\) AND topic = \$3 ORDER BY seq`).
		WithArgs(start.UnixMicro(), end.UnixMicro(), motionTopic).
		WillReturnRows(rows)

	got, err := store.FetchEvents(context.Background(), motionTopic, start, end)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(got))
	assert.Equal(t, start.Add(time.Hour), got[0].Timestamp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFetchEventsPropagatesErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := newPostgresStore(db)

	boom := errors.New("connection reset")
	mock.ExpectQuery(`SELECT id, topic`).WillReturnError(boom)

	got, err := store.FetchEvents(context.Background(), motionTopic, time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, got)
}

func TestNewStoreRejectsUnknownDriver(t *testing.T) {
	_, err := NewStore(config.StorageConfig{Driver: "mongodb"})
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func ids(records []model.RawEventRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
