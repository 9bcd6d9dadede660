package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"homesense/internal/config"
	"homesense/internal/model"
	"homesense/internal/normalize"
)

// Store persists raw event records exactly as they arrived, keeping the
// payload and timestamp drift intact for the normalizer.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error
	InsertEvent(ctx context.Context, rec model.RawEventRecord) error
	FetchEvents(ctx context.Context, topicFilter string, start, end time.Time) ([]model.RawEventRecord, error)
	FetchAllEvents(ctx context.Context) ([]model.RawEventRecord, error)
}

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

const (
	payloadMapping = "mapping"
	payloadString  = "string"
	payloadNone    = "none"
)

const selectColumns = `SELECT id, topic, payload_kind, payload, ts_unix_us, ts_text FROM events`

type baseStore struct {
	db *sql.DB
	// numbered switches "?" placeholders to "$1", "$2", ...
	numbered bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *baseStore) rebind(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

// InsertEvent stores rec as received. A record whose id is already stored is
// skipped, so re-importing an export is a no-op.
func (b *baseStore) InsertEvent(ctx context.Context, rec model.RawEventRecord) error {
	if strings.TrimSpace(rec.Topic) == "" {
		return errors.New("insert event: topic is required")
	}
	kind, payload, err := encodePayload(rec.Payload)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	tsUS, tsText := encodeTimestamp(rec.Timestamp)
	_, err = b.db.ExecContext(ctx, b.rebind(
		`INSERT INTO events (id, topic, payload_kind, payload, ts_unix_us, ts_text, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		rec.ID,
		rec.Topic,
		kind,
		payload,
		tsUS,
		tsText,
		nowUTC(),
	)
	return err
}

// FetchEvents returns records of the matching topic whose timestamp falls in
// [start, end). Native timestamps are range-filtered in SQL; string and
// payload timestamps are resolved here. Records whose timestamp cannot be
// resolved at all are returned so the caller can account for them.
func (b *baseStore) FetchEvents(ctx context.Context, topicFilter string, start, end time.Time) ([]model.RawEventRecord, error) {
	query := selectColumns + ` WHERE (ts_unix_us IS NULL OR (ts_unix_us >= ? AND ts_unix_us < ?))`
	args := []any{start.UnixMicro(), end.UnixMicro()}
	exact := topicFilter != "" && !normalize.HasWildcard(topicFilter)
	if exact {
		query += ` AND topic = ?`
		args = append(args, topicFilter)
	}
	query += ` ORDER BY seq`

	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.RawEventRecord, 0)
	for rows.Next() {
		rec, native, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if !exact && !normalize.TopicMatches(topicFilter, rec.Topic) {
			continue
		}
		if !native && !lenientInRange(rec, start, end) {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *baseStore) FetchAllEvents(ctx context.Context) ([]model.RawEventRecord, error) {
	rows, err := b.db.QueryContext(ctx, selectColumns+` ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.RawEventRecord, 0)
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (model.RawEventRecord, bool, error) {
	var (
		rec     model.RawEventRecord
		kind    string
		payload string
		tsUS    sql.NullInt64
		tsText  sql.NullString
	)
	if err := rows.Scan(&rec.ID, &rec.Topic, &kind, &payload, &tsUS, &tsText); err != nil {
		return model.RawEventRecord{}, false, err
	}
	switch kind {
	case payloadMapping:
		var m map[string]any
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return model.RawEventRecord{}, false, fmt.Errorf("decode stored payload %s: %w", rec.ID, err)
		}
		rec.Payload = m
	case payloadString:
		rec.Payload = payload
	}
	switch {
	case tsUS.Valid:
		rec.Timestamp = time.UnixMicro(tsUS.Int64).UTC()
		return rec, true, nil
	case tsText.Valid:
		rec.Timestamp = tsText.String
	}
	return rec, false, nil
}

// lenientInRange keeps records whose timestamp cannot be resolved.
func lenientInRange(rec model.RawEventRecord, start, end time.Time) bool {
	payload, _ := normalize.DecodePayload(rec.Payload)
	ts, err := normalize.ResolveTimestamp(rec.Timestamp, payload)
	if err != nil {
		return true
	}
	return !ts.Before(start) && ts.Before(end)
}

func encodePayload(p any) (string, string, error) {
	switch v := p.(type) {
	case nil:
		return payloadNone, "", nil
	case string:
		return payloadString, v, nil
	case []byte:
		return payloadString, string(v), nil
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return "", "", err
		}
		return payloadMapping, string(data), nil
	}
	return "", "", fmt.Errorf("unsupported payload type %T", p)
}

func encodeTimestamp(ts any) (sql.NullInt64, sql.NullString) {
	switch v := ts.(type) {
	case nil:
		return sql.NullInt64{}, sql.NullString{}
	case time.Time:
		if v.IsZero() {
			return sql.NullInt64{}, sql.NullString{}
		}
		return sql.NullInt64{Int64: v.UnixMicro(), Valid: true}, sql.NullString{}
	case string:
		return sql.NullInt64{}, sql.NullString{String: v, Valid: true}
	}
	return sql.NullInt64{}, sql.NullString{String: fmt.Sprint(ts), Valid: true}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
