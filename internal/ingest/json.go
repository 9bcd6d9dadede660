package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"homesense/internal/model"
	"homesense/internal/normalize"
)

// DecodeEnvelopes accepts a single envelope object or an array of them.
func DecodeEnvelopes(data []byte) ([]map[string]any, error) {
	trim := bytes.TrimSpace(data)
	if len(trim) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidRecord)
	}
	if trim[0] == '[' {
		var list []map[string]any
		if err := json.Unmarshal(trim, &list); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		return list, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(trim, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return []map[string]any{obj}, nil
}

func ParseEnvelope(data []byte) (model.RawEventRecord, error) {
	var obj map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &obj); err != nil {
		return model.RawEventRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return RecordFromMap(obj)
}

// RecordFromMap builds a record from {"topic", "payload", "timestamp"?, "id"?}.
// Payload and timestamp keep the form they arrived in; numeric timestamps are
// read as epoch seconds (or milliseconds).
func RecordFromMap(obj map[string]any) (model.RawEventRecord, error) {
	var rec model.RawEventRecord
	topic, _ := obj["topic"].(string)
	rec.Topic = strings.TrimSpace(topic)
	if rec.Topic == "" {
		return rec, fmt.Errorf("%w: missing topic", ErrInvalidRecord)
	}
	payload, ok := obj["payload"]
	if !ok || payload == nil {
		return rec, fmt.Errorf("%w: missing payload", ErrInvalidRecord)
	}
	switch p := payload.(type) {
	case map[string]any, string:
		rec.Payload = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return rec, fmt.Errorf("%w: payload: %v", ErrInvalidRecord, err)
		}
		rec.Payload = string(data)
	}
	switch ts := obj["timestamp"].(type) {
	case nil:
	case string:
		if s := strings.TrimSpace(ts); s != "" {
			rec.Timestamp = s
		}
	case float64:
		t, err := normalize.ResolveTimestamp(ts, nil)
		if err != nil {
			return rec, fmt.Errorf("%w: timestamp %v", ErrInvalidRecord, ts)
		}
		rec.Timestamp = t
	case time.Time:
		if !ts.IsZero() {
			rec.Timestamp = ts.UTC()
		}
	default:
		return rec, fmt.Errorf("%w: timestamp of type %T", ErrInvalidRecord, ts)
	}
	if id, ok := obj["id"].(string); ok {
		rec.ID = strings.TrimSpace(id)
	}
	return rec, nil
}
