package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"homesense/internal/model"
)

var (
	ErrUnparsableTimestamp = errors.New("unparsable timestamp")
	ErrUnparsablePayload   = errors.New("unparsable payload")
	ErrTopicMismatch       = errors.New("topic does not match filter")
	ErrMissingTopic        = errors.New("record has no topic")
)

// Normalize turns one stored record into a canonical event. Records outside
// topicFilter fail with ErrTopicMismatch; an empty filter accepts any topic.
func Normalize(rec model.RawEventRecord, topicFilter string) (model.CanonicalEvent, error) {
	topic := strings.TrimSpace(rec.Topic)
	if topic == "" {
		return model.CanonicalEvent{}, ErrMissingTopic
	}
	if !TopicMatches(topicFilter, topic) {
		return model.CanonicalEvent{}, ErrTopicMismatch
	}

	payload, err := DecodePayload(rec.Payload)
	if err != nil {
		return model.CanonicalEvent{}, err
	}

	ts, err := ResolveTimestamp(rec.Timestamp, payload)
	if err != nil {
		return model.CanonicalEvent{}, err
	}

	return model.CanonicalEvent{
		Topic:      topic,
		OccurredAt: ts,
		Attributes: Flatten(payload),
	}, nil
}

// Flatten copies a payload into a single-level map; nested mappings become
// dotted keys.
func Flatten(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	flattenInto(out, "", payload)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for key, val := range m {
		name := key
		if prefix != "" {
			name = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok && len(nested) > 0 {
			flattenInto(out, name, nested)
			continue
		}
		out[name] = val
	}
}

// MotionDetected reports the motion flag of an event. A missing attribute is
// false, not an error.
func MotionDetected(ev model.CanonicalEvent) bool {
	return Flag(ev.Attributes, model.MotionAttribute)
}

func Flag(attrs map[string]any, key string) bool {
	switch v := attrs[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f != 0
		}
	}
	return false
}

// Reason maps a Normalize error to a short label for counters and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnparsableTimestamp):
		return "unparsable_timestamp"
	case errors.Is(err, ErrUnparsablePayload):
		return "unparsable_payload"
	case errors.Is(err, ErrTopicMismatch):
		return "topic_mismatch"
	case errors.Is(err, ErrMissingTopic):
		return "missing_topic"
	}
	return "unknown"
}

func describe(v any) string {
	s := fmt.Sprint(v)
	if len(s) > 64 {
		s = s[:64] + "..."
	}
	return strconv.Quote(s)
}
