package normalize

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"homesense/internal/model"
)

const motionTopic = "home/security/door/motion"

func TestNormalizeJSONStringMatchesMapping(t *testing.T) {
	ts := time.Date(2024, 1, 1, 3, 15, 0, 0, time.UTC)
	fromString, err := Normalize(model.RawEventRecord{
		Topic:     motionTopic,
		Payload:   `{"motion_detected": true}`,
		Timestamp: ts,
	}, motionTopic)
	if err != nil {
		t.Fatalf("normalize string payload: %v", err)
	}
	fromMap, err := Normalize(model.RawEventRecord{
		Topic:     motionTopic,
		Payload:   map[string]any{"motion_detected": true},
		Timestamp: ts,
	}, motionTopic)
	if err != nil {
		t.Fatalf("normalize map payload: %v", err)
	}
	if !reflect.DeepEqual(fromString, fromMap) {
		t.Fatalf("events differ: %+v vs %+v", fromString, fromMap)
	}
	if !MotionDetected(fromString) {
		t.Fatalf("expected motion")
	}
}

func TestNormalizeLiteralPayload(t *testing.T) {
	ev, err := Normalize(model.RawEventRecord{
		Topic:     motionTopic,
		Payload:   `{'sensor': 'motion_sensor_1', 'motion_detected': True, 'battery': None}`,
		Timestamp: "2024-01-01T10:00:00",
	}, motionTopic)
	if err != nil {
		t.Fatalf("normalize literal: %v", err)
	}
	if !MotionDetected(ev) {
		t.Fatalf("expected motion from literal payload")
	}
	if ev.Attributes["sensor"] != "motion_sensor_1" {
		t.Fatalf("sensor: %v", ev.Attributes["sensor"])
	}
	if v, ok := ev.Attributes["battery"]; !ok || v != nil {
		t.Fatalf("battery should be nil, got %v", v)
	}
}

func TestDecodeLiteralScalars(t *testing.T) {
	got, err := DecodePayload(`{'count': 3, 'ratio': -0.5, 'big': 1e3, 'name': "x", 'tags': ['a', 2], 'off': False}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["count"] != int64(3) || got["ratio"] != -0.5 || got["big"] != 1000.0 {
		t.Fatalf("numbers: %#v", got)
	}
	if got["name"] != "x" || got["off"] != false {
		t.Fatalf("scalars: %#v", got)
	}
	tags, ok := got["tags"].([]any)
	if !ok || len(tags) != 2 || tags[0] != "a" || tags[1] != int64(2) {
		t.Fatalf("tags: %#v", got["tags"])
	}
}

func TestNormalizeRejectsUnparsablePayload(t *testing.T) {
	cases := []string{
		"not-json",
		"__import__('os').system('id')",
		"{'a': &x 1, 'b': *x}",
		"{'motion_detected': !!python/object:os.system 1}",
		"{unterminated",
		"{'motion_detected': True} trailing",
		"{'a': (1, 2)}",
		"{motion_detected: yes}",
		"{'motion_detected': yes}",
		"{'level': .inf}",
		"{'level': 0x1F}",
		"{'level': }",
	}
	for _, payload := range cases {
		_, err := Normalize(model.RawEventRecord{
			Topic:     motionTopic,
			Payload:   payload,
			Timestamp: time.Now(),
		}, motionTopic)
		if !errors.Is(err, ErrUnparsablePayload) {
			t.Fatalf("payload %q: expected ErrUnparsablePayload, got %v", payload, err)
		}
	}
}

func TestNormalizeMotionDefaultsFalse(t *testing.T) {
	ev, err := Normalize(model.RawEventRecord{
		Topic:     motionTopic,
		Payload:   map[string]any{"sensor": "motion_sensor_1"},
		Timestamp: time.Now(),
	}, motionTopic)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if MotionDetected(ev) {
		t.Fatalf("missing flag must read as false")
	}
}

func TestNormalizeTimestampFallbackToPayloadEpoch(t *testing.T) {
	ev, err := Normalize(model.RawEventRecord{
		Topic:     motionTopic,
		Payload:   `{"motion_detected": true, "timestamp": 1704078000.25}`,
		Timestamp: "yesterday-ish",
	}, motionTopic)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := time.Date(2024, 1, 1, 3, 0, 0, 250000000, time.UTC)
	if !ev.OccurredAt.Equal(want) {
		t.Fatalf("occurred_at: got %s want %s", ev.OccurredAt, want)
	}
}

func TestNormalizeUnparsableTimestamp(t *testing.T) {
	_, err := Normalize(model.RawEventRecord{
		Topic:   motionTopic,
		Payload: map[string]any{"motion_detected": true},
	}, motionTopic)
	if !errors.Is(err, ErrUnparsableTimestamp) {
		t.Fatalf("expected ErrUnparsableTimestamp, got %v", err)
	}
	if Reason(err) != "unparsable_timestamp" {
		t.Fatalf("reason: %s", Reason(err))
	}
}

func TestNormalizeTopicFilter(t *testing.T) {
	rec := model.RawEventRecord{
		Topic:     "home/sensors/temperature",
		Payload:   map[string]any{"temperature": 21.5},
		Timestamp: time.Now(),
	}
	if _, err := Normalize(rec, motionTopic); !errors.Is(err, ErrTopicMismatch) {
		t.Fatalf("expected ErrTopicMismatch, got %v", err)
	}
	if _, err := Normalize(rec, "home/+/temperature"); err != nil {
		t.Fatalf("wildcard filter: %v", err)
	}
}

func TestNormalizeNativeTimeIsUTC(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	local := time.Date(2024, 1, 1, 1, 30, 0, 0, loc)
	ev, err := Normalize(model.RawEventRecord{
		Topic:     motionTopic,
		Payload:   map[string]any{},
		Timestamp: local,
	}, "")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.OccurredAt.Location() != time.UTC || ev.OccurredAt.Hour() != 0 {
		t.Fatalf("expected UTC hour 0, got %s", ev.OccurredAt)
	}
}

func TestNormalizeFlattensNestedPayload(t *testing.T) {
	ev, err := Normalize(model.RawEventRecord{
		Topic:     motionTopic,
		Payload:   `{"motion_detected": true, "meta": {"room": "hall", "floor": 1}}`,
		Timestamp: time.Now(),
	}, motionTopic)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Attributes["meta.room"] != "hall" {
		t.Fatalf("flatten: %+v", ev.Attributes)
	}
}

func TestParseTimestampLayouts(t *testing.T) {
	want := time.Date(2024, 1, 5, 12, 34, 56, 0, time.UTC)
	for _, in := range []string{
		"2024-01-05T12:34:56Z",
		"2024-01-05T12:34:56+00:00",
		"2024-01-05T14:34:56+02:00",
		"2024-01-05 12:34:56",
		"2024-01-05T12:34:56",
		"1704458096",
		"1704458096000",
	} {
		got, err := ParseTimestamp(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("%q: got %s want %s", in, got, want)
		}
	}
	if got, err := ParseTimestamp("2024-01-05T12:34:56.123456"); err != nil || got.Nanosecond() != 123456000 {
		t.Fatalf("python isoformat: %s %v", got, err)
	}
}

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"home/security/door/motion", "home/security/door/motion", true},
		{"home/security/door/motion", "home/security/motion", false},
		{"home/+/motion", "home/security/motion", true},
		{"home/+/motion", "home/security/door/motion", false},
		{"home/#", "home", true},
		{"home/#", "home/camera/door/image", true},
		{"home/#", "office/camera", false},
		{"", "anything", true},
	}
	for _, c := range cases {
		if got := TopicMatches(c.filter, c.topic); got != c.want {
			t.Fatalf("TopicMatches(%q, %q) = %v", c.filter, c.topic, got)
		}
	}
}

func TestFlagCoercion(t *testing.T) {
	attrs := map[string]any{"a": "yes", "b": 0.0, "c": 1, "d": "false", "e": "1"}
	if !Flag(attrs, "a") || Flag(attrs, "b") || !Flag(attrs, "c") || Flag(attrs, "d") || !Flag(attrs, "e") {
		t.Fatalf("unexpected coercion for %+v", attrs)
	}
}
