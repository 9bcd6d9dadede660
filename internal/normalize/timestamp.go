package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ResolveTimestamp picks the instant of a stored record: a native time is
// used as is, a string is parsed as ISO-8601 or epoch, and when neither
// works the payload's own "timestamp" field is tried.
func ResolveTimestamp(stored any, payload map[string]any) (time.Time, error) {
	if ts, ok := fromStored(stored); ok {
		return ts, nil
	}
	if payload != nil {
		if ts, ok := fromValue(payload["timestamp"]); ok {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s", ErrUnparsableTimestamp, describe(stored))
}

func fromStored(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t.UTC(), true
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, false
		}
		return t.UTC(), true
	}
	return fromValue(v)
}

func fromValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case string:
		ts, err := ParseTimestamp(t)
		return ts, err == nil
	case float64:
		return fromEpoch(t)
	case float32:
		return fromEpoch(float64(t))
	case int:
		return fromEpoch(float64(t))
	case int64:
		return fromEpoch(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(f)
	}
	return time.Time{}, false
}

// ParseTimestamp accepts ISO-8601 strings and all-digit (optionally
// fractional) epoch strings. Values without a zone are UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			if ts, ok := fromEpoch(f); ok {
				return ts, nil
			}
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	dots := 0
	for _, ch := range value {
		if ch == '.' {
			dots++
			continue
		}
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0 && dots <= 1 && value != "."
}

// fromEpoch reads seconds, or milliseconds once the value is past 1e12.
func fromEpoch(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return time.Time{}, false
	}
	if f >= 1e12 {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}
