package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"homesense/internal/model"
)

// DedupeCache remembers recently stored records so broker redeliveries
// inside the dedupe window are not stored twice.
type DedupeCache struct {
	mu    sync.Mutex
	items map[string]time.Time
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[string]time.Time)}
}

func (d *DedupeCache) Seen(key string, now time.Time, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok {
		if now.Sub(ts) <= ttl {
			return true
		}
	}
	d.items[key] = now
	if len(d.items) > 10000 {
		d.compact(now, ttl)
	}
	return false
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, ts := range d.items {
		if now.Sub(ts) > ttl {
			delete(d.items, k)
		}
	}
}

// Forget drops key so the next Seen for it reports false.
func (d *DedupeCache) Forget(key string) {
	d.mu.Lock()
	delete(d.items, key)
	d.mu.Unlock()
}

func (d *DedupeCache) Reset() {
	d.mu.Lock()
	d.items = make(map[string]time.Time)
	d.mu.Unlock()
}

// hashRecord keys a record by topic, payload and the timestamp as received.
func hashRecord(rec model.RawEventRecord) string {
	var payload string
	switch p := rec.Payload.(type) {
	case string:
		payload = p
	default:
		data, _ := json.Marshal(p)
		payload = string(data)
	}
	var ts string
	switch t := rec.Timestamp.(type) {
	case nil:
	case time.Time:
		ts = t.UTC().Format(time.RFC3339Nano)
	default:
		ts = fmt.Sprint(t)
	}
	h := sha256.Sum256([]byte(rec.Topic + "|" + payload + "|" + ts))
	return hex.EncodeToString(h[:])
}
