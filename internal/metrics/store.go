package metrics

import (
	"sort"
	"sync"
	"time"
)

type TopicStats struct {
	Topic      string    `json:"topic"`
	Accepted   int64     `json:"accepted"`
	Rejected   int64     `json:"rejected"`
	Duplicates int64     `json:"duplicates"`
	LastSeen   time.Time `json:"last_seen"`
}

// Store keeps per-topic ingest counters and aggregation skip counters. The
// number of tracked topics is capped; the least recently seen topic is
// evicted first.
type Store struct {
	mu      sync.RWMutex
	byTopic map[string]*TopicStats
	skips   map[string]int64
	limit   int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byTopic: make(map[string]*TopicStats),
		skips:   make(map[string]int64),
		limit:   limit,
	}
}

func (s *Store) RecordAccepted(topic string) {
	s.update(topic, func(ts *TopicStats) { ts.Accepted++ })
}

func (s *Store) RecordRejected(topic string) {
	s.update(topic, func(ts *TopicStats) { ts.Rejected++ })
}

func (s *Store) RecordDuplicate(topic string) {
	s.update(topic, func(ts *TopicStats) { ts.Duplicates++ })
}

func (s *Store) update(topic string, fn func(*TopicStats)) {
	if s == nil {
		return
	}
	if topic == "" {
		topic = "(none)"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.byTopic[topic]
	if !ok {
		ts = &TopicStats{Topic: topic}
		s.byTopic[topic] = ts
	}
	fn(ts)
	ts.LastSeen = time.Now().UTC()
	if len(s.byTopic) > s.limit {
		s.evictOldest()
	}
}

// RecordSkips adds per-reason counts of records dropped while normalizing a
// batch.
func (s *Store) RecordSkips(counts map[string]int) {
	if s == nil || len(counts) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for reason, n := range counts {
		s.skips[reason] += int64(n)
	}
}

func (s *Store) Get(topic string) (TopicStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.byTopic[topic]
	if !ok {
		return TopicStats{}, false
	}
	return *ts, true
}

func (s *Store) GetAll() []TopicStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TopicStats, 0, len(s.byTopic))
	for _, ts := range s.byTopic {
		out = append(out, *ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

func (s *Store) Skips() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.skips))
	for k, v := range s.skips {
		out[k] = v
	}
	return out
}

func (s *Store) evictOldest() {
	var oldestTopic string
	var oldest time.Time
	for topic, ts := range s.byTopic {
		if oldestTopic == "" || ts.LastSeen.Before(oldest) {
			oldestTopic = topic
			oldest = ts.LastSeen
		}
	}
	if oldestTopic != "" {
		delete(s.byTopic, oldestTopic)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTopic = make(map[string]*TopicStats)
	s.skips = make(map[string]int64)
}
