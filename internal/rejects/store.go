package rejects

import (
	"sync"
	"time"

	"homesense/internal/model"
)

// Store is a bounded log of records refused at ingest. Once full, the oldest
// entry is dropped.
type Store struct {
	mu    sync.RWMutex
	buf   []model.Rejection
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(rej model.Rejection) {
	if s == nil {
		return
	}
	if rej.Timestamp.IsZero() {
		rej.Timestamp = time.Now().UTC()
	}
	if len(rej.Raw) > 512 {
		rej.Raw = rej.Raw[:512]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, rej)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = rej
}

func (s *Store) List(limit int) []model.Rejection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.Rejection, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.Rejection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Rejection, 0)
	for _, r := range s.buf {
		if !r.Timestamp.Before(ts) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
