package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"homesense/internal/config"
	"homesense/internal/metrics"
	"homesense/internal/model"
	"homesense/internal/rejects"
)

// Inserter is the part of the store the writer needs.
type Inserter interface {
	InsertEvent(ctx context.Context, rec model.RawEventRecord) error
}

// Writer is the single path by which records reach the store. Synchronous
// callers use Insert; asynchronous sources Submit to a buffered channel that
// Run drains.
type Writer struct {
	logger     *slog.Logger
	store      Inserter
	stats      *metrics.Store
	collectors *metrics.Collectors
	rejects    *rejects.Store
	dedupe     *DedupeCache
	in         chan Message
	cfg        atomic.Value
	policy     atomic.Value
	now        func() time.Time
}

func NewWriter(cfg *config.Config, logger *slog.Logger, store Inserter, stats *metrics.Store, collectors *metrics.Collectors, rej *rejects.Store) *Writer {
	buffer := cfg.Ingest.ChannelBuffer
	if buffer <= 0 {
		buffer = 1000
	}
	w := &Writer{
		logger:     logger,
		store:      store,
		stats:      stats,
		collectors: collectors,
		rejects:    rej,
		dedupe:     NewDedupeCache(),
		in:         make(chan Message, buffer),
		now:        time.Now,
	}
	w.UpdateConfig(cfg)
	return w
}

func (w *Writer) UpdateConfig(cfg *config.Config) {
	w.cfg.Store(cfg)
	w.policy.Store(buildTopicPolicy(cfg.Ingest.Topics))
}

func (w *Writer) config() *config.Config {
	return w.cfg.Load().(*config.Config)
}

func (w *Writer) topicPolicy() *TopicPolicy {
	return w.policy.Load().(*TopicPolicy)
}

// Reset forgets recently seen records.
func (w *Writer) Reset() {
	w.dedupe.Reset()
}

// Insert validates, filters and stores one record. A duplicate inside the
// dedupe window is dropped without error.
func (w *Writer) Insert(ctx context.Context, source string, rec model.RawEventRecord) error {
	rec.Topic = strings.TrimSpace(rec.Topic)
	if rec.Topic == "" {
		return w.fail(source, rec, fmt.Errorf("%w: missing topic", ErrInvalidRecord))
	}
	if rec.Payload == nil {
		return w.fail(source, rec, fmt.Errorf("%w: missing payload", ErrInvalidRecord))
	}
	if !w.topicPolicy().Allowed(rec.Topic) {
		return w.fail(source, rec, fmt.Errorf("%w: %s", ErrTopicDenied, rec.Topic))
	}

	now := w.now().UTC()
	key := ""
	if window := w.config().Ingest.DedupeWindow; window > 0 {
		key = hashRecord(rec)
		if w.dedupe.Seen(key, now, window) {
			w.stats.RecordDuplicate(rec.Topic)
			w.collectors.Duplicate()
			if w.logger != nil {
				w.logger.Debug("duplicate record dropped", "source", source, "topic", rec.Topic)
			}
			return nil
		}
	}
	if isMissingTimestamp(rec.Timestamp) {
		rec.Timestamp = now
	}

	if err := w.store.InsertEvent(ctx, rec); err != nil {
		// A failed insert must not mark the record as seen, or its retry is dropped.
		if key != "" {
			w.dedupe.Forget(key)
		}
		if w.logger != nil {
			w.logger.Error("store insert failed", "source", source, "topic", rec.Topic, "err", err)
		}
		return fmt.Errorf("store event: %w", err)
	}
	w.stats.RecordAccepted(rec.Topic)
	w.collectors.Ingested(source)
	return nil
}

func isMissingTimestamp(ts any) bool {
	switch v := ts.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case time.Time:
		return v.IsZero()
	}
	return false
}

func (w *Writer) fail(source string, rec model.RawEventRecord, err error) error {
	w.Reject(source, rec.Topic, fmt.Sprint(rec.Payload), err)
	return err
}

// Reject records input that never became a stored record.
func (w *Writer) Reject(source, topic, raw string, err error) {
	reason := ReasonOf(err)
	w.stats.RecordRejected(topic)
	w.collectors.Rejected(reason)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	w.rejects.Add(model.Rejection{
		Source: source,
		Topic:  topic,
		Reason: reason,
		Error:  msg,
		Raw:    raw,
	})
	if w.logger != nil {
		w.logger.Warn("record rejected", "source", source, "topic", topic, "reason", reason, "err", err)
	}
}

func (w *Writer) Submit(ctx context.Context, msg Message) bool {
	return SendNonBlocking(ctx, w.in, msg, w.logger)
}

// Run stores submitted records until ctx is done.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.in:
			err := w.Insert(ctx, msg.Source, msg.Record)
			if err != nil && !errors.Is(err, ErrInvalidRecord) && !errors.Is(err, ErrTopicDenied) && w.logger != nil {
				w.logger.Warn("queued record not stored", "source", msg.Source, "err", err)
			}
		}
	}
}
