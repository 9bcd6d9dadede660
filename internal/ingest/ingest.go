package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"homesense/internal/model"
)

var (
	ErrInvalidRecord = errors.New("invalid record")
	ErrTopicDenied   = errors.New("topic denied by policy")
)

// Message is one record on its way from a source to the writer.
type Message struct {
	Source string
	Record model.RawEventRecord
}

// Sink is what asynchronous sources feed: accepted messages are queued, the
// rest are reported as rejections.
type Sink interface {
	Submit(ctx context.Context, msg Message) bool
	Reject(source, topic, raw string, err error)
}

// submitLine parses one line and hands the record to sink.
func submitLine(ctx context.Context, sink Sink, parser *Parser, source, line string) {
	rec, err := parser.ParseLine(line)
	if err != nil {
		sink.Reject(source, "", line, err)
		return
	}
	if rec == nil {
		return
	}
	sink.Submit(ctx, Message{Source: source, Record: *rec})
}

func SendNonBlocking(ctx context.Context, out chan<- Message, msg Message, logger *slog.Logger) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("ingest channel full, dropping record", "source", msg.Source, "topic", msg.Record.Topic)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// ReasonOf labels an ingest error for counters and the rejection log.
func ReasonOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTopicDenied):
		return "topic_denied"
	case errors.Is(err, ErrInvalidRecord):
		return "invalid_record"
	}
	return "unparsable_input"
}
