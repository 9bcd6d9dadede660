package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"homesense/internal/config"
	"homesense/internal/model"
)

const sourceKafka = "kafka"

func StartKafka(ctx context.Context, cfg *config.Manager, sink Sink, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			rec, err := recordFromKafka(m)
			if err != nil {
				sink.Reject(sourceKafka, string(m.Key), string(m.Value), err)
				continue
			}
			sink.Submit(ctx, Message{Source: sourceKafka, Record: rec})
		}
	}()
}

// recordFromKafka reads the value as an envelope. A value that is not an
// envelope is taken as the payload of the sensor topic carried in the key.
func recordFromKafka(m kafka.Message) (model.RawEventRecord, error) {
	rec, err := ParseEnvelope(m.Value)
	if err == nil {
		if rec.Timestamp == nil && !m.Time.IsZero() {
			rec.Timestamp = m.Time.UTC()
		}
		return rec, nil
	}
	key := strings.TrimSpace(string(m.Key))
	if key == "" || !errors.Is(err, ErrInvalidRecord) {
		return model.RawEventRecord{}, err
	}
	rec = model.RawEventRecord{Topic: key, Payload: string(m.Value)}
	if !m.Time.IsZero() {
		rec.Timestamp = m.Time.UTC()
	}
	return rec, nil
}
