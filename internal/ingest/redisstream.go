package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"homesense/internal/config"
	"homesense/internal/model"
)

const sourceRedisStream = "redis_stream"

// StartRedisStream consumes the configured stream as a member of a consumer
// group. Entries are acknowledged once handed to the sink or rejected; an
// entry the sink refuses stays pending and is read again from this consumer's
// history.
func StartRedisStream(ctx context.Context, cfg *config.Manager, sink Sink, logger *slog.Logger) error {
	current := cfg.Get().Ingest.RedisStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("redis stream ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("redis stream ingest enabled", "addr", current.Addr, "stream", current.Stream, "group", current.Group)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     current.Addr,
		Password: current.Password,
		DB:       current.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("connect redis %s: %w", current.Addr, err)
	}
	if err := ensureGroup(ctx, client, current.Stream, current.Group); err != nil {
		_ = client.Close()
		return err
	}
	go consumeRedisStream(ctx, client, current, sink, logger)
	return nil
}

func ensureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

func consumeRedisStream(ctx context.Context, client *redis.Client, cfg config.RedisStreamConfig, sink Sink, logger *slog.Logger) {
	defer client.Close()
	// "0" replays entries delivered to this consumer but never acked.
	cursor := "0"
	for {
		streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    cfg.Group,
			Consumer: cfg.Consumer,
			Streams:  []string{cfg.Stream, cursor},
			Count:    100,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			if logger != nil {
				logger.Warn("redis stream read error", "stream", cfg.Stream, "err", err)
			}
			if !BackoffSleep(ctx, time.Second) {
				return
			}
			continue
		}
		read, refused := 0, 0
		for _, s := range streams {
			for _, msg := range s.Messages {
				read++
				if !handleStreamEntry(ctx, sink, msg.Values) {
					refused++
					continue
				}
				if err := client.XAck(ctx, cfg.Stream, cfg.Group, msg.ID).Err(); err != nil && logger != nil {
					logger.Warn("redis stream ack failed", "id", msg.ID, "err", err)
				}
			}
		}
		switch {
		case refused > 0:
			if logger != nil {
				logger.Warn("redis stream entries left pending", "stream", cfg.Stream, "count", refused)
			}
			cursor = "0"
			if !BackoffSleep(ctx, time.Second) {
				return
			}
		case cursor == "0" && read == 0:
			cursor = ">"
		}
	}
}

// handleStreamEntry passes one entry on and reports whether it may be acked.
// Malformed entries are rejected and acked; a refused Submit is not.
func handleStreamEntry(ctx context.Context, sink Sink, values map[string]interface{}) bool {
	rec, err := recordFromStream(values)
	if err != nil {
		sink.Reject(sourceRedisStream, fmt.Sprint(values["topic"]), fmt.Sprint(values), err)
		return true
	}
	return sink.Submit(ctx, Message{Source: sourceRedisStream, Record: rec})
}

// recordFromStream accepts either a JSON envelope in a "data" field or flat
// topic/payload/timestamp fields. An entry-level "timestamp" fills in for an
// envelope without one.
func recordFromStream(values map[string]interface{}) (model.RawEventRecord, error) {
	if data, ok := values["data"].(string); ok {
		rec, err := ParseEnvelope([]byte(data))
		if err != nil {
			return model.RawEventRecord{}, err
		}
		if rec.Timestamp == nil {
			if ts, ok := values["timestamp"].(string); ok && strings.TrimSpace(ts) != "" {
				rec.Timestamp = strings.TrimSpace(ts)
			}
		}
		return rec, nil
	}
	obj := make(map[string]any, len(values))
	for _, key := range []string{"id", "topic", "payload", "timestamp"} {
		if v, ok := values[key].(string); ok {
			obj[key] = v
		}
	}
	return RecordFromMap(obj)
}
