package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"homesense/internal/config"
	"homesense/internal/metrics"
	"homesense/internal/model"
	"homesense/internal/normalize"
)

var (
	ErrAggregationUnavailable = errors.New("aggregation unavailable")
	ErrInvalidWindow          = errors.New("invalid window")
)

const (
	ViewHourly   = "hourly"
	ViewInsights = "insights"
	ViewHistory  = "history"
)

// Source is the read side of the event store.
type Source interface {
	FetchEvents(ctx context.Context, topicFilter string, start, end time.Time) ([]model.RawEventRecord, error)
}

// Service fetches a window of stored records, normalizes them and runs one
// of the aggregations. Every call works on its own batch; nothing computed
// is kept between calls.
type Service struct {
	logger     *slog.Logger
	source     Source
	stats      *metrics.Store
	collectors *metrics.Collectors
	cfg        atomic.Value
	cooldown   *Cooldown
	now        func() time.Time
}

func NewService(cfg *config.Config, logger *slog.Logger, source Source, stats *metrics.Store, collectors *metrics.Collectors) *Service {
	s := &Service{
		logger:     logger,
		source:     source,
		stats:      stats,
		collectors: collectors,
		cooldown:   NewCooldown(),
		now:        time.Now,
	}
	s.cfg.Store(cfg)
	return s
}

func (s *Service) UpdateConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
}

func (s *Service) Reset() {
	s.cooldown.Reset()
}

func (s *Service) config() *config.Config {
	if v := s.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// HourlyView returns per-hour motion flags for each day of the hourly window.
func (s *Service) HourlyView(ctx context.Context) ([]model.DayBucket, error) {
	events, w, err := s.load(ctx, ViewHourly, s.config().Aggregation.HourlyDays)
	if err != nil {
		return nil, err
	}
	return BuildHourlyView(events, w), nil
}

// Insights summarizes the last days days; zero selects the configured default.
func (s *Service) Insights(ctx context.Context, days int) (model.InsightsReport, error) {
	if days == 0 {
		days = s.config().Aggregation.InsightsDays
	}
	events, w, err := s.load(ctx, ViewInsights, days)
	if err != nil {
		return model.InsightsReport{}, err
	}
	return BuildInsights(events, w), nil
}

// DailyTotals returns per-day motion counts; zero selects the configured default.
func (s *Service) DailyTotals(ctx context.Context, days int) ([]model.DailyTotal, error) {
	if days == 0 {
		days = s.config().Aggregation.HistoryDays
	}
	events, w, err := s.load(ctx, ViewHistory, days)
	if err != nil {
		return nil, err
	}
	return BuildDailyTotals(events, w), nil
}

func (s *Service) load(ctx context.Context, view string, days int) ([]model.CanonicalEvent, Window, error) {
	cfg := s.config().Aggregation
	if days <= 0 || days > cfg.MaxDays {
		return nil, Window{}, fmt.Errorf("%w: days must be between 1 and %d, got %d", ErrInvalidWindow, cfg.MaxDays, days)
	}
	w := NewWindow(s.now(), days)
	start := time.Now()

	fetchCtx := ctx
	if cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, cfg.FetchTimeout)
		defer cancel()
	}
	records, err := s.source.FetchEvents(fetchCtx, cfg.MotionTopic, w.Start, w.End)
	if err != nil {
		s.collectors.Aggregation(view, time.Since(start), true)
		if s.logger != nil {
			s.logger.Error("event fetch failed", "view", view, "days", days, "err", err)
		}
		return nil, Window{}, fmt.Errorf("%w: %w", ErrAggregationUnavailable, err)
	}

	events := s.normalizeBatch(records, cfg.MotionTopic, cfg.SkipLogEvery)
	s.collectors.Aggregation(view, time.Since(start), false)
	if s.logger != nil {
		s.logger.Debug("aggregation batch",
			"view", view,
			"days", days,
			"records", len(records),
			"events", len(events),
		)
	}
	return events, w, nil
}

// normalizeBatch drops records that cannot be normalized. Drops are counted
// and logged, never returned as errors.
func (s *Service) normalizeBatch(records []model.RawEventRecord, topic string, logEvery time.Duration) []model.CanonicalEvent {
	events := make([]model.CanonicalEvent, 0, len(records))
	skipped := map[string]int{}
	for _, rec := range records {
		ev, err := normalize.Normalize(rec, topic)
		if err != nil {
			reason := normalize.Reason(err)
			skipped[reason]++
			if s.logger != nil && s.cooldown.Allow(rec.Topic, reason, logEvery) {
				s.logger.Warn("skipping stored record",
					"id", rec.ID,
					"topic", rec.Topic,
					"reason", reason,
					"err", err,
				)
			}
			continue
		}
		events = append(events, ev)
	}
	if len(skipped) > 0 {
		s.stats.RecordSkips(skipped)
		for reason, n := range skipped {
			s.collectors.Skipped(reason, n)
		}
	}
	return events
}
