package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"homesense/internal/config"
	"homesense/internal/engine"
	"homesense/internal/ingest"
	"homesense/internal/metrics"
	"homesense/internal/model"
	"homesense/internal/rejects"
)

// Aggregator produces the three motion views.
type Aggregator interface {
	HourlyView(ctx context.Context) ([]model.DayBucket, error)
	Insights(ctx context.Context, days int) (model.InsightsReport, error)
	DailyTotals(ctx context.Context, days int) ([]model.DailyTotal, error)
}

// EventStore is the part of the store exposed for raw export and health.
type EventStore interface {
	FetchAllEvents(ctx context.Context) ([]model.RawEventRecord, error)
	Ping(ctx context.Context) error
}

// Control is a component that follows config changes and can drop its
// in-memory state.
type Control interface {
	Reset()
	UpdateConfig(cfg *config.Config)
}

type Deps struct {
	Config     *config.Manager
	Events     EventStore
	Aggregator Aggregator
	Stats      *metrics.Store
	Rejects    *rejects.Store
	Collectors *metrics.Collectors
	Controls   []Control
	Logger     *slog.Logger
	Version    string
}

type Server struct {
	Deps
}

type statusResponse struct {
	Status     string                   `json:"status"`
	Time       string                   `json:"time"`
	Version    string                   `json:"version"`
	ConfigPath string                   `json:"config_path"`
	Storage    storageStatus            `json:"storage"`
	Ingest     ingestStatus             `json:"ingest"`
	Topics     config.TopicPolicyConfig `json:"topics"`
	Windows    windowStatus             `json:"windows"`
	Rejects    int                      `json:"rejects"`
}

type storageStatus struct {
	Driver string `json:"driver"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

type ingestStatus struct {
	REST        bool `json:"rest"`
	MQTT        bool `json:"mqtt"`
	Kafka       bool `json:"kafka"`
	RedisStream bool `json:"redis_stream"`
	TCPStream   bool `json:"tcp_stream"`
	FileTail    bool `json:"file_tail"`
}

type windowStatus struct {
	MotionTopic  string `json:"motion_topic"`
	HourlyDays   int    `json:"hourly_days"`
	InsightsDays int    `json:"insights_days"`
	HistoryDays  int    `json:"history_days"`
	MaxDays      int    `json:"max_days"`
}

func Start(ctx context.Context, deps Deps) *http.Server {
	if deps.Config == nil {
		return nil
	}
	current := deps.Config.Get().API
	if !current.Enabled {
		if deps.Logger != nil {
			deps.Logger.Info("api disabled")
		}
		return nil
	}
	if deps.Logger != nil {
		deps.Logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewHandler(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if deps.Logger != nil {
				deps.Logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

// NewHandler builds the routed, CORS-enabled and request-logged handler.
func NewHandler(deps Deps) http.Handler {
	s := &Server{Deps: deps}
	r := mux.NewRouter()
	route := func(path, name string, h http.HandlerFunc, methods ...string) {
		r.Handle(path, s.Collectors.WrapHandler(name, h)).Methods(methods...)
	}
	route("/fetch-motion-data", "fetch_motion_data", s.handleMotionData, http.MethodGet)
	route("/motion-insights", "motion_insights", s.handleInsights, http.MethodGet)
	route("/fetch-historical-data", "fetch_historical_data", s.handleHistory, http.MethodGet)
	route("/fetch-mqtt-data", "fetch_mqtt_data", s.handleExport, http.MethodGet)
	route("/status", "status", s.handleStatus, http.MethodGet)
	route("/stats", "stats", s.handleStats, http.MethodGet)
	route("/rejects", "rejects", s.handleRejects, http.MethodGet)
	route("/config/topics", "config_topics", s.handleTopics, http.MethodGet, http.MethodPost)
	route("/admin/clear", "admin_clear", s.handleClear, http.MethodPost)
	route("/health", "health", s.handleHealth, http.MethodGet)
	r.Handle("/metrics", s.Collectors.Handler()).Methods(http.MethodGet)

	origins := []string{"*"}
	if cfg := s.Config.Get(); len(cfg.API.CORSOrigins) > 0 {
		origins = cfg.API.CORSOrigins
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	return handlers.CustomLoggingHandler(io.Discard, cors(r), s.logRequest)
}

func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	if s.Logger == nil {
		return
	}
	s.Logger.Debug("http request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"size", p.Size,
		"duration_ms", time.Since(p.TimeStamp).Milliseconds(),
	)
}

func (s *Server) handleMotionData(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.Aggregator.HourlyView(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	days, err := daysParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.Aggregator.Insights(r.Context(), days)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	days, err := daysParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	totals, err := s.Aggregator.DailyTotals(r.Context(), days)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

// daysParam returns 0 when the parameter is absent so the configured
// default applies.
func daysParam(r *http.Request) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get("days"))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("days must be a positive integer: %q", v)
	}
	return n, nil
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidWindow):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrAggregationUnavailable):
		if s.Logger != nil {
			s.Logger.Error("aggregation failed", "err", err)
		}
		writeError(w, http.StatusServiceUnavailable, "event store unavailable")
	default:
		if s.Logger != nil {
			s.Logger.Error("request failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleExport dumps every stored record, as JSON or as CSV rows that the
// line parser reads back.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format != "" && format != "json" && format != "csv" {
		writeError(w, http.StatusBadRequest, "format must be json or csv")
		return
	}
	records, err := s.Events.FetchAllEvents(r.Context())
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error("raw export failed", "err", err)
		}
		writeError(w, http.StatusServiceUnavailable, "event store unavailable")
		return
	}
	if format != "csv" {
		writeJSON(w, http.StatusOK, records)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="events.csv"`)
	w.WriteHeader(http.StatusOK)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "timestamp", "topic", "payload", "timestamp_kind", "payload_kind"})
	for _, rec := range records {
		ts, tsKind := exportTimestamp(rec.Timestamp)
		payload, payloadKind := exportPayload(rec.Payload)
		_ = cw.Write([]string{rec.ID, ts, rec.Topic, payload, tsKind, payloadKind})
	}
	cw.Flush()
}

// exportTimestamp renders a stored timestamp with the kind the CSV parser
// needs to restore it: native instants as RFC3339, text exactly as received.
func exportTimestamp(ts any) (string, string) {
	switch v := ts.(type) {
	case nil:
		return "", "none"
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), "native"
	case string:
		return v, "text"
	}
	return fmt.Sprint(ts), "text"
}

func exportPayload(p any) (string, string) {
	switch v := p.(type) {
	case nil:
		return "", "none"
	case string:
		return v, "string"
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprint(p), "string"
	}
	return string(data), "mapping"
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config.Get()
	storage := storageStatus{Driver: cfg.Storage.Driver, OK: true}
	if s.Events != nil {
		if err := s.Events.Ping(r.Context()); err != nil {
			storage.OK = false
			storage.Error = err.Error()
		}
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.Version,
		ConfigPath: s.Config.Path(),
		Storage:    storage,
		Ingest: ingestStatus{
			REST:        cfg.Ingest.REST.Enabled,
			MQTT:        cfg.Ingest.MQTT.Enabled,
			Kafka:       cfg.Ingest.Kafka.Enabled,
			RedisStream: cfg.Ingest.RedisStream.Enabled,
			TCPStream:   cfg.Ingest.TCPStream.Enabled,
			FileTail:    cfg.Ingest.FileTail.Enabled,
		},
		Topics: cfg.Ingest.Topics,
		Windows: windowStatus{
			MotionTopic:  cfg.Aggregation.MotionTopic,
			HourlyDays:   cfg.Aggregation.HourlyDays,
			InsightsDays: cfg.Aggregation.InsightsDays,
			HistoryDays:  cfg.Aggregation.HistoryDays,
			MaxDays:      cfg.Aggregation.MaxDays,
		},
		Rejects: s.Rejects.Len(),
	}
	if !storage.OK {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Events != nil {
		if err := s.Events.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "event store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	all := s.Stats.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"topics": all,
		"count":  len(all),
		"skips":  s.Stats.Skips(),
	})
}

func (s *Server) handleRejects(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	var list []model.Rejection
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		list = s.Rejects.Since(ts)
	} else {
		list = s.Rejects.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rejects": list,
		"count":   len(list),
	})
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"topics": s.Config.Get().Ingest.Topics})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var policy config.TopicPolicyConfig
	if err := json.Unmarshal(body, &policy); err != nil {
		writeError(w, http.StatusBadRequest, "invalid topic policy")
		return
	}
	policy.Allow = ingest.SanitizeTopics(policy.Allow)
	policy.Deny = ingest.SanitizeTopics(policy.Deny)
	next := *s.Config.Get()
	next.Ingest.Topics = policy
	if err := s.Config.Update(&next); err != nil {
		if s.Logger != nil {
			s.Logger.Error("topic policy update failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, "could not save config")
		return
	}
	for _, c := range s.Controls {
		c.UpdateConfig(&next)
	}
	if s.Logger != nil {
		s.Logger.Info("topic policy updated", "enabled", policy.Enabled, "allow_only", policy.AllowOnly, "allow", len(policy.Allow), "deny", len(policy.Deny))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "topics": policy})
}

// handleClear drops in-memory state. Stored events are never touched.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	var req struct {
		Target string `json:"target"`
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid clear request: "+err.Error())
			return
		}
	}
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.Stats.Clear()
		s.Rejects.Clear()
		for _, c := range s.Controls {
			c.Reset()
		}
	case "stats":
		s.Stats.Clear()
	case "rejects":
		s.Rejects.Clear()
	case "caches":
		for _, c := range s.Controls {
			c.Reset()
		}
	default:
		writeError(w, http.StatusBadRequest, "target must be all, stats, rejects or caches")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "cleared": target})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
