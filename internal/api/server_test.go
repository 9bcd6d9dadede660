package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"homesense/internal/config"
	"homesense/internal/engine"
	"homesense/internal/ingest"
	"homesense/internal/metrics"
	"homesense/internal/model"
	"homesense/internal/rejects"
	"homesense/internal/storage"
)

type fakeAggregator struct {
	err      error
	lastDays int
}

func (f *fakeAggregator) HourlyView(context.Context) ([]model.DayBucket, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []model.DayBucket{{Date: "2024-01-10"}}, nil
}

func (f *fakeAggregator) Insights(_ context.Context, days int) (model.InsightsReport, error) {
	f.lastDays = days
	if f.err != nil {
		return model.InsightsReport{}, f.err
	}
	return model.InsightsReport{TotalMotionDetections: 3, PeakHours: []int{7}}, nil
}

func (f *fakeAggregator) DailyTotals(_ context.Context, days int) ([]model.DailyTotal, error) {
	f.lastDays = days
	if f.err != nil {
		return nil, f.err
	}
	return []model.DailyTotal{{Date: "2024-01-09", TotalMotions: 3}}, nil
}

type fakeEvents struct {
	records []model.RawEventRecord
	err     error
}

func (f *fakeEvents) FetchAllEvents(context.Context) ([]model.RawEventRecord, error) {
	return f.records, f.err
}

func (f *fakeEvents) Ping(context.Context) error { return f.err }

type fakeControl struct {
	resets  int
	updated *config.Config
}

func (f *fakeControl) Reset()                          { f.resets++ }
func (f *fakeControl) UpdateConfig(cfg *config.Config) { f.updated = cfg }

func testDeps(agg Aggregator, events EventStore, controls ...Control) Deps {
	return Deps{
		Config:     config.NewStaticManager(config.DefaultConfig()),
		Events:     events,
		Aggregator: agg,
		Stats:      metrics.NewStore(100),
		Rejects:    rejects.NewStore(100),
		Controls:   controls,
		Version:    "test",
	}
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body not json: %v: %s", err, rec.Body.String())
	}
	if body["error"] == "" {
		t.Fatalf("missing error field: %s", rec.Body.String())
	}
	return body["error"]
}

func TestAggregationEndpoints(t *testing.T) {
	agg := &fakeAggregator{}
	h := NewHandler(testDeps(agg, &fakeEvents{}))

	rec := do(t, h, http.MethodGet, "/fetch-motion-data", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("motion data status %d", rec.Code)
	}
	var buckets []model.DayBucket
	if err := json.Unmarshal(rec.Body.Bytes(), &buckets); err != nil || len(buckets) != 1 {
		t.Fatalf("buckets: %v %s", err, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"motion_data":[false,`) {
		t.Fatalf("motion_data shape: %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/motion-insights?days=14", "")
	if rec.Code != http.StatusOK || agg.lastDays != 14 {
		t.Fatalf("insights status %d days %d", rec.Code, agg.lastDays)
	}
	if !strings.Contains(rec.Body.String(), `"total_motion_detections":3`) {
		t.Fatalf("insights body: %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/fetch-historical-data", "")
	if rec.Code != http.StatusOK || agg.lastDays != 0 {
		t.Fatalf("history status %d days %d", rec.Code, agg.lastDays)
	}
	if !strings.Contains(rec.Body.String(), `"total_motions":3`) {
		t.Fatalf("history body: %s", rec.Body.String())
	}
}

func TestAggregationErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: %w", engine.ErrAggregationUnavailable, errors.New("db down")), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: days", engine.ErrInvalidWindow), http.StatusBadRequest},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := NewHandler(testDeps(&fakeAggregator{err: tc.err}, &fakeEvents{}))
		for _, path := range []string{"/fetch-motion-data", "/motion-insights", "/fetch-historical-data"} {
			rec := do(t, h, http.MethodGet, path, "")
			if rec.Code != tc.status {
				t.Fatalf("%s with %v: status %d, want %d", path, tc.err, rec.Code, tc.status)
			}
			errorBody(t, rec)
		}
	}
}

func TestDaysParamValidation(t *testing.T) {
	h := NewHandler(testDeps(&fakeAggregator{}, &fakeEvents{}))
	for _, q := range []string{"abc", "0", "-3"} {
		rec := do(t, h, http.MethodGet, "/motion-insights?days="+q, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("days=%s: status %d", q, rec.Code)
		}
		errorBody(t, rec)
	}
}

func TestRawExportCSV(t *testing.T) {
	ts := time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC)
	events := &fakeEvents{records: []model.RawEventRecord{
		{ID: "a", Topic: "home/security/door/motion", Payload: map[string]any{"motion_detected": true}, Timestamp: ts},
		{ID: "b", Topic: "home/security/door/motion", Payload: "{'motion_detected': False}", Timestamp: "2024-01-05 11:00:00"},
	}}
	h := NewHandler(testDeps(&fakeAggregator{}, events))

	rec := do(t, h, http.MethodGet, "/fetch-mqtt-data?format=csv", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	rows, err := csv.NewReader(bytes.NewReader(rec.Body.Bytes())).ReadAll()
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "id" {
		t.Fatalf("rows: %v", rows)
	}
	if rows[1][1] != "2024-01-05T10:00:00Z" || rows[1][3] != `{"motion_detected":true}` || rows[1][4] != "native" || rows[1][5] != "mapping" {
		t.Fatalf("row a: %v", rows[1])
	}
	if rows[2][4] != "text" || rows[2][5] != "string" {
		t.Fatalf("row b: %v", rows[2])
	}

	parser := ingest.NewParser()
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	var parsed []*model.RawEventRecord
	for _, line := range lines {
		r, err := parser.ParseLine(line)
		if err != nil {
			t.Fatalf("re-ingest %q: %v", line, err)
		}
		if r != nil {
			parsed = append(parsed, r)
		}
	}
	if len(parsed) != 2 || parsed[1].ID != "b" || parsed[1].Timestamp != "2024-01-05 11:00:00" {
		t.Fatalf("parsed: %+v", parsed)
	}
	if parsed[1].Payload != "{'motion_detected': False}" {
		t.Fatalf("string payload changed: %#v", parsed[1].Payload)
	}
	if got, ok := parsed[0].Timestamp.(time.Time); !ok || !got.Equal(ts) {
		t.Fatalf("native timestamp not restored: %#v", parsed[0].Timestamp)
	}
	if m, ok := parsed[0].Payload.(map[string]any); !ok || m["motion_detected"] != true {
		t.Fatalf("mapping payload not restored: %#v", parsed[0].Payload)
	}

	rec = do(t, h, http.MethodGet, "/fetch-mqtt-data?format=xml", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("format=xml status %d", rec.Code)
	}
}

func TestTopicPolicyUpdate(t *testing.T) {
	ctl := &fakeControl{}
	deps := testDeps(&fakeAggregator{}, &fakeEvents{}, ctl)
	h := NewHandler(deps)

	rec := do(t, h, http.MethodPost, "/config/topics", `{"enabled":true,"allow_only":true,"allow":[" home/# ",""],"deny":["home/+/debug"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	got := deps.Config.Get().Ingest.Topics
	if !got.Enabled || len(got.Allow) != 1 || got.Allow[0] != "home/#" {
		t.Fatalf("policy not stored: %+v", got)
	}
	if ctl.updated == nil || !ctl.updated.Ingest.Topics.AllowOnly {
		t.Fatalf("controls not notified")
	}

	rec = do(t, h, http.MethodGet, "/config/topics", "")
	if !strings.Contains(rec.Body.String(), `"home/+/debug"`) {
		t.Fatalf("get policy: %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/config/topics", `{"enabled":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body status %d", rec.Code)
	}
}

func TestAdminClear(t *testing.T) {
	ctl := &fakeControl{}
	deps := testDeps(&fakeAggregator{}, &fakeEvents{}, ctl)
	deps.Stats.RecordAccepted("home/a")
	deps.Rejects.Add(model.Rejection{Reason: "invalid_record"})
	h := NewHandler(deps)

	rec := do(t, h, http.MethodPost, "/admin/clear", `{"target":"stats"`)
	if rec.Code != http.StatusBadRequest || len(deps.Stats.GetAll()) != 1 || deps.Rejects.Len() != 1 || ctl.resets != 0 {
		t.Fatalf("truncated body: status %d, nothing should be cleared", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/admin/clear", `{"target":"rejects"}`)
	if rec.Code != http.StatusOK || deps.Rejects.Len() != 0 || len(deps.Stats.GetAll()) != 1 {
		t.Fatalf("clear rejects: %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/admin/clear", "")
	if rec.Code != http.StatusOK || len(deps.Stats.GetAll()) != 0 || ctl.resets != 1 {
		t.Fatalf("clear all: %d resets %d", rec.Code, ctl.resets)
	}
	rec = do(t, h, http.MethodPost, "/admin/clear", `{"target":"events"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown target status %d", rec.Code)
	}
}

func TestRejectsQuery(t *testing.T) {
	deps := testDeps(&fakeAggregator{}, &fakeEvents{})
	for i := 0; i < 3; i++ {
		deps.Rejects.Add(model.Rejection{Reason: "invalid_record", Topic: fmt.Sprintf("t%d", i)})
	}
	h := NewHandler(deps)
	rec := do(t, h, http.MethodGet, "/rejects?limit=2", "")
	if !strings.Contains(rec.Body.String(), `"count":2`) {
		t.Fatalf("limit: %s", rec.Body.String())
	}
	rec = do(t, h, http.MethodGet, "/rejects?since=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("since status %d", rec.Code)
	}
}

func TestHealthReflectsStore(t *testing.T) {
	h := NewHandler(testDeps(&fakeAggregator{}, &fakeEvents{err: errors.New("closed")}))
	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"degraded"`) {
		t.Fatalf("status: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	deps := testDeps(&fakeAggregator{}, &fakeEvents{})
	deps.Collectors = metrics.NewCollectors()
	h := NewHandler(deps)
	do(t, h, http.MethodGet, "/fetch-motion-data", "")
	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "fetch_motion_data") {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

// Records posted to the ingest endpoint come back out of the aggregation
// endpoints through a real store.
func TestIngestToInsightsRoundTrip(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Aggregation.SkipLogEvery = 0
	store, err := storage.NewSQLite("file:" + filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init store: %v", err)
	}
	defer store.Close()

	stats := metrics.NewStore(100)
	rej := rejects.NewStore(100)
	writer := ingest.NewWriter(cfg, nil, store, stats, nil, rej)
	svc := engine.NewService(cfg, nil, store, stats, nil)
	ingestHandler := ingest.NewRESTHandler(writer, nil)
	apiHandler := NewHandler(Deps{
		Config:     config.NewStaticManager(cfg),
		Events:     store,
		Aggregator: svc,
		Stats:      stats,
		Rejects:    rej,
		Controls:   []Control{writer, svc},
	})

	yesterday := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Hour)
	bodies := []string{
		fmt.Sprintf(`{"topic":%q,"payload":{"motion_detected":true},"timestamp":%q}`, cfg.Aggregation.MotionTopic, yesterday.Format(time.RFC3339)),
		fmt.Sprintf(`{"topic":%q,"payload":"{'motion_detected': True}","timestamp":%q}`, cfg.Aggregation.MotionTopic, yesterday.Add(time.Minute).Format(time.RFC3339)),
		fmt.Sprintf(`{"topic":%q,"payload":"garbage","timestamp":%q}`, cfg.Aggregation.MotionTopic, yesterday.Format(time.RFC3339)),
	}
	for _, body := range bodies {
		rec := do(t, ingestHandler, http.MethodPost, "/save-mqtt-data", body)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Data saved successfully") {
			t.Fatalf("save: %d %s", rec.Code, rec.Body.String())
		}
	}
	if rec := do(t, ingestHandler, http.MethodPost, "/save-mqtt-data", `{"payload":{}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing topic status %d", rec.Code)
	}

	rec := do(t, apiHandler, http.MethodGet, "/motion-insights?days=7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("insights: %d %s", rec.Code, rec.Body.String())
	}
	var report model.InsightsReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.TotalMotionDetections != 2 {
		t.Fatalf("total: %d", report.TotalMotionDetections)
	}
	if len(report.PeakHours) != 1 || report.PeakHours[0] != yesterday.Hour() {
		t.Fatalf("peak hours: %v", report.PeakHours)
	}
	if stats.Skips()["unparsable_payload"] != 1 {
		t.Fatalf("skips: %v", stats.Skips())
	}
	if rej.Len() != 1 {
		t.Fatalf("rejects: %d", rej.Len())
	}
}
