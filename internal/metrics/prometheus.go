package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds the Prometheus instruments. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	registry           *prometheus.Registry
	ingested           *prometheus.CounterVec
	rejected           *prometheus.CounterVec
	duplicates         prometheus.Counter
	skipped            *prometheus.CounterVec
	aggregationSeconds *prometheus.HistogramVec
	aggregationErrors  *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homesense_records_ingested_total",
			Help: "Records stored, by ingest source.",
		}, []string{"source"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homesense_records_rejected_total",
			Help: "Records refused at ingest, by reason.",
		}, []string{"reason"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homesense_records_duplicate_total",
			Help: "Redelivered records dropped by the dedupe window.",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homesense_records_skipped_total",
			Help: "Stored records excluded from an aggregation, by reason.",
		}, []string{"reason"}),
		aggregationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "homesense_aggregation_duration_seconds",
			Help:    "Fetch plus aggregation time per view.",
			Buckets: prometheus.DefBuckets,
		}, []string{"view"}),
		aggregationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homesense_aggregation_failures_total",
			Help: "Aggregations that failed because the store was unavailable.",
		}, []string{"view"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "homesense_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "homesense_http_request_duration_seconds",
			Help:    "HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.ingested,
		c.rejected,
		c.duplicates,
		c.skipped,
		c.aggregationSeconds,
		c.aggregationErrors,
		c.httpRequests,
		c.httpDuration,
	)
	return c
}

func (c *Collectors) Ingested(source string) {
	if c == nil {
		return
	}
	c.ingested.WithLabelValues(source).Inc()
}

func (c *Collectors) Rejected(reason string) {
	if c == nil {
		return
	}
	c.rejected.WithLabelValues(reason).Inc()
}

func (c *Collectors) Duplicate() {
	if c == nil {
		return
	}
	c.duplicates.Inc()
}

func (c *Collectors) Skipped(reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.skipped.WithLabelValues(reason).Add(float64(n))
}

func (c *Collectors) Aggregation(view string, d time.Duration, failed bool) {
	if c == nil {
		return
	}
	c.aggregationSeconds.WithLabelValues(view).Observe(d.Seconds())
	if failed {
		c.aggregationErrors.WithLabelValues(view).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (c *Collectors) WrapHandler(route string, next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)
		c.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		c.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
