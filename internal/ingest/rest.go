package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"homesense/internal/config"
)

const sourceREST = "rest"

type RESTServer struct {
	writer *Writer
	logger *slog.Logger
}

func StartREST(ctx context.Context, cfg *config.Manager, writer *Writer, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewRESTHandler(writer, logger),
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
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func NewRESTHandler(writer *Writer, logger *slog.Logger) http.Handler {
	s := &RESTServer{writer: writer, logger: logger}
	r := mux.NewRouter()
	r.HandleFunc("/save-mqtt-data", s.handleSave).Methods(http.MethodPost)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodPost)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	return r
}

// handleSave stores exactly one envelope.
func (s *RESTServer) handleSave(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	rec, err := ParseEnvelope(body)
	if err != nil {
		s.writer.Reject(sourceREST, rec.Topic, string(body), err)
		writeError(w, http.StatusBadRequest, "Invalid data: topic and payload are required")
		return
	}
	if err := s.writer.Insert(r.Context(), sourceREST, rec); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Data saved successfully"})
}

// handleEvents accepts one envelope or an array and reports per-record
// outcomes.
func (s *RESTServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	objs, err := DecodeEnvelopes(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	accepted, failed := 0, 0
	for _, obj := range objs {
		rec, err := RecordFromMap(obj)
		if err != nil {
			raw, _ := json.Marshal(obj)
			s.writer.Reject(sourceREST, rec.Topic, string(raw), err)
			failed++
			continue
		}
		if err := s.writer.Insert(r.Context(), sourceREST, rec); err != nil {
			failed++
			continue
		}
		accepted++
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": accepted, "failed": failed})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, ErrTopicDenied):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
