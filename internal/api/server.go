// Package api exposes the store over HTTP. Values travel as opaque bytes;
// timestamps are nanoseconds since the Unix epoch.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Julzz10110/temporal-db/internal/db"
	"github.com/Julzz10110/temporal-db/internal/temporal"
)

// maxValueBytes bounds request bodies for PUT /keys/{key}.
const maxValueBytes = 16 << 20

// Server handles the HTTP surface over a store.
type Server struct {
	store  *db.DB
	logger *slog.Logger
}

// NewServer wires the store into a chi router.
func NewServer(store *db.DB, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: store, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/status", s.handleStatus)

	r.Route("/keys/{key}", func(r chi.Router) {
		r.Put("/", s.handlePut)
		r.Delete("/", s.handleDelete)
		r.Get("/", s.handleGet)
		r.Get("/history", s.handleHistory)
	})
	r.Post("/compact", s.handleCompact)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"last_seq":        s.store.LastSeq(),
		"compactor_state": s.store.CompactorState().String(),
	})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	ts, ok := s.timestampParam(w, r, "ts")
	if !ok {
		return
	}

	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}
	if len(value) > maxValueBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("value exceeds %d bytes", maxValueBytes))
		return
	}

	if err := s.store.Insert(r.Context(), []byte(key), value, ts); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	ts, ok := s.timestampParam(w, r, "ts")
	if !ok {
		return
	}

	if err := s.store.Delete(r.Context(), []byte(key), ts); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var (
		value []byte
		found bool
		err   error
	)
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		nanos, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid as_of: %w", perr))
			return
		}
		value, found, err = s.store.QueryAsOf(r.Context(), []byte(key), temporal.FromNanos(nanos))
	} else {
		value, found, err = s.store.QueryCurrent(r.Context(), []byte(key))
	}

	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no value for key %q", key))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(value)
}

// historyEntry is one version in a history response. Value is base64 in JSON
// and null for deletes.
type historyEntry struct {
	TimestampNanos int64  `json:"timestamp_nanos"`
	Seq            uint64 `json:"seq"`
	Value          []byte `json:"value"`
	Deleted        bool   `json:"deleted"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	start, ok := s.timestampParam(w, r, "start")
	if !ok {
		return
	}
	end, ok := s.timestampParam(w, r, "end")
	if !ok {
		return
	}
	if end.IsZero() {
		end = temporal.Timestamp{WallTime: 1<<63 - 1, Logical: 1<<31 - 1}
	}

	it := s.store.QueryHistory(r.Context(), []byte(key), start, end)
	defer it.Close()

	versions := []historyEntry{}
	for it.Next() {
		versions = append(versions, historyEntry{
			TimestampNanos: it.Timestamp().Nanos(),
			Seq:            it.Seq(),
			Value:          it.Value(),
			Deleted:        it.Tombstone(),
		})
	}
	if err := it.Err(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("horizon")
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("missing horizon"))
		return
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid horizon: %w", err))
		return
	}

	if err := s.store.Compact(r.Context(), temporal.FromNanos(nanos)); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// timestampParam parses an optional nanosecond timestamp query parameter. A
// missing parameter yields the zero timestamp (the store substitutes its
// clock for writes).
func (s *Server) timestampParam(w http.ResponseWriter, r *http.Request, name string) (temporal.Timestamp, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return temporal.Timestamp{}, true
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid %s: %w", name, err))
		return temporal.Timestamp{}, false
	}
	return temporal.FromNanos(nanos), true
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
