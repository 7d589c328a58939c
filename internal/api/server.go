// Package api implements the admin JSON surface: the classifier cache's
// Properties/State/Stats resources and a session listing (spec.md §6),
// adapted from the teacher's internal/api/server.go (mux routing,
// graceful start/stop, /metrics, writeJSON/writeError helpers) with its
// tenant CRUD re-themed to this proxy's domain.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sqlrelay/sqlrelay/internal/classifier"
	"github.com/sqlrelay/sqlrelay/internal/session"
)

// Server is the admin REST API and Prometheus metrics server.
type Server struct {
	caches     *classifier.Manager // a representative worker's manager, for Properties/quota reads
	props      *classifier.Properties
	sessions   *session.Registry
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a new admin API server.
func NewServer(props *classifier.Properties, caches *classifier.Manager, sessions *session.Registry) *Server {
	return &Server{props: props, caches: caches, sessions: sessions, startTime: time.Now()}
}

// Start starts the HTTP admin server on addr (e.g. "0.0.0.0:8080").
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()

	r.HandleFunc("/cache/properties", s.getCacheProperties).Methods("GET")
	r.HandleFunc("/cache/properties", s.patchCacheProperties).Methods("PATCH")
	r.HandleFunc("/cache/stats", s.getCacheStats).Methods("GET")
	r.HandleFunc("/cache/state", s.getCacheState).Methods("GET")
	r.HandleFunc("/cache/clear", s.clearCache).Methods("POST")

	r.HandleFunc("/sessions", s.listSessions).Methods("GET")
	r.HandleFunc("/sessions/{id}", s.getSession).Methods("GET")

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")

	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("admin API listening", "addr", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin API server error", "err", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Cache resources (spec.md §6) ---

type cachePropertiesResponse struct {
	GlobalSizeBytes int64 `json:"global_size_bytes"`
}

func (s *Server) getCacheProperties(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cachePropertiesResponse{GlobalSizeBytes: s.props.GlobalSize()})
}

func (s *Server) patchCacheProperties(w http.ResponseWriter, r *http.Request) {
	var req cachePropertiesResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.props.SetGlobalSize(req.GlobalSizeBytes)
	writeJSON(w, http.StatusOK, cachePropertiesResponse{GlobalSizeBytes: s.props.GlobalSize()})
}

func (s *Server) getCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.caches.Cache().StatsSnapshot())
}

// getCacheState serves the supplemented "get_cache_state" resource
// (cachingparser.cc, spec.md §4.3): the top-N cached statements by hit
// count, bounded to avoid an unbounded response on a large cache.
func (s *Server) getCacheState(w http.ResponseWriter, r *http.Request) {
	n := 25
	if q := r.URL.Query().Get("n"); q != "" {
		if parsed, err := strconv.Atoi(q); err == nil && parsed > 0 {
			n = parsed
		}
	}
	writeJSON(w, http.StatusOK, s.caches.Cache().TopN(n))
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	s.caches.Cache().Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// --- Session resources ---

type sessionSummary struct {
	ID          uint64 `json:"id"`
	User        string `json:"user"`
	Host        string `json:"host"`
	Service     string `json:"service"`
	State       string `json:"state"`
	CloseReason string `json:"close_reason,omitempty"`
	RefCount    int32  `json:"ref_count"`
}

func summarize(s *session.Session) sessionSummary {
	out := sessionSummary{
		ID:       s.ID,
		User:     s.User,
		Host:     s.Host,
		Service:  s.Service,
		State:    s.State().String(),
		RefCount: s.RefCount(),
	}
	if s.State() != session.StateCreated && s.State() != session.StateStarted {
		out.CloseReason = s.CloseReason().String()
	}
	return out
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	all := s.sessions.All()
	out := make([]sessionSummary, 0, len(all))
	for _, sess := range all {
		out = append(out, summarize(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

type sessionDetail struct {
	sessionSummary
	Trace []string `json:"trace"`
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	sess, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sessionDetail{summarize(sess), sess.Trace.Dump()})
}

// --- Status/health ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"sessions":       s.sessions.Len(),
		"cache_size":     s.caches.Cache().StatsSnapshot().Size,
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
