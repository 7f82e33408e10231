// Package httpapi serves a remote revision store for annotation projects.
// It keeps the head snapshot of every project and only accepts writes
// against the head revision.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/annostore/internal/logger"
	"github.com/agentworkforce/annostore/internal/metrics"
	"github.com/agentworkforce/annostore/internal/project"
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64

	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	// IDGenerator assigns pids to created projects. Defaults to uuid.NewString.
	IDGenerator func() string
	Now         func() time.Time
}

type Server struct {
	cfg         ServerConfig
	revisions   *revisionStore
	rateLimiter *rateLimiter
	metrics     http.Handler
	log         zerolog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer() *Server {
	return NewServerWithConfig(ServerConfig{})
}

func NewServerWithConfig(cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		cfg:         cfg,
		revisions:   newRevisionStore(cfg.IDGenerator, cfg.Now),
		rateLimiter: limiter,
		metrics:     promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}),
		log:         logger.Component(cfg.Logger, "httpapi"),
	}
}

// Projects reports how many projects the server holds.
func (s *Server) Projects() int {
	return s.revisions.count()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	route := s.route(rec, r)
	elapsed := time.Since(started)
	s.cfg.Metrics.RecordHTTPRequest(route, rec.status, elapsed)
	s.log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("route", route).
		Int("status", rec.status).
		Str("correlation_id", getCorrelationID(r)).
		Dur("elapsed", elapsed).
		Msg("request served")
}

// route dispatches the request and returns the route label for metrics.
func (s *Server) route(w http.ResponseWriter, r *http.Request) string {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return "health"
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return "metrics"
	}

	correlationID := getCorrelationID(r)
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return "not_found"
	}
	pid := parts[0]

	var route string
	switch {
	case pid == "" && r.Method == http.MethodPost:
		route = "create"
	case pid != "" && r.Method == http.MethodHead:
		route = "exists"
	case pid != "" && r.Method == http.MethodGet:
		route = "fetch"
	case pid != "" && r.Method == http.MethodPost:
		route = "update"
	case pid == "":
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return "not_found"
	default:
		w.Header().Set("Allow", "HEAD, GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
		return "method_not_allowed"
	}

	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), s.cfg.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return route
	}

	switch route {
	case "create":
		s.handleCreate(w, r, correlationID)
	case "exists":
		s.handleExists(w, pid)
	case "fetch":
		s.handleFetch(w, pid, correlationID)
	case "update":
		s.handleUpdate(w, r, pid, correlationID)
	}
	return route
}

func (s *Server) handleExists(w http.ResponseWriter, pid string) {
	if !s.revisions.exists(pid) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleFetch(w http.ResponseWriter, pid, correlationID string) {
	snapshot, ok := s.revisions.head(pid)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown project "+pid, correlationID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(snapshot)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readSnapshotBody(w, r, correlationID)
	if !ok {
		return
	}
	ack, err := s.revisions.create(body)
	if err != nil {
		s.log.Error().Err(err).Msg("create failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store project", correlationID)
		return
	}
	s.cfg.Metrics.SetProjects(s.revisions.count())
	s.log.Info().Str("pid", ack.PID).Str("rev", ack.Rev).Msg("project created")
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, pid, correlationID string) {
	rev := strings.TrimSpace(r.URL.Query().Get("rev"))
	if rev == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing rev query parameter", correlationID)
		return
	}
	if !s.revisions.exists(pid) {
		writeError(w, http.StatusNotFound, "not_found", "unknown project "+pid, correlationID)
		return
	}
	body, ok := s.readSnapshotBody(w, r, correlationID)
	if !ok {
		return
	}
	ack, err := s.revisions.update(pid, rev, body)
	switch {
	case errors.Is(err, errStaleRevision):
		s.log.Info().Str("pid", pid).Str("rev", rev).Msg("stale update refused")
		writeError(w, http.StatusConflict, "stale_revision", err.Error(), correlationID)
		return
	case errors.Is(err, errUnknownProject):
		writeError(w, http.StatusNotFound, "not_found", "unknown project "+pid, correlationID)
		return
	case err != nil:
		s.log.Error().Err(err).Str("pid", pid).Msg("update failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store project", correlationID)
		return
	}
	s.log.Info().Str("pid", ack.PID).Str("rev", ack.Rev).Msg("project updated")
	writeJSON(w, http.StatusOK, ack)
}

// readSnapshotBody reads a capped body and checks it is a complete snapshot.
func (s *Server) readSnapshotBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return nil, false
	}
	if _, err := project.DecodeSnapshot(body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_snapshot", err.Error(), correlationID)
		return nil, false
	}
	return body, true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
