// Package api exposes audits over HTTP: synchronous runs, server-sent event
// streams, stored reports and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"greenaudit/internal/config"
	"greenaudit/internal/engine"
	"greenaudit/internal/report"
	"greenaudit/internal/storage"
)

// ErrMaxConcurrency is returned when every audit slot is taken.
var ErrMaxConcurrency = errors.New("maximum concurrent audits reached")

// Auditor runs one audit.
type Auditor interface {
	Audit(ctx context.Context, url string, settings engine.Settings) (*report.Report, error)
}

// ReportReader serves stored reports.
type ReportReader interface {
	ListReports(ctx context.Context, params storage.ReportListParams) ([]storage.ReportSummary, error)
	GetReport(ctx context.Context, id string) (*report.Report, error)
}

// Options wires a Server. Reports may be nil when persistence is disabled.
type Options struct {
	Auditor  Auditor
	Reports  ReportReader
	Defaults engine.Settings
	Server   config.ServerConfig
	Logger   *slog.Logger
}

// Server exposes the HTTP API.
type Server struct {
	auditor   Auditor
	reports   ReportReader
	router    chi.Router
	logger    *slog.Logger
	heartbeat time.Duration
	slots     chan struct{}
	throttle  *hostThrottle

	mu       sync.RWMutex
	defaults engine.Settings
}

// NewServer wires handlers onto a chi router.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := opts.Server.HeartbeatInterval.Duration
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	slots := opts.Server.MaxConcurrentAudits
	if slots <= 0 {
		slots = 1
	}
	s := &Server{
		auditor:   opts.Auditor,
		reports:   opts.Reports,
		router:    chi.NewRouter(),
		logger:    logger.With("component", "api"),
		heartbeat: heartbeat,
		slots:     make(chan struct{}, slots),
		throttle:  newHostThrottle(opts.Server.HostRate),
		defaults:  opts.Defaults,
	}
	s.routes()
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetDefaults replaces the run defaults used for new requests.
func (s *Server) SetDefaults(settings engine.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = settings
}

func (s *Server) settingsFor(req AuditRequest) engine.Settings {
	s.mu.RLock()
	settings := s.defaults
	s.mu.RUnlock()

	settings.ID = req.ID
	if req.ColdRun != nil {
		settings.ColdRun = *req.ColdRun
	}
	settings.Streams = false
	settings.Sink = nil
	return settings
}

func (s *Server) routes() {
	s.router.Use(s.recoverer)
	s.router.Use(s.requestLogger)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/openapi.yaml", s.handleOpenAPI)
	s.router.Get("/docs", s.handleDocs)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/audits", s.handleRunAudit)
		r.Get("/audits/stream", s.handleStreamAudit)
		r.Get("/reports", s.handleListReports)
		r.Get("/reports/{id}", s.handleGetReport)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// acquire takes an audit slot without waiting.
func (s *Server) acquire() (release func(), err error) {
	select {
	case s.slots <- struct{}{}:
		return func() { <-s.slots }, nil
	default:
		return nil, ErrMaxConcurrency
	}
}

func (s *Server) handleRunAudit(w http.ResponseWriter, r *http.Request) {
	var req AuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json payload: %w", err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	release, err := s.acquire()
	if err != nil {
		writeError(w, http.StatusTooManyRequests, err)
		return
	}
	defer release()

	if err := s.throttle.Wait(r.Context(), req.host()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	rep, err := s.auditor.Audit(r.Context(), req.URL, s.settingsFor(req))
	if err != nil {
		s.logger.Error("audit failed", "url", req.URL, "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleStreamAudit(w http.ResponseWriter, r *http.Request) {
	req, err := requestFromQuery(r.URL.Query())
	if err == nil {
		err = req.validate()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	release, err := s.acquire()
	if err != nil {
		writeError(w, http.StatusTooManyRequests, err)
		return
	}

	ctx := r.Context()
	if err := s.throttle.Wait(ctx, req.host()); err != nil {
		release()
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	pipe := report.NewPipe()
	settings := s.settingsFor(req)
	settings.Streams = true
	settings.Sink = pipe
	settings.PipeTerminateOnEnd = true

	result := make(chan error, 1)
	go func() {
		defer release()
		_, err := s.auditor.Audit(ctx, req.URL, settings)
		if err != nil {
			pipe.End()
		}
		result <- err
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		nextCtx, cancel := context.WithTimeout(ctx, s.heartbeat)
		raw, err := pipe.Next(nextCtx)
		cancel()
		switch {
		case err == nil:
			fmt.Fprintf(w, "event: %s\n", chunkStatus(raw))
			fmt.Fprintf(w, "data: %s\n\n", raw)
			flusher.Flush()
		case errors.Is(err, io.EOF):
			if auditErr := <-result; auditErr != nil {
				payload, _ := json.Marshal(errorResponse{Error: auditErr.Error()})
				fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
				flusher.Flush()
			}
			return
		case ctx.Err() != nil:
			return
		default:
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}

func chunkStatus(raw []byte) report.Status {
	var head struct {
		Meta report.ChunkMeta `json:"meta"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || head.Meta.Status == "" {
		return report.StatusAudit
	}
	return head.Meta.Status
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("report storage is disabled"))
		return
	}
	params := storage.ReportListParams{URL: r.URL.Query().Get("url")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		params.Limit = limit
	}
	items, err := s.reports.ListReports(r.Context(), params)
	if err != nil {
		s.logger.Error("list reports", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("report storage is disabled"))
		return
	}
	rep, err := s.reports.GetReport(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.logger.Error("load report", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "elapsed_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, errors.New("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
