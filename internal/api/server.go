// Package api exposes the HTTP interface for the extraction service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/grabtune/grabtune/internal/admission"
	"github.com/grabtune/grabtune/internal/classify"
	"github.com/grabtune/grabtune/internal/extract"
	"github.com/grabtune/grabtune/internal/jobstore"
	"github.com/grabtune/grabtune/internal/proxypool"
	"github.com/grabtune/grabtune/internal/ratelimit"
	"github.com/grabtune/grabtune/internal/telemetry"
)

// Endpoint classes for the sliding-window limiter. Downloads are expensive;
// status polling is cheap and tolerates a higher budget.
const (
	ClassDownload = "download"
	ClassStatus   = "status"
)

// Orchestrator runs one synchronous extraction.
type Orchestrator interface {
	Run(ctx context.Context, url string, profile extract.QualityProfile) extract.Outcome
}

// Enqueuer hands async work to the worker pool without blocking.
type Enqueuer interface {
	TryEnqueue(item extract.QueueItem) error
}

// Server wires HTTP handlers to the job store, admission gate and workers.
type Server struct {
	router       chi.Router
	store        *jobstore.Store
	queue        Enqueuer
	orchestrator Orchestrator
	admission    *admission.Controller
	limiter      *ratelimit.Limiter
	proxies      *proxypool.Pool
	clock        extract.Clock
	logger       *zap.Logger
	startedAt    time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store *jobstore.Store,
	queue Enqueuer,
	orchestrator Orchestrator,
	adm *admission.Controller,
	limiter *ratelimit.Limiter,
	proxies *proxypool.Pool,
	clock extract.Clock,
	ingress *rate.Limiter,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:        store,
		queue:        queue,
		orchestrator: orchestrator,
		admission:    adm,
		limiter:      limiter,
		proxies:      proxies,
		clock:        clock,
		logger:       logger,
		startedAt:    clock.Now(),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(ingressMiddleware(ingress))
	r.Use(telemetryMiddleware)

	r.Get("/", s.health)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/download", func(r chi.Router) {
		r.Post("/audio/fast", s.downloadFast)
		r.Post("/audio/async", s.downloadAsync)
		r.Get("/status/{job_id}", s.jobStatus)
		r.Get("/file/{job_id}", s.jobFile)
		r.Delete("/job/{job_id}", s.jobCancel)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type downloadRequest struct {
	URL     string `json:"url"`
	Quality string `json:"quality"`
}

func (s *Server) downloadFast(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ClassDownload) {
		return
	}

	req, kind := decodeDownloadRequest(r)
	if kind != "" {
		writeKind(w, kind, "")
		return
	}
	videoURL, err := extract.NormalizeURL(req.URL)
	if err != nil {
		writeKind(w, classify.KindInvalidURL, "")
		return
	}

	ok, reason := s.admission.Admit(r.Context())
	if !ok {
		writeKind(w, classify.KindResourceExhausted, reason)
		return
	}
	defer s.admission.Release()

	telemetry.IncActiveExtractions()
	defer telemetry.DecActiveExtractions()

	outcome := s.orchestrator.Run(r.Context(), videoURL, extract.ProfileByName(req.Quality))
	if !outcome.OK() {
		writeKind(w, outcome.Kind, outcome.Raw)
		return
	}
	// The whole artifact is streamed before the handler returns, so the
	// scratch directory can go as soon as the copy finishes.
	defer os.RemoveAll(filepath.Dir(outcome.FilePath))

	s.serveFile(w, outcome.FilePath, extract.SanitizeTitle(outcome.Title))
}

func (s *Server) downloadAsync(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ClassDownload) {
		return
	}

	req, kind := decodeDownloadRequest(r)
	if kind != "" {
		writeKind(w, kind, "")
		return
	}
	videoURL, err := extract.NormalizeURL(req.URL)
	if err != nil {
		writeKind(w, classify.KindInvalidURL, "")
		return
	}

	// Reuse an existing artifact for repeat submissions of the same URL.
	if existing, found := s.store.FindCompletedByURL(videoURL); found {
		s.writeAccepted(w, existing.ID, string(existing.Status))
		return
	}

	ok, reason := s.admission.Admit(r.Context())
	if !ok {
		writeKind(w, classify.KindResourceExhausted, reason)
		return
	}

	jobID, err := s.store.Submit(videoURL, req.Quality)
	if err != nil {
		s.admission.Release()
		writeError(w, http.StatusInternalServerError, "DOWNLOAD_FAILED", "could not create job", 0)
		return
	}

	item := extract.QueueItem{
		JobID:   jobID,
		URL:     videoURL,
		Profile: extract.ProfileByName(req.Quality),
	}
	if err := s.queue.TryEnqueue(item); err != nil {
		s.admission.Release()
		s.store.Fail(jobID, classify.KindResourceExhausted, "queue full")
		writeKind(w, classify.KindResourceExhausted, "server busy: queue full")
		return
	}

	s.writeAccepted(w, jobID, string(extract.JobStatusQueued))
}

func (s *Server) writeAccepted(w http.ResponseWriter, jobID, status string) {
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":       jobID,
		"status":       status,
		"check_url":    fmt.Sprintf("/download/status/%s", jobID),
		"download_url": fmt.Sprintf("/download/file/%s", jobID),
	})
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ClassStatus) {
		return
	}

	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.Get(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "job not found", 0)
		return
	}

	payload := map[string]any{"job": job}
	if job.Status == extract.JobStatusCompleted {
		payload["download_url"] = fmt.Sprintf("/download/file/%s", job.ID)
	}
	if job.Status == extract.JobStatusFailed {
		payload["error"] = map[string]string{
			"code":    classify.Code(job.ErrorKind),
			"message": classify.Message(job.ErrorKind, job.Message),
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) jobFile(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ClassStatus) {
		return
	}

	jobID := chi.URLParam(r, "job_id")
	path, title, err := s.store.OpenResult(jobID)
	switch {
	case errors.Is(err, jobstore.ErrNotReady):
		writeError(w, http.StatusBadRequest, "DOWNLOAD_NOT_READY", "download is not ready yet", 0)
		return
	case errors.Is(err, jobstore.ErrExpired):
		writeError(w, http.StatusNotFound, "FILE_EXPIRED", "file expired and was removed", 0)
		return
	case err != nil:
		writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "job not found", 0)
		return
	}

	s.serveFile(w, path, extract.SanitizeTitle(title))
}

func (s *Server) jobCancel(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ClassStatus) {
		return
	}

	jobID := chi.URLParam(r, "job_id")
	if err := s.store.Cancel(jobID); err != nil {
		writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "job not found", 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": string(extract.JobStatusCancelled),
	})
}

func (s *Server) serveFile(w http.ResponseWriter, path, name string) {
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "NO_OUTPUT_FILE", "could not open result file", 0)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".mp3"))
	if info, statErr := f.Stat(); statErr == nil {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	}
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Warn("file stream interrupted", zap.String("path", path), zap.Error(err))
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	snap := s.admission.Snapshot(r.Context())
	payload := map[string]any{
		"status":         "ok",
		"active_jobs":    snap.ActiveJobs,
		"tracked_jobs":   s.store.Count(),
		"swept_jobs":     s.store.SweptTotal(),
		"memory_used":    snap.MemoryFraction,
		"free_disk":      snap.FreeDiskBytes,
		"uptime_seconds": int(s.clock.Now().Sub(s.startedAt).Seconds()),
	}
	if s.proxies != nil {
		payload["proxy"] = s.proxies.Status()
	}
	writeJSON(w, http.StatusOK, payload)
}

// allow applies the per-client sliding window for the endpoint class and
// writes the 429 envelope on denial.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, class string) bool {
	decision := s.limiter.Allow(class, clientID(r))
	if decision.Allowed {
		return true
	}
	retryAfter := int(decision.RetryAfter.Seconds())
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED",
		"Rate limit exceeded. Please wait before retrying.", retryAfter)
	return false
}

func decodeDownloadRequest(r *http.Request) (downloadRequest, classify.Kind) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, classify.KindMissingURL
	}
	if req.URL == "" {
		return req, classify.KindMissingURL
	}
	return req, ""
}

// clientID identifies a caller for rate limiting: first forwarded address
// when behind a proxy, else the peer address without its port.
func clientID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "DOWNLOAD_FAILED", "internal server error", 0)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ingressMiddleware is a coarse token bucket in front of the per-client
// windows, shedding load during request floods.
func ingressMiddleware(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l != nil && !l.Allow() {
				writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "server overloaded", 0)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func telemetryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		telemetry.ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

// writeKind renders the error envelope for a classified kind. detail is the
// raw failure text (surfaced only for unclassified kinds) or, for admission
// rejections, the client-facing reason.
func writeKind(w http.ResponseWriter, kind classify.Kind, detail string) {
	msg := classify.Message(kind, detail)
	if kind == classify.KindResourceExhausted && detail != "" {
		msg = detail
	}
	retryAfter := 0
	if kind == classify.KindUpstreamRateLimited {
		retryAfter = 300
	}
	writeError(w, classify.HTTPStatus(kind), classify.Code(kind), msg, retryAfter)
}

func writeError(w http.ResponseWriter, status int, code, msg string, retryAfter int) {
	payload := map[string]any{"error": msg, "code": code}
	if retryAfter > 0 {
		payload["retry_after"] = retryAfter
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}
