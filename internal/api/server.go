// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/id/uuid"
	"github.com/JakeFAU/topic-crawler/internal/metrics"
	"github.com/JakeFAU/topic-crawler/internal/recovery"
	"github.com/JakeFAU/topic-crawler/internal/service"
)

// Crawls is the service surface the API drives.
type Crawls interface {
	DefaultMaxDepth() int
	Crawl(ctx context.Context, req crawler.CrawlRequest) (crawler.Run, error)
	Submit(ctx context.Context, req crawler.CrawlRequest) (crawler.Run, error)
	Status(ctx context.Context, baseURL string) (service.StatusReport, error)
	Results(ctx context.Context, q service.ResultsQuery) ([]crawler.Record, error)
	Recover(ctx context.Context, baseURL string) (recovery.Report, error)
	GetRun(ctx context.Context, runID string) (crawler.Run, error)
	ListRuns(ctx context.Context, baseURL string) ([]crawler.Run, error)
	AddTopics(labels []string) []string
	Topics() []string
	Ping(ctx context.Context) error
}

// Options configures the server middleware.
type Options struct {
	AuthEnabled bool
	APIKey      string
	// ReadTimeout bounds every route except crawl submission, which may wait
	// for a whole crawl.
	ReadTimeout time.Duration
}

// Server wires HTTP handlers to the crawl service.
type Server struct {
	router chi.Router
	crawls Crawls
	ids    *uuid.Generator
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(crawls Crawls, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	s := &Server{
		crawls: crawls,
		ids:    uuid.New(),
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/crawls", s.submitCrawl)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.ReadTimeout))
			r.Get("/crawls/status", s.crawlStatus)
			r.Get("/crawls/results", s.crawlResults)
			r.Post("/crawls/recover", s.recoverCrawl)
			r.Get("/crawls/runs", s.listRuns)
			r.Get("/crawls/runs/{run_id}", s.getRun)
			r.Get("/topics", s.listTopics)
			r.Post("/topics", s.addTopics)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.crawls.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "record store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type crawlRequest struct {
	BaseURL     string       `json:"base_url"`
	MaxDepth    *int         `json:"max_depth"`
	Concurrency *int         `json:"concurrency"`
	Mode        crawler.Mode `json:"mode"`
	Wait        bool         `json:"wait"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var body crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req := crawler.CrawlRequest{
		BaseURL:     body.BaseURL,
		MaxDepth:    valueOrDefault(body.MaxDepth, s.crawls.DefaultMaxDepth()),
		Concurrency: valueOrDefault(body.Concurrency, 0),
		Mode:        body.Mode,
	}

	if body.Wait {
		run, err := s.crawls.Crawl(r.Context(), req)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]any{"run": run})
		case run.ID == "":
			s.writeServiceError(w, r, err)
		default:
			writeJSON(w, statusFor(err), map[string]any{"run": run, "error": err.Error()})
		}
		return
	}

	run, err := s.crawls.Submit(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

func (s *Server) crawlStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.crawls.Status(r.Context(), r.URL.Query().Get("base_url"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) crawlResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := service.ResultsQuery{
		BaseURL: q.Get("base_url"),
		Topic:   q.Get("topic"),
	}
	if raw := q.Get("max_depth"); raw != "" {
		depth, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid max_depth")
			return
		}
		query.MaxDepth = &depth
	}
	records, err := s.crawls.Results(r.Context(), query)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": records, "count": len(records)})
}

type recoverRequest struct {
	BaseURL string `json:"base_url"`
}

func (s *Server) recoverCrawl(w http.ResponseWriter, r *http.Request) {
	var body recoverRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	report, err := s.crawls.Recover(r.Context(), body.BaseURL)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type topicsRequest struct {
	Topics []string `json:"topics"`
}

func (s *Server) listTopics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"topics": s.crawls.Topics()})
}

func (s *Server) addTopics(w http.ResponseWriter, r *http.Request) {
	var body topicsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(body.Topics) == 0 {
		writeError(w, http.StatusBadRequest, "topics required")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"topics": s.crawls.AddTopics(body.Topics)})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, crawler.ErrInvalidURL), errors.Is(err, crawler.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, crawler.ErrCrawlActive):
		return http.StatusConflict
	case errors.Is(err, crawler.ErrStoreUnavailable), errors.Is(err, service.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if !uuid.Valid(reqID) {
			reqID = s.ids.NewRequestID()
		}
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
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", requestID(r.Context())),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if strings.TrimSpace(key) == "" || key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
