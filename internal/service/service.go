// Package service is the crawl facade shared by the HTTP API and the CLI.
// It validates requests, tracks runs, enforces one active crawl per base URL
// and runs recovery before every crawl.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/dispatcher"
	"github.com/JakeFAU/topic-crawler/internal/frontier"
	"github.com/JakeFAU/topic-crawler/internal/metrics"
	"github.com/JakeFAU/topic-crawler/internal/recovery"
	"github.com/JakeFAU/topic-crawler/internal/store"
)

// ErrQueueFull is returned by Submit when the run queue has no capacity.
var ErrQueueFull = errors.New("run queue full")

// Crawl states reported by Status.
const (
	StateNotStarted = "not_started"
	StateInProgress = "in_progress"
	StateCompleted  = "completed"
)

// Config holds request defaults and limits.
type Config struct {
	DefaultMaxDepth    int
	DefaultConcurrency int
	// MaxConcurrency caps the per-run worker count. Zero means no cap.
	MaxConcurrency int
	// Runners is the number of queued runs executed in parallel.
	Runners int
}

// Topics is the label registry the service exposes.
type Topics interface {
	crawler.TopicSource
	Add(labels ...string) []string
}

// Deps are the collaborators the service coordinates.
type Deps struct {
	Store      store.RecordStore
	Runs       crawler.RunStore
	Frontier   *frontier.Manager
	Planner    *recovery.Planner
	Dispatcher *dispatcher.Dispatcher
	Topics     Topics
	Queue      crawler.Queue
	IDs        crawler.IDGenerator
	Clock      crawler.Clock
}

// StatusReport summarizes one crawl scope.
type StatusReport struct {
	BaseURL   string                 `json:"base_url"`
	State     string                 `json:"state"`
	Running   bool                   `json:"running"`
	Total     int                    `json:"total"`
	Counts    map[crawler.Status]int `json:"counts"`
	// Exhausted counts QUEUED records that will not be retried. A crawl
	// whose only QUEUED records are exhausted is stuck, not running.
	Exhausted int `json:"exhausted"`
}

// ResultsQuery filters completed records.
type ResultsQuery struct {
	BaseURL string
	Topic   string
	// MaxDepth drops records deeper than this when non-nil.
	MaxDepth *int
}

// Service implements the crawl operations.
type Service struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]string
}

// New constructs a Service.
func New(deps Deps, cfg Config, logger *zap.Logger) *Service {
	if cfg.DefaultConcurrency < 1 {
		cfg.DefaultConcurrency = 1
	}
	if cfg.Runners < 1 {
		cfg.Runners = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		active: make(map[string]string),
	}
}

// DefaultMaxDepth is the depth used when a caller does not specify one.
func (s *Service) DefaultMaxDepth() int {
	return s.cfg.DefaultMaxDepth
}

// Normalize validates req and fills in defaults.
func (s *Service) Normalize(req crawler.CrawlRequest) (crawler.CrawlRequest, error) {
	baseURL, err := crawler.ValidateBaseURL(req.BaseURL)
	if err != nil {
		return req, err
	}
	req.BaseURL = baseURL
	if req.MaxDepth < 0 {
		return req, fmt.Errorf("%w: max_depth must be >= 0", crawler.ErrInvalidRequest)
	}
	switch req.Mode {
	case "":
		req.Mode = crawler.ModeSequential
	case crawler.ModeSequential, crawler.ModeConcurrent:
	default:
		return req, fmt.Errorf("%w: mode must be %q or %q", crawler.ErrInvalidRequest, crawler.ModeSequential, crawler.ModeConcurrent)
	}
	if req.Concurrency < 0 {
		return req, fmt.Errorf("%w: concurrency must be >= 0", crawler.ErrInvalidRequest)
	}
	if req.Mode == crawler.ModeConcurrent && req.Concurrency == 0 {
		req.Concurrency = s.cfg.DefaultConcurrency
	}
	if s.cfg.MaxConcurrency > 0 && req.Concurrency > s.cfg.MaxConcurrency {
		req.Concurrency = s.cfg.MaxConcurrency
	}
	if req.Mode == crawler.ModeSequential {
		req.Concurrency = 1
	}
	return req, nil
}

// Crawl runs req to completion in the calling goroutine and returns the
// finished run. Canceling ctx stops the crawl; the run is then reported as
// canceled and its unfinished records wait for the next recovery.
func (s *Service) Crawl(ctx context.Context, req crawler.CrawlRequest) (crawler.Run, error) {
	run, err := s.admit(ctx, req)
	if err != nil {
		return crawler.Run{}, err
	}
	return s.execute(ctx, run.ID, run.Request)
}

// Submit queues req for the runner pool and returns the queued run.
func (s *Service) Submit(ctx context.Context, req crawler.CrawlRequest) (crawler.Run, error) {
	run, err := s.admit(ctx, req)
	if err != nil {
		return crawler.Run{}, err
	}
	item := crawler.QueueItem{RunID: run.ID, Request: run.Request, Submitted: run.Submitted.UnixMilli()}
	if err := s.deps.Queue.TryEnqueue(item); err != nil {
		s.release(run.Request.BaseURL)
		s.finish(ctx, run.ID, crawler.RunStatusFailed, err.Error(), crawler.RunCounters{})
		return crawler.Run{}, fmt.Errorf("%w: %w", ErrQueueFull, err)
	}
	s.logger.Info("crawl queued", zap.String("run_id", run.ID), zap.String("base_url", run.Request.BaseURL))
	return run, nil
}

// RunQueued executes queued runs with the configured number of runners until
// ctx is canceled.
func (s *Service) RunQueued(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range s.cfg.Runners {
		logger := s.logger.Named("runner").With(zap.Int("index", i))
		g.Go(func() error {
			for {
				item, err := s.deps.Queue.Dequeue(gctx)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("dequeue run: %w", err)
				}
				if _, err := s.execute(gctx, item.RunID, item.Request); err != nil {
					logger.Warn("run ended with error", zap.String("run_id", item.RunID), zap.Error(err))
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("run queue: %w", err)
	}
	return nil
}

func (s *Service) admit(ctx context.Context, req crawler.CrawlRequest) (crawler.Run, error) {
	req, err := s.Normalize(req)
	if err != nil {
		return crawler.Run{}, err
	}
	id, err := s.deps.IDs.NewID()
	if err != nil {
		return crawler.Run{}, fmt.Errorf("new run id: %w", err)
	}
	if err := s.acquire(req.BaseURL, id); err != nil {
		return crawler.Run{}, err
	}
	run := crawler.Run{
		ID:        id,
		Status:    crawler.RunStatusQueued,
		Request:   req,
		Submitted: s.deps.Clock.Now(),
	}
	if err := s.deps.Runs.CreateRun(ctx, run); err != nil {
		s.release(req.BaseURL)
		return crawler.Run{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

func (s *Service) execute(ctx context.Context, runID string, req crawler.CrawlRequest) (crawler.Run, error) {
	defer s.release(req.BaseURL)
	logger := s.logger.With(zap.String("run_id", runID), zap.String("base_url", req.BaseURL))

	var counters crawler.RunCounters
	s.finish(ctx, runID, crawler.RunStatusRunning, "", counters)

	status, errText, err := s.crawl(ctx, req, &counters, logger)
	s.finish(ctx, runID, status, errText, counters)
	metrics.ObserveRun(string(status))
	logger.Info("crawl finished",
		zap.String("status", string(status)),
		zap.Int("completed", counters.PagesCompleted),
		zap.Int("failed", counters.PagesFailed),
		zap.Int("recovered", counters.Recovered),
	)

	run, getErr := s.deps.Runs.GetRun(context.WithoutCancel(ctx), runID)
	if getErr != nil {
		return crawler.Run{}, errors.Join(err, fmt.Errorf("load run: %w", getErr))
	}
	return run, err
}

func (s *Service) crawl(
	ctx context.Context,
	req crawler.CrawlRequest,
	counters *crawler.RunCounters,
	logger *zap.Logger,
) (crawler.RunStatus, string, error) {
	report, err := s.deps.Planner.Recover(ctx, req.BaseURL)
	if err != nil {
		return s.failure(ctx, fmt.Errorf("recover: %w", err))
	}
	counters.Recovered = report.Changed()
	if report.Changed() > 0 {
		logger.Info("recovered interrupted records",
			zap.Int("requeued", len(report.Requeued)),
			zap.Int("replayed", len(report.Replayed)),
		)
	}

	if _, err := s.deps.Frontier.Seed(ctx, req.BaseURL); err != nil {
		return s.failure(ctx, err)
	}

	result, err := s.deps.Dispatcher.Run(ctx, req.BaseURL, req.MaxDepth, req.Workers())
	counters.PagesCompleted = result.Completed
	counters.PagesFailed = result.Failed
	counters.PagesAbandoned = result.Abandoned + result.Released
	if err != nil {
		return s.failure(ctx, err)
	}
	exhausted, err := s.deps.Frontier.CountExhausted(ctx, req.BaseURL)
	if err != nil {
		return s.failure(ctx, err)
	}
	counters.PagesExhausted = exhausted
	if exhausted > 0 {
		logger.Warn("records gave up after max attempts", zap.Int("exhausted", exhausted))
	}
	return crawler.RunStatusSucceeded, "", nil
}

func (s *Service) failure(ctx context.Context, err error) (crawler.RunStatus, string, error) {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return crawler.RunStatusCanceled, err.Error(), err
	}
	return crawler.RunStatusFailed, err.Error(), err
}

func (s *Service) finish(ctx context.Context, runID string, status crawler.RunStatus, errText string, counters crawler.RunCounters) {
	if err := s.deps.Runs.UpdateRun(context.WithoutCancel(ctx), runID, status, errText, counters); err != nil {
		s.logger.Error("update run failed", zap.String("run_id", runID), zap.Error(err))
	}
}

func (s *Service) acquire(baseURL, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.active[baseURL]; ok {
		return fmt.Errorf("%w: %s (run %s)", crawler.ErrCrawlActive, baseURL, existing)
	}
	s.active[baseURL] = runID
	return nil
}

func (s *Service) release(baseURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, baseURL)
}

func (s *Service) running(baseURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[baseURL]
	return ok
}

// Status reports per-status counts and the derived crawl state.
func (s *Service) Status(ctx context.Context, baseURL string) (StatusReport, error) {
	normalized, err := crawler.ValidateBaseURL(baseURL)
	if err != nil {
		return StatusReport{}, err
	}
	counts, err := s.deps.Store.CountByStatus(ctx, normalized)
	if err != nil {
		return StatusReport{}, fmt.Errorf("count records: %w", err)
	}
	report := StatusReport{
		BaseURL: normalized,
		Counts:  counts,
		Running: s.running(normalized),
	}
	for _, n := range counts {
		report.Total += n
	}
	if counts[crawler.StatusQueued] > 0 && s.deps.Frontier != nil {
		report.Exhausted, err = s.deps.Frontier.CountExhausted(ctx, normalized)
		if err != nil {
			return StatusReport{}, fmt.Errorf("count exhausted: %w", err)
		}
	}
	switch {
	case report.Total == 0:
		report.State = StateNotStarted
	case counts[crawler.StatusQueued] > 0 || counts[crawler.StatusProcessing] > 0:
		report.State = StateInProgress
	default:
		report.State = StateCompleted
	}
	return report, nil
}

// Results returns the completed records matching q, ordered by depth then
// discovery.
func (s *Service) Results(ctx context.Context, q ResultsQuery) ([]crawler.Record, error) {
	normalized, err := crawler.ValidateBaseURL(q.BaseURL)
	if err != nil {
		return nil, err
	}
	if q.MaxDepth != nil && *q.MaxDepth < 0 {
		return nil, fmt.Errorf("%w: max_depth must be >= 0", crawler.ErrInvalidRequest)
	}
	records, err := s.deps.Store.ListByStatus(ctx, normalized, crawler.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("list completed: %w", err)
	}
	topic := strings.TrimSpace(q.Topic)
	out := records[:0]
	for _, rec := range records {
		if topic != "" && !strings.EqualFold(rec.Topic, topic) {
			continue
		}
		if q.MaxDepth != nil && rec.Depth > *q.MaxDepth {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Recover runs a recovery pass for baseURL. It refuses while a crawl of the
// same scope is running in this process, since that crawl's PROCESSING
// records are live.
func (s *Service) Recover(ctx context.Context, baseURL string) (recovery.Report, error) {
	normalized, err := crawler.ValidateBaseURL(baseURL)
	if err != nil {
		return recovery.Report{}, err
	}
	if err := s.acquire(normalized, "recovery"); err != nil {
		return recovery.Report{}, err
	}
	defer s.release(normalized)
	report, err := s.deps.Planner.Recover(ctx, normalized)
	if err != nil {
		return report, fmt.Errorf("recover %s: %w", normalized, err)
	}
	return report, nil
}

// RecoverAll runs recovery for every scope with PROCESSING records. It is
// meant for process startup and refuses while any crawl is running.
func (s *Service) RecoverAll(ctx context.Context) ([]recovery.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.active) > 0 {
		return nil, fmt.Errorf("%w: %d crawls running", crawler.ErrCrawlActive, len(s.active))
	}
	reports, err := s.deps.Planner.RecoverAll(ctx)
	if err != nil {
		return reports, fmt.Errorf("recover all: %w", err)
	}
	return reports, nil
}

// AddTopics unions labels into the registry and returns the new label set.
func (s *Service) AddTopics(labels []string) []string {
	return s.deps.Topics.Add(labels...)
}

// Topics returns the current label set.
func (s *Service) Topics() []string {
	return s.deps.Topics.Snapshot()
}

// GetRun returns a run by ID.
func (s *Service) GetRun(ctx context.Context, runID string) (crawler.Run, error) {
	run, err := s.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return crawler.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the runs for baseURL, or every run when baseURL is empty.
func (s *Service) ListRuns(ctx context.Context, baseURL string) ([]crawler.Run, error) {
	if baseURL != "" {
		normalized, err := crawler.ValidateBaseURL(baseURL)
		if err != nil {
			return nil, err
		}
		baseURL = normalized
	}
	runs, err := s.deps.Runs.ListRuns(ctx, baseURL)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Ping checks that the record store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.deps.Store.Ping(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	return nil
}
