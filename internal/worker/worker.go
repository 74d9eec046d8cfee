// Package worker runs the per-URL crawl pipeline: fetch, extract, classify,
// enqueue the discovered links and complete the record.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/frontier"
	"github.com/JakeFAU/topic-crawler/internal/metrics"
)

// Outcome describes what happened to a claimed record.
type Outcome int

// Possible outcomes of Process.
const (
	// OutcomeCompleted means the record moved to COMPLETED.
	OutcomeCompleted Outcome = iota
	// OutcomeFailed means the attempt failed and the record was re-queued
	// with its attempt counter incremented.
	OutcomeFailed
	// OutcomeAbandoned means the record changed underneath the worker and
	// the work was discarded.
	OutcomeAbandoned
	// OutcomeReleased means the worker was stopped before fetching and
	// handed the record back untouched.
	OutcomeReleased
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeAbandoned:
		return "abandoned"
	case OutcomeReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Frontier is the subset of the frontier manager the pipeline needs.
type Frontier interface {
	EnqueueDiscovered(ctx context.Context, baseURL, sourceURL string, linksToTexts map[string]string, maxDepth int) (frontier.EnqueueResult, error)
	Complete(ctx context.Context, baseURL, url, title string, linksToTexts map[string]string, topic string) error
	Release(ctx context.Context, key crawler.Key, cause error) error
}

// Config controls Worker behavior.
type Config struct {
	// Headless enables promotion of JavaScript shells to the headless fetcher.
	Headless bool
	// ArchivePrefix is prepended to archived page paths.
	ArchivePrefix string
	// EventTopic names the topic completion events are published to.
	EventTopic string
	// RetryBackoff is the wait before the second attempt at a record. It
	// doubles with each further attempt up to RetryBackoffMax. Zero retries
	// immediately.
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
}

// Deps are the collaborators a Worker drives. Frontier, Probe, Extractor,
// Classifier and Topics are required; the rest are optional.
type Deps struct {
	Frontier   Frontier
	Probe      crawler.Fetcher
	Headless   crawler.Fetcher
	Detector   crawler.HeadlessDetector
	Extractor  crawler.Extractor
	Classifier crawler.Classifier
	Topics     crawler.TopicSource
	Limiter    crawler.Limiter
	Archive    crawler.BlobStore
	Hasher     crawler.Hasher
	Publisher  crawler.Publisher
	Clock      crawler.Clock
}

// Worker processes claimed records. A Worker has no per-record state and
// may be shared by any number of goroutines.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Frontier == nil:
		return nil, errors.New("worker requires a frontier")
	case deps.Probe == nil:
		return nil, errors.New("worker requires a probe fetcher")
	case deps.Extractor == nil:
		return nil, errors.New("worker requires an extractor")
	case deps.Classifier == nil:
		return nil, errors.New("worker requires a classifier")
	case deps.Topics == nil:
		return nil, errors.New("worker requires a topic source")
	}
	if deps.Archive != nil && deps.Hasher == nil {
		return nil, errors.New("worker archive requires a hasher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}, nil
}

// Process runs one attempt for rec, which the caller has already claimed.
//
// Cancellation of ctx is only observed while waiting out the retry backoff
// or the politeness limiter. Once the fetch starts the attempt runs to completion so that the
// record is either completed or released, never left half done.
//
// A non-nil error means the store is unreachable and the crawl must stop.
func (w *Worker) Process(ctx context.Context, rec crawler.Record, maxDepth int) (Outcome, error) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(
		zap.String("base_url", rec.BaseURL),
		zap.String("url", rec.URL),
		zap.Int("depth", rec.Depth),
		zap.Int("attempt", rec.Attempts+1),
	)
	work := context.WithoutCancel(ctx)
	site := metrics.SanitizeSite(rec.URL)

	if err := w.waitBackoff(ctx, rec.Attempts); err != nil {
		logger.Debug("stopped during retry backoff", zap.Error(err))
		return w.release(work, rec, nil, OutcomeReleased, logger)
	}
	if w.deps.Limiter != nil {
		if err := w.deps.Limiter.Wait(ctx, rec.URL); err != nil {
			logger.Debug("stopped before fetch", zap.Error(err))
			return w.release(work, rec, nil, OutcomeReleased, logger)
		}
	}

	resp, err := w.fetch(work, rec, logger)
	if err != nil {
		metrics.ObservePage(site, "transport_error", 0)
		return w.release(work, rec, err, OutcomeFailed, logger)
	}

	page, err := w.extract(rec, resp)
	if err != nil {
		metrics.ObservePage(site, "extraction_error", len(resp.Body))
		return w.release(work, rec, err, OutcomeFailed, logger)
	}

	topic := w.classify(work, page.Text, logger)

	enqueued, err := w.deps.Frontier.EnqueueDiscovered(work, rec.BaseURL, rec.URL, page.LinksToTexts, maxDepth)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("enqueue links of %s: %w", rec.URL, err)
	}

	blobURI := w.archive(work, rec, resp, logger)

	err = w.deps.Frontier.Complete(work, rec.BaseURL, rec.URL, page.Title, page.LinksToTexts, topic)
	if frontier.IsConflict(err) {
		logger.Info("discarding stale completion")
		metrics.ObservePage(site, "abandoned", len(resp.Body))
		return OutcomeAbandoned, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("complete %s: %w", rec.URL, err)
	}
	metrics.ObservePage(site, "completed", len(resp.Body))
	logger.Debug("page completed",
		zap.String("topic", topic),
		zap.Int("links", len(page.LinksToTexts)),
		zap.Int("enqueued", enqueued.Inserted),
		zap.Bool("headless", resp.UsedHeadless),
	)

	w.publish(work, rec, page, topic, blobURI, logger)
	return OutcomeCompleted, nil
}

// retryDelay returns the wait before attempt number attempts+1.
func (w *Worker) retryDelay(attempts int) time.Duration {
	if attempts <= 0 || w.cfg.RetryBackoff <= 0 {
		return 0
	}
	delay := w.cfg.RetryBackoff
	for i := 1; i < attempts && (w.cfg.RetryBackoffMax <= 0 || delay < w.cfg.RetryBackoffMax); i++ {
		delay *= 2
	}
	if w.cfg.RetryBackoffMax > 0 && delay > w.cfg.RetryBackoffMax {
		return w.cfg.RetryBackoffMax
	}
	return delay
}

func (w *Worker) waitBackoff(ctx context.Context, attempts int) error {
	delay := w.retryDelay(attempts)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (w *Worker) release(
	ctx context.Context,
	rec crawler.Record,
	cause error,
	outcome Outcome,
	logger *zap.Logger,
) (Outcome, error) {
	if cause != nil {
		logger.Warn("attempt failed", zap.Error(cause))
	}
	err := w.deps.Frontier.Release(ctx, rec.Key(), cause)
	if frontier.IsConflict(err) {
		return OutcomeAbandoned, nil
	}
	if err != nil {
		return outcome, fmt.Errorf("release %s: %w", rec.URL, err)
	}
	return outcome, nil
}

func (w *Worker) fetch(ctx context.Context, rec crawler.Record, logger *zap.Logger) (crawler.FetchResponse, error) {
	request := crawler.FetchRequest{URL: rec.URL, Depth: rec.Depth}
	resp, err := w.deps.Probe.Fetch(ctx, request)
	if err != nil {
		return crawler.FetchResponse{}, crawler.Transport(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return crawler.FetchResponse{}, crawler.Transport(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if promoted, ok := w.promote(ctx, request, resp, logger); ok {
		return promoted, nil
	}
	return resp, nil
}

func (w *Worker) promote(
	ctx context.Context,
	request crawler.FetchRequest,
	probe crawler.FetchResponse,
	logger *zap.Logger,
) (crawler.FetchResponse, bool) {
	if !w.cfg.Headless || w.deps.Headless == nil || w.deps.Detector == nil {
		return probe, false
	}
	if !w.deps.Detector.ShouldPromote(probe) {
		return probe, false
	}
	request.UseHeadless = true
	rendered, err := w.deps.Headless.Fetch(ctx, request)
	if err != nil {
		logger.Warn("headless promotion failed, keeping probe response", zap.Error(err))
		return probe, false
	}
	if rendered.StatusCode < 200 || rendered.StatusCode > 299 {
		logger.Warn("headless render returned non-2xx, keeping probe response",
			zap.Int("status", rendered.StatusCode))
		return probe, false
	}
	rendered.UsedHeadless = true
	return rendered, true
}

func (w *Worker) extract(rec crawler.Record, resp crawler.FetchResponse) (crawler.Page, error) {
	if !isHTML(resp.ContentType()) {
		return crawler.Page{}, crawler.Extraction(fmt.Errorf("content type %q is not html", resp.ContentType()))
	}
	pageURL := resp.URL
	if pageURL == "" {
		pageURL = rec.URL
	}
	page, err := w.deps.Extractor.Extract(resp.Body, pageURL)
	if err != nil {
		return crawler.Page{}, crawler.Extraction(err)
	}
	return page, nil
}

func isHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

// classify never fails: any classifier error degrades to the default topic.
func (w *Worker) classify(ctx context.Context, text string, logger *zap.Logger) string {
	topic, err := w.deps.Classifier.Classify(ctx, text, w.deps.Topics.Snapshot())
	if err != nil {
		metrics.ObserveClassifierError()
		logger.Warn("classification failed, using default topic", zap.Error(err))
		return crawler.DefaultTopic
	}
	if topic == "" {
		return crawler.DefaultTopic
	}
	return topic
}

func (w *Worker) archive(ctx context.Context, rec crawler.Record, resp crawler.FetchResponse, logger *zap.Logger) string {
	if w.deps.Archive == nil {
		return ""
	}
	path, err := w.archivePath(rec.BaseURL, resp.Body)
	if err != nil {
		logger.Warn("archive path failed", zap.Error(err))
		return ""
	}
	contentType := resp.ContentType()
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	uri, err := w.deps.Archive.PutObject(ctx, path, contentType, bytes.NewReader(resp.Body))
	if err != nil {
		logger.Warn("archive page failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func (w *Worker) archivePath(baseURL string, body []byte) (string, error) {
	scope, err := w.deps.Hasher.Hash([]byte(baseURL))
	if err != nil {
		return "", fmt.Errorf("hash base url: %w", err)
	}
	digest, err := w.deps.Hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash body: %w", err)
	}
	prefix := strings.Trim(w.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", scope, digest), nil
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, scope, digest), nil
}

func (w *Worker) publish(
	ctx context.Context,
	rec crawler.Record,
	page crawler.Page,
	topic, blobURI string,
	logger *zap.Logger,
) {
	if w.deps.Publisher == nil || w.cfg.EventTopic == "" {
		return
	}
	event := crawler.CompletionEvent{
		BaseURL:     rec.BaseURL,
		URL:         rec.URL,
		Depth:       rec.Depth,
		Topic:       topic,
		Title:       page.Title,
		Links:       page.LinksToTexts,
		BlobURI:     blobURI,
		CompletedAt: w.now(),
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.EventTopic, event); err != nil {
		logger.Warn("publish completion event failed", zap.Error(err))
	}
}

func (w *Worker) now() time.Time {
	if w.deps.Clock == nil {
		return time.Now().UTC()
	}
	return w.deps.Clock.Now()
}
