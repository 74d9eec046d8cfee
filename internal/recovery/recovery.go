// Package recovery repairs a crawl scope after an interruption.
//
// A record left in PROCESSING has an unknown fate: its fetch may have
// finished, and its children may or may not have been enqueued. Recovery
// puts every such record back in the queue and also replays its source
// page, so that any link the source discovered but never persisted is
// rediscovered. Replay reaches one hop only; a source that was itself
// interrupted further up is not traced.
package recovery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/metrics"
	"github.com/JakeFAU/topic-crawler/internal/store"
)

// Report lists what one recovery pass changed.
type Report struct {
	BaseURL string `json:"base_url"`
	// Requeued are the stale PROCESSING records returned to QUEUED.
	Requeued []string `json:"requeued"`
	// Replayed are source records re-queued so their links are rediscovered.
	Replayed []string `json:"replayed"`
}

// Changed returns the number of records the pass touched.
func (r Report) Changed() int {
	return len(r.Requeued) + len(r.Replayed)
}

// Planner runs recovery passes against a record store.
type Planner struct {
	store  store.RecordStore
	logger *zap.Logger
}

// New constructs a Planner.
func New(st store.RecordStore, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{store: st, logger: logger}
}

// Recover runs one pass for baseURL. It must run before new claims start for
// that scope. Running it twice in a row changes nothing the second time.
func (p *Planner) Recover(ctx context.Context, baseURL string) (Report, error) {
	report := Report{BaseURL: baseURL, Requeued: []string{}, Replayed: []string{}}

	stale, err := p.store.ListByStatus(ctx, baseURL, crawler.StatusProcessing)
	if err != nil {
		return report, fmt.Errorf("list processing: %w", err)
	}
	if len(stale) == 0 {
		return report, nil
	}

	scheduled := make(map[string]struct{}, len(stale)*2)
	for _, rec := range stale {
		scheduled[rec.URL] = struct{}{}
	}

	for _, rec := range stale {
		applied, err := p.store.CompareAndSetStatus(ctx, rec.Key(),
			crawler.StatusProcessing, crawler.StatusQueued, crawler.Update{ClearResult: true})
		if err != nil {
			return report, fmt.Errorf("requeue %s: %w", rec.URL, err)
		}
		if !applied {
			p.logger.Warn("stale record changed during recovery",
				zap.String("base_url", baseURL),
				zap.String("url", rec.URL),
			)
			continue
		}
		report.Requeued = append(report.Requeued, rec.URL)
	}

	for _, rec := range stale {
		if rec.IsSeed() {
			continue
		}
		if _, done := scheduled[rec.SourceURL]; done {
			continue
		}
		scheduled[rec.SourceURL] = struct{}{}

		replayed, err := p.replaySource(ctx, crawler.Key{BaseURL: baseURL, URL: rec.SourceURL})
		if err != nil {
			return report, err
		}
		if replayed {
			report.Replayed = append(report.Replayed, rec.SourceURL)
		}
	}

	metrics.ObserveRecoveryRequeue("stale", len(report.Requeued))
	metrics.ObserveRecoveryRequeue("replay", len(report.Replayed))
	p.logger.Info("recovery pass finished",
		zap.String("base_url", baseURL),
		zap.Int("requeued", len(report.Requeued)),
		zap.Int("replayed", len(report.Replayed)),
	)
	return report, nil
}

// replaySource returns the source record to QUEUED unless it already is.
func (p *Planner) replaySource(ctx context.Context, key crawler.Key) (bool, error) {
	source, err := p.store.Get(ctx, key)
	if errors.Is(err, crawler.ErrNotFound) {
		p.logger.Warn("source record missing, skipping replay",
			zap.String("base_url", key.BaseURL),
			zap.String("url", key.URL),
		)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load source %s: %w", key.URL, err)
	}

	switch source.Status {
	case crawler.StatusQueued:
		return false, nil
	case crawler.StatusProcessing, crawler.StatusCompleted:
		applied, err := p.store.CompareAndSetStatus(ctx, key,
			source.Status, crawler.StatusQueued, crawler.Update{ClearResult: true})
		if err != nil {
			return false, fmt.Errorf("replay %s: %w", key.URL, err)
		}
		return applied, nil
	default:
		return false, fmt.Errorf("replay %s: unknown status %q", key.URL, source.Status)
	}
}

// RecoverAll runs a pass for every scope that has PROCESSING records.
func (p *Planner) RecoverAll(ctx context.Context) ([]Report, error) {
	scopes, err := p.store.BaseURLsWithStatus(ctx, crawler.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("list interrupted scopes: %w", err)
	}
	reports := make([]Report, 0, len(scopes))
	for _, baseURL := range scopes {
		report, err := p.Recover(ctx, baseURL)
		if err != nil {
			return reports, fmt.Errorf("recover %s: %w", baseURL, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}
