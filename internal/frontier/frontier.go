// Package frontier decides which URL is crawled next and records the outcome
// of each attempt. All state lives in the record store; the manager itself
// holds no per-crawl state, so any number of workers may share one.
package frontier

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/metrics"
	"github.com/JakeFAU/topic-crawler/internal/store"
)

// Config tunes claim behavior.
type Config struct {
	// MaxAttempts stops claiming a record once it has failed this many
	// times. Values below one fall back to DefaultMaxAttempts.
	MaxAttempts int
	// ClaimBatch is how many candidates are read per selection round.
	ClaimBatch int
}

// DefaultMaxAttempts bounds retries when Config leaves MaxAttempts unset.
const DefaultMaxAttempts = 3

// EnqueueResult summarizes one EnqueueDiscovered call.
type EnqueueResult struct {
	Inserted int
	Existing int
	// TooDeep counts links dropped because they would exceed max depth.
	TooDeep int
	Invalid int
}

// Manager implements the claim, discovery and completion protocol.
type Manager struct {
	store  store.RecordStore
	cfg    Config
	logger *zap.Logger
}

// New constructs a Manager.
func New(st store.RecordStore, cfg Config, logger *zap.Logger) *Manager {
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 8
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: st, cfg: cfg, logger: logger}
}

// Seed inserts the root record for baseURL at depth 0. Seeding an existing
// scope is a no-op, which is how a restarted crawl resumes.
func (m *Manager) Seed(ctx context.Context, baseURL string) (bool, error) {
	inserted, err := m.store.UpsertIfAbsent(ctx, crawler.Record{
		BaseURL: baseURL,
		URL:     baseURL,
		Depth:   0,
		Topic:   crawler.DefaultTopic,
		Status:  crawler.StatusQueued,
	})
	if err != nil {
		return false, fmt.Errorf("seed %s: %w", baseURL, err)
	}
	return inserted, nil
}

// ClaimNext moves the best QUEUED candidate within maxDepth to PROCESSING
// and returns it. Candidates are ordered by depth, then insertion. A lost
// compare-and-set moves on to the next candidate, and a fresh selection is
// made when a whole batch is lost. ok is false when nothing is claimable.
func (m *Manager) ClaimNext(ctx context.Context, baseURL string, maxDepth int) (crawler.Record, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return crawler.Record{}, false, err
		}
		candidates, err := m.store.NextQueued(ctx, baseURL, maxDepth, m.cfg.MaxAttempts, m.cfg.ClaimBatch)
		if err != nil {
			return crawler.Record{}, false, fmt.Errorf("select candidates: %w", err)
		}
		if len(candidates) == 0 {
			return crawler.Record{}, false, nil
		}
		for _, candidate := range candidates {
			applied, err := m.store.CompareAndSetStatus(ctx, candidate.Key(),
				crawler.StatusQueued, crawler.StatusProcessing, crawler.Update{})
			if err != nil {
				return crawler.Record{}, false, fmt.Errorf("claim %s: %w", candidate.URL, err)
			}
			if applied {
				metrics.ObserveClaim()
				candidate.Status = crawler.StatusProcessing
				return candidate, true, nil
			}
			metrics.ObserveClaimConflict()
		}
	}
}

// EnqueueDiscovered records the outbound links of sourceURL as QUEUED
// children one level deeper. Links that would exceed maxDepth are dropped;
// links already known in this scope are left untouched.
func (m *Manager) EnqueueDiscovered(
	ctx context.Context,
	baseURL, sourceURL string,
	linksToTexts map[string]string,
	maxDepth int,
) (EnqueueResult, error) {
	var result EnqueueResult
	if len(linksToTexts) == 0 {
		return result, nil
	}
	source, err := m.store.Get(ctx, crawler.Key{BaseURL: baseURL, URL: sourceURL})
	if err != nil {
		return result, fmt.Errorf("load source %s: %w", sourceURL, err)
	}
	childDepth := source.Depth + 1
	if childDepth > maxDepth {
		result.TooDeep = len(linksToTexts)
		return result, nil
	}
	for link := range linksToTexts {
		normalized, err := crawler.NormalizeURL(link)
		if err != nil {
			result.Invalid++
			m.logger.Debug("skipping unparseable link",
				zap.String("source_url", sourceURL),
				zap.String("link", link),
				zap.Error(err),
			)
			continue
		}
		inserted, err := m.store.UpsertIfAbsent(ctx, crawler.Record{
			BaseURL:   baseURL,
			URL:       normalized,
			SourceURL: sourceURL,
			Depth:     childDepth,
			Topic:     crawler.DefaultTopic,
			Status:    crawler.StatusQueued,
		})
		if err != nil {
			return result, fmt.Errorf("enqueue %s: %w", normalized, err)
		}
		if inserted {
			result.Inserted++
		} else {
			result.Existing++
		}
	}
	return result, nil
}

// Complete stores the page result and moves the record to COMPLETED. It
// returns ErrConflict when the record is no longer PROCESSING (for example
// after recovery reset it); the caller must then discard its work.
func (m *Manager) Complete(
	ctx context.Context,
	baseURL, url, title string,
	linksToTexts map[string]string,
	topic string,
) error {
	if topic == "" {
		topic = crawler.DefaultTopic
	}
	if linksToTexts == nil {
		linksToTexts = map[string]string{}
	}
	applied, err := m.store.CompareAndSetStatus(ctx,
		crawler.Key{BaseURL: baseURL, URL: url},
		crawler.StatusProcessing, crawler.StatusCompleted,
		crawler.Update{Title: &title, LinksToTexts: linksToTexts, Topic: topic},
	)
	if err != nil {
		return fmt.Errorf("complete %s: %w", url, err)
	}
	if !applied {
		metrics.ObserveStaleCompletion()
		return fmt.Errorf("complete %s: %w", url, crawler.ErrConflict)
	}
	return nil
}

// Release returns a PROCESSING record to QUEUED. A non-nil cause counts as a
// failed attempt; a nil cause hands the record back untouched, as when a
// worker is stopped before it starts fetching.
func (m *Manager) Release(ctx context.Context, key crawler.Key, cause error) error {
	upd := crawler.Update{}
	if cause != nil {
		upd.CountAttempt = true
		upd.LastError = truncateError(cause)
	}
	applied, err := m.store.CompareAndSetStatus(ctx, key, crawler.StatusProcessing, crawler.StatusQueued, upd)
	if err != nil {
		return fmt.Errorf("release %s: %w", key.URL, err)
	}
	if !applied {
		return fmt.Errorf("release %s: %w", key.URL, crawler.ErrConflict)
	}
	return nil
}

// CountExhausted returns how many QUEUED records in baseURL have used up
// their attempts and will not be claimed again.
func (m *Manager) CountExhausted(ctx context.Context, baseURL string) (int, error) {
	queued, err := m.store.ListByStatus(ctx, baseURL, crawler.StatusQueued)
	if err != nil {
		return 0, fmt.Errorf("list queued: %w", err)
	}
	n := 0
	for _, rec := range queued {
		if rec.Attempts >= m.cfg.MaxAttempts {
			n++
		}
	}
	return n, nil
}

// IsConflict reports whether err is a lost compare-and-set.
func IsConflict(err error) bool {
	return errors.Is(err, crawler.ErrConflict)
}

const maxErrorLen = 512

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}
