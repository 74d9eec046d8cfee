// Package dispatcher fans claimed records out to a pool of goroutines and
// decides when a crawl has drained.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/worker"
)

// Claimer hands out the next record to process.
type Claimer interface {
	ClaimNext(ctx context.Context, baseURL string, maxDepth int) (crawler.Record, bool, error)
}

// Processor runs one attempt for a claimed record.
type Processor interface {
	Process(ctx context.Context, rec crawler.Record, maxDepth int) (worker.Outcome, error)
}

// Result tallies the outcomes of one Run.
type Result struct {
	Completed int
	Failed    int
	Abandoned int
	Released  int
}

// Dispatcher runs the claim/process loop over a bounded pool.
type Dispatcher struct {
	claimer   Claimer
	processor Processor
	logger    *zap.Logger
}

// New creates a Dispatcher.
func New(claimer Claimer, processor Processor, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{claimer: claimer, processor: processor, logger: logger}
}

// Run processes baseURL with the given number of goroutines until no
// claimable record remains within maxDepth and no goroutine is still
// working (and so could still discover more).
//
// Canceling ctx stops new claims; attempts already past the limiter finish.
// Run then returns ctx's error. A store failure cancels the pool and is
// returned.
func (d *Dispatcher) Run(ctx context.Context, baseURL string, maxDepth, workers int) (Result, error) {
	if workers < 1 {
		workers = 1
	}
	var (
		mu     sync.Mutex
		result Result
	)
	record := func(o worker.Outcome) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case worker.OutcomeCompleted:
			result.Completed++
		case worker.OutcomeFailed:
			result.Failed++
		case worker.OutcomeAbandoned:
			result.Abandoned++
		case worker.OutcomeReleased:
			result.Released++
		}
	}

	t := newTracker(workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range workers {
		logger := d.logger.Named("worker").With(zap.Int("index", i), zap.String("base_url", baseURL))
		g.Go(func() error {
			return d.loop(gctx, t, baseURL, maxDepth, record, logger)
		})
	}
	err := g.Wait()

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		return result, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("crawl stopped: %w", ctxErr)
	}
	return result, nil
}

func (d *Dispatcher) loop(
	ctx context.Context,
	t *tracker,
	baseURL string,
	maxDepth int,
	record func(worker.Outcome),
	logger *zap.Logger,
) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		rec, ok, err := d.claimer.ClaimNext(ctx, baseURL, maxDepth)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return fmt.Errorf("claim next: %w", err)
		}
		if !ok {
			done, wait := t.idle()
			if done {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-wait:
			}
			t.resume()
			continue
		}

		outcome, err := d.processor.Process(ctx, rec, maxDepth)
		record(outcome)
		t.progress()
		if err != nil {
			logger.Error("crawl aborted", zap.String("url", rec.URL), zap.Error(err))
			return err
		}
	}
}

// tracker counts goroutines that are processing or about to claim. A
// goroutine that finds nothing to claim goes idle and waits for a change;
// the last one to go idle ends the run for everyone.
type tracker struct {
	mu      sync.Mutex
	active  int
	changed chan struct{}
}

func newTracker(active int) *tracker {
	return &tracker{active: active, changed: make(chan struct{})}
}

func (t *tracker) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// idle marks the caller inactive. done is true when nobody is left working.
func (t *tracker) idle() (done bool, wait <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active--
	if t.active == 0 {
		t.notifyLocked()
		return true, nil
	}
	return false, t.changed
}

func (t *tracker) resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active++
}

// progress wakes idle goroutines after a record finished, since it may
// have enqueued new work.
func (t *tracker) progress() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifyLocked()
}
