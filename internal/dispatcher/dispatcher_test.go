package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/frontier"
	"github.com/JakeFAU/topic-crawler/internal/storage/memory"
	"github.com/JakeFAU/topic-crawler/internal/worker"
)

const base = "https://example.com/"

// siteProcessor completes each page with the links of a fixed site graph.
type siteProcessor struct {
	frontier *frontier.Manager
	graph    map[string][]string
	delay    time.Duration
	failOn   string

	mu        sync.Mutex
	processed map[string]int
	inFlight  atomic.Int32
	peak      atomic.Int32
}

func newSiteProcessor(fm *frontier.Manager, graph map[string][]string) *siteProcessor {
	return &siteProcessor{frontier: fm, graph: graph, processed: map[string]int{}}
}

func (p *siteProcessor) Process(ctx context.Context, rec crawler.Record, maxDepth int) (worker.Outcome, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	p.mu.Lock()
	p.processed[rec.URL]++
	p.mu.Unlock()

	if rec.URL == p.failOn {
		return worker.OutcomeFailed, crawler.Unavailable("complete", errors.New("db gone"))
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	links := map[string]string{}
	for _, l := range p.graph[rec.URL] {
		links[l] = l
	}
	if _, err := p.frontier.EnqueueDiscovered(ctx, rec.BaseURL, rec.URL, links, maxDepth); err != nil {
		return worker.OutcomeFailed, err
	}
	if err := p.frontier.Complete(ctx, rec.BaseURL, rec.URL, "t", links, "other"); err != nil {
		return worker.OutcomeFailed, err
	}
	return worker.OutcomeCompleted, nil
}

func (p *siteProcessor) counts() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.processed))
	for k, v := range p.processed {
		out[k] = v
	}
	return out
}

func page(i int) string {
	return fmt.Sprintf("https://example.com/p%d", i)
}

// wideSite is a seed linking to 10 pages, each linking to 3 more.
func wideSite() map[string][]string {
	graph := map[string][]string{}
	for i := range 10 {
		graph[base] = append(graph[base], page(i))
		for j := range 3 {
			graph[page(i)] = append(graph[page(i)], page(100+i*3+j))
		}
	}
	return graph
}

func setup(t *testing.T) (*memory.RecordStore, *frontier.Manager) {
	t.Helper()
	st := memory.NewRecordStore()
	fm := frontier.New(st, frontier.Config{}, zap.NewNop())
	_, err := fm.Seed(context.Background(), base)
	require.NoError(t, err)
	return st, fm
}

func TestRunSequentialDrainsFrontier(t *testing.T) {
	t.Parallel()

	st, fm := setup(t)
	proc := newSiteProcessor(fm, wideSite())

	res, err := New(fm, proc, zap.NewNop()).Run(context.Background(), base, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 41, res.Completed)
	assert.Equal(t, int32(1), proc.peak.Load())

	counts, err := st.CountByStatus(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, 41, counts[crawler.StatusCompleted])
	assert.Zero(t, counts[crawler.StatusQueued])
	assert.Zero(t, counts[crawler.StatusProcessing])
}

func TestRunConcurrentProcessesEachPageOnce(t *testing.T) {
	t.Parallel()

	_, fm := setup(t)
	proc := newSiteProcessor(fm, wideSite())
	proc.delay = 5 * time.Millisecond

	res, err := New(fm, proc, zap.NewNop()).Run(context.Background(), base, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, 41, res.Completed)
	for url, n := range proc.counts() {
		assert.Equal(t, 1, n, url)
	}
	// Workers that found nothing while the seed was in flight must have
	// woken up for its children.
	assert.Greater(t, proc.peak.Load(), int32(1))
	assert.LessOrEqual(t, proc.peak.Load(), int32(4))
}

func TestRunHonorsMaxDepth(t *testing.T) {
	t.Parallel()

	st, fm := setup(t)
	proc := newSiteProcessor(fm, wideSite())

	res, err := New(fm, proc, zap.NewNop()).Run(context.Background(), base, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 11, res.Completed)

	counts, err := st.CountByStatus(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, 11, counts[crawler.StatusCompleted])
	assert.Zero(t, counts[crawler.StatusQueued])
}

func TestRunStopsOnStoreFailure(t *testing.T) {
	t.Parallel()

	_, fm := setup(t)
	proc := newSiteProcessor(fm, wideSite())
	proc.failOn = page(3)

	_, err := New(fm, proc, zap.NewNop()).Run(context.Background(), base, 2, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, crawler.ErrStoreUnavailable)
}

func TestRunCanceledLeavesWorkForRecovery(t *testing.T) {
	t.Parallel()

	st, fm := setup(t)
	proc := newSiteProcessor(fm, wideSite())
	proc.delay = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := New(fm, proc, zap.NewNop()).Run(ctx, base, 2, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, res.Completed, 41)

	counts, err := st.CountByStatus(context.Background(), base)
	require.NoError(t, err)
	assert.Positive(t, counts[crawler.StatusQueued])
}

// brokenProcessor fails every attempt the way a permanently 404ing page does.
type brokenProcessor struct {
	frontier *frontier.Manager
	attempts atomic.Int32
}

func (p *brokenProcessor) Process(ctx context.Context, rec crawler.Record, _ int) (worker.Outcome, error) {
	p.attempts.Add(1)
	if err := p.frontier.Release(ctx, rec.Key(), crawler.Transport(errors.New("unexpected status 404"))); err != nil {
		return worker.OutcomeFailed, err
	}
	return worker.OutcomeFailed, nil
}

func TestRunDrainsWhenEveryAttemptFails(t *testing.T) {
	t.Parallel()

	st := memory.NewRecordStore()
	fm := frontier.New(st, frontier.Config{MaxAttempts: 0}, zap.NewNop())
	_, err := fm.Seed(context.Background(), base)
	require.NoError(t, err)
	proc := &brokenProcessor{frontier: fm}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := New(fm, proc, zap.NewNop()).Run(ctx, base, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, frontier.DefaultMaxAttempts, res.Failed)
	assert.Equal(t, int32(frontier.DefaultMaxAttempts), proc.attempts.Load())

	counts, err := st.CountByStatus(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[crawler.StatusQueued])
}

func TestRunEmptyFrontier(t *testing.T) {
	t.Parallel()

	fm := frontier.New(memory.NewRecordStore(), frontier.Config{}, zap.NewNop())
	res, err := New(fm, newSiteProcessor(fm, nil), nil).Run(context.Background(), base, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestTrackerLastIdleEndsRun(t *testing.T) {
	t.Parallel()

	tr := newTracker(2)
	done, wait := tr.idle()
	require.False(t, done)

	tr.progress()
	select {
	case <-wait:
	default:
		t.Fatal("progress did not wake idle waiter")
	}

	tr.resume()
	done, _ = tr.idle()
	require.False(t, done)
	done, _ = tr.idle()
	require.True(t, done)
}
