package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/storage/memory"
)

const base = "https://example.com/"

type fixture struct {
	t     *testing.T
	store *memory.RecordStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	return fixture{t: t, store: memory.NewRecordStore()}
}

// put inserts a record and walks it to status through legal transitions.
func (f fixture) put(url, source string, depth int, status crawler.Status) {
	f.t.Helper()
	ctx := context.Background()
	_, err := f.store.UpsertIfAbsent(ctx, crawler.Record{BaseURL: base, URL: url, SourceURL: source, Depth: depth})
	require.NoError(f.t, err)
	key := crawler.Key{BaseURL: base, URL: url}
	if status == crawler.StatusQueued {
		return
	}
	_, err = f.store.CompareAndSetStatus(ctx, key, crawler.StatusQueued, crawler.StatusProcessing, crawler.Update{})
	require.NoError(f.t, err)
	if status == crawler.StatusCompleted {
		title := "t:" + url
		_, err = f.store.CompareAndSetStatus(ctx, key, crawler.StatusProcessing, crawler.StatusCompleted, crawler.Update{
			Title: &title, LinksToTexts: map[string]string{}, Topic: "news",
		})
		require.NoError(f.t, err)
	}
}

func (f fixture) get(url string) crawler.Record {
	f.t.Helper()
	rec, err := f.store.Get(context.Background(), crawler.Key{BaseURL: base, URL: url})
	require.NoError(f.t, err)
	return rec
}

func TestRecoverRequeuesStaleAndReplaysSource(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(base, "", 0, crawler.StatusCompleted)
	f.put(base+"a", base, 1, crawler.StatusProcessing)
	f.put(base+"b", base, 1, crawler.StatusCompleted)

	report, err := New(f.store, zap.NewNop()).Recover(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, []string{base + "a"}, report.Requeued)
	assert.Equal(t, []string{base}, report.Replayed)
	assert.Equal(t, 2, report.Changed())

	a := f.get(base + "a")
	assert.Equal(t, crawler.StatusQueued, a.Status)
	assert.Equal(t, 1, a.Depth)
	assert.Equal(t, base, a.SourceURL)

	root := f.get(base)
	assert.Equal(t, crawler.StatusQueued, root.Status)
	assert.Nil(t, root.Title)
	assert.Nil(t, root.LinksToTexts)
	assert.Equal(t, crawler.DefaultTopic, root.Topic)
	assert.Equal(t, 0, root.Depth)

	b := f.get(base + "b")
	assert.Equal(t, crawler.StatusCompleted, b.Status, "siblings are not touched")
}

func TestRecoverIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(base, "", 0, crawler.StatusCompleted)
	f.put(base+"a", base, 1, crawler.StatusProcessing)
	planner := New(f.store, zap.NewNop())

	_, err := planner.Recover(context.Background(), base)
	require.NoError(t, err)
	before, err := f.store.CountByStatus(context.Background(), base)
	require.NoError(t, err)

	second, err := planner.Recover(context.Background(), base)
	require.NoError(t, err)
	assert.Zero(t, second.Changed())
	after, err := f.store.CountByStatus(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Zero(t, after[crawler.StatusProcessing])
}

func TestRecoverReplaysSharedSourceOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(base, "", 0, crawler.StatusCompleted)
	f.put(base+"a", base, 1, crawler.StatusProcessing)
	f.put(base+"b", base, 1, crawler.StatusProcessing)

	report, err := New(f.store, zap.NewNop()).Recover(context.Background(), base)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{base + "a", base + "b"}, report.Requeued)
	assert.Equal(t, []string{base}, report.Replayed)
}

func TestRecoverSkipsQueuedOrScheduledSources(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(base, "", 0, crawler.StatusProcessing)
	f.put(base+"a", base, 1, crawler.StatusProcessing)
	f.put(base+"q", base, 1, crawler.StatusQueued)
	f.put(base+"q/child", base+"q", 2, crawler.StatusProcessing)

	report, err := New(f.store, zap.NewNop()).Recover(context.Background(), base)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{base, base + "a", base + "q/child"}, report.Requeued)
	assert.Empty(t, report.Replayed, "the root is already scheduled and q is already queued")
}

func TestRecoverSeedHasNoSource(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(base, "", 0, crawler.StatusProcessing)

	report, err := New(f.store, zap.NewNop()).Recover(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, []string{base}, report.Requeued)
	assert.Empty(t, report.Replayed)
}

func TestRecoverMissingSourceIsSkipped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(base+"orphan", base+"gone", 1, crawler.StatusProcessing)

	report, err := New(f.store, zap.NewNop()).Recover(context.Background(), base)
	require.NoError(t, err)
	assert.Equal(t, []string{base + "orphan"}, report.Requeued)
	assert.Empty(t, report.Replayed)
}

func TestRecoverAllVisitsEveryInterruptedScope(t *testing.T) {
	t.Parallel()

	st := memory.NewRecordStore()
	ctx := context.Background()
	for _, scope := range []string{"https://a.test/", "https://b.test/", "https://c.test/"} {
		_, err := st.UpsertIfAbsent(ctx, crawler.Record{BaseURL: scope, URL: scope})
		require.NoError(t, err)
		if scope == "https://c.test/" {
			continue
		}
		_, err = st.CompareAndSetStatus(ctx, crawler.Key{BaseURL: scope, URL: scope},
			crawler.StatusQueued, crawler.StatusProcessing, crawler.Update{})
		require.NoError(t, err)
	}

	reports, err := New(st, zap.NewNop()).RecoverAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "https://a.test/", reports[0].BaseURL)
	assert.Equal(t, "https://b.test/", reports[1].BaseURL)
}

func TestRecoverSurfacesStoreUnavailable(t *testing.T) {
	t.Parallel()

	st := memory.NewRecordStore()
	st.SetUnavailable(errors.New("db gone"))
	_, err := New(st, zap.NewNop()).Recover(context.Background(), base)
	require.ErrorIs(t, err, crawler.ErrStoreUnavailable)
}
