// Package storetest holds behavioral checks shared by every RecordStore
// implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/store"
)

const base = "https://example.com/"

// Factory returns a fresh, schema-ready store for one subtest.
type Factory func(t *testing.T) store.RecordStore

// Run exercises the RecordStore contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("UpsertIfAbsentIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		inserted, err := s.UpsertIfAbsent(ctx, queued(base, base, "", 0))
		require.NoError(t, err)
		assert.True(t, inserted)

		dup := queued(base, base, "https://other.test/", 5)
		inserted, err = s.UpsertIfAbsent(ctx, dup)
		require.NoError(t, err)
		assert.False(t, inserted)

		got, err := s.Get(ctx, crawler.Key{BaseURL: base, URL: base})
		require.NoError(t, err)
		assert.Equal(t, 0, got.Depth)
		assert.Empty(t, got.SourceURL)
		assert.Equal(t, crawler.StatusQueued, got.Status)
		assert.Equal(t, crawler.DefaultTopic, got.Topic)
		assert.Nil(t, got.Title)
		assert.Nil(t, got.LinksToTexts)
	})

	t.Run("GetMissingIsNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), crawler.Key{BaseURL: base, URL: base + "missing"})
		require.ErrorIs(t, err, crawler.ErrNotFound)
	})

	t.Run("CompareAndSetLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := crawler.Key{BaseURL: base, URL: base}
		_, err := s.UpsertIfAbsent(ctx, queued(base, base, "", 0))
		require.NoError(t, err)

		applied, err := s.CompareAndSetStatus(ctx, key, crawler.StatusProcessing, crawler.StatusCompleted, crawler.Update{})
		require.NoError(t, err)
		assert.False(t, applied, "mismatched expected status must not apply")

		applied, err = s.CompareAndSetStatus(ctx, key, crawler.StatusQueued, crawler.StatusProcessing, crawler.Update{})
		require.NoError(t, err)
		assert.True(t, applied)

		title := "Home"
		links := map[string]string{base + "a": "A"}
		applied, err = s.CompareAndSetStatus(ctx, key, crawler.StatusProcessing, crawler.StatusCompleted, crawler.Update{
			Title:        &title,
			LinksToTexts: links,
			Topic:        "news",
		})
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, crawler.StatusCompleted, got.Status)
		require.NotNil(t, got.Title)
		assert.Equal(t, "Home", *got.Title)
		assert.Equal(t, links, got.LinksToTexts)
		assert.Equal(t, "news", got.Topic)

		applied, err = s.CompareAndSetStatus(ctx, key, crawler.StatusCompleted, crawler.StatusQueued, crawler.Update{ClearResult: true})
		require.NoError(t, err)
		assert.True(t, applied)
		got, err = s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, crawler.StatusQueued, got.Status)
		assert.Nil(t, got.Title)
		assert.Nil(t, got.LinksToTexts)
		assert.Equal(t, crawler.DefaultTopic, got.Topic)
		assert.Equal(t, 0, got.Depth)
	})

	t.Run("CompletedWithNoLinksKeepsEmptyMap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := crawler.Key{BaseURL: base, URL: base}
		_, err := s.UpsertIfAbsent(ctx, queued(base, base, "", 0))
		require.NoError(t, err)
		_, err = s.CompareAndSetStatus(ctx, key, crawler.StatusQueued, crawler.StatusProcessing, crawler.Update{})
		require.NoError(t, err)
		empty := ""
		_, err = s.CompareAndSetStatus(ctx, key, crawler.StatusProcessing, crawler.StatusCompleted, crawler.Update{
			Title:        &empty,
			LinksToTexts: map[string]string{},
			Topic:        crawler.DefaultTopic,
		})
		require.NoError(t, err)
		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, got.Title)
		require.NotNil(t, got.LinksToTexts)
		assert.Empty(t, got.LinksToTexts)
	})

	t.Run("IllegalTransitionRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.UpsertIfAbsent(ctx, queued(base, base, "", 0))
		require.NoError(t, err)
		_, err = s.CompareAndSetStatus(ctx, crawler.Key{BaseURL: base, URL: base},
			crawler.StatusCompleted, crawler.StatusProcessing, crawler.Update{})
		require.ErrorIs(t, err, crawler.ErrIllegalTransition)
	})

	t.Run("CountAttemptIncrements", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := crawler.Key{BaseURL: base, URL: base}
		_, err := s.UpsertIfAbsent(ctx, queued(base, base, "", 0))
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			_, err = s.CompareAndSetStatus(ctx, key, crawler.StatusQueued, crawler.StatusProcessing, crawler.Update{})
			require.NoError(t, err)
			_, err = s.CompareAndSetStatus(ctx, key, crawler.StatusProcessing, crawler.StatusQueued, crawler.Update{
				CountAttempt: true,
				LastError:    fmt.Sprintf("attempt %d", i+1),
			})
			require.NoError(t, err)
		}
		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Attempts)
		assert.Equal(t, "attempt 2", got.LastError)

		cands, err := s.NextQueued(ctx, base, 5, 2, 10)
		require.NoError(t, err)
		assert.Empty(t, cands, "records at max attempts are not claimable")
		cands, err = s.NextQueued(ctx, base, 5, 0, 10)
		require.NoError(t, err)
		assert.Len(t, cands, 1, "zero max attempts means unlimited")
	})

	t.Run("NextQueuedOrdersByDepthThenInsertion", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		recs := []crawler.Record{
			queued(base, base, "", 0),
			queued(base, base+"b", base, 1),
			queued(base, base+"a", base, 1),
			queued(base, base+"deep", base+"a", 2),
			queued("https://other.test/", "https://other.test/", "", 0),
		}
		for _, rec := range recs {
			_, err := s.UpsertIfAbsent(ctx, rec)
			require.NoError(t, err)
		}

		cands, err := s.NextQueued(ctx, base, 1, 0, 10)
		require.NoError(t, err)
		require.Len(t, cands, 3)
		assert.Equal(t, base, cands[0].URL)
		assert.Equal(t, base+"b", cands[1].URL)
		assert.Equal(t, base+"a", cands[2].URL)

		limited, err := s.NextQueued(ctx, base, 5, 0, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("CountsAndScopes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.UpsertIfAbsent(ctx, queued(base, base, "", 0))
		require.NoError(t, err)
		_, err = s.UpsertIfAbsent(ctx, queued(base, base+"x", base, 1))
		require.NoError(t, err)
		_, err = s.CompareAndSetStatus(ctx, crawler.Key{BaseURL: base, URL: base},
			crawler.StatusQueued, crawler.StatusProcessing, crawler.Update{})
		require.NoError(t, err)

		counts, err := s.CountByStatus(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, map[crawler.Status]int{
			crawler.StatusQueued:     1,
			crawler.StatusProcessing: 1,
			crawler.StatusCompleted:  0,
		}, counts)

		empty, err := s.CountByStatus(ctx, "https://nothing.test/")
		require.NoError(t, err)
		assert.Equal(t, store.EmptyCounts(), empty)

		scopes, err := s.BaseURLsWithStatus(ctx, crawler.StatusProcessing)
		require.NoError(t, err)
		assert.Equal(t, []string{base}, scopes)

		processing, err := s.ListByStatus(ctx, base, crawler.StatusProcessing)
		require.NoError(t, err)
		require.Len(t, processing, 1)
		assert.Equal(t, base, processing[0].URL)
		require.NoError(t, s.Ping(ctx))
	})

	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.UpsertIfAbsent(ctx, queued(base, base, "", 0))
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.CompareAndSetStatus(ctx, crawler.Key{BaseURL: base, URL: base},
					crawler.StatusQueued, crawler.StatusProcessing, crawler.Update{})
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func queued(baseURL, url, source string, depth int) crawler.Record {
	return crawler.Record{
		BaseURL:   baseURL,
		URL:       url,
		SourceURL: source,
		Depth:     depth,
		Status:    crawler.StatusQueued,
		Topic:     crawler.DefaultTopic,
	}
}
