package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/store"
	"github.com/JakeFAU/topic-crawler/internal/store/storetest"
)

func openTestStore(t *testing.T, path string) *RecordStore {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordStoreContract(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) store.RecordStore {
		return openTestStore(t, filepath.Join(t.TempDir(), "records.db"))
	})
}

func TestOpenValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
	_, err = Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "x.db"), Table: "no spaces"})
	require.Error(t, err)
}

func TestRecordsSurviveReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "records.db")
	ctx := context.Background()
	base := "https://example.com/"

	first, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, first.EnsureSchema(ctx))
	_, err = first.UpsertIfAbsent(ctx, crawler.Record{BaseURL: base, URL: base})
	require.NoError(t, err)
	applied, err := first.CompareAndSetStatus(ctx, crawler.Key{BaseURL: base, URL: base},
		crawler.StatusQueued, crawler.StatusProcessing, crawler.Update{})
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, first.Close())

	second := openTestStore(t, path)
	got, err := second.Get(ctx, crawler.Key{BaseURL: base, URL: base})
	require.NoError(t, err)
	assert.Equal(t, crawler.StatusProcessing, got.Status)
	assert.False(t, got.UpdatedAt.IsZero())
}
