package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "pages"})
	require.ErrorContains(t, err, "storage client")

	_, err = New(&storage.Client{}, Config{})
	require.ErrorContains(t, err, "archive.bucket")
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store, err := New(&storage.Client{}, Config{Bucket: "pages"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "/", "text/html", nil)
	require.ErrorContains(t, err, "path is required")
}
