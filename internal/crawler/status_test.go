package crawler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		legal    bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusQueued, true},
		{StatusCompleted, StatusQueued, true},
		{StatusQueued, StatusCompleted, false},
		{StatusQueued, StatusQueued, false},
		{StatusProcessing, StatusProcessing, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusCompleted, StatusCompleted, false},
		{Status("bogus"), StatusQueued, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			err := ValidateTransition(tt.from, tt.to)
			if tt.legal {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrIllegalTransition))
		})
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	got, err := ParseStatus(" Completed ")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got)

	_, err = ParseStatus("failed")
	require.Error(t, err)

	assert.Len(t, Statuses(), 3)
	for _, s := range Statuses() {
		assert.True(t, s.Valid())
	}
}

func TestCrawlRequestWorkers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, CrawlRequest{Mode: ModeSequential, Concurrency: 8}.Workers())
	assert.Equal(t, 1, CrawlRequest{Mode: ModeConcurrent}.Workers())
	assert.Equal(t, 4, CrawlRequest{Mode: ModeConcurrent, Concurrency: 4}.Workers())
}

func TestErrorHelpersPreserveSentinels(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")

	err := Unavailable("get record", cause)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, err, Unavailable("again", err))
	assert.NoError(t, Unavailable("noop", nil))

	assert.ErrorIs(t, Transport(cause), ErrTransport)
	assert.ErrorIs(t, Extraction(cause), ErrExtraction)
	assert.ErrorIs(t, Classification(cause), ErrClassification)
	assert.ErrorIs(t, Classification(cause), cause)
}
