package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

type mockClassifier struct {
	mock.Mock
}

func (m *mockClassifier) Classify(ctx context.Context, text string, labels []string) (string, error) {
	args := m.Called(ctx, text, labels)
	return args.String(0), args.Error(1)
}

func TestTruncateCountsRunes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "héll", Truncate("héllo", 4))
	assert.Equal(t, "hi", Truncate("hi", 4))
	assert.Equal(t, "hi", Truncate("hi", 0))
}

func TestBoundedShortCircuitsEmptyInput(t *testing.T) {
	t.Parallel()

	inner := &mockClassifier{}
	b := NewBounded(inner, 10)

	got, err := b.Classify(context.Background(), "   ", []string{"news"})
	require.NoError(t, err)
	assert.Equal(t, crawler.DefaultTopic, got)

	got, err = b.Classify(context.Background(), "text", nil)
	require.NoError(t, err)
	assert.Equal(t, crawler.DefaultTopic, got)
	inner.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything, mock.Anything)
}

func TestBoundedTruncatesAndValidates(t *testing.T) {
	t.Parallel()

	labels := []string{"news", "sports"}
	inner := &mockClassifier{}
	inner.On("Classify", mock.Anything, "0123456789", labels).Return("sports", nil).Once()
	inner.On("Classify", mock.Anything, "abc", labels).Return("cooking", nil).Once()
	inner.On("Classify", mock.Anything, "boom", labels).Return("", errors.New("model offline")).Once()
	b := NewBounded(inner, 10)

	got, err := b.Classify(context.Background(), "0123456789ABCDEF", labels)
	require.NoError(t, err)
	assert.Equal(t, "sports", got)

	got, err = b.Classify(context.Background(), "abc", labels)
	require.ErrorIs(t, err, crawler.ErrClassification)
	assert.Equal(t, crawler.DefaultTopic, got)

	got, err = b.Classify(context.Background(), "boom", labels)
	require.ErrorIs(t, err, crawler.ErrClassification)
	assert.Equal(t, crawler.DefaultTopic, got)
	inner.AssertExpectations(t)
}

func TestKeywordPicksHighestScore(t *testing.T) {
	t.Parallel()

	k := NewKeyword(map[string][]string{"gardening": {"soil", "seeds"}})
	labels := append(crawler.DefaultTopics(), "gardening")

	tests := []struct {
		text string
		want string
	}{
		{"Tomorrow's forecast: heavy rain and a storm front, temperature dropping.", "weather"},
		{"The team won the match after the coach changed the league lineup.", "sports"},
		{"Mix the ingredients, then bake the dish in the oven for 20 minutes.", "cooking"},
		{"Plant seeds in rich soil.", "gardening"},
		{"Lorem ipsum dolor sit amet.", crawler.DefaultTopic},
	}
	for _, tt := range tests {
		got, err := k.Classify(context.Background(), tt.text, labels)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.text)
	}
}

func TestKeywordIgnoresUnlistedLabels(t *testing.T) {
	t.Parallel()

	got, err := NewKeyword(nil).Classify(context.Background(), "rain rain rain forecast", []string{"sports", "other"})
	require.NoError(t, err)
	assert.Equal(t, crawler.DefaultTopic, got)
}

func TestHTTPClassifierRanksLabels(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		var req zeroShotRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "some text", req.Inputs)
		assert.Equal(t, []string{"news", "sports"}, req.Parameters.CandidateLabels)
		_, _ = w.Write([]byte(`{"labels":["sports","news"],"scores":[0.9,0.1]}`))
	}))
	defer srv.Close()

	c, err := NewHTTP(HTTPConfig{Endpoint: srv.URL, APIKey: "token"})
	require.NoError(t, err)
	got, err := c.Classify(context.Background(), "some text", []string{"news", "sports"})
	require.NoError(t, err)
	assert.Equal(t, "sports", got)
}

func TestHTTPClassifierAcceptsBatchShape(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"labels":["news"],"scores":[1]}]`))
	}))
	defer srv.Close()

	c, err := NewHTTP(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	got, err := c.Classify(context.Background(), "x", []string{"news"})
	require.NoError(t, err)
	assert.Equal(t, "news", got)
}

func TestHTTPClassifierErrors(t *testing.T) {
	t.Parallel()

	_, err := NewHTTP(HTTPConfig{})
	require.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/down") {
			http.Error(w, "model loading", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"labels":[]}`))
	}))
	defer srv.Close()

	down, err := NewHTTP(HTTPConfig{Endpoint: srv.URL + "/down"})
	require.NoError(t, err)
	_, err = down.Classify(context.Background(), "x", []string{"news"})
	require.ErrorContains(t, err, "503")

	empty, err := NewHTTP(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	_, err = empty.Classify(context.Background(), "x", []string{"news"})
	require.ErrorContains(t, err, "no labels")
}
