package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/topic-crawler/internal/config"
	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/service"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string]string{
		"/":        `<html><title>Home</title><p>welcome</p><a href="/weather">Weather</a><a href="/code">Code</a></html>`,
		"/weather": `<html><title>Weather</title><p>rain forecast storm wind</p><a href="/">Home</a></html>`,
		"/code":    `<html><title>Code</title><p>compiler function developer code</p></html>`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, dbPath string) config.Config {
	t.Helper()
	return config.Config{
		Server: config.ServerConfig{Port: 8080, ShutdownTimeoutSeconds: 1},
		Crawler: config.CrawlerConfig{
			MaxDepth:        2,
			Concurrency:     2,
			MaxConcurrency:  4,
			MaxAttempts:     2,
			UserAgent:       "topic-crawler-test",
			IgnoreRobots:    true,
			QueueDepth:      4,
			MaxParallelRuns: 1,
		},
		HTTP:       config.HTTPConfig{TimeoutSeconds: 5},
		Database:   config.DatabaseConfig{Driver: "sqlite", SQLitePath: dbPath, Table: "scraped_urls"},
		Classifier: config.ClassifierConfig{Provider: "keyword", MaxTextChars: 512},
		Archive:    config.ArchiveConfig{Backend: "memory", Prefix: "pages"},
		Events:     config.EventsConfig{Backend: "memory"},
		RateLimit:  config.RateLimitConfig{Enabled: false},
	}
}

func post(t *testing.T, h http.Handler, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close() //nolint:errcheck // test cleanup
	return l.Addr().(*net.TCPAddr).Port
}

func TestBuildCrawlsThroughAPIAndPersists(t *testing.T) {
	site := newSite(t)
	dbPath := filepath.Join(t.TempDir(), "crawler.db")
	cfg := testConfig(t, dbPath)

	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	rec := post(t, app.Handler(), "/v1/crawls",
		fmt.Sprintf(`{"base_url":%q,"mode":"async","concurrency":2,"wait":true}`, site.URL))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Run crawler.Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, crawler.RunStatusSucceeded, body.Run.Status)
	assert.Equal(t, 3, body.Run.Counters.PagesCompleted)

	rec = get(t, app.Handler(), "/v1/crawls/results?topic=coding&base_url="+site.URL)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"title":"Code"`)
	require.NoError(t, app.Close())

	// A fresh process over the same database sees the finished crawl.
	app, err = BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer app.Close() //nolint:errcheck // test cleanup

	status, err := app.Service().Status(context.Background(), site.URL)
	require.NoError(t, err)
	assert.Equal(t, service.StateCompleted, status.State)
	assert.Equal(t, 3, status.Counts[crawler.StatusCompleted])
}

func TestBuildWithKeywordsAndLimiter(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Database.Driver = "memory"
	cfg.Archive.Backend = "local"
	cfg.Archive.Local.BaseDir = t.TempDir()
	cfg.Events.Backend = "none"
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, DefaultRPS: 5, DefaultBurst: 2}
	cfg.Classifier.Topics = []string{"finance"}

	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer app.Close() //nolint:errcheck // test cleanup

	assert.Contains(t, app.Service().Topics(), "finance")
	assert.Equal(t, 2, app.Service().DefaultMaxDepth())
	assert.Equal(t, http.StatusOK, get(t, app.Handler(), "/readyz").Code)
}

func TestBuildFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"bad table", func(c *config.Config) { c.Database.Table = "drop table;" }},
		{"bad postgres dsn", func(c *config.Config) {
			c.Database.Driver = "postgres"
			c.Database.DSN = "postgres://%zz"
		}},
		{"http classifier without endpoint", func(c *config.Config) {
			c.Database.Driver = "memory"
			c.Classifier.Provider = "http"
		}},
		{"kafka without brokers", func(c *config.Config) {
			c.Database.Driver = "memory"
			c.Events.Backend = "kafka"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, filepath.Join(t.TempDir(), "crawler.db"))
			tt.mutate(&cfg)
			_, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
			require.Error(t, err)
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Database.Driver = "memory"
	cfg.Server.Port = freePort(t)
	cfg.Crawler.RecoverOnStart = true

	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer app.Close() //nolint:errcheck // test cleanup

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Server.Port))
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
