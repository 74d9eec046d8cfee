// Package collyfetcher implements crawler.Fetcher with a gocolly collector.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

const (
	defaultTimeout = 15 * time.Second
	defaultAccept  = "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodyBytes truncates larger bodies. Zero keeps colly's default.
	MaxBodyBytes int
}

// Fetcher implements crawler.Fetcher. Every Fetch clones one configured
// collector, so all fetches share a pooled transport and the robots cache.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	base := colly.NewCollector(colly.Async(false))
	base.WithTransport(newRobotsTransport(newHTTPTransport()))
	base.IgnoreRobotsTxt = !cfg.RespectRobots
	// Recovery replays pages on purpose, and clones share the visited set.
	base.AllowURLRevisit = true
	base.ParseHTTPErrorResponse = true
	if cfg.UserAgent != "" {
		base.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodyBytes > 0 {
		base.MaxBodySize = cfg.MaxBodyBytes
	}
	base.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{cfg: cfg, base: base}
}

// Fetch executes a single HTTP GET. Non-2xx responses are returned with
// their status code rather than as errors; only network-level failures
// produce an error.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	att := &attempt{request: request, start: time.Now()}
	collector := f.base.Clone()
	collector.OnRequest(att.onRequest)
	collector.OnResponse(att.onResponse)
	collector.OnError(att.onError)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("colly visit %s: %w", request.URL, err)
		}
		if att.err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("colly response %s: %w", request.URL, att.err)
		}
		return att.resp, nil
	}
}

// attempt collects the callbacks of one collector visit.
type attempt struct {
	request crawler.FetchRequest
	start   time.Time
	resp    crawler.FetchResponse
	err     error
}

func (a *attempt) onRequest(r *colly.Request) {
	for key, values := range a.request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
	if r.Headers.Get("Accept") == "" {
		r.Headers.Set("Accept", defaultAccept)
	}
}

func (a *attempt) onResponse(r *colly.Response) {
	a.resp = crawler.FetchResponse{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    r.Headers.Clone(),
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(a.start),
	}
}

func (a *attempt) onError(_ *colly.Response, err error) {
	a.err = err
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}
