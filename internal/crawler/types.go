// Package crawler defines the core types shared across the frontier, the
// executor, the stores and the outer surfaces of the topic crawler.
package crawler

import (
	"maps"
	"net/http"
	"time"
)

// DefaultTopic is assigned to pages that were never classified or could not be.
const DefaultTopic = "other"

// DefaultTopics seeds the topic registry when no labels are configured.
func DefaultTopics() []string {
	return []string{
		"weather", "news", "technology", "sports", "entertainment", "travel",
		"cooking", "politics", "shopping", "productivity", "coding", DefaultTopic,
	}
}

// Key identifies a record. A URL is tracked once per crawl scope.
type Key struct {
	BaseURL string `json:"base_url"`
	URL     string `json:"url"`
}

// Record is the persisted state of one URL within one crawl scope.
//
// Title and LinksToTexts are nil until the page completes; an empty title or
// an empty map is a completed page with nothing to report.
type Record struct {
	BaseURL      string            `json:"base_url" csv:"base_url"`
	URL          string            `json:"url" csv:"url"`
	SourceURL    string            `json:"source_url,omitempty" csv:"source_url"`
	Depth        int               `json:"depth" csv:"depth"`
	Title        *string           `json:"title" csv:"-"`
	LinksToTexts map[string]string `json:"links_to_texts" csv:"-"`
	Topic        string            `json:"topic" csv:"topic"`
	Status       Status            `json:"status" csv:"status"`
	Attempts     int               `json:"attempts" csv:"attempts"`
	LastError    string            `json:"last_error,omitempty" csv:"last_error"`
	Seq          int64             `json:"-" csv:"-"`
	UpdatedAt    time.Time         `json:"updated_at" csv:"-"`
}

// Key returns the record's identity.
func (r Record) Key() Key {
	return Key{BaseURL: r.BaseURL, URL: r.URL}
}

// IsSeed reports whether the record is the root of its crawl scope.
func (r Record) IsSeed() bool {
	return r.SourceURL == ""
}

// TitleText returns the title or "" when absent.
func (r Record) TitleText() string {
	if r.Title == nil {
		return ""
	}
	return *r.Title
}

// Update carries the optional field changes applied together with a status
// compare-and-set. Zero values leave the stored field untouched.
type Update struct {
	Title        *string
	LinksToTexts map[string]string
	Topic        string
	// ClearResult resets title and links to absent and topic to DefaultTopic.
	ClearResult bool
	// CountAttempt increments attempts and stores LastError.
	CountAttempt bool
	LastError    string
}

// Apply sets the status and field changes on r in place.
func (r *Record) Apply(next Status, upd Update, now time.Time) {
	r.Status = next
	if upd.ClearResult {
		r.Title = nil
		r.LinksToTexts = nil
		r.Topic = DefaultTopic
	}
	if upd.Title != nil {
		title := *upd.Title
		r.Title = &title
	}
	if upd.LinksToTexts != nil {
		r.LinksToTexts = CloneLinks(upd.LinksToTexts)
	}
	if upd.Topic != "" {
		r.Topic = upd.Topic
	}
	if upd.CountAttempt {
		r.Attempts++
		r.LastError = upd.LastError
	}
	r.UpdatedAt = now
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	if r.Title != nil {
		title := *r.Title
		out.Title = &title
	}
	out.LinksToTexts = CloneLinks(r.LinksToTexts)
	return out
}

// CloneLinks copies a link map, preserving nil.
func CloneLinks(in map[string]string) map[string]string {
	return maps.Clone(in)
}

// Page is the extractor's view of a fetched document.
type Page struct {
	Title        string
	Text         string
	LinksToTexts map[string]string
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL         string
	Depth       int
	UseHeadless bool
	Headers     http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ContentType returns the response Content-Type header.
func (r FetchResponse) ContentType() string {
	return r.Headers.Get("Content-Type")
}

// Mode selects how many workers a crawl uses.
type Mode string

// Crawl execution modes.
const (
	ModeSequential Mode = "sync"
	ModeConcurrent Mode = "async"
)

// CrawlRequest is a request to crawl one base URL.
type CrawlRequest struct {
	BaseURL     string `json:"base_url"`
	MaxDepth    int    `json:"max_depth"`
	Mode        Mode   `json:"mode"`
	Concurrency int    `json:"concurrency"`
}

// Workers returns the worker count implied by the request.
func (r CrawlRequest) Workers() int {
	if r.Mode == ModeSequential || r.Concurrency < 1 {
		return 1
	}
	return r.Concurrency
}

// RunStatus represents the lifecycle state of a crawl run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCanceled
}

// Run is the metadata kept for each crawl invocation.
type Run struct {
	ID        string       `json:"id"`
	Status    RunStatus    `json:"status"`
	Request   CrawlRequest `json:"request"`
	Submitted time.Time    `json:"submitted_at"`
	Started   *time.Time   `json:"started_at,omitempty"`
	Finished  *time.Time   `json:"finished_at,omitempty"`
	ErrorText string       `json:"error_text,omitempty"`
	Counters  RunCounters  `json:"counters"`
}

// RunCounters tracks per-run outcomes.
type RunCounters struct {
	PagesCompleted int `json:"pages_completed"`
	PagesFailed    int `json:"pages_failed"`
	PagesAbandoned int `json:"pages_abandoned"`
	Recovered      int `json:"recovered"`
	// PagesExhausted counts records left QUEUED after using every attempt.
	PagesExhausted int `json:"pages_exhausted"`
}

// QueueItem wraps a run ready to execute.
type QueueItem struct {
	RunID     string
	Request   CrawlRequest
	Submitted int64
}

// CompletionEvent is published after a page completes.
type CompletionEvent struct {
	BaseURL     string            `json:"base_url"`
	URL         string            `json:"url"`
	Depth       int               `json:"depth"`
	Topic       string            `json:"topic"`
	Title       string            `json:"title"`
	Links       map[string]string `json:"links"`
	BlobURI     string            `json:"blob_uri,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}
