package crawler

import (
	"context"
	"io"
	"time"
)

// RunStore persists crawl run metadata.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, runID string, status RunStatus, errText string, counters RunCounters) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, baseURL string) ([]Run, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// Extractor turns an HTML body into a Page. pageURL resolves relative links.
type Extractor interface {
	Extract(body []byte, pageURL string) (Page, error)
}

// Classifier picks one of labels for text.
type Classifier interface {
	Classify(ctx context.Context, text string, labels []string) (string, error)
}

// TopicSource exposes an immutable snapshot of the current topic labels.
type TopicSource interface {
	Snapshot() []string
}

// Limiter blocks until a fetch of rawURL is permitted.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Queue provides enqueue/dequeue semantics for crawl runs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	// TryEnqueue fails instead of blocking when the queue is full.
	TryEnqueue(item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
