package store

import (
	"context"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

// RecordStore persists one record per (base_url, url).
//
// Every method that talks to a backend returns an error matching
// crawler.ErrStoreUnavailable when the backend cannot be reached.
type RecordStore interface {
	// EnsureSchema creates tables and indexes if they do not exist.
	EnsureSchema(ctx context.Context) error
	// UpsertIfAbsent inserts rec unless its key already exists. It never
	// modifies an existing record and reports whether a row was inserted.
	UpsertIfAbsent(ctx context.Context, rec crawler.Record) (bool, error)
	// Get returns the record or an error matching crawler.ErrNotFound.
	Get(ctx context.Context, key crawler.Key) (crawler.Record, error)
	// ListByStatus returns all records in a status ordered by depth, then insertion.
	ListByStatus(ctx context.Context, baseURL string, status crawler.Status) ([]crawler.Record, error)
	// NextQueued returns up to limit claimable candidates: QUEUED, depth <=
	// maxDepth, and fewer than maxAttempts attempts when maxAttempts > 0.
	// Ordered by depth, then insertion.
	NextQueued(ctx context.Context, baseURL string, maxDepth, maxAttempts, limit int) ([]crawler.Record, error)
	// CompareAndSetStatus moves key from expected to next and applies upd in
	// one atomic step. It reports false without error when the stored status
	// is not expected or the key does not exist. Illegal transitions fail with
	// crawler.ErrIllegalTransition before touching the backend.
	CompareAndSetStatus(ctx context.Context, key crawler.Key, expected, next crawler.Status, upd crawler.Update) (bool, error)
	// CountByStatus returns a count for every status, zeros included.
	CountByStatus(ctx context.Context, baseURL string) (map[crawler.Status]int, error)
	// BaseURLsWithStatus lists the crawl scopes holding at least one record in status.
	BaseURLsWithStatus(ctx context.Context, status crawler.Status) ([]string, error)
	// Ping checks backend reachability.
	Ping(ctx context.Context) error
	Close() error
}

// EmptyCounts returns a zeroed count map with every status present.
func EmptyCounts() map[crawler.Status]int {
	out := make(map[crawler.Status]int, len(crawler.Statuses()))
	for _, s := range crawler.Statuses() {
		out[s] = 0
	}
	return out
}
