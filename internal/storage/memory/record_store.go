package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

// RecordStore keeps scraped URL records in memory. It serves tests and
// single-shot CLI crawls that do not need durability.
type RecordStore struct {
	mu      sync.RWMutex
	records map[crawler.Key]crawler.Record
	seq     int64
	down    error
	now     func() time.Time
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		records: make(map[crawler.Key]crawler.Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetUnavailable makes every subsequent call fail with ErrStoreUnavailable
// wrapping cause. A nil cause restores normal operation.
func (s *RecordStore) SetUnavailable(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = cause
}

func (s *RecordStore) check(op string) error {
	if s.down != nil {
		return crawler.Unavailable(op, s.down)
	}
	return nil
}

// EnsureSchema is a no-op for the in-memory store.
func (s *RecordStore) EnsureSchema(context.Context) error {
	return nil
}

// UpsertIfAbsent inserts rec unless the key exists.
func (s *RecordStore) UpsertIfAbsent(_ context.Context, rec crawler.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("upsert record"); err != nil {
		return false, err
	}
	key := rec.Key()
	if _, exists := s.records[key]; exists {
		return false, nil
	}
	s.seq++
	stored := rec.Clone()
	stored.Seq = s.seq
	if stored.Topic == "" {
		stored.Topic = crawler.DefaultTopic
	}
	if stored.Status == "" {
		stored.Status = crawler.StatusQueued
	}
	stored.UpdatedAt = s.now()
	s.records[key] = stored
	return true, nil
}

// Get returns a copy of the record for key.
func (s *RecordStore) Get(_ context.Context, key crawler.Key) (crawler.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("get record"); err != nil {
		return crawler.Record{}, err
	}
	rec, ok := s.records[key]
	if !ok {
		return crawler.Record{}, fmt.Errorf("record %s: %w", key.URL, crawler.ErrNotFound)
	}
	return rec.Clone(), nil
}

// ListByStatus returns every record of baseURL in status.
func (s *RecordStore) ListByStatus(_ context.Context, baseURL string, status crawler.Status) ([]crawler.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("list records"); err != nil {
		return nil, err
	}
	return s.selectLocked(func(rec crawler.Record) bool {
		return rec.BaseURL == baseURL && rec.Status == status
	}, 0), nil
}

// NextQueued returns claimable candidates in claim order.
func (s *RecordStore) NextQueued(
	_ context.Context,
	baseURL string,
	maxDepth, maxAttempts, limit int,
) ([]crawler.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("select queued"); err != nil {
		return nil, err
	}
	return s.selectLocked(func(rec crawler.Record) bool {
		if rec.BaseURL != baseURL || rec.Status != crawler.StatusQueued || rec.Depth > maxDepth {
			return false
		}
		return maxAttempts <= 0 || rec.Attempts < maxAttempts
	}, limit), nil
}

// CompareAndSetStatus applies next and upd when the stored status equals expected.
func (s *RecordStore) CompareAndSetStatus(
	_ context.Context,
	key crawler.Key,
	expected, next crawler.Status,
	upd crawler.Update,
) (bool, error) {
	if err := crawler.ValidateTransition(expected, next); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("compare and set"); err != nil {
		return false, err
	}
	rec, ok := s.records[key]
	if !ok || rec.Status != expected {
		return false, nil
	}
	rec.Apply(next, upd, s.now())
	s.records[key] = rec
	return true, nil
}

// CountByStatus returns per-status counts for baseURL.
func (s *RecordStore) CountByStatus(_ context.Context, baseURL string) (map[crawler.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("count records"); err != nil {
		return nil, err
	}
	counts := make(map[crawler.Status]int, 3)
	for _, status := range crawler.Statuses() {
		counts[status] = 0
	}
	for _, rec := range s.records {
		if rec.BaseURL == baseURL {
			counts[rec.Status]++
		}
	}
	return counts, nil
}

// BaseURLsWithStatus lists scopes with at least one record in status.
func (s *RecordStore) BaseURLsWithStatus(_ context.Context, status crawler.Status) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("list base urls"); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, rec := range s.records {
		if rec.Status == status {
			seen[rec.BaseURL] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for base := range seen {
		out = append(out, base)
	}
	sort.Strings(out)
	return out, nil
}

// Ping reports whether the store has been marked unavailable.
func (s *RecordStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check("ping")
}

// Close is a no-op.
func (s *RecordStore) Close() error {
	return nil
}

func (s *RecordStore) selectLocked(match func(crawler.Record) bool, limit int) []crawler.Record {
	out := make([]crawler.Record, 0)
	for _, rec := range s.records {
		if match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].Seq < out[j].Seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
