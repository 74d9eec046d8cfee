// Package topics holds the set of labels pages are classified against.
package topics

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Registry is an add-only label set. Readers take lock-free snapshots;
// writers serialize and publish a fresh slice, so a snapshot never observes
// a half-applied AddTopics.
type Registry struct {
	mu     sync.Mutex
	labels atomic.Pointer[[]string]
}

// New returns a Registry seeded with labels.
func New(seed ...string) *Registry {
	r := &Registry{}
	empty := []string{}
	r.labels.Store(&empty)
	r.Add(seed...)
	return r
}

// Add unions labels into the set and returns the resulting snapshot. Labels
// are trimmed; blanks and duplicates (case-insensitive) are ignored. Pages
// already classified keep their topic.
func (r *Registry) Add(labels ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.labels.Load()
	seen := make(map[string]struct{}, len(current)+len(labels))
	for _, label := range current {
		seen[strings.ToLower(label)] = struct{}{}
	}
	next := append([]string(nil), current...)
	for _, label := range labels {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		key := strings.ToLower(label)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		next = append(next, label)
	}
	if len(next) != len(current) {
		r.labels.Store(&next)
	}
	return append([]string(nil), next...)
}

// Snapshot returns a copy of the current labels in insertion order.
func (r *Registry) Snapshot() []string {
	return append([]string(nil), *r.labels.Load()...)
}

// Contains reports whether label is registered.
func (r *Registry) Contains(label string) bool {
	key := strings.ToLower(strings.TrimSpace(label))
	for _, existing := range *r.labels.Load() {
		if strings.ToLower(existing) == key {
			return true
		}
	}
	return false
}
