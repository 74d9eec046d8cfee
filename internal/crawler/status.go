package crawler

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a scraped URL record.
type Status string

// Record status values persisted in the record store.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusQueued, StatusProcessing, StatusCompleted}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted:
		return true
	default:
		return false
	}
}

// ParseStatus converts a stored or user-provided value into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// ValidateTransition returns ErrIllegalTransition unless from -> to is a
// legal edge of the record lifecycle:
//
//	queued     -> processing  (claim)
//	processing -> completed   (complete)
//	processing -> queued      (release after a failed attempt, or recovery)
//	completed  -> queued      (recovery replay of a source page)
//
// Anything else, including completed -> processing, is rejected.
func ValidateTransition(from, to Status) error {
	switch from {
	case StatusQueued:
		if to == StatusProcessing {
			return nil
		}
	case StatusProcessing:
		if to == StatusCompleted || to == StatusQueued {
			return nil
		}
	case StatusCompleted:
		if to == StatusQueued {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
