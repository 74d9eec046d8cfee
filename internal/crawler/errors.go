package crawler

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the frontier, executor, stores and API.
var (
	// ErrTransport marks network failures and non-2xx responses.
	ErrTransport = errors.New("transport error")
	// ErrExtraction marks bodies that could not be parsed as HTML.
	ErrExtraction = errors.New("extraction error")
	// ErrClassification marks classifier failures; callers degrade to DefaultTopic.
	ErrClassification = errors.New("classification error")
	// ErrConflict marks a compare-and-set that did not apply.
	ErrConflict = errors.New("store conflict")
	// ErrStoreUnavailable marks a store that cannot be reached. Fatal to a crawl.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrIllegalTransition marks a status change outside the record lifecycle.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrNotFound marks a missing record or run.
	ErrNotFound = errors.New("not found")
	// ErrInvalidURL marks a base or discovered URL that cannot be crawled.
	ErrInvalidURL = errors.New("invalid url")
	// ErrInvalidRequest marks crawl parameters outside their allowed range.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrCrawlActive marks a request that collides with a running crawl for the same base URL.
	ErrCrawlActive = errors.New("crawl already running")
)

// Unavailable wraps a driver error so callers can match ErrStoreUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// Transport wraps a fetch failure.
func Transport(err error) error {
	if err == nil || errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// Extraction wraps a parse failure.
func Extraction(err error) error {
	if err == nil || errors.Is(err, ErrExtraction) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrExtraction, err)
}

// Classification wraps a classifier failure.
func Classification(err error) error {
	if err == nil || errors.Is(err, ErrClassification) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrClassification, err)
}
