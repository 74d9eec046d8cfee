package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

// ErrDisabled is returned by Noop.
var ErrDisabled = errors.New("headless fetching disabled")

// Noop stands in for the browser fetcher when headless rendering is off.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() Noop {
	return Noop{}
}

// Fetch always fails with ErrDisabled wrapped as a transport error.
func (Noop) Fetch(_ context.Context, _ crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, crawler.Transport(ErrDisabled)
}
