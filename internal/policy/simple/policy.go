// Package simple contains a permissive politeness policy used when rate
// limiting is disabled.
package simple

import (
	"context"
	"fmt"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

// Unlimited never delays a fetch. It still honors cancellation so callers
// see the same error shape as with a real limiter.
type Unlimited struct{}

var _ crawler.Limiter = Unlimited{}

// New creates a new Unlimited policy.
func New() Unlimited {
	return Unlimited{}
}

// Wait returns immediately unless ctx is already done.
func (Unlimited) Wait(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
