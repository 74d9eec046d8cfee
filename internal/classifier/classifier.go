// Package classifier assigns a topic label to page text.
package classifier

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

// DefaultMaxChars is how much page text is sent to a classifier.
const DefaultMaxChars = 512

// Bounded wraps a classifier with the input and output rules every provider
// shares: text is truncated, empty text and an empty label set short-circuit
// to crawler.DefaultTopic, and a label outside the candidate set (other than
// crawler.DefaultTopic) is an error.
type Bounded struct {
	inner    crawler.Classifier
	maxChars int
}

// NewBounded wraps inner. maxChars <= 0 uses DefaultMaxChars.
func NewBounded(inner crawler.Classifier, maxChars int) *Bounded {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Bounded{inner: inner, maxChars: maxChars}
}

// Classify implements crawler.Classifier. Errors match crawler.ErrClassification.
func (b *Bounded) Classify(ctx context.Context, text string, labels []string) (string, error) {
	text = Truncate(strings.TrimSpace(text), b.maxChars)
	if text == "" || len(labels) == 0 {
		return crawler.DefaultTopic, nil
	}
	label, err := b.inner.Classify(ctx, text, labels)
	if err != nil {
		return crawler.DefaultTopic, crawler.Classification(err)
	}
	if label == crawler.DefaultTopic {
		return label, nil
	}
	for _, candidate := range labels {
		if candidate == label {
			return label, nil
		}
	}
	return crawler.DefaultTopic, crawler.Classification(fmt.Errorf("label %q not in candidate set", label))
}

// Truncate cuts s to at most maxChars runes.
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	n := 0
	for i := range s {
		if n == maxChars {
			return s[:i]
		}
		n++
	}
	return s
}
