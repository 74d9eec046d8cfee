package classifier

import (
	"context"
	"strings"
	"unicode"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

var builtinKeywords = map[string][]string{
	"weather":       {"forecast", "rain", "temperature", "storm", "snow", "humidity", "sunny", "wind", "climate"},
	"news":          {"breaking", "report", "reported", "headline", "journalist", "according", "announced", "latest"},
	"technology":    {"software", "hardware", "device", "ai", "cloud", "startup", "chip", "app", "digital", "internet"},
	"sports":        {"game", "match", "team", "score", "league", "player", "season", "coach", "tournament", "goal"},
	"entertainment": {"movie", "film", "music", "celebrity", "show", "album", "actor", "series", "concert"},
	"travel":        {"flight", "hotel", "destination", "trip", "tourism", "vacation", "airport", "beach", "itinerary"},
	"cooking":       {"recipe", "ingredients", "bake", "oven", "cook", "dish", "flavor", "kitchen", "minutes"},
	"politics":      {"election", "government", "senate", "policy", "vote", "minister", "parliament", "campaign"},
	"shopping":      {"price", "sale", "discount", "cart", "buy", "order", "shipping", "deal", "checkout"},
	"productivity":  {"workflow", "task", "schedule", "calendar", "focus", "habit", "notes", "planner"},
	"coding":        {"code", "function", "compiler", "github", "programming", "developer", "api", "bug", "repository"},
}

// Keyword scores each label by how often its keywords appear in the text.
// Labels without built-in keywords are matched on the label words alone.
type Keyword struct {
	extra map[string][]string
}

// NewKeyword returns a keyword classifier. extra adds keywords per label.
func NewKeyword(extra map[string][]string) *Keyword {
	return &Keyword{extra: extra}
}

// Classify implements crawler.Classifier. Ties go to the earlier label; no
// match at all yields crawler.DefaultTopic.
func (k *Keyword) Classify(_ context.Context, text string, labels []string) (string, error) {
	counts := make(map[string]int)
	for _, token := range tokenize(text) {
		counts[token]++
	}

	best, bestScore := crawler.DefaultTopic, 0
	for _, label := range labels {
		if label == crawler.DefaultTopic {
			continue
		}
		score := 0
		for _, kw := range k.keywords(label) {
			score += counts[kw]
		}
		if score > bestScore {
			best, bestScore = label, score
		}
	}
	return best, nil
}

func (k *Keyword) keywords(label string) []string {
	lower := strings.ToLower(label)
	out := tokenize(lower)
	out = append(out, builtinKeywords[lower]...)
	out = append(out, k.extra[label]...)
	return out
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
