// Package detector decides when a fetched page is a JavaScript shell that
// needs to be rendered in a browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

const defaultThreshold = 2048

var shellMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"></div>`),
	[]byte(`id="app"></div>`),
	[]byte("data-reactroot"),
	[]byte("ng-version="),
	[]byte("please enable javascript"),
	[]byte("you need to enable javascript"),
}

// Heuristic promotes small, script-heavy or framework-shell documents.
type Heuristic struct {
	BodyLengthThreshold int
}

var _ crawler.HeadlessDetector = (*Heuristic)(nil)

// NewHeuristic creates a detector. A zero threshold uses the default.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

// ShouldPromote reports whether probe looks like it needs a headless render.
// Only successful HTML responses are ever promoted.
func (h *Heuristic) ShouldPromote(probe crawler.FetchResponse) bool {
	if probe.StatusCode != http.StatusOK || probe.UsedHeadless {
		return false
	}
	if ct := probe.ContentType(); ct != "" && !strings.Contains(strings.ToLower(ct), "html") {
		return false
	}
	if len(probe.Body) == 0 {
		return true
	}
	lower := bytes.ToLower(probe.Body)
	for _, marker := range shellMarkers {
		if bytes.Contains(lower, bytes.ToLower(marker)) {
			return true
		}
	}
	return len(lower) < h.BodyLengthThreshold && scriptShare(lower) >= 25
}

// scriptShare returns the percentage of body bytes inside <script> elements.
// An unterminated tag counts through the end of the document.
func scriptShare(lower []byte) int {
	total := len(lower)
	if total == 0 {
		return 0
	}
	open, end := []byte("<script"), []byte("</script>")
	covered, pos := 0, 0
	for pos < total {
		start := bytes.Index(lower[pos:], open)
		if start < 0 {
			break
		}
		start += pos
		stop := bytes.Index(lower[start:], end)
		if stop < 0 {
			covered += total - start
			break
		}
		next := start + stop + len(end)
		covered += next - start
		pos = next
	}
	return covered * 100 / total
}
