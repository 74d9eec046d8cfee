package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

func htmlResponse(status int, body string) crawler.FetchResponse {
	return crawler.FetchResponse{
		StatusCode: status,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		Body:       []byte(body),
	}
}

func TestHeuristicShouldPromote(t *testing.T) {
	t.Parallel()

	long := "<html><body>" + strings.Repeat("<p>plain server rendered text</p>", 100) + "</body></html>"

	tests := []struct {
		name string
		resp crawler.FetchResponse
		want bool
	}{
		{"empty body", htmlResponse(200, ""), true},
		{"next shell", htmlResponse(200, `<div id="__next"></div>`), true},
		{"noscript notice", htmlResponse(200, long+"<noscript>Please enable JavaScript</noscript>"), true},
		{"script heavy small page", htmlResponse(200, `<html><script>var a=1;</script><p>t</p></html>`), true},
		{"unterminated script", htmlResponse(200, `<p>x</p><script>var a=1;`), true},
		{"server rendered", htmlResponse(200, long), false},
		{"non-200", htmlResponse(404, ""), false},
		{"already headless", crawler.FetchResponse{StatusCode: 200, UsedHeadless: true}, false},
		{"not html", crawler.FetchResponse{
			StatusCode: 200,
			Headers:    http.Header{"Content-Type": {"application/json"}},
		}, false},
	}

	h := NewHeuristic(1000)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, h.ShouldPromote(tt.resp))
		})
	}
}

func TestNewHeuristicDefault(t *testing.T) {
	t.Parallel()

	assert.Equal(t, defaultThreshold, NewHeuristic(0).BodyLengthThreshold)
	assert.Equal(t, 10, NewHeuristic(10).BodyLengthThreshold)
}

func TestScriptShare(t *testing.T) {
	t.Parallel()

	assert.Zero(t, scriptShare(nil))
	assert.Zero(t, scriptShare([]byte("<p>no scripts</p>")))
	assert.Equal(t, 100, scriptShare([]byte("<script>x</script>")))
}
