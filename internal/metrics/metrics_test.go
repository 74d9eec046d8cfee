package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveHelpersInitLazily(t *testing.T) {
	Init()
	before := testutil.ToFloat64(crawlerClaimsTotal)
	ObserveClaim()
	ObserveClaimConflict()
	ObserveStaleCompletion()
	ObserveRecoveryRequeue("stale", 2)
	ObserveRecoveryRequeue("replay", 0)
	ObservePage("https://metrics.test/a", "completed", 128)

	if got := testutil.ToFloat64(crawlerClaimsTotal); got != before+1 {
		t.Fatalf("expected claims to increase by 1, got %f -> %f", before, got)
	}
	if got := testutil.ToFloat64(crawlerRecoveryRequeuesTotal.WithLabelValues("stale")); got < 2 {
		t.Fatalf("expected stale requeues >= 2, got %f", got)
	}
	if got := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("metrics.test")); got != 128 {
		t.Fatalf("expected 128 bytes, got %f", got)
	}
}

func TestHandlerServesCollectors(t *testing.T) {
	ObserveRun("succeeded")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "crawler_runs_total") {
		t.Fatalf("expected crawler_runs_total in exposition")
	}
}
