package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/topic-crawler/internal/crawler"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	ctx := context.Background()
	run := crawler.Run{
		ID:        "run-1",
		Status:    crawler.RunStatusQueued,
		Request:   crawler.CrawlRequest{BaseURL: "https://example.com/"},
		Submitted: time.Now(),
	}

	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if err := store.CreateRun(ctx, run); err == nil {
		t.Fatal("expected duplicate run error")
	}
	if err := store.UpdateRun(ctx, run.ID, crawler.RunStatusRunning, "", crawler.RunCounters{}); err != nil {
		t.Fatalf("UpdateRun running error = %v", err)
	}
	err := store.UpdateRun(ctx, run.ID, crawler.RunStatusSucceeded, "", crawler.RunCounters{PagesCompleted: 3})
	if err != nil {
		t.Fatalf("UpdateRun succeeded error = %v", err)
	}
	final, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if final.Status != crawler.RunStatusSucceeded || final.Started == nil || final.Finished == nil {
		t.Fatalf("expected timestamps set, got %+v", final)
	}
	if final.Counters.PagesCompleted != 3 {
		t.Fatalf("expected counters to persist, got %+v", final)
	}
}

func TestRunStoreMissingRun(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	if _, err := store.GetRun(context.Background(), "nope"); !errors.Is(err, crawler.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	err := store.UpdateRun(context.Background(), "nope", crawler.RunStatusFailed, "x", crawler.RunCounters{})
	if !errors.Is(err, crawler.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunStoreListRunsFiltersByBaseURL(t *testing.T) {
	t.Parallel()

	store := NewRunStore()
	ctx := context.Background()
	now := time.Now()
	runs := []crawler.Run{
		{ID: "b", Request: crawler.CrawlRequest{BaseURL: "https://a.test/"}, Submitted: now.Add(time.Second)},
		{ID: "a", Request: crawler.CrawlRequest{BaseURL: "https://a.test/"}, Submitted: now},
		{ID: "c", Request: crawler.CrawlRequest{BaseURL: "https://b.test/"}, Submitted: now},
	}
	for _, run := range runs {
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() error = %v", err)
		}
	}

	got, err := store.ListRuns(ctx, "https://a.test/")
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("unexpected runs %+v", got)
	}
	all, _ := store.ListRuns(ctx, "")
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}
}
