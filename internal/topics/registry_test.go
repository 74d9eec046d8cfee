package topics

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddIsIdempotentUnion(t *testing.T) {
	t.Parallel()

	r := New("news", "sports")
	got := r.Add("Sports", " weather ", "", "news")
	assert.Equal(t, []string{"news", "sports", "weather"}, got)
	assert.Equal(t, got, r.Snapshot())

	again := r.Add("weather")
	assert.Equal(t, got, again)
	assert.True(t, r.Contains("WEATHER"))
	assert.False(t, r.Contains("cooking"))
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	r := New("news")
	snap := r.Snapshot()
	snap[0] = "mutated"
	assert.Equal(t, []string{"news"}, r.Snapshot())
}

func TestConcurrentAddAndSnapshot(t *testing.T) {
	t.Parallel()

	r := New()
	const writers, perWriter = 4, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				r.Add(fmt.Sprintf("w%d-%d", w, i), fmt.Sprintf("w%d-%d-pair", w, i))
			}
		}(w)
	}
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := r.Snapshot()
			// Each Add publishes both labels of a pair at once.
			assert.Zero(t, len(snap)%2, "torn snapshot of length %d", len(snap))
		}
	}()
	wg.Wait()
	close(stop)
	<-readerDone

	require.Len(t, r.Snapshot(), writers*perWriter*2)
}
