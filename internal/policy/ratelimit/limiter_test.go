package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestLimiterWaitDelaysSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://TEST.com/b"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, 1, l.Hosts())
}

func TestLimiterHostsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiterCanceledWait(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.com"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Wait(ctx, "https://slow.com")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestLimiterUnlimitedAndOverrides(t *testing.T) {
	t.Parallel()

	l := New(Config{HostRPS: map[string]float64{"slow.com": 0.5}})
	assert.Equal(t, rate.Inf, l.limitFor("fast.com"))
	assert.InDelta(t, 0.5, float64(l.limitFor("slow.com")), 1e-9)

	ctx := context.Background()
	start := time.Now()
	for range 20 {
		require.NoError(t, l.Wait(ctx, "https://fast.com/"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestFromDelay(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Config{}, FromDelay(0))
	cfg := FromDelay(250 * time.Millisecond)
	assert.InDelta(t, 4.0, cfg.DefaultRPS, 1e-9)
	assert.Equal(t, 1, cfg.DefaultBurst)
}
