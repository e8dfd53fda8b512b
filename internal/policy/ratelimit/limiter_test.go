package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestWaitSpacesQueriesToOneHost(t *testing.T) {
	t.Parallel()

	// 10 RPS = 1 token every 100ms, starting with one.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://schedd.example.com/history"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://schedd.example.com/queue"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestHostsHaveSeparateBuckets(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://gw1.example.com/history"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://gw2.example.com/history"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitFailsWhenDeadlineIsTooClose(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://slow.example.com")
	require.ErrorContains(t, err, "slow.example.com")
}

func TestUnlimitedByDefault(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	for range 100 {
		require.NoError(t, l.Wait(context.Background(), "https://fast.example.com"))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, rate.Inf, l.Limit("fast.example.com"))
}

func TestHostOverrides(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 5, HostRPS: map[string]float64{"GW.Example.com": 1, "open.example.com": 0}})
	assert.Equal(t, rate.Limit(1), l.Limit("gw.example.com"))
	assert.Equal(t, rate.Inf, l.Limit("open.example.com"))
	assert.Equal(t, rate.Limit(5), l.Limit("other.example.com"))
}
