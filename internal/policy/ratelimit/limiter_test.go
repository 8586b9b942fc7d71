package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitUnlimitedNeverDelays(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "peer.example.org"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitPacesPerDomain(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 20, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "a.example.org"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "a.example.org"))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	// A different domain has its own bucket and is not delayed by the
	// first one's consumption.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "b.example.org"))
	assert.Less(t, time.Since(start), 25*time.Millisecond)
}

func TestWaitRespectsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Wait(ctx, "slow.example.org"))
	err := l.Wait(ctx, "slow.example.org")
	require.Error(t, err)
}

func TestNilLimiterIsNoop(t *testing.T) {
	t.Parallel()

	var l *Limiter
	require.NoError(t, l.Wait(context.Background(), "peer.example.org"))
	l.SetDomainLimit("peer.example.org", 1, 1)
}

func TestSetDomainLimitOverrides(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	l.SetDomainLimit("fast.example.org", 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Wait(ctx, "fast.example.org"))
	}
}
