package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitPacesSameSite(t *testing.T) {
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://docs.example.com/a"))
	start := time.Now()
	// www. is folded into the same domain.
	require.NoError(t, l.Wait(ctx, "https://www.docs.example.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestWaitKeepsDomainsIndependent(t *testing.T) {
	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestZeroRateNeverBlocks(t *testing.T) {
	l := New(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for range 100 {
		require.NoError(t, l.Wait(ctx, "https://a.example/"))
	}
}

func TestPauseHoldsOnlyThatDomain(t *testing.T) {
	l := New(Config{})
	l.Pause("https://slow.example/x", time.Hour)
	l.Pause("https://slow.example/x", time.Millisecond)
	l.Pause("https://slow.example/x", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://slow.example/y")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorContains(t, err, "slow.example")

	require.NoError(t, l.Wait(context.Background(), "https://fast.example/"))
}

func TestPauseExpires(t *testing.T) {
	l := New(Config{})
	l.Pause("https://blip.example/", 30*time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "https://blip.example/page"))
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}
