package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/bank-statement-analyzer/pkg/kv"
)

// fakeClock advances only when the limiter sleeps.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return nil
}

func newTestLimiter(store kv.Window, clock *fakeClock, limit int, waitTimeout time.Duration) *Limiter {
	return New(store, Options{
		Key:         "test:rpm",
		Limit:       limit,
		Window:      time.Minute,
		WaitTimeout: waitTimeout,
		Clock:       clock.Now,
		Sleep:       clock.Sleep,
	})
}

func TestAcquireUnderLimit(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	l := newTestLimiter(kv.NewMemoryStore(), clock, 3, 2*time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(context.Background(), nil))
	}
}

func TestAcquireWaitsForSlot(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	store := kv.NewMemoryStore()
	l := newTestLimiter(store, clock, 1, 5*time.Minute)

	require.NoError(t, l.Acquire(context.Background(), nil))

	var waits []time.Duration
	start := clock.now
	require.NoError(t, l.Acquire(context.Background(), func(d time.Duration) {
		waits = append(waits, d)
	}))

	assert.NotEmpty(t, waits, "heartbeat must be invoked while waiting")
	for _, d := range waits {
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
	// The slot frees once the first entry leaves the one-minute window.
	assert.GreaterOrEqual(t, clock.now.Sub(start), time.Minute-time.Second)
}

func TestAcquireWaitTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	l := newTestLimiter(kv.NewMemoryStore(), clock, 1, 3*time.Second)

	require.NoError(t, l.Acquire(context.Background(), nil))

	err := l.Acquire(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrWaitTimeout))
}

// brokenWindow simulates an unreachable coordination store.
type brokenWindow struct{}

func (brokenWindow) Admit(context.Context, string, string, time.Time, time.Duration, int) (bool, time.Time, error) {
	return false, time.Time{}, errors.New("connection refused")
}

func TestAcquireFailsOpen(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	l := newTestLimiter(brokenWindow{}, clock, 1, time.Minute)

	assert.NoError(t, l.Acquire(context.Background(), nil))
}

func TestAcquireContextCancelled(t *testing.T) {
	store := kv.NewMemoryStore()
	l := New(store, Options{Key: "test:rpm", Limit: 1, Window: time.Minute, WaitTimeout: time.Hour})

	require.NoError(t, l.Acquire(context.Background(), nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(ctx, nil)
	assert.Error(t, err)
}
