// Package ratelimit gates outbound extraction calls across all workers with
// a sliding-window log kept in the shared key/value store.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/bank-statement-analyzer/pkg/kv"
	"github.com/FACorreiaa/bank-statement-analyzer/pkg/metrics"
)

// ErrWaitTimeout is returned when no slot freed up within the overall wait
// budget. Callers treat it as retryable.
var ErrWaitTimeout = errors.New("rate limit wait timed out")

const (
	minSleep = 50 * time.Millisecond
	maxSleep = time.Second
)

// Options configures a Limiter.
type Options struct {
	Key         string
	Limit       int
	Window      time.Duration
	WaitTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	// Clock and Sleep are overridable for tests.
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Limiter admits at most Limit calls per Window across every worker sharing
// the same store key. If the store is unreachable it fails open: an
// availability-over-strictness tradeoff.
type Limiter struct {
	store kv.Window
	opts  Options
}

// New creates a Limiter over the shared window store.
func New(store kv.Window, opts Options) *Limiter {
	if opts.Key == "" {
		opts.Key = "vision:ocr:rpm"
	}
	if opts.Limit <= 0 {
		opts.Limit = 60
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Limiter{store: store, opts: opts}
}

// Acquire blocks until a slot is admitted, the wait budget runs out, or ctx
// is done. onWait, when non-nil, is invoked with each computed wait so the
// caller can keep its status fresh instead of appearing stuck.
func (l *Limiter) Acquire(ctx context.Context, onWait func(time.Duration)) error {
	start := l.opts.Clock()
	deadline := start.Add(l.opts.WaitTimeout)
	member := uuid.NewString()

	for {
		now := l.opts.Clock()
		admitted, oldest, err := l.store.Admit(ctx, l.opts.Key, member, now, l.opts.Window, l.opts.Limit)
		if err != nil {
			// Fail open: a down coordination store must not halt processing.
			l.opts.Logger.Warn("rate limit store unavailable, failing open",
				slog.String("key", l.opts.Key),
				slog.Any("error", err))
			return nil
		}
		if admitted {
			l.opts.Metrics.RecordRateLimitWait(now.Sub(start).Seconds())
			return nil
		}

		wait := l.opts.Window - now.Sub(oldest)
		if wait < minSleep {
			wait = minSleep
		}
		if wait > maxSleep {
			wait = maxSleep
		}
		if onWait != nil {
			onWait(wait)
		}
		if now.Add(wait).After(deadline) {
			return ErrWaitTimeout
		}
		if err := l.opts.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
