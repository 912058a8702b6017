// Package kv abstracts the shared key/value store the pipeline coordinates
// through: a sliding-window log for rate limiting and a byte cache for
// extraction responses. Memory and Redis implementations are provided.
package kv

import (
	"context"
	"time"
)

// Window is a shared sliding-window log keyed by limiter name.
type Window interface {
	// Admit atomically evicts entries older than the window, and if fewer
	// than limit remain, records member at now and admits. When the call is
	// not admitted, oldest carries the timestamp of the oldest surviving
	// entry so callers can compute how long until a slot frees up.
	Admit(ctx context.Context, key, member string, now time.Time, window time.Duration, limit int) (admitted bool, oldest time.Time, err error)
}

// Cache is a byte-value cache with per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Store combines both roles; the memory and Redis stores implement it.
type Store interface {
	Window
	Cache
}
