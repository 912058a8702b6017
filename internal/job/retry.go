package job

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/FACorreiaa/bank-statement-analyzer/internal/ratelimit"
	"github.com/FACorreiaa/bank-statement-analyzer/internal/vision"
)

// FatalError marks a failure that must never be retried.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// transientSnippets are provider/transport phrasings that indicate a
// condition worth retrying.
var transientSnippets = []string{
	"timed out",
	"timeout",
	"temporarily unavailable",
	"connection reset",
	"connection refused",
	"connection aborted",
	"rate limit",
	"too many requests",
	"service unavailable",
}

// Retryable classifies an error. Fatal wrappers and schema violations are
// terminal; network transience, rate-limit pressure and output truncation
// are worth another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var fatal *FatalError
	if errors.As(err, &fatal) {
		return false
	}
	var schemaErr *vision.SchemaError
	if errors.As(err, &schemaErr) {
		return false
	}

	if errors.Is(err, vision.ErrTruncated) || errors.Is(err, ratelimit.ErrWaitTimeout) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ETIMEDOUT} {
		if errors.Is(err, errno) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, snippet := range transientSnippets {
		if strings.Contains(msg, snippet) {
			return true
		}
	}
	return false
}

// RetryPolicy is the transient-failure backoff policy.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	Jitter      time.Duration
}

// DefaultRetryPolicy mirrors the production defaults: 3 attempts, 15s base
// doubling to a 300s cap, up to 3s of jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Base:        15 * time.Second,
		Cap:         300 * time.Second,
		Jitter:      3 * time.Second,
	}
}

// Delay computes the backoff before the given 1-based retry attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := retry.NewExponential(p.Base)
	backoff = retry.WithCappedDuration(p.Cap, backoff)
	if p.Jitter > 0 {
		backoff = retry.WithJitter(p.Jitter, backoff)
	}

	var d time.Duration
	for i := 0; i < attempt; i++ {
		next, stop := backoff.Next()
		if stop {
			break
		}
		d = next
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Exhausted reports whether another retry is allowed after the given number
// of attempts already made.
func (p RetryPolicy) Exhausted(attemptsMade int) bool {
	return attemptsMade >= p.MaxAttempts
}
