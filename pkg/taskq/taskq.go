// Package taskq is a small at-least-once task executor abstraction. The
// orchestrator submits named task units and polls their state by id; the
// bundled local executor runs them on a worker pool in-process.
package taskq

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a submitted task.
type State string

const (
	StatePending State = "PENDING"
	StateStarted State = "STARTED"
	StateRetry   State = "RETRY"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
	StateRevoked State = "REVOKED"
	StateUnknown State = "UNKNOWN"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure || s == StateRevoked
}

// Payload is the unit of work description shared by all task kinds.
// Page fields are zero for job-level units.
type Payload struct {
	JobID     string `json:"job_id"`
	ParseMode string `json:"parse_mode,omitempty"`
	Page      string `json:"page,omitempty"`
	PageIndex int    `json:"page_index,omitempty"`
	PageCount int    `json:"page_count,omitempty"`
}

// Task is a single invocation handed to a Handler.
type Task struct {
	ID      string
	Name    string
	Payload Payload
	Attempt int // 1-based
}

// Handler executes one task invocation. Returning a *RetryError reschedules
// the same task id after the requested delay; any other error is terminal.
type Handler func(ctx context.Context, t *Task) error

// RetryError asks the executor to run the task again later.
type RetryError struct {
	After time.Duration
	Cause error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry in %s: %v", e.After, e.Cause)
}

func (e *RetryError) Unwrap() error { return e.Cause }

// RetryIn wraps cause into a RetryError with the given delay.
func RetryIn(after time.Duration, cause error) error {
	return &RetryError{After: after, Cause: cause}
}

// AsRetry extracts a RetryError if err carries one.
func AsRetry(err error) (*RetryError, bool) {
	var re *RetryError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Executor dispatches registered task units and tracks their state.
type Executor interface {
	// Register binds a handler to a task name. Must be called before Submit.
	Register(name string, h Handler)
	// Submit enqueues a task and returns its id. A countdown > 0 delays the
	// first run.
	Submit(ctx context.Context, name string, payload Payload, countdown time.Duration) (string, error)
	// StateOf reports the state of a previously submitted task; StateUnknown
	// when the id was never seen (or has been forgotten).
	StateOf(taskID string) State
	// Revoke prevents a pending task from running. Running tasks finish.
	Revoke(taskID string)
}
