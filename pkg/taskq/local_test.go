package taskq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) *Local {
	t.Helper()
	l := NewLocal(LocalOptions{
		Workers:           2,
		DispatchPerSecond: 1000,
		DispatchBurst:     1000,
	})
	t.Cleanup(l.Close)
	return l
}

func waitForState(t *testing.T, l *Local, id string, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if l.StateOf(id) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s (now %s)", id, want, l.StateOf(id))
}

func TestLocalSuccess(t *testing.T) {
	l := newTestExecutor(t)

	var got atomic.Value
	l.Register("echo", func(_ context.Context, task *Task) error {
		got.Store(task.Payload.JobID)
		return nil
	})

	id, err := l.Submit(context.Background(), "echo", Payload{JobID: "job-1"}, 0)
	require.NoError(t, err)

	waitForState(t, l, id, StateSuccess)
	assert.Equal(t, "job-1", got.Load())
}

func TestLocalFailure(t *testing.T) {
	l := newTestExecutor(t)
	l.Register("boom", func(context.Context, *Task) error {
		return errors.New("exploded")
	})

	id, err := l.Submit(context.Background(), "boom", Payload{JobID: "job-1"}, 0)
	require.NoError(t, err)
	waitForState(t, l, id, StateFailure)
}

func TestLocalRetryKeepsTaskID(t *testing.T) {
	l := newTestExecutor(t)

	var attempts atomic.Int32
	l.Register("flaky", func(_ context.Context, task *Task) error {
		if attempts.Add(1) == 1 {
			return RetryIn(10*time.Millisecond, errors.New("transient"))
		}
		assert.Equal(t, 2, task.Attempt)
		return nil
	})

	id, err := l.Submit(context.Background(), "flaky", Payload{JobID: "job-1"}, 0)
	require.NoError(t, err)

	waitForState(t, l, id, StateSuccess)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestLocalRevokePending(t *testing.T) {
	l := newTestExecutor(t)

	var ran atomic.Bool
	l.Register("late", func(context.Context, *Task) error {
		ran.Store(true)
		return nil
	})

	// Submit with a long countdown, revoke before it fires.
	id, err := l.Submit(context.Background(), "late", Payload{JobID: "job-1"}, 100*time.Millisecond)
	require.NoError(t, err)
	l.Revoke(id)

	time.Sleep(250 * time.Millisecond)
	assert.False(t, ran.Load(), "revoked task must not run")
	assert.Equal(t, StateRevoked, l.StateOf(id))
}

func TestLocalUnknownTask(t *testing.T) {
	l := newTestExecutor(t)
	assert.Equal(t, StateUnknown, l.StateOf("nope"))

	_, err := l.Submit(context.Background(), "unregistered", Payload{}, 0)
	assert.Error(t, err)
}
