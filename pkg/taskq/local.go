package taskq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type queued struct {
	task *Task
}

// Local is an in-process Executor backed by a goroutine worker pool. Dispatch
// is paced by a token bucket so a large job fan-out does not stampede the
// downstream services all at once.
type Local struct {
	handlers map[string]Handler
	states   map[string]State
	queue    chan *Task
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// LocalOptions tunes the local executor.
type LocalOptions struct {
	Workers           int
	DispatchPerSecond int
	DispatchBurst     int
	QueueSize         int
	Logger            *slog.Logger
}

// NewLocal creates and starts a local executor.
func NewLocal(opts LocalOptions) *Local {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.DispatchPerSecond <= 0 {
		opts.DispatchPerSecond = 20
	}
	if opts.DispatchBurst <= 0 {
		opts.DispatchBurst = opts.DispatchPerSecond * 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Local{
		handlers: make(map[string]Handler),
		states:   make(map[string]State),
		queue:    make(chan *Task, opts.QueueSize),
		limiter:  rate.NewLimiter(rate.Limit(opts.DispatchPerSecond), opts.DispatchBurst),
		logger:   opts.Logger,
		cancel:   cancel,
	}

	for i := 0; i < opts.Workers; i++ {
		l.wg.Add(1)
		go l.worker(ctx)
	}
	return l
}

// Register implements Executor.
func (l *Local) Register(name string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[name] = h
}

// Submit implements Executor.
func (l *Local) Submit(_ context.Context, name string, payload Payload, countdown time.Duration) (string, error) {
	l.mu.Lock()
	if _, ok := l.handlers[name]; !ok {
		l.mu.Unlock()
		return "", fmt.Errorf("no handler registered for task %q", name)
	}
	id := uuid.NewString()
	l.states[id] = StatePending
	l.mu.Unlock()

	t := &Task{ID: id, Name: name, Payload: payload, Attempt: 1}
	l.enqueue(t, countdown)
	return id, nil
}

// StateOf implements Executor.
func (l *Local) StateOf(taskID string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.states[taskID]; ok {
		return s
	}
	return StateUnknown
}

// Revoke implements Executor.
func (l *Local) Revoke(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.states[taskID]; ok && !s.Terminal() && s != StateStarted {
		l.states[taskID] = StateRevoked
	}
}

// Close stops the workers. Queued tasks that have not started are dropped.
func (l *Local) Close() {
	l.cancel()
	l.wg.Wait()
}

func (l *Local) enqueue(t *Task, countdown time.Duration) {
	if countdown <= 0 {
		select {
		case l.queue <- t:
		default:
			// Queue full: degrade to a goroutine rather than block the caller.
			go func() { l.queue <- t }()
		}
		return
	}
	time.AfterFunc(countdown, func() {
		l.queue <- t
	})
}

func (l *Local) worker(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-l.queue:
			l.run(ctx, t)
		}
	}
}

func (l *Local) run(ctx context.Context, t *Task) {
	if err := l.limiter.Wait(ctx); err != nil {
		return
	}

	l.mu.Lock()
	if l.states[t.ID] == StateRevoked {
		l.mu.Unlock()
		return
	}
	l.states[t.ID] = StateStarted
	h := l.handlers[t.Name]
	l.mu.Unlock()

	err := h(ctx, t)
	switch {
	case err == nil:
		l.setState(t.ID, StateSuccess)
	default:
		if re, ok := AsRetry(err); ok {
			l.logger.Warn("task retry scheduled",
				slog.String("task", t.Name),
				slog.String("task_id", t.ID),
				slog.Int("attempt", t.Attempt),
				slog.Duration("after", re.After),
				slog.Any("error", re.Cause))
			l.setState(t.ID, StateRetry)
			next := &Task{ID: t.ID, Name: t.Name, Payload: t.Payload, Attempt: t.Attempt + 1}
			l.enqueue(next, re.After)
			return
		}
		l.logger.Error("task failed",
			slog.String("task", t.Name),
			slog.String("task_id", t.ID),
			slog.Int("attempt", t.Attempt),
			slog.Any("error", err))
		l.setState(t.ID, StateFailure)
	}
}

func (l *Local) setState(id string, s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states[id] = s
}
