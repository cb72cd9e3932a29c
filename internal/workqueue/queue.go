// Package workqueue runs keyed tasks through a bounded pool of workers.
//
// Every task has a caller-supplied id. An id that is pending, running, or was
// settled within the configured expiry window cannot be enqueued again, so
// Enqueue is idempotent. Dispatch is first in, first out, and at most
// Concurrency tasks run at once. Bookkeeping lives in a taskstore.Store; when
// none is supplied the queue owns an in-memory one.
//
// Enqueue runs a dispatch pass synchronously. Each settled task wakes a
// single dispatcher goroutine, which runs the next pass. There are no
// per-task timeouts and in-flight workers are never canceled.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tubecrawler/internal/taskstore"
	"github.com/JakeFAU/tubecrawler/internal/taskstore/memory"
)

const (
	// DefaultConcurrency is used when Config.Concurrency is zero.
	DefaultConcurrency = 3
	// DefaultPollInterval is how often AllDone re-checks the store.
	DefaultPollInterval = 100 * time.Millisecond
)

var (
	// ErrInvalidTaskID is returned for an empty task id.
	ErrInvalidTaskID = errors.New("task id must not be empty")
	// ErrWorkerNotConfigured is returned when a dispatch pass finds work but no worker.
	ErrWorkerNotConfigured = errors.New("worker function not configured")
	// ErrTaskFailed wraps a panic raised by a worker.
	ErrTaskFailed = errors.New("task failed")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("queue closed")
)

// WorkerFunc processes one task.
type WorkerFunc[T, R any] func(ctx context.Context, payload T, id string) (R, error)

// ReKeyFunc normalizes an id before any lookup. It must be pure.
type ReKeyFunc func(id string) string

// StartEvent is passed to OnStart right before the worker launches.
type StartEvent[T, R any] struct {
	ID      string
	Payload T
	Queue   *Queue[T, R]
}

// SuccessEvent is passed to OnSuccess after a task is recorded as succeeded.
type SuccessEvent[T, R any] struct {
	ID      string
	Payload T
	Result  R
	Queue   *Queue[T, R]
}

// FailEvent is passed to OnFail after a task is recorded as failed.
type FailEvent[T, R any] struct {
	ID      string
	Payload T
	Err     error
	Queue   *Queue[T, R]
}

// Observer receives lifecycle counts, typically for metrics.
type Observer interface {
	Enqueued(queue string)
	Duplicate(queue string, state taskstore.State)
	Started(queue string)
	Completed(queue string, succeeded bool, elapsed time.Duration)
	Reclaimed(queue string, n int)
}

// Config describes a queue. Only Worker is needed for a working queue.
type Config[T, R any] struct {
	// Name labels logs and metrics.
	Name string
	// Concurrency caps running tasks. Zero means DefaultConcurrency and
	// negative values are raised to 1.
	Concurrency int
	Worker      WorkerFunc[T, R]
	OnStart     func(StartEvent[T, R])
	OnSuccess   func(SuccessEvent[T, R])
	OnFail      func(FailEvent[T, R])
	// ReKey defaults to the identity function.
	ReKey ReKeyFunc
	// WarnOnDuplicateEnqueue logs one warning per matching state when a known
	// id is enqueued again.
	WarnOnDuplicateEnqueue bool
	// SuccessExpiry and FailureExpiry override the store's settings when set.
	SuccessExpiry *time.Duration
	FailureExpiry *time.Duration
	// Store is owned by the caller. Nil gives the queue its own memory store.
	Store        taskstore.Store[T]
	Logger       *zap.Logger
	Observer     Observer
	PollInterval time.Duration
	// BaseContext is handed to workers and used for settlement bookkeeping.
	BaseContext context.Context
}

type claimed[T any] struct {
	id      string
	payload T
}

// Queue dispatches tasks to a worker function with bounded concurrency.
type Queue[T, R any] struct {
	name         string
	store        taskstore.Store[T]
	ownsStore    bool
	worker       WorkerFunc[T, R]
	onStart      func(StartEvent[T, R])
	onSuccess    func(SuccessEvent[T, R])
	onFail       func(FailEvent[T, R])
	rekey        ReKeyFunc
	warnDup      bool
	pollInterval time.Duration
	baseCtx      context.Context
	logger       *zap.Logger
	observer     Observer

	concurrency atomic.Int64
	inflight    atomic.Int64
	closed      atomic.Bool

	// mu serializes admission checks, dispatch selection and settlement
	// bookkeeping so an id is never observed outside every state.
	mu        sync.Mutex
	running   sync.WaitGroup
	wake      chan struct{}
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

// New builds a Queue and starts its dispatcher goroutine. Call Close to stop it.
func New[T, R any](ctx context.Context, cfg Config[T, R]) (*Queue[T, R], error) {
	q := &Queue[T, R]{
		name:         cfg.Name,
		store:        cfg.Store,
		worker:       cfg.Worker,
		onStart:      cfg.OnStart,
		onSuccess:    cfg.OnSuccess,
		onFail:       cfg.OnFail,
		rekey:        cfg.ReKey,
		warnDup:      cfg.WarnOnDuplicateEnqueue,
		pollInterval: cfg.PollInterval,
		baseCtx:      cfg.BaseContext,
		logger:       cfg.Logger,
		observer:     cfg.Observer,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
	if q.name == "" {
		q.name = "default"
	}
	if q.store == nil {
		q.store = memory.New[T]()
		q.ownsStore = true
	}
	if q.rekey == nil {
		q.rekey = func(id string) string { return id }
	}
	if q.pollInterval <= 0 {
		q.pollInterval = DefaultPollInterval
	}
	if q.baseCtx == nil {
		q.baseCtx = context.Background()
	}
	if q.logger == nil {
		q.logger = zap.NewNop()
	}
	q.logger = q.logger.With(zap.String("queue", q.name))
	if q.observer == nil {
		q.observer = nopObserver{}
	}
	q.concurrency.Store(DefaultConcurrency)
	if cfg.Concurrency != 0 {
		q.concurrency.Store(int64(max(1, cfg.Concurrency)))
	}
	if cfg.SuccessExpiry != nil {
		if err := q.store.SetSuccessExpiry(ctx, *cfg.SuccessExpiry); err != nil {
			return nil, fmt.Errorf("set success expiry: %w", err)
		}
	}
	if cfg.FailureExpiry != nil {
		if err := q.store.SetFailureExpiry(ctx, *cfg.FailureExpiry); err != nil {
			return nil, fmt.Errorf("set failure expiry: %w", err)
		}
	}
	go q.loop()
	return q, nil
}

// Name returns the queue's label.
func (q *Queue[T, R]) Name() string {
	return q.name
}

// Store exposes the bookkeeping store.
func (q *Queue[T, R]) Store() taskstore.Store[T] {
	return q.store
}

// Concurrency returns the current running-task cap.
func (q *Queue[T, R]) Concurrency() int {
	return int(q.concurrency.Load())
}

// SetConcurrency changes the cap, floored at 1. It applies from the next
// dispatch pass and does not start one.
func (q *Queue[T, R]) SetConcurrency(n int) {
	q.concurrency.Store(int64(max(1, n)))
}

// SetSuccessExpiry changes how long succeeded ids block re-enqueue.
func (q *Queue[T, R]) SetSuccessExpiry(ctx context.Context, d time.Duration) error {
	if err := q.store.SetSuccessExpiry(ctx, d); err != nil {
		return fmt.Errorf("set success expiry: %w", err)
	}
	return nil
}

// SetFailureExpiry changes how long failed ids block re-enqueue.
func (q *Queue[T, R]) SetFailureExpiry(ctx context.Context, d time.Duration) error {
	if err := q.store.SetFailureExpiry(ctx, d); err != nil {
		return fmt.Errorf("set failure expiry: %w", err)
	}
	return nil
}

// Stats returns every state list. The lists are read together, so a task of
// this queue appears in exactly one of them.
func (q *Queue[T, R]) Stats(ctx context.Context) (taskstore.IDs, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return taskstore.Snapshot(ctx, q.store)
}

// AllDone blocks until nothing is pending or running and every settlement
// this queue started has finished its callbacks.
func (q *Queue[T, R]) AllDone(ctx context.Context) error {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		idle, err := q.idle(ctx)
		if err != nil {
			return err
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for queue %s: %w", q.name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (q *Queue[T, R]) idle(ctx context.Context) (bool, error) {
	if q.inflight.Load() > 0 {
		return false, nil
	}
	pending, err := q.store.PendingIDs(ctx)
	if err != nil {
		return false, fmt.Errorf("list pending: %w", err)
	}
	if len(pending) > 0 {
		return false, nil
	}
	inProgress, err := q.store.InProgressIDs(ctx)
	if err != nil {
		return false, fmt.Errorf("list in progress: %w", err)
	}
	return len(inProgress) == 0 && q.inflight.Load() == 0, nil
}

// Close stops the dispatcher and waits for running workers until ctx ends.
// A store the queue created is released; an injected store is left alone.
func (q *Queue[T, R]) Close(ctx context.Context) error {
	var err error
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.done)
		<-q.loopDone

		finished := make(chan struct{})
		go func() {
			q.running.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-ctx.Done():
			err = fmt.Errorf("close queue %s: %w", q.name, ctx.Err())
			return
		}
		if closer, ok := q.store.(io.Closer); ok && q.ownsStore {
			if cerr := closer.Close(); cerr != nil {
				err = fmt.Errorf("close owned store: %w", cerr)
			}
		}
	})
	return err
}

type nopObserver struct{}

func (nopObserver) Enqueued(string)                       {}
func (nopObserver) Duplicate(string, taskstore.State)     {}
func (nopObserver) Started(string)                        {}
func (nopObserver) Completed(string, bool, time.Duration) {}
func (nopObserver) Reclaimed(string, int)                 {}
