package workqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tubecrawler/internal/taskstore"
)

// Enqueue admits id with payload unless the re-keyed id is already pending,
// running, or remembered as settled. It reports whether the task was added.
//
// An admitted task triggers a dispatch pass before Enqueue returns; OnStart
// callbacks for tasks started by that pass run on the caller's goroutine.
// When that pass fails, for example with ErrWorkerNotConfigured, Enqueue
// returns true with the error and the task stays pending.
func (q *Queue[T, R]) Enqueue(ctx context.Context, id string, payload T) (bool, error) {
	if id == "" {
		return false, ErrInvalidTaskID
	}
	if q.closed.Load() {
		return false, ErrClosed
	}
	key := q.rekey(id)
	if key == "" {
		return false, ErrInvalidTaskID
	}

	q.mu.Lock()
	states, err := q.knownStates(ctx, key)
	if err == nil && len(states) > 0 {
		if err = q.store.RemoveExpiredHistory(ctx); err == nil {
			states, err = q.knownStates(ctx, key)
		}
	}
	if err != nil {
		q.mu.Unlock()
		return false, fmt.Errorf("admission check for %s: %w", key, err)
	}
	if len(states) > 0 {
		q.mu.Unlock()
		q.reportDuplicate(key, states)
		return false, nil
	}
	if err := q.store.AddPending(ctx, key, payload); err != nil {
		q.mu.Unlock()
		return false, fmt.Errorf("add pending %s: %w", key, err)
	}
	q.observer.Enqueued(q.name)
	batch, err := q.claim(ctx)
	q.mu.Unlock()

	q.launch(batch)
	return true, err
}

// MarkSucceeded records id (after re-keying) as succeeded without running it,
// so later enqueues of that id are rejected until it expires. An id that is
// pending or in progress is left alone; its own run settles it. A failed id
// moves to succeeded.
func (q *Queue[T, R]) MarkSucceeded(ctx context.Context, id string) error {
	key := q.rekey(id)
	if key == "" {
		return ErrInvalidTaskID
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	states, err := q.knownStates(ctx, key)
	if err != nil {
		return fmt.Errorf("mark %s succeeded: %w", key, err)
	}
	for _, state := range states {
		switch state {
		case taskstore.StatePending, taskstore.StateInProgress:
			q.logger.Debug("task still queued, not marking succeeded",
				zap.String("task_id", key),
				zap.String("state", string(state)),
			)
			return nil
		case taskstore.StateFailed:
			if err := q.store.RemoveFailed(ctx, key); err != nil {
				return fmt.Errorf("mark %s succeeded: %w", key, err)
			}
		}
	}
	if err := q.store.AddSucceeded(ctx, key); err != nil {
		return fmt.Errorf("mark %s succeeded: %w", key, err)
	}
	return nil
}

// ReclaimStale moves tasks that have been in progress longer than maxAge back
// to pending and wakes the dispatcher.
func (q *Queue[T, R]) ReclaimStale(ctx context.Context, maxAge time.Duration) ([]string, error) {
	q.mu.Lock()
	ids, err := q.store.MoveStaleInProgressToPending(ctx, maxAge)
	q.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("reclaim stale: %w", err)
	}
	if len(ids) > 0 {
		q.observer.Reclaimed(q.name, len(ids))
		q.logger.Warn("reclaimed stale tasks", zap.Strings("task_ids", ids), zap.Duration("max_age", maxAge))
		q.notify()
	}
	return ids, nil
}

// PruneHistory drops expired succeeded and failed ids.
func (q *Queue[T, R]) PruneHistory(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.RemoveExpiredHistory(ctx); err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	return nil
}

func (q *Queue[T, R]) knownStates(ctx context.Context, id string) ([]taskstore.State, error) {
	ids, err := taskstore.Snapshot(ctx, q.store)
	if err != nil {
		return nil, err
	}
	return ids.StatesOf(id), nil
}

func (q *Queue[T, R]) reportDuplicate(id string, states []taskstore.State) {
	for _, state := range states {
		q.observer.Duplicate(q.name, state)
		if q.warnDup {
			q.logger.Warn("duplicate enqueue ignored",
				zap.String("task_id", id),
				zap.String("state", string(state)),
			)
		}
	}
}

// claim moves the oldest pending tasks to in-progress until the cap is
// reached. Callers hold q.mu.
func (q *Queue[T, R]) claim(ctx context.Context) ([]claimed[T], error) {
	inProgress, err := q.store.InProgressIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list in progress: %w", err)
	}
	slots := int(q.concurrency.Load()) - len(inProgress)
	if slots <= 0 {
		return nil, nil
	}
	pending, err := q.store.PendingIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}
	if q.worker == nil {
		return nil, ErrWorkerNotConfigured
	}

	var batch []claimed[T]
	for _, id := range pending {
		if len(batch) == slots {
			break
		}
		payload, err := q.store.RemovePending(ctx, id)
		if errors.Is(err, taskstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return batch, fmt.Errorf("remove pending %s: %w", id, err)
		}
		if err := q.store.AddInProgress(ctx, id, payload); err != nil {
			if rerr := q.store.AddPending(ctx, id, payload); rerr != nil {
				q.logger.Error("task lost while restoring pending", zap.String("task_id", id), zap.Error(rerr))
			}
			return batch, fmt.Errorf("add in progress %s: %w", id, err)
		}
		q.inflight.Add(1)
		q.running.Add(1)
		batch = append(batch, claimed[T]{id: id, payload: payload})
	}
	return batch, nil
}

// launch runs OnStart for each claimed task on the calling goroutine and then
// starts its worker. Panics from OnStart are not recovered.
func (q *Queue[T, R]) launch(batch []claimed[T]) {
	for _, task := range batch {
		q.observer.Started(q.name)
		q.logger.Debug("task started", zap.String("task_id", task.id))
		if q.onStart != nil {
			q.onStart(StartEvent[T, R]{ID: task.id, Payload: task.payload, Queue: q})
		}
		go q.run(task)
	}
}

func (q *Queue[T, R]) run(task claimed[T]) {
	defer q.running.Done()
	defer q.inflight.Add(-1)

	start := time.Now()
	result, err := q.invoke(task)
	q.settle(task, result, err, time.Since(start))
	q.notify()
}

func (q *Queue[T, R]) invoke(task claimed[T]) (result R, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic: %v", ErrTaskFailed, rec)
		}
	}()
	return q.worker(q.baseCtx, task.payload, task.id)
}

func (q *Queue[T, R]) settle(task claimed[T], result R, taskErr error, elapsed time.Duration) {
	ctx := q.baseCtx
	logger := q.logger.With(zap.String("task_id", task.id))

	q.mu.Lock()
	if _, err := q.store.RemoveInProgress(ctx, task.id); err != nil {
		logger.Warn("task missing from in-progress at settlement", zap.Error(err))
	}
	var recordErr error
	if taskErr == nil {
		recordErr = q.store.AddSucceeded(ctx, task.id)
	} else {
		recordErr = q.store.AddFailed(ctx, task.id)
	}
	q.mu.Unlock()
	if recordErr != nil {
		logger.Error("record task outcome", zap.Error(recordErr))
	}

	q.observer.Completed(q.name, taskErr == nil, elapsed)
	if taskErr == nil {
		logger.Debug("task succeeded", zap.Duration("elapsed", elapsed))
		if q.onSuccess != nil {
			q.onSuccess(SuccessEvent[T, R]{ID: task.id, Payload: task.payload, Result: result, Queue: q})
		}
		return
	}
	logger.Debug("task failed", zap.Duration("elapsed", elapsed), zap.Error(taskErr))
	if q.onFail != nil {
		q.onFail(FailEvent[T, R]{ID: task.id, Payload: task.payload, Err: taskErr, Queue: q})
	}
}

func (q *Queue[T, R]) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue[T, R]) loop() {
	defer close(q.loopDone)
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
			if err := q.dispatch(q.baseCtx); err != nil {
				q.logger.Error("dispatch pass failed", zap.Error(err))
			}
		}
	}
}

func (q *Queue[T, R]) dispatch(ctx context.Context) error {
	q.mu.Lock()
	batch, err := q.claim(ctx)
	q.mu.Unlock()
	q.launch(batch)
	return err
}
