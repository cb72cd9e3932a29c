// Package memory provides the in-process task store a work queue owns when no
// other store is injected.
//
// Stale in-progress tasks are never reclaimed on their own: a worker that
// hangs keeps its slot until something calls MoveStaleInProgressToPending.
package memory

import (
	"context"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/JakeFAU/tubecrawler/internal/clock/system"
	"github.com/JakeFAU/tubecrawler/internal/taskstore"
)

type running[T any] struct {
	payload T
	started time.Time
}

// Store keeps all task state in maps guarded by a single mutex.
type Store[T any] struct {
	mu            sync.RWMutex
	clock         taskstore.Clock
	pending       *orderedmap.OrderedMap[string, T]
	inProgress    *orderedmap.OrderedMap[string, running[T]]
	succeeded     *orderedmap.OrderedMap[string, time.Time]
	failed        *orderedmap.OrderedMap[string, time.Time]
	successExpiry time.Duration
	failureExpiry time.Duration
}

// Option customizes a Store.
type Option func(*options)

type options struct {
	clock taskstore.Clock
}

// WithClock overrides the time source used for start and history timestamps.
func WithClock(c taskstore.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// New constructs an empty Store.
func New[T any](opts ...Option) *Store[T] {
	o := options{clock: system.New()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[T]{
		clock:         o.clock,
		pending:       orderedmap.New[string, T](),
		inProgress:    orderedmap.New[string, running[T]](),
		succeeded:     orderedmap.New[string, time.Time](),
		failed:        orderedmap.New[string, time.Time](),
		successExpiry: taskstore.DefaultExpiry,
		failureExpiry: taskstore.DefaultExpiry,
	}
}

// PendingIDs returns pending ids in insertion order.
func (s *Store[T]) PendingIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keys(s.pending), nil
}

// InProgressIDs returns in-progress ids in start order.
func (s *Store[T]) InProgressIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keys(s.inProgress), nil
}

// SucceededIDs returns remembered succeeded ids.
func (s *Store[T]) SucceededIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keys(s.succeeded), nil
}

// FailedIDs returns remembered failed ids.
func (s *Store[T]) FailedIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keys(s.failed), nil
}

// AddPending stores payload under id at the back of the pending order.
func (s *Store[T]) AddPending(_ context.Context, id string, payload T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.Set(id, payload)
	return nil
}

// RemovePending removes id from pending and returns its payload.
func (s *Store[T]) RemovePending(_ context.Context, id string) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.pending.Delete(id)
	if !ok {
		var zero T
		return zero, taskstore.ErrNotFound
	}
	return payload, nil
}

// AddInProgress records id as started now.
func (s *Store[T]) AddInProgress(_ context.Context, id string, payload T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inProgress.Set(id, running[T]{payload: payload, started: s.clock.Now()})
	return nil
}

// RemoveInProgress removes id from in-progress and returns its payload.
func (s *Store[T]) RemoveInProgress(_ context.Context, id string) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.inProgress.Delete(id)
	if !ok {
		var zero T
		return zero, taskstore.ErrNotFound
	}
	return entry.payload, nil
}

// MoveStaleInProgressToPending requeues tasks started more than maxAge ago.
func (s *Store[T]) MoveStaleInProgressToPending(_ context.Context, maxAge time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock.Now().Add(-maxAge)
	var moved []string
	for pair := s.inProgress.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.started.Before(cutoff) {
			moved = append(moved, pair.Key)
		}
	}
	for _, id := range moved {
		entry, _ := s.inProgress.Delete(id)
		s.pending.Set(id, entry.payload)
	}
	return moved, nil
}

// AddSucceeded remembers id as succeeded now.
func (s *Store[T]) AddSucceeded(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeded.Set(id, s.clock.Now())
	return nil
}

// RemoveSucceeded forgets a succeeded id.
func (s *Store[T]) RemoveSucceeded(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeded.Delete(id)
	return nil
}

// AddFailed remembers id as failed now.
func (s *Store[T]) AddFailed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed.Set(id, s.clock.Now())
	return nil
}

// RemoveFailed forgets a failed id.
func (s *Store[T]) RemoveFailed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed.Delete(id)
	return nil
}

// SuccessExpiry returns how long succeeded ids are remembered.
func (s *Store[T]) SuccessExpiry(_ context.Context) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.successExpiry, nil
}

// SetSuccessExpiry sets how long succeeded ids are remembered.
func (s *Store[T]) SetSuccessExpiry(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successExpiry = taskstore.NormalizeExpiry(d)
	return nil
}

// FailureExpiry returns how long failed ids are remembered.
func (s *Store[T]) FailureExpiry(_ context.Context) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failureExpiry, nil
}

// SetFailureExpiry sets how long failed ids are remembered.
func (s *Store[T]) SetFailureExpiry(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureExpiry = taskstore.NormalizeExpiry(d)
	return nil
}

// RemoveExpiredHistory drops succeeded and failed ids past their expiry.
func (s *Store[T]) RemoveExpiredHistory(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	prune(s.succeeded, now, s.successExpiry)
	prune(s.failed, now, s.failureExpiry)
	return nil
}

func prune(history *orderedmap.OrderedMap[string, time.Time], now time.Time, expiry time.Duration) {
	var expired []string
	for pair := history.Oldest(); pair != nil; pair = pair.Next() {
		if taskstore.Expired(pair.Value, now, expiry) {
			expired = append(expired, pair.Key)
		}
	}
	for _, id := range expired {
		history.Delete(id)
	}
}

func keys[V any](m *orderedmap.OrderedMap[string, V]) []string {
	out := make([]string, 0, m.Len())
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}
