// Package taskstore defines the bookkeeping contract behind a work queue: which
// task ids are pending, in progress, recently succeeded or recently failed.
//
// Implementations may be in-process or remote, so every operation takes a
// context and may fail. Stores never persist worker results; succeeded and
// failed entries carry only an id and the time they were recorded, and exist
// purely to suppress duplicate enqueues until they expire.
package taskstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultExpiry is how long succeeded and failed ids are remembered unless
// configured otherwise.
const DefaultExpiry = 600 * time.Second

// ErrNotFound is returned when removing an id that is not in the requested state.
var ErrNotFound = errors.New("task not found")

// State is one of the four mutually exclusive task states.
type State string

// Task states.
const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// States lists every state in lookup order.
var States = []State{StatePending, StateInProgress, StateSucceeded, StateFailed}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Store tracks task ids and pending payloads of type T.
type Store[T any] interface {
	// PendingIDs returns pending ids, oldest first.
	PendingIDs(ctx context.Context) ([]string, error)
	InProgressIDs(ctx context.Context) ([]string, error)
	SucceededIDs(ctx context.Context) ([]string, error)
	FailedIDs(ctx context.Context) ([]string, error)

	AddPending(ctx context.Context, id string, payload T) error
	// RemovePending returns ErrNotFound when id is not pending.
	RemovePending(ctx context.Context, id string) (T, error)

	// AddInProgress records the payload together with the current time.
	AddInProgress(ctx context.Context, id string, payload T) error
	// RemoveInProgress returns ErrNotFound when id is not in progress.
	RemoveInProgress(ctx context.Context, id string) (T, error)
	// MoveStaleInProgressToPending moves every task started more than maxAge
	// ago back to pending and returns the moved ids.
	MoveStaleInProgressToPending(ctx context.Context, maxAge time.Duration) ([]string, error)

	AddSucceeded(ctx context.Context, id string) error
	RemoveSucceeded(ctx context.Context, id string) error
	AddFailed(ctx context.Context, id string) error
	RemoveFailed(ctx context.Context, id string) error

	SuccessExpiry(ctx context.Context) (time.Duration, error)
	SetSuccessExpiry(ctx context.Context, d time.Duration) error
	FailureExpiry(ctx context.Context) (time.Duration, error)
	SetFailureExpiry(ctx context.Context, d time.Duration) error

	// RemoveExpiredHistory drops succeeded and failed ids whose record is
	// older than the matching expiry.
	RemoveExpiredHistory(ctx context.Context) error
}

// NormalizeExpiry floors d at zero and truncates it to whole seconds.
func NormalizeExpiry(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d.Truncate(time.Second)
}

// Expired reports whether a record taken at recordedAt has outlived expiry at now.
func Expired(recordedAt, now time.Time, expiry time.Duration) bool {
	return now.Sub(recordedAt) > expiry
}

// IDs is a point-in-time view of every state list.
type IDs struct {
	Pending    []string `json:"pending"`
	InProgress []string `json:"in_progress"`
	Succeeded  []string `json:"succeeded"`
	Failed     []string `json:"failed"`
}

// Snapshot reads all four state lists from s.
func Snapshot[T any](ctx context.Context, s Store[T]) (IDs, error) {
	var (
		ids IDs
		err error
	)
	if ids.Pending, err = s.PendingIDs(ctx); err != nil {
		return IDs{}, fmt.Errorf("list pending: %w", err)
	}
	if ids.InProgress, err = s.InProgressIDs(ctx); err != nil {
		return IDs{}, fmt.Errorf("list in progress: %w", err)
	}
	if ids.Succeeded, err = s.SucceededIDs(ctx); err != nil {
		return IDs{}, fmt.Errorf("list succeeded: %w", err)
	}
	if ids.Failed, err = s.FailedIDs(ctx); err != nil {
		return IDs{}, fmt.Errorf("list failed: %w", err)
	}
	return ids, nil
}

// List returns the ids held in state.
func (ids IDs) List(state State) []string {
	switch state {
	case StatePending:
		return ids.Pending
	case StateInProgress:
		return ids.InProgress
	case StateSucceeded:
		return ids.Succeeded
	case StateFailed:
		return ids.Failed
	default:
		return nil
	}
}

// All returns the union of every state list.
func (ids IDs) All() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, state := range States {
		for _, id := range ids.List(state) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// StatesOf returns every state that currently holds id. A healthy store
// returns at most one.
func (ids IDs) StatesOf(id string) []State {
	var out []State
	for _, state := range States {
		for _, candidate := range ids.List(state) {
			if candidate == id {
				out = append(out, state)
				break
			}
		}
	}
	return out
}

// Counts returns the size of every state list.
func (ids IDs) Counts() map[State]int {
	return map[State]int{
		StatePending:    len(ids.Pending),
		StateInProgress: len(ids.InProgress),
		StateSucceeded:  len(ids.Succeeded),
		StateFailed:     len(ids.Failed),
	}
}
