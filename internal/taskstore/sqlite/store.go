// Package sqlite implements a taskstore on an embedded SQLite database for
// single-host crawls that should survive a restart.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/tubecrawler/internal/clock/system"
	"github.com/JakeFAU/tubecrawler/internal/taskstore"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS task_states (
	queue       TEXT NOT NULL,
	id          TEXT NOT NULL,
	state       TEXT NOT NULL,
	payload     TEXT,
	seq         INTEGER NOT NULL,
	recorded_at INTEGER NOT NULL,
	PRIMARY KEY (queue, id)
)`,
	`CREATE INDEX IF NOT EXISTS task_states_state_idx ON task_states (queue, state, seq)`,
	`
CREATE TABLE IF NOT EXISTS task_settings (
	queue                  TEXT PRIMARY KEY,
	success_expiry_seconds INTEGER NOT NULL DEFAULT 600,
	failure_expiry_seconds INTEGER NOT NULL DEFAULT 600
)`,
}

const upsertState = `
INSERT INTO task_states (queue, id, state, payload, seq, recorded_at)
VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM task_states), ?)
ON CONFLICT (queue, id) DO UPDATE SET
	state = excluded.state,
	payload = excluded.payload,
	seq = CASE WHEN task_states.state = excluded.state AND ? THEN task_states.seq ELSE excluded.seq END,
	recorded_at = excluded.recorded_at`

// Store keeps one queue's task state in SQLite.
type Store[T any] struct {
	db    *sql.DB
	clock taskstore.Clock
	queue string
	owned bool
}

// Option customizes a Store.
type Option func(*options)

type options struct {
	clock taskstore.Clock
}

// WithClock overrides the time source used for timestamps.
func WithClock(c taskstore.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// Open opens (or creates) the database at path and ensures the schema exists.
// The returned Store owns the database handle.
func Open[T any](ctx context.Context, path, queue string, opts ...Option) (*Store[T], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	s, err := NewWithDB[T](db, queue, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewWithDB builds a Store on a handle the caller keeps owning.
func NewWithDB[T any](db *sql.DB, queue string, opts ...Option) (*Store[T], error) {
	if db == nil {
		return nil, errors.New("database handle is required")
	}
	if queue == "" {
		return nil, errors.New("queue name is required")
	}
	o := options{clock: system.New()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[T]{db: db, clock: o.clock, queue: queue}, nil
}

// Close releases the database if the Store opened it.
func (s *Store[T]) Close() error {
	if s == nil || !s.owned {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// EnsureSchema creates the tables when missing.
func (s *Store[T]) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// PendingIDs returns pending ids in enqueue order.
func (s *Store[T]) PendingIDs(ctx context.Context) ([]string, error) {
	return s.ids(ctx, taskstore.StatePending)
}

// InProgressIDs returns in-progress ids in start order.
func (s *Store[T]) InProgressIDs(ctx context.Context) ([]string, error) {
	return s.ids(ctx, taskstore.StateInProgress)
}

// SucceededIDs returns remembered succeeded ids.
func (s *Store[T]) SucceededIDs(ctx context.Context) ([]string, error) {
	return s.ids(ctx, taskstore.StateSucceeded)
}

// FailedIDs returns remembered failed ids.
func (s *Store[T]) FailedIDs(ctx context.Context) ([]string, error) {
	return s.ids(ctx, taskstore.StateFailed)
}

// AddPending upserts id as pending. An id already pending keeps its position.
func (s *Store[T]) AddPending(ctx context.Context, id string, payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := s.upsert(ctx, id, taskstore.StatePending, string(data), true); err != nil {
		return fmt.Errorf("add pending: %w", err)
	}
	return nil
}

// RemovePending deletes the pending row for id and returns its payload.
func (s *Store[T]) RemovePending(ctx context.Context, id string) (T, error) {
	return s.take(ctx, taskstore.StatePending, id)
}

// AddInProgress upserts id as started now.
func (s *Store[T]) AddInProgress(ctx context.Context, id string, payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := s.upsert(ctx, id, taskstore.StateInProgress, string(data), false); err != nil {
		return fmt.Errorf("add in progress: %w", err)
	}
	return nil
}

// RemoveInProgress deletes the in-progress row for id and returns its payload.
func (s *Store[T]) RemoveInProgress(ctx context.Context, id string) (T, error) {
	return s.take(ctx, taskstore.StateInProgress, id)
}

// MoveStaleInProgressToPending flips rows started before now-maxAge back to pending.
func (s *Store[T]) MoveStaleInProgressToPending(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := s.clock.Now().Add(-maxAge).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
UPDATE task_states SET state = ?, seq = (SELECT COALESCE(MAX(seq), 0) + 1 FROM task_states)
WHERE queue = ? AND state = ? AND recorded_at < ?
RETURNING id`,
		string(taskstore.StatePending), s.queue, string(taskstore.StateInProgress), cutoff)
	if err != nil {
		return nil, fmt.Errorf("requeue stale: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("requeue stale: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}

// AddSucceeded records id as succeeded now.
func (s *Store[T]) AddSucceeded(ctx context.Context, id string) error {
	if err := s.upsert(ctx, id, taskstore.StateSucceeded, nil, false); err != nil {
		return fmt.Errorf("add succeeded: %w", err)
	}
	return nil
}

// RemoveSucceeded forgets a succeeded id.
func (s *Store[T]) RemoveSucceeded(ctx context.Context, id string) error {
	return s.forget(ctx, taskstore.StateSucceeded, id)
}

// AddFailed records id as failed now.
func (s *Store[T]) AddFailed(ctx context.Context, id string) error {
	if err := s.upsert(ctx, id, taskstore.StateFailed, nil, false); err != nil {
		return fmt.Errorf("add failed: %w", err)
	}
	return nil
}

// RemoveFailed forgets a failed id.
func (s *Store[T]) RemoveFailed(ctx context.Context, id string) error {
	return s.forget(ctx, taskstore.StateFailed, id)
}

// SuccessExpiry returns how long succeeded ids are remembered.
func (s *Store[T]) SuccessExpiry(ctx context.Context) (time.Duration, error) {
	success, _, err := s.expiries(ctx)
	return success, err
}

// SetSuccessExpiry sets how long succeeded ids are remembered.
func (s *Store[T]) SetSuccessExpiry(ctx context.Context, d time.Duration) error {
	return s.setExpiry(ctx, "success_expiry_seconds", d)
}

// FailureExpiry returns how long failed ids are remembered.
func (s *Store[T]) FailureExpiry(ctx context.Context) (time.Duration, error) {
	_, failure, err := s.expiries(ctx)
	return failure, err
}

// SetFailureExpiry sets how long failed ids are remembered.
func (s *Store[T]) SetFailureExpiry(ctx context.Context, d time.Duration) error {
	return s.setExpiry(ctx, "failure_expiry_seconds", d)
}

// RemoveExpiredHistory deletes succeeded and failed rows past their expiry.
func (s *Store[T]) RemoveExpiredHistory(ctx context.Context) error {
	success, failure, err := s.expiries(ctx)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	_, err = s.db.ExecContext(ctx, `
DELETE FROM task_states
WHERE queue = ? AND (
	(state = ? AND recorded_at < ?) OR
	(state = ? AND recorded_at < ?)
)`, s.queue,
		string(taskstore.StateSucceeded), now.Add(-success).UnixMilli(),
		string(taskstore.StateFailed), now.Add(-failure).UnixMilli())
	if err != nil {
		return fmt.Errorf("remove expired history: %w", err)
	}
	return nil
}

func (s *Store[T]) ids(ctx context.Context, state taskstore.State) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM task_states WHERE queue = ? AND state = ? ORDER BY seq`, s.queue, string(state))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", state, err)
	}
	return collectIDs(rows)
}

// upsert writes id in state. keepPosition preserves seq when the row is
// already in the same state.
func (s *Store[T]) upsert(ctx context.Context, id string, state taskstore.State, payload any, keepPosition bool) error {
	_, err := s.db.ExecContext(ctx, upsertState,
		s.queue, id, string(state), payload, s.clock.Now().UnixMilli(), keepPosition)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", state, err)
	}
	return nil
}

func (s *Store[T]) take(ctx context.Context, state taskstore.State, id string) (T, error) {
	var (
		payload T
		raw     sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM task_states WHERE queue = ? AND id = ? AND state = ? RETURNING payload`,
		s.queue, id, string(state)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return payload, taskstore.ErrNotFound
	}
	if err != nil {
		return payload, fmt.Errorf("remove %s: %w", state, err)
	}
	if !raw.Valid || raw.String == "" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(raw.String), &payload); err != nil {
		return payload, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}

func (s *Store[T]) forget(ctx context.Context, state taskstore.State, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM task_states WHERE queue = ? AND id = ? AND state = ?`, s.queue, id, string(state))
	if err != nil {
		return fmt.Errorf("remove %s: %w", state, err)
	}
	return nil
}

func (s *Store[T]) expiries(ctx context.Context) (time.Duration, time.Duration, error) {
	var success, failure int64
	err := s.db.QueryRowContext(ctx,
		`SELECT success_expiry_seconds, failure_expiry_seconds FROM task_settings WHERE queue = ?`,
		s.queue).Scan(&success, &failure)
	if errors.Is(err, sql.ErrNoRows) {
		return taskstore.DefaultExpiry, taskstore.DefaultExpiry, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read expiry settings: %w", err)
	}
	return time.Duration(success) * time.Second, time.Duration(failure) * time.Second, nil
}

func (s *Store[T]) setExpiry(ctx context.Context, column string, d time.Duration) error {
	query := fmt.Sprintf(`
INSERT INTO task_settings (queue, %[1]s) VALUES (?, ?)
ON CONFLICT (queue) DO UPDATE SET %[1]s = excluded.%[1]s`, column)
	seconds := int64(taskstore.NormalizeExpiry(d) / time.Second)
	if _, err := s.db.ExecContext(ctx, query, s.queue, seconds); err != nil {
		return fmt.Errorf("write %s: %w", column, err)
	}
	return nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}
