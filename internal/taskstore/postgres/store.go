// Package postgres implements a taskstore on Postgres. Every task is a single
// row keyed by (queue, id), so a task can never sit in two states at once.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/tubecrawler/internal/clock/system"
	"github.com/JakeFAU/tubecrawler/internal/taskstore"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and table naming.
type Config struct {
	DSN             string
	Table           string
	Queue           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxIface interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store keeps one queue's task state in Postgres.
type Store[T any] struct {
	pool  pgxIface
	clock taskstore.Clock
	table string
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

// New connects to Postgres and returns a Store that owns its pool.
func New[T any](ctx context.Context, cfg Config, opts ...Option) (*Store[T], error) {
	if cfg.DSN == "" {
		return nil, errors.New("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool[T](pool, cfg.Table, cfg.Queue, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewWithPool builds a Store on an existing pool, which the caller keeps owning.
func NewWithPool[T any](pool pgxIface, table, queue string, opts ...Option) (*Store[T], error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "task_states"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if queue == "" {
		return nil, errors.New("queue name is required")
	}
	o := options{clock: system.New()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[T]{pool: pool, clock: o.clock, table: table, queue: queue}, nil
}

// Close releases the pool if the Store created it.
func (s *Store[T]) Close() {
	if s == nil || s.pool == nil || !s.owned {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the state and settings tables when missing.
func (s *Store[T]) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %s_seq`, s.table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	queue       TEXT NOT NULL,
	id          TEXT NOT NULL,
	state       TEXT NOT NULL,
	payload     JSONB,
	seq         BIGINT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (queue, id)
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_state_idx ON %s (queue, state, seq)`, s.table, s.table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_settings (
	queue                  TEXT PRIMARY KEY,
	success_expiry_seconds BIGINT NOT NULL DEFAULT 600,
	failure_expiry_seconds BIGINT NOT NULL DEFAULT 600
)`, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
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
	query := fmt.Sprintf(`
INSERT INTO %[1]s (queue, id, state, payload, seq, recorded_at)
VALUES ($1, $2, $3, $4, nextval('%[1]s_seq'), $5)
ON CONFLICT (queue, id) DO UPDATE SET
	state = EXCLUDED.state,
	payload = EXCLUDED.payload,
	seq = CASE WHEN %[1]s.state = EXCLUDED.state THEN %[1]s.seq ELSE EXCLUDED.seq END,
	recorded_at = EXCLUDED.recorded_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, s.queue, id, string(taskstore.StatePending), data, s.clock.Now()); err != nil {
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
	if err := s.upsert(ctx, id, taskstore.StateInProgress, data); err != nil {
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
	query := fmt.Sprintf(`
UPDATE %[1]s SET state = $1, seq = nextval('%[1]s_seq')
WHERE queue = $2 AND state = $3 AND recorded_at < $4
RETURNING id`, s.table)
	cutoff := s.clock.Now().Add(-maxAge)
	rows, err := s.pool.Query(ctx, query,
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
	if err := s.upsert(ctx, id, taskstore.StateSucceeded, nil); err != nil {
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
	if err := s.upsert(ctx, id, taskstore.StateFailed, nil); err != nil {
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
	query := fmt.Sprintf(`
DELETE FROM %s
WHERE queue = $1 AND (
	(state = $2 AND recorded_at < $3) OR
	(state = $4 AND recorded_at < $5)
)`, s.table)
	_, err = s.pool.Exec(ctx, query, s.queue,
		string(taskstore.StateSucceeded), now.Add(-success),
		string(taskstore.StateFailed), now.Add(-failure))
	if err != nil {
		return fmt.Errorf("remove expired history: %w", err)
	}
	return nil
}

func (s *Store[T]) ids(ctx context.Context, state taskstore.State) ([]string, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE queue = $1 AND state = $2 ORDER BY seq`, s.table)
	rows, err := s.pool.Query(ctx, query, s.queue, string(state))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", state, err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", state, err)
	}
	return ids, nil
}

func (s *Store[T]) upsert(ctx context.Context, id string, state taskstore.State, data []byte) error {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (queue, id, state, payload, seq, recorded_at)
VALUES ($1, $2, $3, $4, nextval('%[1]s_seq'), $5)
ON CONFLICT (queue, id) DO UPDATE SET
	state = EXCLUDED.state,
	payload = EXCLUDED.payload,
	seq = EXCLUDED.seq,
	recorded_at = EXCLUDED.recorded_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, s.queue, id, string(state), data, s.clock.Now()); err != nil {
		return fmt.Errorf("upsert %s: %w", state, err)
	}
	return nil
}

func (s *Store[T]) take(ctx context.Context, state taskstore.State, id string) (T, error) {
	var payload T
	query := fmt.Sprintf(`DELETE FROM %s WHERE queue = $1 AND id = $2 AND state = $3 RETURNING payload`, s.table)
	var raw []byte
	err := s.pool.QueryRow(ctx, query, s.queue, id, string(state)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return payload, taskstore.ErrNotFound
	}
	if err != nil {
		return payload, fmt.Errorf("remove %s: %w", state, err)
	}
	if len(raw) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}

func (s *Store[T]) forget(ctx context.Context, state taskstore.State, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE queue = $1 AND id = $2 AND state = $3`, s.table)
	if _, err := s.pool.Exec(ctx, query, s.queue, id, string(state)); err != nil {
		return fmt.Errorf("remove %s: %w", state, err)
	}
	return nil
}

func (s *Store[T]) expiries(ctx context.Context) (time.Duration, time.Duration, error) {
	query := fmt.Sprintf(
		`SELECT success_expiry_seconds, failure_expiry_seconds FROM %s_settings WHERE queue = $1`, s.table)
	var success, failure int64
	err := s.pool.QueryRow(ctx, query, s.queue).Scan(&success, &failure)
	if errors.Is(err, pgx.ErrNoRows) {
		return taskstore.DefaultExpiry, taskstore.DefaultExpiry, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read expiry settings: %w", err)
	}
	return time.Duration(success) * time.Second, time.Duration(failure) * time.Second, nil
}

func (s *Store[T]) setExpiry(ctx context.Context, column string, d time.Duration) error {
	query := fmt.Sprintf(`
INSERT INTO %[1]s_settings (queue, %[2]s) VALUES ($1, $2)
ON CONFLICT (queue) DO UPDATE SET %[2]s = EXCLUDED.%[2]s`, s.table, column)
	seconds := int64(taskstore.NormalizeExpiry(d) / time.Second)
	if _, err := s.pool.Exec(ctx, query, s.queue, seconds); err != nil {
		return fmt.Errorf("write %s: %w", column, err)
	}
	return nil
}

func collectIDs(rows pgx.Rows) ([]string, error) {
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
