// Package redis implements a taskstore backed by Redis so several crawler
// processes can share one queue's bookkeeping.
//
// Layout under the namespace prefix:
//
//	<ns>:pending          ZSET id -> enqueue sequence
//	<ns>:pending:data     HASH id -> JSON payload
//	<ns>:inprogress       ZSET id -> start time (unix ms)
//	<ns>:inprogress:data  HASH id -> JSON payload
//	<ns>:succeeded        ZSET id -> record time (unix ms)
//	<ns>:failed           ZSET id -> record time (unix ms)
//	<ns>:seq              counter for pending order
//	<ns>:settings         HASH of expiry seconds
//
// Multi-key mutations run as Lua scripts or MULTI/EXEC so concurrent callers
// never observe a half-moved task.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/tubecrawler/internal/clock/system"
	"github.com/JakeFAU/tubecrawler/internal/taskstore"
)

const (
	fieldSuccessExpiry = "success_expiry_seconds"
	fieldFailureExpiry = "failure_expiry_seconds"
)

var addPendingScript = goredis.NewScript(`
local seq = redis.call('INCR', KEYS[3])
redis.call('ZADD', KEYS[1], 'NX', seq, ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return seq
`)

var takeScript = goredis.NewScript(`
local payload = redis.call('HGET', KEYS[2], ARGV[1])
if not payload then
  return false
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
return payload
`)

var requeueStaleScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(ids) do
  local payload = redis.call('HGET', KEYS[2], id)
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', KEYS[2], id)
  local seq = redis.call('INCR', KEYS[5])
  redis.call('ZADD', KEYS[3], seq, id)
  if payload then
    redis.call('HSET', KEYS[4], id, payload)
  end
end
return ids
`)

// Client is the subset of go-redis the store needs.
type Client interface {
	goredis.Cmdable
	goredis.Scripter
}

// Store keeps task state in Redis. The caller owns the client.
type Store[T any] struct {
	client Client
	clock  taskstore.Clock
	keys   keySet
}

type keySet struct {
	pending, pendingData       string
	inProgress, inProgressData string
	succeeded, failed          string
	seq, settings              string
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

// New returns a Store that keeps its keys under namespace.
func New[T any](client Client, namespace string, opts ...Option) (*Store[T], error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, errors.New("redis namespace is required")
	}
	o := options{clock: system.New()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[T]{
		client: client,
		clock:  o.clock,
		keys: keySet{
			pending:        namespace + ":pending",
			pendingData:    namespace + ":pending:data",
			inProgress:     namespace + ":inprogress",
			inProgressData: namespace + ":inprogress:data",
			succeeded:      namespace + ":succeeded",
			failed:         namespace + ":failed",
			seq:            namespace + ":seq",
			settings:       namespace + ":settings",
		},
	}, nil
}

// PendingIDs returns pending ids in enqueue order.
func (s *Store[T]) PendingIDs(ctx context.Context) ([]string, error) {
	return s.members(ctx, s.keys.pending)
}

// InProgressIDs returns in-progress ids ordered by start time.
func (s *Store[T]) InProgressIDs(ctx context.Context) ([]string, error) {
	return s.members(ctx, s.keys.inProgress)
}

// SucceededIDs returns remembered succeeded ids.
func (s *Store[T]) SucceededIDs(ctx context.Context) ([]string, error) {
	return s.members(ctx, s.keys.succeeded)
}

// FailedIDs returns remembered failed ids.
func (s *Store[T]) FailedIDs(ctx context.Context) ([]string, error) {
	return s.members(ctx, s.keys.failed)
}

// AddPending appends id to the pending order. Re-adding keeps the original position.
func (s *Store[T]) AddPending(ctx context.Context, id string, payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	keys := []string{s.keys.pending, s.keys.pendingData, s.keys.seq}
	if err := addPendingScript.Run(ctx, s.client, keys, id, data).Err(); err != nil {
		return fmt.Errorf("add pending: %w", err)
	}
	return nil
}

// RemovePending atomically removes id from pending and returns its payload.
func (s *Store[T]) RemovePending(ctx context.Context, id string) (T, error) {
	return s.take(ctx, s.keys.pending, s.keys.pendingData, id)
}

// AddInProgress records id as started now.
func (s *Store[T]) AddInProgress(ctx context.Context, id string, payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	score := float64(s.clock.Now().UnixMilli())
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAdd(ctx, s.keys.inProgress, goredis.Z{Score: score, Member: id})
		pipe.HSet(ctx, s.keys.inProgressData, id, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add in progress: %w", err)
	}
	return nil
}

// RemoveInProgress atomically removes id from in-progress and returns its payload.
func (s *Store[T]) RemoveInProgress(ctx context.Context, id string) (T, error) {
	return s.take(ctx, s.keys.inProgress, s.keys.inProgressData, id)
}

// MoveStaleInProgressToPending requeues tasks started more than maxAge ago.
func (s *Store[T]) MoveStaleInProgressToPending(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := s.clock.Now().Add(-maxAge).UnixMilli()
	keys := []string{s.keys.inProgress, s.keys.inProgressData, s.keys.pending, s.keys.pendingData, s.keys.seq}
	ids, err := requeueStaleScript.Run(ctx, s.client, keys, cutoff).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("requeue stale: %w", err)
	}
	return ids, nil
}

// AddSucceeded remembers id as succeeded now.
func (s *Store[T]) AddSucceeded(ctx context.Context, id string) error {
	return s.record(ctx, s.keys.succeeded, id)
}

// RemoveSucceeded forgets a succeeded id.
func (s *Store[T]) RemoveSucceeded(ctx context.Context, id string) error {
	if err := s.client.ZRem(ctx, s.keys.succeeded, id).Err(); err != nil {
		return fmt.Errorf("remove succeeded: %w", err)
	}
	return nil
}

// AddFailed remembers id as failed now.
func (s *Store[T]) AddFailed(ctx context.Context, id string) error {
	return s.record(ctx, s.keys.failed, id)
}

// RemoveFailed forgets a failed id.
func (s *Store[T]) RemoveFailed(ctx context.Context, id string) error {
	if err := s.client.ZRem(ctx, s.keys.failed, id).Err(); err != nil {
		return fmt.Errorf("remove failed: %w", err)
	}
	return nil
}

// SuccessExpiry returns how long succeeded ids are remembered.
func (s *Store[T]) SuccessExpiry(ctx context.Context) (time.Duration, error) {
	return s.expiry(ctx, fieldSuccessExpiry)
}

// SetSuccessExpiry sets how long succeeded ids are remembered.
func (s *Store[T]) SetSuccessExpiry(ctx context.Context, d time.Duration) error {
	return s.setExpiry(ctx, fieldSuccessExpiry, d)
}

// FailureExpiry returns how long failed ids are remembered.
func (s *Store[T]) FailureExpiry(ctx context.Context) (time.Duration, error) {
	return s.expiry(ctx, fieldFailureExpiry)
}

// SetFailureExpiry sets how long failed ids are remembered.
func (s *Store[T]) SetFailureExpiry(ctx context.Context, d time.Duration) error {
	return s.setExpiry(ctx, fieldFailureExpiry, d)
}

// RemoveExpiredHistory drops succeeded and failed ids past their expiry.
func (s *Store[T]) RemoveExpiredHistory(ctx context.Context) error {
	success, err := s.SuccessExpiry(ctx)
	if err != nil {
		return err
	}
	failure, err := s.FailureExpiry(ctx)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, s.keys.succeeded, "-inf", exclusive(now.Add(-success)))
		pipe.ZRemRangeByScore(ctx, s.keys.failed, "-inf", exclusive(now.Add(-failure)))
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove expired history: %w", err)
	}
	return nil
}

func (s *Store[T]) members(ctx context.Context, key string) ([]string, error) {
	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}
	return ids, nil
}

func (s *Store[T]) take(ctx context.Context, setKey, dataKey, id string) (T, error) {
	var payload T
	raw, err := takeScript.Run(ctx, s.client, []string{setKey, dataKey}, id).Text()
	if errors.Is(err, goredis.Nil) {
		return payload, taskstore.ErrNotFound
	}
	if err != nil {
		return payload, fmt.Errorf("take %s: %w", setKey, err)
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return payload, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}

func (s *Store[T]) record(ctx context.Context, key, id string) error {
	score := float64(s.clock.Now().UnixMilli())
	if err := s.client.ZAdd(ctx, key, goredis.Z{Score: score, Member: id}).Err(); err != nil {
		return fmt.Errorf("record %s: %w", key, err)
	}
	return nil
}

func (s *Store[T]) expiry(ctx context.Context, field string) (time.Duration, error) {
	raw, err := s.client.HGet(ctx, s.keys.settings, field).Result()
	if errors.Is(err, goredis.Nil) {
		return taskstore.DefaultExpiry, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", field, err)
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return time.Duration(seconds) * time.Second, nil
}

func (s *Store[T]) setExpiry(ctx context.Context, field string, d time.Duration) error {
	seconds := int64(taskstore.NormalizeExpiry(d) / time.Second)
	if err := s.client.HSet(ctx, s.keys.settings, field, seconds).Err(); err != nil {
		return fmt.Errorf("write %s: %w", field, err)
	}
	return nil
}

func exclusive(t time.Time) string {
	return "(" + strconv.FormatInt(t.UnixMilli(), 10)
}
