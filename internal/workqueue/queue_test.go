package workqueue

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/tubecrawler/internal/clock/manual"
	"github.com/JakeFAU/tubecrawler/internal/taskstore"
	"github.com/JakeFAU/tubecrawler/internal/taskstore/memory"
)

const waitFor = 2 * time.Second

func newQueue[T, R any](t *testing.T, cfg Config[T, R]) *Queue[T, R] {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	q, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q
}

func waitIdle[T, R any](t *testing.T, q *Queue[T, R]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, q.AllDone(ctx))
}

func TestDispatchIsFIFO(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var started, succeeded []string
	gates := map[string]chan struct{}{
		"A": make(chan struct{}),
		"B": make(chan struct{}),
		"C": make(chan struct{}),
	}

	q := newQueue(t, Config[string, string]{
		Concurrency: 2,
		Worker: func(_ context.Context, payload, id string) (string, error) {
			<-gates[id]
			return payload, nil
		},
		OnStart: func(e StartEvent[string, string]) {
			mu.Lock()
			started = append(started, e.ID)
			mu.Unlock()
		},
		OnSuccess: func(e SuccessEvent[string, string]) {
			mu.Lock()
			succeeded = append(succeeded, e.ID)
			mu.Unlock()
		},
	})
	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		added, err := q.Enqueue(ctx, id, id)
		require.NoError(t, err)
		require.True(t, added)
	}

	mu.Lock()
	require.Equal(t, []string{"A", "B"}, started)
	mu.Unlock()

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"C"}, stats.Pending)
	require.ElementsMatch(t, []string{"A", "B"}, stats.InProgress)

	// C is admitted once B frees a slot, then finishes before A.
	close(gates["B"])
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(started) == 3
	}, waitFor, time.Millisecond)
	close(gates["C"])
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(succeeded) == 2
	}, waitFor, time.Millisecond)
	close(gates["A"])
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"A", "B", "C"}, started)
	require.Equal(t, []string{"B", "C", "A"}, succeeded)
}

func TestConcurrencyCapIsRespected(t *testing.T) {
	t.Parallel()

	var active, peak atomic.Int64
	q := newQueue(t, Config[int, struct{}]{
		Concurrency: 3,
		Worker: func(context.Context, int, string) (struct{}, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			active.Add(-1)
			return struct{}{}, nil
		},
	})
	ctx := context.Background()
	for i := range 40 {
		_, err := q.Enqueue(ctx, fmt.Sprintf("task-%d", i), i)
		require.NoError(t, err)
	}
	waitIdle(t, q)

	require.LessOrEqual(t, peak.Load(), int64(3))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Succeeded, 40)
}

func TestConcurrencyCapWithSimultaneousEnqueues(t *testing.T) {
	t.Parallel()

	var active, peak atomic.Int64
	release := make(chan struct{})
	q := newQueue(t, Config[int, struct{}]{
		Concurrency: 3,
		Worker: func(context.Context, int, string) (struct{}, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			active.Add(-1)
			return struct{}{}, nil
		},
	})
	ctx := context.Background()

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := q.Enqueue(ctx, fmt.Sprintf("task-%d", i), i)
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.InProgress, 3)
	require.Len(t, stats.Pending, 9)

	close(release)
	waitIdle(t, q)

	require.LessOrEqual(t, peak.Load(), int64(3))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Succeeded, 12)
}

func TestDuplicateEnqueueIsNoop(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	q := newQueue(t, Config[string, string]{
		Worker: func(_ context.Context, p, _ string) (string, error) {
			calls.Add(1)
			return p, nil
		},
	})
	ctx := context.Background()

	added, err := q.Enqueue(ctx, "v1", "first")
	require.NoError(t, err)
	require.True(t, added)
	waitIdle(t, q)

	added, err = q.Enqueue(ctx, "v1", "second")
	require.NoError(t, err)
	require.False(t, added)
	waitIdle(t, q)

	require.Equal(t, int64(1), calls.Load())
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"v1"}, stats.Succeeded)
}

func TestReenqueueAfterHistoryExpires(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New[string](memory.WithClock(clk))
	expiry := 10 * time.Second

	var calls atomic.Int64
	q := newQueue(t, Config[string, string]{
		Store:         store,
		SuccessExpiry: &expiry,
		Worker: func(_ context.Context, p, _ string) (string, error) {
			calls.Add(1)
			return p, nil
		},
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "v1", "x")
	require.NoError(t, err)
	waitIdle(t, q)

	clk.Advance(expiry)
	added, err := q.Enqueue(ctx, "v1", "x")
	require.NoError(t, err)
	require.False(t, added, "history is kept until strictly past the expiry")

	clk.Advance(time.Second)
	added, err = q.Enqueue(ctx, "v1", "x")
	require.NoError(t, err)
	require.True(t, added)
	waitIdle(t, q)
	require.Equal(t, int64(2), calls.Load())
}

func TestFailureIsIsolated(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	var failures, successes atomic.Int64
	var failedErr atomic.Value

	q := newQueue(t, Config[string, string]{
		Worker: func(_ context.Context, p, id string) (string, error) {
			if id == "bad" {
				return "", boom
			}
			return p, nil
		},
		OnSuccess: func(SuccessEvent[string, string]) { successes.Add(1) },
		OnFail: func(e FailEvent[string, string]) {
			failures.Add(1)
			failedErr.Store(e.Err)
		},
	})
	ctx := context.Background()
	for _, id := range []string{"good-1", "bad", "good-2"} {
		_, err := q.Enqueue(ctx, id, id)
		require.NoError(t, err)
	}
	waitIdle(t, q)

	require.Equal(t, int64(1), failures.Load())
	require.Equal(t, int64(2), successes.Load())
	require.ErrorIs(t, failedErr.Load().(error), boom)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"bad"}, stats.Failed)
	require.ElementsMatch(t, []string{"good-1", "good-2"}, stats.Succeeded)
}

func TestWorkerPanicBecomesTaskFailure(t *testing.T) {
	t.Parallel()

	errs := make(chan error, 1)
	q := newQueue(t, Config[string, string]{
		Worker: func(context.Context, string, string) (string, error) {
			panic("kaboom")
		},
		OnFail: func(e FailEvent[string, string]) { errs <- e.Err },
	})
	_, err := q.Enqueue(context.Background(), "p", "p")
	require.NoError(t, err)

	select {
	case got := <-errs:
		require.ErrorIs(t, got, ErrTaskFailed)
		require.ErrorContains(t, got, "kaboom")
	case <-time.After(waitFor):
		t.Fatal("OnFail was not called")
	}
	waitIdle(t, q)
}

func TestDuplicateWarningOncePerAttempt(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	release := make(chan struct{})
	q := newQueue(t, Config[string, string]{
		Logger:                 zap.New(core),
		WarnOnDuplicateEnqueue: true,
		Worker: func(_ context.Context, p, _ string) (string, error) {
			<-release
			return p, nil
		},
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "v1", "x")
	require.NoError(t, err)
	added, err := q.Enqueue(ctx, "v1", "x")
	require.NoError(t, err)
	require.False(t, added)

	entries := logs.FilterMessage("duplicate enqueue ignored").All()
	require.Len(t, entries, 1)
	require.Equal(t, string(taskstore.StateInProgress), entries[0].ContextMap()["state"])
	require.Equal(t, "v1", entries[0].ContextMap()["task_id"])

	close(release)
	waitIdle(t, q)

	_, err = q.Enqueue(ctx, "v1", "x")
	require.NoError(t, err)
	entries = logs.FilterMessage("duplicate enqueue ignored").All()
	require.Len(t, entries, 2)
	require.Equal(t, string(taskstore.StateSucceeded), entries[1].ContextMap()["state"])
}

func TestNoWarningWhenDisabled(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	q := newQueue(t, Config[string, string]{
		Logger: zap.New(core),
		Worker: func(_ context.Context, p, _ string) (string, error) { return p, nil },
	})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "v1", "x")
	require.NoError(t, err)
	waitIdle(t, q)
	_, err = q.Enqueue(ctx, "v1", "x")
	require.NoError(t, err)

	require.Zero(t, logs.FilterMessage("duplicate enqueue ignored").Len())
}

func TestStatesAreMutuallyExclusive(t *testing.T) {
	t.Parallel()

	q := newQueue(t, Config[int, int]{
		Concurrency: 4,
		Worker: func(_ context.Context, p int, _ string) (int, error) {
			time.Sleep(time.Millisecond)
			if p%5 == 0 {
				return 0, errors.New("multiple of five")
			}
			return p, nil
		},
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 50 {
			_, err := q.Enqueue(ctx, fmt.Sprintf("t%d", i), i)
			assert.NoError(t, err)
		}
	}()

	for range 20 {
		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		for _, id := range stats.All() {
			require.Len(t, stats.StatesOf(id), 1, "id %s", id)
		}
		time.Sleep(time.Millisecond)
	}
	wg.Wait()
	waitIdle(t, q)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.All(), 50)
	require.Len(t, stats.Failed, 10)
}

func TestEnqueueWithoutWorker(t *testing.T) {
	t.Parallel()

	q := newQueue(t, Config[string, string]{})
	added, err := q.Enqueue(context.Background(), "v1", "x")
	require.True(t, added)
	require.ErrorIs(t, err, ErrWorkerNotConfigured)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"v1"}, stats.Pending)
}

func TestEnqueueRejectsEmptyID(t *testing.T) {
	t.Parallel()

	q := newQueue(t, Config[string, string]{
		ReKey:  func(string) string { return "" },
		Worker: func(_ context.Context, p, _ string) (string, error) { return p, nil },
	})
	_, err := q.Enqueue(context.Background(), "", "x")
	require.ErrorIs(t, err, ErrInvalidTaskID)
	_, err = q.Enqueue(context.Background(), "anything", "x")
	require.ErrorIs(t, err, ErrInvalidTaskID)
}

func TestReKeyDeduplicatesAliases(t *testing.T) {
	t.Parallel()

	var ids []string
	var mu sync.Mutex
	q := newQueue(t, Config[string, string]{
		ReKey: func(id string) string { return "channel/" + id },
		Worker: func(_ context.Context, p, id string) (string, error) {
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
			return p, nil
		},
	})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "UC1", "x")
	require.NoError(t, err)
	waitIdle(t, q)

	require.NoError(t, q.MarkSucceeded(ctx, "UC2"))
	added, err := q.Enqueue(ctx, "UC2", "x")
	require.NoError(t, err)
	require.False(t, added)

	mu.Lock()
	require.Equal(t, []string{"channel/UC1"}, ids)
	mu.Unlock()
}

func TestMarkSucceededLeavesQueuedTasksAlone(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	q := newQueue(t, Config[string, string]{
		Concurrency: 1,
		ReKey:       func(id string) string { return "channel/" + id },
		Worker: func(_ context.Context, p, _ string) (string, error) {
			<-release
			return p, nil
		},
	})
	ctx := context.Background()
	for _, id := range []string{"UC1", "UC2"} {
		_, err := q.Enqueue(ctx, id, "x")
		require.NoError(t, err)
	}

	require.NoError(t, q.MarkSucceeded(ctx, "UC1"))
	require.NoError(t, q.MarkSucceeded(ctx, "UC2"))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, []taskstore.State{taskstore.StateInProgress}, stats.StatesOf("channel/UC1"))
	require.Equal(t, []taskstore.State{taskstore.StatePending}, stats.StatesOf("channel/UC2"))
	require.Empty(t, stats.Succeeded)

	close(release)
	waitIdle(t, q)
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"channel/UC1", "channel/UC2"}, stats.Succeeded)
}

func TestMarkSucceededReplacesFailure(t *testing.T) {
	t.Parallel()

	q := newQueue(t, Config[string, string]{
		ReKey: func(id string) string { return "channel/" + id },
		Worker: func(context.Context, string, string) (string, error) {
			return "", errors.New("not found")
		},
	})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "UC3", "x")
	require.NoError(t, err)
	waitIdle(t, q)

	require.NoError(t, q.MarkSucceeded(ctx, "UC3"))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, []taskstore.State{taskstore.StateSucceeded}, stats.StatesOf("channel/UC3"))
}

func TestAllDoneHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	q := newQueue(t, Config[string, string]{
		Worker: func(_ context.Context, p, _ string) (string, error) {
			<-release
			return p, nil
		},
	})
	_, err := q.Enqueue(context.Background(), "slow", "x")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.AllDone(ctx), context.DeadlineExceeded)
}

func TestAllDoneWaitsForCallbacks(t *testing.T) {
	t.Parallel()

	var finished atomic.Bool
	q := newQueue(t, Config[string, string]{
		Worker: func(_ context.Context, p, _ string) (string, error) { return p, nil },
		OnSuccess: func(SuccessEvent[string, string]) {
			time.Sleep(30 * time.Millisecond)
			finished.Store(true)
		},
	})
	_, err := q.Enqueue(context.Background(), "v1", "x")
	require.NoError(t, err)
	waitIdle(t, q)
	require.True(t, finished.Load())
}

func TestAllDoneResolvesAfterLastCompletion(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var last time.Time
	q := newQueue(t, Config[time.Duration, struct{}]{
		Concurrency: 2,
		Worker: func(_ context.Context, delay time.Duration, _ string) (struct{}, error) {
			time.Sleep(delay)
			return struct{}{}, nil
		},
		OnSuccess: func(SuccessEvent[time.Duration, struct{}]) {
			mu.Lock()
			defer mu.Unlock()
			last = time.Now()
		},
	})
	ctx := context.Background()
	for i := range 5 {
		delay := time.Duration(1+rand.IntN(20)) * time.Millisecond
		_, err := q.Enqueue(ctx, fmt.Sprintf("task-%d", i), delay)
		require.NoError(t, err)
	}
	waitIdle(t, q)
	resolved := time.Now()

	mu.Lock()
	defer mu.Unlock()
	require.False(t, last.IsZero())
	require.False(t, resolved.Before(last))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Succeeded, 5)
	require.Empty(t, stats.InProgress)
	require.Empty(t, stats.Pending)
}

func TestCallbacksCanEnqueueOnOtherQueues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var got sync.Map
	channels := newQueue(t, Config[string, string]{
		Worker: func(_ context.Context, p, id string) (string, error) {
			got.Store(id, p)
			return p, nil
		},
	})
	videos := newQueue(t, Config[string, string]{
		Worker: func(_ context.Context, p, _ string) (string, error) { return "UC-" + p, nil },
		OnSuccess: func(e SuccessEvent[string, string]) {
			_, err := channels.Enqueue(ctx, e.Result, e.ID)
			assert.NoError(t, err)
		},
	})

	_, err := videos.Enqueue(ctx, "v1", "a")
	require.NoError(t, err)
	_, err = videos.Enqueue(ctx, "v2", "a")
	require.NoError(t, err)
	waitIdle(t, videos)
	waitIdle(t, channels)

	v, ok := got.Load("UC-a")
	require.True(t, ok)
	require.Contains(t, []string{"v1", "v2"}, v)
	stats, err := channels.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"UC-a"}, stats.Succeeded)
}

func TestSetConcurrencyFloorsAtOne(t *testing.T) {
	t.Parallel()

	q := newQueue(t, Config[string, string]{Concurrency: -4})
	require.Equal(t, 1, q.Concurrency())
	q.SetConcurrency(0)
	require.Equal(t, 1, q.Concurrency())
	q.SetConcurrency(7)
	require.Equal(t, 7, q.Concurrency())

	def := newQueue(t, Config[string, string]{})
	require.Equal(t, DefaultConcurrency, def.Concurrency())
}

func TestRaisingConcurrencyAppliesOnNextPass(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var started atomic.Int64
	q := newQueue(t, Config[string, string]{
		Concurrency: 1,
		Worker: func(_ context.Context, p, _ string) (string, error) {
			started.Add(1)
			<-release
			return p, nil
		},
	})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "a", "a")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "b", "b")
	require.NoError(t, err)

	q.SetConcurrency(3)
	_, err = q.Enqueue(ctx, "c", "c")
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.InProgress, 3)
	close(release)
	waitIdle(t, q)
}

func TestReclaimStaleRequeuesTasks(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New[string](memory.WithClock(clk))
	require.NoError(t, store.AddInProgress(context.Background(), "orphan", "payload"))

	var ran atomic.Value
	q := newQueue(t, Config[string, string]{
		Store: store,
		Worker: func(_ context.Context, p, _ string) (string, error) {
			ran.Store(p)
			return p, nil
		},
	})

	ids, err := q.ReclaimStale(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Empty(t, ids)

	clk.Advance(2 * time.Minute)
	ids, err = q.ReclaimStale(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"orphan"}, ids)

	require.Eventually(t, func() bool { return ran.Load() == "payload" }, waitFor, 5*time.Millisecond)
	waitIdle(t, q)
}

func TestEnqueueAfterClose(t *testing.T) {
	t.Parallel()

	q, err := New(context.Background(), Config[string, string]{
		Worker: func(_ context.Context, p, _ string) (string, error) { return p, nil },
	})
	require.NoError(t, err)
	require.NoError(t, q.Close(context.Background()))
	require.NoError(t, q.Close(context.Background()))

	_, err = q.Enqueue(context.Background(), "v1", "x")
	require.ErrorIs(t, err, ErrClosed)
}

func TestPruneHistory(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New[string](memory.WithClock(clk))
	expiry := time.Second
	q := newQueue(t, Config[string, string]{
		Store:         store,
		FailureExpiry: &expiry,
		Worker: func(context.Context, string, string) (string, error) {
			return "", errors.New("nope")
		},
	})
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "v1", "x")
	require.NoError(t, err)
	waitIdle(t, q)

	clk.Advance(2 * time.Second)
	require.NoError(t, q.PruneHistory(ctx))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Empty(t, stats.Failed)
}
