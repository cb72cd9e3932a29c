// Package storetest holds the behavioural suite every taskstore backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tubecrawler/internal/clock/manual"
	"github.com/JakeFAU/tubecrawler/internal/taskstore"
)

// Payload is the task payload the suite stores. It round-trips through JSON.
type Payload struct {
	URL     string `json:"url"`
	Attempt int    `json:"attempt"`
}

// Factory builds an empty store that reads time from clk.
type Factory func(t *testing.T, clk *manual.Clock) taskstore.Store[Payload]

// Epoch is the instant every suite clock starts at.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises newStore against the full store contract.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s taskstore.Store[Payload], clk *manual.Clock)
	}{
		{"PendingKeepsInsertionOrder", testPendingOrder},
		{"RemovePendingReturnsPayload", testRemovePending},
		{"InProgressRoundTrip", testInProgress},
		{"StaleInProgressMovesBack", testStaleReclaim},
		{"HistoryExpiresStrictly", testHistoryExpiry},
		{"HistoryRemoval", testHistoryRemoval},
		{"ExpiryDefaultsAndNormalization", testExpirySettings},
		{"ConcurrentAddsAreSafe", testConcurrentAdds},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			clk := manual.New(Epoch)
			tc.fn(t, newStore(t, clk), clk)
		})
	}
}

func testPendingOrder(t *testing.T, s taskstore.Store[Payload], _ *manual.Clock) {
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.AddPending(ctx, id, Payload{URL: id}))
	}
	ids, err := s.PendingIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, ids)

	_, err = s.RemovePending(ctx, "b")
	require.NoError(t, err)
	require.NoError(t, s.AddPending(ctx, "d", Payload{URL: "d"}))

	ids, err = s.PendingIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c", "d"}, ids)
}

func testRemovePending(t *testing.T, s taskstore.Store[Payload], _ *manual.Clock) {
	ctx := context.Background()
	want := Payload{URL: "https://example.com/watch?v=1", Attempt: 2}
	require.NoError(t, s.AddPending(ctx, "v1", want))

	got, err := s.RemovePending(ctx, "v1")
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = s.RemovePending(ctx, "v1")
	require.ErrorIs(t, err, taskstore.ErrNotFound)

	ids, err := s.PendingIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func testInProgress(t *testing.T, s taskstore.Store[Payload], _ *manual.Clock) {
	ctx := context.Background()
	want := Payload{URL: "u", Attempt: 1}
	require.NoError(t, s.AddInProgress(ctx, "x", want))

	ids, err := s.InProgressIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, ids)

	got, err := s.RemoveInProgress(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = s.RemoveInProgress(ctx, "x")
	require.ErrorIs(t, err, taskstore.ErrNotFound)
}

func testStaleReclaim(t *testing.T, s taskstore.Store[Payload], clk *manual.Clock) {
	ctx := context.Background()
	require.NoError(t, s.AddInProgress(ctx, "old", Payload{URL: "old"}))
	clk.Advance(10 * time.Second)
	require.NoError(t, s.AddInProgress(ctx, "new", Payload{URL: "new"}))
	clk.Advance(time.Second)

	moved, err := s.MoveStaleInProgressToPending(ctx, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, []string{"old"}, moved)

	ids, err := taskstore.Snapshot(ctx, s)
	require.NoError(t, err)
	require.Equal(t, []string{"old"}, ids.Pending)
	require.Equal(t, []string{"new"}, ids.InProgress)

	payload, err := s.RemovePending(ctx, "old")
	require.NoError(t, err)
	require.Equal(t, "old", payload.URL)
}

func testHistoryExpiry(t *testing.T, s taskstore.Store[Payload], clk *manual.Clock) {
	ctx := context.Background()
	require.NoError(t, s.SetSuccessExpiry(ctx, 10*time.Second))
	require.NoError(t, s.SetFailureExpiry(ctx, 20*time.Second))
	require.NoError(t, s.AddSucceeded(ctx, "ok"))
	require.NoError(t, s.AddFailed(ctx, "bad"))

	clk.Advance(10 * time.Second)
	require.NoError(t, s.RemoveExpiredHistory(ctx))
	ids, err := taskstore.Snapshot(ctx, s)
	require.NoError(t, err)
	require.Equal(t, []string{"ok"}, ids.Succeeded)
	require.Equal(t, []string{"bad"}, ids.Failed)

	clk.Advance(time.Second)
	require.NoError(t, s.RemoveExpiredHistory(ctx))
	ids, err = taskstore.Snapshot(ctx, s)
	require.NoError(t, err)
	require.Empty(t, ids.Succeeded)
	require.Equal(t, []string{"bad"}, ids.Failed)

	clk.Advance(10 * time.Second)
	require.NoError(t, s.RemoveExpiredHistory(ctx))
	ids, err = taskstore.Snapshot(ctx, s)
	require.NoError(t, err)
	require.Empty(t, ids.Failed)
}

func testHistoryRemoval(t *testing.T, s taskstore.Store[Payload], _ *manual.Clock) {
	ctx := context.Background()
	require.NoError(t, s.AddSucceeded(ctx, "a"))
	require.NoError(t, s.AddFailed(ctx, "b"))
	require.NoError(t, s.RemoveSucceeded(ctx, "a"))
	require.NoError(t, s.RemoveFailed(ctx, "b"))
	require.NoError(t, s.RemoveFailed(ctx, "never-added"))

	ids, err := taskstore.Snapshot(ctx, s)
	require.NoError(t, err)
	require.Empty(t, ids.All())
}

func testExpirySettings(t *testing.T, s taskstore.Store[Payload], _ *manual.Clock) {
	ctx := context.Background()
	success, err := s.SuccessExpiry(ctx)
	require.NoError(t, err)
	require.Equal(t, taskstore.DefaultExpiry, success)
	failure, err := s.FailureExpiry(ctx)
	require.NoError(t, err)
	require.Equal(t, taskstore.DefaultExpiry, failure)

	require.NoError(t, s.SetSuccessExpiry(ctx, -3*time.Second))
	require.NoError(t, s.SetFailureExpiry(ctx, 2500*time.Millisecond))

	success, err = s.SuccessExpiry(ctx)
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), success)
	failure, err = s.FailureExpiry(ctx)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, failure)
}

func testConcurrentAdds(t *testing.T, s taskstore.Store[Payload], _ *manual.Clock) {
	ctx := context.Background()
	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("task-%02d", i)
			assert.NoError(t, s.AddPending(ctx, id, Payload{Attempt: i}))
			_, err := s.RemovePending(ctx, id)
			assert.NoError(t, err)
			assert.NoError(t, s.AddInProgress(ctx, id, Payload{Attempt: i}))
		}(i)
	}
	wg.Wait()

	ids, err := taskstore.Snapshot(ctx, s)
	require.NoError(t, err)
	require.Empty(t, ids.Pending)
	require.Len(t, ids.InProgress, n)
}
