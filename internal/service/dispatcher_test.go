package service

import (
	"context"
	"testing"
	"time"

	"github.com/mkravn/callfence/internal/core"
	"github.com/mkravn/callfence/internal/snapshot"
	"github.com/mkravn/callfence/internal/storage"
	"github.com/stretchr/testify/require"
)

func seedPendingEntries(t *testing.T, store *storage.BoltEntryStore, patterns []string, action core.Action) {
	t.Helper()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, p := range patterns {
		ts := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Upsert(context.Background(),
			core.NewRemoteEntry(p, action, "", "list", "v1", &ts)))
	}
}

func TestDispatcherResetFirstThenApply(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newTestStore(t)
	seedPendingEntries(t, store, []string{
		"+33611111111", "+33622222222", "+33633333333",
	}, core.ActionBlock)

	d, reloader := newTestDispatcher(t, store, &DispatcherOptions{
		ChunkSize:    2,
		NumberBudget: 100,
	})

	require.NoError(t, d.Drain(ctx))

	require.NotEmpty(t, reloader.chunks)
	require.Equal(t, snapshot.OperationReset, reloader.chunks[0].Operation)
	require.Equal(t, 1, reloader.resetCount())
	require.ElementsMatch(t, []string{
		"+33611111111", "+33622222222", "+33633333333",
	}, reloader.numbers())

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)

	meta, err := store.LoadMeta(ctx)
	require.NoError(t, err)
	require.True(t, meta.ResetDelivered)

	// A later drain of new entries must not reset again.
	seedPendingEntries(t, store, []string{"+33644444444"}, core.ActionBlock)
	require.NoError(t, d.Drain(ctx))
	require.Equal(t, 1, reloader.resetCount())
}

func TestDispatcherNumberBudgetSubChunking(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newTestStore(t)
	// 1000 expanded numbers against a budget of 300: four slot writes.
	seedPendingEntries(t, store, []string{"+33600###"}, core.ActionBlock)

	d, reloader := newTestDispatcher(t, store, &DispatcherOptions{
		ChunkSize:    10,
		NumberBudget: 300,
	})

	var events []ProgressEvent
	d.onProgress = func(e ProgressEvent) { events = append(events, e) }

	require.NoError(t, d.Drain(ctx))

	applies := reloader.applyChunks()
	require.Len(t, applies, 4)
	for _, c := range applies {
		require.LessOrEqual(t, len(c.Items), 300)
	}
	nums := reloader.numbers()
	require.Len(t, nums, 1000)
	require.Equal(t, "+33600000", nums[0])
	require.Equal(t, "+33600999", nums[999])

	// The entry finishes only with the batch holding its last number.
	require.Equal(t, ProgressEvent{Flushed: 1, Total: 1}, events[len(events)-1])
	for _, e := range events[:len(events)-1] {
		require.Zero(t, e.Flushed)
	}
}

func TestDispatcherResumesAfterFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newTestStore(t)
	seedPendingEntries(t, store, []string{"+33600###"}, core.ActionBlock)

	d, reloader := newTestDispatcher(t, store, &DispatcherOptions{
		ChunkSize:    10,
		NumberBudget: 300,
	})

	// Call 1 is the reset; call 3 dies mid-pattern.
	reloader.failOnCall = 3
	err := d.Drain(ctx)
	require.Error(t, err)

	pending, perr := store.CountPending(ctx)
	require.NoError(t, perr)
	require.Equal(t, 1, pending)

	// The retry re-sends the whole entry but never the reset.
	require.NoError(t, d.Drain(ctx))
	require.Equal(t, 1, reloader.resetCount())

	pending, perr = store.CountPending(ctx)
	require.NoError(t, perr)
	require.Zero(t, pending)

	// The last 1000 numbers delivered are the complete expansion.
	nums := reloader.numbers()
	require.GreaterOrEqual(t, len(nums), 1000)
	tail := nums[len(nums)-1000:]
	require.Equal(t, "+33600000", tail[0])
	require.Equal(t, "+33600999", tail[999])
}

func TestDispatcherNeverResendsCompletedEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newTestStore(t)
	seedPendingEntries(t, store, []string{
		"+33611111111", "+33622222222", "+33633333333",
	}, core.ActionBlock)

	d, reloader := newTestDispatcher(t, store, &DispatcherOptions{
		ChunkSize:    1,
		NumberBudget: 10,
	})

	// Reset is call 1, first entry call 2; the second entry's reload
	// dies before acking.
	reloader.failOnCall = 3
	require.Error(t, d.Drain(ctx))

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pending)

	require.NoError(t, d.Drain(ctx))

	pending, err = store.CountPending(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)

	// The first entry went out exactly once, no duplicate completions.
	counts := map[string]int{}
	for _, n := range reloader.numbers() {
		counts[n]++
	}
	require.Equal(t, map[string]int{
		"+33611111111": 1,
		"+33622222222": 1,
		"+33633333333": 1,
	}, counts)
}

func TestDispatcherWireSemantics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	block := core.NewRemoteEntry("+3361234567#", core.ActionBlock, "spam", "list", "v1", &base)
	identify := core.NewRemoteEntry("+3371234###", core.ActionIdentify, "telemarketing", "list", "v1", &base)
	removed := core.NewUserEntry("+33811111111", core.ActionBlock, "", &base)
	removed.Action = core.ActionRemove
	for _, e := range []*core.Entry{block, identify, removed} {
		require.NoError(t, store.Upsert(ctx, e))
	}

	d, reloader := newTestDispatcher(t, store, &DispatcherOptions{
		ChunkSize:    10,
		NumberBudget: 50,
	})
	require.NoError(t, d.Drain(ctx))

	byAction := map[string][]string{}
	for _, c := range reloader.applyChunks() {
		for _, item := range c.Items {
			byAction[item.Action] = append(byAction[item.Action], item.Number)
		}
	}
	// Block patterns expand to literal numbers.
	require.Len(t, byAction[snapshot.WireActionBlock], 10)
	require.Contains(t, byAction[snapshot.WireActionBlock], "+33612345670")
	// Identify patterns travel un-expanded.
	require.Equal(t, []string{"+3371234###"}, byAction[snapshot.WireActionIdentify])
	// Removal is a single instruction carrying the pattern.
	require.Equal(t, []string{"+33811111111"}, byAction[snapshot.WireActionRemove])

	// The removed entry is physically gone; the rest are completed.
	_, err := store.Find(ctx, "+33811111111")
	require.ErrorIs(t, err, core.NewEntryNotFoundError("+33811111111", "test"))
	count, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestDispatcherSupersededAborts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newTestStore(t)
	seedPendingEntries(t, store, []string{"+33611111111", "+33622222222"}, core.ActionBlock)

	slot := newTestSlot(t)
	reloader := &consumingReloader{slot: slot}
	superseded := false
	d, err := NewDispatcher(store, store, slot, reloader, &DispatcherOptions{
		ChunkSize:    1,
		NumberBudget: 10,
		Superseded:   func() bool { return superseded },
	}, nil, nil)
	require.NoError(t, err)

	superseded = true
	require.ErrorIs(t, d.Drain(ctx), ErrSuperseded)

	pending, perr := store.CountPending(ctx)
	require.NoError(t, perr)
	require.Equal(t, 2, pending)
	require.Empty(t, reloader.chunks)
}

func TestDispatcherNoPendingIsNoop(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	d, reloader := newTestDispatcher(t, store, &DispatcherOptions{
		ChunkSize:    1,
		NumberBudget: 1,
	})

	require.NoError(t, d.Drain(context.Background()))
	require.Empty(t, reloader.chunks)
}

func TestDispatcherOptionsValidated(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	slot := newTestSlot(t)
	reloader := &consumingReloader{slot: slot}

	_, err := NewDispatcher(store, store, slot, reloader, &DispatcherOptions{
		ChunkSize:    0,
		NumberBudget: 10,
	}, nil, nil)
	require.Error(t, err)

	_, err = NewDispatcher(store, store, slot, reloader, &DispatcherOptions{
		ChunkSize:    10,
		NumberBudget: 0,
	}, nil, nil)
	require.Error(t, err)
}
