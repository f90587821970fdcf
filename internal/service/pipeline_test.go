package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkravn/callfence/internal/core"
	"github.com/mkravn/callfence/internal/filterext"
	"github.com/mkravn/callfence/internal/remote"
	"github.com/mkravn/callfence/internal/storage"
	"github.com/mkravn/callfence/internal/storage/journal"
	"github.com/stretchr/testify/require"
)

type pipelineEnv struct {
	store    *storage.BoltEntryStore
	fetcher  *staticFetcher
	reloader *consumingReloader
	preempt  *Preempt
	jpath    string
	pipeline *Pipeline
}

func newTestPipeline(t *testing.T, fetcher *staticFetcher) *pipelineEnv {
	t.Helper()

	store := newTestStore(t)
	slot := newTestSlot(t)
	reloader := &consumingReloader{slot: slot}
	preempt := &Preempt{}

	dispatcher, err := NewDispatcher(store, store, slot, reloader, &DispatcherOptions{
		ChunkSize:    10,
		NumberBudget: 100,
		Superseded:   preempt.Requested,
	}, nil, nil)
	require.NoError(t, err)

	reconciler, err := NewReconciler(store, nil, nil)
	require.NoError(t, err)

	jpath := filepath.Join(t.TempDir(), "transitions.log")
	jlog, err := journal.NewFileLog(jpath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = jlog.Close() })

	p, err := NewPipeline(store, store, jlog, fetcher, reconciler, dispatcher,
		preempt, "device-1", nil, nil)
	require.NoError(t, err)

	return &pipelineEnv{
		store:    store,
		fetcher:  fetcher,
		reloader: reloader,
		preempt:  preempt,
		jpath:    jpath,
		pipeline: p,
	}
}

func testList(version string, patterns ...string) *remote.List {
	items := make([]remote.Item, 0, len(patterns))
	for _, p := range patterns {
		items = append(items, remote.Item{Pattern: p, Action: "block"})
	}
	return &remote.List{Version: version, Name: "list", Entries: items}
}

func transitionStates(t *testing.T, path string) []core.UpdateState {
	t.Helper()

	trs, err := journal.ReadAll(context.Background(), path)
	require.NoError(t, err)
	states := make([]core.UpdateState, 0, len(trs))
	for _, tr := range trs {
		states = append(states, tr.To)
	}
	return states
}

func TestPipelineRunUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	env := newTestPipeline(t, &staticFetcher{
		list: testList("v1", "+33611111111", "+3362222###"),
	})
	require.NoError(t, env.pipeline.RunUpdate(ctx))

	require.Equal(t, []core.UpdateState{
		core.UpdateStateStarting,
		core.UpdateStateDownloading,
		core.UpdateStateConverting,
		core.UpdateStateInstalling,
		core.UpdateStateIdle,
	}, transitionStates(t, env.jpath))

	st, err := env.pipeline.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, core.UpdateStateIdle, st.State)
	require.Equal(t, "v1", st.InstalledVersion)
	require.Zero(t, st.PendingCount)
	require.Equal(t, 2, st.TotalCount)

	require.Equal(t, 1, env.reloader.resetCount())
	require.Len(t, env.reloader.numbers(), 1+1000)
}

func TestPipelineFetchFailureParksError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fetchErr := core.NewFetchError("list server unreachable", nil, "test")
	env := newTestPipeline(t, &staticFetcher{err: fetchErr})

	require.ErrorIs(t, env.pipeline.RunUpdate(ctx), fetchErr)

	st, err := env.pipeline.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, core.UpdateStateError, st.State)
	require.NotEmpty(t, st.StateReason)

	// The error state is retryable.
	env.fetcher.err = nil
	env.fetcher.list = testList("v1", "+33611111111")
	require.NoError(t, env.pipeline.RunUpdate(ctx))

	st, err = env.pipeline.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, core.UpdateStateIdle, st.State)
	require.Empty(t, st.StateReason)
	require.Equal(t, "v1", st.InstalledVersion)
}

func TestPipelineRefetchKeepsInstalledEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	env := newTestPipeline(t, &staticFetcher{
		list: testList("v1", "+33611111111"),
	})
	require.NoError(t, env.pipeline.RunUpdate(ctx))

	// A user entry lands between two runs of the same remote list.
	ts := time.Now().UTC()
	require.NoError(t, env.store.Upsert(ctx,
		core.NewUserEntry("+33777777777", core.ActionBlock, "mine", &ts)))

	require.NoError(t, env.pipeline.RunUpdate(ctx))

	// Every run leads with a reset, so every run must rebuild the whole
	// table, not just the delta since the last one.
	require.Equal(t, 2, env.reloader.resetCount())

	// Replaying the chunk stream the way the filtering process would
	// must leave both entries in the live table.
	table, err := filterext.OpenTable(ctx, filepath.Join(t.TempDir(), "table.json"))
	require.NoError(t, err)
	for _, chunk := range env.reloader.chunks {
		require.NoError(t, table.Apply(chunk))
	}
	_, ok := table.Classify("+33611111111")
	require.True(t, ok, "installed remote entry survives a re-fetch")
	_, ok = table.Classify("+33777777777")
	require.True(t, ok, "user entry survives a re-fetch")

	pending, err := env.store.CountPending(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestPipelineRemoveEverything(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	env := newTestPipeline(t, &staticFetcher{
		list: testList("v1", "+33611111111", "+33622222222"),
	})
	require.NoError(t, env.pipeline.RunUpdate(ctx))
	require.Equal(t, 1, env.reloader.resetCount())

	require.NoError(t, env.pipeline.RemoveEverything(ctx))

	st, err := env.pipeline.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, core.UpdateStateIdle, st.State)
	require.Zero(t, st.TotalCount)
	require.Empty(t, st.InstalledVersion)
	require.Empty(t, st.AvailableVersion)

	// One extra reset clears the filtering process's table.
	require.Equal(t, 2, env.reloader.resetCount())

	states := transitionStates(t, env.jpath)
	require.Equal(t, core.UpdateStateIdle, states[len(states)-1])
	require.Equal(t, core.UpdateStateRemoving, states[len(states)-2])
}

func TestPipelineSupersededLeavesInstalling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	env := newTestPipeline(t, &staticFetcher{
		list: testList("v1", "+33611111111"),
	})

	env.preempt.Request()
	require.NoError(t, env.pipeline.RunUpdate(ctx), "supersession is a clean abort")

	st, err := env.pipeline.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, core.UpdateStateInstalling, st.State)
	require.Equal(t, 1, st.PendingCount)

	// The removal that raised the flag finishes the story.
	require.NoError(t, env.pipeline.RemoveEverything(ctx))
	st, err = env.pipeline.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, core.UpdateStateIdle, st.State)
	require.Zero(t, st.TotalCount)
}

func TestPipelineRecover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	env := newTestPipeline(t, &staticFetcher{
		list: testList("v1", "+33611111111"),
	})

	// Nothing to do: no stale state, no pending work.
	require.NoError(t, env.pipeline.Recover(ctx))
	require.Zero(t, env.fetcher.calls)

	// Crash marker mid-download.
	ts := time.Now().UTC()
	require.NoError(t, env.store.SaveMeta(ctx, &storage.PipelineMeta{
		State:     core.UpdateStateDownloading,
		UpdatedAt: &ts,
	}))

	require.NoError(t, env.pipeline.Recover(ctx))
	require.Equal(t, 1, env.fetcher.calls)

	st, err := env.pipeline.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, core.UpdateStateIdle, st.State)
	require.Equal(t, "v1", st.InstalledVersion)
	require.Zero(t, st.PendingCount)

	// The forced recovery re-entry is journaled with its reason.
	trs, err := journal.ReadAll(ctx, env.jpath)
	require.NoError(t, err)
	require.Equal(t, core.UpdateStateDownloading, trs[0].From)
	require.Equal(t, core.UpdateStateStarting, trs[0].To)
	require.NotEmpty(t, trs[0].Reason)
}

func TestPipelineRecoverDrainsPendingOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	env := newTestPipeline(t, &staticFetcher{
		list: testList("v1", "+33611111111"),
	})

	// Idle state but undispatched entries: a crash after reconcile
	// commit and before the drain finished.
	ts := time.Now().UTC()
	require.NoError(t, env.store.Upsert(ctx,
		core.NewRemoteEntry("+33611111111", core.ActionBlock, "", "list", "v1", &ts)))

	require.NoError(t, env.pipeline.Recover(ctx))
	require.Equal(t, 1, env.fetcher.calls)

	pending, err := env.store.CountPending(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}
