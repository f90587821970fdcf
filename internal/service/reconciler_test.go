package service

import (
	"context"
	"testing"
	"time"

	"github.com/mkravn/callfence/internal/core"
	"github.com/mkravn/callfence/internal/remote"
	"github.com/stretchr/testify/require"
)

func TestReconcilerDiff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Remote set {A, B, D} plus one user entry.
	for _, p := range []string{"+33111111111", "+33222222222", "+33444444444"} {
		ts := base
		require.NoError(t, store.Upsert(ctx,
			core.NewRemoteEntry(p, core.ActionBlock, "", "list", "v1", &ts)))
	}
	// A and B are already installed.
	require.NoError(t, store.MarkCompleted(ctx,
		[]string{"+33111111111", "+33222222222"}, base))
	user := core.NewUserEntry("+33999999999", core.ActionBlock, "mine", &base)
	require.NoError(t, store.Upsert(ctx, user))

	r, err := NewReconciler(store, nil, func() time.Time { return base.Add(time.Hour) })
	require.NoError(t, err)

	// The new list is {A, B, C}: D disappears, C is new, plus garbage.
	res, err := r.Apply(ctx, &remote.List{
		Version: "v2",
		Name:    "list",
		Entries: []remote.Item{
			{Pattern: "+33111111111", Action: "block", Label: "spam"},
			{Pattern: "+33222222222", Action: "identify"},
			{Pattern: "+33333333333", Action: "block"},
			{Pattern: "not-a-number", Action: "block"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, &ReconcileResult{Added: 1, Updated: 2, Removed: 1, Skipped: 1}, res)

	a, err := store.Find(ctx, "+33111111111")
	require.NoError(t, err)
	require.Equal(t, "v2", a.SourceListVersion)
	require.Equal(t, "spam", a.Label)
	require.True(t, a.Pending(), "refreshed entries redispatch")

	b, err := store.Find(ctx, "+33222222222")
	require.NoError(t, err)
	require.Equal(t, core.ActionIdentify, b.Action)

	c, err := store.Find(ctx, "+33333333333")
	require.NoError(t, err)
	require.Equal(t, core.ProvenanceRemote, c.Provenance)
	require.True(t, c.Pending())

	d, err := store.Find(ctx, "+33444444444")
	require.NoError(t, err)
	require.Equal(t, core.ActionRemove, d.Action)
	require.True(t, d.Pending())

	// User entries are never touched by reconciliation.
	u, err := store.Find(ctx, "+33999999999")
	require.NoError(t, err)
	require.Equal(t, core.ActionBlock, u.Action)
	require.Equal(t, core.ProvenanceUser, u.Provenance)
}

func TestReconcilerDeduplicatesList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newTestStore(t)
	r, err := NewReconciler(store, nil, nil)
	require.NoError(t, err)

	res, err := r.Apply(ctx, &remote.List{
		Version: "v1",
		Name:    "list",
		Entries: []remote.Item{
			{Pattern: "+33111111111", Action: "block"},
			{Pattern: "+33111111111", Action: "identify"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Added)

	e, err := store.Find(ctx, "+33111111111")
	require.NoError(t, err)
	require.Equal(t, core.ActionBlock, e.Action, "first occurrence wins")
}

func TestReconcilerConvergesOnRepeat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newTestStore(t)
	r, err := NewReconciler(store, nil, nil)
	require.NoError(t, err)

	list := &remote.List{
		Version: "v1",
		Name:    "list",
		Entries: []remote.Item{
			{Pattern: "+33111111111", Action: "block"},
			{Pattern: "+3322222####", Action: "block"},
		},
	}
	res, err := r.Apply(ctx, list)
	require.NoError(t, err)
	require.Equal(t, 2, res.Added)

	// Installed entries survive a repeat of the same list untouched.
	require.NoError(t, store.MarkCompleted(ctx,
		[]string{"+33111111111", "+3322222####"}, time.Now().UTC()))

	res, err = r.Apply(ctx, list)
	require.NoError(t, err)
	require.Zero(t, res.Added)
	require.Zero(t, res.Updated)
	require.Zero(t, res.Removed)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestReconcilerKeepsUserEntryOnPatternCollision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	user := core.NewUserEntry("+33555555555", core.ActionIdentify, "dentist", &base)
	require.NoError(t, store.Upsert(ctx, user))

	r, err := NewReconciler(store, nil, nil)
	require.NoError(t, err)

	// The remote list claims the same pattern; the user's entry wins.
	res, err := r.Apply(ctx, &remote.List{
		Version: "v1",
		Name:    "list",
		Entries: []remote.Item{
			{Pattern: "+33555555555", Action: "block", Label: "spam"},
			{Pattern: "+33111111111", Action: "block"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Added)
	require.Equal(t, 1, res.Conflicts)

	u, err := store.Find(ctx, "+33555555555")
	require.NoError(t, err)
	require.Equal(t, core.ProvenanceUser, u.Provenance)
	require.Equal(t, core.ActionIdentify, u.Action)
	require.Equal(t, "dentist", u.Label)

	// When the pattern later leaves the list, no removal is queued
	// against the user entry.
	res, err = r.Apply(ctx, &remote.List{
		Version: "v2",
		Name:    "list",
		Entries: []remote.Item{
			{Pattern: "+33111111111", Action: "block"},
		},
	})
	require.NoError(t, err)
	require.Zero(t, res.Removed)

	u, err = store.Find(ctx, "+33555555555")
	require.NoError(t, err)
	require.Equal(t, core.ProvenanceUser, u.Provenance)
	require.Equal(t, core.ActionIdentify, u.Action)
}

func TestReconcilerRequiresList(t *testing.T) {
	t.Parallel()

	r, err := NewReconciler(newTestStore(t), nil, nil)
	require.NoError(t, err)

	_, err = r.Apply(context.Background(), nil)
	require.Error(t, err)
}
