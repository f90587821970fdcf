package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEntryPending(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	e := NewRemoteEntry("+3363900####", ActionBlock, "Spam", "fr-blocklist", "7", &now)
	require.True(t, e.Pending())
	require.Equal(t, e.Pattern, e.ID)

	done := now.Add(time.Minute)
	e.CompletedAt = &done
	require.False(t, e.Pending())
}

func TestCloneEntry_Independent(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	e := NewUserEntry("+33123456789", ActionIdentify, "Telemarketer", &now)
	c := e.CloneEntry()

	done := now.Add(time.Minute)
	c.CompletedAt = &done
	c.Label = "changed"

	require.True(t, e.Pending())
	require.Equal(t, "Telemarketer", e.Label)
	require.NotSame(t, e.AddedAt, c.AddedAt)
}

func TestSortEntries(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	entries := []*Entry{
		{ID: "c", AddedAt: nil},
		{ID: "b", AddedAt: &t2},
		{ID: "a", AddedAt: &t1},
		{ID: "d", AddedAt: &t1},
	}
	SortEntries(entries)

	require.Equal(t, "a", entries[0].ID)
	require.Equal(t, "d", entries[1].ID)
	require.Equal(t, "b", entries[2].ID)
	require.Equal(t, "c", entries[3].ID)
}

func TestKnownAction(t *testing.T) {
	t.Parallel()

	require.True(t, KnownAction(ActionBlock))
	require.True(t, KnownAction(ActionIdentify))
	require.True(t, KnownAction(ActionRemove))
	require.False(t, KnownAction(Action("block")))
}
