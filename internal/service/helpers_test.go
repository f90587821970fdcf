package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mkravn/callfence/internal/core"
	"github.com/mkravn/callfence/internal/remote"
	"github.com/mkravn/callfence/internal/snapshot"
	"github.com/mkravn/callfence/internal/storage"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *storage.BoltEntryStore {
	t.Helper()

	store, err := storage.NewBoltEntryStore(filepath.Join(t.TempDir(), "entries.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestSlot(t *testing.T) *snapshot.Slot {
	t.Helper()

	slot, err := snapshot.NewSlot(filepath.Join(t.TempDir(), "chunk.json"))
	require.NoError(t, err)
	return slot
}

// consumingReloader stands in for the filtering process: each reload
// claims whatever sits in the slot and records it. failOnCall makes
// exactly that call fail without consuming, simulating a crash between
// slot write and acknowledgement.
type consumingReloader struct {
	slot       *snapshot.Slot
	chunks     []*snapshot.Chunk
	calls      int
	failOnCall int
}

func (r *consumingReloader) Reload(ctx context.Context) error {
	r.calls++
	if r.failOnCall != 0 && r.calls == r.failOnCall {
		return core.NewDispatchError("reload failed", nil, "test")
	}
	chunk, err := r.slot.TakeOnce(ctx)
	if err != nil {
		return err
	}
	if chunk != nil {
		r.chunks = append(r.chunks, chunk)
	}
	return nil
}

func (r *consumingReloader) applyChunks() []*snapshot.Chunk {
	res := make([]*snapshot.Chunk, 0, len(r.chunks))
	for _, c := range r.chunks {
		if c.Operation == snapshot.OperationApply {
			res = append(res, c)
		}
	}
	return res
}

func (r *consumingReloader) resetCount() int {
	n := 0
	for _, c := range r.chunks {
		if c.Operation == snapshot.OperationReset {
			n++
		}
	}
	return n
}

func (r *consumingReloader) numbers() []string {
	var res []string
	for _, c := range r.applyChunks() {
		for _, item := range c.Items {
			res = append(res, item.Number)
		}
	}
	return res
}

// staticFetcher serves a fixed list or error.
type staticFetcher struct {
	list  *remote.List
	err   error
	calls int
}

func (f *staticFetcher) Fetch(_ context.Context, _ string) (*remote.List, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.list, nil
}

func newTestDispatcher(t *testing.T, store *storage.BoltEntryStore, opts *DispatcherOptions) (*Dispatcher, *consumingReloader) {
	t.Helper()

	slot := newTestSlot(t)
	reloader := &consumingReloader{slot: slot}
	d, err := NewDispatcher(store, store, slot, reloader, opts, nil, nil)
	require.NoError(t, err)
	return d, reloader
}
