package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mkravn/callfence/internal/core"
	"github.com/mkravn/callfence/internal/snapshot"
	"github.com/mkravn/callfence/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Reloader triggers one filtering-process invocation and reports whether
// the chunk sitting in the slot was consumed. Implementations carry
// their own timeout; a hung reload surfaces as an error.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ErrSuperseded aborts a drain cleanly when a remove-everything request
// preempts it. Remaining entries stay pending, never corrupted.
var ErrSuperseded = errors.New("service: dispatch superseded")

// ProgressEvent reports incremental drain progress for whatever UI is
// listening. Flushed counts entries fully reflected in the filtering
// process; Total is the pending count when the drain started.
type ProgressEvent struct {
	Flushed int
	Total   int
}

type ProgressFunc func(ProgressEvent)

type DispatcherOptions struct {
	// ChunkSize bounds how many entries one store read pulls.
	ChunkSize int `validate:"min=1"`
	// NumberBudget bounds the discrete numbers in one slot write, so a
	// single filtering-process invocation stays inside its execution
	// budget. One wildcard pattern may expand across several writes.
	NumberBudget int `validate:"min=1"`
	// MinReloadInterval spaces consecutive reload triggers to respect
	// the host OS reload-rate limit.
	MinReloadInterval time.Duration `validate:"min=0"`

	OnProgress ProgressFunc
	// Superseded is polled before every slot write; a true return
	// aborts the drain with ErrSuperseded.
	Superseded func() bool
}

// Dispatcher drains pending entries into the shared snapshot slot in
// bounded chunks, one serial reload per chunk. Completion is recorded
// only after the reload reports success, which is what makes a retried
// drain resume exactly where the last one stopped.
type Dispatcher struct {
	store    storage.EntryStore
	state    storage.StateStore
	slot     *snapshot.Slot
	reloader Reloader
	limiter  *rate.Limiter

	chunkSize    int
	numberBudget int
	onProgress   ProgressFunc
	superseded   func() bool

	logger *zap.Logger
	now    func() time.Time
}

func NewDispatcher(
	store storage.EntryStore,
	state storage.StateStore,
	slot *snapshot.Slot,
	reloader Reloader,
	opts *DispatcherOptions,
	logger *zap.Logger,
	now func() time.Time,
) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("dispatcher: required entry store")
	}
	if state == nil {
		return nil, errors.New("dispatcher: required state store")
	}
	if slot == nil {
		return nil, errors.New("dispatcher: required slot")
	}
	if reloader == nil {
		return nil, errors.New("dispatcher: required reloader")
	}
	if opts == nil {
		return nil, errors.New("dispatcher: required options")
	}
	if err := validator.New().Struct(opts); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}

	limit := rate.Inf
	if opts.MinReloadInterval > 0 {
		limit = rate.Every(opts.MinReloadInterval)
	}

	return &Dispatcher{
		store:        store,
		state:        state,
		slot:         slot,
		reloader:     reloader,
		limiter:      rate.NewLimiter(limit, 1),
		chunkSize:    opts.ChunkSize,
		numberBudget: opts.NumberBudget,
		onProgress:   opts.OnProgress,
		superseded:   opts.Superseded,
		logger:       logger,
		now:          now,
	}, nil
}

type drainRun struct {
	flushed int
	total   int
}

// Drain pushes every pending entry out, chunk by chunk, strictly
// serially. On any reload failure it stops and returns; the remaining
// entries stay pending and the next Drain resumes from them.
func (d *Dispatcher) Drain(ctx context.Context) error {
	const op = "service.Dispatcher.Drain"

	if err := ctx.Err(); err != nil {
		return core.NewInternalError("ctx error", err, op)
	}

	total, err := d.store.CountPending(ctx)
	if err != nil {
		return err
	}
	if total == 0 {
		return nil
	}
	run := &drainRun{total: total}

	meta, err := d.state.LoadMeta(ctx)
	if err != nil {
		return err
	}
	if !meta.ResetDelivered {
		// The first action of a full-list update clears the filtering
		// process's table so entries older than ours cannot linger.
		if err := d.sendReset(ctx); err != nil {
			return err
		}
		meta.ResetDelivered = true
		ts := d.now().UTC()
		meta.UpdatedAt = &ts
		if err := d.state.SaveMeta(ctx, meta); err != nil {
			return err
		}
	}

	for {
		if d.isSuperseded() {
			return ErrSuperseded
		}
		pending, err := d.store.Pending(ctx, d.chunkSize)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			break
		}
		if err := d.flushEntries(ctx, pending, run); err != nil {
			return err
		}
	}

	d.logger.Info("drain complete", zap.Int("flushed", run.flushed))
	return nil
}

// batch is the unit of one slot write: bounded items plus the entries
// whose dispatch finishes with this write.
type batch struct {
	items       []snapshot.Item
	completeIDs []string
	deleteIDs   []string
}

// flushEntries converts entries to wire items and flushes them in
// batches of at most numberBudget items. Block patterns are expanded
// lazily into literal numbers; identify patterns travel un-expanded and
// are matched at classification time; remove instructions carry the
// pattern itself.
func (d *Dispatcher) flushEntries(ctx context.Context, entries []*core.Entry, run *drainRun) error {
	cur := &batch{}

	flushIfFull := func() error {
		if len(cur.items) < d.numberBudget {
			return nil
		}
		if err := d.flush(ctx, cur, run); err != nil {
			return err
		}
		cur = &batch{}
		return nil
	}

	for _, e := range entries {
		switch e.Action {
		case core.ActionRemove:
			if err := flushIfFull(); err != nil {
				return err
			}
			cur.items = append(cur.items, snapshot.Item{
				Number: e.Pattern,
				Action: snapshot.WireActionRemove,
				Label:  e.Label,
			})
			cur.deleteIDs = append(cur.deleteIDs, e.ID)

		case core.ActionIdentify:
			if err := flushIfFull(); err != nil {
				return err
			}
			cur.items = append(cur.items, snapshot.Item{
				Number: e.Pattern,
				Action: snapshot.WireActionIdentify,
				Label:  e.Label,
			})
			cur.completeIDs = append(cur.completeIDs, e.ID)

		case core.ActionBlock:
			x := core.Expand(e.Pattern)
			covered := uint64(0)
			for covered < x.Count() {
				if err := flushIfFull(); err != nil {
					return err
				}
				room := uint64(d.numberBudget - len(cur.items))
				for _, number := range x.Window(covered, covered+room) {
					cur.items = append(cur.items, snapshot.Item{
						Number: number,
						Action: snapshot.WireActionBlock,
						Label:  e.Label,
					})
					covered++
				}
			}
			// An entry completes only in the batch holding its last
			// number; a crash before that re-sends the whole entry.
			cur.completeIDs = append(cur.completeIDs, e.ID)

		default:
			return core.NewInternalError("unknown entry action", nil, "service.Dispatcher.flushEntries").
				WithMeta("action", string(e.Action))
		}
	}

	if len(cur.items) > 0 {
		return d.flush(ctx, cur, run)
	}
	return nil
}

// flush writes one chunk and triggers one reload. Nothing is marked
// completed unless the reload reports success.
func (d *Dispatcher) flush(ctx context.Context, b *batch, run *drainRun) error {
	const op = "service.Dispatcher.flush"

	if d.isSuperseded() {
		return ErrSuperseded
	}

	chunk := &snapshot.Chunk{
		Version:   snapshot.CurrentVersion,
		Operation: snapshot.OperationApply,
		Items:     b.items,
		CreatedAt: d.now().UTC(),
	}
	if err := d.slot.Write(ctx, chunk); err != nil {
		return core.NewDispatchError("write snapshot chunk", err, op)
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return core.NewDispatchError("reload spacing interrupted", err, op)
	}
	if err := d.reloader.Reload(ctx); err != nil {
		return err
	}

	now := d.now().UTC()
	if err := d.store.MarkCompleted(ctx, b.completeIDs, now); err != nil {
		return err
	}
	for _, id := range b.deleteIDs {
		if err := d.store.Remove(ctx, id); err != nil {
			return err
		}
	}

	run.flushed += len(b.completeIDs) + len(b.deleteIDs)
	d.logger.Debug("chunk flushed",
		zap.Int("items", len(b.items)),
		zap.Int("entries_done", len(b.completeIDs)+len(b.deleteIDs)),
	)
	if d.onProgress != nil {
		d.onProgress(ProgressEvent{Flushed: run.flushed, Total: run.total})
	}
	return nil
}

// sendReset delivers a reset chunk, gated and retried like any other.
func (d *Dispatcher) sendReset(ctx context.Context) error {
	const op = "service.Dispatcher.sendReset"

	if d.isSuperseded() {
		return ErrSuperseded
	}
	chunk := &snapshot.Chunk{
		Version:   snapshot.CurrentVersion,
		Operation: snapshot.OperationReset,
		CreatedAt: d.now().UTC(),
	}
	if err := d.slot.Write(ctx, chunk); err != nil {
		return core.NewDispatchError("write reset chunk", err, op)
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return core.NewDispatchError("reload spacing interrupted", err, op)
	}
	if err := d.reloader.Reload(ctx); err != nil {
		return err
	}
	d.logger.Info("rule table reset delivered")
	return nil
}

// SendReset clears the filtering process's table outside of a drain.
// Used by the remove-everything flow.
func (d *Dispatcher) SendReset(ctx context.Context) error {
	return d.sendReset(ctx)
}

func (d *Dispatcher) isSuperseded() bool {
	return d.superseded != nil && d.superseded()
}
