package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkravn/callfence/internal/core"
	"github.com/mkravn/callfence/internal/remote"
	"github.com/mkravn/callfence/internal/storage"
	"github.com/mkravn/callfence/internal/storage/journal"
	"go.uber.org/zap"
)

// Preempt is the shared supersession flag between the pipeline and the
// dispatcher: a remove-everything request raises it, and the dispatcher
// polls it before every chunk.
type Preempt struct {
	flag atomic.Bool
}

func (p *Preempt) Request()        { p.flag.Store(true) }
func (p *Preempt) Clear()          { p.flag.Store(false) }
func (p *Preempt) Requested() bool { return p.flag.Load() }

// Status is the read-only surface consumed by the UI.
type Status struct {
	State       core.UpdateState
	StateReason string

	PendingCount int
	TotalCount   int

	InstalledVersion string
	AvailableVersion string
}

// Pipeline orchestrates fetch -> reconcile -> dispatch and owns every
// state transition. A mutex keeps reconciliation and dispatch mutually
// exclusive; concurrent Status reads stay lock-free.
type Pipeline struct {
	store   storage.EntryStore
	state   storage.StateStore
	jlog    journal.Log
	fetcher remote.Fetcher

	reconciler *Reconciler
	dispatcher *Dispatcher
	preempt    *Preempt

	deviceID string

	mu     sync.Mutex
	logger *zap.Logger
	now    func() time.Time
}

func NewPipeline(
	store storage.EntryStore,
	state storage.StateStore,
	jlog journal.Log,
	fetcher remote.Fetcher,
	reconciler *Reconciler,
	dispatcher *Dispatcher,
	preempt *Preempt,
	deviceID string,
	logger *zap.Logger,
	now func() time.Time,
) (*Pipeline, error) {
	if store == nil || state == nil {
		return nil, errors.New("pipeline: required stores")
	}
	if jlog == nil {
		return nil, errors.New("pipeline: required journal")
	}
	if fetcher == nil {
		return nil, errors.New("pipeline: required fetcher")
	}
	if reconciler == nil || dispatcher == nil {
		return nil, errors.New("pipeline: required reconciler and dispatcher")
	}
	if preempt == nil {
		preempt = &Preempt{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		store:      store,
		state:      state,
		jlog:       jlog,
		fetcher:    fetcher,
		reconciler: reconciler,
		dispatcher: dispatcher,
		preempt:    preempt,
		deviceID:   deviceID,
		logger:     logger,
		now:        now,
	}, nil
}

// RunUpdate executes one full update cycle. Every stage transition is
// persisted before the stage runs, so a crash leaves a durable marker
// for recovery. Failures park the pipeline in the error state with a
// reason; ErrSuperseded is a clean abort, not an error.
func (p *Pipeline) RunUpdate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	meta, err := p.state.LoadMeta(ctx)
	if err != nil {
		return err
	}

	// A stale in-progress marker at this point has no live owner (the
	// mutex is held): it is a crash leftover and recovery re-enters
	// starting.
	force := meta.State.InProgress()
	reason := ""
	if force {
		reason = "recovered after interrupted update"
		p.logger.Warn("recovering interrupted update",
			zap.String("stale_state", string(meta.State)),
		)
	}
	if err := p.transition(ctx, meta, core.UpdateStateStarting, reason, force); err != nil {
		return err
	}

	if err := p.transition(ctx, meta, core.UpdateStateDownloading, "", false); err != nil {
		return err
	}
	list, err := p.fetcher.Fetch(ctx, p.deviceID)
	if err != nil {
		return p.fail(ctx, meta, err)
	}

	if err := p.transition(ctx, meta, core.UpdateStateConverting, "", false); err != nil {
		return err
	}
	if _, err := p.reconciler.Apply(ctx, list); err != nil {
		return p.fail(ctx, meta, err)
	}
	// Reconciliation committed: a new update generation begins and the
	// filtering process's table must be reset before anything applies.
	// Everything the store holds goes pending again, user entries
	// included, so the drain after the reset rebuilds the whole table
	// rather than just the reconciliation delta.
	if err := p.store.MarkAllPending(ctx); err != nil {
		return p.fail(ctx, meta, err)
	}
	meta.AvailableVersion = list.Version
	meta.ResetDelivered = false

	if err := p.transition(ctx, meta, core.UpdateStateInstalling, "", false); err != nil {
		return err
	}
	if err := p.dispatcher.Drain(ctx); err != nil {
		if errors.Is(err, ErrSuperseded) {
			// The remove-everything flow owns the next transition.
			p.logger.Info("update superseded by removal request")
			return nil
		}
		return p.fail(ctx, meta, err)
	}

	meta.InstalledVersion = list.Version
	if err := p.transition(ctx, meta, core.UpdateStateIdle, "", false); err != nil {
		return err
	}
	p.logger.Info("update installed", zap.String("version", list.Version))
	return nil
}

// Recover restarts work left over from a crash: a stale in-progress
// state or a non-empty pending set. Fetch, reconcile and drain are all
// idempotent, so redoing them is safe.
func (p *Pipeline) Recover(ctx context.Context) error {
	meta, err := p.state.LoadMeta(ctx)
	if err != nil {
		return err
	}
	pending, err := p.store.CountPending(ctx)
	if err != nil {
		return err
	}
	if !meta.State.InProgress() && pending == 0 {
		return nil
	}
	p.logger.Info("recovery run",
		zap.String("state", string(meta.State)),
		zap.Int("pending", pending),
	)
	return p.RunUpdate(ctx)
}

// RemoveEverything preempts any in-flight update, clears the filtering
// process's table with a reset chunk and drops every stored entry.
func (p *Pipeline) RemoveEverything(ctx context.Context) error {
	p.preempt.Request()
	defer p.preempt.Clear()

	p.mu.Lock()
	defer p.mu.Unlock()

	meta, err := p.state.LoadMeta(ctx)
	if err != nil {
		return err
	}
	if err := p.transition(ctx, meta, core.UpdateStateRemoving, "", false); err != nil {
		return err
	}

	// Our own reset must not trip the supersession check.
	p.preempt.Clear()
	if err := p.dispatcher.SendReset(ctx); err != nil {
		return p.fail(ctx, meta, err)
	}
	if err := p.store.Clear(ctx); err != nil {
		return p.fail(ctx, meta, err)
	}

	meta.InstalledVersion = ""
	meta.AvailableVersion = ""
	// The table is known-empty now; the next update resets it again
	// when its own generation starts.
	meta.ResetDelivered = true
	if err := p.transition(ctx, meta, core.UpdateStateIdle, "", false); err != nil {
		return err
	}
	p.logger.Info("all entries removed")
	return nil
}

// Status is safe for concurrent use; it never takes the update lock.
func (p *Pipeline) Status(ctx context.Context) (*Status, error) {
	meta, err := p.state.LoadMeta(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := p.store.CountPending(ctx)
	if err != nil {
		return nil, err
	}
	total, err := p.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		State:            meta.State,
		StateReason:      meta.StateReason,
		PendingCount:     pending,
		TotalCount:       total,
		InstalledVersion: meta.InstalledVersion,
		AvailableVersion: meta.AvailableVersion,
	}, nil
}

// transition persists one state change and journals it. force is only
// used by crash recovery to re-enter starting from a stale marker.
func (p *Pipeline) transition(ctx context.Context, meta *storage.PipelineMeta, to core.UpdateState, reason string, force bool) error {
	const op = "service.Pipeline.transition"

	from := meta.State
	if !force && !from.CanTransition(to) {
		return core.NewInternalError("illegal state transition", nil, op).
			WithMeta("from", string(from)).
			WithMeta("to", string(to))
	}

	ts := p.now().UTC()
	meta.State = to
	meta.StateReason = reason
	meta.UpdatedAt = &ts
	if err := p.state.SaveMeta(ctx, meta); err != nil {
		return err
	}

	tr := journal.Transition{
		Version: journal.CurrentVersion,
		From:    from,
		To:      to,
		Reason:  reason,
		At:      ts,
	}
	if err := p.jlog.Append(ctx, tr); err != nil {
		return core.NewStoreError("journal transition", err, op)
	}
	if err := p.jlog.Flush(ctx); err != nil {
		return core.NewStoreError("journal flush", err, op)
	}

	p.logger.Info("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

// fail parks the pipeline in the error state and returns the cause.
func (p *Pipeline) fail(ctx context.Context, meta *storage.PipelineMeta, cause error) error {
	reason := cause.Error()
	if appErr, ok := core.AsAppError(cause); ok {
		reason = appErr.PublicMessage()
	}
	if err := p.transition(ctx, meta, core.UpdateStateError, reason, false); err != nil {
		p.logger.Error("cant record error state", zap.Error(err))
	}
	return cause
}
