package filterext

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/mkravn/callfence/internal/snapshot"
	"go.uber.org/zap"
)

// Extension wires the slot to the table: each run claims the chunk, if
// any, folds it in and persists the table. Claiming before applying is
// what signals consumption back to the host process.
type Extension struct {
	slot   *snapshot.Slot
	table  *Table
	logger *zap.Logger
}

func NewExtension(slot *snapshot.Slot, table *Table, logger *zap.Logger) (*Extension, error) {
	if slot == nil {
		return nil, errors.New("filterext: required slot")
	}
	if table == nil {
		return nil, errors.New("filterext: required table")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extension{slot: slot, table: table, logger: logger}, nil
}

// RunOnce consumes at most one chunk. It reports whether a chunk was
// there.
func (e *Extension) RunOnce(ctx context.Context) (bool, error) {
	chunk, err := e.slot.TakeOnce(ctx)
	if err != nil {
		return false, err
	}
	if chunk == nil {
		return false, nil
	}
	if err := e.table.Apply(chunk); err != nil {
		return true, err
	}
	if err := e.table.Save(ctx); err != nil {
		return true, err
	}
	numbers, patterns := e.table.Counts()
	e.logger.Info("chunk applied",
		zap.String("operation", string(chunk.Operation)),
		zap.Int("items", len(chunk.Items)),
		zap.Int("numbers", numbers),
		zap.Int("patterns", patterns),
	)
	return true, nil
}

// Watch consumes chunks as they land until ctx is cancelled. It drains
// whatever already sits in the slot before waiting for events.
func (e *Extension) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(e.slot.Path())); err != nil {
		return err
	}

	if _, err := e.RunOnce(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("filterext: watcher closed")
			}
			if event.Name != e.slot.Path() {
				continue
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if _, err := e.RunOnce(ctx); err != nil {
				e.logger.Error("chunk failed", zap.Error(err))
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return errors.New("filterext: watcher closed")
			}
			e.logger.Warn("watcher error", zap.Error(werr))
		}
	}
}
