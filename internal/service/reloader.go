package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mkravn/callfence/internal/core"
	"github.com/mkravn/callfence/internal/snapshot"
	"go.uber.org/zap"
)

// SlotReloader implements Reloader over the snapshot slot itself: the
// filtering process acknowledges a chunk by consuming the slot, so the
// reload succeeds once the slot is empty again. The wait is driven by
// filesystem events with the configured timeout as the hard stop.
//
// A missing slot directory means call filtering has never been enabled
// on the device; that is reported as a precondition failure, not as a
// transient dispatch error.
type SlotReloader struct {
	slot    *snapshot.Slot
	timeout time.Duration
	logger  *zap.Logger
}

func NewSlotReloader(slot *snapshot.Slot, timeout time.Duration, logger *zap.Logger) (*SlotReloader, error) {
	if slot == nil {
		return nil, errors.New("reloader: required slot")
	}
	if timeout <= 0 {
		return nil, errors.New("reloader: required positive timeout")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SlotReloader{slot: slot, timeout: timeout, logger: logger}, nil
}

func (r *SlotReloader) Reload(ctx context.Context) error {
	const op = "service.SlotReloader.Reload"

	dir := filepath.Dir(r.slot.Path())
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.NewNotEnabledError(op)
		}
		return core.NewDispatchError("stat slot dir", err, op)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return core.NewDispatchError("create slot watcher", err, op)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return core.NewDispatchError("watch slot dir", err, op)
	}

	deadline := time.NewTimer(r.timeout)
	defer deadline.Stop()

	for {
		// Check after arming the watcher so a consumption racing the
		// setup is never missed.
		occupied, err := r.slot.Occupied(ctx)
		if err != nil {
			return core.NewDispatchError("check slot", err, op)
		}
		if !occupied {
			return nil
		}

		select {
		case <-ctx.Done():
			return core.NewDispatchError("reload interrupted", ctx.Err(), op)
		case <-deadline.C:
			return core.NewDispatchError("filtering process did not consume the chunk in time", nil, op)
		case event, ok := <-watcher.Events:
			if !ok {
				return core.NewDispatchError("slot watcher closed", nil, op)
			}
			if event.Name != r.slot.Path() {
				continue
			}
			// Fall through to re-check occupancy on any slot event.
		case werr, ok := <-watcher.Errors:
			if !ok {
				return core.NewDispatchError("slot watcher closed", nil, op)
			}
			r.logger.Warn("slot watcher error", zap.Error(werr))
		}
	}
}
