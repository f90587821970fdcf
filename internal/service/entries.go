package service

import (
	"context"
	"time"

	"github.com/mkravn/callfence/internal/core"
	"github.com/mkravn/callfence/internal/storage"
	"go.uber.org/zap"
)

// EntryService manages user-provenance entries. Remote entries are owned
// by the reconciler and refused here.
type EntryService struct {
	store  storage.EntryStore
	logger *zap.Logger
	now    func() time.Time
}

func NewEntryService(store storage.EntryStore, logger *zap.Logger, now func() time.Time) (*EntryService, error) {
	if store == nil {
		return nil, core.NewInternalError("entry store required", nil, "service.NewEntryService")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &EntryService{store: store, logger: logger, now: now}, nil
}

// AddUserEntry validates and persists a user pattern as pending. The
// next drain pushes it to the filtering process.
func (s *EntryService) AddUserEntry(ctx context.Context, pattern string, action core.Action, label string) (*core.Entry, error) {
	const op = "service.EntryService.AddUserEntry"

	if err := ctx.Err(); err != nil {
		return nil, core.NewInternalError("ctx error", err, op)
	}
	if err := core.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if action != core.ActionBlock && action != core.ActionIdentify {
		return nil, core.NewPatternValidationError(pattern, "action must be block or identify", op)
	}

	if _, err := s.store.Find(ctx, pattern); err == nil {
		return nil, core.NewEntryConflictError(pattern, op)
	} else if appErr, ok := core.AsAppError(err); !ok || appErr.Code != core.ErrorCodeNotFound {
		return nil, err
	}

	now := s.now().UTC()
	entry := core.NewUserEntry(pattern, action, label, &now)
	if err := s.store.Upsert(ctx, entry); err != nil {
		return nil, err
	}
	s.logger.Info("user entry added",
		zap.String("pattern", pattern),
		zap.String("action", string(action)),
	)
	return entry.CloneEntry(), nil
}

// RemoveUserEntry queues a user entry for removal dispatch. The entry is
// physically deleted once the filtering process has been told to drop it.
func (s *EntryService) RemoveUserEntry(ctx context.Context, id string) error {
	const op = "service.EntryService.RemoveUserEntry"

	if err := ctx.Err(); err != nil {
		return core.NewInternalError("ctx error", err, op)
	}
	entry, err := s.store.Find(ctx, id)
	if err != nil {
		return err
	}
	if entry.Provenance != core.ProvenanceUser {
		return core.NewPatternValidationError(id, "not a user entry", op)
	}
	if entry.Action == core.ActionRemove {
		// Already queued; retries stay safe.
		return nil
	}

	entry.Action = core.ActionRemove
	entry.CompletedAt = nil
	if err := s.store.Upsert(ctx, entry); err != nil {
		return err
	}
	s.logger.Info("user entry queued for removal", zap.String("id", id))
	return nil
}

// UserEntries lists user-provenance entries sorted by added time.
func (s *EntryService) UserEntries(ctx context.Context) ([]*core.Entry, error) {
	all, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]*core.Entry, 0)
	for _, e := range all {
		if e.Provenance == core.ProvenanceUser && e.Action != core.ActionRemove {
			res = append(res, e)
		}
	}
	return res, nil
}
