package service

import (
	"context"
	"time"

	"github.com/mkravn/callfence/internal/core"
	"github.com/mkravn/callfence/internal/remote"
	"github.com/mkravn/callfence/internal/storage"
	"go.uber.org/zap"
)

// Reconciler aligns the entry store with a freshly fetched remote list.
// It only ever touches remote-provenance entries; user entries pass
// through untouched. The whole diff commits in one store transaction.
type Reconciler struct {
	store  storage.EntryStore
	logger *zap.Logger
	now    func() time.Time
}

// ReconcileResult reports what the diff did.
type ReconcileResult struct {
	Added   int
	Updated int
	// Removed counts entries queued for removal dispatch, not yet
	// physically deleted.
	Removed int
	// Skipped counts remote items rejected by pattern validation.
	Skipped int
	// Conflicts counts remote items dropped because a user entry
	// already owns the same pattern.
	Conflicts int
}

func NewReconciler(store storage.EntryStore, logger *zap.Logger, now func() time.Time) (*Reconciler, error) {
	if store == nil {
		return nil, core.NewInternalError("entry store required", nil, "service.NewReconciler")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Reconciler{store: store, logger: logger, now: now}, nil
}

// Apply computes the diff between the remote list and the store and
// commits it atomically. After it returns, the store's pending set is
// exactly what the dispatcher has to push out.
func (r *Reconciler) Apply(ctx context.Context, list *remote.List) (*ReconcileResult, error) {
	const op = "service.Reconciler.Apply"

	if list == nil {
		return nil, core.NewInternalError("required remote list", nil, op)
	}
	if err := ctx.Err(); err != nil {
		return nil, core.NewInternalError("ctx error", err, op)
	}

	all, err := r.store.All(ctx)
	if err != nil {
		return nil, err
	}
	local := make(map[string]*core.Entry, len(all))
	userOwned := make(map[string]struct{})
	for _, e := range all {
		if e.Provenance == core.ProvenanceRemote {
			local[e.Pattern] = e
			continue
		}
		userOwned[e.Pattern] = struct{}{}
	}

	res := &ReconcileResult{}
	now := r.now().UTC()
	seen := make(map[string]struct{}, len(list.Entries))
	upserts := make([]*core.Entry, 0, len(list.Entries))

	for _, item := range list.Entries {
		if err := core.ValidatePattern(item.Pattern); err != nil {
			// The server cannot be corrected from here; drop the item
			// and keep going.
			r.logger.Warn("skipping invalid remote pattern",
				zap.String("pattern", item.Pattern),
				zap.Error(err),
			)
			res.Skipped++
			continue
		}
		action, err := remote.ParseAction(item.Action)
		if err != nil {
			r.logger.Warn("skipping remote item with unknown action",
				zap.String("pattern", item.Pattern),
				zap.Error(err),
			)
			res.Skipped++
			continue
		}
		if _, dup := seen[item.Pattern]; dup {
			continue
		}
		seen[item.Pattern] = struct{}{}

		if _, owned := userOwned[item.Pattern]; owned {
			// The user's own entry wins over the remote list; the
			// remote item must not overwrite or later delete it.
			r.logger.Warn("remote item collides with user entry",
				zap.String("pattern", item.Pattern),
			)
			res.Conflicts++
			continue
		}

		if existing, ok := local[item.Pattern]; ok {
			if existing.Action == action && existing.Label == item.Label &&
				existing.SourceListName == list.Name &&
				existing.SourceListVersion == list.Version {
				// Identical to what we already hold: trust its
				// completion so a repeated list stays a no-op.
				continue
			}
			// Any metadata change forces redispatch, so the filtering
			// process converges even after a prior partial dispatch.
			up := existing.CloneEntry()
			up.Action = action
			up.Label = item.Label
			up.SourceListName = list.Name
			up.SourceListVersion = list.Version
			up.CompletedAt = nil
			upserts = append(upserts, up)
			res.Updated++
			continue
		}

		ts := now
		upserts = append(upserts, core.NewRemoteEntry(
			item.Pattern, action, item.Label, list.Name, list.Version, &ts,
		))
		res.Added++
	}

	for pattern, existing := range local {
		if _, ok := seen[pattern]; ok {
			continue
		}
		// Vanished upstream: queue a removal dispatch. Physical delete
		// happens after the filtering process has been told.
		gone := existing.CloneEntry()
		gone.Action = core.ActionRemove
		gone.CompletedAt = nil
		upserts = append(upserts, gone)
		res.Removed++
	}

	if err := r.store.ApplyDiff(ctx, upserts, nil); err != nil {
		return nil, err
	}

	r.logger.Info("reconciled remote list",
		zap.String("list", list.Name),
		zap.String("version", list.Version),
		zap.Int("added", res.Added),
		zap.Int("updated", res.Updated),
		zap.Int("removed", res.Removed),
		zap.Int("skipped", res.Skipped),
		zap.Int("conflicts", res.Conflicts),
	)
	return res, nil
}
