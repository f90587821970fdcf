package storage

import (
	"context"
	"time"

	"github.com/mkravn/callfence/internal/core"
)

// EntryStore is the durable record of every pattern entry. Implementations
// MUST be safe for concurrent reads and durable across restarts; every
// mutation is a single transaction (no partial commits).
//
// MarkCompleted and Remove are idempotent: the dispatcher retries them
// with the same ids after a partial failure.
type EntryStore interface {
	// Upsert inserts or replaces the entry keyed by its ID.
	Upsert(ctx context.Context, entry *core.Entry) error
	// Remove deletes an entry. Removing an absent id is not an error.
	Remove(ctx context.Context, id string) error
	Find(ctx context.Context, id string) (*core.Entry, error)
	// All returns every entry sorted by added time.
	All(ctx context.Context) ([]*core.Entry, error)
	// Pending returns up to limit entries with no completion timestamp,
	// sorted by added time. limit <= 0 means no limit.
	Pending(ctx context.Context, limit int) ([]*core.Entry, error)
	// MarkCompleted stamps the given entries as dispatched. Ids already
	// completed or absent are skipped.
	MarkCompleted(ctx context.Context, ids []string, at time.Time) error
	// MarkAllPending drops every completion timestamp. A new update
	// generation calls this so the drain after the leading reset
	// rebuilds the whole filter table, user entries included.
	MarkAllPending(ctx context.Context) error
	CountPending(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
	// ApplyDiff commits a reconciliation result atomically: all upserts
	// and removals in one transaction, or none of them.
	ApplyDiff(ctx context.Context, upserts []*core.Entry, removals []string) error
	// Clear drops every entry. Used by the remove-everything flow.
	Clear(ctx context.Context) error

	Close() error
}

// PipelineMeta is the persisted pipeline surface read by the UI and by
// crash recovery. Written only by the update pipeline and dispatcher.
type PipelineMeta struct {
	State       core.UpdateState `json:"state"`
	StateReason string           `json:"state_reason,omitempty"`

	InstalledVersion string `json:"installed_version,omitempty"`
	AvailableVersion string `json:"available_version,omitempty"`

	// ResetDelivered records that the leading reset chunk of the current
	// update generation reached the filtering process, so a crash-resume
	// does not clear a partially installed table again. Reconciliation
	// starts a new generation and drops the flag.
	ResetDelivered bool `json:"reset_delivered,omitempty"`

	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// StateStore persists PipelineMeta.
type StateStore interface {
	SaveMeta(ctx context.Context, meta *PipelineMeta) error
	// LoadMeta returns the stored meta, or a fresh idle meta when none
	// has ever been written.
	LoadMeta(ctx context.Context) (*PipelineMeta, error)
}
