// Package snapshot implements the single shared channel between the host
// process and the filtering process: a one-slot mailbox holding the last
// written chunk. The writer replaces the slot atomically; the consumer
// claims it with an atomic read-and-clear, so a half-written or
// half-consumed chunk is never observed on either side.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mkravn/callfence/internal/core"
)

const CurrentVersion = 1

// Operation tells the filtering process what to do with the chunk.
type Operation string

const (
	// OperationReset clears the filtering process's rule table.
	OperationReset Operation = "reset"
	// OperationApply applies the chunk's items to the rule table.
	OperationApply Operation = "apply"
)

// Wire action strings. The host's closed Action enum maps onto these at
// the process boundary and back on the consumer side.
const (
	WireActionBlock    = "block"
	WireActionIdentify = "identify"
	WireActionRemove   = "remove"
)

// WireAction encodes a host action for the wire.
func WireAction(a core.Action) (string, error) {
	switch a {
	case core.ActionBlock:
		return WireActionBlock, nil
	case core.ActionIdentify:
		return WireActionIdentify, nil
	case core.ActionRemove:
		return WireActionRemove, nil
	default:
		return "", fmt.Errorf("snapshot: unknown action %q", a)
	}
}

// ParseWireAction decodes a wire action on the consumer side.
func ParseWireAction(s string) (core.Action, error) {
	switch s {
	case WireActionBlock:
		return core.ActionBlock, nil
	case WireActionIdentify:
		return core.ActionIdentify, nil
	case WireActionRemove:
		return core.ActionRemove, nil
	default:
		return "", fmt.Errorf("snapshot: unknown wire action %q", s)
	}
}

// Item is one number or pattern with its action.
type Item struct {
	Number string `json:"number"`
	Action string `json:"action"`
	Label  string `json:"label,omitempty"`
}

// Chunk is the transient record written to the slot. Items is empty for
// a reset and bounded by the configured chunk size for an apply.
type Chunk struct {
	Version   int       `json:"version"`
	Operation Operation `json:"operation"`
	Items     []Item    `json:"items,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Slot is the mailbox. Write replaces its content (last write wins);
// TakeOnce claims and removes it.
type Slot struct {
	path string
}

func NewSlot(path string) (*Slot, error) {
	if path == "" {
		return nil, errors.New("snapshot: required path")
	}
	return &Slot{path: path}, nil
}

func (s *Slot) Path() string {
	return s.path
}

// Write persists the chunk to the slot, replacing any unconsumed one.
func (s *Slot) Write(ctx context.Context, chunk *Chunk) error {
	if chunk == nil {
		return errors.New("snapshot: got nil chunk")
	} else if err := ctx.Err(); err != nil {
		return err
	} else if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("snapshot: create dir: %w", err)
	}
	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(
		tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC,
		0o644,
	)
	if err != nil {
		return fmt.Errorf("snapshot: open tmp: %w", err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(chunk); err != nil {
		closeErr := f.Close()
		if closeErr != nil {
			return fmt.Errorf("snapshot: encode: %v: close:%w", err, closeErr)
		}
		return fmt.Errorf("snapshot: encode: %w", err)
	} else if err := f.Sync(); err != nil {
		closeErr := f.Close()
		if closeErr != nil {
			return fmt.Errorf("snapshot: fsync: %v: close:%w", err, closeErr)
		}
		return fmt.Errorf("snapshot: fsync: %w", err)
	} else if err := f.Close(); err != nil {
		return fmt.Errorf("snapshot: close: %w", err)
	} else if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("snapshot: rename tmp: %w", err)
	} else {
		return nil
	}
}

// TakeOnce atomically claims the slot and returns its chunk, leaving the
// slot empty. Returns (nil, nil) when the slot holds nothing. The rename
// is the claim: two concurrent consumers cannot both win it.
func (s *Slot) TakeOnce(ctx context.Context) (*Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	claimed := s.path + ".taken"
	if err := os.Rename(s.path, claimed); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: claim: %w", err)
	}
	defer os.Remove(claimed)

	f, err := os.Open(claimed)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open: %w", err)
	}
	defer f.Close()

	chunk := Chunk{}
	dec := json.NewDecoder(f)
	if err := dec.Decode(&chunk); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	if chunk.Version != CurrentVersion {
		return nil, fmt.Errorf("snapshot: unsupported version %d", chunk.Version)
	}
	switch chunk.Operation {
	case OperationReset, OperationApply:
	default:
		return nil, fmt.Errorf("snapshot: unknown operation %q", chunk.Operation)
	}
	return &chunk, nil
}

// Occupied reports whether an unconsumed chunk sits in the slot.
func (s *Slot) Occupied(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("snapshot: stat: %w", err)
}

// Clear drops any unconsumed chunk without reading it.
func (s *Slot) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("snapshot: clear: %w", err)
	}
	return nil
}
