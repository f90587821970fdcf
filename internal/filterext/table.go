// Package filterext is the consumer side of the snapshot handshake: the
// rule table the filtering process keeps, the chunk application logic
// and the classification lookup. The cmd/filter binary links it.
package filterext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mkravn/callfence/internal/core"
	"github.com/mkravn/callfence/internal/snapshot"
)

const tableVersion = 1

// Rule is what the table knows about one number or pattern.
type Rule struct {
	Action string `json:"action"`
	Label  string `json:"label,omitempty"`
}

type tableFile struct {
	Version int `json:"version"`

	Numbers  map[string]Rule `json:"numbers"`
	Patterns map[string]Rule `json:"patterns"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Table is the persisted rule table. Literal numbers and wildcard
// patterns live in separate maps: numbers resolve with one lookup,
// patterns are scanned at classification time.
type Table struct {
	path string

	mu       sync.RWMutex
	numbers  map[string]Rule
	patterns map[string]Rule
}

// OpenTable loads the table from path. A missing file is an empty table.
func OpenTable(ctx context.Context, path string) (*Table, error) {
	if path == "" {
		return nil, errors.New("filterext: required path")
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := &Table{
		path:     path,
		numbers:  make(map[string]Rule),
		patterns: make(map[string]Rule),
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return t, nil
		}
		return nil, fmt.Errorf("filterext: open table: %w", err)
	}
	defer f.Close()

	tf := tableFile{}
	if err := json.NewDecoder(f).Decode(&tf); err != nil {
		return nil, fmt.Errorf("filterext: decode table: %w", err)
	}
	if tf.Version != tableVersion {
		return nil, fmt.Errorf("filterext: unsupported table version %d", tf.Version)
	}
	if tf.Numbers != nil {
		t.numbers = tf.Numbers
	}
	if tf.Patterns != nil {
		t.patterns = tf.Patterns
	}
	return t, nil
}

// Save persists the table atomically, tmp write then rename.
func (t *Table) Save(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	} else if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("filterext: create dir: %w", err)
	}

	t.mu.RLock()
	tf := tableFile{
		Version:   tableVersion,
		Numbers:   t.numbers,
		Patterns:  t.patterns,
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&tf)
	t.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("filterext: encode table: %w", err)
	}

	tmpPath := t.path + ".tmp"
	f, err := os.OpenFile(
		tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC,
		0o644,
	)
	if err != nil {
		return fmt.Errorf("filterext: open tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		closeErr := f.Close()
		if closeErr != nil {
			return fmt.Errorf("filterext: write: %v: close:%w", err, closeErr)
		}
		return fmt.Errorf("filterext: write: %w", err)
	} else if err := f.Sync(); err != nil {
		closeErr := f.Close()
		if closeErr != nil {
			return fmt.Errorf("filterext: fsync: %v: close:%w", err, closeErr)
		}
		return fmt.Errorf("filterext: fsync: %w", err)
	} else if err := f.Close(); err != nil {
		return fmt.Errorf("filterext: close: %w", err)
	} else if err := os.Rename(tmpPath, t.path); err != nil {
		return fmt.Errorf("filterext: rename tmp: %w", err)
	} else {
		return nil
	}
}

// Apply folds one chunk into the table. A reset drops everything; an
// apply adds or removes item by item. Items with wildcards go to the
// pattern map, literal numbers to the number map. A remove instruction
// with wildcards drops every matching entry from both.
func (t *Table) Apply(chunk *snapshot.Chunk) error {
	if chunk == nil {
		return errors.New("filterext: got nil chunk")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch chunk.Operation {
	case snapshot.OperationReset:
		t.numbers = make(map[string]Rule)
		t.patterns = make(map[string]Rule)
		return nil

	case snapshot.OperationApply:
		for _, item := range chunk.Items {
			if _, err := snapshot.ParseWireAction(item.Action); err != nil {
				return err
			}
			switch item.Action {
			case snapshot.WireActionRemove:
				t.removeLocked(item.Number)
			default:
				rule := Rule{Action: item.Action, Label: item.Label}
				if core.WildcardWidth(item.Number) > 0 {
					t.patterns[item.Number] = rule
				} else {
					t.numbers[item.Number] = rule
				}
			}
		}
		return nil

	default:
		return fmt.Errorf("filterext: unknown operation %q", chunk.Operation)
	}
}

func (t *Table) removeLocked(target string) {
	if core.WildcardWidth(target) == 0 {
		delete(t.numbers, target)
		delete(t.patterns, target)
		return
	}
	delete(t.patterns, target)
	for n := range t.numbers {
		if core.Matches(n, target) {
			delete(t.numbers, n)
		}
	}
	for p := range t.patterns {
		if core.Matches(p, target) {
			delete(t.patterns, p)
		}
	}
}

// Classify resolves one incoming number. Exact entries win over pattern
// matches.
func (t *Table) Classify(number string) (Rule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if rule, ok := t.numbers[number]; ok {
		return rule, true
	}
	for p, rule := range t.patterns {
		if core.Matches(number, p) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Counts reports table size for the logs.
func (t *Table) Counts() (numbers, patterns int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.numbers), len(t.patterns)
}
