// Package journal persists the update pipeline's state transitions as an
// append-only JSON-lines log. The log is the durable transition record
// consulted by crash recovery and by tests asserting the lifecycle order.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mkravn/callfence/internal/core"
)

const CurrentVersion = 1

// Transition is one recorded state change.
type Transition struct {
	Version int `json:"version"`

	From core.UpdateState `json:"from"`
	To   core.UpdateState `json:"to"`
	// Reason carries the human-readable cause for error transitions.
	Reason string `json:"reason,omitempty"`

	At time.Time `json:"at"`
}

// Log defines the minimal journal operations. Implementations must
// guarantee ordering and durability of appended transitions and be
// concurrent-safe.
type Log interface {
	Append(ctx context.Context, transitions ...Transition) error
	Flush(ctx context.Context) error
	Close() error
}

type FileLog struct {
	Closed bool

	file *os.File
	wrt  *bufio.Writer

	path string
	mu   sync.Mutex
}

const DefaultBufSize = 16 * 1024
const MaxScanBufSize = 1024 * 1024

func NewFileLog(path string) (*FileLog, error) {
	if path == "" {
		return nil, errors.New("journal: path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open file: %w", err)
	}

	return &FileLog{
		wrt:  bufio.NewWriterSize(f, DefaultBufSize),
		file: f,
		path: path,
	}, nil
}

func (fl *FileLog) Append(ctx context.Context, trs ...Transition) error {
	if len(trs) == 0 || fl.Closed {
		return nil
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	for _, tr := range trs {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(tr)
		if err != nil {
			return fmt.Errorf("journal: encode transition: %w", err)
		}
		if _, err := fl.wrt.Write(data); err != nil {
			return fmt.Errorf("journal: write transition: %w", err)
		}
		if err := fl.wrt.WriteByte('\n'); err != nil {
			return fmt.Errorf("journal: write transition: %w", err)
		}
	}
	return nil
}

func (fl *FileLog) Flush(ctx context.Context) error {
	if fl.Closed {
		return nil
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fl.wrt.Flush(); err != nil {
		return fmt.Errorf("journal: flush: %w", err)
	}
	if err := fl.file.Sync(); err != nil {
		return fmt.Errorf("journal: fsync: %w", err)
	}
	return nil
}

func (fl *FileLog) Close() error {
	if fl.file == nil || fl.wrt == nil {
		return nil
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	combErr := errors.New("journal: close errors")
	gotErr := false

	if err := fl.wrt.Flush(); err != nil && !errors.Is(err, os.ErrClosed) {
		combErr = fmt.Errorf("%w: flush: %v", combErr, err)
		gotErr = true
	}
	if err := fl.file.Sync(); err != nil {
		combErr = fmt.Errorf("%w: fsync: %v", combErr, err)
		gotErr = true
	}
	if err := fl.file.Close(); err != nil {
		combErr = fmt.Errorf("%w: close: %v", combErr, err)
		gotErr = true
	}
	fl.wrt = nil
	fl.file = nil
	fl.Closed = true
	if !gotErr {
		return nil
	}
	return combErr
}

func (fl *FileLog) Path() string {
	return fl.path
}

// ReadAll loads every recorded transition in append order. Trailing
// torn writes after a crash are tolerated and cut off.
func ReadAll(ctx context.Context, path string) ([]Transition, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: readall open: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	buf := make([]byte, 0, DefaultBufSize)
	sc.Buffer(buf, MaxScanBufSize)
	trs := make([]Transition, 0, 64)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bytes := sc.Bytes()
		if len(bytes) == 0 {
			continue
		}

		tr := Transition{}
		if err := json.Unmarshal(bytes, &tr); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			var se *json.SyntaxError
			if errors.As(err, &se) {
				break
			}
			return nil, fmt.Errorf("journal: decode transition: %w", err)
		}
		trs = append(trs, tr)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("journal: scan: %w", err)
	}
	return trs, nil
}
