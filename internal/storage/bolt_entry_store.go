package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mkravn/callfence/internal/core"
	bolt "go.etcd.io/bbolt"
)

// BoltEntryStore keeps entries and pipeline meta in a single bbolt file.
// It implements both EntryStore and StateStore.
type BoltEntryStore struct {
	db *bolt.DB
}

const (
	boltEntriesBucket = "callfence-entries"
	boltMetaBucket    = "callfence-meta"

	boltMetaKey = "pipeline"
)

func NewBoltEntryStore(path string) (*BoltEntryStore, error) {
	if path == "" {
		return nil, errors.New("storage: required bolt path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create bolt dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600,
		&bolt.Options{Timeout: time.Second},
	)
	if err != nil {
		return nil, fmt.Errorf("storage: opening bolt: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, berr := tx.CreateBucketIfNotExists([]byte(boltEntriesBucket)); berr != nil {
			return berr
		}
		_, berr := tx.CreateBucketIfNotExists([]byte(boltMetaBucket))
		return berr
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: cant init buckets: %w", err)
	}

	return &BoltEntryStore{db: db}, nil
}

func (s *BoltEntryStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltEntryStore) Upsert(ctx context.Context, entry *core.Entry) error {
	const op = "storage.BoltEntryStore.Upsert"
	if err := s.ready(ctx); err != nil {
		return err
	}
	if entry == nil {
		return errors.New("storage: required entry")
	}

	p, err := json.Marshal(entry)
	if err != nil {
		return core.NewStoreError("cant marshal entry", err, op)
	}
	return s.wrapStore(op, s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltEntriesBucket))
		if b == nil {
			return errors.New("storage: bucket miss")
		}
		return b.Put([]byte(entry.ID), p)
	}))
}

func (s *BoltEntryStore) Remove(ctx context.Context, id string) error {
	const op = "storage.BoltEntryStore.Remove"
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.wrapStore(op, s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltEntriesBucket))
		if b == nil {
			return errors.New("storage: bucket miss")
		}
		// Delete of an absent key is a no-op, which keeps retries safe.
		return b.Delete([]byte(id))
	}))
}

func (s *BoltEntryStore) Find(ctx context.Context, id string) (*core.Entry, error) {
	const op = "storage.BoltEntryStore.Find"
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	var entry *core.Entry
	if err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltEntriesBucket))
		if b == nil {
			return errors.New("storage: bucket miss")
		}
		value := b.Get([]byte(id))
		if value == nil {
			return nil
		}
		res := &core.Entry{}
		if err := json.Unmarshal(value, res); err != nil {
			return fmt.Errorf("storage: cant unmarshal entry: %w", err)
		}
		entry = res
		return nil
	}); err != nil {
		return nil, core.NewStoreError("find entry", err, op)
	}
	if entry == nil {
		return nil, core.NewEntryNotFoundError(id, op)
	}
	return entry, nil
}

func (s *BoltEntryStore) All(ctx context.Context) ([]*core.Entry, error) {
	return s.list(ctx, nil, 0)
}

func (s *BoltEntryStore) Pending(ctx context.Context, limit int) ([]*core.Entry, error) {
	pending := func(e *core.Entry) bool { return e.Pending() }
	return s.list(ctx, pending, limit)
}

// list loads entries matching keep (nil keeps all), sorted by added
// time, truncated to limit when limit > 0. The limit is applied after
// sorting so the dispatch order is stable across calls.
func (s *BoltEntryStore) list(ctx context.Context, keep func(*core.Entry) bool, limit int) ([]*core.Entry, error) {
	const op = "storage.BoltEntryStore.list"
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	res := make([]*core.Entry, 0)
	if err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltEntriesBucket))
		if b == nil {
			return errors.New("storage: bucket miss")
		}
		return b.ForEach(func(_, v []byte) error {
			e := &core.Entry{}
			if err := json.Unmarshal(v, e); err != nil {
				return fmt.Errorf("storage: cant unmarshal entry: %w", err)
			}
			if keep == nil || keep(e) {
				res = append(res, e)
			}
			return nil
		})
	}); err != nil {
		return nil, core.NewStoreError("list entries", err, op)
	}
	core.SortEntries(res)
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *BoltEntryStore) MarkCompleted(ctx context.Context, ids []string, at time.Time) error {
	const op = "storage.BoltEntryStore.MarkCompleted"
	if err := s.ready(ctx); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	return s.wrapStore(op, s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltEntriesBucket))
		if b == nil {
			return errors.New("storage: bucket miss")
		}
		for _, id := range ids {
			value := b.Get([]byte(id))
			if value == nil {
				// Already removed; retries must stay safe.
				continue
			}
			e := &core.Entry{}
			if err := json.Unmarshal(value, e); err != nil {
				return fmt.Errorf("storage: cant unmarshal entry: %w", err)
			}
			if e.CompletedAt != nil {
				continue
			}
			ts := at
			e.CompletedAt = &ts
			p, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("storage: cant marshal entry: %w", err)
			}
			if err := b.Put([]byte(id), p); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (s *BoltEntryStore) MarkAllPending(ctx context.Context) error {
	const op = "storage.BoltEntryStore.MarkAllPending"
	if err := s.ready(ctx); err != nil {
		return err
	}

	return s.wrapStore(op, s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltEntriesBucket))
		if b == nil {
			return errors.New("storage: bucket miss")
		}
		// Writes happen after the walk: mutating a bucket inside
		// ForEach is not allowed.
		updates := make(map[string][]byte)
		if err := b.ForEach(func(k, v []byte) error {
			e := &core.Entry{}
			if err := json.Unmarshal(v, e); err != nil {
				return fmt.Errorf("storage: cant unmarshal entry: %w", err)
			}
			if e.CompletedAt == nil {
				return nil
			}
			e.CompletedAt = nil
			p, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("storage: cant marshal entry: %w", err)
			}
			updates[string(k)] = p
			return nil
		}); err != nil {
			return err
		}
		for k, p := range updates {
			if err := b.Put([]byte(k), p); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (s *BoltEntryStore) CountPending(ctx context.Context) (int, error) {
	entries, err := s.Pending(ctx, 0)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (s *BoltEntryStore) Count(ctx context.Context) (int, error) {
	const op = "storage.BoltEntryStore.Count"
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	n := 0
	if err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltEntriesBucket))
		if b == nil {
			return errors.New("storage: bucket miss")
		}
		n = b.Stats().KeyN
		return nil
	}); err != nil {
		return 0, core.NewStoreError("count entries", err, op)
	}
	return n, nil
}

func (s *BoltEntryStore) ApplyDiff(ctx context.Context, upserts []*core.Entry, removals []string) error {
	const op = "storage.BoltEntryStore.ApplyDiff"
	if err := s.ready(ctx); err != nil {
		return err
	}

	payloads := make([][]byte, len(upserts))
	for i, e := range upserts {
		if e == nil {
			return errors.New("storage: nil entry in diff")
		}
		p, err := json.Marshal(e)
		if err != nil {
			return core.NewStoreError("cant marshal entry", err, op)
		}
		payloads[i] = p
	}

	return s.wrapStore(op, s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltEntriesBucket))
		if b == nil {
			return errors.New("storage: bucket miss")
		}
		for i, e := range upserts {
			if err := b.Put([]byte(e.ID), payloads[i]); err != nil {
				return err
			}
		}
		for _, id := range removals {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (s *BoltEntryStore) Clear(ctx context.Context) error {
	const op = "storage.BoltEntryStore.Clear"
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.wrapStore(op, s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(boltEntriesBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(boltEntriesBucket))
		return err
	}))
}

func (s *BoltEntryStore) SaveMeta(ctx context.Context, meta *PipelineMeta) error {
	const op = "storage.BoltEntryStore.SaveMeta"
	if err := s.ready(ctx); err != nil {
		return err
	}
	if meta == nil {
		return errors.New("storage: required meta")
	}

	p, err := json.Marshal(meta)
	if err != nil {
		return core.NewStoreError("cant marshal meta", err, op)
	}
	return s.wrapStore(op, s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltMetaBucket))
		if b == nil {
			return errors.New("storage: bucket miss")
		}
		return b.Put([]byte(boltMetaKey), p)
	}))
}

func (s *BoltEntryStore) LoadMeta(ctx context.Context) (*PipelineMeta, error) {
	const op = "storage.BoltEntryStore.LoadMeta"
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	meta := &PipelineMeta{State: core.UpdateStateIdle}
	if err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltMetaBucket))
		if b == nil {
			return errors.New("storage: bucket miss")
		}
		value := b.Get([]byte(boltMetaKey))
		if value == nil {
			return nil
		}
		res := &PipelineMeta{}
		if err := json.Unmarshal(value, res); err != nil {
			return fmt.Errorf("storage: cant unmarshal meta: %w", err)
		}
		meta = res
		return nil
	}); err != nil {
		return nil, core.NewStoreError("load meta", err, op)
	}
	return meta, nil
}

func (s *BoltEntryStore) ready(ctx context.Context) error {
	if s.db == nil {
		return errors.New("storage: bolt not init")
	}
	return ctx.Err()
}

func (s *BoltEntryStore) wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	return core.NewStoreError("commit failed", err, op)
}
