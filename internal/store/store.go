// Package store wraps cockroachdb/pebble as the transactional
// key-valued store the exchange core assumes in spec: multi-key writes
// (an order with its index entry, a trade, a candle) commit through an
// atomic Batch, single-key writes go through Put, and conditional
// updates are implemented as read-check-write under a per-key stripe
// lock so a write never commits a negative field.
package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Store is a thin, typed wrapper around a pebble.DB.
type Store struct {
	db *pebble.DB
	// keyMu stripes key-level locks so conditional read-modify-write
	// sequences (reserve/release/settle) observe a consistent snapshot
	// even though pebble itself has no row-level transactions.
	keyMu sync.Map // string -> *sync.Mutex
}

// Open opens (or creates) a pebble database at dir. Pass "" for an
// in-memory store, used by tests.
func Open(dir string) (*Store, error) {
	opts := &pebble.Options{}
	if dir == "" {
		opts.FS = vfs.NewMem()
		dir = "mem"
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lockFor(key string) *sync.Mutex {
	v, _ := s.keyMu.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Get reads and JSON-decodes the value at key into dst. Returns
// ErrNotFound if the key is absent.
func (s *Store) Get(key string, dst any) error {
	val, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(val, dst)
}

// Put JSON-encodes v and writes it at key, synced to disk.
func (s *Store) Put(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(key), b, pebble.Sync)
}

// Batch is an atomic group of writes, committed together or not at all.
type Batch struct {
	b *pebble.Batch
}

// NewBatch starts a new atomic batch.
func (s *Store) NewBatch() *Batch {
	return &Batch{b: s.db.NewBatch()}
}

// Set stages a write in the batch.
func (b *Batch) Set(key string, v any) error {
	enc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.b.Set([]byte(key), enc, nil)
}

// Delete stages a delete in the batch.
func (b *Batch) Delete(key string) error {
	return b.b.Delete([]byte(key), nil)
}

// Commit applies every staged write atomically.
func (b *Batch) Commit() error {
	return b.b.Commit(pebble.Sync)
}

// Scan iterates over every key with the given prefix, invoking fn with
// the JSON-decoded value placed into a freshly allocated T via newT.
// Iteration stops early if fn returns false.
func Scan[T any](s *Store, prefix string, newT func() T, fn func(key string, v T) bool) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		v := newT()
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			return err
		}
		if !fn(string(iter.Key()), v) {
			break
		}
	}
	return iter.Error()
}

func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff, unbounded
}

// WithLock runs fn while holding the stripe lock for key, guaranteeing
// conditional-update callers observe a consistent read-modify-write.
func (s *Store) WithLock(key string, fn func() error) error {
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = fmt.Errorf("store: key not found")
