package pebble

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"github.com/eigerco/slotauction/pkg/db"
)

// Batch stages writes in a pebble batch. A batch is finished once it is
// committed or closed; any further use returns db.ErrBatchDone.
type Batch struct {
	store *KVStore
	batch *pebble.Batch
	done  atomic.Bool
}

func (p *KVStore) NewBatch() db.Batch {
	return &Batch{store: p, batch: p.db.NewBatch()}
}

func (b *Batch) Put(key, value []byte) error {
	if b.done.Load() {
		return db.ErrBatchDone
	}
	return b.batch.Set(key, value, nil)
}

func (b *Batch) Delete(key []byte) error {
	if b.done.Load() {
		return db.ErrBatchDone
	}
	return b.batch.Delete(key, nil)
}

// Commit applies the batch durably. Committing against a closed store fails
// with db.ErrClosed and leaves the batch open for Close.
func (b *Batch) Commit() error {
	if b.done.Load() {
		return db.ErrBatchDone
	}
	b.store.mu.RLock()
	defer b.store.mu.RUnlock()
	if b.store.closed {
		return db.ErrClosed
	}
	if err := b.batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit %d operations: %w", b.batch.Count(), err)
	}
	b.done.Store(true)
	return b.batch.Close()
}

// Close discards an uncommitted batch. Safe to call after Commit.
func (b *Batch) Close() error {
	if !b.done.CompareAndSwap(false, true) {
		return nil
	}
	return b.batch.Close()
}
