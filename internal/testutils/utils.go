package testutils

import (
	"crypto/rand"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eigerco/slotauction/internal/primitives"
	"github.com/eigerco/slotauction/internal/store"
	"github.com/eigerco/slotauction/pkg/db"
	"github.com/eigerco/slotauction/pkg/db/pebble"
)

var ErrInjected = errors.New("injected failure")

func RandomAccount(t *testing.T) primitives.AccountID {
	var id primitives.AccountID
	_, err := rand.Read(id[:])
	require.NoError(t, err)
	return id
}

// NewKVStore returns an in-memory pebble store closed at test cleanup.
func NewKVStore(t *testing.T) *pebble.KVStore {
	kv, err := pebble.NewKVStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

// NewStore returns a table store over a fresh in-memory database.
func NewStore(t *testing.T) *store.Store {
	return store.New(NewKVStore(t))
}

// FailingKVStore wraps a KVStore and fails batch commits while FailCommits
// is set. The first PassCommits commits after that still go through.
type FailingKVStore struct {
	db.KVStore
	FailCommits atomic.Bool
	PassCommits atomic.Int32
}

func NewFailingKVStore(t *testing.T) *FailingKVStore {
	return &FailingKVStore{KVStore: NewKVStore(t)}
}

func (f *FailingKVStore) NewBatch() db.Batch {
	return &failingBatch{Batch: f.KVStore.NewBatch(), parent: f}
}

type failingBatch struct {
	db.Batch
	parent *FailingKVStore
}

func (b *failingBatch) Commit() error {
	if b.parent.FailCommits.Load() && b.parent.PassCommits.Add(-1) < 0 {
		return ErrInjected
	}
	return b.Batch.Commit()
}
