package store

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/slotauction/pkg/db"
	"github.com/eigerco/slotauction/pkg/db/pebble"
)

func newStore(t *testing.T) *Store {
	kv, err := pebble.NewKVStore()
	require.NoError(t, err)
	s := New(kv)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func commit(t *testing.T, s *Store, fn func(b *Batch)) {
	b, err := s.NewBatch()
	require.NoError(t, err)
	defer b.Close()
	fn(b)
	require.NoError(t, b.Commit())
}

func TestLeases(t *testing.T) {
	s := newStore(t)
	leaser := [32]byte{7}

	commit(t, s, func(b *Batch) {
		for period := uint32(3); period > 0; period-- {
			b.PutLease(2001, period, LeaseRecord{Leaser: leaser, Deposit: 50})
		}
		b.PutLease(2000, 256, LeaseRecord{Leaser: leaser, Deposit: 100})
	})

	leases, err := s.Leases()
	require.NoError(t, err)
	require.Len(t, leases, 4)
	// Ordered by para then period despite insertion order
	assert.Equal(t, uint32(2000), leases[0].Para)
	assert.Equal(t, uint32(256), leases[0].Period)
	assert.Equal(t, uint64(100), leases[0].Deposit)
	for i, period := range []uint32{1, 2, 3} {
		assert.Equal(t, uint32(2001), leases[i+1].Para)
		assert.Equal(t, period, leases[i+1].Period)
		assert.Equal(t, leaser, leases[i+1].Leaser)
	}

	commit(t, s, func(b *Batch) { b.DeleteLease(2001, 1) })
	leases, err = s.Leases()
	require.NoError(t, err)
	assert.Len(t, leases, 3)
}

func TestAuctionSingleton(t *testing.T) {
	s := newStore(t)

	_, err := s.Auction()
	require.ErrorIs(t, err, ErrRecordNotFound)

	rec := AuctionRecord{
		Counter:       2,
		Opening:       true,
		StartBlock:    10,
		EarlyEnd:      30,
		EndingPeriod:  10,
		FirstPeriod:   4,
		LeaseDuration: 8,
		Bids:          []BidRecord{{Bidder: [32]byte{1}, Para: 2000, RangeFirst: 0, RangeLast: 7, Amount: 150, Block: 12}},
		Winning:       []SnapshotRecord{{Offset: 0, Bids: []BidRecord{{Bidder: [32]byte{1}, Para: 2000, RangeLast: 7, Amount: 150, Block: 12}}}},
		Reserved:      []ReservedRecord{{Bidder: [32]byte{1}, Para: 2000, Amount: 150}},
	}
	commit(t, s, func(b *Batch) { b.PutAuction(rec) })

	got, err := s.Auction()
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestFundsAndContributions(t *testing.T) {
	s := newStore(t)
	alice, bob := [32]byte{0xa}, [32]byte{0xb}

	commit(t, s, func(b *Batch) {
		b.PutFund(FundRecord{Para: 2001, Cap: 1000, Raised: 100, EndBlock: 50})
		b.PutFund(FundRecord{Para: 2000, Cap: 500})
		b.PutContribution(2001, bob, ContributionRecord{Amount: 60})
		b.PutContribution(2001, alice, ContributionRecord{Amount: 40})
		b.PutContribution(2000, alice, ContributionRecord{Amount: 1, Withdrawn: true})
	})

	fund, err := s.Fund(2001)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), fund.Raised)

	_, err = s.Fund(3000)
	require.ErrorIs(t, err, ErrRecordNotFound)

	funds, err := s.Funds()
	require.NoError(t, err)
	require.Len(t, funds, 2)
	assert.Equal(t, uint32(2000), funds[0].Para)

	contributions, err := s.Contributions(2001)
	require.NoError(t, err)
	require.Len(t, contributions, 2)
	assert.Equal(t, alice, contributions[0].Contributor)
	assert.Equal(t, uint64(40), contributions[0].Amount)
	assert.Equal(t, bob, contributions[1].Contributor)

	commit(t, s, func(b *Batch) {
		b.DeleteContribution(2001, alice)
		b.DeleteFund(2000)
	})
	contributions, err = s.Contributions(2001)
	require.NoError(t, err)
	assert.Len(t, contributions, 1)
	funds, err = s.Funds()
	require.NoError(t, err)
	assert.Len(t, funds, 1)
}

func TestAssignedSlots(t *testing.T) {
	s := newStore(t)

	commit(t, s, func(b *Batch) {
		b.PutAssignedSlot(AssignedSlotRecord{Para: 2001, Kind: 1, Assigned: 3})
		b.PutAssignedSlot(AssignedSlotRecord{Para: 2000, Assigned: 2, LastLease: 2, Leased: true, LeaseCount: 1})
		b.PutFund(FundRecord{Para: 2000})
	})
	slots, err := s.AssignedSlots()
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, AssignedSlotRecord{Para: 2000, Assigned: 2, LastLease: 2, Leased: true, LeaseCount: 1}, slots[0])
	assert.Equal(t, uint32(2001), slots[1].Para)

	commit(t, s, func(b *Batch) { b.DeleteAssignedSlot(2000) })
	slots, err = s.AssignedSlots()
	require.NoError(t, err)
	assert.Len(t, slots, 1)
}

func TestSweepWatermark(t *testing.T) {
	s := newStore(t)

	_, ok, err := s.SweepWatermark()
	require.NoError(t, err)
	assert.False(t, ok)

	commit(t, s, func(b *Batch) { b.PutSweepWatermark(5) })
	period, ok, err := s.SweepWatermark()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(5), period)
}

type failingKV struct {
	db.KVStore
	fail atomic.Bool
}

type failingBatch struct {
	db.Batch
	fail *atomic.Bool
}

func (f *failingKV) NewBatch() db.Batch {
	return &failingBatch{Batch: f.KVStore.NewBatch(), fail: &f.fail}
}

func (b *failingBatch) Commit() error {
	if b.fail.Load() {
		return errors.New("disk full")
	}
	return b.Batch.Commit()
}

func TestBatchAtomicity(t *testing.T) {
	kv, err := pebble.NewKVStore()
	require.NoError(t, err)
	fkv := &failingKV{KVStore: kv}
	s := New(fkv)
	defer s.Close()

	fkv.fail.Store(true)
	b, err := s.NewBatch()
	require.NoError(t, err)
	b.PutLease(2000, 0, LeaseRecord{Deposit: 1})
	b.PutLease(2000, 1, LeaseRecord{Deposit: 1})
	require.Error(t, b.Commit())
	require.NoError(t, b.Close())

	leases, err := s.Leases()
	require.NoError(t, err)
	assert.Empty(t, leases)
}

func TestClosed(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.NewBatch()
	require.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.Leases()
	require.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.Auction()
	require.ErrorIs(t, err, ErrStoreClosed)
}

func TestPrefixToString(t *testing.T) {
	assert.Equal(t, "lease", PrefixToString(prefixLease))
	assert.Equal(t, "contribution", PrefixToString(prefixContribution))
	assert.Equal(t, "assigned_slot", PrefixToString(prefixAssignedSlot))
	assert.Equal(t, "unknown", PrefixToString(0xff))
}
