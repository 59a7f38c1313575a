package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/eigerco/slotauction/pkg/db"
	"github.com/eigerco/slotauction/pkg/log"
	"github.com/eigerco/slotauction/pkg/serialization/codec"
)

const sweepWatermarkKey = "lease_sweep"

// Store persists the lease, auction, crowdloan and assigned slot tables in a
// KVStore.
type Store struct {
	db     db.KVStore
	codec  codec.Codec
	closed atomic.Bool
}

// New creates a store using the SCALE codec
func New(kv db.KVStore) *Store {
	return &Store{db: kv, codec: codec.Default}
}

// Batch stages writes across tables; nothing is visible until Commit.
type Batch struct {
	s     *Store
	batch db.Batch
	err   error
}

// NewBatch starts a new write batch.
func (s *Store) NewBatch() (*Batch, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	return &Batch{s: s, batch: s.db.NewBatch()}, nil
}

func (b *Batch) put(key []byte, v interface{}) {
	if b.err != nil {
		return
	}
	value, err := b.s.codec.Marshal(v)
	if err != nil {
		b.err = fmt.Errorf("marshal %s: %w", PrefixToString(key[0]), err)
		return
	}
	if err := b.batch.Put(key, value); err != nil {
		b.err = fmt.Errorf("store %s: %w", PrefixToString(key[0]), err)
	}
}

func (b *Batch) delete(key []byte) {
	if b.err != nil {
		return
	}
	if err := b.batch.Delete(key); err != nil {
		b.err = fmt.Errorf("delete %s: %w", PrefixToString(key[0]), err)
	}
}

func (b *Batch) PutLease(para, period uint32, rec LeaseRecord) {
	b.put(makeKey(prefixLease, para, period), rec)
}

func (b *Batch) DeleteLease(para, period uint32) {
	b.delete(makeKey(prefixLease, para, period))
}

func (b *Batch) PutSweepWatermark(period uint32) {
	b.put(makeMetaKey(sweepWatermarkKey), period)
}

func (b *Batch) PutAuction(rec AuctionRecord) {
	b.put(makeKey(prefixAuction), rec)
}

func (b *Batch) PutFund(rec FundRecord) {
	b.put(makeKey(prefixFund, rec.Para), rec)
}

func (b *Batch) DeleteFund(para uint32) {
	b.delete(makeKey(prefixFund, para))
}

func (b *Batch) PutContribution(para uint32, contributor [32]byte, rec ContributionRecord) {
	b.put(contributionKey(para, contributor), rec)
}

func (b *Batch) DeleteContribution(para uint32, contributor [32]byte) {
	b.delete(contributionKey(para, contributor))
}

func (b *Batch) PutAssignedSlot(rec AssignedSlotRecord) {
	b.put(makeKey(prefixAssignedSlot, rec.Para), rec)
}

func (b *Batch) DeleteAssignedSlot(para uint32) {
	b.delete(makeKey(prefixAssignedSlot, para))
}

// Commit writes every staged operation atomically. The first staging error,
// if any, is returned instead and nothing is written.
func (b *Batch) Commit() error {
	if b.err != nil {
		return b.err
	}
	if b.s.closed.Load() {
		return ErrStoreClosed
	}
	if err := b.batch.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Close discards the batch if it was not committed.
func (b *Batch) Close() error {
	return b.batch.Close()
}

func (s *Store) get(key []byte, v interface{}) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	value, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrRecordNotFound
		}
		return fmt.Errorf("get %s: %w", PrefixToString(key[0]), err)
	}
	if err := s.codec.Unmarshal(value, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", PrefixToString(key[0]), err)
	}
	return nil
}

// scan calls fn with every key/value under prefix.
func (s *Store) scan(prefix []byte, fn func(key, value []byte) error) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	iter, err := s.db.NewIterator(prefix, db.PrefixEnd(prefix))
	if err != nil {
		return fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	for iter.Next() {
		value, err := iter.Value()
		if err != nil {
			return fmt.Errorf("read %s value: %w", PrefixToString(prefix[0]), err)
		}
		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}
	return nil
}

// Leases returns every lease entry ordered by para then period.
func (s *Store) Leases() ([]LeaseEntry, error) {
	var entries []LeaseEntry
	err := s.scan([]byte{prefixLease}, func(key, value []byte) error {
		if len(key) != 9 {
			log.Store.Warn().Hex("key", key).Msg("skipping malformed lease key")
			return nil
		}
		e := LeaseEntry{
			Para:   binary.BigEndian.Uint32(key[1:5]),
			Period: binary.BigEndian.Uint32(key[5:9]),
		}
		if err := s.codec.Unmarshal(value, &e.LeaseRecord); err != nil {
			return fmt.Errorf("unmarshal lease: %w", err)
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// SweepWatermark returns the last lease period swept, if any.
func (s *Store) SweepWatermark() (uint32, bool, error) {
	var period uint32
	err := s.get(makeMetaKey(sweepWatermarkKey), &period)
	if errors.Is(err, ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return period, true, nil
}

// Auction returns the auction singleton, or ErrRecordNotFound before the
// first auction was ever stored.
func (s *Store) Auction() (AuctionRecord, error) {
	var rec AuctionRecord
	err := s.get(makeKey(prefixAuction), &rec)
	return rec, err
}

// Fund returns the fund for para.
func (s *Store) Fund(para uint32) (FundRecord, error) {
	var rec FundRecord
	err := s.get(makeKey(prefixFund, para), &rec)
	return rec, err
}

// Funds returns every fund ordered by para.
func (s *Store) Funds() ([]FundRecord, error) {
	var funds []FundRecord
	err := s.scan([]byte{prefixFund}, func(_, value []byte) error {
		var rec FundRecord
		if err := s.codec.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("unmarshal fund: %w", err)
		}
		funds = append(funds, rec)
		return nil
	})
	return funds, err
}

// Contributions returns para's contributions ordered by contributor.
func (s *Store) Contributions(para uint32) ([]ContributionEntry, error) {
	var entries []ContributionEntry
	err := s.scan(makeKey(prefixContribution, para), func(key, value []byte) error {
		if len(key) != 5+32 {
			log.Store.Warn().Hex("key", key).Msg("skipping malformed contribution key")
			return nil
		}
		var e ContributionEntry
		copy(e.Contributor[:], key[5:])
		if err := s.codec.Unmarshal(value, &e.ContributionRecord); err != nil {
			return fmt.Errorf("unmarshal contribution: %w", err)
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// AssignedSlots returns every assigned slot ordered by para.
func (s *Store) AssignedSlots() ([]AssignedSlotRecord, error) {
	var slots []AssignedSlotRecord
	err := s.scan([]byte{prefixAssignedSlot}, func(_, value []byte) error {
		var rec AssignedSlotRecord
		if err := s.codec.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("unmarshal assigned slot: %w", err)
		}
		slots = append(slots, rec)
		return nil
	})
	return slots, err
}

// Close closes the store and its KVStore
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func contributionKey(para uint32, contributor [32]byte) []byte {
	return append(makeKey(prefixContribution, para), contributor[:]...)
}
