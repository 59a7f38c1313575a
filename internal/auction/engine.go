// Package auction runs parachain slot auctions. One auction is open at a
// time; it closes on a candle: the winner is taken from the bids that were
// live at a block sampled after the ending window is over.
package auction

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/eigerco/slotauction/internal/chaintime"
	"github.com/eigerco/slotauction/internal/event"
	"github.com/eigerco/slotauction/internal/leases"
	"github.com/eigerco/slotauction/internal/origin"
	"github.com/eigerco/slotauction/internal/primitives"
	"github.com/eigerco/slotauction/internal/registrar"
	"github.com/eigerco/slotauction/internal/safemath"
	"github.com/eigerco/slotauction/internal/slotrange"
	"github.com/eigerco/slotauction/internal/store"
	"github.com/eigerco/slotauction/pkg/log"
)

// Currency holds bid reserves.
type Currency interface {
	Reserve(acct primitives.AccountID, amt primitives.Balance) error
	// Unreserve returns the part of amt that could not be released.
	Unreserve(acct primitives.AccountID, amt primitives.Balance) primitives.Balance
}

// LeaseLedger is the part of the lease ledger the engine drives.
type LeaseLedger interface {
	SetBlock(b chaintime.BlockNumber)
	CheckFree(para primitives.ParaID, first, last chaintime.LeasePeriod) error
	Lease(para primitives.ParaID) (leases.Lease, bool)
	Occupant(para primitives.ParaID, period chaintime.LeasePeriod) (leases.Occupant, bool)
	AdditionalDeposit(para primitives.ParaID, leaser primitives.AccountID, deposit primitives.Balance) primitives.Balance
	Claim(para primitives.ParaID, leaser primitives.AccountID, first, last chaintime.LeasePeriod, deposit primitives.Balance, also ...leases.Stage) (primitives.Balance, error)
	Extend(para primitives.ParaID, leaser primitives.AccountID, newLast chaintime.LeasePeriod, deposit primitives.Balance, also ...leases.Stage) (primitives.Balance, error)
	Swap(a, b primitives.ParaID) error
	SweepExpired(current chaintime.LeasePeriod) (primitives.Balance, error)
	ClearAll(para primitives.ParaID) (primitives.Balance, error)
}

// Deps are the collaborators of an Engine. Store must be the store Ledger
// persists to, so a settlement commits in one batch. Bus may be nil.
type Deps struct {
	Store    *store.Store
	Ledger   LeaseLedger
	Currency Currency
	Auth     origin.Authorizer
	Registry registrar.Registry
	Bus      *event.Bus
}

type bidKey struct {
	bidder primitives.AccountID
	para   primitives.ParaID
}

// Engine is the auction state machine. It is not safe for concurrent use;
// callers serialize access.
type Engine struct {
	cfg     Config
	deps    Deps
	metrics *engineMetrics
	logger  zerolog.Logger

	block  chaintime.BlockNumber
	period chaintime.LeasePeriod

	state       State
	sampled     bool
	closeOffset uint32
	// bids holds one live bid per (bidder, para).
	bids map[bidKey]Bid
	// reserved is what the auction holds for each (bidder, para). It equals
	// the amount of the live bid.
	reserved map[bidKey]primitives.Balance
	// winning holds, per offset of the ending window, the bids placed at that
	// offset. The bids live at an offset are the latest of each (bidder, para)
	// up to and including it.
	winning map[uint32][]Bid
	last    *Result
}

// New restores the engine from the store. reg may be nil.
func New(cfg Config, deps Deps, reg prometheus.Registerer) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		deps:     deps,
		logger:   log.Auction,
		bids:     make(map[bidKey]Bid),
		reserved: make(map[bidKey]primitives.Balance),
		winning:  make(map[uint32][]Bid),
	}
	if reg != nil {
		e.metrics = &engineMetrics{}
		e.metrics.init(reg)
	}
	if err := e.load(); err != nil {
		return nil, fmt.Errorf("load auction: %w", err)
	}
	return e, nil
}

func (e *Engine) load() error {
	rec, err := e.deps.Store.Auction()
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	e.state.Index = rec.Counter
	if !rec.Opening {
		return nil
	}
	e.state = State{
		Phase:         Opening,
		Index:         rec.Counter,
		StartBlock:    chaintime.BlockNumber(rec.StartBlock),
		EarlyEnd:      chaintime.BlockNumber(rec.EarlyEnd),
		WindowEnd:     chaintime.BlockNumber(rec.EarlyEnd).Add(chaintime.BlockNumber(rec.EndingPeriod)),
		FirstPeriod:   chaintime.LeasePeriod(rec.FirstPeriod),
		LeaseDuration: rec.LeaseDuration,
	}
	e.sampled, e.closeOffset = rec.Sampled, rec.CloseOffset

	for _, br := range rec.Bids {
		b, err := bidFromRecord(br)
		if err != nil {
			return err
		}
		e.bids[bidKey{bidder: b.Bidder, para: b.Para}] = b
	}
	for _, snap := range rec.Winning {
		bids := make([]Bid, 0, len(snap.Bids))
		for _, br := range snap.Bids {
			b, err := bidFromRecord(br)
			if err != nil {
				return err
			}
			bids = append(bids, b)
		}
		e.winning[snap.Offset] = bids
	}
	for _, r := range rec.Reserved {
		e.reserved[bidKey{bidder: r.Bidder, para: primitives.ParaID(r.Para)}] = primitives.Balance(r.Amount)
	}
	e.updateReservedGauge()
	return nil
}

func bidFromRecord(br store.BidRecord) (Bid, error) {
	r, err := slotrange.New(br.RangeFirst, br.RangeLast)
	if err != nil {
		return Bid{}, fmt.Errorf("stored bid: %w", err)
	}
	return Bid{
		Bidder: br.Bidder,
		Para:   primitives.ParaID(br.Para),
		Range:  r,
		Amount: primitives.Balance(br.Amount),
		Block:  chaintime.BlockNumber(br.Block),
	}, nil
}

func bidToRecord(b Bid) store.BidRecord {
	return store.BidRecord{
		Bidder:     b.Bidder,
		Para:       uint32(b.Para),
		RangeFirst: b.Range.First,
		RangeLast:  b.Range.Last,
		Amount:     uint64(b.Amount),
		Block:      uint32(b.Block),
	}
}

func (e *Engine) record() store.AuctionRecord {
	rec := store.AuctionRecord{
		Counter: e.state.Index,
		Opening: e.state.Phase == Opening,
	}
	if !rec.Opening {
		return rec
	}
	rec.StartBlock = uint32(e.state.StartBlock)
	rec.EarlyEnd = uint32(e.state.EarlyEnd)
	rec.EndingPeriod = uint32(e.state.WindowEnd - e.state.EarlyEnd)
	rec.FirstPeriod = uint32(e.state.FirstPeriod)
	rec.LeaseDuration = e.state.LeaseDuration
	rec.Sampled, rec.CloseOffset = e.sampled, e.closeOffset

	for _, b := range e.Bids() {
		rec.Bids = append(rec.Bids, bidToRecord(b))
	}
	for _, offset := range slices.Sorted(maps.Keys(e.winning)) {
		snap := store.SnapshotRecord{Offset: offset}
		for _, b := range e.winning[offset] {
			snap.Bids = append(snap.Bids, bidToRecord(b))
		}
		rec.Winning = append(rec.Winning, snap)
	}
	for _, key := range e.reservedKeys() {
		rec.Reserved = append(rec.Reserved, store.ReservedRecord{
			Bidder: key.bidder,
			Para:   uint32(key.para),
			Amount: uint64(e.reserved[key]),
		})
	}
	return rec
}

func (e *Engine) persist() error {
	return e.commit(func(b *store.Batch) { b.PutAuction(e.record()) })
}

func (e *Engine) commit(stage leases.Stage) error {
	b, err := e.deps.Store.NewBatch()
	if err != nil {
		return err
	}
	defer b.Close()
	stage(b)
	if err := b.Commit(); err != nil {
		return fmt.Errorf("persist auction: %w", err)
	}
	return nil
}

// Advance moves the engine to block b inside lease period p. It is called at
// the start of every tick, before any extrinsic of that block.
func (e *Engine) Advance(b chaintime.BlockNumber, p chaintime.LeasePeriod) {
	e.block, e.period = b, p
	e.deps.Ledger.SetBlock(b)
}

// NewAuction opens an auction for leaseDuration periods starting lead periods
// after the current one.
func (e *Engine) NewAuction(o origin.Origin, leaseDuration uint8, lead uint32) (State, error) {
	if err := origin.Ensure(e.deps.Auth, o); err != nil {
		return State{}, err
	}
	if e.state.Phase != Inactive {
		return State{}, ErrAuctionInProgress
	}
	if leaseDuration == 0 || leaseDuration > slotrange.LeasePeriodsPerSlot {
		return State{}, fmt.Errorf("%w: %d", ErrInvalidLeaseDuration, leaseDuration)
	}

	prev := e.state
	earlyEnd := e.block.Add(e.cfg.AuctionDuration)
	e.state = State{
		Phase:         Opening,
		Index:         prev.Index + 1,
		StartBlock:    e.block,
		EarlyEnd:      earlyEnd,
		WindowEnd:     earlyEnd.Add(e.cfg.EndingPeriod),
		FirstPeriod:   e.period.Add(lead),
		LeaseDuration: leaseDuration,
	}
	e.sampled, e.closeOffset = false, 0
	if err := e.persist(); err != nil {
		e.state = prev
		return State{}, err
	}

	if e.metrics != nil {
		e.metrics.auctions.Inc()
	}
	first, last := e.state.Periods()
	e.logger.Info().
		Uint32("index", e.state.Index).
		Uint32("first_period", uint32(first)).
		Uint32("last_period", uint32(last)).
		Uint32("early_end", uint32(e.state.EarlyEnd)).
		Uint32("window_end", uint32(e.state.WindowEnd)).
		Msg("auction started")
	e.deps.Bus.Publish(event.NewEvent(event.AuctionStartedEventType, e.block, event.AuctionStartedEvent{
		Index:         e.state.Index,
		FirstPeriod:   e.state.FirstPeriod,
		LeaseDuration: leaseDuration,
		EarlyEnd:      e.state.EarlyEnd,
		WindowEnd:     e.state.WindowEnd,
	}))
	return e.state, nil
}

// Bid places or raises p's bid for para. Only the difference to what p
// already has reserved for para is reserved.
func (e *Engine) Bid(p Principal, para primitives.ParaID, r slotrange.SlotRange, amount primitives.Balance) error {
	if err := e.bid(p.Account(), para, r, amount); err != nil {
		e.countBid("rejected")
		e.logger.Debug().Err(err).
			Stringer("bidder", p.Account()).
			Stringer("para", para).
			Stringer("range", r).
			Uint64("amount", uint64(amount)).
			Msg("bid rejected")
		return err
	}
	e.countBid("accepted")
	e.logger.Info().
		Stringer("bidder", p.Account()).
		Stringer("para", para).
		Stringer("range", r).
		Uint64("amount", uint64(amount)).
		Msg("bid accepted")
	return nil
}

func (e *Engine) bid(bidder primitives.AccountID, para primitives.ParaID, r slotrange.SlotRange, amount primitives.Balance) error {
	if e.state.Phase != Opening || e.block >= e.state.WindowEnd {
		return ErrAuctionNotOpen
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRange, err)
	}
	if r.Last >= e.state.LeaseDuration {
		return fmt.Errorf("%w: %s exceeds %d periods", ErrRangeNotBiddable, r, e.state.LeaseDuration)
	}
	if e.deps.Registry == nil || !e.deps.Registry.IsBiddable(para) {
		return fmt.Errorf("%w: %s", ErrParaNotBiddable, para)
	}
	first, last := r.Periods(e.state.FirstPeriod)
	if err := e.deps.Ledger.CheckFree(para, first, last); err != nil {
		return fmt.Errorf("%w: %w", ErrRangeNotBiddable, err)
	}

	key := bidKey{bidder: bidder, para: para}
	prev, hadPrev := e.bids[key]
	if amount == 0 || (hadPrev && amount <= prev.Amount) {
		return fmt.Errorf("%w: %d", ErrBidTooLow, amount)
	}
	held := e.reserved[key]
	delta := safemath.SaturatingSub(amount, held)
	if err := e.deps.Currency.Reserve(bidder, delta); err != nil {
		return fmt.Errorf("%w: %w", ErrInsufficientReserve, err)
	}

	offset := e.currentOffset()
	prevSnap, hadSnap := e.winning[offset]
	placed := Bid{Bidder: bidder, Para: para, Range: r, Amount: amount, Block: e.block}
	e.bids[key] = placed
	e.reserved[key] = held + delta
	e.winning[offset] = withBid(prevSnap, placed)

	if err := e.persist(); err != nil {
		if hadPrev {
			e.bids[key] = prev
		} else {
			delete(e.bids, key)
		}
		if held > 0 {
			e.reserved[key] = held
		} else {
			delete(e.reserved, key)
		}
		if hadSnap {
			e.winning[offset] = prevSnap
		} else {
			delete(e.winning, offset)
		}
		e.unreserve(bidder, delta)
		return err
	}
	e.updateReservedGauge()
	return nil
}

// currentOffset is the ending window offset of the current block. Blocks
// before the window map to offset 0.
func (e *Engine) currentOffset() uint32 {
	if e.block < e.state.EarlyEnd {
		return 0
	}
	return uint32(e.block - e.state.EarlyEnd)
}

// OnTick runs the end of block bookkeeping: it settles the auction once the
// ending window is over and then sweeps expired leases. seed must come from
// data of an earlier block.
func (e *Engine) OnTick(b chaintime.BlockNumber, p chaintime.LeasePeriod, seed primitives.Hash) error {
	e.Advance(b, p)

	var settleErr error
	if e.state.Phase == Opening && b >= e.state.WindowEnd {
		settleErr = e.settle(seed)
	}
	if _, err := e.deps.Ledger.SweepExpired(p); err != nil {
		return errors.Join(settleErr, fmt.Errorf("sweep leases: %w", err))
	}
	return settleErr
}

func (e *Engine) settle(seed primitives.Hash) error {
	idx := e.state.Index
	if !e.sampled {
		e.closeOffset = SampleOffset(seed, idx, e.state.WindowEnd-e.state.EarlyEnd)
		e.sampled = true
		if err := e.persist(); err != nil {
			e.sampled, e.closeOffset = false, 0
			e.countSettlement("aborted")
			return fmt.Errorf("settle auction %d: %w", idx, err)
		}
	}

	base := e.state.FirstPeriod
	var winner *Bid
	for _, b := range e.Winning(e.closeOffset) {
		first, last := b.Range.Periods(base)
		if err := e.deps.Ledger.CheckFree(b.Para, first, last); err != nil {
			e.logger.Debug().Err(err).Stringer("bid", b).Msg("bid no longer claimable")
			continue
		}
		if winner == nil || b.better(*winner) {
			w := b
			winner = &w
		}
	}

	res := Result{Index: idx, Winner: winner, CloseBlock: e.block, Offset: e.closeOffset}
	settled := store.AuctionRecord{Counter: idx}
	stage := func(b *store.Batch) { b.PutAuction(settled) }
	var (
		keep primitives.Balance
		err  error
	)
	if winner != nil {
		res.First, res.Last = winner.Range.Periods(base)
		keep, err = e.assign(*winner, res.First, res.Last, stage)
	} else {
		err = e.commit(stage)
	}
	if err != nil {
		e.countSettlement("aborted")
		ev := e.logger.Warn().Err(err).Uint32("index", idx)
		if winner != nil {
			ev = ev.Stringer("winner", winner)
		}
		ev.Msg("settlement aborted, retrying next block")
		return fmt.Errorf("settle auction %d: %w", idx, err)
	}

	var winnerKey *bidKey
	if winner != nil {
		key := bidKey{bidder: winner.Bidder, para: winner.Para}
		winnerKey = &key
		e.unreserve(winner.Bidder, safemath.SaturatingSub(e.reserved[key], keep))
		delete(e.reserved, key)
	}
	for _, key := range e.reservedKeys() {
		e.unreserve(key.bidder, e.reserved[key])
	}
	for _, b := range e.Bids() {
		if winnerKey != nil && b.Bidder == winnerKey.bidder && b.Para == winnerKey.para {
			continue
		}
		res.Losers = append(res.Losers, b)
	}

	e.state = State{Phase: Ended, Index: idx}
	e.resetBids()
	e.last = &res

	if winner != nil {
		e.countSettlement("won")
		e.logger.Info().
			Uint32("index", idx).
			Stringer("winner", winner).
			Uint32("offset", res.Offset).
			Msg("auction settled")
	} else {
		e.countSettlement("no_winner")
		e.logger.Info().Uint32("index", idx).Msg("auction closed without winner")
	}
	e.deps.Bus.Publish(event.NewEvent(event.AuctionSettledEventType, e.block, res))
	e.state.Phase = Inactive
	e.deps.Bus.Publish(event.NewEvent(event.AuctionClosedEventType, e.block, event.AuctionClosedEvent{Index: idx}))
	return nil
}

// assign hands the won periods to the winner, extending its lease when the
// range directly follows it, and commits stage with the lease. It returns
// what must stay reserved as deposit.
func (e *Engine) assign(winner Bid, first, last chaintime.LeasePeriod, stage leases.Stage) (primitives.Balance, error) {
	ledger := e.deps.Ledger
	if lease, ok := ledger.Lease(winner.Para); ok && lease.Last.Next() == first {
		if occ, ok := ledger.Occupant(winner.Para, lease.Last); ok && occ.Leaser == winner.Bidder {
			return ledger.Extend(winner.Para, winner.Bidder, last, winner.Amount, stage)
		}
	}
	return ledger.Claim(winner.Para, winner.Bidder, first, last, winner.Amount, stage)
}

// CancelAuction closes the open auction without a winner and releases every
// bid reserve.
func (e *Engine) CancelAuction(o origin.Origin) error {
	if err := origin.Ensure(e.deps.Auth, o); err != nil {
		return err
	}
	if e.state.Phase != Opening {
		return ErrAuctionNotOpen
	}

	prevState, prevSampled, prevOffset := e.state, e.sampled, e.closeOffset
	prevBids, prevReserved, prevWinning := e.bids, e.reserved, e.winning
	idx := e.state.Index
	e.state = State{Phase: Inactive, Index: idx}
	e.resetBids()
	if err := e.persist(); err != nil {
		e.state, e.sampled, e.closeOffset = prevState, prevSampled, prevOffset
		e.bids, e.reserved, e.winning = prevBids, prevReserved, prevWinning
		return err
	}

	for _, key := range slices.SortedFunc(maps.Keys(prevReserved), compareKeys) {
		e.unreserve(key.bidder, prevReserved[key])
	}
	e.countSettlement("cancelled")
	e.logger.Info().Uint32("index", idx).Msg("auction cancelled")
	e.deps.Bus.Publish(event.NewEvent(event.AuctionClosedEventType, e.block, event.AuctionClosedEvent{
		Index:     idx,
		Cancelled: true,
	}))
	return nil
}

// SwapLeases exchanges the leases of two paras.
func (e *Engine) SwapLeases(o origin.Origin, a, b primitives.ParaID) error {
	if err := origin.Ensure(e.deps.Auth, o); err != nil {
		return err
	}
	return e.deps.Ledger.Swap(a, b)
}

// ForceLease grants leaser the periods [first, last] of para outside any
// auction, reserving amount as deposit.
func (e *Engine) ForceLease(o origin.Origin, para primitives.ParaID, leaser primitives.AccountID, amount primitives.Balance, first, last chaintime.LeasePeriod) error {
	if err := origin.Ensure(e.deps.Auth, o); err != nil {
		return err
	}
	additional := e.deps.Ledger.AdditionalDeposit(para, leaser, amount)
	if err := e.deps.Currency.Reserve(leaser, additional); err != nil {
		return fmt.Errorf("%w: %w", ErrInsufficientReserve, err)
	}
	if _, err := e.deps.Ledger.Claim(para, leaser, first, last, amount); err != nil {
		e.unreserve(leaser, additional)
		return err
	}
	return nil
}

// ClearAllLeases removes every lease of para and returns the deposits.
func (e *Engine) ClearAllLeases(o origin.Origin, para primitives.ParaID) (primitives.Balance, error) {
	if err := origin.Ensure(e.deps.Auth, o); err != nil {
		return 0, err
	}
	return e.deps.Ledger.ClearAll(para)
}

// State returns the current auction state.
func (e *Engine) State() State {
	return e.state
}

// Bids returns the live bids ordered by para and bidder.
func (e *Engine) Bids() []Bid {
	return sortedBids(e.bids)
}

// Winning returns the bids that were live at the given offset of the ending
// window, ordered by para and bidder.
func (e *Engine) Winning(offset uint32) []Bid {
	live := make(map[bidKey]Bid)
	for _, o := range slices.Sorted(maps.Keys(e.winning)) {
		if o > offset {
			break
		}
		for _, b := range e.winning[o] {
			live[bidKey{bidder: b.Bidder, para: b.Para}] = b
		}
	}
	if len(live) == 0 {
		return nil
	}
	return sortedBids(live)
}

func sortedBids(bids map[bidKey]Bid) []Bid {
	out := slices.Collect(maps.Values(bids))
	slices.SortFunc(out, func(a, b Bid) int {
		return compareKeys(bidKey{bidder: a.Bidder, para: a.Para}, bidKey{bidder: b.Bidder, para: b.Para})
	})
	return out
}

// withBid returns a copy of bids with b replacing any earlier bid of the same
// bidder for the same para.
func withBid(bids []Bid, b Bid) []Bid {
	out := make([]Bid, 0, len(bids)+1)
	for _, o := range bids {
		if o.Bidder != b.Bidder || o.Para != b.Para {
			out = append(out, o)
		}
	}
	return append(out, b)
}

// ReservedAmount is what the open auction holds in reserve for bidder on para.
func (e *Engine) ReservedAmount(bidder primitives.AccountID, para primitives.ParaID) primitives.Balance {
	return e.reserved[bidKey{bidder: bidder, para: para}]
}

// LastResult returns the outcome of the most recent settlement since startup.
func (e *Engine) LastResult() (Result, bool) {
	if e.last == nil {
		return Result{}, false
	}
	return *e.last, true
}

// SampleOffset picks the closing offset in [0, window) from seed and the
// auction index.
func SampleOffset(seed primitives.Hash, index uint32, window chaintime.BlockNumber) uint32 {
	if window == 0 {
		return 0
	}
	var buf [36]byte
	copy(buf[:32], seed[:])
	binary.LittleEndian.PutUint32(buf[32:], index)
	h := primitives.HashData(buf[:])
	return uint32(binary.LittleEndian.Uint64(h[:8]) % uint64(window))
}

func (e *Engine) resetBids() {
	e.sampled, e.closeOffset = false, 0
	e.bids = make(map[bidKey]Bid)
	e.reserved = make(map[bidKey]primitives.Balance)
	e.winning = make(map[uint32][]Bid)
	e.updateReservedGauge()
}

func (e *Engine) reservedKeys() []bidKey {
	return slices.SortedFunc(maps.Keys(e.reserved), compareKeys)
}

func compareKeys(a, b bidKey) int {
	if a.para != b.para {
		if a.para < b.para {
			return -1
		}
		return 1
	}
	return a.bidder.Compare(b.bidder)
}

func (e *Engine) unreserve(acct primitives.AccountID, amt primitives.Balance) {
	if shortfall := e.deps.Currency.Unreserve(acct, amt); shortfall > 0 {
		e.logger.Warn().
			Stringer("account", acct).
			Uint64("shortfall", uint64(shortfall)).
			Msg("bid reserve only partially released")
	}
}

func (e *Engine) updateReservedGauge() {
	if e.metrics == nil {
		return
	}
	var total primitives.Balance
	for _, amt := range e.reserved {
		total += amt
	}
	e.metrics.reserved.Set(float64(total))
}

func (e *Engine) countBid(outcome string) {
	if e.metrics != nil {
		e.metrics.bids.WithLabelValues(outcome).Inc()
	}
}

func (e *Engine) countSettlement(outcome string) {
	if e.metrics != nil {
		e.metrics.settlements.WithLabelValues(outcome).Inc()
	}
}
