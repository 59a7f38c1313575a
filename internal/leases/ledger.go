// Package leases is the ledger of parachain slot leases. It records, for each
// (para, lease period), the account holding the lease and the deposit backing
// it. Only the auction engine mutates it.
package leases

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/eigerco/slotauction/internal/chaintime"
	"github.com/eigerco/slotauction/internal/event"
	"github.com/eigerco/slotauction/internal/primitives"
	"github.com/eigerco/slotauction/internal/safemath"
	"github.com/eigerco/slotauction/internal/store"
	"github.com/eigerco/slotauction/pkg/log"
)

// Currency releases deposits back to leasers.
type Currency interface {
	// Unreserve returns the part of amt that could not be released.
	Unreserve(acct primitives.AccountID, amt primitives.Balance) primitives.Balance
}

// Occupant holds one (para, lease period) entry.
type Occupant struct {
	Leaser  primitives.AccountID
	Deposit primitives.Balance
}

// Lease is a contiguous run of lease periods for one para.
type Lease struct {
	Para    primitives.ParaID
	Leaser  primitives.AccountID
	First   chaintime.LeasePeriod
	Last    chaintime.LeasePeriod
	Deposit primitives.Balance
}

// Stage adds writes to the batch that persists a lease change, so they
// commit together with it.
type Stage func(b *store.Batch)

// Len is the number of periods in the lease.
func (l Lease) Len() uint32 {
	return uint32(l.Last-l.First) + 1
}

type Ledger struct {
	mu       sync.RWMutex
	store    *store.Store
	currency Currency
	bus      *event.Bus
	metrics  *ledgerMetrics
	logger   zerolog.Logger

	occupancy map[primitives.ParaID]map[chaintime.LeasePeriod]Occupant
	// current is the last period passed to SweepExpired; swept is false
	// until the first sweep.
	current chaintime.LeasePeriod
	swept   bool
	block   chaintime.BlockNumber
}

// New loads the ledger from s. bus and reg may be nil.
func New(s *store.Store, currency Currency, bus *event.Bus, reg prometheus.Registerer) (*Ledger, error) {
	l := &Ledger{
		store:     s,
		currency:  currency,
		bus:       bus,
		logger:    log.Leases,
		occupancy: make(map[primitives.ParaID]map[chaintime.LeasePeriod]Occupant),
	}
	if reg != nil {
		l.metrics = &ledgerMetrics{}
		l.metrics.init(reg)
	}
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("load leases: %w", err)
	}
	return l, nil
}

func (l *Ledger) load() error {
	entries, err := l.store.Leases()
	if err != nil {
		return err
	}
	for _, e := range entries {
		l.setLocked(primitives.ParaID(e.Para), chaintime.LeasePeriod(e.Period), Occupant{
			Leaser:  e.Leaser,
			Deposit: primitives.Balance(e.Deposit),
		})
	}
	period, ok, err := l.store.SweepWatermark()
	if err != nil {
		return err
	}
	l.current, l.swept = chaintime.LeasePeriod(period), ok
	l.updateGauges()
	if l.metrics != nil {
		l.metrics.currentPeriod.Set(float64(l.current))
	}
	return nil
}

// SetBlock records the block that subsequent lease events are reported at.
func (l *Ledger) SetBlock(b chaintime.BlockNumber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.block = b
}

// CurrentPeriod returns the last swept lease period.
func (l *Ledger) CurrentPeriod() (chaintime.LeasePeriod, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current, l.swept
}

// Claim occupies every period in [first, last] for para on behalf of leaser,
// or none of them. It returns the part of deposit the leaser did not already
// hold against para, which is the amount the caller must keep reserved.
func (l *Ledger) Claim(para primitives.ParaID, leaser primitives.AccountID, first, last chaintime.LeasePeriod, deposit primitives.Balance, also ...Stage) (primitives.Balance, error) {
	l.mu.Lock()
	additional, evt, err := l.claimLocked(para, leaser, first, last, deposit, also)
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}
	l.publish(evt)
	return additional, nil
}

func (l *Ledger) claimLocked(para primitives.ParaID, leaser primitives.AccountID, first, last chaintime.LeasePeriod, deposit primitives.Balance, also []Stage) (primitives.Balance, event.LeaseChangedEvent, error) {
	if first > last {
		return 0, event.LeaseChangedEvent{}, fmt.Errorf("%w: %d > %d", ErrInvalidRange, first, last)
	}
	if l.swept && first < l.current {
		return 0, event.LeaseChangedEvent{}, fmt.Errorf("%w: period %d, current %d", ErrPeriodInPast, first, l.current)
	}
	if err := l.checkFreeLocked(para, first, last); err != nil {
		return 0, event.LeaseChangedEvent{}, err
	}

	oldHeld := l.heldLocked(para, leaser)
	if err := l.writeRange(para, first, last, Occupant{Leaser: leaser, Deposit: deposit}, also); err != nil {
		return 0, event.LeaseChangedEvent{}, err
	}
	l.countChange(event.LeaseClaimed)

	evt := event.LeaseChangedEvent{
		Para:          para,
		Leaser:        leaser,
		First:         first,
		Last:          last,
		EffectiveFrom: first,
		Kind:          event.LeaseClaimed,
	}
	l.logger.Info().
		Stringer("para", para).
		Stringer("leaser", leaser).
		Uint32("first", uint32(first)).
		Uint32("last", uint32(last)).
		Uint64("deposit", uint64(deposit)).
		Msg("lease claimed")
	return safemath.SaturatingSub(max(oldHeld, deposit), oldHeld), evt, nil
}

// Extend grows para's current lease forward to newLast. leaser must hold the
// last period of the current lease.
func (l *Ledger) Extend(para primitives.ParaID, leaser primitives.AccountID, newLast chaintime.LeasePeriod, deposit primitives.Balance, also ...Stage) (primitives.Balance, error) {
	l.mu.Lock()
	additional, evt, err := l.extendLocked(para, leaser, newLast, deposit, also)
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}
	l.publish(evt)
	return additional, nil
}

func (l *Ledger) extendLocked(para primitives.ParaID, leaser primitives.AccountID, newLast chaintime.LeasePeriod, deposit primitives.Balance, also []Stage) (primitives.Balance, event.LeaseChangedEvent, error) {
	lease, ok := l.leaseLocked(para)
	if !ok {
		return 0, event.LeaseChangedEvent{}, fmt.Errorf("%w: %s has no lease", ErrNotOccupant, para)
	}
	if tail := l.occupancy[para][lease.Last]; tail.Leaser != leaser {
		return 0, event.LeaseChangedEvent{}, fmt.Errorf("%w: %s", ErrNotOccupant, para)
	}
	if newLast <= lease.Last {
		return 0, event.LeaseChangedEvent{}, fmt.Errorf("%w: %d <= %d", ErrInvalidExtension, newLast, lease.Last)
	}
	from := lease.Last + 1
	if err := l.checkFreeLocked(para, from, newLast); err != nil {
		return 0, event.LeaseChangedEvent{}, err
	}

	oldHeld := l.heldLocked(para, leaser)
	if err := l.writeRange(para, from, newLast, Occupant{Leaser: leaser, Deposit: deposit}, also); err != nil {
		return 0, event.LeaseChangedEvent{}, err
	}
	l.countChange(event.LeaseExtended)

	l.logger.Info().
		Stringer("para", para).
		Uint32("from", uint32(from)).
		Uint32("last", uint32(newLast)).
		Msg("lease extended")
	evt := event.LeaseChangedEvent{
		Para:          para,
		Leaser:        leaser,
		First:         lease.First,
		Last:          newLast,
		EffectiveFrom: from,
		Kind:          event.LeaseExtended,
	}
	return safemath.SaturatingSub(max(oldHeld, deposit), oldHeld), evt, nil
}

// writeRange persists, together with also, and then applies occ for every
// period in [first, last].
func (l *Ledger) writeRange(para primitives.ParaID, first, last chaintime.LeasePeriod, occ Occupant, also []Stage) error {
	b, err := l.store.NewBatch()
	if err != nil {
		return err
	}
	defer b.Close()

	rec := store.LeaseRecord{Leaser: occ.Leaser, Deposit: uint64(occ.Deposit)}
	for _, p := range periods(first, last) {
		b.PutLease(uint32(para), uint32(p), rec)
	}
	for _, stage := range also {
		stage(b)
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("persist lease for %s: %w", para, err)
	}
	for _, p := range periods(first, last) {
		l.setLocked(para, p, occ)
	}
	l.updateGauges()
	return nil
}

// Swap exchanges every lease entry of a and b.
func (l *Ledger) Swap(a, b primitives.ParaID) error {
	l.mu.Lock()
	evts, err := l.swapLocked(a, b)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	for _, evt := range evts {
		l.publish(evt)
	}
	return nil
}

func (l *Ledger) swapLocked(a, b primitives.ParaID) ([]event.LeaseChangedEvent, error) {
	if a == b {
		return nil, fmt.Errorf("%w: cannot swap %s with itself", ErrNoLease, a)
	}
	entriesA, entriesB := l.occupancy[a], l.occupancy[b]
	if len(entriesA) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoLease, a)
	}
	if len(entriesB) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoLease, b)
	}

	batch, err := l.store.NewBatch()
	if err != nil {
		return nil, err
	}
	defer batch.Close()

	for p := range entriesA {
		batch.DeleteLease(uint32(a), uint32(p))
	}
	for p := range entriesB {
		batch.DeleteLease(uint32(b), uint32(p))
	}
	for p, occ := range entriesA {
		batch.PutLease(uint32(b), uint32(p), store.LeaseRecord{Leaser: occ.Leaser, Deposit: uint64(occ.Deposit)})
	}
	for p, occ := range entriesB {
		batch.PutLease(uint32(a), uint32(p), store.LeaseRecord{Leaser: occ.Leaser, Deposit: uint64(occ.Deposit)})
	}
	if err := batch.Commit(); err != nil {
		return nil, fmt.Errorf("persist swap of %s and %s: %w", a, b, err)
	}
	l.occupancy[a], l.occupancy[b] = entriesB, entriesA
	l.countChange(event.LeaseSwapped)
	l.logger.Info().Stringer("a", a).Stringer("b", b).Msg("leases swapped")

	var evts []event.LeaseChangedEvent
	for _, para := range []primitives.ParaID{a, b} {
		lease, _ := l.leaseLocked(para)
		effective := lease.First
		if l.swept && l.current > effective {
			effective = l.current
		}
		evts = append(evts, event.LeaseChangedEvent{
			Para:          para,
			Leaser:        lease.Leaser,
			First:         lease.First,
			Last:          lease.Last,
			EffectiveFrom: effective,
			Kind:          event.LeaseSwapped,
		})
	}
	return evts, nil
}

// SweepExpired removes every entry before current and releases the deposit
// leasers no longer need for their remaining periods. Sweeping the same or an
// earlier period again does nothing.
func (l *Ledger) SweepExpired(current chaintime.LeasePeriod) (primitives.Balance, error) {
	l.mu.Lock()
	if l.swept && current <= l.current {
		l.mu.Unlock()
		return 0, nil
	}
	evts, err := l.removeLocked(func(_ primitives.ParaID, p chaintime.LeasePeriod) bool { return p < current }, event.LeaseExpired, current, true)
	if err == nil {
		l.current, l.swept = current, true
		if l.metrics != nil {
			l.metrics.currentPeriod.Set(float64(current))
		}
	}
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return l.release(evts), nil
}

// ClearAll removes every lease entry for para and releases its deposits.
func (l *Ledger) ClearAll(para primitives.ParaID) (primitives.Balance, error) {
	l.mu.Lock()
	if len(l.occupancy[para]) == 0 {
		l.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrNoLease, para)
	}
	evts, err := l.removeLocked(func(p primitives.ParaID, _ chaintime.LeasePeriod) bool { return p == para }, event.LeaseCleared, l.current, false)
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return l.release(evts), nil
}

// removeLocked deletes the entries matching drop and returns one event per
// affected (para, leaser) with the deposit that is no longer needed.
func (l *Ledger) removeLocked(
	drop func(primitives.ParaID, chaintime.LeasePeriod) bool,
	kind event.LeaseChangeKind,
	effective chaintime.LeasePeriod,
	writeWatermark bool,
) ([]event.LeaseChangedEvent, error) {
	type holding struct {
		para   primitives.ParaID
		leaser primitives.AccountID
	}
	type removed struct {
		first, last chaintime.LeasePeriod
		heldBefore  primitives.Balance
	}
	affected := make(map[holding]*removed)
	var order []holding

	batch, err := l.store.NewBatch()
	if err != nil {
		return nil, err
	}
	defer batch.Close()

	for _, para := range l.parasLocked() {
		for _, p := range slices.Sorted(maps.Keys(l.occupancy[para])) {
			if !drop(para, p) {
				continue
			}
			occ := l.occupancy[para][p]
			h := holding{para: para, leaser: occ.Leaser}
			r, ok := affected[h]
			if !ok {
				r = &removed{first: p, heldBefore: l.heldLocked(para, occ.Leaser)}
				affected[h] = r
				order = append(order, h)
			}
			r.last = p
			batch.DeleteLease(uint32(para), uint32(p))
		}
	}
	if writeWatermark {
		batch.PutSweepWatermark(uint32(effective))
	}
	if len(order) == 0 && !writeWatermark {
		return nil, nil
	}
	if err := batch.Commit(); err != nil {
		return nil, fmt.Errorf("persist lease removal: %w", err)
	}

	for _, h := range order {
		for p := range l.occupancy[h.para] {
			if drop(h.para, p) {
				delete(l.occupancy[h.para], p)
			}
		}
		if len(l.occupancy[h.para]) == 0 {
			delete(l.occupancy, h.para)
		}
	}
	l.updateGauges()

	evts := make([]event.LeaseChangedEvent, 0, len(order))
	for _, h := range order {
		r := affected[h]
		evts = append(evts, event.LeaseChangedEvent{
			Para:          h.para,
			Leaser:        h.leaser,
			First:         r.first,
			Last:          r.last,
			EffectiveFrom: effective,
			Kind:          kind,
			Released:      safemath.SaturatingSub(r.heldBefore, l.heldLocked(h.para, h.leaser)),
		})
		l.countChange(kind)
	}
	return evts, nil
}

// release returns deposits for removal events and publishes them.
func (l *Ledger) release(evts []event.LeaseChangedEvent) primitives.Balance {
	var total primitives.Balance
	for _, evt := range evts {
		if evt.Released > 0 && l.currency != nil {
			if shortfall := l.currency.Unreserve(evt.Leaser, evt.Released); shortfall > 0 {
				l.logger.Warn().
					Stringer("para", evt.Para).
					Stringer("leaser", evt.Leaser).
					Uint64("shortfall", uint64(shortfall)).
					Msg("deposit only partially unreserved")
			}
			total += evt.Released
		}
		l.logger.Info().
			Stringer("para", evt.Para).
			Stringer("kind", evt.Kind).
			Uint32("first", uint32(evt.First)).
			Uint32("last", uint32(evt.Last)).
			Uint64("released", uint64(evt.Released)).
			Msg("lease removed")
		l.publish(evt)
	}
	if l.metrics != nil {
		l.metrics.released.Add(float64(total))
	}
	return total
}

// CheckFree returns ErrRangeConflict if any period of [first, last] is
// occupied for para, and ErrPeriodInPast if the range already started.
func (l *Ledger) CheckFree(para primitives.ParaID, first, last chaintime.LeasePeriod) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if first > last {
		return fmt.Errorf("%w: %d > %d", ErrInvalidRange, first, last)
	}
	if l.swept && first < l.current {
		return fmt.Errorf("%w: period %d, current %d", ErrPeriodInPast, first, l.current)
	}
	return l.checkFreeLocked(para, first, last)
}

func (l *Ledger) checkFreeLocked(para primitives.ParaID, first, last chaintime.LeasePeriod) error {
	entries := l.occupancy[para]
	for _, p := range periods(first, last) {
		if occ, taken := entries[p]; taken {
			return fmt.Errorf("%w: %s period %d held by %s", ErrRangeConflict, para, p, occ.Leaser)
		}
	}
	return nil
}

// IsLeased reports whether any period of [first, last] is occupied for para.
func (l *Ledger) IsLeased(para primitives.ParaID, first, last chaintime.LeasePeriod) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.checkFreeLocked(para, first, last) != nil
}

// Occupant returns the holder of (para, period).
func (l *Ledger) Occupant(para primitives.ParaID, period chaintime.LeasePeriod) (Occupant, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	occ, ok := l.occupancy[para][period]
	return occ, ok
}

// Lease returns the contiguous run of occupied periods starting at para's
// earliest period. Leaser and Deposit are those of the earliest period.
func (l *Ledger) Lease(para primitives.ParaID) (Lease, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leaseLocked(para)
}

func (l *Ledger) leaseLocked(para primitives.ParaID) (Lease, bool) {
	entries := l.occupancy[para]
	if len(entries) == 0 {
		return Lease{}, false
	}
	first := slices.Min(slices.Collect(maps.Keys(entries)))
	lease := Lease{
		Para:    para,
		Leaser:  entries[first].Leaser,
		First:   first,
		Last:    first,
		Deposit: entries[first].Deposit,
	}
	for {
		next := lease.Last.Next()
		if next == lease.Last {
			break
		}
		if _, ok := entries[next]; !ok {
			break
		}
		lease.Last = next
	}
	return lease, true
}

// Leases returns every run of periods held by a single leaser, ordered by
// para and first period.
func (l *Ledger) Leases() []Lease {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Lease
	for _, para := range l.parasLocked() {
		entries := l.occupancy[para]
		var cur *Lease
		for _, p := range slices.Sorted(maps.Keys(entries)) {
			occ := entries[p]
			if cur != nil && cur.Last+1 == p && cur.Leaser == occ.Leaser && cur.Deposit == occ.Deposit {
				cur.Last = p
				continue
			}
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &Lease{Para: para, Leaser: occ.Leaser, First: p, Last: p, Deposit: occ.Deposit}
		}
		if cur != nil {
			out = append(out, *cur)
		}
	}
	return out
}

// DepositHeld is the amount leaser keeps reserved for its leases of para:
// the largest deposit over the periods it holds.
func (l *Ledger) DepositHeld(para primitives.ParaID, leaser primitives.AccountID) primitives.Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.heldLocked(para, leaser)
}

// AdditionalDeposit returns how much more leaser must reserve to back a lease
// of para with the given deposit.
func (l *Ledger) AdditionalDeposit(para primitives.ParaID, leaser primitives.AccountID, deposit primitives.Balance) primitives.Balance {
	held := l.DepositHeld(para, leaser)
	return safemath.SaturatingSub(max(held, deposit), held)
}

func (l *Ledger) heldLocked(para primitives.ParaID, leaser primitives.AccountID) primitives.Balance {
	var held primitives.Balance
	for _, occ := range l.occupancy[para] {
		if occ.Leaser == leaser && occ.Deposit > held {
			held = occ.Deposit
		}
	}
	return held
}

func (l *Ledger) setLocked(para primitives.ParaID, p chaintime.LeasePeriod, occ Occupant) {
	entries, ok := l.occupancy[para]
	if !ok {
		entries = make(map[chaintime.LeasePeriod]Occupant)
		l.occupancy[para] = entries
	}
	entries[p] = occ
}

func (l *Ledger) parasLocked() []primitives.ParaID {
	return slices.Sorted(maps.Keys(l.occupancy))
}

func (l *Ledger) publish(evt event.LeaseChangedEvent) {
	l.mu.RLock()
	block := l.block
	l.mu.RUnlock()
	l.bus.Publish(event.NewEvent(event.LeaseChangedEventType, block, evt))
}

func (l *Ledger) countChange(kind event.LeaseChangeKind) {
	if l.metrics != nil {
		l.metrics.changes.WithLabelValues(kind.String()).Inc()
	}
}

func (l *Ledger) updateGauges() {
	if l.metrics == nil {
		return
	}
	n := 0
	for _, entries := range l.occupancy {
		n += len(entries)
	}
	l.metrics.occupied.Set(float64(n))
}

// periods lists [first, last] without overflowing at the maximum period.
func periods(first, last chaintime.LeasePeriod) []chaintime.LeasePeriod {
	if first > last {
		return nil
	}
	out := make([]chaintime.LeasePeriod, 0, uint64(last-first)+1)
	for p := uint64(first); p <= uint64(last); p++ {
		out = append(out, chaintime.LeasePeriod(p))
	}
	return out
}
