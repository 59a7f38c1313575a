// Package assignedslots hands parachain slots to paras outside of auctions.
// A permanent slot leases a fixed run of periods from the period it is
// assigned in. Temporary slots take turns on a bounded number of short
// leases, rotated at every lease period boundary.
package assignedslots

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/eigerco/slotauction/internal/chaintime"
	"github.com/eigerco/slotauction/internal/leases"
	"github.com/eigerco/slotauction/internal/origin"
	"github.com/eigerco/slotauction/internal/primitives"
	"github.com/eigerco/slotauction/internal/registrar"
	"github.com/eigerco/slotauction/internal/store"
	"github.com/eigerco/slotauction/pkg/log"
)

// LeaseLedger is the part of the lease ledger assigned slots lease from.
type LeaseLedger interface {
	IsLeased(para primitives.ParaID, first, last chaintime.LeasePeriod) bool
	Claim(para primitives.ParaID, leaser primitives.AccountID, first, last chaintime.LeasePeriod, deposit primitives.Balance, also ...leases.Stage) (primitives.Balance, error)
	ClearAll(para primitives.ParaID) (primitives.Balance, error)
}

// Deps are the collaborators of a Manager. Store must be the store Ledger
// persists to.
type Deps struct {
	Store    *store.Store
	Ledger   LeaseLedger
	Auth     origin.Authorizer
	Registry registrar.Registry
}

// Manager owns the assigned slots. It is not safe for concurrent use;
// callers serialize access.
type Manager struct {
	cfg     Config
	deps    Deps
	metrics *slotMetrics
	logger  zerolog.Logger

	period  chaintime.LeasePeriod
	rotated bool
	// lastRotation is the last period temporary slots were rotated for.
	lastRotation chaintime.LeasePeriod

	slots map[primitives.ParaID]*Slot
}

// New loads every assigned slot from the store. reg may be nil.
func New(cfg Config, deps Deps, reg prometheus.Registerer) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		deps:   deps,
		logger: log.AssignedSlots,
		slots:  make(map[primitives.ParaID]*Slot),
	}
	if reg != nil {
		m.metrics = &slotMetrics{}
		m.metrics.init(reg)
	}
	records, err := deps.Store.AssignedSlots()
	if err != nil {
		return nil, fmt.Errorf("load assigned slots: %w", err)
	}
	for _, rec := range records {
		s := slotFromRecord(rec)
		m.slots[s.Para] = &s
	}
	m.updateGauges()
	return m, nil
}

func slotFromRecord(rec store.AssignedSlotRecord) Slot {
	return Slot{
		Para:       primitives.ParaID(rec.Para),
		Kind:       Kind(rec.Kind),
		Assigned:   chaintime.LeasePeriod(rec.Assigned),
		LastLease:  chaintime.LeasePeriod(rec.LastLease),
		Leased:     rec.Leased,
		LeaseCount: rec.LeaseCount,
	}
}

func slotToRecord(s Slot) store.AssignedSlotRecord {
	return store.AssignedSlotRecord{
		Para:       uint32(s.Para),
		Kind:       uint8(s.Kind),
		Assigned:   uint32(s.Assigned),
		LastLease:  uint32(s.LastLease),
		Leased:     s.Leased,
		LeaseCount: s.LeaseCount,
	}
}

// Advance moves the manager to lease period p.
func (m *Manager) Advance(p chaintime.LeasePeriod) {
	m.period = p
}

// AssignPermanent gives para a permanent slot and leases it the next
// PermanentPeriods periods, starting with the current one.
func (m *Manager) AssignPermanent(o origin.Origin, para primitives.ParaID) error {
	if err := m.checkAssignable(o, para); err != nil {
		return err
	}
	if m.count(Permanent) >= m.cfg.MaxPermanent {
		return fmt.Errorf("%w: %d assigned", ErrMaxPermanent, m.cfg.MaxPermanent)
	}
	first, last := m.period, m.period.Add(m.cfg.PermanentPeriods-1)
	if m.deps.Ledger.IsLeased(para, first, last) {
		return fmt.Errorf("%w: %s", ErrAlreadyLeased, para)
	}

	s := Slot{Para: para, Kind: Permanent, Assigned: m.period}
	if err := m.lease(&s, first, last); err != nil {
		return err
	}
	m.slots[para] = &s
	m.updateGauges()
	m.logger.Info().
		Stringer("para", para).
		Uint32("first", uint32(first)).
		Uint32("last", uint32(last)).
		Msg("permanent slot assigned")
	return nil
}

// AssignTemporary gives para a temporary slot. It is leased right away if
// fewer than MaxTemporaryPerPeriod temporary slots hold a lease, and
// otherwise waits for its turn.
func (m *Manager) AssignTemporary(o origin.Origin, para primitives.ParaID) error {
	if err := m.checkAssignable(o, para); err != nil {
		return err
	}
	if m.count(Temporary) >= m.cfg.MaxTemporary {
		return fmt.Errorf("%w: %d assigned", ErrMaxTemporary, m.cfg.MaxTemporary)
	}

	s := Slot{Para: para, Kind: Temporary, Assigned: m.period}
	leased := false
	if m.activeTemporary(m.period) < m.cfg.MaxTemporaryPerPeriod {
		first, last := m.temporaryRange(m.period)
		if err := m.lease(&s, first, last); err != nil {
			m.logger.Debug().Err(err).Stringer("para", para).Msg("temporary slot not leased yet")
		} else {
			leased = true
		}
	}
	if !leased {
		if err := m.commit(func(b *store.Batch) { b.PutAssignedSlot(slotToRecord(s)) }); err != nil {
			return err
		}
	}
	m.slots[para] = &s
	m.updateGauges()
	m.logger.Info().Stringer("para", para).Bool("leased", leased).Msg("temporary slot assigned")
	return nil
}

// Unassign removes para's slot and clears every lease of para.
func (m *Manager) Unassign(o origin.Origin, para primitives.ParaID) error {
	if err := origin.Ensure(m.deps.Auth, o); err != nil {
		return err
	}
	s, ok := m.slots[para]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAssigned, para)
	}
	if _, err := m.deps.Ledger.ClearAll(para); err != nil && !errors.Is(err, leases.ErrNoLease) {
		return fmt.Errorf("clear leases of %s: %w", para, err)
	}
	if err := m.commit(func(b *store.Batch) { b.DeleteAssignedSlot(uint32(para)) }); err != nil {
		return err
	}
	delete(m.slots, para)
	m.updateGauges()
	m.logger.Info().Stringer("para", para).Stringer("kind", s.Kind).Msg("slot unassigned")
	return nil
}

// Rotate hands the free temporary leases of the current period to the
// temporary slots that were leased the fewest times. It runs once per lease
// period, after expired leases were swept.
func (m *Manager) Rotate() {
	p := m.period
	if m.rotated && p <= m.lastRotation {
		return
	}
	m.rotated, m.lastRotation = true, p

	free := m.cfg.MaxTemporaryPerPeriod - m.activeTemporary(p)
	if free <= 0 {
		return
	}
	first, last := m.temporaryRange(p)
	for _, s := range m.waiting(p) {
		if free == 0 {
			break
		}
		if err := m.lease(s, first, last); err != nil {
			m.logger.Debug().Err(err).Stringer("para", s.Para).Msg("temporary slot skipped")
			continue
		}
		free--
		m.logger.Info().
			Stringer("para", s.Para).
			Uint32("first", uint32(first)).
			Uint32("last", uint32(last)).
			Uint32("turn", s.LeaseCount).
			Msg("temporary slot leased")
	}
}

// waiting returns the temporary slots without a lease covering p, fewest
// leases first, then those waiting longest.
func (m *Manager) waiting(p chaintime.LeasePeriod) []*Slot {
	var out []*Slot
	for _, para := range m.paras() {
		s := m.slots[para]
		if s.Kind == Temporary && !m.holds(s, p) {
			out = append(out, s)
		}
	}
	slices.SortStableFunc(out, func(a, b *Slot) int {
		return cmp.Or(cmp.Compare(a.LeaseCount, b.LeaseCount), cmp.Compare(a.LastLease, b.LastLease))
	})
	return out
}

// lease claims [first, last] for s and persists s with the lease.
func (m *Manager) lease(s *Slot, first, last chaintime.LeasePeriod) error {
	updated := *s
	updated.LastLease, updated.Leased = first, true
	updated.LeaseCount++
	stage := func(b *store.Batch) { b.PutAssignedSlot(slotToRecord(updated)) }
	if _, err := m.deps.Ledger.Claim(s.Para, SlotAccount(s.Para), first, last, 0, stage); err != nil {
		return err
	}
	*s = updated
	if m.metrics != nil {
		m.metrics.leases.WithLabelValues(s.Kind.String()).Inc()
	}
	return nil
}

// holds reports whether the latest lease of temporary slot s covers p.
func (m *Manager) holds(s *Slot, p chaintime.LeasePeriod) bool {
	if !s.Leased || p < s.LastLease {
		return false
	}
	_, last := m.temporaryRange(s.LastLease)
	return p <= last && m.deps.Ledger.IsLeased(s.Para, p, p)
}

func (m *Manager) activeTemporary(p chaintime.LeasePeriod) int {
	n := 0
	for _, s := range m.slots {
		if s.Kind == Temporary && m.holds(s, p) {
			n++
		}
	}
	return n
}

func (m *Manager) temporaryRange(first chaintime.LeasePeriod) (chaintime.LeasePeriod, chaintime.LeasePeriod) {
	return first, first.Add(m.cfg.TemporaryPeriods - 1)
}

func (m *Manager) checkAssignable(o origin.Origin, para primitives.ParaID) error {
	if err := origin.Ensure(m.deps.Auth, o); err != nil {
		return err
	}
	if m.deps.Registry == nil || !m.deps.Registry.IsBiddable(para) {
		return fmt.Errorf("%w: %s", ErrParaNotBiddable, para)
	}
	if _, ok := m.slots[para]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyAssigned, para)
	}
	return nil
}

func (m *Manager) commit(stage leases.Stage) error {
	b, err := m.deps.Store.NewBatch()
	if err != nil {
		return err
	}
	defer b.Close()
	stage(b)
	if err := b.Commit(); err != nil {
		return fmt.Errorf("persist assigned slot: %w", err)
	}
	return nil
}

// Slot returns para's assigned slot.
func (m *Manager) Slot(para primitives.ParaID) (Slot, bool) {
	s, ok := m.slots[para]
	if !ok {
		return Slot{}, false
	}
	return *s, true
}

// Slots returns every assigned slot ordered by para.
func (m *Manager) Slots() []Slot {
	out := make([]Slot, 0, len(m.slots))
	for _, para := range m.paras() {
		out = append(out, *m.slots[para])
	}
	return out
}

func (m *Manager) count(k Kind) int {
	n := 0
	for _, s := range m.slots {
		if s.Kind == k {
			n++
		}
	}
	return n
}

func (m *Manager) paras() []primitives.ParaID {
	return slices.Sorted(maps.Keys(m.slots))
}

func (m *Manager) updateGauges() {
	if m.metrics == nil {
		return
	}
	for _, k := range []Kind{Permanent, Temporary} {
		m.metrics.slots.WithLabelValues(k.String()).Set(float64(m.count(k)))
	}
}
