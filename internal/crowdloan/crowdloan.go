// Package crowdloan lets many contributors pool funds behind one auction bid
// for a para. A fund bids its raised amount through its own derived account
// and reacts to the auction outcome published on the event bus.
package crowdloan

import (
	"fmt"
	"maps"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/eigerco/slotauction/internal/auction"
	"github.com/eigerco/slotauction/internal/chaintime"
	"github.com/eigerco/slotauction/internal/event"
	"github.com/eigerco/slotauction/internal/origin"
	"github.com/eigerco/slotauction/internal/primitives"
	"github.com/eigerco/slotauction/internal/registrar"
	"github.com/eigerco/slotauction/internal/safemath"
	"github.com/eigerco/slotauction/internal/slotrange"
	"github.com/eigerco/slotauction/internal/store"
	"github.com/eigerco/slotauction/pkg/log"
)

type Currency interface {
	Reserve(acct primitives.AccountID, amt primitives.Balance) error
	Unreserve(acct primitives.AccountID, amt primitives.Balance) primitives.Balance
	Transfer(from, to primitives.AccountID, amt primitives.Balance) error
}

// Auction is the auction surface funds bid through.
type Auction interface {
	State() auction.State
	Bid(p auction.Principal, para primitives.ParaID, r slotrange.SlotRange, amount primitives.Balance) error
}

// LeaseView tells whether a fund still backs a lease.
type LeaseView interface {
	DepositHeld(para primitives.ParaID, leaser primitives.AccountID) primitives.Balance
}

// Deps are the collaborators of a Manager. Bus and Leases may be nil, in
// which case the manager does not react to auction and lease events.
type Deps struct {
	Store    *store.Store
	Currency Currency
	Auction  Auction
	Leases   LeaseView
	Auth     origin.Authorizer
	Registry registrar.Registry
	Bus      *event.Bus
}

// Manager owns every fund and its contribution table. It is not safe for
// concurrent use; callers serialize access.
type Manager struct {
	cfg     Config
	deps    Deps
	metrics *fundMetrics
	logger  zerolog.Logger
	subs    map[event.EventType]event.SubscriberID

	block  chaintime.BlockNumber
	period chaintime.LeasePeriod

	funds         map[primitives.ParaID]*Fund
	contributions map[primitives.ParaID]map[primitives.AccountID]Contribution
}

// New loads every fund from the store and subscribes to auction and lease
// events. reg may be nil.
func New(cfg Config, deps Deps, reg prometheus.Registerer) (*Manager, error) {
	m := &Manager{
		cfg:           cfg,
		deps:          deps,
		logger:        log.Crowdloan,
		subs:          make(map[event.EventType]event.SubscriberID),
		funds:         make(map[primitives.ParaID]*Fund),
		contributions: make(map[primitives.ParaID]map[primitives.AccountID]Contribution),
	}
	if reg != nil {
		m.metrics = &fundMetrics{}
		m.metrics.init(reg)
	}
	if err := m.load(); err != nil {
		return nil, fmt.Errorf("load funds: %w", err)
	}
	if deps.Bus != nil {
		m.subs[event.AuctionSettledEventType] = deps.Bus.Subscribe(event.AuctionSettledEventType, m.onSettled)
		m.subs[event.AuctionClosedEventType] = deps.Bus.Subscribe(event.AuctionClosedEventType, m.onClosed)
		m.subs[event.LeaseChangedEventType] = deps.Bus.Subscribe(event.LeaseChangedEventType, m.onLeaseChanged)
	}
	return m, nil
}

// Close stops reacting to events.
func (m *Manager) Close() {
	for typ, id := range m.subs {
		m.deps.Bus.Unsubscribe(typ, id)
	}
	clear(m.subs)
}

func (m *Manager) load() error {
	records, err := m.deps.Store.Funds()
	if err != nil {
		return err
	}
	for _, rec := range records {
		f := fundFromRecord(rec)
		entries, err := m.deps.Store.Contributions(rec.Para)
		if err != nil {
			return err
		}
		table := make(map[primitives.AccountID]Contribution, len(entries))
		for _, e := range entries {
			table[e.Contributor] = Contribution{Amount: primitives.Balance(e.Amount), Withdrawn: e.Withdrawn}
		}
		m.funds[f.Para] = &f
		m.contributions[f.Para] = table
	}
	m.updateGauges()
	return nil
}

func fundFromRecord(rec store.FundRecord) Fund {
	return Fund{
		Para:         primitives.ParaID(rec.Para),
		Depositor:    rec.Depositor,
		Deposit:      primitives.Balance(rec.Deposit),
		Cap:          primitives.Balance(rec.Cap),
		Raised:       primitives.Balance(rec.Raised),
		EndBlock:     chaintime.BlockNumber(rec.EndBlock),
		FirstPeriod:  chaintime.LeasePeriod(rec.FirstPeriod),
		LastPeriod:   chaintime.LeasePeriod(rec.LastPeriod),
		State:        State(rec.State),
		LastBid:      primitives.Balance(rec.LastBid),
		AuctionIndex: rec.AuctionIndex,
		Contributors: rec.Contributors,
	}
}

func fundToRecord(f Fund) store.FundRecord {
	return store.FundRecord{
		Para:         uint32(f.Para),
		Depositor:    f.Depositor,
		Deposit:      uint64(f.Deposit),
		Cap:          uint64(f.Cap),
		Raised:       uint64(f.Raised),
		EndBlock:     uint32(f.EndBlock),
		FirstPeriod:  uint32(f.FirstPeriod),
		LastPeriod:   uint32(f.LastPeriod),
		State:        uint8(f.State),
		LastBid:      uint64(f.LastBid),
		AuctionIndex: f.AuctionIndex,
		Contributors: f.Contributors,
	}
}

func (m *Manager) commit(stage func(b *store.Batch)) error {
	b, err := m.deps.Store.NewBatch()
	if err != nil {
		return err
	}
	defer b.Close()
	stage(b)
	if err := b.Commit(); err != nil {
		return fmt.Errorf("persist fund: %w", err)
	}
	return nil
}

// Advance moves the manager to block b inside lease period p.
func (m *Manager) Advance(b chaintime.BlockNumber, p chaintime.LeasePeriod) {
	m.block, m.period = b, p
}

// Create opens a fund for para raising up to fundCap until endBlock, to bid for
// the lease periods [first, last]. A signed creator pays the fund deposit.
func (m *Manager) Create(o origin.Origin, para primitives.ParaID, fundCap primitives.Balance, first, last chaintime.LeasePeriod, endBlock chaintime.BlockNumber) error {
	if m.deps.Registry == nil || !m.deps.Registry.IsBiddable(para) {
		return fmt.Errorf("%w: %s", ErrParaNotBiddable, para)
	}
	if fundCap == 0 {
		return ErrInvalidCap
	}
	if first > last || uint32(last-first) >= slotrange.LeasePeriodsPerSlot {
		return fmt.Errorf("%w: %d..%d", ErrInvalidRange, first, last)
	}
	if _, ok := m.funds[para]; ok {
		return fmt.Errorf("%w: %s", ErrFundExists, para)
	}
	if endBlock <= m.block {
		return fmt.Errorf("%w: end %d, current %d", ErrEndInPast, endBlock, m.block)
	}
	if first < m.period {
		return fmt.Errorf("%w: period %d, current %d", ErrLeaseWindowPassed, first, m.period)
	}

	f := Fund{
		Para:        para,
		Cap:         fundCap,
		EndBlock:    endBlock,
		FirstPeriod: first,
		LastPeriod:  last,
		State:       Active,
	}
	if !o.Root {
		f.Depositor = o.Account
		f.Deposit = m.cfg.Deposit
		if err := m.deps.Currency.Reserve(f.Depositor, f.Deposit); err != nil {
			return fmt.Errorf("reserve fund deposit: %w", err)
		}
	}
	if err := m.commit(func(b *store.Batch) { b.PutFund(fundToRecord(f)) }); err != nil {
		m.unreserve(f.Depositor, f.Deposit)
		return err
	}
	m.funds[para] = &f
	m.contributions[para] = make(map[primitives.AccountID]Contribution)
	m.updateGauges()

	m.logger.Info().
		Stringer("para", para).
		Uint64("cap", uint64(fundCap)).
		Uint32("first", uint32(first)).
		Uint32("last", uint32(last)).
		Uint32("end", uint32(endBlock)).
		Msg("fund created")
	return nil
}

// Contribute moves amount from contributor into para's fund.
func (m *Manager) Contribute(contributor primitives.AccountID, para primitives.ParaID, amount primitives.Balance) error {
	f, ok := m.funds[para]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFundNotFound, para)
	}
	if f.State != Active {
		return fmt.Errorf("%w: %s is %s", ErrFundNotActive, para, f.State)
	}
	if m.block >= f.EndBlock || m.period > f.FirstPeriod {
		return fmt.Errorf("%w: %s", ErrFundEnded, para)
	}
	if amount == 0 || amount < m.cfg.MinContribution {
		return fmt.Errorf("%w: %d < %d", ErrContributionTooSmall, amount, m.cfg.MinContribution)
	}
	raised, err := safemath.Add(f.Raised, amount)
	if err != nil || raised > f.Cap {
		return fmt.Errorf("%w: cap %d, raised %d, amount %d", ErrCapExceeded, f.Cap, f.Raised, amount)
	}
	prev, existed := m.contributions[para][contributor]
	total, err := safemath.Add(prev.Amount, amount)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCapExceeded, err)
	}

	account := f.Account()
	if err := m.deps.Currency.Transfer(contributor, account, amount); err != nil {
		return fmt.Errorf("contribute to %s: %w", para, err)
	}

	updated := *f
	updated.Raised = raised
	if !existed {
		updated.Contributors++
	}
	c := Contribution{Amount: total}
	err = m.commit(func(b *store.Batch) {
		b.PutFund(fundToRecord(updated))
		b.PutContribution(uint32(para), contributor, store.ContributionRecord{Amount: uint64(c.Amount)})
	})
	if err != nil {
		if rbErr := m.deps.Currency.Transfer(account, contributor, amount); rbErr != nil {
			m.logger.Error().Err(rbErr).Stringer("para", para).Msg("contribution rollback failed")
		}
		return err
	}
	*f = updated
	m.contributions[para][contributor] = c
	if m.metrics != nil {
		m.metrics.contributed.Add(float64(amount))
	}

	m.logger.Info().
		Stringer("para", para).
		Stringer("contributor", contributor).
		Uint64("amount", uint64(amount)).
		Uint64("raised", uint64(raised)).
		Msg("contribution")
	return nil
}

// Sync runs once per block before the auction closes. It retires funds that
// are over without a live bid and places bids for funds that raised more
// than they last bid.
func (m *Manager) Sync() {
	st := m.deps.Auction.State()
	for _, para := range m.paras() {
		f := m.funds[para]
		if f.State != Active {
			continue
		}
		live := st.Phase == auction.Opening && f.LastBid > 0 && f.AuctionIndex == st.Index
		if m.block >= f.EndBlock && !live {
			m.transition(f, Retiring)
			continue
		}
		if st.Phase != auction.Opening || f.Raised == 0 {
			continue
		}
		if live && f.Raised <= f.LastBid {
			continue
		}
		r, ok := fundRange(*f, st)
		if !ok {
			continue
		}
		if err := m.deps.Auction.Bid(*f, para, r, f.Raised); err != nil {
			m.logger.Debug().Err(err).Stringer("para", para).Msg("fund bid rejected")
			continue
		}
		updated := *f
		updated.LastBid, updated.AuctionIndex = f.Raised, st.Index
		if err := m.commit(func(b *store.Batch) { b.PutFund(fundToRecord(updated)) }); err != nil {
			m.logger.Error().Err(err).Stringer("para", para).Msg("fund bid not persisted")
		}
		*f = updated
	}
}

// fundRange maps the fund's lease periods onto a slot range of the open
// auction, if the auction covers them.
func fundRange(f Fund, st auction.State) (slotrange.SlotRange, bool) {
	first, last := st.Periods()
	if f.FirstPeriod < first || f.LastPeriod > last {
		return slotrange.SlotRange{}, false
	}
	r, err := slotrange.New(uint8(f.FirstPeriod-first), uint8(f.LastPeriod-first))
	if err != nil {
		return slotrange.SlotRange{}, false
	}
	return r, true
}

func (m *Manager) onSettled(e event.Event) {
	res, ok := e.Data.(auction.Result)
	if !ok {
		return
	}
	for _, para := range m.paras() {
		f := m.funds[para]
		if f.State != Active || f.LastBid == 0 || f.AuctionIndex != res.Index {
			continue
		}
		to := Retiring
		if res.Winner != nil && res.Winner.Para == para && res.Winner.Bidder == f.Account() {
			to = Winning
		}
		f.LastBid = 0
		m.transition(f, to)
	}
}

func (m *Manager) onClosed(e event.Event) {
	closed, ok := e.Data.(event.AuctionClosedEvent)
	if !ok || !closed.Cancelled {
		return
	}
	for _, para := range m.paras() {
		f := m.funds[para]
		if f.State != Active || f.AuctionIndex != closed.Index || f.LastBid == 0 {
			continue
		}
		updated := *f
		updated.LastBid = 0
		if err := m.commit(func(b *store.Batch) { b.PutFund(fundToRecord(updated)) }); err != nil {
			m.logger.Error().Err(err).Stringer("para", para).Msg("fund bid reset not persisted")
		}
		*f = updated
	}
}

func (m *Manager) onLeaseChanged(e event.Event) {
	change, ok := e.Data.(event.LeaseChangedEvent)
	if !ok || (change.Kind != event.LeaseExpired && change.Kind != event.LeaseCleared) {
		return
	}
	f, ok := m.funds[change.Para]
	if !ok || f.State != Winning || change.Leaser != f.Account() {
		return
	}
	if m.deps.Leases != nil && m.deps.Leases.DepositHeld(f.Para, f.Account()) > 0 {
		return
	}
	m.transition(f, Retiring)
}

// transition persists f in state to. Failures are logged; the in-memory
// state follows so the fund does not keep acting on a stale state.
func (m *Manager) transition(f *Fund, to State) {
	from := f.State
	f.State = to
	if err := m.commit(func(b *store.Batch) { b.PutFund(fundToRecord(*f)) }); err != nil {
		m.logger.Error().Err(err).Stringer("para", f.Para).Stringer("state", to).Msg("fund state not persisted")
	}
	m.updateGauges()
	m.logger.Info().
		Stringer("para", f.Para).
		Stringer("from", from).
		Stringer("to", to).
		Msg("fund state changed")
	m.deps.Bus.Publish(event.NewEvent(event.FundStateEventType, m.block, StateChange{Para: f.Para, From: from, To: to}))
}

// Withdraw returns contributor's whole contribution from a retiring fund.
func (m *Manager) Withdraw(contributor primitives.AccountID, para primitives.ParaID) (primitives.Balance, error) {
	f, ok := m.funds[para]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrFundNotFound, para)
	}
	if !m.refundable(f) {
		return 0, fmt.Errorf("%w: %s is %s", ErrFundNotRetiring, para, f.State)
	}
	c, ok := m.contributions[para][contributor]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoContribution, contributor)
	}
	if c.Withdrawn {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyWithdrawn, contributor)
	}

	account := f.Account()
	if err := m.deps.Currency.Transfer(account, contributor, c.Amount); err != nil {
		return 0, fmt.Errorf("withdraw from %s: %w", para, err)
	}
	updated := *f
	updated.Raised = safemath.SaturatingSub(f.Raised, c.Amount)
	withdrawn := Contribution{Amount: c.Amount, Withdrawn: true}
	err := m.commit(func(b *store.Batch) {
		b.PutFund(fundToRecord(updated))
		b.PutContribution(uint32(para), contributor, store.ContributionRecord{Amount: uint64(c.Amount), Withdrawn: true})
	})
	if err != nil {
		if rbErr := m.deps.Currency.Transfer(contributor, account, c.Amount); rbErr != nil {
			m.logger.Error().Err(rbErr).Stringer("para", para).Msg("withdraw rollback failed")
		}
		return 0, err
	}
	*f = updated
	m.contributions[para][contributor] = withdrawn
	if m.metrics != nil {
		m.metrics.withdrawn.Add(float64(c.Amount))
	}
	m.logger.Info().
		Stringer("para", para).
		Stringer("contributor", contributor).
		Uint64("amount", uint64(c.Amount)).
		Msg("contribution withdrawn")

	if f.State == Dissolved && f.Raised == 0 {
		if err := m.remove(para); err != nil {
			m.logger.Error().Err(err).Stringer("para", para).Msg("refunded fund not removed")
		}
	}
	return c.Amount, nil
}

// refundable reports whether f pays out contributions: it is retiring, or it
// was dissolved while winning and no longer backs a lease.
func (m *Manager) refundable(f *Fund) bool {
	switch f.State {
	case Retiring:
		return true
	case Dissolved:
		return m.deps.Leases == nil || m.deps.Leases.DepositHeld(f.Para, f.Account()) == 0
	default:
		return false
	}
}

// Refund withdraws for up to limit contributors of a retiring fund and
// returns how many were refunded. limit <= 0 means all of them.
func (m *Manager) Refund(para primitives.ParaID, limit int) (int, error) {
	f, ok := m.funds[para]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrFundNotFound, para)
	}
	if !m.refundable(f) {
		return 0, fmt.Errorf("%w: %s is %s", ErrFundNotRetiring, para, f.State)
	}
	refunded := 0
	for _, e := range m.Contributions(para) {
		if limit > 0 && refunded >= limit {
			break
		}
		if e.Withdrawn {
			continue
		}
		if _, err := m.Withdraw(e.Contributor, para); err != nil {
			return refunded, err
		}
		refunded++
	}
	return refunded, nil
}

// Dissolve ends a fund and returns its deposit. The depositor may dissolve
// it once it won or once it is retiring and empty; a privileged origin may
// also dissolve a retiring fund, refunding every contributor first.
//
// A fund dissolved while winning keeps its contributions escrowed behind the
// lease. They become withdrawable once the lease is released, and the fund
// is removed when the last one is paid out.
func (m *Manager) Dissolve(o origin.Origin, para primitives.ParaID) error {
	f, ok := m.funds[para]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFundNotFound, para)
	}
	privileged := origin.Ensure(m.deps.Auth, o) == nil
	if !privileged && (o.Root || o.Account != f.Depositor) {
		return origin.ErrNotPrivileged
	}
	switch {
	case f.State == Winning:
	case f.State == Retiring && f.Raised == 0:
	case f.State == Retiring && privileged:
		if _, err := m.Refund(para, 0); err != nil {
			return err
		}
	case f.State == Retiring:
		return fmt.Errorf("%w: %s still holds %d", ErrNotReadyToDissolve, para, f.Raised)
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotReadyToDissolve, para, f.State)
	}

	from, depositor, deposit := f.State, f.Depositor, f.Deposit
	if f.Raised == 0 {
		if err := m.remove(para); err != nil {
			return err
		}
	} else {
		updated := *f
		updated.State, updated.Deposit = Dissolved, 0
		if err := m.commit(func(b *store.Batch) { b.PutFund(fundToRecord(updated)) }); err != nil {
			return err
		}
		*f = updated
		m.updateGauges()
	}
	m.unreserve(depositor, deposit)

	m.logger.Info().Stringer("para", para).Stringer("from", from).Msg("fund dissolved")
	m.deps.Bus.Publish(event.NewEvent(event.FundStateEventType, m.block, StateChange{Para: para, From: from, To: Dissolved}))
	return nil
}

// remove deletes para's fund and contribution table.
func (m *Manager) remove(para primitives.ParaID) error {
	contributors := slices.Collect(maps.Keys(m.contributions[para]))
	err := m.commit(func(b *store.Batch) {
		b.DeleteFund(uint32(para))
		for _, c := range contributors {
			b.DeleteContribution(uint32(para), c)
		}
	})
	if err != nil {
		return err
	}
	delete(m.funds, para)
	delete(m.contributions, para)
	m.updateGauges()
	return nil
}

// Edit changes the cap and end block of an active fund.
func (m *Manager) Edit(o origin.Origin, para primitives.ParaID, fundCap primitives.Balance, endBlock chaintime.BlockNumber) error {
	if err := origin.Ensure(m.deps.Auth, o); err != nil {
		return err
	}
	f, ok := m.funds[para]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFundNotFound, para)
	}
	if f.State != Active {
		return fmt.Errorf("%w: %s is %s", ErrFundNotActive, para, f.State)
	}
	if fundCap == 0 || fundCap < f.Raised {
		return fmt.Errorf("%w: %d with %d raised", ErrInvalidCap, fundCap, f.Raised)
	}
	if endBlock <= m.block {
		return fmt.Errorf("%w: end %d, current %d", ErrEndInPast, endBlock, m.block)
	}
	updated := *f
	updated.Cap, updated.EndBlock = fundCap, endBlock
	if err := m.commit(func(b *store.Batch) { b.PutFund(fundToRecord(updated)) }); err != nil {
		return err
	}
	*f = updated
	return nil
}

// Fund returns the fund for para.
func (m *Manager) Fund(para primitives.ParaID) (Fund, error) {
	f, ok := m.funds[para]
	if !ok {
		return Fund{}, fmt.Errorf("%w: %s", ErrFundNotFound, para)
	}
	return *f, nil
}

// Funds returns every fund ordered by para.
func (m *Manager) Funds() []Fund {
	out := make([]Fund, 0, len(m.funds))
	for _, para := range m.paras() {
		out = append(out, *m.funds[para])
	}
	return out
}

// Contribution returns contributor's entry in para's fund.
func (m *Manager) Contribution(para primitives.ParaID, contributor primitives.AccountID) (Contribution, bool) {
	c, ok := m.contributions[para][contributor]
	return c, ok
}

// Contributions returns para's contribution table ordered by contributor.
func (m *Manager) Contributions(para primitives.ParaID) []ContributionEntry {
	table := m.contributions[para]
	keys := slices.SortedFunc(maps.Keys(table), func(a, b primitives.AccountID) int { return a.Compare(b) })
	out := make([]ContributionEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, ContributionEntry{Contributor: k, Contribution: table[k]})
	}
	return out
}

func (m *Manager) paras() []primitives.ParaID {
	return slices.Sorted(maps.Keys(m.funds))
}

func (m *Manager) unreserve(acct primitives.AccountID, amt primitives.Balance) {
	if amt == 0 {
		return
	}
	if shortfall := m.deps.Currency.Unreserve(acct, amt); shortfall > 0 {
		m.logger.Warn().
			Stringer("account", acct).
			Uint64("shortfall", uint64(shortfall)).
			Msg("fund deposit only partially released")
	}
}

func (m *Manager) updateGauges() {
	if m.metrics == nil {
		return
	}
	counts := make(map[State]int)
	for _, f := range m.funds {
		counts[f.State]++
	}
	for _, s := range []State{Active, Winning, Retiring, Dissolved} {
		m.metrics.funds.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

var _ auction.Principal = Fund{}
