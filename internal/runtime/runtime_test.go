package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/eigerco/slotauction/internal/assignedslots"
	"github.com/eigerco/slotauction/internal/auction"
	"github.com/eigerco/slotauction/internal/chaintime"
	"github.com/eigerco/slotauction/internal/config"
	"github.com/eigerco/slotauction/internal/crowdloan"
	"github.com/eigerco/slotauction/internal/leases"
	"github.com/eigerco/slotauction/internal/origin"
	"github.com/eigerco/slotauction/internal/primitives"
	"github.com/eigerco/slotauction/internal/slotrange"
	"github.com/eigerco/slotauction/internal/testutils"
	"github.com/eigerco/slotauction/pkg/db"
	"github.com/eigerco/slotauction/pkg/db/pebble"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	paraX primitives.ParaID = 100
	paraY primitives.ParaID = 200
	paraZ primitives.ParaID = 300
)

var (
	alice = primitives.NamedAccount("alice")
	bob   = primitives.NamedAccount("bob")
	carol = primitives.NamedAccount("carol")
	dave  = primitives.NamedAccount("dave")

	root = origin.RootOrigin()
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.LeasePeriodLength = 100
	cfg.AuctionDuration = 10
	cfg.EndingPeriod = 5
	cfg.MinContribution = 5
	cfg.FundDeposit = 20
	cfg.RefundBatchSize = 10
	cfg.PermanentSlotPeriods = 4
	cfg.MaxTemporarySlotsPerPeriod = 1
	return cfg
}

func newRuntime(t *testing.T, kv db.KVStore, reg prometheus.Registerer) *Runtime {
	r, err := New(testConfig(), kv, reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	require.NoError(t, r.Setup(func(m *Modules) error {
		m.Registry.Register(paraX)
		m.Registry.Register(paraY)
		for _, a := range []primitives.AccountID{alice, bob, carol, dave} {
			if err := m.Currency.Deposit(a, 1000); err != nil {
				return err
			}
		}
		return nil
	}))
	return r
}

func tick(t *testing.T, r *Runtime, block chaintime.BlockNumber) Report {
	report, err := r.Tick(context.Background(), block, r.ParentHash())
	require.NoError(t, err)
	require.NoError(t, report.CloseErr)
	return report
}

func tickRange(t *testing.T, r *Runtime, from, to chaintime.BlockNumber) {
	for b := from; b <= to; b++ {
		tick(t, r, b)
	}
}

func rng(t *testing.T, first, last uint8) slotrange.SlotRange {
	r, err := slotrange.New(first, last)
	require.NoError(t, err)
	return r
}

func counter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	mfs, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestCrowdloanWinsAndRetires(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := newRuntime(t, testutils.NewKVStore(t), reg)

	r.Submit(NewAuction(root, 4, 1))
	r.Submit(Bid(alice, paraX, rng(t, 0, 1), 100))
	r.Submit(CreateFund(origin.Signed(carol), paraY, 500, 1, 4, 20))
	r.Submit(Contribute(dave, paraY, 300))
	report := tick(t, r, 1)
	assert.Equal(t, 4, report.Applied)
	assert.Empty(t, report.Failures)

	account := crowdloan.FundAccount(paraY)
	r.View(func(m *Modules) {
		assert.Equal(t, primitives.Balance(300), m.Auction.ReservedAmount(account, paraY))
		assert.Equal(t, primitives.Balance(100), m.Auction.ReservedAmount(alice, paraX))
		assert.Equal(t, primitives.Balance(20), m.Currency.Reserved(carol))
	})

	tickRange(t, r, 2, 16)
	r.View(func(m *Modules) {
		assert.Equal(t, auction.Inactive, m.Auction.State().Phase)
		res, ok := m.Auction.LastResult()
		require.True(t, ok)
		require.NotNil(t, res.Winner)
		assert.Equal(t, paraY, res.Winner.Para)

		lease, ok := m.Leases.Lease(paraY)
		require.True(t, ok)
		assert.Equal(t, leases.Lease{Para: paraY, Leaser: account, First: 1, Last: 4, Deposit: 300}, lease)
		_, ok = m.Leases.Lease(paraX)
		assert.False(t, ok)

		assert.Equal(t, primitives.Balance(1000), m.Currency.Free(alice))
		assert.Equal(t, primitives.Balance(300), m.Currency.Reserved(account))
		fund, err := m.Crowdloan.Fund(paraY)
		require.NoError(t, err)
		assert.Equal(t, crowdloan.Winning, fund.State)
	})

	// Lease period 5 starts at block 500, after the lease has run out.
	tick(t, r, 500)
	r.View(func(m *Modules) {
		_, ok := m.Leases.Lease(paraY)
		assert.False(t, ok)
		assert.Equal(t, primitives.Balance(0), m.Currency.Reserved(account))
		fund, err := m.Crowdloan.Fund(paraY)
		require.NoError(t, err)
		assert.Equal(t, crowdloan.Retiring, fund.State)
	})

	r.Submit(Refund(paraY))
	r.Submit(Dissolve(origin.Signed(carol), paraY))
	report = tick(t, r, 501)
	assert.Equal(t, 2, report.Applied)
	r.View(func(m *Modules) {
		assert.Equal(t, primitives.Balance(1000), m.Currency.Free(dave))
		assert.Equal(t, primitives.Balance(1000), m.Currency.Free(carol))
		assert.Equal(t, primitives.Balance(0), m.Currency.Reserved(carol))
		_, err := m.Crowdloan.Fund(paraY)
		require.ErrorIs(t, err, crowdloan.ErrFundNotFound)
	})

	assert.Equal(t, float64(18), counter(t, reg, "slotauction_ticks_total"))
	assert.Equal(t, float64(6), counter(t, reg, "slotauction_extrinsics_total"))
}

func TestExtrinsicsApplyInOrder(t *testing.T) {
	r := newRuntime(t, testutils.NewKVStore(t), nil)

	r.Submit(Contribute(dave, paraY, 50))
	r.Submit(CreateFund(origin.Signed(carol), paraY, 500, 0, 3, 20))
	r.Submit(Contribute(dave, paraY, 50))
	report := tick(t, r, 1)

	assert.Equal(t, 2, report.Applied)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "crowdloan.contribute", report.Failures[0].Name)
	require.ErrorIs(t, report.Failures[0].Err, crowdloan.ErrFundNotFound)

	r.View(func(m *Modules) {
		fund, err := m.Crowdloan.Fund(paraY)
		require.NoError(t, err)
		assert.Equal(t, primitives.Balance(50), fund.Raised)
	})
}

func TestBidInSameBlockAsAuction(t *testing.T) {
	r := newRuntime(t, testutils.NewKVStore(t), nil)

	r.Submit(Bid(alice, paraX, rng(t, 0, 0), 10))
	r.Submit(NewAuction(root, 2, 0))
	r.Submit(Bid(bob, paraX, rng(t, 0, 1), 10))
	report := tick(t, r, 1)

	require.Len(t, report.Failures, 1)
	require.ErrorIs(t, report.Failures[0].Err, auction.ErrAuctionNotOpen)
	r.View(func(m *Modules) {
		assert.Equal(t, primitives.Balance(0), m.Auction.ReservedAmount(alice, paraX))
		assert.Equal(t, primitives.Balance(10), m.Auction.ReservedAmount(bob, paraX))
	})
}

func TestTickRejectsStaleBlock(t *testing.T) {
	r := newRuntime(t, testutils.NewKVStore(t), nil)
	tick(t, r, 5)

	for _, b := range []chaintime.BlockNumber{4, 5} {
		_, err := r.Tick(context.Background(), b, primitives.Hash{})
		require.ErrorIs(t, err, ErrBlockNotAdvancing)
	}
	block, ok := r.Block()
	assert.True(t, ok)
	assert.Equal(t, chaintime.BlockNumber(5), block)

	tick(t, r, 7)
}

func TestTickCancelledContext(t *testing.T) {
	r := newRuntime(t, testutils.NewKVStore(t), nil)
	r.Submit(NewAuction(root, 4, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Tick(ctx, 1, primitives.Hash{})
	require.ErrorIs(t, err, context.Canceled)

	_, ok := r.Block()
	assert.False(t, ok)
	r.View(func(m *Modules) { assert.Equal(t, auction.Inactive, m.Auction.State().Phase) })

	// The call stays queued for the next block.
	report := tick(t, r, 1)
	assert.Equal(t, 1, report.Applied)
	r.View(func(m *Modules) { assert.Equal(t, auction.Opening, m.Auction.State().Phase) })
}

func TestBlocksBeforeLeaseOffset(t *testing.T) {
	cfg := testConfig()
	cfg.LeaseOffset = 50
	r, err := New(cfg, testutils.NewKVStore(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	assert.Equal(t, chaintime.LeasePeriod(0), tick(t, r, 10).Period)
	assert.Equal(t, chaintime.LeasePeriod(0), tick(t, r, 149).Period)
	assert.Equal(t, chaintime.LeasePeriod(1), tick(t, r, 150).Period)
}

func TestParentHashChains(t *testing.T) {
	r := newRuntime(t, testutils.NewKVStore(t), nil)
	genesis := r.ParentHash()
	tick(t, r, 1)
	first := r.ParentHash()
	tick(t, r, 2)

	assert.NotEqual(t, genesis, first)
	assert.NotEqual(t, first, r.ParentHash())
	assert.Equal(t, nextParent(first, 2, first), r.ParentHash())
}

func TestCall(t *testing.T) {
	x, err := Call("auctions.bid", CallArgs{Who: alice, Para: paraX, First: 0, Last: 3, Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, "auctions.bid", x.Name)

	_, err = Call("auctions.bid", CallArgs{First: 3, Last: 1})
	require.ErrorIs(t, err, slotrange.ErrInvalidRange)
	_, err = Call("auctions.bid", CallArgs{First: 0, Last: 300})
	require.ErrorIs(t, err, slotrange.ErrInvalidRange)

	_, err = Call("balances.transfer", CallArgs{})
	require.ErrorIs(t, err, ErrUnknownCall)

	r := newRuntime(t, testutils.NewKVStore(t), nil)
	x, err = Call("auctions.new_auction", CallArgs{Who: alice, LeaseDuration: 4})
	require.NoError(t, err)
	r.Submit(x)
	report := tick(t, r, 1)
	require.Len(t, report.Failures, 1)
	require.ErrorIs(t, report.Failures[0].Err, origin.ErrNotPrivileged)
}

func TestAssignedSlots(t *testing.T) {
	r := newRuntime(t, testutils.NewKVStore(t), nil)
	require.NoError(t, r.Setup(func(m *Modules) error {
		m.Registry.Register(paraZ)
		return nil
	}))

	temp, err := Call("assigned_slots.assign_temp", CallArgs{Root: true, Para: paraZ})
	require.NoError(t, err)
	r.Submit(AssignPermanentSlot(origin.Signed(alice), paraX))
	r.Submit(AssignPermanentSlot(root, paraX))
	r.Submit(AssignTemporarySlot(root, paraY))
	r.Submit(temp)
	report := tick(t, r, 1)
	assert.Equal(t, 3, report.Applied)
	require.Len(t, report.Failures, 1)
	require.ErrorIs(t, report.Failures[0].Err, origin.ErrNotPrivileged)

	r.View(func(m *Modules) {
		lease, ok := m.Leases.Lease(paraX)
		require.True(t, ok)
		assert.Equal(t, leases.Lease{Para: paraX, Leaser: assignedslots.SlotAccount(paraX), First: 0, Last: 3}, lease)
		assert.True(t, m.Leases.IsLeased(paraY, 0, 0))
		assert.False(t, m.Leases.IsLeased(paraZ, 0, 0))
	})

	tick(t, r, 100)
	r.View(func(m *Modules) {
		assert.False(t, m.Leases.IsLeased(paraY, 1, 1))
		assert.True(t, m.Leases.IsLeased(paraZ, 1, 1))
		slot, ok := m.Slots.Slot(paraZ)
		require.True(t, ok)
		assert.Equal(t, uint32(1), slot.LeaseCount)
	})

	tick(t, r, 200)
	r.View(func(m *Modules) {
		assert.True(t, m.Leases.IsLeased(paraY, 2, 2))
		assert.False(t, m.Leases.IsLeased(paraZ, 2, 2))
	})

	r.Submit(UnassignSlot(root, paraX))
	tick(t, r, 201)
	r.View(func(m *Modules) {
		_, ok := m.Leases.Lease(paraX)
		assert.False(t, ok)
		_, ok = m.Slots.Slot(paraX)
		assert.False(t, ok)
	})
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	open := func() *Runtime {
		kv, err := pebble.NewKVStore(dir)
		require.NoError(t, err)
		return newRuntime(t, kv, nil)
	}

	r := open()
	r.Submit(NewAuction(root, 4, 1))
	r.Submit(Bid(alice, paraX, rng(t, 1, 2), 100))
	tick(t, r, 1)
	tickRange(t, r, 2, 16)
	require.NoError(t, r.Close())

	_, err := r.Tick(context.Background(), 17, primitives.Hash{})
	require.ErrorIs(t, err, ErrRuntimeClosed)
	require.True(t, errors.Is(r.Setup(func(*Modules) error { return nil }), ErrRuntimeClosed))

	reopened := open()
	reopened.View(func(m *Modules) {
		lease, ok := m.Leases.Lease(paraX)
		require.True(t, ok)
		assert.Equal(t, leases.Lease{Para: paraX, Leaser: alice, First: 2, Last: 3, Deposit: 100}, lease)
		st := m.Auction.State()
		assert.Equal(t, auction.Inactive, st.Phase)
		assert.Equal(t, uint32(1), st.Index)
	})

	reopened.Submit(NewAuction(root, 4, 1))
	tick(t, reopened, 17)
	reopened.View(func(m *Modules) { assert.Equal(t, uint32(2), m.Auction.State().Index) })
}
