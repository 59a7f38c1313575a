package assignedslots

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/slotauction/internal/balances"
	"github.com/eigerco/slotauction/internal/chaintime"
	"github.com/eigerco/slotauction/internal/leases"
	"github.com/eigerco/slotauction/internal/origin"
	"github.com/eigerco/slotauction/internal/primitives"
	"github.com/eigerco/slotauction/internal/registrar"
	"github.com/eigerco/slotauction/internal/store"
	"github.com/eigerco/slotauction/internal/testutils"
)

const (
	paraX primitives.ParaID = 100
	paraY primitives.ParaID = 200
	paraZ primitives.ParaID = 300
	paraW primitives.ParaID = 400
)

var (
	alice = primitives.NamedAccount("alice")
	root  = origin.RootOrigin()

	testCfg = Config{
		PermanentPeriods:      3,
		TemporaryPeriods:      1,
		MaxPermanent:          2,
		MaxTemporary:          3,
		MaxTemporaryPerPeriod: 1,
	}
)

type fixture struct {
	m      *Manager
	ledger *leases.Ledger
	store  *store.Store
}

func newFixture(t *testing.T) *fixture {
	s := testutils.NewStore(t)
	ledger, err := leases.New(s, balances.New(), nil, nil)
	require.NoError(t, err)
	f := &fixture{ledger: ledger, store: s}
	f.m = f.newManager(t)
	return f
}

func (f *fixture) newManager(t *testing.T) *Manager {
	m, err := New(testCfg, Deps{
		Store:    f.store,
		Ledger:   f.ledger,
		Auth:     origin.NewStatic(),
		Registry: registrar.NewStatic(paraX, paraY, paraZ, paraW),
	}, prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

// period runs the end of block bookkeeping of the first block of p.
func (f *fixture) period(t *testing.T, p chaintime.LeasePeriod) {
	f.m.Advance(p)
	_, err := f.ledger.SweepExpired(p)
	require.NoError(t, err)
	f.m.Rotate()
}

// slotHolder returns the temporary para whose slot leases p.
func (f *fixture) slotHolder(p chaintime.LeasePeriod) primitives.ParaID {
	for _, para := range []primitives.ParaID{paraX, paraY, paraZ} {
		if occ, ok := f.ledger.Occupant(para, p); ok && occ.Leaser == SlotAccount(para) {
			return para
		}
	}
	return 0
}

func TestAssignPermanent(t *testing.T) {
	f := newFixture(t)
	f.period(t, 2)

	require.ErrorIs(t, f.m.AssignPermanent(origin.Signed(alice), paraX), origin.ErrNotPrivileged)
	require.ErrorIs(t, f.m.AssignPermanent(root, 999), ErrParaNotBiddable)
	require.NoError(t, f.m.AssignPermanent(root, paraX))

	lease, ok := f.ledger.Lease(paraX)
	require.True(t, ok)
	assert.Equal(t, leases.Lease{Para: paraX, Leaser: SlotAccount(paraX), First: 2, Last: 4}, lease)
	slot, ok := f.m.Slot(paraX)
	require.True(t, ok)
	assert.Equal(t, Slot{Para: paraX, Kind: Permanent, Assigned: 2, LastLease: 2, Leased: true, LeaseCount: 1}, slot)

	require.ErrorIs(t, f.m.AssignPermanent(root, paraX), ErrAlreadyAssigned)
	require.ErrorIs(t, f.m.AssignTemporary(root, paraX), ErrAlreadyAssigned)

	_, err := f.ledger.Claim(paraY, alice, 4, 4, 10)
	require.NoError(t, err)
	require.ErrorIs(t, f.m.AssignPermanent(root, paraY), ErrAlreadyLeased)
	_, ok = f.m.Slot(paraY)
	assert.False(t, ok)

	require.NoError(t, f.m.AssignPermanent(root, paraZ))
	require.ErrorIs(t, f.m.AssignPermanent(root, paraW), ErrMaxPermanent)

	reloaded := f.newManager(t)
	assert.Equal(t, f.m.Slots(), reloaded.Slots())
}

func TestUnassign(t *testing.T) {
	f := newFixture(t)
	f.period(t, 0)
	require.NoError(t, f.m.AssignPermanent(root, paraX))
	require.NoError(t, f.m.AssignTemporary(root, paraY))
	require.NoError(t, f.m.AssignTemporary(root, paraZ))

	require.ErrorIs(t, f.m.Unassign(origin.Signed(alice), paraX), origin.ErrNotPrivileged)
	require.NoError(t, f.m.Unassign(root, paraX))
	_, ok := f.ledger.Lease(paraX)
	assert.False(t, ok)
	require.ErrorIs(t, f.m.Unassign(root, paraX), ErrNotAssigned)

	// paraZ never got a lease.
	require.NoError(t, f.m.Unassign(root, paraZ))

	records, err := f.store.AssignedSlots()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint32(paraY), records[0].Para)
}

func TestTemporarySlotsRotate(t *testing.T) {
	f := newFixture(t)
	f.period(t, 0)

	for _, para := range []primitives.ParaID{paraX, paraY, paraZ} {
		require.NoError(t, f.m.AssignTemporary(root, para))
	}
	require.ErrorIs(t, f.m.AssignTemporary(root, paraW), ErrMaxTemporary)
	assert.Equal(t, paraX, f.slotHolder(0))
	slot, _ := f.m.Slot(paraY)
	assert.False(t, slot.Leased)

	var holders []primitives.ParaID
	for p := chaintime.LeasePeriod(0); p <= 4; p++ {
		f.period(t, p)
		holders = append(holders, f.slotHolder(p))
	}
	assert.Equal(t, []primitives.ParaID{paraX, paraY, paraZ, paraX, paraY}, holders)

	// Rotating again within the period changes nothing.
	f.m.Rotate()
	_, ok := f.ledger.Occupant(paraZ, 4)
	assert.False(t, ok)

	// paraZ is next but its period 5 is taken, so the turn passes on.
	_, err := f.ledger.Claim(paraZ, alice, 5, 5, 10)
	require.NoError(t, err)
	f.period(t, 5)
	assert.Equal(t, paraX, f.slotHolder(5))
	slot, _ = f.m.Slot(paraZ)
	assert.Equal(t, uint32(1), slot.LeaseCount)

	reloaded := f.newManager(t)
	assert.Equal(t, f.m.Slots(), reloaded.Slots())
}

func TestTemporarySlotsSharePeriods(t *testing.T) {
	cfg := testCfg
	cfg.TemporaryPeriods, cfg.MaxTemporaryPerPeriod = 2, 2
	s := testutils.NewStore(t)
	ledger, err := leases.New(s, nil, nil, nil)
	require.NoError(t, err)
	m, err := New(cfg, Deps{
		Store:    s,
		Ledger:   ledger,
		Auth:     origin.NewStatic(),
		Registry: registrar.NewStatic(paraX, paraY, paraZ),
	}, nil)
	require.NoError(t, err)

	for _, para := range []primitives.ParaID{paraX, paraY, paraZ} {
		require.NoError(t, m.AssignTemporary(root, para))
	}
	assert.True(t, ledger.IsLeased(paraX, 0, 1))
	assert.True(t, ledger.IsLeased(paraY, 0, 1))
	assert.False(t, ledger.IsLeased(paraZ, 0, 3))

	m.Advance(1)
	_, err = ledger.SweepExpired(1)
	require.NoError(t, err)
	m.Rotate()
	assert.False(t, ledger.IsLeased(paraZ, 1, 1), "both leases still run")

	m.Advance(2)
	_, err = ledger.SweepExpired(2)
	require.NoError(t, err)
	m.Rotate()
	assert.True(t, ledger.IsLeased(paraZ, 2, 3))
	assert.True(t, ledger.IsLeased(paraX, 2, 3))
	assert.False(t, ledger.IsLeased(paraY, 2, 2))
}
