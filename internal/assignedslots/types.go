package assignedslots

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eigerco/slotauction/internal/chaintime"
	"github.com/eigerco/slotauction/internal/primitives"
)

var (
	ErrParaNotBiddable = errors.New("para is not registered")
	ErrAlreadyAssigned = errors.New("para already has an assigned slot")
	ErrNotAssigned     = errors.New("para has no assigned slot")
	ErrAlreadyLeased   = errors.New("para already holds a lease")
	ErrMaxPermanent    = errors.New("permanent slots exhausted")
	ErrMaxTemporary    = errors.New("temporary slots exhausted")
)

// ModuleID prefixes the accounts that hold assigned slot leases.
const ModuleID = "modlassigned"

// SlotAccount is the leaser of every lease granted to para's assigned slot.
// The leases carry no deposit.
func SlotAccount(para primitives.ParaID) primitives.AccountID {
	return primitives.SubAccount(ModuleID, uint32(para))
}

type Kind uint8

const (
	Permanent Kind = iota
	Temporary
)

func (k Kind) String() string {
	switch k {
	case Permanent:
		return "permanent"
	case Temporary:
		return "temporary"
	default:
		return "unknown"
	}
}

// Slot is a para's assigned slot.
type Slot struct {
	Para     primitives.ParaID
	Kind     Kind
	Assigned chaintime.LeasePeriod
	// LastLease is the first period of the latest lease, valid once Leased.
	LastLease  chaintime.LeasePeriod
	Leased     bool
	LeaseCount uint32
}

// Config bounds the number of assigned slots and their lease lengths, in
// lease periods.
type Config struct {
	PermanentPeriods uint32
	TemporaryPeriods uint32
	MaxPermanent     int
	MaxTemporary     int
	// MaxTemporaryPerPeriod is how many temporary slots hold a lease at once.
	MaxTemporaryPerPeriod int
}

type slotMetrics struct {
	slots  *prometheus.GaugeVec
	leases *prometheus.CounterVec
}

func (m *slotMetrics) init(reg prometheus.Registerer) {
	factory := promauto.With(reg)
	m.slots = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "slotauction_assigned_slots",
		Help: "assigned slots by kind",
	}, []string{"kind"})
	m.leases = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "slotauction_assigned_slot_leases_total",
		Help: "leases granted to assigned slots",
	}, []string{"kind"})
}
