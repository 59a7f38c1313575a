package crowdloan

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eigerco/slotauction/internal/chaintime"
	"github.com/eigerco/slotauction/internal/primitives"
)

// ModuleID prefixes the derived fund accounts.
const ModuleID = "modlcrowdloan"

// FundAccount is the account holding the pooled contributions for para.
func FundAccount(para primitives.ParaID) primitives.AccountID {
	return primitives.SubAccount(ModuleID, uint32(para))
}

type State uint8

const (
	Active State = iota
	Winning
	Retiring
	Dissolved
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Winning:
		return "winning"
	case Retiring:
		return "retiring"
	case Dissolved:
		return "dissolved"
	default:
		return "unknown"
	}
}

// Fund pools contributions to bid for a para's lease. It bids in auctions
// under its own derived account.
type Fund struct {
	Para      primitives.ParaID
	Depositor primitives.AccountID
	// Deposit is reserved from Depositor until the fund is dissolved.
	Deposit     primitives.Balance
	Cap         primitives.Balance
	Raised      primitives.Balance
	EndBlock    chaintime.BlockNumber
	FirstPeriod chaintime.LeasePeriod
	LastPeriod  chaintime.LeasePeriod
	State       State
	// LastBid and AuctionIndex describe the fund's bid in the current auction.
	LastBid      primitives.Balance
	AuctionIndex uint32
	Contributors uint32
}

// Account implements auction.Principal.
func (f Fund) Account() primitives.AccountID {
	return FundAccount(f.Para)
}

type Contribution struct {
	Amount    primitives.Balance
	Withdrawn bool
}

type ContributionEntry struct {
	Contributor primitives.AccountID
	Contribution
}

// StateChange is published with event.FundStateEventType.
type StateChange struct {
	Para primitives.ParaID
	From State
	To   State
}

// Config holds the crowdloan economic parameters.
type Config struct {
	MinContribution primitives.Balance
	// Deposit is reserved from whoever creates a fund.
	Deposit primitives.Balance
}

type fundMetrics struct {
	funds       *prometheus.GaugeVec
	contributed prometheus.Counter
	withdrawn   prometheus.Counter
}

func (m *fundMetrics) init(reg prometheus.Registerer) {
	factory := promauto.With(reg)
	m.funds = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "slotauction_crowdloan_funds",
		Help: "funds by state",
	}, []string{"state"})
	m.contributed = factory.NewCounter(prometheus.CounterOpts{
		Name: "slotauction_crowdloan_contributed_total",
		Help: "balance contributed to funds",
	})
	m.withdrawn = factory.NewCounter(prometheus.CounterOpts{
		Name: "slotauction_crowdloan_withdrawn_total",
		Help: "balance withdrawn from funds",
	})
}
