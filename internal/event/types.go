package event

import (
	"github.com/eigerco/slotauction/internal/chaintime"
	"github.com/eigerco/slotauction/internal/primitives"
)

const (
	LeaseChangedEventType   EventType = "lease.changed"
	AuctionStartedEventType EventType = "auction.started"
	AuctionSettledEventType EventType = "auction.settled"
	AuctionClosedEventType  EventType = "auction.closed"
	FundStateEventType      EventType = "crowdloan.state"
)

type LeaseChangeKind uint8

const (
	LeaseClaimed LeaseChangeKind = iota
	LeaseExtended
	LeaseSwapped
	LeaseExpired
	LeaseCleared
)

func (k LeaseChangeKind) String() string {
	switch k {
	case LeaseClaimed:
		return "claimed"
	case LeaseExtended:
		return "extended"
	case LeaseSwapped:
		return "swapped"
	case LeaseExpired:
		return "expired"
	case LeaseCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// LeaseChangedEvent reports that para's lease now covers [First, Last]
// starting at EffectiveFrom. For expiry and clearing First/Last describe the
// periods that were removed.
type LeaseChangedEvent struct {
	Para          primitives.ParaID
	Leaser        primitives.AccountID
	First         chaintime.LeasePeriod
	Last          chaintime.LeasePeriod
	EffectiveFrom chaintime.LeasePeriod
	Kind          LeaseChangeKind
	// Released is the deposit handed back to the leaser, if any.
	Released primitives.Balance
}

// AuctionStartedEvent is published when a new auction opens.
type AuctionStartedEvent struct {
	Index         uint32
	FirstPeriod   chaintime.LeasePeriod
	LeaseDuration uint8
	EarlyEnd      chaintime.BlockNumber
	WindowEnd     chaintime.BlockNumber
}

// AuctionClosedEvent is published when an auction finishes, whether settled
// with a winner, without bids, or cancelled.
type AuctionClosedEvent struct {
	Index     uint32
	Cancelled bool
}
