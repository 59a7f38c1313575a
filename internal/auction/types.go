package auction

import (
	"fmt"

	"github.com/eigerco/slotauction/internal/chaintime"
	"github.com/eigerco/slotauction/internal/primitives"
	"github.com/eigerco/slotauction/internal/slotrange"
)

// Principal is whoever a bid is placed for. Its account pays the reserve and
// becomes the leaser if the bid wins.
type Principal interface {
	Account() primitives.AccountID
}

// Signer is a Principal for a plain signed account.
type Signer primitives.AccountID

func (s Signer) Account() primitives.AccountID {
	return primitives.AccountID(s)
}

// Bid is a live offer for a slot range of the open auction.
type Bid struct {
	Bidder primitives.AccountID
	Para   primitives.ParaID
	Range  slotrange.SlotRange
	Amount primitives.Balance
	// Block is the block the bid was placed at.
	Block chaintime.BlockNumber
}

func (b Bid) String() string {
	return fmt.Sprintf("%s for %s %s: %d", b.Bidder, b.Para, b.Range, b.Amount)
}

// better reports whether b beats o: higher amount, then longer range, then
// smaller para. Remaining ties go to the smaller range id, the earlier block
// and finally the smaller bidder.
func (b Bid) better(o Bid) bool {
	if b.Amount != o.Amount {
		return b.Amount > o.Amount
	}
	if b.Range.Len() != o.Range.Len() {
		return b.Range.Len() > o.Range.Len()
	}
	if b.Para != o.Para {
		return b.Para < o.Para
	}
	if c := b.Range.Compare(o.Range); c != 0 {
		return c > 0
	}
	if b.Block != o.Block {
		return b.Block < o.Block
	}
	return b.Bidder.Compare(o.Bidder) < 0
}

type Phase uint8

const (
	Inactive Phase = iota
	Opening
	Ended
)

func (p Phase) String() string {
	switch p {
	case Inactive:
		return "inactive"
	case Opening:
		return "opening"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// State describes the current auction. Fields other than Phase and Index are
// only meaningful while Opening.
type State struct {
	Phase Phase
	// Index is the counter of the current or last auction, 0 before the first.
	Index         uint32
	StartBlock    chaintime.BlockNumber
	EarlyEnd      chaintime.BlockNumber
	WindowEnd     chaintime.BlockNumber
	FirstPeriod   chaintime.LeasePeriod
	LeaseDuration uint8
}

// Periods returns the absolute lease periods the auction allocates.
func (s State) Periods() (first, last chaintime.LeasePeriod) {
	return s.FirstPeriod, s.FirstPeriod.Add(uint32(s.LeaseDuration) - 1)
}

// Result is the outcome of a settled auction. It is published as the data
// of an AuctionSettled event.
type Result struct {
	Index uint32
	// Winner is nil when no bid could be settled.
	Winner     *Bid
	Losers     []Bid
	CloseBlock chaintime.BlockNumber
	Offset     uint32
	// First and Last are the absolute lease periods won.
	First chaintime.LeasePeriod
	Last  chaintime.LeasePeriod
}

// Config holds the auction timing parameters, in blocks.
type Config struct {
	// AuctionDuration is the time from opening until the ending window starts.
	AuctionDuration chaintime.BlockNumber
	// EndingPeriod is the length of the candle window.
	EndingPeriod chaintime.BlockNumber
}
