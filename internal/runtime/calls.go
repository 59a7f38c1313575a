package runtime

import (
	"fmt"
	"math"

	"github.com/eigerco/slotauction/internal/auction"
	"github.com/eigerco/slotauction/internal/chaintime"
	"github.com/eigerco/slotauction/internal/origin"
	"github.com/eigerco/slotauction/internal/primitives"
	"github.com/eigerco/slotauction/internal/slotrange"
)

// NewAuction opens an auction for leaseDuration periods starting lead
// periods after the current one.
func NewAuction(o origin.Origin, leaseDuration uint8, lead uint32) Extrinsic {
	return Extrinsic{
		Name: "auctions.new_auction",
		Call: func(m *Modules) error {
			_, err := m.Auction.NewAuction(o, leaseDuration, lead)
			return err
		},
	}
}

// CancelAuction closes the open auction without a winner.
func CancelAuction(o origin.Origin) Extrinsic {
	return Extrinsic{
		Name: "auctions.cancel_auction",
		Call: func(m *Modules) error { return m.Auction.CancelAuction(o) },
	}
}

// Bid places or raises bidder's bid for para over r.
func Bid(bidder primitives.AccountID, para primitives.ParaID, r slotrange.SlotRange, amount primitives.Balance) Extrinsic {
	return Extrinsic{
		Name: "auctions.bid",
		Call: func(m *Modules) error { return m.Auction.Bid(auction.Signer(bidder), para, r, amount) },
	}
}

// ForceLease grants leaser the periods [first, last] of para outside any
// auction.
func ForceLease(o origin.Origin, para primitives.ParaID, leaser primitives.AccountID, amount primitives.Balance, first, last chaintime.LeasePeriod) Extrinsic {
	return Extrinsic{
		Name: "slots.force_lease",
		Call: func(m *Modules) error { return m.Auction.ForceLease(o, para, leaser, amount, first, last) },
	}
}

// SwapLeases exchanges the leases of a and b.
func SwapLeases(o origin.Origin, a, b primitives.ParaID) Extrinsic {
	return Extrinsic{
		Name: "slots.swap",
		Call: func(m *Modules) error { return m.Auction.SwapLeases(o, a, b) },
	}
}

// ClearAllLeases removes every lease of para and returns the deposits.
func ClearAllLeases(o origin.Origin, para primitives.ParaID) Extrinsic {
	return Extrinsic{
		Name: "slots.clear_all_leases",
		Call: func(m *Modules) error {
			_, err := m.Auction.ClearAllLeases(o, para)
			return err
		},
	}
}

// CreateFund opens a crowdloan fund for para.
func CreateFund(o origin.Origin, para primitives.ParaID, fundCap primitives.Balance, first, last chaintime.LeasePeriod, end chaintime.BlockNumber) Extrinsic {
	return Extrinsic{
		Name: "crowdloan.create",
		Call: func(m *Modules) error { return m.Crowdloan.Create(o, para, fundCap, first, last, end) },
	}
}

// Contribute moves amount from contributor into para's fund.
func Contribute(contributor primitives.AccountID, para primitives.ParaID, amount primitives.Balance) Extrinsic {
	return Extrinsic{
		Name: "crowdloan.contribute",
		Call: func(m *Modules) error { return m.Crowdloan.Contribute(contributor, para, amount) },
	}
}

// EditFund changes the cap and end block of an active fund.
func EditFund(o origin.Origin, para primitives.ParaID, fundCap primitives.Balance, end chaintime.BlockNumber) Extrinsic {
	return Extrinsic{
		Name: "crowdloan.edit",
		Call: func(m *Modules) error { return m.Crowdloan.Edit(o, para, fundCap, end) },
	}
}

// Withdraw returns contributor's contribution from a retiring fund.
func Withdraw(contributor primitives.AccountID, para primitives.ParaID) Extrinsic {
	return Extrinsic{
		Name: "crowdloan.withdraw",
		Call: func(m *Modules) error {
			_, err := m.Crowdloan.Withdraw(contributor, para)
			return err
		},
	}
}

// Refund returns contributions of a retiring fund, at most RefundBatchSize
// per call.
func Refund(para primitives.ParaID) Extrinsic {
	return Extrinsic{
		Name: "crowdloan.refund",
		Call: func(m *Modules) error {
			_, err := m.Crowdloan.Refund(para, m.RefundBatchSize)
			return err
		},
	}
}

// Dissolve returns the creation deposit of para's fund and removes the fund
// once it holds no contributions.
func Dissolve(o origin.Origin, para primitives.ParaID) Extrinsic {
	return Extrinsic{
		Name: "crowdloan.dissolve",
		Call: func(m *Modules) error { return m.Crowdloan.Dissolve(o, para) },
	}
}

// AssignPermanentSlot gives para a permanent slot leased from the current
// period.
func AssignPermanentSlot(o origin.Origin, para primitives.ParaID) Extrinsic {
	return Extrinsic{
		Name: "assigned_slots.assign_perm",
		Call: func(m *Modules) error { return m.Slots.AssignPermanent(o, para) },
	}
}

// AssignTemporarySlot gives para a temporary slot in the rotation.
func AssignTemporarySlot(o origin.Origin, para primitives.ParaID) Extrinsic {
	return Extrinsic{
		Name: "assigned_slots.assign_temp",
		Call: func(m *Modules) error { return m.Slots.AssignTemporary(o, para) },
	}
}

// UnassignSlot removes para's assigned slot and its leases.
func UnassignSlot(o origin.Origin, para primitives.ParaID) Extrinsic {
	return Extrinsic{
		Name: "assigned_slots.unassign",
		Call: func(m *Modules) error { return m.Slots.Unassign(o, para) },
	}
}

// Call parses a call name as used in scenario files into an extrinsic. args
// are interpreted per call.
func Call(name string, args CallArgs) (Extrinsic, error) {
	o := args.origin()
	switch name {
	case "auctions.new_auction":
		return NewAuction(o, args.LeaseDuration, args.Lead), nil
	case "auctions.cancel_auction":
		return CancelAuction(o), nil
	case "auctions.bid":
		if args.First > math.MaxUint8 || args.Last > math.MaxUint8 {
			return Extrinsic{}, fmt.Errorf("%w: (%d, %d)", slotrange.ErrInvalidRange, args.First, args.Last)
		}
		r, err := slotrange.New(uint8(args.First), uint8(args.Last))
		if err != nil {
			return Extrinsic{}, err
		}
		return Bid(args.Who, args.Para, r, args.Amount), nil
	case "slots.force_lease":
		return ForceLease(o, args.Para, args.Who, args.Amount, chaintime.LeasePeriod(args.First), chaintime.LeasePeriod(args.Last)), nil
	case "slots.swap":
		return SwapLeases(o, args.Para, args.Other), nil
	case "slots.clear_all_leases":
		return ClearAllLeases(o, args.Para), nil
	case "crowdloan.create":
		return CreateFund(o, args.Para, args.Amount, chaintime.LeasePeriod(args.First), chaintime.LeasePeriod(args.Last), args.End), nil
	case "crowdloan.contribute":
		return Contribute(args.Who, args.Para, args.Amount), nil
	case "crowdloan.edit":
		return EditFund(o, args.Para, args.Amount, args.End), nil
	case "crowdloan.withdraw":
		return Withdraw(args.Who, args.Para), nil
	case "crowdloan.refund":
		return Refund(args.Para), nil
	case "crowdloan.dissolve":
		return Dissolve(o, args.Para), nil
	case "assigned_slots.assign_perm":
		return AssignPermanentSlot(o, args.Para), nil
	case "assigned_slots.assign_temp":
		return AssignTemporarySlot(o, args.Para), nil
	case "assigned_slots.unassign":
		return UnassignSlot(o, args.Para), nil
	default:
		return Extrinsic{}, fmt.Errorf("%w: %q", ErrUnknownCall, name)
	}
}

// CallArgs are the union of every call's arguments. For slot ranges First
// and Last are offsets into the auction; for leases and funds they are lease
// periods.
type CallArgs struct {
	Root          bool
	Who           primitives.AccountID
	Para          primitives.ParaID
	Other         primitives.ParaID
	Amount        primitives.Balance
	First         uint32
	Last          uint32
	End           chaintime.BlockNumber
	LeaseDuration uint8
	Lead          uint32
}

func (a CallArgs) origin() origin.Origin {
	if a.Root {
		return origin.RootOrigin()
	}
	return origin.Signed(a.Who)
}
