package store

// The record types below are the persisted layout of each table. They only
// use fixed width integers, byte arrays, bools and slices so they encode
// deterministically with SCALE.

// LeaseRecord is the occupant of one (para, lease period) entry.
type LeaseRecord struct {
	Leaser  [32]byte
	Deposit uint64
}

// LeaseEntry is a LeaseRecord together with its key.
type LeaseEntry struct {
	Para   uint32
	Period uint32
	LeaseRecord
}

// BidRecord is one live auction bid.
type BidRecord struct {
	Bidder     [32]byte
	Para       uint32
	RangeFirst uint8
	RangeLast  uint8
	Amount     uint64
	Block      uint32
}

// SnapshotRecord holds the bids placed at a given offset of the ending
// window, one per bidder and para.
type SnapshotRecord struct {
	Offset uint32
	Bids   []BidRecord
}

// ReservedRecord is the amount an auction holds in reserve for a bidder on
// a para.
type ReservedRecord struct {
	Bidder [32]byte
	Para   uint32
	Amount uint64
}

// AuctionRecord is the auction singleton.
type AuctionRecord struct {
	Counter       uint32
	Opening       bool
	StartBlock    uint32
	EarlyEnd      uint32
	EndingPeriod  uint32
	FirstPeriod   uint32
	LeaseDuration uint8
	// Sampled is set once the closing offset has been drawn; a settlement
	// retried on a later block reuses CloseOffset.
	Sampled     bool
	CloseOffset uint32
	Bids        []BidRecord
	Winning     []SnapshotRecord
	Reserved    []ReservedRecord
}

// FundRecord is a crowdloan fund keyed by its para.
type FundRecord struct {
	Para        uint32
	Depositor   [32]byte
	Deposit     uint64
	Cap         uint64
	Raised      uint64
	EndBlock    uint32
	FirstPeriod uint32
	LastPeriod  uint32
	State       uint8
	LastBid     uint64
	// AuctionIndex is the auction the fund last bid in, 0 when none.
	AuctionIndex uint32
	Contributors uint32
}

// ContributionRecord is one contributor's balance in a fund.
type ContributionRecord struct {
	Amount    uint64
	Withdrawn bool
}

// ContributionEntry is a ContributionRecord together with its contributor.
type ContributionEntry struct {
	Contributor [32]byte
	ContributionRecord
}

// AssignedSlotRecord is a slot assigned to a para outside of auctions.
type AssignedSlotRecord struct {
	Para     uint32
	Kind     uint8
	Assigned uint32
	// LastLease is the first period of the slot's latest lease, meaningful
	// once Leased is set.
	LastLease  uint32
	Leased     bool
	LeaseCount uint32
}
