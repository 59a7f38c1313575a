// Package slotrange enumerates the contiguous spans of lease periods that an
// auction bid may cover.
//
// With a lookahead of LeasePeriodsPerSlot periods there are
// LeasePeriodsPerSlot*(LeasePeriodsPerSlot+1)/2 ranges. They are numbered in
// lexicographic (first, last) order: (0,0)=0, (0,1)=1, ... (0,7)=7, (1,1)=8,
// ... (7,7)=35.
package slotrange

import (
	"errors"
	"fmt"

	"github.com/eigerco/slotauction/internal/chaintime"
)

const (
	// LeasePeriodsPerSlot is the number of lease periods an auction can offer.
	LeasePeriodsPerSlot = 8

	// Count is the number of distinct slot ranges.
	Count = LeasePeriodsPerSlot * (LeasePeriodsPerSlot + 1) / 2
)

var (
	ErrInvalidRange   = errors.New("invalid slot range")
	ErrInvalidRangeID = errors.New("invalid slot range id")
)

// ID is the dense identifier of a slot range, in [0, Count).
type ID uint8

// SlotRange is an inclusive span of lease period offsets relative to the
// first period of an auction.
type SlotRange struct {
	First uint8 `scale:"1"`
	Last  uint8 `scale:"2"`
}

// New validates first and last and returns the range.
func New(first, last uint8) (SlotRange, error) {
	if first > last || last >= LeasePeriodsPerSlot {
		return SlotRange{}, fmt.Errorf("%w: (%d, %d)", ErrInvalidRange, first, last)
	}
	return SlotRange{First: first, Last: last}, nil
}

// Encode returns the identifier of the range (first, last).
func Encode(first, last uint8) (ID, error) {
	r, err := New(first, last)
	if err != nil {
		return 0, err
	}
	return r.ID(), nil
}

// Decode returns the range with the given identifier.
func Decode(id ID) (SlotRange, error) {
	if id >= Count {
		return SlotRange{}, fmt.Errorf("%w: %d", ErrInvalidRangeID, id)
	}
	rest := uint8(id)
	for first := uint8(0); first < LeasePeriodsPerSlot; first++ {
		width := LeasePeriodsPerSlot - first
		if rest < width {
			return SlotRange{First: first, Last: first + rest}, nil
		}
		rest -= width
	}
	// unreachable, id < Count
	return SlotRange{}, fmt.Errorf("%w: %d", ErrInvalidRangeID, id)
}

// Validate reports whether the range is one of the Count valid ranges.
func (r SlotRange) Validate() error {
	_, err := New(r.First, r.Last)
	return err
}

// ID returns the dense identifier. The range must be valid.
func (r SlotRange) ID() ID {
	// Number of ranges starting before r.First.
	before := uint(r.First) * (2*LeasePeriodsPerSlot - uint(r.First) + 1) / 2
	return ID(before + uint(r.Last-r.First))
}

// Len is the number of lease periods covered by the range.
func (r SlotRange) Len() uint32 {
	return uint32(r.Last-r.First) + 1
}

// Contains reports whether the offset lies within the range.
func (r SlotRange) Contains(offset uint8) bool {
	return r.First <= offset && offset <= r.Last
}

// Intersects reports whether two ranges share a lease period.
func (r SlotRange) Intersects(o SlotRange) bool {
	return r.First <= o.Last && o.First <= r.Last
}

// Periods converts the offsets into absolute lease periods given the first
// period the auction offers.
func (r SlotRange) Periods(base chaintime.LeasePeriod) (first, last chaintime.LeasePeriod) {
	return base.Add(uint32(r.First)), base.Add(uint32(r.Last))
}

// Compare orders ranges by duration and then by identifier. A positive result
// means r is preferred over o when two bids are otherwise equal.
func (r SlotRange) Compare(o SlotRange) int {
	switch {
	case r.Len() > o.Len():
		return 1
	case r.Len() < o.Len():
		return -1
	case r.ID() < o.ID():
		return 1
	case r.ID() > o.ID():
		return -1
	}
	return 0
}

func (r SlotRange) String() string {
	return fmt.Sprintf("(%d..%d)", r.First, r.Last)
}

// All returns every valid range in identifier order.
func All() []SlotRange {
	ranges := make([]SlotRange, 0, Count)
	for first := uint8(0); first < LeasePeriodsPerSlot; first++ {
		for last := first; last < LeasePeriodsPerSlot; last++ {
			ranges = append(ranges, SlotRange{First: first, Last: last})
		}
	}
	return ranges
}

// Within returns the ranges whose last offset is below duration, i.e. the
// ranges an auction offering duration periods accepts.
func Within(duration uint8) []SlotRange {
	var ranges []SlotRange
	for _, r := range All() {
		if r.Last < duration {
			ranges = append(ranges, r)
		}
	}
	return ranges
}
