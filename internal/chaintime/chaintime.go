package chaintime

import "math"

// BlockNumber is the height of a relay chain block.
type BlockNumber uint32

// LeasePeriod counts fixed-length lease windows from the lease offset.
type LeasePeriod uint32

// Next returns the next block number
func (b BlockNumber) Next() BlockNumber {
	if b == math.MaxUint32 {
		return b
	}
	return b + 1
}

// Previous returns the previous block number
func (b BlockNumber) Previous() BlockNumber {
	if b == 0 {
		return b
	}
	return b - 1
}

// Add returns b+n, saturating at the maximum block number.
func (b BlockNumber) Add(n BlockNumber) BlockNumber {
	if uint64(b)+uint64(n) > math.MaxUint32 {
		return math.MaxUint32
	}
	return b + n
}

// Next returns the next lease period
func (p LeasePeriod) Next() LeasePeriod {
	if p == math.MaxUint32 {
		return p
	}
	return p + 1
}

// Add returns p+n, saturating at the maximum period.
func (p LeasePeriod) Add(n uint32) LeasePeriod {
	if uint64(p)+uint64(n) > math.MaxUint32 {
		return math.MaxUint32
	}
	return p + LeasePeriod(n)
}

// Clock maps block numbers onto lease periods. Period 0 starts at Offset.
type Clock struct {
	LeasePeriodLength BlockNumber
	Offset            BlockNumber
}

// NewClock validates and returns a clock.
func NewClock(length, offset BlockNumber) (Clock, error) {
	if length == 0 {
		return Clock{}, ErrZeroLeasePeriodLength
	}
	return Clock{LeasePeriodLength: length, Offset: offset}, nil
}

// LeasePeriodOf returns the lease period containing b and whether b is the
// first block of that period.
func (c Clock) LeasePeriodOf(b BlockNumber) (LeasePeriod, bool, error) {
	if c.LeasePeriodLength == 0 {
		return 0, false, ErrZeroLeasePeriodLength
	}
	if b < c.Offset {
		return 0, false, ErrBeforeLeaseOffset
	}
	since := b - c.Offset
	return LeasePeriod(since / c.LeasePeriodLength), since%c.LeasePeriodLength == 0, nil
}

// PeriodStart returns the first block of the given lease period.
func (c Clock) PeriodStart(p LeasePeriod) BlockNumber {
	start := uint64(c.Offset) + uint64(p)*uint64(c.LeasePeriodLength)
	if start > math.MaxUint32 {
		return math.MaxUint32
	}
	return BlockNumber(start)
}
