package chaintime

import "errors"

var (
	// ErrZeroLeasePeriodLength is returned when a clock is configured with
	// lease periods of zero blocks.
	ErrZeroLeasePeriodLength = errors.New("lease period length must be positive")

	// ErrBeforeLeaseOffset is returned when asking for the lease period of a
	// block that precedes the first lease period.
	ErrBeforeLeaseOffset = errors.New("block is before the first lease period")
)
