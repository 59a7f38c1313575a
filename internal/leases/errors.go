package leases

import "errors"

var (
	ErrInvalidRange     = errors.New("first period after last period")
	ErrRangeConflict    = errors.New("lease period already occupied")
	ErrNotOccupant      = errors.New("leaser does not hold the current lease")
	ErrNoLease          = errors.New("para has no active lease")
	ErrInvalidExtension = errors.New("extension must end after the current lease")
	ErrPeriodInPast     = errors.New("lease period already started")
)
