package crowdloan

import "errors"

var (
	ErrFundNotFound         = errors.New("no fund for para")
	ErrFundExists           = errors.New("para already has a fund")
	ErrParaNotBiddable      = errors.New("para is not registered for auctions")
	ErrInvalidCap           = errors.New("invalid fund cap")
	ErrInvalidRange         = errors.New("invalid lease period range")
	ErrEndInPast            = errors.New("fund end block already passed")
	ErrLeaseWindowPassed    = errors.New("first lease period already started")
	ErrFundNotActive        = errors.New("fund is not accepting contributions")
	ErrFundEnded            = errors.New("fund contribution period is over")
	ErrCapExceeded          = errors.New("contribution exceeds fund cap")
	ErrContributionTooSmall = errors.New("contribution below minimum")
	ErrFundNotRetiring      = errors.New("fund is not retiring")
	ErrNoContribution       = errors.New("account has not contributed to fund")
	ErrAlreadyWithdrawn     = errors.New("contribution already withdrawn")
	ErrNotReadyToDissolve   = errors.New("fund cannot be dissolved yet")
)
