package auction

import "errors"

var (
	ErrAuctionInProgress    = errors.New("an auction is already in progress")
	ErrAuctionNotOpen       = errors.New("no auction is open for bids")
	ErrInvalidLeaseDuration = errors.New("lease duration must be between 1 and 8 periods")
	ErrInvalidRange         = errors.New("invalid slot range")
	ErrRangeNotBiddable     = errors.New("slot range is not biddable in this auction")
	ErrParaNotBiddable      = errors.New("para is not registered for auctions")
	ErrInsufficientReserve  = errors.New("could not reserve bid amount")
	ErrBidTooLow            = errors.New("bid must exceed the current bid")
)
