package runtime

import "errors"

var (
	ErrRuntimeClosed     = errors.New("runtime closed")
	ErrBlockNotAdvancing = errors.New("block does not advance")
	ErrUnknownCall       = errors.New("unknown call")
)
