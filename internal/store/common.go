package store

import (
	"encoding/binary"
	"errors"
)

var (
	ErrStoreClosed    = errors.New("store is closed")
	ErrRecordNotFound = errors.New("record not found")
)

// Prefix constants for all tables
const (
	prefixLease byte = iota + 1
	prefixAuction
	prefixFund
	prefixContribution
	prefixMeta
	prefixAssignedSlot
)

// PrefixToString converts a prefix byte to a string
func PrefixToString(p byte) string {
	switch p {
	case prefixLease:
		return "lease"
	case prefixAuction:
		return "auction"
	case prefixFund:
		return "fund"
	case prefixContribution:
		return "contribution"
	case prefixMeta:
		return "meta"
	case prefixAssignedSlot:
		return "assigned_slot"
	default:
		return "unknown"
	}
}

// makeKey creates a key from a prefix and the big endian encoding of the
// given components, so iteration follows numeric order.
func makeKey(prefix byte, parts ...uint32) []byte {
	key := make([]byte, 1, 1+4*len(parts))
	key[0] = prefix
	for _, p := range parts {
		key = binary.BigEndian.AppendUint32(key, p)
	}
	return key
}

func makeMetaKey(name string) []byte {
	return append([]byte{prefixMeta}, name...)
}
