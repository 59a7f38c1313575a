package primitives

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const AccountIDSize = 32

// ParaID identifies a parachain.
type ParaID uint32

func (p ParaID) String() string {
	return fmt.Sprintf("para-%d", uint32(p))
}

// Balance is an amount of the relay chain's native currency.
type Balance uint64

// AccountID is a 32 byte account identifier.
type AccountID [AccountIDSize]byte

// Hash is a blake2b-256 digest.
type Hash [32]byte

// HashData hashes the input data using blake2b-256
func HashData(data []byte) Hash {
	return blake2b.Sum256(data)
}

// NamedAccount derives a deterministic account from a human readable name.
// Used by the simulator and tests where accounts are referred to by name.
func NamedAccount(name string) AccountID {
	return AccountID(HashData([]byte(name)))
}

// SubAccount derives the account owned by a module for a given index, the
// same way the relay chain derives pallet sub-accounts: the module id
// followed by the little endian index, zero padded.
func SubAccount(moduleID string, index uint32) AccountID {
	var id AccountID
	n := copy(id[:], moduleID)
	if n+4 <= AccountIDSize {
		binary.LittleEndian.PutUint32(id[n:], index)
	}
	return id
}

func (a AccountID) String() string {
	return "0x" + hex.EncodeToString(a[:4]) + ".." + hex.EncodeToString(a[AccountIDSize-2:])
}

// Hex returns the full hex encoding of the account.
func (a AccountID) Hex() string {
	return hex.EncodeToString(a[:])
}

// ParseAccountID parses a hex encoded 32 byte account id.
func ParseAccountID(s string) (AccountID, error) {
	var id AccountID
	if len(s) > 2 && s[:2] == "0x" {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode account: %w", err)
	}
	if len(b) != AccountIDSize {
		return id, fmt.Errorf("account must be %d bytes, got %d", AccountIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Compare orders accounts lexicographically by their bytes.
func (a AccountID) Compare(b AccountID) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}
