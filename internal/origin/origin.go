// Package origin models who dispatched a call and whether that caller may
// perform privileged operations such as starting auctions or swapping leases.
package origin

import (
	"errors"
	"sync"

	"github.com/eigerco/slotauction/internal/primitives"
)

var ErrNotPrivileged = errors.New("origin is not privileged")

// Origin is the dispatcher of a call: either root or a signed account.
type Origin struct {
	Root    bool
	Account primitives.AccountID
}

// RootOrigin returns the root origin.
func RootOrigin() Origin {
	return Origin{Root: true}
}

// Signed returns an origin signed by the given account.
func Signed(acct primitives.AccountID) Origin {
	return Origin{Account: acct}
}

// Authorizer decides whether an origin is privileged.
type Authorizer interface {
	IsPrivileged(o Origin) bool
}

// Ensure returns ErrNotPrivileged unless a privileges o.
func Ensure(a Authorizer, o Origin) error {
	if a == nil || !a.IsPrivileged(o) {
		return ErrNotPrivileged
	}
	return nil
}

// Static treats root plus a fixed set of accounts as privileged.
type Static struct {
	mu       sync.RWMutex
	accounts map[primitives.AccountID]struct{}
}

func NewStatic(accounts ...primitives.AccountID) *Static {
	s := &Static{accounts: make(map[primitives.AccountID]struct{}, len(accounts))}
	for _, a := range accounts {
		s.accounts[a] = struct{}{}
	}
	return s
}

func (s *Static) IsPrivileged(o Origin) bool {
	if o.Root {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.accounts[o.Account]
	return ok
}

// Grant adds acct to the privileged set.
func (s *Static) Grant(acct primitives.AccountID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct] = struct{}{}
}
