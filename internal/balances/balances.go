// Package balances is an in-memory reservable currency. It implements the
// ledger capability (reserve, unreserve, transfer) the auction and crowdloan
// modules escrow funds with.
package balances

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/eigerco/slotauction/internal/primitives"
	"github.com/eigerco/slotauction/internal/safemath"
)

var (
	ErrInsufficientBalance = errors.New("insufficient free balance")
	ErrZeroAmount          = errors.New("amount must be positive")
)

// Account holds the free and reserved parts of a balance.
type Account struct {
	Free     primitives.Balance
	Reserved primitives.Balance
}

// Ledger tracks balances for all accounts.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[primitives.AccountID]*Account
}

func New() *Ledger {
	return &Ledger{accounts: make(map[primitives.AccountID]*Account)}
}

func (l *Ledger) account(acct primitives.AccountID) *Account {
	a, ok := l.accounts[acct]
	if !ok {
		a = &Account{}
		l.accounts[acct] = a
	}
	return a
}

// Deposit mints amt into the free balance of acct.
func (l *Ledger) Deposit(acct primitives.AccountID, amt primitives.Balance) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.account(acct)
	free, err := safemath.Add(a.Free, amt)
	if err != nil {
		return fmt.Errorf("deposit to %s: %w", acct, err)
	}
	a.Free = free
	return nil
}

// Free returns the spendable balance of acct.
func (l *Ledger) Free(acct primitives.AccountID) primitives.Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if a, ok := l.accounts[acct]; ok {
		return a.Free
	}
	return 0
}

// Reserved returns the reserved balance of acct.
func (l *Ledger) Reserved(acct primitives.AccountID) primitives.Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if a, ok := l.accounts[acct]; ok {
		return a.Reserved
	}
	return 0
}

// Reserve moves amt from free to reserved.
func (l *Ledger) Reserve(acct primitives.AccountID, amt primitives.Balance) error {
	if amt == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.account(acct)
	if a.Free < amt {
		return fmt.Errorf("reserve %d from %s: %w", amt, acct, ErrInsufficientBalance)
	}
	reserved, err := safemath.Add(a.Reserved, amt)
	if err != nil {
		return fmt.Errorf("reserve %d from %s: %w", amt, acct, err)
	}
	a.Free -= amt
	a.Reserved = reserved
	return nil
}

// Unreserve moves up to amt from reserved back to free and returns the part
// of amt that was not reserved and therefore could not be released.
func (l *Ledger) Unreserve(acct primitives.AccountID, amt primitives.Balance) primitives.Balance {
	if amt == 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.account(acct)
	actual := min(amt, a.Reserved)
	a.Reserved -= actual
	a.Free += actual
	return amt - actual
}

// Transfer moves amt of free balance between accounts.
func (l *Ledger) Transfer(from, to primitives.AccountID, amt primitives.Balance) error {
	if amt == 0 {
		return ErrZeroAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	src := l.account(from)
	if src.Free < amt {
		return fmt.Errorf("transfer %d from %s: %w", amt, from, ErrInsufficientBalance)
	}
	dst := l.account(to)
	free, err := safemath.Add(dst.Free, amt)
	if err != nil {
		return fmt.Errorf("transfer %d to %s: %w", amt, to, err)
	}
	src.Free -= amt
	dst.Free = free
	return nil
}

// TotalIssuance sums every free and reserved balance.
func (l *Ledger) TotalIssuance() primitives.Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total primitives.Balance
	for _, a := range l.accounts {
		total += a.Free + a.Reserved
	}
	return total
}

// Accounts returns all known accounts in byte order.
func (l *Ledger) Accounts() []primitives.AccountID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]primitives.AccountID, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	return ids
}
