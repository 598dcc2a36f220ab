package ledger

import (
	"context"
	"sync"
)

// MemoryLedger is the local-mode and test Ledger.
type MemoryLedger struct {
	mu             sync.Mutex
	balances       map[string]int
	refunded       map[string]bool
	defaultBalance int
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]int),
		refunded: make(map[string]bool),
	}
}

// Grant seeds a user with credits.
func (l *MemoryLedger) Grant(userID string, amount int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += amount
}

// SetDefaultBalance seeds unknown users with a starting balance on their
// first charge. Development convenience; there is no signup flow in front of
// the in-memory ledger.
func (l *MemoryLedger) SetDefaultBalance(amount int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defaultBalance = amount
}

func (l *MemoryLedger) Charge(ctx context.Context, userID, requestID string, amount int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, seen := l.balances[userID]; !seen && l.defaultBalance > 0 {
		l.balances[userID] = l.defaultBalance
	}
	if l.balances[userID] < amount {
		return ErrInsufficientCredits
	}
	l.balances[userID] -= amount
	return nil
}

func (l *MemoryLedger) Refund(ctx context.Context, userID, requestID string, amount int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refunded[requestID] {
		return nil
	}
	l.refunded[requestID] = true
	l.balances[userID] += amount
	return nil
}

func (l *MemoryLedger) Balance(ctx context.Context, userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}

var _ Ledger = (*MemoryLedger)(nil)
