// Package ledger is the transactional credit collaborator: generation jobs
// are charged at enqueue time and refunded when they fail.
package ledger

import (
	"context"
	"errors"
)

// ErrInsufficientCredits is returned when a charge would take a user's
// balance below zero.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Ledger records credit movements. Refund must be idempotent per request id:
// redelivered failure handling must never refund twice.
type Ledger interface {
	// Charge debits amount credits from userID for requestID.
	Charge(ctx context.Context, userID, requestID string, amount int) error

	// Refund returns amount credits to userID for a failed requestID.
	// Refunding the same request id again is a no-op.
	Refund(ctx context.Context, userID, requestID string, amount int) error

	// Balance returns the user's current credit balance.
	Balance(ctx context.Context, userID string) (int, error)
}
