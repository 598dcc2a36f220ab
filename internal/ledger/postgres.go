package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// PostgresLedger persists credit movements in a credit_ledger table. Entry
// rows are unique on (request_id, entry), which is what makes refunds
// idempotent under at-least-once failure delivery.
type PostgresLedger struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresLedger creates a ledger over an existing database connection.
func NewPostgresLedger(db *sqlx.DB, logger *slog.Logger) *PostgresLedger {
	return &PostgresLedger{db: db, logger: logger}
}

func (l *PostgresLedger) Charge(ctx context.Context, userID, requestID string, amount int) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin charge tx: %w", err)
	}
	defer tx.Rollback()

	// Serialize charges per user for the life of the transaction. Under read
	// committed, two concurrent charges could otherwise both pass the balance
	// check and overdraw the account.
	lock := `SELECT pg_advisory_xact_lock(hashtext($1))`
	if _, err := tx.ExecContext(ctx, lock, userID); err != nil {
		return fmt.Errorf("lock ledger for %s: %w", userID, err)
	}

	var balance int
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM credit_ledger
		WHERE user_id = $1
	`
	if err := tx.GetContext(ctx, &balance, query, userID); err != nil {
		return fmt.Errorf("read balance for %s: %w", userID, err)
	}
	if balance < amount {
		return ErrInsufficientCredits
	}

	insert := `
		INSERT INTO credit_ledger (user_id, request_id, entry, amount)
		VALUES ($1, $2, 'charge', $3)
	`
	if _, err := tx.ExecContext(ctx, insert, userID, requestID, -amount); err != nil {
		return fmt.Errorf("insert charge for %s: %w", requestID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit charge: %w", err)
	}

	l.logger.Debug("Charged credits",
		slog.String("user_id", userID),
		slog.String("request_id", requestID),
		slog.Int("amount", amount),
	)
	return nil
}

func (l *PostgresLedger) Refund(ctx context.Context, userID, requestID string, amount int) error {
	// ON CONFLICT keeps the refund idempotent: a redelivered failure path
	// inserts nothing the second time.
	query := `
		INSERT INTO credit_ledger (user_id, request_id, entry, amount)
		VALUES ($1, $2, 'refund', $3)
		ON CONFLICT (request_id, entry) DO NOTHING
	`
	res, err := l.db.ExecContext(ctx, query, userID, requestID, amount)
	if err != nil {
		return fmt.Errorf("insert refund for %s: %w", requestID, err)
	}

	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		l.logger.Debug("Refund already recorded",
			slog.String("request_id", requestID),
		)
		return nil
	}

	l.logger.Info("Refunded credits",
		slog.String("user_id", userID),
		slog.String("request_id", requestID),
		slog.Int("amount", amount),
	)
	return nil
}

func (l *PostgresLedger) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM credit_ledger
		WHERE user_id = $1
	`
	err := l.db.GetContext(ctx, &balance, query, userID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read balance for %s: %w", userID, err)
	}
	return balance, nil
}

var _ Ledger = (*PostgresLedger)(nil)
