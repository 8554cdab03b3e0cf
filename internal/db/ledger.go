package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/models"
)

// Credit applies intent at most once per idempotency key. The existence check
// and the balance update run in one transaction; the primary key on
// ledger_credits decides which of two racing callers wins.
func (d *DB) Credit(ctx context.Context, intent models.LedgerCreditIntent) (models.CreditOutcome, error) {
	outcome := models.CreditOutcome{IdempotencyKey: intent.IdempotencyKey, Units: intent.Units}

	var balance decimal.Decimal
	err := d.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_credits (idempotency_key, user_id, chain, token, tx_hash, amount, units)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(idempotency_key) DO NOTHING`,
			intent.IdempotencyKey,
			intent.UserID,
			string(intent.Chain),
			string(intent.Token),
			intent.TxHash,
			intent.Amount.String(),
			intent.Units.String(),
		)
		if err != nil {
			return fmt.Errorf("insert credit %s: %w", intent.IdempotencyKey, err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("credit rows affected: %w", err)
		}
		if inserted == 0 {
			outcome.Duplicate = true
			return nil
		}

		var current string
		err = tx.QueryRowContext(ctx, "SELECT units FROM luris_balances WHERE user_id = ?", intent.UserID).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read balance for %q: %w", intent.UserID, err)
		}
		balance = decimal.Zero
		if current != "" {
			if balance, err = decimal.NewFromString(current); err != nil {
				return fmt.Errorf("parse stored balance for %q: %w", intent.UserID, err)
			}
		}
		balance = balance.Add(intent.Units)

		_, err = tx.ExecContext(ctx,
			`INSERT INTO luris_balances (user_id, units, updated_at) VALUES (?, ?, datetime('now'))
			 ON CONFLICT(user_id) DO UPDATE SET units = excluded.units, updated_at = excluded.updated_at`,
			intent.UserID, balance.String(),
		)
		if err != nil {
			return fmt.Errorf("update balance for %q: %w", intent.UserID, err)
		}
		return nil
	})
	if err != nil {
		return models.CreditOutcome{IdempotencyKey: intent.IdempotencyKey, Units: intent.Units},
			fmt.Errorf("%w: %v", config.ErrLedgerUnavailable, err)
	}
	if outcome.Duplicate {
		slog.Info("ledger credit already applied",
			"idempotencyKey", intent.IdempotencyKey,
			"userID", intent.UserID,
		)
		return outcome, nil
	}

	slog.Info("ledger credited",
		"idempotencyKey", intent.IdempotencyKey,
		"userID", intent.UserID,
		"chain", intent.Chain,
		"token", intent.Token,
		"units", intent.Units.String(),
		"balance", balance.String(),
	)

	outcome.Credited = true
	return outcome, nil
}

// LurisBalance returns the credited units of a user, zero if never credited.
func (d *DB) LurisBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var units string
	err := d.conn.QueryRowContext(ctx, "SELECT units FROM luris_balances WHERE user_id = ?", userID).Scan(&units)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("query balance for %q: %w", userID, err)
	}
	return decimal.NewFromString(units)
}

// CountCredits returns how many credits were recorded for a user.
func (d *DB) CountCredits(ctx context.Context, userID string) (int, error) {
	var n int
	if err := d.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM ledger_credits WHERE user_id = ?", userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count credits for %q: %w", userID, err)
	}
	return n, nil
}
