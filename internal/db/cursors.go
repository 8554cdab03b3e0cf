package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// GetDepositCursor returns the last block fully credited for (chain, token).
// ok is false when the pair has never been scanned.
func (d *DB) GetDepositCursor(ctx context.Context, chain, token string) (block uint64, ok bool, err error) {
	var last int64
	err = d.conn.QueryRowContext(ctx,
		"SELECT last_block FROM deposit_cursors WHERE chain = ? AND token = ?", chain, token,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get deposit cursor %s/%s: %w", chain, token, err)
	}
	return uint64(last), true, nil
}

// SetDepositCursor stores the last block fully credited for (chain, token).
func (d *DB) SetDepositCursor(ctx context.Context, chain, token string, block uint64) error {
	if _, err := d.conn.ExecContext(ctx,
		`INSERT INTO deposit_cursors (chain, token, last_block, updated_at) VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT(chain, token) DO UPDATE SET last_block = excluded.last_block, updated_at = excluded.updated_at`,
		chain, token, int64(block),
	); err != nil {
		return fmt.Errorf("set deposit cursor %s/%s: %w", chain, token, err)
	}

	slog.Debug("deposit cursor advanced", "chain", chain, "token", token, "block", block)
	return nil
}
