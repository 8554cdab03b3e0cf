package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// SweepAttemptRow represents a row in the sweep_attempts table.
type SweepAttemptRow struct {
	ID          string `json:"id"`
	SweepID     string `json:"sweepId"`
	UserID      string `json:"userId"`
	Index       uint32 `json:"index"`
	Chain       string `json:"chain"`
	Token       string `json:"token"`
	FromAddress string `json:"fromAddress"`
	ToAddress   string `json:"toAddress"`
	Amount      string `json:"amount"`
	TxHash      string `json:"txHash,omitempty"`
	Nonce       int64  `json:"nonce"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
	Error       string `json:"error,omitempty"`
}

const sweepAttemptColumns = `id, sweep_id, user_id, derivation_index, chain, token, from_address, to_address, amount,
	COALESCE(tx_hash, ''), COALESCE(nonce, 0), status, created_at, updated_at, COALESCE(error, '')`

// CreateSweepAttempt inserts a new attempt, normally in the pending state.
func (d *DB) CreateSweepAttempt(ctx context.Context, a SweepAttemptRow) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO sweep_attempts (id, sweep_id, user_id, derivation_index, chain, token, from_address, to_address, amount, tx_hash, nonce, status, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''))`,
		a.ID,
		a.SweepID,
		a.UserID,
		a.Index,
		a.Chain,
		a.Token,
		a.FromAddress,
		a.ToAddress,
		a.Amount,
		a.TxHash,
		a.Nonce,
		a.Status,
		a.Error,
	)
	if err != nil {
		return fmt.Errorf("insert sweep attempt %s: %w", a.ID, err)
	}

	slog.Debug("sweep attempt created",
		"id", a.ID,
		"sweepID", a.SweepID,
		"chain", a.Chain,
		"token", a.Token,
		"status", a.Status,
	)
	return nil
}

// UpdateSweepAttempt moves an attempt to status. Empty txHash or amount keep
// the stored value.
func (d *DB) UpdateSweepAttempt(ctx context.Context, id, status, amount, txHash, attemptErr string) error {
	result, err := d.conn.ExecContext(ctx,
		`UPDATE sweep_attempts SET
		   status = ?,
		   amount = COALESCE(NULLIF(?, ''), amount),
		   tx_hash = COALESCE(NULLIF(?, ''), tx_hash),
		   error = NULLIF(?, ''),
		   updated_at = datetime('now')
		 WHERE id = ?`,
		status,
		amount,
		txHash,
		attemptErr,
		id,
	)
	if err != nil {
		return fmt.Errorf("update sweep attempt %s: %w", id, err)
	}

	rows, _ := result.RowsAffected()
	slog.Debug("sweep attempt updated",
		"id", id,
		"status", status,
		"rowsAffected", rows,
	)
	return nil
}

// SetSweepAttemptNonce records the nonce used for the transfer.
func (d *DB) SetSweepAttemptNonce(ctx context.Context, id string, nonce uint64) error {
	if _, err := d.conn.ExecContext(ctx,
		"UPDATE sweep_attempts SET nonce = ?, updated_at = datetime('now') WHERE id = ?",
		int64(nonce), id,
	); err != nil {
		return fmt.Errorf("set nonce on sweep attempt %s: %w", id, err)
	}
	return nil
}

// GetUnsettledSweepAttempts returns attempts whose transfer may be on chain
// but whose outcome was never recorded.
func (d *DB) GetUnsettledSweepAttempts(ctx context.Context) ([]SweepAttemptRow, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT `+sweepAttemptColumns+`
		 FROM sweep_attempts
		 WHERE status IN ('transfer_signed', 'broadcast', 'unconfirmed')
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query unsettled sweep attempts: %w", err)
	}
	defer rows.Close()

	return scanSweepAttemptRows(rows)
}

// GetSweepAttempts returns all attempts of one batch sweep.
func (d *DB) GetSweepAttempts(ctx context.Context, sweepID string) ([]SweepAttemptRow, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT `+sweepAttemptColumns+`
		 FROM sweep_attempts
		 WHERE sweep_id = ?
		 ORDER BY derivation_index ASC, chain ASC, token ASC`,
		sweepID,
	)
	if err != nil {
		return nil, fmt.Errorf("query sweep attempts for %s: %w", sweepID, err)
	}
	defer rows.Close()

	return scanSweepAttemptRows(rows)
}

// CountSweepAttemptsByStatus returns a count of attempts per status for a sweep.
func (d *DB) CountSweepAttemptsByStatus(ctx context.Context, sweepID string) (map[string]int, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sweep_attempts WHERE sweep_id = ? GROUP BY status`,
		sweepID,
	)
	if err != nil {
		return nil, fmt.Errorf("count sweep attempts for %s: %w", sweepID, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan sweep attempt count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sweep attempt counts: %w", err)
	}

	return counts, nil
}

func scanSweepAttemptRows(rows *sql.Rows) ([]SweepAttemptRow, error) {
	var results []SweepAttemptRow
	for rows.Next() {
		var a SweepAttemptRow
		var index int64
		if err := rows.Scan(
			&a.ID, &a.SweepID, &a.UserID, &index, &a.Chain, &a.Token,
			&a.FromAddress, &a.ToAddress, &a.Amount, &a.TxHash, &a.Nonce,
			&a.Status, &a.CreatedAt, &a.UpdatedAt, &a.Error,
		); err != nil {
			return nil, fmt.Errorf("scan sweep attempt row: %w", err)
		}
		a.Index = uint32(index)
		results = append(results, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sweep attempt rows: %w", err)
	}

	return results, nil
}
