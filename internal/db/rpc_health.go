package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Fantasim/hdcustody/internal/config"
)

// RPCHealthRow represents a row in the rpc_health table, one per chain.
type RPCHealthRow struct {
	Chain            string `json:"chain"`
	Status           string `json:"status"`
	ConsecutiveFails int    `json:"consecutiveFails"`
	LastSuccess      string `json:"lastSuccess,omitempty"`
	LastError        string `json:"lastError,omitempty"`
	LastErrorMsg     string `json:"lastErrorMsg,omitempty"`
	CircuitState     string `json:"circuitState"`
	UpdatedAt        string `json:"updatedAt"`
}

const rpcHealthColumns = `chain, status, consecutive_fails,
	COALESCE(last_success, ''), COALESCE(last_error, ''), COALESCE(last_error_msg, ''),
	circuit_state, updated_at`

// RecordRPCSuccess resets consecutive failures and marks the chain healthy.
func (d *DB) RecordRPCSuccess(ctx context.Context, chain string) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO rpc_health (chain, status, consecutive_fails, last_success, circuit_state)
		 VALUES (?, 'healthy', 0, datetime('now'), 'closed')
		 ON CONFLICT(chain) DO UPDATE SET
		   status = 'healthy',
		   consecutive_fails = 0,
		   last_success = datetime('now'),
		   circuit_state = 'closed',
		   updated_at = datetime('now')`,
		chain,
	)
	if err != nil {
		return fmt.Errorf("record rpc success %s: %w", chain, err)
	}
	return nil
}

// RecordRPCFailure increments consecutive failures and records the error.
func (d *DB) RecordRPCFailure(ctx context.Context, chain, errorMsg string) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO rpc_health (chain, status, consecutive_fails, last_error, last_error_msg)
		 VALUES (?, 'degraded', 1, datetime('now'), ?)
		 ON CONFLICT(chain) DO UPDATE SET
		   status = CASE WHEN circuit_state = 'open' THEN 'down' ELSE 'degraded' END,
		   consecutive_fails = consecutive_fails + 1,
		   last_error = datetime('now'),
		   last_error_msg = excluded.last_error_msg,
		   updated_at = datetime('now')`,
		chain, errorMsg,
	)
	if err != nil {
		return fmt.Errorf("record rpc failure %s: %w", chain, err)
	}

	slog.Debug("rpc failure recorded", "chain", chain, "error", errorMsg)
	return nil
}

// UpdateRPCCircuitState stores the breaker state and derives the status from it:
// closed=healthy, half_open=degraded, open=down.
func (d *DB) UpdateRPCCircuitState(ctx context.Context, chain, circuitState string) error {
	status := config.ProviderStatusHealthy
	switch circuitState {
	case config.CircuitOpen:
		status = config.ProviderStatusDown
	case config.CircuitHalfOpen:
		status = config.ProviderStatusDegraded
	}

	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO rpc_health (chain, status, circuit_state) VALUES (?, ?, ?)
		 ON CONFLICT(chain) DO UPDATE SET
		   status = excluded.status,
		   circuit_state = excluded.circuit_state,
		   updated_at = datetime('now')`,
		chain, status, circuitState,
	)
	if err != nil {
		return fmt.Errorf("update rpc circuit state %s: %w", chain, err)
	}

	slog.Info("rpc circuit state updated",
		"chain", chain,
		"circuitState", circuitState,
		"status", status,
	)
	return nil
}

// GetRPCHealth returns the health of one chain, nil if never recorded.
func (d *DB) GetRPCHealth(ctx context.Context, chain string) (*RPCHealthRow, error) {
	var h RPCHealthRow
	err := d.conn.QueryRowContext(ctx,
		`SELECT `+rpcHealthColumns+` FROM rpc_health WHERE chain = ?`, chain,
	).Scan(&h.Chain, &h.Status, &h.ConsecutiveFails, &h.LastSuccess, &h.LastError, &h.LastErrorMsg, &h.CircuitState, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query rpc health %s: %w", chain, err)
	}
	return &h, nil
}

// GetAllRPCHealth returns health records for every chain seen so far.
func (d *DB) GetAllRPCHealth(ctx context.Context) ([]RPCHealthRow, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT `+rpcHealthColumns+` FROM rpc_health ORDER BY chain ASC`)
	if err != nil {
		return nil, fmt.Errorf("query all rpc health: %w", err)
	}
	defer rows.Close()

	var results []RPCHealthRow
	for rows.Next() {
		var h RPCHealthRow
		if err := rows.Scan(&h.Chain, &h.Status, &h.ConsecutiveFails, &h.LastSuccess, &h.LastError, &h.LastErrorMsg, &h.CircuitState, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rpc health row: %w", err)
		}
		results = append(results, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rpc health rows: %w", err)
	}
	return results, nil
}
