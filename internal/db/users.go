package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/models"
)

const maxUserIDLength = 255

// GetOrAssignIndex returns the derivation index of userID, assigning the next
// unused one on first sight. Assignment is a single statement so two callers
// for the same user always observe the same row.
func (d *DB) GetOrAssignIndex(ctx context.Context, userID string) (uint32, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}

	// No row is written once the next index would leave the derivable range.
	res, err := d.conn.ExecContext(ctx,
		`INSERT INTO user_indexes (user_id, derivation_index)
		 SELECT ?, next_index FROM (
		   SELECT COALESCE(MAX(derivation_index) + 1, 0) AS next_index FROM user_indexes
		 )
		 WHERE next_index <= ?
		 ON CONFLICT(user_id) DO NOTHING`,
		userID,
		d.maxIndex,
	)
	if err != nil {
		return 0, classifyIndexError(userID, err)
	}

	var index int64
	err = d.conn.QueryRowContext(ctx,
		"SELECT derivation_index FROM user_indexes WHERE user_id = ?", userID,
	).Scan(&index)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Error("derivation index space exhausted", "userID", userID, "maxIndex", d.maxIndex)
		return 0, fmt.Errorf("%w: no index left for user %q (max %d)", config.ErrIndexConflict, userID, d.maxIndex)
	}
	if err != nil {
		return 0, classifyIndexError(userID, err)
	}

	if index < 0 || index > config.MaxDerivationIndex {
		return 0, fmt.Errorf("%w: index %d out of range for user %q", config.ErrIndexConflict, index, userID)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("derivation index assigned", "userID", userID, "index", index)
	}

	return uint32(index), nil
}

// GetUserIndex returns the index of an already known user.
func (d *DB) GetUserIndex(ctx context.Context, userID string) (uint32, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}

	var index int64
	err := d.conn.QueryRowContext(ctx,
		"SELECT derivation_index FROM user_indexes WHERE user_id = ?", userID,
	).Scan(&index)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %q", config.ErrUserNotFound, userID)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: get index for %q: %v", config.ErrStorageUnavailable, userID, err)
	}
	return uint32(index), nil
}

// ListUserIndexes returns every registered user ordered by derivation index.
func (d *DB) ListUserIndexes(ctx context.Context) ([]models.UserIndex, error) {
	rows, err := d.conn.QueryContext(ctx,
		"SELECT user_id, derivation_index, created_at FROM user_indexes ORDER BY derivation_index ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list user indexes: %v", config.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var users []models.UserIndex
	for rows.Next() {
		var u models.UserIndex
		var index int64
		if err := rows.Scan(&u.UserID, &index, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user index row: %w", err)
		}
		u.Index = uint32(index)
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user index rows: %w", err)
	}

	slog.Debug("user indexes listed", "count", len(users))
	return users, nil
}

// CountUsers returns the number of registered users.
func (d *DB) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := d.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM user_indexes").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count users: %v", config.ErrStorageUnavailable, err)
	}
	return n, nil
}

func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty", config.ErrInvalidUserID)
	}
	if len(userID) > maxUserIDLength {
		return fmt.Errorf("%w: longer than %d bytes", config.ErrInvalidUserID, maxUserIDLength)
	}
	return nil
}

// classifyIndexError maps driver errors. A clash on derivation_index means two
// users were about to share an address and must never be papered over.
func classifyIndexError(userID string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, "derivation_index") {
		slog.Error("derivation index conflict", "userID", userID, "error", err)
		return fmt.Errorf("%w: user %q: %v", config.ErrIndexConflict, userID, err)
	}
	slog.Error("index storage unavailable", "userID", userID, "error", err)
	return fmt.Errorf("%w: user %q: %v", config.ErrStorageUnavailable, userID, err)
}
