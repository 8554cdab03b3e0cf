package db

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/Fantasim/hdcustody/internal/config"
)

// Default settings values.
var defaultSettings = map[string]string{
	"sweep_min_amount": config.DefaultMinSweepAmount,
}

// Setting keys read by the chain registry and the reconciler.
const (
	SettingLurisPerUSD    = "luris_per_usd"
	SettingSweepMinAmount = "sweep_min_amount"
	settingRPCPrefix      = "rpc_url."
	settingContractPrefix = "contract."
)

// GetSetting retrieves a single setting value by key, returning the default if not set.
func (d *DB) GetSetting(key string) (string, error) {
	slog.Debug("getting setting", "key", key)

	var value string
	err := d.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		if defVal, ok := defaultSettings[key]; ok {
			slog.Debug("setting not found, returning default", "key", key, "default", defVal)
			return defVal, nil
		}
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}

	return value, nil
}

// SetSetting upserts a setting key-value pair. Only known key shapes are accepted.
func (d *DB) SetSetting(key, value string) error {
	if !isKnownSettingKey(key) {
		return fmt.Errorf("%w: unknown setting %q", config.ErrInvalidConfig, key)
	}

	_, err := d.conn.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, datetime('now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}

	slog.Info("setting updated", "key", key, "value", value)
	return nil
}

// GetAllSettings retrieves all settings, filling in defaults for missing keys.
func (d *DB) GetAllSettings() (map[string]string, error) {
	result := make(map[string]string)
	for k, v := range defaultSettings {
		result[k] = v
	}

	rows, err := d.conn.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting row: %w", err)
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate setting rows: %w", err)
	}

	slog.Debug("settings loaded", "count", len(result))
	return result, nil
}

func isKnownSettingKey(key string) bool {
	switch {
	case key == SettingLurisPerUSD, key == SettingSweepMinAmount:
		return true
	case strings.HasPrefix(key, settingRPCPrefix):
		return len(key) > len(settingRPCPrefix)
	case strings.HasPrefix(key, settingContractPrefix):
		return strings.Count(key, ".") == 2
	}
	return false
}
