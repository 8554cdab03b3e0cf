package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/Fantasim/hdcustody/internal/chain"
	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/db"
	"github.com/Fantasim/hdcustody/internal/httputil"
)

// SettingsStore reads and writes runtime settings. Implemented by db.DB.
type SettingsStore interface {
	GetAllSettings() (map[string]string, error)
	SetSetting(key, value string) error
}

// validateSetting checks a key and its value. rpc_url.* and contract.*.*
// overrides take effect on the next restart.
func validateSetting(key, value string) error {
	switch {
	case key == db.SettingLurisPerUSD:
		d, err := decimal.NewFromString(value)
		if err != nil || !d.IsPositive() {
			return fmt.Errorf("%w: %s must be a positive decimal, got %q", config.ErrInvalidAmount, key, value)
		}
	case key == db.SettingSweepMinAmount:
		d, err := decimal.NewFromString(value)
		if err != nil || d.IsNegative() {
			return fmt.Errorf("%w: %s must be a non-negative decimal, got %q", config.ErrInvalidAmount, key, value)
		}
	case strings.HasPrefix(key, "rpc_url."):
		if _, err := chain.ParseChain(strings.TrimPrefix(key, "rpc_url.")); err != nil {
			return err
		}
		u, err := url.Parse(value)
		if err != nil || u.Host == "" {
			return fmt.Errorf("%w: %s must be an absolute URL", config.ErrInvalidConfig, key)
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return fmt.Errorf("%w: %s has unsupported scheme %q", config.ErrInvalidConfig, key, u.Scheme)
		}
	case strings.HasPrefix(key, "contract."):
		parts := strings.Split(key, ".")
		if len(parts) != 3 {
			return fmt.Errorf("%w: setting key %q", config.ErrInvalidConfig, key)
		}
		if _, err := chain.ParseChain(parts[1]); err != nil {
			return err
		}
		if _, err := chain.ParseToken(parts[2]); err != nil {
			return err
		}
		if !common.IsHexAddress(value) || common.HexToAddress(value) == (common.Address{}) {
			return fmt.Errorf("%w: %s must be a contract address", config.ErrInvalidAddress, key)
		}
	default:
		return fmt.Errorf("%w: unknown setting key %q", config.ErrInvalidConfig, key)
	}
	return nil
}

// GetSettings handles GET /api/settings.
func GetSettings(store SettingsStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		settings, err := store.GetAllSettings()
		if err != nil {
			slog.Error("failed to get settings", "error", err)
			httputil.Error(w, http.StatusInternalServerError, config.ErrorDatabase, "failed to get settings")
			return
		}

		slog.Debug("settings fetched", "count", len(settings))
		httputil.JSONWithMeta(w, http.StatusOK, settings, int64(len(settings)), start)
	}
}

// UpdateSettings handles PUT /api/settings. Every pair is validated before
// any is written.
func UpdateSettings(store SettingsStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var updates map[string]string
		if err := decodeBody(r, &updates); err != nil || len(updates) == 0 {
			slog.Warn("invalid settings request body", "error", err)
			httputil.Error(w, http.StatusBadRequest, config.ErrorInvalidRequest, "body must be a non-empty object of string settings")
			return
		}

		keys := make([]string, 0, len(updates))
		for key := range updates {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			if err := validateSetting(key, strings.TrimSpace(updates[key])); err != nil {
				slog.Warn("invalid setting", "key", key, "error", err)
				httputil.Error(w, http.StatusBadRequest, config.ErrorInvalidRequest, err.Error())
				return
			}
		}

		for _, key := range keys {
			if err := store.SetSetting(key, strings.TrimSpace(updates[key])); err != nil {
				slog.Error("failed to update setting", "key", key, "error", err)
				httputil.Error(w, http.StatusInternalServerError, config.ErrorDatabase, "failed to update setting: "+key)
				return
			}
		}

		settings, err := store.GetAllSettings()
		if err != nil {
			slog.Error("failed to get updated settings", "error", err)
			httputil.Error(w, http.StatusInternalServerError, config.ErrorDatabase, "failed to get settings after update")
			return
		}

		slog.Info("settings updated", "keys", keys, "elapsed", time.Since(start).Round(time.Millisecond))
		httputil.JSONWithMeta(w, http.StatusOK, settings, int64(len(settings)), start)
	}
}
