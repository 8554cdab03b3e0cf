package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/Fantasim/hdcustody/internal/chain"
	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/db"
	"github.com/Fantasim/hdcustody/internal/httputil"
	"github.com/Fantasim/hdcustody/internal/models"
)

// Sweeper runs batch sweeps. Implemented by sweep.Engine.
type Sweeper interface {
	BatchSweep(ctx context.Context, hotWallet string, opts models.SweepOptions) (*models.SweepResult, error)
}

// SettingsReader reads a single stored setting. Implemented by db.DB.
type SettingsReader interface {
	GetSetting(key string) (string, error)
}

// SweepHistory reads recorded sweep attempts. Implemented by db.DB.
type SweepHistory interface {
	GetSweepAttempts(ctx context.Context, sweepID string) ([]db.SweepAttemptRow, error)
	CountSweepAttemptsByStatus(ctx context.Context, sweepID string) (map[string]int, error)
}

type sweepRequest struct {
	HotWallet string   `json:"hotWallet"`
	Chains    []string `json:"chains"`
	Tokens    []string `json:"tokens"`
	MinAmount *string  `json:"minAmount,omitempty"`
}

// parseSweepRequest converts the wire request into sweep options. When
// minAmount is omitted the stored sweep_min_amount setting applies.
func parseSweepRequest(req sweepRequest, settings SettingsReader) (models.SweepOptions, error) {
	var opts models.SweepOptions
	for _, c := range req.Chains {
		name, err := chain.ParseChain(c)
		if err != nil {
			return opts, err
		}
		opts.Chains = append(opts.Chains, name)
	}
	for _, t := range req.Tokens {
		token, err := chain.ParseToken(t)
		if err != nil {
			return opts, err
		}
		opts.Tokens = append(opts.Tokens, token)
	}

	raw := config.DefaultMinSweepAmount
	if req.MinAmount != nil {
		raw = *req.MinAmount
	} else if settings != nil {
		if v, err := settings.GetSetting(db.SettingSweepMinAmount); err == nil && v != "" {
			raw = v
		}
	}
	threshold, err := decimal.NewFromString(raw)
	if err != nil {
		return opts, fmt.Errorf("%w: minAmount %q", config.ErrInvalidAmount, raw)
	}
	opts.MinAmount = threshold
	return opts, nil
}

// PostSweep handles POST /api/sweeps. The batch runs within the request;
// a partial batch still answers 200 with its failures listed.
func PostSweep(sweeper Sweeper, settings SettingsReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req sweepRequest
		if err := decodeBody(r, &req); err != nil {
			slog.Warn("invalid sweep request body", "error", err)
			httputil.Error(w, http.StatusBadRequest, config.ErrorInvalidRequest, err.Error())
			return
		}

		opts, err := parseSweepRequest(req, settings)
		if err != nil {
			writeServiceError(w, "sweep", err)
			return
		}

		slog.Info("sweep requested",
			"hotWallet", req.HotWallet,
			"chains", opts.Chains,
			"tokens", opts.Tokens,
			"minAmount", opts.MinAmount.String(),
			"remoteAddr", r.RemoteAddr,
		)

		result, err := sweeper.BatchSweep(r.Context(), req.HotWallet, opts)
		if err != nil {
			writeServiceError(w, "sweep", err)
			return
		}

		httputil.JSONWithMeta(w, http.StatusOK, result, int64(len(result.Successes)), start)
	}
}

type sweepStatusResponse struct {
	SweepID  string               `json:"sweepId"`
	Counts   map[string]int       `json:"counts"`
	Attempts []db.SweepAttemptRow `json:"attempts"`
}

// GetSweep handles GET /api/sweeps/{sweepID}.
func GetSweep(history SweepHistory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sweepID := chi.URLParam(r, "sweepID")

		attempts, err := history.GetSweepAttempts(r.Context(), sweepID)
		if err != nil {
			writeServiceError(w, "sweep status", err)
			return
		}
		if len(attempts) == 0 {
			httputil.Error(w, http.StatusNotFound, config.ErrorNotFound, "unknown sweep "+sweepID)
			return
		}
		counts, err := history.CountSweepAttemptsByStatus(r.Context(), sweepID)
		if err != nil {
			writeServiceError(w, "sweep status", err)
			return
		}

		httputil.JSONWithMeta(w, http.StatusOK, sweepStatusResponse{
			SweepID:  sweepID,
			Counts:   counts,
			Attempts: attempts,
		}, int64(len(attempts)), start)
	}
}
