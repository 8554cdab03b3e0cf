package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Fantasim/hdcustody/internal/chain"
	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/httputil"
	"github.com/Fantasim/hdcustody/internal/models"
	"github.com/Fantasim/hdcustody/internal/reconcile"
)

// DepositReconciler credits a confirmed deposit once. Implemented by
// reconcile.Reconciler.
type DepositReconciler interface {
	ReconcileDeposit(ctx context.Context, userID string, name models.Chain, token models.Token, amount decimal.Decimal, txHash string) (models.CreditOutcome, error)
}

// DepositScanner runs one deposit check. Implemented by reconcile.DepositChecker.
type DepositScanner interface {
	Run(ctx context.Context) (reconcile.CheckSummary, error)
}

type reconcileRequest struct {
	UserID string `json:"userId"`
	Chain  string `json:"chain"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
	TxHash string `json:"txHash"`
}

// PostReconcileDeposit handles POST /api/deposits/reconcile. Repeating a
// request answers 200 with duplicate=true and credits nothing.
func PostReconcileDeposit(reconciler DepositReconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req reconcileRequest
		if err := decodeBody(r, &req); err != nil {
			slog.Warn("invalid reconcile request body", "error", err)
			httputil.Error(w, http.StatusBadRequest, config.ErrorInvalidRequest, err.Error())
			return
		}

		name, err := chain.ParseChain(req.Chain)
		if err != nil {
			writeServiceError(w, "reconcile deposit", err)
			return
		}
		token, err := chain.ParseToken(req.Token)
		if err != nil {
			writeServiceError(w, "reconcile deposit", err)
			return
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			writeServiceError(w, "reconcile deposit", fmt.Errorf("%w: %q", config.ErrInvalidAmount, req.Amount))
			return
		}

		outcome, err := reconciler.ReconcileDeposit(r.Context(), req.UserID, name, token, amount, req.TxHash)
		if err != nil {
			writeServiceError(w, "reconcile deposit", err)
			return
		}

		httputil.JSONWithMeta(w, http.StatusOK, outcome, 0, start)
	}
}

// PostDepositCheck handles POST /api/deposits/check, running one scan now.
// A nil scanner means deposit crediting is not enabled.
func PostDepositCheck(scanner DepositScanner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if scanner == nil {
			httputil.Error(w, http.StatusConflict, config.ErrorInvalidRequest,
				"deposit checking is disabled in this credit mode")
			return
		}

		summary, err := scanner.Run(r.Context())
		if err != nil {
			writeServiceError(w, "deposit check", err)
			return
		}
		httputil.JSONWithMeta(w, http.StatusOK, summary, int64(summary.Deposits), start)
	}
}
