package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Fantasim/hdcustody/internal/chain"
	"github.com/Fantasim/hdcustody/internal/httputil"
	"github.com/Fantasim/hdcustody/internal/models"
)

// BalanceChecker reads balances without failing on RPC errors.
// Implemented by scanner.Inspector.
type BalanceChecker interface {
	CheckTokenBalance(ctx context.Context, address string, token models.Token, name models.Chain) (models.BalanceCheck, error)
	CheckNativeBalance(ctx context.Context, address string, name models.Chain) (models.BalanceCheck, error)
}

// GetTokenBalance handles GET /api/balances/{chain}/{address}/tokens/{token}.
// An unreachable RPC answers 200 with confirmed=false.
func GetTokenBalance(balances BalanceChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		name, err := chain.ParseChain(chi.URLParam(r, "chain"))
		if err != nil {
			writeServiceError(w, "token balance", err)
			return
		}
		token, err := chain.ParseToken(chi.URLParam(r, "token"))
		if err != nil {
			writeServiceError(w, "token balance", err)
			return
		}

		check, err := balances.CheckTokenBalance(r.Context(), chi.URLParam(r, "address"), token, name)
		if err != nil {
			writeServiceError(w, "token balance", err)
			return
		}
		httputil.JSONWithMeta(w, http.StatusOK, check, 0, start)
	}
}

// GetNativeBalance handles GET /api/balances/{chain}/{address}/native.
func GetNativeBalance(balances BalanceChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		name, err := chain.ParseChain(chi.URLParam(r, "chain"))
		if err != nil {
			writeServiceError(w, "native balance", err)
			return
		}

		check, err := balances.CheckNativeBalance(r.Context(), chi.URLParam(r, "address"), name)
		if err != nil {
			writeServiceError(w, "native balance", err)
			return
		}
		httputil.JSONWithMeta(w, http.StatusOK, check, 0, start)
	}
}
