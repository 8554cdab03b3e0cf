package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Fantasim/hdcustody/internal/httputil"
	"github.com/Fantasim/hdcustody/internal/models"
)

// AddressResolver assigns and derives deposit addresses.
// Implemented by wallet.DepositAddressService.
type AddressResolver interface {
	GetUserDepositAddress(ctx context.Context, userID string) (models.DerivedAddress, error)
}

type depositAddressResponse struct {
	UserID string `json:"userId"`
	models.DerivedAddress
}

// GetDepositAddress handles GET /api/users/{userID}/deposit-address. The
// first call for a user assigns its index; later calls return the same address.
func GetDepositAddress(addresses AddressResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		userID := chi.URLParam(r, "userID")

		addr, err := addresses.GetUserDepositAddress(r.Context(), userID)
		if err != nil {
			writeServiceError(w, "deposit address", err)
			return
		}

		slog.Info("deposit address served",
			"userID", userID,
			"index", addr.Index,
			"demo", addr.Demo,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
		httputil.JSONWithMeta(w, http.StatusOK, depositAddressResponse{UserID: userID, DerivedAddress: addr}, 0, start)
	}
}
