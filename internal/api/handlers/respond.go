package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/httputil"
)

// errorStatus maps a service error to an HTTP status and API error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, config.ErrInvalidUserID):
		return http.StatusBadRequest, config.ErrorInvalidUserID
	case errors.Is(err, config.ErrUnknownChain):
		return http.StatusBadRequest, config.ErrorInvalidChain
	case errors.Is(err, config.ErrUnknownToken):
		return http.StatusBadRequest, config.ErrorInvalidToken
	case errors.Is(err, config.ErrInvalidDestination):
		return http.StatusBadRequest, config.ErrorInvalidDestination
	case errors.Is(err, config.ErrInvalidAddress):
		return http.StatusBadRequest, config.ErrorInvalidAddress
	case errors.Is(err, config.ErrInvalidAmount):
		return http.StatusBadRequest, config.ErrorInvalidAmount
	case errors.Is(err, config.ErrInvalidTxHash):
		return http.StatusBadRequest, config.ErrorInvalidTxHash
	case errors.Is(err, config.ErrNoChainsRequested), errors.Is(err, config.ErrNoTokensRequested):
		return http.StatusBadRequest, config.ErrorInvalidRequest
	case errors.Is(err, config.ErrSweepInProgress):
		return http.StatusConflict, config.ErrorSweepInProgress
	case errors.Is(err, config.ErrIndexConflict):
		return http.StatusConflict, config.ErrorIndexConflict
	case errors.Is(err, config.ErrMasterSeedNotConfigured):
		return http.StatusServiceUnavailable, config.ErrorMasterSeedMissing
	case errors.Is(err, config.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, config.ErrorStorageUnavailable
	case errors.Is(err, config.ErrLedgerUnavailable):
		return http.StatusBadGateway, config.ErrorLedgerUnavailable
	case errors.Is(err, config.ErrProviderUnavailable),
		errors.Is(err, config.ErrProviderTimeout),
		errors.Is(err, config.ErrProviderRateLimit),
		errors.Is(err, config.ErrCircuitOpen):
		return http.StatusBadGateway, config.ErrorProviderUnavailable
	case errors.Is(err, config.ErrKeyDerivation):
		return http.StatusInternalServerError, config.ErrorAddressDerivation
	}
	return http.StatusInternalServerError, config.ErrorInternal
}

// writeServiceError logs err and writes the mapped error response. Internal
// errors do not leak their message to the caller.
func writeServiceError(w http.ResponseWriter, op string, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		slog.Error(op+" failed", "error", err, "code", code)
		if code == config.ErrorInternal {
			msg = "internal error"
		}
	} else {
		slog.Warn(op+" rejected", "error", err, "code", code)
	}
	httputil.Error(w, status, code, msg)
}

// decodeBody decodes a JSON request body, rejecting unknown fields and
// trailing data.
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}
