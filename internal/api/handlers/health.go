package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/db"
	"github.com/Fantasim/hdcustody/internal/httputil"
)

// HealthStore is the storage view used by the health endpoint.
type HealthStore interface {
	CountUsers(ctx context.Context) (int, error)
	GetAllRPCHealth(ctx context.Context) ([]db.RPCHealthRow, error)
}

// CircuitReader reports the live breaker state of one chain.
type CircuitReader interface {
	CircuitState() string
}

// HealthInfo is everything GET /api/health reports.
type HealthInfo struct {
	Version        string
	Env            string
	CreditMode     string
	SeedConfigured bool
	Store          HealthStore
	Circuits       map[string]CircuitReader
}

type chainHealth struct {
	Chain            string `json:"chain"`
	Status           string `json:"status"`
	CircuitState     string `json:"circuitState"`
	ConsecutiveFails int    `json:"consecutiveFails"`
	LastSuccess      string `json:"lastSuccess,omitempty"`
	LastError        string `json:"lastError,omitempty"`
	LastErrorMsg     string `json:"lastErrorMsg,omitempty"`
}

type healthResponse struct {
	Status         string        `json:"status"`
	Version        string        `json:"version"`
	Env            string        `json:"env"`
	CreditMode     string        `json:"creditMode"`
	SeedConfigured bool          `json:"seedConfigured"`
	Users          int           `json:"users"`
	Chains         []chainHealth `json:"chains"`
}

// HealthHandler handles GET /api/health. Status is "degraded" when the seed
// is missing or any chain's breaker is not closed; the endpoint itself still
// answers 200 unless storage is unreachable.
func HealthHandler(info HealthInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		slog.Debug("health check requested", "remoteAddr", r.RemoteAddr)

		users, err := info.Store.CountUsers(r.Context())
		if err != nil {
			writeServiceError(w, "health check", err)
			return
		}
		rows, err := info.Store.GetAllRPCHealth(r.Context())
		if err != nil {
			writeServiceError(w, "health check", err)
			return
		}

		resp := healthResponse{
			Status:         "ok",
			Version:        info.Version,
			Env:            info.Env,
			CreditMode:     info.CreditMode,
			SeedConfigured: info.SeedConfigured,
			Users:          users,
			Chains:         make([]chainHealth, 0, len(rows)),
		}
		if !info.SeedConfigured {
			resp.Status = "degraded"
		}

		for _, row := range rows {
			ch := chainHealth{
				Chain:            row.Chain,
				Status:           row.Status,
				CircuitState:     row.CircuitState,
				ConsecutiveFails: row.ConsecutiveFails,
				LastSuccess:      row.LastSuccess,
				LastError:        row.LastError,
				LastErrorMsg:     row.LastErrorMsg,
			}
			// The persisted state lags; prefer the live breaker.
			if c, ok := info.Circuits[row.Chain]; ok {
				ch.CircuitState = c.CircuitState()
			}
			resp.Chains = append(resp.Chains, ch)
		}

		// Chains that have not made a call yet have no row.
		seen := make(map[string]bool, len(rows))
		for _, row := range rows {
			seen[row.Chain] = true
		}
		missing := make([]string, 0, len(info.Circuits))
		for name := range info.Circuits {
			if !seen[name] {
				missing = append(missing, name)
			}
		}
		sort.Strings(missing)
		for _, name := range missing {
			resp.Chains = append(resp.Chains, chainHealth{
				Chain:        name,
				Status:       "unknown",
				CircuitState: info.Circuits[name].CircuitState(),
			})
		}

		for _, ch := range resp.Chains {
			if ch.CircuitState != "" && ch.CircuitState != config.CircuitClosed {
				resp.Status = "degraded"
			}
		}

		httputil.JSONWithMeta(w, http.StatusOK, resp, int64(len(resp.Chains)), start)
	}
}
