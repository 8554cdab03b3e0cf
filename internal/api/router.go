package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Fantasim/hdcustody/internal/api/handlers"
	"github.com/Fantasim/hdcustody/internal/api/middleware"
	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/db"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Deps holds everything the router serves. Checker is nil unless deposits
// are credited by the checker; Metrics is nil when metrics are disabled.
type Deps struct {
	Config     *config.Config
	Store      *db.DB
	Addresses  handlers.AddressResolver
	Balances   handlers.BalanceChecker
	Sweeper    handlers.Sweeper
	Reconciler handlers.DepositReconciler
	Checker    handlers.DepositScanner
	Circuits   map[string]handlers.CircuitReader
	Metrics    http.Handler
	SeedReady  bool
}

// NewRouter creates the chi router. Reads are open; sweeps, reconciliation,
// and settings writes require the operator token.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogging)
	r.Use(chimw.Recoverer)

	slog.Info("router initialized",
		"middleware", []string{"requestId", "realIp", "requestLogging", "recoverer"},
		"operatorAuth", d.Config.OperatorToken != "",
		"metrics", d.Metrics != nil,
	)

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handlers.HealthHandler(handlers.HealthInfo{
			Version:        Version,
			Env:            d.Config.Env,
			CreditMode:     d.Config.CreditMode,
			SeedConfigured: d.SeedReady,
			Store:          d.Store,
			Circuits:       d.Circuits,
		}))

		r.Get("/users/{userID}/deposit-address", handlers.GetDepositAddress(d.Addresses))
		r.Get("/balances/{chain}/{address}/tokens/{token}", handlers.GetTokenBalance(d.Balances))
		r.Get("/balances/{chain}/{address}/native", handlers.GetNativeBalance(d.Balances))
		r.Get("/settings", handlers.GetSettings(d.Store))

		r.Group(func(r chi.Router) {
			r.Use(middleware.OperatorAuth(d.Config.OperatorToken))
			r.Use(middleware.MaxBody(config.MaxRequestBodyBytes))

			r.Post("/sweeps", handlers.PostSweep(d.Sweeper, d.Store))
			r.Get("/sweeps/{sweepID}", handlers.GetSweep(d.Store))
			r.Post("/deposits/reconcile", handlers.PostReconcileDeposit(d.Reconciler))
			r.Post("/deposits/check", handlers.PostDepositCheck(d.Checker))
			r.Put("/settings", handlers.UpdateSettings(d.Store))
		})
	})

	return r
}
