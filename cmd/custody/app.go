package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Fantasim/hdcustody/internal/api/handlers"
	"github.com/Fantasim/hdcustody/internal/chain"
	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/db"
	"github.com/Fantasim/hdcustody/internal/ledger"
	"github.com/Fantasim/hdcustody/internal/metrics"
	"github.com/Fantasim/hdcustody/internal/models"
	"github.com/Fantasim/hdcustody/internal/price"
	"github.com/Fantasim/hdcustody/internal/reconcile"
	"github.com/Fantasim/hdcustody/internal/scanner"
	"github.com/Fantasim/hdcustody/internal/sweep"
	"github.com/Fantasim/hdcustody/internal/tx"
	"github.com/Fantasim/hdcustody/internal/wallet"
)

// app is the wired service graph shared by every subcommand.
type app struct {
	cfg        *config.Config
	db         *db.DB
	registry   *chain.Registry
	metrics    *metrics.Metrics
	endpoints  *scanner.Endpoints
	addresses  *wallet.DepositAddressService
	engine     *sweep.Engine
	reconciler *reconcile.Reconciler
	checker    *reconcile.DepositChecker
}

// openDB opens SQLite and applies migrations.
func openDB(cfg *config.Config) (*db.DB, error) {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.RunMigrations(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("database ready", "path", cfg.DBPath)
	return database, nil
}

// buildRegistry layers stored settings over environment overrides over the
// built-in chain defaults.
func buildRegistry(cfg *config.Config, database *db.DB) (*chain.Registry, error) {
	settings, err := database.GetAllSettings()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	overrides := chain.OverridesFromEnv(cfg).Merge(chain.OverridesFromSettings(settings))
	chains, err := chain.Apply(chain.Defaults(), overrides)
	if err != nil {
		return nil, err
	}
	return chain.NewRegistry(chains)
}

// openAddresses creates the deposit address service. Without a mnemonic only
// demo addresses (when allowed) can be served.
func openAddresses(cfg *config.Config, database *db.DB) (*wallet.DepositAddressService, error) {
	var deriver *wallet.Deriver
	if cfg.HasMnemonic() {
		var err error
		deriver, err = wallet.NewDeriverFromFile(cfg.MnemonicFile)
		if err != nil {
			return nil, fmt.Errorf("load master seed: %w", err)
		}
	} else {
		slog.Warn("no mnemonic configured, deposit addresses unavailable", "demoAddresses", cfg.DemoAddresses)
	}
	return wallet.NewDepositAddressService(database, deriver, cfg.DemoAddresses), nil
}

// newApp wires the full graph, dialing every chain RPC.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	database, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: database, metrics: metrics.New()}

	if a.registry, err = buildRegistry(cfg, database); err != nil {
		a.Close()
		return nil, err
	}
	if a.addresses, err = openAddresses(cfg, database); err != nil {
		a.Close()
		return nil, err
	}

	prices := price.NewPriceService(cfg.PriceFeedEnabled)
	if a.endpoints, err = scanner.Setup(ctx, cfg, a.registry, database, a.metrics, prices); err != nil {
		a.Close()
		return nil, err
	}

	var credits reconcile.Ledger = database
	if cfg.LedgerURL != "" {
		credits = ledger.NewHTTPClient(cfg.LedgerURL, cfg.LedgerToken)
	}
	a.reconciler = reconcile.NewReconciler(credits, a.registry, cfg.LurisRate(), database, a.metrics)

	keys := tx.NewKeyService(cfg.MnemonicFile)
	engineCfg := sweep.Config{
		Registry:    a.registry,
		Users:       database,
		Addresses:   a.addresses,
		Balances:    a.endpoints.Inspector,
		Keys:        keys,
		Senders:     a.endpoints.Senders,
		Gas:         tx.NewGasTopUpService(keys, cfg.GasTankIndex, cfg.GasTopUpEnabled),
		Store:       database,
		Metrics:     a.metrics,
		Concurrency: cfg.SweepConcurrency,
		CallTimeout: cfg.RPCTimeout,
	}
	if cfg.CreditMode == config.CreditModeSweep {
		engineCfg.Credit = a.reconciler.CreditSweep
	}
	a.engine = sweep.NewEngine(engineCfg)

	if cfg.CreditMode == config.CreditModeDeposit {
		clients := make(map[models.Chain]reconcile.LogClient, len(a.endpoints.Clients))
		for name, c := range a.endpoints.Clients {
			clients[name] = c
		}
		a.checker = reconcile.NewDepositChecker(reconcile.CheckerConfig{
			Registry:      a.registry,
			Clients:       clients,
			Guards:        a.endpoints.Guards,
			Cursors:       database,
			Users:         database,
			Addresses:     a.addresses,
			Decimals:      a.endpoints.Inspector,
			Reconciler:    a.reconciler,
			Confirmations: cfg.DepositConfirmations,
			Metrics:       a.metrics,
		})
	}

	slog.Info("services wired",
		"chains", len(a.registry.Chains()),
		"creditMode", cfg.CreditMode,
		"externalLedger", cfg.LedgerURL != "",
		"seedConfigured", a.addresses.HasSeed(),
		"gasTopUp", cfg.GasTopUpEnabled,
	)
	return a, nil
}

// depositScanner returns the checker as an interface, nil when deposits are
// not credited by it.
func (a *app) depositScanner() handlers.DepositScanner {
	if a.checker == nil {
		return nil
	}
	return a.checker
}

// circuits exposes the live breaker of every chain.
func (a *app) circuits() map[string]handlers.CircuitReader {
	out := make(map[string]handlers.CircuitReader, len(a.endpoints.Guards))
	for name, g := range a.endpoints.Guards {
		out[string(name)] = g
	}
	return out
}

// allSweepOptions selects every chain and token of the registry.
func (a *app) allSweepOptions() models.SweepOptions {
	opts := models.SweepOptions{Chains: a.registry.Chains()}
	seen := make(map[models.Token]bool)
	for _, name := range opts.Chains {
		tokens, _ := a.registry.ListSupportedTokens(name)
		for _, t := range tokens {
			if !seen[t] {
				seen[t] = true
				opts.Tokens = append(opts.Tokens, t)
			}
		}
	}
	return opts
}

func (a *app) Close() {
	if a.endpoints != nil {
		a.endpoints.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
