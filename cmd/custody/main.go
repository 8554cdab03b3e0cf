package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/Fantasim/hdcustody/internal/api"
	"github.com/Fantasim/hdcustody/internal/chain"
	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/db"
	"github.com/Fantasim/hdcustody/internal/logging"
	"github.com/Fantasim/hdcustody/internal/models"
	"github.com/Fantasim/hdcustody/internal/scheduler"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe()
	case "sweep":
		err = runSweep(os.Args[2:])
	case "check-deposits":
		err = runCheckDeposits()
	case "recover":
		err = runRecover()
	case "address":
		err = runAddress(os.Args[2:])
	case "version":
		fmt.Printf("hdcustody %s\n", version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" error", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: custody <command>

Commands:
  serve            Start the HTTP server and scheduled jobs
  sweep            Run one batch sweep to a hot wallet
  check-deposits   Scan for confirmed deposits and credit them once
  recover          Settle sweep transfers left open by a previous run
  address          Print (and assign) the deposit address of a user
  version          Print version information
`)
}

// setup loads configuration and logging for every command.
func setup() (*config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logCloser, err := logging.Setup(logging.Options{Level: cfg.LogLevel, Dir: cfg.LogDir, Env: cfg.Env})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	return cfg, func() { logCloser.Close() }, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServe() error {
	cfg, closeLogs, err := setup()
	if err != nil {
		return err
	}
	defer closeLogs()

	slog.Info("starting hdcustody",
		"version", version,
		"env", cfg.Env,
		"port", cfg.Port,
		"dbPath", cfg.DBPath,
		"creditMode", cfg.CreditMode,
	)

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if summary, err := a.engine.RecoverPending(ctx); err != nil {
		slog.Error("startup sweep recovery failed", "error", err)
	} else if summary.Checked > 0 {
		slog.Info("startup sweep recovery", "checked", summary.Checked, "confirmed", summary.Confirmed, "failed", summary.Failed, "pending", summary.Pending)
	}

	sched, err := newScheduler(a)
	if err != nil {
		return err
	}
	sched.Start()

	api.Version = version
	router := api.NewRouter(api.Deps{
		Config:     cfg,
		Store:      a.db,
		Addresses:  a.addresses,
		Balances:   a.endpoints.Inspector,
		Sweeper:    a.engine,
		Reconciler: a.reconciler,
		Checker:    a.depositScanner(),
		Circuits:   a.circuits(),
		Metrics:    a.metrics.Handler(),
		SeedReady:  a.addresses.HasSeed(),
	})

	addr := fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.Port)
	srv := &http.Server{
		Addr:           addr,
		Handler:        router,
		ReadTimeout:    config.ServerReadTimeout,
		WriteTimeout:   config.ServerWriteTimeout,
		IdleTimeout:    config.ServerIdleTimeout,
		MaxHeaderBytes: config.ServerMaxHeaderBytes,
	}

	listenErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-listenErr:
		sched.Stop(config.ShutdownTimeout)
		return fmt.Errorf("server listen error: %w", err)
	}

	slog.Info("initiating graceful shutdown", "timeout", config.ShutdownTimeout)

	// 1. Stop scheduled jobs; a running sweep finishes its broadcast transfers.
	sched.Stop(config.ShutdownTimeout)

	// 2. Drain in-flight requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newScheduler registers the background jobs enabled by configuration.
func newScheduler(a *app) (*scheduler.Scheduler, error) {
	s := scheduler.New()
	cfg := a.cfg

	if cfg.DepositCheckSchedule != "" {
		if err := s.Add("sweep-recover", cfg.DepositCheckSchedule, func(ctx context.Context) error {
			_, err := a.engine.RecoverPending(ctx)
			return err
		}); err != nil {
			return nil, err
		}
		if a.checker != nil {
			if err := s.Add("deposit-check", cfg.DepositCheckSchedule, func(ctx context.Context) error {
				_, err := a.checker.Run(ctx)
				return err
			}); err != nil {
				return nil, err
			}
		}
	}

	if cfg.SweepSchedule != "" {
		threshold, err := decimal.NewFromString(cfg.ScheduledMinAmount)
		if err != nil {
			return nil, fmt.Errorf("%w: scheduled min amount: %v", config.ErrInvalidConfig, err)
		}
		opts := a.allSweepOptions()
		opts.MinAmount = threshold
		if err := s.Add("sweep", cfg.SweepSchedule, func(ctx context.Context) error {
			result, err := a.engine.BatchSweep(ctx, cfg.ScheduledHotWallet, opts)
			if errors.Is(err, config.ErrSweepInProgress) {
				slog.Info("scheduled sweep skipped, a batch is already running")
				return nil
			}
			if err != nil {
				return err
			}
			if len(result.Failures) > 0 {
				return fmt.Errorf("%w: %d of the scheduled sweep's transfers failed", config.ErrTransactionFailed, len(result.Failures))
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func runSweep(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	hotWallet := fs.String("hot-wallet", "", "Destination hot wallet address (required)")
	chains := fs.String("chains", "", "Comma-separated chains (default: all configured)")
	tokens := fs.String("tokens", "", "Comma-separated tokens (default: all supported)")
	minAmount := fs.String("min", "", "Minimum balance to sweep (default: sweep_min_amount setting)")
	fs.Parse(args)

	cfg, closeLogs, err := setup()
	if err != nil {
		return err
	}
	defer closeLogs()

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := a.allSweepOptions()
	if *chains != "" {
		opts.Chains = nil
		for _, c := range strings.Split(*chains, ",") {
			name, err := chain.ParseChain(c)
			if err != nil {
				return err
			}
			opts.Chains = append(opts.Chains, name)
		}
	}
	if *tokens != "" {
		opts.Tokens = nil
		for _, t := range strings.Split(*tokens, ",") {
			token, err := chain.ParseToken(t)
			if err != nil {
				return err
			}
			opts.Tokens = append(opts.Tokens, token)
		}
	}

	raw := *minAmount
	if raw == "" {
		if raw, err = a.db.GetSetting(db.SettingSweepMinAmount); err != nil {
			return err
		}
	}
	if opts.MinAmount, err = decimal.NewFromString(raw); err != nil {
		return fmt.Errorf("%w: min %q", config.ErrInvalidAmount, raw)
	}

	result, err := a.engine.BatchSweep(ctx, *hotWallet, opts)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runCheckDeposits() error {
	cfg, closeLogs, err := setup()
	if err != nil {
		return err
	}
	defer closeLogs()

	if cfg.CreditMode != config.CreditModeDeposit {
		return fmt.Errorf("%w: deposit checks run only in %q credit mode, not %q", config.ErrInvalidConfig, config.CreditModeDeposit, cfg.CreditMode)
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.checker.Run(ctx)
	if printErr := printJSON(summary); printErr != nil {
		return printErr
	}
	return err
}

func runRecover() error {
	cfg, closeLogs, err := setup()
	if err != nil {
		return err
	}
	defer closeLogs()

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.engine.RecoverPending(ctx)
	if err != nil {
		return err
	}
	return printJSON(summary)
}

// runAddress needs no RPC; it only touches the index registry and the seed.
func runAddress(args []string) error {
	fs := flag.NewFlagSet("address", flag.ExitOnError)
	userID := fs.String("user", "", "User id (required)")
	fs.Parse(args)

	cfg, closeLogs, err := setup()
	if err != nil {
		return err
	}
	defer closeLogs()

	database, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	addresses, err := openAddresses(cfg, database)
	if err != nil {
		return err
	}

	addr, err := addresses.GetUserDepositAddress(context.Background(), *userID)
	if err != nil {
		return err
	}
	return printJSON(struct {
		UserID string `json:"userId"`
		models.DerivedAddress
	}{*userID, addr})
}
