package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/metrics"
)

// HealthRecorder persists per-chain RPC health. Implemented by db.DB.
type HealthRecorder interface {
	RecordRPCSuccess(ctx context.Context, chain string) error
	RecordRPCFailure(ctx context.Context, chain, errorMsg string) error
	UpdateRPCCircuitState(ctx context.Context, chain, circuitState string) error
}

// GuardOptions tunes a Guard. Zero values fall back to the defaults in config.
type GuardOptions struct {
	RateLimit float64
	Timeout   time.Duration
	Retries   int
	Metrics   *metrics.Metrics
	Health    HealthRecorder
}

// Guard protects one chain's RPC endpoint: every call waits on the rate
// limiter, runs through the circuit breaker with a per-call timeout, and is
// retried with exponential backoff while the error is transient.
type Guard struct {
	chain       string
	limiter     *RateLimiter
	breaker     *Breaker
	timeout     time.Duration
	retries     int
	backoffBase time.Duration
	backoffMax  time.Duration
	metrics     *metrics.Metrics
	health      HealthRecorder
	failing     atomic.Bool
}

// NewGuard creates the guard of one chain.
func NewGuard(chain string, opts GuardOptions) *Guard {
	if opts.RateLimit <= 0 {
		opts.RateLimit = config.DefaultRPCRateLimit
	}
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultRPCTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	g := &Guard{
		chain:       chain,
		limiter:     NewRateLimiter(chain, opts.RateLimit),
		timeout:     opts.Timeout,
		retries:     opts.Retries,
		backoffBase: config.ExponentialBackoffBase,
		backoffMax:  config.ExponentialBackoffMax,
		metrics:     opts.Metrics,
		health:      opts.Health,
	}
	g.breaker = NewBreaker(chain, config.CircuitBreakerThreshold, config.CircuitBreakerCooldown, g.onStateChange)

	slog.Info("rpc guard created",
		"chain", chain,
		"rps", opts.RateLimit,
		"timeout", opts.Timeout,
		"retries", opts.Retries,
	)
	return g
}

// Chain returns the chain name.
func (g *Guard) Chain() string { return g.chain }

// CircuitState returns the breaker state name.
func (g *Guard) CircuitState() string { return g.breaker.State() }

// Do runs fn under the guard. fn receives a context bounded by the per-call timeout.
func (g *Guard) Do(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	return g.do(ctx, method, g.retries, fn)
}

// DoOnce is Do without retries, for calls that must not be repeated blindly
// such as broadcasts.
func (g *Guard) DoOnce(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	return g.do(ctx, method, 0, fn)
}

func (g *Guard) do(ctx context.Context, method string, retries int, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := g.backoff(attempt, lastErr)
			slog.Debug("retrying rpc call",
				"chain", g.chain,
				"method", method,
				"attempt", attempt+1,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s on %s: %w", method, g.chain, ctx.Err())
			case <-time.After(delay):
			}
		}

		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s on %s: rate limiter: %w", method, g.chain, err)
		}

		start := time.Now()
		err := g.breaker.Execute(func() error {
			callCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			return classifyRPCError(ctx, fn(callCtx))
		})
		g.metrics.ObserveRPC(g.chain, method, time.Since(start), err)

		if err == nil {
			g.recordSuccess(ctx)
			return nil
		}
		if errors.Is(err, config.ErrCircuitOpen) {
			return err
		}
		if !config.IsTransient(err) || ctx.Err() != nil {
			return err
		}

		if errors.Is(err, config.ErrProviderRateLimit) {
			g.limiter.Pause(g.backoff(attempt+1, err))
		}
		g.recordFailure(ctx, err)
		lastErr = err
	}

	if retries == 0 {
		return lastErr
	}
	return fmt.Errorf("%s on %s failed after %d attempts: %w", method, g.chain, retries+1, lastErr)
}

// backoff returns base * 2^(attempt-1), capped, or the provider's Retry-After.
func (g *Guard) backoff(attempt int, err error) time.Duration {
	if ra := config.GetRetryAfter(err); ra > 0 {
		return ra
	}
	delay := g.backoffBase * time.Duration(1<<uint(attempt-1))
	if delay > g.backoffMax {
		delay = g.backoffMax
	}
	return delay
}

func (g *Guard) recordSuccess(ctx context.Context) {
	// Only the first success after a failure streak touches storage.
	if !g.failing.Swap(false) || g.health == nil {
		return
	}
	g.persist(ctx, func(ctx context.Context) error {
		return g.health.RecordRPCSuccess(ctx, g.chain)
	})
}

func (g *Guard) recordFailure(ctx context.Context, err error) {
	g.failing.Store(true)
	slog.Warn("rpc call failed",
		"chain", g.chain,
		"error", err,
	)
	if g.health == nil {
		return
	}
	msg := err.Error()
	g.persist(ctx, func(ctx context.Context) error {
		return g.health.RecordRPCFailure(ctx, g.chain, msg)
	})
}

func (g *Guard) onStateChange(chain, _, to string) {
	if to == config.CircuitOpen {
		g.metrics.BreakerTripped(chain)
	}
	if g.health == nil {
		return
	}
	// Called with the breaker's lock held: write asynchronously.
	go g.persist(context.Background(), func(ctx context.Context) error {
		return g.health.UpdateRPCCircuitState(ctx, chain, to)
	})
}

func (g *Guard) persist(ctx context.Context, write func(ctx context.Context) error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.HealthWriteTimeout)
	defer cancel()
	if err := write(writeCtx); err != nil {
		slog.Debug("rpc health write failed", "chain", g.chain, "error", err)
	}
}

// classifyRPCError marks which RPC errors are worth retrying. parent is the
// caller's context: its cancellation is never retried.
func classifyRPCError(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return config.NewTransientError(fmt.Errorf("%w: %v", config.ErrProviderTimeout, err))
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return config.NewTransientError(fmt.Errorf("%w: %v", config.ErrProviderRateLimit, err))
		case httpErr.StatusCode >= 500:
			return config.NewTransientError(fmt.Errorf("%w: %v", config.ErrProviderUnavailable, err))
		default:
			return fmt.Errorf("%w: %v", config.ErrProviderUnavailable, err)
		}
	}

	// The node answered with a JSON-RPC error: retrying gives the same answer.
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return config.NewTransientError(fmt.Errorf("%w: %v", config.ErrProviderUnavailable, err))
	}

	lower := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "eof", "no such host", "too many requests"} {
		if strings.Contains(lower, s) {
			return config.NewTransientError(fmt.Errorf("%w: %v", config.ErrProviderUnavailable, err))
		}
	}
	return err
}
