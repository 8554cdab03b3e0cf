package scanner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces calls to one chain's RPC endpoint. Besides the token
// bucket it honours a shared pause, set when the provider answers with a
// rate-limit error, so every caller of the chain backs off together.
type RateLimiter struct {
	limiter *rate.Limiter
	chain   string

	mu        sync.Mutex
	heldUntil time.Time
}

// NewRateLimiter creates a limiter allowing rps calls per second.
func NewRateLimiter(chain string, rps float64) *RateLimiter {
	slog.Debug("rate limiter created", "chain", chain, "rps", rps)
	return &RateLimiter{
		// Burst 1 spreads calls evenly; public endpoints throttle bursts.
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		chain:   chain,
	}
}

// Wait blocks until a call may be made or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if hold := rl.pauseRemaining(); hold > 0 {
		slog.Debug("rpc calls paused by provider", "chain", rl.chain, "remaining", hold)
		t := time.NewTimer(hold)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := rl.limiter.Wait(ctx); err != nil {
		slog.Debug("rate limiter wait cancelled", "chain", rl.chain, "error", err)
		return err
	}
	return nil
}

// Pause holds all calls for d. A shorter pause never cuts an earlier one.
func (rl *RateLimiter) Pause(d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if until.After(rl.heldUntil) {
		rl.heldUntil = until
		slog.Info("rpc calls paused", "chain", rl.chain, "for", d)
	}
}

func (rl *RateLimiter) pauseRemaining() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return time.Until(rl.heldUntil)
}

// Chain returns the chain this limiter paces.
func (rl *RateLimiter) Chain() string {
	return rl.chain
}
