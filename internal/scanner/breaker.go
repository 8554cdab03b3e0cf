package scanner

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/Fantasim/hdcustody/internal/config"
)

// StateListener is told about every circuit transition using the
// config.Circuit* names.
type StateListener func(chain, from, to string)

// Breaker is a per-chain circuit breaker over gobreaker.
//
// Only transient errors (timeouts, 429, 5xx, connection failures) count as
// failures; a node that answers with a JSON-RPC error is healthy.
type Breaker struct {
	cb    *gobreaker.CircuitBreaker
	chain string
}

// NewBreaker creates a breaker that opens after threshold consecutive
// transient failures and half-opens after cooldown.
func NewBreaker(chain string, threshold int, cooldown time.Duration, onChange StateListener) *Breaker {
	settings := gobreaker.Settings{
		Name:        chain,
		MaxRequests: config.CircuitBreakerHalfOpenMax,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !config.IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("rpc circuit breaker state changed",
				"chain", name,
				"from", stateName(from),
				"to", stateName(to),
			)
			if onChange != nil {
				onChange(name, stateName(from), stateName(to))
			}
		},
	}

	return &Breaker{
		cb:    gobreaker.NewCircuitBreaker(settings),
		chain: chain,
	}
}

// Execute runs fn through the breaker. A rejected call returns ErrCircuitOpen.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", config.ErrCircuitOpen, b.chain)
	}
	return err
}

// State returns the current circuit state name.
func (b *Breaker) State() string {
	return stateName(b.cb.State())
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() uint32 {
	return b.cb.Counts().ConsecutiveFailures
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return config.CircuitOpen
	case gobreaker.StateHalfOpen:
		return config.CircuitHalfOpen
	default:
		return config.CircuitClosed
	}
}
