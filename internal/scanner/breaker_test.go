package scanner

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Fantasim/hdcustody/internal/config"
)

var errTransient = config.NewTransientError(errors.New("connection refused"))

func TestBreaker_ClosedAllowsRequests(t *testing.T) {
	b := NewBreaker("polygon", 3, 100*time.Millisecond, nil)

	for i := 0; i < 10; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("Execute() error in closed state, iteration %d: %v", i, err)
		}
	}
	if b.State() != config.CircuitClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker("bsc", 3, time.Hour, nil)

	_ = b.Execute(func() error { return errTransient })
	_ = b.Execute(func() error { return errTransient })
	if b.State() != config.CircuitClosed {
		t.Errorf("expected closed after 2 failures, got %s", b.State())
	}

	_ = b.Execute(func() error { return errTransient })
	if b.State() != config.CircuitOpen {
		t.Fatalf("expected open after 3 failures, got %s", b.State())
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, config.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("open circuit let a request through")
	}
}

func TestBreaker_NonTransientErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker("ethereum", 2, time.Hour, nil)
	reverted := errors.New("execution reverted")

	for i := 0; i < 5; i++ {
		if err := b.Execute(func() error { return reverted }); !errors.Is(err, reverted) {
			t.Fatalf("Execute() = %v, want the call's own error", err)
		}
	}
	if b.State() != config.CircuitClosed {
		t.Errorf("node-level errors opened the circuit: %s", b.State())
	}
}

func TestBreaker_HalfOpenThenClosed(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	b := NewBreaker("polygon", 1, 50*time.Millisecond, func(_, from, to string) {
		mu.Lock()
		transitions = append(transitions, from+"->"+to)
		mu.Unlock()
	})

	_ = b.Execute(func() error { return errTransient })
	if b.State() != config.CircuitOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	time.Sleep(80 * time.Millisecond)
	if b.State() != config.CircuitHalfOpen {
		t.Fatalf("expected half_open after cooldown, got %s", b.State())
	}

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("half-open request failed: %v", err)
	}
	if b.State() != config.CircuitClosed {
		t.Errorf("expected closed after a successful half-open request, got %s", b.State())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}
