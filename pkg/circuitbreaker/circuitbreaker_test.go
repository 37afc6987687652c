package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"spatialsync/pkg/clock"
)

var errTestError = errors.New("test error")

func newTestBreaker(threshold int) (*CircuitBreaker, *clock.FakeClock) {
	fake := clock.Fake(time.Unix(1000, 0))
	cb := New(Config{
		FailureThreshold:    threshold,
		SuccessThreshold:    1,
		Timeout:             10 * time.Second,
		MaxRequestsHalfOpen: 1,
		Clock:               fake,
	})
	return cb, fake
}

func fail(context.Context) error    { return errTestError }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_ClosedState_PassesErrorThrough(t *testing.T) {
	cb, _ := newTestBreaker(3)

	err := cb.Execute(context.Background(), fail)
	if !errors.Is(err, errTestError) {
		t.Fatalf("expected the function's error, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %v", cb.State())
	}
	if stats := cb.GetStats(); stats.FailureCount != 1 {
		t.Fatalf("expected failure count 1, got %d", stats.FailureCount)
	}
}

func TestCircuitBreaker_OpensAfterThresholdAndFailsFast(t *testing.T) {
	cb, _ := newTestBreaker(2)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %v", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("function must not run while open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(2)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, fail)
	if cb.State() != StateClosed {
		t.Fatalf("non-consecutive failures must not open the breaker, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, fake := newTestBreaker(1)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	fake.Advance(10 * time.Second)

	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("probe should run after timeout, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("successful probe should close, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, fake := newTestBreaker(1)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	fake.Advance(10 * time.Second)
	_ = cb.Execute(ctx, fail)

	if cb.State() != StateOpen {
		t.Fatalf("failed probe should reopen, got %v", cb.State())
	}
	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen right after reopening, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenLimitsConcurrentProbes(t *testing.T) {
	cb, fake := newTestBreaker(1)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	fake.Advance(10 * time.Second)

	err := cb.Execute(ctx, func(ctx context.Context) error {
		// A second request while the probe is outstanding is rejected.
		if inner := cb.Execute(ctx, succeed); !errors.Is(inner, ErrOpen) {
			t.Errorf("expected concurrent probe to be rejected, got %v", inner)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	errClient := errors.New("bad request")
	cb := New(Config{
		FailureThreshold: 1,
		Timeout:          time.Second,
		IsFailure:        func(err error) bool { return !errors.Is(err, errClient) },
		Clock:            clock.Fake(time.Unix(0, 0)),
	})

	_ = cb.Execute(context.Background(), func(context.Context) error { return errClient })
	if cb.State() != StateClosed {
		t.Fatalf("filtered error must not count, got %v", cb.State())
	}
}

func TestCircuitBreaker_Do_ReturnsResult(t *testing.T) {
	cb, _ := newTestBreaker(1)
	got, err := Do(context.Background(), cb, func(context.Context) (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Fatalf("expected 42, got %d (%v)", got, err)
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	cb, fake := newTestBreaker(1)
	var transitions []string
	cb.OnStateChange(func(from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	fake.Advance(10 * time.Second)
	_ = cb.Execute(ctx, succeed)

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, transitions)
		}
	}
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb, _ := newTestBreaker(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cb.Execute(ctx, succeed); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if cb.GetStats().FailureCount != 0 {
		t.Fatal("cancelled call must not be recorded")
	}
}
