package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test"})
	if b.maxFailures != 3 {
		t.Errorf("maxFailures = %d, want 3", b.maxFailures)
	}
	if b.coolDown != 20*time.Second {
		t.Errorf("coolDown = %v, want 20s", b.coolDown)
	}
	if b.probeMax != 2 {
		t.Errorf("probeMax = %d, want 2", b.probeMax)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_ClosedAllowsCalls(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 3})
	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestBreaker_ClosedToOpen(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:        "test",
		MaxFailures: 3,
		CoolDown:    time.Hour, // long cool-down so it stays open
	})

	// 3 consecutive failures should open the breaker.
	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errTest })
	}

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after %d failures", b.State(), 3)
	}

	// Next call should be rejected.
	err := b.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:        "test",
		MaxFailures: 3,
	})

	// 2 failures, then a success — should not open.
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return nil })

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed (success should reset counter)", b.State())
	}

	// Need 3 more consecutive failures to open now.
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })
	if b.State() != StateClosed {
		t.Fatal("should still be closed after 2 failures post-reset")
	}
}

func TestBreaker_OpenToHalfOpen(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:        "test",
		MaxFailures: 2,
		CoolDown:    10 * time.Millisecond,
		ProbeMax:    2,
	})

	// Open the breaker.
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	// Wait for the cool-down.
	time.Sleep(15 * time.Millisecond)

	// State() should now report half-open.
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after cool-down", b.State())
	}
}

func TestBreaker_HalfOpenToClosed(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:        "test",
		MaxFailures: 2,
		CoolDown:    10 * time.Millisecond,
		ProbeMax:    2,
	})

	// Open the breaker.
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })

	// Wait for the cool-down.
	time.Sleep(15 * time.Millisecond)

	// Successful probe calls should close the breaker.
	for i := 0; i < 2; i++ {
		err := b.Execute(func() error { return nil })
		if err != nil {
			t.Fatalf("probe %d: unexpected error: %v", i, err)
		}
	}

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probes", b.State())
	}
}

func TestBreaker_HalfOpenToOpen(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:        "test",
		MaxFailures: 2,
		CoolDown:    10 * time.Millisecond,
		ProbeMax:    3,
	})

	// Open the breaker.
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })

	// Wait for the cool-down.
	time.Sleep(15 * time.Millisecond)

	// A failure in half-open should re-open.
	err := b.Execute(func() error { return errTest })
	if err == nil {
		t.Fatal("expected error from failing probe")
	}

	// Should be open again (not half-open since openedAt was just refreshed).
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	if s != StateOpen {
		t.Fatalf("state = %v, want open after half-open failure", s)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:        "test",
		MaxFailures: 2,
		CoolDown:    time.Hour,
	})

	// Open the breaker.
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return errTest })
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	// Manual reset.
	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", b.State())
	}

	// Should work normally again.
	err := b.Execute(func() error { return nil })
	if err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
