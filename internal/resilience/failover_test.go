package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/confabhq/confab/pkg/backend"
	"github.com/confabhq/confab/pkg/backend/mock"
)

func TestFailover_PrimarySucceeds(t *testing.T) {
	primary := &mock.Provider{Response: "from primary"}
	secondary := &mock.Provider{Response: "from secondary"}

	f := NewFailover(primary, "primary", BreakerConfig{})
	f.AddFallback("secondary", secondary)

	resp, err := f.Generate(context.Background(), backend.Request{AgentID: "planner"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from primary" {
		t.Errorf("content = %q, want %q", resp.Content, "from primary")
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Errorf("secondary received %d calls, want 0", n)
	}
}

func TestFailover_FailsOverToSecondary(t *testing.T) {
	primary := &mock.Provider{GenerateErr: errTest}
	secondary := &mock.Provider{Response: "from secondary"}

	f := NewFailover(primary, "primary", BreakerConfig{})
	f.AddFallback("secondary", secondary)

	resp, err := f.Generate(context.Background(), backend.Request{AgentID: "planner"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Errorf("content = %q, want %q", resp.Content, "from secondary")
	}
	if n := len(primary.Calls()); n != 1 {
		t.Errorf("primary received %d calls, want 1", n)
	}
}

func TestFailover_AllFail(t *testing.T) {
	primary := &mock.Provider{GenerateErr: errTest}
	secondary := &mock.Provider{GenerateErr: errTest}

	f := NewFailover(primary, "primary", BreakerConfig{})
	f.AddFallback("secondary", secondary)

	_, err := f.Generate(context.Background(), backend.Request{AgentID: "planner"})
	if err == nil {
		t.Fatal("expected error when every backend fails")
	}
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFailover_SkipsOpenBreaker(t *testing.T) {
	primary := &mock.Provider{GenerateErr: errTest}
	secondary := &mock.Provider{Response: "from secondary"}

	f := NewFailover(primary, "primary", BreakerConfig{
		MaxFailures: 1,
		CoolDown:    time.Hour,
	})
	f.AddFallback("secondary", secondary)

	// First call: primary fails and opens its breaker, secondary answers.
	if _, err := f.Generate(context.Background(), backend.Request{}); err != nil {
		t.Fatalf("first call: unexpected error: %v", err)
	}
	// Second call: primary's breaker is open, so it is skipped entirely.
	if _, err := f.Generate(context.Background(), backend.Request{}); err != nil {
		t.Fatalf("second call: unexpected error: %v", err)
	}

	if n := len(primary.Calls()); n != 1 {
		t.Errorf("primary received %d calls, want 1 (breaker should skip it)", n)
	}
	if n := len(secondary.Calls()); n != 2 {
		t.Errorf("secondary received %d calls, want 2", n)
	}
}

func TestFailover_StopsOnDeadContext(t *testing.T) {
	primary := &mock.Provider{GenerateErr: errTest}
	secondary := &mock.Provider{Response: "from secondary"}

	f := NewFailover(primary, "primary", BreakerConfig{})
	f.AddFallback("secondary", secondary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Generate(ctx, backend.Request{})
	if err == nil {
		t.Fatal("expected error with canceled context")
	}
	if n := len(secondary.Calls()); n != 0 {
		t.Errorf("secondary received %d calls, want 0 after cancellation", n)
	}
}
