package toolcall

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/voidwalker/autopilot/internal/instance"
	"go.uber.org/zap"
)

// flakySurface fails failN times then succeeds.
type flakySurface struct {
	failN int
	calls int
	err   error
}

func (f *flakySurface) Execute(ctx context.Context, tool, args string) (*instance.Result, error) {
	f.calls++
	if f.calls <= f.failN {
		if f.err != nil {
			return nil, f.err
		}
		return nil, fmt.Errorf("transient failure %d", f.calls)
	}
	return &instance.Result{Text: "ok"}, nil
}

func newTestExecutor(s instance.ToolSurface, obs Observer) *Executor {
	e := NewExecutor(s, obs, zap.NewNop())
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e
}

func TestSucceedsWithinBudget(t *testing.T) {
	for failN := 0; failN <= 2; failN++ {
		s := &flakySurface{failN: failN}
		e := newTestExecutor(s, nil)
		res, err := e.Execute(context.Background(), instance.ToolShell, `{"command":"ls"}`)
		if err != nil {
			t.Fatalf("failN=%d: unexpected error: %v", failN, err)
		}
		if res.Text != "ok" {
			t.Errorf("failN=%d: result = %q", failN, res.Text)
		}
	}
}

func TestFailsBeyondBudget(t *testing.T) {
	s := &flakySurface{failN: 3}
	e := newTestExecutor(s, nil)
	_, err := e.Execute(context.Background(), instance.ToolShell, `{}`)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("exhaustion error should wrap ErrExhausted, got %v", err)
	}
	if s.calls != 3 {
		t.Errorf("got %d attempts, want 3 (2 retries)", s.calls)
	}
}

func TestFileEditLowerCeiling(t *testing.T) {
	s := &flakySurface{failN: 2}
	e := newTestExecutor(s, nil)
	if _, err := e.Execute(context.Background(), instance.ToolEditFile, `{}`); err == nil {
		t.Fatal("expected exhaustion error for edit_file after one retry")
	}
	if s.calls != 2 {
		t.Errorf("got %d attempts, want 2", s.calls)
	}
}

func TestBackoffNonDecreasingAndCapped(t *testing.T) {
	prev := time.Duration(0)
	for n := 1; n <= 6; n++ {
		d := Backoff(n)
		if d < prev {
			t.Errorf("Backoff(%d) = %v, decreased from %v", n, d, prev)
		}
		if d > 5*time.Second {
			t.Errorf("Backoff(%d) = %v exceeds cap", n, d)
		}
		prev = d
	}
	if Backoff(1) != time.Second {
		t.Errorf("Backoff(1) = %v, want 1s", Backoff(1))
	}
	if Backoff(4) != 5*time.Second {
		t.Errorf("Backoff(4) = %v, want capped 5s", Backoff(4))
	}
}

func TestFatalErrorShortCircuits(t *testing.T) {
	s := &flakySurface{failN: 10, err: fmt.Errorf("%w: key missing", instance.ErrAuthRequired)}
	e := newTestExecutor(s, nil)
	_, err := e.Execute(context.Background(), instance.ToolShell, `{}`)
	if !errors.Is(err, instance.ErrAuthRequired) {
		t.Fatalf("err = %v, want auth-required", err)
	}
	if s.calls != 1 {
		t.Errorf("got %d attempts, want 1 (no retry on fatal class)", s.calls)
	}
}

// emptySurface returns an empty result for input actions.
type emptySurface struct {
	calls int
}

func (f *emptySurface) Execute(ctx context.Context, tool, args string) (*instance.Result, error) {
	f.calls++
	return &instance.Result{Text: ""}, nil
}

func TestEmptyComputerResultRetried(t *testing.T) {
	s := &emptySurface{}
	e := newTestExecutor(s, nil)
	if _, err := e.Execute(context.Background(), instance.ToolComputer, `{"action":"click","x":3,"y":4}`); err == nil {
		t.Fatal("empty click result must fail after retries")
	}
	if s.calls != 3 {
		t.Errorf("got %d attempts, want 3", s.calls)
	}

	// Captures are exempt from the emptiness heuristic.
	s2 := &emptySurface{}
	e2 := newTestExecutor(s2, nil)
	if _, err := e2.Execute(context.Background(), instance.ToolComputer, `{"action":"screenshot"}`); err != nil {
		t.Fatalf("screenshot with empty text should pass: %v", err)
	}
}

func TestObserverSeesEveryAttempt(t *testing.T) {
	var attempts []Attempt
	s := &flakySurface{failN: 2}
	e := newTestExecutor(s, func(a Attempt) { attempts = append(attempts, a) })

	if _, err := e.Execute(context.Background(), instance.ToolShell, `{}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("observer saw %d attempts, want 3", len(attempts))
	}
	if attempts[0].Err == nil || attempts[2].Err != nil {
		t.Error("observer must distinguish failed from successful attempts")
	}
	if attempts[1].Delay > attempts[2].Delay {
		t.Error("observed delays must be non-decreasing")
	}
}
