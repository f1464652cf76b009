// Package toolcall wraps every remote tool call with retry, backoff, and
// result-validity heuristics. Retryable failures are retried in-process;
// non-retryable classes short-circuit immediately.
package toolcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/voidwalker/autopilot/internal/instance"
	"go.uber.org/zap"
)

// ErrExhausted marks a tool call that failed every attempt in its retry
// budget. It is fatal to the current turn.
var ErrExhausted = errors.New("tool retries exhausted")

const (
	defaultMaxRetries = 2
	// File edits are not idempotent-safe; one retry only.
	fileEditMaxRetries = 1

	baseBackoff = 1000 * time.Millisecond
	maxBackoff  = 5000 * time.Millisecond
)

// Attempt describes one tool-call attempt for observers. Err is a
// transport-level failure; PayloadError marks a tool that ran but reported
// failure in its result.
type Attempt struct {
	Tool         string
	Number       int
	Delay        time.Duration
	Result       *instance.Result
	Err          error
	PayloadError bool
}

// Observer receives every attempt and its outcome.
type Observer func(Attempt)

// Executor executes tools against a surface with retries.
type Executor struct {
	surface  instance.ToolSurface
	observer Observer
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewExecutor wraps a tool surface. observer may be nil.
func NewExecutor(surface instance.ToolSurface, observer Observer, logger *zap.Logger) *Executor {
	return &Executor{
		surface:  surface,
		observer: observer,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Backoff is the delay before retry attempt n (1-based):
// min(1000 * 2^(n-1), 5000) ms.
func Backoff(attempt int) time.Duration {
	d := baseBackoff << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}

func maxRetriesFor(tool string) int {
	if tool == instance.ToolEditFile {
		return fileEditMaxRetries
	}
	return defaultMaxRetries
}

// Execute runs one tool call with the retry policy. Exhausting the budget
// returns the last error, which is fatal to the current step.
func (e *Executor) Execute(ctx context.Context, tool, argsJSON string) (*instance.Result, error) {
	maxRetries := maxRetriesFor(tool)
	var lastErr error

	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if attempt > 1 {
			delay := Backoff(attempt - 1)
			e.logger.Debug("retrying tool call",
				zap.String("tool", tool),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		result, err := e.surface.Execute(ctx, tool, argsJSON)
		a := Attempt{Tool: tool, Number: attempt, Result: result, Err: err}
		if attempt > 1 {
			a.Delay = Backoff(attempt - 1)
		}

		if err != nil {
			lastErr = err
			e.observe(a)
			if instance.Fatal(err) || ctx.Err() != nil {
				return nil, err
			}
			continue
		}

		if bad, reason := invalidResult(tool, argsJSON, result); bad {
			a.PayloadError = true
			e.observe(a)
			lastErr = fmt.Errorf("tool %s: %s", tool, reason)
			if fatalPayload(result.Text) {
				return nil, fmt.Errorf("%w: %s", instance.ErrAuthRequired, result.Text)
			}
			continue
		}

		e.observe(a)
		return result, nil
	}

	return nil, fmt.Errorf("%w: tool %s failed %d retries: %v", ErrExhausted, tool, maxRetries, lastErr)
}

func (e *Executor) observe(a Attempt) {
	if e.observer != nil {
		e.observer(a)
	}
}

// invalidResult applies the pointer/keyboard heuristic: any computer action
// other than a capture must not come back empty or error-flagged.
func invalidResult(tool, argsJSON string, result *instance.Result) (bool, string) {
	if result == nil {
		return true, "nil result"
	}
	if tool != instance.ToolComputer {
		if result.IsError {
			return true, "error payload: " + result.Text
		}
		return false, ""
	}

	var args struct {
		Action string `json:"action"`
	}
	_ = json.Unmarshal([]byte(argsJSON), &args)
	if args.Action == "screenshot" || args.Action == "capture" {
		return false, ""
	}
	if result.IsError {
		return true, "error payload: " + result.Text
	}
	if strings.TrimSpace(result.Text) == "" {
		return true, "empty result for input action"
	}
	return false, ""
}

// fatalPayload catches auth walls reported inside a tool result rather than
// as a transport error.
func fatalPayload(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "authentication required") ||
		strings.Contains(lower, "login required") ||
		strings.Contains(lower, "not authenticated")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
