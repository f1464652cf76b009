// Package runtime is the boundary to the LLM tool-calling runtime that
// executes a single reasoning turn. The orchestrator owns everything around
// the turn; the runtime owns only the turn itself.
package runtime

import (
	"context"
	"time"

	"github.com/voidwalker/autopilot/internal/instance"
	"github.com/voidwalker/autopilot/internal/plan"
)

// ToolDef describes one tool offered to the agent for the turn.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolExecutor runs one tool call. The control loop passes the retrying
// wrapper here; the runtime never talks to the instance directly.
type ToolExecutor func(ctx context.Context, tool, argsJSON string) (*instance.Result, error)

// ToolCallRecord is one executed tool call within a turn.
type ToolCallRecord struct {
	Tool       string
	Input      string
	Output     string
	Screenshot []byte
	Duration   time.Duration
	Err        string
}

// Observation is delivered after each sub-step of the turn.
type Observation struct {
	Round      int
	Text       string
	NewRecords []ToolCallRecord
}

// ObserveFunc is the per-sub-step callback. Returning an error aborts the
// turn at the next boundary; this is the cooperative cancellation point.
type ObserveFunc func(ctx context.Context, obs Observation) error

// TurnRequest is everything one reasoning turn needs.
type TurnRequest struct {
	System  string
	User    string
	Tools   []ToolDef
	Execute ToolExecutor
	Observe ObserveFunc
}

// TurnResult is the turn's final output.
type TurnResult struct {
	Text    string
	Typed   *plan.StructuredResponse
	Records []ToolCallRecord
	Usage   plan.TokenUsage
}

// Runtime runs exactly one reasoning turn.
type Runtime interface {
	Turn(ctx context.Context, req *TurnRequest) (*TurnResult, error)
}
