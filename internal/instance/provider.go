// Package instance connects the orchestrator to the remote compute sandbox
// the agent controls. The orchestrator never creates or destroys instances;
// it only connects, resumes, and probes them.
package instance

import (
	"context"
	"errors"

	"github.com/voidwalker/autopilot/internal/plan"
)

// Tool names on the instance tool surface.
const (
	ToolShell     = "shell"
	ToolComputer  = "computer"
	ToolEditFile  = "edit_file"
	ToolWebSearch = "web_search"
)

// Non-retryable error classes. Tool wrappers short-circuit on these
// regardless of remaining retry budget.
var (
	ErrAuthRequired    = errors.New("authentication required")
	ErrNotFound        = errors.New("resource not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Fatal reports whether err belongs to a non-retryable class.
func Fatal(err error) bool {
	return errors.Is(err, ErrAuthRequired) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidArgument)
}

// Result is the outcome of one tool execution. IsError marks a tool that
// ran but reported failure in its payload, as opposed to a transport-level
// error returned alongside.
type Result struct {
	Text       string `json:"text"`
	Screenshot []byte `json:"-"`
	IsError    bool   `json:"is_error"`
}

// Capabilities describes what the connected instance exposes. Plans require
// ComputerControl; the rest degrade individual tools.
type Capabilities struct {
	ComputerControl bool `json:"computer_control"`
	Shell           bool `json:"shell"`
	FileEdit        bool `json:"file_edit"`
	WebSearch       bool `json:"web_search"`
}

// ToolSurface executes tools on a connected instance.
type ToolSurface interface {
	Execute(ctx context.Context, tool string, argsJSON string) (*Result, error)
}

// Provider is the remote instance provider contract. The orchestrator
// depends only on this, not on any provider's wire format.
type Provider interface {
	Status(ctx context.Context, instanceID string) (plan.InstanceStatus, error)
	Resume(ctx context.Context, instanceID string) error
	Connect(ctx context.Context, instanceID string) (ToolSurface, Capabilities, error)
}
