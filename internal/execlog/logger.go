// Package execlog writes the durable, hierarchical audit trail: one
// step-level entry per turn, tool-call children referencing it. Log writes
// are non-critical; failures degrade to warnings, never to dropped turns.
package execlog

import (
	"context"

	"github.com/google/uuid"
	"github.com/voidwalker/autopilot/internal/plan"
	"go.uber.org/zap"
)

// Inserter is the slice of the persistence gateway the logger needs.
type Inserter interface {
	InsertLogEntry(ctx context.Context, e *plan.ExecutionLogEntry) (uuid.UUID, error)
}

// Logger records step and tool-call entries.
type Logger struct {
	store  Inserter
	logger *zap.Logger
}

// New creates an execution logger.
func New(store Inserter, logger *zap.Logger) *Logger {
	return &Logger{store: store, logger: logger}
}

// StepEntry is the parent record for one turn.
type StepEntry struct {
	PlanID     uuid.UUID
	StepID     uuid.UUID
	Input      string
	Output     string
	DurationMS int64
	Usage      plan.TokenUsage
}

// LogStep writes the step-level entry and returns its id, which parents all
// tool-call entries from the same turn. On failure the id is nil and the
// children are written orphaned rather than dropped.
func (l *Logger) LogStep(ctx context.Context, e StepEntry) *uuid.UUID {
	id, err := l.store.InsertLogEntry(ctx, &plan.ExecutionLogEntry{
		PlanID:           e.PlanID,
		StepID:           e.StepID,
		Kind:             plan.LogAgentAction,
		Input:            e.Input,
		Output:           e.Output,
		DurationMS:       e.DurationMS,
		PromptTokens:     e.Usage.PromptTokens,
		CompletionTokens: e.Usage.CompletionTokens,
	})
	if err != nil {
		l.logger.Warn("step log entry not written, tool calls will be orphaned",
			zap.String("plan", e.PlanID.String()),
			zap.Error(err))
		return nil
	}
	return &id
}

// ToolEntry is one tool-call child record. The screenshot rides only here,
// never on the parent.
type ToolEntry struct {
	PlanID     uuid.UUID
	StepID     uuid.UUID
	Tool       string
	Input      string
	Output     string
	Screenshot []byte
	DurationMS int64
}

// LogToolCall writes one child entry under parentID. parentID may be nil
// when the parent insert failed; the entry is still attempted.
func (l *Logger) LogToolCall(ctx context.Context, parentID *uuid.UUID, e ToolEntry) {
	_, err := l.store.InsertLogEntry(ctx, &plan.ExecutionLogEntry{
		PlanID:     e.PlanID,
		StepID:     e.StepID,
		ParentID:   parentID,
		Kind:       plan.LogToolCall,
		Tool:       e.Tool,
		Input:      e.Input,
		Output:     e.Output,
		Screenshot: e.Screenshot,
		DurationMS: e.DurationMS,
	})
	if err != nil {
		l.logger.Warn("tool call log entry not written",
			zap.String("tool", e.Tool),
			zap.Error(err))
	}
}
