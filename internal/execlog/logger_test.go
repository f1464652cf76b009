package execlog

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/voidwalker/autopilot/internal/plan"
	"go.uber.org/zap"
)

type fakeInserter struct {
	entries  []plan.ExecutionLogEntry
	failStep bool
}

func (f *fakeInserter) InsertLogEntry(ctx context.Context, e *plan.ExecutionLogEntry) (uuid.UUID, error) {
	if f.failStep && e.Kind == plan.LogAgentAction {
		return uuid.Nil, errors.New("insert failed")
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	f.entries = append(f.entries, *e)
	return e.ID, nil
}

func TestParentWrittenBeforeChildren(t *testing.T) {
	f := &fakeInserter{}
	l := New(f, zap.NewNop())
	ctx := context.Background()

	parent := l.LogStep(ctx, StepEntry{PlanID: uuid.New(), StepID: uuid.New(), Output: "did things"})
	if parent == nil {
		t.Fatal("expected a parent id")
	}
	l.LogToolCall(ctx, parent, ToolEntry{Tool: "computer", Output: "clicked"})

	if len(f.entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(f.entries))
	}
	if f.entries[0].Kind != plan.LogAgentAction {
		t.Error("parent must be written first")
	}
	if f.entries[1].ParentID == nil || *f.entries[1].ParentID != *parent {
		t.Error("child must reference the parent entry")
	}
}

func TestOrphanedToolCallsStillWritten(t *testing.T) {
	f := &fakeInserter{failStep: true}
	l := New(f, zap.NewNop())
	ctx := context.Background()

	parent := l.LogStep(ctx, StepEntry{PlanID: uuid.New(), StepID: uuid.New()})
	if parent != nil {
		t.Fatal("expected nil parent id on insert failure")
	}
	l.LogToolCall(ctx, parent, ToolEntry{Tool: "shell", Output: "ls"})

	if len(f.entries) != 1 {
		t.Fatalf("orphaned tool call was dropped; got %d entries", len(f.entries))
	}
	if f.entries[0].ParentID != nil {
		t.Error("orphan must carry a nil parent reference")
	}
}
