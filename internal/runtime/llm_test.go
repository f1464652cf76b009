package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/tmc/langchaingo/llms"
	"github.com/voidwalker/autopilot/internal/instance"
	"github.com/voidwalker/autopilot/internal/plan"
	"github.com/voidwalker/autopilot/internal/toolcall"
	"go.uber.org/zap"
)

// scriptedModel replays one choice per round.
type scriptedModel struct {
	responses []*llms.ContentResponse
	calls     int
}

func (m *scriptedModel) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	if m.calls >= len(m.responses) {
		return nil, errors.New("script exhausted")
	}
	resp := m.responses[m.calls]
	m.calls++
	return resp, nil
}

func (m *scriptedModel) Call(_ context.Context, _ string, _ ...llms.CallOption) (string, error) {
	return "", errors.New("not used")
}

func textChoice(text string, usage map[string]any) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{
		{Content: text, GenerationInfo: usage},
	}}
}

func toolChoice(name, args string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{
		{ToolCalls: []llms.ToolCall{
			{ID: "call-1", FunctionCall: &llms.FunctionCall{Name: name, Arguments: args}},
		}},
	}}
}

func okExecutor(_ context.Context, _, _ string) (*instance.Result, error) {
	return &instance.Result{Text: "done"}, nil
}

func TestTurnEndsAfterReportStatus(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolChoice("computer", `{"action":"navigate","url":"https://example.com"}`),
		toolChoice("report_status", `{"event":"step_completed","step":1,"message":"page loaded"}`),
		textChoice("should never be reached", nil),
	}}
	rt := NewLLMRuntime(model, 5, zap.NewNop())

	res, err := rt.Turn(context.Background(), &TurnRequest{
		System:  "operator",
		User:    "step 1",
		Execute: okExecutor,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Typed == nil || res.Typed.Event != plan.EventStepCompleted || res.Typed.Step != 1 {
		t.Fatalf("typed = %+v", res.Typed)
	}
	if len(res.Records) != 1 || res.Records[0].Tool != "computer" {
		t.Fatalf("records = %+v", res.Records)
	}
	if model.calls != 2 {
		t.Fatalf("model calls = %d, want 2: a reported status ends the turn", model.calls)
	}
}

func TestTurnPlainTextEndsRound(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		textChoice("Step 1 completed, everything published.", map[string]any{
			"PromptTokens": 120, "CompletionTokens": float64(30), "TotalTokens": 150,
		}),
	}}
	rt := NewLLMRuntime(model, 5, zap.NewNop())

	res, err := rt.Turn(context.Background(), &TurnRequest{Execute: okExecutor})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "Step 1 completed, everything published." {
		t.Fatalf("text = %q", res.Text)
	}
	if res.Typed != nil {
		t.Fatal("no typed output expected")
	}
	if res.Usage.PromptTokens != 120 || res.Usage.CompletionTokens != 30 || res.Usage.TotalTokens != 150 {
		t.Fatalf("usage = %+v", res.Usage)
	}
}

func TestTurnObserveErrorAborts(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolChoice("computer", `{"action":"screenshot"}`),
		textChoice("never reached", nil),
	}}
	rt := NewLLMRuntime(model, 5, zap.NewNop())

	sentinel := errors.New("externally paused")
	_, err := rt.Turn(context.Background(), &TurnRequest{
		Execute: okExecutor,
		Observe: func(context.Context, Observation) error { return sentinel },
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want the observe error", err)
	}
	if model.calls != 1 {
		t.Fatalf("model calls = %d, want 1 after abort", model.calls)
	}
}

func TestTurnAbortsOnExecutorFailure(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		toolChoice("shell", `{"command":"ls"}`),
		textChoice("unreachable", nil),
	}}
	rt := NewLLMRuntime(model, 5, zap.NewNop())

	exhausted := fmt.Errorf("%w: tool shell failed 2 retries: transient failure", toolcall.ErrExhausted)
	res, err := rt.Turn(context.Background(), &TurnRequest{
		Execute: func(context.Context, string, string) (*instance.Result, error) {
			return nil, exhausted
		},
	})
	if !errors.Is(err, toolcall.ErrExhausted) {
		t.Fatalf("turn should abort with the executor's error, got %v", err)
	}
	if model.calls != 1 {
		t.Errorf("model called %d times after fatal tool error, want 1", model.calls)
	}
	// The failed attempt still gets recorded so the step log keeps it.
	if len(res.Records) != 1 || res.Records[0].Err == "" {
		t.Fatalf("records = %+v", res.Records)
	}
}

func TestAccumulateUsageMixedTypes(t *testing.T) {
	var u plan.TokenUsage
	accumulateUsage(&u, map[string]any{"PromptTokens": 10, "CompletionTokens": float64(5)})
	accumulateUsage(&u, map[string]any{"PromptTokens": float64(7), "TotalTokens": 22})
	accumulateUsage(&u, nil)
	if u.PromptTokens != 17 || u.CompletionTokens != 5 || u.TotalTokens != 22 {
		t.Fatalf("usage = %+v", u)
	}
}
