package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/voidwalker/autopilot/internal/plan"
	"go.uber.org/zap"
)

// reportStatusTool is the schema-enforced output channel. When the agent
// calls it, its arguments become the turn's typed output.
const reportStatusTool = "report_status"

const defaultMaxToolRounds = 12

// LLMRuntime implements Runtime on a langchaingo model.
type LLMRuntime struct {
	model         llms.Model
	maxToolRounds int
	logger        *zap.Logger
}

// NewLLMRuntime wraps a model. maxToolRounds <= 0 selects the default.
func NewLLMRuntime(model llms.Model, maxToolRounds int, logger *zap.Logger) *LLMRuntime {
	if maxToolRounds <= 0 {
		maxToolRounds = defaultMaxToolRounds
	}
	return &LLMRuntime{model: model, maxToolRounds: maxToolRounds, logger: logger}
}

// Turn runs one tool-calling reasoning turn.
func (r *LLMRuntime) Turn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	messages := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(req.System)}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(req.User)}},
	}

	llmTools := make([]llms.Tool, 0, len(req.Tools)+1)
	for _, t := range req.Tools {
		llmTools = append(llmTools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	llmTools = append(llmTools, llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        reportStatusTool,
			Description: "Report the final status of the current step. Call this exactly once, when the step is finished, failed, canceled, or blocked on something.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"event": map[string]any{
						"type": "string",
						"enum": []string{
							"step_completed", "step_failed", "step_canceled",
							"plan_failed", "plan_new_required", "session_acquired",
							"session_needed", "session_saved", "user_attention_required",
						},
					},
					"step":    map[string]any{"type": "integer"},
					"message": map[string]any{"type": "string"},
				},
				"required": []string{"event", "step", "message"},
			},
		},
	})

	result := &TurnResult{}

	for round := 1; round <= r.maxToolRounds; round++ {
		resp, err := r.model.GenerateContent(ctx, messages, llms.WithTools(llmTools))
		if err != nil {
			return nil, fmt.Errorf("model turn: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("model turn: empty response")
		}
		choice := resp.Choices[0]
		accumulateUsage(&result.Usage, choice.GenerationInfo)

		if choice.Content != "" {
			result.Text = choice.Content
		}

		var assistantParts []llms.ContentPart
		if choice.Content != "" {
			assistantParts = append(assistantParts, llms.TextContent{Text: choice.Content})
		}
		for _, tc := range choice.ToolCalls {
			assistantParts = append(assistantParts, tc)
		}
		messages = append(messages, llms.MessageContent{
			Role:  llms.ChatMessageTypeAI,
			Parts: assistantParts,
		})

		if len(choice.ToolCalls) == 0 {
			return result, nil
		}

		var newRecords []ToolCallRecord
		for _, tc := range choice.ToolCalls {
			if tc.FunctionCall.Name == reportStatusTool {
				var typed plan.StructuredResponse
				if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &typed); err != nil {
					r.logger.Warn("report_status arguments unparseable", zap.Error(err))
				} else {
					result.Typed = &typed
				}
				messages = append(messages, toolResponse(tc, "status recorded"))
				continue
			}

			started := time.Now()
			rec := ToolCallRecord{Tool: tc.FunctionCall.Name, Input: tc.FunctionCall.Arguments}
			res, execErr := req.Execute(ctx, tc.FunctionCall.Name, tc.FunctionCall.Arguments)
			rec.Duration = time.Since(started)
			if execErr != nil {
				// The executor already spent its retry budget; whatever
				// comes back here is terminal for the turn.
				rec.Err = execErr.Error()
				newRecords = append(newRecords, rec)
				result.Records = append(result.Records, rec)
				return result, fmt.Errorf("tool %s: %w", tc.FunctionCall.Name, execErr)
			}
			rec.Output = res.Text
			rec.Screenshot = res.Screenshot
			newRecords = append(newRecords, rec)
			result.Records = append(result.Records, rec)
			messages = append(messages, toolResponse(tc, rec.Output))
		}

		if req.Observe != nil {
			obs := Observation{Round: round, Text: result.Text, NewRecords: newRecords}
			if err := req.Observe(ctx, obs); err != nil {
				return result, err
			}
		}

		// A reported status ends the turn; further rounds would only let
		// the agent wander past its own verdict.
		if result.Typed != nil {
			return result, nil
		}
	}

	r.logger.Warn("turn hit tool-round ceiling", zap.Int("rounds", r.maxToolRounds))
	return result, nil
}

func toolResponse(tc llms.ToolCall, content string) llms.MessageContent {
	return llms.MessageContent{
		Role: llms.ChatMessageTypeTool,
		Parts: []llms.ContentPart{
			llms.ToolCallResponse{
				ToolCallID: tc.ID,
				Name:       tc.FunctionCall.Name,
				Content:    content,
			},
		},
	}
}

func accumulateUsage(u *plan.TokenUsage, info map[string]any) {
	if info == nil {
		return
	}
	u.Add(plan.TokenUsage{
		PromptTokens:     intFrom(info, "PromptTokens"),
		CompletionTokens: intFrom(info, "CompletionTokens"),
		TotalTokens:      intFrom(info, "TotalTokens"),
	})
}

func intFrom(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
