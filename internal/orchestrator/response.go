package orchestrator

import (
	"github.com/google/uuid"
	"github.com/voidwalker/autopilot/internal/plan"
	"github.com/voidwalker/autopilot/internal/session"
)

// SessionNeed tells the caller which platform the agent cannot act on.
type SessionNeed struct {
	Platform          string        `json:"platform"`
	Domain            string        `json:"domain"`
	SuggestedAuthType plan.AuthType `json:"suggested_auth_type"`
}

// AttentionInfo carries the structured "requires human action" payload.
type AttentionInfo struct {
	StepOrder int    `json:"step_order"`
	Message   string `json:"message"`
}

// Response is the caller-facing result of one invocation. It is always
// well formed; uncaught failures surface in Error, never as a bare crash.
type Response struct {
	PlanID        uuid.UUID `json:"plan_id,omitempty"`
	PlanCompleted bool      `json:"plan_completed"`
	PlanFailed    bool      `json:"plan_failed"`
	FailureReason string    `json:"failure_reason,omitempty"`

	NewPlanRequired bool       `json:"new_plan_required,omitempty"`
	NewPlanID       *uuid.UUID `json:"new_plan_id,omitempty"`
	NewSession      bool       `json:"new_session,omitempty"`

	UserAttentionRequired bool           `json:"user_attention_required,omitempty"`
	Attention             *AttentionInfo `json:"attention,omitempty"`
	SessionNeeded         *SessionNeed   `json:"session_needed,omitempty"`

	InstancePaused bool `json:"instance_paused,omitempty"`
	Interrupted    bool `json:"interrupted,omitempty"`

	// RequiresContinuation is true whenever the plan is not yet terminal
	// and nothing blocks an immediate re-invocation.
	RequiresContinuation bool `json:"requires_continuation"`

	StepID     *uuid.UUID      `json:"step_id,omitempty"`
	StepOrder  int             `json:"step_order,omitempty"`
	StepStatus plan.StepStatus `json:"step_status,omitempty"`
	StepResult string          `json:"step_result,omitempty"`
	Unverified bool            `json:"unverified,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`

	Error string `json:"error,omitempty"`
}

func planCompletedResponse(p *plan.Plan) *Response {
	return &Response{PlanID: p.ID, PlanCompleted: true}
}

func planFailedResponse(p *plan.Plan, reason string) *Response {
	return &Response{PlanID: p.ID, PlanFailed: true, FailureReason: reason}
}

func instancePausedResponse(p *plan.Plan) *Response {
	// Scenario: paused instance. The plan stays untouched; continuation
	// waits on a manual resume, so the flag stays false.
	return &Response{PlanID: p.ID, InstancePaused: true}
}

func sessionNeededResponse(p *plan.Plan, st *plan.Step, req session.Required) *Response {
	return &Response{
		PlanID:    p.ID,
		StepID:    &st.ID,
		StepOrder: st.Order,
		SessionNeeded: &SessionNeed{
			Platform:          req.Platform,
			Domain:            req.Domain,
			SuggestedAuthType: req.SuggestedAuthType,
		},
		// Re-invoking without a new session would spin; the caller must
		// supply credentials first.
		RequiresContinuation: false,
	}
}

func errorResponse(p *plan.Plan, msg string) *Response {
	r := &Response{Error: msg, PlanFailed: true, FailureReason: msg}
	if p != nil {
		r.PlanID = p.ID
	}
	return r
}
