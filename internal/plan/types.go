package plan

import (
	"time"

	"github.com/google/uuid"
)

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanPending    PlanStatus = "pending"
	PlanInProgress PlanStatus = "in_progress"
	PlanPaused     PlanStatus = "paused"
	PlanCompleted  PlanStatus = "completed"
	PlanFailed     PlanStatus = "failed"
)

// Terminal reports whether the plan can no longer advance.
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanFailed
}

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepCanceled   StepStatus = "canceled"
	StepBlocked    StepStatus = "blocked"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepCanceled
}

// InstanceStatus is the remote sandbox state as reported by its provider.
type InstanceStatus string

const (
	InstanceRunning InstanceStatus = "running"
	InstancePaused  InstanceStatus = "paused"
	InstanceStopped InstanceStatus = "stopped"
	InstanceError   InstanceStatus = "error"
)

// AuthType distinguishes how a stored session authenticates.
type AuthType string

const (
	AuthCookies AuthType = "cookies"
	AuthOAuth   AuthType = "oauth"
)

// Plan is one ordered automation goal executed on a single instance.
type Plan struct {
	ID             uuid.UUID  `json:"id"`
	InstanceID     string     `json:"instance_id"`
	Title          string     `json:"title"`
	Status         PlanStatus `json:"status"`
	Steps          []Step     `json:"steps,omitempty"`
	CompletedSteps int        `json:"completed_steps"`
	TotalSteps     int        `json:"total_steps"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CurrentStep returns the earliest non-terminal step by order, or nil when
// every step is terminal.
func (p *Plan) CurrentStep() *Step {
	var cur *Step
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Status.Terminal() {
			continue
		}
		if cur == nil || s.Order < cur.Order {
			cur = s
		}
	}
	return cur
}

// Step is one unit of agent work within a plan. Order is 1-based and unique
// within the plan.
type Step struct {
	ID           uuid.UUID  `json:"id"`
	PlanID       uuid.UUID  `json:"plan_id"`
	Order        int        `json:"order"`
	Title        string     `json:"title"`
	Instructions string     `json:"instructions"`
	Status       StepStatus `json:"status"`
	Result       string     `json:"result,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// AuthSession is a stored credential bundle for one external platform.
type AuthSession struct {
	ID         uuid.UUID  `json:"id"`
	InstanceID string     `json:"instance_id"`
	Domain     string     `json:"domain"`
	Platform   string     `json:"platform"`
	AuthType   AuthType   `json:"auth_type"`
	State      []byte     `json:"-"`
	Valid      bool       `json:"valid"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	UseCount   int        `json:"use_count"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Expired reports whether the session should no longer be trusted.
func (s *AuthSession) Expired(now time.Time) bool {
	if !s.Valid {
		return true
	}
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// LogKind distinguishes the two execution-log record shapes.
type LogKind string

const (
	LogAgentAction LogKind = "agent_action"
	LogToolCall    LogKind = "tool_call"
)

// ExecutionLogEntry is one append-only audit record. Tool-call entries carry
// a back-reference to the step-level entry written in the same turn.
type ExecutionLogEntry struct {
	ID               uuid.UUID  `json:"id"`
	PlanID           uuid.UUID  `json:"plan_id"`
	StepID           uuid.UUID  `json:"step_id"`
	ParentID         *uuid.UUID `json:"parent_id,omitempty"`
	Kind             LogKind    `json:"kind"`
	Tool             string     `json:"tool,omitempty"`
	Input            string     `json:"input,omitempty"`
	Output           string     `json:"output,omitempty"`
	Screenshot       []byte     `json:"-"`
	DurationMS       int64      `json:"duration_ms"`
	PromptTokens     int        `json:"prompt_tokens,omitempty"`
	CompletionTokens int        `json:"completion_tokens,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// TokenUsage tracks token consumption for one turn.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage from another turn segment.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}
