package plan

// Event is one of the fixed outcome values the agent is contractually
// required to report each turn.
type Event string

const (
	EventStepCompleted         Event = "step_completed"
	EventStepFailed            Event = "step_failed"
	EventStepCanceled          Event = "step_canceled"
	EventPlanFailed            Event = "plan_failed"
	EventPlanNewRequired       Event = "plan_new_required"
	EventSessionAcquired       Event = "session_acquired"
	EventSessionNeeded         Event = "session_needed"
	EventSessionSaved          Event = "session_saved"
	EventUserAttentionRequired Event = "user_attention_required"
)

var knownEvents = map[Event]bool{
	EventStepCompleted:         true,
	EventStepFailed:            true,
	EventStepCanceled:          true,
	EventPlanFailed:            true,
	EventPlanNewRequired:       true,
	EventSessionAcquired:       true,
	EventSessionNeeded:         true,
	EventSessionSaved:          true,
	EventUserAttentionRequired: true,
}

// Valid reports whether e is a member of the event enumeration.
func (e Event) Valid() bool { return knownEvents[e] }

// StepStatus maps an event to the step status it implies. Session and
// attention events leave the step open; their side effects attach at the
// control loop, not here.
func (e Event) StepStatus() StepStatus {
	switch e {
	case EventStepCompleted:
		return StepCompleted
	case EventStepFailed, EventPlanFailed:
		return StepFailed
	case EventStepCanceled:
		return StepCanceled
	default:
		return StepInProgress
	}
}

// StructuredResponse is the canonical {event, step, message} triple extracted
// from agent output. It is never persisted.
type StructuredResponse struct {
	Event   Event  `json:"event"`
	Step    int    `json:"step"`
	Message string `json:"message"`
}

// WellFormed reports whether the triple satisfies the output contract:
// a known event, an integer step, and a non-empty message.
func (r *StructuredResponse) WellFormed() bool {
	return r != nil && r.Event.Valid() && r.Message != ""
}
