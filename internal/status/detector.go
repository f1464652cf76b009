// Package status maps agent turn output to one canonical step status via a
// priority cascade with a failsafe. The cascade tolerates agents that bend
// the output contract; a fully silent agent is a terminal failure.
package status

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/voidwalker/autopilot/internal/parser"
	"github.com/voidwalker/autopilot/internal/plan"
	"go.uber.org/zap"
)

// NonComplianceMessage flags an agent that honored no part of the output
// contract. This is user-visible; retrying a non-compliant agent rarely
// self-corrects without new guidance.
const NonComplianceMessage = "agent did not report step status in the required format"

// TurnOutput is what the agent runtime hands back after one turn.
type TurnOutput struct {
	Typed *plan.StructuredResponse
	Text  string
}

// Detection is the final verdict on a step.
type Detection struct {
	Status plan.StepStatus
	Result string
	Event  plan.Event
	// Unverified marks a completion forced by the failsafe rather than
	// reported by the agent.
	Unverified bool
}

// Detector resolves a turn's output to a step status.
type Detector struct {
	logger *zap.Logger
}

// NewDetector creates a detector.
func NewDetector(logger *zap.Logger) *Detector {
	return &Detector{logger: logger}
}

// phraseRe matches the literal "step N finished|completed|failed|canceled"
// fallback; N is validated against the current order by the caller pattern.
var phraseRe = regexp.MustCompile(`(?i)step\s+(\d+)\s+(finished|completed|failed|cancell?ed)`)

// Detect resolves the step outcome. Only evaluated when the prior status is
// in_progress; any other prior status is returned untouched.
func (d *Detector) Detect(turn TurnOutput, currentOrder int, prior plan.StepStatus) Detection {
	if prior != plan.StepInProgress {
		return Detection{Status: prior}
	}

	// 1–2. Typed output, if well formed and aimed at the current step.
	if turn.Typed != nil && turn.Typed.WellFormed() {
		if turn.Typed.Step == currentOrder {
			return Detection{
				Status: turn.Typed.Event.StepStatus(),
				Result: turn.Typed.Message,
				Event:  turn.Typed.Event,
			}
		}
		d.logger.Warn("typed response targets wrong step",
			zap.Int("reported", turn.Typed.Step),
			zap.Int("current", currentOrder))
	}

	// 3. Parse the raw text; accept only on order match.
	if r := parser.ParseText(turn.Text); r != nil {
		if r.Step == currentOrder {
			return Detection{Status: r.Event.StepStatus(), Result: r.Message, Event: r.Event}
		}
		d.logger.Warn("parsed response targets wrong step",
			zap.Int("reported", r.Step),
			zap.Int("current", currentOrder))
	}

	// 4. Literal phrase scan for the current step order.
	if s, ok := phraseStatus(turn.Text, currentOrder); ok {
		return Detection{Status: s, Result: strings.TrimSpace(turn.Text)}
	}

	// 5. No signal at all: terminal, user-visible failure.
	if strings.TrimSpace(turn.Text) == "" {
		return Detection{Status: plan.StepFailed, Result: NonComplianceMessage}
	}

	// 6. Failsafe: the agent produced output but no recognizable status.
	// Forcing completed keeps the plan from deadlocking on an agent that
	// did useful work with slightly wrong formatting.
	d.logger.Warn("forcing step completion from unstructured output",
		zap.Int("step", currentOrder))
	return Detection{
		Status:     plan.StepCompleted,
		Result:     strings.TrimSpace(turn.Text),
		Unverified: true,
	}
}

func phraseStatus(text string, currentOrder int) (plan.StepStatus, bool) {
	for _, m := range phraseRe.FindAllStringSubmatch(text, -1) {
		if m[1] != fmt.Sprint(currentOrder) {
			continue
		}
		switch strings.ToLower(m[2]) {
		case "finished", "completed":
			return plan.StepCompleted, true
		case "failed":
			return plan.StepFailed, true
		default:
			return plan.StepCanceled, true
		}
	}
	return "", false
}
