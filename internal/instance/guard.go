package instance

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/voidwalker/autopilot/internal/plan"
	"go.uber.org/zap"
)

// PlanMarker is the slice of the persistence gateway the guard needs to
// record a terminal instance failure.
type PlanMarker interface {
	UpdatePlanStatus(ctx context.Context, id uuid.UUID, status plan.PlanStatus, reason string) error
}

// Outcome classifies the guard's verdict.
type Outcome int

const (
	// OutcomeReady means the instance is running, capable, and focused.
	OutcomeReady Outcome = iota
	// OutcomePlanCompleted means the instance is unusable but the plan had
	// already finished; nothing to do.
	OutcomePlanCompleted
	// OutcomePaused means the instance is paused and auto-resume is off or
	// failed non-terminally; the caller should wait for a manual resume.
	OutcomePaused
	// OutcomeFailed means the plan was marked failed because the instance
	// cannot run it.
	OutcomeFailed
)

// Verdict is the guard's answer: a usable tool surface or a definitive
// cannot-proceed signal.
type Verdict struct {
	Outcome Outcome
	Reason  string
	Surface ToolSurface
	Caps    Capabilities
}

// Guard validates and prepares an instance before a turn runs on it.
type Guard struct {
	provider   Provider
	plans      PlanMarker
	autoResume bool
	logger     *zap.Logger
}

// NewGuard creates a lifecycle guard. autoResume controls whether a paused
// instance gets a best-effort resume call before the state re-evaluation.
func NewGuard(provider Provider, plans PlanMarker, autoResume bool, logger *zap.Logger) *Guard {
	return &Guard{provider: provider, plans: plans, autoResume: autoResume, logger: logger}
}

// Ensure returns a usable handle for the plan's instance or a definitive
// cannot-proceed verdict. It mutates the plan row only for the terminal
// "instance not running" case.
func (g *Guard) Ensure(ctx context.Context, p *plan.Plan) (*Verdict, error) {
	status, err := g.provider.Status(ctx, p.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("fetch instance status: %w", err)
	}

	if status == plan.InstancePaused {
		if !g.autoResume {
			g.logger.Info("instance paused, auto-resume disabled",
				zap.String("instance", p.InstanceID))
			return &Verdict{Outcome: OutcomePaused, Reason: "instance paused"}, nil
		}
		// Best effort: a failed resume is not fatal, the re-fetched state
		// decides below.
		if err := g.provider.Resume(ctx, p.InstanceID); err != nil {
			g.logger.Warn("instance resume failed",
				zap.String("instance", p.InstanceID), zap.Error(err))
		}
		status, err = g.provider.Status(ctx, p.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("re-fetch instance status: %w", err)
		}
	}

	if status != plan.InstanceRunning {
		if p.Status == plan.PlanCompleted {
			return &Verdict{Outcome: OutcomePlanCompleted,
				Reason: "plan already completed, instance stale"}, nil
		}
		if status == plan.InstancePaused {
			// Resume was attempted and did not take; leave the plan alone
			// and wait for a manual resume.
			return &Verdict{Outcome: OutcomePaused, Reason: "instance paused"}, nil
		}
		reason := "instance not running"
		if err := g.plans.UpdatePlanStatus(ctx, p.ID, plan.PlanFailed, reason); err != nil {
			return nil, fmt.Errorf("mark plan failed: %w", err)
		}
		return &Verdict{Outcome: OutcomeFailed, Reason: reason}, nil
	}

	surface, caps, err := g.provider.Connect(ctx, p.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("connect instance: %w", err)
	}
	if !caps.ComputerControl {
		return nil, fmt.Errorf("instance %s lacks computer-control capability", p.InstanceID)
	}

	// A successful capture proves the instance answers, not that it accepts
	// input; follow with one synthetic neutral click to re-acquire window
	// focus. Focus errors are logged, never fatal.
	if _, err := surface.Execute(ctx, ToolComputer, `{"action":"screenshot"}`); err != nil {
		return nil, fmt.Errorf("instance responsiveness probe: %w", err)
	}
	if _, err := surface.Execute(ctx, ToolComputer, `{"action":"click","x":1,"y":1}`); err != nil {
		g.logger.Warn("focus click failed",
			zap.String("instance", p.InstanceID), zap.Error(err))
	}

	return &Verdict{Outcome: OutcomeReady, Surface: surface, Caps: caps}, nil
}
