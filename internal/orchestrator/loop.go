// Package orchestrator drives one plan step per external invocation. The
// hosting environment gives each invocation a short, stateless lifetime, so
// the loop reconstructs everything it needs from the persistence gateway,
// runs exactly one agent turn, and writes the outcome back before it
// returns.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/voidwalker/autopilot/internal/control"
	"github.com/voidwalker/autopilot/internal/execlog"
	"github.com/voidwalker/autopilot/internal/instance"
	"github.com/voidwalker/autopilot/internal/parser"
	"github.com/voidwalker/autopilot/internal/plan"
	"github.com/voidwalker/autopilot/internal/runtime"
	"github.com/voidwalker/autopilot/internal/session"
	"github.com/voidwalker/autopilot/internal/status"
	"github.com/voidwalker/autopilot/internal/store"
	"github.com/voidwalker/autopilot/internal/toolcall"
	"go.uber.org/zap"
)

// ErrExternallyInterrupted aborts an in-flight turn when another invocation
// or a user action paused or stopped the plan or instance. The turn must
// not race to write stale progress.
var ErrExternallyInterrupted = errors.New("plan externally paused or stopped")

// Gateway is the slice of the persistence layer the loop uses. *store.Store
// satisfies it; tests use fakes.
type Gateway interface {
	GetPlan(ctx context.Context, id uuid.UUID) (*plan.Plan, error)
	FindActivePlanByInstance(ctx context.Context, instanceID string) (*plan.Plan, error)
	GetPlanStatus(ctx context.Context, id uuid.UUID) (plan.PlanStatus, error)
	CreatePlan(ctx context.Context, p *plan.Plan) error
	UpdatePlanStatus(ctx context.Context, id uuid.UUID, s plan.PlanStatus, reason string) error
	UpdatePlanProgress(ctx context.Context, id uuid.UUID, completed int) error
	UpdateStepStatus(ctx context.Context, id uuid.UUID, s plan.StepStatus, result string) error
	MarkPlanStarted(ctx context.Context, id uuid.UUID) error
	RecentStepSummaries(ctx context.Context, planID uuid.UUID, limit int) ([]string, error)
	ListSessionsByInstance(ctx context.Context, instanceID string) ([]plan.AuthSession, error)
}

// Signals reads the live control flags. *control.Flags satisfies it.
type Signals interface {
	State(ctx context.Context, planID uuid.UUID) control.State
}

// AttentionNotifier pings a human; may be nil.
type AttentionNotifier interface {
	UserAttention(ctx context.Context, p *plan.Plan, stepOrder int, message string)
}

// Request is one invocation's input.
type Request struct {
	InstanceID string `json:"instance_id"`
	PlanID     string `json:"plan_id,omitempty"`
	UserNote   string `json:"user_note,omitempty"`
}

// Loop is the per-invocation orchestration state machine.
type Loop struct {
	store       Gateway
	provider    instance.Provider
	guard       *instance.Guard
	sessions    *session.Manager
	detector    *status.Detector
	signals     Signals
	runtime     runtime.Runtime
	execlog     *execlog.Logger
	notifier    AttentionNotifier
	turnTimeout time.Duration
	logger      *zap.Logger
}

// New wires the loop. notifier may be nil; signals must not be.
func New(
	gw Gateway,
	provider instance.Provider,
	guard *instance.Guard,
	sessions *session.Manager,
	detector *status.Detector,
	signals Signals,
	rt runtime.Runtime,
	logs *execlog.Logger,
	notifier AttentionNotifier,
	turnTimeout time.Duration,
	logger *zap.Logger,
) *Loop {
	return &Loop{
		store:       gw,
		provider:    provider,
		guard:       guard,
		sessions:    sessions,
		detector:    detector,
		signals:     signals,
		runtime:     rt,
		execlog:     logs,
		notifier:    notifier,
		turnTimeout: turnTimeout,
		logger:      logger,
	}
}

// ExecuteStep runs one invocation end to end. It never panics and never
// returns an unstructured failure; every path terminates in a Response.
func (l *Loop) ExecuteStep(ctx context.Context, req Request) (resp *Response) {
	var curPlan *plan.Plan
	var curStep *plan.Step

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("orchestrator panic: %v", r)
			l.logger.Error("invocation panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			resp = l.failOut(context.WithoutCancel(ctx), curPlan, curStep, msg)
		}
	}()

	resp, err := l.run(ctx, req, &curPlan, &curStep)
	if err != nil {
		l.logger.Error("invocation failed", zap.Error(err))
		return l.failOut(context.WithoutCancel(ctx), curPlan, curStep, err.Error())
	}
	return resp
}

// failOut persists a failed step/plan where one is known and builds the
// structured error response.
func (l *Loop) failOut(ctx context.Context, p *plan.Plan, st *plan.Step, msg string) *Response {
	if st != nil {
		if err := l.store.UpdateStepStatus(ctx, st.ID, plan.StepFailed, msg); err != nil {
			l.logger.Warn("failed step not persisted", zap.Error(err))
		}
	}
	if p != nil {
		if err := l.store.UpdatePlanStatus(ctx, p.ID, plan.PlanFailed, msg); err != nil {
			l.logger.Warn("failed plan not persisted", zap.Error(err))
		}
	}
	return errorResponse(p, msg)
}

func (l *Loop) run(ctx context.Context, req Request, planOut **plan.Plan, stepOut **plan.Step) (*Response, error) {
	started := time.Now()

	// locating_plan
	p, err := l.locate(ctx, req)
	if err != nil {
		if errors.Is(err, store.ErrPlanNotFound) {
			return &Response{Error: "no active plan for instance"}, nil
		}
		return nil, fmt.Errorf("locate plan: %w", err)
	}
	*planOut = p

	switch p.Status {
	case plan.PlanCompleted:
		// Idempotence: a completed plan is never re-run and its steps are
		// never touched.
		return planCompletedResponse(p), nil
	case plan.PlanFailed:
		return planFailedResponse(p, p.FailureReason), nil
	case plan.PlanPaused:
		return &Response{PlanID: p.ID, Interrupted: true}, nil
	}

	st := p.CurrentStep()
	if st == nil {
		// All steps terminal but the plan row lagged behind.
		if err := l.store.UpdatePlanStatus(ctx, p.ID, plan.PlanCompleted, ""); err != nil {
			return nil, fmt.Errorf("close out finished plan: %w", err)
		}
		return planCompletedResponse(p), nil
	}

	// verifying_instance
	verdict, err := l.guard.Ensure(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("verify instance: %w", err)
	}
	switch verdict.Outcome {
	case instance.OutcomePlanCompleted:
		return planCompletedResponse(p), nil
	case instance.OutcomePaused:
		return instancePausedResponse(p), nil
	case instance.OutcomeFailed:
		return planFailedResponse(p, verdict.Reason), nil
	}

	// preparing_context
	required := l.sessions.DetectRequired(planText(p))
	stored, err := l.store.ListSessionsByInstance(ctx, p.InstanceID)
	if err != nil {
		l.logger.Warn("stored sessions unavailable", zap.Error(err))
	}
	rec := l.sessions.Reconcile(required, stored)

	// A step that targets a platform with no usable session gets guidance
	// before any tool call is attempted for it.
	for _, missing := range append(rec.Missing, expiredRequirements(rec)...) {
		if stepMentions(st, missing) {
			l.sessions.RequestCreation(ctx, p.InstanceID, missing)
			return sessionNeededResponse(p, st, missing), nil
		}
	}
	for _, m := range rec.Available {
		l.sessions.MarkUsed(ctx, m.Session)
	}

	if err := l.store.MarkPlanStarted(ctx, p.ID); err != nil {
		return nil, fmt.Errorf("mark plan started: %w", err)
	}
	if err := l.store.UpdateStepStatus(ctx, st.ID, plan.StepInProgress, ""); err != nil {
		return nil, fmt.Errorf("mark step started: %w", err)
	}
	*stepOut = st

	history, err := l.store.RecentStepSummaries(ctx, p.ID, 5)
	if err != nil {
		l.logger.Warn("history summary unavailable", zap.Error(err))
	}

	// executing_turn
	turnCtx, cancel := context.WithTimeout(ctx, l.turnTimeout)
	defer cancel()

	executor := toolcall.NewExecutor(verdict.Surface, l.attemptObserver(p, st), l.logger)

	// Live status snapshot owned by the loop. The runtime invokes the
	// observation callback sequentially, never concurrently.
	var liveSeen *plan.StructuredResponse

	observe := func(octx context.Context, obs runtime.Observation) error {
		if err := l.checkExternalState(octx, p); err != nil {
			return err
		}
		if r := parser.ParseText(obs.Text); r != nil && r.Step == st.Order {
			liveSeen = r
		}
		return nil
	}

	turnRes, turnErr := l.runtime.Turn(turnCtx, &runtime.TurnRequest{
		System:  systemPrompt,
		User:    buildUserPrompt(p, st, history, rec, req.UserNote),
		Tools:   turnTools(verdict.Caps),
		Execute: executor.Execute,
		Observe: observe,
	})

	if turnErr != nil {
		if errors.Is(turnErr, ErrExternallyInterrupted) {
			// Abort without writing progress; the interrupting party owns
			// the plan state now.
			l.logTurn(context.WithoutCancel(ctx), p, st, turnRes, "turn interrupted", started)
			return &Response{PlanID: p.ID, StepOrder: st.Order, Interrupted: true}, nil
		}
		if errors.Is(turnErr, context.DeadlineExceeded) {
			turnErr = fmt.Errorf("turn exceeded the %s ceiling", l.turnTimeout)
		}
		// Keep whatever the turn managed to do before dying.
		l.logTurn(context.WithoutCancel(ctx), p, st, turnRes, "turn failed: "+turnErr.Error(), started)
		return nil, fmt.Errorf("agent turn: %w", turnErr)
	}

	// detecting_status
	turn := status.TurnOutput{Typed: turnRes.Typed, Text: turnRes.Text}
	detection := l.detector.Detect(turn, st.Order, plan.StepInProgress)
	if detection.Event == "" && liveSeen != nil {
		// The final output carried no event but an intermediate
		// observation did; trust it over the silent ending.
		detection = status.Detection{
			Status: liveSeen.Event.StepStatus(),
			Result: liveSeen.Message,
			Event:  liveSeen.Event,
		}
	}

	// persisting + responding
	l.logTurn(ctx, p, st, turnRes, detection.Result, started)
	resp, err := l.finalize(ctx, p, st, detection, turnRes)
	if err != nil {
		return nil, err
	}
	resp.DurationMS = time.Since(started).Milliseconds()
	return resp, nil
}

func (l *Loop) locate(ctx context.Context, req Request) (*plan.Plan, error) {
	if req.PlanID != "" {
		id, err := uuid.Parse(req.PlanID)
		if err != nil {
			return nil, fmt.Errorf("invalid plan id %q: %w", req.PlanID, err)
		}
		return l.store.GetPlan(ctx, id)
	}
	return l.store.FindActivePlanByInstance(ctx, req.InstanceID)
}

// checkExternalState is the cooperative cancellation gate: re-read the
// persisted plan status, the live control flags, and the instance status,
// not the values captured at loop entry.
func (l *Loop) checkExternalState(ctx context.Context, p *plan.Plan) error {
	st, err := l.store.GetPlanStatus(ctx, p.ID)
	if err != nil {
		l.logger.Warn("plan status re-check failed", zap.Error(err))
	} else if st == plan.PlanPaused || st.Terminal() {
		return fmt.Errorf("%w: plan status is %s", ErrExternallyInterrupted, st)
	}

	flags := l.signals.State(ctx, p.ID)
	if flags.Paused || flags.Stopped {
		return fmt.Errorf("%w: control flag raised", ErrExternallyInterrupted)
	}

	is, err := l.provider.Status(ctx, p.InstanceID)
	if err != nil {
		l.logger.Warn("instance status re-check failed", zap.Error(err))
		return nil
	}
	if is != plan.InstanceRunning {
		return fmt.Errorf("%w: instance is %s", ErrExternallyInterrupted, is)
	}
	return nil
}

func (l *Loop) attemptObserver(p *plan.Plan, st *plan.Step) toolcall.Observer {
	return func(a toolcall.Attempt) {
		fields := []zap.Field{
			zap.String("plan", p.ID.String()),
			zap.Int("step", st.Order),
			zap.String("tool", a.Tool),
			zap.Int("attempt", a.Number),
		}
		switch {
		case a.Err != nil:
			l.logger.Warn("tool call transport failure", append(fields, zap.Error(a.Err))...)
		case a.PayloadError:
			l.logger.Warn("tool call returned error payload", fields...)
		default:
			l.logger.Debug("tool call succeeded", fields...)
		}
	}
}

// logTurn writes the hierarchical audit trail: the step-level entry first,
// then its tool-call children.
func (l *Loop) logTurn(ctx context.Context, p *plan.Plan, st *plan.Step, res *runtime.TurnResult, result string, started time.Time) {
	entry := execlog.StepEntry{
		PlanID:     p.ID,
		StepID:     st.ID,
		Input:      st.Instructions,
		Output:     result,
		DurationMS: time.Since(started).Milliseconds(),
	}
	var records []runtime.ToolCallRecord
	if res != nil {
		entry.Usage = res.Usage
		if result == "" {
			entry.Output = res.Text
		}
		records = res.Records
	}
	parentID := l.execlog.LogStep(ctx, entry)
	for _, rec := range records {
		l.execlog.LogToolCall(ctx, parentID, execlog.ToolEntry{
			PlanID:     p.ID,
			StepID:     st.ID,
			Tool:       rec.Tool,
			Input:      rec.Input,
			Output:     rec.Output,
			Screenshot: rec.Screenshot,
			DurationMS: rec.Duration.Milliseconds(),
		})
	}
}

// finalize applies the detected outcome: step/plan transitions, progress
// counters, and the special-event side effects.
func (l *Loop) finalize(ctx context.Context, p *plan.Plan, st *plan.Step, d status.Detection, res *runtime.TurnResult) (*Response, error) {
	resp := &Response{
		PlanID:     p.ID,
		StepID:     &st.ID,
		StepOrder:  st.Order,
		StepStatus: d.Status,
		StepResult: d.Result,
		Unverified: d.Unverified,
	}

	switch d.Event {
	case plan.EventSessionAcquired, plan.EventSessionSaved:
		l.saveAcquiredSession(ctx, p, d.Result)
		resp.NewSession = true
	case plan.EventSessionNeeded:
		need := l.neededFromMessage(p, d.Result)
		l.sessions.RequestCreation(ctx, p.InstanceID, need)
		resp.SessionNeeded = &SessionNeed{
			Platform:          need.Platform,
			Domain:            need.Domain,
			SuggestedAuthType: need.SuggestedAuthType,
		}
	case plan.EventUserAttentionRequired:
		resp.UserAttentionRequired = true
		resp.Attention = &AttentionInfo{StepOrder: st.Order, Message: d.Result}
		l.logger.Info("plan requires human action",
			zap.String("plan", p.ID.String()),
			zap.Int("step", st.Order),
			zap.String("message", d.Result))
		if l.notifier != nil {
			l.notifier.UserAttention(ctx, p, st.Order, d.Result)
		}
	case plan.EventPlanNewRequired:
		newID, err := l.createReplacementPlan(ctx, p, res)
		if err != nil {
			l.logger.Warn("replacement plan not created", zap.Error(err))
		} else {
			resp.NewPlanID = newID
		}
		resp.NewPlanRequired = true
	}

	switch d.Status {
	case plan.StepCompleted:
		if err := l.store.UpdateStepStatus(ctx, st.ID, plan.StepCompleted, d.Result); err != nil {
			return nil, fmt.Errorf("persist completed step: %w", err)
		}
		completed := completedCount(p, st)
		if err := l.store.UpdatePlanProgress(ctx, p.ID, completed); err != nil {
			return nil, fmt.Errorf("persist progress: %w", err)
		}
		if lastOpenStep(p, st) {
			if err := l.store.UpdatePlanStatus(ctx, p.ID, plan.PlanCompleted, ""); err != nil {
				return nil, fmt.Errorf("persist completed plan: %w", err)
			}
			resp.PlanCompleted = true
			return resp, nil
		}
		resp.RequiresContinuation = true

	case plan.StepFailed:
		if err := l.store.UpdateStepStatus(ctx, st.ID, plan.StepFailed, d.Result); err != nil {
			return nil, fmt.Errorf("persist failed step: %w", err)
		}
		if d.Event == plan.EventPlanFailed || lastOpenStep(p, st) {
			if err := l.store.UpdatePlanStatus(ctx, p.ID, plan.PlanFailed, d.Result); err != nil {
				return nil, fmt.Errorf("persist failed plan: %w", err)
			}
			resp.PlanFailed = true
			resp.FailureReason = d.Result
			return resp, nil
		}
		// Only the step failed; the plan stays open for the next one.
		resp.RequiresContinuation = true

	case plan.StepCanceled:
		if err := l.store.UpdateStepStatus(ctx, st.ID, plan.StepCanceled, d.Result); err != nil {
			return nil, fmt.Errorf("persist canceled step: %w", err)
		}
		resp.RequiresContinuation = !lastOpenStep(p, st)

	default:
		// Session and attention events leave the step open.
		if resp.SessionNeeded == nil && !resp.UserAttentionRequired {
			resp.RequiresContinuation = true
		}
	}

	return resp, nil
}

// saveAcquiredSession persists a snapshot for whichever platform the agent
// says it just logged into. Best effort by design.
func (l *Loop) saveAcquiredSession(ctx context.Context, p *plan.Plan, message string) {
	reqs := l.sessions.DetectRequired(message)
	if len(reqs) == 0 {
		l.logger.Warn("session_acquired without a recognizable platform",
			zap.String("message", message))
		return
	}
	r := reqs[0]
	l.sessions.SaveState(ctx, &plan.AuthSession{
		InstanceID: p.InstanceID,
		Domain:     r.Domain,
		Platform:   r.Platform,
		AuthType:   r.SuggestedAuthType,
	})
}

func (l *Loop) neededFromMessage(p *plan.Plan, message string) session.Required {
	if reqs := l.sessions.DetectRequired(message); len(reqs) > 0 {
		return reqs[0]
	}
	return session.Required{Platform: "unknown", SuggestedAuthType: plan.AuthCookies}
}

// proposedPlan is the replacement-plan shape the agent is asked to emit in
// its plan_new_required message.
type proposedPlan struct {
	Title string `json:"title"`
	Steps []struct {
		Order        int    `json:"order"`
		Title        string `json:"title"`
		Instructions string `json:"instructions"`
	} `json:"steps"`
}

func (l *Loop) createReplacementPlan(ctx context.Context, p *plan.Plan, res *runtime.TurnResult) (*uuid.UUID, error) {
	if res == nil {
		return nil, errors.New("no turn output to propose from")
	}
	var prop proposedPlan
	if err := json.Unmarshal([]byte(extractObject(res.Text)), &prop); err != nil || len(prop.Steps) == 0 {
		return nil, errors.New("no parseable plan proposal in turn output")
	}

	np := &plan.Plan{
		InstanceID: p.InstanceID,
		Title:      prop.Title,
		Status:     plan.PlanPending,
	}
	for i, s := range prop.Steps {
		order := s.Order
		if order == 0 {
			order = i + 1
		}
		np.Steps = append(np.Steps, plan.Step{
			Order:        order,
			Title:        s.Title,
			Instructions: s.Instructions,
		})
	}
	if err := l.store.CreatePlan(ctx, np); err != nil {
		return nil, err
	}
	if err := l.store.UpdatePlanStatus(ctx, p.ID, plan.PlanFailed, "superseded by replacement plan"); err != nil {
		l.logger.Warn("superseded plan not closed", zap.Error(err))
	}
	l.logger.Info("replacement plan created",
		zap.String("old", p.ID.String()),
		zap.String("new", np.ID.String()))
	return &np.ID, nil
}

// extractObject returns the first balanced top-level {...} in s, or s.
func extractObject(s string) string {
	depth, start := 0, -1
	for i, c := range s {
		switch c {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				return s[start : i+1]
			}
		}
	}
	return s
}

func planText(p *plan.Plan) string {
	text := p.Title
	for _, s := range p.Steps {
		text += "\n" + s.Title + "\n" + s.Instructions
	}
	return text
}

func expiredRequirements(rec session.Reconciliation) []session.Required {
	out := make([]session.Required, 0, len(rec.Expired))
	for _, m := range rec.Expired {
		out = append(out, m.Required)
	}
	return out
}

func completedCount(p *plan.Plan, justCompleted *plan.Step) int {
	n := 0
	for i := range p.Steps {
		if p.Steps[i].Status == plan.StepCompleted || p.Steps[i].ID == justCompleted.ID {
			n++
		}
	}
	return n
}

// lastOpenStep reports whether no other step remains open once st closes.
func lastOpenStep(p *plan.Plan, st *plan.Step) bool {
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.ID == st.ID {
			continue
		}
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}
