package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/voidwalker/autopilot/internal/plan"
)

// ErrPlanNotFound is returned when no plan matches the lookup.
var ErrPlanNotFound = errors.New("plan not found")

// GetPlan loads a plan and its steps ordered by step order.
func (s *Store) GetPlan(ctx context.Context, id uuid.UUID) (*plan.Plan, error) {
	var p plan.Plan
	err := s.db.QueryRow(ctx, `
		SELECT id, instance_id, title, status, completed_steps, total_steps,
		       COALESCE(failure_reason, ''), created_at, updated_at
		FROM plans WHERE id = $1`, id,
	).Scan(&p.ID, &p.InstanceID, &p.Title, &p.Status, &p.CompletedSteps,
		&p.TotalSteps, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}

	steps, err := s.GetSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Steps = steps
	return &p, nil
}

// FindActivePlanByInstance returns the earliest non-terminal plan for an
// instance, preferring one already in progress.
func (s *Store) FindActivePlanByInstance(ctx context.Context, instanceID string) (*plan.Plan, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx, `
		SELECT id FROM plans
		WHERE instance_id = $1 AND status IN ('in_progress', 'pending')
		ORDER BY (status = 'in_progress') DESC, created_at ASC
		LIMIT 1`, instanceID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active plan: %w", err)
	}
	return s.GetPlan(ctx, id)
}

// GetPlanStatus is the cheap single-column read used by the observation
// callback to detect external pause/stop between tool rounds.
func (s *Store) GetPlanStatus(ctx context.Context, id uuid.UUID) (plan.PlanStatus, error) {
	var status plan.PlanStatus
	err := s.db.QueryRow(ctx, `SELECT status FROM plans WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrPlanNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get plan status: %w", err)
	}
	return status, nil
}

// CreatePlan inserts a plan and its steps in one transaction.
func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create plan: %w", err)
	}
	defer tx.Rollback(ctx)

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = plan.PlanPending
	}
	p.TotalSteps = len(p.Steps)

	_, err = tx.Exec(ctx, `
		INSERT INTO plans (id, instance_id, title, status, completed_steps, total_steps)
		VALUES ($1, $2, $3, $4, 0, $5)`,
		p.ID, p.InstanceID, p.Title, p.Status, p.TotalSteps)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}

	for i := range p.Steps {
		st := &p.Steps[i]
		if st.ID == uuid.Nil {
			st.ID = uuid.New()
		}
		st.PlanID = p.ID
		if st.Status == "" {
			st.Status = plan.StepPending
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO steps (id, plan_id, step_order, title, instructions, status)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			st.ID, st.PlanID, st.Order, st.Title, st.Instructions, st.Status)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", st.Order, err)
		}
	}
	return tx.Commit(ctx)
}

// UpdatePlanStatus sets the plan status and, for failures, the reason.
func (s *Store) UpdatePlanStatus(ctx context.Context, id uuid.UUID, status plan.PlanStatus, reason string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE plans SET status = $2, failure_reason = NULLIF($3, ''), updated_at = now()
		WHERE id = $1`, id, status, reason)
	if err != nil {
		return fmt.Errorf("update plan status: %w", err)
	}
	return nil
}

// UpdatePlanProgress sets the completed-step counter.
func (s *Store) UpdatePlanProgress(ctx context.Context, id uuid.UUID, completed int) error {
	_, err := s.db.Exec(ctx, `
		UPDATE plans SET completed_steps = $2, updated_at = now() WHERE id = $1`,
		id, completed)
	if err != nil {
		return fmt.Errorf("update plan progress: %w", err)
	}
	return nil
}

// GetSteps returns all steps of a plan ordered by step order.
func (s *Store) GetSteps(ctx context.Context, planID uuid.UUID) ([]plan.Step, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, plan_id, step_order, title, instructions, status,
		       COALESCE(result, ''), started_at, finished_at
		FROM steps WHERE plan_id = $1 ORDER BY step_order ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("get steps: %w", err)
	}
	defer rows.Close()

	var steps []plan.Step
	for rows.Next() {
		var st plan.Step
		if err := rows.Scan(&st.ID, &st.PlanID, &st.Order, &st.Title, &st.Instructions,
			&st.Status, &st.Result, &st.StartedAt, &st.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// UpdateStepStatus transitions a step. Terminal steps are never mutated:
// the guard in the WHERE clause makes a re-run of an already-finished step
// a no-op rather than an overwrite.
func (s *Store) UpdateStepStatus(ctx context.Context, id uuid.UUID, status plan.StepStatus, result string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE steps SET status = $2, result = NULLIF($3, ''),
		       started_at = COALESCE(started_at, CASE WHEN $2 = 'in_progress' THEN now() END),
		       finished_at = CASE WHEN $2 IN ('completed', 'failed', 'canceled') THEN now() ELSE finished_at END
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'canceled')`,
		id, status, result)
	if err != nil {
		return fmt.Errorf("update step status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Debug("step status update skipped, step already terminal")
	}
	return nil
}

// MarkPlanStarted flips a pending plan to in_progress.
func (s *Store) MarkPlanStarted(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE plans SET status = 'in_progress', updated_at = now()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("mark plan started: %w", err)
	}
	return nil
}

// Ping verifies connectivity; used by health checks and tests.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
