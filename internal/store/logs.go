package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/voidwalker/autopilot/internal/plan"
)

// InsertLogEntry appends one execution-log record and returns its id.
func (s *Store) InsertLogEntry(ctx context.Context, e *plan.ExecutionLogEntry) (uuid.UUID, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO execution_logs
			(id, plan_id, step_id, parent_id, kind, tool, input, output,
			 screenshot, duration_ms, prompt_tokens, completion_tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.PlanID, e.StepID, e.ParentID, e.Kind, e.Tool, e.Input, e.Output,
		e.Screenshot, e.DurationMS, e.PromptTokens, e.CompletionTokens)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert log entry: %w", err)
	}
	return e.ID, nil
}

// ListLogEntries returns log records for a plan, oldest first. Screenshots
// are omitted; they are fetched individually when needed.
func (s *Store) ListLogEntries(ctx context.Context, planID uuid.UUID, limit int) ([]plan.ExecutionLogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, plan_id, step_id, parent_id, kind, COALESCE(tool, ''),
		       COALESCE(input, ''), COALESCE(output, ''), duration_ms,
		       prompt_tokens, completion_tokens, created_at
		FROM execution_logs
		WHERE plan_id = $1
		ORDER BY created_at ASC
		LIMIT $2`, planID, limit)
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	defer rows.Close()

	var entries []plan.ExecutionLogEntry
	for rows.Next() {
		var e plan.ExecutionLogEntry
		if err := rows.Scan(&e.ID, &e.PlanID, &e.StepID, &e.ParentID, &e.Kind, &e.Tool,
			&e.Input, &e.Output, &e.DurationMS, &e.PromptTokens,
			&e.CompletionTokens, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecentStepSummaries returns the step-level outputs of the latest turns,
// newest first, for building the next turn's historical context.
func (s *Store) RecentStepSummaries(ctx context.Context, planID uuid.UUID, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(ctx, `
		SELECT COALESCE(output, '')
		FROM execution_logs
		WHERE plan_id = $1 AND kind = 'agent_action' AND output IS NOT NULL
		ORDER BY created_at DESC
		LIMIT $2`, planID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent step summaries: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, text)
	}
	return out, rows.Err()
}
