package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/voidwalker/autopilot/internal/plan"
)

// ListSessionsByInstance returns all stored auth sessions for an instance,
// most recently used first.
func (s *Store) ListSessionsByInstance(ctx context.Context, instanceID string) ([]plan.AuthSession, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, instance_id, domain, platform, auth_type, state, valid,
		       expires_at, last_used_at, use_count, created_at
		FROM auth_sessions
		WHERE instance_id = $1
		ORDER BY last_used_at DESC NULLS LAST`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []plan.AuthSession
	for rows.Next() {
		var sess plan.AuthSession
		if err := rows.Scan(&sess.ID, &sess.InstanceID, &sess.Domain, &sess.Platform,
			&sess.AuthType, &sess.State, &sess.Valid, &sess.ExpiresAt,
			&sess.LastUsedAt, &sess.UseCount, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SaveSession upserts a session snapshot keyed by instance and domain.
func (s *Store) SaveSession(ctx context.Context, sess *plan.AuthSession) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO auth_sessions (id, instance_id, domain, platform, auth_type, state, valid, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, true, $7)
		ON CONFLICT (instance_id, domain)
		DO UPDATE SET platform = EXCLUDED.platform, auth_type = EXCLUDED.auth_type,
		              state = EXCLUDED.state, valid = true, expires_at = EXCLUDED.expires_at`,
		sess.ID, sess.InstanceID, sess.Domain, sess.Platform, sess.AuthType,
		sess.State, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// TouchSession bumps the usage counter and last-used timestamp.
func (s *Store) TouchSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE auth_sessions SET use_count = use_count + 1, last_used_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// InvalidateSession flags a session as no longer trustworthy.
func (s *Store) InvalidateSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE auth_sessions SET valid = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	return nil
}

// RecordSessionRequest writes an audit row for a session-creation request.
// The orchestrator never authenticates itself; this is bookkeeping for the
// external acquisition flow.
func (s *Store) RecordSessionRequest(ctx context.Context, instanceID, platform, domain string, authType plan.AuthType) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO session_requests (id, instance_id, platform, domain, auth_type)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)`,
		instanceID, platform, domain, authType)
	if err != nil {
		return fmt.Errorf("record session request: %w", err)
	}
	return nil
}
