package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"outreach-orchestrator/internal/models"
)

// CreateSession inserts a new workflow session at the first step.
func (s *Store) CreateSession(ctx context.Context, userID string) (models.WorkflowSession, error) {
	now := time.Now().UTC()
	sess := models.WorkflowSession{
		ID:             uuid.New().String(),
		UserID:         userID,
		CurrentStep:    models.StepUploadCSV,
		Status:         models.SessionActive,
		Configuration:  map[string]any{},
		StepsCompleted: []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_sessions (id, user_id, current_step, status, configuration_data, steps_completed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '{}'::jsonb, '[]'::jsonb, $5, $5)
	`, sess.ID, sess.UserID, sess.CurrentStep, sess.Status, now)
	if err != nil {
		return models.WorkflowSession{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

const sessionColumns = `id, user_id, current_step, status, configuration_data, steps_completed, error_message, created_at, updated_at`

func scanSession(row pgx.Row) (models.WorkflowSession, error) {
	var (
		sess      models.WorkflowSession
		cfgJSON   []byte
		stepsJSON []byte
		errMsg    pgtype.Text
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.CurrentStep, &sess.Status,
		&cfgJSON, &stepsJSON, &errMsg, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WorkflowSession{}, ErrNotFound
	}
	if err != nil {
		return models.WorkflowSession{}, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal(cfgJSON, &sess.Configuration); err != nil {
		return models.WorkflowSession{}, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := json.Unmarshal(stepsJSON, &sess.StepsCompleted); err != nil {
		return models.WorkflowSession{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	sess.ErrorMessage = textPtr(errMsg)
	return sess, nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (models.WorkflowSession, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM workflow_sessions WHERE id = $1`, id)
	return scanSession(row)
}

// SaveSession persists step, status, configuration, completed steps, and
// error message in one write.
func (s *Store) SaveSession(ctx context.Context, sess models.WorkflowSession) error {
	cfgJSON, err := json.Marshal(sess.Configuration)
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}
	stepsJSON, err := json.Marshal(sess.StepsCompleted)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_sessions
		SET current_step = $2, status = $3, configuration_data = $4, steps_completed = $5, error_message = $6, updated_at = NOW()
		WHERE id = $1
	`, sess.ID, sess.CurrentStep, sess.Status, cfgJSON, stepsJSON, sess.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
