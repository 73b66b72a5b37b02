package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"outreach-orchestrator/internal/models"
)

// Batch outcome labels used by IncrementBatch.
const (
	OutcomeEnriched  = "enriched"
	OutcomeGenerated = "generated_emails"
	OutcomeFailed    = "failed"
)

// CreateBatch inserts a RUNNING batch with its member total.
func (s *Store) CreateBatch(ctx context.Context, b models.Batch) (models.Batch, error) {
	b.Status = models.BatchRunning
	b.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO batches (id, user_id, session_id, campaign_id, job_type, total, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, b.ID, b.UserID, emptyToNil(b.SessionID), emptyToNil(b.CampaignID), b.JobType, b.Total, b.Status, b.CreatedAt)
	if err != nil {
		return models.Batch{}, fmt.Errorf("insert batch: %w", err)
	}
	return b, nil
}

func scanBatch(row pgx.Row) (models.Batch, error) {
	var (
		b           models.Batch
		sessionID   pgtype.Text
		campaignID  pgtype.Text
		completedAt pgtype.Timestamptz
	)
	err := row.Scan(&b.ID, &b.UserID, &sessionID, &campaignID, &b.JobType,
		&b.Total, &b.Enriched, &b.GeneratedEmails, &b.Failed, &b.Status, &b.CreatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Batch{}, ErrNotFound
	}
	if err != nil {
		return models.Batch{}, fmt.Errorf("scan batch: %w", err)
	}
	if sessionID.Valid {
		b.SessionID = sessionID.String
	}
	if campaignID.Valid {
		b.CampaignID = campaignID.String
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	return b, nil
}

const batchColumns = `id, user_id, session_id, campaign_id, job_type, total, enriched, generated_emails, failed, status, created_at, completed_at`

// GetBatch fetches a batch by id.
func (s *Store) GetBatch(ctx context.Context, id string) (models.Batch, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	return scanBatch(row)
}

// IncrementBatch bumps one outcome counter and returns the updated record.
// A single UPDATE..RETURNING keeps the increment-and-read atomic under
// concurrent completions from multiple workers.
func (s *Store) IncrementBatch(ctx context.Context, id, outcome string) (models.Batch, error) {
	var column string
	switch outcome {
	case OutcomeEnriched:
		column = "enriched"
	case OutcomeGenerated:
		column = "generated_emails"
	case OutcomeFailed:
		column = "failed"
	default:
		return models.Batch{}, fmt.Errorf("unknown batch outcome %q", outcome)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE batches SET `+column+` = `+column+` + 1
		WHERE id = $1
		RETURNING `+batchColumns+`
	`, id)
	return scanBatch(row)
}

// MarkBatchTerminal sets the terminal status exactly once: the RUNNING guard
// means only one of the racing final completions wins.
func (s *Store) MarkBatchTerminal(ctx context.Context, id, status string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches SET status = $2, completed_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, status, models.BatchRunning)
	if err != nil {
		return false, fmt.Errorf("mark batch terminal: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
