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

	"outreach-orchestrator/internal/clients"
)

// Prospect persistence consumed by the worker handlers through the
// clients.ProspectSource interface.

const prospectColumns = `id, user_id, campaign_id, name, email, company, title, enrichment, generated_email`

func scanProspect(row pgx.Row) (clients.Prospect, error) {
	var (
		p          clients.Prospect
		campaignID pgtype.Text
		enrichJSON []byte
		generated  pgtype.Text
	)
	err := row.Scan(&p.ID, &p.UserID, &campaignID, &p.Name, &p.Email, &p.Company, &p.Title, &enrichJSON, &generated)
	if errors.Is(err, pgx.ErrNoRows) {
		return clients.Prospect{}, clients.ErrProspectNotFound
	}
	if err != nil {
		return clients.Prospect{}, fmt.Errorf("scan prospect: %w", err)
	}
	if campaignID.Valid {
		p.CampaignID = campaignID.String
	}
	if err := json.Unmarshal(enrichJSON, &p.Enrichment); err != nil {
		return clients.Prospect{}, fmt.Errorf("unmarshal enrichment: %w", err)
	}
	if generated.Valid {
		p.GeneratedEmail = generated.String
	}
	return p, nil
}

// GetProspect fetches a prospect by id.
func (s *Store) GetProspect(ctx context.Context, id string) (clients.Prospect, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+prospectColumns+` FROM prospects WHERE id = $1`, id)
	return scanProspect(row)
}

// ListProspects returns prospects for a user, optionally one campaign.
func (s *Store) ListProspects(ctx context.Context, userID, campaignID string) ([]clients.Prospect, error) {
	var rows pgx.Rows
	var err error
	if campaignID != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT `+prospectColumns+` FROM prospects
			WHERE user_id = $1 AND campaign_id = $2 ORDER BY created_at ASC
		`, userID, campaignID)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+prospectColumns+` FROM prospects
			WHERE user_id = $1 ORDER BY created_at ASC
		`, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("query prospects: %w", err)
	}
	defer rows.Close()

	out := []clients.Prospect{}
	for rows.Next() {
		p, err := scanProspect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveEnrichment merges an enrichment result into the prospect record.
func (s *Store) SaveEnrichment(ctx context.Context, prospectID string, data map[string]any) error {
	enrichJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal enrichment: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE prospects SET enrichment = enrichment || $2::jsonb, updated_at = NOW() WHERE id = $1
	`, prospectID, enrichJSON)
	if err != nil {
		return fmt.Errorf("save enrichment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return clients.ErrProspectNotFound
	}
	return nil
}

// SaveGeneratedEmail stores the AI-written draft on the prospect.
func (s *Store) SaveGeneratedEmail(ctx context.Context, prospectID, body string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE prospects SET generated_email = $2, updated_at = NOW() WHERE id = $1
	`, prospectID, body)
	if err != nil {
		return fmt.Errorf("save generated email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return clients.ErrProspectNotFound
	}
	return nil
}

// UpsertProspect inserts or updates one imported row.
func (s *Store) UpsertProspect(ctx context.Context, p clients.Prospect) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO prospects (id, user_id, campaign_id, name, email, company, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, email = EXCLUDED.email, company = EXCLUDED.company,
		    title = EXCLUDED.title, updated_at = EXCLUDED.updated_at
	`, p.ID, p.UserID, emptyToNil(p.CampaignID), p.Name, p.Email, p.Company, p.Title, now)
	if err != nil {
		return fmt.Errorf("upsert prospect: %w", err)
	}
	return nil
}

// PendingImportRows returns rows staged by the CSV layer for an import job.
func (s *Store) PendingImportRows(ctx context.Context, importID string) ([]clients.Prospect, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, campaign_id, name, email, company, title
		FROM import_rows WHERE import_id = $1 ORDER BY row_num ASC
	`, importID)
	if err != nil {
		return nil, fmt.Errorf("query import rows: %w", err)
	}
	defer rows.Close()

	out := []clients.Prospect{}
	for rows.Next() {
		var p clients.Prospect
		var campaignID pgtype.Text
		if err := rows.Scan(&p.UserID, &campaignID, &p.Name, &p.Email, &p.Company, &p.Title); err != nil {
			return nil, fmt.Errorf("scan import row: %w", err)
		}
		if campaignID.Valid {
			p.CampaignID = campaignID.String
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
