// Package clients defines the external collaborators the worker handlers
// call: enrichment providers, the AI email generator, and prospect storage.
// The orchestrator only depends on these interfaces; concrete providers are
// wired at process start.
package clients

import (
	"context"
	"errors"
	"fmt"
)

// ErrProspectNotFound signals that a referenced prospect no longer exists.
// Handlers treat it as a terminal failure: retrying cannot make it appear.
var ErrProspectNotFound = errors.New("prospect not found")

// Prospect is the slice of the CRM record the pipeline reads and writes.
type Prospect struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	CampaignID     string         `json:"campaign_id,omitempty"`
	Name           string         `json:"name"`
	Email          string         `json:"email"`
	Company        string         `json:"company"`
	Title          string         `json:"title"`
	Enrichment     map[string]any `json:"enrichment,omitempty"`
	GeneratedEmail string         `json:"generated_email,omitempty"`
}

// Enricher looks up one enrichment facet (LinkedIn profile, company data,
// tech stack) for a prospect.
type Enricher interface {
	Enrich(ctx context.Context, p Prospect) (map[string]any, error)
}

// EmailRequest carries the inputs for AI email generation.
type EmailRequest struct {
	Prospect   Prospect
	CampaignID string
	Provider   string
	Model      string
}

// EmailGenerator produces an outreach draft for a prospect.
type EmailGenerator interface {
	Generate(ctx context.Context, req EmailRequest) (string, error)
}

// ProspectSource is the storage collaborator the handlers read prospects
// from and write results back to.
type ProspectSource interface {
	GetProspect(ctx context.Context, id string) (Prospect, error)
	ListProspects(ctx context.Context, userID, campaignID string) ([]Prospect, error)
	SaveEnrichment(ctx context.Context, prospectID string, data map[string]any) error
	SaveGeneratedEmail(ctx context.Context, prospectID, body string) error
	UpsertProspect(ctx context.Context, p Prospect) error
	PendingImportRows(ctx context.Context, importID string) ([]Prospect, error)
}

// ProviderError is a failed call to an external enrichment or AI provider,
// carrying the upstream HTTP status for retry classification.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.Status, e.Body)
}

// Retryable reports whether the failure is worth another attempt:
// rate limits and server errors are; other client errors are not.
func (e *ProviderError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}
