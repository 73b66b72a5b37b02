package worker

import (
	"context"
	"errors"

	"outreach-orchestrator/internal/clients"
	"outreach-orchestrator/internal/models"
)

// EmailHandler generates one AI outreach draft per job.
type EmailHandler struct {
	prospects clients.ProspectSource
	generator clients.EmailGenerator
}

// NewEmailHandler wires the generation client.
func NewEmailHandler(prospects clients.ProspectSource, generator clients.EmailGenerator) *EmailHandler {
	return &EmailHandler{prospects: prospects, generator: generator}
}

// Email generation job payload accepted from the queue.
type emailPayload struct {
	ProspectID string `json:"prospect_id"`
	CampaignID string `json:"campaign_id"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
}

// Process implements the email-generation processor.
func (h *EmailHandler) Process(ctx context.Context, job models.Job, report ProgressFunc) (any, error) {
	var payload emailPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	if payload.ProspectID == "" {
		return nil, Terminal(errors.New("prospect_id is required"))
	}

	prospect, err := h.prospects.GetProspect(ctx, payload.ProspectID)
	if err != nil {
		return nil, err
	}

	report(models.Progress{Percent: 10, Total: 1, Message: "generating email"})
	body, err := h.generator.Generate(ctx, clients.EmailRequest{
		Prospect:   prospect,
		CampaignID: payload.CampaignID,
		Provider:   payload.Provider,
		Model:      payload.Model,
	})
	if err != nil {
		return nil, err
	}
	if body == "" {
		return nil, Transient(errors.New("generator returned an empty draft"))
	}

	if err := h.prospects.SaveGeneratedEmail(ctx, prospect.ID, body); err != nil {
		return nil, err
	}
	report(models.Progress{Percent: 100, Processed: 1, Total: 1, Message: "email generated"})

	return map[string]any{"prospect_id": prospect.ID, "chars": len(body)}, nil
}
