package batch

import (
	"context"
	"encoding/json"
	"errors"

	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/worker"
)

// Batch job payload accepted from the queue. The batch job itself completes
// as soon as fan-out is enqueued; member terminality is tracked by the
// coordinator hooks, not by this job.
type batchJobPayload struct {
	ProspectIDs []string       `json:"prospect_ids"`
	CampaignID  string         `json:"campaign_id"`
	SessionID   string         `json:"session_id"`
	Options     map[string]any `json:"options"`
	Provider    string         `json:"provider"`
	Model       string         `json:"model"`
	MaxAttempts int            `json:"max_attempts"`
}

// EnrichmentProcessor returns the batch-enrichment processor.
func (c *Coordinator) EnrichmentProcessor() worker.Processor {
	return c.fanOutProcessor(models.TypeProspectEnrichment)
}

// EmailProcessor returns the batch-email-generation processor. Unlike batch
// enrichment it fans out email-generation members, each producing a draft
// counted into the batch's generated-emails total.
func (c *Coordinator) EmailProcessor() worker.Processor {
	return c.fanOutProcessor(models.TypeEmailGeneration)
}

func (c *Coordinator) fanOutProcessor(memberType string) worker.Processor {
	return func(ctx context.Context, job models.Job, report worker.ProgressFunc) (any, error) {
		var payload batchJobPayload
		if err := decodePayload(job, &payload); err != nil {
			return nil, err
		}
		if len(payload.ProspectIDs) == 0 {
			return nil, worker.Terminal(errors.New("prospect_ids is required"))
		}

		report(models.Progress{Total: len(payload.ProspectIDs), Message: "starting batch"})
		b, err := c.StartBatch(ctx, StartBatchParams{
			UserID:      job.UserID,
			SessionID:   payload.SessionID,
			CampaignID:  payload.CampaignID,
			ProspectIDs: payload.ProspectIDs,
			JobType:     memberType,
			Options:     payload.Options,
			Provider:    payload.Provider,
			Model:       payload.Model,
			MaxAttempts: payload.MaxAttempts,
		})
		if err != nil {
			return nil, err
		}

		report(models.Progress{Percent: 100, Total: b.Total, Message: "batch enqueued"})
		return map[string]any{"batch_id": b.ID, "total": b.Total}, nil
	}
}

func decodePayload(job models.Job, out *batchJobPayload) error {
	// Same shape discipline as the worker handlers: payload maps are decoded
	// through their typed struct and rejected terminally when malformed.
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return worker.Terminal(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return worker.Terminal(err)
	}
	return nil
}
