// Package batch fans batch requests out into per-prospect jobs and folds
// their terminal outcomes back into one aggregate status.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/store"
	"outreach-orchestrator/internal/telemetry"
	"outreach-orchestrator/internal/worker"
)

// Store is the batch and job persistence the coordinator needs.
type Store interface {
	CreateBatch(ctx context.Context, b models.Batch) (models.Batch, error)
	GetBatch(ctx context.Context, id string) (models.Batch, error)
	IncrementBatch(ctx context.Context, id, outcome string) (models.Batch, error)
	MarkBatchTerminal(ctx context.Context, id, status string) (bool, error)
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
}

// Enqueuer pushes created jobs into their queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID, jobType, priority string, runAt time.Time) error
}

// SessionNotifier tracks batch lifecycle on the owning workflow session,
// implemented by the workflow machine. The start notification binds the
// batch id to the session; the terminal one completes or errors its step.
type SessionNotifier interface {
	HandleBatchStarted(ctx context.Context, sessionID, batchID string) error
	HandleBatchTerminal(ctx context.Context, sessionID, jobType, batchID, batchStatus string) error
}

// Coordinator owns batch lifecycle: fan-out at start, counter aggregation on
// member terminal transitions, exactly-once terminal status.
type Coordinator struct {
	store    Store
	queue    Enqueuer
	hub      worker.Publisher
	sessions SessionNotifier
	log      *zap.Logger
}

// NewCoordinator wires the coordinator. The session notifier may be nil when
// batches run outside a workflow.
func NewCoordinator(st Store, q Enqueuer, hub worker.Publisher, log *zap.Logger) *Coordinator {
	return &Coordinator{store: st, queue: q, hub: hub, log: log}
}

// SetSessionNotifier attaches the workflow machine after construction,
// breaking the construction-order knot between the two.
func (c *Coordinator) SetSessionNotifier(n SessionNotifier) { c.sessions = n }

// StartBatchParams describes one batch fan-out.
type StartBatchParams struct {
	UserID      string
	SessionID   string
	CampaignID  string
	ProspectIDs []string
	// JobType is the member job type, prospect-enrichment or
	// email-generation.
	JobType     string
	Options     map[string]any
	Provider    string
	Model       string
	MaxAttempts int
}

// StartBatch creates the batch record and enqueues one member job per
// prospect, all tagged with the batch id.
func (c *Coordinator) StartBatch(ctx context.Context, p StartBatchParams) (models.Batch, error) {
	if len(p.ProspectIDs) == 0 {
		return models.Batch{}, errors.New("at least one prospect id is required")
	}
	if p.JobType != models.TypeProspectEnrichment && p.JobType != models.TypeEmailGeneration {
		return models.Batch{}, fmt.Errorf("unsupported batch member type %q", p.JobType)
	}

	b, err := c.store.CreateBatch(ctx, models.Batch{
		ID:         uuid.New().String(),
		UserID:     p.UserID,
		SessionID:  p.SessionID,
		CampaignID: p.CampaignID,
		JobType:    p.JobType,
		Total:      len(p.ProspectIDs),
	})
	if err != nil {
		return models.Batch{}, fmt.Errorf("create batch: %w", err)
	}

	if c.sessions != nil && p.SessionID != "" {
		if err := c.sessions.HandleBatchStarted(ctx, p.SessionID, b.ID); err != nil {
			// The terminal callback carries the batch id too, so fan-out
			// proceeds even when the session record could not be updated.
			c.log.Warn("record batch on session",
				zap.String("session_id", p.SessionID),
				zap.String("batch_id", b.ID),
				zap.Error(err))
		}
	}

	for _, prospectID := range p.ProspectIDs {
		payload := map[string]any{
			"prospect_id": prospectID,
			"campaign_id": p.CampaignID,
		}
		if p.JobType == models.TypeProspectEnrichment {
			payload["options"] = p.Options
		} else {
			payload["provider"] = p.Provider
			payload["model"] = p.Model
		}
		job, err := c.store.CreateJob(ctx, store.CreateJobParams{
			Type:        p.JobType,
			UserID:      p.UserID,
			BatchID:     b.ID,
			Payload:     payload,
			MaxAttempts: p.MaxAttempts,
		})
		if err != nil {
			return models.Batch{}, fmt.Errorf("create member job: %w", err)
		}
		if err := c.queue.Enqueue(ctx, job.ID, job.Type, job.Priority, job.NextRunAt); err != nil {
			return models.Batch{}, fmt.Errorf("enqueue member job: %w", err)
		}
		telemetry.EnqueuedTotal.WithLabelValues(job.Type).Inc()
	}

	c.log.Info("batch started",
		zap.String("batch_id", b.ID),
		zap.String("member_type", p.JobType),
		zap.Int("total", b.Total))
	return b, nil
}

// OnJobTerminal is the worker pool hook. It counts each member outcome and,
// exactly once, flips the batch to its terminal status when the last member
// lands. The increment is a single atomic UPDATE, so concurrent completions
// from multiple workers cannot double-count or both observe "last".
func (c *Coordinator) OnJobTerminal(ctx context.Context, job models.Job, status, errMsg string) {
	if job.BatchID == "" {
		return
	}

	outcome := store.OutcomeFailed
	if status == models.StatusCompleted {
		if job.Type == models.TypeEmailGeneration {
			outcome = store.OutcomeGenerated
		} else {
			outcome = store.OutcomeEnriched
		}
	}

	b, err := c.store.IncrementBatch(ctx, job.BatchID, outcome)
	if err != nil {
		c.log.Error("increment batch", zap.String("batch_id", job.BatchID), zap.Error(err))
		return
	}
	if !b.Done() {
		return
	}

	terminal := b.TerminalStatus()
	applied, err := c.store.MarkBatchTerminal(ctx, b.ID, terminal)
	if err != nil {
		c.log.Error("mark batch terminal", zap.String("batch_id", b.ID), zap.Error(err))
		return
	}
	if !applied {
		return
	}

	telemetry.BatchTerminalTotal.WithLabelValues(terminal).Inc()
	c.log.Info("batch finished",
		zap.String("batch_id", b.ID),
		zap.String("status", terminal),
		zap.Int("succeeded", b.Enriched+b.GeneratedEmails),
		zap.Int("failed", b.Failed))

	if c.hub != nil {
		c.hub.Publish(ctx, b.UserID, models.ProgressEvent{
			BatchID: b.ID,
			Type:    b.JobType,
			Status:  terminal,
			Progress: models.Progress{
				Percent:   100,
				Processed: b.Enriched + b.GeneratedEmails,
				Failed:    b.Failed,
				Total:     b.Total,
			},
			Timestamp: time.Now().UTC(),
		})
	}

	if c.sessions != nil && b.SessionID != "" {
		if err := c.sessions.HandleBatchTerminal(ctx, b.SessionID, b.JobType, b.ID, terminal); err != nil {
			c.log.Error("notify workflow session",
				zap.String("session_id", b.SessionID),
				zap.String("batch_id", b.ID),
				zap.Error(err))
		}
	}
}
