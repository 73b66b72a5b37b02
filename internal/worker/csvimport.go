package worker

import (
	"context"
	"errors"

	"outreach-orchestrator/internal/clients"
	"outreach-orchestrator/internal/models"
)

// CSVImportHandler walks the rows staged by the CSV upload layer and upserts
// them as prospects. Parsing and column mapping happened upstream; this job
// only moves validated rows into the prospect table with row-level progress.
type CSVImportHandler struct {
	prospects clients.ProspectSource
}

func NewCSVImportHandler(prospects clients.ProspectSource) *CSVImportHandler {
	return &CSVImportHandler{prospects: prospects}
}

type csvImportPayload struct {
	ImportID   string `json:"import_id"`
	CampaignID string `json:"campaign_id"`
}

// Process implements the csv-import processor.
func (h *CSVImportHandler) Process(ctx context.Context, job models.Job, report ProgressFunc) (any, error) {
	var payload csvImportPayload
	if err := decodePayload(job, &payload); err != nil {
		return nil, err
	}
	if payload.ImportID == "" {
		return nil, Terminal(errors.New("import_id is required"))
	}

	rows, err := h.prospects.PendingImportRows(ctx, payload.ImportID)
	if err != nil {
		return nil, err
	}

	imported, failed := 0, 0
	for i, row := range rows {
		if row.UserID == "" {
			row.UserID = job.UserID
		}
		if row.CampaignID == "" {
			row.CampaignID = payload.CampaignID
		}
		if err := h.prospects.UpsertProspect(ctx, row); err != nil {
			failed++
		} else {
			imported++
		}
		report(models.Progress{
			Percent:   (i + 1) * 100 / max(len(rows), 1),
			Processed: imported,
			Failed:    failed,
			Total:     len(rows),
			Message:   "importing prospects",
		})
	}

	return map[string]any{
		"import_id": payload.ImportID,
		"imported":  imported,
		"failed":    failed,
		"total":     len(rows),
	}, nil
}
