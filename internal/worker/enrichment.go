package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"outreach-orchestrator/internal/clients"
	"outreach-orchestrator/internal/models"
)

// EnrichmentHandler runs single-prospect enrichment across the selected
// provider lookups and merges the results into the prospect record.
type EnrichmentHandler struct {
	prospects clients.ProspectSource
	linkedin  clients.Enricher
	company   clients.Enricher
	techStack clients.Enricher
}

// NewEnrichmentHandler wires the provider clients. A nil enricher disables
// that facet even when the payload selects it.
func NewEnrichmentHandler(prospects clients.ProspectSource, linkedin, company, techStack clients.Enricher) *EnrichmentHandler {
	return &EnrichmentHandler{
		prospects: prospects,
		linkedin:  linkedin,
		company:   company,
		techStack: techStack,
	}
}

// Enrichment job payload accepted from the queue.
type enrichmentPayload struct {
	ProspectID string `json:"prospect_id"`
	Options    struct {
		LinkedIn  bool `json:"linkedin"`
		Company   bool `json:"company"`
		TechStack bool `json:"tech_stack"`
	} `json:"options"`
}

func decodePayload(job models.Job, out any) error {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return Terminal(fmt.Errorf("marshal payload: %w", err))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return Terminal(fmt.Errorf("decode payload: %w", err))
	}
	return nil
}

// Process implements the prospect-enrichment processor.
func (h *EnrichmentHandler) Process(ctx context.Context, job models.Job, report ProgressFunc) (any, error) {
	var payload enrichmentPayload
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

	type facet struct {
		name     string
		enricher clients.Enricher
	}
	facets := []facet{}
	if payload.Options.LinkedIn && h.linkedin != nil {
		facets = append(facets, facet{"linkedin", h.linkedin})
	}
	if payload.Options.Company && h.company != nil {
		facets = append(facets, facet{"company", h.company})
	}
	if payload.Options.TechStack && h.techStack != nil {
		facets = append(facets, facet{"tech_stack", h.techStack})
	}
	if len(facets) == 0 {
		return nil, Terminal(errors.New("no enrichment services selected"))
	}

	merged := map[string]any{}
	for i, f := range facets {
		report(models.Progress{
			Percent:   i * 100 / len(facets),
			Processed: i,
			Total:     len(facets),
			Message:   "enriching " + f.name,
		})
		data, err := f.enricher.Enrich(ctx, prospect)
		if err != nil {
			return nil, fmt.Errorf("%s enrichment: %w", f.name, err)
		}
		merged[f.name] = data
	}

	if err := h.prospects.SaveEnrichment(ctx, prospect.ID, merged); err != nil {
		return nil, err
	}
	report(models.Progress{Percent: 100, Processed: len(facets), Total: len(facets), Message: "enriched"})

	services := make([]string, 0, len(facets))
	for _, f := range facets {
		services = append(services, f.name)
	}
	return map[string]any{"prospect_id": prospect.ID, "services": services}, nil
}
