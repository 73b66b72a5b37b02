package worker

import (
	"context"
	"testing"

	"outreach-orchestrator/internal/clients"
	"outreach-orchestrator/internal/models"
)

type fakeEnricher struct {
	data map[string]any
	err  error
}

func (f *fakeEnricher) Enrich(context.Context, clients.Prospect) (map[string]any, error) {
	return f.data, f.err
}

type fakeGenerator struct {
	body string
	err  error
	last clients.EmailRequest
}

func (f *fakeGenerator) Generate(_ context.Context, req clients.EmailRequest) (string, error) {
	f.last = req
	return f.body, f.err
}

func TestEnrichmentHandler_MergesSelectedFacets(t *testing.T) {
	src := newFakeProspectSource(clients.Prospect{ID: "p-1", UserID: "user-1", Name: "Ada"})
	handler := NewEnrichmentHandler(src,
		&fakeEnricher{data: map[string]any{"headline": "Engineer"}},
		&fakeEnricher{data: map[string]any{"size": "50-100"}},
		&fakeEnricher{data: map[string]any{"stack": []string{"go", "redis"}}},
	)

	job := models.Job{
		ID:     "job-1",
		UserID: "user-1",
		Payload: map[string]any{
			"prospect_id": "p-1",
			"options":     map[string]any{"linkedin": true, "tech_stack": true},
		},
	}

	var lastProgress models.Progress
	result, err := handler.Process(context.Background(), job, func(p models.Progress) { lastProgress = p })
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	saved := src.enrichments["p-1"]
	if saved == nil {
		t.Fatalf("enrichment not saved")
	}
	if _, ok := saved["linkedin"]; !ok {
		t.Fatalf("linkedin facet missing: %v", saved)
	}
	if _, ok := saved["tech_stack"]; !ok {
		t.Fatalf("tech_stack facet missing: %v", saved)
	}
	if _, ok := saved["company"]; ok {
		t.Fatalf("unselected company facet must not run")
	}
	if lastProgress.Percent != 100 {
		t.Fatalf("expected final progress 100, got %d", lastProgress.Percent)
	}

	out := result.(map[string]any)
	if out["prospect_id"] != "p-1" {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestEnrichmentHandler_MissingProspectIsTerminal(t *testing.T) {
	src := newFakeProspectSource()
	handler := NewEnrichmentHandler(src, &fakeEnricher{}, nil, nil)

	job := models.Job{
		ID:      "job-1",
		Payload: map[string]any{"prospect_id": "gone", "options": map[string]any{"linkedin": true}},
	}

	_, err := handler.Process(context.Background(), job, func(models.Progress) {})
	if err == nil {
		t.Fatalf("expected error for missing prospect")
	}
	if !IsTerminal(err) {
		t.Fatalf("missing prospect must not be retried: %v", err)
	}
}

func TestEnrichmentHandler_ProviderErrorClassification(t *testing.T) {
	src := newFakeProspectSource(clients.Prospect{ID: "p-1", UserID: "user-1"})
	job := models.Job{
		ID:      "job-1",
		Payload: map[string]any{"prospect_id": "p-1", "options": map[string]any{"company": true}},
	}

	rateLimited := NewEnrichmentHandler(src, nil,
		&fakeEnricher{err: &clients.ProviderError{Provider: "company", Status: 429}}, nil)
	_, err := rateLimited.Process(context.Background(), job, func(models.Progress) {})
	if err == nil || IsTerminal(err) {
		t.Fatalf("429 should be retryable, got %v", err)
	}

	badRequest := NewEnrichmentHandler(src, nil,
		&fakeEnricher{err: &clients.ProviderError{Provider: "company", Status: 422}}, nil)
	_, err = badRequest.Process(context.Background(), job, func(models.Progress) {})
	if err == nil || !IsTerminal(err) {
		t.Fatalf("422 should be terminal, got %v", err)
	}
}

func TestEmailHandler_SavesDraft(t *testing.T) {
	src := newFakeProspectSource(clients.Prospect{ID: "p-1", UserID: "user-1", Name: "Ada"})
	gen := &fakeGenerator{body: "Hi Ada, quick question about Analytical Engines."}
	handler := NewEmailHandler(src, gen)

	job := models.Job{
		ID:     "job-1",
		UserID: "user-1",
		Payload: map[string]any{
			"prospect_id": "p-1",
			"campaign_id": "c-1",
			"provider":    "openai",
			"model":       "gpt-4o",
		},
	}

	result, err := handler.Process(context.Background(), job, func(models.Progress) {})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if src.emails["p-1"] != gen.body {
		t.Fatalf("draft not saved: %q", src.emails["p-1"])
	}
	if gen.last.CampaignID != "c-1" || gen.last.Model != "gpt-4o" {
		t.Fatalf("request parameters lost: %+v", gen.last)
	}
	out := result.(map[string]any)
	if out["chars"] != len(gen.body) {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestEmailHandler_EmptyDraftIsTransient(t *testing.T) {
	src := newFakeProspectSource(clients.Prospect{ID: "p-1", UserID: "user-1"})
	handler := NewEmailHandler(src, &fakeGenerator{body: ""})

	job := models.Job{ID: "job-1", Payload: map[string]any{"prospect_id": "p-1"}}
	_, err := handler.Process(context.Background(), job, func(models.Progress) {})
	if err == nil {
		t.Fatalf("expected error for empty draft")
	}
	if IsTerminal(err) {
		t.Fatalf("empty draft should be retried: %v", err)
	}
}

func TestCSVImportHandler_CountsRows(t *testing.T) {
	src := newFakeProspectSource()
	src.pending = []clients.Prospect{
		{ID: "p-1", Name: "Ada", Email: "ada@example.com"},
		{ID: "p-2", Name: "Grace", Email: "grace@example.com"},
		{ID: "p-3", Name: "Eve", Email: "eve@example.com"},
	}
	handler := NewCSVImportHandler(src)

	job := models.Job{
		ID:      "job-1",
		UserID:  "user-1",
		Payload: map[string]any{"import_id": "imp-1", "campaign_id": "c-1"},
	}

	var last models.Progress
	result, err := handler.Process(context.Background(), job, func(p models.Progress) { last = p })
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	out := result.(map[string]any)
	if out["imported"] != 3 || out["failed"] != 0 {
		t.Fatalf("unexpected summary: %v", out)
	}
	if last.Percent != 100 || last.Total != 3 {
		t.Fatalf("unexpected final progress: %+v", last)
	}
	for _, p := range src.upserted {
		if p.UserID != "user-1" || p.CampaignID != "c-1" {
			t.Fatalf("owner defaults not applied: %+v", p)
		}
	}
}
