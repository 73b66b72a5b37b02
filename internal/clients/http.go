package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPEnricher calls a JSON lookup endpoint for one enrichment facet.
type HTTPEnricher struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPEnricher builds an enricher for the given provider endpoint.
func NewHTTPEnricher(name, baseURL string, timeout time.Duration) *HTTPEnricher {
	if timeout == 0 {
		timeout = 45 * time.Second
	}
	return &HTTPEnricher{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *HTTPEnricher) Enrich(ctx context.Context, p Prospect) (map[string]any, error) {
	var out map[string]any
	if err := postJSON(ctx, e.client, e.name, e.baseURL, p, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// HTTPEmailGenerator calls the AI generation endpoint.
type HTTPEmailGenerator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEmailGenerator builds the generator client.
func NewHTTPEmailGenerator(baseURL string, timeout time.Duration) *HTTPEmailGenerator {
	if timeout == 0 {
		timeout = 45 * time.Second
	}
	return &HTTPEmailGenerator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *HTTPEmailGenerator) Generate(ctx context.Context, req EmailRequest) (string, error) {
	var out struct {
		Body string `json:"body"`
	}
	if err := postJSON(ctx, g.client, "email-generator", g.baseURL, req, &out); err != nil {
		return "", err
	}
	return out.Body, nil
}

func postJSON(ctx context.Context, client *http.Client, provider, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", provider, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", provider, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &ProviderError{Provider: provider, Status: resp.StatusCode, Body: truncate(string(data), 200)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", provider, err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
