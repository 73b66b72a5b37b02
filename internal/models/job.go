package models

import (
	"encoding/json"
	"time"
)

// Job statuses persisted in Postgres.
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusDelayed   = "delayed"
	StatusStalled   = "stalled"
)

// Job types, one queue per type.
const (
	TypeProspectEnrichment   = "prospect-enrichment"
	TypeEmailGeneration      = "email-generation"
	TypeBatchEnrichment      = "batch-enrichment"
	TypeBatchEmailGeneration = "batch-email-generation"
	TypeCSVImport            = "csv-import"
	TypeDataExport           = "data-export"
)

// JobTypes lists every queue type this service runs.
var JobTypes = []string{
	TypeProspectEnrichment,
	TypeEmailGeneration,
	TypeBatchEnrichment,
	TypeBatchEmailGeneration,
	TypeCSVImport,
	TypeDataExport,
}

// KnownType reports whether t names one of the service's queues.
func KnownType(t string) bool {
	for _, k := range JobTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Terminal reports whether a job status can no longer change.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Progress is the structured progress block mutated only by the worker
// currently holding the job's lease.
type Progress struct {
	Percent   int    `json:"percent"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Total     int    `json:"total"`
	Message   string `json:"message,omitempty"`
}

// Job is one unit of asynchronous work tracked by a queue.
type Job struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	UserID          string          `json:"user_id"`
	BatchID         string          `json:"batch_id,omitempty"`
	Priority        string          `json:"priority"`
	Payload         map[string]any  `json:"payload"`
	Status          string          `json:"status"`
	Progress        Progress        `json:"progress"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	Result          json.RawMessage `json:"result,omitempty"`
	LastError       *string         `json:"error,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	NextRunAt       time.Time       `json:"next_run_at"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// ProgressEvent is what the progress channel pushes to connected clients.
type ProgressEvent struct {
	JobID     string    `json:"job_id"`
	BatchID   string    `json:"batch_id,omitempty"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Progress  Progress  `json:"progress"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
