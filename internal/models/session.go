package models

import "time"

// Workflow steps in their fixed order. Steps cannot be skipped.
const (
	StepUploadCSV        = "UPLOAD_CSV"
	StepCampaignSettings = "CAMPAIGN_SETTINGS"
	StepEnrichmentConfig = "ENRICHMENT_CONFIG"
	StepBeginEnrichment  = "BEGIN_ENRICHMENT"
	StepEmailGeneration  = "EMAIL_GENERATION"
	StepCompleted        = "COMPLETED"
)

// StepOrder is the canonical step sequence.
var StepOrder = []string{
	StepUploadCSV,
	StepCampaignSettings,
	StepEnrichmentConfig,
	StepBeginEnrichment,
	StepEmailGeneration,
	StepCompleted,
}

// Session statuses, orthogonal to the current step.
const (
	SessionActive    = "ACTIVE"
	SessionPaused    = "PAUSED"
	SessionCompleted = "COMPLETED"
	SessionAbandoned = "ABANDONED"
	SessionError     = "ERROR"
)

// WorkflowSession tracks one user's progress through the outreach pipeline.
type WorkflowSession struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	CurrentStep    string         `json:"current_step"`
	Status         string         `json:"status"`
	Configuration  map[string]any `json:"configuration_data"`
	StepsCompleted []string       `json:"steps_completed"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// StepIndex returns the position of step in StepOrder, or -1.
func StepIndex(step string) int {
	for i, s := range StepOrder {
		if s == step {
			return i
		}
	}
	return -1
}
