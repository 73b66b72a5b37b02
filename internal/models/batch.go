package models

import "time"

// Batch statuses. PARTIAL is a successful outcome with some failed members,
// not an error state.
const (
	BatchRunning   = "RUNNING"
	BatchCompleted = "COMPLETED"
	BatchPartial   = "PARTIAL"
	BatchFailed    = "FAILED"
)

// Batch aggregates many per-prospect jobs under one id.
type Batch struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	SessionID       string     `json:"session_id,omitempty"`
	CampaignID      string     `json:"campaign_id,omitempty"`
	JobType         string     `json:"job_type"`
	Total           int        `json:"total"`
	Enriched        int        `json:"enriched"`
	GeneratedEmails int        `json:"generated_emails"`
	Failed          int        `json:"failed"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Done reports whether every member job has reached a terminal state.
func (b Batch) Done() bool {
	return b.Enriched+b.GeneratedEmails+b.Failed >= b.Total
}

// TerminalStatus derives the batch outcome from its counters.
func (b Batch) TerminalStatus() string {
	switch {
	case b.Failed == 0:
		return BatchCompleted
	case b.Failed == b.Total:
		return BatchFailed
	default:
		return BatchPartial
	}
}
