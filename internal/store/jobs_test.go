package store

import (
	"testing"

	"outreach-orchestrator/internal/models"
)

func inTable(table []string, status string) bool {
	for _, s := range table {
		if s == status {
			return true
		}
	}
	return false
}

// The Mark* SQL guards are built from these tables, so the tables carry the
// once-terminal-always-terminal property for every caller, fakes included.
func TestStatusTransitionTables(t *testing.T) {
	allStatuses := []string{
		models.StatusWaiting, models.StatusActive, models.StatusCompleted,
		models.StatusFailed, models.StatusDelayed, models.StatusStalled,
	}

	for _, s := range allStatuses {
		if models.Terminal(s) != inTable(TerminalStates, s) {
			t.Errorf("TerminalStates disagrees with models.Terminal for %q", s)
		}
	}

	for _, s := range TerminalStates {
		if inTable(ClaimFrom, s) {
			t.Errorf("terminal state %q must not be claimable", s)
		}
		if inTable(CompleteFrom, s) {
			t.Errorf("terminal state %q must not complete a second time", s)
		}
	}

	if inTable(ClaimFrom, models.StatusActive) {
		t.Error("an active job must not be claimed by a second worker")
	}
	for _, s := range []string{models.StatusWaiting, models.StatusDelayed, models.StatusStalled} {
		if !inTable(ClaimFrom, s) {
			t.Errorf("%q jobs must be claimable", s)
		}
	}

	// A worker that lost its lease still records its outcome.
	if !inTable(CompleteFrom, models.StatusActive) || !inTable(CompleteFrom, models.StatusStalled) {
		t.Errorf("complete-from table missing states: %v", CompleteFrom)
	}
}
