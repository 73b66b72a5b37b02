// Package workflow drives a user's session through the fixed outreach
// pipeline: CSV upload, campaign settings, enrichment config, enrichment,
// email generation, done. Steps advance strictly in order; session status
// (active/paused/error/...) is tracked orthogonally to the step.
package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"outreach-orchestrator/internal/models"
)

// SessionStore is the persistence slice the machine needs.
type SessionStore interface {
	CreateSession(ctx context.Context, userID string) (models.WorkflowSession, error)
	GetSession(ctx context.Context, id string) (models.WorkflowSession, error)
	SaveSession(ctx context.Context, sess models.WorkflowSession) error
	GetBatch(ctx context.Context, id string) (models.Batch, error)
	CountNonTerminalByBatch(ctx context.Context, batchID string) (int64, error)
}

// ValidationError rejects an out-of-order or incomplete step call. The HTTP
// layer maps it to a 400 instead of a 500.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// requiredConfig lists the configuration keys a step must have before it can
// complete. ENRICHMENT_CONFIG additionally requires the services list to be
// non-empty.
var requiredConfig = map[string][]string{
	models.StepUploadCSV:        {"import_id"},
	models.StepCampaignSettings: {"campaign_id"},
	models.StepEnrichmentConfig: {"enrichment_services"},
	models.StepBeginEnrichment:  {"batch_id"},
	models.StepEmailGeneration:  {"batch_id"},
}

// asyncSteps complete only through the batch coordinator callback, never
// through a direct complete-step call.
var asyncSteps = map[string]bool{
	models.StepBeginEnrichment: true,
	models.StepEmailGeneration: true,
}

// Machine owns workflow session transitions.
type Machine struct {
	store SessionStore
	log   *zap.Logger
}

// NewMachine constructs the state machine.
func NewMachine(store SessionStore, log *zap.Logger) *Machine {
	return &Machine{store: store, log: log}
}

// Create opens a session at the first step for the user.
func (m *Machine) Create(ctx context.Context, userID string) (models.WorkflowSession, error) {
	return m.store.CreateSession(ctx, userID)
}

// Get fetches session state.
func (m *Machine) Get(ctx context.Context, sessionID string) (models.WorkflowSession, error) {
	return m.store.GetSession(ctx, sessionID)
}

// StartStep begins (or revisits) a step. Only the session's current step or
// a previously completed step may start; anything else is a validation
// error. Starting after an error retries the same step and clears the error.
func (m *Machine) StartStep(ctx context.Context, sessionID, step string) (models.WorkflowSession, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.WorkflowSession{}, err
	}
	if models.StepIndex(step) < 0 {
		return models.WorkflowSession{}, validationErrorf("unknown step %q", step)
	}
	if sess.Status == models.SessionCompleted || sess.Status == models.SessionAbandoned {
		return models.WorkflowSession{}, validationErrorf("session is %s", sess.Status)
	}
	if step != sess.CurrentStep && !contains(sess.StepsCompleted, step) {
		return models.WorkflowSession{}, validationErrorf("step %s cannot start while session is at %s", step, sess.CurrentStep)
	}

	sess.CurrentStep = step
	sess.Status = models.SessionActive
	sess.ErrorMessage = nil
	sess.Configuration["started_at."+step] = time.Now().UTC().Format(time.RFC3339)
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return models.WorkflowSession{}, err
	}
	return sess, nil
}

// CompleteStep validates and finishes the session's current step, merging
// stepData into the configuration (last write wins per key) and advancing.
// The two batch-driven steps reject direct completion; they finish through
// HandleBatchTerminal.
func (m *Machine) CompleteStep(ctx context.Context, sessionID, step string, stepData map[string]any) (models.WorkflowSession, error) {
	if asyncSteps[step] {
		return models.WorkflowSession{}, validationErrorf("step %s completes automatically when its batch finishes", step)
	}
	return m.completeStep(ctx, sessionID, step, stepData)
}

func (m *Machine) completeStep(ctx context.Context, sessionID, step string, stepData map[string]any) (models.WorkflowSession, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.WorkflowSession{}, err
	}
	if sess.Status == models.SessionPaused {
		return models.WorkflowSession{}, validationErrorf("session is paused")
	}
	if sess.Status == models.SessionCompleted || sess.Status == models.SessionAbandoned {
		return models.WorkflowSession{}, validationErrorf("session is %s", sess.Status)
	}
	if step != sess.CurrentStep {
		return models.WorkflowSession{}, validationErrorf("cannot complete %s while session is at %s", step, sess.CurrentStep)
	}

	for k, v := range stepData {
		sess.Configuration[k] = v
	}
	if err := validateStepConfig(step, sess.Configuration); err != nil {
		return models.WorkflowSession{}, err
	}

	if !contains(sess.StepsCompleted, step) {
		sess.StepsCompleted = append(sess.StepsCompleted, step)
	}
	next := models.StepIndex(step) + 1
	if next >= len(models.StepOrder) {
		next = len(models.StepOrder) - 1
	}
	sess.CurrentStep = models.StepOrder[next]
	sess.Status = models.SessionActive
	sess.ErrorMessage = nil
	if sess.CurrentStep == models.StepCompleted {
		sess.Status = models.SessionCompleted
	}

	if err := m.store.SaveSession(ctx, sess); err != nil {
		return models.WorkflowSession{}, err
	}
	m.log.Info("workflow step completed",
		zap.String("session_id", sess.ID),
		zap.String("step", step),
		zap.String("next", sess.CurrentStep))
	return sess, nil
}

func validateStepConfig(step string, cfg map[string]any) error {
	for _, key := range requiredConfig[step] {
		v, ok := cfg[key]
		if !ok || v == nil || v == "" {
			return validationErrorf("step %s requires %s", step, key)
		}
	}
	if step == models.StepEnrichmentConfig {
		services, ok := cfg["enrichment_services"].([]any)
		if !ok || len(services) == 0 {
			return validationErrorf("step %s requires a non-empty enrichment service selection", step)
		}
	}
	return nil
}

// RecordError marks the session errored without moving the step, so the
// client can retry the same step with its configuration intact.
func (m *Machine) RecordError(ctx context.Context, sessionID, step, errMsg string) (models.WorkflowSession, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.WorkflowSession{}, err
	}
	sess.Status = models.SessionError
	sess.ErrorMessage = &errMsg
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return models.WorkflowSession{}, err
	}
	m.log.Warn("workflow step errored",
		zap.String("session_id", sessionID),
		zap.String("step", step),
		zap.String("error", errMsg))
	return sess, nil
}

// Pause suspends an active session.
func (m *Machine) Pause(ctx context.Context, sessionID string) (models.WorkflowSession, error) {
	return m.setStatus(ctx, sessionID, models.SessionPaused, models.SessionActive, models.SessionError)
}

// Resume reactivates a paused or errored session at its current step.
func (m *Machine) Resume(ctx context.Context, sessionID string) (models.WorkflowSession, error) {
	return m.setStatus(ctx, sessionID, models.SessionActive, models.SessionPaused, models.SessionError)
}

// Abandon terminates the session.
func (m *Machine) Abandon(ctx context.Context, sessionID string) (models.WorkflowSession, error) {
	return m.setStatus(ctx, sessionID, models.SessionAbandoned,
		models.SessionActive, models.SessionPaused, models.SessionError)
}

func (m *Machine) setStatus(ctx context.Context, sessionID, to string, from ...string) (models.WorkflowSession, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.WorkflowSession{}, err
	}
	allowed := false
	for _, f := range from {
		if sess.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return models.WorkflowSession{}, validationErrorf("cannot move session from %s to %s", sess.Status, to)
	}
	sess.Status = to
	if to != models.SessionError {
		sess.ErrorMessage = nil
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return models.WorkflowSession{}, err
	}
	return sess, nil
}

// HandleBatchStarted records the batch backing the session's current
// batch-driven step. Strand detection and the step's required configuration
// both key off this entry.
func (m *Machine) HandleBatchStarted(ctx context.Context, sessionID, batchID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.Configuration["batch_id"] = batchID
	return m.store.SaveSession(ctx, sess)
}

// HandleBatchTerminal is the coordinator callback that finishes the
// batch-driven steps: a COMPLETED or PARTIAL batch completes the step, a
// fully FAILED batch errors the session so the user can retry it. The batch
// id rides along in the step data, so completion still lands on a session
// whose start notification was lost to a restart.
func (m *Machine) HandleBatchTerminal(ctx context.Context, sessionID, jobType, batchID, batchStatus string) error {
	step := models.StepBeginEnrichment
	if jobType == models.TypeEmailGeneration {
		step = models.StepEmailGeneration
	}

	if batchStatus == models.BatchFailed {
		_, err := m.RecordError(ctx, sessionID, step, "every job in the batch failed")
		return err
	}
	_, err := m.completeStep(ctx, sessionID, step, map[string]any{
		"batch_id":     batchID,
		"batch_status": batchStatus,
	})
	return err
}

// Detect reports whether an active session is stranded: it sits on a
// batch-driven step whose batch is still RUNNING but has no non-terminal
// jobs left in the queues, which happens when a process restart loses the
// terminal hooks. Such a session is eligible for a manual resume that
// re-derives progress from the job listing.
func (m *Machine) Detect(ctx context.Context, sessionID string) (bool, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess.Status != models.SessionActive || !asyncSteps[sess.CurrentStep] {
		return false, nil
	}
	batchID, ok := sess.Configuration["batch_id"].(string)
	if !ok || batchID == "" {
		return false, nil
	}
	b, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	if b.Status != models.BatchRunning {
		return false, nil
	}
	remaining, err := m.store.CountNonTerminalByBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	return remaining == 0, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
