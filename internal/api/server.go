package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/progress"
	"outreach-orchestrator/internal/ratelimit"
	"outreach-orchestrator/internal/store"
	"outreach-orchestrator/internal/telemetry"
	"outreach-orchestrator/internal/workflow"
)

// JobStore is the job persistence slice the HTTP surface needs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListByUser(ctx context.Context, userID string, states []string, limit, offset int) ([]models.Job, error)
	ListByState(ctx context.Context, jobType string, states []string) ([]models.Job, error)
	GetBatch(ctx context.Context, id string) (models.Batch, error)
	SetCancelRequested(ctx context.Context, id string) (bool, error)
	DeleteJob(ctx context.Context, id string) (bool, error)
	ResetForRetry(ctx context.Context, id string) (models.Job, error)
	MarkRetryScheduled(ctx context.Context, id string, nextRun time.Time, lastError string) error
	MarkWaiting(ctx context.Context, ids []string) error
	PruneTerminal(ctx context.Context, jobType, status string, keep int) (int64, error)
}

// Queue is the queue slice the HTTP surface needs.
type Queue interface {
	Enqueue(ctx context.Context, jobID, jobType, priority string, runAt time.Time) error
	Remove(ctx context.Context, jobID, jobType string) error
}

// Server wires the HTTP producer, inspection, streaming, and workflow
// endpoints.
type Server struct {
	cfg      config.Config
	jobs     JobStore
	queue    Queue
	hub      *progress.Hub
	machine  *workflow.Machine
	limiter  *ratelimit.TokenBucket
	validate *validator.Validate
	log      *zap.Logger
}

// New constructs the API server. The limiter may be nil to disable
// enqueue rate limiting.
func New(cfg config.Config, jobs JobStore, q Queue, hub *progress.Hub, machine *workflow.Machine, limiter *ratelimit.TokenBucket, log *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		jobs:     jobs,
		queue:    q,
		hub:      hub,
		machine:  machine,
		limiter:  limiter,
		validate: validator.New(),
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs/enrichment", s.handleEnqueueEnrichment)
	r.Post("/jobs/email-generation", s.handleEnqueueEmail)
	r.Post("/jobs/batch-enrichment", s.handleEnqueueBatch(models.TypeBatchEnrichment))
	r.Post("/jobs/batch-email-generation", s.handleEnqueueBatch(models.TypeBatchEmailGeneration))
	r.Post("/jobs/csv-import", s.handleEnqueueImport)
	r.Post("/jobs/data-export", s.handleEnqueueExport)

	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	r.Post("/jobs/{id}/pause", s.handlePause)
	r.Post("/jobs/{id}/resume", s.handleResume)
	r.Get("/batches/{id}", s.handleGetBatch)
	r.Get("/queues/{type}/jobs", s.handleListByState)
	r.Post("/queues/{type}/clean-completed", s.handleClean(models.StatusCompleted))
	r.Post("/queues/{type}/clean-failed", s.handleClean(models.StatusFailed))

	r.Get("/users/{userID}/jobs", s.handleListByUser)
	r.Get("/users/{userID}/stream", s.handleStream)

	s.mountWorkflow(r)
	return r
}

type enrichmentRequest struct {
	UserID     string `json:"user_id" validate:"required"`
	ProspectID string `json:"prospect_id" validate:"required"`
	Options    struct {
		LinkedIn  bool `json:"linkedin"`
		Company   bool `json:"company"`
		TechStack bool `json:"tech_stack"`
	} `json:"options"`
	Priority     string `json:"priority"`
	DelaySeconds int    `json:"delay_seconds" validate:"gte=0"`
	MaxAttempts  int    `json:"max_attempts" validate:"gte=0,lte=10"`
}

func (s *Server) handleEnqueueEnrichment(w http.ResponseWriter, r *http.Request) {
	var req enrichmentRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	s.enqueue(w, r, enqueueSpec{
		jobType:     models.TypeProspectEnrichment,
		userID:      req.UserID,
		priority:    req.Priority,
		delay:       req.DelaySeconds,
		maxAttempts: req.MaxAttempts,
		payload: map[string]any{
			"prospect_id": req.ProspectID,
			"options": map[string]any{
				"linkedin":   req.Options.LinkedIn,
				"company":    req.Options.Company,
				"tech_stack": req.Options.TechStack,
			},
		},
		echo: map[string]any{"prospect_id": req.ProspectID},
	})
}

type emailRequest struct {
	UserID       string `json:"user_id" validate:"required"`
	ProspectID   string `json:"prospect_id" validate:"required"`
	CampaignID   string `json:"campaign_id"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Priority     string `json:"priority"`
	DelaySeconds int    `json:"delay_seconds" validate:"gte=0"`
	MaxAttempts  int    `json:"max_attempts" validate:"gte=0,lte=10"`
}

func (s *Server) handleEnqueueEmail(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	s.enqueue(w, r, enqueueSpec{
		jobType:     models.TypeEmailGeneration,
		userID:      req.UserID,
		priority:    req.Priority,
		delay:       req.DelaySeconds,
		maxAttempts: req.MaxAttempts,
		payload: map[string]any{
			"prospect_id": req.ProspectID,
			"campaign_id": req.CampaignID,
			"provider":    req.Provider,
			"model":       req.Model,
		},
		echo: map[string]any{"prospect_id": req.ProspectID, "campaign_id": req.CampaignID},
	})
}

type batchRequest struct {
	UserID      string         `json:"user_id" validate:"required"`
	ProspectIDs []string       `json:"prospect_ids" validate:"required,min=1,dive,required"`
	CampaignID  string         `json:"campaign_id"`
	SessionID   string         `json:"session_id"`
	Options     map[string]any `json:"options"`
	Provider    string         `json:"provider"`
	Model       string         `json:"model"`
	MaxAttempts int            `json:"max_attempts" validate:"gte=0,lte=10"`
}

func (s *Server) handleEnqueueBatch(jobType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		if !s.decodeAndValidate(w, r, &req) {
			return
		}
		s.enqueue(w, r, enqueueSpec{
			jobType: jobType,
			userID:  req.UserID,
			payload: map[string]any{
				"prospect_ids": req.ProspectIDs,
				"campaign_id":  req.CampaignID,
				"session_id":   req.SessionID,
				"options":      req.Options,
				"provider":     req.Provider,
				"model":        req.Model,
				"max_attempts": req.MaxAttempts,
			},
			echo: map[string]any{
				"campaign_id": req.CampaignID,
				"session_id":  req.SessionID,
				"total":       len(req.ProspectIDs),
			},
		})
	}
}

type importRequest struct {
	UserID     string `json:"user_id" validate:"required"`
	ImportID   string `json:"import_id" validate:"required"`
	CampaignID string `json:"campaign_id"`
}

func (s *Server) handleEnqueueImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	s.enqueue(w, r, enqueueSpec{
		jobType: models.TypeCSVImport,
		userID:  req.UserID,
		payload: map[string]any{
			"import_id":   req.ImportID,
			"campaign_id": req.CampaignID,
		},
		echo: map[string]any{"import_id": req.ImportID},
	})
}

type exportRequest struct {
	UserID      string `json:"user_id" validate:"required"`
	CampaignID  string `json:"campaign_id"`
	Destination string `json:"destination" validate:"omitempty,oneof=s3 local"`
}

func (s *Server) handleEnqueueExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	s.enqueue(w, r, enqueueSpec{
		jobType: models.TypeDataExport,
		userID:  req.UserID,
		payload: map[string]any{
			"campaign_id": req.CampaignID,
			"destination": req.Destination,
		},
		echo: map[string]any{"campaign_id": req.CampaignID},
	})
}

type enqueueSpec struct {
	jobType     string
	userID      string
	priority    string
	delay       int
	maxAttempts int
	payload     map[string]any
	echo        map[string]any
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, spec enqueueSpec) {
	ctx := r.Context()
	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowUser(ctx, spec.userID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "rate limit check failed")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			s.writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	runAt := time.Now()
	if spec.delay > 0 {
		runAt = runAt.Add(time.Duration(spec.delay) * time.Second)
	}
	maxAttempts := spec.maxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	job, err := s.jobs.CreateJob(ctx, store.CreateJobParams{
		Type:        spec.jobType,
		UserID:      spec.userID,
		Priority:    spec.priority,
		Payload:     spec.payload,
		MaxAttempts: maxAttempts,
		RunAt:       runAt,
	})
	if err != nil {
		s.log.Error("create job", zap.String("type", spec.jobType), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	if err := s.queue.Enqueue(ctx, job.ID, job.Type, job.Priority, job.NextRunAt); err != nil {
		s.log.Error("enqueue job", zap.String("job_id", job.ID), zap.Error(err))
		_, _ = s.jobs.DeleteJob(ctx, job.ID)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	telemetry.EnqueuedTotal.WithLabelValues(job.Type).Inc()

	resp := map[string]any{
		"job_id":     job.ID,
		"queue_name": job.Type,
		"status":     job.Status,
	}
	for k, v := range spec.echo {
		resp[k] = v
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.jobs.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleListByState(w http.ResponseWriter, r *http.Request) {
	jobType := chi.URLParam(r, "type")
	if !models.KnownType(jobType) {
		s.writeError(w, http.StatusBadRequest, "unknown queue type")
		return
	}
	var states []string
	if state := r.URL.Query().Get("state"); state != "" {
		states = []string{state}
	}
	jobs, err := s.jobs.ListByState(r.Context(), jobType, states)
	if err != nil {
		s.log.Error("list queue jobs", zap.String("type", jobType), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleListByUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	q := r.URL.Query()
	var states []string
	if state := q.Get("state"); state != "" {
		states = []string{state}
	}
	limit := intQuery(q.Get("limit"), 50)
	offset := intQuery(q.Get("offset"), 0)

	jobs, err := s.jobs.ListByUser(r.Context(), userID, states, limit, offset)
	if err != nil {
		s.log.Error("list jobs", zap.String("user_id", userID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "limit": limit, "offset": offset})
}

// handleCancel removes a waiting job outright and marks cancel intent on an
// active one; the in-flight processor finishes or times out and its outcome
// is discarded.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if models.Terminal(job.Status) {
		s.writeError(w, http.StatusConflict, "job already finished")
		return
	}

	switch job.Status {
	case models.StatusActive:
		if _, err := s.jobs.SetCancelRequested(ctx, id); err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to request cancel")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancel_requested"})
	default:
		if err := s.queue.Remove(ctx, id, job.Type); err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to remove from queue")
			return
		}
		if _, err := s.jobs.DeleteJob(ctx, id); err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to remove job")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	}
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := s.jobs.ResetForRetry(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusConflict, "only failed jobs can be retried")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to retry job")
		return
	}
	if err := s.queue.Enqueue(ctx, job.ID, job.Type, job.Priority, time.Now()); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue retry")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handlePause parks a waiting job far in the future; resume brings it back.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if job.Status != models.StatusWaiting && job.Status != models.StatusDelayed {
		s.writeError(w, http.StatusConflict, "only waiting jobs can be paused")
		return
	}
	if err := s.queue.Remove(ctx, id, job.Type); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to pause job")
		return
	}
	if err := s.jobs.MarkRetryScheduled(ctx, id, time.Now().Add(100*365*24*time.Hour), ""); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to pause job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if job.Status != models.StatusDelayed {
		s.writeError(w, http.StatusConflict, "only paused jobs can be resumed")
		return
	}
	if err := s.jobs.MarkWaiting(ctx, []string{id}); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to resume job")
		return
	}
	if err := s.queue.Enqueue(ctx, id, job.Type, job.Priority, time.Now()); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to resume job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleClean(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobType := chi.URLParam(r, "type")
		if !models.KnownType(jobType) {
			s.writeError(w, http.StatusBadRequest, "unknown queue type")
			return
		}
		removed, err := s.jobs.PruneTerminal(r.Context(), jobType, status, 0)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to clean queue")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
	}
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.log.Error("store error", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func intQuery(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
