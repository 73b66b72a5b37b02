package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/workflow"
)

func (s *Server) mountWorkflow(r chi.Router) {
	r.Route("/workflow/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/{id}", s.handleGetSession)
		r.Get("/{id}/stale", s.handleDetectStale)
		r.Post("/{id}/steps/{step}/start", s.handleStartStep)
		r.Post("/{id}/steps/{step}/complete", s.handleCompleteStep)
		r.Post("/{id}/pause", s.handleSessionStatus((*workflow.Machine).Pause))
		r.Post("/{id}/resume", s.handleSessionStatus((*workflow.Machine).Resume))
		r.Post("/{id}/abandon", s.handleSessionStatus((*workflow.Machine).Abandon))
	})
}

type createSessionRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	sess, err := s.machine.Create(r.Context(), req.UserID)
	if err != nil {
		s.log.Error("create session", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.machine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStartStep(w http.ResponseWriter, r *http.Request) {
	sess, err := s.machine.StartStep(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "step"))
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCompleteStep(w http.ResponseWriter, r *http.Request) {
	var stepData map[string]any
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&stepData); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	sess, err := s.machine.CompleteStep(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "step"), stepData)
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDetectStale(w http.ResponseWriter, r *http.Request) {
	stale, err := s.machine.Detect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stale": stale})
}

type sessionStatusFn func(*workflow.Machine, context.Context, string) (models.WorkflowSession, error)

func (s *Server) handleSessionStatus(fn sessionStatusFn) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := fn(s.machine, r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.writeWorkflowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

func (s *Server) writeWorkflowError(w http.ResponseWriter, err error) {
	var verr *workflow.ValidationError
	if errors.As(err, &verr) {
		s.writeError(w, http.StatusBadRequest, verr.Msg)
		return
	}
	s.writeStoreError(w, err)
}
