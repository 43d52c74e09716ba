package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-mtr/internal/apperr"
	"github.com/drfirst/go-mtr/internal/domain/mtr"
	"github.com/drfirst/go-mtr/internal/review"
)

// ListProblems handles GET /sessions/{id}/problems
func (h *SessionHandler) ListProblems(w http.ResponseWriter, r *http.Request) {
	problems, err := h.svc.ListProblems(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, problems)
}

// AddProblem handles POST /sessions/{id}/problems
func (h *SessionHandler) AddProblem(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	problem := &mtr.Problem{}
	if err := decode(r, problem); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	created, err := h.svc.AddProblem(r.Context(), chi.URLParam(r, "id"), problem, p.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ProblemStatusRequest is the body of PATCH /sessions/{id}/problems/{problemId}
type ProblemStatusRequest struct {
	Status  string `json:"status"`
	Action  string `json:"action"`
	Outcome string `json:"outcome"`
}

// UpdateProblemStatus handles PATCH /sessions/{id}/problems/{problemId}
func (h *SessionHandler) UpdateProblemStatus(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req ProblemStatusRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	problem, err := h.svc.UpdateProblemStatus(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "problemId"),
		review.ProblemStatusChange{Status: mtr.ProblemStatus(req.Status), Action: req.Action, Outcome: req.Outcome}, p.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, problem)
}

// ListInterventions handles GET /sessions/{id}/interventions
func (h *SessionHandler) ListInterventions(w http.ResponseWriter, r *http.Request) {
	interventions, err := h.svc.ListInterventions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, interventions)
}

// AddIntervention handles POST /sessions/{id}/interventions
func (h *SessionHandler) AddIntervention(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	intervention := &mtr.Intervention{}
	if err := decode(r, intervention); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	created, err := h.svc.AddIntervention(r.Context(), chi.URLParam(r, "id"), intervention, p.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// OutcomeRequest is the body of PATCH /sessions/{id}/interventions/{interventionId}
type OutcomeRequest struct {
	Outcome string `json:"outcome"`
	Details string `json:"details"`
}

// RecordOutcome handles PATCH /sessions/{id}/interventions/{interventionId}
func (h *SessionHandler) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req OutcomeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	intervention, err := h.svc.RecordInterventionOutcome(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "interventionId"),
		mtr.InterventionOutcome(req.Outcome), req.Details, p.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, intervention)
}

// ListFollowUps handles GET /sessions/{id}/followups
func (h *SessionHandler) ListFollowUps(w http.ResponseWriter, r *http.Request) {
	followUps, err := h.svc.ListFollowUps(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, followUps)
}

// AddFollowUp handles POST /sessions/{id}/followups
func (h *SessionHandler) AddFollowUp(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	followUp := &mtr.FollowUp{}
	if err := decode(r, followUp); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	created, err := h.svc.AddFollowUp(r.Context(), chi.URLParam(r, "id"), followUp, p.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// CompleteFollowUp handles POST /sessions/{id}/followups/{followUpId}/complete
func (h *SessionHandler) CompleteFollowUp(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	outcome := &mtr.FollowUpOutcome{}
	if err := decode(r, outcome); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	followUp, err := h.svc.CompleteFollowUp(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "followUpId"), outcome, p.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, followUp)
}

// RescheduleRequest is the body of POST /sessions/{id}/followups/{followUpId}/reschedule
type RescheduleRequest struct {
	NewDate time.Time `json:"newDate"`
	Reason  string    `json:"reason"`
}

// RescheduleFollowUp handles POST /sessions/{id}/followups/{followUpId}/reschedule
func (h *SessionHandler) RescheduleFollowUp(w http.ResponseWriter, r *http.Request) {
	p, err := caller(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var req RescheduleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.NewDate.IsZero() {
		writeError(w, r, h.logger, apperr.Validation("newDate is required"))
		return
	}
	followUp, err := h.svc.RescheduleFollowUp(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "followUpId"), req.NewDate, req.Reason, p.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, followUp)
}
