package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/service"
)

// StartSessionRequest is the body of POST /api/v1/sessions.
type StartSessionRequest struct {
	Query     string             `json:"query"`
	Workspace string             `json:"workspace,omitempty"`
	Plan      []service.PlanStep `json:"plan,omitempty"`
}

// SessionMessagesResponse is the body of GET /sessions/{id}/messages.
type SessionMessagesResponse struct {
	Messages []core.Message         `json:"messages"`
	Stats    core.ConversationStats `json:"stats"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.sessions.Sessions())
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var body StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		respondDomainError(w, core.ErrValidation(core.CodeEmptyQuery, "query is required"))
		return
	}

	req := service.Request{Query: body.Query, Workspace: body.Workspace}
	if len(body.Plan) > 0 {
		pf := service.PlanFile{Steps: body.Plan}
		steps, err := pf.ExecutionSteps()
		if err != nil {
			respondDomainError(w, err)
			return
		}
		req.Plan = steps
	}

	id, err := s.sessions.Start(s.baseCtx, req)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	s.logger.WithSession(id).Info("session started over HTTP", "planned_steps", len(req.Plan))
	w.Header().Set("Location", "/api/v1/sessions/"+id)
	respondJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.sessions.Snapshot(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.sessions.Cancel(id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": "cancelling"})
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessions.Resume(s.baseCtx, chi.URLParam(r, "sessionID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": "resumed"})
}

// handleSessionMessages returns the conversation log. ?limit=N keeps the
// last N messages.
func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotImplemented, "conversation store not configured")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	id := chi.URLParam(r, "sessionID")
	msgs, err := s.history.LoadHistory(r.Context(), id, limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	stats, err := s.history.GetStats(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if msgs == nil {
		msgs = []core.Message{}
	}
	respondJSON(w, http.StatusOK, SessionMessagesResponse{Messages: msgs, Stats: stats})
}
