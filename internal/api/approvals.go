package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/control"
	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
)

// ApprovalAnswer is the body of POST /api/v1/approvals/{id}. Action is one of
// approve, reject, abort or retry.
type ApprovalAnswer struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
	Text   string `json:"text,omitempty"`
}

// requestID reads the request id path segment. Gateway ids contain a slash,
// so clients send it escaped.
func requestID(r *http.Request) string {
	raw := chi.URLParam(r, "requestID")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending := s.approvals.Pending()
	if session := r.URL.Query().Get("session"); session != "" {
		filtered := pending[:0]
		for _, req := range pending {
			if req.SessionID == session {
				filtered = append(filtered, req)
			}
		}
		pending = filtered
	}
	respondJSON(w, http.StatusOK, pending)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id := requestID(r)
	req, ok := s.approvals.Get(id)
	if !ok {
		respondDomainError(w, core.ErrNotFound("approval request", id))
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleRespondApproval(w http.ResponseWriter, r *http.Request) {
	var body ApprovalAnswer
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	resp, err := control.ParseAction(body.Action, body.Reason, body.Text)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	id := requestID(r)
	if !s.approvals.ProvideResponse(id, resp) {
		respondDomainError(w, core.ErrNotFound("approval request", id))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"request_id": id, "outcome": control.Outcome(resp)})
}
