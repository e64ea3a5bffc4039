// Copyright 2026 Cordon Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cordonlabs/cordon/approval"
	"github.com/cordonlabs/cordon/audit"
	"github.com/cordonlabs/cordon/schema"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := approval.PendingFilter{
		Domain:   q.Get("domain"),
		Workflow: q.Get("workflow"),
		RunID:    q.Get("run_id"),
	}
	if tl := q.Get("trust_level"); tl != "" {
		level := schema.TrustLevel(tl)
		if !level.Valid() {
			writeError(w, http.StatusBadRequest, "invalid trust_level")
			return
		}
		f.TrustLevel = level
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	requests, err := s.approvals.GetPendingRequests(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": requests,
		"count":    len(requests),
	})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := s.approvals.GetRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			writeError(w, http.StatusNotFound, "approval request not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{"request": req}
	if decision, err := s.approvals.GetDecision(r.Context(), id); err == nil {
		resp["decision"] = decision
	}
	writeJSON(w, http.StatusOK, resp)
}

type decideBody struct {
	Decision  string `json:"decision"`
	DecidedBy string `json:"decided_by"`
	Notes     string `json:"notes"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var body decideBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.DecidedBy) == "" {
		writeError(w, http.StatusBadRequest, "decided_by is required")
		return
	}
	kind := approval.DecisionKind(strings.ToUpper(body.Decision))
	if kind != approval.DecisionApprove && kind != approval.DecisionReject {
		writeError(w, http.StatusBadRequest, "decision must be APPROVE or REJECT")
		return
	}

	decision, err := s.approvals.CreateDecision(r.Context(), &approval.Decision{
		RequestID: chi.URLParam(r, "id"),
		DecidedBy: body.DecidedBy,
		Decision:  kind,
		Notes:     body.Notes,
	})
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrNotFound):
			writeError(w, http.StatusNotFound, "approval request not found")
		case errors.Is(err, approval.ErrAlreadyDecided):
			writeError(w, http.StatusConflict, "approval request already decided")
		case errors.Is(err, approval.ErrExpired):
			writeError(w, http.StatusGone, "approval request expired")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	status := approval.StatusApproved
	if kind == approval.DecisionReject {
		status = approval.StatusRejected
	}
	s.metrics.RecordApprovalDecision(r.Context(), status)

	writeJSON(w, http.StatusOK, map[string]any{"decision": decision})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	count, err := s.approvals.ExpireStaleRequests(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": count})
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		RunID:    q.Get("run_id"),
		Workflow: q.Get("workflow"),
		Agent:    q.Get("agent"),
		Domain:   q.Get("domain"),
	}
	if tl := q.Get("trust_level"); tl != "" {
		level := schema.TrustLevel(tl)
		if !level.Valid() {
			writeError(w, http.StatusBadRequest, "invalid trust_level")
			return
		}
		f.TrustLevel = level
	}
	if stage := q.Get("stage"); stage != "" {
		st := schema.Stage(stage)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "invalid stage")
			return
		}
		f.Stage = st
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		f.Since = t
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid until timestamp")
			return
		}
		f.Until = t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	events, err := s.audits.Query(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.audits.Stats(r.Context(), r.URL.Query().Get("run_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
