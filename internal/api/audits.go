package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sitevitals/siteaudit/internal/audit"
	"github.com/sitevitals/siteaudit/internal/scheduler"
)

type submitAuditRequest struct {
	URL          string            `json:"url"`
	ReportKind   string            `json:"report_kind"`
	PageBudget   *int              `json:"page_budget"`
	PriorityHint string            `json:"priority_hint"`
	ForceRefresh bool              `json:"force_refresh"`
	Limits       *audit.UserLimits `json:"limits"`
}

type submitAuditResponse struct {
	SessionID string `json:"session_id"`
	JobID     string `json:"job_id,omitempty"`
	Cached    bool   `json:"cached,omitempty"`
	StreamURL string `json:"stream_url"`
	StatusURL string `json:"status_url"`
}

// submitAudit handles POST /v1/audits. A fresh cached result short-
// circuits the crawl: the session is created already completed and no job
// is enqueued.
func (s *Server) submitAudit(w http.ResponseWriter, r *http.Request) {
	var req submitAuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	targetURL, err := audit.NormalizeTargetURL(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := parseReportKind(req.ReportKind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pageBudget := s.cfg.DefaultPageBudget
	if req.PageBudget != nil {
		pageBudget = *req.PageBudget
	}
	if pageBudget < 1 || pageBudget > 1000 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("page_budget %d outside [1,1000]", pageBudget))
		return
	}
	var limits audit.UserLimits
	if req.Limits != nil {
		limits = *req.Limits
	}

	sessionID, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate session id")
		return
	}

	if !req.ForceRefresh {
		if record := s.gate.Lookup(r.Context(), targetURL); record != nil {
			s.observeCacheLookup(true)
			if err := s.createCachedSession(r, sessionID, targetURL, kind, pageBudget, record); err != nil {
				s.logger.Error("create cached session failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "create session")
				return
			}
			writeJSON(w, http.StatusOK, submitAuditResponse{
				SessionID: sessionID,
				Cached:    true,
				StreamURL: streamURL(sessionID),
				StatusURL: statusURL(sessionID),
			})
			return
		}
		s.observeCacheLookup(false)
	}

	err = s.registry.Create(r.Context(), audit.AuditSession{
		ID:           sessionID,
		Status:       audit.SessionRunning,
		TargetURL:    targetURL,
		ReportKind:   kind,
		PageBudget:   pageBudget,
		PriorityHint: req.PriorityHint,
		Phase:        string(audit.PhaseStarting),
		Message:      "audit queued",
	})
	if err != nil {
		s.logger.Error("create session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create session")
		return
	}

	jobID, err := s.sched.Submit(audit.JobKindRunAudit, audit.AuditPayload{
		TargetURL:    targetURL,
		ReportKind:   kind,
		PageBudget:   pageBudget,
		PriorityHint: req.PriorityHint,
		SessionID:    sessionID,
		Limits:       limits,
	}, scheduler.Options{MaxAttempts: s.cfg.MaxAttempts})
	if err != nil {
		s.logger.Error("submit job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submit job")
		return
	}
	if _, err := s.registry.Merge(r.Context(), sessionID, audit.SessionPatch{JobID: &jobID}); err != nil {
		s.logger.Warn("merge job id failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	writeJSON(w, http.StatusAccepted, submitAuditResponse{
		SessionID: sessionID,
		JobID:     jobID,
		StreamURL: streamURL(sessionID),
		StatusURL: statusURL(sessionID),
	})
}

func (s *Server) createCachedSession(
	r *http.Request,
	sessionID, targetURL string,
	kind audit.ReportKind,
	pageBudget int,
	record *audit.AuditRecord,
) error {
	pages := 0
	if record.Report != nil {
		pages = record.Report.PagesCrawled
	}
	return s.registry.Create(r.Context(), audit.AuditSession{
		ID:         sessionID,
		Status:     audit.SessionCompleted,
		TargetURL:  targetURL,
		ReportKind: kind,
		PageBudget: pageBudget,
		RecordID:   record.ID,
		Progress:   100,
		PageCount:  pages,
		Phase:      string(audit.PhaseDone),
		Message:    "served from recent audit",
		FromCache:  true,
		Result:     record.Report,
	})
}

// getStatus handles GET /v1/audits/{session_id}/status.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	sess, err := s.registry.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, audit.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("get session failed", zap.String("session_id", sessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "load session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func parseReportKind(raw string) (audit.ReportKind, error) {
	switch raw {
	case "", string(audit.ReportSummary):
		return audit.ReportSummary, nil
	case string(audit.ReportDetailed):
		return audit.ReportDetailed, nil
	default:
		return "", fmt.Errorf("unknown report_kind %q", raw)
	}
}

func (s *Server) observeCacheLookup(hit bool) {
	if s.sink != nil {
		s.sink.ObserveCacheLookup(hit)
	}
}

func streamURL(sessionID string) string {
	return "/v1/audits/" + sessionID + "/events"
}

func statusURL(sessionID string) string {
	return "/v1/audits/" + sessionID + "/status"
}
