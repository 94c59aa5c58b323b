package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sitevitals/siteaudit/internal/audit"
)

// sessionEvent is the JSON body pushed on the event stream. The event
// type rides inside the payload so clients that read only data: lines
// can still dispatch on it.
type sessionEvent struct {
	audit.AuditSession
	Type        string `json:"type"`
	RedirectURL string `json:"redirectUrl,omitempty"`
}

// streamEvents handles GET /v1/audits/{session_id}/events as a
// server-sent event stream. The stream closes after a terminal event;
// client disconnects close only the stream, never the underlying job.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

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

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sendEvent(w, "connected", sessionEvent{AuditSession: sess, Type: "connected"})
	flusher.Flush()
	if sess.Terminal() {
		sendTerminal(w, sess)
		flusher.Flush()
		return
	}

	poll := time.NewTicker(s.cfg.StreamPollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	last := sess
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-poll.C:
			sess, err := s.registry.Get(r.Context(), sessionID)
			if err != nil {
				if errors.Is(err, audit.ErrSessionNotFound) {
					// Evicted mid-stream; tell the client rather than hang.
					sendEvent(w, "error", map[string]string{
						"type":       "error",
						"session_id": sessionID,
						"message":    "session expired",
					})
					flusher.Flush()
					return
				}
				// A store hiccup is not an expiry; keep polling.
				s.logger.Warn("poll session failed", zap.String("session_id", sessionID), zap.Error(err))
				continue
			}
			if sess.Terminal() {
				sendTerminal(w, sess)
				flusher.Flush()
				return
			}
			if sess.LastTouchedAt.After(last.LastTouchedAt) {
				sendEvent(w, "progress", sessionEvent{AuditSession: sess, Type: "progress"})
				flusher.Flush()
				last = sess
			}
		}
	}
}

func terminalEventName(sess audit.AuditSession) string {
	if sess.Status == audit.SessionError {
		return "error"
	}
	return "completed"
}

// sendTerminal writes the closing event. Completed sessions point the
// client at the durable record via redirectUrl; errored ones surface
// the failure text as the message.
func sendTerminal(w http.ResponseWriter, sess audit.AuditSession) {
	evt := sessionEvent{AuditSession: sess, Type: terminalEventName(sess)}
	if sess.Status == audit.SessionError {
		if sess.ErrorMessage != "" {
			evt.Message = sess.ErrorMessage
		}
	} else {
		evt.RedirectURL = statusURL(sess.ID)
	}
	sendEvent(w, evt.Type, evt)
}

func sendEvent(w http.ResponseWriter, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"type":"error","message":"marshal event"}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}
