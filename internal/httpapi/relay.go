package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hirecall/interviewd/internal/session"
)

// handleRelay upgrades the caller and bridges it to the realtime model for
// the lifetime of the connection.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	interviewID := strings.TrimSpace(r.URL.Query().Get("interview_id"))
	if interviewID == "" {
		respondError(w, http.StatusBadRequest, "missing_interview_id", "query parameter interview_id is required")
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		respondError(w, http.StatusUpgradeRequired, "upgrade_required", "websocket upgrade required")
		return
	}
	if s.bridge == nil || s.sessions == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "realtime relay not configured")
		return
	}
	iv, ok := s.ownedInterview(w, r, interviewID)
	if !ok {
		return
	}

	sess, err := s.sessions.Create(iv.ID, iv.OwnerID)
	if errors.Is(err, session.ErrActive) {
		respondError(w, http.StatusConflict, "session_active", err.Error())
		return
	}
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_, _ = s.sessions.End(sess.ID, "upgrade_failed")
		return
	}

	prompt := strings.TrimSpace(r.URL.Query().Get("prompt"))
	if prompt == "" {
		prompt = iv.Prompt
	}
	if err := s.bridge.Serve(r.Context(), conn, sess, prompt); err != nil {
		s.logger.Debug("relay ended with error", zap.String("session_id", sess.ID), zap.Error(err))
	}
}
