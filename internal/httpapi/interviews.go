package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hirecall/interviewd/internal/auth"
	"github.com/hirecall/interviewd/internal/interview"
	"github.com/hirecall/interviewd/internal/notify"
	"github.com/hirecall/interviewd/internal/orchestrator"
	"github.com/hirecall/interviewd/internal/store"
)

const (
	defaultRelayTokenTTL = 2 * time.Hour
	maxRelayTokenTTL     = 24 * time.Hour
	eventsPingInterval   = 30 * time.Second
	eventsWriteTimeout   = 10 * time.Second
)

func (s *Server) handleCreateInterview(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())
	if claims.InterviewID != "" {
		respondError(w, http.StatusForbidden, "forbidden", "token is scoped to a single interview")
		return
	}
	var req orchestrator.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	iv, err := s.service.Create(r.Context(), claims.OwnerID(), req)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, iv)
}

func (s *Server) handleGetInterview(w http.ResponseWriter, r *http.Request) {
	iv, ok := s.ownedInterview(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, iv)
}

func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	iv, ok := s.ownedInterview(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	cs, err := s.service.PlaceCall(r.Context(), iv.ID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, cs)
}

func (s *Server) handleHangUp(w http.ResponseWriter, r *http.Request) {
	iv, ok := s.ownedInterview(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	cs, err := s.service.HangUp(r.Context(), iv.ID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, cs)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	iv, ok := s.ownedInterview(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	summary, err := s.service.Finalize(r.Context(), iv.ID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	iv, ok := s.ownedInterview(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	view, err := s.service.Transcript(r.Context(), iv.ID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

type relayTokenRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

type relayTokenResponse struct {
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	RelayURL  string    `json:"relay_url"`
}

// handleRelayToken issues a candidate-facing token limited to one interview.
func (s *Server) handleRelayToken(w http.ResponseWriter, r *http.Request) {
	iv, ok := s.ownedInterview(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var req relayTokenRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ttl := defaultRelayTokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl > maxRelayTokenTTL {
		ttl = maxRelayTokenTTL
	}

	resp := relayTokenResponse{}
	if s.maker != nil {
		token, err := s.maker.Issue(iv.OwnerID, iv.ID, ttl)
		if err != nil {
			s.respondServiceError(w, err)
			return
		}
		resp.Token = token
		resp.ExpiresAt = time.Now().UTC().Add(ttl)
	}
	resp.RelayURL = relayURL(s.cfg.PublicBaseURL, iv.ID, resp.Token)
	respondJSON(w, http.StatusCreated, resp)
}

// handleEvents streams interview changes to the owner over a websocket.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	iv, ok := s.ownedInterview(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		respondError(w, http.StatusUpgradeRequired, "upgrade_required", "websocket upgrade required")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := s.hub.Subscribe(ctx, iv.ID)
	if err != nil {
		s.logger.Warn("events subscribe failed", zap.String("interview_id", iv.ID), zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(time.Second))
		return
	}
	defer sub.Close()

	// The reader only detects the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
		return conn.WriteJSON(v)
	}
	snapshot := notify.Event{Kind: notify.KindStatus, InterviewID: iv.ID, Status: iv.Status, Current: iv.Metadata.Current, At: time.Now().UTC()}
	if err := write(snapshot); err != nil {
		return
	}

	ping := time.NewTicker(eventsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := write(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// ownedInterview loads the interview and checks the caller may act on it.
// Interviews owned by someone else are reported as not found.
func (s *Server) ownedInterview(w http.ResponseWriter, r *http.Request, id string) (interview.Interview, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_interview_id", "missing interview id")
		return interview.Interview{}, false
	}
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", auth.ErrMissingToken.Error())
		return interview.Interview{}, false
	}
	iv, err := s.service.Get(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return interview.Interview{}, false
	}
	if !claims.Allows(iv.ID, iv.OwnerID) {
		s.respondServiceError(w, store.ErrNotFound)
		return interview.Interview{}, false
	}
	return iv, true
}

func relayURL(baseURL, interviewID, token string) string {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{}
	q.Set("interview_id", interviewID)
	if token != "" {
		q.Set("token", token)
	}
	return base + "/v1/relay?" + q.Encode()
}
