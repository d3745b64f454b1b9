package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hirecall/interviewd/internal/auth"
	"github.com/hirecall/interviewd/internal/config"
	"github.com/hirecall/interviewd/internal/notify"
	"github.com/hirecall/interviewd/internal/observability"
	"github.com/hirecall/interviewd/internal/orchestrator"
	"github.com/hirecall/interviewd/internal/relay"
	"github.com/hirecall/interviewd/internal/session"
	"github.com/hirecall/interviewd/internal/store"
	"github.com/hirecall/interviewd/internal/telephony"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Service  *orchestrator.Service
	Sessions *session.Manager
	Bridge   *relay.Bridge
	Hub      notify.Hub
	Store    Pinger
	Maker    *auth.Maker
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

type Server struct {
	cfg       config.Config
	service   *orchestrator.Service
	sessions  *session.Manager
	bridge    *relay.Bridge
	hub       notify.Hub
	store     Pinger
	maker     *auth.Maker
	validator *telephony.SignatureValidator
	renderer  telephony.Renderer
	metrics   *observability.Metrics
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		service:  deps.Service,
		sessions: deps.Sessions,
		bridge:   deps.Bridge,
		hub:      deps.Hub,
		store:    deps.Store,
		maker:    deps.Maker,
		renderer: telephony.Renderer{URLs: telephony.URLs{BaseURL: cfg.PublicBaseURL}},
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	if cfg.Twilio.ValidateSignature && cfg.Twilio.AuthToken != "" {
		s.validator = telephony.NewSignatureValidator(cfg.Twilio.AuthToken, cfg.PublicBaseURL)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Group(func(r chi.Router) {
		r.Use(s.verifyWebhook)
		r.Post(telephony.AnswerPath, s.handleAnswer)
		r.Post(telephony.ResponsePath, s.handleResponse)
		r.Post(telephony.TranscriptionPath, s.handleTranscription)
		r.Post(telephony.StatusPath, s.handleCallStatus)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.maker))
		r.Post("/v1/interviews", s.handleCreateInterview)
		r.Route("/v1/interviews/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetInterview)
			r.Post("/call", s.handlePlaceCall)
			r.Post("/hangup", s.handleHangUp)
			r.Post("/finalize", s.handleFinalize)
			r.Post("/relay-token", s.handleRelayToken)
			r.Get("/transcript", s.handleTranscript)
			r.Get("/events", s.handleEvents)
		})
		r.Get("/v1/relay", s.handleRelay)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"telephony_enabled": s.cfg.TelephonyEnabled(),
		"relay_sessions":    s.activeRelaySessions(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotLatency())
}

func (s *Server) activeRelaySessions() int {
	if s.sessions == nil {
		return 0
	}
	return s.sessions.ActiveCount()
}

// respondServiceError maps orchestrator and store errors to HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	var perr *telephony.ProviderError
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, orchestrator.ErrInvalidPhone):
		respondError(w, http.StatusUnprocessableEntity, "invalid_phone", err.Error())
	case errors.Is(err, orchestrator.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, orchestrator.ErrInvalidState):
		respondError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, telephony.ErrNotConfigured):
		respondError(w, http.StatusServiceUnavailable, "telephony_unavailable", err.Error())
	case errors.As(err, &perr):
		respondError(w, http.StatusBadGateway, "provider_error", err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
