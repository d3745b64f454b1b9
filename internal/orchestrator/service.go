package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hirecall/interviewd/internal/evaluation"
	"github.com/hirecall/interviewd/internal/interview"
	"github.com/hirecall/interviewd/internal/notify"
	"github.com/hirecall/interviewd/internal/observability"
	"github.com/hirecall/interviewd/internal/policy"
	"github.com/hirecall/interviewd/internal/script"
	"github.com/hirecall/interviewd/internal/store"
	"github.com/hirecall/interviewd/internal/telephony"
)

var (
	// ErrInvalidState is returned when an operation does not apply to the
	// interview's current status.
	ErrInvalidState = errors.New("operation not allowed in current interview state")
	ErrInvalidPhone = interview.ErrInvalidPhone
	ErrNotFound     = store.ErrNotFound
	ErrInvalidInput = errors.New("invalid interview input")
)

// ScriptGenerator produces a non-empty question script.
type ScriptGenerator interface {
	Generate(ctx context.Context, role, language string) []interview.Question
}

// Evaluator scores a completed interview. It never fails.
type Evaluator interface {
	Evaluate(ctx context.Context, in evaluation.Input) evaluation.Summary
}

type Config struct {
	PublicBaseURL      string
	DefaultCountryCode string
	// AutoFinalize evaluates interviews in the background once completed.
	AutoFinalize bool
	// FinalizeTimeout bounds how long auto-finalize waits for pending
	// transcriptions before evaluating what it has.
	FinalizeTimeout time.Duration
}

type Deps struct {
	Store     store.Store
	Provider  telephony.Provider
	Scripts   ScriptGenerator
	Evaluator Evaluator
	Catalog   *script.Catalog
	Hub       notify.Hub
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

// Service drives interviews through their lifecycle. Handlers keep no
// per-call state in memory: every step reloads the interview and applies a
// pure transition inside a conditional store update.
type Service struct {
	cfg       Config
	store     store.Store
	provider  telephony.Provider
	scripts   ScriptGenerator
	evaluator Evaluator
	catalog   *script.Catalog
	hub       notify.Hub
	metrics   *observability.Metrics
	logger    *zap.Logger
	urls      telephony.URLs
	now       func() time.Time

	finalizeMu sync.Mutex
	inflight   map[string]bool
	timers     map[string]*time.Timer
	bg         sync.WaitGroup
	closed     bool
}

func NewService(cfg Config, deps Deps) *Service {
	if deps.Catalog == nil {
		deps.Catalog = script.DefaultCatalog()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Hub == nil {
		deps.Hub = notify.NewMemoryHub()
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 90 * time.Second
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		provider:  deps.Provider,
		scripts:   deps.Scripts,
		evaluator: deps.Evaluator,
		catalog:   deps.Catalog,
		hub:       deps.Hub,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		urls:      telephony.URLs{BaseURL: cfg.PublicBaseURL},
		now:       func() time.Time { return time.Now().UTC() },
		inflight:  make(map[string]bool),
		timers:    make(map[string]*time.Timer),
	}
}

// Reply is what a telephony webhook should answer with.
type Reply struct {
	Instruction interview.Instruction
	SayLanguage string
}

type CreateRequest struct {
	CandidateName string `json:"candidate_name"`
	Phone         string `json:"phone"`
	Role          string `json:"role"`
	Language      string `json:"language"`
	Prompt        string `json:"prompt"`
}

// Create schedules a new interview owned by ownerID.
func (s *Service) Create(ctx context.Context, ownerID string, req CreateRequest) (interview.Interview, error) {
	if strings.TrimSpace(req.Role) == "" {
		return interview.Interview{}, fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	if _, err := interview.NormalizePhone(req.Phone, s.cfg.DefaultCountryCode); err != nil {
		return interview.Interview{}, err
	}
	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = s.catalog.Default
	}
	iv := interview.Interview{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		CandidateName: strings.TrimSpace(req.CandidateName),
		Phone:         strings.TrimSpace(req.Phone),
		Role:          strings.TrimSpace(req.Role),
		Language:      lang,
		Prompt:        strings.TrimSpace(req.Prompt),
		Status:        interview.StatusScheduled,
	}
	if err := s.store.CreateInterview(ctx, iv); err != nil {
		return interview.Interview{}, fmt.Errorf("create interview: %w", err)
	}
	s.metrics.ObserveTransition(string(interview.StatusScheduled))
	return s.store.GetInterview(ctx, iv.ID)
}

func (s *Service) Get(ctx context.Context, interviewID string) (interview.Interview, error) {
	return s.store.GetInterview(ctx, interviewID)
}

// PlaceCall starts the outbound call for a scheduled interview.
func (s *Service) PlaceCall(ctx context.Context, interviewID string) (interview.CallSession, error) {
	if s.provider == nil {
		return interview.CallSession{}, telephony.ErrNotConfigured
	}
	iv, err := s.store.GetInterview(ctx, interviewID)
	if err != nil {
		return interview.CallSession{}, err
	}
	if iv.Status != interview.StatusScheduled {
		return interview.CallSession{}, fmt.Errorf("%w: interview is %s", ErrInvalidState, iv.Status)
	}
	phone, err := interview.NormalizePhone(iv.Phone, s.cfg.DefaultCountryCode)
	if err != nil {
		return interview.CallSession{}, err
	}

	_, _, err = s.store.UpdateInterview(ctx, interviewID, func(iv *interview.Interview) (bool, error) {
		if err := iv.MarkCalling(); err != nil {
			return false, fmt.Errorf("%w: interview is %s", ErrInvalidState, iv.Status)
		}
		iv.Phone = phone
		return true, nil
	})
	if err != nil {
		return interview.CallSession{}, s.conflict(err)
	}
	s.announce(ctx, interviewID, interview.StatusCalling, 0)

	log := s.logger.With(zap.String("interview_id", interviewID), zap.String("to", policy.MaskPhone(phone)))
	res, err := s.provider.PlaceCall(ctx, telephony.CallRequest{
		To:                phone,
		AnswerURL:         s.urls.Answer(interviewID),
		StatusCallbackURL: s.urls.Status(interviewID),
		Record:            true,
	})
	if err != nil {
		log.Warn("place call failed", zap.Error(err))
		return s.recordDialFailure(ctx, interviewID, phone, err)
	}

	cs := interview.CallSession{
		CallSID:     res.SID,
		InterviewID: interviewID,
		Direction:   "outbound-api",
		From:        res.From,
		To:          phone,
		Status:      callStatusOr(res.Status, interview.CallQueued),
	}
	// A status callback may have created the row already; keep what it wrote.
	created, err := s.store.CreateCallSession(ctx, cs)
	if err != nil {
		return interview.CallSession{}, fmt.Errorf("save call session: %w", err)
	}
	log.Info("call placed", zap.String("call_sid", res.SID), zap.Bool("callback_first", !created))
	return s.store.GetCallSession(ctx, res.SID)
}

func (s *Service) recordDialFailure(ctx context.Context, interviewID, phone string, cause error) (interview.CallSession, error) {
	code, msg := "provider_error", cause.Error()
	var perr *telephony.ProviderError
	if errors.As(cause, &perr) {
		if perr.Code != "" {
			code = perr.Code
		}
		msg = perr.Message
	}
	s.metrics.ObserveProviderError("telephony", code)

	cs := interview.CallSession{
		CallSID:      "failed-" + uuid.NewString(),
		InterviewID:  interviewID,
		Direction:    "outbound-api",
		To:           phone,
		Status:       interview.CallFailed,
		ErrorCode:    code,
		ErrorMessage: msg,
	}
	if _, err := s.store.CreateCallSession(ctx, cs); err != nil {
		s.logger.Error("save failed call session", zap.String("interview_id", interviewID), zap.Error(err))
	}
	if _, wrote, err := s.store.UpdateInterview(ctx, interviewID, func(iv *interview.Interview) (bool, error) {
		return iv.MarkFailed(), nil
	}); err != nil {
		s.logger.Error("mark interview failed", zap.String("interview_id", interviewID), zap.Error(err))
	} else if wrote {
		s.announce(ctx, interviewID, interview.StatusFailed, 0)
	}
	return cs, fmt.Errorf("place call: %w", cause)
}

// Answer handles the call-connected webhook. The script is generated at
// most once: generation runs outside the update and is installed only if
// the interview still has none.
func (s *Service) Answer(ctx context.Context, interviewID, callSID string) (Reply, error) {
	iv, err := s.store.GetInterview(ctx, interviewID)
	if err != nil {
		return s.apology(""), err
	}
	lines := s.catalog.Lines(iv.Language)
	reply := Reply{SayLanguage: s.catalog.SayLanguage(iv.Language)}

	var generated []interview.Question
	if !iv.HasScript() && live(iv.Status) && s.scripts != nil {
		generated = s.scripts.Generate(ctx, iv.Role, iv.Language)
	}

	after, wrote, err := s.store.UpdateInterview(ctx, interviewID, func(iv *interview.Interview) (bool, error) {
		changed := false
		if len(generated) > 0 && iv.SetScript(generated) {
			changed = true
		}
		in, ch := iv.Answer(s.now(), lines)
		reply.Instruction = in
		return changed || ch, nil
	})
	if err != nil {
		return s.apology(iv.Language), s.conflict(err)
	}
	if wrote {
		s.announce(ctx, interviewID, after.Status, after.Metadata.Current)
		s.announceQuestion(ctx, interviewID, reply.Instruction)
	}
	s.logger.Info("call answered",
		zap.String("interview_id", interviewID),
		zap.String("call_sid", callSID),
		zap.String("status", string(after.Status)),
		zap.Int("questions", len(after.Metadata.Script)))
	return reply, nil
}

// Response handles the recording-finished webhook for question index.
// Provider retries for an index that already advanced re-ask the current
// question without advancing again.
func (s *Service) Response(ctx context.Context, interviewID string, index int, rec interview.Recording) (Reply, error) {
	iv, err := s.store.GetInterview(ctx, interviewID)
	if err != nil {
		return s.apology(""), err
	}
	lines := s.catalog.Lines(iv.Language)
	reply := Reply{SayLanguage: s.catalog.SayLanguage(iv.Language)}

	after, wrote, err := s.store.UpdateInterview(ctx, interviewID, func(iv *interview.Interview) (bool, error) {
		in, changed := iv.RecordResponse(index, rec, s.now(), lines)
		reply.Instruction = in
		return changed, nil
	})
	if err != nil {
		return s.apology(iv.Language), s.conflict(err)
	}
	if !wrote {
		s.logger.Debug("duplicate response ignored", zap.String("interview_id", interviewID), zap.Int("index", index))
		return reply, nil
	}
	s.announceQuestion(ctx, interviewID, reply.Instruction)
	if after.Status == interview.StatusCompleted {
		s.announce(ctx, interviewID, after.Status, after.Metadata.Current)
		s.finalizeWhenReady(after)
	}
	return reply, nil
}

// Transcription attaches provider transcription text to response index and
// stores it as a segment. Text for a question that was never asked is kept
// as a segment only.
func (s *Service) Transcription(ctx context.Context, interviewID string, index int, text, ref string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	after, _, err := s.store.UpdateInterview(ctx, interviewID, func(iv *interview.Interview) (bool, error) {
		return iv.AttachTranscript(index, text), nil
	})
	if err != nil {
		return s.conflict(err)
	}

	m := interview.AnalyzeSpeech(text, 0)
	if r, ok := after.ResponseAt(index); ok && r.Metrics != nil {
		m = *r.Metrics
	}
	if ref == "" {
		ref = fmt.Sprintf("q:%d", index)
	}
	inserted, err := s.store.AppendSegment(ctx, interview.TranscriptSegment{
		ID:            uuid.NewString(),
		InterviewID:   interviewID,
		Source:        interview.SourceTelephony,
		QuestionIndex: index,
		Ref:           ref,
		Text:          text,
		WPM:           m.WPM,
		FillerRate:    m.FillerRate,
		CreatedAt:     s.now(),
	})
	if err != nil {
		return fmt.Errorf("append segment: %w", err)
	}
	if inserted {
		_ = s.hub.Publish(ctx, notify.Event{Kind: notify.KindTranscript, InterviewID: interviewID, Status: after.Status, Current: index, Text: text})
	}
	if after.Status == interview.StatusCompleted && allTranscribed(after) {
		s.finalizeNow(interviewID)
	}
	return nil
}

// StatusUpdate is a provider call lifecycle callback.
type StatusUpdate struct {
	CallSID      string
	InterviewID  string
	Status       interview.CallStatus
	DurationSec  int
	ErrorCode    string
	ErrorMessage string
}

// CallStatus folds a call lifecycle callback into the call session and the
// interview.
func (s *Service) CallStatus(ctx context.Context, u StatusUpdate) error {
	apply := func(cs *interview.CallSession) bool {
		if cs.Status.Terminal() {
			return false
		}
		cs.Status = u.Status
		if u.DurationSec > 0 {
			cs.DurationSec = u.DurationSec
		}
		if u.ErrorCode != "" {
			cs.ErrorCode = u.ErrorCode
			cs.ErrorMessage = u.ErrorMessage
		}
		return true
	}
	cs, err := s.store.UpdateCallSession(ctx, u.CallSID, apply)
	if errors.Is(err, store.ErrNotFound) && u.InterviewID != "" {
		cs = interview.CallSession{
			CallSID:      u.CallSID,
			InterviewID:  u.InterviewID,
			Direction:    "outbound-api",
			Status:       u.Status,
			DurationSec:  u.DurationSec,
			ErrorCode:    u.ErrorCode,
			ErrorMessage: u.ErrorMessage,
		}
		var created bool
		if created, err = s.store.CreateCallSession(ctx, cs); err == nil && !created {
			// PlaceCall inserted the row in between.
			cs, err = s.store.UpdateCallSession(ctx, u.CallSID, apply)
		}
	}
	if err != nil {
		return fmt.Errorf("update call session: %w", err)
	}

	interviewID := cs.InterviewID
	if interviewID == "" {
		interviewID = u.InterviewID
	}
	if u.Status.Failure() {
		s.metrics.ObserveProviderError("telephony", string(u.Status))
	}
	after, wrote, err := s.store.UpdateInterview(ctx, interviewID, func(iv *interview.Interview) (bool, error) {
		return iv.ApplyCallStatus(u.Status, s.now()), nil
	})
	if err != nil {
		return s.conflict(err)
	}
	if !wrote {
		return nil
	}
	s.logger.Info("call status applied",
		zap.String("interview_id", interviewID),
		zap.String("call_sid", u.CallSID),
		zap.String("call_status", string(u.Status)),
		zap.String("status", string(after.Status)))
	s.announce(ctx, interviewID, after.Status, after.Metadata.Current)
	if after.Status == interview.StatusCompleted {
		s.finalizeWhenReady(after)
	}
	return nil
}

// HangUp ends the interview's live call through the provider.
func (s *Service) HangUp(ctx context.Context, interviewID string) (interview.CallSession, error) {
	if s.provider == nil {
		return interview.CallSession{}, telephony.ErrNotConfigured
	}
	cs, err := s.store.LatestCallSession(ctx, interviewID)
	if err != nil {
		return interview.CallSession{}, err
	}
	if cs.Status.Terminal() {
		return interview.CallSession{}, fmt.Errorf("%w: call already %s", ErrInvalidState, cs.Status)
	}
	if err := s.provider.EndCall(ctx, cs.CallSID); err != nil {
		s.metrics.ObserveProviderError("telephony", "end_call")
		return interview.CallSession{}, fmt.Errorf("end call: %w", err)
	}
	s.logger.Info("call hangup requested", zap.String("interview_id", interviewID), zap.String("call_sid", cs.CallSID))
	return cs, nil
}

func (s *Service) apology(language string) Reply {
	return Reply{
		Instruction: interview.Instruction{Say: []string{s.catalog.Phrases(language).Apology}, Hangup: true},
		SayLanguage: s.catalog.SayLanguage(language),
	}
}

// Fallback is the reply for a webhook that could not be processed.
func (s *Service) Fallback(language string) Reply {
	return s.apology(language)
}

func (s *Service) announce(ctx context.Context, interviewID string, status interview.Status, current int) {
	s.metrics.ObserveTransition(string(status))
	if err := s.hub.Publish(ctx, notify.Event{Kind: notify.KindStatus, InterviewID: interviewID, Status: status, Current: current}); err != nil {
		s.logger.Warn("publish status failed", zap.String("interview_id", interviewID), zap.Error(err))
	}
}

func (s *Service) announceQuestion(ctx context.Context, interviewID string, in interview.Instruction) {
	if in.Ask == nil {
		return
	}
	ev := notify.Event{Kind: notify.KindQuestion, InterviewID: interviewID, Status: interview.StatusInProgress, Current: in.Ask.Index, Text: in.Ask.Text}
	if err := s.hub.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish question failed", zap.String("interview_id", interviewID), zap.Error(err))
	}
}

func (s *Service) conflict(err error) error {
	if errors.Is(err, store.ErrConflict) {
		s.metrics.ObserveStoreConflict()
	}
	return err
}

func live(status interview.Status) bool {
	switch status {
	case interview.StatusCalling, interview.StatusRinging, interview.StatusInProgress:
		return true
	default:
		return false
	}
}

func callStatusOr(raw string, fallback interview.CallStatus) interview.CallStatus {
	if raw == "" {
		return fallback
	}
	return interview.CallStatus(strings.ToLower(raw))
}

func allTranscribed(iv interview.Interview) bool {
	for _, r := range iv.Metadata.Responses {
		if r.Status == interview.ResponseAnswered && r.Transcript == "" {
			return false
		}
	}
	return true
}
