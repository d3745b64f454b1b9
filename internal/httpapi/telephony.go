package httpapi

import (
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hirecall/interviewd/internal/interview"
	"github.com/hirecall/interviewd/internal/observability"
	"github.com/hirecall/interviewd/internal/orchestrator"
	"github.com/hirecall/interviewd/internal/telephony"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// verifyWebhook rejects provider callbacks with a bad signature when
// validation is enabled, and parses the form otherwise.
func (s *Server) verifyWebhook(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.validator != nil {
			if err := s.validator.Validate(r); err != nil {
				s.metrics.ObserveWebhook(webhookKind(r), "bad_signature")
				s.logger.Warn("webhook signature rejected", zap.String("path", r.URL.Path), zap.Error(err))
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		} else if err := r.ParseForm(); err != nil {
			s.metrics.ObserveWebhook(webhookKind(r), "invalid")
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Answer and Response always reply 200 with TwiML so the provider never
// plays its own error message to the candidate.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	defer func() { s.metrics.ObserveStage(observability.StageWebhookAnswer, time.Since(started)) }()

	ev, err := telephony.ParseAnswer(r)
	if err != nil {
		s.metrics.ObserveWebhook("answer", "invalid")
		s.writeTwiML(w, s.service.Fallback(""), "")
		return
	}
	reply, err := s.service.Answer(r.Context(), ev.InterviewID, ev.CallSID)
	s.observeWebhook("answer", ev.InterviewID, err)
	s.writeTwiML(w, reply, ev.InterviewID)
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	defer func() { s.metrics.ObserveStage(observability.StageWebhookResponse, time.Since(started)) }()

	ev, err := telephony.ParseRecording(r)
	if err != nil {
		s.metrics.ObserveWebhook("response", "invalid")
		s.writeTwiML(w, s.service.Fallback(""), "")
		return
	}
	reply, err := s.service.Response(r.Context(), ev.InterviewID, ev.Index, interview.Recording{
		URL:         ev.RecordingURL,
		DurationSec: ev.DurationSec,
	})
	s.observeWebhook("response", ev.InterviewID, err)
	s.writeTwiML(w, reply, ev.InterviewID)
}

func (s *Server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	ev, err := telephony.ParseTranscription(r)
	if err != nil {
		s.metrics.ObserveWebhook("transcription", "invalid")
		s.logger.Warn("invalid transcription callback", zap.Error(err))
		writeXML(w, emptyTwiML)
		return
	}
	if ev.Status != "" && !strings.EqualFold(ev.Status, "completed") {
		s.metrics.ObserveWebhook("transcription", "skipped")
		s.logger.Info("transcription not completed",
			zap.String("interview_id", ev.InterviewID),
			zap.Int("index", ev.Index),
			zap.String("transcription_status", ev.Status))
		writeXML(w, emptyTwiML)
		return
	}
	err = s.service.Transcription(r.Context(), ev.InterviewID, ev.Index, ev.Text, ev.RecordingSID)
	s.observeWebhook("transcription", ev.InterviewID, err)
	writeXML(w, emptyTwiML)
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	ev, err := telephony.ParseStatus(r)
	if err != nil {
		s.metrics.ObserveWebhook("status", "invalid")
		s.logger.Warn("invalid status callback", zap.Error(err))
		writeXML(w, emptyTwiML)
		return
	}
	err = s.service.CallStatus(r.Context(), orchestrator.StatusUpdate{
		CallSID:      ev.CallSID,
		InterviewID:  ev.InterviewID,
		Status:       ev.Status,
		DurationSec:  ev.DurationSec,
		ErrorCode:    ev.ErrorCode,
		ErrorMessage: ev.ErrorMessage,
	})
	s.observeWebhook("status", ev.InterviewID, err)
	writeXML(w, emptyTwiML)
}

func (s *Server) observeWebhook(kind, interviewID string, err error) {
	if err == nil {
		s.metrics.ObserveWebhook(kind, "ok")
		return
	}
	s.metrics.ObserveWebhook(kind, "error")
	s.logger.Warn("webhook failed",
		zap.String("kind", kind),
		zap.String("interview_id", interviewID),
		zap.Error(err))
}

func (s *Server) writeTwiML(w http.ResponseWriter, reply orchestrator.Reply, interviewID string) {
	doc, err := s.renderer.Render(reply.Instruction, interviewID, reply.SayLanguage)
	if err != nil {
		s.logger.Error("render twiml", zap.String("interview_id", interviewID), zap.Error(err))
		fb := s.service.Fallback("")
		apology := ""
		if len(fb.Instruction.Say) > 0 {
			apology = fb.Instruction.Say[0]
		}
		doc = telephony.Fallback(apology, fb.SayLanguage)
	}
	writeXML(w, doc)
}

func writeXML(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, doc)
}

func webhookKind(r *http.Request) string {
	switch r.URL.Path {
	case telephony.AnswerPath:
		return "answer"
	case telephony.ResponsePath:
		return "response"
	case telephony.TranscriptionPath:
		return "transcription"
	case telephony.StatusPath:
		return "status"
	default:
		return "unknown"
	}
}
