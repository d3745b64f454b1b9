package telephony

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	twclient "github.com/twilio/twilio-go/client"

	"github.com/hirecall/interviewd/internal/interview"
)

var (
	ErrMissingInterviewID = errors.New("missing interview_id")
	ErrMissingIndex       = errors.New("missing or invalid question index")
	ErrBadSignature       = errors.New("invalid webhook signature")
)

// AnswerEvent is posted when the callee picks up.
type AnswerEvent struct {
	InterviewID string
	CallSID     string
}

// RecordingEvent is posted when a <Record> finishes.
type RecordingEvent struct {
	InterviewID  string
	Index        int
	CallSID      string
	RecordingSID string
	RecordingURL string
	DurationSec  int
}

// TranscriptionEvent is posted when the provider finishes transcribing a
// recording.
type TranscriptionEvent struct {
	InterviewID  string
	Index        int
	RecordingSID string
	Text         string
	Status       string
}

// StatusEvent is a call lifecycle callback.
type StatusEvent struct {
	InterviewID  string
	CallSID      string
	Status       interview.CallStatus
	DurationSec  int
	ErrorCode    string
	ErrorMessage string
}

// ParseAnswer reads an answer webhook. The request form must be parsed.
func ParseAnswer(r *http.Request) (AnswerEvent, error) {
	id, err := interviewID(r)
	if err != nil {
		return AnswerEvent{}, err
	}
	return AnswerEvent{InterviewID: id, CallSID: r.PostFormValue("CallSid")}, nil
}

func ParseRecording(r *http.Request) (RecordingEvent, error) {
	id, err := interviewID(r)
	if err != nil {
		return RecordingEvent{}, err
	}
	index, err := questionIndex(r)
	if err != nil {
		return RecordingEvent{}, err
	}
	return RecordingEvent{
		InterviewID:  id,
		Index:        index,
		CallSID:      r.PostFormValue("CallSid"),
		RecordingSID: r.PostFormValue("RecordingSid"),
		RecordingURL: r.PostFormValue("RecordingUrl"),
		DurationSec:  atoi(r.PostFormValue("RecordingDuration")),
	}, nil
}

func ParseTranscription(r *http.Request) (TranscriptionEvent, error) {
	id, err := interviewID(r)
	if err != nil {
		return TranscriptionEvent{}, err
	}
	index, err := questionIndex(r)
	if err != nil {
		return TranscriptionEvent{}, err
	}
	return TranscriptionEvent{
		InterviewID:  id,
		Index:        index,
		RecordingSID: r.PostFormValue("RecordingSid"),
		Text:         strings.TrimSpace(r.PostFormValue("TranscriptionText")),
		Status:       r.PostFormValue("TranscriptionStatus"),
	}, nil
}

func ParseStatus(r *http.Request) (StatusEvent, error) {
	sid := strings.TrimSpace(r.PostFormValue("CallSid"))
	if sid == "" {
		return StatusEvent{}, fmt.Errorf("missing CallSid")
	}
	return StatusEvent{
		InterviewID:  r.URL.Query().Get("interview_id"),
		CallSID:      sid,
		Status:       interview.CallStatus(strings.ToLower(r.PostFormValue("CallStatus"))),
		DurationSec:  atoi(r.PostFormValue("CallDuration")),
		ErrorCode:    r.PostFormValue("ErrorCode"),
		ErrorMessage: r.PostFormValue("ErrorMessage"),
	}, nil
}

// SignatureValidator checks the X-Twilio-Signature header against the
// public URL the provider was given.
type SignatureValidator struct {
	validator twclient.RequestValidator
	baseURL   string
}

func NewSignatureValidator(authToken, publicBaseURL string) *SignatureValidator {
	return &SignatureValidator{
		validator: twclient.NewRequestValidator(authToken),
		baseURL:   strings.TrimRight(publicBaseURL, "/"),
	}
}

// Validate parses the request form and verifies its signature.
func (v *SignatureValidator) Validate(r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("parse form: %w", err)
	}
	params := make(map[string]string, len(r.PostForm))
	for k, vals := range r.PostForm {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	if !v.validator.Validate(v.baseURL+r.URL.RequestURI(), params, r.Header.Get("X-Twilio-Signature")) {
		return ErrBadSignature
	}
	return nil
}

func interviewID(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.URL.Query().Get("interview_id"))
	if id == "" {
		return "", ErrMissingInterviewID
	}
	return id, nil
}

func questionIndex(r *http.Request) (int, error) {
	n, err := strconv.Atoi(r.URL.Query().Get("q"))
	if err != nil || n < 0 {
		return 0, ErrMissingIndex
	}
	return n, nil
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
