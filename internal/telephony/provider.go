package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

var ErrNotConfigured = errors.New("telephony provider not configured")

// CallRequest describes one outbound call.
type CallRequest struct {
	To                string
	AnswerURL         string
	StatusCallbackURL string
	// Record asks the carrier to record the whole call.
	Record bool
}

type CallResult struct {
	SID    string
	From   string
	Status string
}

// Provider places and terminates calls.
type Provider interface {
	PlaceCall(ctx context.Context, req CallRequest) (CallResult, error)
	EndCall(ctx context.Context, callSID string) error
}

// ProviderError carries the provider's own error code so it can be stored
// on the call session.
type ProviderError struct {
	Code    string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("telephony provider error %s: %s", e.Code, e.Message)
	}
	return "telephony provider error: " + e.Message
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Routes are the webhook paths the provider calls back on.
const (
	AnswerPath        = "/v1/telephony/answer"
	ResponsePath      = "/v1/telephony/response"
	TranscriptionPath = "/v1/telephony/transcription"
	StatusPath        = "/v1/telephony/status"
)

// URLs builds absolute webhook URLs under a public base URL.
type URLs struct {
	BaseURL string
}

func (u URLs) Answer(interviewID string) string {
	return u.build(AnswerPath, interviewID, -1)
}

func (u URLs) Status(interviewID string) string {
	return u.build(StatusPath, interviewID, -1)
}

func (u URLs) Response(interviewID string, index int) string {
	return u.build(ResponsePath, interviewID, index)
}

func (u URLs) Transcription(interviewID string, index int) string {
	return u.build(TranscriptionPath, interviewID, index)
}

func (u URLs) build(path, interviewID string, index int) string {
	q := url.Values{}
	q.Set("interview_id", interviewID)
	if index >= 0 {
		q.Set("q", strconv.Itoa(index))
	}
	return strings.TrimRight(u.BaseURL, "/") + path + "?" + q.Encode()
}
