package interview

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an interview.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusCalling    Status = "calling"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusAnalyzed   Status = "analyzed"
	StatusFailed     Status = "failed"
)

type QuestionType string

const (
	QuestionIntroductory QuestionType = "introductory"
	QuestionTechnical    QuestionType = "technical"
	QuestionSituational  QuestionType = "situational"
	QuestionBehavioral   QuestionType = "behavioral"
	QuestionClosing      QuestionType = "closing"
)

// DefaultQuestionTimeout applies when a generated question carries no timeout.
const DefaultQuestionTimeout = 60

// Question is one element of an interview script. Immutable once generated.
type Question struct {
	ID         int          `json:"id"`
	Text       string       `json:"text"`
	Type       QuestionType `json:"type"`
	TimeoutSec int          `json:"timeout"`
}

type ResponseStatus string

const (
	ResponseAsked    ResponseStatus = "asked"
	ResponseAnswered ResponseStatus = "answered"
)

// SpeechMetrics are derived from a transcript.
type SpeechMetrics struct {
	WordCount  int     `json:"word_count"`
	FillerRate float64 `json:"filler_rate"`
	WPM        float64 `json:"wpm,omitempty"`
}

// Response is the record kept for one asked question.
type Response struct {
	Index                int            `json:"index"`
	Question             string         `json:"question"`
	Status               ResponseStatus `json:"status"`
	AskedAt              time.Time      `json:"asked_at"`
	AnsweredAt           *time.Time     `json:"answered_at,omitempty"`
	RecordingURL         string         `json:"recording_url,omitempty"`
	RecordingDurationSec int            `json:"recording_duration_sec,omitempty"`
	Transcript           string         `json:"transcript,omitempty"`
	Metrics              *SpeechMetrics `json:"metrics,omitempty"`
}

// Metadata is the per-interview arena: the script, the pointer into it and
// the responses collected so far.
type Metadata struct {
	Script    []Question `json:"script,omitempty"`
	Current   int        `json:"current"`
	Responses []Response `json:"responses,omitempty"`
}

// Interview is the root record every other record hangs off.
type Interview struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	CandidateName string          `json:"candidate_name"`
	Phone         string          `json:"phone"`
	Role          string          `json:"role"`
	Language      string          `json:"language"`
	Prompt        string          `json:"prompt,omitempty"`
	Status        Status          `json:"status"`
	Metadata      Metadata        `json:"metadata"`
	Score         json.RawMessage `json:"score,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// CallStatus mirrors the telephony provider's call lifecycle.
type CallStatus string

const (
	CallQueued     CallStatus = "queued"
	CallInitiated  CallStatus = "initiated"
	CallRinging    CallStatus = "ringing"
	CallInProgress CallStatus = "in-progress"
	CallCompleted  CallStatus = "completed"
	CallBusy       CallStatus = "busy"
	CallNoAnswer   CallStatus = "no-answer"
	CallFailed     CallStatus = "failed"
	CallCanceled   CallStatus = "canceled"
)

// Terminal reports whether no further status callbacks are expected.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallCompleted, CallBusy, CallNoAnswer, CallFailed, CallCanceled:
		return true
	default:
		return false
	}
}

// Failure reports whether the call ended without the candidate completing it.
func (s CallStatus) Failure() bool {
	switch s {
	case CallBusy, CallNoAnswer, CallFailed, CallCanceled:
		return true
	default:
		return false
	}
}

// CallSession is one outbound telephony attempt.
type CallSession struct {
	CallSID      string     `json:"call_sid"`
	InterviewID  string     `json:"interview_id"`
	Direction    string     `json:"direction"`
	From         string     `json:"from"`
	To           string     `json:"to"`
	Status       CallStatus `json:"status"`
	DurationSec  int        `json:"duration_sec"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type SegmentSource string

const (
	SourceRelay     SegmentSource = "relay"
	SourceTelephony SegmentSource = "telephony"
)

// TranscriptSegment is one utterance. Append-only.
type TranscriptSegment struct {
	ID            string        `json:"id"`
	InterviewID   string        `json:"interview_id"`
	Source        SegmentSource `json:"source"`
	QuestionIndex int           `json:"question_index"`
	Ref           string        `json:"ref,omitempty"`
	Text          string        `json:"text"`
	WPM           float64       `json:"wpm,omitempty"`
	FillerRate    float64       `json:"filler_rate"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Clone returns a deep copy so callers can mutate freely.
func (iv Interview) Clone() Interview {
	c := iv
	c.Metadata.Script = append([]Question(nil), iv.Metadata.Script...)
	c.Metadata.Responses = make([]Response, len(iv.Metadata.Responses))
	for i, r := range iv.Metadata.Responses {
		if r.Metrics != nil {
			m := *r.Metrics
			r.Metrics = &m
		}
		if r.AnsweredAt != nil {
			t := *r.AnsweredAt
			r.AnsweredAt = &t
		}
		c.Metadata.Responses[i] = r
	}
	if iv.Metadata.Responses == nil {
		c.Metadata.Responses = nil
	}
	if iv.Score != nil {
		c.Score = append(json.RawMessage(nil), iv.Score...)
	}
	if iv.StartedAt != nil {
		t := *iv.StartedAt
		c.StartedAt = &t
	}
	if iv.EndedAt != nil {
		t := *iv.EndedAt
		c.EndedAt = &t
	}
	return c
}
