package interview

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[Status][]Status{
	StatusScheduled:  {StatusCalling, StatusFailed},
	StatusCalling:    {StatusRinging, StatusInProgress, StatusCompleted, StatusFailed},
	StatusRinging:    {StatusInProgress, StatusCompleted, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusAnalyzed},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Lines are the fixed spoken phrases for the interview's language.
type Lines struct {
	Greeting string
	Closing  string
	Apology  string
}

// Ask is a record-and-transcribe prompt for one question.
type Ask struct {
	Index      int
	Text       string
	TimeoutSec int
}

// Instruction is what the telephony provider should do next.
type Instruction struct {
	Say    []string
	Ask    *Ask
	Hangup bool
}

func (iv *Interview) transition(to Status) error {
	if !CanTransition(iv.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, iv.Status, to)
	}
	iv.Status = to
	return nil
}

// MarkCalling reserves a scheduled interview for an outbound call.
func (iv *Interview) MarkCalling() error {
	if iv.Status != StatusScheduled {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, iv.Status, StatusCalling)
	}
	return iv.transition(StatusCalling)
}

// MarkFailed moves a live interview to failed. Returns false when the
// interview is already past the point where a failure applies.
func (iv *Interview) MarkFailed() bool {
	return iv.transition(StatusFailed) == nil
}

// SetScript installs a script only when none exists yet.
func (iv *Interview) SetScript(script []Question) bool {
	if len(iv.Metadata.Script) > 0 || len(script) == 0 {
		return false
	}
	iv.Metadata.Script = append([]Question(nil), script...)
	return true
}

// HasScript reports whether a script has been generated.
func (iv *Interview) HasScript() bool {
	return len(iv.Metadata.Script) > 0
}

// ResponseAt returns the response record for a question index.
func (iv *Interview) ResponseAt(index int) (*Response, bool) {
	for i := range iv.Metadata.Responses {
		if iv.Metadata.Responses[i].Index == index {
			return &iv.Metadata.Responses[i], true
		}
	}
	return nil, false
}

// Answer applies the "call connected" event. The returned bool reports
// whether iv was modified and must be persisted.
func (iv *Interview) Answer(now time.Time, lines Lines) (Instruction, bool) {
	switch iv.Status {
	case StatusCompleted, StatusAnalyzed:
		return closing(lines), false
	case StatusScheduled, StatusFailed:
		return apology(lines), false
	}
	if !iv.HasScript() {
		return apology(lines), false
	}

	changed := false
	if iv.Status != StatusInProgress {
		if err := iv.transition(StatusInProgress); err != nil {
			return apology(lines), false
		}
		changed = true
	}
	if iv.StartedAt == nil {
		t := now
		iv.StartedAt = &t
		changed = true
	}
	if iv.Metadata.Current >= len(iv.Metadata.Script) {
		return closing(lines), changed
	}
	if iv.markAsked(iv.Metadata.Current, now) {
		changed = true
	}

	in := iv.askCurrent()
	if iv.Metadata.Current == 0 && lines.Greeting != "" {
		in.Say = append([]string{lines.Greeting}, in.Say...)
	}
	return in, changed
}

// Recording describes a finished recording reported by the provider.
type Recording struct {
	URL         string
	DurationSec int
}

// RecordResponse applies the "answer recorded" event for question index.
// The pointer advances only when it currently equals index, so provider
// retries for the same index neither advance twice nor duplicate entries.
func (iv *Interview) RecordResponse(index int, rec Recording, now time.Time, lines Lines) (Instruction, bool) {
	switch iv.Status {
	case StatusInProgress:
	case StatusCompleted, StatusAnalyzed:
		return closing(lines), false
	default:
		return apology(lines), false
	}
	if index != iv.Metadata.Current {
		if iv.Metadata.Current >= len(iv.Metadata.Script) {
			return closing(lines), false
		}
		return iv.askCurrent(), false
	}

	iv.markAsked(index, now)
	r, _ := iv.ResponseAt(index)
	r.Status = ResponseAnswered
	answered := now
	r.AnsweredAt = &answered
	if rec.URL != "" {
		r.RecordingURL = rec.URL
	}
	if rec.DurationSec > 0 {
		r.RecordingDurationSec = rec.DurationSec
		if r.Metrics != nil && r.Metrics.WPM == 0 {
			r.Metrics.WPM = AnalyzeSpeech(r.Transcript, float64(rec.DurationSec)).WPM
		}
	}

	iv.Metadata.Current++
	if iv.Metadata.Current < len(iv.Metadata.Script) {
		iv.markAsked(iv.Metadata.Current, now)
		return iv.askCurrent(), true
	}

	_ = iv.transition(StatusCompleted)
	ended := now
	iv.EndedAt = &ended
	return closing(lines), true
}

// AttachTranscript stores transcript text and metrics on an existing
// response. A missing response is not an error: it reports false.
func (iv *Interview) AttachTranscript(index int, text string) bool {
	r, ok := iv.ResponseAt(index)
	if !ok {
		return false
	}
	m := AnalyzeSpeech(text, float64(r.RecordingDurationSec))
	r.Transcript = text
	r.Metrics = &m
	return true
}

// ApplyCallStatus folds a provider lifecycle callback into the interview
// status. Callbacks that would move the interview backwards are ignored.
func (iv *Interview) ApplyCallStatus(status CallStatus, now time.Time) bool {
	switch {
	case status == CallRinging:
		return iv.Status == StatusCalling && iv.transition(StatusRinging) == nil
	case status == CallInProgress:
		if iv.Status != StatusCalling && iv.Status != StatusRinging {
			return false
		}
		_ = iv.transition(StatusInProgress)
		if iv.StartedAt == nil {
			t := now
			iv.StartedAt = &t
		}
		return true
	case status == CallCompleted:
		if iv.transition(StatusCompleted) != nil {
			return false
		}
		ended := now
		iv.EndedAt = &ended
		return true
	case status.Failure():
		return iv.MarkFailed()
	default:
		return false
	}
}

// MarkAnalyzed stores the evaluation and closes the lifecycle.
func (iv *Interview) MarkAnalyzed(score json.RawMessage) error {
	if err := iv.transition(StatusAnalyzed); err != nil {
		return err
	}
	iv.Score = append(json.RawMessage(nil), score...)
	return nil
}

func (iv *Interview) markAsked(index int, now time.Time) bool {
	if index < 0 || index >= len(iv.Metadata.Script) {
		return false
	}
	if _, ok := iv.ResponseAt(index); ok {
		return false
	}
	iv.Metadata.Responses = append(iv.Metadata.Responses, Response{
		Index:    index,
		Question: iv.Metadata.Script[index].Text,
		Status:   ResponseAsked,
		AskedAt:  now,
	})
	return true
}

func (iv *Interview) askCurrent() Instruction {
	q := iv.Metadata.Script[iv.Metadata.Current]
	timeout := q.TimeoutSec
	if timeout <= 0 {
		timeout = DefaultQuestionTimeout
	}
	return Instruction{Ask: &Ask{Index: iv.Metadata.Current, Text: q.Text, TimeoutSec: timeout}}
}

func closing(lines Lines) Instruction {
	in := Instruction{Hangup: true}
	if lines.Closing != "" {
		in.Say = []string{lines.Closing}
	}
	return in
}

func apology(lines Lines) Instruction {
	in := Instruction{Hangup: true}
	if lines.Apology != "" {
		in.Say = []string{lines.Apology}
	}
	return in
}
