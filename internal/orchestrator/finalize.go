package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hirecall/interviewd/internal/evaluation"
	"github.com/hirecall/interviewd/internal/interview"
	"github.com/hirecall/interviewd/internal/notify"
)

const finalizeRunTimeout = 2 * time.Minute

// Finalize evaluates a completed interview and moves it to analyzed. It is
// safe to call concurrently: only one caller's score is stored.
func (s *Service) Finalize(ctx context.Context, interviewID string) (evaluation.Summary, error) {
	iv, err := s.store.GetInterview(ctx, interviewID)
	if err != nil {
		return evaluation.Summary{}, err
	}
	if iv.Status == interview.StatusAnalyzed {
		return storedSummary(iv)
	}
	if iv.Status != interview.StatusCompleted {
		return evaluation.Summary{}, fmt.Errorf("%w: interview is %s", ErrInvalidState, iv.Status)
	}
	segments, err := s.store.ListSegments(ctx, interviewID)
	if err != nil {
		return evaluation.Summary{}, fmt.Errorf("list segments: %w", err)
	}

	in := evaluationInput(iv, segments)
	var summary evaluation.Summary
	if s.evaluator != nil {
		summary = s.evaluator.Evaluate(ctx, in)
	} else {
		summary = evaluation.Summary{Recommendation: evaluation.RecommendMaybe, Summary: "evaluation unavailable", Metrics: in.Metrics, Fallback: true}
	}
	score, err := json.Marshal(summary)
	if err != nil {
		return evaluation.Summary{}, fmt.Errorf("encode summary: %w", err)
	}

	after, wrote, err := s.store.UpdateInterview(ctx, interviewID, func(iv *interview.Interview) (bool, error) {
		if iv.Status == interview.StatusAnalyzed {
			return false, nil
		}
		if err := iv.MarkAnalyzed(score); err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		return true, nil
	})
	if err != nil {
		return evaluation.Summary{}, s.conflict(err)
	}
	if !wrote {
		return storedSummary(after)
	}
	s.metrics.ObserveTransition(string(interview.StatusAnalyzed))
	if err := s.hub.Publish(ctx, notify.Event{Kind: notify.KindAnalyzed, InterviewID: interviewID, Status: after.Status, Current: after.Metadata.Current}); err != nil {
		s.logger.Warn("publish analyzed failed", zap.String("interview_id", interviewID), zap.Error(err))
	}
	s.logger.Info("interview analyzed",
		zap.String("interview_id", interviewID),
		zap.String("recommendation", summary.Recommendation),
		zap.Bool("fallback", summary.Fallback))
	return summary, nil
}

func storedSummary(iv interview.Interview) (evaluation.Summary, error) {
	var summary evaluation.Summary
	if len(iv.Score) == 0 {
		return summary, nil
	}
	if err := json.Unmarshal(iv.Score, &summary); err != nil {
		return evaluation.Summary{}, fmt.Errorf("decode stored score: %w", err)
	}
	return summary, nil
}

func evaluationInput(iv interview.Interview, segments []interview.TranscriptSegment) evaluation.Input {
	in := evaluation.Input{Role: iv.Role, Language: iv.Language}

	responses := append([]interview.Response(nil), iv.Metadata.Responses...)
	sort.Slice(responses, func(i, j int) bool { return responses[i].Index < responses[j].Index })

	var texts []string
	timedWords, totalSec := 0, 0
	for _, r := range responses {
		if r.Status != interview.ResponseAnswered && r.Transcript == "" {
			continue
		}
		in.Turns = append(in.Turns, evaluation.Turn{Question: r.Question, Answer: r.Transcript})
		if r.Transcript == "" {
			continue
		}
		texts = append(texts, r.Transcript)
		if r.RecordingDurationSec > 0 {
			timedWords += len(strings.Fields(r.Transcript))
			totalSec += r.RecordingDurationSec
		}
	}
	for _, seg := range segments {
		if seg.Source != interview.SourceRelay {
			continue
		}
		in.Extra = append(in.Extra, seg.Text)
		texts = append(texts, seg.Text)
	}

	in.Metrics = interview.AggregateSpeech(texts)
	in.Metrics.WPM = interview.WordsPerMinute(timedWords, float64(totalSec))
	return in
}

// finalizeWhenReady evaluates a completed interview right away when every
// answer already has its transcript, and arms the backstop otherwise.
func (s *Service) finalizeWhenReady(iv interview.Interview) {
	if allTranscribed(iv) {
		s.finalizeNow(iv.ID)
		return
	}
	s.scheduleFinalize(iv.ID)
}

// scheduleFinalize arms a backstop timer that evaluates the interview even
// if some transcriptions never arrive.
func (s *Service) scheduleFinalize(interviewID string) {
	if !s.cfg.AutoFinalize {
		return
	}
	s.finalizeMu.Lock()
	defer s.finalizeMu.Unlock()
	if s.closed || s.timers[interviewID] != nil || s.inflight[interviewID] {
		return
	}
	s.timers[interviewID] = time.AfterFunc(s.cfg.FinalizeTimeout, func() {
		s.finalizeNow(interviewID)
	})
}

// finalizeNow starts a background finalize unless one is already running.
func (s *Service) finalizeNow(interviewID string) {
	if !s.cfg.AutoFinalize {
		return
	}
	s.finalizeMu.Lock()
	if s.closed || s.inflight[interviewID] {
		s.finalizeMu.Unlock()
		return
	}
	if t := s.timers[interviewID]; t != nil {
		t.Stop()
		delete(s.timers, interviewID)
	}
	s.inflight[interviewID] = true
	s.bg.Add(1)
	s.finalizeMu.Unlock()

	go func() {
		defer s.bg.Done()
		defer func() {
			s.finalizeMu.Lock()
			delete(s.inflight, interviewID)
			s.finalizeMu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), finalizeRunTimeout)
		defer cancel()
		if _, err := s.Finalize(ctx, interviewID); err != nil && !errors.Is(err, ErrInvalidState) {
			s.logger.Warn("auto finalize failed", zap.String("interview_id", interviewID), zap.Error(err))
		}
	}()
}

// Shutdown stops pending finalize timers and waits for running finalizers.
func (s *Service) Shutdown(ctx context.Context) error {
	s.finalizeMu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.finalizeMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TranscriptView is the read model of everything said in an interview.
type TranscriptView struct {
	InterviewID string                        `json:"interview_id"`
	Status      interview.Status              `json:"status"`
	Responses   []interview.Response          `json:"responses"`
	Segments    []interview.TranscriptSegment `json:"segments"`
	Summary     *evaluation.Summary           `json:"summary,omitempty"`
}

func (s *Service) Transcript(ctx context.Context, interviewID string) (TranscriptView, error) {
	iv, err := s.store.GetInterview(ctx, interviewID)
	if err != nil {
		return TranscriptView{}, err
	}
	segments, err := s.store.ListSegments(ctx, interviewID)
	if err != nil {
		return TranscriptView{}, fmt.Errorf("list segments: %w", err)
	}
	view := TranscriptView{
		InterviewID: iv.ID,
		Status:      iv.Status,
		Responses:   iv.Metadata.Responses,
		Segments:    segments,
	}
	if view.Responses == nil {
		view.Responses = []interview.Response{}
	}
	if view.Segments == nil {
		view.Segments = []interview.TranscriptSegment{}
	}
	if len(iv.Score) > 0 {
		if summary, err := storedSummary(iv); err == nil {
			view.Summary = &summary
		}
	}
	return view, nil
}
