package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hirecall/interviewd/internal/evaluation"
	"github.com/hirecall/interviewd/internal/interview"
	"github.com/hirecall/interviewd/internal/notify"
	"github.com/hirecall/interviewd/internal/store"
	"github.com/hirecall/interviewd/internal/telephony"
)

type stubScripts struct {
	mu    sync.Mutex
	calls int
}

func (s *stubScripts) Generate(_ context.Context, role, _ string) []interview.Question {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	var out []interview.Question
	for i := 1; i <= 5; i++ {
		out = append(out, interview.Question{ID: i, Text: fmt.Sprintf("%s question %d", role, i), Type: interview.QuestionTechnical, TimeoutSec: 45})
	}
	return out
}

func (s *stubScripts) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubEvaluator struct {
	mu    sync.Mutex
	input evaluation.Input
	calls int
}

func (e *stubEvaluator) Evaluate(_ context.Context, in evaluation.Input) evaluation.Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.input = in
	return evaluation.Summary{
		Scores:         map[string]float64{"communication": 8, "technical": 6},
		Overall:        7,
		Recommendation: evaluation.RecommendHire,
		Summary:        "solid",
		Metrics:        in.Metrics,
	}
}

func (e *stubEvaluator) last() (evaluation.Input, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.input, e.calls
}

type harness struct {
	svc       *Service
	store     *store.InMemoryStore
	provider  *telephony.MockProvider
	scripts   *stubScripts
	evaluator *stubEvaluator
	hub       *notify.MemoryHub
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:     store.NewInMemoryStore(),
		provider:  telephony.NewMockProvider(),
		scripts:   &stubScripts{},
		evaluator: &stubEvaluator{},
		hub:       notify.NewMemoryHub(),
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "https://calls.example.com"
	}
	if cfg.DefaultCountryCode == "" {
		cfg.DefaultCountryCode = "+84"
	}
	h.svc = NewService(cfg, Deps{
		Store:     h.store,
		Provider:  h.provider,
		Scripts:   h.scripts,
		Evaluator: h.evaluator,
		Hub:       h.hub,
		Logger:    zap.NewNop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.svc.Shutdown(ctx)
	})
	return h
}

func (h *harness) create(t *testing.T, phone string) interview.Interview {
	t.Helper()
	iv, err := h.svc.Create(context.Background(), "recruiter-1", CreateRequest{CandidateName: "Lan", Phone: phone, Role: "backend engineer"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return iv
}

func (h *harness) answered(t *testing.T) (interview.Interview, interview.CallSession) {
	t.Helper()
	ctx := context.Background()
	iv := h.create(t, "0912345678")
	cs, err := h.svc.PlaceCall(ctx, iv.ID)
	if err != nil {
		t.Fatalf("PlaceCall() error = %v", err)
	}
	if _, err := h.svc.Answer(ctx, iv.ID, cs.CallSID); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	return iv, cs
}

func (h *harness) get(t *testing.T, id string) interview.Interview {
	t.Helper()
	iv, err := h.store.GetInterview(context.Background(), id)
	if err != nil {
		t.Fatalf("GetInterview() error = %v", err)
	}
	return iv
}

func TestFiveQuestionInterviewReachesAnalyzed(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	iv := h.create(t, "0912345678")
	if iv.Status != interview.StatusScheduled || iv.Language != "en" {
		t.Fatalf("created interview = %+v, want scheduled en", iv)
	}

	cs, err := h.svc.PlaceCall(ctx, iv.ID)
	if err != nil {
		t.Fatalf("PlaceCall() error = %v", err)
	}
	calls := h.provider.Calls()
	if len(calls) != 1 || calls[0].To != "+84912345678" {
		t.Fatalf("placed calls = %+v, want one call to +84912345678", calls)
	}
	if calls[0].AnswerURL != "https://calls.example.com/v1/telephony/answer?interview_id="+iv.ID {
		t.Fatalf("AnswerURL = %q", calls[0].AnswerURL)
	}
	if !calls[0].Record {
		t.Fatalf("call placed without recording")
	}
	if cs.CallSID != "CAmock0001" || cs.Status != interview.CallQueued || cs.To != "+84912345678" {
		t.Fatalf("call session = %+v", cs)
	}
	if got := h.get(t, iv.ID); got.Status != interview.StatusCalling || got.Phone != "+84912345678" {
		t.Fatalf("after PlaceCall status=%s phone=%s", got.Status, got.Phone)
	}

	reply, err := h.svc.Answer(ctx, iv.ID, cs.CallSID)
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if reply.Instruction.Ask == nil || reply.Instruction.Ask.Index != 0 {
		t.Fatalf("Answer() instruction = %+v, want ask for question 0", reply.Instruction)
	}
	if len(reply.Instruction.Say) == 0 {
		t.Fatalf("Answer() did not greet the candidate")
	}
	if reply.SayLanguage != "en-US" {
		t.Fatalf("SayLanguage = %q, want en-US", reply.SayLanguage)
	}

	for i := 0; i < 5; i++ {
		text := fmt.Sprintf("um I worked on service number %d with a small team", i)
		if i%2 == 0 {
			// transcription may arrive before the recording callback
			if err := h.svc.Transcription(ctx, iv.ID, i, text, fmt.Sprintf("RE%d", i)); err != nil {
				t.Fatalf("Transcription(%d) error = %v", i, err)
			}
		}
		reply, err := h.svc.Response(ctx, iv.ID, i, interview.Recording{URL: fmt.Sprintf("https://rec/%d", i), DurationSec: 30})
		if err != nil {
			t.Fatalf("Response(%d) error = %v", i, err)
		}
		if i < 4 && (reply.Instruction.Ask == nil || reply.Instruction.Ask.Index != i+1) {
			t.Fatalf("Response(%d) instruction = %+v, want ask %d", i, reply.Instruction, i+1)
		}
		if i == 4 && (!reply.Instruction.Hangup || reply.Instruction.Ask != nil) {
			t.Fatalf("last Response() instruction = %+v, want closing hangup", reply.Instruction)
		}
		if i%2 == 1 {
			if err := h.svc.Transcription(ctx, iv.ID, i, text, fmt.Sprintf("RE%d", i)); err != nil {
				t.Fatalf("Transcription(%d) error = %v", i, err)
			}
		}
	}

	got := h.get(t, iv.ID)
	if got.Status != interview.StatusCompleted || got.Metadata.Current != 5 || len(got.Metadata.Responses) != 5 {
		t.Fatalf("after responses status=%s current=%d responses=%d", got.Status, got.Metadata.Current, len(got.Metadata.Responses))
	}
	for _, r := range got.Metadata.Responses {
		if r.Transcript == "" || r.Metrics == nil || r.Metrics.WPM != 22 {
			t.Fatalf("response %d = %+v, want transcript with 22 wpm", r.Index, r)
		}
	}

	summary, err := h.svc.Finalize(ctx, iv.ID)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if summary.Recommendation != evaluation.RecommendHire {
		t.Fatalf("Recommendation = %q", summary.Recommendation)
	}
	in, n := h.evaluator.last()
	if n != 1 || len(in.Turns) != 5 {
		t.Fatalf("evaluator calls=%d turns=%d, want 1 and 5", n, len(in.Turns))
	}
	if in.Metrics.WordCount != 55 || in.Metrics.WPM != 22 {
		t.Fatalf("aggregate metrics = %+v, want 55 words at 22 wpm", in.Metrics)
	}

	got = h.get(t, iv.ID)
	if got.Status != interview.StatusAnalyzed || len(got.Score) == 0 {
		t.Fatalf("after Finalize status=%s score=%s", got.Status, got.Score)
	}
	if h.scripts.Calls() != 1 {
		t.Fatalf("script generated %d times, want 1", h.scripts.Calls())
	}

	view, err := h.svc.Transcript(ctx, iv.ID)
	if err != nil {
		t.Fatalf("Transcript() error = %v", err)
	}
	if len(view.Segments) != 5 || view.Summary == nil {
		t.Fatalf("transcript view segments=%d summary=%v", len(view.Segments), view.Summary)
	}

	again, err := h.svc.Finalize(ctx, iv.ID)
	if err != nil || again.Summary != "solid" {
		t.Fatalf("second Finalize() = %+v, %v; want stored summary", again, err)
	}
	if _, n := h.evaluator.last(); n != 1 {
		t.Fatalf("evaluator called %d times, want 1", n)
	}
}

func TestCreateRejectsInvalidPhone(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.svc.Create(context.Background(), "recruiter-1", CreateRequest{Phone: "12ab", Role: "qa"})
	if !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("Create() error = %v, want ErrInvalidPhone", err)
	}
	_, err = h.svc.Create(context.Background(), "recruiter-1", CreateRequest{Phone: "0912345678"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Create() without role error = %v, want ErrInvalidInput", err)
	}
}

func TestPlaceCallInvalidPhoneMutatesNothing(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	iv := interview.Interview{ID: "iv-bad", OwnerID: "recruiter-1", Phone: "12345", Role: "qa", Status: interview.StatusScheduled}
	if err := h.store.CreateInterview(ctx, iv); err != nil {
		t.Fatalf("CreateInterview() error = %v", err)
	}

	if _, err := h.svc.PlaceCall(ctx, iv.ID); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("PlaceCall() error = %v, want ErrInvalidPhone", err)
	}
	got := h.get(t, iv.ID)
	if got.Status != interview.StatusScheduled || got.Version != 0 {
		t.Fatalf("interview mutated: status=%s version=%d", got.Status, got.Version)
	}
	if len(h.provider.Calls()) != 0 {
		t.Fatalf("provider was called")
	}
	if _, err := h.store.LatestCallSession(ctx, iv.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("LatestCallSession() error = %v, want ErrNotFound", err)
	}
}

func TestPlaceCallRequiresScheduled(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	iv := h.create(t, "+84912345678")
	if _, err := h.svc.PlaceCall(ctx, iv.ID); err != nil {
		t.Fatalf("PlaceCall() error = %v", err)
	}
	if _, err := h.svc.PlaceCall(ctx, iv.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second PlaceCall() error = %v, want ErrInvalidState", err)
	}
	if len(h.provider.Calls()) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(h.provider.Calls()))
	}
	if _, err := h.svc.PlaceCall(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("PlaceCall(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPlaceCallProviderFailureRecordsFailure(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.provider.FailErr = &telephony.ProviderError{Code: "21211", Message: "invalid To number"}
	iv := h.create(t, "0912345678")

	if _, err := h.svc.PlaceCall(ctx, iv.ID); err == nil {
		t.Fatalf("PlaceCall() succeeded, want provider error")
	}
	if got := h.get(t, iv.ID); got.Status != interview.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	cs, err := h.store.LatestCallSession(ctx, iv.ID)
	if err != nil {
		t.Fatalf("LatestCallSession() error = %v", err)
	}
	if cs.Status != interview.CallFailed || cs.ErrorCode != "21211" || cs.ErrorMessage != "invalid To number" {
		t.Fatalf("call session = %+v", cs)
	}
}

func TestAnswerRetryDoesNotRegenerateScript(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	iv, cs := h.answered(t)

	reply, err := h.svc.Answer(ctx, iv.ID, cs.CallSID)
	if err != nil {
		t.Fatalf("Answer() retry error = %v", err)
	}
	if reply.Instruction.Ask == nil || reply.Instruction.Ask.Index != 0 {
		t.Fatalf("retry instruction = %+v, want ask 0", reply.Instruction)
	}
	if h.scripts.Calls() != 1 {
		t.Fatalf("script generated %d times, want 1", h.scripts.Calls())
	}
	if got := h.get(t, iv.ID); len(got.Metadata.Script) != 5 || len(got.Metadata.Responses) != 1 {
		t.Fatalf("script=%d responses=%d, want 5 and 1", len(got.Metadata.Script), len(got.Metadata.Responses))
	}
}

func TestAnswerBeforeCallPlacedApologizes(t *testing.T) {
	h := newHarness(t, Config{})
	iv := h.create(t, "0912345678")
	reply, err := h.svc.Answer(context.Background(), iv.ID, "CAx")
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if !reply.Instruction.Hangup || reply.Instruction.Ask != nil {
		t.Fatalf("instruction = %+v, want apology hangup", reply.Instruction)
	}
	if h.scripts.Calls() != 0 {
		t.Fatalf("script generated for scheduled interview")
	}
}

func TestResponseRetryAdvancesOnce(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	iv, _ := h.answered(t)

	rec := interview.Recording{URL: "https://rec/0", DurationSec: 20}
	if _, err := h.svc.Response(ctx, iv.ID, 0, rec); err != nil {
		t.Fatalf("Response() error = %v", err)
	}
	reply, err := h.svc.Response(ctx, iv.ID, 0, rec)
	if err != nil {
		t.Fatalf("Response() retry error = %v", err)
	}
	if reply.Instruction.Ask == nil || reply.Instruction.Ask.Index != 1 {
		t.Fatalf("retry instruction = %+v, want re-ask 1", reply.Instruction)
	}

	got := h.get(t, iv.ID)
	if got.Metadata.Current != 1 {
		t.Fatalf("Current = %d, want 1", got.Metadata.Current)
	}
	count := 0
	for _, r := range got.Metadata.Responses {
		if r.Index == 0 {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("responses for index 0 = %d, want 1", count)
	}
}

func TestTranscriptionForUnaskedQuestionKeepsSegmentOnly(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	iv, _ := h.answered(t)

	if err := h.svc.Transcription(ctx, iv.ID, 3, "early words", "RE3"); err != nil {
		t.Fatalf("Transcription() error = %v", err)
	}
	if err := h.svc.Transcription(ctx, iv.ID, 3, "early words", "RE3"); err != nil {
		t.Fatalf("Transcription() retry error = %v", err)
	}
	if err := h.svc.Transcription(ctx, iv.ID, 0, "   ", "RE0"); err != nil {
		t.Fatalf("Transcription(blank) error = %v", err)
	}

	got := h.get(t, iv.ID)
	if _, ok := got.ResponseAt(3); ok {
		t.Fatalf("response created for unasked question")
	}
	segs, err := h.store.ListSegments(ctx, iv.ID)
	if err != nil {
		t.Fatalf("ListSegments() error = %v", err)
	}
	if len(segs) != 1 || segs[0].Source != interview.SourceTelephony || segs[0].QuestionIndex != 3 {
		t.Fatalf("segments = %+v, want one telephony segment for index 3", segs)
	}
}

func TestCallStatusFailureMarksFailed(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	iv := h.create(t, "0912345678")
	cs, err := h.svc.PlaceCall(ctx, iv.ID)
	if err != nil {
		t.Fatalf("PlaceCall() error = %v", err)
	}

	if err := h.svc.CallStatus(ctx, StatusUpdate{CallSID: cs.CallSID, InterviewID: iv.ID, Status: interview.CallNoAnswer}); err != nil {
		t.Fatalf("CallStatus() error = %v", err)
	}
	// a late out-of-order callback must not revive the call
	if err := h.svc.CallStatus(ctx, StatusUpdate{CallSID: cs.CallSID, InterviewID: iv.ID, Status: interview.CallRinging}); err != nil {
		t.Fatalf("CallStatus(ringing) error = %v", err)
	}

	if got := h.get(t, iv.ID); got.Status != interview.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	saved, err := h.store.GetCallSession(ctx, cs.CallSID)
	if err != nil {
		t.Fatalf("GetCallSession() error = %v", err)
	}
	if saved.Status != interview.CallNoAnswer {
		t.Fatalf("call status = %s, want no-answer", saved.Status)
	}
}

func TestPlaceCallKeepsStatusFromEarlyCallback(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	iv := h.create(t, "0912345678")

	// The carrier rejects the number and reports it before CreateCall returns.
	h.provider.OnPlace = func(res telephony.CallResult) {
		err := h.svc.CallStatus(ctx, StatusUpdate{
			CallSID:      res.SID,
			InterviewID:  iv.ID,
			Status:       interview.CallFailed,
			ErrorCode:    "13224",
			ErrorMessage: "invalid phone number",
		})
		if err != nil {
			t.Errorf("CallStatus() error = %v", err)
		}
	}

	cs, err := h.svc.PlaceCall(ctx, iv.ID)
	if err != nil {
		t.Fatalf("PlaceCall() error = %v", err)
	}
	if cs.Status != interview.CallFailed || cs.ErrorCode != "13224" {
		t.Fatalf("call session = %+v, want failed with code 13224", cs)
	}
	saved, err := h.store.GetCallSession(ctx, cs.CallSID)
	if err != nil {
		t.Fatalf("GetCallSession() error = %v", err)
	}
	if saved.Status != interview.CallFailed || saved.ErrorCode != "13224" || saved.ErrorMessage != "invalid phone number" {
		t.Fatalf("stored call session = %+v, want the callback's failure kept", saved)
	}
	if got := h.get(t, iv.ID); got.Status != interview.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestCallStatusProgressesInterview(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	iv := h.create(t, "0912345678")
	cs, err := h.svc.PlaceCall(ctx, iv.ID)
	if err != nil {
		t.Fatalf("PlaceCall() error = %v", err)
	}
	if err := h.svc.CallStatus(ctx, StatusUpdate{CallSID: cs.CallSID, Status: interview.CallRinging}); err != nil {
		t.Fatalf("CallStatus() error = %v", err)
	}
	if got := h.get(t, iv.ID); got.Status != interview.StatusRinging {
		t.Fatalf("status = %s, want ringing", got.Status)
	}
	if err := h.svc.CallStatus(ctx, StatusUpdate{CallSID: cs.CallSID, Status: interview.CallInProgress}); err != nil {
		t.Fatalf("CallStatus() error = %v", err)
	}
	got := h.get(t, iv.ID)
	if got.Status != interview.StatusInProgress || got.StartedAt == nil {
		t.Fatalf("status = %s started=%v, want in_progress with start time", got.Status, got.StartedAt)
	}
}

func TestCallCompletedAutoFinalizes(t *testing.T) {
	h := newHarness(t, Config{AutoFinalize: true, FinalizeTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	iv, cs := h.answered(t)

	sub, err := h.hub.Subscribe(ctx, iv.ID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	if err := h.svc.CallStatus(ctx, StatusUpdate{CallSID: cs.CallSID, Status: interview.CallCompleted, DurationSec: 42}); err != nil {
		t.Fatalf("CallStatus() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.C():
			if ev.Kind == notify.KindAnalyzed {
				if got := h.get(t, iv.ID); got.Status != interview.StatusAnalyzed {
					t.Fatalf("status = %s, want analyzed", got.Status)
				}
				saved, _ := h.store.GetCallSession(ctx, cs.CallSID)
				if saved.DurationSec != 42 {
					t.Fatalf("DurationSec = %d, want 42", saved.DurationSec)
				}
				return
			}
		case <-deadline:
			t.Fatalf("interview was not finalized, status = %s", h.get(t, iv.ID).Status)
		}
	}
}

func TestFinalizeRequiresCompleted(t *testing.T) {
	h := newHarness(t, Config{})
	iv, _ := h.answered(t)
	if _, err := h.svc.Finalize(context.Background(), iv.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Finalize() error = %v, want ErrInvalidState", err)
	}
}

func TestFinalizeFallsBackWithoutModel(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.evaluator = evaluation.NewEvaluator(nil, nil, zap.NewNop())
	ctx := context.Background()
	iv, cs := h.answered(t)
	if _, err := h.svc.Response(ctx, iv.ID, 0, interview.Recording{DurationSec: 10}); err != nil {
		t.Fatalf("Response() error = %v", err)
	}
	if err := h.svc.Transcription(ctx, iv.ID, 0, "hello there", ""); err != nil {
		t.Fatalf("Transcription() error = %v", err)
	}
	if err := h.svc.CallStatus(ctx, StatusUpdate{CallSID: cs.CallSID, Status: interview.CallCompleted}); err != nil {
		t.Fatalf("CallStatus() error = %v", err)
	}

	summary, err := h.svc.Finalize(ctx, iv.ID)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if !summary.Fallback || summary.Recommendation != evaluation.RecommendMaybe {
		t.Fatalf("summary = %+v, want fallback maybe", summary)
	}
	if summary.Metrics.WordCount != 2 {
		t.Fatalf("WordCount = %d, want 2", summary.Metrics.WordCount)
	}
	if got := h.get(t, iv.ID); got.Status != interview.StatusAnalyzed {
		t.Fatalf("status = %s, want analyzed", got.Status)
	}
}

func TestHangUpEndsLiveCall(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	iv, cs := h.answered(t)

	if _, err := h.svc.HangUp(ctx, iv.ID); err != nil {
		t.Fatalf("HangUp() error = %v", err)
	}
	if len(h.provider.Ended) != 1 || h.provider.Ended[0] != cs.CallSID {
		t.Fatalf("ended calls = %v, want [%s]", h.provider.Ended, cs.CallSID)
	}

	if err := h.svc.CallStatus(ctx, StatusUpdate{CallSID: cs.CallSID, Status: interview.CallCompleted}); err != nil {
		t.Fatalf("CallStatus() error = %v", err)
	}
	if _, err := h.svc.HangUp(ctx, iv.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("HangUp() after completion error = %v, want ErrInvalidState", err)
	}
}

func TestLastResponseFinalizesWhenTranscriptsAlreadyIn(t *testing.T) {
	// The backstop never fires within the test.
	h := newHarness(t, Config{AutoFinalize: true, FinalizeTimeout: time.Hour})
	ctx := context.Background()
	iv, _ := h.answered(t)

	for i := 0; i < 5; i++ {
		if err := h.svc.Transcription(ctx, iv.ID, i, fmt.Sprintf("I built system %d", i), fmt.Sprintf("RE%d", i)); err != nil {
			t.Fatalf("Transcription(%d) error = %v", i, err)
		}
		if _, err := h.svc.Response(ctx, iv.ID, i, interview.Recording{URL: fmt.Sprintf("https://rec/%d", i), DurationSec: 20}); err != nil {
			t.Fatalf("Response(%d) error = %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.get(t, iv.ID).Status != interview.StatusAnalyzed {
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want analyzed without waiting for the backstop", h.get(t, iv.ID).Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, calls := h.evaluator.last(); calls != 1 {
		t.Fatalf("evaluator calls = %d, want 1", calls)
	}
}

func TestConcurrentDuplicateResponsesAdvanceOnce(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	iv, _ := h.answered(t)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.Response(ctx, iv.ID, 0, interview.Recording{URL: "https://rec/0", DurationSec: 20}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Response() error = %v", err)
	}

	got := h.get(t, iv.ID)
	if got.Metadata.Current != 1 {
		t.Fatalf("Current = %d, want 1", got.Metadata.Current)
	}
	answered := 0
	for _, r := range got.Metadata.Responses {
		if r.Index == 0 && r.Status == interview.ResponseAnswered {
			answered++
		}
	}
	if answered != 1 {
		t.Fatalf("answered responses for index 0 = %d, want 1", answered)
	}
}
