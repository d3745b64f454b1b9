package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hirecall/interviewd/internal/interview"
	"github.com/hirecall/interviewd/internal/llm"
	"github.com/hirecall/interviewd/internal/observability"
)

// Recommendation values accepted from the model.
const (
	RecommendHire   = "hire"
	RecommendMaybe  = "maybe"
	RecommendNoHire = "no_hire"
)

// Summary is the stored score of an analyzed interview.
type Summary struct {
	Scores         map[string]float64      `json:"scores,omitempty"`
	Overall        float64                 `json:"overall,omitempty"`
	Strengths      []string                `json:"strengths,omitempty"`
	Gaps           []string                `json:"gaps,omitempty"`
	Recommendation string                  `json:"recommendation"`
	Summary        string                  `json:"summary"`
	Metrics        interview.SpeechMetrics `json:"metrics"`
	// Raw holds unparseable model output when the structured parse failed.
	Raw      string `json:"raw,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`
}

// Input is everything the evaluator sees about one interview.
type Input struct {
	Role     string
	Language string
	// Turns are question/answer pairs in script order.
	Turns []Turn
	// Extra holds transcript text not tied to a question, e.g. relay segments.
	Extra   []string
	Metrics interview.SpeechMetrics
}

type Turn struct {
	Question string
	Answer   string
}

// Evaluator scores interviews. Evaluate never fails: model errors produce
// a fallback summary.
type Evaluator struct {
	completer llm.Completer
	metrics   *observability.Metrics
	logger    *zap.Logger
}

func NewEvaluator(completer llm.Completer, metrics *observability.Metrics, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{completer: completer, metrics: metrics, logger: logger}
}

const systemPrompt = `You evaluate recorded job interview answers.
Return only a JSON object:
{"scores":{"communication":1-10,"technical":1-10,"problem_solving":1-10,"culture_fit":1-10},
 "strengths":["..."],"gaps":["..."],"recommendation":"hire|maybe|no_hire","summary":"..."}`

func (e *Evaluator) Evaluate(ctx context.Context, in Input) Summary {
	if !hasContent(in) {
		e.metrics.ObserveFallback("evaluation")
		return defaultSummary(in.Metrics, "No answers were captured.")
	}
	if e.completer == nil {
		e.metrics.ObserveFallback("evaluation")
		return defaultSummary(in.Metrics, "Automatic evaluation is not configured.")
	}

	started := time.Now()
	raw, err := e.completer.CompleteJSON(ctx, systemPrompt, buildPrompt(in))
	e.metrics.ObserveStage(observability.StageEvaluation, time.Since(started))
	if err != nil {
		e.logger.Warn("evaluation request failed, storing default summary", zap.Error(err))
		e.metrics.ObserveFallback("evaluation")
		return defaultSummary(in.Metrics, "Automatic evaluation was unavailable.")
	}
	s, err := parseSummary(raw)
	if err != nil {
		e.logger.Warn("evaluation output unparseable, storing raw output", zap.Error(err))
		e.metrics.ObserveFallback("evaluation")
		s = defaultSummary(in.Metrics, "Automatic evaluation returned an unstructured result.")
		s.Raw = raw
		return s
	}
	s.Metrics = in.Metrics
	return s
}

func buildPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Role: %s\nLanguage: %s\n", in.Role, in.Language)
	fmt.Fprintf(&b, "Speech: %d words, %.2f%% filler words, %.0f words per minute.\n\n",
		in.Metrics.WordCount, in.Metrics.FillerRate, in.Metrics.WPM)
	for i, t := range in.Turns {
		answer := strings.TrimSpace(t.Answer)
		if answer == "" {
			answer = "(no answer captured)"
		}
		fmt.Fprintf(&b, "Q%d: %s\nA%d: %s\n\n", i+1, t.Question, i+1, answer)
	}
	if len(in.Extra) > 0 {
		b.WriteString("Conversation transcript:\n")
		for _, line := range in.Extra {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func parseSummary(raw string) (Summary, error) {
	var s Summary
	if err := json.Unmarshal([]byte(llm.StripCodeFence(raw)), &s); err != nil {
		return Summary{}, fmt.Errorf("decode summary: %w", err)
	}
	if len(s.Scores) == 0 {
		return Summary{}, fmt.Errorf("summary has no scores")
	}
	total := 0.0
	for dim, v := range s.Scores {
		if v < 0 || v > 10 {
			return Summary{}, fmt.Errorf("score %s=%v out of range", dim, v)
		}
		total += v
	}
	s.Overall = round1(total / float64(len(s.Scores)))
	switch s.Recommendation = strings.ToLower(strings.TrimSpace(s.Recommendation)); s.Recommendation {
	case RecommendHire, RecommendMaybe, RecommendNoHire:
	default:
		s.Recommendation = RecommendMaybe
	}
	s.Raw = ""
	s.Fallback = false
	return s, nil
}

func defaultSummary(m interview.SpeechMetrics, reason string) Summary {
	return Summary{
		Recommendation: RecommendMaybe,
		Summary:        reason + " Manual review required.",
		Metrics:        m,
		Fallback:       true,
	}
}

func hasContent(in Input) bool {
	for _, t := range in.Turns {
		if strings.TrimSpace(t.Answer) != "" {
			return true
		}
	}
	for _, line := range in.Extra {
		if strings.TrimSpace(line) != "" {
			return true
		}
	}
	return false
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
