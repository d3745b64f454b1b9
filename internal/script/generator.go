package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hirecall/interviewd/internal/interview"
	"github.com/hirecall/interviewd/internal/llm"
	"github.com/hirecall/interviewd/internal/observability"
)

// QuestionCount is the size of a generated script.
const QuestionCount = 5

var errMalformed = errors.New("malformed question set")

const systemPrompt = `You are an experienced recruiter preparing a phone screening.
Return only a JSON object of the form
{"questions":[{"id":1,"text":"...","type":"introductory|technical|situational|behavioral|closing","timeout":60}]}.
Questions must be short enough to be read aloud and answerable in under two minutes.`

// Generator produces interview scripts. It never returns an empty script.
type Generator struct {
	completer llm.Completer
	catalog   *Catalog
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewGenerator builds a generator. A nil completer always yields the
// fallback script.
func NewGenerator(completer llm.Completer, catalog *Catalog, metrics *observability.Metrics, logger *zap.Logger) *Generator {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{completer: completer, catalog: catalog, metrics: metrics, logger: logger}
}

func (g *Generator) Catalog() *Catalog {
	return g.catalog
}

// Generate asks the completion model for QuestionCount questions for role
// in language. Any failure yields the catalog's single introductory question.
func (g *Generator) Generate(ctx context.Context, role, language string) []interview.Question {
	if g.completer == nil {
		g.metrics.ObserveFallback("script")
		return g.catalog.Fallback(language)
	}

	user := fmt.Sprintf("Write %d interview questions for the role %q. Write every question in the language with tag %q. Start with an introductory question and end with a closing question.",
		QuestionCount, strings.TrimSpace(role), languageOrDefault(language))
	started := time.Now()
	raw, err := g.completer.CompleteJSON(ctx, systemPrompt, user)
	g.metrics.ObserveStage(observability.StageScriptGeneration, time.Since(started))
	if err != nil {
		g.logger.Warn("script generation failed, using fallback", zap.String("role", role), zap.Error(err))
		g.metrics.ObserveFallback("script")
		return g.catalog.Fallback(language)
	}
	questions, err := ParseQuestions(raw)
	if err != nil {
		g.logger.Warn("script output rejected, using fallback", zap.String("role", role), zap.Error(err))
		g.metrics.ObserveFallback("script")
		return g.catalog.Fallback(language)
	}
	return questions
}

// ParseQuestions validates model output of the form {"questions":[...]}.
// Ids are renumbered 1..n, missing timeouts default, and the set is
// truncated to QuestionCount.
func ParseQuestions(raw string) ([]interview.Question, error) {
	var payload struct {
		Questions []struct {
			ID      json.Number `json:"id"`
			Text    string      `json:"text"`
			Type    string      `json:"type"`
			Timeout json.Number `json:"timeout"`
		} `json:"questions"`
	}
	dec := json.NewDecoder(strings.NewReader(llm.StripCodeFence(raw)))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if len(payload.Questions) == 0 {
		return nil, fmt.Errorf("%w: no questions", errMalformed)
	}

	out := make([]interview.Question, 0, QuestionCount)
	for i, q := range payload.Questions {
		if len(out) == QuestionCount {
			break
		}
		text := strings.TrimSpace(q.Text)
		if text == "" {
			return nil, fmt.Errorf("%w: question %d has no text", errMalformed, i+1)
		}
		typ, ok := parseType(q.Type)
		if !ok {
			return nil, fmt.Errorf("%w: question %d has unknown type %q", errMalformed, i+1, q.Type)
		}
		timeout := interview.DefaultQuestionTimeout
		if q.Timeout != "" {
			n, err := q.Timeout.Int64()
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: question %d has invalid timeout %q", errMalformed, i+1, q.Timeout)
			}
			if n > 0 {
				timeout = int(n)
			}
		}
		out = append(out, interview.Question{
			ID:         len(out) + 1,
			Text:       text,
			Type:       typ,
			TimeoutSec: timeout,
		})
	}
	return out, nil
}

func parseType(raw string) (interview.QuestionType, bool) {
	switch t := interview.QuestionType(strings.ToLower(strings.TrimSpace(raw))); t {
	case interview.QuestionIntroductory, interview.QuestionTechnical, interview.QuestionSituational,
		interview.QuestionBehavioral, interview.QuestionClosing:
		return t, true
	case "":
		return interview.QuestionTechnical, true
	default:
		return "", false
	}
}

func languageOrDefault(language string) string {
	if l := strings.TrimSpace(language); l != "" {
		return l
	}
	return "en"
}
