package relay

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hirecall/interviewd/internal/interview"
	"github.com/hirecall/interviewd/internal/notify"
	"github.com/hirecall/interviewd/internal/observability"
	"github.com/hirecall/interviewd/internal/policy"
	"github.com/hirecall/interviewd/internal/protocol"
	"github.com/hirecall/interviewd/internal/store"
)

const persistTimeout = 5 * time.Second

// Recorder persists finished relay transcripts as interview segments and
// publishes them to interview subscribers.
type Recorder struct {
	store   store.Store
	hub     notify.Hub
	metrics *observability.Metrics
	logger  *zap.Logger
}

func NewRecorder(st store.Store, hub notify.Hub, metrics *observability.Metrics, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: st, hub: hub, metrics: metrics, logger: logger}
}

func (r *Recorder) OnRelayEvent(ctx context.Context, ev protocol.RelayEvent) {
	r.metrics.ObserveRelayEvent(string(ev.Kind))
	switch ev.Kind {
	case protocol.EventTranscriptDone:
		r.persist(ctx, ev)
	case protocol.EventError:
		r.logger.Warn("relay upstream error",
			zap.String("session_id", ev.SessionID),
			zap.String("interview_id", ev.InterviewID),
			zap.String("code", ev.Code),
			zap.String("message", ev.Message))
	case protocol.EventSpeakingStopped:
		if ev.Interrupted {
			r.logger.Debug("caller barged in", zap.String("session_id", ev.SessionID))
		}
	}
}

func (r *Recorder) persist(ctx context.Context, ev protocol.RelayEvent) {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	m := interview.AnalyzeSpeech(ev.Text, ev.Speech.Seconds())
	seg := interview.TranscriptSegment{
		ID:            uuid.NewString(),
		InterviewID:   ev.InterviewID,
		Source:        interview.SourceRelay,
		QuestionIndex: -1,
		Text:          ev.Text,
		WPM:           m.WPM,
		FillerRate:    m.FillerRate,
		CreatedAt:     ev.At,
	}
	if r.store != nil {
		if _, err := r.store.AppendSegment(ctx, seg); err != nil {
			r.logger.Error("persist relay segment failed", zap.String("interview_id", ev.InterviewID), zap.Error(err))
			return
		}
	}
	if r.hub != nil {
		_ = r.hub.Publish(ctx, notify.Event{
			Kind:        notify.KindTranscript,
			InterviewID: ev.InterviewID,
			Current:     -1,
			Text:        ev.Text,
			At:          ev.At,
		})
	}
	if ce := r.logger.Check(zap.DebugLevel, "relay segment stored"); ce != nil {
		redacted, _ := policy.RedactPII(ev.Text)
		ce.Write(zap.String("interview_id", ev.InterviewID), zap.String("text", redacted), zap.Float64("wpm", m.WPM))
	}
}
