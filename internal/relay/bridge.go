package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hirecall/interviewd/internal/observability"
	"github.com/hirecall/interviewd/internal/protocol"
	"github.com/hirecall/interviewd/internal/reliability"
	"github.com/hirecall/interviewd/internal/session"
)

const (
	readLimit      = 8 << 20
	observerBuffer = 256
)

var (
	// errClosed ends a pump so the group context cancels the other one.
	errClosed = errors.New("relay: socket closed")
	// errUpstreamProtocol marks an upstream error event, which ends the session.
	errUpstreamProtocol = errors.New("relay: upstream protocol error")
)

// Observer receives derived relay events in order. It runs off the
// forwarding path: transcript deltas are dropped when it falls behind,
// every other event waits for buffer space.
type Observer interface {
	OnRelayEvent(ctx context.Context, ev protocol.RelayEvent)
}

type Config struct {
	// Session is sent as session.update once upstream reports session.created.
	Session protocol.SessionConfig
}

// Bridge relays one caller websocket to one upstream realtime connection
// per session.
type Bridge struct {
	dialer   Dialer
	cfg      Config
	sessions *session.Manager
	observer Observer
	metrics  *observability.Metrics
	logger   *zap.Logger

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

func NewBridge(dialer Dialer, cfg Config, sessions *session.Manager, observer Observer, metrics *observability.Metrics, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{
		dialer:   dialer,
		cfg:      cfg,
		sessions: sessions,
		observer: observer,
		metrics:  metrics,
		logger:   logger,
		cancel:   make(map[string]context.CancelFunc),
	}
	sessions.SetExpireHook(func(s *session.Session) {
		b.logger.Info("relay session idle, closing", zap.String("session_id", s.ID), zap.String("interview_id", s.InterviewID))
		b.Stop(s.ID)
	})
	return b
}

// Stop tears down a running session. Unknown ids are ignored.
func (b *Bridge) Stop(sessionID string) {
	b.mu.Lock()
	cancel, ok := b.cancel[sessionID]
	b.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopAll tears down every running session.
func (b *Bridge) StopAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cancel := range b.cancel {
		cancel()
	}
}

// Serve runs the relay for sess over the already upgraded caller connection
// until either side closes. It always closes both sockets and ends sess.
func (b *Bridge) Serve(ctx context.Context, caller *websocket.Conn, sess *session.Session, prompt string) error {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel[sess.ID] = cancel
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.cancel, sess.ID)
		b.mu.Unlock()
		cancel()
	}()

	b.metrics.SetActiveRelaySessions(b.sessions.ActiveCount())
	log := b.logger.With(zap.String("session_id", sess.ID), zap.String("interview_id", sess.InterviewID))
	log.Info("relay session started")

	caller.SetReadLimit(readLimit)
	r := &run{
		ctx:    ctx,
		bridge: b,
		sess:   sess,
		prompt: strings.TrimSpace(prompt),
		caller: newSocket(caller),
		events: make(chan protocol.RelayEvent, observerBuffer),
		log:    log,
	}

	observed := make(chan struct{})
	go func() {
		defer close(observed)
		for ev := range r.events {
			if b.observer != nil {
				b.observer.OnRelayEvent(context.WithoutCancel(ctx), ev)
			}
		}
	}()

	err := r.pump(ctx)

	reason := r.endReason()
	ended, _ := b.sessions.End(sess.ID, reason)
	b.metrics.SetActiveRelaySessions(b.sessions.ActiveCount())
	r.events <- r.stamp(protocol.RelayEvent{Kind: protocol.EventDisconnected, Message: reason})
	close(r.events)
	<-observed

	fields := []zap.Field{zap.String("reason", reason)}
	if ended != nil {
		fields = append(fields, zap.Int("interruptions", ended.InterruptionCount), zap.Int("segments", ended.SegmentCount))
	}
	log.Info("relay session ended", fields...)
	return err
}

// run is the state of one relay session.
type run struct {
	ctx    context.Context
	bridge *Bridge
	sess   *session.Session
	prompt string
	caller *socket
	events chan protocol.RelayEvent
	log    *zap.Logger

	upstream atomic.Pointer[socket]
	reason   atomic.Value

	// Owned by the upstream pump.
	configured   bool
	configuredAt time.Time
	firstAudio   bool
	speaking     bool
	speechStart  time.Time
	transcript   strings.Builder
}

func (r *run) pump(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.pumpCaller(gctx) })
	g.Go(func() error { return r.pumpUpstream(gctx) })

	go func() {
		<-gctx.Done()
		r.setReason("canceled")
		r.caller.close()
		if up := r.upstream.Load(); up != nil {
			up.close()
		}
	}()

	err := g.Wait()
	if errors.Is(err, errClosed) {
		return nil
	}
	return err
}

// pumpCaller forwards caller frames to upstream verbatim and in order.
func (r *run) pumpCaller(ctx context.Context) error {
	for {
		mt, data, err := r.caller.read()
		if err != nil {
			r.setReason("caller_closed")
			return errClosed
		}
		_ = r.bridge.sessions.Touch(r.sess.ID)

		up := r.upstream.Load()
		if up == nil {
			r.bridge.metrics.ObserveRelayMessage("caller_to_upstream", "not_ready")
			if err := r.caller.writeJSON(protocol.RelayControl{
				Type:      protocol.TypeRelayError,
				SessionID: r.sess.ID,
				Code:      protocol.CodeUpstreamNotReady,
				Message:   "upstream connection is not open yet",
				Retryable: true,
			}); err != nil {
				r.setReason("caller_write_failed")
				return errClosed
			}
			continue
		}
		if err := up.write(mt, data); err != nil {
			r.bridge.metrics.ObserveRelayMessage("caller_to_upstream", "write_error")
			if ctx.Err() == nil {
				r.notifyCaller(protocol.TypeRelayDisconnected, "", "upstream write failed")
			}
			r.setReason("upstream_write_failed")
			return errClosed
		}
		r.bridge.metrics.ObserveRelayMessage("caller_to_upstream", "forwarded")
	}
}

// pumpUpstream dials upstream, then forwards its frames to the caller
// verbatim and in order while deriving relay events.
func (r *run) pumpUpstream(ctx context.Context) error {
	conn, err := r.bridge.dialer.Dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return errClosed
		}
		r.log.Warn("upstream dial failed", zap.Error(err))
		r.bridge.metrics.ObserveProviderError("realtime", protocol.CodeUpstreamUnavailable)
		r.emit(protocol.RelayEvent{Kind: protocol.EventError, Code: protocol.CodeUpstreamUnavailable, Message: err.Error()})
		r.notifyCaller(protocol.TypeRelayError, protocol.CodeUpstreamUnavailable, "could not reach the realtime model")
		r.setReason("upstream_unavailable")
		return errClosed
	}
	conn.SetReadLimit(readLimit)
	up := newSocket(conn)
	r.upstream.Store(up)
	if ctx.Err() != nil {
		up.close()
		return errClosed
	}

	r.emit(protocol.RelayEvent{Kind: protocol.EventConnected})
	r.notifyCaller(protocol.TypeRelayConnected, "", "")

	for {
		mt, data, err := up.read()
		if err != nil {
			if ctx.Err() == nil {
				r.notifyCaller(protocol.TypeRelayDisconnected, "", "upstream closed")
			}
			r.setReason("upstream_closed")
			return errClosed
		}
		_ = r.bridge.sessions.Touch(r.sess.ID)

		if err := r.caller.write(mt, data); err != nil {
			r.bridge.metrics.ObserveRelayMessage("upstream_to_caller", "write_error")
			r.setReason("caller_write_failed")
			return errClosed
		}
		r.bridge.metrics.ObserveRelayMessage("upstream_to_caller", "forwarded")

		if mt != websocket.TextMessage {
			continue
		}
		ev, err := protocol.ParseUpstreamEvent(data)
		if err != nil {
			continue
		}
		if err := r.inspect(up, ev); err != nil {
			if errors.Is(err, errUpstreamProtocol) {
				r.setReason("upstream_error")
			} else {
				r.setReason("upstream_write_failed")
			}
			return errClosed
		}
	}
}

func (r *run) inspect(up *socket, ev protocol.UpstreamEvent) error {
	now := time.Now()
	switch ev.Type {
	case protocol.TypeSessionCreated:
		if r.configured {
			return nil
		}
		r.configured = true
		r.configuredAt = now
		if err := up.writeJSON(protocol.NewSessionUpdate(r.bridge.cfg.Session)); err != nil {
			return err
		}
		if r.prompt != "" {
			if err := up.writeJSON(protocol.NewGreetingSeed(r.prompt)); err != nil {
				return err
			}
			if err := up.writeJSON(protocol.NewResponseCreate()); err != nil {
				return err
			}
		}
	case protocol.TypeAudioDelta:
		if !r.firstAudio && r.configured {
			r.firstAudio = true
			r.bridge.metrics.ObserveFirstAudioLatency(now.Sub(r.configuredAt))
		}
		if r.speechStart.IsZero() {
			r.speechStart = now
		}
		if !r.speaking {
			r.speaking = true
			_ = r.bridge.sessions.SetSpeaking(r.sess.ID, true)
			r.emit(protocol.RelayEvent{Kind: protocol.EventSpeakingStarted})
		}
	case protocol.TypeTranscriptDelta:
		r.transcript.WriteString(ev.Delta)
		r.emit(protocol.RelayEvent{Kind: protocol.EventTranscriptDelta, Text: ev.Delta})
	case protocol.TypeTranscriptDone:
		text := strings.TrimSpace(ev.Transcript)
		if text == "" {
			text = strings.TrimSpace(r.transcript.String())
		}
		r.transcript.Reset()
		var speech time.Duration
		if !r.speechStart.IsZero() {
			speech = now.Sub(r.speechStart)
		}
		r.speechStart = time.Time{}
		if text != "" {
			_ = r.bridge.sessions.RecordSegment(r.sess.ID)
			r.emit(protocol.RelayEvent{Kind: protocol.EventTranscriptDone, Text: text, Speech: speech})
		}
		r.stopSpeaking(false)
	case protocol.TypeSpeechStarted:
		if r.speaking {
			_ = r.bridge.sessions.Interrupt(r.sess.ID)
			r.bridge.metrics.ObserveIndicator("barge_in")
			r.stopSpeaking(true)
		}
	case protocol.TypeError:
		code, msg := protocol.CodeUpstreamError, "upstream error"
		if ev.Error != nil {
			if ev.Error.Code != "" {
				code = ev.Error.Code
			}
			if ev.Error.Message != "" {
				msg = ev.Error.Message
			}
		}
		r.bridge.metrics.ObserveProviderError("realtime", code)
		r.emit(protocol.RelayEvent{Kind: protocol.EventError, Code: code, Message: msg})
		r.notifyCaller(protocol.TypeRelayError, code, msg)
		return errUpstreamProtocol
	}
	return nil
}

func (r *run) stopSpeaking(interrupted bool) {
	if !r.speaking {
		return
	}
	r.speaking = false
	_ = r.bridge.sessions.SetSpeaking(r.sess.ID, false)
	r.emit(protocol.RelayEvent{Kind: protocol.EventSpeakingStopped, Interrupted: interrupted})
}

func (r *run) notifyCaller(typ, code, msg string) {
	ctl := protocol.RelayControl{Type: typ, SessionID: r.sess.ID, Code: code, Message: msg}
	if typ == protocol.TypeRelayError {
		ctl.Retryable = reliability.IsRetryableRealtimeError(code)
	}
	if err := r.caller.writeJSON(ctl); err != nil {
		r.log.Debug("caller notify failed", zap.String("type", typ), zap.Error(err))
	}
}

// emit hands an event to the observer goroutine. Transcript deltas are
// dropped when the observer has fallen behind; other events wait for room
// until the session is stopped.
func (r *run) emit(ev protocol.RelayEvent) {
	ev = r.stamp(ev)
	if ev.Kind == protocol.EventTranscriptDelta {
		select {
		case r.events <- ev:
		default:
			r.bridge.metrics.ObserveRelayEvent("dropped")
		}
		return
	}
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
		r.bridge.metrics.ObserveRelayEvent("dropped")
	}
}

func (r *run) stamp(ev protocol.RelayEvent) protocol.RelayEvent {
	ev.SessionID = r.sess.ID
	ev.InterviewID = r.sess.InterviewID
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}

// setReason keeps the first end reason.
func (r *run) setReason(reason string) {
	r.reason.CompareAndSwap(nil, reason)
}

func (r *run) endReason() string {
	if v, ok := r.reason.Load().(string); ok {
		return v
	}
	return "unknown"
}
