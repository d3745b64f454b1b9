package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Upstream realtime message types the relay sends or inspects. Everything
// else passes through untouched.
const (
	TypeSessionCreated         = "session.created"
	TypeSessionUpdate          = "session.update"
	TypeConversationItemCreate = "conversation.item.create"
	TypeResponseCreate         = "response.create"
	TypeAudioDelta             = "response.audio.delta"
	TypeTranscriptDelta        = "response.audio_transcript.delta"
	TypeTranscriptDone         = "response.audio_transcript.done"
	TypeSpeechStarted          = "input_audio_buffer.speech_started"
	TypeInputAudioAppend       = "input_audio_buffer.append"
	TypeResponseDone           = "response.done"
	TypeError                  = "error"
)

// Control events the relay itself sends to the caller.
const (
	TypeRelayConnected    = "relay.connected"
	TypeRelayError        = "relay.error"
	TypeRelayDisconnected = "relay.disconnected"
)

// Relay error codes.
const (
	CodeUpstreamNotReady    = "upstream_not_ready"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeUpstreamError       = "upstream_error"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

type Envelope struct {
	Type string `json:"type"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type InputTranscription struct {
	Model string `json:"model"`
}

type SessionConfig struct {
	Modalities              []string            `json:"modalities"`
	Instructions            string              `json:"instructions"`
	Voice                   string              `json:"voice"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *InputTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           TurnDetection       `json:"turn_detection"`
	MaxResponseOutputTokens string              `json:"max_response_output_tokens"`
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ConversationItemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

type ResponseCreate struct {
	Type string `json:"type"`
}

// NewSessionUpdate builds the one-time session configuration.
func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	cfg.Modalities = []string{"text", "audio"}
	cfg.InputAudioFormat = "pcm16"
	cfg.OutputAudioFormat = "pcm16"
	cfg.TurnDetection.Type = "server_vad"
	cfg.MaxResponseOutputTokens = "inf"
	return SessionUpdate{Type: TypeSessionUpdate, Session: cfg}
}

// NewGreetingSeed builds the system message that starts the interview
// without waiting for caller audio.
func NewGreetingSeed(prompt string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: TypeConversationItemCreate,
		Item: ConversationItem{
			Type: "message",
			Role: "system",
			Content: []ContentPart{{
				Type: "input_text",
				Text: "Begin the interview with a greeting. Follow this guidance: " + prompt,
			}},
		},
	}
}

func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: TypeResponseCreate}
}

// InputAudioAppend carries one chunk of caller PCM16 audio, base64 encoded.
type InputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

func NewInputAudioAppend(pcm []byte) InputAudioAppend {
	return InputAudioAppend{Type: TypeInputAudioAppend, Audio: base64.StdEncoding.EncodeToString(pcm)}
}

type UpstreamError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UpstreamEvent is the subset of an upstream message the relay inspects.
type UpstreamEvent struct {
	Type       string         `json:"type"`
	Delta      string         `json:"delta,omitempty"`
	Transcript string         `json:"transcript,omitempty"`
	Error      *UpstreamError `json:"error,omitempty"`
}

// ParseUpstreamEvent decodes the inspected fields of an upstream message.
func ParseUpstreamEvent(raw []byte) (UpstreamEvent, error) {
	var ev UpstreamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return UpstreamEvent{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if ev.Type == "" {
		return UpstreamEvent{}, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	return ev, nil
}

// RelayControl is a control message the relay sends to the caller.
type RelayControl struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// EventKind is the closed set of events derived from a relay session.
type EventKind string

const (
	EventConnected       EventKind = "connected"
	EventSpeakingStarted EventKind = "speaking_started"
	EventSpeakingStopped EventKind = "speaking_stopped"
	EventTranscriptDelta EventKind = "transcript_delta"
	EventTranscriptDone  EventKind = "transcript_done"
	EventError           EventKind = "error"
	EventDisconnected    EventKind = "disconnected"
)

// RelayEvent is delivered to relay observers.
type RelayEvent struct {
	Kind        EventKind
	SessionID   string
	InterviewID string
	Text        string
	Code        string
	Message     string
	// Interrupted is set on speaking_stopped caused by caller barge-in.
	Interrupted bool
	// Speech is the time from first audio to transcript done.
	Speech time.Duration
	At     time.Time
}
