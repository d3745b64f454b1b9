package main

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hirecall/interviewd/internal/audio"
	"github.com/hirecall/interviewd/internal/protocol"
)

func TestRelayURL(t *testing.T) {
	got, err := relayURL("https://interviews.example.com/base/", "iv-1", "Focus on Go")
	if err != nil {
		t.Fatalf("relayURL() error = %v", err)
	}
	want := "wss://interviews.example.com/base/v1/relay?interview_id=iv-1&prompt=Focus+on+Go"
	if got != want {
		t.Fatalf("relayURL() = %q, want %q", got, want)
	}
	if _, err := relayURL("ftp://example.com", "iv-1", ""); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestParseFlagsValidation(t *testing.T) {
	if _, err := parseFlags([]string{"-chunk-ms", "5"}); err == nil {
		t.Fatalf("expected chunk-ms error")
	}
	if _, err := parseFlags([]string{"-realtime", "0"}); err == nil {
		t.Fatalf("expected realtime error")
	}
	cfg, err := parseFlags([]string{"-base-url", "http://localhost:9090/", "-turns", "2"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.baseURL != "http://localhost:9090" || cfg.turns != 2 {
		t.Fatalf("unexpected options: %+v", cfg)
	}
}

// fakeRelay speaks the caller side of the relay protocol: it announces the
// connection, counts appended audio, then answers with one assistant turn.
func fakeRelay(t *testing.T, appended *atomic.Int64) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/relay" || r.URL.Query().Get("interview_id") != "iv-1" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteJSON(protocol.RelayControl{Type: protocol.TypeRelayConnected, SessionID: "s-1"})
		go func() {
			for {
				var msg protocol.InputAudioAppend
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				if msg.Type == protocol.TypeInputAudioAppend {
					pcm, _ := base64.StdEncoding.DecodeString(msg.Audio)
					appended.Add(int64(len(pcm)))
				}
			}
		}()
		_ = conn.WriteJSON(map[string]string{
			"type":  protocol.TypeAudioDelta,
			"delta": base64.StdEncoding.EncodeToString([]byte{1, 0, 2, 0, 3, 0, 4, 0}),
		})
		_ = conn.WriteJSON(map[string]string{
			"type":       protocol.TypeTranscriptDone,
			"transcript": "Hello, thanks for joining.",
		})
		time.Sleep(200 * time.Millisecond)
	}))
}

func TestRunMeasuresRelayTurn(t *testing.T) {
	var appended atomic.Int64
	srv := fakeRelay(t, &appended)
	defer srv.Close()

	dir := t.TempDir()
	wavPath := filepath.Join(dir, "caller.wav")
	callerPCM := make([]byte, audio.RealtimeSampleRate*2/10) // 100ms
	if err := audio.WriteWAVPCM16LEFile(wavPath, callerPCM, audio.RealtimeSampleRate); err != nil {
		t.Fatalf("write caller wav: %v", err)
	}
	outPath := filepath.Join(dir, "assistant.wav")

	cfg := options{
		baseURL:     srv.URL,
		token:       "secret",
		interviewID: "iv-1",
		wavPath:     wavPath,
		outPath:     outPath,
		chunkMS:     20,
		realtime:    10,
		turns:       1,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var log strings.Builder
	rep, err := run(ctx, cfg, &log)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if rep.Connected <= 0 || rep.FirstAudio <= 0 {
		t.Fatalf("latencies not recorded: %+v", rep)
	}
	if rep.AudioBytes != 8 || len(rep.Transcripts) != 1 || rep.Transcripts[0] != "Hello, thanks for joining." {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.SentBytes != len(callerPCM) {
		t.Fatalf("SentBytes = %d, want %d", rep.SentBytes, len(callerPCM))
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read assistant wav: %v", err)
	}
	pcm, sr, err := audio.DecodeWAVPCM16(data)
	if err != nil || sr != audio.RealtimeSampleRate || len(pcm) != 8 {
		t.Fatalf("assistant wav: len=%d sr=%d err=%v", len(pcm), sr, err)
	}
}

func TestRunReportsRelayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(protocol.RelayControl{
			Type:    protocol.TypeRelayError,
			Code:    protocol.CodeUpstreamUnavailable,
			Message: "could not reach the realtime model",
		})
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, err := run(ctx, options{baseURL: srv.URL, interviewID: "iv-1", chunkMS: 20, realtime: 1, turns: 1}, &strings.Builder{})
	if !errors.Is(err, errRelay) {
		t.Fatalf("run() error = %v, want errRelay", err)
	}
	if rep.RelayErrCode != protocol.CodeUpstreamUnavailable {
		t.Fatalf("RelayErrCode = %q", rep.RelayErrCode)
	}
}

func TestRunRejectsWrongSampleRate(t *testing.T) {
	wavPath := filepath.Join(t.TempDir(), "caller.wav")
	if err := audio.WriteWAVPCM16LEFile(wavPath, []byte{0, 0}, 16000); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	_, err := run(context.Background(), options{baseURL: "http://127.0.0.1:1", interviewID: "iv-1", wavPath: wavPath}, &strings.Builder{})
	if err == nil || !strings.Contains(err.Error(), "16000Hz") {
		t.Fatalf("run() error = %v, want sample rate error", err)
	}
}
