package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hirecall/interviewd/internal/audio"
	"github.com/hirecall/interviewd/internal/protocol"
)

type options struct {
	baseURL     string
	token       string
	interviewID string
	role        string
	phone       string
	prompt      string
	wavPath     string
	outPath     string
	chunkMS     int
	realtime    float64
	turns       int
	timeout     time.Duration
	verbose     bool
}

type createInterviewRequest struct {
	CandidateName string `json:"candidate_name"`
	Phone         string `json:"phone"`
	Role          string `json:"role"`
	Prompt        string `json:"prompt,omitempty"`
}

type createInterviewResponse struct {
	ID string `json:"id"`
}

type wsEnvelope struct {
	Type       string `json:"type"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

type report struct {
	InterviewID  string
	Connected    time.Duration
	FirstAudio   time.Duration
	AudioBytes   int
	SentBytes    int
	Transcripts  []string
	RelayErrCode string
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	rep, err := run(ctx, cfg, os.Stdout)
	printReport(os.Stdout, rep)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("relayprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "interviewd base URL")
	fs.StringVar(&cfg.token, "token", "", "bearer token (owner or interview-scoped)")
	fs.StringVar(&cfg.interviewID, "interview-id", "", "existing interview to relay; created when empty")
	fs.StringVar(&cfg.role, "role", "Backend Engineer", "role for a created interview")
	fs.StringVar(&cfg.phone, "phone", "+15555550100", "phone for a created interview")
	fs.StringVar(&cfg.prompt, "prompt", "", "relay instructions override")
	fs.StringVar(&cfg.wavPath, "wav", "", "PCM16 WAV file streamed as caller audio after connect")
	fs.StringVar(&cfg.outPath, "out", "", "write received assistant audio to this WAV file")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 40, "caller audio chunk size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.IntVar(&cfg.turns, "turns", 1, "assistant transcripts to wait for")
	fs.DurationVar(&cfg.timeout, "timeout", 60*time.Second, "overall probe timeout")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print relay events")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.turns < 0 {
		return options{}, fmt.Errorf("turns must be >= 0")
	}
	if cfg.timeout < time.Second {
		cfg.timeout = time.Second
	}
	return cfg, nil
}

func run(ctx context.Context, cfg options, logw io.Writer) (rep report, err error) {
	var clip []byte
	if cfg.wavPath != "" {
		data, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return rep, fmt.Errorf("read wav: %w", err)
		}
		pcm, sampleRate, err := audio.DecodeWAVPCM16(data)
		if err != nil {
			return rep, fmt.Errorf("decode wav: %w", err)
		}
		if sampleRate != audio.RealtimeSampleRate {
			return rep, fmt.Errorf("wav sample rate %dHz, relay expects %dHz", sampleRate, audio.RealtimeSampleRate)
		}
		clip = pcm
	}

	if cfg.interviewID == "" {
		id, err := createInterview(ctx, &http.Client{Timeout: 15 * time.Second}, cfg)
		if err != nil {
			return rep, fmt.Errorf("create interview: %w", err)
		}
		cfg.interviewID = id
	}
	rep.InterviewID = cfg.interviewID

	wsURL, err := relayURL(cfg.baseURL, cfg.interviewID, cfg.prompt)
	if err != nil {
		return rep, fmt.Errorf("build relay URL: %w", err)
	}
	header := http.Header{}
	if cfg.token != "" {
		header.Set("Authorization", "Bearer "+cfg.token)
	}

	started := time.Now()
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if res != nil {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
			_ = res.Body.Close()
			return rep, fmt.Errorf("open relay: HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		}
		return rep, fmt.Errorf("open relay: %w", err)
	}

	connectedCh := make(chan struct{})
	doneCh := make(chan error, 1)
	loopDone := false
	var assistantPCM bytes.Buffer
	go func() {
		doneCh <- readLoop(conn, cfg, started, &rep, &assistantPCM, connectedCh, logw)
	}()
	// The reader writes into rep; it must be gone before rep is returned.
	defer func() {
		_ = conn.Close()
		if !loopDone {
			<-doneCh
		}
	}()

	select {
	case <-connectedCh:
	case err := <-doneCh:
		loopDone = true
		return rep, err
	case <-ctx.Done():
		return rep, fmt.Errorf("await relay.connected: %w", ctx.Err())
	}

	if len(clip) > 0 {
		sent, err := streamAudio(ctx, conn, clip, cfg.chunkMS, cfg.realtime)
		rep.SentBytes = sent
		if err != nil {
			return rep, fmt.Errorf("stream caller audio: %w", err)
		}
	}

	var loopErr error
	if cfg.turns > 0 {
		select {
		case loopErr = <-doneCh:
			loopDone = true
		case <-ctx.Done():
			loopErr = fmt.Errorf("await transcripts: %w", ctx.Err())
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe done"),
		time.Now().Add(time.Second))
	_ = conn.Close()
	if !loopDone {
		<-doneCh
		loopDone = true
	}

	if cfg.outPath != "" && assistantPCM.Len() > 0 {
		if err := audio.WriteWAVPCM16LEFile(cfg.outPath, assistantPCM.Bytes(), audio.RealtimeSampleRate); err != nil {
			return rep, fmt.Errorf("write assistant audio: %w", err)
		}
	}
	return rep, loopErr
}

var errRelay = errors.New("relay error")

// readLoop returns nil once the wanted number of assistant transcripts
// has been seen.
func readLoop(conn *websocket.Conn, cfg options, started time.Time, rep *report, pcm *bytes.Buffer, connected chan<- struct{}, logw io.Writer) error {
	connectedOnce := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("relay read: %w", err)
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypeRelayConnected:
			rep.Connected = time.Since(started)
			if !connectedOnce {
				connectedOnce = true
				close(connected)
			}
		case protocol.TypeAudioDelta:
			if rep.FirstAudio == 0 {
				rep.FirstAudio = time.Since(started)
			}
			chunk, err := base64.StdEncoding.DecodeString(env.Delta)
			if err == nil {
				rep.AudioBytes += len(chunk)
				if cfg.outPath != "" {
					pcm.Write(chunk)
				}
			}
		case protocol.TypeTranscriptDone:
			rep.Transcripts = append(rep.Transcripts, env.Transcript)
			if cfg.verbose {
				fmt.Fprintf(logw, "relayprobe: assistant %q\n", env.Transcript)
			}
			if cfg.turns > 0 && len(rep.Transcripts) >= cfg.turns {
				return nil
			}
		case protocol.TypeRelayError:
			rep.RelayErrCode = env.Code
			return fmt.Errorf("%w: %s: %s", errRelay, env.Code, env.Message)
		case protocol.TypeRelayDisconnected:
			return fmt.Errorf("%w: disconnected: %s", errRelay, env.Message)
		}
	}
}

func streamAudio(ctx context.Context, conn *websocket.Conn, pcm []byte, chunkMS int, realtime float64) (int, error) {
	bytesPerChunk := audio.RealtimeSampleRate * 2 * chunkMS / 1000
	bytesPerChunk &^= 1
	pace := time.Duration(float64(time.Duration(chunkMS)*time.Millisecond) / realtime)
	sent := 0
	for off := 0; off < len(pcm); off += bytesPerChunk {
		end := off + bytesPerChunk
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := conn.WriteJSON(protocol.NewInputAudioAppend(pcm[off:end])); err != nil {
			return sent, err
		}
		sent += end - off
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case <-time.After(pace):
		}
	}
	return sent, nil
}

func createInterview(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createInterviewRequest{
		CandidateName: "relay probe",
		Phone:         cfg.phone,
		Role:          cfg.role,
		Prompt:        cfg.prompt,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/interviews", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.token)
	}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out createInterviewResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", fmt.Errorf("missing id in response")
	}
	return out.ID, nil
}

func relayURL(baseURL, interviewID, prompt string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/relay"
	q := url.Values{}
	q.Set("interview_id", interviewID)
	if prompt != "" {
		q.Set("prompt", prompt)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func printReport(w io.Writer, rep report) {
	ms := func(d time.Duration) string {
		if d == 0 {
			return "-"
		}
		return fmt.Sprintf("%.1fms", float64(d.Microseconds())/1000)
	}
	fmt.Fprintf(w, "relayprobe: interview=%s connected=%s first_audio=%s audio_bytes=%d sent_bytes=%d transcripts=%d",
		rep.InterviewID, ms(rep.Connected), ms(rep.FirstAudio), rep.AudioBytes, rep.SentBytes, len(rep.Transcripts))
	if rep.RelayErrCode != "" {
		fmt.Fprintf(w, " relay_error=%s", rep.RelayErrCode)
	}
	fmt.Fprintln(w)
}
