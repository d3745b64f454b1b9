package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hirecall/interviewd/internal/auth"
	"github.com/hirecall/interviewd/internal/config"
	"github.com/hirecall/interviewd/internal/interview"
	"github.com/hirecall/interviewd/internal/notify"
	"github.com/hirecall/interviewd/internal/orchestrator"
	"github.com/hirecall/interviewd/internal/relay"
	"github.com/hirecall/interviewd/internal/session"
	"github.com/hirecall/interviewd/internal/store"
	"github.com/hirecall/interviewd/internal/telephony"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type failingDialer struct{}

func (failingDialer) Dial(context.Context) (*websocket.Conn, error) {
	return nil, errors.New("upstream down")
}

type fixedScripts struct{}

func (fixedScripts) Generate(_ context.Context, _, _ string) []interview.Question {
	return []interview.Question{
		{ID: 1, Text: "Tell us about yourself.", Type: interview.QuestionIntroductory, TimeoutSec: 60},
		{ID: 2, Text: "Describe a hard bug.", Type: interview.QuestionTechnical, TimeoutSec: 90},
	}
}

type testEnv struct {
	ts       *httptest.Server
	store    *store.InMemoryStore
	provider *telephony.MockProvider
	sessions *session.Manager
	maker    *auth.Maker
}

func newTestEnv(t *testing.T, cfg config.Config, maker *auth.Maker) *testEnv {
	t.Helper()
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "https://calls.example.com"
	}
	if cfg.DefaultCountryCode == "" {
		cfg.DefaultCountryCode = "+84"
	}
	env := &testEnv{
		store:    store.NewInMemoryStore(),
		provider: telephony.NewMockProvider(),
		sessions: session.NewManager(time.Minute),
		maker:    maker,
	}
	hub := notify.NewMemoryHub()
	svc := orchestrator.NewService(orchestrator.Config{
		PublicBaseURL:      cfg.PublicBaseURL,
		DefaultCountryCode: cfg.DefaultCountryCode,
	}, orchestrator.Deps{
		Store:    env.store,
		Provider: env.provider,
		Scripts:  fixedScripts{},
		Hub:      hub,
		Logger:   zap.NewNop(),
	})
	bridge := relay.NewBridge(failingDialer{}, relay.Config{}, env.sessions, nil, nil, zap.NewNop())
	srv := New(cfg, Deps{
		Service:  svc,
		Sessions: env.sessions,
		Bridge:   bridge,
		Hub:      hub,
		Store:    env.store,
		Maker:    maker,
		Logger:   zap.NewNop(),
	})
	env.ts = httptest.NewServer(srv.Router())
	t.Cleanup(env.ts.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func (e *testEnv) webhook(t *testing.T, path string, form url.Values) string {
	t.Helper()
	res, err := http.PostForm(e.ts.URL+path, form)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("POST %s status = %d, want 200", path, res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Fatalf("POST %s content type = %q, want text/xml", path, ct)
	}
	raw, _ := io.ReadAll(res.Body)
	return string(raw)
}

func (e *testEnv) createInterview(t *testing.T, token string) interview.Interview {
	t.Helper()
	res := e.do(t, http.MethodPost, "/v1/interviews", token, map[string]string{
		"candidate_name": "Lan",
		"phone":          "0912345678",
		"role":           "backend engineer",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var iv interview.Interview
	if err := json.NewDecoder(res.Body).Decode(&iv); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return iv
}

func decodeError(t *testing.T, res *http.Response) errorResponse {
	t.Helper()
	var body errorResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return body
}

func TestInterviewCallFlow(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	iv := env.createInterview(t, "")
	if iv.OwnerID != auth.LocalOwner || iv.Status != interview.StatusScheduled {
		t.Fatalf("created interview = %+v", iv)
	}

	res := env.do(t, http.MethodPost, "/v1/interviews/"+iv.ID+"/call", "", nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("call status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}
	var cs interview.CallSession
	if err := json.NewDecoder(res.Body).Decode(&cs); err != nil {
		t.Fatalf("decode call session: %v", err)
	}
	if cs.CallSID == "" || cs.To != "+84912345678" {
		t.Fatalf("call session = %+v", cs)
	}

	doc := env.webhook(t, telephony.AnswerPath+"?interview_id="+iv.ID, url.Values{"CallSid": {cs.CallSID}})
	if !strings.Contains(doc, "<Record") || !strings.Contains(doc, "Tell us about yourself.") || !strings.Contains(doc, "q=0") {
		t.Fatalf("answer twiml = %s", doc)
	}

	doc = env.webhook(t, telephony.ResponsePath+"?interview_id="+iv.ID+"&q=0", url.Values{
		"CallSid":           {cs.CallSID},
		"RecordingUrl":      {"https://rec/0"},
		"RecordingDuration": {"20"},
	})
	if !strings.Contains(doc, "Describe a hard bug.") || !strings.Contains(doc, "q=1") {
		t.Fatalf("response twiml = %s", doc)
	}

	env.webhook(t, telephony.TranscriptionPath+"?interview_id="+iv.ID+"&q=0", url.Values{
		"RecordingSid":        {"RE0"},
		"TranscriptionText":   {"I build payment systems"},
		"TranscriptionStatus": {"completed"},
	})

	doc = env.webhook(t, telephony.ResponsePath+"?interview_id="+iv.ID+"&q=1", url.Values{"RecordingDuration": {"30"}})
	if !strings.Contains(doc, "<Hangup") {
		t.Fatalf("closing twiml = %s", doc)
	}

	res = env.do(t, http.MethodGet, "/v1/interviews/"+iv.ID+"/transcript", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transcript status = %d, want 200", res.StatusCode)
	}
	var view orchestrator.TranscriptView
	if err := json.NewDecoder(res.Body).Decode(&view); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if view.Status != interview.StatusCompleted || len(view.Responses) != 2 || len(view.Segments) != 1 {
		t.Fatalf("transcript view = %+v", view)
	}

	res = env.do(t, http.MethodPost, "/v1/interviews/"+iv.ID+"/finalize", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize status = %d, want 200", res.StatusCode)
	}
	got, _ := env.store.GetInterview(context.Background(), iv.ID)
	if got.Status != interview.StatusAnalyzed {
		t.Fatalf("status = %s, want analyzed", got.Status)
	}
}

func TestCreateInterviewValidation(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)

	res := env.do(t, http.MethodPost, "/v1/interviews", "", map[string]string{"phone": "12ab", "role": "qa"})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
	if body := decodeError(t, res); body.Code != "invalid_phone" {
		t.Fatalf("code = %q, want invalid_phone", body.Code)
	}

	res = env.do(t, http.MethodPost, "/v1/interviews", "", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestCallTwiceConflicts(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	iv := env.createInterview(t, "")
	if res := env.do(t, http.MethodPost, "/v1/interviews/"+iv.ID+"/call", "", nil); res.StatusCode != http.StatusAccepted {
		t.Fatalf("first call status = %d", res.StatusCode)
	}
	res := env.do(t, http.MethodPost, "/v1/interviews/"+iv.ID+"/call", "", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second call status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
	if res := env.do(t, http.MethodGet, "/v1/interviews/missing", "", nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing interview status = %d, want 404", res.StatusCode)
	}
}

func TestOwnerScoping(t *testing.T) {
	maker, err := auth.NewMaker(testSecret)
	if err != nil {
		t.Fatalf("NewMaker() error = %v", err)
	}
	env := newTestEnv(t, config.Config{}, maker)
	alice, _ := maker.Issue("alice", "", time.Hour)
	bob, _ := maker.Issue("bob", "", time.Hour)

	if res := env.do(t, http.MethodPost, "/v1/interviews", "", map[string]string{"phone": "0912345678", "role": "qa"}); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", res.StatusCode)
	}

	iv := env.createInterview(t, alice)
	if res := env.do(t, http.MethodGet, "/v1/interviews/"+iv.ID, alice, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("owner GET status = %d, want 200", res.StatusCode)
	}
	if res := env.do(t, http.MethodGet, "/v1/interviews/"+iv.ID, bob, nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("other owner GET status = %d, want 404", res.StatusCode)
	}

	res := env.do(t, http.MethodPost, "/v1/interviews/"+iv.ID+"/relay-token", alice, map[string]int{"ttl_seconds": 600})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("relay-token status = %d, want 201", res.StatusCode)
	}
	var tok relayTokenResponse
	if err := json.NewDecoder(res.Body).Decode(&tok); err != nil {
		t.Fatalf("decode relay token: %v", err)
	}
	if tok.Token == "" || !strings.HasPrefix(tok.RelayURL, "wss://calls.example.com/v1/relay?") {
		t.Fatalf("relay token = %+v", tok)
	}
	claims, err := maker.Verify(tok.Token)
	if err != nil || claims.InterviewID != iv.ID || claims.OwnerID() != "alice" {
		t.Fatalf("scoped claims = %+v, %v", claims, err)
	}
	if res := env.do(t, http.MethodPost, "/v1/interviews", tok.Token, map[string]string{"phone": "0912345678", "role": "qa"}); res.StatusCode != http.StatusForbidden {
		t.Fatalf("scoped token create status = %d, want 403", res.StatusCode)
	}
}

func TestRelayRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	iv := env.createInterview(t, "")

	res := env.do(t, http.MethodGet, "/v1/relay", "", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing interview_id status = %d, want 400", res.StatusCode)
	}
	res = env.do(t, http.MethodGet, "/v1/relay?interview_id="+iv.ID, "", nil)
	if res.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("plain GET status = %d, want 426", res.StatusCode)
	}

	if _, err := env.sessions.Create(iv.ID, iv.OwnerID); err != nil {
		t.Fatalf("sessions.Create() error = %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/relay?interview_id=" + iv.ID
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		conn.Close()
		t.Fatalf("dial succeeded with an active session")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate session response = %+v, want 409", resp)
	}
}

func TestRelayReportsUpstreamFailure(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	iv := env.createInterview(t, "")

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/relay?interview_id=" + iv.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if msg["type"] != "relay.error" || msg["code"] != "upstream_unavailable" {
		t.Fatalf("first message = %v, want relay.error upstream_unavailable", msg)
	}
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	iv := env.createInterview(t, "")

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/interviews/" + iv.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ev notify.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if ev.Kind != notify.KindStatus || ev.Status != interview.StatusScheduled {
		t.Fatalf("snapshot = %+v, want scheduled status", ev)
	}

	if res := env.do(t, http.MethodPost, "/v1/interviews/"+iv.ID+"/call", "", nil); res.StatusCode != http.StatusAccepted {
		t.Fatalf("call status = %d", res.StatusCode)
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Status != interview.StatusCalling {
		t.Fatalf("event = %+v, want calling", ev)
	}
}

func TestWebhookSignatureRequired(t *testing.T) {
	cfg := config.Config{}
	cfg.Twilio.AuthToken = "twilio-token"
	cfg.Twilio.ValidateSignature = true
	env := newTestEnv(t, cfg, nil)

	res, err := http.PostForm(env.ts.URL+telephony.AnswerPath+"?interview_id=x", url.Values{"CallSid": {"CA1"}})
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", res.StatusCode)
	}
}

func TestWebhookUnknownInterviewApologizes(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	doc := env.webhook(t, telephony.AnswerPath+"?interview_id=missing", url.Values{"CallSid": {"CA1"}})
	if !strings.Contains(doc, "<Say") || !strings.Contains(doc, "<Hangup") {
		t.Fatalf("fallback twiml = %s", doc)
	}
	doc = env.webhook(t, telephony.AnswerPath, url.Values{"CallSid": {"CA1"}})
	if !strings.Contains(doc, "<Hangup") {
		t.Fatalf("missing id twiml = %s", doc)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, config.Config{}, nil)
	for _, path := range []string{"/healthz", "/readyz", "/v1/perf/latency"} {
		res := env.do(t, http.MethodGet, path, "", nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, res.StatusCode)
		}
	}
}
