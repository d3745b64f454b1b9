package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestStripCodeFence(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"{\"a\":1}", "{\"a\":1}"},
		{"```json\n{\"a\":1}\n```", "{\"a\":1}"},
		{"```\n{\"a\":1}\n```", "{\"a\":1}"},
		{"  \n{\"a\":1}\n  ", "{\"a\":1}"},
	}
	for _, tc := range cases {
		if got := StripCodeFence(tc.in); got != tc.want {
			t.Fatalf("StripCodeFence(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestOpenAICompleterRequestsJSONObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		var body struct {
			Model          string `json:"model"`
			ResponseFormat struct {
				Type string `json:"type"`
			} `json:"response_format"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.ResponseFormat.Type != "json_object" {
			t.Errorf("response_format = %q, want json_object", body.ResponseFormat.Type)
		}
		if body.Model != "test-model" {
			t.Errorf("model = %q, want test-model", body.Model)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"` + "```json\\n{\\\"ok\\\":true}\\n```" + `"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c, err := NewOpenAICompleter(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL, Model: "test-model", Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewOpenAICompleter() error = %v", err)
	}
	got, err := c.CompleteJSON(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("CompleteJSON() error = %v", err)
	}
	if got != `{"ok":true}` {
		t.Fatalf("CompleteJSON() = %q, want fenced content stripped", got)
	}
}

func TestOpenAICompleterRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"{}"}}]}`))
	}))
	defer srv.Close()

	c, _ := NewOpenAICompleter(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL, Timeout: time.Second, Attempts: 2})
	if _, err := c.CompleteJSON(context.Background(), "s", "u"); err != nil {
		t.Fatalf("CompleteJSON() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestNewOpenAICompleterRequiresKey(t *testing.T) {
	if _, err := NewOpenAICompleter(OpenAIConfig{}); err == nil {
		t.Fatalf("NewOpenAICompleter() without key succeeded")
	}
}
