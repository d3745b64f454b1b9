package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.DefaultCountryCode != "+84" {
		t.Fatalf("DefaultCountryCode = %q, want %q", cfg.DefaultCountryCode, "+84")
	}
	if cfg.Realtime.VADSilenceMS != 800 || cfg.Realtime.VADPrefixPaddingMS != 300 {
		t.Fatalf("unexpected VAD defaults: %+v", cfg.Realtime)
	}
	if cfg.Realtime.IdleTimeout != 10*time.Minute {
		t.Fatalf("Realtime.IdleTimeout = %v, want 10m", cfg.Realtime.IdleTimeout)
	}
	if !cfg.AutoFinalize {
		t.Fatalf("AutoFinalize = false, want true by default")
	}
	if cfg.TelephonyEnabled() {
		t.Fatalf("TelephonyEnabled() = true without credentials")
	}
}

func TestLoadReadsNestedKeys(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TWILIO_ACCOUNT_SID", "AC123")
	t.Setenv("TWILIO_AUTH_TOKEN", "secret")
	t.Setenv("TWILIO_FROM_NUMBER", "+15550001111")
	t.Setenv("OPENAI_TIMEOUT", "45s")
	t.Setenv("APP_PUBLIC_BASE_URL", "https://calls.example.com/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.TelephonyEnabled() {
		t.Fatalf("TelephonyEnabled() = false, want true")
	}
	if cfg.OpenAI.Timeout != 45*time.Second {
		t.Fatalf("OpenAI.Timeout = %v, want 45s", cfg.OpenAI.Timeout)
	}
	if cfg.PublicBaseURL != "https://calls.example.com" {
		t.Fatalf("PublicBaseURL = %q, want trailing slash trimmed", cfg.PublicBaseURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"APP_ENV":                "qa",
		"APP_PUBLIC_BASE_URL":    "calls.example.com",
		"DEFAULT_COUNTRY_CODE":   "+8a",
		"REALTIME_VAD_THRESHOLD": "1.5",
		"AUTH_JWT_SECRET":        "short",
		"APP_SHUTDOWN_TIMEOUT":   "nonsense",
		"RELAY_IDLE_TIMEOUT":     "1s",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q succeeded, want error", key, value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_ENV",
		"APP_BIND_ADDR",
		"APP_PUBLIC_BASE_URL",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_AUTO_FINALIZE",
		"APP_FINALIZE_TIMEOUT",
		"AUTH_JWT_SECRET",
		"DATABASE_URL",
		"REDIS_URL",
		"DEFAULT_COUNTRY_CODE",
		"TWILIO_ACCOUNT_SID",
		"TWILIO_AUTH_TOKEN",
		"TWILIO_FROM_NUMBER",
		"TWILIO_VALIDATE_SIGNATURE",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"OPENAI_COMPLETION_MODEL",
		"OPENAI_TIMEOUT",
		"REALTIME_URL",
		"REALTIME_MODEL",
		"REALTIME_VOICE",
		"REALTIME_INSTRUCTIONS",
		"REALTIME_VAD_THRESHOLD",
		"REALTIME_VAD_PREFIX_PADDING",
		"REALTIME_VAD_SILENCE",
		"REALTIME_TRANSCRIPTION_MODEL",
		"RELAY_IDLE_TIMEOUT",
	}
	for _, key := range keys {
		// Setenv registers the restore; Unsetenv makes the key absent so
		// envconfig falls back to defaults.
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}
}
