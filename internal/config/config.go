package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config contains all runtime settings for the interview service.
type Config struct {
	Env              string        `envconfig:"APP_ENV" default:"production"`
	BindAddr         string        `envconfig:"APP_BIND_ADDR" default:":8080"`
	PublicBaseURL    string        `envconfig:"APP_PUBLIC_BASE_URL" default:"http://localhost:8080"`
	ShutdownTimeout  time.Duration `envconfig:"APP_SHUTDOWN_TIMEOUT" default:"15s"`
	MetricsNamespace string        `envconfig:"APP_METRICS_NAMESPACE" default:"interviewd"`
	AllowAnyOrigin   bool          `envconfig:"APP_ALLOW_ANY_ORIGIN" default:"false"`
	AutoFinalize     bool          `envconfig:"APP_AUTO_FINALIZE" default:"true"`
	FinalizeTimeout  time.Duration `envconfig:"APP_FINALIZE_TIMEOUT" default:"90s"`

	JWTSecret string `envconfig:"AUTH_JWT_SECRET"`

	DatabaseURL string `envconfig:"DATABASE_URL"`
	RedisURL    string `envconfig:"REDIS_URL"`

	DefaultCountryCode string `envconfig:"DEFAULT_COUNTRY_CODE" default:"+84"`

	Twilio   TwilioConfig
	OpenAI   OpenAIConfig
	Realtime RealtimeConfig
}

type TwilioConfig struct {
	AccountSID        string `envconfig:"TWILIO_ACCOUNT_SID"`
	AuthToken         string `envconfig:"TWILIO_AUTH_TOKEN"`
	FromNumber        string `envconfig:"TWILIO_FROM_NUMBER"`
	ValidateSignature bool   `envconfig:"TWILIO_VALIDATE_SIGNATURE" default:"true"`
}

type OpenAIConfig struct {
	APIKey          string        `envconfig:"OPENAI_API_KEY"`
	BaseURL         string        `envconfig:"OPENAI_BASE_URL"`
	CompletionModel string        `envconfig:"OPENAI_COMPLETION_MODEL" default:"gpt-4o-mini"`
	Timeout         time.Duration `envconfig:"OPENAI_TIMEOUT" default:"30s"`
}

type RealtimeConfig struct {
	URL                string  `envconfig:"REALTIME_URL" default:"wss://api.openai.com/v1/realtime"`
	Model              string  `envconfig:"REALTIME_MODEL" default:"gpt-4o-realtime-preview"`
	Voice              string  `envconfig:"REALTIME_VOICE" default:"alloy"`
	Instructions       string  `envconfig:"REALTIME_INSTRUCTIONS" default:"You are a friendly, professional recruiter conducting a structured job interview. Ask one question at a time and keep answers short."`
	VADThreshold       float64 `envconfig:"REALTIME_VAD_THRESHOLD" default:"0.5"`
	VADPrefixPaddingMS int     `envconfig:"REALTIME_VAD_PREFIX_PADDING" default:"300"`
	VADSilenceMS       int     `envconfig:"REALTIME_VAD_SILENCE" default:"800"`
	TranscriptionModel string  `envconfig:"REALTIME_TRANSCRIPTION_MODEL" default:"whisper-1"`

	// IdleTimeout closes relay sessions with no traffic in either direction.
	IdleTimeout time.Duration `envconfig:"RELAY_IDLE_TIMEOUT" default:"10m"`
}

// Load reads an optional .env file, then environment variables, and
// validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production", "test":
	default:
		return fmt.Errorf("APP_ENV must be one of development|staging|production|test, got %q", c.Env)
	}
	u, err := url.Parse(c.PublicBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("APP_PUBLIC_BASE_URL must be an absolute http(s) URL")
	}
	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be at least 1s")
	}
	if c.FinalizeTimeout < 5*time.Second {
		return fmt.Errorf("APP_FINALIZE_TIMEOUT must be at least 5s")
	}
	cc := strings.TrimPrefix(c.DefaultCountryCode, "+")
	if cc == "" || len(cc) > 3 || strings.Trim(cc, "0123456789") != "" {
		return fmt.Errorf("DEFAULT_COUNTRY_CODE must be 1-3 digits, got %q", c.DefaultCountryCode)
	}
	if c.Realtime.VADThreshold <= 0 || c.Realtime.VADThreshold >= 1 {
		return fmt.Errorf("REALTIME_VAD_THRESHOLD must be in (0,1)")
	}
	if c.Realtime.VADPrefixPaddingMS < 0 || c.Realtime.VADSilenceMS <= 0 {
		return fmt.Errorf("REALTIME_VAD_PREFIX_PADDING must be >= 0 and REALTIME_VAD_SILENCE positive")
	}
	if c.Realtime.IdleTimeout < 10*time.Second {
		return fmt.Errorf("RELAY_IDLE_TIMEOUT must be at least 10s")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 characters")
	}
	return nil
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// TelephonyEnabled reports whether outbound calling can be configured.
func (c Config) TelephonyEnabled() bool {
	return c.Twilio.AccountSID != "" && c.Twilio.AuthToken != "" && c.Twilio.FromNumber != ""
}
