package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Dialer opens the upstream realtime model connection.
type Dialer interface {
	Dial(ctx context.Context) (*websocket.Conn, error)
}

type OpenAIDialerConfig struct {
	URL              string
	Model            string
	APIKey           string
	HandshakeTimeout time.Duration
}

// OpenAIDialer connects to the OpenAI Realtime API. The API key only ever
// travels in the upstream request headers.
type OpenAIDialer struct {
	cfg    OpenAIDialerConfig
	dialer *websocket.Dialer
}

func NewOpenAIDialer(cfg OpenAIDialerConfig) *OpenAIDialer {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "wss://api.openai.com/v1/realtime"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = cfg.HandshakeTimeout
	return &OpenAIDialer{cfg: cfg, dialer: &d}
}

func (d *OpenAIDialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	if d.cfg.Model != "" {
		q := u.Query()
		q.Set("model", d.cfg.Model)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	if d.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime websocket: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial realtime websocket: %w", err)
	}
	return conn, nil
}
