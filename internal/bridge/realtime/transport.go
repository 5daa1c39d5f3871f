package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	betaHeader     = "realtime=v1"
	writeWait      = 10 * time.Second
	maxMessageSize = 16 * 1024 * 1024
)

// Conn is the message transport to the AI provider. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn to the AI provider.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WSDialer dials the provider's realtime websocket endpoint.
type WSDialer struct {
	URL              string
	Model            string
	APIKey           string
	HandshakeTimeout time.Duration
}

// Endpoint returns the dial URL with the model query parameter applied.
func (d *WSDialer) Endpoint() (string, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	if d.Model != "" {
		q := u.Query()
		q.Set("model", d.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	endpoint, err := d.Endpoint()
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.APIKey)
	headers.Set("OpenAI-Beta", betaHeader)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			slog.Error("[Realtime] Dial rejected", "status", resp.StatusCode, "error", err)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}
