package callcontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/sebas/voicebridge/internal/bridge/metrics"
)

// APIError is a non-2xx response from the call-control API.
type APIError struct {
	Action     string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: provider returned %d: %s", e.Action, e.StatusCode, e.Body)
}

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// Voice is used for speak actions
	Voice string
}

// HTTPClient implements Provider against a REST call-control API of the form
// POST {base}/calls/{handle}/actions/{action}.
type HTTPClient struct {
	cfg     HTTPConfig
	http    *http.Client
	metrics *metrics.Metrics
}

// NewHTTPClient creates a client with a pooled transport.
func NewHTTPClient(cfg HTTPConfig, m *metrics.Metrics) *HTTPClient {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = cfg.Timeout
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPClient{cfg: cfg, http: client, metrics: m}
}

type answerRequest struct {
	CommandID string `json:"command_id"`
}

type streamingStartRequest struct {
	CommandID     string `json:"command_id"`
	StreamURL     string `json:"stream_url"`
	StreamTrack   string `json:"stream_track,omitempty"`
	Bidirectional string `json:"stream_bidirectional_mode"`
}

type speakRequest struct {
	CommandID string `json:"command_id"`
	Payload   string `json:"payload"`
	Voice     string `json:"voice,omitempty"`
	Language  string `json:"language,omitempty"`
}

type hangupRequest struct {
	CommandID string `json:"command_id"`
}

func (c *HTTPClient) Answer(ctx context.Context, handle string) error {
	return c.do(ctx, handle, ActionAnswer, answerRequest{CommandID: uuid.NewString()})
}

func (c *HTTPClient) StartMediaStream(ctx context.Context, handle, streamURL, track string) error {
	return c.do(ctx, handle, ActionStreamingStart, streamingStartRequest{
		CommandID:     uuid.NewString(),
		StreamURL:     streamURL,
		StreamTrack:   track,
		Bidirectional: "rtp",
	})
}

func (c *HTTPClient) Speak(ctx context.Context, handle, text string) error {
	return c.do(ctx, handle, ActionSpeak, speakRequest{
		CommandID: uuid.NewString(),
		Payload:   text,
		Voice:     c.cfg.Voice,
		Language:  "en-US",
	})
}

func (c *HTTPClient) Hangup(ctx context.Context, handle string) error {
	return c.do(ctx, handle, ActionHangup, hangupRequest{CommandID: uuid.NewString()})
}

func (c *HTTPClient) do(ctx context.Context, handle, action string, body any) (err error) {
	start := time.Now()
	defer func() { c.metrics.CallControl(action, err, time.Since(start)) }()

	if handle == "" {
		return fmt.Errorf("%s: empty call handle", action)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", action, err)
	}

	endpoint := fmt.Sprintf("%s/calls/%s/actions/%s", c.cfg.BaseURL, url.PathEscape(handle), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Action: action, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	slog.Debug("[CallControl] Action accepted", "action", action, "handle", handle, "status", resp.StatusCode)
	return nil
}
