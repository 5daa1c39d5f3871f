package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/voicebridge/internal/bridge/config"
	"github.com/sebas/voicebridge/internal/bridge/controller"
)

func testConfig(mode string) *config.Config {
	cfg := config.Default()
	cfg.Mode = mode
	cfg.HTTPBind = "127.0.0.1"
	cfg.HTTPPort = 0
	cfg.GRPCPort = 0
	cfg.CallControlURL = "http://127.0.0.1:1"
	cfg.CallControlKey = "key"
	cfg.MediaPublicURL = "wss://bridge.example.com/stream"
	cfg.AIKey = "sk-test"
	cfg.DrainTimeout = time.Second
	cfg.SIPBind = "127.0.0.1"
	cfg.AdvertiseAddr = "127.0.0.1"
	return cfg
}

func TestNewWebhookMode(t *testing.T) {
	b, err := New(testConfig(config.ModeWebhook))
	require.NoError(t, err)
	t.Cleanup(b.Close)

	assert.Nil(t, b.gateway)
	assert.NotNil(t, b.Controller())
	assert.Equal(t, "wss://bridge.example.com/stream?callId=C1", b.Controller().MediaURL("C1"))
}

func TestNewSIPMode(t *testing.T) {
	b, err := New(testConfig(config.ModeSIP))
	require.NoError(t, err)
	t.Cleanup(b.Close)

	require.NotNil(t, b.gateway)

	// no webhook route in sip mode
	rec := httptest.NewRecorder()
	b.api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/telephony", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunDrainsAndStops(t *testing.T) {
	b, err := New(testConfig(config.ModeWebhook))
	require.NoError(t, err)
	t.Cleanup(b.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, b.Controller().Draining())

	// a call arriving after drain is refused
	b.Controller().HandleCallInitiated(controller.CallInfo{CallID: "late", Handle: "h"})
	assert.Zero(t, b.Controller().Registry().Count())
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "/media", mediaPath(""))
	assert.Equal(t, "/media", mediaPath("wss://host/"))
	assert.Equal(t, "/stream", mediaPath("wss://host/stream"))

	assert.Zero(t, dialogTTL(0))
	assert.Equal(t, time.Hour+dialogTTLSlack, dialogTTL(time.Hour))
}
