package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/voicebridge/internal/bridge/audio"
	"github.com/sebas/voicebridge/internal/bridge/session"
)

type fakeBinder struct {
	mu       sync.Mutex
	known    map[string]bool
	attached map[string]session.MediaConn
	inbound  map[string][][]byte
	detached chan string
}

func newFakeBinder(callIDs ...string) *fakeBinder {
	b := &fakeBinder{
		known:    map[string]bool{},
		attached: map[string]session.MediaConn{},
		inbound:  map[string][][]byte{},
		detached: make(chan string, 4),
	}
	for _, id := range callIDs {
		b.known[id] = true
	}
	return b
}

func (b *fakeBinder) CanAttach(callID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.known[callID] {
		return session.ErrSessionNotFound
	}
	if b.attached[callID] != nil {
		return session.ErrMediaAttached
	}
	return nil
}

func (b *fakeBinder) ClaimUnattached() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.known {
		if b.attached[id] == nil {
			return id, true
		}
	}
	return "", false
}

func (b *fakeBinder) AttachMedia(callID string, m session.MediaConn) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attached[callID] != nil {
		return session.ErrMediaAttached
	}
	b.attached[callID] = m
	return nil
}

func (b *fakeBinder) DetachMedia(callID string, m session.MediaConn) {
	b.mu.Lock()
	if b.attached[callID] == m {
		delete(b.attached, callID)
	}
	b.mu.Unlock()
	b.detached <- callID
}

func (b *fakeBinder) HandleInboundAudio(callID string, pcm []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inbound[callID] = append(b.inbound[callID], pcm)
}

func (b *fakeBinder) relay(callID string) session.MediaConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attached[callID]
}

func (b *fakeBinder) inboundCount(callID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inbound[callID])
}

func startServer(t *testing.T, b Binder, cfg HandlerConfig) *httptest.Server {
	t.Helper()
	if cfg.OutboxSize == 0 {
		cfg.OutboxSize = 16
	}
	srv := httptest.NewServer(NewHandler(b, cfg, nil))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/media" + query
}

func TestHandlerRejects(t *testing.T) {
	b := newFakeBinder("call-1")
	b.attached["call-1"] = &Relay{}
	srv := startServer(t, b, HandlerConfig{Framing: "raw"})

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"missing callId", "", http.StatusBadRequest},
		{"unknown call", "?callId=nope", http.StatusNotFound},
		{"already attached", "?callId=call-1", http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, tt.query), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestHandlerUnboundClaim(t *testing.T) {
	b := newFakeBinder("call-1")
	srv := startServer(t, b, HandlerConfig{Framing: "raw", AllowUnboundClaim: true})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return b.relay("call-1") != nil }, time.Second, 5*time.Millisecond)
}

func TestRelayBothDirections(t *testing.T) {
	b := newFakeBinder("call-1")
	srv := startServer(t, b, HandlerConfig{Framing: "raw", Codec: audio.CodecL16})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?callId=call-1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return b.relay("call-1") != nil }, time.Second, 5*time.Millisecond)

	// caller audio reaches the binder, empty frames are ignored
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pcmFrame(160)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, nil))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pcmFrame(160)))
	require.Eventually(t, func() bool { return b.inboundCount("call-1") == 2 }, time.Second, 5*time.Millisecond)

	// AI audio goes out in order
	relay := b.relay("call-1")
	for i := 0; i < 3; i++ {
		frame := []byte{byte(i), 0}
		require.NoError(t, relay.SendAudio(frame))
	}
	for i := 0; i < 3; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, mt)
		assert.Equal(t, []byte{byte(i), 0}, data)
	}

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	select {
	case id := <-b.detached:
		assert.Equal(t, "call-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("relay was not detached")
	}
	assert.ErrorIs(t, relay.SendAudio([]byte{1, 2}), ErrRelayClosed)
}

func TestRelayStopMessageDetaches(t *testing.T) {
	b := newFakeBinder("call-1")
	srv := startServer(t, b, HandlerConfig{Framing: "json", Codec: audio.CodecPCMU})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?callId=call-1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop"}`)))

	select {
	case <-b.detached:
	case <-time.After(2 * time.Second):
		t.Fatal("relay was not detached")
	}
}

func TestRelaySendAudioNeverBlocks(t *testing.T) {
	r := NewRelay("call-1", nil, &rawFramer{}, 2, nil, nil)

	done := make(chan struct{})
	errs := make(chan error, 10)
	go func() {
		for i := 0; i < 10; i++ {
			errs <- r.SendAudio([]byte{0, 0})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SendAudio blocked on a full outbox")
	}
	_, dropped := r.Stats()
	assert.Equal(t, uint64(8), dropped)

	close(errs)
	full := 0
	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrOutboxFull)
			full++
		}
	}
	assert.Equal(t, 8, full)
}

// serverConn returns the server side of a live websocket connection and the
// client that dialed it.
func serverConn(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case conn := <-conns:
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side of websocket never arrived")
		return nil, nil
	}
}

func queuedSession(t *testing.T, frames int) *session.Session {
	t.Helper()
	reg := session.NewRegistry(session.RegistryConfig{QueueLimit: frames})
	t.Cleanup(reg.Close)
	s, err := reg.Create("call-1", "handle-1")
	require.NoError(t, err)
	for i := 0; i < frames; i++ {
		queued, err := s.DeliverOutbound([]byte{byte(i), 0})
		require.NoError(t, err)
		require.True(t, queued)
	}
	return s
}

func TestQueuedAudioFlushesIntoRelayInOrder(t *testing.T) {
	s := queuedSession(t, 20)
	conn, client := serverConn(t)
	relay := NewRelay("call-1", conn, &rawFramer{codec: audio.CodecL16}, 20, nil, nil)

	flushed, err := s.AttachMedia(relay)
	require.NoError(t, err)
	assert.Equal(t, 20, flushed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx)

	for i := 0; i < 20; i++ {
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := client.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i), 0}, data)
	}

	stats := s.Snapshot().Stats
	assert.Equal(t, uint64(20), stats.OutboundFrames)
	assert.Zero(t, stats.OutboundDropped)
	_, dropped := relay.Stats()
	assert.Zero(t, dropped)
}

func TestQueuedAudioOverflowingOutboxCountsDrops(t *testing.T) {
	s := queuedSession(t, 10)
	relay := NewRelay("call-1", nil, &rawFramer{codec: audio.CodecL16}, 4, nil, nil)

	flushed, err := s.AttachMedia(relay)
	require.NoError(t, err)
	assert.Equal(t, 10, flushed)

	stats := s.Snapshot().Stats
	assert.Equal(t, uint64(4), stats.OutboundFrames)
	assert.Equal(t, uint64(6), stats.OutboundDropped)
	_, dropped := relay.Stats()
	assert.Equal(t, uint64(6), dropped)
}
