package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRemoteGone = errors.New("connection reset by peer")

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	readErr error
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		f.mu.Lock()
		defer f.mu.Unlock()
		return 0, nil, f.readErr
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.shutdown(errors.New("use of closed network connection"))
	return nil
}

func (f *fakeConn) shutdown(err error) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.readErr = err
		f.mu.Unlock()
		close(f.closed)
	})
}

func (f *fakeConn) push(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	f.in <- data
}

func (f *fakeConn) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, 0, len(f.written))
	for _, data := range f.written {
		var ev ClientEvent
		_ = json.Unmarshal(data, &ev)
		types = append(types, ev.Type)
	}
	return types
}

func (f *fakeConn) countSent(eventType string) int {
	n := 0
	for _, typ := range f.sentTypes() {
		if typ == eventType {
			n++
		}
	}
	return n
}

func (f *fakeConn) firstSent(t *testing.T, eventType string) []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, data := range f.written {
		var ev ClientEvent
		_ = json.Unmarshal(data, &ev)
		if ev.Type == eventType {
			return data
		}
	}
	t.Fatalf("no %s event sent", eventType)
	return nil
}

type fakeDialer struct {
	conn Conn
	err  error
}

func (d *fakeDialer) Dial(context.Context) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type fakeTurns struct {
	mu     sync.Mutex
	active bool
}

func (g *fakeTurns) BeginTurn() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active {
		return false
	}
	g.active = true
	return true
}

func (g *fakeTurns) EndTurn() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = false
}

func (g *fakeTurns) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

type recordingHandler struct {
	mu     sync.Mutex
	ready  int
	audio  [][]byte
	closed chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan error, 4)}
}

func (h *recordingHandler) OnReady(*Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready++
}

func (h *recordingHandler) OnAudio(_ *Client, pcm []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audio = append(h.audio, pcm)
}

func (h *recordingHandler) OnClosed(_ *Client, err error) { h.closed <- err }

func (h *recordingHandler) readyCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

func (h *recordingHandler) audioFrames() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.audio...)
}

func startClient(t *testing.T, opts Options) (*Client, *fakeConn, *recordingHandler, *fakeTurns) {
	t.Helper()
	conn := newFakeConn()
	handler := newRecordingHandler()
	turns := &fakeTurns{}
	c := NewClient("C1", turns, &fakeDialer{conn: conn}, handler, opts)
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })

	require.Eventually(t, func() bool { return c.State() == StateConfiguring }, time.Second, time.Millisecond)
	return c, conn, handler, turns
}

func itemCreated(role string) map[string]any {
	return map[string]any{
		"type": EventConversationItemAdded,
		"item": map[string]any{"type": "message", "role": role},
	}
}

func TestSessionUpdateSentOnOpen(t *testing.T) {
	_, conn, _, _ := startClient(t, Options{
		Voice:         "alloy",
		Instructions:  "be brief",
		TurnDetection: TurnDetectionConfig{Threshold: 0.5, PrefixPaddingMs: 300, SilenceDurationMs: 500},
	})

	var ev SessionUpdateEvent
	require.NoError(t, json.Unmarshal(conn.firstSent(t, EventSessionUpdate), &ev))
	assert.Equal(t, "alloy", ev.Session.Voice)
	assert.Equal(t, AudioFormatPCM16, ev.Session.InputAudioFormat)
	assert.Equal(t, AudioFormatPCM16, ev.Session.OutputAudioFormat)
	assert.ElementsMatch(t, []string{"audio", "text"}, ev.Session.Modalities)
	require.NotNil(t, ev.Session.TurnDetection)
	assert.Equal(t, "server_vad", ev.Session.TurnDetection.Type)
	assert.Equal(t, 500, ev.Session.TurnDetection.SilenceDurationMs)
	assert.False(t, ev.Session.TurnDetection.CreateResponse)
	assert.Contains(t, string(conn.firstSent(t, EventSessionUpdate)), `"create_response":false`)
}

func TestSessionUpdatedMakesReadyAndGreets(t *testing.T) {
	c, conn, handler, _ := startClient(t, Options{Greeting: "say hello"})

	conn.push(t, map[string]any{"type": EventSessionUpdated})
	require.Eventually(t, func() bool { return c.State() == StateReady }, time.Second, time.Millisecond)
	assert.Equal(t, 1, handler.readyCount())

	require.Eventually(t, func() bool { return conn.countSent(EventConversationItemCreate) == 1 }, time.Second, time.Millisecond)
	var ev ConversationItemCreateEvent
	require.NoError(t, json.Unmarshal(conn.firstSent(t, EventConversationItemCreate), &ev))
	assert.Equal(t, "user", ev.Item.Role)
	require.Len(t, ev.Item.Content, 1)
	assert.Equal(t, "say hello", ev.Item.Content[0].Text)

	// a second session.updated does not re-run readiness
	conn.push(t, map[string]any{"type": EventSessionUpdated})
	conn.push(t, map[string]any{"type": EventSessionCreated})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, handler.readyCount())
	assert.Equal(t, 1, conn.countSent(EventConversationItemCreate))
}

func TestResponseCreateGuardedByTurn(t *testing.T) {
	c, conn, _, turns := startClient(t, Options{})
	conn.push(t, map[string]any{"type": EventSessionUpdated})

	conn.push(t, itemCreated("user"))
	require.Eventually(t, func() bool { return conn.countSent(EventResponseCreate) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return c.State() == StateResponding }, time.Second, time.Millisecond)

	// caller speaks again while the response is in flight
	conn.push(t, itemCreated("user"))
	// assistant items never trigger responses
	conn.push(t, itemCreated("assistant"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, conn.countSent(EventResponseCreate))

	conn.push(t, map[string]any{"type": EventResponseDone, "response": map[string]any{"id": "r1", "status": "completed"}})
	require.Eventually(t, func() bool { return c.State() == StateIdle }, time.Second, time.Millisecond)
	assert.False(t, turns.Active())

	conn.push(t, itemCreated("user"))
	require.Eventually(t, func() bool { return conn.countSent(EventResponseCreate) == 2 }, time.Second, time.Millisecond)
}

func TestAudioDeltaDecoded(t *testing.T) {
	_, conn, handler, _ := startClient(t, Options{})

	pcm := []byte{1, 2, 3, 4, 5, 6}
	conn.push(t, map[string]any{"type": EventResponseAudioDelta, "delta": base64.StdEncoding.EncodeToString(pcm)})
	conn.push(t, map[string]any{"type": EventResponseAudioDelta, "delta": "!!not base64"})
	conn.push(t, map[string]any{"type": EventResponseOutputDelta, "delta": base64.StdEncoding.EncodeToString([]byte{7, 8})})

	require.Eventually(t, func() bool { return len(handler.audioFrames()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, [][]byte{pcm, {7, 8}}, handler.audioFrames())
}

func TestErrorAndMalformedEventsAreNonFatal(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	c, conn, handler, _ := startClient(t, Options{OnEvent: func(typ string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, typ)
	}})

	conn.push(t, map[string]any{"type": EventError, "error": map[string]any{"code": "conversation_already_has_active_response", "message": "busy"}})
	conn.in <- []byte("{not json")
	conn.push(t, map[string]any{"type": EventSessionUpdated})
	conn.push(t, map[string]any{"type": EventAudioCommitted})
	conn.push(t, map[string]any{"type": EventResponseCreated})
	conn.push(t, map[string]any{"type": EventResponseAudioDone})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, time.Second, time.Millisecond)
	assert.Equal(t, StateReady, c.State())
	select {
	case err := <-handler.closed:
		t.Fatalf("client closed unexpectedly: %v", err)
	default:
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventError, EventSessionUpdated, EventAudioCommitted, EventResponseCreated, EventResponseAudioDone}, seen)
}

func TestAppendAudioEncodesBase64(t *testing.T) {
	c, conn, _, _ := startClient(t, Options{})

	assert.ErrorIs(t, c.AppendAudio([]byte{0x10, 0x20}), ErrNotReady)
	assert.Zero(t, conn.countSent(EventInputAudioBufferAppend))

	conn.push(t, map[string]any{"type": EventSessionUpdated})
	require.Eventually(t, func() bool { return c.State() == StateReady }, time.Second, time.Millisecond)

	require.NoError(t, c.AppendAudio([]byte{0x10, 0x20}))
	require.NoError(t, c.AppendAudio(nil))

	var ev InputAudioBufferAppendEvent
	require.NoError(t, json.Unmarshal(conn.firstSent(t, EventInputAudioBufferAppend), &ev))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x10, 0x20}), ev.Audio)
	assert.Equal(t, 1, conn.countSent(EventInputAudioBufferAppend))
}

func TestRemoteCloseReportedOnce(t *testing.T) {
	c, conn, handler, _ := startClient(t, Options{})

	conn.shutdown(errRemoteGone)
	select {
	case err := <-handler.closed:
		assert.ErrorIs(t, err, errRemoteGone)
	case <-time.After(time.Second):
		t.Fatal("OnClosed not called")
	}
	<-c.Done()
	assert.Equal(t, StateClosed, c.State())

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.AppendAudio([]byte{1, 2}), ErrClientClosed)
	assert.Len(t, handler.closed, 0)
}

func TestLocalCloseReportsNil(t *testing.T) {
	c, _, handler, _ := startClient(t, Options{})

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	select {
	case err := <-handler.closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("OnClosed not called")
	}
}

func TestDialFailureReportsClosed(t *testing.T) {
	handler := newRecordingHandler()
	dialErr := errors.New("401 unauthorized")
	c := NewClient("C1", &fakeTurns{}, &fakeDialer{err: dialErr}, handler, Options{})
	c.Start(context.Background())

	select {
	case err := <-handler.closed:
		assert.ErrorIs(t, err, dialErr)
	case <-time.After(time.Second):
		t.Fatal("OnClosed not called")
	}
	assert.Equal(t, StateClosed, c.State())
}

func TestWSDialerSendsAuthHeaders(t *testing.T) {
	type seen struct {
		auth, beta, model string
	}
	got := make(chan seen, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- seen{r.Header.Get("Authorization"), r.Header.Get("OpenAI-Beta"), r.URL.Query().Get("model")}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	d := &WSDialer{
		URL:              "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime",
		Model:            "gpt-4o-realtime-preview",
		APIKey:           "sk-test",
		HandshakeTimeout: time.Second,
	}
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	s := <-got
	assert.Equal(t, "Bearer sk-test", s.auth)
	assert.Equal(t, "realtime=v1", s.beta)
	assert.Equal(t, "gpt-4o-realtime-preview", s.model)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StateConnecting.CanTransitionTo(StateConfiguring))
	assert.True(t, StateIdle.CanTransitionTo(StateResponding))
	assert.False(t, StateReady.CanTransitionTo(StateConfiguring))
	assert.False(t, StateClosed.CanTransitionTo(StateReady))
	assert.True(t, StateIdle.Accepting())
	assert.False(t, StateConfiguring.Accepting())
}
