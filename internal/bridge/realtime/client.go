package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrClientClosed is returned for sends on a closed client
	ErrClientClosed = errors.New("realtime client closed")

	// ErrNotConnected is returned for sends before the transport is open
	ErrNotConnected = errors.New("realtime client not connected")

	// ErrNotReady is returned for audio sent before the session is configured
	ErrNotReady = errors.New("realtime session not ready")
)

// TurnGuard serializes AI responses: at most one may be in flight.
type TurnGuard interface {
	BeginTurn() bool
	EndTurn()
}

// Handler receives the client's lifecycle and audio callbacks. Callbacks run
// on the client's reader goroutine, one at a time.
type Handler interface {
	// OnReady is called once, when the provider confirms the configuration
	OnReady(c *Client)
	// OnAudio delivers decoded PCM16 response audio at the AI rate
	OnAudio(c *Client, pcm []byte)
	// OnClosed is called exactly once when the client stops; err is nil
	// after a local Close
	OnClosed(c *Client, err error)
}

// Options configures the provider session.
type Options struct {
	Voice         string
	Instructions  string
	Greeting      string
	TurnDetection TurnDetectionConfig
	// OnEvent observes every server event type, for metrics
	OnEvent func(eventType string)
}

// Client is the AI voice leg of one call.
type Client struct {
	callID  string
	turns   TurnGuard
	dialer  Dialer
	handler Handler
	opts    Options
	log     *slog.Logger

	mu          sync.Mutex
	state       State
	conn        Conn
	closedLocal bool

	writeMu    sync.Mutex
	notifyOnce sync.Once
	done       chan struct{}
}

// NewClient creates a client in state Connecting. Call Start to dial.
func NewClient(callID string, turns TurnGuard, dialer Dialer, handler Handler, opts Options) *Client {
	return &Client{
		callID:  callID,
		turns:   turns,
		dialer:  dialer,
		handler: handler,
		opts:    opts,
		log:     slog.With("call_id", callID),
		state:   StateConnecting,
		done:    make(chan struct{}),
	}
}

// CallID returns the call this client belongs to.
func (c *Client) CallID() string { return c.callID }

// State returns the current client state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed after the client stopped and OnClosed returned.
func (c *Client) Done() <-chan struct{} { return c.done }

// Start dials the provider and runs the reader loop on a new goroutine.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Client) run(ctx context.Context) {
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		c.log.Error("[Realtime] Connection failed", "error", err)
		c.finish(err)
		return
	}

	c.mu.Lock()
	if c.closedLocal {
		c.mu.Unlock()
		_ = conn.Close()
		c.finish(nil)
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("[Realtime] Connected, configuring session")
	if err := c.sendSessionUpdate(); err != nil {
		c.log.Error("[Realtime] session.update failed", "error", err)
		_ = conn.Close()
		c.finish(err)
		return
	}
	c.transition(StateConfiguring)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			local := c.closedLocal
			c.mu.Unlock()
			if local || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = nil
			}
			if err != nil {
				c.log.Warn("[Realtime] Connection lost", "error", err)
			}
			_ = conn.Close()
			c.finish(err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) finish(err error) {
	c.notifyOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		if c.handler != nil {
			c.handler.OnClosed(c, err)
		}
		close(c.done)
	})
}

func (c *Client) transition(next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CanTransitionTo(next) {
		return false
	}
	c.state = next
	return true
}

func (c *Client) dispatch(data []byte) {
	var base ServerEvent
	if err := json.Unmarshal(data, &base); err != nil {
		c.log.Debug("[Realtime] Dropping malformed event", "error", err)
		return
	}
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(base.Type)
	}

	switch base.Type {
	case EventSessionCreated:
		c.log.Debug("[Realtime] Session created")

	case EventResponseCreated:
		c.log.Debug("[Realtime] Response started")

	case EventResponseAudioDone:
		c.log.Debug("[Realtime] Response audio complete")

	case EventSessionUpdated:
		if !c.transition(StateReady) {
			return
		}
		c.log.Info("[Realtime] Session ready")
		if c.handler != nil {
			c.handler.OnReady(c)
		}
		c.sendGreeting()

	case EventConversationItemAdded:
		var ev ConversationItemCreatedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Debug("[Realtime] Dropping malformed item", "error", err)
			return
		}
		if ev.Item.Role == "user" {
			c.requestResponse()
		}

	case EventResponseAudioDelta, EventResponseOutputDelta:
		var ev ResponseAudioDeltaEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Debug("[Realtime] Dropping malformed audio delta", "error", err)
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil || len(pcm) == 0 {
			c.log.Debug("[Realtime] Dropping undecodable audio delta", "error", err)
			return
		}
		if c.handler != nil {
			c.handler.OnAudio(c, pcm)
		}

	case EventResponseDone:
		c.turns.EndTurn()
		c.transition(StateIdle)
		c.log.Debug("[Realtime] Response done")

	case EventError:
		var ev ErrorEvent
		_ = json.Unmarshal(data, &ev)
		c.log.Warn("[Realtime] Provider error",
			"type", ev.Error.Type,
			"code", ev.Error.Code,
			"message", ev.Error.Message)

	case EventSpeechStarted:
		c.log.Debug("[Realtime] Caller speech started")

	case EventSpeechStopped:
		c.log.Debug("[Realtime] Caller speech stopped")

	case EventAudioCommitted:
		c.log.Debug("[Realtime] Caller audio committed")
	}
}

// requestResponse issues response.create unless a response is in flight.
func (c *Client) requestResponse() {
	if !c.turns.BeginTurn() {
		c.log.Debug("[Realtime] Response already active, not requesting another")
		return
	}
	err := c.send(ResponseCreateEvent{ClientEvent: c.event(EventResponseCreate)})
	if err != nil {
		c.turns.EndTurn()
		c.log.Warn("[Realtime] response.create failed", "error", err)
		return
	}
	c.transition(StateResponding)
}

func (c *Client) sendSessionUpdate() error {
	td := c.opts.TurnDetection
	if td.Type == "" {
		td.Type = "server_vad"
	}
	return c.send(SessionUpdateEvent{
		ClientEvent: c.event(EventSessionUpdate),
		Session: SessionConfig{
			Modalities:        []string{"audio", "text"},
			Instructions:      c.opts.Instructions,
			Voice:             c.opts.Voice,
			InputAudioFormat:  AudioFormatPCM16,
			OutputAudioFormat: AudioFormatPCM16,
			TurnDetection:     &td,
		},
	})
}

// sendGreeting submits the opening user turn. The response follows when the
// provider echoes the item back.
func (c *Client) sendGreeting() {
	if c.opts.Greeting == "" {
		return
	}
	err := c.send(ConversationItemCreateEvent{
		ClientEvent: c.event(EventConversationItemCreate),
		Item: ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ConversationContent{{Type: "input_text", Text: c.opts.Greeting}},
		},
	})
	if err != nil {
		c.log.Warn("[Realtime] Greeting failed", "error", err)
	}
}

// AppendAudio forwards caller PCM16 at the AI rate. Audio is refused until
// the provider confirmed the session configuration.
func (c *Client) AppendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	switch state := c.State(); {
	case state == StateClosed:
		return ErrClientClosed
	case !state.Accepting():
		return ErrNotReady
	}
	return c.send(InputAudioBufferAppendEvent{
		ClientEvent: ClientEvent{Type: EventInputAudioBufferAppend},
		Audio:       base64.StdEncoding.EncodeToString(pcm),
	})
}

func (c *Client) event(eventType string) ClientEvent {
	return ClientEvent{EventID: "evt_" + uuid.NewString(), Type: eventType}
}

func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state == StateClosed {
		return ErrClientClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close closes the transport. The reader goroutine then reports OnClosed
// with a nil error. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closedLocal {
		c.mu.Unlock()
		return nil
	}
	c.closedLocal = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
