package media

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sebas/voicebridge/internal/bridge/metrics"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

var (
	// ErrRelayClosed is returned by SendAudio after the relay stopped.
	ErrRelayClosed = errors.New("media relay closed")

	// ErrOutboxFull is returned by SendAudio when the frame was dropped.
	// The drop is already counted in metrics.
	ErrOutboxFull = errors.New("media outbox full")
)

// InboundFunc receives decoded caller audio, PCM16 at the telephony rate.
type InboundFunc func(pcm []byte)

// Relay is one telephony media websocket. It implements session.MediaConn:
// SendAudio only enqueues, a write pump owns the socket's write side.
type Relay struct {
	callID  string
	conn    *websocket.Conn
	framer  Framer
	inbound InboundFunc
	metrics *metrics.Metrics
	log     *slog.Logger

	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	sent       atomic.Uint64
	dropped    atomic.Uint64
	dropLogger rate.Sometimes
}

// NewRelay wraps an upgraded connection. outboxSize bounds the number of
// frames waiting for the write pump.
func NewRelay(callID string, conn *websocket.Conn, framer Framer, outboxSize int, inbound InboundFunc, m *metrics.Metrics) *Relay {
	if outboxSize <= 0 {
		outboxSize = 1
	}
	return &Relay{
		callID:     callID,
		conn:       conn,
		framer:     framer,
		inbound:    inbound,
		metrics:    m,
		log:        slog.With("call_id", callID),
		outbox:     make(chan []byte, outboxSize),
		done:       make(chan struct{}),
		dropLogger: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
}

// CallID returns the call the relay is bound to.
func (r *Relay) CallID() string { return r.callID }

// SendAudio enqueues one frame for the write pump. A full outbox drops the
// frame instead of blocking and returns ErrOutboxFull.
func (r *Relay) SendAudio(pcm []byte) error {
	select {
	case <-r.done:
		return ErrRelayClosed
	default:
	}

	select {
	case r.outbox <- pcm:
		return nil
	default:
		n := r.dropped.Add(1)
		r.metrics.AudioFrame(metrics.DirectionOutbound, metrics.OutcomeDropped)
		r.dropLogger.Do(func() {
			r.log.Warn("[Media] Outbox full, dropping audio", "dropped_total", n)
		})
		return ErrOutboxFull
	}
}

// Close stops both pumps. Safe to call more than once.
func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		_ = r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = r.conn.Close()
	})
	return err
}

// Done is closed once the relay was closed.
func (r *Relay) Done() <-chan struct{} { return r.done }

// Stats returns the number of frames written and dropped.
func (r *Relay) Stats() (sent, dropped uint64) {
	return r.sent.Load(), r.dropped.Load()
}

// Run pumps the socket until the peer disconnects, a stop message arrives,
// ctx ends or Close is called.
func (r *Relay) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.writePump()
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = r.Close()
		case <-r.done:
		}
	}()

	r.readPump()
	_ = r.Close()
	wg.Wait()

	sent, dropped := r.Stats()
	r.log.Info("[Media] Relay closed", "frames_sent", sent, "frames_dropped", dropped)
}

func (r *Relay) readPump() {
	r.conn.SetReadLimit(maxMessageSize)
	_ = r.conn.SetReadDeadline(time.Now().Add(pongWait))
	r.conn.SetPongHandler(func(string) error {
		return r.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-r.done:
				default:
					r.log.Warn("[Media] Read failed", "error", err)
				}
			}
			return
		}
		_ = r.conn.SetReadDeadline(time.Now().Add(pongWait))

		if len(data) == 0 {
			continue
		}
		in, err := r.framer.Decode(messageType, data)
		if err != nil {
			r.metrics.AudioFrame(metrics.DirectionInbound, metrics.OutcomeMalformed)
			r.log.Debug("[Media] Dropping malformed frame", "error", err)
			continue
		}
		r.metrics.RTPLost(in.Lost)
		if in.Stop {
			r.log.Info("[Media] Peer sent stop")
			return
		}
		if len(in.PCM) > 0 && r.inbound != nil {
			r.inbound(in.PCM)
		}
	}
}

func (r *Relay) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return

		case pcm := <-r.outbox:
			messageType, data, err := r.framer.Encode(pcm)
			if err != nil {
				r.log.Debug("[Media] Encode failed", "error", err)
				continue
			}
			_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(messageType, data); err != nil {
				r.log.Debug("[Media] Write failed", "error", err)
				_ = r.Close()
				return
			}
			r.sent.Add(1)

		case <-ticker.C:
			if err := r.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = r.Close()
				return
			}
		}
	}
}
