package sipgw

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"golang.org/x/time/rate"

	"github.com/sebas/voicebridge/internal/bridge/audio"
	"github.com/sebas/voicebridge/internal/bridge/media"
	"github.com/sebas/voicebridge/internal/bridge/metrics"
	"github.com/sebas/voicebridge/internal/bridge/session"
)

const (
	frameDuration = 20 * time.Millisecond
	frameSamples  = audio.TelephonyRate / 50
	frameBytes    = frameSamples * 2

	// maxPlayout caps buffered outbound audio. The AI produces audio faster
	// than real time so whole responses sit here until paced out.
	maxPlayout = 120 * time.Second
	maxPending = int(maxPlayout/frameDuration) * frameBytes

	maxDatagram = 1500
)

var _ session.MediaConn = (*RTPLeg)(nil)

// LegConfig describes one call's media stream.
type LegConfig struct {
	CallID string
	Codec  audio.Codec
	// DTMFPayloadType is the negotiated telephone-event type; zero disables
	// digit detection.
	DTMFPayloadType uint8
	// OnAudio receives decoded caller audio.
	OnAudio media.InboundFunc
	// OnDigit receives RFC 4733 keypad digits.
	OnDigit func(digit rune)
	// OnStop runs if the socket fails while the leg is still open.
	OnStop func()
}

// RTPLeg is the UDP media stream of one SIP call. Outbound PCM is buffered
// and sent as 20 ms packets on a clock tick; inbound packets are decoded and
// handed to the OnAudio callback.
type RTPLeg struct {
	cfg        LegConfig
	conn       net.PacketConn
	packetizer *media.Packetizer
	tracker    media.SequenceTracker
	dtmf       *dtmfDetector
	metrics    *metrics.Metrics
	log        *slog.Logger

	mu           sync.Mutex
	remote       net.Addr
	latched      bool
	pending      []byte
	partialTicks int

	sent, received, lost, dropped atomic.Uint64
	dropLogger                    rate.Sometimes

	started   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRTPLeg wraps conn. remote is the address from the SDP offer; it is
// replaced by the source of the first inbound packet (symmetric RTP).
func NewRTPLeg(conn net.PacketConn, remote net.Addr, cfg LegConfig, m *metrics.Metrics) *RTPLeg {
	l := &RTPLeg{
		cfg:        cfg,
		conn:       conn,
		remote:     remote,
		packetizer: media.NewPacketizer(cfg.Codec.PayloadType()),
		metrics:    m,
		log:        slog.With("call_id", cfg.CallID, "local", conn.LocalAddr().String()),
		dropLogger: rate.Sometimes{First: 1, Interval: 5 * time.Second},
		done:       make(chan struct{}),
	}
	if cfg.DTMFPayloadType != 0 {
		l.dtmf = &dtmfDetector{payloadType: cfg.DTMFPayloadType}
	}
	return l
}

// Start launches the read and write loops. Calling it twice is a no-op.
func (l *RTPLeg) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	l.wg.Add(2)
	go l.readLoop()
	go l.writeLoop()
	l.log.Info("[RTP] Media started", "remote", l.remoteAddr().String(), "codec", l.cfg.Codec.String())
}

// SendAudio buffers telephony-rate PCM for paced playout. It never blocks;
// audio beyond the playout cap is dropped with media.ErrOutboxFull.
func (l *RTPLeg) SendAudio(pcm []byte) error {
	select {
	case <-l.done:
		return media.ErrRelayClosed
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending)+len(pcm) > maxPending {
		n := l.dropped.Add(1)
		l.metrics.AudioFrame(metrics.DirectionOutbound, metrics.OutcomeDropped)
		l.dropLogger.Do(func() {
			l.log.Warn("[RTP] Playout buffer full, dropping audio", "dropped", n)
		})
		return media.ErrOutboxFull
	}
	l.pending = append(l.pending, pcm...)
	return nil
}

// Buffered returns the bytes of PCM awaiting playout.
func (l *RTPLeg) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Close stops both loops and closes the socket.
func (l *RTPLeg) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})
	return err
}

// Wait blocks until both loops have exited.
func (l *RTPLeg) Wait() { l.wg.Wait() }

// Stats returns packet counters and the inbound loss count.
func (l *RTPLeg) Stats() (sent, received, lost uint64) {
	return l.sent.Load(), l.received.Load(), l.lost.Load()
}

func (l *RTPLeg) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *RTPLeg) remoteAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote
}

// nextFrame pops one frame of PCM. A trailing partial frame is padded with
// silence once it has waited a full tick without growing.
func (l *RTPLeg) nextFrame() ([]byte, net.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case len(l.pending) >= frameBytes:
		l.partialTicks = 0
	case len(l.pending) == 0:
		return nil, nil
	default:
		l.partialTicks++
		if l.partialTicks < 2 {
			return nil, nil
		}
		l.partialTicks = 0
		l.pending = append(l.pending, make([]byte, frameBytes-len(l.pending))...)
	}

	frame := make([]byte, frameBytes)
	copy(frame, l.pending)
	l.pending = l.pending[frameBytes:]
	if len(l.pending) == 0 {
		l.pending = nil
	}
	return frame, l.remote
}

func (l *RTPLeg) writeLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
		}

		frame, remote := l.nextFrame()
		if frame == nil {
			continue
		}
		data, err := l.packetizer.Marshal(l.cfg.Codec.Encode(frame), frameSamples)
		if err != nil {
			l.log.Error("[RTP] Failed to marshal packet", "error", err)
			continue
		}
		if _, err := l.conn.WriteTo(data, remote); err != nil {
			if l.closed() {
				return
			}
			l.log.Warn("[RTP] Write failed", "error", err)
			continue
		}
		l.sent.Add(1)
	}
}

func (l *RTPLeg) readLoop() {
	defer l.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if l.closed() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Error("[RTP] Read failed, stopping media", "error", err)
			if l.cfg.OnStop != nil {
				l.cfg.OnStop()
			}
			return
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			l.metrics.AudioFrame(metrics.DirectionInbound, metrics.OutcomeMalformed)
			continue
		}
		l.latch(from)

		// telephone-event shares the audio stream's sequence space
		if _, lost := l.tracker.Update(pkt.SequenceNumber); lost > 0 {
			l.lost.Add(uint64(lost))
			l.metrics.RTPLost(lost)
		}

		if l.dtmf != nil && pkt.PayloadType == l.dtmf.payloadType {
			if digit, ok := l.dtmf.process(pkt); ok {
				l.metrics.DTMFDigit(digit)
				if l.cfg.OnDigit != nil {
					l.cfg.OnDigit(digit)
				}
			}
			continue
		}
		codec, ok := audio.CodecForPayloadType(pkt.PayloadType)
		if !ok {
			// comfort noise and anything not negotiated
			continue
		}
		l.received.Add(1)
		if len(pkt.Payload) > 0 && l.cfg.OnAudio != nil {
			l.cfg.OnAudio(codec.Decode(pkt.Payload))
		}
	}
}

func (l *RTPLeg) latch(from net.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.latched || from == nil {
		return
	}
	l.latched = true
	if from.String() != l.remote.String() {
		l.log.Info("[RTP] Latched remote address", "offered", l.remote.String(), "actual", from.String())
		l.remote = from
	}
}
