// Package sipgw terminates inbound SIP calls locally and carries their audio
// over RTP. In sip mode the gateway is both the call-control provider and the
// media leg of every session.
package sipgw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/voicebridge/internal/bridge/audio"
	"github.com/sebas/voicebridge/internal/bridge/callcontrol"
	"github.com/sebas/voicebridge/internal/bridge/controller"
	"github.com/sebas/voicebridge/internal/bridge/metrics"
	"github.com/sebas/voicebridge/internal/bridge/session"
	"github.com/sebas/voicebridge/internal/bridge/store"
)

const (
	ackTimeout   = 32 * time.Second
	bindAttempts = 3
	sweepEvery   = 30 * time.Second
)

// ErrUnknownCall is returned for a handle with no live dialog.
var ErrUnknownCall = errors.New("unknown call")

var _ callcontrol.Provider = (*Gateway)(nil)

// Controller is the session side the gateway reports to.
type Controller interface {
	HandleCallInitiated(info controller.CallInfo)
	HandleCallAnswered(callID, handle string)
	HandleHangup(callID string, reason session.CloseReason)
	AttachMedia(callID string, m session.MediaConn) error
	DetachMedia(callID string, m session.MediaConn)
	HandleInboundAudio(callID string, pcm []byte)
}

// Config holds the gateway's listening parameters.
type Config struct {
	BindAddr      string
	Port          int
	AdvertiseAddr string
	RTPPortMin    int
	RTPPortMax    int
	// CallTTL bounds how long a dialog is tracked without being terminated.
	CallTTL time.Duration
}

// Gateway is a SIP user agent server for inbound calls.
type Gateway struct {
	cfg      Config
	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	dialogUA *sipgo.DialogUA
	ports    *PortPool
	calls    *store.TTLStore[string, *call]
	metrics  *metrics.Metrics

	mu   sync.RWMutex
	ctrl Controller
}

// New creates the SIP stack. SetController must be called before Run.
func New(cfg Config, m *metrics.Metrics) (*Gateway, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	g := &Gateway{
		cfg: cfg,
		ua:  ua,
		srv: srv,
		dialogUA: &sipgo.DialogUA{
			Client: client,
			ContactHDR: sip.ContactHeader{
				Address: sip.Uri{
					Scheme: "sip",
					User:   "voicebridge",
					Host:   cfg.AdvertiseAddr,
					Port:   cfg.Port,
				},
			},
		},
		ports:   NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax),
		metrics: m,
	}
	g.calls = store.New(sweepEvery, func(callID string, c *call) {
		slog.Warn("[SIP] Dialog expired", "call_id", callID, "state", c.getState().String())
		g.release(c)
	})

	srv.OnRequest(sip.INVITE, g.onInvite)
	srv.OnRequest(sip.ACK, g.onAck)
	srv.OnRequest(sip.BYE, g.onBye)
	srv.OnRequest(sip.CANCEL, g.onCancel)
	srv.OnRequest(sip.OPTIONS, g.onOptions)
	return g, nil
}

// SetController wires the session controller. It breaks the construction
// cycle between the controller (which needs a provider) and the gateway.
func (g *Gateway) SetController(c Controller) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ctrl = c
}

func (g *Gateway) controller() Controller {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ctrl
}

// Run serves SIP over UDP until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", g.cfg.BindAddr, g.cfg.Port)
	slog.Info("[SIP] Listening", "addr", addr, "advertise", g.cfg.AdvertiseAddr,
		"rtp_ports", fmt.Sprintf("%d-%d", g.cfg.RTPPortMin, g.cfg.RTPPortMax))
	if err := g.srv.ListenAndServe(ctx, "udp", addr); err != nil && ctx.Err() == nil {
		return fmt.Errorf("sip listen on %s: %w", addr, err)
	}
	return nil
}

// Close releases every tracked dialog's media and stops the user agent.
func (g *Gateway) Close() error {
	for _, c := range g.calls.Values() {
		if _, ok := g.calls.Take(c.id); ok {
			g.release(c)
		}
	}
	g.calls.Close()
	return g.ua.Close()
}

// ActiveCalls returns the number of tracked dialogs.
func (g *Gateway) ActiveCalls() int {
	return g.calls.Len()
}

func callIDOf(req *sip.Request) string {
	if req.CallID() == nil {
		return ""
	}
	return string(*req.CallID())
}

func respond(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode, reason string) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil)); err != nil {
		slog.Warn("[SIP] Failed to send response", "call_id", callIDOf(req), "status", int(code), "error", err)
	}
}

func (g *Gateway) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	respond(req, tx, sip.StatusOK, "OK")
}

func (g *Gateway) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	log := slog.With("call_id", callID)

	ctrl := g.controller()
	if ctrl == nil || callID == "" {
		respond(req, tx, sip.StatusCode(503), "Service Unavailable")
		return
	}
	if _, exists := g.calls.Get(callID); exists {
		log.Debug("[SIP] INVITE for existing dialog ignored")
		return
	}

	respond(req, tx, sip.StatusTrying, "Trying")

	offer, err := ParseOffer(req.Body())
	if err != nil {
		log.Warn("[SIP] Rejecting INVITE with unusable SDP", "error", err)
		respond(req, tx, sip.StatusBadRequest, "Bad Request")
		return
	}
	codec, err := NegotiateCodec(offer.Formats)
	if err != nil {
		log.Warn("[SIP] Rejecting INVITE", "formats", offer.Formats, "error", err)
		respond(req, tx, sip.StatusCode(488), "Not Acceptable Here")
		return
	}
	remote, err := offer.RemoteAddr()
	if err != nil {
		log.Warn("[SIP] Rejecting INVITE", "error", err)
		respond(req, tx, sip.StatusBadRequest, "Bad Request")
		return
	}
	conn, port, err := g.bindRTP()
	if err != nil {
		log.Error("[SIP] No media port for call", "error", err)
		respond(req, tx, sip.StatusCode(503), "Service Unavailable")
		return
	}

	c := &call{
		id:     callID,
		state:  StateInitial,
		req:    req,
		tx:     tx,
		codec:  codec,
		dtmfPT: offer.DTMFPayloadType,
		port:   port,
		done:   make(chan struct{}),
	}
	var leg *RTPLeg
	leg = NewRTPLeg(conn, remote, LegConfig{
		CallID:          callID,
		Codec:           codec,
		DTMFPayloadType: offer.DTMFPayloadType,
		OnAudio:         func(pcm []byte) { ctrl.HandleInboundAudio(callID, pcm) },
		OnDigit: func(digit rune) {
			slog.Info("[SIP] DTMF digit", "call_id", callID, "digit", string(digit))
		},
		OnStop: func() { ctrl.DetachMedia(callID, leg) },
	}, g.metrics)
	c.leg = leg
	_ = c.transition(StateEarly)

	if !g.calls.Insert(callID, c, g.cfg.CallTTL) {
		g.release(c)
		return
	}

	info := controller.CallInfo{
		CallID:    callID,
		Handle:    callID,
		Direction: "inbound",
	}
	if from := req.From(); from != nil {
		info.From = from.Address.User
	}
	if to := req.To(); to != nil {
		info.To = to.Address.User
	}
	log.Info("[SIP] Incoming call", "from", info.From, "to", info.To,
		"codec", codec.String(), "remote_media", remote.String(), "rtp_port", port)
	ctrl.HandleCallInitiated(info)
}

func (g *Gateway) bindRTP() (net.PacketConn, int, error) {
	var lastErr error
	for i := 0; i < bindAttempts; i++ {
		port, err := g.ports.Allocate()
		if err != nil {
			return nil, 0, err
		}
		conn, err := net.ListenPacket("udp", fmt.Sprintf("%s:%d", g.cfg.BindAddr, port))
		if err == nil {
			return conn, port, nil
		}
		g.ports.Release(port)
		lastErr = err
	}
	return nil, 0, fmt.Errorf("bind RTP socket: %w", lastErr)
}

func (g *Gateway) onAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	c, ok := g.calls.Get(callID)
	if !ok {
		slog.Debug("[SIP] ACK for unknown dialog", "call_id", callID)
		return
	}

	c.mu.Lock()
	if c.state == StateConfirmed {
		c.mu.Unlock()
		return
	}
	if c.state != StateWaitingACK {
		state := c.state
		c.mu.Unlock()
		slog.Warn("[SIP] ACK in unexpected state", "call_id", callID, "state", state.String())
		return
	}
	if c.dialog != nil {
		if err := c.dialog.ReadAck(req, tx); err != nil {
			slog.Warn("[SIP] Failed to read ACK", "call_id", callID, "error", err)
		}
	}
	c.state = StateConfirmed
	c.mu.Unlock()

	slog.Info("[SIP] Call answered", "call_id", callID)
	if ctrl := g.controller(); ctrl != nil {
		ctrl.HandleCallAnswered(callID, callID)
	}
}

func (g *Gateway) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	c, ok := g.calls.Take(callID)
	if !ok {
		respond(req, tx, sip.StatusCode(481), "Call/Transaction Does Not Exist")
		return
	}

	c.mu.Lock()
	if c.dialog != nil {
		if err := c.dialog.ReadBye(req, tx); err != nil {
			slog.Warn("[SIP] Failed to read BYE", "call_id", callID, "error", err)
		}
	} else {
		respond(req, tx, sip.StatusOK, "OK")
	}
	c.mu.Unlock()

	g.release(c)
	slog.Info("[SIP] Remote hangup", "call_id", callID)
	if ctrl := g.controller(); ctrl != nil {
		ctrl.HandleHangup(callID, session.ReasonHangup)
	}
}

func (g *Gateway) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	c, ok := g.calls.Get(callID)
	if !ok {
		respond(req, tx, sip.StatusCode(481), "Call/Transaction Does Not Exist")
		return
	}

	c.mu.Lock()
	if c.state != StateEarly {
		state := c.state
		c.mu.Unlock()
		slog.Warn("[SIP] CANCEL in unexpected state", "call_id", callID, "state", state.String())
		respond(req, tx, sip.StatusCode(481), "Call/Transaction Does Not Exist")
		return
	}
	respond(req, tx, sip.StatusOK, "OK")
	respond(c.req, c.tx, sip.StatusCode(487), "Request Terminated")
	c.mu.Unlock()

	if _, ok := g.calls.Take(callID); ok {
		g.release(c)
	}
	slog.Info("[SIP] Call cancelled", "call_id", callID)
	if ctrl := g.controller(); ctrl != nil {
		ctrl.HandleHangup(callID, session.ReasonHangup)
	}
}

// Answer sends 200 OK with the SDP answer for handle.
func (g *Gateway) Answer(ctx context.Context, handle string) (err error) {
	start := time.Now()
	defer func() { g.metrics.CallControl(callcontrol.ActionAnswer, err, time.Since(start)) }()

	c, ok := g.calls.Get(handle)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, handle)
	}
	body, err := BuildAnswer(g.cfg.AdvertiseAddr, c.port, c.codec, c.dtmfPT, uint64(start.Unix()))
	if err != nil {
		return fmt.Errorf("build SDP answer: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEarly {
		return fmt.Errorf("answer in state %s", c.state)
	}
	dlg, err := g.dialogUA.ReadInvite(c.req, c.tx)
	if err != nil {
		return fmt.Errorf("failed to create dialog session: %w", err)
	}
	if err := dlg.RespondSDP(body); err != nil {
		_ = dlg.Close()
		return fmt.Errorf("failed to send 200 OK: %w", err)
	}
	c.dialog = dlg
	c.state = StateWaitingACK
	go g.watchAck(c)
	slog.Info("[SIP] Sent 200 OK", "call_id", handle)
	return nil
}

func (g *Gateway) watchAck(c *call) {
	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return
	case <-timer.C:
	}
	if c.getState() != StateWaitingACK {
		return
	}
	if _, ok := g.calls.Take(c.id); !ok {
		return
	}
	slog.Warn("[SIP] ACK timeout", "call_id", c.id)
	g.release(c)
	if ctrl := g.controller(); ctrl != nil {
		ctrl.HandleHangup(c.id, session.ReasonHangup)
	}
}

// StartMediaStream starts RTP for handle and attaches it to the session.
// The stream URL and track are meaningless for a local RTP leg.
func (g *Gateway) StartMediaStream(_ context.Context, handle, _, _ string) (err error) {
	start := time.Now()
	defer func() { g.metrics.CallControl(callcontrol.ActionStreamingStart, err, time.Since(start)) }()

	c, ok := g.calls.Get(handle)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, handle)
	}
	ctrl := g.controller()
	if ctrl == nil {
		return errors.New("no controller")
	}
	c.leg.Start()
	return ctrl.AttachMedia(handle, c.leg)
}

// Speak is not available on a plain SIP trunk.
func (g *Gateway) Speak(context.Context, string, string) error {
	return callcontrol.ErrNotSupported
}

// Hangup ends the dialog: BYE once answered, 480 while still ringing.
// Unknown handles succeed since the call is already gone.
func (g *Gateway) Hangup(ctx context.Context, handle string) (err error) {
	start := time.Now()
	defer func() { g.metrics.CallControl(callcontrol.ActionHangup, err, time.Since(start)) }()

	c, ok := g.calls.Take(handle)
	if !ok {
		return nil
	}
	defer g.release(c)

	c.mu.Lock()
	state, dlg := c.state, c.dialog
	if state == StateInitial || state == StateEarly {
		respond(c.req, c.tx, sip.StatusCode(480), "Temporarily Unavailable")
		c.state = StateTerminated
		c.mu.Unlock()
		slog.Info("[SIP] Rejected unanswered call", "call_id", handle)
		return nil
	}
	c.state = StateTerminating
	c.mu.Unlock()

	if dlg == nil {
		return nil
	}
	if err := dlg.Bye(ctx); err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}
	slog.Info("[SIP] Sent BYE", "call_id", handle)
	return nil
}

// release frees the media resources of a dialog that has left the store.
func (g *Gateway) release(c *call) {
	c.releaseOnce.Do(func() {
		c.mu.Lock()
		c.state = StateTerminated
		dlg := c.dialog
		c.mu.Unlock()

		close(c.done)
		if dlg != nil {
			_ = dlg.Close()
		}
		if c.leg != nil {
			_ = c.leg.Close()
		}
		g.ports.Release(c.port)
	})
}

type call struct {
	id     string
	req    *sip.Request
	tx     sip.ServerTransaction
	codec  audio.Codec
	dtmfPT uint8
	port   int
	leg    *RTPLeg

	mu     sync.Mutex
	state  DialogState
	dialog *sipgo.DialogServerSession

	done        chan struct{}
	releaseOnce sync.Once
}

func (c *call) getState() DialogState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *call) transition(next DialogState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CanTransitionTo(next) {
		return fmt.Errorf("invalid transition %s -> %s", c.state, next)
	}
	c.state = next
	return nil
}
