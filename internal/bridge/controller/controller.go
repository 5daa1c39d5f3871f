// Package controller drives the per-call lifecycle: it reacts to telephony
// notifications, AI leg callbacks and media relay events, and keeps each
// session's state consistent while audio flows between the legs.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/voicebridge/internal/bridge/audio"
	"github.com/sebas/voicebridge/internal/bridge/callcontrol"
	"github.com/sebas/voicebridge/internal/bridge/events"
	"github.com/sebas/voicebridge/internal/bridge/media"
	"github.com/sebas/voicebridge/internal/bridge/metrics"
	"github.com/sebas/voicebridge/internal/bridge/realtime"
	"github.com/sebas/voicebridge/internal/bridge/session"
)

// Stream start triggers
const (
	TriggerAnswered = "answered"
	TriggerAIReady  = "ai_ready"
	TriggerTimeout  = "timeout"
)

// AIConn is the AI leg as the controller drives it.
type AIConn interface {
	session.AILeg
	Start(ctx context.Context)
}

// AIFactory creates the AI leg for a call. turns is the session's response
// guard and handler receives the leg's callbacks.
type AIFactory func(callID string, turns realtime.TurnGuard, handler realtime.Handler) AIConn

// Config holds controller settings.
type Config struct {
	// MediaURL is the public websocket URL the provider streams media to
	MediaURL    string
	StreamTrack string
	// Ratio between the AI and telephony sample rates
	Ratio            int
	AIReadyTimeout   time.Duration
	MediaGracePeriod time.Duration
	ActionTimeout    time.Duration
	NodeID           string
}

// CallInfo describes a new inbound call.
type CallInfo struct {
	CallID    string
	Handle    string
	From      string
	To        string
	Direction string
}

// Controller implements media.Binder for relays and realtime.Handler (per
// call) for AI legs.
type Controller struct {
	cfg       Config
	registry  *session.Registry
	provider  callcontrol.Provider
	newAI     AIFactory
	publisher events.Publisher
	builder   *events.Builder
	metrics   *metrics.Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	pending  sync.WaitGroup
	draining atomic.Bool
}

var _ media.Binder = (*Controller)(nil)

// New creates a controller. publisher and m may be nil.
func New(cfg Config, registry *session.Registry, provider callcontrol.Provider, newAI AIFactory, publisher events.Publisher, m *metrics.Metrics) *Controller {
	if cfg.Ratio < 1 {
		cfg.Ratio = 1
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:       cfg,
		registry:  registry,
		provider:  provider,
		newAI:     newAI,
		publisher: publisher,
		builder:   events.NewBuilder(cfg.NodeID),
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Registry returns the session registry.
func (c *Controller) Registry() *session.Registry { return c.registry }

// Draining reports whether new calls are being refused.
func (c *Controller) Draining() bool { return c.draining.Load() }

// HandleCallInitiated creates the session, answers the call and opens the AI
// leg. A duplicate notification for a live call is ignored.
func (c *Controller) HandleCallInitiated(info CallInfo) {
	log := slog.With("call_id", info.CallID)

	if c.draining.Load() {
		log.Warn("[Controller] Draining, rejecting new call")
		c.metrics.SessionCreated("rejected")
		c.async(callcontrol.ActionHangup, info.CallID, func(ctx context.Context) error {
			return c.provider.Hangup(ctx, info.Handle)
		})
		return
	}

	s, err := c.registry.Create(info.CallID, info.Handle)
	if err != nil {
		log.Debug("[Controller] Ignoring duplicate call.initiated", "error", err)
		c.metrics.SessionCreated("duplicate")
		return
	}
	c.metrics.SessionCreated("created")
	_ = s.TransitionTo(session.PhaseAnswering)
	log.Info("[Controller] Call initiated", "session_id", s.ID, "from", info.From, "to", info.To)

	c.publish(c.builder.CallReceived(s.CallID, s.ID).
		Parties(info.From, info.To).
		Handle(info.Handle).
		Direction(events.Direction(info.Direction)).
		Build())

	c.async(callcontrol.ActionAnswer, s.CallID, func(ctx context.Context) error {
		return c.provider.Answer(ctx, info.Handle)
	})

	ai := c.newAI(s.CallID, s, &aiHandler{c: c, s: s})
	if err := s.SetAI(ai); err != nil {
		// torn down while we were setting up
		_ = ai.Close()
		return
	}
	ai.Start(c.ctx)
}

// HandleCallAnswered records the telephony answer and starts the media
// stream if the AI leg is ready, else defers it.
func (c *Controller) HandleCallAnswered(callID, handle string) {
	s, ok := c.registry.Get(callID)
	if !ok {
		slog.Debug("[Controller] call.answered for unknown call", "call_id", callID)
		return
	}

	outcome, h := s.MarkAnswered(handle)
	switch outcome {
	case session.AnswerIgnored:
		slog.Debug("[Controller] Ignoring call.answered", "call_id", callID, "phase", s.Phase())
		return
	case session.AnswerStartStream:
		c.publish(c.builder.CallAnswered(s.CallID, s.ID, true))
		c.startStream(s, h, TriggerAnswered)
	case session.AnswerDeferred:
		c.publish(c.builder.CallAnswered(s.CallID, s.ID, false))
		slog.Info("[Controller] Answered before AI ready, deferring stream", "call_id", callID,
			"timeout", c.cfg.AIReadyTimeout)
		s.StartReadyTimer(c.cfg.AIReadyTimeout, func() { c.readyTimeout(s) })
	}
}

func (c *Controller) readyTimeout(s *session.Session) {
	h, start := s.ForceStreamStart()
	if !start {
		return
	}
	slog.Warn("[Controller] AI not ready in time, starting media stream anyway", "call_id", s.CallID)
	c.startStream(s, h, TriggerTimeout)
}

func (c *Controller) startStream(s *session.Session, handle, trigger string) {
	streamURL := c.MediaURL(s.CallID)
	slog.Info("[Controller] Starting media stream", "call_id", s.CallID, "trigger", trigger)
	c.metrics.StreamStarted(trigger)
	c.publish(c.builder.CallStreaming(s.CallID, s.ID, trigger, streamURL))
	c.async(callcontrol.ActionStreamingStart, s.CallID, func(ctx context.Context) error {
		return c.provider.StartMediaStream(ctx, handle, streamURL, c.cfg.StreamTrack)
	})
}

// MediaURL returns the media socket URL for callID.
func (c *Controller) MediaURL(callID string) string {
	u, err := url.Parse(c.cfg.MediaURL)
	if err != nil {
		return c.cfg.MediaURL
	}
	q := u.Query()
	q.Set(media.CallIDParam, callID)
	u.RawQuery = q.Encode()
	return u.String()
}

// HandleHangup tears the call down. Unknown or already closed calls are a no-op.
func (c *Controller) HandleHangup(callID string, reason session.CloseReason) {
	s, ok := c.registry.Get(callID)
	if !ok {
		slog.Debug("[Controller] Hangup for unknown call", "call_id", callID)
		return
	}
	c.teardown(s, reason)
}

// HangupCall hangs up through the provider and tears the session down.
func (c *Controller) HangupCall(ctx context.Context, callID string) error {
	s, ok := c.registry.Get(callID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, callID)
	}
	err := c.provider.Hangup(ctx, s.ControlHandle)
	if err != nil {
		slog.Warn("[CallControl] Hangup failed", "call_id", callID, "error", err)
	}
	c.teardown(s, session.ReasonLocalHangup)
	return err
}

// Speak asks the provider to play text on the call.
func (c *Controller) Speak(ctx context.Context, callID, text string) error {
	s, ok := c.registry.Get(callID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, callID)
	}
	if s.Closed() {
		return fmt.Errorf("%w: %s", session.ErrSessionClosed, callID)
	}
	return c.provider.Speak(ctx, s.ControlHandle, text)
}

// Expire tears down a session that outlived the maximum call duration. The
// provider hangup is skipped when a new call already reuses the identifier.
func (c *Controller) Expire(s *session.Session) {
	c.teardown(s, session.ReasonExpired)
	if cur, ok := c.registry.Get(s.CallID); ok && cur != s {
		return
	}
	c.async(callcontrol.ActionHangup, s.CallID, func(ctx context.Context) error {
		return c.provider.Hangup(ctx, s.ControlHandle)
	})
}

// CanAttach implements media.Binder.
func (c *Controller) CanAttach(callID string) error {
	s, ok := c.registry.Get(callID)
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, callID)
	case s.Closed():
		return fmt.Errorf("%w: %s", session.ErrSessionClosed, callID)
	case s.MediaAttached():
		return fmt.Errorf("%w: %s", session.ErrMediaAttached, callID)
	}
	return nil
}

// ClaimUnattached implements media.Binder.
func (c *Controller) ClaimUnattached() (string, bool) {
	s, ok := c.registry.ClaimUnattached()
	if !ok {
		return "", false
	}
	return s.CallID, true
}

// AttachMedia binds a relay and flushes audio queued while none was attached.
func (c *Controller) AttachMedia(callID string, m session.MediaConn) error {
	s, ok := c.registry.Get(callID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, callID)
	}
	flushed, err := s.AttachMedia(m)
	if err != nil {
		return err
	}
	slog.Info("[Controller] Media attached", "call_id", callID, "flushed_frames", flushed)
	return nil
}

// DetachMedia unbinds a relay. The call is torn down unless a new relay
// attaches within the grace period.
func (c *Controller) DetachMedia(callID string, m session.MediaConn) {
	s, ok := c.registry.Get(callID)
	if !ok || !s.DetachMedia(m) || s.Closed() {
		return
	}
	slog.Info("[Controller] Media detached", "call_id", callID, "grace", c.cfg.MediaGracePeriod)
	s.StartGraceTimer(c.cfg.MediaGracePeriod, func() {
		if s.MediaAttached() || s.Closed() {
			return
		}
		slog.Warn("[Controller] Media did not reattach, ending call", "call_id", s.CallID)
		c.teardown(s, session.ReasonMediaClosed)
		c.async(callcontrol.ActionHangup, s.CallID, func(ctx context.Context) error {
			return c.provider.Hangup(ctx, s.ControlHandle)
		})
	})
}

// HandleInboundAudio forwards caller audio to the AI leg once it is ready.
func (c *Controller) HandleInboundAudio(callID string, pcm []byte) {
	s, ok := c.registry.Get(callID)
	if !ok {
		return
	}
	ai, ok := s.InboundTarget()
	if !ok {
		c.metrics.AudioFrame(metrics.DirectionInbound, metrics.OutcomeDropped)
		return
	}
	if err := ai.AppendAudio(audio.Upsample(pcm, c.cfg.Ratio)); err != nil {
		slog.Debug("[Controller] Forwarding caller audio failed", "call_id", callID, "error", err)
		c.metrics.AudioFrame(metrics.DirectionInbound, metrics.OutcomeDropped)
		return
	}
	c.metrics.AudioFrame(metrics.DirectionInbound, metrics.OutcomeForwarded)
}

func (c *Controller) deliverAIAudio(s *session.Session, pcm []byte) {
	queued, err := s.DeliverOutbound(audio.Downsample(pcm, c.cfg.Ratio))
	switch {
	case errors.Is(err, media.ErrOutboxFull):
		// counted by the media leg
	case err != nil:
		c.metrics.AudioFrame(metrics.DirectionOutbound, metrics.OutcomeDropped)
	case queued:
		c.metrics.AudioFrame(metrics.DirectionOutbound, metrics.OutcomeQueued)
	default:
		c.metrics.AudioFrame(metrics.DirectionOutbound, metrics.OutcomeForwarded)
	}
}

func (c *Controller) aiReady(s *session.Session) {
	c.metrics.AIReady(time.Since(s.CreatedAt))
	h, start := s.MarkAIReady()
	if start {
		c.startStream(s, h, TriggerAIReady)
	}
}

func (c *Controller) aiClosed(s *session.Session, err error) {
	if s.Closed() {
		return
	}
	slog.Warn("[Controller] AI leg closed, ending call", "call_id", s.CallID, "error", err)
	c.teardown(s, session.ReasonAIClosed)
	c.async(callcontrol.ActionHangup, s.CallID, func(ctx context.Context) error {
		return c.provider.Hangup(ctx, s.ControlHandle)
	})
}

// teardown closes s exactly once, releases its transports outside the
// session lock and removes the registry entry.
func (c *Controller) teardown(s *session.Session, reason session.CloseReason) {
	rel, ok := s.Close(reason)
	if !ok {
		return
	}
	if rel.AI != nil {
		_ = rel.AI.Close()
	}
	if rel.Media != nil {
		_ = rel.Media.Close()
	}
	c.registry.RemoveSession(s)

	snap := s.Snapshot()
	c.metrics.SessionClosed(string(reason), snap.ClosedAt.Sub(snap.CreatedAt))
	c.publish(c.builder.CallEnded(s.CallID, s.ID, string(reason)).
		Durations(snap.CreatedAt, snap.StreamingAt, snap.ClosedAt).
		Frames(snap.Stats.InboundFrames, snap.Stats.InboundDropped, snap.Stats.OutboundFrames, snap.Stats.OutboundDropped).
		Turns(snap.Stats.Turns).
		Build())
	slog.Info("[Controller] Call ended", "call_id", s.CallID, "reason", reason,
		"duration", snap.ClosedAt.Sub(snap.CreatedAt).Round(time.Millisecond))
}

func (c *Controller) publish(ev events.Event) {
	if err := c.publisher.Publish(c.ctx, ev); err != nil {
		slog.Debug("[Controller] Event publish failed", "type", ev.Type(), "error", err)
	}
}

// async runs a provider action off the caller's goroutine, bounded by the
// action timeout. Failures are logged and not retried.
func (c *Controller) async(action, callID string, fn func(ctx context.Context) error) {
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ActionTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			slog.Warn("[CallControl] Action failed", "action", action, "call_id", callID, "error", err)
		}
	}()
}

// Drain refuses new calls and waits until active calls end or ctx is done.
// It returns the number of calls still active.
func (c *Controller) Drain(ctx context.Context) int {
	if !c.draining.Swap(true) {
		slog.Info("[Controller] Draining", "active_calls", c.registry.Count())
	}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		n := c.registry.Count()
		if n == 0 {
			return 0
		}
		select {
		case <-ctx.Done():
			return n
		case <-ticker.C:
		}
	}
}

// Shutdown hangs up and tears down every remaining call, waits for pending
// provider actions and stops the controller.
func (c *Controller) Shutdown(ctx context.Context) {
	c.draining.Store(true)
	for _, s := range c.registry.Sessions() {
		handle := s.ControlHandle
		c.teardown(s, session.ReasonShutdown)
		c.async(callcontrol.ActionHangup, s.CallID, func(ctx context.Context) error {
			return c.provider.Hangup(ctx, handle)
		})
	}

	done := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("[Controller] Shutdown deadline reached with provider actions pending")
	}
	c.cancel()
}

// aiHandler routes one AI leg's callbacks to its session.
type aiHandler struct {
	c *Controller
	s *session.Session
}

func (h *aiHandler) OnReady(*realtime.Client) { h.c.aiReady(h.s) }
func (h *aiHandler) OnAudio(_ *realtime.Client, pcm []byte) { h.c.deliverAIAudio(h.s, pcm) }
func (h *aiHandler) OnClosed(_ *realtime.Client, err error) { h.c.aiClosed(h.s, err) }
