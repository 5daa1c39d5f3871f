// Package app wires the bridge components together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sebas/voicebridge/internal/bridge/api"
	"github.com/sebas/voicebridge/internal/bridge/audio"
	"github.com/sebas/voicebridge/internal/bridge/callcontrol"
	"github.com/sebas/voicebridge/internal/bridge/config"
	"github.com/sebas/voicebridge/internal/bridge/controller"
	"github.com/sebas/voicebridge/internal/bridge/events"
	"github.com/sebas/voicebridge/internal/bridge/media"
	"github.com/sebas/voicebridge/internal/bridge/metrics"
	"github.com/sebas/voicebridge/internal/bridge/realtime"
	"github.com/sebas/voicebridge/internal/bridge/session"
	"github.com/sebas/voicebridge/internal/bridge/sipgw"
	"github.com/sebas/voicebridge/internal/bridge/webhook"
)

const (
	shutdownTimeout = 10 * time.Second
	// dialog tracking outlives the session so the final BYE can still be sent
	dialogTTLSlack = 5 * time.Minute
)

// Bridge owns every long-lived component of the process.
type Bridge struct {
	cfg       *config.Config
	metrics   *metrics.Metrics
	registry  *session.Registry
	publisher events.Publisher
	ctrl      *controller.Controller
	api       *api.Server
	health    *api.HealthServer
	gateway   *sipgw.Gateway
}

// New builds the bridge for cfg. Nothing listens until Run.
func New(cfg *config.Config) (*Bridge, error) {
	b := &Bridge{
		cfg:       cfg,
		metrics:   metrics.New(),
		publisher: events.NewLogPublisher(slog.Default()),
	}

	// the registry expires sessions through the controller, built below
	var ctrl *controller.Controller
	b.registry = session.NewRegistry(session.RegistryConfig{
		QueueLimit:  cfg.OutboundQueueLimit,
		MaxDuration: cfg.MaxCallDuration,
		OnExpire: func(s *session.Session) {
			if ctrl != nil {
				ctrl.Expire(s)
			}
		},
	})

	var provider callcontrol.Provider
	switch cfg.Mode {
	case config.ModeSIP:
		gw, err := sipgw.New(sipgw.Config{
			BindAddr:      cfg.SIPBind,
			Port:          cfg.SIPPort,
			AdvertiseAddr: cfg.AdvertiseAddr,
			RTPPortMin:    cfg.RTPPortMin,
			RTPPortMax:    cfg.RTPPortMax,
			CallTTL:       dialogTTL(cfg.MaxCallDuration),
		}, b.metrics)
		if err != nil {
			b.registry.Close()
			return nil, fmt.Errorf("create SIP gateway: %w", err)
		}
		b.gateway = gw
		provider = gw
	default:
		provider = callcontrol.NewHTTPClient(callcontrol.HTTPConfig{
			BaseURL: cfg.CallControlURL,
			APIKey:  cfg.CallControlKey,
			Timeout: cfg.CallControlTimeout,
			Voice:   cfg.AIVoice,
		}, b.metrics)
	}

	ctrl = controller.New(controller.Config{
		MediaURL:         cfg.MediaPublicURL,
		StreamTrack:      cfg.StreamTrack,
		Ratio:            cfg.Ratio(),
		AIReadyTimeout:   cfg.AIReadyTimeout,
		MediaGracePeriod: cfg.MediaGracePeriod,
		ActionTimeout:    cfg.CallControlTimeout,
		NodeID:           nodeID(),
	}, b.registry, provider, b.newAIFactory(), b.publisher, b.metrics)
	b.ctrl = ctrl

	handlers := api.Handlers{Metrics: b.metrics.Handler()}
	if b.gateway != nil {
		b.gateway.SetController(ctrl)
	} else {
		codec, err := audio.ParseCodec(cfg.MediaCodec)
		if err != nil {
			b.Close()
			return nil, err
		}
		handlers.Webhook = webhook.NewHandler(ctrl)
		handlers.Media = media.NewHandler(ctrl, media.HandlerConfig{
			Framing:           cfg.MediaFraming,
			Codec:             codec,
			OutboxSize:        cfg.MediaOutboxSize,
			AllowUnboundClaim: cfg.AllowUnboundClaim,
		}, b.metrics)
	}

	b.api = api.NewServer(api.Config{
		Addr:          cfg.HTTPAddr(),
		MediaPath:     mediaPath(cfg.MediaPublicURL),
		ActionTimeout: cfg.CallControlTimeout,
	}, ctrl, handlers)

	if cfg.GRPCPort > 0 {
		b.health = api.NewHealthServer(fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.GRPCPort))
	}
	return b, nil
}

func (b *Bridge) newAIFactory() controller.AIFactory {
	dialer := &realtime.WSDialer{
		URL:              b.cfg.AIURL,
		Model:            b.cfg.AIModel,
		APIKey:           b.cfg.AIKey,
		HandshakeTimeout: b.cfg.AIDialTimeout,
	}
	opts := realtime.Options{
		Voice:        b.cfg.AIVoice,
		Instructions: b.cfg.AIInstructions,
		Greeting:     b.cfg.GreetingPrompt,
		TurnDetection: realtime.TurnDetectionConfig{
			Type:              "server_vad",
			Threshold:         b.cfg.VADThreshold,
			PrefixPaddingMs:   b.cfg.VADPrefixMs,
			SilenceDurationMs: b.cfg.VADSilenceMs,
		},
		OnEvent: b.metrics.AIEvent,
	}
	return func(callID string, turns realtime.TurnGuard, h realtime.Handler) controller.AIConn {
		return realtime.NewClient(callID, turns, dialer, h, opts)
	}
}

// Controller exposes the session controller.
func (b *Bridge) Controller() *controller.Controller { return b.ctrl }

// Run serves until ctx is cancelled or a listener fails, then drains active
// calls and shuts down.
func (b *Bridge) Run(ctx context.Context) error {
	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()

	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error { return b.api.Run(gctx) })
	if b.health != nil {
		g.Go(func() error { return b.health.Run(gctx) })
	}
	if b.gateway != nil {
		g.Go(func() error { return b.gateway.Run(gctx) })
	}

	slog.Info("[App] Bridge running", "mode", b.cfg.Mode, "http", b.cfg.HTTPAddr())

	select {
	case <-ctx.Done():
		slog.Info("[App] Shutdown requested")
	case <-gctx.Done():
		slog.Error("[App] A listener stopped unexpectedly")
	}

	b.drain()
	stopServing()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// drain stops taking calls, waits for active ones to end and tears down the
// rest. Listeners stay up meanwhile so hangup notifications still arrive.
func (b *Bridge) drain() {
	if b.health != nil {
		b.health.SetDraining()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), b.cfg.DrainTimeout)
	remaining := b.ctrl.Drain(drainCtx)
	cancel()
	if remaining > 0 {
		slog.Warn("[App] Drain timeout, ending remaining calls", "active_calls", remaining)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	b.ctrl.Shutdown(shutdownCtx)
}

// Close releases resources that outlive Run.
func (b *Bridge) Close() {
	if b.gateway != nil {
		if err := b.gateway.Close(); err != nil {
			slog.Warn("[App] SIP gateway close failed", "error", err)
		}
	}
	if err := b.publisher.Close(); err != nil {
		slog.Warn("[App] Event publisher close failed", "error", err)
	}
	b.registry.Close()
}

func dialogTTL(maxCall time.Duration) time.Duration {
	if maxCall <= 0 {
		return 0
	}
	return maxCall + dialogTTLSlack
}

func mediaPath(publicURL string) string {
	u, err := url.Parse(publicURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "/media"
	}
	return u.Path
}

func nodeID() string {
	if id := os.Getenv("NODE_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "voicebridge"
}
