package media

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/voicebridge/internal/bridge/audio"
	"github.com/sebas/voicebridge/internal/bridge/metrics"
	"github.com/sebas/voicebridge/internal/bridge/session"
)

// CallIDParam is the query parameter binding a media socket to its call.
const CallIDParam = "callId"

// Binder connects relays to sessions.
type Binder interface {
	// CanAttach reports why a relay could not attach to callID, or nil
	CanAttach(callID string) error
	// ClaimUnattached picks a call for a relay that connected without a callId
	ClaimUnattached() (string, bool)
	AttachMedia(callID string, m session.MediaConn) error
	DetachMedia(callID string, m session.MediaConn)
	HandleInboundAudio(callID string, pcm []byte)
}

// HandlerConfig configures relays created by the handler.
type HandlerConfig struct {
	Framing           string
	Codec             audio.Codec
	OutboxSize        int
	AllowUnboundClaim bool
}

// Handler upgrades telephony media connections and runs a relay per call.
type Handler struct {
	binder   Binder
	cfg      HandlerConfig
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewHandler creates the media websocket handler.
func NewHandler(binder Binder, cfg HandlerConfig, m *metrics.Metrics) *Handler {
	return &Handler{
		binder:  binder,
		cfg:     cfg,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the telephony provider is not a browser
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get(CallIDParam)
	if callID == "" {
		if !h.cfg.AllowUnboundClaim {
			http.Error(w, "missing "+CallIDParam, http.StatusBadRequest)
			return
		}
		claimed, ok := h.binder.ClaimUnattached()
		if !ok {
			http.Error(w, "no session waiting for media", http.StatusNotFound)
			return
		}
		slog.Warn("[Media] Relay without callId claimed the oldest unattached session", "call_id", claimed)
		callID = claimed
	}

	if err := h.binder.CanAttach(callID); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	framer, err := NewFramer(h.cfg.Framing, h.cfg.Codec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Media] Upgrade failed", "call_id", callID, "error", err)
		return
	}

	relay := NewRelay(callID, conn, framer, h.cfg.OutboxSize, func(pcm []byte) {
		h.binder.HandleInboundAudio(callID, pcm)
	}, h.metrics)

	// the session may have closed or gained a relay since CanAttach
	if err := h.binder.AttachMedia(callID, relay); err != nil {
		slog.Warn("[Media] Attach failed after upgrade", "call_id", callID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	h.metrics.RelayAttached(1)
	slog.Info("[Media] Relay attached", "call_id", callID, "remote", r.RemoteAddr, "framing", h.cfg.Framing)

	relay.Run(r.Context())

	h.binder.DetachMedia(callID, relay)
	h.metrics.RelayAttached(-1)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionClosed):
		return http.StatusNotFound
	case errors.Is(err, session.ErrMediaAttached):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
