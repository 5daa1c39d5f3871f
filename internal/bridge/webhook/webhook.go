// Package webhook turns telephony provider notifications into controller calls.
package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sebas/voicebridge/internal/bridge/controller"
	"github.com/sebas/voicebridge/internal/bridge/session"
)

// Notification event types
const (
	EventCallInitiated = "call.initiated"
	EventCallAnswered  = "call.answered"
	EventCallHangup    = "call.hangup"
	EventCallBridged   = "call.bridged"
)

const maxBodyBytes = 1 << 20

// CallHandler receives the lifecycle notifications.
type CallHandler interface {
	HandleCallInitiated(info controller.CallInfo)
	HandleCallAnswered(callID, handle string)
	HandleHangup(callID string, reason session.CloseReason)
}

// Notification is the provider's webhook body.
type Notification struct {
	Data struct {
		ID        string  `json:"id"`
		EventType string  `json:"event_type"`
		Payload   Payload `json:"payload"`
	} `json:"data"`
}

// Payload carries the call identifiers of a notification.
type Payload struct {
	CallControlID string `json:"call_control_id"`
	CallLegID     string `json:"call_leg_id"`
	CallSessionID string `json:"call_session_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Direction     string `json:"direction"`
	HangupCause   string `json:"hangup_cause,omitempty"`
}

// CallID returns the identifier sessions are keyed by.
func (p Payload) CallID() string {
	switch {
	case p.CallLegID != "":
		return p.CallLegID
	case p.CallSessionID != "":
		return p.CallSessionID
	default:
		return p.CallControlID
	}
}

// Parse decodes a notification body.
func Parse(r io.Reader) (*Notification, error) {
	var n Notification
	if err := json.NewDecoder(r).Decode(&n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if n.Data.EventType == "" {
		return nil, fmt.Errorf("notification has no event_type")
	}
	if n.Data.Payload.CallID() == "" {
		return nil, fmt.Errorf("%s notification has no call identifier", n.Data.EventType)
	}
	return &n, nil
}

// Handler serves POST /webhooks/telephony. It always answers 200 so the
// provider never retries; failures are only logged.
type Handler struct {
	calls CallHandler
}

// NewHandler creates the webhook handler.
func NewHandler(calls CallHandler) *Handler {
	return &Handler{calls: calls}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n, err := Parse(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		slog.Warn("[Webhook] Dropping malformed notification", "error", err, "remote", r.RemoteAddr)
	} else {
		h.Dispatch(n)
	}
	w.WriteHeader(http.StatusOK)
}

// Dispatch routes one notification to the call handler.
func (h *Handler) Dispatch(n *Notification) {
	p := n.Data.Payload
	callID := p.CallID()
	log := slog.With("call_id", callID, "event", n.Data.EventType)

	switch n.Data.EventType {
	case EventCallInitiated:
		if p.Direction != "" && p.Direction != "incoming" && p.Direction != "inbound" {
			log.Debug("[Webhook] Ignoring outbound call", "direction", p.Direction)
			return
		}
		h.calls.HandleCallInitiated(controller.CallInfo{
			CallID:    callID,
			Handle:    p.CallControlID,
			From:      p.From,
			To:        p.To,
			Direction: "inbound",
		})
	case EventCallAnswered:
		h.calls.HandleCallAnswered(callID, p.CallControlID)
	case EventCallHangup:
		log.Info("[Webhook] Call hung up", "cause", p.HangupCause)
		h.calls.HandleHangup(callID, session.ReasonHangup)
	case EventCallBridged:
		h.calls.HandleHangup(callID, session.ReasonBridged)
	default:
		log.Debug("[Webhook] Ignoring notification")
	}
}
