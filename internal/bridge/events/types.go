// Package events defines call lifecycle events and the publishers that carry them.
package events

import "time"

// EventType identifies the type of call event
type EventType string

const (
	// CallReceived fires when a call.initiated notification created a session
	CallReceived EventType = "call.received"
	// CallAnswered fires when the telephony leg was answered
	CallAnswered EventType = "call.answered"
	// CallStreaming fires when the media stream was requested
	CallStreaming EventType = "call.streaming"
	// CallEnded fires once per session at teardown
	CallEnded EventType = "call.ended"
)

// Direction indicates call direction
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Event is the base interface for all call events
type Event interface {
	Type() EventType
	// Subject returns the subject this event publishes to
	Subject() string
	Timestamp() time.Time
	CallID() string
}

// BaseEvent contains fields common to all events
type BaseEvent struct {
	// EventID is unique per event instance, for deduplication
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	// Call is the telephony call identifier the session is keyed by
	Call      string `json:"call_id"`
	SessionID string `json:"session_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
}

func (e *BaseEvent) Type() EventType      { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTime }
func (e *BaseEvent) CallID() string       { return e.Call }
func (e *BaseEvent) Subject() string {
	return CallSubject(e.Call, SubjectForEventType(e.EventType))
}

// CallReceivedEvent is published when a session is created.
type CallReceivedEvent struct {
	BaseEvent
	Direction     Direction `json:"direction"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to,omitempty"`
	ControlHandle string    `json:"control_handle,omitempty"`
}

// CallAnsweredEvent is published when the telephony answer arrives.
type CallAnsweredEvent struct {
	BaseEvent
	// AIReady tells whether the stream could start right away
	AIReady bool `json:"ai_ready"`
}

// CallStreamingEvent is published when the media stream is requested.
type CallStreamingEvent struct {
	BaseEvent
	// Trigger is the signal that started the stream: answered, ai_ready or timeout
	Trigger   string `json:"trigger"`
	StreamURL string `json:"stream_url"`
}

// CallEndedEvent is published exactly once per session.
type CallEndedEvent struct {
	BaseEvent
	Reason string `json:"reason"`

	// Durations in milliseconds
	TotalDurationMs  int64 `json:"total_duration_ms"`
	StreamDurationMs int64 `json:"stream_duration_ms"`

	InboundFrames   uint64 `json:"inbound_frames"`
	InboundDropped  uint64 `json:"inbound_dropped"`
	OutboundFrames  uint64 `json:"outbound_frames"`
	OutboundDropped uint64 `json:"outbound_dropped"`
	Turns           uint64 `json:"turns"`
}
