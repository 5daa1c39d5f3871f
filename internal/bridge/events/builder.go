package events

import (
	"time"

	"github.com/google/uuid"
)

// Builder constructs call events with consistent defaults.
type Builder struct {
	nodeID string
	now    func() time.Time
}

// NewBuilder creates an event builder stamping events with nodeID.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID, now: time.Now}
}

func (b *Builder) newBase(eventType EventType, callID, sessionID string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		EventTime: b.now().UTC(),
		Call:      callID,
		SessionID: sessionID,
		NodeID:    b.nodeID,
	}
}

// CallReceivedBuilder constructs CallReceivedEvent.
type CallReceivedBuilder struct {
	event *CallReceivedEvent
}

// CallReceived starts building a CallReceivedEvent.
func (b *Builder) CallReceived(callID, sessionID string) *CallReceivedBuilder {
	return &CallReceivedBuilder{
		event: &CallReceivedEvent{
			BaseEvent: b.newBase(CallReceived, callID, sessionID),
			Direction: DirectionInbound,
		},
	}
}

func (cb *CallReceivedBuilder) Direction(d Direction) *CallReceivedBuilder {
	if d != "" {
		cb.event.Direction = d
	}
	return cb
}

func (cb *CallReceivedBuilder) Parties(from, to string) *CallReceivedBuilder {
	cb.event.From = from
	cb.event.To = to
	return cb
}

func (cb *CallReceivedBuilder) Handle(h string) *CallReceivedBuilder {
	cb.event.ControlHandle = h
	return cb
}

func (cb *CallReceivedBuilder) Build() *CallReceivedEvent {
	return cb.event
}

// CallAnswered builds a CallAnsweredEvent.
func (b *Builder) CallAnswered(callID, sessionID string, aiReady bool) *CallAnsweredEvent {
	return &CallAnsweredEvent{
		BaseEvent: b.newBase(CallAnswered, callID, sessionID),
		AIReady:   aiReady,
	}
}

// CallStreaming builds a CallStreamingEvent.
func (b *Builder) CallStreaming(callID, sessionID, trigger, streamURL string) *CallStreamingEvent {
	return &CallStreamingEvent{
		BaseEvent: b.newBase(CallStreaming, callID, sessionID),
		Trigger:   trigger,
		StreamURL: streamURL,
	}
}

// CallEndedBuilder constructs CallEndedEvent.
type CallEndedBuilder struct {
	event *CallEndedEvent
}

// CallEnded starts building a CallEndedEvent.
func (b *Builder) CallEnded(callID, sessionID, reason string) *CallEndedBuilder {
	return &CallEndedBuilder{
		event: &CallEndedEvent{
			BaseEvent: b.newBase(CallEnded, callID, sessionID),
			Reason:    reason,
		},
	}
}

// Durations sets total and streaming time from the session timestamps. A
// zero streamingAt means the stream never started.
func (cb *CallEndedBuilder) Durations(createdAt, streamingAt, closedAt time.Time) *CallEndedBuilder {
	cb.event.TotalDurationMs = closedAt.Sub(createdAt).Milliseconds()
	if !streamingAt.IsZero() {
		cb.event.StreamDurationMs = closedAt.Sub(streamingAt).Milliseconds()
	}
	return cb
}

func (cb *CallEndedBuilder) Frames(inbound, inboundDropped, outbound, outboundDropped uint64) *CallEndedBuilder {
	cb.event.InboundFrames = inbound
	cb.event.InboundDropped = inboundDropped
	cb.event.OutboundFrames = outbound
	cb.event.OutboundDropped = outboundDropped
	return cb
}

func (cb *CallEndedBuilder) Turns(n uint64) *CallEndedBuilder {
	cb.event.Turns = n
	return cb
}

func (cb *CallEndedBuilder) Build() *CallEndedEvent {
	return cb.event
}
