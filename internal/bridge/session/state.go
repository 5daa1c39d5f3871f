package session

import "fmt"

// Phase is the lifecycle phase of a bridged call. Phases only move forward.
type Phase int

const (
	// PhaseInitiated is set when the telephony provider reports a new call
	PhaseInitiated Phase = iota
	// PhaseAnswering is after the answer action was issued and the AI leg is opening
	PhaseAnswering
	// PhaseStreamPending is after the call was answered but the AI leg is not ready yet
	PhaseStreamPending
	// PhaseStreaming is after the media stream start was issued
	PhaseStreaming
	// PhaseClosed is the final phase, the session is torn down
	PhaseClosed
)

// String returns the string representation of the phase
func (p Phase) String() string {
	switch p {
	case PhaseInitiated:
		return "Initiated"
	case PhaseAnswering:
		return "Answering"
	case PhaseStreamPending:
		return "StreamPending"
	case PhaseStreaming:
		return "Streaming"
	case PhaseClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", p)
	}
}

// MarshalText lets phases render by name in JSON snapshots.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

var validTransitions = map[Phase][]Phase{
	PhaseInitiated:     {PhaseAnswering, PhaseClosed},
	PhaseAnswering:     {PhaseStreamPending, PhaseStreaming, PhaseClosed},
	PhaseStreamPending: {PhaseStreaming, PhaseClosed},
	PhaseStreaming:     {PhaseClosed},
	PhaseClosed:        {},
}

// CanTransitionTo checks if a transition from p to next is valid
func (p Phase) CanTransitionTo(next Phase) bool {
	for _, allowed := range validTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is the terminal phase
func (p Phase) IsTerminal() bool {
	return p == PhaseClosed
}

// CloseReason explains why a session was torn down
type CloseReason string

const (
	// ReasonHangup means the telephony provider reported the call ended
	ReasonHangup CloseReason = "hangup"
	// ReasonBridged means the call was transferred away from the bridge
	ReasonBridged CloseReason = "bridged"
	// ReasonAIClosed means the AI provider connection closed or failed
	ReasonAIClosed CloseReason = "ai_closed"
	// ReasonMediaClosed means the media relay closed and no hangup followed
	ReasonMediaClosed CloseReason = "media_closed"
	// ReasonLocalHangup means an operator ended the call
	ReasonLocalHangup CloseReason = "local_hangup"
	// ReasonExpired means the call exceeded the maximum call duration
	ReasonExpired CloseReason = "expired"
	// ReasonShutdown means the process is shutting down
	ReasonShutdown CloseReason = "shutdown"
)
