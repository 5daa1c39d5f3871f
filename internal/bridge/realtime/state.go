package realtime

import "fmt"

// State is the lifecycle state of an AI voice client
type State int

const (
	// StateConnecting is while the transport is being dialed
	StateConnecting State = iota
	// StateConfiguring is after session.update was sent, awaiting session.updated
	StateConfiguring
	// StateReady is after the provider confirmed the configuration
	StateReady
	// StateResponding is while a response is in flight
	StateResponding
	// StateIdle is between responses
	StateIdle
	// StateClosed is the final state
	StateClosed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConfiguring:
		return "Configuring"
	case StateReady:
		return "Ready"
	case StateResponding:
		return "Responding"
	case StateIdle:
		return "Idle"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

var validTransitions = map[State][]State{
	StateConnecting:  {StateConfiguring, StateClosed},
	StateConfiguring: {StateReady, StateClosed},
	StateReady:       {StateResponding, StateClosed},
	StateResponding:  {StateIdle, StateClosed},
	StateIdle:        {StateResponding, StateClosed},
	StateClosed:      {},
}

// CanTransitionTo checks if a transition from s to next is valid
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Accepting reports whether audio may be appended in this state.
func (s State) Accepting() bool {
	return s == StateReady || s == StateResponding || s == StateIdle
}
