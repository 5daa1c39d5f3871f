package sipgw

import "fmt"

// DialogState is the lifecycle state of an inbound SIP dialog.
type DialogState int

const (
	// StateInitial is set when the INVITE is accepted for processing
	StateInitial DialogState = iota
	// StateEarly is after 100 Trying
	StateEarly
	// StateWaitingACK is after 200 OK, awaiting ACK
	StateWaitingACK
	// StateConfirmed is after ACK
	StateConfirmed
	// StateTerminating is while our BYE is in flight
	StateTerminating
	// StateTerminated is final
	StateTerminated
)

func (s DialogState) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateEarly:
		return "Early"
	case StateWaitingACK:
		return "WaitingACK"
	case StateConfirmed:
		return "Confirmed"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

var validTransitions = map[DialogState][]DialogState{
	StateInitial:     {StateEarly, StateTerminated},
	StateEarly:       {StateWaitingACK, StateTerminated},
	StateWaitingACK:  {StateConfirmed, StateTerminating, StateTerminated},
	StateConfirmed:   {StateTerminating, StateTerminated},
	StateTerminating: {StateTerminated},
	StateTerminated:  {},
}

// CanTransitionTo reports whether next is reachable from s.
func (s DialogState) CanTransitionTo(next DialogState) bool {
	for _, state := range validTransitions[s] {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true once the dialog is over.
func (s DialogState) IsTerminal() bool {
	return s == StateTerminated
}
