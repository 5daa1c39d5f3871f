package session

import "errors"

var (
	// ErrSessionExists is returned when creating a session for a call that already has one
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionNotFound is returned when no session matches the call identifier
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned for mutations on a torn down session
	ErrSessionClosed = errors.New("session closed")

	// ErrMediaAttached is returned when a second media relay tries to attach
	ErrMediaAttached = errors.New("media relay already attached")

	// ErrInvalidTransition is returned for backward or skipped phase changes
	ErrInvalidTransition = errors.New("invalid phase transition")
)
