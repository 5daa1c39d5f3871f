// Package callcontrol issues call actions to the telephony provider.
package callcontrol

import (
	"context"
	"errors"
)

// Action names, used in request paths and metrics
const (
	ActionAnswer         = "answer"
	ActionStreamingStart = "streaming_start"
	ActionSpeak          = "speak"
	ActionHangup         = "hangup"
)

// ErrNotSupported is returned by providers that cannot perform an action.
var ErrNotSupported = errors.New("call-control action not supported")

// Provider performs actions on a telephony call identified by its control
// handle. Implementations do not retry.
type Provider interface {
	Answer(ctx context.Context, handle string) error
	// StartMediaStream asks the provider to open the media socket at url
	// carrying the given track.
	StartMediaStream(ctx context.Context, handle, url, track string) error
	Speak(ctx context.Context, handle, text string) error
	Hangup(ctx context.Context, handle string) error
}
