package events

import "fmt"

// Subject hierarchy:
//
//	voicebridge.calls.<call_id>.<event_suffix>  - per-call events
//	voicebridge.calls.>                         - all call events
//	voicebridge.calls.*.ended                   - all call.ended events
const (
	SubjectPrefix = "voicebridge"
	SubjectCalls  = SubjectPrefix + ".calls"

	SubjectCallReceived  = "received"
	SubjectCallAnswered  = "answered"
	SubjectCallStreaming = "streaming"
	SubjectCallEnded     = "ended"
)

// Subject patterns for consumers
var (
	PatternAllCalls  = SubjectCalls + ".>"
	PatternCallEnded = SubjectCalls + ".*.ended"
)

// CallSubject builds a subject for a specific call event.
// Example: CallSubject("abc-123", "ended") => "voicebridge.calls.abc-123.ended"
func CallSubject(callID string, eventSuffix string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectCalls, callID, eventSuffix)
}

// SubjectForEventType returns the suffix used for a given event type.
func SubjectForEventType(t EventType) string {
	switch t {
	case CallReceived:
		return SubjectCallReceived
	case CallAnswered:
		return SubjectCallAnswered
	case CallStreaming:
		return SubjectCallStreaming
	case CallEnded:
		return SubjectCallEnded
	default:
		return "unknown"
	}
}
