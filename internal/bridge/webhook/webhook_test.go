package webhook

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/voicebridge/internal/bridge/controller"
	"github.com/sebas/voicebridge/internal/bridge/session"
)

type recorder struct {
	initiated []controller.CallInfo
	answered  [][2]string
	hangups   map[string]session.CloseReason
}

func newRecorder() *recorder {
	return &recorder{hangups: map[string]session.CloseReason{}}
}

func (r *recorder) HandleCallInitiated(info controller.CallInfo) {
	r.initiated = append(r.initiated, info)
}

func (r *recorder) HandleCallAnswered(callID, handle string) {
	r.answered = append(r.answered, [2]string{callID, handle})
}

func (r *recorder) HandleHangup(callID string, reason session.CloseReason) {
	r.hangups[callID] = reason
}

func post(t *testing.T, h http.Handler, body string) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/telephony", strings.NewReader(body)))
	return rec.Code
}

func TestPayloadCallID(t *testing.T) {
	tests := []struct {
		name string
		p    Payload
		want string
	}{
		{"leg id wins", Payload{CallLegID: "leg", CallSessionID: "sess", CallControlID: "ctl"}, "leg"},
		{"session id fallback", Payload{CallSessionID: "sess", CallControlID: "ctl"}, "sess"},
		{"control id fallback", Payload{CallControlID: "ctl"}, "ctl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.CallID())
		})
	}
}

func TestDispatchLifecycle(t *testing.T) {
	rec := newRecorder()
	h := NewHandler(rec)

	assert.Equal(t, http.StatusOK, post(t, h, `{"data":{"event_type":"call.initiated","payload":{
		"call_control_id":"v3:ctl","call_leg_id":"C1","from":"+1555","to":"+1666","direction":"incoming"}}}`))
	require.Len(t, rec.initiated, 1)
	assert.Equal(t, controller.CallInfo{CallID: "C1", Handle: "v3:ctl", From: "+1555", To: "+1666", Direction: "inbound"}, rec.initiated[0])

	post(t, h, `{"data":{"event_type":"call.answered","payload":{"call_control_id":"v3:ctl","call_leg_id":"C1"}}}`)
	require.Len(t, rec.answered, 1)
	assert.Equal(t, [2]string{"C1", "v3:ctl"}, rec.answered[0])

	post(t, h, `{"data":{"event_type":"call.hangup","payload":{"call_control_id":"v3:ctl","call_leg_id":"C1"}}}`)
	post(t, h, `{"data":{"event_type":"call.bridged","payload":{"call_control_id":"v3:x","call_leg_id":"C2"}}}`)
	assert.Equal(t, session.ReasonHangup, rec.hangups["C1"])
	assert.Equal(t, session.ReasonBridged, rec.hangups["C2"])
}

func TestMalformedAndUnknownAreAcknowledged(t *testing.T) {
	rec := newRecorder()
	h := NewHandler(rec)

	for _, body := range []string{
		`not json`,
		`{"data":{}}`,
		`{"data":{"event_type":"call.answered","payload":{}}}`,
		`{"data":{"event_type":"call.playback.started","payload":{"call_leg_id":"C1"}}}`,
	} {
		assert.Equal(t, http.StatusOK, post(t, h, body), body)
	}
	assert.Empty(t, rec.initiated)
	assert.Empty(t, rec.answered)
	assert.Empty(t, rec.hangups)
}

func TestOutboundInitiatedIgnored(t *testing.T) {
	rec := newRecorder()
	post(t, NewHandler(rec), `{"data":{"event_type":"call.initiated","payload":{"call_leg_id":"C9","direction":"outgoing"}}}`)
	assert.Empty(t, rec.initiated)
}
