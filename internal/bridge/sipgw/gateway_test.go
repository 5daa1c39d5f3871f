package sipgw

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/voicebridge/internal/bridge/callcontrol"
)

func TestGatewayProviderWithoutCalls(t *testing.T) {
	g, err := New(Config{
		BindAddr:      "127.0.0.1",
		Port:          5060,
		AdvertiseAddr: "127.0.0.1",
		RTPPortMin:    40000,
		RTPPortMax:    40010,
		CallTTL:       time.Minute,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	ctx := context.Background()
	assert.ErrorIs(t, g.Speak(ctx, "C1", "hello"), callcontrol.ErrNotSupported)
	assert.ErrorIs(t, g.Answer(ctx, "C1"), ErrUnknownCall)
	assert.ErrorIs(t, g.StartMediaStream(ctx, "C1", "", ""), ErrUnknownCall)
	assert.NoError(t, g.Hangup(ctx, "C1"), "hangup of a finished call succeeds")
	assert.Zero(t, g.ActiveCalls())
}

func TestGatewayReleaseFreesPort(t *testing.T) {
	g, err := New(Config{BindAddr: "127.0.0.1", AdvertiseAddr: "127.0.0.1", RTPPortMin: 41000, RTPPortMax: 41010}, nil)
	require.NoError(t, err)

	conn, port, err := g.bindRTP()
	require.NoError(t, err)
	assert.Equal(t, 1, g.ports.Allocated())

	c := &call{id: "C1", port: port, state: StateEarly, done: make(chan struct{})}
	c.leg = NewRTPLeg(conn, conn.LocalAddr(), LegConfig{CallID: "C1"}, nil)
	require.True(t, g.calls.Insert("C1", c, 0))

	require.NoError(t, g.Close())
	assert.Equal(t, 0, g.ports.Allocated())
	assert.Equal(t, StateTerminated, c.getState())
	assert.Zero(t, g.ActiveCalls())
}
