package sipgw

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/voicebridge/internal/bridge/audio"
	"github.com/sebas/voicebridge/internal/bridge/media"
)

func listenUDP(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readPacket(t *testing.T, conn net.PacketConn) *rtp.Packet {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, maxDatagram)
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	pkt := &rtp.Packet{}
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	return pkt
}

func newLeg(t *testing.T, remote net.Addr, codec audio.Codec) (*RTPLeg, chan []byte) {
	t.Helper()
	inbound := make(chan []byte, 16)
	leg := NewRTPLeg(listenUDP(t), remote, LegConfig{
		CallID:  "C1",
		Codec:   codec,
		OnAudio: func(pcm []byte) { inbound <- pcm },
	}, nil)
	leg.Start()
	t.Cleanup(func() {
		_ = leg.Close()
		leg.Wait()
	})
	return leg, inbound
}

func TestRTPLegPacesOutboundFrames(t *testing.T) {
	peer := listenUDP(t)
	leg, _ := newLeg(t, peer.LocalAddr(), audio.CodecPCMU)

	require.NoError(t, leg.SendAudio(make([]byte, 2*frameBytes)))

	first := readPacket(t, peer)
	second := readPacket(t, peer)
	assert.Equal(t, uint8(0), first.PayloadType)
	assert.Len(t, first.Payload, frameSamples)
	assert.True(t, first.Marker)
	assert.False(t, second.Marker)
	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
	assert.Equal(t, first.Timestamp+frameSamples, second.Timestamp)
	assert.Equal(t, first.SSRC, second.SSRC)

	assert.Eventually(t, func() bool {
		sent, _, _ := leg.Stats()
		return sent == 2
	}, time.Second, 10*time.Millisecond)
}

func TestRTPLegPadsTrailingPartialFrame(t *testing.T) {
	peer := listenUDP(t)
	leg, _ := newLeg(t, peer.LocalAddr(), audio.CodecPCMA)

	require.NoError(t, leg.SendAudio(make([]byte, 100)))

	pkt := readPacket(t, peer)
	assert.Equal(t, uint8(8), pkt.PayloadType)
	assert.Len(t, pkt.Payload, frameSamples)
	assert.Zero(t, leg.Buffered())
}

func TestRTPLegDecodesInbound(t *testing.T) {
	peer := listenUDP(t)
	leg, inbound := newLeg(t, peer.LocalAddr(), audio.CodecPCMU)

	send := func(seq uint16, pt uint8) {
		pkt := &rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: pt, SequenceNumber: seq, SSRC: 7},
			Payload: make([]byte, frameSamples),
		}
		data, err := pkt.Marshal()
		require.NoError(t, err)
		_, err = peer.WriteTo(data, leg.conn.LocalAddr())
		require.NoError(t, err)
	}

	send(100, 0)
	send(101, 13) // comfort noise is skipped
	send(104, 8)

	for i := 0; i < 2; i++ {
		select {
		case pcm := <-inbound:
			assert.Len(t, pcm, frameBytes)
		case <-time.After(2 * time.Second):
			t.Fatal("inbound audio not delivered")
		}
	}
	_, received, lost := leg.Stats()
	assert.Equal(t, uint64(2), received)
	assert.Equal(t, uint64(2), lost)
}

func TestRTPLegLatchesToSourceAddress(t *testing.T) {
	offered := listenUDP(t)
	actual := listenUDP(t)
	leg, inbound := newLeg(t, offered.LocalAddr(), audio.CodecPCMU)

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 1}, Payload: make([]byte, frameSamples)}
	data, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = actual.WriteTo(data, leg.conn.LocalAddr())
	require.NoError(t, err)

	select {
	case <-inbound:
	case <-time.After(2 * time.Second):
		t.Fatal("inbound audio not delivered")
	}

	require.NoError(t, leg.SendAudio(make([]byte, frameBytes)))
	got := readPacket(t, actual)
	assert.Len(t, got.Payload, frameSamples)
}

func TestRTPLegClosed(t *testing.T) {
	peer := listenUDP(t)
	leg, _ := newLeg(t, peer.LocalAddr(), audio.CodecPCMU)

	require.NoError(t, leg.Close())
	assert.NoError(t, leg.Close())
	assert.ErrorIs(t, leg.SendAudio(make([]byte, frameBytes)), media.ErrRelayClosed)

	done := make(chan struct{})
	go func() {
		leg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loops did not exit after Close")
	}
}

func TestRTPLegDetectsDTMF(t *testing.T) {
	peer := listenUDP(t)
	digits := make(chan rune, 4)
	audioIn := make(chan []byte, 4)
	leg := NewRTPLeg(listenUDP(t), peer.LocalAddr(), LegConfig{
		CallID:          "C1",
		Codec:           audio.CodecPCMU,
		DTMFPayloadType: 101,
		OnAudio:         func(pcm []byte) { audioIn <- pcm },
		OnDigit:         func(d rune) { digits <- d },
	}, nil)
	leg.Start()
	t.Cleanup(func() { _ = leg.Close() })

	seq := uint16(10)
	send := func(evt dtmfEvent) {
		pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 101, SequenceNumber: seq}, Payload: evt.encode()}
		seq++
		data, err := pkt.Marshal()
		require.NoError(t, err)
		_, err = peer.WriteTo(data, leg.conn.LocalAddr())
		require.NoError(t, err)
	}

	send(dtmfEvent{Event: 11, Duration: 160})
	send(dtmfEvent{Event: 11, Duration: 800})
	for i := 0; i < 3; i++ {
		send(dtmfEvent{Event: 11, Duration: 960, EndOfEvent: true})
	}

	select {
	case d := <-digits:
		assert.Equal(t, '#', d)
	case <-time.After(2 * time.Second):
		t.Fatal("digit not detected")
	}
	select {
	case d := <-digits:
		t.Fatalf("end retransmission produced a second digit %q", d)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Empty(t, audioIn, "telephone-event leaked into the audio path")
}

func TestRTPLegDropsBeyondPlayoutCap(t *testing.T) {
	peer := listenUDP(t)
	leg := NewRTPLeg(listenUDP(t), peer.LocalAddr(), LegConfig{CallID: "C1", Codec: audio.CodecPCMU}, nil)
	t.Cleanup(func() { _ = leg.Close() })

	require.NoError(t, leg.SendAudio(make([]byte, maxPending)))
	assert.ErrorIs(t, leg.SendAudio(make([]byte, frameBytes)), media.ErrOutboxFull)
	assert.Equal(t, maxPending, leg.Buffered())
}
