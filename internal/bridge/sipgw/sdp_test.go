package sipgw

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/voicebridge/internal/bridge/audio"
)

const offerSDP = "v=0\r\n" +
	"o=carrier 123 456 IN IP4 198.51.100.7\r\n" +
	"s=call\r\n" +
	"c=IN IP4 198.51.100.7\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 18 8 0 101\r\n" +
	"a=rtpmap:18 G729/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n"

func TestParseOffer(t *testing.T) {
	offer, err := ParseOffer([]byte(offerSDP))
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", offer.Addr)
	assert.Equal(t, 40000, offer.Port)
	assert.Equal(t, []string{"18", "8", "0", "101"}, offer.Formats)
	assert.Equal(t, uint8(101), offer.DTMFPayloadType)

	addr, err := offer.RemoteAddr()
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7:40000", addr.String())
}

func TestParseOfferRejects(t *testing.T) {
	_, err := ParseOffer(nil)
	assert.Error(t, err)

	_, err = ParseOffer([]byte("garbage"))
	assert.Error(t, err)

	video := strings.Replace(offerSDP, "m=audio", "m=video", 1)
	_, err = ParseOffer([]byte(video))
	assert.Error(t, err)
}

func TestNegotiateCodec(t *testing.T) {
	c, err := NegotiateCodec([]string{"18", "8", "0"})
	require.NoError(t, err)
	assert.Equal(t, audio.CodecPCMA, c, "first G.711 in offer order wins")

	c, err = NegotiateCodec([]string{"0", "8"})
	require.NoError(t, err)
	assert.Equal(t, audio.CodecPCMU, c)

	_, err = NegotiateCodec([]string{"18", "96", "101", "x"})
	assert.ErrorIs(t, err, ErrNoCommonCodec)
}

func TestBuildAnswer(t *testing.T) {
	body, err := BuildAnswer("203.0.113.5", 10002, audio.CodecPCMU, 0, 99)
	require.NoError(t, err)
	s := string(body)

	assert.Contains(t, s, "c=IN IP4 203.0.113.5")
	assert.Contains(t, s, "m=audio 10002 RTP/AVP 0")
	assert.Contains(t, s, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, s, "a=ptime:20")
	assert.Contains(t, s, "a=sendrecv")
	assert.Contains(t, s, "a=rtcp-mux")

	// The answer parses back as an offer with the same endpoint.
	offer, err := ParseOffer(body)
	require.NoError(t, err)
	assert.Equal(t, 10002, offer.Port)
	assert.Equal(t, []string{"0"}, offer.Formats)
	assert.Zero(t, offer.DTMFPayloadType)
	assert.NotContains(t, s, "telephone-event")
}

func TestBuildAnswerWithDTMF(t *testing.T) {
	body, err := BuildAnswer("203.0.113.5", 10002, audio.CodecPCMA, 101, 1)
	require.NoError(t, err)
	s := string(body)
	assert.Contains(t, s, "m=audio 10002 RTP/AVP 8 101")
	assert.Contains(t, s, "a=rtpmap:101 telephone-event/8000")
	assert.Contains(t, s, "a=fmtp:101 0-15")

	offer, err := ParseOffer(body)
	require.NoError(t, err)
	assert.Equal(t, uint8(101), offer.DTMFPayloadType)
}
