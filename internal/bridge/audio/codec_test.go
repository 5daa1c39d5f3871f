package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCodec(t *testing.T) {
	tests := []struct {
		in   string
		want Codec
	}{
		{"l16", CodecL16},
		{"", CodecL16},
		{"PCMU", CodecPCMU},
		{"ulaw", CodecPCMU},
		{"pcma", CodecPCMA},
	}
	for _, tt := range tests {
		got, err := ParseCodec(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseCodec("opus")
	assert.Error(t, err)
}

func TestPayloadTypesRoundTrip(t *testing.T) {
	for _, c := range []Codec{CodecL16, CodecPCMU, CodecPCMA} {
		got, ok := CodecForPayloadType(c.PayloadType())
		require.True(t, ok, c.String())
		assert.Equal(t, c, got)
	}
	_, ok := CodecForPayloadType(18)
	assert.False(t, ok)
}

func TestG711SizesAndSilence(t *testing.T) {
	silence := make([]byte, 320) // 160 samples

	for _, c := range []Codec{CodecPCMU, CodecPCMA} {
		encoded := c.Encode(silence)
		assert.Len(t, encoded, 160, c.String())

		decoded := c.Decode(encoded)
		require.Len(t, decoded, 320, c.String())
		for _, s := range samplesOf(decoded) {
			assert.InDelta(t, 0, s, 16, c.String())
		}
	}
}

func TestG711ApproximatesSignal(t *testing.T) {
	in := pcm(1000, -1000, 8000, -8000)
	for _, c := range []Codec{CodecPCMU, CodecPCMA} {
		out := samplesOf(c.Decode(c.Encode(in)))
		want := samplesOf(in)
		require.Len(t, out, len(want))
		for i := range want {
			assert.InDelta(t, want[i], out[i], math.Abs(float64(want[i]))*0.1+16, c.String())
		}
	}
}

func TestL16IsPassthrough(t *testing.T) {
	in := pcm(1, -2, 3)
	assert.Equal(t, in, CodecL16.Encode(in))
	assert.Equal(t, in, CodecL16.Decode(append(in, 0xff)))
	assert.Equal(t, 2, CodecL16.BytesPerSample())
	assert.Equal(t, 1, CodecPCMU.BytesPerSample())
}
