package audio

import (
	"fmt"
	"strings"

	"github.com/zaf/g711"
)

// Codec identifies how telephony audio is encoded on the wire. All codecs
// convert to and from little-endian PCM16 at the telephony rate.
type Codec int

const (
	CodecL16 Codec = iota
	CodecPCMU
	CodecPCMA
)

// String returns the lowercase codec name.
func (c Codec) String() string {
	switch c {
	case CodecL16:
		return "l16"
	case CodecPCMU:
		return "pcmu"
	case CodecPCMA:
		return "pcma"
	default:
		return "unknown"
	}
}

// ParseCodec maps a configuration or SDP encoding name to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "l16", "pcm16", "linear16", "":
		return CodecL16, nil
	case "pcmu", "ulaw", "mulaw", "g711u":
		return CodecPCMU, nil
	case "pcma", "alaw", "g711a":
		return CodecPCMA, nil
	default:
		return 0, fmt.Errorf("unsupported codec %q", name)
	}
}

// PayloadType returns the RTP payload type. L16 at 8 kHz has no static
// assignment, so the first dynamic type is used.
func (c Codec) PayloadType() uint8 {
	switch c {
	case CodecPCMU:
		return 0
	case CodecPCMA:
		return 8
	default:
		return 96
	}
}

// CodecForPayloadType is the inverse of PayloadType.
func CodecForPayloadType(pt uint8) (Codec, bool) {
	switch pt {
	case 0:
		return CodecPCMU, true
	case 8:
		return CodecPCMA, true
	case 96:
		return CodecL16, true
	default:
		return 0, false
	}
}

// BytesPerSample returns the encoded size of one sample.
func (c Codec) BytesPerSample() int {
	if c == CodecL16 {
		return 2
	}
	return 1
}

// Decode converts an encoded payload to PCM16.
func (c Codec) Decode(payload []byte) []byte {
	switch c {
	case CodecPCMU:
		return g711.DecodeUlaw(payload)
	case CodecPCMA:
		return g711.DecodeAlaw(payload)
	default:
		return clone(payload[:len(payload)/bytesPerSample*bytesPerSample])
	}
}

// Encode converts PCM16 to the codec's wire format.
func (c Codec) Encode(pcm []byte) []byte {
	pcm = pcm[:len(pcm)/bytesPerSample*bytesPerSample]
	switch c {
	case CodecPCMU:
		return g711.EncodeUlaw(pcm)
	case CodecPCMA:
		return g711.EncodeAlaw(pcm)
	default:
		return clone(pcm)
	}
}
