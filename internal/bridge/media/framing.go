package media

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"

	"github.com/sebas/voicebridge/internal/bridge/audio"
	"github.com/sebas/voicebridge/internal/bridge/config"
)

// ErrMalformedFrame is returned for inbound frames that cannot be decoded.
var ErrMalformedFrame = errors.New("malformed media frame")

// Envelope events
const (
	EnvelopeEventMedia = "media"
	EnvelopeEventStop  = "stop"
)

// Envelope is the JSON text framing of a media message.
type Envelope struct {
	Event string         `json:"event"`
	Media *EnvelopeMedia `json:"media,omitempty"`
}

// EnvelopeMedia carries base64 encoded audio in the codec's wire format.
type EnvelopeMedia struct {
	Payload string `json:"payload"`
}

// Inbound is one decoded message from the telephony side.
type Inbound struct {
	// PCM is PCM16 at the telephony rate, empty for control messages
	PCM []byte
	// Stop asks the relay to close
	Stop bool
	// Lost is the number of RTP packets detected missing before this one
	Lost int
}

// Framer converts between PCM16 frames and websocket messages.
type Framer interface {
	// Encode returns the websocket message type and payload for one frame
	Encode(pcm []byte) (int, []byte, error)
	// Decode parses one inbound websocket message
	Decode(messageType int, data []byte) (Inbound, error)
}

// NewFramer returns the framer for a framing name. RTP framers carry
// per-stream state, so each relay needs its own.
func NewFramer(framing string, codec audio.Codec) (Framer, error) {
	switch framing {
	case config.FramingRaw, "":
		return &rawFramer{codec: codec}, nil
	case config.FramingJSON:
		return &jsonFramer{codec: codec}, nil
	case config.FramingRTP:
		return &rtpFramer{codec: codec, packetizer: NewPacketizer(codec.PayloadType())}, nil
	default:
		return nil, fmt.Errorf("unknown media framing %q", framing)
	}
}

// decodeEnvelope handles text messages, which every framing accepts.
func decodeEnvelope(codec audio.Codec, data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch env.Event {
	case EnvelopeEventStop:
		return Inbound{Stop: true}, nil
	case EnvelopeEventMedia:
		if env.Media == nil || env.Media.Payload == "" {
			return Inbound{}, nil
		}
		raw, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return Inbound{}, fmt.Errorf("%w: payload: %v", ErrMalformedFrame, err)
		}
		return Inbound{PCM: codec.Decode(raw)}, nil
	default:
		// start, mark and other provider events carry no audio
		return Inbound{}, nil
	}
}

type rawFramer struct {
	codec audio.Codec
}

func (f *rawFramer) Encode(pcm []byte) (int, []byte, error) {
	return websocket.BinaryMessage, f.codec.Encode(pcm), nil
}

func (f *rawFramer) Decode(messageType int, data []byte) (Inbound, error) {
	if messageType == websocket.TextMessage {
		return decodeEnvelope(f.codec, data)
	}
	return Inbound{PCM: f.codec.Decode(data)}, nil
}

type jsonFramer struct {
	codec audio.Codec
}

func (f *jsonFramer) Encode(pcm []byte) (int, []byte, error) {
	data, err := json.Marshal(Envelope{
		Event: EnvelopeEventMedia,
		Media: &EnvelopeMedia{Payload: base64.StdEncoding.EncodeToString(f.codec.Encode(pcm))},
	})
	if err != nil {
		return 0, nil, err
	}
	return websocket.TextMessage, data, nil
}

func (f *jsonFramer) Decode(messageType int, data []byte) (Inbound, error) {
	if messageType == websocket.TextMessage {
		return decodeEnvelope(f.codec, data)
	}
	return Inbound{PCM: f.codec.Decode(data)}, nil
}

type rtpFramer struct {
	codec      audio.Codec
	packetizer *Packetizer
	tracker    SequenceTracker
}

func (f *rtpFramer) Encode(pcm []byte) (int, []byte, error) {
	payload := f.codec.Encode(pcm)
	data, err := f.packetizer.Marshal(payload, len(payload)/f.codec.BytesPerSample())
	if err != nil {
		return 0, nil, err
	}
	return websocket.BinaryMessage, data, nil
}

// Decode is only called from the relay's read pump, so the tracker needs no lock.
func (f *rtpFramer) Decode(messageType int, data []byte) (Inbound, error) {
	if messageType == websocket.TextMessage {
		return decodeEnvelope(f.codec, data)
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	codec := f.codec
	if c, ok := audio.CodecForPayloadType(pkt.PayloadType); ok {
		codec = c
	}
	_, lost := f.tracker.Update(pkt.SequenceNumber)
	return Inbound{PCM: codec.Decode(pkt.Payload), Lost: lost}, nil
}
