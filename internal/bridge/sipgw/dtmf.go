package sipgw

import (
	"errors"

	"github.com/pion/rtp"
)

const (
	// minDTMFDuration filters key bounce: 50 ms at 8 kHz
	minDTMFDuration = 400
	dtmfEvents      = "0123456789*#ABCD"
)

var errShortDTMF = errors.New("telephone-event payload shorter than 4 bytes")

// dtmfEvent is an RFC 4733 telephone-event payload.
type dtmfEvent struct {
	Event      uint8
	EndOfEvent bool
	Volume     uint8
	Duration   uint16
}

func decodeDTMF(payload []byte) (dtmfEvent, error) {
	if len(payload) < 4 {
		return dtmfEvent{}, errShortDTMF
	}
	return dtmfEvent{
		Event:      payload[0],
		EndOfEvent: payload[1]&0x80 != 0,
		Volume:     payload[1] & 0x3F,
		Duration:   uint16(payload[2])<<8 | uint16(payload[3]),
	}, nil
}

func (e dtmfEvent) encode() []byte {
	b := []byte{e.Event, e.Volume & 0x3F, byte(e.Duration >> 8), byte(e.Duration)}
	if e.EndOfEvent {
		b[1] |= 0x80
	}
	return b
}

// dtmfDetector turns a telephone-event packet stream into digits. The end
// packet is sent three times; only the first one yields a digit.
type dtmfDetector struct {
	payloadType uint8
	lastEvent   uint8
	pending     bool
}

func (d *dtmfDetector) process(pkt *rtp.Packet) (rune, bool) {
	if pkt.PayloadType != d.payloadType {
		return 0, false
	}
	evt, err := decodeDTMF(pkt.Payload)
	if err != nil || int(evt.Event) >= len(dtmfEvents) {
		return 0, false
	}

	if !evt.EndOfEvent {
		if !d.pending || evt.Event != d.lastEvent {
			d.lastEvent = evt.Event
			d.pending = true
		}
		return 0, false
	}

	fire := d.pending && evt.Event == d.lastEvent && evt.Duration >= minDTMFDuration
	d.pending = false
	if !fire {
		return 0, false
	}
	return rune(dtmfEvents[evt.Event]), true
}
