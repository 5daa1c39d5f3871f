package media

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/pion/rtp"
)

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x5eed5eed
	}
	return binary.BigEndian.Uint32(b[:])
}

func randomUint16() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

// Packetizer wraps payloads of one outbound stream in RTP headers. SSRC,
// first sequence number and first timestamp are random per RFC 3550.
type Packetizer struct {
	mu          sync.Mutex
	ssrc        uint32
	payloadType uint8
	seq         uint16
	timestamp   uint32
	started     bool
}

// NewPacketizer creates a packetizer for payloadType.
func NewPacketizer(payloadType uint8) *Packetizer {
	return &Packetizer{
		ssrc:        randomUint32(),
		payloadType: payloadType,
		seq:         randomUint16(),
		timestamp:   randomUint32(),
	}
}

// SSRC returns the stream's synchronization source.
func (p *Packetizer) SSRC() uint32 { return p.ssrc }

// Packet builds the next packet. samples is the number of audio samples in
// payload and advances the timestamp for the following packet. The first
// packet carries the marker bit.
func (p *Packetizer) Packet(payload []byte, samples int) *rtp.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         !p.started,
			PayloadType:    p.payloadType,
			SequenceNumber: p.seq,
			Timestamp:      p.timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	p.started = true
	p.seq++
	p.timestamp += uint32(samples) //nolint:gosec // frame sample counts are small
	return pkt
}

// Marshal builds and serializes the next packet.
func (p *Packetizer) Marshal(payload []byte, samples int) ([]byte, error) {
	return p.Packet(payload, samples).Marshal()
}

// SequenceTracker tracks inbound RTP sequence numbers across 16-bit
// rollover and counts gaps as lost packets. Not safe for concurrent use.
type SequenceTracker struct {
	initialized bool
	lastSeq     uint16
	cycles      uint32
	lost        uint64
	received    uint64
}

// Update records seq and returns its extended sequence number and the number
// of packets missing between it and the previous one.
func (s *SequenceTracker) Update(seq uint16) (extended uint32, lost int) {
	s.received++

	if !s.initialized {
		s.initialized = true
		s.lastSeq = seq
		return uint32(seq), 0
	}

	diff := int16(seq - s.lastSeq) //nolint:gosec // wrap-around arithmetic is intended
	if diff <= 0 {
		// duplicate or late packet
		return s.cycles<<16 | uint32(seq), 0
	}
	if diff > 1 {
		lost = int(diff) - 1
		s.lost += uint64(lost)
	}
	if seq < s.lastSeq {
		s.cycles++
	}
	s.lastSeq = seq
	return s.cycles<<16 | uint32(seq), lost
}

// Stats returns the received and lost packet totals.
func (s *SequenceTracker) Stats() (received, lost uint64) {
	return s.received, s.lost
}

// LossRate returns lost / (received + lost).
func (s *SequenceTracker) LossRate() float64 {
	total := s.received + s.lost
	if total == 0 {
		return 0
	}
	return float64(s.lost) / float64(total)
}
