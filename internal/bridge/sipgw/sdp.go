package sipgw

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/sebas/voicebridge/internal/bridge/audio"
)

// ErrNoCommonCodec is returned when the offer carries neither PCMU nor PCMA.
var ErrNoCommonCodec = errors.New("no common codec")

// Offer is the part of a remote SDP offer the gateway acts on.
type Offer struct {
	Addr    string
	Port    int
	Formats []string
	// DTMFPayloadType is the offered telephone-event/8000 type, zero if none.
	DTMFPayloadType uint8
}

// RemoteAddr returns the UDP address RTP is sent to.
func (o Offer) RemoteAddr() (*net.UDPAddr, error) {
	ip := net.ParseIP(o.Addr)
	if ip == nil {
		return nil, fmt.Errorf("invalid media address %q", o.Addr)
	}
	return &net.UDPAddr{IP: ip, Port: o.Port}, nil
}

// ParseOffer extracts the first audio stream from an SDP body.
func ParseOffer(body []byte) (Offer, error) {
	if len(body) == 0 {
		return Offer{}, errors.New("empty SDP body")
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return Offer{}, fmt.Errorf("parse SDP: %w", err)
	}

	var md *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			md = m
			break
		}
	}
	if md == nil {
		return Offer{}, errors.New("SDP has no audio stream")
	}

	offer := Offer{
		Port:    md.MediaName.Port.Value,
		Formats: md.MediaName.Formats,
	}
	if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		offer.Addr = md.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		offer.Addr = desc.ConnectionInformation.Address.Address
	}
	if offer.Addr == "" || offer.Port == 0 {
		return Offer{}, errors.New("SDP has no media address")
	}
	offer.DTMFPayloadType = telephoneEventType(md)
	return offer, nil
}

func telephoneEventType(md *sdp.MediaDescription) uint8 {
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, encoding, ok := strings.Cut(attr.Value, " ")
		if !ok || !strings.EqualFold(encoding, "telephone-event/8000") {
			continue
		}
		if n, err := strconv.Atoi(pt); err == nil && n >= 96 && n <= 127 && slices.Contains(md.MediaName.Formats, pt) {
			return uint8(n)
		}
	}
	return 0
}

// NegotiateCodec picks the first G.711 variant in the offer's order.
func NegotiateCodec(formats []string) (audio.Codec, error) {
	for _, f := range formats {
		pt, err := strconv.Atoi(f)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		if c, ok := audio.CodecForPayloadType(uint8(pt)); ok && c != audio.CodecL16 {
			return c, nil
		}
	}
	return 0, ErrNoCommonCodec
}

var rtpmaps = map[audio.Codec]string{
	audio.CodecPCMU: "PCMU/8000",
	audio.CodecPCMA: "PCMA/8000",
}

// BuildAnswer renders the SDP answer for a negotiated call. A non-zero
// dtmfPT also accepts telephone-event on that payload type.
func BuildAnswer(addr string, port int, codec audio.Codec, dtmfPT uint8, sessionID uint64) ([]byte, error) {
	format := strconv.Itoa(int(codec.PayloadType()))
	formats := []string{format}
	attrs := []sdp.Attribute{{Key: "rtpmap", Value: format + " " + rtpmaps[codec]}}
	if dtmfPT != 0 {
		dtmf := strconv.Itoa(int(dtmfPT))
		formats = append(formats, dtmf)
		attrs = append(attrs,
			sdp.Attribute{Key: "rtpmap", Value: dtmf + " telephone-event/8000"},
			sdp.Attribute{Key: "fmtp", Value: dtmf + " 0-15"},
		)
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
		sdp.Attribute{Key: "rtcp-mux"},
	)
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "voicebridge",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "voicebridge",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}
	return desc.Marshal()
}
