// Package audio converts PCM16 audio between the telephony and AI sample
// rates and between linear PCM and the G.711 telephony codecs.
package audio

import (
	"encoding/binary"
	"math"
)

// Sample rates used on each leg of a bridged call.
const (
	TelephonyRate = 8000
	AIRate        = 24000
)

const bytesPerSample = 2

// Downsample decimates little-endian PCM16 by an integer ratio: output sample
// i is input sample i*n. A trailing group shorter than n is dropped, as is a
// trailing odd byte. Input shorter than one sample yields an empty slice.
func Downsample(buf []byte, n int) []byte {
	samples := len(buf) / bytesPerSample
	if samples == 0 {
		return []byte{}
	}
	if n <= 1 {
		return clone(buf[:samples*bytesPerSample])
	}

	outSamples := samples / n
	out := make([]byte, outSamples*bytesPerSample)
	for i := 0; i < outSamples; i++ {
		src := i * n * bytesPerSample
		copy(out[i*bytesPerSample:], buf[src:src+bytesPerSample])
	}
	return out
}

// Upsample expands little-endian PCM16 by an integer ratio using linear
// interpolation. Output position p lies between input samples p/n and p/n+1
// with weight (p mod n)/n; past the last complete interval the final input
// sample is held. Values are rounded to nearest and clamped to int16.
func Upsample(buf []byte, n int) []byte {
	samples := len(buf) / bytesPerSample
	if samples == 0 {
		return []byte{}
	}
	if n <= 1 {
		return clone(buf[:samples*bytesPerSample])
	}

	in := make([]int16, samples)
	for i := range in {
		in[i] = int16(binary.LittleEndian.Uint16(buf[i*bytesPerSample:])) //nolint:gosec // PCM16 reinterpretation
	}

	out := make([]byte, samples*n*bytesPerSample)
	for p := 0; p < samples*n; p++ {
		idx := p / n
		var v int16
		if idx+1 < samples {
			frac := float64(p%n) / float64(n)
			s0 := float64(in[idx])
			s1 := float64(in[idx+1])
			v = clamp16(math.Round(s0 + frac*(s1-s0)))
		} else {
			v = in[samples-1]
		}
		binary.LittleEndian.PutUint16(out[p*bytesPerSample:], uint16(v)) //nolint:gosec // PCM16 reinterpretation
	}
	return out
}

// Ratio returns the integer ratio between two rates, or 0 if to is not an
// integer multiple of from.
func Ratio(from, to int) int {
	if from <= 0 || to <= 0 || to%from != 0 {
		return 0
	}
	return to / from
}

func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
