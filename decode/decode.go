// Package decode turns raw capture buffers into voltage samples.
package decode

import "encoding/binary"

// Sample is one decoded reading and its position in the capture
type Sample struct {
	Value float64
	Index int
}

// Values returns the voltages of samples
func Values(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}

// Serial12 decodes big-endian two byte samples from a serial ADC whose code
// sits in the top bits of the pair, scaling the 1023 full scale to [lo, hi]
func Serial12(raw []byte, lo, hi float64) []Sample {
	n := len(raw) / 2
	out := make([]Sample, n)
	for i := 0; i < n; i++ {
		code := uint32(raw[2*i])<<4 | uint32(raw[2*i+1])>>4
		out[i] = Sample{Value: lo + (hi-lo)*float64(code)/1023, Index: i}
	}
	return out
}

// Words16 views raw as little-endian 16-bit FIFO entries
func Words16(raw []byte) []uint16 {
	out := make([]uint16, len(raw)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return out
}

// Packed8 decodes n samples of a single 8-bit channel packed two to an
// entry, the earlier sample in the high byte
func Packed8(words []uint16, n int, vdd float64) []Sample {
	if n > 2*len(words) {
		n = 2 * len(words)
	}
	out := make([]Sample, n)
	for i := 0; i < n; i++ {
		w := words[i/2]
		code := w & 0xff
		if i%2 == 0 {
			code = w >> 8
		}
		out[i] = Sample{Value: vdd * float64(code) / 255, Index: i}
	}
	return out
}

// Wide8 decodes n samples of channel ch from entries carrying one 8-bit
// reading per channel
func Wide8(words []uint16, n, ch int, vdd float64) []Sample {
	if n > len(words) {
		n = len(words)
	}
	out := make([]Sample, n)
	for i := 0; i < n; i++ {
		code := (words[i] >> (8 * uint(ch))) & 0xff
		out[i] = Sample{Value: vdd * float64(code) / 255, Index: i}
	}
	return out
}
