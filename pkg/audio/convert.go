// Package audio provides the sample-rate conversion and PCM value types for
// the voicebridge streaming pipeline.
//
// The remote speech service consumes mono 16-bit signed little-endian PCM at
// a fixed [TargetRate]. [Convert] normalizes arbitrary-rate capture frames to
// that format using linear interpolation; it is a pure function suitable for
// calling from hardware-driven capture callbacks (single allocation, O(frame)
// work, no locks).
package audio

import "encoding/binary"

// Convert resamples a block of normalized float samples at sourceRate into a
// 16 kHz mono s16le [Packet].
//
// When sourceRate matches [TargetRate] each sample is clamped and quantized
// with no resampling. Otherwise output length is floor(len/ratio) with
// ratio = sourceRate/TargetRate, and each output sample is a linear
// interpolation of the two neighboring input samples at the fractional source
// position. Reads past the buffer are treated as silence.
//
// Deterministic for a given (samples, sourceRate); the returned Packet's Data
// is the only allocation.
func Convert(samples []float32, sourceRate int) Packet {
	if sourceRate == TargetRate {
		out := make([]byte, len(samples)*BytesPerSample)
		for i, s := range samples {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
		}
		return Packet{Data: out, SampleRate: TargetRate, Channels: 1}
	}

	ratio := float64(sourceRate) / float64(TargetRate)
	n := int(float64(len(samples)) / ratio)
	out := make([]byte, n*BytesPerSample)

	for i := range n {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := sampleAt(samples, srcIdx)
		// Clamp the neighbor to the last valid index at the boundary.
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}

		v := s0*(1-frac) + s1*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(v)))
	}
	return Packet{Data: out, SampleRate: TargetRate, Channels: 1}
}

// sampleAt returns samples[i], or silence when i is out of range.
func sampleAt(samples []float32, i int) float32 {
	if i < 0 || i >= len(samples) {
		return 0
	}
	return samples[i]
}

// quantize maps a normalized sample to the signed 16-bit range. Values are
// clamped to [-1, 1]; negative values scale by 0x8000 and non-negative by
// 0x7FFF so that both extremes are representable exactly.
func quantize(v float32) int16 {
	if v < -1 {
		v = -1
	} else if v > 1 {
		v = 1
	}
	if v < 0 {
		return int16(v * 0x8000)
	}
	return int16(v * 0x7FFF)
}

// Amplitude returns a cheap peak-level metric over a sparse sampling of the
// frame (every 8th sample). Used for input-level reporting; not a true RMS.
func Amplitude(samples []float32) float32 {
	var peak float32
	for i := 0; i < len(samples); i += 8 {
		v := samples[i]
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}
