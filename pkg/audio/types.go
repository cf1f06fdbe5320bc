package audio

import "time"

// TargetRate is the fixed sample rate in Hz that the remote speech service
// requires for input audio. Every Packet produced by this package carries
// exactly this rate.
const TargetRate = 16000

// BytesPerSample is the width of one 16-bit signed PCM sample.
const BytesPerSample = 2

// Frame is one capture tick's worth of normalized float samples at a known
// source rate. Frames are ephemeral — produced once per capture callback,
// consumed synchronously by [Convert], never retained.
type Frame struct {
	// Samples holds normalized audio in the range [-1, 1].
	Samples []float32

	// SourceRate is the capture device's sample rate in Hz.
	SourceRate int
}

// Packet is an immutable chunk of 16-bit signed little-endian PCM ready for
// transmission. SampleRate is always [TargetRate] and Channels is always 1.
type Packet struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Duration returns the playback duration of pcm bytes at the given mono
// sample rate. Returns zero for non-positive rates.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Duration returns the playback length of the packet.
func (p Packet) Duration() time.Duration {
	return Duration(p.Data, p.SampleRate)
}
