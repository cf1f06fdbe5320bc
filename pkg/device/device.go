// Package device defines the interfaces and types for local audio hardware
// access within voicebridge.
//
// The two primary abstractions are:
//
//   - [Source] — captures microphone audio and delivers float32 frames to a
//     caller-supplied handler.
//   - [Sink] — accepts raw PCM and plays it on the default output device.
//
// Implementations are provided by the portaudio-backed types in this package
// and by the in-memory mocks under device/mock. The interfaces are
// intentionally narrow to keep the bridge decoupled from hardware details.
package device

import "errors"

// Sentinel errors for device acquisition failures. Both classify as permanent:
// retrying without operator intervention cannot succeed.
var (
	// ErrNoDevice indicates that no usable audio device is available.
	ErrNoDevice = errors.New("no audio device available")

	// ErrPermissionDenied indicates the OS refused access to the device.
	ErrPermissionDenied = errors.New("audio device permission denied")
)

// IsPermanent reports whether err is a device failure that cannot be resolved
// by retrying, such as a missing device or denied permission. Transient
// failures (network, remote service) return false.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNoDevice) || errors.Is(err, ErrPermissionDenied)
}

// Source captures audio from an input device.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Start begins capture. The handler is invoked from the capture thread
	// with each frame of float32 samples at [Source.SampleRate]; it must not
	// block. Start returns an error if capture is already running or the
	// device cannot be opened.
	Start(handler func(samples []float32)) error

	// SampleRate returns the capture sample rate in Hz.
	SampleRate() int

	// Close stops capture and releases the device. Idempotent.
	Close() error
}

// Sink plays raw PCM audio (s16le mono) on an output device.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// Write enqueues pcm for playback. It must not block on the audio
	// hardware; buffered data plays in FIFO order.
	Write(pcm []byte) error

	// Flush discards all buffered audio that has not yet reached the
	// hardware. Used when the conversation is interrupted.
	Flush()

	// Close stops playback and releases the device. Idempotent.
	Close() error
}

// Info describes one audio device visible to the host API.
type Info struct {
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}
