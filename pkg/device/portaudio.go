package device

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudio requires balanced Initialize/Terminate calls; capture and playback
// streams can coexist, so the host library is reference-counted.
var (
	paMu   sync.Mutex
	paRefs int
)

func acquirePortAudio() error {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("%w: initialize: %v", ErrNoDevice, err)
		}
	}
	paRefs++
	return nil
}

func releasePortAudio() {
	paMu.Lock()
	defer paMu.Unlock()
	paRefs--
	if paRefs == 0 {
		portaudio.Terminate()
	}
}

// ── Capture ────────────────────────────────────────────────────────────────────

// Capture is a [Source] backed by the default PortAudio input device.
type Capture struct {
	rate      int
	frameSize int

	mu      sync.Mutex
	stream  *portaudio.Stream
	started bool
	closed  bool
}

var _ Source = (*Capture)(nil)

// NewCapture prepares a capture source reading mono float32 frames of
// frameSize samples at rate Hz from the default input device. The device is
// opened on [Capture.Start].
func NewCapture(rate, frameSize int) (*Capture, error) {
	if rate <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("device: invalid capture parameters rate=%d frameSize=%d", rate, frameSize)
	}
	if err := acquirePortAudio(); err != nil {
		return nil, err
	}
	return &Capture{rate: rate, frameSize: frameSize}, nil
}

// Start implements [Source].
func (c *Capture) Start(handler func(samples []float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("device: capture closed")
	}
	if c.started {
		return fmt.Errorf("device: capture already started")
	}

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(c.rate), c.frameSize, func(in []float32) {
		// The buffer is owned by PortAudio and reused between callbacks.
		frame := make([]float32, len(in))
		copy(frame, in)
		handler(frame)
	})
	if err != nil {
		return fmt.Errorf("%w: open input stream: %v", ErrNoDevice, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("%w: start input stream: %v", ErrNoDevice, err)
	}

	c.stream = stream
	c.started = true
	return nil
}

// SampleRate implements [Source].
func (c *Capture) SampleRate() int { return c.rate }

// Close implements [Source].
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
		c.stream = nil
	}
	releasePortAudio()
	return nil
}

// ── Playback ───────────────────────────────────────────────────────────────────

// Playback is a [Sink] backed by the default PortAudio output device. Written
// PCM accumulates in an internal buffer that the output callback drains;
// underruns play silence.
type Playback struct {
	rate      int
	frameSize int

	mu     sync.Mutex
	buf    []byte
	stream *portaudio.Stream
	closed bool
}

var _ Sink = (*Playback)(nil)

// NewPlayback opens the default output device for mono s16le PCM at rate Hz.
func NewPlayback(rate, frameSize int) (*Playback, error) {
	if rate <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("device: invalid playback parameters rate=%d frameSize=%d", rate, frameSize)
	}
	if err := acquirePortAudio(); err != nil {
		return nil, err
	}

	p := &Playback{rate: rate, frameSize: frameSize}

	stream, err := portaudio.OpenDefaultStream(0, 1, float64(rate), frameSize, p.fill)
	if err != nil {
		releasePortAudio()
		return nil, fmt.Errorf("%w: open output stream: %v", ErrNoDevice, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		releasePortAudio()
		return nil, fmt.Errorf("%w: start output stream: %v", ErrNoDevice, err)
	}

	p.stream = stream
	return p, nil
}

// fill is the PortAudio output callback: it converts buffered s16le samples to
// float32 and pads with silence when the buffer runs dry.
func (p *Playback) fill(out []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range out {
		if len(p.buf) >= 2 {
			s := int16(binary.LittleEndian.Uint16(p.buf))
			p.buf = p.buf[2:]
			out[i] = float32(s) / 0x8000
		} else {
			out[i] = 0
		}
	}
}

// Write implements [Sink].
func (p *Playback) Write(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("device: playback closed")
	}
	p.buf = append(p.buf, pcm...)
	return nil
}

// Flush implements [Sink].
func (p *Playback) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = nil
}

// Close implements [Sink].
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.buf = nil

	if p.stream != nil {
		p.stream.Stop()
		p.stream.Close()
		p.stream = nil
	}
	releasePortAudio()
	return nil
}

// ── Enumeration ────────────────────────────────────────────────────────────────

// List enumerates the audio devices visible to the host API.
func List() ([]Info, error) {
	if err := acquirePortAudio(); err != nil {
		return nil, err
	}
	defer releasePortAudio()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate: %v", ErrNoDevice, err)
	}

	infos := make([]Info, 0, len(devices))
	for _, dev := range devices {
		infos = append(infos, Info{
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			MaxOutputChannels: dev.MaxOutputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
		})
	}
	return infos, nil
}
