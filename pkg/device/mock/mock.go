// Package mock provides in-memory mock implementations of the [device.Source]
// and [device.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{Rate: 48000}
//	sink := &mock.Sink{}
//	// ... wire src and sink into the component under test ...
//	src.EmitFrame([]float32{0.1, 0.2})
package mock

import (
	"sync"

	"github.com/MrWong99/voicebridge/pkg/device"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [device.Source].
// Set the exported fields before use; inspect the Call* fields after.
type Source struct {
	mu sync.Mutex

	// Rate is returned by [Source.SampleRate]. Defaults to 16000 if zero.
	Rate int

	// StartError is returned by [Source.Start].
	StartError error

	// CloseError is returned by [Source.Close].
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	handler func([]float32)
}

var _ device.Source = (*Source)(nil)

// Start implements [device.Source]. The handler is retained so tests can push
// frames with [Source.EmitFrame].
func (s *Source) Start(handler func(samples []float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.handler = handler
	return nil
}

// SampleRate implements [device.Source].
func (s *Source) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Rate == 0 {
		return 16000
	}
	return s.Rate
}

// Close implements [device.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.handler = nil
	return s.CloseError
}

// EmitFrame delivers samples to the handler registered via Start.
// Use this in tests to simulate captured microphone audio. No-op if capture
// was never started or has been closed.
func (s *Source) EmitFrame(samples []float32) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		handler(samples)
	}
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [device.Sink].
type Sink struct {
	mu sync.Mutex

	// WriteError is returned by [Sink.Write].
	WriteError error

	// CloseError is returned by [Sink.Close].
	CloseError error

	// WriteCalls records the pcm argument of every Write invocation.
	WriteCalls [][]byte

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ device.Sink = (*Sink)(nil)

// Write implements [device.Sink]. Records a copy of pcm.
func (s *Sink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteError != nil {
		return s.WriteError
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	s.WriteCalls = append(s.WriteCalls, buf)
	return nil
}

// Flush implements [device.Sink]. Records the call.
func (s *Sink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountFlush++
}

// Close implements [device.Sink]. Records the call.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// FlushCount returns the current flush call count. Safe to poll from a test
// goroutine while the component under test is still running.
func (s *Sink) FlushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountFlush
}

// Written returns a snapshot of all PCM passed to Write, concatenated.
func (s *Sink) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []byte
	for _, w := range s.WriteCalls {
		all = append(all, w...)
	}
	return all
}
