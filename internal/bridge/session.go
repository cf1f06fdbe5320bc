// Package bridge connects local or relayed audio endpoints to a remote
// speech-to-speech session and supervises the session's lifecycle.
//
// The three main pieces are:
//
//   - [Session] / [Connector] — narrow abstractions over the remote service
//     so the lifecycle code is testable without a network.
//   - [Manager] — owns at most one live session at a time, wires captured
//     audio into it, and dispatches the session's output.
//   - [Supervisor] — drives the Manager through connect/retry cycles,
//     distinguishing transient failures (retried on a fixed delay) from
//     permanent ones (surfaced and held until an explicit retry).
package bridge

import (
	"context"

	"github.com/MrWong99/voicebridge/pkg/gemini"
)

// Session is the live bidirectional stream handle to the remote speech
// service. *gemini.Session satisfies it; tests substitute fakes.
type Session interface {
	// SendAudio transmits one chunk of 16 kHz s16le mono PCM.
	SendAudio(chunk []byte) error

	// Audio delivers the model's synthesized PCM output.
	Audio() <-chan []byte

	// Interrupts signals that the user interrupted the model's speech.
	Interrupts() <-chan struct{}

	// Transcripts delivers recognized text fragments.
	Transcripts() <-chan gemini.Transcript

	// Done is closed when the session terminates for any reason.
	Done() <-chan struct{}

	// Err reports the terminating error, or nil after a clean close.
	Err() error

	// Close tears the session down. Idempotent.
	Close() error
}

var _ Session = (*gemini.Session)(nil)

// Connector establishes a new remote session.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// ConnectorFunc adapts a function to the [Connector] interface.
type ConnectorFunc func(ctx context.Context) (Session, error)

// Connect implements [Connector].
func (f ConnectorFunc) Connect(ctx context.Context) (Session, error) {
	return f(ctx)
}
