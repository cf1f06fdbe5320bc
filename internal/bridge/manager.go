package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/audio/playback"
	"github.com/MrWong99/voicebridge/pkg/device"
	"github.com/MrWong99/voicebridge/pkg/gemini"
)

// Option configures a [Manager] during construction.
type Option func(*Manager)

// WithSource attaches a local capture device. Captured frames are resampled
// to 16 kHz and forwarded into the live session; frames arriving while no
// session is live are dropped.
func WithSource(src device.Source) Option {
	return func(m *Manager) { m.source = src }
}

// WithPlayback attaches a local playback device. Model audio is scheduled
// for gapless sequential playback and flushed on interruption.
func WithPlayback(sink device.Sink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithTranscriptHandler registers a callback receiving transcript fragments.
func WithTranscriptHandler(fn func(tr gemini.Transcript)) Option {
	return func(m *Manager) { m.onTranscript = fn }
}

// WithMetrics attaches the metrics instruments. When omitted, no metrics are
// recorded.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// Manager owns at most one live [Session] at a time and wires audio
// endpoints to it. Start is idempotent; Stop is awaited and best-effort.
// All methods are safe for concurrent use.
type Manager struct {
	connector Connector
	source    device.Source
	sink      device.Sink
	sched     *playback.Scheduler

	onTranscript func(gemini.Transcript)
	onTerminal   func(error)
	metrics      *observe.Metrics

	mu        sync.Mutex
	sess      Session
	starting  bool
	captureOn bool
	closed    bool
	wg        sync.WaitGroup
}

// NewManager creates a Manager that obtains sessions from connector.
func NewManager(connector Connector, opts ...Option) *Manager {
	m := &Manager{connector: connector}
	for _, o := range opts {
		o(m)
	}
	if m.sink != nil {
		m.sched = playback.New(func(pcm []byte) {
			if err := m.sink.Write(pcm); err != nil {
				slog.Warn("bridge: playback write failed", "err", err)
			}
		})
	}
	return m
}

// OnTerminal registers fn to be called when a live session dies on its own
// (remote close or read error). It is not called for sessions ended by
// [Manager.Stop]. Only one handler may be registered.
func (m *Manager) OnTerminal(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminal = fn
}

// Start establishes a session if none is live. Calling Start while a session
// is live or another Start is in flight is a no-op returning nil, so racing
// triggers (user action plus automatic reconnect) collapse into one session.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("bridge: manager is stopped")
	}
	if m.starting || m.sess != nil {
		m.mu.Unlock()
		return nil
	}
	m.starting = true
	m.mu.Unlock()

	began := time.Now()
	sess, err := m.connector.Connect(ctx)
	if err != nil {
		m.mu.Lock()
		m.starting = false
		m.mu.Unlock()
		return fmt.Errorf("bridge: connect: %w", err)
	}

	if m.metrics != nil {
		m.metrics.SessionConnectDuration.Record(ctx, time.Since(began).Seconds())
	}

	// The capture device outlives individual sessions: it starts on the
	// first successful connect and keeps running across reconnects, dropping
	// frames while no session is live.
	if err := m.ensureCapture(); err != nil {
		sess.Close()
		m.mu.Lock()
		m.starting = false
		m.mu.Unlock()
		return err
	}

	// Stop may have completed while the dial was in flight; a session must
	// never be installed behind a returned Stop.
	m.mu.Lock()
	if m.closed {
		m.starting = false
		m.mu.Unlock()
		sess.Close()
		return fmt.Errorf("bridge: manager is stopped")
	}
	m.sess = sess
	m.starting = false
	m.wg.Go(func() { m.dispatchAudio(sess) })
	m.wg.Go(func() { m.dispatchInterrupts(sess) })
	m.wg.Go(func() { m.dispatchTranscripts(sess) })
	m.wg.Go(func() { m.watch(sess) })
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, 1)
	}

	slog.Info("bridge: session established", "connect_duration", time.Since(began))
	return nil
}

// ensureCapture starts the capture device on first use. It refuses once the
// manager is stopped so a dial racing Stop cannot acquire the device after
// teardown already ran.
func (m *Manager) ensureCapture() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("bridge: manager is stopped")
	}
	if m.source == nil || m.captureOn {
		m.mu.Unlock()
		return nil
	}
	m.captureOn = true
	m.mu.Unlock()

	if err := m.source.Start(m.handleFrame); err != nil {
		m.mu.Lock()
		m.captureOn = false
		m.mu.Unlock()
		return fmt.Errorf("bridge: start capture: %w", err)
	}
	return nil
}

// handleFrame runs on the capture thread for every recorded frame.
func (m *Manager) handleFrame(samples []float32) {
	sess := m.Current()
	if sess == nil {
		if m.metrics != nil {
			m.metrics.RecordChunkDropped(context.Background(), "no_session")
		}
		return
	}

	pkt := audio.Convert(samples, m.source.SampleRate())
	if len(pkt.Data) == 0 {
		return
	}

	if m.metrics != nil {
		m.metrics.InputLevel.Record(context.Background(), float64(audio.Amplitude(samples)))
	}

	if err := sess.SendAudio(pkt.Data); err != nil {
		slog.Debug("bridge: dropping captured frame", "err", err)
		return
	}
	if m.metrics != nil {
		m.metrics.FramesSent.Add(context.Background(), 1)
	}
}

func (m *Manager) dispatchAudio(sess Session) {
	for chunk := range sess.Audio() {
		if m.metrics != nil {
			m.metrics.ChunksReceived.Add(context.Background(), 1)
		}
		if m.sched != nil {
			m.sched.Enqueue(chunk, audio.Duration(chunk, gemini.OutputRate))
		}
	}
}

func (m *Manager) dispatchInterrupts(sess Session) {
	for range sess.Interrupts() {
		slog.Debug("bridge: user interrupted model speech, flushing playback")
		if m.metrics != nil {
			m.metrics.Interrupts.Add(context.Background(), 1)
		}
		if m.sched != nil {
			m.sched.Interrupt()
		}
		if m.sink != nil {
			m.sink.Flush()
		}
	}
}

func (m *Manager) dispatchTranscripts(sess Session) {
	// The channel must be drained even without a handler: the session blocks
	// on transcript delivery.
	if m.onTranscript == nil {
		audio.Drain(sess.Transcripts())
		return
	}
	for tr := range sess.Transcripts() {
		m.onTranscript(tr)
	}
}

// watch waits for the session to terminate on its own and notifies the
// terminal handler. Sessions detached by stopSession are not reported.
func (m *Manager) watch(sess Session) {
	<-sess.Done()

	m.mu.Lock()
	current := m.sess == sess
	if current {
		m.sess = nil
	}
	handler := m.onTerminal
	m.mu.Unlock()

	if !current {
		return
	}

	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}

	err := sess.Err()
	if err != nil {
		slog.Warn("bridge: session terminated", "err", err)
	} else {
		slog.Info("bridge: session closed by remote")
	}

	if handler != nil {
		handler(err)
	}
}

// stopSession detaches and closes the live session, if any. The watch
// goroutine observes the detachment and skips the terminal notification.
func (m *Manager) stopSession() {
	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	m.mu.Unlock()

	if sess == nil {
		return
	}
	sess.Close()
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// Current returns the live session, or nil.
func (m *Manager) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Live reports whether a session is currently established.
func (m *Manager) Live() bool {
	return m.Current() != nil
}

// Stop tears down the session and all attached devices. It waits for the
// dispatch goroutines to drain and is idempotent. Teardown errors are
// collected and reported best-effort; the manager is unusable afterwards.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	captureOn := m.captureOn
	m.mu.Unlock()

	m.stopSession()
	m.wg.Wait()

	// Teardown in reverse order of construction.
	var errs []error
	if m.sched != nil {
		errs = append(errs, m.sched.Close())
	}
	if m.sink != nil {
		errs = append(errs, m.sink.Close())
	}
	if captureOn {
		errs = append(errs, m.source.Close())
	}
	return errors.Join(errs...)
}
