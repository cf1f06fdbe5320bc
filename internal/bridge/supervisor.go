package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/pkg/device"
)

// defaultRetryDelay is the fixed backoff between reconnection attempts.
const defaultRetryDelay = 3 * time.Second

// State describes where the supervisor currently is in its connect cycle.
type State int

const (
	// StateConnecting means a connection attempt is in flight.
	StateConnecting State = iota

	// StateActive means a session is live.
	StateActive

	// StateError means the last attempt failed or the session died. For
	// transient failures the retry timer is armed and the state reflects the
	// backoff window; for permanent failures (see [device.IsPermanent]) no
	// timer is armed and the state persists until [Supervisor.Retry].
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// SupervisorOption configures a [Supervisor].
type SupervisorOption func(*Supervisor)

// WithRetryDelay overrides the fixed delay between reconnection attempts.
func WithRetryDelay(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.delay = d
		}
	}
}

// WithSupervisorMetrics attaches metrics instruments to the supervisor.
func WithSupervisorMetrics(met *observe.Metrics) SupervisorOption {
	return func(s *Supervisor) { s.metrics = met }
}

// Supervisor drives a [Manager] through connect and retry cycles. Any failure
// enters [StateError]: transient ones schedule exactly one retry on a fixed
// delay, permanent ones (see [device.IsPermanent]) hold the state until
// [Supervisor.Retry]. [Supervisor.Err] carries the failure either way.
// Session deaths observed through the manager's terminal handler restart the
// cycle automatically.
type Supervisor struct {
	manager *Manager
	delay   time.Duration
	metrics *observe.Metrics

	mu      sync.Mutex
	ctx     context.Context
	state   State
	lastErr error
	timer   *time.Timer
	stopped bool

	stopOnce sync.Once
}

// NewSupervisor wires a supervisor to manager. The manager's terminal handler
// is claimed by the supervisor; do not register another.
func NewSupervisor(manager *Manager, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		manager: manager,
		delay:   defaultRetryDelay,
		state:   StateConnecting,
	}
	for _, o := range opts {
		o(s)
	}
	manager.OnTerminal(s.onSessionDeath)
	return s
}

// Start begins the connect cycle. The context governs every dial the
// supervisor makes, including retries. Start returns after the first attempt
// has been made; failures are handled by the retry machinery rather than
// returned.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.attempt()
}

// attempt makes one connection attempt and updates the state machine.
func (s *Supervisor) attempt() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	ctx := s.ctx
	s.mu.Unlock()

	err := s.manager.Start(ctx)
	if err == nil {
		s.mu.Lock()
		s.state = StateActive
		s.lastErr = nil
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordReconnect(ctx, "ok")
		}
		return
	}

	if device.IsPermanent(err) {
		s.mu.Lock()
		s.state = StateError
		s.lastErr = err
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordReconnect(ctx, "permanent")
		}
		slog.Error("supervisor: permanent failure, waiting for explicit retry", "err", err)
		return
	}

	s.mu.Lock()
	s.state = StateError
	s.lastErr = err
	delay := s.delay
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordReconnect(ctx, "error")
	}
	slog.Warn("supervisor: connect failed, retrying", "err", err, "delay", delay)
	s.schedule()
}

// schedule arms the retry timer. At most one timer is pending at any time;
// a second schedule while one is armed is a no-op.
func (s *Supervisor) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		s.attempt()
	})
}

// onSessionDeath runs when a live session terminates on its own. Any death,
// clean or not, is treated as transient: the remote closing the stream is
// recoverable by dialing again. The supervisor sits in [StateError] for the
// backoff window so observers can tell a retry from a healthy first connect.
func (s *Supervisor) onSessionDeath(err error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.lastErr = err
	delay := s.delay
	s.mu.Unlock()

	slog.Info("supervisor: session ended, scheduling reconnect", "err", err, "delay", delay)
	s.schedule()
}

// Retry clears a permanent error and makes an immediate attempt. No-op unless
// the supervisor is parked in [StateError] with no retry timer pending, so a
// transient backoff window cannot be double-fired.
func (s *Supervisor) Retry() {
	s.mu.Lock()
	if s.stopped || s.state != StateError || s.timer != nil {
		s.mu.Unlock()
		return
	}
	s.lastErr = nil
	s.mu.Unlock()
	s.attempt()
}

// SetRetryDelay changes the delay used for future retries. Applied to the
// next scheduled timer, not one already armed.
func (s *Supervisor) SetRetryDelay(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// State returns the current cycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the most recent connection error, or nil while active.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Stop cancels any pending retry and stops the underlying manager.
// Idempotent; returns the manager's teardown error.
func (s *Supervisor) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.mu.Unlock()
		err = s.manager.Stop()
	})
	return err
}
