package bridge_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicebridge/internal/bridge"
	"github.com/MrWong99/voicebridge/pkg/device"
)

// flakyConnector fails a configurable number of times before succeeding.
type flakyConnector struct {
	mu       sync.Mutex
	failures int
	err      error
	attempts int
	sessions []*fakeSession
}

func (c *flakyConnector) Connect(context.Context) (bridge.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.failures > 0 {
		c.failures--
		return nil, c.err
	}
	sess := newFakeSession()
	c.sessions = append(c.sessions, sess)
	return sess, nil
}

func (c *flakyConnector) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *flakyConnector) lastSession() *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return nil
	}
	return c.sessions[len(c.sessions)-1]
}

func TestSupervisor_ActivatesOnFirstAttempt(t *testing.T) {
	t.Parallel()
	conn := &flakyConnector{}
	sup := bridge.NewSupervisor(bridge.NewManager(conn), bridge.WithRetryDelay(10*time.Millisecond))
	defer sup.Stop()

	sup.Start(context.Background())

	if got := sup.State(); got != bridge.StateActive {
		t.Errorf("State = %v; want active", got)
	}
	if err := sup.Err(); err != nil {
		t.Errorf("Err = %v; want nil", err)
	}
	if conn.attemptCount() != 1 {
		t.Errorf("attempts = %d; want 1", conn.attemptCount())
	}
}

func TestSupervisor_RetriesTransientFailures(t *testing.T) {
	t.Parallel()
	conn := &flakyConnector{failures: 2, err: errors.New("dial refused")}
	sup := bridge.NewSupervisor(bridge.NewManager(conn), bridge.WithRetryDelay(10*time.Millisecond))
	defer sup.Stop()

	sup.Start(context.Background())

	// The backoff window is observable: error state with the failure exposed,
	// distinguishable from a healthy first connect.
	if got := sup.State(); got != bridge.StateError {
		t.Errorf("State during backoff = %v; want error", got)
	}
	if sup.Err() == nil {
		t.Error("Err = nil during backoff; want the transient failure")
	}

	waitFor(t, func() bool { return sup.State() == bridge.StateActive }, "supervisor to become active")
	if err := sup.Err(); err != nil {
		t.Errorf("Err after recovery = %v; want nil", err)
	}
	if conn.attemptCount() != 3 {
		t.Errorf("attempts = %d; want 3", conn.attemptCount())
	}
}

func TestSupervisor_RetryIsNoOpWhileBackoffPending(t *testing.T) {
	t.Parallel()
	conn := &flakyConnector{failures: 100, err: errors.New("dial refused")}
	sup := bridge.NewSupervisor(bridge.NewManager(conn), bridge.WithRetryDelay(200*time.Millisecond))
	defer sup.Stop()

	sup.Start(context.Background())
	if got := sup.State(); got != bridge.StateError {
		t.Fatalf("State = %v; want error", got)
	}

	// Only the armed timer may fire the next attempt.
	sup.Retry()
	time.Sleep(50 * time.Millisecond)
	if conn.attemptCount() != 1 {
		t.Errorf("attempts = %d after Retry during backoff; want 1", conn.attemptCount())
	}
}

func TestSupervisor_SessionDeathEntersErrorDuringBackoff(t *testing.T) {
	t.Parallel()
	conn := &flakyConnector{}
	sup := bridge.NewSupervisor(bridge.NewManager(conn), bridge.WithRetryDelay(20*time.Millisecond))
	defer sup.Stop()

	sup.Start(context.Background())

	// Make every follow-up dial fail so the error state is observable.
	conn.mu.Lock()
	conn.failures = 1000
	conn.err = errors.New("dial refused")
	conn.mu.Unlock()

	conn.lastSession().Terminate(errors.New("connection reset"))

	waitFor(t, func() bool { return sup.State() == bridge.StateError }, "error state after session death")
	if sup.Err() == nil {
		t.Error("Err = nil while reconnecting; want the session failure")
	}
}

func TestSupervisor_PermanentFailureWaitsForExplicitRetry(t *testing.T) {
	t.Parallel()
	conn := &flakyConnector{
		failures: 1,
		err:      fmt.Errorf("open input stream: %w", device.ErrNoDevice),
	}
	sup := bridge.NewSupervisor(bridge.NewManager(conn), bridge.WithRetryDelay(10*time.Millisecond))
	defer sup.Stop()

	sup.Start(context.Background())

	if got := sup.State(); got != bridge.StateError {
		t.Fatalf("State = %v; want error", got)
	}
	if err := sup.Err(); !errors.Is(err, device.ErrNoDevice) {
		t.Errorf("Err = %v; want wrapped ErrNoDevice", err)
	}

	// No automatic retry should happen.
	time.Sleep(50 * time.Millisecond)
	if conn.attemptCount() != 1 {
		t.Fatalf("attempts = %d after permanent failure; want 1", conn.attemptCount())
	}

	sup.Retry()
	if got := sup.State(); got != bridge.StateActive {
		t.Errorf("State after Retry = %v; want active", got)
	}
	if conn.attemptCount() != 2 {
		t.Errorf("attempts = %d after Retry; want 2", conn.attemptCount())
	}
}

func TestSupervisor_RetryIsNoOpWhileActive(t *testing.T) {
	t.Parallel()
	conn := &flakyConnector{}
	sup := bridge.NewSupervisor(bridge.NewManager(conn), bridge.WithRetryDelay(10*time.Millisecond))
	defer sup.Stop()

	sup.Start(context.Background())
	sup.Retry()

	if conn.attemptCount() != 1 {
		t.Errorf("attempts = %d; want 1", conn.attemptCount())
	}
}

func TestSupervisor_ReconnectsAfterSessionDeath(t *testing.T) {
	t.Parallel()
	conn := &flakyConnector{}
	sup := bridge.NewSupervisor(bridge.NewManager(conn), bridge.WithRetryDelay(10*time.Millisecond))
	defer sup.Stop()

	sup.Start(context.Background())
	conn.lastSession().Terminate(errors.New("connection reset"))

	waitFor(t, func() bool { return conn.attemptCount() == 2 }, "reconnect attempt")
	waitFor(t, func() bool { return sup.State() == bridge.StateActive }, "supervisor to recover")
}

func TestSupervisor_StopCancelsPendingRetry(t *testing.T) {
	t.Parallel()
	conn := &flakyConnector{failures: 100, err: errors.New("dial refused")}
	sup := bridge.NewSupervisor(bridge.NewManager(conn), bridge.WithRetryDelay(30*time.Millisecond))

	sup.Start(context.Background())
	if err := sup.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if conn.attemptCount() != 1 {
		t.Errorf("attempts = %d after Stop; want 1", conn.attemptCount())
	}

	if err := sup.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	cases := []struct {
		state bridge.State
		want  string
	}{
		{bridge.StateConnecting, "connecting"},
		{bridge.StateActive, "active"},
		{bridge.StateError, "error"},
		{bridge.State(42), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q; want %q", tc.state, got, tc.want)
		}
	}
}
