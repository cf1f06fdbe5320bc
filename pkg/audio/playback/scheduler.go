// Package playback schedules decoded audio chunks for gapless playback.
//
// A [Scheduler] keeps a monotonic "next start" cursor and the set of
// currently scheduled units. Chunks enqueued in arrival order play
// back-to-back with no gaps or overlaps; an interruption flushes everything
// at once. Delivery happens through an output callback armed with wall-clock
// timers, so the scheduler works in front of any PCM sink.
package playback

import (
	"sync"
	"time"
)

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithClock overrides the wall-clock source. Used in tests to make scheduling
// arithmetic deterministic.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// unit is one scheduled chunk. Owned by the scheduler from enqueue until its
// completion timer fires or it is force-stopped.
type unit struct {
	start      time.Duration
	duration   time.Duration
	startTimer *time.Timer
	doneTimer  *time.Timer
}

// Scheduler schedules PCM chunks for seamless sequential playback.
// All exported methods are safe for concurrent use.
type Scheduler struct {
	output func(pcm []byte)
	now    func() time.Time

	mu         sync.Mutex
	epoch      time.Time // pipeline start; the cursor is an offset from here
	nextStart  time.Duration
	active     map[*unit]struct{}
	onSpeaking func(bool)
	closed     bool
}

// New creates a [Scheduler] delivering chunks to the output callback at their
// scheduled start times. output must not be nil; it is invoked from timer
// goroutines and must not block for extended periods.
func New(output func(pcm []byte), opts ...Option) *Scheduler {
	s := &Scheduler{
		output: output,
		now:    time.Now,
		active: make(map[*unit]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.epoch = s.now()
	return s
}

// OnSpeakingChange registers fn to be called whenever the active set
// transitions between empty and non-empty. Only one handler may be active at
// a time; it is invoked on a new goroutine and must not block.
func (s *Scheduler) OnSpeakingChange(fn func(speaking bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSpeaking = fn
}

// Enqueue schedules pcm for playback at max(cursor, now), advances the cursor
// by duration, and returns the scheduled start offset. The unit removes
// itself from the active set when it finishes naturally.
func (s *Scheduler) Enqueue(pcm []byte, duration time.Duration) time.Duration {
	s.mu.Lock()
	if s.closed {
		start := s.nextStart
		s.mu.Unlock()
		return start
	}

	nowOff := s.now().Sub(s.epoch)
	start := s.nextStart
	if nowOff > start {
		start = nowOff
	}
	s.nextStart = start + duration

	u := &unit{start: start, duration: duration}
	wasEmpty := len(s.active) == 0
	s.active[u] = struct{}{}

	delay := start - nowOff
	u.startTimer = time.AfterFunc(delay, func() { s.begin(u, pcm) })
	u.doneTimer = time.AfterFunc(delay+duration, func() { s.complete(u) })

	fn := s.onSpeaking
	s.mu.Unlock()

	if wasEmpty && fn != nil {
		go fn(true)
	}
	return start
}

// begin delivers the unit's chunk to the output callback unless the unit was
// force-stopped in the meantime.
func (s *Scheduler) begin(u *unit, pcm []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.active[u]; !ok {
		s.mu.Unlock()
		return
	}
	out := s.output
	s.mu.Unlock()

	out(pcm)
}

// complete removes u from the active set after natural playback completion.
func (s *Scheduler) complete(u *unit) {
	s.mu.Lock()
	if _, ok := s.active[u]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, u)
	empty := len(s.active) == 0
	fn := s.onSpeaking
	s.mu.Unlock()

	if empty && fn != nil {
		go fn(false)
	}
}

// Interrupt force-stops every active unit immediately, clears the active set,
// and resets the cursor to zero. Stop failures on already-fired timers are
// swallowed. Invoked when the remote service signals that the user interrupted
// the assistant's speech.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	wasSpeaking := len(s.active) > 0
	for u := range s.active {
		u.startTimer.Stop()
		u.doneTimer.Stop()
	}
	clear(s.active)
	s.nextStart = 0
	fn := s.onSpeaking
	s.mu.Unlock()

	if wasSpeaking && fn != nil {
		go fn(false)
	}
}

// Speaking reports whether any unit is currently scheduled or playing.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0
}

// Close stops all pending units and rejects further enqueues. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for u := range s.active {
		u.startTimer.Stop()
		u.doneTimer.Stop()
	}
	clear(s.active)
	s.mu.Unlock()
	return nil
}
