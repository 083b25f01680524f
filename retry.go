package proxymon

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// RetryTarget identifies what the host should re-issue, e.g. a tab id.
type RetryTarget string

// Valid reports whether the target can be acted upon. Empty targets and the
// host's "-1" placeholder are not.
func (t RetryTarget) Valid() bool {
	s := strings.TrimSpace(string(t))
	return s != "" && s != "-1"
}

// RetryRequest is handed to the RetryFunc when a backoff delay elapses.
type RetryRequest struct {
	RequestID string
	URL       string
	Target    RetryTarget
	Attempt   int
	Delay     time.Duration
}

// RetryFunc re-issues a failed request on the host.
type RetryFunc func(RetryRequest)

// RetryScheduler tracks per-request attempt counts and arms backoff timers.
type RetryScheduler struct {
	clock      clock.Clock
	maxRetries int
	base       time.Duration

	mu         sync.Mutex
	attempts   map[string]int
	timers     map[uint64]*clock.Timer
	nextHandle uint64
	generation uint64

	fired   atomic.Uint64
	skipped atomic.Uint64
}

// NewRetryScheduler creates a scheduler for cfg driven by clk.
func NewRetryScheduler(cfg RetryConfig, clk clock.Clock) *RetryScheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &RetryScheduler{
		clock:      clk,
		maxRetries: cfg.MaxRetries,
		base:       cfg.BackoffBase,
		attempts:   make(map[string]int),
		timers:     make(map[uint64]*clock.Timer),
	}
}

// Backoff returns base * 2^attempt, saturating instead of overflowing.
func (s *RetryScheduler) Backoff(attempt int) time.Duration {
	d := float64(s.base) * math.Pow(2, float64(attempt))
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ShouldRetry reports whether id has retries left.
func (s *RetryScheduler) ShouldRetry(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[id] < s.maxRetries
}

// Attempts returns the number of retries scheduled so far for id.
func (s *RetryScheduler) Attempts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[id]
}

// Schedule records one more attempt for id and runs action after the
// backoff delay for the attempt that was current before the increment.
// A nil action still arms the timer.
func (s *RetryScheduler) Schedule(id string, action func()) (attempt int, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt = s.attempts[id]
	s.attempts[id] = attempt + 1
	delay = s.Backoff(attempt)

	handle := s.nextHandle
	s.nextHandle++
	gen := s.generation
	s.timers[handle] = s.clock.AfterFunc(delay, func() {
		if !s.release(handle, gen) {
			return
		}
		s.fired.Add(1)
		if action != nil {
			action()
		}
	})
	return attempt, delay
}

// release drops the timer handle. It returns false when the scheduler was
// reset after the timer was armed.
func (s *RetryScheduler) release(handle, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	delete(s.timers, handle)
	return true
}

// GiveUp forgets id and returns the attempts that were made.
func (s *RetryScheduler) GiveUp(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.attempts[id]
	delete(s.attempts, id)
	return n
}

// Succeed forgets id after a successful completion. It reports whether id
// had an outstanding retry state.
func (s *RetryScheduler) Succeed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.attempts[id]
	delete(s.attempts, id)
	return ok
}

// Active returns the number of ids with outstanding retry state.
func (s *RetryScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

// Pending returns the number of armed timers.
func (s *RetryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Fired returns how many timers ran to completion since construction.
func (s *RetryScheduler) Fired() uint64 { return s.fired.Load() }

// Skipped returns how many fired timers had no valid target to re-issue.
func (s *RetryScheduler) Skipped() uint64 { return s.skipped.Load() }

func (s *RetryScheduler) markSkipped() { s.skipped.Add(1) }

// Reset stops every pending timer and clears all attempt counters.
func (s *RetryScheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for handle, t := range s.timers {
		t.Stop()
		delete(s.timers, handle)
	}
	s.attempts = make(map[string]int)
	s.generation++
}
