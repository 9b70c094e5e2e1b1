package retry

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Policy is an exponential backoff: BaseDelay, 2*BaseDelay, 4*BaseDelay, ...
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Delay returns the wait before the retry with the given zero-based index.
func (p Policy) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	return p.BaseDelay << uint(retry)
}

// Schedule lists every delay the policy allows. E.g., [2s, 4s, 8s]
func (p Policy) Schedule() []time.Duration {
	delays := make([]time.Duration, p.MaxRetries)
	for i := range delays {
		delays[i] = p.Delay(i)
	}
	return delays
}

// State is the bounded retry state machine of one operation.
type State struct {
	policy Policy

	// Number of retries already scheduled.
	Attempt int

	// The operation may not run again before this time.
	NextEligibleAt time.Time
}

func NewState(policy Policy) *State {
	return &State{policy: policy}
}

// Advance schedules the next retry. Returns false once retries are exhausted.
func (s *State) Advance(now time.Time) (time.Duration, bool) {
	if s.Attempt >= s.policy.MaxRetries {
		return 0, false
	}
	delay := s.policy.Delay(s.Attempt)
	s.Attempt++
	s.NextEligibleAt = now.Add(delay)
	return delay, true
}

func (s *State) Exhausted() bool {
	return s.Attempt >= s.policy.MaxRetries
}

// Scheduler suspends the calling goroutine until a delay has passed.
type Scheduler interface {
	// Returns ctx.Err() if the context ends first.
	Wait(ctx context.Context, delay time.Duration) error
}

// ClockScheduler waits on timers of the given clock. With a mock clock, tests
// advance simulated time instead of sleeping.
type ClockScheduler struct {
	clock clock.Clock
}

func NewClockScheduler(clk clock.Clock) *ClockScheduler {
	return &ClockScheduler{clock: clk}
}

func (s *ClockScheduler) Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := s.clock.Timer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RecordingScheduler returns immediately and remembers every requested delay.
// When a mock clock is set, it also advances it by the delay.
type RecordingScheduler struct {
	Clock *clock.Mock

	mutex  sync.Mutex
	delays []time.Duration
}

func (s *RecordingScheduler) Wait(ctx context.Context, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mutex.Lock()
	s.delays = append(s.delays, delay)
	s.mutex.Unlock()
	if s.Clock != nil {
		s.Clock.Add(delay)
	}
	return nil
}

func (s *RecordingScheduler) Delays() []time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]time.Duration(nil), s.delays...)
}
