package state

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// MemoryStore keeps marks in process. Used when no Valkey endpoint is
// configured.
type MemoryStore struct {
	// Endpoint id -> disabled_until (unix nanoseconds)
	state   map[string]int64
	stateMu sync.RWMutex

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock
}

func NewMemoryStore() (*MemoryStore, func()) {
	return newMemoryStoreWithClock(clock.New())
}

func newMemoryStoreWithClock(clk clock.Clock) (*MemoryStore, func()) {
	s := &MemoryStore{
		state: make(map[string]int64),
		clock: clk,
	}
	stop := s.startCleanup(5 * time.Minute)
	return s, stop
}

func (s *MemoryStore) Disable(ctx context.Context, endpointID string, duration time.Duration) error {
	disabledUntil := s.clock.Now().Add(duration).UnixNano()

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if existing, ok := s.state[endpointID]; ok && existing >= disabledUntil {
		return nil
	}
	s.state[endpointID] = disabledUntil
	return nil
}

func (s *MemoryStore) DisabledFor(ctx context.Context, endpointID string) (time.Duration, error) {
	now := s.clock.Now().UnixNano()

	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	if disabledUntil, ok := s.state[endpointID]; ok && disabledUntil > now {
		return time.Duration(disabledUntil - now), nil
	}
	return 0, nil
}

func (s *MemoryStore) cleanup() {
	now := s.clock.Now().UnixNano()

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for key, disabledUntil := range s.state {
		if disabledUntil <= now {
			delete(s.state, key)
		}
	}
}

func (s *MemoryStore) startCleanup(interval time.Duration) func() {
	ticker := s.clock.Ticker(interval)
	done := make(chan bool)

	go func() {
		for {
			select {
			case <-ticker.C:
				s.cleanup()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}
