// Package lanes provides two-level FIFO admission control for runs: one
// lane per session (concurrency 1) plus a shared global lane (default
// concurrency 4). A run holds both slots for its whole duration, so a
// session's state machine stays single-threaded while the global cap bounds
// provider pressure.
package lanes

import (
	"context"
	"sync"
)

// DefaultGlobalSlots is the global lane concurrency when none is configured.
const DefaultGlobalSlots = 4

// lane is a FIFO semaphore. Unlike a buffered channel, waiters are granted
// slots in strict enqueue order.
type lane struct {
	mu      sync.Mutex
	slots   int
	active  int
	waiters []chan struct{}
}

func newLane(slots int) *lane {
	if slots < 1 {
		slots = 1
	}
	return &lane{slots: slots}
}

func (l *lane) acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.active < l.slots && len(l.waiters) == 0 {
		l.active++
		l.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ready {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// The slot was granted concurrently with cancellation; give it back.
		l.release()
		return ctx.Err()
	}
}

func (l *lane) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		close(next)
		return
	}
	if l.active > 0 {
		l.active--
	}
}

func (l *lane) depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

// Scheduler admits runs through their session lane first, then the global
// lane. Session-first ordering keeps a saturated global lane from starving
// later arrivals on an idle session.
type Scheduler struct {
	mu       sync.Mutex
	global   *lane
	sessions map[string]*lane
}

// NewScheduler builds a scheduler with the given global concurrency.
func NewScheduler(globalSlots int) *Scheduler {
	if globalSlots < 1 {
		globalSlots = DefaultGlobalSlots
	}
	return &Scheduler{
		global:   newLane(globalSlots),
		sessions: make(map[string]*lane),
	}
}

func (s *Scheduler) sessionLane(sessionKey string) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.sessions[sessionKey]
	if !ok {
		l = newLane(1)
		s.sessions[sessionKey] = l
	}
	return l
}

// Acquire blocks until the run holds a slot in both lanes, or the context
// is cancelled. On success the returned release function must be called
// exactly once; it is safe against double calls.
func (s *Scheduler) Acquire(ctx context.Context, sessionKey string) (func(), error) {
	session := s.sessionLane(sessionKey)
	if err := session.acquire(ctx); err != nil {
		return nil, err
	}
	if err := s.global.acquire(ctx); err != nil {
		session.release()
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.global.release()
			session.release()
		})
	}, nil
}

// AcquireSession blocks for the session lane only, without consuming a
// global slot. Used by maintenance operations that must serialize with a
// session's runs but make no provider calls.
func (s *Scheduler) AcquireSession(ctx context.Context, sessionKey string) (func(), error) {
	session := s.sessionLane(sessionKey)
	if err := session.acquire(ctx); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(session.release) }, nil
}

// GlobalWaiting reports how many runs are queued on the global lane.
func (s *Scheduler) GlobalWaiting() int {
	return s.global.depth()
}

// SessionWaiting reports how many runs are queued on a session lane.
func (s *Scheduler) SessionWaiting(sessionKey string) int {
	return s.sessionLane(sessionKey).depth()
}
