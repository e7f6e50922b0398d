package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// TimerMetrics tracks timer operational counters.
type TimerMetrics struct {
	Pending   int64 `json:"pending"`
	Active    int64 `json:"active"`
	Fired     int64 `json:"fired"`
	Cancelled int64 `json:"cancelled"`
	Panics    int64 `json:"panics"`
}

// ErrTimersStopped is returned when a timer is scheduled after Stop.
var ErrTimersStopped = errors.New("timer set is stopped")

type timerEntry struct {
	token string
	timer *time.Timer
}

// TimerSet holds the in-process resume timers, at most one per run. Timers
// are best-effort: they live in memory only and do not survive a restart.
// Callbacks run with bounded concurrency; a full set delays callbacks rather
// than dropping them.
type TimerSet struct {
	mu      sync.Mutex
	entries map[string]timerEntry
	sem     chan struct{}
	wg      sync.WaitGroup
	done    chan struct{}
	closed  bool

	base   context.Context
	cancel context.CancelFunc

	fired, cancelled, active, panics atomic.Int64
}

// NewTimerSet creates a set whose callbacks run at most concurrency at a time.
func NewTimerSet(concurrency int) *TimerSet {
	if concurrency <= 0 {
		concurrency = 1
	}
	base, cancel := context.WithCancel(context.Background())
	return &TimerSet{
		entries: make(map[string]timerEntry),
		sem:     make(chan struct{}, concurrency),
		done:    make(chan struct{}),
		base:    base,
		cancel:  cancel,
	}
}

// Schedule arms a timer for runID, replacing any timer the run already has.
// fn receives the token it was scheduled with so it can detect staleness.
func (s *TimerSet) Schedule(runID, token string, after time.Duration, fn func(ctx context.Context, token string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrTimersStopped
	}
	if prev, ok := s.entries[runID]; ok {
		prev.timer.Stop()
	}
	s.entries[runID] = timerEntry{
		token: token,
		timer: time.AfterFunc(max(after, 0), func() { s.fire(runID, token, fn) }),
	}
	return nil
}

// Cancel stops the timer of runID. It reports whether a pending timer was
// stopped before firing.
func (s *TimerSet) Cancel(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[runID]
	if !ok {
		return false
	}
	delete(s.entries, runID)
	stopped := entry.timer.Stop()
	if stopped {
		s.cancelled.Add(1)
	}
	return stopped
}

// Token returns the token of the timer currently armed for runID.
func (s *TimerSet) Token(runID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[runID]
	return entry.token, ok
}

func (s *TimerSet) fire(runID, token string, fn func(ctx context.Context, token string)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if entry, ok := s.entries[runID]; ok && entry.token == token {
		delete(s.entries, runID)
	}
	// wg.Add must happen under the lock so Stop cannot miss this callback.
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	select {
	case s.sem <- struct{}{}:
	case <-s.done:
		return
	}
	s.fired.Add(1)
	s.active.Add(1)
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
		}
		s.active.Add(-1)
		<-s.sem
	}()

	fn(s.base, token)
}

// Stop disarms every pending timer, refuses new ones and waits for running
// callbacks until ctx is done, at which point their context is cancelled.
func (s *TimerSet) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
		for id, entry := range s.entries {
			if entry.timer.Stop() {
				s.cancelled.Add(1)
			}
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	defer s.cancel()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the timer counters.
func (s *TimerSet) Metrics() TimerMetrics {
	s.mu.Lock()
	pending := int64(len(s.entries))
	s.mu.Unlock()
	return TimerMetrics{
		Pending:   pending,
		Active:    s.active.Load(),
		Fired:     s.fired.Load(),
		Cancelled: s.cancelled.Load(),
		Panics:    s.panics.Load(),
	}
}
