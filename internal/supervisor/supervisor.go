// Package supervisor provides the background polling service that watches
// for overdue traces.
//
// The supervisor is an explicitly constructed, explicitly stoppable service:
// it starts lazily on first demand, invokes its sweep callback on a fixed
// interval, stops itself once the sweep has reported nothing to watch for a
// grace period, and can be restarted at any time. The sweep callback owns
// all domain logic; this package owns only the goroutine lifecycle.
package supervisor

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweep inspects the watched set at the given instant and returns how many
// entries remain under watch.
type Sweep func(now time.Time) int

// Supervisor runs a Sweep on a fixed interval in a single goroutine.
type Supervisor struct {
	interval  time.Duration
	idleAfter time.Duration
	sweep     Sweep
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a supervisor. The loop is not started until EnsureRunning.
func New(interval, idleAfter time.Duration, sweep Sweep, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		interval:  interval,
		idleAfter: idleAfter,
		sweep:     sweep,
		logger:    logger,
	}
}

// EnsureRunning starts the polling loop if it is not already running.
// Called on every trace creation; cheap when already running.
func (s *Supervisor) EnsureRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(s.stop, s.done)
	s.logger.Debug("timeout supervisor started", zap.Duration("interval", s.interval))
}

// Running reports whether the polling loop is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop halts the polling loop and waits for it to exit. Safe to call when
// not running, and safe to call concurrently.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
}

// selfStop marks the loop as stopped from inside the loop goroutine. A
// concurrent Stop may have already done so; the double write is harmless.
func (s *Supervisor) selfStop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Supervisor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var idleSince time.Time

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			active := s.sweep(now)
			if active > 0 {
				idleSince = time.Time{}
				continue
			}
			if idleSince.IsZero() {
				idleSince = now
				continue
			}
			if now.Sub(idleSince) >= s.idleAfter {
				// Nothing to watch; stop polling. EnsureRunning restarts
				// the loop when the next trace is created.
				s.selfStop()
				s.logger.Debug("timeout supervisor idle, stopping")
				return
			}
		}
	}
}
