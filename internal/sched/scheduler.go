// Package sched provides the cooperative, simulation-time event loop the
// jammer runs on: an EventScheduler that executes callbacks one at a time
// and a single-slot Timer built on top of it.
package sched

import (
	"sync"
	"time"

	"github.com/signalsfoundry/reactive-jammer/timectrl"
)

// EventScheduler schedules callbacks to run at specific simulation times
// based on a SimClock implementation.
//
// The host loop advances simulation time and calls RunDue after each
// advance. Callbacks run sequentially on the goroutine that calls RunDue,
// which is what lets the jamming controller mutate its state without locks.
// Schedule and Cancel may be called from any goroutine; this is how a
// background round trip posts its result back onto the loop.
type EventScheduler interface {
	// Schedule registers a callback f to run at simulation time 'at'.
	// It returns an opaque event ID that can be used to cancel the event.
	Schedule(at time.Time, f func()) (id string)

	// Cancel attempts to cancel a previously scheduled event.
	// It is a no-op if the ID is unknown or the event already ran.
	Cancel(id string)

	// Now returns the current simulation time.
	Now() time.Time

	// RunDue executes all events whose scheduled time is <= Now().
	// Already-run events never run again.
	RunDue()
}

// eventScheduler is the SimClock-backed EventScheduler used by the runner.
type eventScheduler struct {
	clock timectrl.SimClock

	mu    sync.Mutex
	queue eventQueue
}

// NewEventScheduler creates a new event scheduler backed by the given SimClock.
func NewEventScheduler(clock timectrl.SimClock) EventScheduler {
	return &eventScheduler{
		clock: clock,
		queue: newEventQueue("ev-"),
	}
}

func (s *eventScheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.push(at, f)
}

func (s *eventScheduler) Cancel(id string) {
	s.mu.Lock()
	s.queue.remove(id)
	s.mu.Unlock()
}

func (s *eventScheduler) Now() time.Time {
	return s.clock.Now()
}

// Pending reports how many events are scheduled and not cancelled.
func (s *eventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.size()
}

// RunDue executes all events whose scheduled time is <= Now(), including
// events scheduled by callbacks for an instant that is already due.
func (s *eventScheduler) RunDue() {
	now := s.clock.Now()
	for {
		s.mu.Lock()
		fn, ok := s.queue.popDue(now)
		s.mu.Unlock()
		if !ok {
			return
		}
		// Callbacks run unlocked so they can Schedule and Cancel.
		if fn != nil {
			fn()
		}
	}
}
