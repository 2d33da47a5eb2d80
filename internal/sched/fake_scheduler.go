package sched

import (
	"sync"
	"time"
)

// FakeEventScheduler is an EventScheduler that owns its clock. Tests move
// time forward with Advance or AdvanceTo and due events run
// deterministically on the calling goroutine.
type FakeEventScheduler struct {
	mu    sync.Mutex
	now   time.Time
	queue eventQueue
}

func NewFakeEventScheduler(start time.Time) *FakeEventScheduler {
	return &FakeEventScheduler{
		now:   start,
		queue: newEventQueue("fake-ev-"),
	}
}

func (s *FakeEventScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *FakeEventScheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.push(at, f)
}

func (s *FakeEventScheduler) Cancel(id string) {
	s.mu.Lock()
	s.queue.remove(id)
	s.mu.Unlock()
}

// Pending reports how many events are scheduled and not cancelled.
func (s *FakeEventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.size()
}

// RunDue executes all events whose scheduled time is <= now.
func (s *FakeEventScheduler) RunDue() {
	for {
		s.mu.Lock()
		fn, ok := s.queue.popDue(s.now)
		s.mu.Unlock()
		if !ok {
			return
		}
		if fn != nil {
			fn()
		}
	}
}

// AdvanceTo steps through every pending event up to t in time order,
// setting Now() to each event's time before running it, then settles at t.
// Time never goes backwards.
func (s *FakeEventScheduler) AdvanceTo(t time.Time) {
	for {
		s.mu.Lock()
		if t.Before(s.now) {
			s.mu.Unlock()
			return
		}
		next, ok := s.queue.next()
		if !ok || next.After(t) {
			s.now = t
			s.mu.Unlock()
			s.RunDue()
			return
		}
		if next.After(s.now) {
			s.now = next
		}
		s.mu.Unlock()
		s.RunDue()
	}
}

// Advance moves time forward by d.
func (s *FakeEventScheduler) Advance(d time.Duration) {
	s.AdvanceTo(s.Now().Add(d))
}
