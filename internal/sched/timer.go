package sched

import "time"

// Timer is a single-slot handle over an EventScheduler. Arming it cancels
// whatever firing was pending in the slot, so a Timer never has more than
// one outstanding firing.
//
// A Timer is owned by the scheduler loop and is not safe for concurrent use.
type Timer struct {
	name  string
	sched EventScheduler

	id       string
	deadline time.Time
	armed    bool
	gen      uint64
}

// NewTimer returns an unarmed timer bound to s.
func NewTimer(name string, s EventScheduler) *Timer {
	return &Timer{name: name, sched: s}
}

// Name returns the label the timer was created with.
func (t *Timer) Name() string { return t.name }

// Arm schedules fn to run d from now, replacing any pending firing.
func (t *Timer) Arm(d time.Duration, fn func()) {
	t.Cancel()

	t.gen++
	gen := t.gen
	t.deadline = t.sched.Now().Add(d)
	t.armed = true
	t.id = t.sched.Schedule(t.deadline, func() {
		// A superseded firing that slipped past Cancel must not run.
		if !t.armed || t.gen != gen {
			return
		}
		t.armed = false
		t.id = ""
		fn()
	})
}

// Cancel drops the pending firing, if any.
func (t *Timer) Cancel() {
	if !t.armed {
		return
	}
	t.sched.Cancel(t.id)
	t.armed = false
	t.id = ""
}

// Pending reports whether a firing is outstanding.
func (t *Timer) Pending() bool { return t.armed }

// Deadline returns the time of the pending firing.
func (t *Timer) Deadline() (time.Time, bool) {
	if !t.armed {
		return time.Time{}, false
	}
	return t.deadline, true
}
