package sched

import (
	"testing"
	"time"
)

func TestTimer_RearmKeepsExactlyOneFiring(t *testing.T) {
	start := time.Unix(0, 0)
	s := NewFakeEventScheduler(start)
	timer := NewTimer("burst", s)

	var fired int
	for i := 0; i < 25; i++ {
		timer.Arm(time.Duration(i+1)*time.Millisecond, func() { fired++ })
		if got := s.Pending(); got != 1 {
			t.Fatalf("after rearm %d: Pending() = %d, want 1", i, got)
		}
	}

	s.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if timer.Pending() {
		t.Fatalf("timer still pending after firing")
	}
}

func TestTimer_LastArmWins(t *testing.T) {
	start := time.Unix(0, 0)
	s := NewFakeEventScheduler(start)
	timer := NewTimer("mitigation", s)

	var firedAt time.Time
	timer.Arm(200*time.Millisecond, func() { firedAt = s.Now() })
	s.Advance(50 * time.Millisecond)
	timer.Arm(200*time.Millisecond, func() { firedAt = s.Now() })

	deadline, ok := timer.Deadline()
	if !ok || !deadline.Equal(start.Add(250*time.Millisecond)) {
		t.Fatalf("Deadline() = %v,%v, want start+250ms", deadline, ok)
	}

	s.Advance(time.Second)
	if !firedAt.Equal(start.Add(250 * time.Millisecond)) {
		t.Fatalf("fired at %v, want start+250ms", firedAt)
	}
}

func TestTimer_CancelPreventsFiring(t *testing.T) {
	s := NewFakeEventScheduler(time.Unix(0, 0))
	timer := NewTimer("burst", s)

	var fired bool
	timer.Arm(time.Millisecond, func() { fired = true })
	timer.Cancel()
	timer.Cancel()

	s.Advance(time.Second)
	if fired {
		t.Fatalf("cancelled timer fired")
	}
	if _, ok := timer.Deadline(); ok {
		t.Fatalf("cancelled timer reports a deadline")
	}
}

func TestTimer_RearmFromOwnCallback(t *testing.T) {
	start := time.Unix(0, 0)
	s := NewFakeEventScheduler(start)
	timer := NewTimer("probe", s)

	var fires []time.Time
	var cb func()
	cb = func() {
		fires = append(fires, s.Now())
		if len(fires) < 3 {
			timer.Arm(100*time.Millisecond, cb)
		}
	}
	timer.Arm(100*time.Millisecond, cb)

	s.Advance(time.Second)
	if len(fires) != 3 {
		t.Fatalf("fires = %d, want 3", len(fires))
	}
	if !fires[2].Equal(start.Add(300 * time.Millisecond)) {
		t.Fatalf("third firing at %v, want start+300ms", fires[2])
	}
}
