// Package timectrl owns simulation time for a run. A TimeController steps
// a virtual clock by a fixed tick, either paced by the wall clock or as
// fast as the listeners allow, and calls its listeners after every step.
package timectrl

import (
	"context"
	"slices"
	"sync"
	"time"
)

// SimClock is the read side of simulation time.
type SimClock interface {
	Now() time.Time
}

// Mode selects how ticks are paced.
type Mode int

const (
	// RealTime waits one wall-clock tick per simulated tick.
	RealTime Mode = iota
	// Accelerated steps back to back.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// TimeController implements SimClock. Listeners run on the Run goroutine,
// in registration order, after the clock has moved.
type TimeController struct {
	start time.Time
	tick  time.Duration
	mode  Mode

	mu        sync.RWMutex
	now       time.Time
	listeners []func(time.Time)
}

func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{start: start, tick: tick, mode: mode, now: start}
}

func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.now
}

// Elapsed is the simulated time since the start instant.
func (tc *TimeController) Elapsed() time.Duration {
	return tc.Now().Sub(tc.start)
}

// AddListener must be called before Run; later registrations are ignored
// by a Run already in progress.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// Run advances the clock from its start instant until duration has been
// simulated or ctx is done, whichever is first. A zero duration runs until
// ctx is done. The returned channel closes when the loop exits.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})

	tc.mu.Lock()
	tc.now = tc.start
	listeners := slices.Clone(tc.listeners)
	tc.mu.Unlock()

	go func() {
		defer close(done)

		var pace <-chan time.Time
		if tc.mode == RealTime {
			ticker := time.NewTicker(tc.tick)
			defer ticker.Stop()
			pace = ticker.C
		}

		for step := tc.start.Add(tc.tick); duration <= 0 || !step.After(tc.start.Add(duration)); step = step.Add(tc.tick) {
			if pace != nil {
				select {
				case <-ctx.Done():
					return
				case <-pace:
				}
			} else if ctx.Err() != nil {
				return
			}

			tc.mu.Lock()
			tc.now = step
			tc.mu.Unlock()

			for _, fn := range listeners {
				fn(step)
			}
		}
	}()
	return done
}
