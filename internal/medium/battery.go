package medium

import (
	"sync"

	"github.com/signalsfoundry/reactive-jammer/internal/jammer"
)

var (
	_ jammer.PowerSource = (*Battery)(nil)
	_ EnergyMeter        = (*Battery)(nil)
)

// Battery is a jammer.PowerSource with a finite joule budget. A capacity
// of zero or less never depletes.
type Battery struct {
	mu         sync.Mutex
	capacity   float64
	remaining  float64
	onDepleted func()
}

func NewBattery(capacityJ float64) *Battery {
	return &Battery{capacity: capacityJ, remaining: capacityJ}
}

// OnDepleted registers fn to run on each Drain call that empties the
// battery; after a Recharge it can fire again.
func (b *Battery) OnDepleted(fn func()) {
	b.mu.Lock()
	b.onDepleted = fn
	b.mu.Unlock()
}

func (b *Battery) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity <= 0 || b.remaining > 0
}

func (b *Battery) Drain(joules float64) {
	b.mu.Lock()
	if b.capacity <= 0 || b.remaining <= 0 || joules <= 0 {
		b.mu.Unlock()
		return
	}
	b.remaining -= joules
	var fn func()
	if b.remaining <= 0 {
		b.remaining = 0
		fn = b.onDepleted
	}
	b.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Remaining returns the unspent budget in joules; unlimited batteries
// report their (non-positive) capacity.
func (b *Battery) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

// Recharge restores the full capacity.
func (b *Battery) Recharge() {
	b.mu.Lock()
	b.remaining = b.capacity
	b.mu.Unlock()
}
