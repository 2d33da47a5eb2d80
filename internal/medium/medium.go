// Package medium simulates the radio environment a jammer works in: a
// victim link that transmits in bursts on one channel and hops away once
// it has been jammed for long enough. Signal levels are fixed constants;
// there is no propagation model.
package medium

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/signalsfoundry/reactive-jammer/internal/jammer"
	"github.com/signalsfoundry/reactive-jammer/internal/sched"
)

// ErrInvalidChannel is returned by SwitchChannel for a channel the medium
// does not have.
var ErrInvalidChannel = errors.New("invalid channel")

// Listener receives activity and burst notifications. *jammer.Controller
// implements it.
type Listener interface {
	OnChannelActivityStart(sig jammer.ActivitySignal) bool
	OnChannelActivityEnd(sig jammer.ActivitySignal) bool
	OnBurstComplete(actualPowerW float64)
}

// EnergyMeter is charged for every burst the medium radiates.
type EnergyMeter interface {
	Drain(joules float64)
}

// Config describes the simulated channel set and victim link.
type Config struct {
	// NumChannels is the number of channels the radio can tune to,
	// numbered 0..NumChannels-1.
	NumChannels    uint16
	InitialChannel uint16
	// VictimChannel is where the victim starts transmitting.
	VictimChannel uint16
	// HopBound limits victim hops to [1, HopBound-1].
	HopBound uint16

	VictimRSSW  float64
	NoiseFloorW float64

	// ActivityOn and ActivityGap shape the victim's on/off traffic.
	ActivityOn  time.Duration
	ActivityGap time.Duration
	// PacketInterval spaces victim packets within one activity.
	PacketInterval time.Duration
	// HopAfter is how much jammed airtime the victim tolerates on a
	// channel before moving. Zero disables hopping.
	HopAfter time.Duration

	Seed uint64
}

// DefaultConfig returns an 11-channel medium with a victim starting on
// channel 1 and hopping within channels 1..9.
func DefaultConfig() Config {
	return Config{
		NumChannels:    11,
		InitialChannel: 1,
		VictimChannel:  1,
		HopBound:       jammer.DefaultChannelBound,
		VictimRSSW:     1e-7,
		NoiseFloorW:    1e-13,
		ActivityOn:     20 * time.Millisecond,
		ActivityGap:    30 * time.Millisecond,
		PacketInterval: time.Millisecond,
		HopAfter:       12 * time.Millisecond,
	}
}

// Validate reports configuration that would make the medium misbehave.
func (c Config) Validate() error {
	switch {
	case c.NumChannels < 2:
		return fmt.Errorf("medium: need at least 2 channels, got %d", c.NumChannels)
	case c.InitialChannel >= c.NumChannels:
		return fmt.Errorf("medium: initial channel %d outside %d channels", c.InitialChannel, c.NumChannels)
	case c.VictimChannel >= c.NumChannels:
		return fmt.Errorf("medium: victim channel %d outside %d channels", c.VictimChannel, c.NumChannels)
	case c.HopBound < 2 || c.HopBound > c.NumChannels:
		return fmt.Errorf("medium: hop bound %d must be in [2, %d]", c.HopBound, c.NumChannels)
	case c.ActivityOn <= 0 || c.ActivityGap < 0:
		return fmt.Errorf("medium: activity on %s / gap %s", c.ActivityOn, c.ActivityGap)
	case c.PacketInterval <= 0:
		return fmt.Errorf("medium: packet interval %s must be > 0", c.PacketInterval)
	case c.VictimRSSW <= 0 || c.NoiseFloorW <= 0:
		return fmt.Errorf("medium: signal levels must be > 0")
	}
	return nil
}

// Stats counts victim traffic and jamming outcomes.
type Stats struct {
	VictimChannel  uint16
	VictimHops     uint64
	Activities     uint64
	PacketsSent    uint64
	PacketsLost    uint64
	Bursts         uint64
	RejectedBursts uint64
	EnergyJ        float64
}

type burst struct {
	channel    uint16
	start, end time.Time
}

type activity struct {
	channel uint16
	start   time.Time
	end     time.Time
}

var _ jammer.ChannelMedium = (*Medium)(nil)

// Medium is a jammer.ChannelMedium driven by an EventScheduler. Listener
// callbacks run on the scheduler loop; the query methods are safe from any
// goroutine.
type Medium struct {
	cfg   Config
	sched sched.EventScheduler
	rng   *rand.Rand

	activityTimer *sched.Timer
	burstTimer    *sched.Timer

	mu        sync.Mutex
	listener  Listener
	meter     EnergyMeter
	current   uint16
	victim    uint16
	active    *activity
	bursts    []burst
	busyUntil time.Time
	jammedFor time.Duration
	rssW      float64
	stats     Stats
}

// New builds a medium on s. Start begins victim traffic.
func New(cfg Config, s sched.EventScheduler) (*Medium, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Medium{
		cfg:           cfg,
		sched:         s,
		rng:           rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		activityTimer: sched.NewTimer("victim-activity", s),
		burstTimer:    sched.NewTimer("burst-complete", s),
		current:       cfg.InitialChannel,
		victim:        cfg.VictimChannel,
		rssW:          cfg.NoiseFloorW,
	}, nil
}

// SetListener registers the receiver of activity and burst callbacks.
func (m *Medium) SetListener(l Listener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

// SetEnergyMeter charges every radiated burst to meter.
func (m *Medium) SetEnergyMeter(meter EnergyMeter) {
	m.mu.Lock()
	m.meter = meter
	m.mu.Unlock()
}

// Start schedules the first victim activity now. Call on the loop.
func (m *Medium) Start() {
	m.activityTimer.Arm(0, m.activityStart)
}

// Stop cancels victim traffic and any pending burst completion.
func (m *Medium) Stop() {
	m.activityTimer.Cancel()
	m.burstTimer.Cancel()
}

func (m *Medium) SendJammingSignal(powerW float64, duration time.Duration) float64 {
	now := m.sched.Now()

	m.mu.Lock()
	if powerW <= 0 || now.Before(m.busyUntil) {
		m.stats.RejectedBursts++
		m.mu.Unlock()
		return 0
	}
	end := now.Add(duration)
	m.busyUntil = end
	m.bursts = append(m.bursts, burst{channel: m.current, start: now, end: end})
	m.stats.Bursts++
	energy := powerW * duration.Seconds()
	m.stats.EnergyJ += energy
	meter := m.meter
	m.mu.Unlock()

	if meter != nil {
		meter.Drain(energy)
	}
	m.burstTimer.Arm(duration, func() { m.burstComplete(powerW) })
	return powerW
}

func (m *Medium) ChannelInfo() jammer.ChannelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return jammer.ChannelInfo{CurrentChannel: m.current, NumChannels: m.cfg.NumChannels}
}

// SignalStrength is the victim's received strength while it is active on
// the tuned channel, otherwise the noise floor.
func (m *Medium) SignalStrength() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rssW
}

func (m *Medium) SignalStrengthDbm() float64 {
	return WattsToDbm(m.SignalStrength())
}

// PacketDeliveryRatio is the fraction of victim packets so far that were
// not hit by a burst, or 1 before any traffic.
func (m *Medium) PacketDeliveryRatio() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats.PacketsSent == 0 {
		return 1
	}
	return float64(m.stats.PacketsSent-m.stats.PacketsLost) / float64(m.stats.PacketsSent)
}

func (m *Medium) SwitchChannel(ch uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch >= m.cfg.NumChannels {
		return fmt.Errorf("%w: %d (have %d)", ErrInvalidChannel, ch, m.cfg.NumChannels)
	}
	m.current = ch
	m.refreshRSSLocked()
	return nil
}

// VictimChannel returns the channel the victim currently uses.
func (m *Medium) VictimChannel() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.victim
}

// Stats returns a snapshot of the counters.
func (m *Medium) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.VictimChannel = m.victim
	return s
}

func (m *Medium) activityStart() {
	now := m.sched.Now()

	m.mu.Lock()
	act := &activity{channel: m.victim, start: now, end: now.Add(m.cfg.ActivityOn)}
	m.active = act
	m.stats.Activities++
	m.refreshRSSLocked()
	listener, heard := m.listener, m.current == act.channel
	sig := jammer.ActivitySignal{Channel: act.channel, RSSW: m.rssW}
	m.mu.Unlock()

	m.activityTimer.Arm(m.cfg.ActivityOn, m.activityEnd)
	if listener != nil && heard {
		listener.OnChannelActivityStart(sig)
	}
}

func (m *Medium) activityEnd() {
	m.mu.Lock()
	act := m.active
	m.active = nil
	if act == nil {
		m.mu.Unlock()
		return
	}

	sent, lost, jammed := m.scoreLocked(act)
	m.stats.PacketsSent += sent
	m.stats.PacketsLost += lost
	m.jammedFor += jammed
	if m.cfg.HopAfter > 0 && m.jammedFor >= m.cfg.HopAfter {
		m.hopLocked()
	}
	m.pruneBurstsLocked(act.end)
	m.refreshRSSLocked()

	listener, heard := m.listener, m.current == act.channel
	sig := jammer.ActivitySignal{Channel: act.channel, RSSW: m.cfg.VictimRSSW}
	m.mu.Unlock()

	m.activityTimer.Arm(m.cfg.ActivityGap, m.activityStart)
	if listener != nil && heard {
		listener.OnChannelActivityEnd(sig)
	}
}

func (m *Medium) burstComplete(powerW float64) {
	m.mu.Lock()
	listener := m.listener
	m.mu.Unlock()
	if listener != nil {
		listener.OnBurstComplete(powerW)
	}
}

// scoreLocked counts the packets of act and how many of them, and how much
// airtime, overlapped a burst on the same channel.
func (m *Medium) scoreLocked(act *activity) (sent, lost uint64, jammed time.Duration) {
	for at := act.start; at.Before(act.end); at = at.Add(m.cfg.PacketInterval) {
		sent++
		for _, b := range m.bursts {
			if b.channel == act.channel && !at.Before(b.start) && at.Before(b.end) {
				lost++
				break
			}
		}
	}
	for _, b := range m.bursts {
		if b.channel != act.channel {
			continue
		}
		start, end := maxTime(b.start, act.start), minTime(b.end, act.end)
		if end.After(start) {
			jammed += end.Sub(start)
		}
	}
	return sent, lost, jammed
}

func (m *Medium) hopLocked() {
	bound := int(m.cfg.HopBound)
	next := m.victim
	for next == m.victim && bound > 2 {
		next = uint16(m.rng.IntN(bound-1)) + 1
	}
	if bound == 2 {
		next = 1
	}
	m.victim = next
	m.jammedFor = 0
	m.stats.VictimHops++
}

func (m *Medium) pruneBurstsLocked(before time.Time) {
	kept := m.bursts[:0]
	for _, b := range m.bursts {
		if b.end.After(before) {
			kept = append(kept, b)
		}
	}
	m.bursts = kept
}

func (m *Medium) refreshRSSLocked() {
	if m.active != nil && m.active.channel == m.current {
		m.rssW = m.cfg.VictimRSSW
		return
	}
	m.rssW = m.cfg.NoiseFloorW
}

// WattsToDbm converts a power in watts to dBm.
func WattsToDbm(w float64) float64 {
	if w <= 0 {
		return math.Inf(-1)
	}
	return 10*math.Log10(w) + 30
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
