package jammer

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/reactive-jammer/internal/sched"
)

type fakePower struct {
	mu        sync.Mutex
	available bool
}

func (p *fakePower) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

func (p *fakePower) set(v bool) {
	p.mu.Lock()
	p.available = v
	p.mu.Unlock()
}

type fakeMedium struct {
	mu       sync.Mutex
	channel  uint16
	num      uint16
	rssW     float64
	pdr      float64
	failSend bool
	sends    int
	switches []uint16
}

func newFakeMedium(channel uint16) *fakeMedium {
	return &fakeMedium{channel: channel, num: 11, rssW: 1e-9, pdr: 0.5}
}

func (m *fakeMedium) SendJammingSignal(powerW float64, _ time.Duration) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends++
	if m.failSend {
		return 0
	}
	return powerW
}

func (m *fakeMedium) ChannelInfo() ChannelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ChannelInfo{CurrentChannel: m.channel, NumChannels: m.num}
}

func (m *fakeMedium) SignalStrength() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rssW
}

func (m *fakeMedium) SignalStrengthDbm() float64 {
	return 10*math.Log10(m.SignalStrength()) + 30
}

func (m *fakeMedium) PacketDeliveryRatio() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pdr
}

func (m *fakeMedium) SwitchChannel(ch uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switches = append(m.switches, ch)
	m.channel = ch
	return nil
}

func (m *fakeMedium) sendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends
}

func (m *fakeMedium) switchLog() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint16(nil), m.switches...)
}

// fakeBridge answers with next; when gate is non-nil each request blocks
// until a value is sent on it. hangOpen makes Open block until its context
// is done.
type fakeBridge struct {
	mu          sync.Mutex
	opens       int
	openReturns int
	openArgs    [2]uint16
	requests    []Observation
	next        uint16
	err         error
	gate        chan struct{}
	hangOpen    bool
}

func (b *fakeBridge) Open(ctx context.Context, initial, numChannels uint16) error {
	b.mu.Lock()
	b.opens++
	b.openArgs = [2]uint16{initial, numChannels}
	hang := b.hangOpen
	b.mu.Unlock()

	var err error
	if hang {
		<-ctx.Done()
		err = ctx.Err()
	}
	b.mu.Lock()
	b.openReturns++
	b.mu.Unlock()
	return err
}

func (b *fakeBridge) openState() (returned int, args [2]uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openReturns, b.openArgs
}

func (b *fakeBridge) RequestChannel(ctx context.Context, obs Observation) (uint16, error) {
	b.mu.Lock()
	b.requests = append(b.requests, obs)
	gate, next, err := b.gate, b.next, b.err
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return next, err
}

func (b *fakeBridge) counts() (opens, requests int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens, len(b.requests)
}

type fakeMetrics struct {
	bursts, failures, timeouts, switches, decisions int
}

func (f *fakeMetrics) RecordBurst(_ float64, sent bool) {
	f.bursts++
	if !sent {
		f.failures++
	}
}
func (f *fakeMetrics) RecordMitigationTimeout()                         { f.timeouts++ }
func (f *fakeMetrics) RecordChannelSwitch(uint16, uint16, StrategyKind) { f.switches++ }
func (f *fakeMetrics) RecordAgentDecision(bool, time.Duration)          { f.decisions++ }

type fakeSink struct {
	events []Event
}

func (s *fakeSink) Record(ev Event) { s.events = append(s.events, ev) }

func (s *fakeSink) count(kind EventKind) int {
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

var epoch = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	sched  *sched.FakeEventScheduler
	medium *fakeMedium
	power  *fakePower
	ctrl   *Controller
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		sched:  sched.NewFakeEventScheduler(epoch),
		medium: newFakeMedium(3),
		power:  &fakePower{available: true},
	}
	opts = append([]Option{WithMedium(h.medium), WithPowerSource(h.power)}, opts...)
	h.ctrl = New(h.sched, opts...)
	if err := h.ctrl.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	t.Cleanup(h.ctrl.Close)
	return h
}

// advanceTo moves simulated time to epoch+d.
func (h *harness) advanceTo(d time.Duration) { h.sched.AdvanceTo(epoch.Add(d)) }

// waitFor pumps the loop until cond holds, for decisions posted by
// background goroutines.
func (h *harness) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.sched.RunDue()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func expectContractPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected contract violation panic")
		}
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrContractViolation) {
			t.Fatalf("panic value = %v, want ErrContractViolation", r)
		}
	}()
	fn()
}

func reactiveConfig(kind StrategyKind) Config {
	cfg := DefaultConfig()
	cfg.Interval = 0
	cfg.ReactToMitigation = true
	cfg.MitigationTimeout = 200 * time.Millisecond
	cfg.ChannelBound = 10
	cfg.Strategy = kind
	return cfg
}
