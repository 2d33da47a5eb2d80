// Package jammer implements a reactive jamming controller: bursts triggered
// by channel activity or a fallback delay, a mitigation timer that notices
// when the target has gone quiet, and a pluggable policy for picking the
// channel to chase it to.
package jammer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/signalsfoundry/reactive-jammer/internal/logging"
	"github.com/signalsfoundry/reactive-jammer/internal/sched"
	"golang.org/x/time/rate"
)

// DefaultAgentTimeout bounds one learning-agent round trip, including the
// session Open that precedes the first request.
const DefaultAgentTimeout = 5 * time.Second

// Transmission failures are logged at most failureLogBurst times in a row,
// then once per failureLogEvery of simulated time.
const (
	failureLogEvery = 10 * time.Second
	failureLogBurst = 3
)

// State is a snapshot of the controller's flags.
type State struct {
	// IsOn mirrors the power source at snapshot time.
	IsOn bool
	// IsJammingActive becomes true when the first burst fires.
	IsJammingActive bool
	// IsReacting is set while a channel hop is in progress and cleared by
	// the first burst after it completes.
	IsReacting          bool
	CurrentChannel      uint16
	FixedOptimalChannel uint16
}

// Stats counts what the controller has done since construction.
type Stats struct {
	Bursts               uint64
	TransmissionFailures uint64
	SkippedBursts        uint64
	MitigationTimeouts   uint64
	IgnoredTimeouts      uint64
	ChannelSwitches      uint64
	AgentRequests        uint64
	AgentFailures        uint64
	DroppedDecisions     uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithMedium attaches the radio.
func WithMedium(m ChannelMedium) Option { return func(c *Controller) { c.medium = m } }

// WithPowerSource attaches the energy source.
func WithPowerSource(p PowerSource) Option { return func(c *Controller) { c.power = p } }

// WithAgentBridge attaches the learning-agent bridge used by the Learned strategy.
func WithAgentBridge(b AgentBridge) Option { return func(c *Controller) { c.bridge = b } }

// WithLogger sets the logger; the default drops everything.
func WithLogger(l logging.Logger) Option { return func(c *Controller) { c.log = l } }

// WithMetricsRecorder wires Prometheus-style counters.
func WithMetricsRecorder(r MetricsRecorder) Option { return func(c *Controller) { c.metrics = r } }

// WithEventSink wires a telemetry event store.
func WithEventSink(s EventSink) Option { return func(c *Controller) { c.events = s } }

// WithRand fixes the source used by the Random strategy.
func WithRand(r *rand.Rand) Option { return func(c *Controller) { c.rng = r } }

// WithAgentTimeout bounds each agent round trip.
func WithAgentTimeout(d time.Duration) Option { return func(c *Controller) { c.agentTimeout = d } }

// WithID sets the node identifier attached to log lines.
func WithID(id string) Option { return func(c *Controller) { c.id = id } }

// Controller drives the burst and mitigation timers. Every method except
// State, Stats and Config must be called from the scheduler loop.
type Controller struct {
	id           string
	log          logging.Logger
	sched        sched.EventScheduler
	medium       ChannelMedium
	power        PowerSource
	bridge       AgentBridge
	metrics      MetricsRecorder
	events       EventSink
	rng          *rand.Rand
	agentTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	burstTimer      *sched.Timer
	mitigationTimer *sched.Timer

	// mu guards the fields read by State, Stats and Config from other
	// goroutines. Loop-side code holds it only while mutating them.
	mu       sync.Mutex
	cfg      Config
	strategy Strategy
	state    State
	stats    Stats

	session    *agentSession
	inflight   uint64 // sequence number of the outstanding agent request, 0 if none
	requestSeq uint64
	closed     bool

	// failureLog throttles transmission-failure errors in simulated time,
	// so accelerated and real-time runs log at the same simulated rate.
	failureLog *rate.Limiter
}

// agentSession is one Open call on the bridge. done closes when the call
// returns; err is valid after that.
type agentSession struct {
	done chan struct{}
	err  error
}

func (s *agentSession) failed() bool {
	select {
	case <-s.done:
		return s.err != nil
	default:
		return false
	}
}

func (s *agentSession) wait(ctx context.Context) error {
	select {
	case <-s.done:
		if s.err != nil {
			return fmt.Errorf("open agent session: %w", s.err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// New builds a controller on s with DefaultConfig. It panics if s is nil.
func New(s sched.EventScheduler, opts ...Option) *Controller {
	if s == nil {
		panic(fmt.Errorf("%w: nil scheduler", ErrContractViolation))
	}
	c := &Controller{
		id:              "jammer",
		log:             logging.Noop(),
		sched:           s,
		agentTimeout:    DefaultAgentTimeout,
		burstTimer:      sched.NewTimer("burst", s),
		mitigationTimer: sched.NewTimer("mitigation", s),
		cfg:             DefaultConfig(),
		failureLog:      rate.NewLimiter(rate.Every(failureLogEvery), failureLogBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.Noop()
	}
	c.log = c.log.With(logging.String("jammer", c.id))
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.strategy = c.newStrategy(c.cfg.Strategy)
	return c
}

// Configure validates and stores cfg. It does not touch the timers; the
// new values apply from the next firing. Changing the strategy discards
// any outstanding agent decision.
func (c *Controller) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.Strategy != c.cfg.Strategy {
		c.strategy = c.newStrategy(cfg.Strategy)
		c.inflight = 0
	}
	c.cfg = cfg
	return nil
}

// Config returns the active configuration.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetFixedOptimalChannel sets the channel the FixedOptimal strategy returns
// at the next mitigation timeout.
func (c *Controller) SetFixedOptimalChannel(ch uint16) {
	c.mu.Lock()
	c.state.FixedOptimalChannel = ch
	c.mu.Unlock()
	c.log.Debug(c.ctx, "fixed optimal channel updated", logging.Int("channel", int(ch)))
}

// State returns a snapshot. It may be called from any goroutine.
func (c *Controller) State() State {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	if c.power != nil {
		st.IsOn = c.power.Available()
	}
	if c.medium != nil {
		st.CurrentChannel = c.medium.ChannelInfo().CurrentChannel
	}
	return st
}

// Stats returns a snapshot of the counters. It may be called from any goroutine.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// BurstPending reports whether a burst is scheduled.
func (c *Controller) BurstPending() bool { return c.burstTimer.Pending() }

// MitigationDeadline returns when the mitigation timer will fire, if armed.
func (c *Controller) MitigationDeadline() (time.Time, bool) { return c.mitigationTimer.Deadline() }

// Start schedules the first burst for the current instant.
func (c *Controller) Start() {
	if c.closed {
		return
	}
	cfg := c.Config()
	c.log.Info(c.ctx, "jammer started",
		logging.String("strategy", cfg.Strategy.String()),
		logging.Bool("react_to_mitigation", cfg.ReactToMitigation),
		logging.Duration("mitigation_timeout", cfg.MitigationTimeout),
	)
	c.burstTimer.Arm(0, c.fireBurst)
}

// Stop cancels both timers and forgets any outstanding agent decision. The
// controller can be started again.
func (c *Controller) Stop() {
	c.burstTimer.Cancel()
	c.mitigationTimer.Cancel()
	c.mu.Lock()
	c.inflight = 0
	c.state.IsReacting = false
	c.mu.Unlock()
	c.log.Info(c.ctx, "jammer stopped")
}

// Close stops the controller for good. Late callbacks and agent responses
// are ignored afterwards. Call it from the scheduler loop or once the loop
// has stopped.
func (c *Controller) Close() {
	if c.closed {
		return
	}
	c.Stop()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

// OnChannelActivityStart reacts to the start of traffic on the monitored
// channel: the next burst is rescheduled Interval from now and, when
// reacting to mitigation, the mitigation clock restarts. The activity is
// never consumed, so the result is always false.
func (c *Controller) OnChannelActivityStart(sig ActivitySignal) bool {
	if c.closed {
		return false
	}
	cfg := c.Config()

	c.burstTimer.Arm(cfg.Interval, c.fireBurst)

	if cfg.ReactToMitigation {
		c.log.Debug(c.ctx, "activity seen, restarting mitigation timer",
			logging.Int("channel", int(sig.Channel)),
			logging.Float64("rss_w", sig.RSSW),
		)
		c.mitigationTimer.Arm(cfg.MitigationTimeout, c.onMitigationTimeout)
	}
	return false
}

// OnChannelActivityEnd schedules a follow-up burst FallbackBurstDelay from
// now so jamming resumes even if no further activity is observed.
func (c *Controller) OnChannelActivityEnd(sig ActivitySignal) bool {
	if c.closed {
		return false
	}
	c.log.Debug(c.ctx, "activity ended", logging.Int("channel", int(sig.Channel)))
	c.burstTimer.Arm(FallbackBurstDelay, c.fireBurst)
	return false
}

// OnBurstComplete is called by the medium when a jamming transmission
// finishes. The next burst is re-anchored FallbackBurstDelay after it.
func (c *Controller) OnBurstComplete(actualPowerW float64) {
	if c.closed {
		return
	}
	c.log.Debug(c.ctx, "jamming burst finished", logging.Float64("power_w", actualPowerW))
	c.burstTimer.Arm(FallbackBurstDelay, c.fireBurst)
}

func (c *Controller) fireBurst() {
	if c.closed {
		return
	}
	power := c.mustPower()
	medium := c.mustMedium()

	if !power.Available() {
		c.mu.Lock()
		c.stats.SkippedBursts++
		c.mu.Unlock()
		c.log.Debug(c.ctx, "jammer is off, burst skipped")
		return
	}

	cfg := c.Config()

	c.mu.Lock()
	first := !c.state.IsJammingActive
	c.state.IsJammingActive = true
	c.mu.Unlock()
	if first && cfg.Strategy == StrategyLearned {
		c.ensureSession(medium, cfg.ChannelBound)
	}

	info := medium.ChannelInfo()
	actual := medium.SendJammingSignal(cfg.TxPowerW, cfg.JammingDuration)
	sent := actual != 0

	c.mu.Lock()
	c.stats.Bursts++
	if !sent {
		c.stats.TransmissionFailures++
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordBurst(actual, sent)
	}
	ev := Event{
		At:       c.sched.Now(),
		Kind:     EventBurst,
		Channel:  info.CurrentChannel,
		PowerW:   actual,
		Strategy: cfg.Strategy,
	}
	if sent {
		c.log.Debug(c.ctx, "jamming signal sent",
			logging.Float64("power_w", actual),
			logging.Int("channel", int(info.CurrentChannel)),
			logging.Int("num_channels", int(info.NumChannels)),
		)
	} else {
		ev.Kind = EventTransmitFailure
		ev.Detail = ErrTransmissionFailure.Error()
		if c.failureLog.AllowN(ev.At, 1) {
			c.log.Error(c.ctx, "failed to send jamming signal",
				logging.Err(ErrTransmissionFailure),
				logging.Float64("requested_power_w", cfg.TxPowerW),
				logging.Int("channel", int(info.CurrentChannel)),
			)
		}
	}
	c.record(ev)

	// Keep jamming without outside prompting; activity or an end-of-burst
	// report re-anchors this.
	c.burstTimer.Arm(cfg.JammingDuration+FallbackBurstDelay, c.fireBurst)

	if cfg.ReactToMitigation {
		c.mitigationTimer.Arm(cfg.MitigationTimeout, c.onMitigationTimeout)
	}

	c.mu.Lock()
	if c.inflight == 0 {
		c.state.IsReacting = false
	}
	c.mu.Unlock()
}

func (c *Controller) onMitigationTimeout() {
	if c.closed {
		return
	}
	cfg := c.Config()
	if !cfg.ReactToMitigation {
		c.mu.Lock()
		c.stats.IgnoredTimeouts++
		c.mu.Unlock()
		c.log.Debug(c.ctx, "ignoring mitigation timeout", logging.Err(ErrTimerMisuse))
		return
	}
	medium := c.mustMedium()

	c.mu.Lock()
	c.stats.MitigationTimeouts++
	strategy := c.strategy
	busy := c.inflight != 0
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.RecordMitigationTimeout()
	}

	info := medium.ChannelInfo()
	obs := Observation{
		CurrentChannel:    info.CurrentChannel,
		ChannelBound:      cfg.ChannelBound,
		SignalStrengthDbm: medium.SignalStrengthDbm(),
	}
	c.log.Debug(c.ctx, "mitigation timeout",
		logging.Int("channel", int(info.CurrentChannel)),
		logging.Float64("rss_dbm", obs.SignalStrengthDbm),
		logging.Float64("pdr", medium.PacketDeliveryRatio()),
	)
	c.record(Event{
		At:       c.sched.Now(),
		Kind:     EventMitigationTimeout,
		Channel:  info.CurrentChannel,
		RSSDbm:   obs.SignalStrengthDbm,
		PDR:      medium.PacketDeliveryRatio(),
		Strategy: strategy.Kind(),
	})

	// Keep probing regardless of how this decision turns out.
	c.mitigationTimer.Arm(cfg.MitigationTimeout, c.onMitigationTimeout)

	if isRemote(strategy) {
		if busy {
			c.log.Debug(c.ctx, "agent decision still pending, not starting another reaction")
			return
		}
		c.requestRemote(strategy, obs, medium)
		return
	}

	next, err := strategy.SelectChannel(c.ctx, obs)
	if err != nil {
		c.log.Warn(c.ctx, "channel selection failed", logging.Err(err))
		return
	}
	c.switchChannel(medium, info.CurrentChannel, next, strategy.Kind())
}

// requestRemote runs the agent round trip on its own goroutine and posts
// the answer back onto the scheduler loop. The request waits for the
// session Open, and both share one agent timeout.
func (c *Controller) requestRemote(strategy Strategy, obs Observation, medium ChannelMedium) {
	session := c.ensureSession(medium, obs.ChannelBound)

	c.mu.Lock()
	c.requestSeq++
	seq := c.requestSeq
	c.inflight = seq
	c.state.IsReacting = true
	c.stats.AgentRequests++
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.agentTimeout)
	started := time.Now()
	go func() {
		defer cancel()
		var next uint16
		err := session.wait(ctx)
		if err == nil {
			next, err = strategy.SelectChannel(ctx, obs)
		}
		elapsed := time.Since(started)
		c.sched.Schedule(c.sched.Now(), func() {
			c.applyRemoteDecision(seq, strategy, next, err, elapsed)
		})
	}()
}

func (c *Controller) applyRemoteDecision(seq uint64, strategy Strategy, next uint16, err error, elapsed time.Duration) {
	c.mu.Lock()
	stale := c.closed || seq != c.inflight || strategy != c.strategy
	if stale {
		c.stats.DroppedDecisions++
		c.mu.Unlock()
		c.log.Debug(c.ctx, "dropping stale agent decision", logging.Uint("request", seq))
		return
	}
	c.inflight = 0
	if err != nil {
		c.stats.AgentFailures++
		c.state.IsReacting = false
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordAgentDecision(err == nil, elapsed)
	}
	if err != nil {
		c.log.Warn(c.ctx, "agent decision failed, staying on channel", logging.Err(err))
		c.record(Event{At: c.sched.Now(), Kind: EventAgentFailure, Strategy: strategy.Kind(), Detail: err.Error()})
		return
	}

	// The medium may have moved while the request was outstanding.
	medium := c.mustMedium()
	current := medium.ChannelInfo().CurrentChannel
	c.switchChannel(medium, current, next, strategy.Kind())
}

func (c *Controller) switchChannel(medium ChannelMedium, from, to uint16, kind StrategyKind) {
	c.log.Debug(c.ctx, "switching channel",
		logging.Int("from", int(from)),
		logging.Int("to", int(to)),
		logging.String("strategy", kind.String()),
	)
	if err := medium.SwitchChannel(to); err != nil {
		c.log.Warn(c.ctx, "channel switch rejected", logging.Int("to", int(to)), logging.Err(err))
		c.mu.Lock()
		if c.inflight == 0 {
			c.state.IsReacting = false
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.state.IsReacting = true
	c.state.CurrentChannel = to
	c.stats.ChannelSwitches++
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordChannelSwitch(from, to, kind)
	}
	c.record(Event{At: c.sched.Now(), Kind: EventChannelSwitch, Channel: from, ToChannel: to, Strategy: kind})
}

// ensureSession starts an agent Open unless one succeeded or is still in
// flight. It never blocks: the call runs on its own goroutine under the
// agent timeout and reports back through the scheduler.
func (c *Controller) ensureSession(medium ChannelMedium, bound uint16) *agentSession {
	if c.bridge == nil {
		panic(fmt.Errorf("%w: learned strategy configured without an agent bridge", ErrContractViolation))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && !c.session.failed() {
		return c.session
	}

	// The agent numbers its channels below bound, like the jammer does.
	initial := medium.ChannelInfo().CurrentChannel
	if initial >= bound {
		initial = bound - 1
	}
	session := &agentSession{done: make(chan struct{})}
	c.session = session

	ctx, cancel := context.WithTimeout(c.ctx, c.agentTimeout)
	go func() {
		defer cancel()
		session.err = c.bridge.Open(ctx, initial, bound)
		close(session.done)
		c.sched.Schedule(c.sched.Now(), func() { c.sessionOpened(session, initial, bound) })
	}()
	return session
}

func (c *Controller) sessionOpened(s *agentSession, initial, bound uint16) {
	if c.closed {
		return
	}
	if s.err != nil {
		c.log.Warn(c.ctx, "agent bridge unavailable", logging.Err(s.err))
		return
	}
	c.log.Info(c.ctx, "agent bridge opened",
		logging.Int("channel", int(initial)),
		logging.Int("channel_bound", int(bound)),
	)
}

func (c *Controller) newStrategy(kind StrategyKind) Strategy {
	switch kind {
	case StrategyRandom:
		return NewRandom(c.rng)
	case StrategyLearned:
		return NewLearned(c.bridge)
	case StrategyFixedOptimal:
		return NewFixedOptimal(func() uint16 {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.state.FixedOptimalChannel
		})
	default:
		return &Sequential{}
	}
}

func (c *Controller) record(ev Event) {
	if c.events != nil {
		c.events.Record(ev)
	}
}

func (c *Controller) mustMedium() ChannelMedium {
	if c.medium == nil {
		panic(fmt.Errorf("%w: no channel medium", ErrContractViolation))
	}
	return c.medium
}

func (c *Controller) mustPower() PowerSource {
	if c.power == nil {
		panic(fmt.Errorf("%w: no power source", ErrContractViolation))
	}
	return c.power
}
