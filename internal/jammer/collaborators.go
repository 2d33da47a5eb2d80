package jammer

import (
	"context"
	"time"
)

// PowerSource reports whether the jammer has energy to transmit.
type PowerSource interface {
	Available() bool
}

// ChannelInfo describes the radio's current tuning.
type ChannelInfo struct {
	CurrentChannel uint16
	NumChannels    uint16
}

// ChannelMedium is the radio the jammer transmits through. Implementations
// are shared with the rest of the host and synchronise themselves.
type ChannelMedium interface {
	// SendJammingSignal emits a burst and returns the power actually
	// radiated; zero means nothing was sent.
	SendJammingSignal(powerW float64, duration time.Duration) (actualPowerW float64)
	ChannelInfo() ChannelInfo
	// SignalStrength is the last received signal strength in watts.
	SignalStrength() float64
	SignalStrengthDbm() float64
	PacketDeliveryRatio() float64
	SwitchChannel(channel uint16) error
}

// Observation is what a strategy sees when asked for the next channel.
type Observation struct {
	CurrentChannel    uint16
	ChannelBound      uint16
	SignalStrengthDbm float64
}

// AgentBridge reaches the out-of-process learning agent.
type AgentBridge interface {
	// Open prepares the session; it is called once, lazily, on the first
	// burst while the Learned strategy is configured.
	Open(ctx context.Context, initialChannel, numChannels uint16) error
	// RequestChannel sends an observation and waits for the agent's choice.
	RequestChannel(ctx context.Context, obs Observation) (uint16, error)
}

// ActivitySignal describes channel activity seen by the medium.
type ActivitySignal struct {
	Channel uint16
	// RSSW is the received signal strength at the start (or average over
	// the duration, for end notifications) in watts.
	RSSW float64
}

// MetricsRecorder receives controller telemetry. Implementations must be
// cheap; they are called on the scheduler loop.
type MetricsRecorder interface {
	RecordBurst(actualPowerW float64, sent bool)
	RecordMitigationTimeout()
	RecordChannelSwitch(from, to uint16, strategy StrategyKind)
	RecordAgentDecision(ok bool, elapsed time.Duration)
}

// EventKind classifies a telemetry Event.
type EventKind string

const (
	EventBurst             EventKind = "burst"
	EventTransmitFailure   EventKind = "transmit_failure"
	EventMitigationTimeout EventKind = "mitigation_timeout"
	EventChannelSwitch     EventKind = "channel_switch"
	EventAgentFailure      EventKind = "agent_failure"
)

// Event is one telemetry record in simulation time.
type Event struct {
	At        time.Time
	Kind      EventKind
	Channel   uint16
	ToChannel uint16
	PowerW    float64
	RSSDbm    float64
	PDR       float64
	Strategy  StrategyKind
	Detail    string
}

// EventSink persists telemetry events. Record must not block the loop.
type EventSink interface {
	Record(ev Event)
}
