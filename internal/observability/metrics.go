package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signalsfoundry/reactive-jammer/internal/jammer"
)

var _ jammer.MetricsRecorder = (*JammerCollector)(nil)

// JammerCollector bundles Prometheus metrics for the jamming controller and
// satisfies jammer.MetricsRecorder so the controller can drive them directly.
type JammerCollector struct {
	gatherer prometheus.Gatherer

	Bursts             *prometheus.CounterVec
	BurstPower         prometheus.Gauge
	MitigationTimeouts prometheus.Counter
	ChannelSwitches    *prometheus.CounterVec
	CurrentChannel     prometheus.Gauge
	AgentDecisions     *prometheus.CounterVec
	AgentDuration      prometheus.Histogram
	PendingEvents      prometheus.Gauge
}

// NewJammerCollector registers jammer Prometheus metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewJammerCollector(reg prometheus.Registerer) (*JammerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	bursts, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jammer_bursts_total",
		Help: "Jamming bursts attempted, labeled by result (sent, failed).",
	}, []string{"result"}), "jammer_bursts_total")
	if err != nil {
		return nil, err
	}

	power, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jammer_burst_power_watts",
		Help: "Actual power reported by the medium for the most recent burst.",
	}), "jammer_burst_power_watts")
	if err != nil {
		return nil, err
	}

	timeouts, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jammer_mitigation_timeouts_total",
		Help: "Mitigation timeouts handled while reaction was enabled.",
	}), "jammer_mitigation_timeouts_total")
	if err != nil {
		return nil, err
	}

	switches, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jammer_channel_switches_total",
		Help: "Channel switches performed, labeled by the strategy that chose the channel.",
	}, []string{"strategy"}), "jammer_channel_switches_total")
	if err != nil {
		return nil, err
	}

	channel, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jammer_current_channel",
		Help: "Channel the jammer moved to most recently.",
	}), "jammer_current_channel")
	if err != nil {
		return nil, err
	}

	decisions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jammer_agent_decisions_total",
		Help: "Learning agent round trips, labeled by result (ok, error).",
	}, []string{"result"}), "jammer_agent_decisions_total")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "jammer_agent_decision_duration_seconds",
		Help:    "Wall-clock latency of learning agent round trips.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}), "jammer_agent_decision_duration_seconds")
	if err != nil {
		return nil, err
	}

	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jammer_scheduler_pending_events",
		Help: "Events waiting in the simulation scheduler.",
	}), "jammer_scheduler_pending_events")
	if err != nil {
		return nil, err
	}

	return &JammerCollector{
		gatherer:           gatherer,
		Bursts:             bursts,
		BurstPower:         power,
		MitigationTimeouts: timeouts,
		ChannelSwitches:    switches,
		CurrentChannel:     channel,
		AgentDecisions:     decisions,
		AgentDuration:      duration,
		PendingEvents:      pending,
	}, nil
}

// RecordBurst counts a burst attempt and the power the medium emitted.
func (c *JammerCollector) RecordBurst(actualPowerW float64, sent bool) {
	if c == nil {
		return
	}
	result := "sent"
	if !sent {
		result = "failed"
	}
	c.Bursts.WithLabelValues(result).Inc()
	c.BurstPower.Set(actualPowerW)
}

func (c *JammerCollector) RecordMitigationTimeout() {
	if c == nil {
		return
	}
	c.MitigationTimeouts.Inc()
}

func (c *JammerCollector) RecordChannelSwitch(_, to uint16, strategy jammer.StrategyKind) {
	if c == nil {
		return
	}
	c.ChannelSwitches.WithLabelValues(strategy.String()).Inc()
	c.CurrentChannel.Set(float64(to))
}

func (c *JammerCollector) RecordAgentDecision(ok bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.AgentDecisions.WithLabelValues(result).Inc()
	c.AgentDuration.Observe(elapsed.Seconds())
}

// SetPendingEvents updates the scheduler queue depth gauge.
func (c *JammerCollector) SetPendingEvents(n int) {
	if c == nil {
		return
	}
	c.PendingEvents.Set(float64(n))
}

// Handler exposes a ready-to-use /metrics handler.
func (c *JammerCollector) Handler() http.Handler {
	return handlerFor(c.gatherer)
}

func handlerFor(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
