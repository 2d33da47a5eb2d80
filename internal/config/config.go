// Package config loads jammer-sim settings from an optional file, JAMMER_*
// environment variables and built-in defaults through viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/signalsfoundry/reactive-jammer/internal/agent"
	"github.com/signalsfoundry/reactive-jammer/internal/jammer"
	"github.com/signalsfoundry/reactive-jammer/internal/logging"
	"github.com/signalsfoundry/reactive-jammer/internal/medium"
	"github.com/signalsfoundry/reactive-jammer/internal/observability"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// JAMMER_JAMMER_STRATEGY or JAMMER_SIM_DURATION.
const EnvPrefix = "JAMMER"

// Config is everything the host runner needs.
type Config struct {
	Jammer jammer.Config
	// FixedOptimalChannel is handed to the FixedOptimal strategy; zero
	// leaves it unset.
	FixedOptimalChannel uint16
	AgentTimeout        time.Duration
	// Seed fixes the Random strategy and victim hopping; zero seeds from
	// the clock.
	Seed uint64

	Sim       SimConfig
	Medium    medium.Config
	Agent     AgentConfig
	Metrics   MetricsConfig
	Telemetry TelemetryConfig
	Logging   LoggingConfig
	Tracing   observability.TracingConfig
}

// SimConfig controls simulated time.
type SimConfig struct {
	Duration time.Duration
	// Tick is the simulated step per clock advance.
	Tick        time.Duration
	Accelerated bool
	// BatteryJoules is the energy budget; zero or less is unlimited.
	BatteryJoules float64
	// RechargeEvery refills the battery on a simulated-time period; zero
	// never recharges.
	RechargeEvery time.Duration
}

// AgentConfig points the Learned strategy at an agent server.
type AgentConfig struct {
	Address string
}

type MetricsConfig struct {
	// Address serves /metrics; empty disables the endpoint.
	Address string
}

type TelemetryConfig struct {
	// Path is the SQLite database file; empty disables event storage.
	Path       string
	BufferSize int
}

type LoggingConfig struct {
	Level  string
	Format string
}

// SetDefaults installs every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("jammer.tx_power_w", jammer.DefaultTxPowerW)
	v.SetDefault("jammer.jamming_duration", jammer.DefaultJammingDuration)
	v.SetDefault("jammer.interval", jammer.DefaultInterval)
	v.SetDefault("jammer.mitigation_timeout", jammer.DefaultMitigationTimeout)
	v.SetDefault("jammer.react_to_mitigation", false)
	v.SetDefault("jammer.channel_bound", jammer.DefaultChannelBound)
	v.SetDefault("jammer.strategy", jammer.StrategySequential.String())
	v.SetDefault("jammer.fixed_optimal_channel", 0)
	v.SetDefault("jammer.agent_timeout", jammer.DefaultAgentTimeout)
	v.SetDefault("jammer.seed", 0)

	v.SetDefault("sim.duration", "10s")
	v.SetDefault("sim.tick", "1ms")
	v.SetDefault("sim.accelerated", true)
	v.SetDefault("sim.battery_joules", 0.0)
	v.SetDefault("sim.recharge_every", "0s")

	md := medium.DefaultConfig()
	v.SetDefault("medium.num_channels", md.NumChannels)
	v.SetDefault("medium.initial_channel", md.InitialChannel)
	v.SetDefault("medium.victim_channel", md.VictimChannel)
	v.SetDefault("medium.hop_bound", md.HopBound)
	v.SetDefault("medium.victim_rss_w", md.VictimRSSW)
	v.SetDefault("medium.noise_floor_w", md.NoiseFloorW)
	v.SetDefault("medium.activity_on", md.ActivityOn)
	v.SetDefault("medium.activity_gap", md.ActivityGap)
	v.SetDefault("medium.packet_interval", md.PacketInterval)
	v.SetDefault("medium.hop_after", md.HopAfter)

	v.SetDefault("agent.address", agent.DefaultAddress)
	v.SetDefault("metrics.address", "")
	v.SetDefault("telemetry.path", "")
	v.SetDefault("telemetry.buffer_size", 1024)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "jammer-sim")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// NewViper returns a viper instance with defaults and environment
// overrides installed. When configPath is empty, jammer.{yaml,toml,json}
// is searched for in the working directory and ./configs.
func NewViper(configPath string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("jammer")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadIn reads the config file into v. A missing file is fine unless it
// was named explicitly.
func ReadIn(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	return nil
}

// Load is NewViper + ReadIn + FromViper.
func Load(configPath string) (Config, error) {
	v := NewViper(configPath)
	if err := ReadIn(v); err != nil {
		return Config{}, err
	}
	return FromViper(v)
}

// FromViper decodes and validates v.
func FromViper(v *viper.Viper) (Config, error) {
	kind, err := jammer.ParseStrategyKind(v.GetString("jammer.strategy"))
	if err != nil {
		return Config{}, err
	}

	bound, err := channel(v, "jammer.channel_bound")
	if err != nil {
		return Config{}, err
	}
	fixed, err := channel(v, "jammer.fixed_optimal_channel")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Jammer: jammer.Config{
			TxPowerW:          v.GetFloat64("jammer.tx_power_w"),
			JammingDuration:   v.GetDuration("jammer.jamming_duration"),
			Interval:          v.GetDuration("jammer.interval"),
			MitigationTimeout: v.GetDuration("jammer.mitigation_timeout"),
			ReactToMitigation: v.GetBool("jammer.react_to_mitigation"),
			ChannelBound:      bound,
			Strategy:          kind,
		},
		FixedOptimalChannel: fixed,
		AgentTimeout:        v.GetDuration("jammer.agent_timeout"),
		Seed:                v.GetUint64("jammer.seed"),
		Sim: SimConfig{
			Duration:      v.GetDuration("sim.duration"),
			Tick:          v.GetDuration("sim.tick"),
			Accelerated:   v.GetBool("sim.accelerated"),
			BatteryJoules: v.GetFloat64("sim.battery_joules"),
			RechargeEvery: v.GetDuration("sim.recharge_every"),
		},
		Agent:   AgentConfig{Address: v.GetString("agent.address")},
		Metrics: MetricsConfig{Address: v.GetString("metrics.address")},
		Telemetry: TelemetryConfig{
			Path:       v.GetString("telemetry.path"),
			BufferSize: v.GetInt("telemetry.buffer_size"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		Tracing: observability.TracingConfig{
			Enabled:     v.GetBool("tracing.enabled"),
			ServiceName: v.GetString("tracing.service_name"),
			Exporter:    strings.ToLower(v.GetString("tracing.exporter")),
			Endpoint:    v.GetString("tracing.endpoint"),
			SampleRatio: v.GetFloat64("tracing.sample_ratio"),
		},
	}

	if cfg.Medium, err = mediumFromViper(v); err != nil {
		return Config{}, err
	}
	cfg.Medium.Seed = cfg.Seed

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mediumFromViper(v *viper.Viper) (medium.Config, error) {
	var (
		mc  medium.Config
		err error
	)
	for key, dst := range map[string]*uint16{
		"medium.num_channels":    &mc.NumChannels,
		"medium.initial_channel": &mc.InitialChannel,
		"medium.victim_channel":  &mc.VictimChannel,
		"medium.hop_bound":       &mc.HopBound,
	} {
		if *dst, err = channel(v, key); err != nil {
			return medium.Config{}, err
		}
	}
	mc.VictimRSSW = v.GetFloat64("medium.victim_rss_w")
	mc.NoiseFloorW = v.GetFloat64("medium.noise_floor_w")
	mc.ActivityOn = v.GetDuration("medium.activity_on")
	mc.ActivityGap = v.GetDuration("medium.activity_gap")
	mc.PacketInterval = v.GetDuration("medium.packet_interval")
	mc.HopAfter = v.GetDuration("medium.hop_after")
	return mc, nil
}

// Validate checks the combined settings.
func (c Config) Validate() error {
	if err := c.Jammer.Validate(); err != nil {
		return err
	}
	if err := c.Medium.Validate(); err != nil {
		return fmt.Errorf("%w: %v", jammer.ErrInvalidConfig, err)
	}
	if c.Jammer.ChannelBound > c.Medium.NumChannels {
		return fmt.Errorf("%w: channel bound %d exceeds the medium's %d channels",
			jammer.ErrInvalidConfig, c.Jammer.ChannelBound, c.Medium.NumChannels)
	}
	if c.Sim.Duration <= 0 {
		return fmt.Errorf("%w: sim duration %s must be > 0", jammer.ErrInvalidConfig, c.Sim.Duration)
	}
	if c.Sim.Tick <= 0 {
		return fmt.Errorf("%w: sim tick %s must be > 0", jammer.ErrInvalidConfig, c.Sim.Tick)
	}
	if c.Sim.RechargeEvery < 0 {
		return fmt.Errorf("%w: recharge period %s must be >= 0", jammer.ErrInvalidConfig, c.Sim.RechargeEvery)
	}
	if c.AgentTimeout <= 0 {
		return fmt.Errorf("%w: agent timeout %s must be > 0", jammer.ErrInvalidConfig, c.AgentTimeout)
	}
	if c.Jammer.Strategy == jammer.StrategyLearned && c.Agent.Address == "" {
		return fmt.Errorf("%w: learned strategy needs an agent address", jammer.ErrInvalidConfig)
	}
	if c.Jammer.Strategy == jammer.StrategyLearned && c.Medium.InitialChannel >= c.Jammer.ChannelBound {
		return fmt.Errorf("%w: learned strategy needs the initial channel %d below the channel bound %d",
			jammer.ErrInvalidConfig, c.Medium.InitialChannel, c.Jammer.ChannelBound)
	}
	if err := (logging.Config{Level: c.Logging.Level, Format: c.Logging.Format}).Validate(); err != nil {
		return fmt.Errorf("%w: %v", jammer.ErrInvalidConfig, err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("%w: %v", jammer.ErrInvalidConfig, err)
	}
	if c.Telemetry.Path != "" && c.Telemetry.BufferSize <= 0 {
		return fmt.Errorf("%w: telemetry buffer size %d must be > 0", jammer.ErrInvalidConfig, c.Telemetry.BufferSize)
	}
	return nil
}

func channel(v *viper.Viper, key string) (uint16, error) {
	n := v.GetInt(key)
	if n < 0 || n > 0xFFFF {
		return 0, fmt.Errorf("%w: %s = %d is not a channel number", jammer.ErrInvalidConfig, key, n)
	}
	return uint16(n), nil
}
