package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/reactive-jammer/internal/agent"
	"github.com/signalsfoundry/reactive-jammer/internal/jammer"
)

// chdirTemp runs the test from an empty directory so no stray jammer.yaml
// is picked up.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Jammer != jammer.DefaultConfig() {
		t.Fatalf("Jammer = %+v, want %+v", cfg.Jammer, jammer.DefaultConfig())
	}
	if cfg.Sim.Duration != 10*time.Second || cfg.Sim.Tick != time.Millisecond || !cfg.Sim.Accelerated {
		t.Fatalf("Sim = %+v", cfg.Sim)
	}
	if cfg.Agent.Address != agent.DefaultAddress {
		t.Fatalf("Agent.Address = %q, want %q", cfg.Agent.Address, agent.DefaultAddress)
	}
	if cfg.AgentTimeout != jammer.DefaultAgentTimeout {
		t.Fatalf("AgentTimeout = %s", cfg.AgentTimeout)
	}
	if cfg.Medium.NumChannels != 11 || cfg.Medium.HopBound != 10 {
		t.Fatalf("Medium = %+v", cfg.Medium)
	}
	if cfg.Metrics.Address != "" || cfg.Telemetry.Path != "" {
		t.Fatalf("metrics/telemetry should be disabled by default")
	}
	if cfg.Tracing.Enabled || cfg.Tracing.ServiceName != "jammer-sim" {
		t.Fatalf("Tracing = %+v", cfg.Tracing)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("JAMMER_JAMMER_STRATEGY", "4")
	t.Setenv("JAMMER_JAMMER_REACT_TO_MITIGATION", "true")
	t.Setenv("JAMMER_JAMMER_FIXED_OPTIMAL_CHANNEL", "7")
	t.Setenv("JAMMER_SIM_DURATION", "2s")
	t.Setenv("JAMMER_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Jammer.Strategy != jammer.StrategyFixedOptimal {
		t.Fatalf("Strategy = %v, want fixed-optimal", cfg.Jammer.Strategy)
	}
	if !cfg.Jammer.ReactToMitigation {
		t.Fatalf("ReactToMitigation = false, want true")
	}
	if cfg.FixedOptimalChannel != 7 {
		t.Fatalf("FixedOptimalChannel = %d, want 7", cfg.FixedOptimalChannel)
	}
	if cfg.Sim.Duration != 2*time.Second {
		t.Fatalf("Sim.Duration = %s, want 2s", cfg.Sim.Duration)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestLoadFile(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "jammer.yaml")
	body := `
jammer:
  strategy: random
  interval: 0s
  channel_bound: 6
  seed: 99
sim:
  duration: 500ms
  battery_joules: 0.25
  recharge_every: 2s
medium:
  hop_after: 0s
telemetry:
  path: events.db
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	// Found by name in the working directory.
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Jammer.Strategy != jammer.StrategyRandom || cfg.Jammer.Interval != 0 || cfg.Jammer.ChannelBound != 6 {
		t.Fatalf("Jammer = %+v", cfg.Jammer)
	}
	if cfg.Seed != 99 || cfg.Medium.Seed != 99 {
		t.Fatalf("Seed = %d / medium %d, want 99", cfg.Seed, cfg.Medium.Seed)
	}
	if cfg.Sim.Duration != 500*time.Millisecond || cfg.Sim.BatteryJoules != 0.25 || cfg.Sim.RechargeEvery != 2*time.Second {
		t.Fatalf("Sim = %+v", cfg.Sim)
	}
	if cfg.Medium.HopAfter != 0 {
		t.Fatalf("Medium.HopAfter = %s, want 0", cfg.Medium.HopAfter)
	}
	if cfg.Telemetry.Path != "events.db" || cfg.Telemetry.BufferSize != 1024 {
		t.Fatalf("Telemetry = %+v", cfg.Telemetry)
	}

	// And by explicit path, with env still winning over the file.
	t.Setenv("JAMMER_JAMMER_CHANNEL_BOUND", "8")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load(path): %v", err)
	}
	if cfg.Jammer.ChannelBound != 8 {
		t.Fatalf("ChannelBound = %d, want env override 8", cfg.Jammer.ChannelBound)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown strategy", map[string]string{"JAMMER_JAMMER_STRATEGY": "psychic"}},
		{"negative interval", map[string]string{"JAMMER_JAMMER_INTERVAL": "-1ms"}},
		{"negative power", map[string]string{"JAMMER_JAMMER_TX_POWER_W": "-0.5"}},
		{"bound beyond medium", map[string]string{"JAMMER_JAMMER_CHANNEL_BOUND": "12"}},
		{"channel overflow", map[string]string{"JAMMER_JAMMER_CHANNEL_BOUND": "70000"}},
		{"zero duration", map[string]string{"JAMMER_SIM_DURATION": "0s"}},
		{"zero tick", map[string]string{"JAMMER_SIM_TICK": "0s"}},
		{"negative recharge period", map[string]string{"JAMMER_SIM_RECHARGE_EVERY": "-1s"}},
		{"learned start above bound", map[string]string{"JAMMER_JAMMER_STRATEGY": "learned", "JAMMER_MEDIUM_INITIAL_CHANNEL": "10"}},
		{"bad medium", map[string]string{"JAMMER_MEDIUM_NUM_CHANNELS": "1"}},
		{"unknown tracing exporter", map[string]string{"JAMMER_TRACING_ENABLED": "true", "JAMMER_TRACING_EXPORTER": "zipkin"}},
		{"unknown log level", map[string]string{"JAMMER_LOGGING_LEVEL": "verbose"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chdirTemp(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if !errors.Is(err, jammer.ErrInvalidConfig) {
				t.Fatalf("Load() err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestValidateLearnedNeedsAgent(t *testing.T) {
	chdirTemp(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Jammer.Strategy = jammer.StrategyLearned
	cfg.Agent.Address = ""
	if err := cfg.Validate(); !errors.Is(err, jammer.ErrInvalidConfig) {
		t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	dir := chdirTemp(t)
	if _, err := Load(filepath.Join(dir, "nope.yaml")); err == nil {
		t.Fatalf("Load of missing explicit file succeeded")
	}
}
