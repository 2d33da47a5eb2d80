package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/reactive-jammer/internal/agent"
	"github.com/signalsfoundry/reactive-jammer/internal/config"
	"github.com/signalsfoundry/reactive-jammer/internal/jammer"
	"github.com/signalsfoundry/reactive-jammer/internal/logging"
	"github.com/signalsfoundry/reactive-jammer/internal/medium"
	"github.com/signalsfoundry/reactive-jammer/internal/observability"
	"github.com/signalsfoundry/reactive-jammer/internal/sched"
	"github.com/signalsfoundry/reactive-jammer/internal/telemetry"
	"github.com/signalsfoundry/reactive-jammer/timectrl"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "jammer-sim",
		Short:        "Reactive jammer running against a simulated victim link",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a jammer.{yaml,toml,json} file")
	root.AddCommand(runCmd(&configPath))
	return root
}

// runFlags maps command-line flags onto config keys.
var runFlags = map[string]string{
	"duration":      "sim.duration",
	"tick":          "sim.tick",
	"accelerated":   "sim.accelerated",
	"battery":       "sim.battery_joules",
	"recharge":      "sim.recharge_every",
	"strategy":      "jammer.strategy",
	"react":         "jammer.react_to_mitigation",
	"channel-bound": "jammer.channel_bound",
	"seed":          "jammer.seed",
	"agent-addr":    "agent.address",
	"metrics-addr":  "metrics.address",
	"telemetry":     "telemetry.path",
	"log-level":     "logging.level",
	"log-format":    "logging.format",
}

func runCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one simulation and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.NewViper(*configPath)
			if err := bindFlags(v, cmd); err != nil {
				return err
			}
			if err := config.ReadIn(v); err != nil {
				return err
			}
			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}

			log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cmd.ErrOrStderr()})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			sum, err := run(ctx, cfg, log)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), sum)
			return nil
		},
	}

	defaults := jammer.DefaultConfig()
	f := cmd.Flags()
	f.Duration("duration", 10*time.Second, "Simulated run length")
	f.Duration("tick", time.Millisecond, "Simulated time step")
	f.Bool("accelerated", true, "Advance time as fast as possible instead of in real time")
	f.Float64("battery", 0, "Battery capacity in joules; 0 is unlimited")
	f.Duration("recharge", 0, "Refill the battery every period of simulated time; 0 never recharges")
	f.String("strategy", defaults.Strategy.String(), "Channel selection strategy (sequential, random, learned, fixed-optimal)")
	f.Bool("react", defaults.ReactToMitigation, "Hop channels when the victim stops transmitting")
	f.Uint16("channel-bound", defaults.ChannelBound, "Exclusive upper bound of selectable channels")
	f.Uint64("seed", 0, "Random seed; 0 seeds from the clock")
	f.String("agent-addr", agent.DefaultAddress, "Agent server address for the learned strategy")
	f.String("metrics-addr", "", "HTTP address for Prometheus /metrics; empty disables")
	f.String("telemetry", "", "SQLite file for burst and channel events; empty disables")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range runFlags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

// Summary is what one run produced.
type Summary struct {
	RunID            string
	Strategy         jammer.StrategyKind
	SimElapsed       time.Duration
	Interrupted      bool
	Controller       jammer.Stats
	State            jammer.State
	Medium           medium.Stats
	PDR              float64
	BatteryCapacity  float64
	BatteryRemaining float64
	Recharges        uint64
	TelemetryDropped uint64
}

type pendingCounter interface {
	Pending() int
}

func run(ctx context.Context, cfg config.Config, log logging.Logger) (Summary, error) {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return Summary{}, fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	collector, err := observability.NewJammerCollector(reg)
	if err != nil {
		return Summary{}, fmt.Errorf("init metrics: %w", err)
	}
	if cfg.Metrics.Address != "" {
		lis, err := net.Listen("tcp", cfg.Metrics.Address)
		if err != nil {
			return Summary{}, fmt.Errorf("listen for metrics on %s: %w", cfg.Metrics.Address, err)
		}
		metricsSrv := serveMetrics(lis, collector.Handler(), log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	mode := timectrl.RealTime
	if cfg.Sim.Accelerated {
		mode = timectrl.Accelerated
	}
	start := time.Now().UTC()
	tc := timectrl.NewTimeController(start, cfg.Sim.Tick, mode)
	s := sched.NewEventScheduler(tc)

	m, err := medium.New(cfg.Medium, s)
	if err != nil {
		return Summary{}, err
	}
	battery := medium.NewBattery(cfg.Sim.BatteryJoules)
	battery.OnDepleted(func() {
		log.Warn(ctx, "battery depleted", logging.Time("sim_time", tc.Now()))
	})
	m.SetEnergyMeter(battery)

	var recharges uint64
	if cfg.Sim.BatteryJoules > 0 && cfg.Sim.RechargeEvery > 0 {
		recharge := sched.NewTimer("recharge", s)
		var refill func()
		refill = func() {
			battery.Recharge()
			recharges++
			log.Debug(ctx, "battery recharged", logging.Time("sim_time", s.Now()))
			recharge.Arm(cfg.Sim.RechargeEvery, refill)
		}
		recharge.Arm(cfg.Sim.RechargeEvery, refill)
		defer recharge.Cancel()
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	opts := []jammer.Option{
		jammer.WithMedium(m),
		jammer.WithPowerSource(battery),
		jammer.WithLogger(log),
		jammer.WithMetricsRecorder(collector),
		jammer.WithRand(rand.New(rand.NewPCG(seed, seed^0xda3e39cb94b95bdb))),
		jammer.WithAgentTimeout(cfg.AgentTimeout),
	}

	var store *telemetry.Store
	if cfg.Telemetry.Path != "" {
		store, err = telemetry.Open(ctx, cfg.Telemetry.Path, cfg.Jammer, telemetry.Options{
			BufferSize: cfg.Telemetry.BufferSize,
			Logger:     log,
		})
		if err != nil {
			return Summary{}, err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Warn(context.Background(), "closing telemetry store", logging.Err(err))
			}
		}()
		opts = append(opts, jammer.WithEventSink(store), jammer.WithID(store.RunID()))
	}

	if cfg.Jammer.Strategy == jammer.StrategyLearned {
		bridge := agent.NewBridge(cfg.Agent.Address, log)
		defer func() { _ = bridge.Close() }()
		opts = append(opts, jammer.WithAgentBridge(bridge))
	}

	ctrl := jammer.New(s, opts...)
	defer ctrl.Close()
	if err := ctrl.Configure(cfg.Jammer); err != nil {
		return Summary{}, err
	}
	if cfg.FixedOptimalChannel != 0 {
		ctrl.SetFixedOptimalChannel(cfg.FixedOptimalChannel)
	}
	m.SetListener(ctrl)

	tc.AddListener(func(time.Time) {
		s.RunDue()
		if p, ok := s.(pendingCounter); ok {
			collector.SetPendingEvents(p.Pending())
		}
	})

	log.Info(ctx, "starting simulation",
		logging.String("strategy", cfg.Jammer.Strategy.String()),
		logging.Duration("duration", cfg.Sim.Duration),
		logging.Duration("tick", cfg.Sim.Tick),
		logging.String("mode", mode.String()),
	)

	ctrl.Start()
	m.Start()
	<-tc.Run(ctx, cfg.Sim.Duration)
	m.Stop()
	ctrl.Stop()

	sum := Summary{
		Strategy:         cfg.Jammer.Strategy,
		SimElapsed:       tc.Elapsed(),
		Interrupted:      errors.Is(ctx.Err(), context.Canceled),
		Controller:       ctrl.Stats(),
		State:            ctrl.State(),
		Medium:           m.Stats(),
		PDR:              m.PacketDeliveryRatio(),
		BatteryCapacity:  cfg.Sim.BatteryJoules,
		BatteryRemaining: battery.Remaining(),
		Recharges:        recharges,
	}
	if store != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Flush(flushCtx); err != nil {
			log.Warn(ctx, "flushing telemetry", logging.Err(err))
		}
		sum.RunID = store.RunID()
		sum.TelemetryDropped = store.Dropped()
	}

	log.Info(context.Background(), "simulation finished",
		logging.Duration("sim_elapsed", sum.SimElapsed),
		logging.Uint("bursts", sum.Controller.Bursts),
		logging.Uint("channel_switches", sum.Controller.ChannelSwitches),
		logging.Float64("pdr", sum.PDR),
	)
	return sum, nil
}

func printSummary(w io.Writer, s Summary) {
	if s.RunID != "" {
		fmt.Fprintf(w, "Run %s\n", s.RunID)
	}
	fmt.Fprintf(w, "Strategy:            %s\n", s.Strategy)
	fmt.Fprintf(w, "Simulated time:      %s", s.SimElapsed)
	if s.Interrupted {
		fmt.Fprint(w, " (interrupted)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Bursts:              %d sent, %d failed, %d skipped\n",
		s.Controller.Bursts-s.Controller.TransmissionFailures, s.Controller.TransmissionFailures, s.Controller.SkippedBursts)
	fmt.Fprintf(w, "Mitigation timeouts: %d (%d ignored)\n",
		s.Controller.MitigationTimeouts, s.Controller.IgnoredTimeouts)
	fmt.Fprintf(w, "Channel switches:    %d, now on %d\n", s.Controller.ChannelSwitches, s.State.CurrentChannel)
	if s.Strategy == jammer.StrategyLearned {
		fmt.Fprintf(w, "Agent requests:      %d (%d failed, %d dropped)\n",
			s.Controller.AgentRequests, s.Controller.AgentFailures, s.Controller.DroppedDecisions)
	}
	fmt.Fprintf(w, "Victim:              channel %d after %d hops\n", s.Medium.VictimChannel, s.Medium.VictimHops)
	fmt.Fprintf(w, "Victim packets:      %d sent, %d lost, PDR %.3f\n", s.Medium.PacketsSent, s.Medium.PacketsLost, s.PDR)
	fmt.Fprintf(w, "Energy:              %.6f J", s.Medium.EnergyJ)
	if s.BatteryCapacity > 0 {
		fmt.Fprintf(w, ", %.6f J left", s.BatteryRemaining)
		if s.Recharges > 0 {
			fmt.Fprintf(w, " after %d recharges", s.Recharges)
		}
	}
	fmt.Fprintln(w)
	if s.TelemetryDropped > 0 {
		fmt.Fprintf(w, "Telemetry dropped:   %d events\n", s.TelemetryDropped)
	}
}

func serveMetrics(lis net.Listener, handler http.Handler, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.String("error", err.Error()))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", lis.Addr().String()))
	return srv
}
