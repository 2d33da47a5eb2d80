package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/reactive-jammer/internal/agent"
	"github.com/signalsfoundry/reactive-jammer/internal/logging"
	"github.com/signalsfoundry/reactive-jammer/internal/observability"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds agent-server settings.
type Config struct {
	ListenAddress  string
	MetricsAddress string
	LogLevel       string
	LogFormat      string
	// Epsilon is the exploration probability of the bandit policy.
	Epsilon float64
	Seed    uint64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("JAMMER_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:          "agent-server",
		Short:        "Channel selection agent for the learned jamming strategy",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := Config{
				ListenAddress:  v.GetString("listen"),
				MetricsAddress: v.GetString("metrics-addr"),
				LogLevel:       v.GetString("log-level"),
				LogFormat:      v.GetString("log-format"),
				Epsilon:        v.GetFloat64("epsilon"),
				Seed:           v.GetUint64("seed"),
			}
			if cfg.Epsilon < 0 || cfg.Epsilon > 1 {
				return fmt.Errorf("epsilon %v must be within [0, 1]", cfg.Epsilon)
			}

			log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cmd.ErrOrStderr()})

			lis, err := net.Listen("tcp", cfg.ListenAddress)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log, lis)
		},
	}

	f := cmd.Flags()
	f.String("listen", fmt.Sprintf(":%d", agent.DefaultPort), "TCP address the agent gRPC server listens on")
	f.String("metrics-addr", "", "HTTP address for Prometheus /metrics; empty disables")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	f.Float64("epsilon", 0.1, "Exploration probability of the bandit policy")
	f.Uint64("seed", 0, "Random seed; 0 seeds from the clock")
	_ = v.BindPFlags(f)
	return cmd
}

// run serves the agent on lis until ctx is cancelled.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv("agent-server"), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewAgentCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddress != "" {
		mlis, err := net.Listen("tcp", cfg.MetricsAddress)
		if err != nil {
			return fmt.Errorf("listen for metrics on %s: %w", cfg.MetricsAddress, err)
		}
		metricsSrv = serveMetrics(mlis, collector.Handler(), log)
	}

	var rng *rand.Rand
	if cfg.Seed != 0 {
		rng = rand.New(rand.NewPCG(cfg.Seed, cfg.Seed>>1))
	}
	policy := agent.NewBanditPolicy(cfg.Epsilon, rng)
	server := agent.NewGRPCServer(agent.NewServer(policy, log), log, collector.UnaryServerInterceptor())

	log.Info(ctx, "starting agent gRPC server",
		logging.String("addr", lis.Addr().String()),
		logging.Float64("epsilon", cfg.Epsilon),
	)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		log.Info(context.Background(), "shutting down agent server")
		server.GracefulStop()
		err = nil
	case err = <-serveErr:
		if err != nil {
			log.Error(context.Background(), "gRPC server exited", logging.Err(err))
		}
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return err
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
