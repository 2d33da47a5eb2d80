package observability

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// AgentCollector holds the agent server's RPC metrics. The server exposes a
// single service, so series are labelled by method only.
type AgentCollector struct {
	gatherer prometheus.Gatherer

	Calls    *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

func NewAgentCollector(reg prometheus.Registerer) (*AgentCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	calls, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_rpcs_total",
		Help: "Channel agent RPCs by method and gRPC status code.",
	}, []string{"method", "code"}), "agent_rpcs_total")
	if err != nil {
		return nil, err
	}
	latency, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_rpc_duration_seconds",
		Help:    "Time spent inside channel agent handlers.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"method"}), "agent_rpc_duration_seconds")
	if err != nil {
		return nil, err
	}
	inFlight, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agent_rpcs_in_flight",
		Help: "Channel agent RPCs currently being handled.",
	}), "agent_rpcs_in_flight")
	if err != nil {
		return nil, err
	}

	return &AgentCollector{gatherer: gatherer, Calls: calls, Latency: latency, InFlight: inFlight}, nil
}

// UnaryServerInterceptor counts and times every unary call.
func (c *AgentCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if c == nil {
			return handler(ctx, req)
		}
		method := "unknown"
		if info != nil {
			method = methodName(info.FullMethod)
		}

		c.InFlight.Inc()
		start := time.Now()
		resp, err := handler(ctx, req)
		c.InFlight.Dec()

		c.Calls.WithLabelValues(method, status.Code(err).String()).Inc()
		c.Latency.WithLabelValues(method).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

func (c *AgentCollector) Handler() http.Handler {
	return handlerFor(c.gatherer)
}

// methodName returns the last element of a "/pkg.Service/Method" path.
func methodName(fullMethod string) string {
	m := path.Base(fullMethod)
	if m == "." || m == "/" || m == "" {
		return "unknown"
	}
	return m
}
