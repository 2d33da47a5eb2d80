package agent

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/signalsfoundry/reactive-jammer/internal/logging"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Policy chooses channels for an open session. Implementations are
// called with the server's session lock held.
type Policy interface {
	Reset(initialChannel, numChannels uint16)
	Choose(channel uint16, signalStrengthDbm float64) uint16
}

// BanditPolicy keeps a running mean of the signal strength seen on each
// channel and moves to the strongest one it knows about, exploring a
// random channel with probability Epsilon.
type BanditPolicy struct {
	Epsilon float64

	rng   *rand.Rand
	num   uint16
	mean  []float64
	count []int
}

// NewBanditPolicy returns a policy using rng for exploration; nil seeds
// one from the wall clock.
func NewBanditPolicy(epsilon float64, rng *rand.Rand) *BanditPolicy {
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1))
	}
	return &BanditPolicy{Epsilon: epsilon, rng: rng}
}

func (p *BanditPolicy) Reset(_ uint16, numChannels uint16) {
	p.num = numChannels
	p.mean = make([]float64, numChannels)
	p.count = make([]int, numChannels)
}

func (p *BanditPolicy) Choose(channel uint16, rssDbm float64) uint16 {
	if p.num < 2 {
		return channel
	}
	if int(channel) < len(p.mean) {
		p.count[channel]++
		p.mean[channel] += (rssDbm - p.mean[channel]) / float64(p.count[channel])
	}

	if p.rng.Float64() < p.Epsilon {
		return uint16(p.rng.IntN(int(p.num)-1)) + 1
	}

	// Unvisited channels win so every channel gets sampled once.
	best, bestScore, found := uint16(0), 0.0, false
	for ch := uint16(1); ch < p.num; ch++ {
		if ch == channel {
			continue
		}
		if p.count[ch] == 0 {
			return ch
		}
		if !found || p.mean[ch] > bestScore {
			best, bestScore, found = ch, p.mean[ch], true
		}
	}
	if !found {
		return channel
	}
	return best
}

var _ ChannelAgentServer = (*Server)(nil)

// Server serves one agent session at a time; a new Open replaces the
// previous one.
type Server struct {
	log    logging.Logger
	policy Policy

	mu   sync.Mutex
	open bool
	num  uint16
}

// NewServer wraps policy for the gRPC surface.
func NewServer(policy Policy, log logging.Logger) *Server {
	if policy == nil {
		policy = NewBanditPolicy(0.1, nil)
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Server{log: log, policy: policy}
}

func (s *Server) Open(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	log := requestLogger(ctx, s.log)

	initial, err := channelField(req, fieldInitialChannel)
	if err != nil {
		return nil, ToStatusError(err)
	}
	num, err := channelField(req, fieldNumChannels)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if num < 2 || initial >= num {
		return nil, ToStatusError(invalidf("initial channel %d with %d channels", initial, num))
	}

	s.mu.Lock()
	s.policy.Reset(initial, num)
	s.open = true
	s.num = num
	s.mu.Unlock()

	log.Info(ctx, "agent session opened",
		logging.Int("initial_channel", int(initial)),
		logging.Int("num_channels", int(num)),
	)
	return &emptypb.Empty{}, nil
}

func (s *Server) Decide(ctx context.Context, req *structpb.Struct) (*wrapperspb.UInt32Value, error) {
	log := requestLogger(ctx, s.log)

	channel, err := channelField(req, fieldChannel)
	if err != nil {
		return nil, ToStatusError(err)
	}
	rss, err := numberField(req, fieldSignalStrengthDbm)
	if err != nil {
		return nil, ToStatusError(err)
	}

	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, ToStatusError(ErrNotOpen)
	}
	if channel >= s.num {
		num := s.num
		s.mu.Unlock()
		return nil, ToStatusError(invalidf("channel %d outside %d channels", channel, num))
	}
	next := s.policy.Choose(channel, rss)
	s.mu.Unlock()

	log.Debug(ctx, "agent decided",
		logging.Int("channel", int(channel)),
		logging.Float64("rss_dbm", rss),
		logging.Int("next_channel", int(next)),
	)
	return wrapperspb.UInt32(uint32(next)), nil
}

// NewGRPCServer builds a gRPC server with the agent service registered
// behind request-id and logging interceptors. Extra interceptors run
// after those.
func NewGRPCServer(srv ChannelAgentServer, log logging.Logger, interceptors ...grpc.UnaryServerInterceptor) *grpc.Server {
	chain := append([]grpc.UnaryServerInterceptor{
		RequestIDUnaryServerInterceptor(log),
		LoggingUnaryServerInterceptor(),
	}, interceptors...)
	gs := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(chain...),
	)
	RegisterChannelAgentServer(gs, srv)
	return gs
}

// RequestIDUnaryServerInterceptor ensures a request_id is present on the
// context, sourcing it from inbound metadata if provided, and attaches a
// per-request logger annotated with request_id and method.
func RequestIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if incoming := firstHeader(md, requestIDMetadataKey); incoming != "" {
				ctx = logging.ContextWithRequestID(ctx, incoming)
			}
		}

		ctx, reqLog := logging.WithRequestLogger(ctx, base.With(logging.String("method", info.FullMethod)))
		ctx = logging.ContextWithLogger(ctx, reqLog)

		return handler(ctx, req)
	}
}

// LoggingUnaryServerInterceptor logs failed calls with their status code
// using the request logger placed by RequestIDUnaryServerInterceptor.
func LoggingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			log := requestLogger(ctx, logging.Noop())
			log.Warn(ctx, "agent call failed",
				logging.String("code", status.Code(err).String()),
				logging.Duration("elapsed", time.Since(start)),
				logging.Err(err),
			)
		}
		return resp, err
	}
}

func requestLogger(ctx context.Context, fallback logging.Logger) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return fallback
}

func firstHeader(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
