package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalsfoundry/reactive-jammer/internal/jammer"
	"github.com/signalsfoundry/reactive-jammer/internal/logging"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	tracerName           = "github.com/signalsfoundry/reactive-jammer/internal/agent"
	requestIDMetadataKey = "x-request-id"
)

var _ jammer.AgentBridge = (*Bridge)(nil)

// Bridge is the jammer-side client of the agent protocol.
type Bridge struct {
	addr     string
	log      logging.Logger
	dialOpts []grpc.DialOption

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewBridge returns a bridge to the agent at addr (DefaultAddress when
// empty). Extra dial options are appended after the defaults, which are
// plaintext transport and OpenTelemetry client instrumentation.
func NewBridge(addr string, log logging.Logger, opts ...grpc.DialOption) *Bridge {
	if addr == "" {
		addr = DefaultAddress
	}
	if log == nil {
		log = logging.Noop()
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	return &Bridge{
		addr:     addr,
		log:      log.With(logging.String("agent_addr", addr)),
		dialOpts: append(dialOpts, opts...),
	}
}

// Open connects (once) and starts an agent session.
func (b *Bridge) Open(ctx context.Context, initialChannel, numChannels uint16) error {
	conn, err := b.connection()
	if err != nil {
		return err
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		fieldInitialChannel: float64(initialChannel),
		fieldNumChannels:    float64(numChannels),
	})
	if err != nil {
		return fmt.Errorf("agent open: %w", err)
	}

	ctx, reqID := outgoingRequestID(ctx)
	if err := conn.Invoke(ctx, openMethod, req, new(emptypb.Empty)); err != nil {
		return fromStatusError("open", err)
	}
	b.log.Info(ctx, "agent session opened",
		logging.String("request_id", reqID),
		logging.Int("initial_channel", int(initialChannel)),
		logging.Int("num_channels", int(numChannels)),
	)
	return nil
}

// RequestChannel sends obs to the agent and returns its choice.
func (b *Bridge) RequestChannel(ctx context.Context, obs jammer.Observation) (uint16, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "agent.RequestChannel",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("jammer.channel", int(obs.CurrentChannel)),
			attribute.Int("jammer.channel_bound", int(obs.ChannelBound)),
			attribute.Float64("jammer.rss_dbm", obs.SignalStrengthDbm),
		),
	)
	defer span.End()

	ch, err := b.requestChannel(ctx, obs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Int("jammer.next_channel", int(ch)))
	return ch, nil
}

func (b *Bridge) requestChannel(ctx context.Context, obs jammer.Observation) (uint16, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return 0, fmt.Errorf("agent decide: %w", ErrNotOpen)
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		fieldChannel:           float64(obs.CurrentChannel),
		fieldSignalStrengthDbm: obs.SignalStrengthDbm,
	})
	if err != nil {
		return 0, fmt.Errorf("agent decide: %w", err)
	}

	ctx, reqID := outgoingRequestID(ctx)
	resp := new(wrapperspb.UInt32Value)
	if err := conn.Invoke(ctx, decideMethod, req, resp); err != nil {
		return 0, fromStatusError("decide", err)
	}

	ch := resp.GetValue()
	if obs.ChannelBound > 0 && (ch == 0 || ch >= uint32(obs.ChannelBound)) {
		return 0, fmt.Errorf("%w: %d not in [1, %d]", ErrBadDecision, ch, obs.ChannelBound-1)
	}
	b.log.Debug(ctx, "agent decision",
		logging.String("request_id", reqID),
		logging.Int("channel", int(obs.CurrentChannel)),
		logging.Int("next_channel", int(ch)),
	)
	return uint16(ch), nil
}

// Close releases the connection.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

func (b *Bridge) connection() (*grpc.ClientConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn, nil
	}
	conn, err := grpc.NewClient(b.addr, b.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("agent dial %s: %w", b.addr, err)
	}
	b.conn = conn
	return conn, nil
}

// outgoingRequestID ensures ctx carries a request ID and forwards it as
// metadata so both sides log the same value.
func outgoingRequestID(ctx context.Context) (context.Context, string) {
	ctx, id := logging.EnsureRequestID(ctx)
	return metadata.AppendToOutgoingContext(ctx, requestIDMetadataKey, id), id
}
