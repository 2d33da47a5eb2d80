// Package agent carries the request/response protocol between the jammer
// and an out-of-process channel-decision agent. The wire format is gRPC
// with well-known protobuf types, so any language with a gRPC runtime can
// implement the agent side without generated stubs.
package agent

import (
	"context"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DefaultPort is the fixed port the agent listens on.
const DefaultPort = 5557

// DefaultAddress is where the bridge dials when nothing else is configured.
var DefaultAddress = fmt.Sprintf("127.0.0.1:%d", DefaultPort)

const (
	serviceName  = "jammer.agent.v1.ChannelAgent"
	openMethod   = "/" + serviceName + "/Open"
	decideMethod = "/" + serviceName + "/Decide"
)

// Field names of the Struct payloads.
const (
	fieldInitialChannel    = "initial_channel"
	fieldNumChannels       = "num_channels"
	fieldChannel           = "channel"
	fieldSignalStrengthDbm = "signal_strength_dbm"
)

// ChannelAgentServer is the agent side of the protocol.
type ChannelAgentServer interface {
	// Open starts a session: {initial_channel, num_channels}.
	Open(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	// Decide maps an observation {channel, signal_strength_dbm} to the
	// channel to jam next.
	Decide(context.Context, *structpb.Struct) (*wrapperspb.UInt32Value, error)
}

// RegisterChannelAgentServer registers srv on s.
func RegisterChannelAgentServer(s grpc.ServiceRegistrar, srv ChannelAgentServer) {
	s.RegisterService(&channelAgentServiceDesc, srv)
}

var channelAgentServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ChannelAgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Open", Handler: openHandler},
		{MethodName: "Decide", Handler: decideHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func openHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChannelAgentServer).Open(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: openMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ChannelAgentServer).Open(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func decideHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChannelAgentServer).Decide(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: decideMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ChannelAgentServer).Decide(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// channelField reads a channel number from s, rejecting anything that is
// not a whole number in uint16 range.
func channelField(s *structpb.Struct, key string) (uint16, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrInvalidRequest, key)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidRequest, key)
	}
	f := n.NumberValue
	if f < 0 || f > math.MaxUint16 || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %q = %v is not a channel", ErrInvalidRequest, key, f)
	}
	return uint16(f), nil
}

func numberField(s *structpb.Struct, key string) (float64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrInvalidRequest, key)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidRequest, key)
	}
	return n.NumberValue, nil
}
