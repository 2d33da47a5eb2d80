package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/reactive-jammer/internal/jammer"
	"github.com/signalsfoundry/reactive-jammer/internal/logging"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// startAgent serves srv on a loopback port and returns its address.
func startAgent(t *testing.T, srv ChannelAgentServer) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	gs := NewGRPCServer(srv, logging.Noop())
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return lis.Addr().String()
}

func newTestBridge(t *testing.T, addr string) *Bridge {
	t.Helper()
	b := NewBridge(addr, logging.Noop())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type fixedPolicy struct {
	mu     sync.Mutex
	resets int
	seen   []uint16
	next   uint16
}

func (p *fixedPolicy) Reset(uint16, uint16) {
	p.mu.Lock()
	p.resets++
	p.mu.Unlock()
}

func (p *fixedPolicy) Choose(ch uint16, _ float64) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, ch)
	return p.next
}

func TestBridgeRoundTrip(t *testing.T) {
	policy := &fixedPolicy{next: 6}
	addr := startAgent(t, NewServer(policy, logging.Noop()))
	b := newTestBridge(t, addr)
	ctx := testContext(t)

	if err := b.Open(ctx, 3, 10); err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := b.RequestChannel(ctx, jammer.Observation{CurrentChannel: 3, ChannelBound: 10, SignalStrengthDbm: -62.5})
	if err != nil {
		t.Fatalf("RequestChannel: %v", err)
	}
	if got != 6 {
		t.Fatalf("RequestChannel = %d, want 6", got)
	}

	policy.mu.Lock()
	defer policy.mu.Unlock()
	if policy.resets != 1 {
		t.Fatalf("policy resets = %d, want 1", policy.resets)
	}
	if len(policy.seen) != 1 || policy.seen[0] != 3 {
		t.Fatalf("policy saw %v, want [3]", policy.seen)
	}
}

func TestBridgeRequestBeforeOpen(t *testing.T) {
	b := NewBridge("127.0.0.1:1", logging.Noop())
	_, err := b.RequestChannel(context.Background(), jammer.Observation{CurrentChannel: 1, ChannelBound: 10})
	if !errors.Is(err, ErrNotOpen) {
		t.Fatalf("RequestChannel before Open err = %v, want ErrNotOpen", err)
	}
}

func TestServerDecideBeforeOpen(t *testing.T) {
	addr := startAgent(t, NewServer(&fixedPolicy{next: 2}, logging.Noop()))
	b := newTestBridge(t, addr)
	ctx := testContext(t)

	// Dial without opening a session on the server.
	if _, err := b.connection(); err != nil {
		t.Fatalf("connection: %v", err)
	}
	_, err := b.RequestChannel(ctx, jammer.Observation{CurrentChannel: 1, ChannelBound: 10})
	if !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Decide before Open err = %v, want ErrNotOpen", err)
	}
}

func TestBridgeRejectsOutOfRangeDecision(t *testing.T) {
	ctx := testContext(t)
	for _, next := range []uint16{0, 10, 42} {
		addr := startAgent(t, NewServer(&fixedPolicy{next: next}, logging.Noop()))
		b := newTestBridge(t, addr)
		if err := b.Open(ctx, 1, 10); err != nil {
			t.Fatalf("Open: %v", err)
		}
		_, err := b.RequestChannel(ctx, jammer.Observation{CurrentChannel: 1, ChannelBound: 10})
		if !errors.Is(err, ErrBadDecision) {
			t.Fatalf("decision %d err = %v, want ErrBadDecision", next, err)
		}
	}
}

func TestBridgeUnavailable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr := lis.Addr().String()
	_ = lis.Close()

	b := newTestBridge(t, addr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Open(ctx, 1, 10); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Open against closed port err = %v, want ErrUnavailable", err)
	}
}

func TestServerValidatesRequests(t *testing.T) {
	srv := NewServer(&fixedPolicy{next: 2}, logging.Noop())
	ctx := context.Background()

	mustStruct := func(m map[string]interface{}) *structpb.Struct {
		s, err := structpb.NewStruct(m)
		if err != nil {
			t.Fatalf("NewStruct: %v", err)
		}
		return s
	}

	openCases := []struct {
		name string
		req  map[string]interface{}
	}{
		{name: "missing num", req: map[string]interface{}{fieldInitialChannel: 1}},
		{name: "fractional", req: map[string]interface{}{fieldInitialChannel: 1.5, fieldNumChannels: 10}},
		{name: "negative", req: map[string]interface{}{fieldInitialChannel: -1, fieldNumChannels: 10}},
		{name: "string", req: map[string]interface{}{fieldInitialChannel: "1", fieldNumChannels: 10}},
		{name: "too few channels", req: map[string]interface{}{fieldInitialChannel: 0, fieldNumChannels: 1}},
		{name: "initial out of range", req: map[string]interface{}{fieldInitialChannel: 10, fieldNumChannels: 10}},
	}
	for _, tc := range openCases {
		t.Run("open/"+tc.name, func(t *testing.T) {
			_, err := srv.Open(ctx, mustStruct(tc.req))
			if code := status.Code(err); code != codes.InvalidArgument {
				t.Fatalf("Open(%v) code = %v, want InvalidArgument", tc.req, code)
			}
		})
	}

	if _, err := srv.Open(ctx, mustStruct(map[string]interface{}{fieldInitialChannel: 1, fieldNumChannels: 10})); err != nil {
		t.Fatalf("Open: %v", err)
	}

	decideCases := []struct {
		name string
		req  map[string]interface{}
	}{
		{name: "missing rss", req: map[string]interface{}{fieldChannel: 1}},
		{name: "channel beyond session", req: map[string]interface{}{fieldChannel: 12, fieldSignalStrengthDbm: -70}},
	}
	for _, tc := range decideCases {
		t.Run("decide/"+tc.name, func(t *testing.T) {
			_, err := srv.Decide(ctx, mustStruct(tc.req))
			if code := status.Code(err); code != codes.InvalidArgument {
				t.Fatalf("Decide(%v) code = %v, want InvalidArgument", tc.req, code)
			}
		})
	}
}

type recordingAgent struct {
	mu  sync.Mutex
	ids []string
}

func (a *recordingAgent) Open(ctx context.Context, _ *structpb.Struct) (*emptypb.Empty, error) {
	a.mu.Lock()
	a.ids = append(a.ids, logging.RequestIDFromContext(ctx))
	a.mu.Unlock()
	return &emptypb.Empty{}, nil
}

func (a *recordingAgent) Decide(ctx context.Context, _ *structpb.Struct) (*wrapperspb.UInt32Value, error) {
	a.mu.Lock()
	a.ids = append(a.ids, logging.RequestIDFromContext(ctx))
	a.mu.Unlock()
	return wrapperspb.UInt32(1), nil
}

func TestRequestIDPropagates(t *testing.T) {
	agent := &recordingAgent{}
	addr := startAgent(t, agent)
	b := newTestBridge(t, addr)
	ctx := logging.ContextWithRequestID(testContext(t), "req-42")

	if err := b.Open(ctx, 1, 4); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := b.RequestChannel(ctx, jammer.Observation{CurrentChannel: 1, ChannelBound: 4}); err != nil {
		t.Fatalf("RequestChannel: %v", err)
	}

	agent.mu.Lock()
	defer agent.mu.Unlock()
	if len(agent.ids) != 2 {
		t.Fatalf("agent saw %d calls, want 2", len(agent.ids))
	}
	for i, id := range agent.ids {
		if id != "req-42" {
			t.Fatalf("call %d request_id = %q, want req-42", i, id)
		}
	}
}

func TestToStatusError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		code    codes.Code
		wantNil bool
	}{
		{name: "nil", err: nil, wantNil: true},
		{name: "status passthrough", err: status.Error(codes.PermissionDenied, "denied"), code: codes.PermissionDenied},
		{name: "invalid request", err: fmt.Errorf("%w: bad", ErrInvalidRequest), code: codes.InvalidArgument},
		{name: "not open", err: ErrNotOpen, code: codes.FailedPrecondition},
		{name: "fallback", err: errors.New("boom"), code: codes.Internal},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ToStatusError(tc.err)
			if tc.wantNil {
				if got != nil {
					t.Fatalf("ToStatusError(nil) = %v, want nil", got)
				}
				return
			}
			if code := status.Code(got); code != tc.code {
				t.Fatalf("ToStatusError(%v) code = %v, want %v", tc.err, code, tc.code)
			}
		})
	}
}

func TestFromStatusError(t *testing.T) {
	tests := []struct {
		code codes.Code
		want error
	}{
		{codes.Unavailable, ErrUnavailable},
		{codes.DeadlineExceeded, ErrUnavailable},
		{codes.Canceled, ErrUnavailable},
		{codes.InvalidArgument, ErrInvalidRequest},
		{codes.FailedPrecondition, ErrNotOpen},
	}
	for _, tc := range tests {
		err := fromStatusError("decide", status.Error(tc.code, "x"))
		if !errors.Is(err, tc.want) {
			t.Fatalf("fromStatusError(%v) = %v, want %v", tc.code, err, tc.want)
		}
	}
	if err := fromStatusError("decide", nil); err != nil {
		t.Fatalf("fromStatusError(nil) = %v", err)
	}
}

func TestBanditPolicySamplesThenExploits(t *testing.T) {
	p := NewBanditPolicy(0, rand.New(rand.NewPCG(1, 2)))
	p.Reset(1, 4)

	// Channels 1..3 are unvisited; the policy walks them first.
	if got := p.Choose(1, -80); got != 2 {
		t.Fatalf("first choice = %d, want 2", got)
	}
	if got := p.Choose(2, -40); got != 3 {
		t.Fatalf("second choice = %d, want 3", got)
	}
	// All sampled: channel 2 had the strongest signal.
	if got := p.Choose(3, -90); got != 2 {
		t.Fatalf("exploit choice = %d, want 2", got)
	}
	// Never answers with the channel it was asked about when greedy.
	if got := p.Choose(2, -30); got == 2 {
		t.Fatalf("greedy choice stayed on current channel")
	}
}

func TestBanditPolicyExploresInRange(t *testing.T) {
	p := NewBanditPolicy(1, rand.New(rand.NewPCG(7, 7)))
	p.Reset(1, 10)
	for i := 0; i < 1000; i++ {
		got := p.Choose(1, -50)
		if got < 1 || got > 9 {
			t.Fatalf("explore choice %d out of [1, 9]", got)
		}
	}
}
