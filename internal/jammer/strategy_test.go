package jammer

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
)

func TestSequentialWrapsAndSkipsZero(t *testing.T) {
	s := &Sequential{}
	tests := []struct {
		current, bound, want uint16
	}{
		{9, 10, 1},
		{3, 10, 4},
		{0, 10, 1},
		{8, 10, 9},
		{1, 2, 1},
	}
	for _, tc := range tests {
		got, err := s.SelectChannel(context.Background(), Observation{CurrentChannel: tc.current, ChannelBound: tc.bound})
		if err != nil {
			t.Fatalf("SelectChannel: %v", err)
		}
		if got != tc.want {
			t.Fatalf("Sequential(current=%d, bound=%d) = %d, want %d", tc.current, tc.bound, got, tc.want)
		}
	}
}

func TestRandomStaysInRange(t *testing.T) {
	s := NewRandom(rand.New(rand.NewPCG(1, 2)))
	seen := make(map[uint16]bool)
	for i := 0; i < 10000; i++ {
		got, err := s.SelectChannel(context.Background(), Observation{CurrentChannel: 5, ChannelBound: 10})
		if err != nil {
			t.Fatalf("SelectChannel: %v", err)
		}
		if got < 1 || got > 9 {
			t.Fatalf("trial %d: channel %d outside [1, 9]", i, got)
		}
		seen[got] = true
	}
	if len(seen) != 9 {
		t.Fatalf("expected all 9 channels to appear over 10000 trials, saw %d", len(seen))
	}
}

func TestRandomDefaultSource(t *testing.T) {
	s := NewRandom(nil)
	got, _ := s.SelectChannel(context.Background(), Observation{ChannelBound: 2})
	if got != 1 {
		t.Fatalf("bound 2 must always yield channel 1, got %d", got)
	}
}

func TestFixedOptimalIgnoresObservation(t *testing.T) {
	ch := uint16(7)
	s := NewFixedOptimal(func() uint16 { return ch })
	for _, obs := range []Observation{
		{CurrentChannel: 1, ChannelBound: 10, SignalStrengthDbm: -90},
		{CurrentChannel: 9, ChannelBound: 3, SignalStrengthDbm: 10},
	} {
		got, _ := s.SelectChannel(context.Background(), obs)
		if got != 7 {
			t.Fatalf("FixedOptimal = %d, want 7", got)
		}
	}
}

func TestLearnedDelegatesToBridge(t *testing.T) {
	bridge := &fakeBridge{next: 6}
	s := NewLearned(bridge)
	if !isRemote(s) {
		t.Fatalf("learned strategy must be remote")
	}
	obs := Observation{CurrentChannel: 2, ChannelBound: 10, SignalStrengthDbm: -71.5}
	got, err := s.SelectChannel(context.Background(), obs)
	if err != nil || got != 6 {
		t.Fatalf("SelectChannel = %d, %v; want 6", got, err)
	}
	if len(bridge.requests) != 1 || bridge.requests[0] != obs {
		t.Fatalf("bridge saw %v, want [%v]", bridge.requests, obs)
	}

	if _, err := NewLearned(nil).SelectChannel(context.Background(), obs); !errors.Is(err, ErrContractViolation) {
		t.Fatalf("nil bridge err = %v, want ErrContractViolation", err)
	}
}

func TestOnlyLearnedIsRemote(t *testing.T) {
	for _, s := range []Strategy{&Sequential{}, NewRandom(nil), NewFixedOptimal(func() uint16 { return 0 })} {
		if isRemote(s) {
			t.Fatalf("%s must not be remote", s.Kind())
		}
	}
}
