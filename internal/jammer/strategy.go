package jammer

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Strategy picks the channel to hop to when the jammer reacts to
// mitigation.
type Strategy interface {
	Kind() StrategyKind
	SelectChannel(ctx context.Context, obs Observation) (uint16, error)
}

// remoteStrategy is implemented by strategies whose decision is a network
// round trip. The controller runs those off the scheduler loop.
type remoteStrategy interface {
	remote()
}

func isRemote(s Strategy) bool {
	_, ok := s.(remoteStrategy)
	return ok
}

// Sequential hops through 1..bound-1 in order, wrapping around and never
// landing on channel 0.
type Sequential struct{}

func (*Sequential) Kind() StrategyKind { return StrategySequential }

func (*Sequential) SelectChannel(_ context.Context, obs Observation) (uint16, error) {
	return obs.CurrentChannel%(obs.ChannelBound-1) + 1, nil
}

// Random picks a channel uniformly from 1..bound-1.
type Random struct {
	rng *rand.Rand
}

// NewRandom returns a Random strategy drawing from rng. A nil rng uses a
// PCG source seeded from the wall clock.
func NewRandom(rng *rand.Rand) *Random {
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	return &Random{rng: rng}
}

func (*Random) Kind() StrategyKind { return StrategyRandom }

func (r *Random) SelectChannel(_ context.Context, obs Observation) (uint16, error) {
	return uint16(r.rng.IntN(int(obs.ChannelBound)-1)) + 1, nil
}

// Learned defers the decision to the learning agent.
type Learned struct {
	bridge AgentBridge
}

// NewLearned returns a Learned strategy using bridge.
func NewLearned(bridge AgentBridge) *Learned {
	return &Learned{bridge: bridge}
}

func (*Learned) Kind() StrategyKind { return StrategyLearned }

func (*Learned) remote() {}

func (l *Learned) SelectChannel(ctx context.Context, obs Observation) (uint16, error) {
	if l.bridge == nil {
		return 0, fmt.Errorf("%w: learned strategy has no agent bridge", ErrContractViolation)
	}
	return l.bridge.RequestChannel(ctx, obs)
}

// FixedOptimal returns whatever channel an external coordinator last
// pushed, ignoring the observation.
type FixedOptimal struct {
	channel func() uint16
}

// NewFixedOptimal returns a FixedOptimal strategy reading its channel from
// source at decision time.
func NewFixedOptimal(source func() uint16) *FixedOptimal {
	return &FixedOptimal{channel: source}
}

func (*FixedOptimal) Kind() StrategyKind { return StrategyFixedOptimal }

func (f *FixedOptimal) SelectChannel(context.Context, Observation) (uint16, error) {
	return f.channel(), nil
}
