package jammer

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// StrategyKind selects the channel-selection policy used when reacting to
// mitigation. The numeric values are stable and accepted as selectors in
// configuration files.
type StrategyKind uint32

const (
	StrategySequential   StrategyKind = 1
	StrategyRandom       StrategyKind = 2
	StrategyLearned      StrategyKind = 3
	StrategyFixedOptimal StrategyKind = 4
)

func (k StrategyKind) String() string {
	switch k {
	case StrategySequential:
		return "sequential"
	case StrategyRandom:
		return "random"
	case StrategyLearned:
		return "learned"
	case StrategyFixedOptimal:
		return "fixed-optimal"
	default:
		return "unknown(" + strconv.FormatUint(uint64(k), 10) + ")"
	}
}

// Valid reports whether k names one of the four strategies.
func (k StrategyKind) Valid() bool {
	return k >= StrategySequential && k <= StrategyFixedOptimal
}

// MarshalText implements encoding.TextMarshaler.
func (k StrategyKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: unknown strategy %d", ErrInvalidConfig, uint32(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *StrategyKind) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategyKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseStrategyKind accepts a strategy name, one of its aliases, or its
// numeric selector.
func ParseStrategyKind(s string) (StrategyKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sequential", "frequency", "increment", "1":
		return StrategySequential, nil
	case "random", "2":
		return StrategyRandom, nil
	case "learned", "rl", "agent", "3":
		return StrategyLearned, nil
	case "fixed-optimal", "fixed_optimal", "optimal", "4":
		return StrategyFixedOptimal, nil
	default:
		return 0, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, s)
	}
}

// Defaults of the jammer attribute surface.
const (
	DefaultTxPowerW          = 0.001 // 0 dBm
	DefaultJammingDuration   = 4 * time.Millisecond
	DefaultInterval          = 100 * time.Microsecond
	DefaultMitigationTimeout = 200 * time.Millisecond
	DefaultChannelBound      = 10
)

// FallbackBurstDelay is how long the controller waits before the next burst
// after observed activity ends or a burst finishes transmitting. It is
// deliberately independent of Config.Interval.
const FallbackBurstDelay = 1 * time.Second

// Config holds the jammer's tunables.
type Config struct {
	// TxPowerW is the jamming transmit power in watts.
	TxPowerW float64
	// JammingDuration is how long each burst occupies the channel.
	JammingDuration time.Duration
	// Interval is the delay between detected activity and the burst that
	// answers it. Zero means jam immediately.
	Interval time.Duration
	// MitigationTimeout is how long the jammer waits without seeing the
	// target before it assumes the target moved and hops.
	MitigationTimeout time.Duration
	// ReactToMitigation enables the mitigation timer and channel chasing.
	ReactToMitigation bool
	// ChannelBound is the exclusive upper channel number; strategies pick
	// from 1..ChannelBound-1.
	ChannelBound uint16
	Strategy     StrategyKind
}

// DefaultConfig returns the attribute defaults.
func DefaultConfig() Config {
	return Config{
		TxPowerW:          DefaultTxPowerW,
		JammingDuration:   DefaultJammingDuration,
		Interval:          DefaultInterval,
		MitigationTimeout: DefaultMitigationTimeout,
		ReactToMitigation: false,
		ChannelBound:      DefaultChannelBound,
		Strategy:          StrategySequential,
	}
}

// Validate checks every field and returns an error wrapping ErrInvalidConfig
// for the first one out of range.
func (c Config) Validate() error {
	switch {
	case c.Interval < 0:
		return fmt.Errorf("%w: interval %s must be >= 0", ErrInvalidConfig, c.Interval)
	case c.TxPowerW < 0 || math.IsNaN(c.TxPowerW) || math.IsInf(c.TxPowerW, 0):
		return fmt.Errorf("%w: tx power %v W must be a finite value >= 0", ErrInvalidConfig, c.TxPowerW)
	case c.JammingDuration < 0:
		return fmt.Errorf("%w: jamming duration %s must be >= 0", ErrInvalidConfig, c.JammingDuration)
	case c.ChannelBound < 2:
		return fmt.Errorf("%w: channel bound %d must be >= 2", ErrInvalidConfig, c.ChannelBound)
	case c.ReactToMitigation && c.MitigationTimeout <= 0:
		return fmt.Errorf("%w: mitigation timeout %s must be > 0 when reacting", ErrInvalidConfig, c.MitigationTimeout)
	case !c.Strategy.Valid():
		return fmt.Errorf("%w: unknown strategy %d", ErrInvalidConfig, uint32(c.Strategy))
	}
	return nil
}
