// Package adaptation selects the bitrate tier of the next segment from the
// buffer level and the measured throughput, and schedules segment requests
// on pipelined connections.
package adaptation

import (
	"errors"
	"fmt"
	"time"
)

// Reason identifies the branch of the selection that produced a Decision.
type Reason string

// Decision reasons.
const (
	ReasonNoThroughputSample Reason = "no-throughput-sample"
	ReasonInitialUp          Reason = "initial-up"
	ReasonInitialHold        Reason = "initial-hold"
	ReasonInitialUpDelay     Reason = "initial-up-delay"
	ReasonInitialHoldDelay   Reason = "initial-hold-delay"
	ReasonEmergencyLowest    Reason = "emergency-lowest"
	ReasonLowAtLowest        Reason = "low-at-lowest"
	ReasonLowHold            Reason = "low-hold"
	ReasonLowStepDown        Reason = "low-step-down"
	ReasonOptimalHoldDelay   Reason = "optimal-hold-delay"
	ReasonOptimalStepUp      Reason = "optimal-step-up"
	ReasonHighHoldDelay      Reason = "high-hold-delay"
	ReasonHighStepUp         Reason = "high-step-up"
)

// Errors returned by NewEngine.
var (
	ErrInvalidThresholds = errors.New("buffer thresholds must satisfy 0 < min < low < high")
	ErrInvalidFactor     = errors.New("safety factors must be in (0, 1]")
	ErrEmptyLadder       = errors.New("bitrate ladder is empty")
)

// Params are the tuning parameters of the engine.
type Params struct {
	// BufferMin, BufferLow and BufferHigh split the buffer level into the
	// emergency, low, optimal and high regions.
	BufferMin  time.Duration
	BufferLow  time.Duration
	BufferHigh time.Duration

	// Alfa1 ends the initial increase when the current bitrate exceeds
	// Alfa1 times the recent throughput. Alfa2, Alfa3 and Alfa4 bound the
	// initial increase in the emergency, low and upper regions. Alfa5
	// bounds a step up in steady state.
	Alfa1 float64
	Alfa2 float64
	Alfa3 float64
	Alfa4 float64
	Alfa5 float64

	// DeltaT is the averaging window of the recent throughput.
	DeltaT time.Duration
}

// DefaultParams returns the default tuning parameters.
func DefaultParams() Params {
	return Params{
		BufferMin:  10 * time.Second,
		BufferLow:  20 * time.Second,
		BufferHigh: 50 * time.Second,
		Alfa1:      0.75,
		Alfa2:      0.33,
		Alfa3:      0.5,
		Alfa4:      0.75,
		Alfa5:      0.9,
		DeltaT:     10 * time.Second,
	}
}

// Validate checks the parameters.
func (p Params) Validate() error {
	if p.BufferMin <= 0 || p.BufferMin >= p.BufferLow || p.BufferLow >= p.BufferHigh {
		return ErrInvalidThresholds
	}
	for i, a := range []float64{p.Alfa1, p.Alfa2, p.Alfa3, p.Alfa4, p.Alfa5} {
		if a <= 0 || a > 1 {
			return fmt.Errorf("alfa%d = %v: %w", i+1, a, ErrInvalidFactor)
		}
	}
	return nil
}

// optimal is the middle of the optimal region and the lower bound of every
// delay threshold.
func (p Params) optimal() time.Duration {
	return (p.BufferLow + p.BufferHigh) / 2
}

// Input is everything a selection depends on besides the engine state.
type Input struct {
	BufferGrowing bool
	BufferLevel   time.Duration
	// Throughputs in bit/s.
	ThroughputRecent      float64
	ThroughputLastRequest float64
	CompletedRequests     int
	PreviousTier          int
	// NextSegmentDuration is the nominal duration of the segment being
	// selected, CurrentSegmentDuration the one of the last requested segment.
	NextSegmentDuration    time.Duration
	CurrentSegmentDuration time.Duration
}

// Decision is the outcome of a selection.
type Decision struct {
	Tier    int
	Bitrate float64
	// Delay is the buffer level at or below which the request may be issued.
	// It is only meaningful when HasDelay is set.
	Delay    time.Duration
	HasDelay bool
	Reason   Reason
}

func (d Decision) String() string {
	if d.HasDelay {
		return fmt.Sprintf("tier=%d bitrate=%.0f delay=%s reason=%s", d.Tier, d.Bitrate, d.Delay, d.Reason)
	}
	return fmt.Sprintf("tier=%d bitrate=%.0f reason=%s", d.Tier, d.Bitrate, d.Reason)
}

// Engine selects bitrate tiers. Apart from the initial-increase flag and the
// last delay threshold it keeps no state, so replaying the same inputs on a
// fresh engine yields the same decisions.
type Engine struct {
	params Params
	ladder []float64

	initialIncrease bool
	lastDelay       time.Duration
	hasLastDelay    bool
}

// NewEngine creates an engine for an ascending bitrate ladder.
func NewEngine(params Params, ladder []float64) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(ladder) == 0 {
		return nil, ErrEmptyLadder
	}
	return &Engine{
		params:          params,
		ladder:          append([]float64(nil), ladder...),
		initialIncrease: true,
	}, nil
}

// Params returns the tuning parameters.
func (e *Engine) Params() Params {
	return e.params
}

// Ladder returns the bitrate ladder.
func (e *Engine) Ladder() []float64 {
	return append([]float64(nil), e.ladder...)
}

// InitialIncrease reports whether the engine is still in the initial
// increase phase.
func (e *Engine) InitialIncrease() bool {
	return e.initialIncrease
}

// LastDelay returns the delay threshold of the last decision.
func (e *Engine) LastDelay() (time.Duration, bool) {
	return e.lastDelay, e.hasLastDelay
}

// Select picks the tier of the next segment.
func (e *Engine) Select(in Input) Decision {
	d := e.selectTier(in)
	d.Bitrate = e.ladder[d.Tier]
	e.lastDelay, e.hasLastDelay = d.Delay, d.HasDelay
	return d
}

func (e *Engine) selectTier(in Input) Decision {
	highest := len(e.ladder) - 1
	prev := min(max(in.PreviousTier, 0), highest)

	if in.CompletedRequests == 0 {
		return Decision{Tier: prev, Reason: ReasonNoThroughputSample}
	}

	if e.initialIncrease &&
		(prev == highest || !in.BufferGrowing || e.ladder[prev] > e.params.Alfa1*in.ThroughputRecent) {
		e.initialIncrease = false
	}
	if e.initialIncrease {
		return e.selectInitial(in, prev)
	}
	return e.selectSteady(in, prev, highest)
}

func (e *Engine) selectInitial(in Input, prev int) Decision {
	p := e.params
	beta := in.BufferLevel

	alfa := p.Alfa4
	switch {
	case beta < p.BufferMin:
		alfa = p.Alfa2
	case beta < p.BufferLow:
		alfa = p.Alfa3
	}

	// The initial phase ends at the highest tier, so prev+1 exists.
	up := e.ladder[prev+1] <= alfa*in.ThroughputRecent
	d := Decision{Tier: prev, Reason: ReasonInitialHold}
	if up {
		d = Decision{Tier: prev + 1, Reason: ReasonInitialUp}
	}

	if beta >= p.BufferLow {
		d.Delay = max(p.BufferHigh-in.NextSegmentDuration, p.optimal())
		d.HasDelay = true
		d.Reason = ReasonInitialHoldDelay
		if up {
			d.Reason = ReasonInitialUpDelay
		}
	}
	return d
}

func (e *Engine) selectSteady(in Input, prev, highest int) Decision {
	p := e.params
	beta := in.BufferLevel

	switch {
	case beta < p.BufferMin:
		return Decision{Tier: 0, Reason: ReasonEmergencyLowest}

	case beta < p.BufferLow:
		switch {
		case prev == 0:
			return Decision{Tier: 0, Reason: ReasonLowAtLowest}
		case in.ThroughputLastRequest > e.ladder[prev]:
			return Decision{Tier: prev, Reason: ReasonLowHold}
		default:
			return Decision{Tier: prev - 1, Reason: ReasonLowStepDown}
		}

	case beta < p.BufferHigh:
		if prev == highest || e.ladder[prev+1] >= p.Alfa5*in.ThroughputRecent {
			return Decision{
				Tier:     prev,
				Delay:    max(beta-in.NextSegmentDuration, p.optimal()),
				HasDelay: true,
				Reason:   ReasonOptimalHoldDelay,
			}
		}
		return Decision{Tier: prev + 1, Reason: ReasonOptimalStepUp}

	default:
		if prev == highest || e.ladder[prev+1] >= p.Alfa5*in.ThroughputRecent {
			return Decision{
				Tier:     prev,
				Delay:    max(beta-in.CurrentSegmentDuration, p.optimal()),
				HasDelay: true,
				Reason:   ReasonHighHoldDelay,
			}
		}
		return Decision{Tier: prev + 1, Reason: ReasonHighStepUp}
	}
}
