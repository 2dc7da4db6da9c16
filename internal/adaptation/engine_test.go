package adaptation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLadder = []float64{100_000, 500_000, 1_000_000, 2_000_000}

func scenarioParams() Params {
	return Params{
		BufferMin:  2 * time.Second,
		BufferLow:  10 * time.Second,
		BufferHigh: 30 * time.Second,
		Alfa1:      0.8,
		Alfa2:      0.8,
		Alfa3:      0.8,
		Alfa4:      0.8,
		Alfa5:      0.8,
		DeltaT:     10 * time.Second,
	}
}

func newEngine(t *testing.T, params Params) *Engine {
	t.Helper()
	e, err := NewEngine(params, testLadder)
	require.NoError(t, err)
	return e
}

func steadyEngine(t *testing.T, params Params) *Engine {
	t.Helper()
	e := newEngine(t, params)
	e.initialIncrease = false
	return e
}

func TestEngine_EmergencyLowest(t *testing.T) {
	for _, recent := range []float64{0, 50_000, 1_000_000, 1e12} {
		e := newEngine(t, scenarioParams())
		d := e.Select(Input{
			BufferGrowing:         false,
			BufferLevel:           1500 * time.Millisecond,
			ThroughputRecent:      recent,
			ThroughputLastRequest: recent,
			CompletedRequests:     5,
			PreviousTier:          3,
			NextSegmentDuration:   2 * time.Second,
		})
		assert.Equal(t, 0, d.Tier, "recent=%v", recent)
		assert.Equal(t, ReasonEmergencyLowest, d.Reason)
		assert.False(t, d.HasDelay)
		assert.Equal(t, testLadder[0], d.Bitrate)
	}
}

func TestEngine_SteadyState(t *testing.T) {
	tests := []struct {
		name      string
		buffer    time.Duration
		prev      int
		recent    float64
		last      float64
		wantTier  int
		wantDelay time.Duration
		reason    Reason
	}{
		{name: "low at lowest", buffer: 5 * time.Second, prev: 0, wantTier: 0, reason: ReasonLowAtLowest},
		{name: "low hold", buffer: 5 * time.Second, prev: 2, last: 1_500_000, wantTier: 2, reason: ReasonLowHold},
		{name: "low step down", buffer: 5 * time.Second, prev: 2, last: 500_000, wantTier: 1, reason: ReasonLowStepDown},
		{name: "optimal step up", buffer: 15 * time.Second, prev: 1, recent: 2_000_000, wantTier: 2, reason: ReasonOptimalStepUp},
		{name: "optimal hold", buffer: 25 * time.Second, prev: 1, recent: 1_000_000, wantTier: 1, wantDelay: 23 * time.Second, reason: ReasonOptimalHoldDelay},
		{name: "optimal hold at highest clamps", buffer: 15 * time.Second, prev: 3, recent: 1e9, wantTier: 3, wantDelay: 20 * time.Second, reason: ReasonOptimalHoldDelay},
		{name: "high step up", buffer: 40 * time.Second, prev: 1, recent: 10_000_000, wantTier: 2, reason: ReasonHighStepUp},
		{name: "high hold uses current duration", buffer: 40 * time.Second, prev: 3, recent: 1e9, wantTier: 3, wantDelay: 36 * time.Second, reason: ReasonHighHoldDelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := steadyEngine(t, scenarioParams())
			d := e.Select(Input{
				BufferLevel:            tt.buffer,
				ThroughputRecent:       tt.recent,
				ThroughputLastRequest:  tt.last,
				CompletedRequests:      3,
				PreviousTier:           tt.prev,
				NextSegmentDuration:    2 * time.Second,
				CurrentSegmentDuration: 4 * time.Second,
			})
			assert.Equal(t, tt.wantTier, d.Tier)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.wantDelay != 0, d.HasDelay)
			assert.Equal(t, tt.wantDelay, d.Delay)

			delay, ok := e.LastDelay()
			assert.Equal(t, d.HasDelay, ok)
			assert.Equal(t, d.Delay, delay)
		})
	}
}

func TestEngine_InitialIncrease(t *testing.T) {
	base := Input{
		BufferGrowing:       true,
		CompletedRequests:   1,
		NextSegmentDuration: 2 * time.Second,
	}

	t.Run("holds before the first sample", func(t *testing.T) {
		e := newEngine(t, DefaultParams())
		in := base
		in.CompletedRequests = 0
		in.PreviousTier = 1
		d := e.Select(in)
		assert.Equal(t, 1, d.Tier)
		assert.Equal(t, ReasonNoThroughputSample, d.Reason)
		assert.True(t, e.InitialIncrease())
	})

	t.Run("greedy by region", func(t *testing.T) {
		e := newEngine(t, DefaultParams())

		in := base
		in.BufferLevel = 5 * time.Second
		in.ThroughputRecent = 2_000_000
		d := e.Select(in)
		assert.Equal(t, 1, d.Tier)
		assert.Equal(t, ReasonInitialUp, d.Reason)
		assert.False(t, d.HasDelay)

		in.BufferLevel = 15 * time.Second
		in.PreviousTier = 1
		in.ThroughputRecent = 1_500_000
		d = e.Select(in)
		assert.Equal(t, 1, d.Tier)
		assert.Equal(t, ReasonInitialHold, d.Reason)

		in.BufferLevel = 30 * time.Second
		in.ThroughputRecent = 2_000_000
		d = e.Select(in)
		assert.Equal(t, 2, d.Tier)
		assert.Equal(t, ReasonInitialUpDelay, d.Reason)
		assert.True(t, d.HasDelay)
		assert.Equal(t, 48*time.Second, d.Delay)
		assert.True(t, e.InitialIncrease())
	})

	exits := []struct {
		name   string
		mutate func(*Input)
	}{
		{name: "buffer not growing", mutate: func(in *Input) { in.BufferGrowing = false }},
		{name: "highest tier", mutate: func(in *Input) { in.PreviousTier = 3 }},
		{name: "bitrate above throughput", mutate: func(in *Input) { in.PreviousTier = 2; in.ThroughputRecent = 1_000_000 }},
	}
	for _, tt := range exits {
		t.Run("leaves on "+tt.name, func(t *testing.T) {
			e := newEngine(t, DefaultParams())
			in := base
			in.BufferLevel = 5 * time.Second
			in.ThroughputRecent = 1e9
			tt.mutate(&in)

			d := e.Select(in)
			assert.False(t, e.InitialIncrease())
			assert.Equal(t, ReasonEmergencyLowest, d.Reason)

			// The phase is never re-entered.
			d = e.Select(base)
			assert.False(t, e.InitialIncrease())
			assert.Equal(t, ReasonEmergencyLowest, d.Reason)
		})
	}
}

func TestEngine_Deterministic(t *testing.T) {
	inputs := []Input{
		{BufferGrowing: true, CompletedRequests: 0},
		{BufferGrowing: true, BufferLevel: 3 * time.Second, ThroughputRecent: 3_000_000, CompletedRequests: 1},
		{BufferGrowing: true, BufferLevel: 12 * time.Second, ThroughputRecent: 3_000_000, CompletedRequests: 2, PreviousTier: 1},
		{BufferGrowing: false, BufferLevel: 22 * time.Second, ThroughputRecent: 900_000, CompletedRequests: 3, PreviousTier: 2},
		{BufferLevel: 55 * time.Second, ThroughputRecent: 900_000, CompletedRequests: 4, PreviousTier: 2, CurrentSegmentDuration: 2 * time.Second},
		{BufferLevel: 15 * time.Second, ThroughputLastRequest: 100, CompletedRequests: 5, PreviousTier: 2},
		{BufferLevel: time.Second, CompletedRequests: 6, PreviousTier: 1},
	}

	run := func() []Decision {
		e := newEngine(t, DefaultParams())
		out := make([]Decision, 0, len(inputs))
		for _, in := range inputs {
			in.NextSegmentDuration = 2 * time.Second
			out = append(out, e.Select(in))
		}
		return out
	}

	first := run()
	assert.Equal(t, first, run())
	assert.Equal(t, ReasonEmergencyLowest, first[len(first)-1].Reason)
}

func TestParams_Validate(t *testing.T) {
	assert.NoError(t, DefaultParams().Validate())

	p := DefaultParams()
	p.BufferLow = p.BufferHigh
	assert.ErrorIs(t, p.Validate(), ErrInvalidThresholds)

	p = DefaultParams()
	p.BufferMin = 0
	assert.ErrorIs(t, p.Validate(), ErrInvalidThresholds)

	p = DefaultParams()
	p.Alfa3 = 1.5
	assert.ErrorIs(t, p.Validate(), ErrInvalidFactor)

	_, err := NewEngine(DefaultParams(), nil)
	assert.ErrorIs(t, err, ErrEmptyLadder)
}
