package trgecl

import (
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTimingPolicies(t *testing.T) {
	hits := []FitHit{
		{TC: 5, Energy: 1, Time: 10},
		{TC: 6, Energy: 3, Time: 20},
		{TC: 7, Energy: 2, Time: 30},
		{TC: 8, Energy: 0.5, Time: 40},
	}
	tests := []struct {
		policy int
		want   float64
	}{
		{TimingFastest, 10},
		{TimingMostEnergetic, 20},
		{TimingEnergyWeighted, (3*20 + 2*30 + 1*10) / 6.0},
	}
	for _, tt := range tests {
		got, ok := eventTiming(hits, tt.policy, 3)
		require.True(t, ok)
		assert.InDelta(t, tt.want, got, 1e-12, "policy %d", tt.policy)
	}
	got, ok := eventTiming(hits, TimingEnergyWeighted, 10)
	require.True(t, ok)
	assert.InDelta(t, (10+60+60+20)/6.5, got, 1e-12)

	_, ok = eventTiming(nil, TimingFastest, 3)
	assert.False(t, ok)
	_, ok = eventTiming([]FitHit{{Energy: -1, Time: 5}}, TimingEnergyWeighted, 3)
	assert.False(t, ok)
}

func TestSelectWindows(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowJitter = 0
	cfg.TimingPolicy = TimingFastest
	rng := rand.New(rand.NewPCG(1, 1))

	// Two windows overlap the same hits; only the later one is kept.
	hits := []FitHit{{TC: 1, Energy: 1, Time: 0}, {TC: 2, Energy: 1, Time: 5}}
	windows, suppressed := SelectWindows(hits, &cfg, rng)
	require.Len(t, windows, 1)
	assert.Equal(t, 1, suppressed)
	assert.Equal(t, 32, windows[0].Index)
	assert.Equal(t, 0.0, windows[0].Start)
	assert.Equal(t, 0.0, windows[0].Timing)
	assert.Equal(t, 2, windows[0].NHits)

	hits = []FitHit{{TC: 1, Energy: 1, Time: 0}, {TC: 2, Energy: 1, Time: 1000}}
	windows, suppressed = SelectWindows(hits, &cfg, rng)
	require.Len(t, windows, 2)
	assert.Equal(t, 2, suppressed)
	assert.Equal(t, 0.0, windows[0].Timing)
	assert.Equal(t, 1000.0, windows[1].Timing)

	windows, suppressed = SelectWindows(nil, &cfg, rng)
	assert.Empty(t, windows)
	assert.Zero(t, suppressed)
}

func TestSelectWindowsJitter(t *testing.T) {
	cfg := DefaultConfig()
	rng := rand.New(rand.NewPCG(2, 3))
	var hits []FitHit
	for i := 0; i < 40; i++ {
		hits = append(hits, FitHit{TC: TCID(1 + i), Energy: 0.1 + float64(i%5), Time: -3000 + 150*float64(i)})
	}
	sort.Sort(HitSlice(hits))
	windows, _ := SelectWindows(hits, &cfg, rng)
	require.NotEmpty(t, windows)
	step := cfg.WindowWidth - cfg.WindowOverlap
	for i, w := range windows {
		base := TimeRangeLow + float64(w.Index)*step
		assert.GreaterOrEqual(t, w.Start, base)
		assert.Less(t, w.Start, base+cfg.WindowJitter)
		assert.Positive(t, w.NHits)
		for _, h := range w.hits {
			assert.True(t, w.Contains(h.Time))
		}
		if i > 0 {
			assert.Greater(t, w.Index, windows[i-1].Index)
		}
	}
}

func TestCoincidentHits(t *testing.T) {
	hits := []FitHit{
		{TC: 1, Time: -125.0001},
		{TC: 2, Time: -125},
		{TC: 3, Time: 0},
		{TC: 4, Time: 125},
		{TC: 5, Time: 125.0001},
	}
	got := CoincidentHits(hits, 0, 125)
	assert.Equal(t, []FitHit{hits[1], hits[2], hits[3]}, got)
	assert.Len(t, hits, 5)
}

func TestHitSliceOrder(t *testing.T) {
	hits := HitSlice{{TC: 9, Time: 5}, {TC: 3, Time: 5}, {TC: 1, Time: 7}, {TC: 4, Time: -1}}
	sort.Sort(hits)
	assert.Equal(t, HitSlice{{TC: 4, Time: -1}, {TC: 3, Time: 5}, {TC: 9, Time: 5}, {TC: 1, Time: 7}}, hits)
}
