package trgecl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBhabhaCombinations(t *testing.T) {
	s, err := LookupBhabhaPreset("main")
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	tests := []struct {
		e0, e16  float64
		combo0   bool
		wantStar bool
	}{
		{3, 3, true, true},
		{2.5, 2.5, false, false},
		{2, 2, false, false},
	}
	for _, tt := range tests {
		var rings [NumThetaRings]float64
		rings[0] = tt.e0
		rings[16] = tt.e16
		values, fired, star := BhabhaCombinations(rings, s.Table)
		assert.InDelta(t, tt.e0+tt.e16, values[0], 1e-12)
		assert.Equal(t, tt.combo0, fired[0], "rings %v+%v", tt.e0, tt.e16)
		assert.Equal(t, tt.wantStar, star, "rings %v+%v", tt.e0, tt.e16)
	}

	// Only the first combination pairs ring 0 with ring 16.
	for i, c := range s.Table[1:] {
		has0, has16 := false, false
		for _, r := range c.Rings {
			has0 = has0 || r == 0
			has16 = has16 || r == 16
		}
		assert.False(t, has0 && has16, "combination %d", i+1)
	}
}

func TestBhabhaPresets(t *testing.T) {
	mainPreset, err := LookupBhabhaPreset("main")
	require.NoError(t, err)
	lom, err := LookupBhabhaPreset("lom")
	require.NoError(t, err)
	require.NoError(t, lom.Validate())
	assert.Less(t, lom.Table[0].Threshold, mainPreset.Table[0].Threshold)
	assert.Equal(t, 3.0, lom.SectorFwd)
	assert.Equal(t, 1.0, lom.SectorBwd)

	// Returned presets are copies.
	mainPreset.Table[0].Rings[0] = 9
	mainPreset.Table[0].Threshold = 99
	again, err := LookupBhabhaPreset("main")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Table[0].Rings[0])
	assert.Equal(t, 5.0, again.Table[0].Threshold)

	_, err = LookupBhabhaPreset("nope")
	assert.ErrorIs(t, err, ErrConfig)

	short := BhabhaSettings{Table: again.Table[:5]}
	assert.ErrorIs(t, short.Validate(), ErrConfig)
	again.Table[3].Rings = []int{17}
	assert.ErrorIs(t, again.Validate(), ErrConfig)
}

func TestSectorQuality(t *testing.T) {
	pattern := func(on ...int) [NumSectors]bool {
		var p [NumSectors]bool
		for _, i := range on {
			p[i] = true
		}
		return p
	}
	assert.True(t, SectorQuality(pattern(3)))
	assert.True(t, SectorQuality(pattern(3, 4)))
	assert.True(t, SectorQuality(pattern(0, 15)))
	assert.False(t, SectorQuality(pattern(3, 5)))
	assert.False(t, SectorQuality(pattern(3, 4, 5)))
	assert.False(t, SectorQuality(pattern()))
}

func TestSectorBhabha(t *testing.T) {
	var fwd, bwd [NumSectors]float64
	fwd[2] = 5
	bwd[10] = 3
	assert.True(t, SectorBhabha(fwd, bwd, 4, 2.5))
	assert.False(t, SectorBhabha(fwd, bwd, 5, 2.5))
	bwd[10], bwd[11] = 0, 3
	assert.False(t, SectorBhabha(fwd, bwd, 4, 2.5))
}

func TestBackgroundVeto(t *testing.T) {
	assert.True(t, BackgroundVeto([4]int{1, 0, 1, 0}))
	assert.True(t, BackgroundVeto([4]int{0, 2, 0, 1}))
	assert.False(t, BackgroundVeto([4]int{1, 1, 0, 0}))
	assert.False(t, BackgroundVeto([4]int{0, 0, 0, 5}))
}

func TestEnergyTotal(t *testing.T) {
	var rings [NumThetaRings]float64
	for i := range rings {
		rings[i] = 1
	}
	assert.Equal(t, 14.0, EnergyTotal(rings))
}

func TestEvaluate(t *testing.T) {
	m := NewDefaultTCMap()
	top, err := NewTopology(m)
	require.NoError(t, err)
	cfg := DefaultConfig()
	s, err := NewDiscriminantSettings(&cfg)
	require.NoError(t, err)

	// Two opposite forward quadrants fire the veto; barrel ones do not.
	hits := []FitHit{
		{TC: cellAt(t, m, 0, 1), Energy: 1},
		{TC: cellAt(t, m, 0, 9), Energy: 1},
		{TC: cellAt(t, m, 8, 1), Energy: 1},
		{TC: cellAt(t, m, 8, 19), Energy: 1},
	}
	d := Evaluate(AggregateHits(hits), top, s)
	assert.True(t, d.VetoForward)
	assert.False(t, d.VetoBackward)
	assert.True(t, d.VetoBarrel)
	assert.True(t, d.BackgroundVeto)
	assert.Equal(t, [4]int{1, 0, 1, 0}, d.Quadrants[0])
	assert.Equal(t, [4]int{1, 0, 1, 0}, d.BarrelQuadrants)
	assert.InDelta(t, 2.0, d.RingSums[0], 1e-12)
	assert.InDelta(t, 2.0, d.Etot, 1e-12)
	assert.Equal(t, [3]bool{true, true, false}, d.EnergyFlags)
	assert.False(t, d.SectorQuality)

	// A back-to-back endcap pair passes the sector checks.
	hits = []FitHit{
		{TC: cellAt(t, m, 1, 5), Energy: 5},
		{TC: cellAt(t, m, 15, 21), Energy: 5},
	}
	d = Evaluate(AggregateHits(hits), top, s)
	assert.False(t, d.BackgroundVeto)
	assert.True(t, d.BhabhaStar)
	assert.True(t, d.BhabhaFired[0])
	assert.False(t, d.SectorQuality)
	assert.True(t, d.SectorBhabha)
	assert.InDelta(t, 5.0, d.Etot, 1e-12)

	hits = []FitHit{
		{TC: cellAt(t, m, 1, 5), Energy: 1},
		{TC: cellAt(t, m, 1, 7), Energy: 1},
	}
	d = Evaluate(AggregateHits(hits), top, s)
	assert.True(t, d.SectorQuality)
	assert.False(t, d.SectorBhabha)
}

func TestBarrelVeto(t *testing.T) {
	m := NewDefaultTCMap()
	top, err := NewTopology(m)
	require.NoError(t, err)
	hits := []FitHit{
		{TC: cellAt(t, m, 8, 1), Energy: 1},
		{TC: cellAt(t, m, 8, 19), Energy: 1},
	}

	cfg := DefaultConfig()
	s, err := NewDiscriminantSettings(&cfg)
	require.NoError(t, err)
	d := Evaluate(AggregateHits(hits), top, s)
	assert.True(t, d.VetoBarrel)
	assert.False(t, d.VetoForward)
	assert.False(t, d.BackgroundVeto)

	cfg.BarrelVeto = true
	s, err = NewDiscriminantSettings(&cfg)
	require.NoError(t, err)
	d = Evaluate(AggregateHits(hits), top, s)
	assert.True(t, d.VetoBarrel)
	assert.True(t, d.BackgroundVeto)
}
