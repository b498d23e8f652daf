package trgecl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigitizerGateCut(t *testing.T) {
	m := NewDefaultTCMap()
	cfg := quietConfig()
	p, err := NewPipeline(cfg, m)
	require.NoError(t, err)
	xtal := crystalOf(t, m, cellAt(t, m, 8, 10))

	tests := []struct {
		name   string
		hits   []CrystalHit
		digits int
	}{
		{"exactly at cut", []CrystalHit{{Crystal: xtal, Energy: cfg.DigitizeCut, Time: 0}}, 0},
		{"just above cut", []CrystalHit{{Crystal: xtal, Energy: cfg.DigitizeCut + 1e-9, Time: 0}}, 1},
		{"large but late", []CrystalHit{{Crystal: xtal, Energy: 5, Time: 2000}}, 0},
		{"gate end excluded", []CrystalHit{{Crystal: xtal, Energy: 5, Time: cfg.GateStart + cfg.GateWidth}}, 0},
		{"gate start included", []CrystalHit{{Crystal: xtal, Energy: 5, Time: cfg.GateStart}}, 1},
		{"split across gate", []CrystalHit{
			{Crystal: xtal, Energy: 0.02, Time: 0},
			{Crystal: xtal, Energy: 0.02, Time: 1500},
		}, 0},
	}
	for i, tt := range tests {
		res, err := p.ProcessEvent(context.Background(), EventInput{Number: i + 1, Hits: tt.hits})
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.digits, res.NDigitized, tt.name)
		if tt.digits == 0 {
			assert.Empty(t, res.FitHits, tt.name)
		}
	}
}

func TestDigitizeNoiseFree(t *testing.T) {
	m := NewDefaultTCMap()
	cfg := quietConfig()
	mode, err := LookupMode(cfg.Mode)
	require.NoError(t, err)
	shape := NewPulseShape(false)
	d := NewDigitizer(mode, shape, nil, cfg.DigitizeCut)

	tc := cellAt(t, m, 8, 10)
	acc := NewAccumulator(m, cfg.GateStart, cfg.GateWidth)
	require.NoError(t, acc.Add(CrystalHit{Crystal: crystalOf(t, m, tc), Energy: 2, Time: 30}))
	tctx := NewTriggerContext(1, 1, acc)
	tctx.SampleStart = TimeRangeLow

	assert.True(t, d.Enabled(tctx, tc))
	w, ok := d.Digitize(tctx, tc)
	require.True(t, ok)
	assert.Equal(t, tc, w.TC)
	assert.Len(t, w.Samples, mode.NSamples)
	for k, s := range w.Samples {
		assert.InDelta(t, 2*shape.At(w.TimeOf(k)-30), s, 1e-12)
	}

	other := cellAt(t, m, 8, 20)
	assert.False(t, d.Enabled(tctx, other))
	_, ok = d.Digitize(tctx, other)
	assert.False(t, ok)
}
