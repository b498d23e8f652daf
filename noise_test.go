package trgecl

import (
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/eclsim/trgecl/npyappend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutocorrelation(t *testing.T) {
	ps := NewPulseShape(false)
	r := autocorrelation(ps.Exact, 64, 125)
	require.Len(t, r, 64)
	assert.Equal(t, 1.0, r[0])
	for m := 1; m < len(r); m++ {
		assert.LessOrEqual(t, math.Abs(r[m]), 1.0)
	}
	assert.Less(t, r[1], r[0])
}

func TestNoiseDeterminism(t *testing.T) {
	mode, err := LookupMode("125ns")
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.NoisePileup = 1
	cfg.PileupRate = 0.001
	ng, err := NewNoiseGenerator(cfg, mode, NewPulseShape(false))
	require.NoError(t, err)

	gen := func(seed uint64) []float64 {
		out := make([]float64, mode.NSamples)
		ng.Generate(rand.New(rand.NewPCG(seed, 17)), -4000, out)
		return out
	}
	a, b, c := gen(5), gen(5), gen(6)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	nonzero := 0
	for _, v := range a {
		if v != 0 {
			nonzero++
		}
	}
	assert.Equal(t, mode.NSamples, nonzero)
}

func TestNoiseDisabled(t *testing.T) {
	mode, err := LookupMode("12ns")
	require.NoError(t, err)
	ng, err := NewNoiseGenerator(quietConfig(), mode, NewPulseShape(false))
	require.NoError(t, err)
	assert.Nil(t, ng.lParallel)
	assert.Nil(t, ng.lSerial)

	out := make([]float64, mode.NSamples)
	ng.Generate(rand.New(rand.NewPCG(1, 2)), -4000, out)
	assert.Equal(t, make([]float64, mode.NSamples), out)
}

func TestNoiseVariance(t *testing.T) {
	mode, err := LookupMode("125ns")
	require.NoError(t, err)
	cfg := quietConfig()
	cfg.NoiseParallel = 0.01
	ng, err := NewNoiseGenerator(cfg, mode, NewPulseShape(false))
	require.NoError(t, err)

	// The covariance has 1+regularizer on its diagonal.
	rng := rand.New(rand.NewPCG(11, 12))
	const ntrials = 2000
	sumsq := 0.0
	out := make([]float64, mode.NSamples)
	for i := 0; i < ntrials; i++ {
		clear(out)
		ng.Generate(rng, -4000, out)
		for _, v := range out {
			sumsq += v * v
		}
	}
	variance := sumsq / float64(ntrials*mode.NSamples)
	want := cfg.NoiseParallel * cfg.NoiseParallel * (1 + covarianceRegularizer)
	assert.InEpsilon(t, want, variance, 0.1)
}

func writeMatrixNPY(t *testing.T, filename string, rows [][]float64) {
	t.Helper()
	out, err := npyappend.NewNpyAppender[[]float64](filename)
	require.NoError(t, err)
	require.NoError(t, out.SetRowLength(len(rows[0])))
	for _, r := range rows {
		require.NoError(t, out.Append(r))
	}
	require.NoError(t, out.Close())
}

func TestReadLMatrix(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "l.npy")
	writeMatrixNPY(t, fname, [][]float64{
		{1, 9, 9},
		{2, 3, 9},
		{4, 5, 6},
	})
	l, err := ReadLMatrix(fname)
	require.NoError(t, err)
	n, _ := l.Dims()
	assert.Equal(t, 3, n)
	assert.Equal(t, 1.0, l.At(0, 0))
	assert.Equal(t, 0.0, l.At(0, 1))
	assert.Equal(t, 2.0, l.At(1, 0))
	assert.Equal(t, 5.0, l.At(2, 1))
	assert.Equal(t, 6.0, l.At(2, 2))

	rect := filepath.Join(dir, "rect.npy")
	writeMatrixNPY(t, rect, [][]float64{{1, 2, 3}, {4, 5, 6}})
	_, err = ReadLMatrix(rect)
	assert.ErrorIs(t, err, ErrConfig)

	_, err = ReadLMatrix(filepath.Join(dir, "missing.npy"))
	assert.ErrorIs(t, err, ErrConfig)

	// A valid matrix of the wrong size for the mode is rejected.
	mode, err := LookupMode("125ns")
	require.NoError(t, err)
	cfg := quietConfig()
	cfg.NoiseParallel = 0.01
	cfg.LParallelFile = fname
	_, err = NewNoiseGenerator(cfg, mode, NewPulseShape(false))
	assert.ErrorIs(t, err, ErrConfig)
}
