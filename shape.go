package trgecl

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/interp"
)

// Pulse template parameters: a scintillator decay convolved with the
// difference of two complex-pole shaper responses.
const (
	scintDecay      = 1000.0 // ns
	shapeTableSpan  = 8000.0 // ns covered by the simplified table
	shapeTableStep  = 1.0    // ns
	crossingPhases  = 64
	crossingHorizon = 2000.0 // ns of waveform searched for the crossing
)

var (
	shaperPoles   = []complex128{complex(-1.0/200, 1.0/300), complex(-1.0/100, 1.0/150)}
	shaperWeights = []float64{1, -1}
)

// PulseShape is the analytic single-pulse template, normalized so its peak
// is 1. It is zero for t <= 0 and safe for concurrent use after construction.
type PulseShape struct {
	simplified bool
	norm       float64
	peakTime   float64
	table      interp.PiecewiseLinear
}

// NewPulseShape precomputes the template. With simplified set, At evaluates a
// piecewise-linear table instead of the closed form.
func NewPulseShape(simplified bool) *PulseShape {
	ps := &PulseShape{simplified: simplified, norm: 1}

	// Coarse scan for the maximum, then bisect on the derivative.
	best, bestT := 0.0, 0.0
	for t := shapeTableStep; t < crossingHorizon; t += shapeTableStep {
		if v := rawShape(t); v > best {
			best, bestT = v, t
		}
	}
	lo, hi := bestT-shapeTableStep, bestT+shapeTableStep
	for i := 0; i < 60; i++ {
		mid := 0.5 * (lo + hi)
		if rawShapeDerivative(mid) > 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	ps.peakTime = 0.5 * (lo + hi)
	ps.norm = rawShape(ps.peakTime)

	n := int(shapeTableSpan/shapeTableStep) + 1
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i) * shapeTableStep
		ys[i] = ps.Exact(xs[i])
	}
	if err := ps.table.Fit(xs, ys); err != nil {
		panic(err) // xs is strictly increasing by construction
	}
	return ps
}

func rawShape(t float64) float64 {
	if t <= 0 {
		return 0
	}
	decay := complex(math.Exp(-t/scintDecay), 0)
	sum := 0.0
	for i, p := range shaperPoles {
		z := (cmplx.Exp(p*complex(t, 0)) - decay) / (complex(scintDecay, 0) * (p + complex(1/scintDecay, 0)))
		sum += shaperWeights[i] * imag(z) / imag(p)
	}
	return sum
}

func rawShapeDerivative(t float64) float64 {
	if t <= 0 {
		return 0
	}
	decay := complex(math.Exp(-t/scintDecay)/scintDecay, 0)
	sum := 0.0
	for i, p := range shaperPoles {
		z := (p*cmplx.Exp(p*complex(t, 0)) + decay) / (complex(scintDecay, 0) * (p + complex(1/scintDecay, 0)))
		sum += shaperWeights[i] * imag(z) / imag(p)
	}
	return sum
}

// Exact evaluates the closed-form template at t ns after the pulse start.
func (ps *PulseShape) Exact(t float64) float64 {
	return rawShape(t) / ps.norm
}

// Derivative returns d/dt of the exact template.
func (ps *PulseShape) Derivative(t float64) float64 {
	return rawShapeDerivative(t) / ps.norm
}

// Simplified evaluates the tabulated template. Beyond the table it falls
// back to the closed form.
func (ps *PulseShape) Simplified(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= shapeTableSpan {
		return ps.Exact(t)
	}
	return ps.table.Predict(t)
}

// At evaluates the template the way the shape was configured.
func (ps *PulseShape) At(t float64) float64 {
	if ps.simplified {
		return ps.Simplified(t)
	}
	return ps.Exact(t)
}

// PeakTime returns the time of the template maximum after the pulse start.
func (ps *PulseShape) PeakTime() float64 {
	return ps.peakTime
}

// CrossingOffset returns the mean delay between the pulse start and the
// linearly interpolated frac-of-peak crossing seen by a sampler with interval
// dt, averaged over the sampling phase.
func (ps *PulseShape) CrossingOffset(frac, dt float64) float64 {
	n := int(crossingHorizon/dt) + 2
	w := make([]float64, n)
	total := 0.0
	count := 0
	for j := 0; j < crossingPhases; j++ {
		phase := (float64(j) + 0.5) * dt / crossingPhases
		ipeak := 0
		for i := range w {
			w[i] = ps.Exact(-phase + float64(i)*dt)
			if w[i] > w[ipeak] {
				ipeak = i
			}
		}
		if t, ok := crossingTime(w, -phase, dt, ipeak, frac*w[ipeak]); ok {
			total += t
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}
