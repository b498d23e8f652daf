package trgecl

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// covarianceRegularizer is added to the diagonal of the default noise
// covariances, which are otherwise only positive semi-definite.
const covarianceRegularizer = 1e-3

// NoiseGenerator adds correlated electronics noise and pile-up pulses to a
// sampled waveform. It holds only read-only tables; all randomness comes from
// the *rand.Rand passed to Generate.
type NoiseGenerator struct {
	nSamples    int
	interval    float64
	lParallel   *mat.TriDense
	lSerial     *mat.TriDense
	scalePar    float64
	scaleSer    float64
	scalePileup float64
	pileupRate  float64
	pileupMeanE float64
	shape       *PulseShape
}

// NewNoiseGenerator builds the generator for one sampling mode. L matrices
// are read from npy files when configured, otherwise derived from the pulse
// template: parallel noise shares the template's autocorrelation and serial
// noise that of its derivative.
func NewNoiseGenerator(cfg Config, mode ModeParams, shape *PulseShape) (*NoiseGenerator, error) {
	ng := &NoiseGenerator{
		nSamples:    mode.NSamples,
		interval:    mode.Interval,
		scalePar:    cfg.NoiseParallel,
		scaleSer:    cfg.NoiseSerial,
		scalePileup: cfg.NoisePileup,
		pileupRate:  cfg.PileupRate,
		pileupMeanE: cfg.PileupMeanEnergy,
		shape:       shape,
	}
	var err error
	if ng.scalePar > 0 {
		if cfg.LParallelFile != "" {
			ng.lParallel, err = ReadLMatrix(cfg.LParallelFile)
		} else {
			ng.lParallel, err = choleskyOfToeplitz(autocorrelation(shape.Exact, mode.NSamples, mode.Interval))
		}
		if err != nil {
			return nil, fmt.Errorf("parallel noise: %w", err)
		}
	}
	if ng.scaleSer > 0 {
		if cfg.LSerialFile != "" {
			ng.lSerial, err = ReadLMatrix(cfg.LSerialFile)
		} else {
			ng.lSerial, err = choleskyOfToeplitz(autocorrelation(shape.Derivative, mode.NSamples, mode.Interval))
		}
		if err != nil {
			return nil, fmt.Errorf("serial noise: %w", err)
		}
	}
	for _, l := range []*mat.TriDense{ng.lParallel, ng.lSerial} {
		if l == nil {
			continue
		}
		if n, _ := l.Dims(); n != mode.NSamples {
			return nil, fmt.Errorf("%w: L matrix is %dx%d, want %d samples", ErrConfig, n, n, mode.NSamples)
		}
	}
	return ng, nil
}

// autocorrelation returns R(m*dt)/R(0) for m in [0,n), integrating f on a
// 1 ns grid.
func autocorrelation(f func(float64) float64, n int, dt float64) []float64 {
	const step = 1.0
	npts := int(shapeTableSpan / step)
	vals := make([]float64, npts)
	for i := range vals {
		vals[i] = f(float64(i) * step)
	}
	r := make([]float64, n)
	for m := range r {
		lag := int(math.Round(float64(m) * dt / step))
		sum := 0.0
		for i := 0; i+lag < npts; i++ {
			sum += vals[i] * vals[i+lag]
		}
		r[m] = sum
	}
	r0 := r[0]
	for m := range r {
		r[m] /= r0
	}
	return r
}

func choleskyOfToeplitz(r []float64) (*mat.TriDense, error) {
	n := len(r)
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := r[j-i]
			if i == j {
				v += covarianceRegularizer
			}
			cov.SetSym(i, j, v)
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, fmt.Errorf("%w: noise covariance is not positive definite", ErrConfig)
	}
	l := mat.NewTriDense(n, mat.Lower, nil)
	chol.LTo(l)
	return l, nil
}

// ReadLMatrix reads a square lower-triangular matrix from a 2-d npy file of
// float64. The upper triangle is ignored.
func ReadLMatrix(filename string) (*mat.TriDense, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	defer f.Close()
	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %q: %v", ErrConfig, filename, err)
	}
	shape := r.Header.Descr.Shape
	if len(shape) != 2 || shape[0] != shape[1] || shape[0] == 0 {
		return nil, fmt.Errorf("%w: %q has shape %v, want a square matrix", ErrConfig, filename, shape)
	}
	if r.Header.Descr.Fortran {
		return nil, fmt.Errorf("%w: %q is in Fortran order", ErrConfig, filename)
	}
	var data []float64
	if err := r.Read(&data); err != nil {
		return nil, fmt.Errorf("%w: reading %q: %v", ErrConfig, filename, err)
	}
	n := shape[0]
	l := mat.NewTriDense(n, mat.Lower, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			l.SetTri(i, j, data[i*n+j])
		}
	}
	return l, nil
}

// Generate adds one noise realization to out, whose first sample is at time
// start. The draws happen in a fixed order so that equal rng states give
// equal noise.
func (ng *NoiseGenerator) Generate(rng *rand.Rand, start float64, out []float64) {
	n := len(out)
	if ng.lParallel != nil && ng.scalePar > 0 {
		ng.addCorrelated(rng, ng.lParallel, ng.scalePar, out[:n])
	}
	if ng.lSerial != nil && ng.scaleSer > 0 {
		ng.addCorrelated(rng, ng.lSerial, ng.scaleSer, out[:n])
	}
	if ng.scalePileup > 0 && ng.pileupRate > 0 && ng.pileupMeanE > 0 {
		ng.addPileup(rng, start, out)
	}
}

func (ng *NoiseGenerator) addCorrelated(rng *rand.Rand, l *mat.TriDense, scale float64, out []float64) {
	x := mat.NewVecDense(ng.nSamples, nil)
	for i := 0; i < ng.nSamples; i++ {
		x.SetVec(i, rng.NormFloat64())
	}
	var y mat.VecDense
	y.MulVec(l, x)
	for i := range out {
		if i >= ng.nSamples {
			break
		}
		out[i] += scale * y.AtVec(i)
	}
}

// addPileup overlays a Poisson number of template pulses spread uniformly
// over one waveform length before and during the sampled range.
func (ng *NoiseGenerator) addPileup(rng *rand.Rand, start float64, out []float64) {
	span := float64(len(out)) * ng.interval
	count := distuv.Poisson{Lambda: ng.pileupRate * 2 * span, Src: rng}
	energy := distuv.Exponential{Rate: 1 / ng.pileupMeanE, Src: rng}
	npulses := int(count.Rand())
	for p := 0; p < npulses; p++ {
		t0 := start - span + 2*span*rng.Float64()
		e := energy.Rand()
		for k := range out {
			out[k] += ng.scalePileup * e * ng.shape.At(start+float64(k)*ng.interval-t0)
		}
	}
}
