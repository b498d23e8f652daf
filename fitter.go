package trgecl

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Fit tuning constants.
const (
	maxRowRefinements = 3    // coefficient row re-selections per window
	minAmplitude      = 1e-9 // |A| below this is a degenerate fit
	maxPhaseFraction  = 0.8  // accepted |offset| as a fraction of the interval
	crossingFraction  = 0.6  // peak search: time from this fraction of the peak
	floorSamples      = 4    // peak search: samples averaged for the floor
	refineHalfWidth   = 0.5  // peak search: template search range, in intervals
	refineMaxShift    = 20.0 // ns, cap on that range
	refineTolerance   = 1e-3 // ns
)

// FitHit is one (energy, time) candidate recovered from a waveform.
type FitHit struct {
	TC            TCID    `json:"tc"`
	Energy        float64 `json:"e"` // GeV
	Time          float64 `json:"t"` // ns
	BackgroundTag int     `json:"tag"`
}

// Fitter recovers hits from waveforms with either the matched filter or the
// peak search. It is read-only after construction and shared by all workers.
type Fitter struct {
	cfg            *Config
	method         string
	mode           ModeParams
	table          *CoefficientTable
	shape          *PulseShape
	sleep          int
	crossingOffset float64
	floorLookback  int
}

// NewFitter builds a fitter for cfg.FitMethod. table is required for the
// matched filter and ignored by the peak search.
func NewFitter(cfg *Config, mode ModeParams, shape *PulseShape, table *CoefficientTable) (*Fitter, error) {
	f := &Fitter{
		cfg:    cfg,
		method: cfg.FitMethod,
		mode:   mode,
		table:  table,
		sleep:  cfg.Sleep,
	}
	switch f.method {
	case FitMatched:
		if table == nil {
			return nil, fmt.Errorf("%w: matched filter needs a coefficient table", ErrConfig)
		}
		if table.Window != mode.FitWindow || table.Interval != mode.Interval {
			return nil, fmt.Errorf("%w: coefficient table (window %d, interval %v) does not fit mode %s",
				ErrConfig, table.Window, table.Interval, mode.Name)
		}
		if f.sleep == 0 {
			f.sleep = mode.FitWindow
		}
	case FitPeakSearch:
		f.shape = shape
		f.crossingOffset = shape.CrossingOffset(crossingFraction, mode.Interval)
		f.floorLookback = int(math.Ceil(shape.PeakTime()/mode.Interval)) + 2
	default:
		return nil, fmt.Errorf("%w: fit method %q", ErrConfig, f.method)
	}
	return f, nil
}

// acceptCandidate applies the strict amplitude threshold.
func acceptCandidate(amplitude, threshold float64) bool {
	return amplitude > threshold
}

// Fit returns the hits found in w in increasing time order.
func (f *Fitter) Fit(w Waveform) []FitHit {
	var hits []FitHit
	threshold := f.cfg.ThresholdFor(w.TC)
	if f.method == FitPeakSearch {
		hits = f.peakSearch(w, threshold)
	} else {
		hits = f.matchedFilter(w, threshold)
	}
	return collapseDuplicates(hits, f.cfg.DuplicateTime)
}

func (f *Fitter) matchedFilter(w Waveform, threshold float64) []FitHit {
	var hits []FitHit
	ct := f.table
	n := ct.Window
	dt := w.Interval
	for s := 0; s+n <= len(w.Samples); {
		win := w.Samples[s : s+n]
		j := ct.Rows() / 2
		var amp, offset float64
		ok := false
		for iter := 0; iter < maxRowRefinements; iter++ {
			amp = floats.Dot(ct.Amp[j], win)
			slope := floats.Dot(ct.Slope[j], win)
			if math.Abs(amp) < minAmplitude {
				ok = false
				break
			}
			// Delta t = B/A; the pulse starts offset ns after the reference.
			offset = ct.Phases[j] - slope/amp
			if math.IsNaN(offset) || math.IsInf(offset, 0) {
				ok = false
				break
			}
			ok = true
			next := ct.rowFor(offset)
			if next == j {
				break
			}
			j = next
		}
		if ok && acceptCandidate(amp, threshold) && math.Abs(offset) < maxPhaseFraction*dt {
			hits = append(hits, FitHit{
				TC:     w.TC,
				Energy: amp,
				Time:   w.TimeOf(s) + ct.RefOffset + offset,
			})
			s += f.sleep
			continue
		}
		s++
	}
	return hits
}

func (f *Fitter) peakSearch(w Waveform, threshold float64) []FitHit {
	var hits []FitHit
	x := w.Samples
	up, down := 0, 0
	peak, ipeak := math.Inf(-1), 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[i-1] {
			up++
			down = 0
			if x[i] > peak {
				peak, ipeak = x[i], i
			}
		} else if x[i] < x[i-1] && up >= f.mode.FlagUp {
			down++
		}
		if up < f.mode.FlagUp || down < f.mode.FlagDown {
			continue
		}
		floor := 0.0
		end := ipeak - f.floorLookback
		if begin := max(0, end-floorSamples); end > begin {
			floor = stat.Mean(x[begin:end], nil)
		}
		amp := peak - floor
		if t, ok := crossingTime(x, w.Start, w.Interval, ipeak, floor+crossingFraction*amp); ok {
			t0 := t - f.crossingOffset
			first := max(0, int(math.Floor((t-w.Start)/w.Interval)))
			last := min(ipeak+1, len(x)-1)
			if a, t1, ok := f.refineTemplate(w, first, last, floor, t0); ok {
				amp, t0 = a, t1
			}
			if acceptCandidate(amp, threshold) {
				hits = append(hits, FitHit{TC: w.TC, Energy: amp, Time: t0})
			}
		}
		up, down = 0, 0
		peak = math.Inf(-1)
	}
	return hits
}

// refineTemplate fits amp*shape(t-t0) to samples first..last above floor. t0
// is searched by golden section near the interpolated estimate, and amp
// follows by linear least squares. Coarse sampling leaves
// the raw peak sample short of the pulse maximum; this recovers it.
func (f *Fitter) refineTemplate(w Waveform, first, last int, floor, t0 float64) (float64, float64, bool) {
	residual := func(start float64) (float64, float64) {
		var sy, ss, yy float64
		for i := first; i <= last; i++ {
			s := f.shape.At(w.TimeOf(i) - start)
			y := w.Samples[i] - floor
			sy += s * y
			ss += s * s
			yy += y * y
		}
		if ss == 0 {
			return math.Inf(1), 0
		}
		return yy - sy*sy/ss, sy / ss
	}

	invPhi := (math.Sqrt(5) - 1) / 2
	half := min(refineHalfWidth*w.Interval, refineMaxShift)
	lo, hi := t0-half, t0+half
	c := hi - invPhi*(hi-lo)
	d := lo + invPhi*(hi-lo)
	fc, _ := residual(c)
	fd, _ := residual(d)
	for hi-lo > refineTolerance {
		if fc < fd {
			hi, d, fd = d, c, fc
			c = hi - invPhi*(hi-lo)
			fc, _ = residual(c)
		} else {
			lo, c, fc = c, d, fd
			d = lo + invPhi*(hi-lo)
			fd, _ = residual(d)
		}
	}
	best := 0.5 * (lo + hi)
	r, amp := residual(best)
	if math.IsInf(r, 1) || !(amp > 0) {
		return 0, 0, false
	}
	return amp, best, true
}

// crossingTime walks back from sample ipeak to the last sample below level
// and interpolates linearly between it and its successor.
func crossingTime(x []float64, start, dt float64, ipeak int, level float64) (float64, bool) {
	k := ipeak
	for k > 0 && x[k-1] >= level {
		k--
	}
	if k == 0 || x[k] == x[k-1] {
		return 0, false
	}
	return start + float64(k-1)*dt + dt*(level-x[k-1])/(x[k]-x[k-1]), true
}

// collapseDuplicates drops candidates within window ns of the last kept
// candidate when their energies have the same sign.
func collapseDuplicates(hits []FitHit, window float64) []FitHit {
	if len(hits) < 2 {
		return hits
	}
	kept := hits[:1]
	for _, h := range hits[1:] {
		last := kept[len(kept)-1]
		if math.Abs(h.Time-last.Time) < window && math.Signbit(h.Energy) == math.Signbit(last.Energy) {
			continue
		}
		kept = append(kept, h)
	}
	return kept
}
