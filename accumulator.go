package trgecl

import (
	"fmt"
	"math"
	"sort"
)

// Macro time binning of accumulated crystal energy.
const (
	NumTimeBins   = 80
	TimeBinWidth  = 100.0   // ns
	TimeRangeLow  = -4000.0 // ns, inclusive
	TimeRangeHigh = TimeRangeLow + NumTimeBins*TimeBinWidth
)

// CrystalHit is one energy deposit produced upstream by detector simulation.
// BackgroundTag 0 means signal.
type CrystalHit struct {
	Crystal       CrystalID `json:"xtal"`
	Energy        float64   `json:"e"` // GeV
	Time          float64   `json:"t"` // ns
	BackgroundTag int       `json:"tag"`
}

type binSum struct {
	e, et      float64
	signal     float64
	background float64
	tags       map[int]float64
}

// Accumulator sums the crystal hits of one event into per trigger cell,
// per macro time bin energies and energy-weighted times. A fresh Accumulator
// is used for every event.
type Accumulator struct {
	mapper    Mapper
	gateStart float64
	gateEnd   float64
	bins      [NumTC][NumTimeBins]binSum
	active    [NumTC][]int
	gate      [NumTC]float64
	Dropped   int // hits outside [TimeRangeLow, TimeRangeHigh)
	NHits     int
}

// NewAccumulator creates an empty accumulator whose fit-enable gate covers
// [gateStart, gateStart+gateWidth).
func NewAccumulator(m Mapper, gateStart, gateWidth float64) *Accumulator {
	return &Accumulator{mapper: m, gateStart: gateStart, gateEnd: gateStart + gateWidth}
}

// TimeBin returns the macro bin containing t, or -1 if t is out of range.
func TimeBin(t float64) int {
	if !(t >= TimeRangeLow && t < TimeRangeHigh) {
		return -1
	}
	return int(math.Floor((t - TimeRangeLow) / TimeBinWidth))
}

// Add accumulates one crystal hit. Hits of unknown crystals or with
// non-finite or negative values are event errors.
func (a *Accumulator) Add(h CrystalHit) error {
	tc := a.mapper.TCIDOf(h.Crystal)
	if !tc.Valid() {
		return fmt.Errorf("%w: crystal %d has no trigger cell", ErrEvent, h.Crystal)
	}
	if math.IsNaN(h.Energy) || math.IsInf(h.Energy, 0) || h.Energy < 0 {
		return fmt.Errorf("%w: crystal %d energy %v", ErrEvent, h.Crystal, h.Energy)
	}
	if math.IsNaN(h.Time) || math.IsInf(h.Time, 0) {
		return fmt.Errorf("%w: crystal %d time %v", ErrEvent, h.Crystal, h.Time)
	}
	a.NHits++
	bin := TimeBin(h.Time)
	if bin < 0 {
		a.Dropped++
		return nil
	}
	if h.Energy == 0 {
		return nil
	}
	i := tc.Index()
	b := &a.bins[i][bin]
	if b.e == 0 {
		a.active[i] = append(a.active[i], bin)
	}
	b.e += h.Energy
	b.et += h.Energy * h.Time
	if h.BackgroundTag == 0 {
		b.signal += h.Energy
	} else {
		b.background += h.Energy
		if b.tags == nil {
			b.tags = make(map[int]float64)
		}
		b.tags[h.BackgroundTag] += h.Energy
	}
	if h.Time >= a.gateStart && h.Time < a.gateEnd {
		a.gate[i] += h.Energy
	}
	return nil
}

// AddAll accumulates a whole event, stopping at the first bad hit.
func (a *Accumulator) AddAll(hits []CrystalHit) error {
	for i, h := range hits {
		if err := a.Add(h); err != nil {
			return fmt.Errorf("hit %d: %w", i, err)
		}
	}
	return nil
}

// Energy returns the energy in one macro bin of tc.
func (a *Accumulator) Energy(tc TCID, bin int) float64 {
	return a.bins[tc.Index()][bin].e
}

// Time returns the energy-weighted time of one macro bin of tc, or 0 if the
// bin is empty.
func (a *Accumulator) Time(tc TCID, bin int) float64 {
	b := a.bins[tc.Index()][bin]
	if b.e == 0 {
		return 0
	}
	return b.et / b.e
}

// ActiveBins returns the non-empty bins of tc in increasing order. Empty bins
// are never visited downstream.
func (a *Accumulator) ActiveBins(tc TCID) []int {
	bins := a.active[tc.Index()]
	sort.Ints(bins)
	return bins
}

// GateEnergy returns the energy of tc inside the fit-enable gate.
func (a *Accumulator) GateEnergy(tc TCID) float64 {
	return a.gate[tc.Index()]
}

// TotalEnergy returns the energy of tc summed over all bins.
func (a *Accumulator) TotalEnergy(tc TCID) float64 {
	sum := 0.0
	for _, bin := range a.active[tc.Index()] {
		sum += a.bins[tc.Index()][bin].e
	}
	return sum
}

// HitCells lists the cells with any accumulated energy, in id order.
func (a *Accumulator) HitCells() []TCID {
	var cells []TCID
	for i := range a.active {
		if len(a.active[i]) > 0 {
			cells = append(cells, tcFromIndex(i))
		}
	}
	return cells
}

// DominantTag returns the background tag of one bin: 0 when signal energy is
// at least the background energy, otherwise the tag with the most energy.
func (a *Accumulator) DominantTag(tc TCID, bin int) int {
	b := a.bins[tc.Index()][bin]
	return dominantTag(b.signal, b.background, b.tags)
}

// BackgroundTagAt returns the dominant tag of the bins around time t,
// using the bin holding t and its two neighbors.
func (a *Accumulator) BackgroundTagAt(tc TCID, t float64) int {
	bin := TimeBin(t)
	if bin < 0 {
		return 0
	}
	var signal, background float64
	tags := make(map[int]float64)
	for b := bin - 1; b <= bin+1; b++ {
		if b < 0 || b >= NumTimeBins {
			continue
		}
		s := a.bins[tc.Index()][b]
		signal += s.signal
		background += s.background
		for tag, e := range s.tags {
			tags[tag] += e
		}
	}
	return dominantTag(signal, background, tags)
}

func dominantTag(signal, background float64, tags map[int]float64) int {
	if background <= signal {
		return 0
	}
	best, bestE := 0, -1.0
	for tag, e := range tags {
		if e > bestE || (e == bestE && tag < best) {
			best, bestE = tag, e
		}
	}
	return best
}
