package trgecl

import (
	"fmt"
	"sort"
	"strings"
)

// Rings summed into the total energy: all but the outermost ones.
const (
	etotFirstRing = 1
	etotLastRing  = 14
)

// BhabhaCombination is one linear combination of theta-ring sums and the
// threshold it must exceed.
type BhabhaCombination struct {
	Rings     []int   `mapstructure:"rings" json:"rings"`
	Threshold float64 `mapstructure:"threshold" json:"threshold"`
}

// BhabhaSettings collects the ring-sum table and the back-to-back sector
// thresholds of one Bhabha evaluator.
type BhabhaSettings struct {
	Table     []BhabhaCombination
	SectorFwd float64
	SectorBwd float64
}

// Validate checks the table size and ring ids.
func (s BhabhaSettings) Validate() error {
	if len(s.Table) != NumBhabhaComb {
		return fmt.Errorf("%w: Bhabha table has %d combinations, want %d", ErrConfig, len(s.Table), NumBhabhaComb)
	}
	for i, comb := range s.Table {
		if len(comb.Rings) == 0 {
			return fmt.Errorf("%w: Bhabha combination %d has no rings", ErrConfig, i)
		}
		for _, r := range comb.Rings {
			if r < 0 || r >= NumThetaRings {
				return fmt.Errorf("%w: Bhabha combination %d uses ring %d", ErrConfig, i, r)
			}
		}
		if comb.Threshold < 0 {
			return fmt.Errorf("%w: Bhabha combination %d threshold %v", ErrConfig, i, comb.Threshold)
		}
	}
	if s.SectorFwd < 0 || s.SectorBwd < 0 {
		return fmt.Errorf("%w: sector thresholds %v/%v", ErrConfig, s.SectorFwd, s.SectorBwd)
	}
	return nil
}

func comb(thr float64, rings ...int) BhabhaCombination {
	return BhabhaCombination{Rings: rings, Threshold: thr}
}

// bhabhaPresets pair forward rings with the backward rings they face. The
// main trigger and the luminosity monitor use different thresholds.
var bhabhaPresets = map[string]BhabhaSettings{
	"main": {
		Table: []BhabhaCombination{
			comb(5.0, 0, 1, 2, 15, 16),
			comb(3.0, 1, 2, 15, 16),
			comb(3.0, 0, 1, 14, 15),
			comb(3.0, 2, 3, 14, 15),
			comb(3.0, 3, 4, 13, 14),
			comb(3.0, 4, 5, 12, 13),
			comb(3.0, 5, 6, 11, 12),
			comb(3.0, 6, 7, 10, 11),
			comb(3.0, 7, 8, 9, 10),
			comb(2.5, 0, 15),
			comb(2.5, 1, 16),
			comb(2.5, 2, 14),
			comb(2.5, 3, 13),
			comb(2.5, 4, 12),
			comb(2.5, 5, 11),
			comb(2.5, 6, 10),
			comb(2.5, 7, 9),
			comb(2.5, 8, 9),
		},
		SectorFwd: 4.0,
		SectorBwd: 2.5,
	},
	"lom": {
		Table: []BhabhaCombination{
			comb(4.0, 0, 1, 2, 15, 16),
			comb(2.5, 1, 2, 15, 16),
			comb(2.5, 0, 1, 14, 15),
			comb(2.5, 2, 3, 14, 15),
			comb(2.5, 3, 4, 13, 14),
			comb(2.5, 4, 5, 12, 13),
			comb(2.5, 5, 6, 11, 12),
			comb(2.5, 6, 7, 10, 11),
			comb(2.5, 7, 8, 9, 10),
			comb(2.0, 0, 15),
			comb(2.0, 1, 16),
			comb(2.0, 2, 14),
			comb(2.0, 3, 13),
			comb(2.0, 4, 12),
			comb(2.0, 5, 11),
			comb(2.0, 6, 10),
			comb(2.0, 7, 9),
			comb(2.0, 8, 9),
		},
		SectorFwd: 3.0,
		SectorBwd: 1.0,
	},
}

// LookupBhabhaPreset returns a copy of a named Bhabha preset.
func LookupBhabhaPreset(name string) (BhabhaSettings, error) {
	p, ok := bhabhaPresets[name]
	if !ok {
		names := make([]string, 0, len(bhabhaPresets))
		for k := range bhabhaPresets {
			names = append(names, k)
		}
		sort.Strings(names)
		return BhabhaSettings{}, fmt.Errorf("%w: Bhabha preset %q unknown, want one of %s",
			ErrConfig, name, strings.Join(names, ","))
	}
	out := p
	out.Table = make([]BhabhaCombination, len(p.Table))
	for i, c := range p.Table {
		out.Table[i] = BhabhaCombination{Rings: append([]int(nil), c.Rings...), Threshold: c.Threshold}
	}
	return out, nil
}

// Discriminants are the physics quantities of one decision window.
type Discriminants struct {
	RingSums        [NumThetaRings]float64 `json:"ring_sums"`
	Bhabha          [NumBhabhaComb]float64 `json:"bhabha"`
	BhabhaFired     [NumBhabhaComb]bool    `json:"bhabha_fired"`
	BhabhaStar      bool                   `json:"bhabha_star"`
	Quadrants       [2][4]int              `json:"quadrants"` // forward, backward endcap
	BarrelQuadrants [4]int                 `json:"barrel_quadrants"`
	VetoForward     bool                   `json:"veto_fwd"`
	VetoBackward    bool                   `json:"veto_bwd"`
	VetoBarrel      bool                   `json:"veto_barrel"`
	BackgroundVeto  bool                   `json:"veto"`
	Etot            float64                `json:"etot"`
	EnergyFlags     [3]bool                `json:"energy_flags"` // low, high, luminosity
	SectorQuality   bool                   `json:"sector_quality"`
	SectorBhabha    bool                   `json:"sector_bhabha"`
}

// DiscriminantSettings are the thresholds used by Evaluate.
type DiscriminantSettings struct {
	Bhabha              BhabhaSettings
	BackgroundThreshold float64
	BarrelVeto          bool // barrel quadrants also drive the veto
	EtotThresholds      [3]float64
}

// NewDiscriminantSettings extracts the thresholds from a validated Config.
func NewDiscriminantSettings(cfg *Config) (DiscriminantSettings, error) {
	b, err := cfg.Bhabha()
	if err != nil {
		return DiscriminantSettings{}, err
	}
	return DiscriminantSettings{
		Bhabha:              b,
		BackgroundThreshold: cfg.BackgroundThreshold,
		BarrelVeto:          cfg.BarrelVeto,
		EtotThresholds:      [3]float64{cfg.EtotLow, cfg.EtotHigh, cfg.EtotLum},
	}, nil
}

// RingSums sums the energy of hit cells per theta ring.
func RingSums(ce *CellEnergies, top *Topology) [NumThetaRings]float64 {
	var sums [NumThetaRings]float64
	for i := 0; i < NumTC; i++ {
		if ce.Hit[i] {
			sums[top.Theta(tcFromIndex(i))] += ce.Energy[i]
		}
	}
	return sums
}

// BhabhaCombinations evaluates each table entry against the ring sums.
// The star flag is true if any combination exceeds its threshold.
func BhabhaCombinations(rings [NumThetaRings]float64, table []BhabhaCombination) (values [NumBhabhaComb]float64, fired [NumBhabhaComb]bool, star bool) {
	for i, c := range table {
		if i >= NumBhabhaComb {
			break
		}
		for _, r := range c.Rings {
			values[i] += rings[r]
		}
		fired[i] = values[i] > c.Threshold
		star = star || fired[i]
	}
	return
}

// QuadrantCounts counts, per region, the cells in each phi quadrant whose
// energy exceeds threshold.
func QuadrantCounts(ce *CellEnergies, top *Topology, threshold float64) [NumRegions][4]int {
	var q [NumRegions][4]int
	for i := 0; i < NumTC; i++ {
		if !ce.Hit[i] || !(ce.Energy[i] > threshold) {
			continue
		}
		tc := tcFromIndex(i)
		q[top.Region(tc)][top.Quadrant(tc)]++
	}
	return q
}

// BackgroundVeto fires when two diagonally opposite quadrants are both hit.
func BackgroundVeto(q [4]int) bool {
	return (q[0] > 0 && q[2] > 0) || (q[1] > 0 && q[3] > 0)
}

// EnergyTotal sums the ring sums that enter the total-energy trigger.
func EnergyTotal(rings [NumThetaRings]float64) float64 {
	total := 0.0
	for r := etotFirstRing; r <= etotLastRing; r++ {
		total += rings[r]
	}
	return total
}

// SectorEnergies sums hit-cell energy per phi sector in one region.
func SectorEnergies(ce *CellEnergies, top *Topology, region Region) [NumSectors]float64 {
	var s [NumSectors]float64
	for i := 0; i < NumTC; i++ {
		tc := tcFromIndex(i)
		if ce.Hit[i] && top.Region(tc) == region {
			s[top.Sector(tc)] += ce.Energy[i]
		}
	}
	return s
}

// SectorQuality accepts a sector pattern with exactly one hit sector or
// exactly two adjacent ones (sector 0 and 15 are adjacent). Any pattern with
// three or more hit sectors fails.
func SectorQuality(hit [NumSectors]bool) bool {
	var on []int
	for i, h := range hit {
		if h {
			on = append(on, i)
		}
	}
	switch len(on) {
	case 1:
		return true
	case 2:
		d := on[1] - on[0]
		return d == 1 || d == NumSectors-1
	}
	return false
}

// SectorBhabha looks for a forward sector and the backward sector facing it
// (half a turn away) both above their thresholds.
func SectorBhabha(fwd, bwd [NumSectors]float64, thrFwd, thrBwd float64) bool {
	for i := 0; i < NumSectors; i++ {
		if fwd[i] > thrFwd && bwd[(i+NumSectors/2)%NumSectors] > thrBwd {
			return true
		}
	}
	return false
}

// Evaluate computes all discriminants of one window's hit set.
func Evaluate(ce *CellEnergies, top *Topology, s DiscriminantSettings) Discriminants {
	var d Discriminants
	d.RingSums = RingSums(ce, top)
	d.Bhabha, d.BhabhaFired, d.BhabhaStar = BhabhaCombinations(d.RingSums, s.Bhabha.Table)

	q := QuadrantCounts(ce, top, s.BackgroundThreshold)
	d.Quadrants = [2][4]int{q[Forward], q[Backward]}
	d.BarrelQuadrants = q[Barrel]
	// Each region is judged on its own quadrants. Only the endcaps feed the
	// veto unless BarrelVeto is set.
	d.VetoForward = BackgroundVeto(q[Forward])
	d.VetoBackward = BackgroundVeto(q[Backward])
	d.VetoBarrel = BackgroundVeto(q[Barrel])
	d.BackgroundVeto = d.VetoForward || d.VetoBackward || (s.BarrelVeto && d.VetoBarrel)

	d.Etot = EnergyTotal(d.RingSums)
	for i, thr := range s.EtotThresholds {
		d.EnergyFlags[i] = d.Etot > thr
	}

	fwd := SectorEnergies(ce, top, Forward)
	bwd := SectorEnergies(ce, top, Backward)
	var sectorHit [NumSectors]bool
	for i := range sectorHit {
		sectorHit[i] = fwd[i] > 0 || bwd[i] > 0
	}
	d.SectorQuality = SectorQuality(sectorHit)
	d.SectorBhabha = SectorBhabha(fwd, bwd, s.Bhabha.SectorFwd, s.Bhabha.SectorBwd)
	return d
}
