package trgecl

import (
	"math"
	"math/rand/v2"
	"sort"
)

// DecisionWindow is one trigger decision window and the event timing chosen
// for it.
type DecisionWindow struct {
	Index  int      `json:"index"`
	Start  float64  `json:"start"` // ns, jitter included
	Width  float64  `json:"width"` // ns
	Timing float64  `json:"timing"`
	NHits  int      `json:"nhits"`
	hits   []FitHit // hits inside [Start, Start+Width)
}

// Contains reports whether t falls inside the window.
func (w DecisionWindow) Contains(t float64) bool {
	return t >= w.Start && t < w.Start+w.Width
}

// HitSlice sorts hits by time, then by cell id.
type HitSlice []FitHit

func (s HitSlice) Len() int      { return len(s) }
func (s HitSlice) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s HitSlice) Less(i, j int) bool {
	if s[i].Time == s[j].Time {
		return s[i].TC < s[j].TC
	}
	return s[i].Time < s[j].Time
}

// SelectWindows slides overlapping decision windows across the event and
// returns one window per non-empty position with its event timing. A window
// whose timing is within cfg.DuplicateTime of the next kept window is
// suppressed in favor of the later one; the number suppressed is returned.
// hits must be sorted by HitSlice order.
func SelectWindows(hits []FitHit, cfg *Config, rng *rand.Rand) ([]DecisionWindow, int) {
	var windows []DecisionWindow
	suppressed := 0
	step := cfg.WindowWidth - cfg.WindowOverlap
	nwin := int(math.Ceil((TimeRangeHigh - TimeRangeLow) / step))
	first := 0
	for i := 0; i < nwin; i++ {
		jitter := cfg.WindowJitter * rng.Float64()
		w := DecisionWindow{
			Index: i,
			Start: TimeRangeLow + float64(i)*step + jitter,
			Width: cfg.WindowWidth,
		}
		for first < len(hits) && hits[first].Time < w.Start {
			first++
		}
		last := first
		for last < len(hits) && w.Contains(hits[last].Time) {
			last++
		}
		if last == first {
			continue
		}
		w.hits = hits[first:last]
		w.NHits = len(w.hits)
		timing, ok := eventTiming(w.hits, cfg.TimingPolicy, cfg.TimingTopN)
		if !ok {
			continue
		}
		w.Timing = timing
		if n := len(windows); n > 0 && math.Abs(windows[n-1].Timing-timing) < cfg.DuplicateTime {
			windows[n-1] = w
			suppressed++
			continue
		}
		windows = append(windows, w)
	}
	return windows, suppressed
}

// eventTiming applies one timing policy to the hits of a window, which are
// in time order. It returns false when no timing can be formed.
func eventTiming(hits []FitHit, policy, topN int) (float64, bool) {
	if len(hits) == 0 {
		return 0, false
	}
	switch policy {
	case TimingFastest:
		return hits[0].Time, true
	case TimingMostEnergetic:
		best := 0
		for i, h := range hits {
			if h.Energy > hits[best].Energy {
				best = i
			}
		}
		return hits[best].Time, true
	case TimingEnergyWeighted:
		byEnergy := make([]FitHit, len(hits))
		copy(byEnergy, hits)
		sort.SliceStable(byEnergy, func(i, j int) bool { return byEnergy[i].Energy > byEnergy[j].Energy })
		if len(byEnergy) > topN {
			byEnergy = byEnergy[:topN]
		}
		var sumE, sumET float64
		for _, h := range byEnergy {
			sumE += h.Energy
			sumET += h.Energy * h.Time
		}
		if sumE <= 0 {
			return 0, false
		}
		return sumET / sumE, true
	}
	return 0, false
}

// CoincidentHits returns the hits within window ns of timing. hits is not
// modified.
func CoincidentHits(hits []FitHit, timing, window float64) []FitHit {
	var out []FitHit
	for _, h := range hits {
		if math.Abs(h.Time-timing) <= window {
			out = append(out, h)
		}
	}
	return out
}
