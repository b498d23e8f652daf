package trgecl

import (
	"math"
	"sort"
)

// CellEnergies holds per trigger cell energy, energy-weighted time and
// earliest time of a hit set.
type CellEnergies struct {
	Energy   [NumTC]float64
	Time     [NumTC]float64
	Earliest [NumTC]float64
	Hit      [NumTC]bool
}

// AggregateHits sums a hit set per trigger cell.
func AggregateHits(hits []FitHit) *CellEnergies {
	ce := new(CellEnergies)
	for i := range ce.Earliest {
		ce.Earliest[i] = math.Inf(1)
	}
	for _, h := range hits {
		if !h.TC.Valid() {
			continue
		}
		i := h.TC.Index()
		ce.Energy[i] += h.Energy
		ce.Time[i] += h.Energy * h.Time
		ce.Earliest[i] = math.Min(ce.Earliest[i], h.Time)
		ce.Hit[i] = true
	}
	for i := range ce.Time {
		if ce.Energy[i] != 0 {
			ce.Time[i] /= ce.Energy[i]
		}
	}
	return ce
}

// Cluster is a connected group of hit trigger cells within one region.
type Cluster struct {
	Region       Region     `json:"region"`
	TCs          []TCID     `json:"tcs"`
	Energy       float64    `json:"e"`
	Time         float64    `json:"t"`       // energy weighted
	EarliestTime float64    `json:"t_first"` // earliest member hit
	Position     [3]float64 `json:"pos"`     // energy-weighted, cm
}

// NTC returns the number of member cells.
func (c Cluster) NTC() int {
	return len(c.TCs)
}

// ClusterResult is the cluster content of one decision window. ICN counts
// every cluster, even those beyond the output limit.
type ClusterResult struct {
	ICN      [NumRegions]int `json:"icn"`
	Clusters []Cluster       `json:"clusters"`
}

// TotalICN returns the isolated cluster count summed over regions.
func (r ClusterResult) TotalICN() int {
	n := 0
	for _, c := range r.ICN {
		n += c
	}
	return n
}

// BuildClusters flood-fills the cells with energy above threshold over the
// topology, never crossing region boundaries. Cells are visited in id order,
// so the result depends only on the hit cells and the adjacency. Clusters are
// returned by decreasing energy, at most limit of them.
func BuildClusters(ce *CellEnergies, m Mapper, top *Topology, threshold float64, limit int) ClusterResult {
	var res ClusterResult
	hit := func(tc TCID) bool {
		i := tc.Index()
		return ce.Hit[i] && ce.Energy[i] > threshold
	}
	var visited [NumTC]bool
	for i := 0; i < NumTC; i++ {
		seed := tcFromIndex(i)
		if visited[i] || !hit(seed) {
			continue
		}
		region := top.Region(seed)
		members := []TCID{seed}
		visited[i] = true
		for q := 0; q < len(members); q++ {
			for _, nb := range top.Neighbors(members[q]) {
				if visited[nb.Index()] || !hit(nb) || top.Region(nb) != region {
					continue
				}
				visited[nb.Index()] = true
				members = append(members, nb)
			}
		}
		sort.Slice(members, func(a, b int) bool { return members[a] < members[b] })
		res.ICN[region]++
		res.Clusters = append(res.Clusters, newCluster(region, members, ce, m))
	}
	sort.SliceStable(res.Clusters, func(a, b int) bool {
		return res.Clusters[a].Energy > res.Clusters[b].Energy
	})
	if len(res.Clusters) > limit {
		res.Clusters = res.Clusters[:limit]
	}
	return res
}

func newCluster(region Region, members []TCID, ce *CellEnergies, m Mapper) Cluster {
	c := Cluster{Region: region, TCs: members, EarliestTime: math.Inf(1)}
	for _, tc := range members {
		i := tc.Index()
		e := ce.Energy[i]
		c.Energy += e
		c.Time += e * ce.Time[i]
		c.EarliestTime = math.Min(c.EarliestTime, ce.Earliest[i])
		pos := m.PositionOf(tc)
		for k := range c.Position {
			c.Position[k] += e * pos[k]
		}
	}
	if c.Energy != 0 {
		c.Time /= c.Energy
		for k := range c.Position {
			c.Position[k] /= c.Energy
		}
	}
	return c
}
