package trgecl

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// Mapper is the read-only geometry lookup service used by every stage of the
// pipeline. TCIDOf returns 0 for a crystal it does not know.
type Mapper interface {
	TCIDOf(xtal CrystalID) TCID
	ThetaIDOf(tc TCID) int
	PhiIDOf(tc TCID) int
	PositionOf(tc TCID) [3]float64
}

type mapError struct {
	msg string
}

func (e mapError) Error() string {
	return e.msg
}

// TCCell represents the location of one trigger cell
type TCCell struct {
	ID       TCID
	ThetaID  int
	PhiID    int
	Position [3]float64 // cm
}

// TCMap is a table-driven Mapper
type TCMap struct {
	Cells    []TCCell
	Filename string
	xtalToTC []TCID
}

// Region boundaries in polar angle (degrees) and the nominal surfaces of the
// calorimeter used to place trigger cells.
const (
	fwdThetaMin    = 12.4
	fwdThetaMax    = 31.4
	barrelThetaMin = 32.2
	barrelThetaMax = 128.7
	bwdThetaMin    = 130.7
	bwdThetaMax    = 155.1
	barrelRadius   = 125.0 // cm
	fwdEndcapZ     = 196.0 // cm
	bwdEndcapZ     = -102.0
)

// NewDefaultTCMap builds the nominal 576-cell layout: cells are numbered ring
// by ring in theta, and by phi inside a ring. Crystals of each region are
// spread evenly over that region's cells in id order.
func NewDefaultTCMap() *TCMap {
	m := &TCMap{
		Cells:    make([]TCCell, 0, NumTC),
		Filename: "default",
		xtalToTC: make([]TCID, NumCrystal),
	}
	var regionFirstTC, regionNTC [NumRegions]int
	for r := range regionFirstTC {
		regionFirstTC[r] = -1
	}
	ringsInRegion := [NumRegions]int{}
	for _, ring := range defaultRings {
		ringsInRegion[ring.region]++
	}
	ringInRegion := [NumRegions]int{}

	for theta, ring := range defaultRings {
		thetaDeg := ringCenterTheta(ring.region, ringInRegion[ring.region], ringsInRegion[ring.region])
		ringInRegion[ring.region]++
		for phi := 1; phi <= ring.nphi; phi++ {
			id := tcFromIndex(len(m.Cells))
			if regionFirstTC[ring.region] < 0 {
				regionFirstTC[ring.region] = int(id)
			}
			regionNTC[ring.region]++
			phiRad := 2 * math.Pi * (float64(phi) - 0.5) / float64(ring.nphi)
			m.Cells = append(m.Cells, TCCell{
				ID:       id,
				ThetaID:  theta,
				PhiID:    phi,
				Position: cellPosition(ring.region, thetaDeg, phiRad),
			})
		}
	}

	xtalRanges := [NumRegions][2]int{
		{firstFwdCrystal, lastFwdCrystal},
		{firstBarrelCrystal, lastBarrelCrystal},
		{firstBwdCrystal, lastBwdCrystal},
	}
	for r, xr := range xtalRanges {
		nx := xr[1] - xr[0] + 1
		for x := xr[0]; x <= xr[1]; x++ {
			m.xtalToTC[x-1] = TCID(regionFirstTC[r] + (x-xr[0])*regionNTC[r]/nx)
		}
	}
	return m
}

func ringCenterTheta(region Region, i, n int) float64 {
	lo, hi := fwdThetaMin, fwdThetaMax
	switch region {
	case Barrel:
		lo, hi = barrelThetaMin, barrelThetaMax
	case Backward:
		lo, hi = bwdThetaMin, bwdThetaMax
	}
	return lo + (float64(i)+0.5)*(hi-lo)/float64(n)
}

func cellPosition(region Region, thetaDeg, phiRad float64) [3]float64 {
	theta := thetaDeg * math.Pi / 180
	var r, z float64
	switch region {
	case Barrel:
		r = barrelRadius
		z = r / math.Tan(theta)
	case Forward:
		z = fwdEndcapZ
		r = z * math.Tan(theta)
	case Backward:
		z = bwdEndcapZ
		r = z * math.Tan(theta)
	}
	return [3]float64{r * math.Cos(phiRad), r * math.Sin(phiRad), z}
}

// ReadTCMap reads a mapping table from a text file. Each non-comment line is
// either "tc ID THETA PHI X Y Z" or "xtal XTALID TCID".
func ReadTCMap(filename string) (*TCMap, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	m, err := parseTCMap(file)
	if err != nil {
		return nil, fmt.Errorf("ReadTCMap(%q): %w", filename, err)
	}
	m.Filename = filename
	return m, nil
}

func parseTCMap(r io.Reader) (*TCMap, error) {
	m := &TCMap{
		Cells:    make([]TCCell, NumTC),
		xtalToTC: make([]TCID, NumCrystal),
	}
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if len(line) == 0 {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "tc":
			var c TCCell
			var id int
			if _, err := fmt.Sscanf(line, "tc %d %d %d %g %g %g", &id, &c.ThetaID, &c.PhiID,
				&c.Position[0], &c.Position[1], &c.Position[2]); err != nil {
				return nil, mapError{msg: fmt.Sprintf("line %d: %v", lineNum, err)}
			}
			c.ID = TCID(id)
			if !c.ID.Valid() {
				return nil, mapError{msg: fmt.Sprintf("line %d: tc id %d out of range [1,%d]", lineNum, id, NumTC)}
			}
			if m.Cells[c.ID.Index()].ID != 0 {
				return nil, mapError{msg: fmt.Sprintf("line %d: tc id %d defined twice", lineNum, id)}
			}
			m.Cells[c.ID.Index()] = c
		case "xtal":
			var xid, tcid int
			if _, err := fmt.Sscanf(line, "xtal %d %d", &xid, &tcid); err != nil {
				return nil, mapError{msg: fmt.Sprintf("line %d: %v", lineNum, err)}
			}
			if !CrystalID(xid).Valid() {
				return nil, mapError{msg: fmt.Sprintf("line %d: crystal id %d out of range [1,%d]", lineNum, xid, NumCrystal)}
			}
			m.xtalToTC[xid-1] = TCID(tcid)
		default:
			return nil, mapError{msg: fmt.Sprintf("line %d: unknown record type %q", lineNum, fields[0])}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that every trigger cell is defined exactly once with a
// sensible theta ring, that phi ids of each ring run 1..nphi, that every
// crystal points at a defined cell, and that every cell is fed.
func (m *TCMap) Validate() error {
	if len(m.Cells) != NumTC {
		return mapError{msg: fmt.Sprintf("map error: have %d trigger cells, want %d", len(m.Cells), NumTC)}
	}
	phisByRing := make([]map[int]bool, NumThetaRings)
	for i := range phisByRing {
		phisByRing[i] = make(map[int]bool)
	}
	for i, c := range m.Cells {
		if c.ID != tcFromIndex(i) {
			return mapError{msg: fmt.Sprintf("map error: trigger cell %d missing", i+1)}
		}
		if c.ThetaID < 0 || c.ThetaID >= NumThetaRings {
			return mapError{msg: fmt.Sprintf("map error: tc %d has theta id %d, want [0,%d]", c.ID, c.ThetaID, NumThetaRings-1)}
		}
		if c.PhiID < 1 || phisByRing[c.ThetaID][c.PhiID] {
			return mapError{msg: fmt.Sprintf("map error: tc %d has bad or repeated phi id %d in ring %d", c.ID, c.PhiID, c.ThetaID)}
		}
		phisByRing[c.ThetaID][c.PhiID] = true
	}
	for ring, phis := range phisByRing {
		for phi := 1; phi <= len(phis); phi++ {
			if !phis[phi] {
				return mapError{msg: fmt.Sprintf("map error: ring %d has %d cells but no phi id %d", ring, len(phis), phi)}
			}
		}
	}
	if len(m.xtalToTC) != NumCrystal {
		return mapError{msg: fmt.Sprintf("map error: have %d crystals, want %d", len(m.xtalToTC), NumCrystal)}
	}
	for i, tc := range m.xtalToTC {
		if tc != 0 && !tc.Valid() {
			return mapError{msg: fmt.Sprintf("map error: crystal %d maps to invalid tc %d", i+1, tc)}
		}
	}
	return checkCoverage(m)
}

// checkCoverage requires every crystal to feed a trigger cell and every
// trigger cell to be fed by at least one crystal.
func checkCoverage(m Mapper) error {
	var fed [NumTC]bool
	for x := CrystalID(1); x <= NumCrystal; x++ {
		tc := m.TCIDOf(x)
		if !tc.Valid() {
			return mapError{msg: fmt.Sprintf("map error: crystal %d has no trigger cell", x)}
		}
		fed[tc.Index()] = true
	}
	for i, ok := range fed {
		if !ok {
			return mapError{msg: fmt.Sprintf("map error: tc %d is fed by no crystal", i+1)}
		}
	}
	return nil
}

// Write stores the map in the text format read by ReadTCMap.
func (m *TCMap) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# trigger cell map %s\n", m.Filename)
	for _, c := range m.Cells {
		fmt.Fprintf(bw, "tc %d %d %d %.4f %.4f %.4f\n", c.ID, c.ThetaID, c.PhiID,
			c.Position[0], c.Position[1], c.Position[2])
	}
	for i, tc := range m.xtalToTC {
		if tc != 0 {
			fmt.Fprintf(bw, "xtal %d %d\n", i+1, tc)
		}
	}
	return bw.Flush()
}

// TCIDOf returns the trigger cell fed by crystal xtal, or 0 if unknown.
func (m *TCMap) TCIDOf(xtal CrystalID) TCID {
	if !xtal.Valid() || len(m.xtalToTC) < int(xtal) {
		return 0
	}
	return m.xtalToTC[xtal-1]
}

// ThetaIDOf returns the theta ring of tc, or -1 if tc is invalid.
func (m *TCMap) ThetaIDOf(tc TCID) int {
	if !tc.Valid() {
		return -1
	}
	return m.Cells[tc.Index()].ThetaID
}

// PhiIDOf returns the 1-based phi id of tc, or 0 if tc is invalid.
func (m *TCMap) PhiIDOf(tc TCID) int {
	if !tc.Valid() {
		return 0
	}
	return m.Cells[tc.Index()].PhiID
}

// PositionOf returns the (x,y,z) position of tc in cm.
func (m *TCMap) PositionOf(tc TCID) [3]float64 {
	if !tc.Valid() {
		return [3]float64{}
	}
	return m.Cells[tc.Index()].Position
}

// Topology holds the derived neighbor structure of the trigger cells: which
// ring and phi slot each cell occupies, how many cells each ring has, and
// which cells touch each other.
type Topology struct {
	nphi      [NumThetaRings]int
	theta     [NumTC]int
	phi       [NumTC]int
	neighbors [NumTC][]TCID
}

// NewTopology derives the adjacency of all trigger cells from a Mapper. Two
// cells touch if their rings differ by at most one and their phi intervals
// overlap or share an edge, with wraparound in phi.
func NewTopology(m Mapper) (*Topology, error) {
	t := new(Topology)
	for i := 0; i < NumTC; i++ {
		tc := tcFromIndex(i)
		th, ph := m.ThetaIDOf(tc), m.PhiIDOf(tc)
		if th < 0 || th >= NumThetaRings || ph < 1 {
			return nil, mapError{msg: fmt.Sprintf("topology: tc %d has theta %d phi %d", tc, th, ph)}
		}
		t.theta[i] = th
		t.phi[i] = ph
		if ph > t.nphi[th] {
			t.nphi[th] = ph
		}
	}
	for ring, n := range t.nphi {
		if n == 0 {
			return nil, mapError{msg: fmt.Sprintf("topology: theta ring %d has no cells", ring)}
		}
	}
	if err := checkCoverage(m); err != nil {
		return nil, err
	}
	for i := 0; i < NumTC; i++ {
		for j := 0; j < NumTC; j++ {
			if i != j && t.touch(i, j) {
				t.neighbors[i] = append(t.neighbors[i], tcFromIndex(j))
			}
		}
	}
	return t, nil
}

// touch compares phi intervals [(p-1)/n, p/n] in exact integer arithmetic.
func (t *Topology) touch(i, j int) bool {
	dr := t.theta[i] - t.theta[j]
	if dr < -1 || dr > 1 {
		return false
	}
	pa, na := t.phi[i], t.nphi[t.theta[i]]
	pb, nb := t.phi[j], t.nphi[t.theta[j]]
	for shift := -1; shift <= 1; shift++ {
		// a.lo <= b.hi && b.lo <= a.hi, b shifted by a full turn
		loA, hiA := (pa-1)*nb, pa*nb
		loB, hiB := (pb-1+shift*nb)*na, (pb+shift*nb)*na
		if loA <= hiB && loB <= hiA {
			return true
		}
	}
	return false
}

// Neighbors returns the cells touching tc.
func (t *Topology) Neighbors(tc TCID) []TCID {
	if !tc.Valid() {
		return nil
	}
	return t.neighbors[tc.Index()]
}

// NPhi returns the number of phi cells in theta ring ring.
func (t *Topology) NPhi(ring int) int {
	if ring < 0 || ring >= NumThetaRings {
		return 0
	}
	return t.nphi[ring]
}

// Region returns the detector region of tc.
func (t *Topology) Region(tc TCID) Region {
	return RegionOfTheta(t.theta[tc.Index()])
}

// Theta returns the theta ring of tc.
func (t *Topology) Theta(tc TCID) int {
	return t.theta[tc.Index()]
}

// Quadrant returns which of 4 equal phi quadrants tc belongs to.
func (t *Topology) Quadrant(tc TCID) int {
	i := tc.Index()
	return (t.phi[i] - 1) * 4 / t.nphi[t.theta[i]]
}

// Sector returns which of NumSectors equal phi sectors tc belongs to.
func (t *Topology) Sector(tc TCID) int {
	i := tc.Index()
	return (t.phi[i] - 1) * NumSectors / t.nphi[t.theta[i]]
}
