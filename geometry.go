package trgecl

import "fmt"

// Fixed sizes of the calorimeter trigger.
const (
	NumTC         = 576  // trigger cells
	NumCrystal    = 8736 // calorimeter crystals
	NumThetaRings = 17   // theta rings of trigger cells
	NumBhabhaComb = 18   // Bhabha ring-sum combinations
	NumSectors    = 16   // endcap phi sectors used by the sector pattern check
)

// Crystal id ranges of the three detector regions (1-based, inclusive).
const (
	firstFwdCrystal    = 1
	lastFwdCrystal     = 1152
	firstBarrelCrystal = 1153
	lastBarrelCrystal  = 7776
	firstBwdCrystal    = 7777
	lastBwdCrystal     = NumCrystal
)

// TCID identifies a trigger cell, 1..NumTC.
type TCID int

// Valid reports whether id is inside 1..NumTC.
func (id TCID) Valid() bool {
	return id >= 1 && id <= NumTC
}

// Index returns the zero-based array index of the trigger cell.
func (id TCID) Index() int {
	return int(id) - 1
}

// tcFromIndex is the inverse of TCID.Index.
func tcFromIndex(i int) TCID {
	return TCID(i + 1)
}

// CrystalID identifies a calorimeter crystal, 1..NumCrystal.
type CrystalID int

// Valid reports whether id is inside 1..NumCrystal.
func (id CrystalID) Valid() bool {
	return id >= 1 && id <= NumCrystal
}

// Region enumerates the three parts of the calorimeter.
type Region int

// Names for the possible values of Region
const (
	Forward Region = iota // forward endcap
	Barrel                // barrel
	Backward              // backward endcap
)

// NumRegions is the number of Region values.
const NumRegions = 3

func (r Region) String() string {
	switch r {
	case Forward:
		return "FWD"
	case Barrel:
		return "BARREL"
	case Backward:
		return "BWD"
	}
	return fmt.Sprintf("Region(%d)", int(r))
}

// ringLayout describes one theta ring: its region and number of phi cells.
type ringLayout struct {
	region Region
	nphi   int
}

// defaultRings is the theta-ring layout of the detector: 80 forward cells,
// 432 barrel cells and 64 backward cells.
var defaultRings = [NumThetaRings]ringLayout{
	{Forward, 16}, {Forward, 32}, {Forward, 32},
	{Barrel, 36}, {Barrel, 36}, {Barrel, 36}, {Barrel, 36}, {Barrel, 36}, {Barrel, 36},
	{Barrel, 36}, {Barrel, 36}, {Barrel, 36}, {Barrel, 36}, {Barrel, 36}, {Barrel, 36},
	{Backward, 32}, {Backward, 32},
}

// RegionOfTheta returns the detector region that owns theta ring thetaID.
func RegionOfTheta(thetaID int) Region {
	if thetaID < 0 || thetaID >= NumThetaRings {
		return Region(-1)
	}
	return defaultRings[thetaID].region
}

// MarshalText writes the region name, so JSON output is readable.
func (r Region) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}
