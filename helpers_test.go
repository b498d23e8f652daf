package trgecl

import "testing"

// cellAt returns the trigger cell of m at (theta, phi).
func cellAt(t testing.TB, m *TCMap, theta, phi int) TCID {
	t.Helper()
	for _, c := range m.Cells {
		if c.ThetaID == theta && c.PhiID == phi {
			return c.ID
		}
	}
	t.Fatalf("no cell at theta %d phi %d", theta, phi)
	return 0
}

// crystalOf returns the lowest crystal id feeding tc.
func crystalOf(t testing.TB, m Mapper, tc TCID) CrystalID {
	t.Helper()
	for x := CrystalID(1); x <= NumCrystal; x++ {
		if m.TCIDOf(x) == tc {
			return x
		}
	}
	t.Fatalf("no crystal feeds tc %d", tc)
	return 0
}

// quietConfig is the default configuration without any noise source.
func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.NoiseParallel = 0
	cfg.NoiseSerial = 0
	cfg.NoisePileup = 0
	return cfg
}
