package trgecl

// Waveform is the sampled shaper output of one trigger cell.
type Waveform struct {
	TC       TCID      `json:"tc"`
	Start    float64   `json:"start"`    // ns, time of sample 0, jitter included
	Interval float64   `json:"interval"` // ns
	Samples  []float64 `json:"samples"`
}

// TimeOf returns the time of sample k.
func (w Waveform) TimeOf(k int) float64 {
	return w.Start + float64(k)*w.Interval
}

// Digitizer turns accumulated macro-bin energies of a trigger cell into a
// sampled waveform with noise.
type Digitizer struct {
	mode  ModeParams
	shape *PulseShape
	noise *NoiseGenerator
	cut   float64
}

// NewDigitizer creates a Digitizer. noise may be nil for noise-free output.
func NewDigitizer(mode ModeParams, shape *PulseShape, noise *NoiseGenerator, cut float64) *Digitizer {
	return &Digitizer{mode: mode, shape: shape, noise: noise, cut: cut}
}

// Enabled reports whether tc passes the gate-energy cut in this event.
// The comparison is strict.
func (d *Digitizer) Enabled(tctx *TriggerContext, tc TCID) bool {
	return tctx.Acc.GateEnergy(tc) > d.cut
}

// Digitize synthesizes the waveform of tc. It returns false when tc fails
// the gate cut and should be skipped downstream.
func (d *Digitizer) Digitize(tctx *TriggerContext, tc TCID) (Waveform, bool) {
	if !d.Enabled(tctx, tc) {
		return Waveform{}, false
	}
	w := Waveform{
		TC:       tc,
		Start:    tctx.SampleStart,
		Interval: d.mode.Interval,
		Samples:  make([]float64, d.mode.NSamples),
	}
	acc := tctx.Acc
	for _, bin := range acc.ActiveBins(tc) {
		e := acc.Energy(tc, bin)
		tbin := acc.Time(tc, bin)
		for k := range w.Samples {
			w.Samples[k] += e * d.shape.At(w.TimeOf(k)-tbin)
		}
	}
	if d.noise != nil {
		d.noise.Generate(tctx.CellRNG(tc), w.Start, w.Samples)
	}
	return w, true
}
