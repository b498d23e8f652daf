package trgecl

import (
	"fmt"
	"sync"
)

// TriggerWord is the packed decision of one window.
//
//	bits 0-2  total-energy flags (low, high, luminosity)
//	bit  3    Bhabha (Bhabha* and ICN above the cut)
//	bit  4    prescaled Bhabha*
//	bits 5-7  min(ICN, 7)
//	bit  8    forward-endcap ICN > 0
//	bit  9    background veto
//	bit  10   timing valid
type TriggerWord uint16

// Bit positions in a TriggerWord
const (
	BitEtotLow = iota
	BitEtotHigh
	BitEtotLum
	BitBhabha
	BitBhabhaPrescaled
	BitICN0
	BitICN1
	BitICN2
	BitForwardICN
	BitBackgroundVeto
	BitTimingValid
	NumTriggerBits
)

const maxICNField = 7

// Bit reports whether bit b is set.
func (w TriggerWord) Bit(b int) bool {
	return w&(1<<b) != 0
}

// ICN returns the saturated cluster count stored in the word.
func (w TriggerWord) ICN() int {
	return int(w>>BitICN0) & maxICNField
}

func (w TriggerWord) String() string {
	return fmt.Sprintf("%0*b", NumTriggerBits, uint16(w))
}

// TriggerInputs are the quantities of one window the encoder needs.
type TriggerInputs struct {
	EnergyFlags    [3]bool
	BhabhaStar     bool
	ICN            int
	ForwardICN     int
	BackgroundVeto bool
}

// NewTriggerInputs gathers the encoder inputs of a window.
func NewTriggerInputs(d *Discriminants, cr *ClusterResult) TriggerInputs {
	return TriggerInputs{
		EnergyFlags:    d.EnergyFlags,
		BhabhaStar:     d.BhabhaStar,
		ICN:            cr.TotalICN(),
		ForwardICN:     cr.ICN[Forward],
		BackgroundVeto: d.BackgroundVeto,
	}
}

// Encoder packs trigger words. Its only state is the Bhabha prescale
// counter, which persists across windows and events.
type Encoder struct {
	icnCut   int
	prescale int

	sync.Mutex
	nBhabha int
}

// NewEncoder makes an encoder that requires ICN > icnCut for the Bhabha bit
// and sets the prescaled bit on every prescale-th Bhabha*.
func NewEncoder(icnCut, prescale int) *Encoder {
	if prescale < 1 {
		prescale = 1
	}
	return &Encoder{icnCut: icnCut, prescale: prescale}
}

// Encode produces the word of one window.
func (e *Encoder) Encode(in TriggerInputs) TriggerWord {
	var w TriggerWord
	set := func(b int, on bool) {
		if on {
			w |= 1 << b
		}
	}
	set(BitEtotLow, in.EnergyFlags[0])
	set(BitEtotHigh, in.EnergyFlags[1])
	set(BitEtotLum, in.EnergyFlags[2])
	set(BitBhabha, in.BhabhaStar && in.ICN > e.icnCut)
	if in.BhabhaStar {
		e.Lock()
		e.nBhabha++
		set(BitBhabhaPrescaled, e.nBhabha%e.prescale == 0)
		e.Unlock()
	}
	w |= TriggerWord(min(max(in.ICN, 0), maxICNField)) << BitICN0
	set(BitForwardICN, in.ForwardICN > 0)
	set(BitBackgroundVeto, in.BackgroundVeto)
	set(BitTimingValid, true)
	return w
}

// BhabhaCount returns how many Bhabha* windows the encoder has seen.
func (e *Encoder) BhabhaCount() int {
	e.Lock()
	defer e.Unlock()
	return e.nBhabha
}
