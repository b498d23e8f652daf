package trgecl

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// ErrConfig marks problems found while building a pipeline. They are fatal.
var ErrConfig = errors.New("configuration error")

// ErrEvent marks problems confined to one event. The event should be skipped.
var ErrEvent = errors.New("event error")

// ModeParams fixes the sampling and fit geometry of one sampling mode.
type ModeParams struct {
	Name            string
	Interval        float64 // ns between samples
	NSamples        int     // samples per trigger cell
	FitWindow       int     // samples in one matched-filter window
	RefOffset       float64 // pulse start relative to the first window sample, ns
	CoefficientRows int     // sub-sample phases in the coefficient table
	FlagUp          int     // peak search: rising samples needed
	FlagDown        int     // peak search: falling samples needed
}

var samplingModes = map[string]ModeParams{
	"125ns": {Name: "125ns", Interval: 125, NSamples: 64, FitWindow: 12, RefOffset: 250, CoefficientRows: 64, FlagUp: 2, FlagDown: 2},
	"96ns":  {Name: "96ns", Interval: 96, NSamples: 80, FitWindow: 12, RefOffset: 200, CoefficientRows: 48, FlagUp: 2, FlagDown: 2},
	"12ns":  {Name: "12ns", Interval: 12, NSamples: 666, FitWindow: 14, RefOffset: -250, CoefficientRows: 24, FlagUp: 3, FlagDown: 3},
}

// LookupMode returns the parameters of the named sampling mode.
func LookupMode(name string) (ModeParams, error) {
	p, ok := samplingModes[name]
	if !ok {
		names := make([]string, 0, len(samplingModes))
		for k := range samplingModes {
			names = append(names, k)
		}
		sort.Strings(names)
		return p, fmt.Errorf("%w: sampling mode %q unknown, want one of %s", ErrConfig, name, strings.Join(names, ","))
	}
	return p, nil
}

// Fit methods
const (
	FitMatched    = "matched"
	FitPeakSearch = "peak"
)

// Template evaluation choices
const (
	ShapeExact      = "exact"
	ShapeSimplified = "simplified"
)

// Event timing policies
const (
	TimingFastest = iota
	TimingMostEnergetic
	TimingEnergyWeighted
)

// Config holds every tunable of the pipeline. Zero values are never
// meaningful defaults; start from DefaultConfig.
type Config struct {
	Mode      string `mapstructure:"mode"`
	FitMethod string `mapstructure:"fit_method"`
	Shape     string `mapstructure:"shape"`
	Seed      uint64 `mapstructure:"seed"`
	Workers   int    `mapstructure:"workers"`

	// Accumulation and digitization
	GateStart   float64 `mapstructure:"gate_start"`
	GateWidth   float64 `mapstructure:"gate_width"`
	DigitizeCut float64 `mapstructure:"digitize_cut"`

	// Noise
	NoiseParallel    float64 `mapstructure:"noise_parallel"`
	NoiseSerial      float64 `mapstructure:"noise_serial"`
	NoisePileup      float64 `mapstructure:"noise_pileup"`
	PileupRate       float64 `mapstructure:"pileup_rate"` // pulses per ns
	PileupMeanEnergy float64 `mapstructure:"pileup_mean_energy"`
	LParallelFile    string  `mapstructure:"l_parallel_file"`
	LSerialFile      string  `mapstructure:"l_serial_file"`

	// Fitting
	EnergyThreshold float64         `mapstructure:"energy_threshold"`
	TCThresholds    map[int]float64 `mapstructure:"tc_thresholds"`
	Sleep           int             `mapstructure:"sleep"` // 0 means one fit window
	DuplicateTime   float64         `mapstructure:"duplicate_time"`
	CoefficientFile string          `mapstructure:"coefficient_file"`

	// Event timing
	WindowWidth       float64 `mapstructure:"window_width"`
	WindowOverlap     float64 `mapstructure:"window_overlap"`
	WindowJitter      float64 `mapstructure:"window_jitter"`
	TimingPolicy      int     `mapstructure:"timing_policy"`
	TimingTopN        int     `mapstructure:"timing_top_n"`
	CoincidenceWindow float64 `mapstructure:"coincidence_window"`

	// Clusters and discriminants
	ClusterThreshold    float64             `mapstructure:"cluster_threshold"`
	ClusterLimit        int                 `mapstructure:"cluster_limit"`
	BackgroundThreshold float64             `mapstructure:"background_threshold"`
	BarrelVeto          bool                `mapstructure:"barrel_veto"`
	EtotLow             float64             `mapstructure:"etot_low"`
	EtotHigh            float64             `mapstructure:"etot_high"`
	EtotLum             float64             `mapstructure:"etot_lum"`
	BhabhaPreset        string              `mapstructure:"bhabha_preset"`
	BhabhaTable         []BhabhaCombination `mapstructure:"bhabha_table"`
	SectorFwdThreshold  float64             `mapstructure:"sector_fwd_threshold"`
	SectorBwdThreshold  float64             `mapstructure:"sector_bwd_threshold"`
	BhabhaICNCut        int                 `mapstructure:"bhabha_icn_cut"`
	BhabhaPrescale      int                 `mapstructure:"bhabha_prescale"`
}

// DefaultConfig returns the nominal settings of the main trigger in 125 ns mode.
func DefaultConfig() Config {
	return Config{
		Mode:      "125ns",
		FitMethod: FitMatched,
		Shape:     ShapeExact,
		Seed:      1,

		GateStart:   -500,
		GateWidth:   1000,
		DigitizeCut: 0.03,

		NoiseParallel:    0.001,
		NoiseSerial:      0.001,
		NoisePileup:      0.0,
		PileupRate:       0.0005,
		PileupMeanEnergy: 0.01,

		EnergyThreshold: 0.05,
		DuplicateTime:   5,

		WindowWidth:       250,
		WindowOverlap:     125,
		WindowJitter:      10,
		TimingPolicy:      TimingEnergyWeighted,
		TimingTopN:        3,
		CoincidenceWindow: 125,

		ClusterThreshold:    0,
		ClusterLimit:        6,
		BackgroundThreshold: 0.5,
		EtotLow:             0.5,
		EtotHigh:            1.0,
		EtotLum:             3.0,
		BhabhaPreset:        "main",
		BhabhaICNCut:        4,
		BhabhaPrescale:      1,
	}
}

// ThresholdFor returns the fit energy threshold of one trigger cell.
func (c *Config) ThresholdFor(tc TCID) float64 {
	if thr, ok := c.TCThresholds[int(tc)]; ok {
		return thr
	}
	return c.EnergyThreshold
}

// Validate checks the configuration for internal consistency. It returns
// an error wrapping ErrConfig at the first problem found.
func (c *Config) Validate() error {
	if _, err := LookupMode(c.Mode); err != nil {
		return err
	}
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
	}
	switch c.FitMethod {
	case FitMatched, FitPeakSearch:
	default:
		return bad("fit_method %q, want %q or %q", c.FitMethod, FitMatched, FitPeakSearch)
	}
	switch c.Shape {
	case ShapeExact, ShapeSimplified:
	default:
		return bad("shape %q, want %q or %q", c.Shape, ShapeExact, ShapeSimplified)
	}
	if c.Workers < 0 {
		return bad("workers=%d must be non-negative", c.Workers)
	}
	if c.GateWidth <= 0 {
		return bad("gate_width=%v must be positive", c.GateWidth)
	}
	for name, v := range map[string]float64{
		"digitize_cut":         c.DigitizeCut,
		"noise_parallel":       c.NoiseParallel,
		"noise_serial":         c.NoiseSerial,
		"noise_pileup":         c.NoisePileup,
		"pileup_rate":          c.PileupRate,
		"pileup_mean_energy":   c.PileupMeanEnergy,
		"energy_threshold":     c.EnergyThreshold,
		"duplicate_time":       c.DuplicateTime,
		"window_jitter":        c.WindowJitter,
		"coincidence_window":   c.CoincidenceWindow,
		"cluster_threshold":    c.ClusterThreshold,
		"background_threshold": c.BackgroundThreshold,
	} {
		if v < 0 || math.IsNaN(v) {
			return bad("%s=%v must be non-negative", name, v)
		}
	}
	for tc, thr := range c.TCThresholds {
		if !TCID(tc).Valid() || thr < 0 {
			return bad("tc_thresholds[%d]=%v invalid", tc, thr)
		}
	}
	if c.Sleep < 0 {
		return bad("sleep=%d must be non-negative", c.Sleep)
	}
	if c.WindowWidth <= 0 || c.WindowOverlap < 0 || c.WindowOverlap >= c.WindowWidth {
		return bad("window_width=%v window_overlap=%v, want 0 <= overlap < width", c.WindowWidth, c.WindowOverlap)
	}
	if c.WindowJitter >= c.WindowWidth-c.WindowOverlap {
		return bad("window_jitter=%v must be below the window step %v", c.WindowJitter, c.WindowWidth-c.WindowOverlap)
	}
	if c.TimingPolicy < TimingFastest || c.TimingPolicy > TimingEnergyWeighted {
		return bad("timing_policy=%d, want 0, 1 or 2", c.TimingPolicy)
	}
	if c.TimingTopN < 1 {
		return bad("timing_top_n=%d must be at least 1", c.TimingTopN)
	}
	if c.ClusterLimit < 1 {
		return bad("cluster_limit=%d must be at least 1", c.ClusterLimit)
	}
	if !(c.EtotLow <= c.EtotHigh && c.EtotHigh <= c.EtotLum) {
		return bad("etot thresholds %v/%v/%v must be increasing", c.EtotLow, c.EtotHigh, c.EtotLum)
	}
	if c.BhabhaPrescale < 1 {
		return bad("bhabha_prescale=%d must be at least 1", c.BhabhaPrescale)
	}
	if _, err := c.Bhabha(); err != nil {
		return err
	}
	return nil
}

// Bhabha resolves the Bhabha settings: an explicit table wins over the
// preset, and explicit sector thresholds win over the preset's.
func (c *Config) Bhabha() (BhabhaSettings, error) {
	s, err := LookupBhabhaPreset(c.BhabhaPreset)
	if err != nil {
		return s, err
	}
	if len(c.BhabhaTable) > 0 {
		s.Table = c.BhabhaTable
	}
	if c.SectorFwdThreshold > 0 {
		s.SectorFwd = c.SectorFwdThreshold
	}
	if c.SectorBwdThreshold > 0 {
		s.SectorBwd = c.SectorBwdThreshold
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// LoadConfig reads the "pipeline" section of a viper configuration on top
// of DefaultConfig and validates the result.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	if v.IsSet("pipeline") {
		if err := v.UnmarshalKey("pipeline", &cfg); err != nil {
			return cfg, fmt.Errorf("%w: %v", ErrConfig, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
