package trgecl

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sort"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/sync/errgroup"
)

// Random sub-stream ids that are not trigger cells.
const (
	streamSampling = 0
	streamWindows  = NumTC + 1000
)

// EventInput is one event's crystal deposits.
type EventInput struct {
	Number int
	Hits   []CrystalHit
}

// TriggerContext carries all state of one event through the pipeline. It is
// created fresh for every event.
type TriggerContext struct {
	Event       int
	Seed        uint64
	Acc         *Accumulator
	Jitter      float64 // ns, sampling phase of this event
	SampleStart float64 // ns, time of sample 0
}

// NewTriggerContext prepares an empty context whose random streams derive
// from (runSeed, event).
func NewTriggerContext(runSeed uint64, event int, acc *Accumulator) *TriggerContext {
	seed := rand.New(rand.NewPCG(runSeed, uint64(event))).Uint64()
	return &TriggerContext{Event: event, Seed: seed, Acc: acc}
}

// RNG returns the random stream with the given id. Equal ids give equal
// sequences within one event.
func (tctx *TriggerContext) RNG(stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(tctx.Seed, stream))
}

// CellRNG returns the noise stream of one trigger cell.
func (tctx *TriggerContext) CellRNG(tc TCID) *rand.Rand {
	return tctx.RNG(uint64(tc))
}

// WindowResult is everything decided in one decision window.
type WindowResult struct {
	Window        DecisionWindow `json:"window"`
	Hits          []FitHit       `json:"hits"`
	Clusters      ClusterResult  `json:"clusters"`
	Discriminants Discriminants  `json:"discriminants"`
	Word          TriggerWord    `json:"word"`
}

// EventResult is the output of one event.
type EventResult struct {
	Event       int            `json:"event"`
	Seed        uint64         `json:"seed"`
	Jitter      float64        `json:"jitter"`
	SampleStart float64        `json:"sample_start"`
	NDigitized  int            `json:"ndigitized"`
	Dropped     int            `json:"dropped"`
	Suppressed  int            `json:"suppressed"`
	FitHits     []FitHit       `json:"fit_hits"`
	Windows     []WindowResult `json:"windows"`
	Waveforms   []Waveform     `json:"-"`
}

// Words returns the trigger words of the event in window order.
func (r *EventResult) Words() []TriggerWord {
	words := make([]TriggerWord, len(r.Windows))
	for i, w := range r.Windows {
		words[i] = w.Word
	}
	return words
}

// PipelineStats are running counters of a Pipeline.
type PipelineStats struct {
	Events     int
	Skipped    int
	Windows    int
	Suppressed int
	FitHits    int
}

// Pipeline runs events through accumulation, digitization, fitting, event
// timing, clustering, discriminants and encoding. Everything except the
// encoder's prescale counter and the statistics is read-only after
// NewPipeline.
type Pipeline struct {
	cfg       Config
	mode      ModeParams
	mapper    Mapper
	top       *Topology
	shape     *PulseShape
	table     *CoefficientTable
	digitizer *Digitizer
	fitter    *Fitter
	disc      DiscriminantSettings
	encoder   *Encoder
	workers   int

	// KeepWaveforms stores the digitized waveforms in each EventResult.
	KeepWaveforms bool

	statsLock sync.Mutex
	stats     PipelineStats
}

// NewPipeline validates cfg and builds every read-only table. All errors
// wrap ErrConfig.
func NewPipeline(cfg Config, m Mapper) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, err := LookupMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	top, err := NewTopology(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	p := &Pipeline{
		cfg:     cfg,
		mode:    mode,
		mapper:  m,
		top:     top,
		shape:   NewPulseShape(cfg.Shape == ShapeSimplified),
		encoder: NewEncoder(cfg.BhabhaICNCut, cfg.BhabhaPrescale),
		workers: cfg.Workers,
	}
	if p.workers == 0 {
		p.workers = runtime.GOMAXPROCS(0)
	}
	noise, err := NewNoiseGenerator(cfg, mode, p.shape)
	if err != nil {
		return nil, err
	}
	p.digitizer = NewDigitizer(mode, p.shape, noise, cfg.DigitizeCut)
	if cfg.FitMethod == FitMatched {
		if cfg.CoefficientFile != "" {
			p.table, err = ReadCoefficientTable(cfg.CoefficientFile, mode)
		} else {
			p.table, err = NewCoefficientTable(p.shape, mode)
		}
		if err != nil {
			return nil, err
		}
	}
	if p.fitter, err = NewFitter(&p.cfg, mode, p.shape, p.table); err != nil {
		return nil, err
	}
	if p.disc, err = NewDiscriminantSettings(&p.cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// Config returns the pipeline's configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Mode returns the sampling mode parameters.
func (p *Pipeline) Mode() ModeParams {
	return p.mode
}

// CoefficientTable returns the matched-filter table, or nil for the peak search.
func (p *Pipeline) CoefficientTable() *CoefficientTable {
	return p.table
}

// Stats returns a snapshot of the running counters.
func (p *Pipeline) Stats() PipelineStats {
	p.statsLock.Lock()
	defer p.statsLock.Unlock()
	return p.stats
}

// ProcessEvent runs one event. Errors wrap ErrEvent (or the context's error)
// and leave the pipeline usable for the next event; panics inside the event
// are converted to errors.
func (p *Pipeline) ProcessEvent(ctx context.Context, in EventInput) (res *EventResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: event %d: panic: %v", ErrEvent, in.Number, r)
		}
		p.statsLock.Lock()
		p.stats.Events++
		if err != nil {
			p.stats.Skipped++
		} else {
			p.stats.Windows += len(res.Windows)
			p.stats.Suppressed += res.Suppressed
			p.stats.FitHits += len(res.FitHits)
		}
		p.statsLock.Unlock()
	}()

	acc := NewAccumulator(p.mapper, p.cfg.GateStart, p.cfg.GateWidth)
	if err := acc.AddAll(in.Hits); err != nil {
		return nil, fmt.Errorf("event %d: %w", in.Number, err)
	}
	tctx := NewTriggerContext(p.cfg.Seed, in.Number, acc)
	tctx.Jitter = p.mode.Interval * tctx.RNG(streamSampling).Float64()
	tctx.SampleStart = TimeRangeLow + tctx.Jitter

	cells := acc.HitCells()
	waveforms, hitsPerCell, err := p.fitCells(ctx, tctx, cells)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", in.Number, err)
	}

	res = &EventResult{
		Event:       in.Number,
		Seed:        tctx.Seed,
		Jitter:      tctx.Jitter,
		SampleStart: tctx.SampleStart,
		Dropped:     acc.Dropped,
	}
	for i := range cells {
		if waveforms[i].Samples == nil {
			continue
		}
		res.NDigitized++
		if p.KeepWaveforms {
			res.Waveforms = append(res.Waveforms, waveforms[i])
		}
		res.FitHits = append(res.FitHits, hitsPerCell[i]...)
	}
	sort.Sort(HitSlice(res.FitHits))

	windows, suppressed := SelectWindows(res.FitHits, &p.cfg, tctx.RNG(streamWindows))
	res.Suppressed = suppressed
	for _, w := range windows {
		res.Windows = append(res.Windows, p.decide(w, res.FitHits))
	}
	return res, nil
}

// fitCells digitizes and fits every hit cell in parallel. Slot i of each
// result slice belongs to cells[i] and is written only by its own worker.
func (p *Pipeline) fitCells(ctx context.Context, tctx *TriggerContext, cells []TCID) ([]Waveform, [][]FitHit, error) {
	waveforms := make([]Waveform, len(cells))
	hits := make([][]FitHit, len(cells))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, tc := range cells {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: tc %d: panic: %v", ErrEvent, tc, r)
					ProblemLogger.Printf("recovered panic fitting tc %d of event %d: %v\n%s",
						tc, tctx.Event, r, spew.Sdump(tctx.Acc.ActiveBins(tc)))
				}
			}()
			if err := gctx.Err(); err != nil {
				return err
			}
			w, ok := p.digitizer.Digitize(tctx, tc)
			if !ok {
				return nil
			}
			found := p.fitter.Fit(w)
			for k := range found {
				found[k].BackgroundTag = tctx.Acc.BackgroundTagAt(tc, found[k].Time)
			}
			waveforms[i] = w
			hits[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return waveforms, hits, nil
}

// decide builds clusters, discriminants and the trigger word of one window.
func (p *Pipeline) decide(w DecisionWindow, hits []FitHit) WindowResult {
	selected := CoincidentHits(hits, w.Timing, p.cfg.CoincidenceWindow)
	ce := AggregateHits(selected)
	clusters := BuildClusters(ce, p.mapper, p.top, p.cfg.ClusterThreshold, p.cfg.ClusterLimit)
	disc := Evaluate(ce, p.top, p.disc)
	word := p.encoder.Encode(NewTriggerInputs(&disc, &clusters))
	return WindowResult{
		Window:        w,
		Hits:          selected,
		Clusters:      clusters,
		Discriminants: disc,
		Word:          word,
	}
}
