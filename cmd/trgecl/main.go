package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/eclsim/trgecl"
	"github.com/eclsim/trgecl/internal/asyncbufio"
	"github.com/eclsim/trgecl/internal/trgdb"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// setupViper reads configFile, or else the first config.yaml found in
// /etc/trgecl, $HOME/.trgecl and the working directory. Finding no file on
// the search path leaves the built-in defaults in place.
func setupViper(v *viper.Viper, configFile string) error {
	v.SetDefault("Verbose", false)
	v.SetDefault("zmq_port", 0)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", configFile, err)
		}
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/trgecl")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".trgecl"))
	}
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	return nil
}

// startLogger returns a logger writing to a rotating file in logdir.
// lumberjack creates the directory and file on first write.
func startLogger(logdir, name string) *log.Logger {
	return log.New(&lumberjack.Logger{
		Filename:   filepath.Join(logdir, name),
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	}, "", log.LstdFlags)
}

// closeInto closes c and stores its error in *err unless *err is already set.
func closeInto(c io.Closer, err *error) {
	if cerr := c.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}

// options are the command-line choices of one run.
type options struct {
	input        string
	output       string
	waveforms    string
	mapFile      string
	zmqPort      int
	useDB        bool
	dumpMap      string
	dumpCoeffs   string
	maxEvents    int
	configFile   string
	printVersion bool
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1)
	trgecl.Build.Date = buildDate
	trgecl.Build.Githash = githash
	trgecl.Build.Gitdate = gitdate
	trgecl.Build.Summary = fmt.Sprintf("trgecl version %s (git commit %s of %s)", trgecl.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		trgecl.Build.Host = host
	} else {
		trgecl.Build.Host = "host not detected"
	}

	var opt options
	flag.BoolVar(&opt.printVersion, "version", false, "print version and quit")
	flag.StringVar(&opt.configFile, "config", "", "read configuration from this file instead of the search path")
	flag.StringVar(&opt.input, "input", "-", "crystal hit file (event xtal energy time tag), - for stdin")
	flag.StringVar(&opt.output, "output", "-", "JSON-lines result file, - for stdout")
	flag.StringVar(&opt.waveforms, "waveforms", "", "write digitized waveforms to this npy file")
	flag.StringVar(&opt.mapFile, "map", "", "trigger-cell map file (default: built-in map)")
	flag.IntVar(&opt.zmqPort, "zmq", 0, "publish trigger words on this ZMQ PUB port (0: config zmq_port, or none)")
	flag.BoolVar(&opt.useDB, "db", false, "record run and window summaries in ClickHouse")
	flag.StringVar(&opt.dumpMap, "dump-map", "", "write the trigger-cell map to this file and quit")
	flag.StringVar(&opt.dumpCoeffs, "dump-coefficients", "", "write the matched-filter coefficient table to this npy file and quit")
	flag.IntVar(&opt.maxEvents, "n", 0, "stop after this many events (0: all)")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if opt.printVersion {
		fmt.Printf("This is trgecl version %s\n", trgecl.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is trgecl version %s (git commit %s)\n", trgecl.Build.Version, githash)
	fmt.Fprint(os.Stderr, banner)

	if *cpuprofile != "" {
		stopProfile, err := startCPUProfile(*cpuprofile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "trgecl: %v\n", err)
			os.Exit(1)
		}
		defer stopProfile()
	}

	// Problems and run summaries go to two rotating log files.
	logdir := filepath.Join(os.TempDir(), "trgecl-logs")
	if home, err := os.UserHomeDir(); err == nil {
		logdir = filepath.Join(home, ".trgecl", "logs")
	}
	trgecl.ProblemLogger = startLogger(logdir, "problems.log")
	trgecl.UpdateLogger = startLogger(logdir, "updates.log")
	fmt.Fprintf(os.Stderr, "Logging problems and updates to %s\n\n", logdir)
	trgecl.UpdateLogger.Printf("\n\n%s", banner)

	if err := setupViper(viper.GetViper(), opt.configFile); err != nil {
		fmt.Fprintf(os.Stderr, "trgecl: %v\n", err)
		os.Exit(1)
	}
	if opt.zmqPort == 0 {
		opt.zmqPort = viper.GetInt("zmq_port")
	}

	if err := run(opt); err != nil {
		trgecl.ProblemLogger.Printf("fatal: %v", err)
		fmt.Fprintf(os.Stderr, "trgecl: %v\n", err)
		pprof.StopCPUProfile()
		os.Exit(1)
	}
	if *memprofile != "" {
		if err := writeMemoryProfile(*memprofile); err != nil {
			trgecl.ProblemLogger.Print(err)
		}
	}
}

// run builds the pipeline and processes every event of the input.
func run(opt options) (err error) {
	cfg, err := trgecl.LoadConfig(viper.GetViper())
	if err != nil {
		return err
	}

	var mapper *trgecl.TCMap
	if opt.mapFile != "" {
		if mapper, err = trgecl.ReadTCMap(opt.mapFile); err != nil {
			return fmt.Errorf("%w: %v", trgecl.ErrConfig, err)
		}
	} else {
		mapper = trgecl.NewDefaultTCMap()
	}
	if opt.dumpMap != "" {
		return dumpMap(mapper, opt.dumpMap)
	}

	pipeline, err := trgecl.NewPipeline(cfg, mapper)
	if err != nil {
		return err
	}
	if opt.dumpCoeffs != "" {
		table := pipeline.CoefficientTable()
		if table == nil {
			return fmt.Errorf("%w: fit method %q has no coefficient table", trgecl.ErrConfig, cfg.FitMethod)
		}
		return table.WriteNPY(opt.dumpCoeffs)
	}

	in := io.Reader(os.Stdin)
	if opt.input != "-" {
		f, err := os.Open(opt.input)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	out := io.Writer(os.Stdout)
	if opt.output != "-" {
		f, cerr := os.Create(opt.output)
		if cerr != nil {
			return cerr
		}
		defer closeInto(f, &err)
		out = f
	}
	asyncout := asyncbufio.NewWriter(out, 1024, time.Second)
	results := trgecl.NewResultWriter(asyncout)
	defer closeInto(asyncout, &err)

	var waves *trgecl.WaveformWriter
	if opt.waveforms != "" {
		if waves, err = trgecl.NewWaveformWriter(opt.waveforms, pipeline.Mode().NSamples); err != nil {
			return err
		}
		defer closeInto(waves, &err)
		pipeline.KeepWaveforms = true
	}

	abort := make(chan struct{})

	var wordsToPub chan []trgecl.WordMessage
	if opt.zmqPort > 0 {
		wordsToPub = make(chan []trgecl.WordMessage, 100)
		defer close(wordsToPub)
		go func() {
			if err := trgecl.PublishWords(wordsToPub, abort, opt.zmqPort); err != nil {
				trgecl.ProblemLogger.Printf("PublishWords on port %d: %v", opt.zmqPort, err)
				for range wordsToPub {
				}
			}
		}()
	}

	db := trgdb.DummyDBConnection()
	if opt.useDB {
		db = trgdb.StartDBConnection(trgdb.NewActivityMessage(trgecl.Build.Version, githash), abort)
		if !db.IsConnected() {
			trgecl.ProblemLogger.Printf("ClickHouse not connected, run summaries will not be recorded: %v", db.Err())
		}
	}
	defer db.Wait()
	defer close(abort)
	runmsg := trgdb.NewRunMessage(opt.input, cfg.Mode, cfg.FitMethod, cfg.Seed)
	db.RecordRun(runmsg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reader := trgecl.NewEventReader(in)
	nread := 0
	for opt.maxEvents == 0 || nread < opt.maxEvents {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", opt.input, err)
		}
		nread++
		res, err := pipeline.ProcessEvent(ctx, ev)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, trgecl.ErrEvent) {
				trgecl.ProblemLogger.Printf("skipping event %d: %v\n%s", ev.Number, err, spew.Sdump(ev.Hits))
				continue
			}
			return err
		}
		if err := results.Write(res); err != nil {
			return err
		}
		if waves != nil {
			if err := waves.Write(res); err != nil {
				return err
			}
		}
		if wordsToPub != nil {
			wordsToPub <- trgecl.WordMessages(res)
		}
		db.RecordWindows(windowSummaries(runmsg.ID, res))
	}

	stats := pipeline.Stats()
	runmsg.Events = stats.Events
	runmsg.Skipped = stats.Skipped
	runmsg.Windows = stats.Windows
	db.FinishRun(runmsg)
	trgecl.UpdateLogger.Printf("run %s: %d events (%d skipped), %d windows, %d suppressed, %d fit hits",
		runmsg.ID, stats.Events, stats.Skipped, stats.Windows, stats.Suppressed, stats.FitHits)
	return nil
}

// windowSummaries converts the windows of one event to database rows.
func windowSummaries(runID string, res *trgecl.EventResult) []*trgdb.WindowMessage {
	msgs := make([]*trgdb.WindowMessage, 0, len(res.Windows))
	for _, m := range trgecl.WordMessages(res) {
		msgs = append(msgs, &trgdb.WindowMessage{
			RunID:  runID,
			Event:  m.Event,
			Window: m.Window,
			Timing: m.Timing,
			Word:   uint16(m.Word),
			ICN:    m.ICN,
			Etot:   m.Etot,
			Bhabha: m.Bhabha,
			Veto:   m.Veto,
		})
	}
	return msgs
}

func dumpMap(m *trgecl.TCMap, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := m.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func startCPUProfile(fname string) (func(), error) {
	f, err := os.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("cpu profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("cpu profile: %w", err)
	}
	return func() {
		pprof.StopCPUProfile()
		f.Close()
	}, nil
}

// writeMemoryProfile writes the heap profile after a final collection.
func writeMemoryProfile(fname string) (err error) {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("memory profile: %w", err)
	}
	defer closeInto(f, &err)
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("memory profile: %w", err)
	}
	return nil
}
