package trgdb

import (
	"os"
	"runtime"
	"time"

	"github.com/oklog/ulid/v2"
)

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the trgeclactivity table: one row
// per program invocation.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// NewActivityMessage describes the running program.
func NewActivityMessage(version, githash string) *ActivityMessage {
	host, err := os.Hostname()
	if err != nil {
		host = "host not detected"
	}
	return &ActivityMessage{
		ID:        ulid.Make().String(),
		Hostname:  host,
		Githash:   githash,
		Version:   version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     time.Now(),
	}
}

// RunMessage is the information required to make an entry in the runs table.
type RunMessage struct {
	ID         string
	ActivityID string
	InputFile  string
	Mode       string
	FitMethod  string
	Seed       uint64
	Events     int
	Skipped    int
	Windows    int
	Start      time.Time
	End        time.Time
}

// NewRunMessage starts a run record with a fresh id.
func NewRunMessage(inputFile, mode, fitMethod string, seed uint64) *RunMessage {
	return &RunMessage{
		ID:        ulid.Make().String(),
		InputFile: inputFile,
		Mode:      mode,
		FitMethod: fitMethod,
		Seed:      seed,
		Start:     time.Now(),
	}
}

// WindowMessage summarizes one decision window for the windows table.
type WindowMessage struct {
	RunID  string
	Event  int
	Window int
	Timing float64
	Word   uint16
	ICN    int
	Etot   float64
	Bhabha bool
	Veto   bool
}
