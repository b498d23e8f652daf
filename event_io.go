package trgecl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/eclsim/trgecl/npyappend"
)

// EventReader reads crystal hits from text, one hit per line:
//
//	event xtal energy time tag
//
// Blank lines and text after '#' are ignored. Consecutive lines with the same
// event number form one event.
type EventReader struct {
	scanner *bufio.Scanner
	line    int
	pending *EventInput
	done    bool
}

// NewEventReader wraps r.
func NewEventReader(r io.Reader) *EventReader {
	return &EventReader{scanner: bufio.NewScanner(r)}
}

// Next returns the next event, or io.EOF after the last one.
func (er *EventReader) Next() (EventInput, error) {
	for !er.done {
		if !er.scanner.Scan() {
			if err := er.scanner.Err(); err != nil {
				return EventInput{}, err
			}
			er.done = true
			break
		}
		er.line++
		text := er.scanner.Text()
		if idx := strings.IndexByte(text, '#'); idx >= 0 {
			text = text[:idx]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		event, hit, err := parseHitFields(fields)
		if err != nil {
			return EventInput{}, fmt.Errorf("line %d: %w", er.line, err)
		}
		if er.pending != nil && er.pending.Number != event {
			out := *er.pending
			er.pending = &EventInput{Number: event, Hits: []CrystalHit{hit}}
			return out, nil
		}
		if er.pending == nil {
			er.pending = &EventInput{Number: event}
		}
		er.pending.Hits = append(er.pending.Hits, hit)
	}
	if er.pending != nil {
		out := *er.pending
		er.pending = nil
		return out, nil
	}
	return EventInput{}, io.EOF
}

func parseHitFields(fields []string) (int, CrystalHit, error) {
	var hit CrystalHit
	if len(fields) != 5 {
		return 0, hit, fmt.Errorf("have %d fields, want 5 (event xtal energy time tag)", len(fields))
	}
	event, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, hit, err
	}
	xtal, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, hit, err
	}
	hit.Crystal = CrystalID(xtal)
	if hit.Energy, err = strconv.ParseFloat(fields[2], 64); err != nil {
		return 0, hit, err
	}
	if hit.Time, err = strconv.ParseFloat(fields[3], 64); err != nil {
		return 0, hit, err
	}
	if hit.BackgroundTag, err = strconv.Atoi(fields[4]); err != nil {
		return 0, hit, err
	}
	return event, hit, nil
}

// ReadEvents reads every event from r.
func ReadEvents(r io.Reader) ([]EventInput, error) {
	er := NewEventReader(r)
	var events []EventInput
	for {
		ev, err := er.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

// WriteEvent writes ev in the format read by EventReader.
func WriteEvent(w io.Writer, ev EventInput) error {
	for _, h := range ev.Hits {
		if _, err := fmt.Fprintf(w, "%d %d %g %g %d\n", ev.Number, h.Crystal, h.Energy, h.Time, h.BackgroundTag); err != nil {
			return err
		}
	}
	return nil
}

// ResultWriter writes EventResults as JSON lines.
type ResultWriter struct {
	enc *json.Encoder
}

// NewResultWriter wraps w.
func NewResultWriter(w io.Writer) *ResultWriter {
	return &ResultWriter{enc: json.NewEncoder(w)}
}

// Write appends one result line.
func (rw *ResultWriter) Write(res *EventResult) error {
	return rw.enc.Encode(res)
}

// WaveformWriter dumps digitized waveforms to an npy file. Each row holds
// event number, cell id, start time, then the samples.
type WaveformWriter struct {
	out      *npyappend.NpyAppender[[]float64]
	nSamples int
	row      []float64
}

// NewWaveformWriter creates filename for waveforms of nSamples samples.
func NewWaveformWriter(filename string, nSamples int) (*WaveformWriter, error) {
	out, err := npyappend.NewNpyAppender[[]float64](filename)
	if err != nil {
		return nil, err
	}
	if err := out.SetRowLength(nSamples + 3); err != nil {
		out.Close()
		return nil, err
	}
	return &WaveformWriter{out: out, nSamples: nSamples, row: make([]float64, nSamples+3)}, nil
}

// Write appends the waveforms of one event.
func (ww *WaveformWriter) Write(res *EventResult) error {
	for _, w := range res.Waveforms {
		if len(w.Samples) != ww.nSamples {
			return fmt.Errorf("waveform of tc %d has %d samples, want %d", w.TC, len(w.Samples), ww.nSamples)
		}
		ww.row[0] = float64(res.Event)
		ww.row[1] = float64(w.TC)
		ww.row[2] = w.Start
		copy(ww.row[3:], w.Samples)
		if err := ww.out.Append(ww.row); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of waveforms written.
func (ww *WaveformWriter) Len() int {
	return ww.out.Len()
}

// Close finishes the file.
func (ww *WaveformWriter) Close() error {
	return ww.out.Close()
}
