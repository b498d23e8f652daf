package trgecl

import (
	"fmt"
	"math"
	"os"

	"github.com/eclsim/trgecl/npyappend"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// CoefficientTable holds matched-filter coefficients. Row j assumes the pulse
// starts Phases[j] ns after the nominal reference time of the window; its
// Amp and Slope rows give the least-squares amplitude A and slope term B of
// the model A*f(t) + B*f'(t) over the window samples.
type CoefficientTable struct {
	Interval  float64
	Window    int
	RefOffset float64
	Phases    []float64
	Amp       [][]float64
	Slope     [][]float64
}

// rowPhase returns the sub-sample phase that row j of nrows represents.
func rowPhase(j, nrows int, dt float64) float64 {
	return -dt/2 + (float64(j)+0.5)*dt/float64(nrows)
}

// NewCoefficientTable computes the table for one sampling mode from the
// pulse template.
func NewCoefficientTable(shape *PulseShape, mode ModeParams) (*CoefficientTable, error) {
	n, nrows := mode.FitWindow, mode.CoefficientRows
	ct := &CoefficientTable{
		Interval:  mode.Interval,
		Window:    n,
		RefOffset: mode.RefOffset,
		Phases:    make([]float64, nrows),
		Amp:       make([][]float64, nrows),
		Slope:     make([][]float64, nrows),
	}
	eye := mat.NewDiagDense(n, nil)
	for k := 0; k < n; k++ {
		eye.SetDiag(k, 1)
	}
	for j := 0; j < nrows; j++ {
		phase := rowPhase(j, nrows, mode.Interval)
		g := mat.NewDense(n, 2, nil)
		for k := 0; k < n; k++ {
			t := float64(k)*mode.Interval - mode.RefOffset - phase
			g.Set(k, 0, shape.Exact(t))
			g.Set(k, 1, shape.Derivative(t))
		}
		// The least-squares solution of G x = I is the pseudo-inverse of G.
		var pinv mat.Dense
		if err := pinv.Solve(g, eye); err != nil {
			return nil, fmt.Errorf("%w: coefficient row %d: %v", ErrConfig, j, err)
		}
		ct.Phases[j] = phase
		ct.Amp[j] = mat.Row(nil, 0, &pinv)
		ct.Slope[j] = mat.Row(nil, 1, &pinv)
	}
	if err := ct.Validate(); err != nil {
		return nil, err
	}
	return ct, nil
}

// Validate checks the table dimensions and values.
func (ct *CoefficientTable) Validate() error {
	nrows := len(ct.Phases)
	if nrows == 0 {
		return fmt.Errorf("%w: coefficient table has no rows", ErrConfig)
	}
	if len(ct.Amp) != nrows || len(ct.Slope) != nrows {
		return fmt.Errorf("%w: coefficient table has %d phases, %d amplitude rows and %d slope rows",
			ErrConfig, nrows, len(ct.Amp), len(ct.Slope))
	}
	if ct.Window < 2 || ct.Interval <= 0 {
		return fmt.Errorf("%w: coefficient table window %d interval %v", ErrConfig, ct.Window, ct.Interval)
	}
	for j := 0; j < nrows; j++ {
		if len(ct.Amp[j]) != ct.Window || len(ct.Slope[j]) != ct.Window {
			return fmt.Errorf("%w: coefficient row %d has %d/%d values, want %d",
				ErrConfig, j, len(ct.Amp[j]), len(ct.Slope[j]), ct.Window)
		}
		for k := 0; k < ct.Window; k++ {
			if math.IsNaN(ct.Amp[j][k]) || math.IsInf(ct.Amp[j][k], 0) ||
				math.IsNaN(ct.Slope[j][k]) || math.IsInf(ct.Slope[j][k], 0) {
				return fmt.Errorf("%w: coefficient row %d is not finite", ErrConfig, j)
			}
		}
	}
	return nil
}

// Rows returns the number of sub-sample phases in the table.
func (ct *CoefficientTable) Rows() int {
	return len(ct.Phases)
}

// rowFor returns the table row whose phase interval contains phase,
// clamped to the table.
func (ct *CoefficientTable) rowFor(phase float64) int {
	nrows := len(ct.Phases)
	j := int(math.Floor((phase + ct.Interval/2) / ct.Interval * float64(nrows)))
	return min(max(j, 0), nrows-1)
}

// WriteNPY stores the table as a (rows, 2*window) float64 array: amplitude
// coefficients then slope coefficients on each row.
func (ct *CoefficientTable) WriteNPY(filename string) error {
	out, err := npyappend.NewNpyAppender[[]float64](filename)
	if err != nil {
		return err
	}
	if err := out.SetRowLength(2 * ct.Window); err != nil {
		out.Close()
		return err
	}
	row := make([]float64, 2*ct.Window)
	for j := range ct.Phases {
		copy(row, ct.Amp[j])
		copy(row[ct.Window:], ct.Slope[j])
		if err := out.Append(row); err != nil {
			out.Close()
			return err
		}
	}
	return out.Close()
}

// ReadCoefficientTable loads a table written by WriteNPY for the given mode.
// The row phases are implied by the row count.
func ReadCoefficientTable(filename string, mode ModeParams) (*CoefficientTable, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	defer f.Close()
	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %q: %v", ErrConfig, filename, err)
	}
	shape := r.Header.Descr.Shape
	if len(shape) != 2 || shape[0] < 1 || shape[1] != 2*mode.FitWindow {
		return nil, fmt.Errorf("%w: %q has shape %v, want (rows, %d)", ErrConfig, filename, shape, 2*mode.FitWindow)
	}
	var data []float64
	if err := r.Read(&data); err != nil {
		return nil, fmt.Errorf("%w: reading %q: %v", ErrConfig, filename, err)
	}
	nrows, n := shape[0], mode.FitWindow
	ct := &CoefficientTable{
		Interval:  mode.Interval,
		Window:    n,
		RefOffset: mode.RefOffset,
		Phases:    make([]float64, nrows),
		Amp:       make([][]float64, nrows),
		Slope:     make([][]float64, nrows),
	}
	for j := 0; j < nrows; j++ {
		row := data[j*2*n : (j+1)*2*n]
		ct.Phases[j] = rowPhase(j, nrows, mode.Interval)
		ct.Amp[j] = append([]float64(nil), row[:n]...)
		ct.Slope[j] = append([]float64(nil), row[n:]...)
	}
	if err := ct.Validate(); err != nil {
		return nil, err
	}
	return ct, nil
}
