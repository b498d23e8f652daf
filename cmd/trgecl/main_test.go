package main

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/eclsim/trgecl"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupViper(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(fname, []byte("zmq_port: 5601\npipeline:\n  mode: 96ns\n"), 0644))
	v := viper.New()
	require.NoError(t, setupViper(v, fname))
	assert.Equal(t, 5601, v.GetInt("zmq_port"))
	cfg, err := trgecl.LoadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "96ns", cfg.Mode)

	// No file on the search path leaves the defaults.
	t.Setenv("HOME", t.TempDir())
	v = viper.New()
	require.NoError(t, setupViper(v, ""))
	assert.Equal(t, 0, v.GetInt("zmq_port"))

	assert.Error(t, setupViper(viper.New(), filepath.Join(dir, "missing.yaml")))
}

func TestStartLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	logger := startLogger(dir, "problems.log")
	logger.Print("first problem")
	require.NoError(t, logger.Writer().(io.Closer).Close())
	data, err := os.ReadFile(filepath.Join(dir, "problems.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "first problem")
}

type failingCloser struct{ err error }

func (fc failingCloser) Close() error { return fc.err }

func TestCloseInto(t *testing.T) {
	errClose := errors.New("header rewrite failed")
	var err error
	closeInto(failingCloser{errClose}, &err)
	assert.ErrorIs(t, err, errClose)

	earlier := errors.New("earlier")
	err = earlier
	closeInto(failingCloser{errClose}, &err)
	assert.Equal(t, earlier, err)

	err = nil
	closeInto(failingCloser{}, &err)
	assert.NoError(t, err)

	// A waveform file closed through closeInto reports a second close.
	ww, werr := trgecl.NewWaveformWriter(filepath.Join(t.TempDir(), "w.npy"), 4)
	require.NoError(t, werr)
	closeInto(ww, &err)
	require.NoError(t, err)
	closeInto(ww, &err)
	assert.Error(t, err)
}

func TestWriteMemoryProfile(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "mem.prof")
	require.NoError(t, writeMemoryProfile(fname))
	info, err := os.Stat(fname)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
	assert.Error(t, writeMemoryProfile(filepath.Join(t.TempDir(), "no", "such", "dir", "mem.prof")))
}

func TestWindowSummaries(t *testing.T) {
	res := &trgecl.EventResult{Event: 3}
	res.Windows = []trgecl.WindowResult{
		{Window: trgecl.DecisionWindow{Index: 4, Timing: 12.5}, Word: 0x401},
	}
	res.Windows[0].Discriminants.Etot = 2
	res.Windows[0].Discriminants.BackgroundVeto = true
	msgs := windowSummaries("run1", res)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "run1", m.RunID)
	assert.Equal(t, 3, m.Event)
	assert.Equal(t, 4, m.Window)
	assert.Equal(t, 12.5, m.Timing)
	assert.Equal(t, uint16(0x401), m.Word)
	assert.Equal(t, 2.0, m.Etot)
	assert.True(t, m.Veto)
	assert.Empty(t, windowSummaries("run1", &trgecl.EventResult{}))
}

func TestDumpMap(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "map.txt")
	require.NoError(t, dumpMap(trgecl.NewDefaultTCMap(), fname))
	m, err := trgecl.ReadTCMap(fname)
	require.NoError(t, err)
	assert.Len(t, m.Cells, trgecl.NumTC)
}
