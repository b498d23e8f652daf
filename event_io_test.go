package trgecl

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEvents = `# event xtal energy time tag
1 100 0.5 10 0
1 101 0.25 -20.5 3   # pileup

2 7000 1.5 0 0
3 5 0.01 2000 1
`

func TestEventReader(t *testing.T) {
	er := NewEventReader(strings.NewReader(testEvents))
	ev, err := er.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Number)
	assert.Equal(t, []CrystalHit{
		{Crystal: 100, Energy: 0.5, Time: 10},
		{Crystal: 101, Energy: 0.25, Time: -20.5, BackgroundTag: 3},
	}, ev.Hits)

	ev, err = er.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, ev.Number)
	assert.Len(t, ev.Hits, 1)

	ev, err = er.Next()
	require.NoError(t, err)
	assert.Equal(t, 3, ev.Number)

	_, err = er.Next()
	assert.Equal(t, io.EOF, err)
	_, err = er.Next()
	assert.Equal(t, io.EOF, err)

	_, err = ReadEvents(strings.NewReader("1 100 0.5 10 0\n1 100 x 10 0\n"))
	assert.ErrorContains(t, err, "line 2")
	_, err = ReadEvents(strings.NewReader("1 100 0.5 10\n"))
	assert.ErrorContains(t, err, "line 1")
}

func TestWriteEvent(t *testing.T) {
	events, err := ReadEvents(strings.NewReader(testEvents))
	require.NoError(t, err)
	require.Len(t, events, 3)

	var buf bytes.Buffer
	for _, ev := range events {
		require.NoError(t, WriteEvent(&buf, ev))
	}
	again, err := ReadEvents(&buf)
	require.NoError(t, err)
	assert.Equal(t, events, again)
}

func TestResultAndWaveformWriters(t *testing.T) {
	m := NewDefaultTCMap()
	p, err := NewPipeline(quietConfig(), m)
	require.NoError(t, err)
	p.KeepWaveforms = true
	res, err := p.ProcessEvent(context.Background(), backToBack(t, m, 42, 3))
	require.NoError(t, err)

	var buf bytes.Buffer
	rw := NewResultWriter(&buf)
	require.NoError(t, rw.Write(res))
	require.NoError(t, rw.Write(res))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var decoded struct {
		Event   int `json:"event"`
		Windows []struct {
			Word     TriggerWord `json:"word"`
			Clusters struct {
				ICN [NumRegions]int `json:"icn"`
			} `json:"clusters"`
		} `json:"windows"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
	assert.Equal(t, 42, decoded.Event)
	require.Len(t, decoded.Windows, 1)
	assert.Equal(t, res.Windows[0].Word, decoded.Windows[0].Word)
	assert.Equal(t, [NumRegions]int{1, 0, 1}, decoded.Windows[0].Clusters.ICN)
	assert.NotContains(t, lines[0], "samples")

	fname := filepath.Join(t.TempDir(), "waves.npy")
	nsamp := p.Mode().NSamples
	ww, err := NewWaveformWriter(fname, nsamp)
	require.NoError(t, err)
	require.NoError(t, ww.Write(res))
	assert.Equal(t, 2, ww.Len())
	require.NoError(t, ww.Close())

	f, err := os.Open(fname)
	require.NoError(t, err)
	defer f.Close()
	r, err := npyio.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, []int{2, nsamp + 3}, r.Header.Descr.Shape)
	var data []float64
	require.NoError(t, r.Read(&data))
	assert.Equal(t, 42.0, data[0])
	assert.Equal(t, float64(res.Waveforms[0].TC), data[1])
	assert.Equal(t, res.Waveforms[0].Start, data[2])
	assert.Equal(t, res.Waveforms[0].Samples, data[3:3+nsamp])

	short, err := NewWaveformWriter(filepath.Join(t.TempDir(), "short.npy"), nsamp-1)
	require.NoError(t, err)
	assert.Error(t, short.Write(res))
	short.Close()
}
