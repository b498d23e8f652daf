package asyncbufio

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWrite(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "example.txt")
	f, err := os.Create(fname)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	// A tiny queue makes Write block rather than drop data.
	w := NewWriter(f, 2, time.Second)
	var expect strings.Builder
	for i := range 100 {
		line := fmt.Sprintf("Line of text %3d\n", i)
		expect.WriteString(line)
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatal(err)
		}
		if i%25 == 19 {
			if err := w.Flush(); err != nil {
				t.Error(err)
			}
		}
	}
	w.Write([]byte("Last line\n"))
	expect.WriteString("Last line\n")
	if err := w.Close(); err != nil {
		t.Error(err)
	}

	actual, err := os.ReadFile(fname)
	if err != nil {
		t.Fatal(err)
	}
	if string(actual) != expect.String() {
		t.Errorf("file contents differ: have %d bytes, want %d", len(actual), expect.Len())
	}
}

func TestWriteCopies(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 10, time.Hour)
	p := []byte("abc")
	w.Write(p)
	p[0] = 'x'
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "abc" {
		t.Errorf("have %q, want %q", buf.String(), "abc")
	}
}

type failingWriter struct{}

var errDiskFull = errors.New("disk full")

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errDiskFull
}

func TestWriteError(t *testing.T) {
	w := NewWriter(failingWriter{}, 10, time.Hour)
	w.Write([]byte("data"))
	if err := w.Flush(); !errors.Is(err, errDiskFull) {
		t.Errorf("Flush() error %v, want %v", err, errDiskFull)
	}
	if err := w.Close(); !errors.Is(err, errDiskFull) {
		t.Errorf("Close() error %v, want %v", err, errDiskFull)
	}
}
