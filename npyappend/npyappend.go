// Package npyappend writes numpy *.npy files one row at a time, rewriting
// the header on Close (or Flush) so the file is always readable by numpy.
package npyappend

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
)

// npy headers are padded to a multiple of this many bytes
const headerUnits = 64

// headerLen is the fixed header size we reserve. It leaves room for row
// counts of any realistic length.
const headerLen = 128

// NpyAppender appends items of type T to an .npy file. A scalar T gives a
// 1-d array; a slice or array T gives a 2-d array with one row per item.
type NpyAppender[T any] struct {
	filename string
	file     *os.File
	buf      *bufio.Writer
	header   string
	shape    []int
	dtype    string
}

// NewNpyAppender creates filename (truncating it) and writes a provisional header.
func NewNpyAppender[T any](filename string) (*NpyAppender[T], error) {
	var dummy T
	dtype, err := dtypeOf(reflect.TypeOf(dummy))
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	a := &NpyAppender[T]{
		filename: filename,
		file:     file,
		dtype:    dtype,
		shape:    shapeOf(reflect.ValueOf(dummy)),
	}
	if err := a.writeHeader(); err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, err
	}
	a.buf = bufio.NewWriter(file)
	return a, nil
}

// SetRowLength fixes the row length for slice items. It must be called
// before the first Append when T is a slice.
func (a *NpyAppender[T]) SetRowLength(length int) error {
	if len(a.shape) < 2 {
		return fmt.Errorf("npyappend: %s has scalar items", a.filename)
	}
	if a.shape[0] > 0 {
		return fmt.Errorf("npyappend: can't set row length after appending to %s", a.filename)
	}
	a.shape[1] = length
	return nil
}

// Append writes one item.
func (a *NpyAppender[T]) Append(item T) error {
	if len(a.shape) == 2 {
		if n := reflect.ValueOf(item).Len(); n != a.shape[1] {
			return fmt.Errorf("npyappend: row of length %d, want %d", n, a.shape[1])
		}
	}
	if err := binary.Write(a.buf, binary.LittleEndian, item); err != nil {
		return err
	}
	a.shape[0]++
	return nil
}

// Len returns the number of items appended so far.
func (a *NpyAppender[T]) Len() int {
	return a.shape[0]
}

// Header returns the most recently written header.
func (a *NpyAppender[T]) Header() string {
	return a.header
}

// Flush pushes buffered rows to disk and rewrites the header.
func (a *NpyAppender[T]) Flush() error {
	if err := a.buf.Flush(); err != nil {
		return err
	}
	return a.writeHeader()
}

// Close flushes and closes the file.
func (a *NpyAppender[T]) Close() error {
	if err := a.Flush(); err != nil {
		a.file.Close()
		return err
	}
	return a.file.Close()
}

func (a *NpyAppender[T]) writeHeader() error {
	const magic = "\x93NUMPY\x01\x00"
	dims := make([]string, len(a.shape))
	for i, d := range a.shape {
		dims[i] = fmt.Sprint(d)
	}
	shape := strings.Join(dims, ", ")
	if len(dims) == 1 {
		shape += ","
	}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", a.dtype, shape)
	dictLen := headerLen - len(magic) - 2
	if len(dict)+1 > dictLen {
		return fmt.Errorf("npyappend: header %q too long", dict)
	}
	dict += strings.Repeat(" ", dictLen-len(dict)-1) + "\n"

	var lenBytes [2]byte
	binary.LittleEndian.PutUint16(lenBytes[:], uint16(dictLen))
	header := magic + string(lenBytes[:]) + dict
	if len(header)%headerUnits != 0 {
		return fmt.Errorf("npyappend: header length %d not a multiple of %d", len(header), headerUnits)
	}
	a.header = header
	_, err := a.file.WriteAt([]byte(header), 0)
	return err
}

func shapeOf(rv reflect.Value) []int {
	switch rv.Kind() {
	case reflect.Array, reflect.Slice:
		return []int{0, rv.Len()}
	default:
		return []int{0}
	}
}

func dtypeOf(rt reflect.Type) (string, error) {
	switch rt.Kind() {
	case reflect.Bool:
		return "|b1", nil
	case reflect.Uint8:
		return "|u1", nil
	case reflect.Uint16:
		return "<u2", nil
	case reflect.Uint32:
		return "<u4", nil
	case reflect.Uint64:
		return "<u8", nil
	case reflect.Int8:
		return "|i1", nil
	case reflect.Int16:
		return "<i2", nil
	case reflect.Int32:
		return "<i4", nil
	case reflect.Int64:
		return "<i8", nil
	case reflect.Float32:
		return "<f4", nil
	case reflect.Float64:
		return "<f8", nil
	case reflect.Complex64:
		return "<c8", nil
	case reflect.Complex128:
		return "<c16", nil
	case reflect.Array, reflect.Slice:
		elem := rt.Elem()
		if elem.Kind() == reflect.Array || elem.Kind() == reflect.Slice {
			break
		}
		return dtypeOf(elem)
	}
	return "", fmt.Errorf("npyappend: can't store items of type %v", rt)
}
