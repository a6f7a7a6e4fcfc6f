// Package matfile reads and writes MATLAB Level 5 MAT-files for the
// variable kinds result bundles use: char matrices, int32, single and
// double numeric arrays.
package matfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"
	"unicode/utf16"
)

// Data element types
const (
	miINT8       = 1
	miUINT8      = 2
	miINT16      = 3
	miUINT16     = 4
	miINT32      = 5
	miUINT32     = 6
	miSINGLE     = 7
	miDOUBLE     = 9
	miINT64      = 12
	miUINT64     = 13
	miMATRIX     = 14
	miCOMPRESSED = 15
	miUTF8       = 16
)

// Class is a MATLAB array class
type Class uint8

// Supported array classes
const (
	ClassChar   Class = 4
	ClassDouble Class = 6
	ClassSingle Class = 7
	ClassInt32  Class = 12
)

func (c Class) String() string {
	switch c {
	case ClassChar:
		return "char"
	case ClassDouble:
		return "double"
	case ClassSingle:
		return "single"
	case ClassInt32:
		return "int32"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

const headerTextLen = 116

var (
	// ErrNotMAT is returned for input without a Level 5 header
	ErrNotMAT = errors.New("not a MAT-file")
	// ErrUnsupported is returned for array classes this package does not read
	ErrUnsupported = errors.New("unsupported MAT array")
)

// Variable is one named array. Dims are MATLAB dimensions (rows first);
// numeric data is stored column-major.
type Variable struct {
	Name  string
	Class Class
	Dims  []int

	chars   []uint16
	int32s  []int32
	singles []float32
	doubles []float64
}

// Char builds a char matrix with one row per string, right-padded with
// spaces to the longest row
func Char(name string, rows []string) Variable {
	encoded := make([][]uint16, len(rows))
	width := 0
	for i, r := range rows {
		encoded[i] = utf16.Encode([]rune(r))
		if len(encoded[i]) > width {
			width = len(encoded[i])
		}
	}
	data := make([]uint16, len(rows)*width)
	for i := range data {
		data[i] = ' '
	}
	for r, row := range encoded {
		for c, u := range row {
			data[r+c*len(rows)] = u
		}
	}
	return Variable{Name: name, Class: ClassChar, Dims: []int{len(rows), width}, chars: data}
}

// Int32 builds an int32 array
func Int32(name string, dims []int, data []int32) Variable {
	return Variable{Name: name, Class: ClassInt32, Dims: dims, int32s: data}
}

// Single builds a single precision array
func Single(name string, dims []int, data []float32) Variable {
	return Variable{Name: name, Class: ClassSingle, Dims: dims, singles: data}
}

// Double builds a double precision array
func Double(name string, dims []int, data []float64) Variable {
	return Variable{Name: name, Class: ClassDouble, Dims: dims, doubles: data}
}

// Len returns the number of elements
func (v Variable) Len() int {
	n := 1
	for _, d := range v.Dims {
		n *= d
	}
	return n
}

// Strings returns the rows of a char matrix with trailing spaces removed
func (v Variable) Strings() ([]string, error) {
	if v.Class != ClassChar {
		return nil, fmt.Errorf("%s is %s, not char", v.Name, v.Class)
	}
	if len(v.Dims) != 2 {
		return nil, fmt.Errorf("%s: char matrix has %d dimensions", v.Name, len(v.Dims))
	}
	rows, cols := v.Dims[0], v.Dims[1]
	out := make([]string, rows)
	row := make([]uint16, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			row[c] = v.chars[r+c*rows]
		}
		out[r] = strings.TrimRight(string(utf16.Decode(row)), " ")
	}
	return out, nil
}

// Float64s returns numeric data converted to float64
func (v Variable) Float64s() ([]float64, error) {
	switch v.Class {
	case ClassDouble:
		return append([]float64(nil), v.doubles...), nil
	case ClassSingle:
		out := make([]float64, len(v.singles))
		for i, f := range v.singles {
			out[i] = float64(f)
		}
		return out, nil
	case ClassInt32:
		out := make([]float64, len(v.int32s))
		for i, n := range v.int32s {
			out[i] = float64(n)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s is %s, not numeric", v.Name, v.Class)
}

// Float32s returns numeric data converted to float32
func (v Variable) Float32s() ([]float32, error) {
	if v.Class == ClassSingle {
		return append([]float32(nil), v.singles...), nil
	}
	f64, err := v.Float64s()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(f64))
	for i, f := range f64 {
		out[i] = float32(f)
	}
	return out, nil
}

// Ints returns numeric data truncated to int
func (v Variable) Ints() ([]int, error) {
	if v.Class == ClassInt32 {
		out := make([]int, len(v.int32s))
		for i, n := range v.int32s {
			out[i] = int(n)
		}
		return out, nil
	}
	f64, err := v.Float64s()
	if err != nil {
		return nil, err
	}
	out := make([]int, len(f64))
	for i, f := range f64 {
		out[i] = int(f)
	}
	return out, nil
}

func (v Variable) validate() error {
	if v.Name == "" {
		return errors.New("variable has no name")
	}
	if len(v.Dims) < 2 {
		return fmt.Errorf("%s: MAT arrays need at least 2 dimensions, got %v", v.Name, v.Dims)
	}
	var n int
	switch v.Class {
	case ClassChar:
		n = len(v.chars)
	case ClassInt32:
		n = len(v.int32s)
	case ClassSingle:
		n = len(v.singles)
	case ClassDouble:
		n = len(v.doubles)
	default:
		return fmt.Errorf("%s: %w class %s", v.Name, ErrUnsupported, v.Class)
	}
	if n != v.Len() {
		return fmt.Errorf("%s: %d elements do not fill dims %v", v.Name, n, v.Dims)
	}
	return nil
}

// Header returns the 128-byte Level 5 file header
func Header(description string) []byte {
	hdr := make([]byte, 128)
	text := description
	if text == "" {
		text = "MATLAB 5.0 MAT-file, Platform: GLNXA64, Created on: " + time.Now().Format("Mon Jan 2 15:04:05 2006")
	}
	for i := range hdr[:headerTextLen] {
		hdr[i] = ' '
	}
	copy(hdr[:headerTextLen], text)
	// subsystem data offset stays zero
	binary.LittleEndian.PutUint16(hdr[124:], 0x0100)
	copy(hdr[126:], "IM")
	return hdr
}

// Encode serializes variables into a complete MAT-file image
func Encode(description string, vars ...Variable) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(Header(description))
	seen := make(map[string]bool, len(vars))
	for _, v := range vars {
		if err := v.validate(); err != nil {
			return nil, err
		}
		if seen[v.Name] {
			return nil, fmt.Errorf("duplicate variable %q", v.Name)
		}
		seen[v.Name] = true
		writeMatrix(&buf, v)
	}
	return buf.Bytes(), nil
}

// Write saves variables to path
func Write(path string, vars ...Variable) error {
	data, err := Encode("", vars...)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func pad8(n int) int {
	return (8 - n%8) % 8
}

// writeElement writes a tagged data element padded to 8 bytes
func writeElement(buf *bytes.Buffer, typ uint32, payload []byte) {
	var tag [8]byte
	binary.LittleEndian.PutUint32(tag[0:], typ)
	binary.LittleEndian.PutUint32(tag[4:], uint32(len(payload)))
	buf.Write(tag[:])
	buf.Write(payload)
	buf.Write(make([]byte, pad8(len(payload))))
}

func writeMatrix(out *bytes.Buffer, v Variable) {
	var body bytes.Buffer

	flags := make([]byte, 8)
	binary.LittleEndian.PutUint32(flags, uint32(v.Class))
	writeElement(&body, miUINT32, flags)

	dims := make([]byte, 4*len(v.Dims))
	for i, d := range v.Dims {
		binary.LittleEndian.PutUint32(dims[4*i:], uint32(int32(d)))
	}
	writeElement(&body, miINT32, dims)
	writeElement(&body, miINT8, []byte(v.Name))

	var data []byte
	var typ uint32
	switch v.Class {
	case ClassChar:
		typ, data = miUINT16, make([]byte, 2*len(v.chars))
		for i, c := range v.chars {
			binary.LittleEndian.PutUint16(data[2*i:], c)
		}
	case ClassInt32:
		typ, data = miINT32, make([]byte, 4*len(v.int32s))
		for i, n := range v.int32s {
			binary.LittleEndian.PutUint32(data[4*i:], uint32(n))
		}
	case ClassSingle:
		typ = miSINGLE
		for _, f := range v.singles {
			data = binary.LittleEndian.AppendUint32(data, math.Float32bits(f))
		}
	case ClassDouble:
		typ = miDOUBLE
		for _, f := range v.doubles {
			data = binary.LittleEndian.AppendUint64(data, math.Float64bits(f))
		}
	}
	writeElement(&body, typ, data)

	writeElement(out, miMATRIX, body.Bytes())
}
