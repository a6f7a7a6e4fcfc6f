package matfile

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

const (
	flagComplex = 0x0800
	flagLogical = 0x0200
)

// File is a decoded MAT-file
type File struct {
	Description string
	Variables   []Variable
	// Skipped names arrays of classes this package does not decode
	Skipped []string
}

// Get returns the variable called name
func (f *File) Get(name string) (Variable, bool) {
	for _, v := range f.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}

// Names lists the decoded variables in file order
func (f *File) Names() []string {
	names := make([]string, len(f.Variables))
	for i, v := range f.Variables {
		names[i] = v.Name
	}
	return names
}

// Read decodes the MAT-file at path
func Read(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Decode parses a complete MAT-file image
func Decode(data []byte) (*File, error) {
	if len(data) < 128 {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrNotMAT, len(data))
	}
	var order binary.ByteOrder
	switch string(data[126:128]) {
	case "IM":
		order = binary.LittleEndian
	case "MI":
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: bad endian indicator %q", ErrNotMAT, data[126:128])
	}
	if v := order.Uint16(data[124:]); v != 0x0100 {
		return nil, fmt.Errorf("%w: version %#x", ErrNotMAT, v)
	}

	d := &decoder{order: order}
	f := &File{Description: strings.TrimRight(string(data[:headerTextLen]), " \x00")}
	if err := d.elements(data[128:], f); err != nil {
		return nil, err
	}
	return f, nil
}

type decoder struct {
	order binary.ByteOrder
}

// tag splits the next data element off b. Small elements pack type and
// size into one word with the payload in the following four bytes.
func (d *decoder) tag(b []byte) (typ uint32, payload, rest []byte, err error) {
	if len(b) < 8 {
		return 0, nil, nil, fmt.Errorf("truncated element tag (%d bytes)", len(b))
	}
	word := d.order.Uint32(b)
	if size := word >> 16; size != 0 {
		if size > 4 {
			return 0, nil, nil, fmt.Errorf("small element claims %d bytes", size)
		}
		return word & 0xffff, b[4 : 4+size], b[8:], nil
	}
	n := int(d.order.Uint32(b[4:]))
	if n > len(b)-8 {
		return 0, nil, nil, fmt.Errorf("element of type %d needs %d bytes, %d left", word, n, len(b)-8)
	}
	end := 8 + n
	if word != miCOMPRESSED {
		end += pad8(n)
		if end > len(b) {
			end = len(b)
		}
	}
	return word, b[8 : 8+n], b[end:], nil
}

func (d *decoder) elements(b []byte, f *File) error {
	for len(b) > 0 {
		typ, payload, rest, err := d.tag(b)
		if err != nil {
			return err
		}
		b = rest
		switch typ {
		case miCOMPRESSED:
			zr, err := zlib.NewReader(bytes.NewReader(payload))
			if err != nil {
				return fmt.Errorf("compressed element: %w", err)
			}
			inflated, err := io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return fmt.Errorf("compressed element: %w", err)
			}
			if err := d.elements(inflated, f); err != nil {
				return err
			}
		case miMATRIX:
			if len(payload) == 0 {
				continue // empty placeholder
			}
			v, skipped, err := d.matrix(payload)
			if err != nil {
				return err
			}
			if skipped {
				f.Skipped = append(f.Skipped, v.Name)
				continue
			}
			f.Variables = append(f.Variables, v)
		default:
			return fmt.Errorf("unexpected top-level element type %d", typ)
		}
	}
	return nil
}

func (d *decoder) matrix(b []byte) (Variable, bool, error) {
	var v Variable
	typ, flags, b, err := d.tag(b)
	if err != nil || typ != miUINT32 || len(flags) < 4 {
		return v, false, fmt.Errorf("matrix without array flags")
	}
	word := d.order.Uint32(flags)
	v.Class = Class(word & 0xff)

	typ, dims, b, err := d.tag(b)
	if err != nil || typ != miINT32 {
		return v, false, fmt.Errorf("matrix without dimensions")
	}
	for i := 0; i+4 <= len(dims); i += 4 {
		v.Dims = append(v.Dims, int(int32(d.order.Uint32(dims[i:]))))
	}

	typ, name, b, err := d.tag(b)
	if err != nil || typ != miINT8 {
		return v, false, fmt.Errorf("matrix without name")
	}
	v.Name = string(name)

	switch v.Class {
	case ClassChar, ClassDouble, ClassSingle, ClassInt32:
	default:
		return v, true, nil
	}
	if word&(flagComplex|flagLogical) != 0 {
		return v, true, nil
	}

	typ, pr, _, err := d.tag(b)
	if err != nil {
		return v, false, fmt.Errorf("%s: %w", v.Name, err)
	}
	if err := d.fill(&v, typ, pr); err != nil {
		return v, false, fmt.Errorf("%s: %w", v.Name, err)
	}
	if err := v.validate(); err != nil {
		return v, false, err
	}
	return v, false, nil
}

func (d *decoder) fill(v *Variable, typ uint32, data []byte) error {
	if v.Class == ClassChar {
		chars, err := d.chars(typ, data)
		if err != nil {
			return err
		}
		v.chars = chars
		return nil
	}
	nums, err := d.numbers(typ, data)
	if err != nil {
		return err
	}
	switch v.Class {
	case ClassDouble:
		v.doubles = nums
	case ClassSingle:
		v.singles = make([]float32, len(nums))
		for i, n := range nums {
			v.singles[i] = float32(n)
		}
	case ClassInt32:
		v.int32s = make([]int32, len(nums))
		for i, n := range nums {
			v.int32s[i] = int32(n)
		}
	}
	return nil
}

func (d *decoder) chars(typ uint32, data []byte) ([]uint16, error) {
	switch typ {
	case miUINT16:
		out := make([]uint16, len(data)/2)
		for i := range out {
			out[i] = d.order.Uint16(data[2*i:])
		}
		return out, nil
	case miUTF8:
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("invalid UTF-8 char data")
		}
		return utf16.Encode([]rune(string(data))), nil
	case miUINT8, miINT8:
		out := make([]uint16, len(data))
		for i, c := range data {
			out[i] = uint16(c)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: char data of type %d", ErrUnsupported, typ)
}

// numbers widens any numeric storage type; MATLAB stores arrays in the
// smallest type that holds their values
func (d *decoder) numbers(typ uint32, data []byte) ([]float64, error) {
	size := map[uint32]int{
		miINT8: 1, miUINT8: 1, miINT16: 2, miUINT16: 2, miINT32: 4, miUINT32: 4,
		miSINGLE: 4, miDOUBLE: 8, miINT64: 8, miUINT64: 8,
	}[typ]
	if size == 0 {
		return nil, fmt.Errorf("%w: numeric data of type %d", ErrUnsupported, typ)
	}
	out := make([]float64, len(data)/size)
	for i := range out {
		p := data[i*size:]
		switch typ {
		case miINT8:
			out[i] = float64(int8(p[0]))
		case miUINT8:
			out[i] = float64(p[0])
		case miINT16:
			out[i] = float64(int16(d.order.Uint16(p)))
		case miUINT16:
			out[i] = float64(d.order.Uint16(p))
		case miINT32:
			out[i] = float64(int32(d.order.Uint32(p)))
		case miUINT32:
			out[i] = float64(d.order.Uint32(p))
		case miSINGLE:
			out[i] = float64(math.Float32frombits(d.order.Uint32(p)))
		case miDOUBLE:
			out[i] = math.Float64frombits(d.order.Uint64(p))
		case miINT64:
			out[i] = float64(int64(d.order.Uint64(p)))
		case miUINT64:
			out[i] = float64(d.order.Uint64(p))
		}
	}
	return out, nil
}
