package checkpoints

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// The ONNX messages below cover the subset of onnx.proto this package reads
// and writes. They are encoded directly with protowire; field numbers follow
// onnx.proto (IR version 7).

// ONNX tensor element types
const (
	TensorProto_DataType_FLOAT int32 = 1
	TensorProto_DataType_INT64 int32 = 7
)

// AttributeType mirrors AttributeProto.AttributeType
type AttributeType int32

const (
	AttributeFloat  AttributeType = 1
	AttributeInt    AttributeType = 2
	AttributeString AttributeType = 3
	AttributeTensor AttributeType = 4
	AttributeFloats AttributeType = 6
	AttributeInts   AttributeType = 7
)

// ModelProto is the top-level ONNX container
type ModelProto struct {
	IrVersion       int64
	OpsetImport     []*OperatorSetIdProto
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	MetadataProps   []*StringStringEntryProto
}

// OperatorSetIdProto names an operator set version
type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

// StringStringEntryProto is a metadata key/value pair
type StringStringEntryProto struct {
	Key   string
	Value string
}

// GraphProto holds nodes, initializers and graph inputs/outputs
type GraphProto struct {
	Node        []*NodeProto
	Name        string
	Initializer []*TensorProto
	DocString   string
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
}

// NodeProto is one operator invocation
type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Domain    string
	Attribute []*AttributeProto
}

// AttributeProto is a named operator attribute
type AttributeProto struct {
	Name   string
	Type   AttributeType
	F      float32
	I      int64
	S      []byte
	T      *TensorProto
	Floats []float32
	Ints   []int64
}

// TensorProto is a serialized tensor. Float payloads are written as raw_data
// and read from either raw_data or float_data.
type TensorProto struct {
	Dims      []int64
	DataType  int32
	FloatData []float32
	Int64Data []int64
	Name      string
	RawData   []byte
}

// ValueInfoProto describes a graph input or output tensor. A negative
// dimension is written as the symbolic batch dimension "N".
type ValueInfoProto struct {
	Name     string
	ElemType int32
	Shape    []int64
}

// Marshal encodes the model
func (m *ModelProto) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.IrVersion))
	b = appendStringField(b, 2, m.ProducerName)
	b = appendStringField(b, 3, m.ProducerVersion)
	b = appendStringField(b, 4, m.Domain)
	b = appendVarintField(b, 5, uint64(m.ModelVersion))
	b = appendStringField(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessageField(b, 7, m.Graph.marshal())
	}
	for _, op := range m.OpsetImport {
		var sub []byte
		sub = appendStringField(sub, 1, op.Domain)
		sub = appendVarintField(sub, 2, uint64(op.Version))
		b = appendMessageField(b, 8, sub)
	}
	for _, kv := range m.MetadataProps {
		var sub []byte
		sub = appendStringField(sub, 1, kv.Key)
		sub = appendStringField(sub, 2, kv.Value)
		b = appendMessageField(b, 14, sub)
	}
	return b
}

// Unmarshal decodes an ONNX model, skipping unknown fields
func (m *ModelProto) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			m.IrVersion = int64(v)
			return n, err
		case num == 2 && typ == protowire.BytesType:
			return consumeStringInto(b, &m.ProducerName)
		case num == 3 && typ == protowire.BytesType:
			return consumeStringInto(b, &m.ProducerVersion)
		case num == 4 && typ == protowire.BytesType:
			return consumeStringInto(b, &m.Domain)
		case num == 5 && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			m.ModelVersion = int64(v)
			return n, err
		case num == 6 && typ == protowire.BytesType:
			return consumeStringInto(b, &m.DocString)
		case num == 7 && typ == protowire.BytesType:
			sub, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			m.Graph = &GraphProto{}
			return n, m.Graph.unmarshal(sub)
		case num == 8 && typ == protowire.BytesType:
			sub, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			op := &OperatorSetIdProto{}
			err = walkFields(sub, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch {
				case num == 1 && typ == protowire.BytesType:
					return consumeStringInto(b, &op.Domain)
				case num == 2 && typ == protowire.VarintType:
					v, n, err := consumeVarint(b)
					op.Version = int64(v)
					return n, err
				}
				return skipField(num, typ, b)
			})
			m.OpsetImport = append(m.OpsetImport, op)
			return n, err
		case num == 14 && typ == protowire.BytesType:
			sub, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			kv := &StringStringEntryProto{}
			err = walkFields(sub, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch {
				case num == 1 && typ == protowire.BytesType:
					return consumeStringInto(b, &kv.Key)
				case num == 2 && typ == protowire.BytesType:
					return consumeStringInto(b, &kv.Value)
				}
				return skipField(num, typ, b)
			})
			m.MetadataProps = append(m.MetadataProps, kv)
			return n, err
		}
		return skipField(num, typ, b)
	})
}

// Metadata returns the value of a metadata property
func (m *ModelProto) Metadata(key string) (string, bool) {
	for _, kv := range m.MetadataProps {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

func (g *GraphProto) marshal() []byte {
	var b []byte
	for _, n := range g.Node {
		b = appendMessageField(b, 1, n.marshal())
	}
	b = appendStringField(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendMessageField(b, 5, t.marshal())
	}
	b = appendStringField(b, 10, g.DocString)
	for _, v := range g.Input {
		b = appendMessageField(b, 11, v.marshal())
	}
	for _, v := range g.Output {
		b = appendMessageField(b, 12, v.marshal())
	}
	return b
}

func (g *GraphProto) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skipField(num, typ, b)
		}
		sub, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			node := &NodeProto{}
			g.Node = append(g.Node, node)
			return n, node.unmarshal(sub)
		case 2:
			g.Name = string(sub)
		case 5:
			t := &TensorProto{}
			g.Initializer = append(g.Initializer, t)
			return n, t.unmarshal(sub)
		case 10:
			g.DocString = string(sub)
		case 11, 12:
			v := &ValueInfoProto{}
			if num == 11 {
				g.Input = append(g.Input, v)
			} else {
				g.Output = append(g.Output, v)
			}
			return n, v.unmarshal(sub)
		}
		return n, nil
	})
}

func (nd *NodeProto) marshal() []byte {
	var b []byte
	for _, s := range nd.Input {
		b = appendStringAlways(b, 1, s)
	}
	for _, s := range nd.Output {
		b = appendStringAlways(b, 2, s)
	}
	b = appendStringField(b, 3, nd.Name)
	b = appendStringField(b, 4, nd.OpType)
	for _, a := range nd.Attribute {
		b = appendMessageField(b, 5, a.marshal())
	}
	b = appendStringField(b, 7, nd.Domain)
	return b
}

func (nd *NodeProto) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skipField(num, typ, b)
		}
		sub, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		switch num {
		case 1:
			nd.Input = append(nd.Input, string(sub))
		case 2:
			nd.Output = append(nd.Output, string(sub))
		case 3:
			nd.Name = string(sub)
		case 4:
			nd.OpType = string(sub)
		case 5:
			a := &AttributeProto{}
			nd.Attribute = append(nd.Attribute, a)
			return n, a.unmarshal(sub)
		case 7:
			nd.Domain = string(sub)
		}
		return n, nil
	})
}

// Attr returns the named attribute, or nil
func (nd *NodeProto) Attr(name string) *AttributeProto {
	for _, a := range nd.Attribute {
		if a.Name == name {
			return a
		}
	}
	return nil
}

func (a *AttributeProto) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, a.Name)
	switch a.Type {
	case AttributeFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I))
	case AttributeString:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	case AttributeTensor:
		if a.T != nil {
			b = appendMessageField(b, 5, a.T.marshal())
		}
	case AttributeFloats:
		b = appendPackedFloats(b, 7, a.Floats)
	case AttributeInts:
		b = appendPackedInt64s(b, 8, a.Ints)
	}
	b = appendVarintField(b, 20, uint64(a.Type))
	return b
}

func (a *AttributeProto) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeStringInto(b, &a.Name)
		case num == 2 && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			a.F = math.Float32frombits(v)
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			a.I = int64(v)
			return n, err
		case num == 4 && typ == protowire.BytesType:
			sub, n, err := consumeBytes(b)
			a.S = append([]byte(nil), sub...)
			return n, err
		case num == 5 && typ == protowire.BytesType:
			sub, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			a.T = &TensorProto{}
			return n, a.T.unmarshal(sub)
		case num == 7:
			return consumeFloats(typ, b, &a.Floats)
		case num == 8:
			return consumeInt64s(typ, b, &a.Ints)
		case num == 20 && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			a.Type = AttributeType(v)
			return n, err
		}
		return skipField(num, typ, b)
	})
}

func (t *TensorProto) marshal() []byte {
	var b []byte
	b = appendPackedInt64s(b, 1, t.Dims)
	b = appendVarintField(b, 2, uint64(t.DataType))
	b = appendPackedFloats(b, 4, t.FloatData)
	b = appendPackedInt64s(b, 7, t.Int64Data)
	b = appendStringField(b, 8, t.Name)
	if len(t.RawData) > 0 {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	return b
}

func (t *TensorProto) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1:
			return consumeInt64s(typ, b, &t.Dims)
		case num == 2 && typ == protowire.VarintType:
			v, n, err := consumeVarint(b)
			t.DataType = int32(v)
			return n, err
		case num == 4:
			return consumeFloats(typ, b, &t.FloatData)
		case num == 7:
			return consumeInt64s(typ, b, &t.Int64Data)
		case num == 8 && typ == protowire.BytesType:
			return consumeStringInto(b, &t.Name)
		case num == 9 && typ == protowire.BytesType:
			sub, n, err := consumeBytes(b)
			t.RawData = append([]byte(nil), sub...)
			return n, err
		}
		return skipField(num, typ, b)
	})
}

// Floats returns the tensor payload as float32 values
func (t *TensorProto) Floats() ([]float32, error) {
	if t.DataType != TensorProto_DataType_FLOAT {
		return nil, fmt.Errorf("tensor %s has data type %d, expected FLOAT", t.Name, t.DataType)
	}
	if len(t.FloatData) > 0 {
		return append([]float32(nil), t.FloatData...), nil
	}
	if len(t.RawData)%4 != 0 {
		return nil, fmt.Errorf("tensor %s raw data length %d is not a multiple of 4", t.Name, len(t.RawData))
	}
	out := make([]float32, len(t.RawData)/4)
	for i := range out {
		bits := uint32(t.RawData[4*i]) | uint32(t.RawData[4*i+1])<<8 | uint32(t.RawData[4*i+2])<<16 | uint32(t.RawData[4*i+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}

// Shape returns the tensor dims as ints
func (t *TensorProto) Shape() []int {
	shape := make([]int, len(t.Dims))
	for i, d := range t.Dims {
		shape[i] = int(d)
	}
	return shape
}

// newFloatTensor packs data little-endian into raw_data
func newFloatTensor(name string, shape []int, data []float32) *TensorProto {
	dims := make([]int64, len(shape))
	for i, s := range shape {
		dims[i] = int64(s)
	}
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		bits := math.Float32bits(v)
		raw[4*i] = byte(bits)
		raw[4*i+1] = byte(bits >> 8)
		raw[4*i+2] = byte(bits >> 16)
		raw[4*i+3] = byte(bits >> 24)
	}
	return &TensorProto{
		Name:     name,
		DataType: TensorProto_DataType_FLOAT,
		Dims:     dims,
		RawData:  raw,
	}
}

func (v *ValueInfoProto) marshal() []byte {
	var shape []byte
	for _, d := range v.Shape {
		var dim []byte
		if d < 0 {
			dim = appendStringAlways(dim, 2, "N")
		} else {
			dim = protowire.AppendTag(dim, 1, protowire.VarintType)
			dim = protowire.AppendVarint(dim, uint64(d))
		}
		shape = appendMessageField(shape, 1, dim)
	}
	var tensorType []byte
	tensorType = appendVarintField(tensorType, 1, uint64(v.ElemType))
	tensorType = protowire.AppendTag(tensorType, 2, protowire.BytesType)
	tensorType = protowire.AppendBytes(tensorType, shape)

	var typeProto []byte
	typeProto = appendMessageField(typeProto, 1, tensorType)

	var b []byte
	b = appendStringField(b, 1, v.Name)
	b = appendMessageField(b, 2, typeProto)
	return b
}

func (v *ValueInfoProto) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeStringInto(b, &v.Name)
		case num == 2 && typ == protowire.BytesType:
			typeProto, n, err := consumeBytes(b)
			if err != nil {
				return 0, err
			}
			return n, v.unmarshalType(typeProto)
		}
		return skipField(num, typ, b)
	})
}

func (v *ValueInfoProto) unmarshalType(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return skipField(num, typ, b)
		}
		tensorType, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		return n, walkFields(tensorType, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == 1 && typ == protowire.VarintType:
				e, n, err := consumeVarint(b)
				v.ElemType = int32(e)
				return n, err
			case num == 2 && typ == protowire.BytesType:
				shape, n, err := consumeBytes(b)
				if err != nil {
					return 0, err
				}
				return n, walkFields(shape, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					if num != 1 || typ != protowire.BytesType {
						return skipField(num, typ, b)
					}
					dim, n, err := consumeBytes(b)
					if err != nil {
						return 0, err
					}
					value := int64(-1)
					err = walkFields(dim, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
						if num == 1 && typ == protowire.VarintType {
							d, n, err := consumeVarint(b)
							value = int64(d)
							return n, err
						}
						return skipField(num, typ, b)
					})
					v.Shape = append(v.Shape, value)
					return n, err
				})
			}
			return skipField(num, typ, b)
		})
	})
}

// walkFields calls fn for every field; fn returns the bytes it consumed
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 || m > len(b) {
			return fmt.Errorf("field %d: invalid length", num)
		}
		b = b[m:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func consumeVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeStringInto(b []byte, dst *string) (int, error) {
	v, n, err := consumeBytes(b)
	if err != nil {
		return 0, err
	}
	*dst = string(v)
	return n, nil
}

// consumeInt64s accepts both packed and unpacked encodings
func consumeInt64s(typ protowire.Type, b []byte, dst *[]int64) (int, error) {
	switch typ {
	case protowire.VarintType:
		v, n, err := consumeVarint(b)
		*dst = append(*dst, int64(v))
		return n, err
	case protowire.BytesType:
		packed, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return 0, protowire.ParseError(m)
			}
			*dst = append(*dst, int64(v))
			packed = packed[m:]
		}
		return n, nil
	}
	return 0, fmt.Errorf("unexpected wire type %d for int64 list", typ)
}

// consumeFloats accepts both packed and unpacked encodings
func consumeFloats(typ protowire.Type, b []byte, dst *[]float32) (int, error) {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		*dst = append(*dst, math.Float32frombits(v))
		return n, nil
	case protowire.BytesType:
		packed, n, err := consumeBytes(b)
		if err != nil {
			return 0, err
		}
		if len(packed)%4 != 0 {
			return 0, fmt.Errorf("packed float length %d is not a multiple of 4", len(packed))
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed32(packed)
			if m < 0 {
				return 0, protowire.ParseError(m)
			}
			*dst = append(*dst, math.Float32frombits(v))
			packed = packed[m:]
		}
		return n, nil
	}
	return 0, fmt.Errorf("unexpected wire type %d for float list", typ)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	return appendStringAlways(b, num, s)
}

// appendStringAlways keeps empty strings, which are meaningful in repeated fields
func appendStringAlways(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendPackedInt64s(b []byte, num protowire.Number, vs []int64) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, vs []float32) []byte {
	if len(vs) == 0 {
		return b
	}
	packed := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}
