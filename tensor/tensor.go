package tensor

import (
	"fmt"
)

// Tensor is a dense float32 tensor in row-major order.
// Image tensors use NCHW layout: [batch, channels, height, width].
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-filled tensor with the given shape
func New(shape ...int) *Tensor {
	n := NumElements(shape)
	return &Tensor{
		Shape: copyShape(shape),
		Data:  make([]float32, n),
	}
}

// Zeros is an alias of New that reads better at call sites building gradients
func Zeros(shape []int) *Tensor {
	return New(shape...)
}

// FromData wraps data without copying. The length must match the shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	n := NumElements(shape)
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{Shape: copyShape(shape), Data: data}, nil
}

// MustFromData is FromData for shapes known to be consistent.
func MustFromData(data []float32, shape ...int) *Tensor {
	t, err := FromData(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// NumElements returns the product of the dimensions
func NumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Numel returns the number of elements in the tensor
func (t *Tensor) Numel() int {
	return len(t.Data)
}

// BatchSize returns the leading dimension
func (t *Tensor) BatchSize() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// SampleSize returns the number of elements per batch item
func (t *Tensor) SampleSize() int {
	if len(t.Shape) < 2 {
		return 1
	}
	return NumElements(t.Shape[1:])
}

// Sample returns a view of the i-th batch element
func (t *Tensor) Sample(i int) []float32 {
	size := t.SampleSize()
	return t.Data[i*size : (i+1)*size]
}

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: copyShape(t.Shape), Data: data}
}

// Reshape returns a view with a new shape sharing the same data
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if NumElements(shape) != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape %v into %v", t.Shape, shape)
	}
	return &Tensor{Shape: copyShape(shape), Data: t.Data}, nil
}

// Batched prepends a batch dimension to a per-sample shape
func Batched(sampleShape []int, batch int) []int {
	out := make([]int, 0, len(sampleShape)+1)
	out = append(out, batch)
	return append(out, sampleShape...)
}

// Stack concatenates equally shaped samples along a new batch dimension
func Stack(samples [][]float32, sampleShape []int) (*Tensor, error) {
	size := NumElements(sampleShape)
	shape := append([]int{len(samples)}, sampleShape...)
	out := New(shape...)
	for i, s := range samples {
		if len(s) != size {
			return nil, fmt.Errorf("sample %d has %d elements, expected %d", i, len(s), size)
		}
		copy(out.Data[i*size:], s)
	}
	return out, nil
}

// AddInPlace accumulates other into t
func (t *Tensor) AddInPlace(other *Tensor) error {
	if len(t.Data) != len(other.Data) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, other.Shape)
	}
	for i, v := range other.Data {
		t.Data[i] += v
	}
	return nil
}

// Fill sets every element to v
func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// ShapeEqual reports whether two shapes are identical
func ShapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}
