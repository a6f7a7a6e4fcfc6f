package engine

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/tsawler/go-finetune/layers"
	"github.com/tsawler/go-finetune/tensor"
)

// Weights holds every parameter tensor of a model keyed by "<layer>.<param>"
type Weights struct {
	Tensors map[string]*tensor.Tensor
}

// NewWeights creates an empty weight set
func NewWeights() *Weights {
	return &Weights{Tensors: make(map[string]*tensor.Tensor)}
}

// ParamKey builds the canonical key of a layer parameter
func ParamKey(layer, param string) string {
	return layer + "." + param
}

// SplitKey is the inverse of ParamKey
func SplitKey(key string) (layer, param string, ok bool) {
	i := strings.LastIndex(key, ".")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// Get returns a parameter tensor or nil
func (w *Weights) Get(layer, param string) *tensor.Tensor {
	return w.Tensors[ParamKey(layer, param)]
}

// Set stores a parameter tensor
func (w *Weights) Set(layer, param string, t *tensor.Tensor) {
	w.Tensors[ParamKey(layer, param)] = t
}

// Keys returns all parameter keys sorted
func (w *Weights) Keys() []string {
	keys := make([]string, 0, len(w.Tensors))
	for k := range w.Tensors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone deep copies every tensor
func (w *Weights) Clone() *Weights {
	out := NewWeights()
	for k, t := range w.Tensors {
		out.Tensors[k] = t.Clone()
	}
	return out
}

// CopyFrom overwrites tensor contents in place with those of src. Tensors are
// matched by key; shapes must agree.
func (w *Weights) CopyFrom(src *Weights) error {
	for k, t := range src.Tensors {
		dst, ok := w.Tensors[k]
		if !ok {
			return fmt.Errorf("unknown parameter %s", k)
		}
		if !tensor.ShapeEqual(dst.Shape, t.Shape) {
			return fmt.Errorf("parameter %s: shape %v does not match %v", k, t.Shape, dst.Shape)
		}
		copy(dst.Data, t.Data)
	}
	return nil
}

// Validate checks that every parameter of spec is present with the compiled shape
func (w *Weights) Validate(spec *layers.ModelSpec) error {
	for i := range spec.Layers {
		layer := &spec.Layers[i]
		for j, name := range layer.ParameterNames {
			t := w.Get(layer.Name, name)
			if t == nil {
				return fmt.Errorf("missing parameter %s", ParamKey(layer.Name, name))
			}
			if !tensor.ShapeEqual(t.Shape, layer.ParameterShapes[j]) {
				return fmt.Errorf("parameter %s has shape %v, expected %v",
					ParamKey(layer.Name, name), t.Shape, layer.ParameterShapes[j])
			}
		}
	}
	return nil
}

// Count returns the total number of scalar parameters
func (w *Weights) Count() int64 {
	var n int64
	for _, t := range w.Tensors {
		n += int64(t.Numel())
	}
	return n
}

// InitWeights allocates parameters for spec. Kernels use Glorot-uniform, the
// Keras default; biases and beta start at zero, gamma and moving variance at one.
func InitWeights(spec *layers.ModelSpec, rng *rand.Rand) (*Weights, error) {
	if !spec.Compiled {
		return nil, fmt.Errorf("model %q is not compiled", spec.Name)
	}
	w := NewWeights()
	for i := range spec.Layers {
		layer := &spec.Layers[i]
		for j, name := range layer.ParameterNames {
			shape := layer.ParameterShapes[j]
			t := tensor.New(shape...)
			switch name {
			case layers.ParamWeight, layers.ParamDepthwise, layers.ParamPointwise:
				fanIn, fanOut := fans(layer, name, shape)
				glorotUniform(t.Data, fanIn, fanOut, rng)
			case layers.ParamGamma, layers.ParamMovingVariance:
				t.Fill(1)
			case layers.ParamBias, layers.ParamBeta, layers.ParamMovingMean:
				// zero
			default:
				return nil, fmt.Errorf("layer %s: no initializer for parameter %q", layer.Name, name)
			}
			w.Set(layer.Name, name, t)
		}
	}
	return w, nil
}

// fans follows Keras: receptive field size times input/output depth
func fans(layer *layers.LayerSpec, param string, shape []int) (int, int) {
	switch {
	case layer.Type == layers.Dense:
		return shape[0], shape[1]
	case param == layers.ParamDepthwise:
		// [C, 1, k, k]
		receptive := shape[2] * shape[3]
		return receptive * shape[0], receptive
	default:
		// [F, C, k, k]
		receptive := shape[2] * shape[3]
		return receptive * shape[1], receptive * shape[0]
	}
}

func glorotUniform(data []float32, fanIn, fanOut int, rng *rand.Rand) {
	limit := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
	for i := range data {
		data[i] = -limit + 2*limit*rng.Float32()
	}
}
