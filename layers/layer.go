package layers

import (
	"fmt"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	SeparableConv2D
	ReLU
	Sigmoid
	Softmax
	MaxPool2D
	GlobalAveragePool2D
	Flatten
	BatchNorm
	Dropout
	Add
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case SeparableConv2D:
		return "SeparableConv2D"
	case ReLU:
		return "ReLU"
	case Sigmoid:
		return "Sigmoid"
	case Softmax:
		return "Softmax"
	case MaxPool2D:
		return "MaxPool2D"
	case GlobalAveragePool2D:
		return "GlobalAveragePool2D"
	case Flatten:
		return "Flatten"
	case BatchNorm:
		return "BatchNorm"
	case Dropout:
		return "Dropout"
	case Add:
		return "Add"
	default:
		return "Unknown"
	}
}

// InputName is the tensor name of the model input
const InputName = "input"

// Padding modes, Keras semantics
const (
	PaddingSame  = "same"
	PaddingValid = "valid"
)

// Parameter names, in the order they appear in ParameterShapes
const (
	ParamWeight         = "weight"
	ParamBias           = "bias"
	ParamDepthwise      = "depthwise"
	ParamPointwise      = "pointwise"
	ParamGamma          = "gamma"
	ParamBeta           = "beta"
	ParamMovingMean     = "moving_mean"
	ParamMovingVariance = "moving_variance"
)

// IsBuffer reports whether a parameter is a non-learnable statistic.
func IsBuffer(paramName string) bool {
	return paramName == ParamMovingMean || paramName == ParamMovingVariance
}

// LayerSpec defines layer configuration for the engine.
// Shapes exclude the batch dimension.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Producer layer names. Empty means the previous layer (or the model
	// input for the first layer); Compile fills this in.
	Inputs []string `json:"inputs,omitempty"`

	// Frozen layers keep their weights and always run in inference mode.
	Trainable bool `json:"trainable"`

	// Computed during compilation
	InputShapes     [][]int  `json:"input_shapes,omitempty"`
	OutputShape     []int    `json:"output_shape,omitempty"`
	ParameterShapes [][]int  `json:"parameter_shapes,omitempty"`
	ParameterNames  []string `json:"parameter_names,omitempty"`
	ParameterCount  int64    `json:"parameter_count,omitempty"`
}

// HasParameters reports whether the layer owns any tensors
func (ls *LayerSpec) HasParameters() bool {
	return len(ls.ParameterShapes) > 0
}

// LearnableCount counts parameters excluding running statistics
func (ls *LayerSpec) LearnableCount() int64 {
	var n int64
	for i, name := range ls.ParameterNames {
		if IsBuffer(name) {
			continue
		}
		n += int64(numElements(ls.ParameterShapes[i]))
	}
	return n
}

// IntParam returns an integer parameter, tolerating JSON-decoded float64 values
func (ls *LayerSpec) IntParam(key string, defaultValue int) int {
	return getIntParam(ls.Parameters, key, defaultValue)
}

// BoolParam returns a boolean parameter
func (ls *LayerSpec) BoolParam(key string, defaultValue bool) bool {
	return getBoolParam(ls.Parameters, key, defaultValue)
}

// FloatParam returns a float parameter
func (ls *LayerSpec) FloatParam(key string, defaultValue float32) float32 {
	return getFloatParam(ls.Parameters, key, defaultValue)
}

// StringParam returns a string parameter
func (ls *LayerSpec) StringParam(key string, defaultValue string) string {
	if v, ok := ls.Parameters[key].(string); ok {
		return v
	}
	return defaultValue
}

func (ls *LayerSpec) clone() LayerSpec {
	out := LayerSpec{
		Type:       ls.Type,
		Name:       ls.Name,
		Parameters: make(map[string]interface{}, len(ls.Parameters)),
		Trainable:  ls.Trainable,
	}
	for k, v := range ls.Parameters {
		out.Parameters[k] = v
	}
	if len(ls.Inputs) > 0 {
		out.Inputs = append([]string(nil), ls.Inputs...)
	}
	return out
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	name       string
	layers     []LayerSpec
	inputShape []int
	pending    []string // inputs for the next added layer
	err        error
}

// NewModelBuilder creates a new model builder. inputShape excludes the batch
// dimension, e.g. []int{3, 224, 224}.
func NewModelBuilder(name string, inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		name:       name,
		layers:     make([]LayerSpec, 0),
		inputShape: append([]int(nil), inputShape...),
	}
}

// NewModelBuilderFrom starts a builder holding a copy of spec's layers, so a
// model can be truncated and extended with a new head.
func NewModelBuilderFrom(spec *ModelSpec) *ModelBuilder {
	mb := NewModelBuilder(spec.Name, spec.InputShape)
	for i := range spec.Layers {
		mb.layers = append(mb.layers, spec.Layers[i].clone())
	}
	return mb
}

// Name sets the model name
func (mb *ModelBuilder) Name(name string) *ModelBuilder {
	mb.name = name
	return mb
}

// From makes the next added layer consume the named tensors instead of the
// previous layer's output. Use InputName for the model input.
func (mb *ModelBuilder) From(names ...string) *ModelBuilder {
	mb.pending = append([]string(nil), names...)
	return mb
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	if len(mb.pending) > 0 {
		layer.Inputs = mb.pending
		mb.pending = nil
	}
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddDense adds a fully connected layer; multi-dimensional inputs are flattened
func (mb *ModelBuilder) AddDense(units int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:      Dense,
		Name:      name,
		Trainable: true,
		Parameters: map[string]interface{}{
			"units":    units,
			"use_bias": useBias,
		},
	})
}

// AddConv2D adds a Conv2D layer
func (mb *ModelBuilder) AddConv2D(filters, kernelSize, stride int, padding string, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:      Conv2D,
		Name:      name,
		Trainable: true,
		Parameters: map[string]interface{}{
			"filters":     filters,
			"kernel_size": kernelSize,
			"stride":      stride,
			"padding":     padding,
			"use_bias":    useBias,
		},
	})
}

// AddSeparableConv2D adds a depthwise (multiplier 1) + pointwise convolution
func (mb *ModelBuilder) AddSeparableConv2D(filters, kernelSize, stride int, padding string, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:      SeparableConv2D,
		Name:      name,
		Trainable: true,
		Parameters: map[string]interface{}{
			"filters":     filters,
			"kernel_size": kernelSize,
			"stride":      stride,
			"padding":     padding,
			"use_bias":    useBias,
		},
	})
}

// AddReLU adds a ReLU activation
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name, Trainable: true})
}

// AddSigmoid adds a logistic activation
func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Sigmoid, Name: name, Trainable: true})
}

// AddSoftmax adds a softmax over the feature axis of a 1-D per-sample input
func (mb *ModelBuilder) AddSoftmax(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Softmax, Name: name, Trainable: true})
}

// AddMaxPool2D adds a max pooling layer
func (mb *ModelBuilder) AddMaxPool2D(poolSize, stride int, padding string, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:      MaxPool2D,
		Name:      name,
		Trainable: true,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    stride,
			"padding":   padding,
		},
	})
}

// AddGlobalAveragePool2D averages each channel over its spatial extent
func (mb *ModelBuilder) AddGlobalAveragePool2D(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: GlobalAveragePool2D, Name: name, Trainable: true})
}

// AddFlatten flattens each sample to one dimension
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name, Trainable: true})
}

// AddBatchNorm adds batch normalization over the channel axis.
// epsilon and momentum follow Keras (defaults 1e-3 and 0.99).
func (mb *ModelBuilder) AddBatchNorm(epsilon, momentum float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:      BatchNorm,
		Name:      name,
		Trainable: true,
		Parameters: map[string]interface{}{
			"epsilon":  epsilon,
			"momentum": momentum,
		},
	})
}

// AddDropout adds inverted dropout; identity at inference
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:      Dropout,
		Name:      name,
		Trainable: true,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// AddAdd sums the named tensors element-wise (residual connections)
func (mb *ModelBuilder) AddAdd(name string, inputs ...string) *ModelBuilder {
	mb.pending = nil
	return mb.AddLayer(LayerSpec{
		Type:      Add,
		Name:      name,
		Trainable: true,
		Inputs:    append([]string(nil), inputs...),
	})
}

// Truncate removes the named layer and every layer after it
func (mb *ModelBuilder) Truncate(name string) *ModelBuilder {
	for i := range mb.layers {
		if mb.layers[i].Name == name {
			mb.layers = mb.layers[:i]
			return mb
		}
	}
	if mb.err == nil {
		mb.err = fmt.Errorf("truncate: no layer named %q", name)
	}
	return mb
}

// FreezeAll marks every layer added so far as non-trainable
func (mb *ModelBuilder) FreezeAll() *ModelBuilder {
	for i := range mb.layers {
		mb.layers[i].Trainable = false
	}
	return mb
}

// LastName returns the name of the most recently added layer
func (mb *ModelBuilder) LastName() string {
	if len(mb.layers) == 0 {
		return InputName
	}
	return mb.layers[len(mb.layers)-1].Name
}

// Helper functions for parameter extraction
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case float32:
			return v
		case float64:
			return float32(v)
		case int:
			return float32(v)
		}
	}
	return defaultValue
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
