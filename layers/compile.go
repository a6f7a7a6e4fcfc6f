package layers

import (
	"fmt"
)

// Compile validates the layer graph and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if mb.err != nil {
		return nil, mb.err
	}
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) == 0 {
		return nil, fmt.Errorf("model input shape is empty")
	}

	model := &ModelSpec{
		Name:       mb.name,
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	for i := range mb.layers {
		model.Layers[i] = mb.layers[i].clone()
	}

	shapes := map[string][]int{InputName: model.InputShape}
	totalParams := int64(0)
	previous := InputName

	for i := range model.Layers {
		layer := &model.Layers[i]

		if layer.Name == "" {
			return nil, fmt.Errorf("layer %d (%s) has no name", i, layer.Type)
		}
		if _, dup := shapes[layer.Name]; dup {
			return nil, fmt.Errorf("duplicate layer name %q", layer.Name)
		}

		if len(layer.Inputs) == 0 {
			layer.Inputs = []string{previous}
		}
		layer.InputShapes = make([][]int, len(layer.Inputs))
		for j, in := range layer.Inputs {
			shape, ok := shapes[in]
			if !ok {
				return nil, fmt.Errorf("layer %q consumes undefined tensor %q", layer.Name, in)
			}
			layer.InputShapes[j] = append([]int(nil), shape...)
		}

		outputShape, paramNames, paramShapes, err := computeLayerInfo(layer)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterNames = paramNames
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = 0
		for _, s := range paramShapes {
			layer.ParameterCount += int64(numElements(s))
		}
		totalParams += layer.ParameterCount

		shapes[layer.Name] = outputShape
		previous = layer.Name
	}

	model.OutputShape = append([]int(nil), shapes[previous]...)
	model.TotalParameters = totalParams
	model.Compiled = true
	return model, nil
}

// computeLayerInfo returns the output shape and parameter layout of a layer
func computeLayerInfo(layer *LayerSpec) ([]int, []string, [][]int, error) {
	if layer.Type != Add && len(layer.InputShapes) != 1 {
		return nil, nil, nil, fmt.Errorf("%s takes exactly one input, got %d", layer.Type, len(layer.InputShapes))
	}

	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer)
	case Conv2D, SeparableConv2D:
		return computeConvInfo(layer)
	case MaxPool2D:
		return computePoolInfo(layer)
	case BatchNorm:
		return computeBatchNormInfo(layer)
	case GlobalAveragePool2D:
		in := layer.InputShapes[0]
		if len(in) != 3 {
			return nil, nil, nil, fmt.Errorf("global average pooling requires [channels, height, width] input, got %v", in)
		}
		return []int{in[0]}, nil, nil, nil
	case Flatten:
		return []int{numElements(layer.InputShapes[0])}, nil, nil, nil
	case Softmax:
		if len(layer.InputShapes[0]) != 1 {
			return nil, nil, nil, fmt.Errorf("softmax requires a flat input, got %v", layer.InputShapes[0])
		}
		return append([]int(nil), layer.InputShapes[0]...), nil, nil, nil
	case ReLU, Sigmoid, Dropout:
		return append([]int(nil), layer.InputShapes[0]...), nil, nil, nil
	case Add:
		if len(layer.InputShapes) < 2 {
			return nil, nil, nil, fmt.Errorf("add requires at least two inputs")
		}
		for _, s := range layer.InputShapes[1:] {
			if !shapesEqual(s, layer.InputShapes[0]) {
				return nil, nil, nil, fmt.Errorf("add inputs disagree: %v vs %v", layer.InputShapes[0], s)
			}
		}
		return append([]int(nil), layer.InputShapes[0]...), nil, nil, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func computeDenseInfo(layer *LayerSpec) ([]int, []string, [][]int, error) {
	units := layer.IntParam("units", 0)
	if units <= 0 {
		return nil, nil, nil, fmt.Errorf("dense layer needs a positive units parameter")
	}

	// Multi-dimensional inputs are flattened
	inputSize := numElements(layer.InputShapes[0])
	layer.Parameters["input_size"] = inputSize

	names := []string{ParamWeight}
	shapes := [][]int{{inputSize, units}}
	if layer.BoolParam("use_bias", true) {
		names = append(names, ParamBias)
		shapes = append(shapes, []int{units})
	}
	return []int{units}, names, shapes, nil
}

func computeConvInfo(layer *LayerSpec) ([]int, []string, [][]int, error) {
	in := layer.InputShapes[0]
	if len(in) != 3 {
		return nil, nil, nil, fmt.Errorf("%s requires [channels, height, width] input, got %v", layer.Type, in)
	}

	filters := layer.IntParam("filters", 0)
	kernel := layer.IntParam("kernel_size", 0)
	stride := layer.IntParam("stride", 1)
	padding := layer.StringParam("padding", PaddingValid)
	if filters <= 0 || kernel <= 0 || stride <= 0 {
		return nil, nil, nil, fmt.Errorf("invalid convolution parameters filters=%d kernel=%d stride=%d", filters, kernel, stride)
	}

	outH, _, _, err := Padding(in[1], kernel, stride, padding)
	if err != nil {
		return nil, nil, nil, err
	}
	outW, _, _, err := Padding(in[2], kernel, stride, padding)
	if err != nil {
		return nil, nil, nil, err
	}

	channels := in[0]
	layer.Parameters["input_channels"] = channels

	var names []string
	var shapes [][]int
	if layer.Type == Conv2D {
		names = []string{ParamWeight}
		shapes = [][]int{{filters, channels, kernel, kernel}}
	} else {
		names = []string{ParamDepthwise, ParamPointwise}
		shapes = [][]int{{channels, 1, kernel, kernel}, {filters, channels, 1, 1}}
	}
	if layer.BoolParam("use_bias", true) {
		names = append(names, ParamBias)
		shapes = append(shapes, []int{filters})
	}
	return []int{filters, outH, outW}, names, shapes, nil
}

func computePoolInfo(layer *LayerSpec) ([]int, []string, [][]int, error) {
	in := layer.InputShapes[0]
	if len(in) != 3 {
		return nil, nil, nil, fmt.Errorf("max pooling requires [channels, height, width] input, got %v", in)
	}
	pool := layer.IntParam("pool_size", 2)
	stride := layer.IntParam("stride", pool)
	padding := layer.StringParam("padding", PaddingValid)

	outH, _, _, err := Padding(in[1], pool, stride, padding)
	if err != nil {
		return nil, nil, nil, err
	}
	outW, _, _, err := Padding(in[2], pool, stride, padding)
	if err != nil {
		return nil, nil, nil, err
	}
	return []int{in[0], outH, outW}, nil, nil, nil
}

func computeBatchNormInfo(layer *LayerSpec) ([]int, []string, [][]int, error) {
	in := layer.InputShapes[0]
	if len(in) != 1 && len(in) != 3 {
		return nil, nil, nil, fmt.Errorf("batch norm requires [features] or [channels, height, width] input, got %v", in)
	}
	c := in[0]
	names := []string{ParamGamma, ParamBeta, ParamMovingMean, ParamMovingVariance}
	shapes := [][]int{{c}, {c}, {c}, {c}}
	return append([]int(nil), in...), names, shapes, nil
}

// Padding returns the output size and the leading/trailing padding for one
// spatial axis. "same" pads so out = ceil(in/stride), putting the extra pixel
// on the trailing side; "valid" never pads.
func Padding(in, kernel, stride int, mode string) (out, before, after int, err error) {
	switch mode {
	case PaddingSame:
		out = (in + stride - 1) / stride
		total := (out-1)*stride + kernel - in
		if total < 0 {
			total = 0
		}
		before = total / 2
		after = total - before
	case PaddingValid, "":
		if in < kernel {
			return 0, 0, 0, fmt.Errorf("kernel %d larger than input %d with valid padding", kernel, in)
		}
		out = (in-kernel)/stride + 1
	default:
		return 0, 0, 0, fmt.Errorf("unknown padding mode %q", mode)
	}
	if out <= 0 {
		return 0, 0, 0, fmt.Errorf("non-positive output size for input %d kernel %d stride %d", in, kernel, stride)
	}
	return out, before, after, nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i, v := range a {
		if v != b[i] {
			return false
		}
	}
	return true
}
