package checkpoints

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/tsawler/go-finetune/engine"
	"github.com/tsawler/go-finetune/layers"
	"github.com/tsawler/go-finetune/tensor"
)

// LoadReport summarizes a pretrained weight import
type LoadReport struct {
	Loaded  []string // parameter keys assigned from the file
	Missing []string // parameter keys the file did not provide
	Unused  []string // file tensors that matched no parameter
}

// kerasParams maps Keras variable names to parameter names
var kerasParams = map[string]string{
	"kernel":           layers.ParamWeight,
	"bias":             layers.ParamBias,
	"depthwise_kernel": layers.ParamDepthwise,
	"pointwise_kernel": layers.ParamPointwise,
	"gamma":            layers.ParamGamma,
	"beta":             layers.ParamBeta,
	"moving_mean":      layers.ParamMovingMean,
	"moving_variance":  layers.ParamMovingVariance,
}

var ownParams = map[string]bool{
	layers.ParamWeight:         true,
	layers.ParamBias:           true,
	layers.ParamDepthwise:      true,
	layers.ParamPointwise:      true,
	layers.ParamGamma:          true,
	layers.ParamBeta:           true,
	layers.ParamMovingMean:     true,
	layers.ParamMovingVariance: true,
}

func splitOwnName(name string) (layer, param string, ok bool) {
	layer, param, ok = engine.SplitKey(name)
	if !ok || !ownParams[param] {
		return "", "", false
	}
	return layer, param, true
}

// resolveName accepts "<layer>.<param>" and Keras variable paths such as
// "model/block1_conv1/kernel:0".
func resolveName(name string) (layer, param string, keras, ok bool) {
	if strings.Contains(name, "/") {
		parts := strings.Split(name, "/")
		if len(parts) < 2 {
			return "", "", false, false
		}
		last := parts[len(parts)-1]
		if i := strings.LastIndex(last, ":"); i >= 0 {
			last = last[:i]
		}
		p, known := kerasParams[last]
		if !known {
			return "", "", false, false
		}
		return parts[len(parts)-2], p, true, true
	}
	layer, param, ok = splitOwnName(name)
	return layer, param, false, ok
}

// LoadPretrained assigns tensors from a JSON checkpoint or ONNX file to the
// matching parameters of spec. Keras kernels (HWIO) are transposed into this
// package's layouts. A shape mismatch is an error; parameters the file does
// not provide are reported and keep their current values.
func LoadPretrained(path string, spec *layers.ModelSpec, weights *engine.Weights, logger *zap.Logger) (*LoadReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	checkpoint, err := NewCheckpointSaver(format).LoadCheckpoint(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pretrained weights: %w", err)
	}

	report, err := AssignWeights(checkpoint.Weights, spec, weights)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	logger.Info("loaded pretrained weights",
		zap.String("path", path),
		zap.Int("loaded", len(report.Loaded)),
		zap.Int("missing", len(report.Missing)),
		zap.Int("unused", len(report.Unused)))
	if len(report.Missing) > 0 {
		logger.Warn("parameters not present in pretrained file", zap.Strings("params", report.Missing))
	}
	return report, nil
}

// AssignWeights copies serialized tensors into weights by name
func AssignWeights(source []WeightTensor, spec *layers.ModelSpec, weights *engine.Weights) (*LoadReport, error) {
	report := &LoadReport{}
	assigned := make(map[string]bool)

	for _, src := range source {
		layerName, param, keras, ok := resolveName(src.Name)
		if !ok {
			report.Unused = append(report.Unused, src.Name)
			continue
		}
		layer := spec.Layer(layerName)
		if layer == nil {
			report.Unused = append(report.Unused, src.Name)
			continue
		}
		dst := weights.Get(layerName, param)
		if dst == nil {
			report.Unused = append(report.Unused, src.Name)
			continue
		}

		data := src.Data
		if keras {
			converted, err := fromKerasLayout(spec, layer, param, src.Shape, src.Data, dst.Shape)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", src.Name, err)
			}
			data = converted
		} else if !tensor.ShapeEqual(src.Shape, dst.Shape) {
			return nil, fmt.Errorf("%s: shape %v does not match %v", src.Name, src.Shape, dst.Shape)
		}
		copy(dst.Data, data)

		key := engine.ParamKey(layerName, param)
		assigned[key] = true
		report.Loaded = append(report.Loaded, key)
	}

	for i := range spec.Layers {
		layer := &spec.Layers[i]
		for _, param := range layer.ParameterNames {
			key := engine.ParamKey(layer.Name, param)
			if !assigned[key] {
				report.Missing = append(report.Missing, key)
			}
		}
	}
	sort.Strings(report.Unused)
	return report, nil
}

// fromKerasLayout converts a channels-last Keras variable to this package's layout
func fromKerasLayout(spec *layers.ModelSpec, layer *layers.LayerSpec, param string, shape []int, data []float32, target []int) ([]float32, error) {
	mismatch := func() error {
		return fmt.Errorf("keras shape %v incompatible with %v", shape, target)
	}
	if len(data) != tensor.NumElements(target) {
		return nil, mismatch()
	}

	switch {
	case param == layers.ParamWeight && layer.Type == layers.Conv2D,
		param == layers.ParamPointwise:
		// [k, k, C, F] -> [F, C, k, k]
		if len(shape) != 4 || shape[0] != target[2] || shape[1] != target[3] || shape[2] != target[1] || shape[3] != target[0] {
			return nil, mismatch()
		}
		k, c, f := shape[0], shape[2], shape[3]
		out := make([]float32, len(data))
		for y := 0; y < k; y++ {
			for x := 0; x < k; x++ {
				for ci := 0; ci < c; ci++ {
					for fi := 0; fi < f; fi++ {
						out[((fi*c+ci)*k+y)*k+x] = data[((y*k+x)*c+ci)*f+fi]
					}
				}
			}
		}
		return out, nil

	case param == layers.ParamDepthwise:
		// [k, k, C, 1] -> [C, 1, k, k]
		if len(shape) != 4 || shape[3] != 1 || shape[2] != target[0] || shape[0] != target[2] {
			return nil, mismatch()
		}
		k, c := shape[0], shape[2]
		out := make([]float32, len(data))
		for y := 0; y < k; y++ {
			for x := 0; x < k; x++ {
				for ci := 0; ci < c; ci++ {
					out[(ci*k+y)*k+x] = data[(y*k+x)*c+ci]
				}
			}
		}
		return out, nil

	case param == layers.ParamWeight && layer.Type == layers.Dense:
		if len(shape) != 2 || shape[0] != target[0] || shape[1] != target[1] {
			return nil, mismatch()
		}
		chw := flattenedSource(spec, layer)
		if chw == nil {
			return data, nil
		}
		// Keras flattened rows in (h, w, c) order; ours are (c, h, w)
		c, h, w := chw[0], chw[1], chw[2]
		units := shape[1]
		out := make([]float32, len(data))
		for ci := 0; ci < c; ci++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					ours := (ci*h+y)*w + x
					theirs := (y*w+x)*c + ci
					copy(out[ours*units:(ours+1)*units], data[theirs*units:(theirs+1)*units])
				}
			}
		}
		return out, nil
	}

	if !tensor.ShapeEqual(shape, target) {
		return nil, mismatch()
	}
	return data, nil
}

// flattenedSource returns the [C, H, W] shape a dense layer's input was
// flattened from, or nil when the input was already flat
func flattenedSource(spec *layers.ModelSpec, layer *layers.LayerSpec) []int {
	if len(layer.InputShapes) == 0 {
		return nil
	}
	if in := layer.InputShapes[0]; len(in) == 3 {
		return in
	}
	producer := spec.Layer(layer.Inputs[0])
	if producer == nil || producer.Type != layers.Flatten {
		return nil
	}
	if in := producer.InputShapes[0]; len(in) == 3 {
		return in
	}
	return nil
}
