package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tsawler/go-finetune/layers"
)

// metadataModelSpec stores the layer graph so exported files round-trip exactly
const metadataModelSpec = Framework + ".model_spec"

// ONNXExporter handles conversion of models to ONNX format
type ONNXExporter struct {
	model *ModelProto
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX writes a checkpoint as an ONNX model
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	model, err := oe.BuildModel(checkpoint)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, model.Marshal(), 0o644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}

// BuildModel converts a checkpoint to an in-memory ONNX model
func (oe *ONNXExporter) BuildModel(checkpoint *Checkpoint) (*ModelProto, error) {
	graph, err := oe.buildONNXGraph(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %w", err)
	}

	specJSON, err := json.Marshal(checkpoint.ModelSpec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model spec: %w", err)
	}

	model := &ModelProto{
		IrVersion:       7,
		OpsetImport:     []*OperatorSetIdProto{{Domain: "", Version: 13}},
		ProducerName:    Framework,
		ProducerVersion: "1.0.0",
		ModelVersion:    1,
		Graph:           graph,
		MetadataProps: []*StringStringEntryProto{
			{Key: metadataModelSpec, Value: string(specJSON)},
		},
	}
	oe.model = model
	return model, nil
}

// buildONNXGraph emits one or more nodes per layer. Tensor names are layer
// names so residual branches connect naturally.
func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint) (*GraphProto, error) {
	spec := checkpoint.ModelSpec
	graph := &GraphProto{Name: spec.Name}

	weightMap := make(map[string]WeightTensor, len(checkpoint.Weights))
	for _, w := range checkpoint.Weights {
		weightMap[w.Name] = w
	}

	graph.Input = append(graph.Input, &ValueInfoProto{
		Name:     layers.InputName,
		ElemType: TensorProto_DataType_FLOAT,
		Shape:    batchShape(spec.InputShape),
	})

	for i := range spec.Layers {
		layer := &spec.Layers[i]
		nodes, inits, err := oe.layerNodes(layer, weightMap)
		if err != nil {
			return nil, fmt.Errorf("failed to create ONNX node for layer %s: %w", layer.Name, err)
		}
		graph.Node = append(graph.Node, nodes...)
		graph.Initializer = append(graph.Initializer, inits...)
	}

	last := spec.Layers[len(spec.Layers)-1].Name
	graph.Output = append(graph.Output, &ValueInfoProto{
		Name:     last,
		ElemType: TensorProto_DataType_FLOAT,
		Shape:    batchShape(spec.OutputShape),
	})
	return graph, nil
}

func (oe *ONNXExporter) layerNodes(layer *layers.LayerSpec, weightMap map[string]WeightTensor) ([]*NodeProto, []*TensorProto, error) {
	in := layer.Inputs
	out := layer.Name

	initializer := func(param string) (*TensorProto, string, error) {
		key := layer.Name + "." + param
		w, ok := weightMap[key]
		if !ok {
			return nil, "", fmt.Errorf("missing weight %s", key)
		}
		return newFloatTensor(key, w.Shape, w.Data), key, nil
	}

	switch layer.Type {
	case layers.Conv2D:
		weight, wName, err := initializer(layers.ParamWeight)
		if err != nil {
			return nil, nil, err
		}
		inits := []*TensorProto{weight}
		inputs := []string{in[0], wName}
		if layer.BoolParam("use_bias", true) {
			bias, bName, err := initializer(layers.ParamBias)
			if err != nil {
				return nil, nil, err
			}
			inits = append(inits, bias)
			inputs = append(inputs, bName)
		}
		node := convNode(layer, inputs, out, 1, layer.IntParam("kernel_size", 1), layer.IntParam("stride", 1))
		return []*NodeProto{node}, inits, nil

	case layers.SeparableConv2D:
		depth, dName, err := initializer(layers.ParamDepthwise)
		if err != nil {
			return nil, nil, err
		}
		point, pName, err := initializer(layers.ParamPointwise)
		if err != nil {
			return nil, nil, err
		}
		inits := []*TensorProto{depth, point}
		mid := layer.Name + "_depthwise"
		channels := layer.InputShapes[0][0]
		depthNode := convNode(layer, []string{in[0], dName}, mid, channels, layer.IntParam("kernel_size", 1), layer.IntParam("stride", 1))
		depthNode.Name = mid

		pointInputs := []string{mid, pName}
		if layer.BoolParam("use_bias", true) {
			bias, bName, err := initializer(layers.ParamBias)
			if err != nil {
				return nil, nil, err
			}
			inits = append(inits, bias)
			pointInputs = append(pointInputs, bName)
		}
		pointNode := &NodeProto{
			Name:   layer.Name,
			OpType: "Conv",
			Input:  pointInputs,
			Output: []string{out},
			Attribute: []*AttributeProto{
				intsAttr("kernel_shape", 1, 1),
				intsAttr("strides", 1, 1),
				intsAttr("pads", 0, 0, 0, 0),
			},
		}
		return []*NodeProto{depthNode, pointNode}, inits, nil

	case layers.Dense:
		weight, wName, err := initializer(layers.ParamWeight)
		if err != nil {
			return nil, nil, err
		}
		inits := []*TensorProto{weight}
		var nodes []*NodeProto
		src := in[0]
		if len(layer.InputShapes[0]) > 1 {
			flat := layer.Name + "_flatten"
			nodes = append(nodes, &NodeProto{
				Name: flat, OpType: "Flatten", Input: []string{src}, Output: []string{flat},
				Attribute: []*AttributeProto{intAttr("axis", 1)},
			})
			src = flat
		}
		inputs := []string{src, wName}
		if layer.BoolParam("use_bias", true) {
			bias, bName, err := initializer(layers.ParamBias)
			if err != nil {
				return nil, nil, err
			}
			inits = append(inits, bias)
			inputs = append(inputs, bName)
		}
		nodes = append(nodes, &NodeProto{Name: layer.Name, OpType: "Gemm", Input: inputs, Output: []string{out}})
		return nodes, inits, nil

	case layers.BatchNorm:
		var inits []*TensorProto
		inputs := []string{in[0]}
		for _, p := range []string{layers.ParamGamma, layers.ParamBeta, layers.ParamMovingMean, layers.ParamMovingVariance} {
			t, name, err := initializer(p)
			if err != nil {
				return nil, nil, err
			}
			inits = append(inits, t)
			inputs = append(inputs, name)
		}
		node := &NodeProto{
			Name: layer.Name, OpType: "BatchNormalization", Input: inputs, Output: []string{out},
			Attribute: []*AttributeProto{
				floatAttr("epsilon", layer.FloatParam("epsilon", 1e-3)),
				floatAttr("momentum", layer.FloatParam("momentum", 0.99)),
			},
		}
		return []*NodeProto{node}, inits, nil

	case layers.MaxPool2D:
		pool := layer.IntParam("pool_size", 2)
		node := convNode(layer, []string{in[0]}, out, 0, pool, layer.IntParam("stride", pool))
		node.OpType = "MaxPool"
		return []*NodeProto{node}, nil, nil

	case layers.GlobalAveragePool2D:
		pooled := layer.Name + "_pooled"
		return []*NodeProto{
			{Name: pooled, OpType: "GlobalAveragePool", Input: []string{in[0]}, Output: []string{pooled}},
			{Name: layer.Name, OpType: "Flatten", Input: []string{pooled}, Output: []string{out},
				Attribute: []*AttributeProto{intAttr("axis", 1)}},
		}, nil, nil

	case layers.Flatten:
		return []*NodeProto{{Name: layer.Name, OpType: "Flatten", Input: []string{in[0]}, Output: []string{out},
			Attribute: []*AttributeProto{intAttr("axis", 1)}}}, nil, nil

	case layers.ReLU:
		return []*NodeProto{simpleNode(layer, "Relu")}, nil, nil
	case layers.Sigmoid:
		return []*NodeProto{simpleNode(layer, "Sigmoid")}, nil, nil
	case layers.Softmax:
		node := simpleNode(layer, "Softmax")
		node.Attribute = []*AttributeProto{intAttr("axis", 1)}
		return []*NodeProto{node}, nil, nil
	case layers.Dropout:
		// inference graph
		return []*NodeProto{simpleNode(layer, "Identity")}, nil, nil
	case layers.Add:
		return []*NodeProto{{Name: layer.Name, OpType: "Add", Input: append([]string(nil), in...), Output: []string{out}}}, nil, nil
	}
	return nil, nil, fmt.Errorf("unsupported layer type for ONNX export: %s", layer.Type.String())
}

// convNode builds a Conv (or pooling) node with explicit pads; group 0 omits it
func convNode(layer *layers.LayerSpec, inputs []string, out string, group, kernel, stride int) *NodeProto {
	in := layer.InputShapes[0]
	padding := layer.StringParam("padding", layers.PaddingValid)
	_, top, bottom, _ := layers.Padding(in[1], kernel, stride, padding)
	_, left, right, _ := layers.Padding(in[2], kernel, stride, padding)

	attrs := []*AttributeProto{
		intsAttr("kernel_shape", int64(kernel), int64(kernel)),
		intsAttr("strides", int64(stride), int64(stride)),
		intsAttr("pads", int64(top), int64(left), int64(bottom), int64(right)),
	}
	if group > 0 {
		attrs = append(attrs, intAttr("group", int64(group)))
	}
	return &NodeProto{Name: layer.Name, OpType: "Conv", Input: inputs, Output: []string{out}, Attribute: attrs}
}

func simpleNode(layer *layers.LayerSpec, op string) *NodeProto {
	return &NodeProto{Name: layer.Name, OpType: op, Input: []string{layer.Inputs[0]}, Output: []string{layer.Name}}
}

func intAttr(name string, v int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeInt, I: v}
}

func intsAttr(name string, vs ...int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeInts, Ints: vs}
}

func floatAttr(name string, v float32) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeFloat, F: v}
}

func batchShape(shape []int) []int64 {
	out := make([]int64, 0, len(shape)+1)
	out = append(out, -1)
	for _, d := range shape {
		out = append(out, int64(d))
	}
	return out
}

// ONNXImporter handles importing ONNX models
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ReadModel parses an ONNX file
func (oi *ONNXImporter) ReadModel(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}
	var model ModelProto
	if err := model.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ONNX model: %w", err)
	}
	if model.Graph == nil {
		return nil, fmt.Errorf("ONNX file %s has no graph", path)
	}
	return &model, nil
}

// ImportFromONNX reads an ONNX file into a checkpoint. Every float
// initializer becomes a WeightTensor under its ONNX name. The model spec is
// restored only for files this package exported; for foreign files it is nil
// and the weights are meant for LoadPretrained.
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	model, err := oi.ReadModel(path)
	if err != nil {
		return nil, err
	}

	checkpoint := &Checkpoint{
		TrainingState: TrainingState{LearningRate: 0.001},
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   Framework,
			CreatedAt:   time.Now(),
			Description: fmt.Sprintf("Imported from ONNX (producer: %s)", model.ProducerName),
		},
	}

	for _, init := range model.Graph.Initializer {
		if init.DataType != TensorProto_DataType_FLOAT {
			continue
		}
		data, err := init.Floats()
		if err != nil {
			return nil, err
		}
		wt := WeightTensor{Name: init.Name, Shape: init.Shape(), Data: data}
		if layer, param, ok := splitOwnName(init.Name); ok {
			wt.Layer, wt.Type = layer, param
		}
		checkpoint.Weights = append(checkpoint.Weights, wt)
	}

	if raw, ok := model.Metadata(metadataModelSpec); ok {
		var spec layers.ModelSpec
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			return nil, fmt.Errorf("failed to decode embedded model spec: %w", err)
		}
		compiled, err := spec.Recompile()
		if err != nil {
			return nil, fmt.Errorf("embedded model spec does not compile: %w", err)
		}
		checkpoint.ModelSpec = compiled
	}
	return checkpoint, nil
}
