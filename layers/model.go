package layers

import (
	"fmt"
	"strings"
)

// ModelSpec is a compiled model description
type ModelSpec struct {
	Name            string      `json:"name"`
	Layers          []LayerSpec `json:"layers"`
	InputShape      []int       `json:"input_shape"`
	OutputShape     []int       `json:"output_shape"`
	TotalParameters int64       `json:"total_parameters"`
	Compiled        bool        `json:"compiled"`
}

// Layer returns the named layer, or nil
func (ms *ModelSpec) Layer(name string) *LayerSpec {
	for i := range ms.Layers {
		if ms.Layers[i].Name == name {
			return &ms.Layers[i]
		}
	}
	return nil
}

// LayerIndex returns the position of the named layer, or -1
func (ms *ModelSpec) LayerIndex(name string) int {
	for i := range ms.Layers {
		if ms.Layers[i].Name == name {
			return i
		}
	}
	return -1
}

// Freeze marks the named layers as non-trainable
func (ms *ModelSpec) Freeze(names ...string) error {
	return ms.setTrainable(false, names)
}

// Unfreeze marks the named layers as trainable
func (ms *ModelSpec) Unfreeze(names ...string) error {
	return ms.setTrainable(true, names)
}

func (ms *ModelSpec) setTrainable(trainable bool, names []string) error {
	for _, name := range names {
		layer := ms.Layer(name)
		if layer == nil {
			return fmt.Errorf("no layer named %q", name)
		}
		layer.Trainable = trainable
	}
	return nil
}

// FreezeAll marks every layer non-trainable
func (ms *ModelSpec) FreezeAll() {
	for i := range ms.Layers {
		ms.Layers[i].Trainable = false
	}
}

// UnfreezeAll marks every layer trainable
func (ms *ModelSpec) UnfreezeAll() {
	for i := range ms.Layers {
		ms.Layers[i].Trainable = true
	}
}

// UnfreezeLast makes the last n parameterized layers trainable. Layers
// without parameters in between are unfrozen as well.
func (ms *ModelSpec) UnfreezeLast(n int) {
	if n <= 0 {
		return
	}
	seen := 0
	for i := len(ms.Layers) - 1; i >= 0; i-- {
		if ms.Layers[i].HasParameters() {
			if seen == n {
				return
			}
			seen++
		}
		ms.Layers[i].Trainable = true
	}
}

// SetTrainableFrom freezes every layer before name and unfreezes name and
// everything after it
func (ms *ModelSpec) SetTrainableFrom(name string) error {
	idx := ms.LayerIndex(name)
	if idx < 0 {
		return fmt.Errorf("no layer named %q", name)
	}
	for i := range ms.Layers {
		ms.Layers[i].Trainable = i >= idx
	}
	return nil
}

// TrainableParameters counts learnable parameters of trainable layers.
// BatchNorm running statistics never count as trainable.
func (ms *ModelSpec) TrainableParameters() int64 {
	var n int64
	for i := range ms.Layers {
		if ms.Layers[i].Trainable {
			n += ms.Layers[i].LearnableCount()
		}
	}
	return n
}

// NonTrainableParameters counts everything TrainableParameters does not
func (ms *ModelSpec) NonTrainableParameters() int64 {
	return ms.TotalParameters - ms.TrainableParameters()
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	const (
		nameWidth  = 34
		shapeWidth = 22
		paramWidth = 12
	)
	rule := strings.Repeat("_", nameWidth+shapeWidth+paramWidth+20)
	thick := strings.Repeat("=", len(rule))

	var b strings.Builder
	fmt.Fprintf(&b, "Model: %q\n", ms.Name)
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "%-*s %-*s %*s  %s\n", nameWidth, "Layer (type)", shapeWidth, "Output Shape", paramWidth, "Param #", "Connected to")
	b.WriteString(thick + "\n")

	for i := range ms.Layers {
		layer := &ms.Layers[i]
		label := fmt.Sprintf("%s (%s)", layer.Name, layer.Type)
		shape := fmt.Sprintf("%v", layer.OutputShape)
		connected := ""
		if layer.Type == Add || len(layer.Inputs) != 1 || (i > 0 && layer.Inputs[0] != ms.Layers[i-1].Name) {
			connected = strings.Join(layer.Inputs, ", ")
		}
		fmt.Fprintf(&b, "%-*s %-*s %*d  %s\n", nameWidth, label, shapeWidth, shape, paramWidth, layer.ParameterCount, connected)
	}

	b.WriteString(thick + "\n")
	fmt.Fprintf(&b, "Total params: %d\n", ms.TotalParameters)
	fmt.Fprintf(&b, "Trainable params: %d\n", ms.TrainableParameters())
	fmt.Fprintf(&b, "Non-trainable params: %d\n", ms.NonTrainableParameters())
	b.WriteString(rule + "\n")
	return b.String()
}

// Clone returns a deep copy, preserving compiled shape information
func (ms *ModelSpec) Clone() *ModelSpec {
	out := &ModelSpec{
		Name:            ms.Name,
		Layers:          make([]LayerSpec, len(ms.Layers)),
		InputShape:      append([]int(nil), ms.InputShape...),
		OutputShape:     append([]int(nil), ms.OutputShape...),
		TotalParameters: ms.TotalParameters,
		Compiled:        ms.Compiled,
	}
	for i := range ms.Layers {
		src := &ms.Layers[i]
		dst := src.clone()
		for _, s := range src.InputShapes {
			dst.InputShapes = append(dst.InputShapes, append([]int(nil), s...))
		}
		dst.OutputShape = append([]int(nil), src.OutputShape...)
		for _, s := range src.ParameterShapes {
			dst.ParameterShapes = append(dst.ParameterShapes, append([]int(nil), s...))
		}
		dst.ParameterNames = append([]string(nil), src.ParameterNames...)
		dst.ParameterCount = src.ParameterCount
		out.Layers[i] = dst
	}
	return out
}

// Recompile rebuilds shape information, e.g. after decoding a spec from disk
func (ms *ModelSpec) Recompile() (*ModelSpec, error) {
	return NewModelBuilderFrom(ms).Compile()
}
