package layers

import (
	"strings"
	"testing"
)

func buildSmallCNN(t *testing.T) *ModelSpec {
	t.Helper()
	model, err := NewModelBuilder("small", []int{3, 32, 32}).
		AddConv2D(8, 3, 1, PaddingSame, true, "conv1").
		AddBatchNorm(1e-3, 0.99, "bn1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, PaddingValid, "pool1").
		AddGlobalAveragePool2D("gap").
		AddDense(1, true, "fc").
		AddSigmoid("sigmoid").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}
	return model
}

func TestCompileShapesAndParameters(t *testing.T) {
	model := buildSmallCNN(t)

	expected := map[string][]int{
		"conv1":   {8, 32, 32},
		"bn1":     {8, 32, 32},
		"pool1":   {8, 16, 16},
		"gap":     {8},
		"fc":      {1},
		"sigmoid": {1},
	}
	for name, shape := range expected {
		layer := model.Layer(name)
		if layer == nil {
			t.Fatalf("layer %s missing", name)
		}
		if !shapesEqual(layer.OutputShape, shape) {
			t.Errorf("%s: expected output %v, got %v", name, shape, layer.OutputShape)
		}
	}

	// conv: 8*3*3*3 + 8, bn: 4*8, fc: 8 + 1
	if model.TotalParameters != 224+32+9 {
		t.Errorf("expected %d parameters, got %d", 224+32+9, model.TotalParameters)
	}
	// moving statistics are not trainable
	if got := model.TrainableParameters(); got != 224+16+9 {
		t.Errorf("expected %d trainable parameters, got %d", 224+16+9, got)
	}
	if !shapesEqual(model.OutputShape, []int{1}) {
		t.Errorf("unexpected model output %v", model.OutputShape)
	}
}

func TestPadding(t *testing.T) {
	tests := []struct {
		in, k, s       int
		mode           string
		out, pre, post int
	}{
		{224, 3, 1, PaddingSame, 224, 1, 1},
		{224, 3, 2, PaddingSame, 112, 0, 1},
		{299, 3, 2, PaddingValid, 149, 0, 0},
		{147, 3, 2, PaddingSame, 74, 1, 1},
		{7, 2, 2, PaddingValid, 3, 0, 0},
	}
	for _, tt := range tests {
		out, pre, post, err := Padding(tt.in, tt.k, tt.s, tt.mode)
		if err != nil {
			t.Fatalf("Padding(%d,%d,%d,%s): %v", tt.in, tt.k, tt.s, tt.mode, err)
		}
		if out != tt.out || pre != tt.pre || post != tt.post {
			t.Errorf("Padding(%d,%d,%d,%s) = %d,%d,%d want %d,%d,%d",
				tt.in, tt.k, tt.s, tt.mode, out, pre, post, tt.out, tt.pre, tt.post)
		}
	}

	if _, _, _, err := Padding(2, 3, 1, PaddingValid); err == nil {
		t.Error("expected error for kernel larger than input")
	}
	if _, _, _, err := Padding(8, 3, 1, "reflect"); err == nil {
		t.Error("expected error for unknown padding mode")
	}
}

func TestResidualGraph(t *testing.T) {
	mb := NewModelBuilder("residual", []int{4, 8, 8})
	mb.AddConv2D(8, 1, 2, PaddingSame, false, "shortcut")
	mb.From(InputName).
		AddSeparableConv2D(8, 3, 1, PaddingSame, false, "sep").
		AddMaxPool2D(3, 2, PaddingSame, "pool")
	mb.AddAdd("add", "pool", "shortcut")
	model, err := mb.Compile()
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	sep := model.Layer("sep")
	if sep.Inputs[0] != InputName {
		t.Errorf("sep should consume the model input, got %v", sep.Inputs)
	}
	// depthwise 4*1*3*3 + pointwise 8*4
	if sep.ParameterCount != 36+32 {
		t.Errorf("unexpected separable parameter count %d", sep.ParameterCount)
	}
	if !shapesEqual(model.Layer("add").OutputShape, []int{8, 4, 4}) {
		t.Errorf("unexpected add output %v", model.Layer("add").OutputShape)
	}

	bad := NewModelBuilder("bad", []int{4, 8, 8})
	bad.AddConv2D(8, 1, 1, PaddingSame, false, "a")
	bad.AddConv2D(8, 1, 2, PaddingSame, false, "b")
	bad.AddAdd("add", "a", "b")
	if _, err := bad.Compile(); err == nil {
		t.Error("expected shape mismatch error for add")
	}
}

func TestCompileErrors(t *testing.T) {
	if _, err := NewModelBuilder("empty", []int{3, 4, 4}).Compile(); err == nil {
		t.Error("expected error for empty model")
	}

	_, err := NewModelBuilder("dup", []int{4}).
		AddDense(2, true, "fc").
		AddDense(2, true, "fc").
		Compile()
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("expected duplicate name error, got %v", err)
	}

	_, err = NewModelBuilder("undefined", []int{4}).
		From("nowhere").
		AddDense(2, true, "fc").
		Compile()
	if err == nil {
		t.Error("expected undefined input error")
	}

	_, err = NewModelBuilder("gap", []int{4}).
		AddGlobalAveragePool2D("gap").
		Compile()
	if err == nil {
		t.Error("expected rank error for global pooling on flat input")
	}
}

func TestTruncateAndNewHead(t *testing.T) {
	base := buildSmallCNN(t)

	model, err := NewModelBuilderFrom(base).
		Truncate("fc").
		FreezeAll().
		AddDense(1, true, "head").
		AddSigmoid("head_sigmoid").
		Compile()
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	if model.Layer("fc") != nil {
		t.Error("fc should have been truncated")
	}
	if model.Layer("conv1").Trainable {
		t.Error("base layers should be frozen")
	}
	if !model.Layer("head").Trainable {
		t.Error("head should be trainable")
	}
	if got := model.TrainableParameters(); got != 9 {
		t.Errorf("expected 9 trainable parameters, got %d", got)
	}

	// The base model is untouched
	if !base.Layer("conv1").Trainable {
		t.Error("builder must copy layers")
	}

	if _, err := NewModelBuilderFrom(base).Truncate("missing").Compile(); err == nil {
		t.Error("expected truncate error")
	}
}

func TestFreezeHelpers(t *testing.T) {
	model := buildSmallCNN(t)
	model.FreezeAll()
	if model.TrainableParameters() != 0 {
		t.Fatalf("expected nothing trainable")
	}

	model.UnfreezeLast(1)
	if !model.Layer("fc").Trainable || !model.Layer("sigmoid").Trainable {
		t.Error("last parameterized layer should be trainable")
	}
	if model.Layer("bn1").Trainable {
		t.Error("bn1 should stay frozen")
	}

	if err := model.SetTrainableFrom("bn1"); err != nil {
		t.Fatal(err)
	}
	if model.Layer("conv1").Trainable || !model.Layer("relu1").Trainable {
		t.Error("SetTrainableFrom split is wrong")
	}

	if err := model.Freeze("nope"); err == nil {
		t.Error("expected error freezing unknown layer")
	}
}

func TestSummaryAndRecompile(t *testing.T) {
	model := buildSmallCNN(t)
	model.Freeze("conv1")

	summary := model.Summary()
	for _, want := range []string{`Model: "small"`, "conv1 (Conv2D)", "Total params: 265", "Trainable params: 25", "Non-trainable params: 240"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}

	again, err := model.Recompile()
	if err != nil {
		t.Fatalf("recompile failed: %v", err)
	}
	if again.TotalParameters != model.TotalParameters || again.Layer("conv1").Trainable {
		t.Error("recompile should preserve parameters and trainable flags")
	}

	clone := model.Clone()
	clone.Layers[0].OutputShape[0] = 99
	if model.Layers[0].OutputShape[0] == 99 {
		t.Error("Clone must deep copy shapes")
	}
}

func TestParamGetters(t *testing.T) {
	ls := LayerSpec{Parameters: map[string]interface{}{
		"a": float64(3), "b": int64(4), "c": true, "d": 0.5, "e": "same",
	}}
	if ls.IntParam("a", 0) != 3 || ls.IntParam("b", 0) != 4 || ls.IntParam("z", 7) != 7 {
		t.Error("IntParam conversion failed")
	}
	if !ls.BoolParam("c", false) || ls.FloatParam("d", 0) != 0.5 || ls.StringParam("e", "") != "same" {
		t.Error("param getters failed")
	}
}
