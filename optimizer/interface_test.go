package optimizer

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/engine"
	"github.com/tsawler/go-finetune/tensor"
)

// singleParam builds a one-element weight "fc.weight" with gradient g
func singleParam(w, g float32) (*engine.Weights, *engine.Gradients) {
	weights := engine.NewWeights()
	weights.Set("fc", "weight", tensor.MustFromData([]float32{w}, 1))
	grads := &engine.Gradients{Params: map[string]*tensor.Tensor{
		"fc.weight": tensor.MustFromData([]float32{g}, 1),
	}}
	return weights, grads
}

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestNewFactory(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"adam", "Adam"},
		{"Adam", "Adam"},
		{"sgd", "SGD"},
		{"rmsprop", "RMSProp"},
		{"adagrad", "AdaGrad"},
		{"adadelta", "AdaDelta"},
		{"nadam", "Nadam"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opt, err := New(tt.name, 0.05)
			if err != nil {
				t.Fatalf("New(%q) failed: %v", tt.name, err)
			}
			if opt.Name() != tt.expected {
				t.Errorf("Name() = %q, want %q", opt.Name(), tt.expected)
			}
			if opt.LearningRate() != 0.05 {
				t.Errorf("LearningRate() = %v, want 0.05", opt.LearningRate())
			}
			opt.UpdateLearningRate(0.01)
			if opt.LearningRate() != 0.01 {
				t.Errorf("UpdateLearningRate did not apply")
			}
		})
	}

	if _, err := New("lbfgs", 0.1); !errors.Is(err, ErrUnknownOptimizer) {
		t.Errorf("expected ErrUnknownOptimizer, got %v", err)
	}
	if _, err := New("adam", 0); err == nil {
		t.Error("expected error for zero learning rate")
	}
}

func TestStepValidatesParameters(t *testing.T) {
	opt, err := New("sgd", 0.1)
	if err != nil {
		t.Fatal(err)
	}

	weights, grads := singleParam(1, 1)
	grads.Params["missing.weight"] = tensor.MustFromData([]float32{1}, 1)
	if err := opt.Step(weights, grads); err == nil {
		t.Error("expected error for gradient without weight")
	}

	weights, grads = singleParam(1, 1)
	grads.Params["fc.weight"] = tensor.MustFromData([]float32{1, 2}, 2)
	if err := opt.Step(weights, grads); err == nil {
		t.Error("expected error for size mismatch")
	}
	if opt.GetStepCount() != 0 {
		t.Errorf("failed steps must not advance the counter, got %d", opt.GetStepCount())
	}
}

func TestParametersWithoutGradientsAreUntouched(t *testing.T) {
	opt, err := New("adam", 0.1)
	if err != nil {
		t.Fatal(err)
	}
	weights, grads := singleParam(1, 0.5)
	weights.Set("conv", "weight", tensor.MustFromData([]float32{3, 4}, 2))

	if err := opt.Step(weights, grads); err != nil {
		t.Fatal(err)
	}
	if got := weights.Get("conv", "weight").Data; got[0] != 3 || got[1] != 4 {
		t.Errorf("frozen parameter changed: %v", got)
	}
	state, err := opt.GetState()
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range state.StateData {
		if st.Name == "m/conv.weight" || st.Name == "v/conv.weight" {
			t.Errorf("optimizer allocated state for a parameter without gradients: %s", st.Name)
		}
	}
}

func TestStateRoundTrip(t *testing.T) {
	for _, name := range []string{"adam", "sgd", "rmsprop", "adagrad", "adadelta", "nadam"} {
		t.Run(name, func(t *testing.T) {
			a, err := New(name, 0.01)
			if err != nil {
				t.Fatal(err)
			}
			wa, grads := singleParam(1, 0.3)
			for i := 0; i < 3; i++ {
				if err := a.Step(wa, grads); err != nil {
					t.Fatal(err)
				}
			}

			state, err := a.GetState()
			if err != nil {
				t.Fatal(err)
			}
			// go through JSON the way checkpoints store it
			raw, err := json.Marshal(state)
			if err != nil {
				t.Fatal(err)
			}
			var decoded checkpoints.OptimizerState
			if err := json.Unmarshal(raw, &decoded); err != nil {
				t.Fatal(err)
			}

			b, err := New(name, 0.5)
			if err != nil {
				t.Fatal(err)
			}
			if err := b.LoadState(&decoded); err != nil {
				t.Fatalf("LoadState failed: %v", err)
			}
			if b.GetStepCount() != 3 || b.LearningRate() != 0.01 {
				t.Errorf("restored step=%d lr=%v", b.GetStepCount(), b.LearningRate())
			}

			wb := wa.Clone()
			if err := a.Step(wa, grads); err != nil {
				t.Fatal(err)
			}
			if err := b.Step(wb, grads); err != nil {
				t.Fatal(err)
			}
			ga, gb := wa.Get("fc", "weight").Data[0], wb.Get("fc", "weight").Data[0]
			if ga != gb {
				t.Errorf("restored optimizer diverged: %v vs %v", ga, gb)
			}
		})
	}
}

func TestLoadStateRejectsOtherOptimizer(t *testing.T) {
	adam, _ := New("adam", 0.01)
	sgd, _ := New("sgd", 0.01)
	state, err := adam.GetState()
	if err != nil {
		t.Fatal(err)
	}
	if err := sgd.LoadState(state); err == nil {
		t.Error("expected state type mismatch")
	}
	if err := sgd.LoadState(nil); err == nil {
		t.Error("expected error for nil state")
	}
}
