package optimizer

import (
	"math"
	"testing"
)

func TestDefaultRMSPropConfig(t *testing.T) {
	config := DefaultRMSPropConfig()
	if config.LearningRate != 0.001 || config.Rho != 0.9 || config.Epsilon != 1e-7 {
		t.Errorf("unexpected defaults: %+v", config)
	}
	if config.Momentum != 0 || config.Centered {
		t.Errorf("momentum and centering must be off by default: %+v", config)
	}
}

func TestRMSPropStep(t *testing.T) {
	config := DefaultRMSPropConfig()
	config.LearningRate = 0.01
	rms, err := NewRMSPropOptimizer(config)
	if err != nil {
		t.Fatal(err)
	}
	weights, grads := singleParam(1, 1)
	if err := rms.Step(weights, grads); err != nil {
		t.Fatal(err)
	}
	want := 1 - 0.01/(math.Sqrt(0.1)+1e-7)
	if got := float64(weights.Get("fc", "weight").Data[0]); !approxEqual(got, want, 1e-6) {
		t.Errorf("weight = %v, want %v", got, want)
	}
}

func TestRMSPropCenteredMomentum(t *testing.T) {
	config := DefaultRMSPropConfig()
	config.LearningRate = 0.01
	config.Centered = true
	config.Momentum = 0.5
	rms, err := NewRMSPropOptimizer(config)
	if err != nil {
		t.Fatal(err)
	}
	weights, grads := singleParam(1, 1)
	if err := rms.Step(weights, grads); err != nil {
		t.Fatal(err)
	}
	// ms = 0.1, mg = 0.1, denom = 0.1 - 0.01 = 0.09
	inc := 0.01 / (0.3 + 1e-7)
	if got := float64(weights.Get("fc", "weight").Data[0]); !approxEqual(got, 1-inc, 1e-6) {
		t.Errorf("weight after step 1 = %v, want %v", got, 1-inc)
	}

	state, err := rms.GetState()
	if err != nil {
		t.Fatal(err)
	}
	slots := map[string]bool{}
	for _, st := range state.StateData {
		slots[st.StateType] = true
	}
	for _, want := range []string{"squared_grad_avg", "grad_avg", "momentum"} {
		if !slots[want] {
			t.Errorf("missing %s slot in state", want)
		}
	}
}
