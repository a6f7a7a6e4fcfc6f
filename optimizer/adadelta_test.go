package optimizer

import (
	"math"
	"testing"
)

func TestAdaDeltaStep(t *testing.T) {
	config := DefaultAdaDeltaConfig()
	config.LearningRate = 1.0
	ada, err := NewAdaDeltaOptimizer(config)
	if err != nil {
		t.Fatal(err)
	}
	weights, grads := singleParam(1, 1)
	if err := ada.Step(weights, grads); err != nil {
		t.Fatal(err)
	}
	delta := math.Sqrt(1e-7) / math.Sqrt(0.05+1e-7)
	if got := float64(weights.Get("fc", "weight").Data[0]); !approxEqual(got, 1-delta, 1e-6) {
		t.Errorf("weight = %v, want %v", got, 1-delta)
	}
}

func TestAdaDeltaInvalidConfig(t *testing.T) {
	config := DefaultAdaDeltaConfig()
	config.Rho = 1
	if _, err := NewAdaDeltaOptimizer(config); err == nil {
		t.Error("expected error for rho = 1")
	}
}
