package optimizer

import (
	"math"
	"testing"
)

func TestAdaGradStep(t *testing.T) {
	config := DefaultAdaGradConfig()
	config.LearningRate = 0.1
	ada, err := NewAdaGradOptimizer(config)
	if err != nil {
		t.Fatal(err)
	}
	weights, grads := singleParam(1, 1)
	if err := ada.Step(weights, grads); err != nil {
		t.Fatal(err)
	}
	// accumulator starts at 0.1
	want := 1 - 0.1/(math.Sqrt(1.1)+1e-7)
	if got := float64(weights.Get("fc", "weight").Data[0]); !approxEqual(got, want, 1e-6) {
		t.Errorf("weight = %v, want %v", got, want)
	}
}

func TestAdaGradInvalidConfig(t *testing.T) {
	config := DefaultAdaGradConfig()
	config.InitialAccumulator = -1
	if _, err := NewAdaGradOptimizer(config); err == nil {
		t.Error("expected error for negative accumulator")
	}
}
