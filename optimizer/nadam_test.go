package optimizer

import "testing"

func TestNadamStep(t *testing.T) {
	config := DefaultNadamConfig()
	config.LearningRate = 0.1
	nadam, err := NewNadamOptimizer(config)
	if err != nil {
		t.Fatal(err)
	}
	weights, grads := singleParam(1, 0.5)
	if err := nadam.Step(weights, grads); err != nil {
		t.Fatal(err)
	}
	// mHat = 0.9*0.05/0.19 + 0.1*0.5/0.1, vHat = 0.25
	mHat := 0.9*0.05/0.19 + 0.5
	want := 1 - 0.1*mHat/(0.5+1e-7)
	if got := float64(weights.Get("fc", "weight").Data[0]); !approxEqual(got, want, 1e-5) {
		t.Errorf("weight = %v, want %v", got, want)
	}
}
