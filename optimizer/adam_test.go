package optimizer

import "testing"

// TestAdamConfig tests the Adam configuration
func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()

	if config.LearningRate != 0.001 {
		t.Errorf("Expected learning rate 0.001, got %f", config.LearningRate)
	}
	if config.Beta1 != 0.9 {
		t.Errorf("Expected beta1 0.9, got %f", config.Beta1)
	}
	if config.Beta2 != 0.999 {
		t.Errorf("Expected beta2 0.999, got %f", config.Beta2)
	}
	if config.Epsilon != 1e-7 {
		t.Errorf("Expected epsilon 1e-7, got %g", config.Epsilon)
	}
	if config.WeightDecay != 0.0 {
		t.Errorf("Expected weight decay 0.0, got %f", config.WeightDecay)
	}
}

func TestAdamInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*AdamConfig)
	}{
		{"zero_lr", func(c *AdamConfig) { c.LearningRate = 0 }},
		{"beta1_one", func(c *AdamConfig) { c.Beta1 = 1 }},
		{"negative_beta2", func(c *AdamConfig) { c.Beta2 = -0.1 }},
		{"zero_epsilon", func(c *AdamConfig) { c.Epsilon = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultAdamConfig()
			tt.modify(&config)
			if _, err := NewAdamOptimizer(config); err == nil {
				t.Error("expected configuration error")
			}
		})
	}
}

// The first bias-corrected Adam step moves each weight by almost exactly lr
func TestAdamFirstStep(t *testing.T) {
	config := DefaultAdamConfig()
	config.LearningRate = 0.1
	adam, err := NewAdamOptimizer(config)
	if err != nil {
		t.Fatal(err)
	}

	weights, grads := singleParam(1.0, 0.5)
	if err := adam.Step(weights, grads); err != nil {
		t.Fatal(err)
	}
	got := float64(weights.Get("fc", "weight").Data[0])
	if !approxEqual(got, 0.9, 1e-4) {
		t.Errorf("weight after one step = %v, want ~0.9", got)
	}

	weights, grads = singleParam(1.0, -2)
	adam2, _ := NewAdamOptimizer(config)
	if err := adam2.Step(weights, grads); err != nil {
		t.Fatal(err)
	}
	if got := float64(weights.Get("fc", "weight").Data[0]); !approxEqual(got, 1.1, 1e-4) {
		t.Errorf("weight after one step = %v, want ~1.1", got)
	}
	if adam2.GetStepCount() != 1 {
		t.Errorf("step count = %d, want 1", adam2.GetStepCount())
	}
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	config := DefaultAdamConfig()
	config.LearningRate = 0.05
	adam, err := NewAdamOptimizer(config)
	if err != nil {
		t.Fatal(err)
	}
	weights, grads := singleParam(3, 0)
	w := weights.Get("fc", "weight").Data
	g := grads.Params["fc.weight"].Data

	// f(w) = (w - 1)^2
	for i := 0; i < 500; i++ {
		g[0] = 2 * (w[0] - 1)
		if err := adam.Step(weights, grads); err != nil {
			t.Fatal(err)
		}
	}
	if !approxEqual(float64(w[0]), 1, 5e-2) {
		t.Errorf("Adam did not converge: w = %v", w[0])
	}
}
