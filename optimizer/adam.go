package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/engine"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration.
// Epsilon follows Keras (1e-7) rather than the paper's 1e-8.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
	}
}

// AdamOptimizer keeps first and second moment estimates per parameter
type AdamOptimizer struct {
	base
	config AdamConfig
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(config AdamConfig) (*AdamOptimizer, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %g and %g", config.Beta1, config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	return &AdamOptimizer{
		base:   newBase("Adam", config.LearningRate, "m", "v"),
		config: config,
	}, nil
}

// Step applies the Keras form of the update:
//
//	lr_t = lr * sqrt(1 - beta2^t) / (1 - beta1^t)
//	w   -= lr_t * m / (sqrt(v) + epsilon)
func (adam *AdamOptimizer) Step(weights *engine.Weights, grads *engine.Gradients) error {
	t := float64(adam.step + 1)
	b1, b2 := float64(adam.config.Beta1), float64(adam.config.Beta2)
	lrT := float64(adam.lr) * math.Sqrt(1-math.Pow(b2, t)) / (1 - math.Pow(b1, t))
	eps := float64(adam.config.Epsilon)
	wd := adam.config.WeightDecay

	err := forEachParam(weights, grads, func(key string, w, g []float32) {
		m := adam.slots.get("m", key, len(w), 0)
		v := adam.slots.get("v", key, len(w), 0)
		for i := range w {
			gi := g[i]
			if wd != 0 {
				gi += wd * w[i]
			}
			m[i] = adam.config.Beta1*m[i] + (1-adam.config.Beta1)*gi
			v[i] = adam.config.Beta2*v[i] + (1-adam.config.Beta2)*gi*gi
			w[i] -= float32(lrT * float64(m[i]) / (math.Sqrt(float64(v[i])) + eps))
		}
	})
	if err != nil {
		return fmt.Errorf("adam step: %w", err)
	}
	adam.step++
	return nil
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizer) GetState() (*checkpoints.OptimizerState, error) {
	return adam.state(map[string]interface{}{
		"beta1":        float64(adam.config.Beta1),
		"beta2":        float64(adam.config.Beta2),
		"epsilon":      float64(adam.config.Epsilon),
		"weight_decay": float64(adam.config.WeightDecay),
	}), nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizer) LoadState(state *checkpoints.OptimizerState) error {
	if err := adam.restore(state); err != nil {
		return err
	}
	adam.config.LearningRate = adam.lr
	adam.config.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.config.Beta1)
	adam.config.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.config.Beta2)
	adam.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.config.Epsilon)
	adam.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.config.WeightDecay)
	return nil
}
