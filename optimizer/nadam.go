package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/engine"
)

// NadamConfig holds configuration for Nadam optimizer
type NadamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultNadamConfig returns default Nadam optimizer configuration
func DefaultNadamConfig() NadamConfig {
	return NadamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
	}
}

// NadamOptimizer is Adam with a Nesterov look-ahead on the first moment
type NadamOptimizer struct {
	base
	config NadamConfig
}

// NewNadamOptimizer creates a new Nadam optimizer
func NewNadamOptimizer(config NadamConfig) (*NadamOptimizer, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %g and %g", config.Beta1, config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	return &NadamOptimizer{
		base:   newBase("Nadam", config.LearningRate, "m", "v"),
		config: config,
	}, nil
}

// Step performs a single optimization step
func (nadam *NadamOptimizer) Step(weights *engine.Weights, grads *engine.Gradients) error {
	t := float64(nadam.step + 1)
	b1, b2 := float64(nadam.config.Beta1), float64(nadam.config.Beta2)
	bc1Next := 1 - math.Pow(b1, t+1)
	bc1 := 1 - math.Pow(b1, t)
	bc2 := 1 - math.Pow(b2, t)
	lr := float64(nadam.lr)
	eps := float64(nadam.config.Epsilon)

	err := forEachParam(weights, grads, func(key string, w, g []float32) {
		m := nadam.slots.get("m", key, len(w), 0)
		v := nadam.slots.get("v", key, len(w), 0)
		for i := range w {
			gi := g[i] + nadam.config.WeightDecay*w[i]
			m[i] = nadam.config.Beta1*m[i] + (1-nadam.config.Beta1)*gi
			v[i] = nadam.config.Beta2*v[i] + (1-nadam.config.Beta2)*gi*gi
			mHat := b1*float64(m[i])/bc1Next + (1-b1)*float64(gi)/bc1
			vHat := float64(v[i]) / bc2
			w[i] -= float32(lr * mHat / (math.Sqrt(vHat) + eps))
		}
	})
	if err != nil {
		return fmt.Errorf("nadam step: %w", err)
	}
	nadam.step++
	return nil
}

// GetState extracts optimizer state for checkpointing
func (nadam *NadamOptimizer) GetState() (*checkpoints.OptimizerState, error) {
	return nadam.state(map[string]interface{}{
		"beta1":        float64(nadam.config.Beta1),
		"beta2":        float64(nadam.config.Beta2),
		"epsilon":      float64(nadam.config.Epsilon),
		"weight_decay": float64(nadam.config.WeightDecay),
	}), nil
}

// LoadState restores optimizer state from checkpoint
func (nadam *NadamOptimizer) LoadState(state *checkpoints.OptimizerState) error {
	if err := nadam.restore(state); err != nil {
		return err
	}
	nadam.config.LearningRate = nadam.lr
	nadam.config.Beta1 = extractFloat32Param(state.Parameters, "beta1", nadam.config.Beta1)
	nadam.config.Beta2 = extractFloat32Param(state.Parameters, "beta2", nadam.config.Beta2)
	nadam.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", nadam.config.Epsilon)
	nadam.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", nadam.config.WeightDecay)
	return nil
}
