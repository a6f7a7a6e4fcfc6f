package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/engine"
)

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate       float32
	InitialAccumulator float32
	Epsilon            float32
	WeightDecay        float32
}

// DefaultAdaGradConfig returns default AdaGrad optimizer configuration
func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate:       0.001,
		InitialAccumulator: 0.1,
		Epsilon:            1e-7,
		WeightDecay:        0.0,
	}
}

// AdaGradOptimizer divides each step by the root of the summed squared gradients
type AdaGradOptimizer struct {
	base
	config AdaGradConfig
}

// NewAdaGradOptimizer creates a new AdaGrad optimizer
func NewAdaGradOptimizer(config AdaGradConfig) (*AdaGradOptimizer, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.InitialAccumulator < 0 {
		return nil, fmt.Errorf("initial accumulator cannot be negative: %g", config.InitialAccumulator)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	return &AdaGradOptimizer{
		base:   newBase("AdaGrad", config.LearningRate, "accumulator"),
		config: config,
	}, nil
}

// Step performs a single optimization step
func (ada *AdaGradOptimizer) Step(weights *engine.Weights, grads *engine.Gradients) error {
	lr := float64(ada.lr)
	eps := float64(ada.config.Epsilon)
	err := forEachParam(weights, grads, func(key string, w, g []float32) {
		acc := ada.slots.get("accumulator", key, len(w), ada.config.InitialAccumulator)
		for i := range w {
			gi := g[i] + ada.config.WeightDecay*w[i]
			acc[i] += gi * gi
			w[i] -= float32(lr * float64(gi) / (math.Sqrt(float64(acc[i])) + eps))
		}
	})
	if err != nil {
		return fmt.Errorf("adagrad step: %w", err)
	}
	ada.step++
	return nil
}

// GetState extracts optimizer state for checkpointing
func (ada *AdaGradOptimizer) GetState() (*checkpoints.OptimizerState, error) {
	return ada.state(map[string]interface{}{
		"initial_accumulator": float64(ada.config.InitialAccumulator),
		"epsilon":             float64(ada.config.Epsilon),
		"weight_decay":        float64(ada.config.WeightDecay),
	}), nil
}

// LoadState restores optimizer state from checkpoint
func (ada *AdaGradOptimizer) LoadState(state *checkpoints.OptimizerState) error {
	if err := ada.restore(state); err != nil {
		return err
	}
	ada.config.LearningRate = ada.lr
	ada.config.InitialAccumulator = extractFloat32Param(state.Parameters, "initial_accumulator", ada.config.InitialAccumulator)
	ada.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", ada.config.Epsilon)
	ada.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", ada.config.WeightDecay)
	return nil
}
