package optimizer

import (
	"fmt"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/engine"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGDOptimizer is plain or momentum SGD. The velocity slot only exists
// when Momentum > 0.
type SGDOptimizer struct {
	base
	config SGDConfig
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(config SGDConfig) (*SGDOptimizer, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1), got %g", config.Momentum)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0")
	}
	return &SGDOptimizer{
		base:   newBase("SGD", config.LearningRate, "velocity"),
		config: config,
	}, nil
}

// Step follows Keras: velocity = momentum*velocity - lr*g, then
// w += velocity (or momentum*velocity - lr*g with Nesterov)
func (sgd *SGDOptimizer) Step(weights *engine.Weights, grads *engine.Gradients) error {
	lr := sgd.lr
	mu := sgd.config.Momentum
	wd := sgd.config.WeightDecay

	err := forEachParam(weights, grads, func(key string, w, g []float32) {
		if mu == 0 {
			for i := range w {
				w[i] -= lr * (g[i] + wd*w[i])
			}
			return
		}
		vel := sgd.slots.get("velocity", key, len(w), 0)
		for i := range w {
			gi := g[i] + wd*w[i]
			vel[i] = mu*vel[i] - lr*gi
			if sgd.config.Nesterov {
				w[i] += mu*vel[i] - lr*gi
			} else {
				w[i] += vel[i]
			}
		}
	})
	if err != nil {
		return fmt.Errorf("sgd step: %w", err)
	}
	sgd.step++
	return nil
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizer) GetState() (*checkpoints.OptimizerState, error) {
	return sgd.state(map[string]interface{}{
		"momentum":     float64(sgd.config.Momentum),
		"weight_decay": float64(sgd.config.WeightDecay),
		"nesterov":     sgd.config.Nesterov,
	}), nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizer) LoadState(state *checkpoints.OptimizerState) error {
	if err := sgd.restore(state); err != nil {
		return err
	}
	sgd.config.LearningRate = sgd.lr
	sgd.config.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.config.Momentum)
	sgd.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.config.WeightDecay)
	sgd.config.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.config.Nesterov)
	return nil
}
