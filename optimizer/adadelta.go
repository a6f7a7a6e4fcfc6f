package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/engine"
)

// AdaDeltaConfig holds configuration for AdaDelta optimizer
type AdaDeltaConfig struct {
	LearningRate float32
	Rho          float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdaDeltaConfig returns the Keras defaults
func DefaultAdaDeltaConfig() AdaDeltaConfig {
	return AdaDeltaConfig{
		LearningRate: 0.001,
		Rho:          0.95,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
	}
}

// AdaDeltaOptimizer keeps running averages of squared gradients and squared updates
type AdaDeltaOptimizer struct {
	base
	config AdaDeltaConfig
}

// NewAdaDeltaOptimizer creates a new AdaDelta optimizer
func NewAdaDeltaOptimizer(config AdaDeltaConfig) (*AdaDeltaOptimizer, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Rho <= 0 || config.Rho >= 1 {
		return nil, fmt.Errorf("rho must be in (0, 1), got %g", config.Rho)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	return &AdaDeltaOptimizer{
		base:   newBase("AdaDelta", config.LearningRate, "squared_grad_avg", "squared_update_avg"),
		config: config,
	}, nil
}

// Step performs a single optimization step
func (ada *AdaDeltaOptimizer) Step(weights *engine.Weights, grads *engine.Gradients) error {
	rho := ada.config.Rho
	eps := float64(ada.config.Epsilon)
	lr := ada.lr
	err := forEachParam(weights, grads, func(key string, w, g []float32) {
		accGrad := ada.slots.get("squared_grad_avg", key, len(w), 0)
		accDelta := ada.slots.get("squared_update_avg", key, len(w), 0)
		for i := range w {
			gi := g[i] + ada.config.WeightDecay*w[i]
			accGrad[i] = rho*accGrad[i] + (1-rho)*gi*gi
			delta := float32(math.Sqrt(float64(accDelta[i])+eps) / math.Sqrt(float64(accGrad[i])+eps) * float64(gi))
			accDelta[i] = rho*accDelta[i] + (1-rho)*delta*delta
			w[i] -= lr * delta
		}
	})
	if err != nil {
		return fmt.Errorf("adadelta step: %w", err)
	}
	ada.step++
	return nil
}

// GetState extracts optimizer state for checkpointing
func (ada *AdaDeltaOptimizer) GetState() (*checkpoints.OptimizerState, error) {
	return ada.state(map[string]interface{}{
		"rho":          float64(ada.config.Rho),
		"epsilon":      float64(ada.config.Epsilon),
		"weight_decay": float64(ada.config.WeightDecay),
	}), nil
}

// LoadState restores optimizer state from checkpoint
func (ada *AdaDeltaOptimizer) LoadState(state *checkpoints.OptimizerState) error {
	if err := ada.restore(state); err != nil {
		return err
	}
	ada.config.LearningRate = ada.lr
	ada.config.Rho = extractFloat32Param(state.Parameters, "rho", ada.config.Rho)
	ada.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", ada.config.Epsilon)
	ada.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", ada.config.WeightDecay)
	return nil
}
