package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/engine"
)

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float32
	Rho          float32 // Smoothing constant (Keras default 0.9)
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
	Centered     bool // subtract the running mean of gradients
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.001,
		Rho:          0.9,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// RMSPropOptimizer scales steps by a running RMS of gradients
type RMSPropOptimizer struct {
	base
	config RMSPropConfig
}

// NewRMSPropOptimizer creates a new RMSProp optimizer
func NewRMSPropOptimizer(config RMSPropConfig) (*RMSPropOptimizer, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Rho <= 0 || config.Rho >= 1 {
		return nil, fmt.Errorf("rho must be in (0, 1), got %g", config.Rho)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1), got %g", config.Momentum)
	}
	return &RMSPropOptimizer{
		base:   newBase("RMSProp", config.LearningRate, "squared_grad_avg", "grad_avg", "momentum"),
		config: config,
	}, nil
}

// Step performs a single optimization step
func (rms *RMSPropOptimizer) Step(weights *engine.Weights, grads *engine.Gradients) error {
	cfg := rms.config
	lr := float64(rms.lr)

	err := forEachParam(weights, grads, func(key string, w, g []float32) {
		sq := rms.slots.get("squared_grad_avg", key, len(w), 0)
		var avg, mom []float32
		if cfg.Centered {
			avg = rms.slots.get("grad_avg", key, len(w), 0)
		}
		if cfg.Momentum > 0 {
			mom = rms.slots.get("momentum", key, len(w), 0)
		}
		for i := range w {
			gi := g[i] + cfg.WeightDecay*w[i]
			sq[i] = cfg.Rho*sq[i] + (1-cfg.Rho)*gi*gi
			denom := float64(sq[i])
			if avg != nil {
				avg[i] = cfg.Rho*avg[i] + (1-cfg.Rho)*gi
				denom -= float64(avg[i]) * float64(avg[i])
				if denom < 0 {
					denom = 0
				}
			}
			inc := float32(lr * float64(gi) / (math.Sqrt(denom) + float64(cfg.Epsilon)))
			if mom != nil {
				mom[i] = cfg.Momentum*mom[i] + inc
				w[i] -= mom[i]
			} else {
				w[i] -= inc
			}
		}
	})
	if err != nil {
		return fmt.Errorf("rmsprop step: %w", err)
	}
	rms.step++
	return nil
}

// GetState extracts optimizer state for checkpointing
func (rms *RMSPropOptimizer) GetState() (*checkpoints.OptimizerState, error) {
	return rms.state(map[string]interface{}{
		"rho":          float64(rms.config.Rho),
		"epsilon":      float64(rms.config.Epsilon),
		"weight_decay": float64(rms.config.WeightDecay),
		"momentum":     float64(rms.config.Momentum),
		"centered":     rms.config.Centered,
	}), nil
}

// LoadState restores optimizer state from checkpoint
func (rms *RMSPropOptimizer) LoadState(state *checkpoints.OptimizerState) error {
	if err := rms.restore(state); err != nil {
		return err
	}
	rms.config.LearningRate = rms.lr
	rms.config.Rho = extractFloat32Param(state.Parameters, "rho", rms.config.Rho)
	rms.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", rms.config.Epsilon)
	rms.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", rms.config.WeightDecay)
	rms.config.Momentum = extractFloat32Param(state.Parameters, "momentum", rms.config.Momentum)
	rms.config.Centered = extractBoolParam(state.Parameters, "centered", rms.config.Centered)
	return nil
}
