package optimizer

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/engine"
)

// ErrUnknownOptimizer is returned by New for names it does not recognise
var ErrUnknownOptimizer = errors.New("unknown optimizer")

// Optimizer defines the common interface for all optimizers.
// Moment buffers are allocated lazily per parameter key on the first Step
// that carries a gradient for it, so frozen parameters never get state.
type Optimizer interface {
	// Step applies one update to every parameter that has a gradient
	Step(weights *engine.Weights, grads *engine.Gradients) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	LearningRate() float32
	Name() string
}

// New builds an optimizer with Keras default hyperparameters and the given
// learning rate. Names are case-insensitive.
func New(name string, lr float32) (Optimizer, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", lr)
	}
	switch strings.ToLower(name) {
	case "adam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		return NewAdamOptimizer(cfg)
	case "sgd":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = lr
		return NewSGDOptimizer(cfg)
	case "rmsprop":
		cfg := DefaultRMSPropConfig()
		cfg.LearningRate = lr
		return NewRMSPropOptimizer(cfg)
	case "adagrad":
		cfg := DefaultAdaGradConfig()
		cfg.LearningRate = lr
		return NewAdaGradOptimizer(cfg)
	case "adadelta":
		cfg := DefaultAdaDeltaConfig()
		cfg.LearningRate = lr
		return NewAdaDeltaOptimizer(cfg)
	case "nadam":
		cfg := DefaultNadamConfig()
		cfg.LearningRate = lr
		return NewNadamOptimizer(cfg)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOptimizer, name)
}

// base carries what every optimizer shares: learning rate, step count and
// the per-parameter slot buffers
type base struct {
	name  string
	lr    float32
	step  uint64
	slots *slotStore
}

func newBase(name string, lr float32, slotNames ...string) base {
	return base{name: name, lr: lr, slots: newSlotStore(slotNames...)}
}

func (b *base) GetStepCount() uint64 { return b.step }

func (b *base) UpdateLearningRate(lr float32) { b.lr = lr }

func (b *base) LearningRate() float32 { return b.lr }

func (b *base) Name() string { return b.name }

// state packs hyperparameters and slots into a checkpoint record
func (b *base) state(params map[string]interface{}) *checkpoints.OptimizerState {
	params["learning_rate"] = float64(b.lr)
	params["step_count"] = float64(b.step)
	return &checkpoints.OptimizerState{
		Type:       b.name,
		Parameters: params,
		StateData:  b.slots.export(),
	}
}

// restore is the inverse of state for the shared fields
func (b *base) restore(state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if err := validateStateType(b.name, state); err != nil {
		return err
	}
	b.lr = extractFloat32Param(state.Parameters, "learning_rate", b.lr)
	b.step = extractUint64Param(state.Parameters, "step_count", 0)
	return b.slots.restore(state.StateData)
}

// forEachParam calls fn for every gradient in key order after checking that
// the matching weight exists and has the same size
func forEachParam(weights *engine.Weights, grads *engine.Gradients, fn func(key string, w, g []float32)) error {
	if weights == nil || grads == nil {
		return fmt.Errorf("weights and gradients are required")
	}
	keys := make([]string, 0, len(grads.Params))
	for k := range grads.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		g := grads.Params[key]
		w, ok := weights.Tensors[key]
		if !ok {
			return fmt.Errorf("gradient for unknown parameter %s", key)
		}
		if len(w.Data) != len(g.Data) {
			return fmt.Errorf("gradient size mismatch for %s: weight %v, gradient %v", key, w.Shape, g.Shape)
		}
		fn(key, w.Data, g.Data)
	}
	return nil
}
