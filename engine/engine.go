package engine

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/tsawler/go-finetune/layers"
	"github.com/tsawler/go-finetune/tensor"
)

// Mode selects training or inference behaviour for BatchNorm and Dropout
type Mode int

const (
	Inference Mode = iota
	Training
)

func (m Mode) String() string {
	if m == Training {
		return "training"
	}
	return "inference"
}

// Config holds engine settings
type Config struct {
	Workers int   // goroutines per layer; 0 means GOMAXPROCS
	Seed    int64 // dropout randomness
	Logger  *zap.Logger
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		Workers: runtime.GOMAXPROCS(0),
		Seed:    123,
	}
}

// Engine executes a compiled model on the CPU
type Engine struct {
	spec    *layers.ModelSpec
	weights *Weights
	config  Config
	logger  *zap.Logger
	pool    *tensor.BufferPool

	index     map[string]int // layer name -> position
	needsGrad []bool
	geoms     []geometry

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an engine for spec using weights, which are updated in place
// by training (BatchNorm moving statistics, optimizer steps).
func New(spec *layers.ModelSpec, weights *Weights, config Config) (*Engine, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("engine requires a compiled model")
	}
	if err := weights.Validate(spec); err != nil {
		return nil, fmt.Errorf("weights do not match model %q: %w", spec.Name, err)
	}
	if config.Workers <= 0 {
		config.Workers = runtime.GOMAXPROCS(0)
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		spec:    spec,
		weights: weights,
		config:  config,
		logger:  logger,
		pool:    tensor.NewBufferPool(),
		index:   make(map[string]int, len(spec.Layers)),
		geoms:   make([]geometry, len(spec.Layers)),
		rng:     rand.New(rand.NewSource(config.Seed)),
	}
	for i := range spec.Layers {
		layer := &spec.Layers[i]
		e.index[layer.Name] = i
		g, err := layerGeometry(layer)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", layer.Name, err)
		}
		e.geoms[i] = g
	}
	e.UpdateTrainable()
	return e, nil
}

// Spec returns the model being executed
func (e *Engine) Spec() *layers.ModelSpec { return e.spec }

// Weights returns the live weight set
func (e *Engine) Weights() *Weights { return e.weights }

// Pool exposes scratch buffer statistics
func (e *Engine) Pool() *tensor.BufferPool { return e.pool }

// UpdateTrainable recomputes which layers take part in backpropagation.
// Call it after changing Trainable flags on the spec.
func (e *Engine) UpdateTrainable() {
	e.needsGrad = make([]bool, len(e.spec.Layers))
	for i := range e.spec.Layers {
		layer := &e.spec.Layers[i]
		need := layer.Trainable && layer.LearnableCount() > 0
		for _, in := range layer.Inputs {
			if j, ok := e.index[in]; ok && e.needsGrad[j] {
				need = true
			}
		}
		e.needsGrad[i] = need
	}
}

// TrainableParams lists the keys of parameters updated by the optimizer
func (e *Engine) TrainableParams() []string {
	var keys []string
	for i := range e.spec.Layers {
		layer := &e.spec.Layers[i]
		if !layer.Trainable {
			continue
		}
		for _, name := range layer.ParameterNames {
			if !layers.IsBuffer(name) {
				keys = append(keys, ParamKey(layer.Name, name))
			}
		}
	}
	return keys
}

// Frontier names the frozen tensors that feed trainable computation: the
// smallest set of activations from which a training step can start. It is
// nil when nothing is trainable, and [InputName] when the first layer is.
func (e *Engine) Frontier() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for i := range e.spec.Layers {
		if !e.needsGrad[i] {
			continue
		}
		for _, in := range e.spec.Layers[i].Inputs {
			if j, ok := e.index[in]; ok && e.needsGrad[j] {
				continue
			}
			add(in)
		}
	}
	// keep model order: input first, then by layer position
	ordered := make([]string, 0, len(out))
	if seen[layers.InputName] {
		ordered = append(ordered, layers.InputName)
	}
	for i := range e.spec.Layers {
		if seen[e.spec.Layers[i].Name] {
			ordered = append(ordered, e.spec.Layers[i].Name)
		}
	}
	if len(ordered) == 0 {
		return nil
	}
	return ordered
}

// ExpectedShape returns the per-sample shape of a named tensor
func (e *Engine) ExpectedShape(name string) ([]int, error) {
	if name == layers.InputName {
		return e.spec.InputShape, nil
	}
	i, ok := e.index[name]
	if !ok {
		return nil, fmt.Errorf("unknown tensor %q", name)
	}
	return e.spec.Layers[i].OutputShape, nil
}

// Pass holds the activations of one forward execution
type Pass struct {
	Mode  Mode
	Batch int

	acts     map[string]*tensor.Tensor
	states   map[string]*layerState
	executed []int
	output   string
}

// Output returns the model output activations
func (p *Pass) Output() *tensor.Tensor {
	return p.acts[p.output]
}

// Activation returns a named activation (or seed), or nil
func (p *Pass) Activation(name string) *tensor.Tensor {
	return p.acts[name]
}

// layerState keeps what a layer's backward step needs from its forward step
type layerState struct {
	training bool
	xhat     *tensor.Tensor // batch norm
	invStd   []float32      // batch norm
	argmax   []int32        // max pool
	mask     []float32      // dropout
	depth    *tensor.Tensor // separable conv intermediate
}

// Forward runs the layers needed to produce the model output from seeds.
// Seeds map tensor names (InputName or layer names) to batch activations;
// layers whose output is seeded are not executed.
func (e *Engine) Forward(ctx context.Context, seeds map[string]*tensor.Tensor, mode Mode) (*Pass, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("forward requires at least one seed tensor")
	}

	pass := &Pass{
		Mode:   mode,
		Batch:  -1,
		acts:   make(map[string]*tensor.Tensor, len(e.spec.Layers)+len(seeds)),
		states: make(map[string]*layerState),
		output: e.spec.Layers[len(e.spec.Layers)-1].Name,
	}
	for name, t := range seeds {
		expected, err := e.ExpectedShape(name)
		if err != nil {
			return nil, err
		}
		if len(t.Shape) != len(expected)+1 || !tensor.ShapeEqual(t.Shape[1:], expected) {
			return nil, fmt.Errorf("seed %q has shape %v, expected [batch %v]", name, t.Shape, expected)
		}
		if pass.Batch >= 0 && t.Shape[0] != pass.Batch {
			return nil, fmt.Errorf("seed %q batch %d disagrees with %d", name, t.Shape[0], pass.Batch)
		}
		pass.Batch = t.Shape[0]
		pass.acts[name] = t
	}

	required, err := e.requiredLayers(seeds)
	if err != nil {
		return nil, err
	}

	for _, i := range required {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		layer := &e.spec.Layers[i]
		inputs := make([]*tensor.Tensor, len(layer.Inputs))
		for j, in := range layer.Inputs {
			inputs[j] = pass.acts[in]
		}
		training := mode == Training && layer.Trainable
		state := &layerState{training: training}
		out, err := e.forwardLayer(ctx, i, inputs, state)
		if err != nil {
			return nil, fmt.Errorf("forward %s (%s): %w", layer.Name, layer.Type, err)
		}
		pass.acts[layer.Name] = out
		pass.states[layer.Name] = state
		pass.executed = append(pass.executed, i)
	}

	e.logger.Debug("forward pass complete",
		zap.String("mode", mode.String()),
		zap.Int("batch", pass.Batch),
		zap.Int("layers", len(pass.executed)))
	return pass, nil
}

// requiredLayers returns, in model order, the layers that must run to
// produce the output given the seeded tensors.
func (e *Engine) requiredLayers(seeds map[string]*tensor.Tensor) ([]int, error) {
	need := make([]bool, len(e.spec.Layers))
	var visit func(name string) error
	visit = func(name string) error {
		if _, ok := seeds[name]; ok {
			return nil
		}
		if name == layers.InputName {
			return fmt.Errorf("model input is required but was not seeded")
		}
		i := e.index[name]
		if need[i] {
			return nil
		}
		need[i] = true
		for _, in := range e.spec.Layers[i].Inputs {
			if err := visit(in); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(e.spec.Layers[len(e.spec.Layers)-1].Name); err != nil {
		return nil, err
	}
	var order []int
	for i, n := range need {
		if n {
			order = append(order, i)
		}
	}
	return order, nil
}

// Gradients holds parameter gradients keyed like Weights
type Gradients struct {
	Params map[string]*tensor.Tensor
}

// Backward propagates gradOut (gradient of the loss w.r.t. the model output)
// through the layers of pass that depend on trainable parameters.
func (e *Engine) Backward(ctx context.Context, pass *Pass, gradOut *tensor.Tensor) (*Gradients, error) {
	out := pass.Output()
	if out == nil {
		return nil, fmt.Errorf("pass has no output")
	}
	if len(gradOut.Data) != len(out.Data) {
		return nil, fmt.Errorf("output gradient has shape %v, expected %v", gradOut.Shape, out.Shape)
	}

	grads := &Gradients{Params: make(map[string]*tensor.Tensor)}
	actGrads := map[string]*tensor.Tensor{pass.output: gradOut}

	for k := len(pass.executed) - 1; k >= 0; k-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		i := pass.executed[k]
		if !e.needsGrad[i] {
			continue
		}
		layer := &e.spec.Layers[i]
		dOut := actGrads[layer.Name]
		if dOut == nil {
			continue
		}

		inputs := make([]*tensor.Tensor, len(layer.Inputs))
		wantInput := make([]bool, len(layer.Inputs))
		for j, in := range layer.Inputs {
			inputs[j] = pass.acts[in]
			if p, ok := e.index[in]; ok && e.needsGrad[p] {
				wantInput[j] = true
			}
		}

		dInputs, err := e.backwardLayer(ctx, i, inputs, pass.acts[layer.Name], dOut, pass.states[layer.Name], wantInput, grads)
		if err != nil {
			return nil, fmt.Errorf("backward %s (%s): %w", layer.Name, layer.Type, err)
		}
		for j, d := range dInputs {
			if d == nil || !wantInput[j] {
				continue
			}
			name := layer.Inputs[j]
			if acc, ok := actGrads[name]; ok {
				if err := acc.AddInPlace(d); err != nil {
					return nil, err
				}
			} else {
				actGrads[name] = d
			}
		}
	}
	return grads, nil
}

// add accumulates a parameter gradient
func (g *Gradients) add(layer, param string, t *tensor.Tensor) {
	key := ParamKey(layer, param)
	if acc, ok := g.Params[key]; ok {
		for i, v := range t.Data {
			acc.Data[i] += v
		}
		return
	}
	g.Params[key] = t
}

// parallel splits [0, n) into at most Workers chunks
func (e *Engine) parallel(ctx context.Context, n int, fn func(lo, hi int) error) error {
	return parallelFor(ctx, e.config.Workers, n, fn)
}

func (e *Engine) dropoutMask(n int, rate float32) []float32 {
	mask := make([]float32, n)
	scale := 1 / (1 - rate)
	e.rngMu.Lock()
	for i := range mask {
		if e.rng.Float32() >= rate {
			mask[i] = scale
		}
	}
	e.rngMu.Unlock()
	return mask
}
