package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsawler/go-finetune/engine"
	"github.com/tsawler/go-finetune/layers"
	"github.com/tsawler/go-finetune/tensor"
)

// Framework identifies files written by this module
const Framework = "go-finetune"

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// FormatFromPath picks a format from the file extension
func FormatFromPath(path string) (CheckpointFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".onnx":
		return FormatONNX, nil
	default:
		return 0, fmt.Errorf("cannot infer checkpoint format from %q", path)
	}
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "gamma", "moving_mean", ...
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "m", "v", "velocity", ...
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// New builds a checkpoint from a model and its live weights
func New(spec *layers.ModelSpec, weights *engine.Weights) *Checkpoint {
	return &Checkpoint{
		ModelSpec: spec,
		Weights:   ExtractWeights(spec, weights),
		Metadata: CheckpointMetadata{
			Version:   "1.0.0",
			Framework: Framework,
			CreatedAt: time.Now(),
		},
	}
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.ModelSpec == nil {
		return fmt.Errorf("checkpoint has no model spec")
	}
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return NewONNXExporter().ExportToONNX(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return NewONNXImporter().ImportFromONNX(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return file.Close()
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	// JSON numbers decode as float64 and compiled fields may be stale
	if checkpoint.ModelSpec != nil {
		spec, err := checkpoint.ModelSpec.Recompile()
		if err != nil {
			return nil, fmt.Errorf("checkpoint model does not compile: %w", err)
		}
		checkpoint.ModelSpec = spec
	}
	return &checkpoint, nil
}

// ExtractWeights flattens a weight set in model order
func ExtractWeights(spec *layers.ModelSpec, weights *engine.Weights) []WeightTensor {
	var out []WeightTensor
	for i := range spec.Layers {
		layer := &spec.Layers[i]
		for _, name := range layer.ParameterNames {
			t := weights.Get(layer.Name, name)
			if t == nil {
				continue
			}
			data := make([]float32, len(t.Data))
			copy(data, t.Data)
			out = append(out, WeightTensor{
				Name:  engine.ParamKey(layer.Name, name),
				Shape: append([]int(nil), t.Shape...),
				Data:  data,
				Layer: layer.Name,
				Type:  name,
			})
		}
	}
	return out
}

// WeightsFromTensors rebuilds a weight set from serialized tensors
func WeightsFromTensors(tensors []WeightTensor) (*engine.Weights, error) {
	w := engine.NewWeights()
	for _, wt := range tensors {
		t, err := tensor.FromData(append([]float32(nil), wt.Data...), wt.Shape...)
		if err != nil {
			return nil, fmt.Errorf("weight %s: %w", wt.Name, err)
		}
		w.Tensors[wt.Name] = t
	}
	return w, nil
}

// Restore returns the model and weights stored in a checkpoint
func (c *Checkpoint) Restore() (*layers.ModelSpec, *engine.Weights, error) {
	if c.ModelSpec == nil {
		return nil, nil, fmt.Errorf("checkpoint carries no model spec")
	}
	w, err := WeightsFromTensors(c.Weights)
	if err != nil {
		return nil, nil, err
	}
	if err := w.Validate(c.ModelSpec); err != nil {
		return nil, nil, fmt.Errorf("checkpoint weights: %w", err)
	}
	return c.ModelSpec, w, nil
}
