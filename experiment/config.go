// Package experiment runs the fine-tuning pipeline end to end: manifests to
// loaders, sample figures, a frozen pretrained backbone with a new binary
// head, training with early stopping, and the result bundle on disk.
package experiment

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-finetune/training"
	"github.com/tsawler/go-finetune/vision/models"
	"github.com/tsawler/go-finetune/vision/preprocessing"
)

// Sample figure modes
const (
	SampleGrid   = "grid"   // 5x5 grid of the first image of 25 batches
	SampleSingle = "single" // first image of the first batch
	SampleNone   = "none"
)

// Config is one experiment. The first seven fields are the positional
// command-line arguments.
type Config struct {
	TrainCSV     string  `yaml:"train_csv"`
	TestCSV      string  `yaml:"test_csv"`
	ResultsDir   string  `yaml:"results_dir"`
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learning_rate"`
	BatchSize    int     `yaml:"batch_size"`
	Name         string  `yaml:"name"`

	Backbone  string `yaml:"backbone"`
	Weights   string `yaml:"weights"` // pretrained .json or .onnx; empty trains from random init
	ImageSize int    `yaml:"image_size"`

	// UnfreezeLast > 0 adds a fine-tuning phase after the frozen run: the
	// last UnfreezeLast backbone layers train again at FineTuneLearningRate
	// (default LearningRate/10) for FineTuneEpochs (default Epochs).
	UnfreezeLast         int     `yaml:"unfreeze_last"`
	FineTuneEpochs       int     `yaml:"fine_tune_epochs"`
	FineTuneLearningRate float64 `yaml:"fine_tune_learning_rate"`

	Seed     int64   `yaml:"seed"`
	Patience int     `yaml:"patience"`
	Monitor  string  `yaml:"monitor"`
	MinDelta float64 `yaml:"min_delta"`

	// LRSchedule is constant, step, exponential or cosine.
	// ReduceLRPatience > 0 also divides the rate by ten after that many
	// epochs without improvement of Monitor.
	LRSchedule       string `yaml:"lr_schedule"`
	ReduceLRPatience int    `yaml:"reduce_lr_patience"`
	// SaveBest keeps the best model on Monitor as "Best model.json"
	SaveBest bool `yaml:"save_best"`

	// TrainDir and TestDir replace the manifests with directory-per-class
	// folders when the CSV paths are empty
	TrainDir string `yaml:"train_dir"`
	TestDir  string `yaml:"test_dir"`

	// Random flips of training images. Augmented batches bypass the
	// feature cache.
	HorizontalFlip bool `yaml:"horizontal_flip"`
	VerticalFlip   bool `yaml:"vertical_flip"`

	Interpolation string  `yaml:"interpolation"`
	Rescale       float32 `yaml:"rescale"`
	ManifestDir   string  `yaml:"manifest_dir"` // resolves relative filenames in the manifests

	SampleMode   string `yaml:"sample_mode"`
	SampleImages int    `yaml:"sample_images"`

	Workers      int  `yaml:"workers"`
	FeatureCache bool `yaml:"feature_cache"`
}

// DefaultConfig returns the settings every experiment shares: Xception at
// 224x224, seed 123 and early stopping on val_loss after 3 epochs
func DefaultConfig() Config {
	return Config{
		Epochs:        100,
		LearningRate:  0.001,
		BatchSize:     10,
		Backbone:      "xception",
		ImageSize:     224,
		Seed:          123,
		Patience:      3,
		Monitor:       "val_loss",
		Interpolation: "nearest",
		Rescale:       1.0 / 255,
		SampleMode:    SampleGrid,
		SampleImages:  25,
		Workers:       runtime.GOMAXPROCS(0),
		FeatureCache:  true,
	}
}

// LoadConfig reads a YAML config over DefaultConfig
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once
func (c Config) Validate() error {
	var errs []error
	if c.TrainCSV == "" && c.TrainDir == "" {
		errs = append(errs, errors.New("train CSV path is required"))
	}
	if c.TestCSV == "" && c.TestDir == "" {
		errs = append(errs, errors.New("test CSV path is required"))
	}
	if c.ResultsDir == "" {
		errs = append(errs, errors.New("results directory is required"))
	}
	if c.Name == "" {
		errs = append(errs, errors.New("experiment name is required"))
	}
	if c.Epochs <= 0 {
		errs = append(errs, fmt.Errorf("epochs must be positive, got %d", c.Epochs))
	}
	if c.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("learning rate must be positive, got %g", c.LearningRate))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	if _, err := models.DefaultInputSize(c.Backbone); err != nil {
		errs = append(errs, err)
	}
	if c.ImageSize < 0 {
		errs = append(errs, fmt.Errorf("image size cannot be negative: %d", c.ImageSize))
	}
	if c.UnfreezeLast < 0 {
		errs = append(errs, fmt.Errorf("unfreeze_last cannot be negative: %d", c.UnfreezeLast))
	}
	if c.Patience < 0 {
		errs = append(errs, fmt.Errorf("patience cannot be negative: %d", c.Patience))
	}
	if _, ok := training.NewScheduler(c.LRSchedule, 1); !ok {
		errs = append(errs, fmt.Errorf("unknown learning rate schedule %q", c.LRSchedule))
	}
	if c.ReduceLRPatience < 0 {
		errs = append(errs, fmt.Errorf("reduce_lr_patience cannot be negative: %d", c.ReduceLRPatience))
	}
	if c.FineTuneEpochs < 0 || c.FineTuneLearningRate < 0 {
		errs = append(errs, errors.New("fine-tune epochs and learning rate cannot be negative"))
	}
	if _, err := preprocessing.ParseInterpolation(c.Interpolation); err != nil {
		errs = append(errs, err)
	}
	switch c.SampleMode {
	case SampleGrid, SampleSingle, SampleNone:
	default:
		errs = append(errs, fmt.Errorf("sample mode must be %s, %s or %s, got %q", SampleGrid, SampleSingle, SampleNone, c.SampleMode))
	}
	if c.Weights != "" {
		lower := strings.ToLower(c.Weights)
		if !strings.HasSuffix(lower, ".json") && !strings.HasSuffix(lower, ".onnx") {
			errs = append(errs, fmt.Errorf("weights must be a .json or .onnx file, got %q", c.Weights))
		}
	}
	return errors.Join(errs...)
}

// preprocess returns the loader preprocessing for c
func (c Config) preprocess() (preprocessing.Config, error) {
	interp, err := preprocessing.ParseInterpolation(c.Interpolation)
	if err != nil {
		return preprocessing.Config{}, err
	}
	size := c.ImageSize
	if size == 0 {
		if size, err = models.DefaultInputSize(c.Backbone); err != nil {
			return preprocessing.Config{}, err
		}
	}
	return preprocessing.Config{Height: size, Width: size, Interpolation: interp, Rescale: c.Rescale}, nil
}
