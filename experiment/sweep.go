package experiment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-finetune/vision/dataloader"
)

// Grid lists the values a sweep tries. Empty axes keep the base value.
type Grid struct {
	Backbone     []string  `yaml:"backbone"`
	Epochs       []int     `yaml:"epochs"`
	LearningRate []float64 `yaml:"learning_rate"`
	BatchSize    []int     `yaml:"batch_size"`
}

// SweepConfig is a parameter sensitivity study: every combination of Grid
// applied over Base
type SweepConfig struct {
	Name       string `yaml:"name"`
	ResultsDir string `yaml:"results_dir"`
	Base       Config `yaml:"base"`
	Grid       Grid   `yaml:"grid"`
}

// Combination is one numbered point of the grid
type Combination struct {
	Index  int
	Config Config
}

// LoadSweep reads a sweep YAML file. Base starts from DefaultConfig.
func LoadSweep(path string) (*SweepConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sweep: %w", err)
	}
	sc := &SweepConfig{Base: DefaultConfig()}
	if err := yaml.Unmarshal(data, sc); err != nil {
		return nil, fmt.Errorf("failed to parse sweep %s: %w", path, err)
	}
	if sc.Name == "" {
		return nil, errors.New("sweep name is required")
	}
	if sc.ResultsDir == "" {
		return nil, errors.New("sweep results directory is required")
	}
	return sc, nil
}

// Combinations expands the grid in order, backbone outermost. Each
// combination writes to "<results>/<name> combination <k>", k from 1.
func (sc *SweepConfig) Combinations() []Combination {
	backbones := sc.Grid.Backbone
	if len(backbones) == 0 {
		backbones = []string{sc.Base.Backbone}
	}
	epochs := sc.Grid.Epochs
	if len(epochs) == 0 {
		epochs = []int{sc.Base.Epochs}
	}
	rates := sc.Grid.LearningRate
	if len(rates) == 0 {
		rates = []float64{sc.Base.LearningRate}
	}
	batches := sc.Grid.BatchSize
	if len(batches) == 0 {
		batches = []int{sc.Base.BatchSize}
	}

	var out []Combination
	for _, b := range backbones {
		for _, e := range epochs {
			for _, lr := range rates {
				for _, bs := range batches {
					k := len(out) + 1
					cfg := sc.Base
					cfg.Backbone, cfg.Epochs, cfg.LearningRate, cfg.BatchSize = b, e, lr, bs
					cfg.Name = fmt.Sprintf("%s combination %d", sc.Name, k)
					cfg.ResultsDir = filepath.Join(sc.ResultsDir, cfg.Name)
					out = append(out, Combination{Index: k, Config: cfg})
				}
			}
		}
	}
	return out
}

// Sweep runs every combination in turn over one set of image caches. A
// failed combination does not stop the others; their errors are joined.
func Sweep(ctx context.Context, sc *SweepConfig, opts Options) ([]*Result, error) {
	opts = opts.withDefaults()
	if opts.Caches == nil {
		opts.Caches = dataloader.NewSharedCacheManager()
		defer opts.Caches.ClearAllCaches()
	}
	combos := sc.Combinations()
	var (
		results []*Result
		errs    []error
	)
	for _, c := range combos {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		opts.Logger.Info("sweep combination",
			zap.String("sweep", sc.Name),
			zap.Int("combination", c.Index),
			zap.Int("of", len(combos)))
		o := opts
		o.Combination = c.Index
		res, err := Run(ctx, c.Config, o)
		if err != nil {
			errs = append(errs, fmt.Errorf("combination %d: %w", c.Index, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}
