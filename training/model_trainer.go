package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/engine"
	"github.com/tsawler/go-finetune/layers"
	"github.com/tsawler/go-finetune/optimizer"
	"github.com/tsawler/go-finetune/tensor"
	"github.com/tsawler/go-finetune/vision/dataloader"
)

// TrainerConfig holds configuration for a ModelTrainer
type TrainerConfig struct {
	Optimizer    string  // adam, sgd, rmsprop, adagrad, adadelta or nadam
	LearningRate float32 // 0 uses 1e-3
	Threshold    float32 // accuracy threshold on sigmoid outputs, 0 uses 0.5
	Workers      int
	Seed         int64

	// UseFeatureCache keeps the activations feeding the trainable layers
	// so later epochs skip the frozen part of the network. It is ignored
	// for augmented loaders and fully trainable models.
	UseFeatureCache  bool
	FeatureCacheSize int // entries per tensor name; 0 is unbounded

	PrefetchDepth int
	Logger        *zap.Logger
	Progress      io.Writer // Keras-style progress output; nil is silent
}

// DefaultTrainerConfig returns Adam at 1e-3 with feature caching on
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Optimizer:       "adam",
		LearningRate:    1e-3,
		Threshold:       0.5,
		Seed:            123,
		UseFeatureCache: true,
		PrefetchDepth:   2,
	}
}

func validateTrainerConfig(config TrainerConfig) error {
	if config.LearningRate < 0 {
		return fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Threshold < 0 || config.Threshold >= 1 {
		return fmt.Errorf("threshold must be in [0, 1), got %g", config.Threshold)
	}
	if config.FeatureCacheSize < 0 {
		return fmt.Errorf("feature cache size cannot be negative: %d", config.FeatureCacheSize)
	}
	return nil
}

// TrainingResult reports one optimization step
type TrainingResult struct {
	Loss      float64
	Accuracy  float64
	BatchSize int
	StepTime  time.Duration
	Cached    bool // forward pass started from cached features
}

// EvalResult is the sample-weighted loss and accuracy over a loader
type EvalResult struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
	Samples  int     `json:"samples"`
}

// Predictions are model scores in loader order
type Predictions struct {
	Paths  []string
	Labels []int
	Scores []float32
}

// FitConfig controls a Fit call
type FitConfig struct {
	Epochs       int
	InitialEpoch int
	Callbacks    []Callback
}

// ModelTrainer trains the trainable layers of a model with binary
// cross-entropy, optionally starting each step from cached features
type ModelTrainer struct {
	spec      *layers.ModelSpec
	weights   *engine.Weights
	engine    *engine.Engine
	optimizer optimizer.Optimizer
	loss      Loss
	config    TrainerConfig
	logger    *zap.Logger

	frontier []string
	features *dataloader.FeatureCache
	stop     bool

	visualizer *VisualizationCollector

	// Performance tracking
	currentStep  int
	lastStepTime time.Duration
	totalLoss    float64
	averageLoss  float64
}

// NewModelTrainer creates a trainer for a compiled model and its weights.
// The weights are updated in place.
func NewModelTrainer(spec *layers.ModelSpec, weights *engine.Weights, config TrainerConfig) (*ModelTrainer, error) {
	if err := validateTrainerConfig(config); err != nil {
		return nil, fmt.Errorf("invalid trainer configuration: %w", err)
	}
	if config.LearningRate == 0 {
		config.LearningRate = 1e-3
	}
	if config.Threshold == 0 {
		config.Threshold = 0.5
	}
	if config.Optimizer == "" {
		config.Optimizer = "adam"
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	eng, err := engine.New(spec, weights, engine.Config{Workers: config.Workers, Seed: config.Seed, Logger: logger})
	if err != nil {
		return nil, err
	}
	opt, err := optimizer.New(config.Optimizer, config.LearningRate)
	if err != nil {
		return nil, err
	}

	mt := &ModelTrainer{
		spec:      spec,
		weights:   weights,
		engine:    eng,
		optimizer: opt,
		loss:      NewBinaryCrossEntropy(),
		config:    config,
		logger:    logger,
	}
	mt.RefreshTrainable()
	return mt, nil
}

// RefreshTrainable picks up changed Trainable flags on the model. Cached
// features are dropped since they may predate the change.
func (mt *ModelTrainer) RefreshTrainable() {
	mt.engine.UpdateTrainable()
	mt.frontier = mt.engine.Frontier()
	mt.features = nil
	if mt.config.UseFeatureCache && len(mt.frontier) > 0 && !(len(mt.frontier) == 1 && mt.frontier[0] == layers.InputName) {
		size := mt.config.FeatureCacheSize * len(mt.frontier)
		mt.features = dataloader.NewFeatureCache(dataloader.NewCacheManager(size))
	}
	mt.logger.Debug("trainable layers updated",
		zap.Strings("frontier", mt.frontier),
		zap.Int64("trainable_params", mt.spec.TrainableParameters()),
		zap.Bool("feature_cache", mt.features != nil))
}

// Spec returns the model being trained
func (mt *ModelTrainer) Spec() *layers.ModelSpec { return mt.spec }

// Weights returns the live weights
func (mt *ModelTrainer) Weights() *engine.Weights { return mt.weights }

// Engine returns the execution engine
func (mt *ModelTrainer) Engine() *engine.Engine { return mt.engine }

// Optimizer returns the optimizer
func (mt *ModelTrainer) Optimizer() optimizer.Optimizer { return mt.optimizer }

// SetOptimizer replaces the optimizer, e.g. for a fine-tuning phase
func (mt *ModelTrainer) SetOptimizer(opt optimizer.Optimizer) { mt.optimizer = opt }

// Logger returns the trainer's logger
func (mt *ModelTrainer) Logger() *zap.Logger { return mt.logger }

// Frontier names the tensors training steps start from
func (mt *ModelTrainer) Frontier() []string { return mt.frontier }

// StopTraining ends Fit after the current epoch
func (mt *ModelTrainer) StopTraining() { mt.stop = true }

// EnableVisualization starts collecting plot data during Fit
func (mt *ModelTrainer) EnableVisualization(modelName string) *VisualizationCollector {
	mt.visualizer = NewVisualizationCollector(modelName)
	return mt.visualizer
}

// Visualizer returns the collector, nil unless enabled
func (mt *ModelTrainer) Visualizer() *VisualizationCollector { return mt.visualizer }

// FeatureCacheStats reports feature cache usage; ok is false when caching is off
func (mt *ModelTrainer) FeatureCacheStats() (dataloader.CacheStats, bool) {
	if mt.features == nil {
		return dataloader.CacheStats{}, false
	}
	return mt.features.Stats(), true
}

// usesCache reports whether batches from loader may use cached features
func (mt *ModelTrainer) usesCache(loader *dataloader.DataLoader) bool {
	return mt.features != nil && !loader.Augmented()
}

// needImages tells the prefetcher which batches must be decoded
func (mt *ModelTrainer) needImages(loader *dataloader.DataLoader) func(*dataloader.Batch) bool {
	if !mt.usesCache(loader) {
		return nil
	}
	return func(b *dataloader.Batch) bool {
		return !mt.features.Contains(mt.frontier, b.Paths)
	}
}

// forward runs the model on b, from cached features when possible, and
// fills the cache on a miss
func (mt *ModelTrainer) forward(ctx context.Context, b *dataloader.Batch, mode engine.Mode, cache bool) (*engine.Pass, bool, error) {
	if cache {
		if seeds, ok := mt.features.Lookup(mt.frontier, b.Paths); ok {
			pass, err := mt.engine.Forward(ctx, seeds, mode)
			return pass, true, err
		}
	}
	if b.Images == nil {
		return nil, false, fmt.Errorf("batch %d has no images loaded", b.Index)
	}
	pass, err := mt.engine.Forward(ctx, map[string]*tensor.Tensor{layers.InputName: b.Images}, mode)
	if err != nil {
		return nil, false, err
	}
	if cache {
		acts := make(map[string]*tensor.Tensor, len(mt.frontier))
		for _, name := range mt.frontier {
			acts[name] = pass.Activation(name)
		}
		mt.features.Store(acts, b.Paths)
	}
	return pass, false, nil
}

// TrainBatch runs one optimization step on a loaded batch
func (mt *ModelTrainer) TrainBatch(ctx context.Context, b *dataloader.Batch, cache bool) (*TrainingResult, error) {
	if len(mt.frontier) == 0 {
		return nil, fmt.Errorf("model %q has no trainable parameters", mt.spec.Name)
	}
	start := time.Now()

	pass, cached, err := mt.forward(ctx, b, engine.Training, cache && mt.features != nil)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	out := pass.Output()
	target := b.LabelTensor()

	loss, err := mt.loss.Forward(out, target)
	if err != nil {
		return nil, err
	}
	gradOut, err := mt.loss.Backward(out, target)
	if err != nil {
		return nil, err
	}
	grads, err := mt.engine.Backward(ctx, pass, gradOut)
	if err != nil {
		return nil, fmt.Errorf("backward pass failed: %w", err)
	}
	if err := mt.optimizer.Step(mt.weights, grads); err != nil {
		return nil, err
	}

	mt.currentStep++
	mt.lastStepTime = time.Since(start)
	mt.totalLoss += loss
	mt.averageLoss = mt.totalLoss / float64(mt.currentStep)

	return &TrainingResult{
		Loss:      loss,
		Accuracy:  BinaryAccuracy(out.Data, b.Labels, mt.config.Threshold),
		BatchSize: b.Size(),
		StepTime:  mt.lastStepTime,
		Cached:    cached,
	}, nil
}

// runningMean accumulates batch metrics weighted by batch size
type runningMean struct {
	loss, correct float64
	n             int
}

func (r *runningMean) add(loss, accuracy float64, size int) {
	r.loss += loss * float64(size)
	r.correct += accuracy * float64(size)
	r.n += size
}

func (r *runningMean) means() (float64, float64) {
	if r.n == 0 {
		return 0, 0
	}
	return r.loss / float64(r.n), r.correct / float64(r.n)
}

// Fit trains for up to fit.Epochs epochs, validating on val (which may be
// nil) after each. Training halts early when a callback calls StopTraining.
func (mt *ModelTrainer) Fit(ctx context.Context, train, val *dataloader.DataLoader, fit FitConfig) (*History, error) {
	if fit.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", fit.Epochs)
	}
	mt.stop = false
	history := NewHistory()
	session := NewTrainingSession(mt.config.Progress, fit.Epochs, train.Len())
	if mt.config.Progress != nil {
		session.StartTraining(mt.spec)
	}

	for _, cb := range fit.Callbacks {
		if err := cb.OnTrainBegin(mt); err != nil {
			return nil, err
		}
	}

	var logs Logs
	for epoch := fit.InitialEpoch; epoch < fit.Epochs; epoch++ {
		for _, cb := range fit.Callbacks {
			if err := cb.OnEpochBegin(mt, epoch); err != nil {
				return history, err
			}
		}
		// the learning rate the epoch trained with
		lr := float64(mt.optimizer.LearningRate())
		session.StartEpoch(epoch)

		var err error
		logs, err = mt.trainEpoch(ctx, train, session)
		if err != nil {
			return history, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		if val != nil {
			res, err := mt.Evaluate(ctx, val)
			if err != nil {
				return history, fmt.Errorf("epoch %d validation: %w", epoch+1, err)
			}
			logs[LogValLoss] = res.Loss
			logs[LogValAccuracy] = res.Accuracy
		}
		logs[LogLR] = lr

		for _, cb := range fit.Callbacks {
			if err := cb.OnEpochEnd(mt, epoch, logs); err != nil {
				return history, err
			}
		}
		history.Append(epoch, logs)
		session.FinishEpoch(logs)
		if mt.visualizer != nil {
			mt.visualizer.RecordEpoch(epoch, logs)
		}
		mt.logger.Info("epoch finished",
			zap.Int("epoch", epoch+1),
			zap.Float64("loss", logs[LogLoss]),
			zap.Float64("accuracy", logs[LogAccuracy]),
			zap.Float64("val_loss", logs[LogValLoss]),
			zap.Float64("val_accuracy", logs[LogValAccuracy]),
			zap.Float64("lr", lr))

		train.EndEpoch()
		if mt.stop {
			history.StoppedEpoch = epoch
			break
		}
	}

	for _, cb := range fit.Callbacks {
		if err := cb.OnTrainEnd(mt, logs); err != nil {
			return history, err
		}
	}
	return history, nil
}

func (mt *ModelTrainer) trainEpoch(ctx context.Context, loader *dataloader.DataLoader, session *TrainingSession) (Logs, error) {
	cache := mt.usesCache(loader)
	p := dataloader.NewPrefetcher(ctx, loader, dataloader.PrefetchConfig{
		Depth:      mt.config.PrefetchDepth,
		NeedImages: mt.needImages(loader),
	})
	defer p.Stop()

	var acc runningMean
	for step := 1; ; step++ {
		b, err := p.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		res, err := mt.TrainBatch(ctx, b, cache)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", b.Index, err)
		}
		acc.add(res.Loss, res.Accuracy, res.BatchSize)
		loss, accuracy := acc.means()
		session.UpdateTrainingProgress(step, loss, accuracy)
	}
	loss, accuracy := acc.means()
	return Logs{LogLoss: loss, LogAccuracy: accuracy}, nil
}

// eachOutput runs inference over one pass of loader
func (mt *ModelTrainer) eachOutput(ctx context.Context, loader *dataloader.DataLoader, fn func(b *dataloader.Batch, out *tensor.Tensor) error) error {
	cache := mt.usesCache(loader)
	p := dataloader.NewPrefetcher(ctx, loader, dataloader.PrefetchConfig{
		Depth:      mt.config.PrefetchDepth,
		NeedImages: mt.needImages(loader),
	})
	defer p.Stop()

	for {
		b, err := p.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		pass, _, err := mt.forward(ctx, b, engine.Inference, cache)
		if err != nil {
			return fmt.Errorf("batch %d: %w", b.Index, err)
		}
		if err := fn(b, pass.Output()); err != nil {
			return err
		}
	}
}

// Evaluate computes loss and accuracy over every sample of loader
func (mt *ModelTrainer) Evaluate(ctx context.Context, loader *dataloader.DataLoader) (*EvalResult, error) {
	var acc runningMean
	err := mt.eachOutput(ctx, loader, func(b *dataloader.Batch, out *tensor.Tensor) error {
		loss, err := mt.loss.Forward(out, b.LabelTensor())
		if err != nil {
			return err
		}
		acc.add(loss, BinaryAccuracy(out.Data, b.Labels, mt.config.Threshold), b.Size())
		return nil
	})
	if err != nil {
		return nil, err
	}
	loss, accuracy := acc.means()
	return &EvalResult{Loss: loss, Accuracy: accuracy, Samples: acc.n}, nil
}

// Predict returns the model score of every sample of loader, in the
// loader's current order
func (mt *ModelTrainer) Predict(ctx context.Context, loader *dataloader.DataLoader) (*Predictions, error) {
	preds := &Predictions{}
	err := mt.eachOutput(ctx, loader, func(b *dataloader.Batch, out *tensor.Tensor) error {
		if out.SampleSize() != 1 {
			return fmt.Errorf("expected one score per sample, model produces %v", out.Shape[1:])
		}
		preds.Paths = append(preds.Paths, b.Paths...)
		for i, l := range b.Labels {
			preds.Labels = append(preds.Labels, int(l))
			preds.Scores = append(preds.Scores, out.Data[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return preds, nil
}

// Checkpoint snapshots the model, weights and optimizer state
func (mt *ModelTrainer) Checkpoint(epoch int, logs Logs) (*checkpoints.Checkpoint, error) {
	cp := checkpoints.New(mt.spec, mt.weights)
	cp.TrainingState = checkpoints.TrainingState{
		Epoch:        epoch,
		Step:         mt.currentStep,
		LearningRate: mt.optimizer.LearningRate(),
		BestLoss:     float32(logs[LogValLoss]),
		BestAccuracy: float32(logs[LogValAccuracy]),
		TotalSteps:   mt.currentStep,
	}
	state, err := mt.optimizer.GetState()
	if err != nil {
		return nil, fmt.Errorf("failed to get optimizer state: %w", err)
	}
	cp.OptimizerState = state
	return cp, nil
}

// ModelTrainingStats summarizes work done so far
type ModelTrainingStats struct {
	CurrentStep  int
	LastStepTime time.Duration
	AverageLoss  float64
	Frontier     []string
	FeatureCache *dataloader.CacheStats
}

// GetStats returns training statistics
func (mt *ModelTrainer) GetStats() ModelTrainingStats {
	stats := ModelTrainingStats{
		CurrentStep:  mt.currentStep,
		LastStepTime: mt.lastStepTime,
		AverageLoss:  mt.averageLoss,
		Frontier:     mt.frontier,
	}
	if s, ok := mt.FeatureCacheStats(); ok {
		stats.FeatureCache = &s
	}
	return stats
}
