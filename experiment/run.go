package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"slices"

	"go.uber.org/zap"

	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/engine"
	"github.com/tsawler/go-finetune/layers"
	"github.com/tsawler/go-finetune/matfile"
	"github.com/tsawler/go-finetune/optimizer"
	"github.com/tsawler/go-finetune/plots"
	"github.com/tsawler/go-finetune/registry"
	"github.com/tsawler/go-finetune/training"
	"github.com/tsawler/go-finetune/vision/dataloader"
	"github.com/tsawler/go-finetune/vision/dataset"
	"github.com/tsawler/go-finetune/vision/models"
	"github.com/tsawler/go-finetune/vision/preprocessing"
)

// Result bundle file names
const (
	ModelJSONFile   = "Model.json"
	ModelONNXFile   = "Model.onnx"
	BestModelFile   = "Best model.json"
	HistoryFile     = "History.json"
	WorkspaceFile   = "Workspace.mat"
	ResultsFile     = "results.json"
	FineTunedSubdir = "Fine-tuned"
)

// Options carries the collaborators of a run
type Options struct {
	Logger *zap.Logger
	// Out receives the model summary, progress bars and metric lines
	Out io.Writer
	// Registry, when set, records the run
	Registry *registry.Registry
	// Plotter, when set and enabled, receives the plots after evaluation
	Plotter *training.PlottingService
	// Combination numbers sweep runs in the registry
	Combination int
	// Caches, when set, shares decoded images between runs that read the
	// same sources at the same preprocessing
	Caches *dataloader.SharedCacheManager
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Out == nil {
		o.Out = io.Discard
	}
	return o
}

// Phase is one fit-and-evaluate pass
type Phase struct {
	Name         string                  `json:"name"`
	ResultsDir   string                  `json:"results_dir"`
	History      *training.History       `json:"history"`
	Metrics      *training.BinaryMetrics `json:"metrics"`
	Trainable    int64                   `json:"trainable_parameters"`
	LearningRate float64                 `json:"learning_rate"`
}

// Result is everything a run produced
type Result struct {
	RunID       string                `json:"run_id,omitempty"`
	Name        string                `json:"name"`
	Backbone    string                `json:"backbone"`
	ClassNames  []string              `json:"class_names"`
	Config      Config                `json:"config"`
	Phases      []*Phase              `json:"phases"`
	Predictions *training.Predictions `json:"-"`
	// DashboardURL is set when the plotting service accepted the plots
	DashboardURL string   `json:"dashboard_url,omitempty"`
	Files        []string `json:"files"`
}

// History is the history of the last phase
func (r *Result) History() *training.History {
	if ph := r.last(); ph != nil {
		return ph.History
	}
	return nil
}

// Metrics are the metrics of the last phase
func (r *Result) Metrics() *training.BinaryMetrics {
	if ph := r.last(); ph != nil {
		return ph.Metrics
	}
	return nil
}

func (r *Result) last() *Phase {
	if len(r.Phases) == 0 {
		return nil
	}
	return r.Phases[len(r.Phases)-1]
}

type pipeline struct {
	cfg    Config
	opts   Options
	logger *zap.Logger
	out    io.Writer
	res    *Result

	pre        preprocessing.Config
	trainSet   source
	testSet    source
	train      *dataloader.DataLoader
	test       *dataloader.DataLoader
	spec       *layers.ModelSpec
	trainer    *training.ModelTrainer
	collectors []*training.VisualizationCollector
}

// Run executes the experiment described by cfg
func Run(ctx context.Context, cfg Config, opts Options) (res *Result, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid experiment config: %w", err)
	}
	opts = opts.withDefaults()
	p := &pipeline{
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger.With(zap.String("experiment", cfg.Name)),
		out:    opts.Out,
		res:    &Result{Name: cfg.Name, Backbone: cfg.Backbone, Config: cfg},
	}
	if err := os.MkdirAll(cfg.ResultsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}

	if opts.Registry != nil {
		id, serr := opts.Registry.Start(ctx, registry.RunInfo{
			Experiment:  cfg.Name,
			Backbone:    cfg.Backbone,
			ResultsDir:  cfg.ResultsDir,
			Combination: opts.Combination,
			Params:      cfg.params(),
		})
		if serr != nil {
			return nil, serr
		}
		p.res.RunID = id
		// err is the named result, set by the return below
		defer func() {
			p.record(context.WithoutCancel(ctx), id, err)
		}()
	}

	err = p.run(ctx)
	return p.res, err
}

func (c Config) params() map[string]interface{} {
	return map[string]interface{}{
		"epochs":        c.Epochs,
		"learning_rate": c.LearningRate,
		"batch_size":    c.BatchSize,
		"image_size":    c.ImageSize,
		"seed":          c.Seed,
		"patience":      c.Patience,
		"unfreeze_last": c.UnfreezeLast,
		"weights":       c.Weights,
	}
}

func (p *pipeline) record(ctx context.Context, id string, runErr error) {
	reg := p.opts.Registry
	if runErr != nil {
		if err := reg.Fail(ctx, id, runErr); err != nil {
			p.logger.Warn("failed to record run failure", zap.Error(err))
		}
		return
	}
	phase := p.res.last()
	if phase == nil {
		if err := reg.Fail(ctx, id, errors.New("run finished without a training phase")); err != nil {
			p.logger.Warn("failed to record run failure", zap.Error(err))
		}
		return
	}
	out := registry.Outcome{
		EpochsRun:    phase.History.Len(),
		StoppedEpoch: phase.History.StoppedEpoch,
	}
	if m := phase.Metrics; m != nil {
		out.AUC, out.Precision, out.Recall = m.AUC, m.Precision, m.Recall
	}
	if n := len(phase.History.ValLoss); n > 0 {
		out.ValLoss = phase.History.ValLoss[n-1]
		out.ValAccuracy = phase.History.ValAccuracy[n-1]
	}
	if err := reg.Finish(ctx, id, out); err != nil {
		p.logger.Warn("failed to record run outcome", zap.Error(err))
	}
}

func (p *pipeline) run(ctx context.Context) error {
	p.logger.Info("experiment started",
		zap.String("backbone", p.cfg.Backbone),
		zap.Int("epochs", p.cfg.Epochs),
		zap.Float64("learning_rate", p.cfg.LearningRate),
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Int64("seed", p.cfg.Seed))

	if err := p.loaders(); err != nil {
		return err
	}
	if err := p.samples(ctx); err != nil {
		return err
	}
	if err := p.model(); err != nil {
		return err
	}

	if err := p.phase(ctx, "frozen", p.cfg.ResultsDir, p.cfg.Epochs, p.cfg.LearningRate); err != nil {
		return err
	}
	if p.cfg.UnfreezeLast > 0 {
		// the head owns one parameterized layer
		p.spec.UnfreezeLast(p.cfg.UnfreezeLast + 1)
		p.trainer.RefreshTrainable()
		epochs, lr := p.cfg.FineTuneEpochs, p.cfg.FineTuneLearningRate
		if epochs == 0 {
			epochs = p.cfg.Epochs
		}
		if lr == 0 {
			lr = p.cfg.LearningRate / 10
		}
		dir := filepath.Join(p.cfg.ResultsDir, FineTunedSubdir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create fine-tune directory: %w", err)
		}
		if err := p.phase(ctx, "fine-tuned", dir, epochs, lr); err != nil {
			return err
		}
	}

	p.sendPlots(ctx)
	return p.writeResults()
}

// source is a labelled image set whose order the workspace records
type source interface {
	dataset.Dataset
	Filenames() []string
}

func (p *pipeline) openSource(csvPath, dir string) (source, error) {
	if csvPath == "" {
		return dataset.NewBinaryImageFolderDataset(dir, nil)
	}
	opts := dataset.DefaultManifestOptions()
	opts.BaseDir = p.cfg.ManifestDir
	opts.Logger = p.logger
	return dataset.LoadManifest(csvPath, opts)
}

// loaders reads both image sources and builds the train (shuffled) and
// test (ordered) iterators over one image cache
func (p *pipeline) loaders() error {
	pre, err := p.cfg.preprocess()
	if err != nil {
		return err
	}
	p.pre = pre

	if p.trainSet, err = p.openSource(p.cfg.TrainCSV, p.cfg.TrainDir); err != nil {
		return fmt.Errorf("train manifest: %w", err)
	}
	if p.testSet, err = p.openSource(p.cfg.TestCSV, p.cfg.TestDir); err != nil {
		return fmt.Errorf("test manifest: %w", err)
	}
	trainClasses, testClasses := p.trainSet.ClassNames(), p.testSet.ClassNames()
	if !slices.Equal(trainClasses, testClasses) {
		return fmt.Errorf("train classes %v and test classes %v differ", trainClasses, testClasses)
	}
	p.res.ClassNames = trainClasses
	for _, ds := range []source{p.trainSet, p.testSet} {
		fmt.Fprintf(p.out, "Found %d validated image filenames belonging to %d classes.\n", ds.Len(), len(trainClasses))
	}

	lc := dataloader.DefaultConfig()
	lc.BatchSize = p.cfg.BatchSize
	lc.Seed = p.cfg.Seed
	lc.Preprocess = pre
	if p.cfg.Workers > 0 {
		lc.NumWorkers = p.cfg.Workers
	}
	if p.cfg.HorizontalFlip || p.cfg.VerticalFlip {
		lc.Augmenter = preprocessing.NewAugmenter(preprocessing.AugmentConfig{
			HorizontalFlip: p.cfg.HorizontalFlip,
			VerticalFlip:   p.cfg.VerticalFlip,
		}, p.cfg.Seed)
	}
	if p.opts.Caches != nil {
		key := fmt.Sprintf("%s|%s|%s|%s|%dx%d|%s|%g", p.cfg.TrainCSV, p.cfg.TrainDir, p.cfg.TestCSV, p.cfg.TestDir,
			pre.Height, pre.Width, p.cfg.Interpolation, pre.Rescale)
		lc.CacheManager = p.opts.Caches.GetOrCreateCache(key, 0)
	}
	p.train, p.test, err = dataloader.CreateSharedDataLoaders(p.trainSet, p.testSet, lc)
	return err
}

// sampleImages returns the first image of count consecutive batches,
// wrapping around the epoch
func sampleImages(ctx context.Context, loader *dataloader.DataLoader, pre preprocessing.Config, count int) ([]image.Image, error) {
	var images []image.Image
	for i := 0; i < count; i++ {
		b, err := loader.Items(i % loader.Len())
		if err != nil {
			return nil, err
		}
		b.Indices, b.Paths, b.Labels = b.Indices[:1], b.Paths[:1], b.Labels[:1]
		if err := loader.Load(ctx, b); err != nil {
			return nil, err
		}
		images = append(images, preprocessing.ToImage(b.Images.Sample(0), pre.Height, pre.Width, pre.Rescale))
	}
	return images, nil
}

func (p *pipeline) samples(ctx context.Context) error {
	type figure struct {
		loader *dataloader.DataLoader
		file   string
		title  string
	}
	var figures []figure
	count := p.cfg.SampleImages
	switch p.cfg.SampleMode {
	case SampleNone:
		return nil
	case SampleSingle:
		count = 1
		figures = []figure{
			{p.train, plots.TrainImageFile, "Train image: "},
			{p.test, plots.TestImageFile, "Test image: "},
		}
	default:
		if count <= 0 {
			count = 25
		}
		figures = []figure{
			{p.train, plots.TrainImagesFile, "Train images: "},
			{p.test, plots.TestImagesFile, "Test images: "},
		}
	}

	for _, f := range figures {
		images, err := sampleImages(ctx, f.loader, p.pre, count)
		if err != nil {
			return fmt.Errorf("sample figure %s: %w", f.file, err)
		}
		path := filepath.Join(p.cfg.ResultsDir, f.file)
		if err := plots.SaveImageGrid(path, f.title+p.cfg.Name, images, plots.DefaultGridConfig()); err != nil {
			return err
		}
		p.res.Files = append(p.res.Files, path)
	}
	return nil
}

// model builds the transfer model and loads pretrained weights. Fit prints
// the summary.
func (p *pipeline) model() error {
	spec, err := models.TransferModel(p.cfg.Backbone, models.Options{InputSize: p.pre.Height})
	if err != nil {
		return err
	}
	weights, err := engine.InitWeights(spec, rand.New(rand.NewSource(p.cfg.Seed)))
	if err != nil {
		return err
	}
	if p.cfg.Weights != "" {
		if _, err := checkpoints.LoadPretrained(p.cfg.Weights, spec, weights, p.logger); err != nil {
			return err
		}
	} else {
		p.logger.Warn("no pretrained weights given, backbone keeps its random initialization")
	}

	tc := training.DefaultTrainerConfig()
	tc.LearningRate = float32(p.cfg.LearningRate)
	tc.Workers = p.cfg.Workers
	tc.Seed = p.cfg.Seed
	tc.UseFeatureCache = p.cfg.FeatureCache
	tc.Logger = p.logger
	tc.Progress = p.out
	trainer, err := training.NewModelTrainer(spec, weights, tc)
	if err != nil {
		return err
	}
	p.spec, p.trainer = spec, trainer
	return nil
}

// phase fits with early stopping, saves the model and evaluates on the test set
func (p *pipeline) phase(ctx context.Context, name, dir string, epochs int, lr float64) error {
	opt, err := optimizer.New("adam", float32(lr))
	if err != nil {
		return err
	}
	p.trainer.SetOptimizer(opt)
	collector := p.trainer.EnableVisualization(p.cfg.Name)

	history, err := p.trainer.Fit(ctx, p.train, p.test, training.FitConfig{
		Epochs:    epochs,
		Callbacks: p.callbacks(dir, epochs),
	})
	if err != nil {
		return fmt.Errorf("%s phase: %w", name, err)
	}
	if history.StoppedEpoch >= 0 {
		p.logger.Info("early stopping", zap.String("phase", name), zap.Int("epoch", history.StoppedEpoch+1))
	}

	if err := p.saveModel(dir, history); err != nil {
		return err
	}

	preds, err := p.trainer.Predict(ctx, p.test)
	if err != nil {
		return fmt.Errorf("%s phase predictions: %w", name, err)
	}
	truth := preds.Labels
	if len(truth) != p.testSet.Len() {
		return fmt.Errorf("got %d predictions for %d test images", len(truth), p.testSet.Len())
	}
	p.res.Predictions = preds

	// the workspace goes first so it survives a metrics failure
	if err := p.writeWorkspace(dir, preds, truth); err != nil {
		return err
	}
	metrics, files, err := GetErrorMetrics(p.out, dir, p.cfg.Name, history, preds.Scores, truth)
	p.res.Files = append(p.res.Files, files...)
	if err != nil {
		return err
	}
	collector.RecordEvaluation(metrics, p.res.ClassNames)
	p.collectors = append(p.collectors, collector)

	p.res.Phases = append(p.res.Phases, &Phase{
		Name:         name,
		ResultsDir:   dir,
		History:      history,
		Metrics:      metrics,
		Trainable:    p.spec.TrainableParameters(),
		LearningRate: lr,
	})
	return nil
}

// callbacks returns early stopping plus the optional schedule, plateau and
// best-model callbacks
func (p *pipeline) callbacks(dir string, epochs int) []training.Callback {
	es := training.NewEarlyStopping(p.cfg.Monitor, p.cfg.Patience)
	es.MinDelta = p.cfg.MinDelta
	cbs := []training.Callback{es}
	if s, ok := training.NewScheduler(p.cfg.LRSchedule, epochs); ok && p.cfg.LRSchedule != "" && p.cfg.LRSchedule != "constant" {
		cbs = append(cbs, training.NewLearningRateScheduler(s))
	}
	if p.cfg.ReduceLRPatience > 0 {
		cbs = append(cbs, training.NewReduceLROnPlateau(p.cfg.Monitor, 0.1, p.cfg.ReduceLRPatience))
	}
	if p.cfg.SaveBest {
		cbs = append(cbs, training.NewModelCheckpoint(filepath.Join(dir, BestModelFile), p.cfg.Monitor))
	}
	return cbs
}

func (p *pipeline) saveModel(dir string, history *training.History) error {
	last := history.Len() - 1
	cp, err := p.trainer.Checkpoint(last, history.EpochLogs(last))
	if err != nil {
		return err
	}
	cp.Metadata.Description = p.cfg.Name
	for _, f := range []struct {
		file   string
		format checkpoints.CheckpointFormat
	}{
		{ModelJSONFile, checkpoints.FormatJSON},
		{ModelONNXFile, checkpoints.FormatONNX},
	} {
		path := filepath.Join(dir, f.file)
		if err := checkpoints.NewCheckpointSaver(f.format).SaveCheckpoint(cp, path); err != nil {
			return fmt.Errorf("failed to save %s: %w", f.file, err)
		}
		p.res.Files = append(p.res.Files, path)
	}
	path := filepath.Join(dir, HistoryFile)
	if err := history.Save(path); err != nil {
		return err
	}
	p.res.Files = append(p.res.Files, path)
	return nil
}

func (p *pipeline) writeWorkspace(dir string, preds *training.Predictions, truth []int) error {
	n := len(truth)
	truth32 := make([]int32, n)
	for i, t := range truth {
		truth32[i] = int32(t)
	}
	path := filepath.Join(dir, WorkspaceFile)
	err := matfile.Write(path,
		matfile.Char("vsFilenames", p.testSet.Filenames()),
		matfile.Int32("viTruth", []int{1, n}, truth32),
		matfile.Single("vsiConfidences", []int{n, 1}, preds.Scores),
	)
	if err != nil {
		return err
	}
	p.res.Files = append(p.res.Files, path)
	return nil
}

// sendPlots posts every phase's plots to the sidecar; failures only warn
func (p *pipeline) sendPlots(ctx context.Context) {
	ps := p.opts.Plotter
	if ps == nil || !ps.IsEnabled() {
		return
	}
	for _, c := range p.collectors {
		url, err := ps.SendAll(ctx, c)
		if err != nil {
			p.logger.Warn("plotting service unavailable", zap.Error(err))
			return
		}
		if url != "" {
			p.res.DashboardURL = url
			p.logger.Info("plots available", zap.String("dashboard", url))
		}
	}
}

func (p *pipeline) writeResults() error {
	path := filepath.Join(p.cfg.ResultsDir, ResultsFile)
	p.res.Files = append(p.res.Files, path)
	data, err := json.MarshalIndent(p.res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}
