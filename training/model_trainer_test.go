package training

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tsawler/go-finetune/engine"
	"github.com/tsawler/go-finetune/layers"
	"github.com/tsawler/go-finetune/vision/dataloader"
	"github.com/tsawler/go-finetune/vision/preprocessing"
)

type memDataset struct {
	paths  []string
	labels []int
}

func (m *memDataset) Len() int { return len(m.paths) }

func (m *memDataset) GetItem(i int) (string, int, error) {
	if i < 0 || i >= len(m.paths) {
		return "", 0, fmt.Errorf("index %d out of range", i)
	}
	return m.paths[i], m.labels[i], nil
}

// brightDark writes n solid 4x4 images; odd indices are bright (label 1)
func brightDark(t *testing.T, n int) *memDataset {
	t.Helper()
	dir := t.TempDir()
	ds := &memDataset{}
	for i := 0; i < n; i++ {
		v := uint8(25 + i)
		if i%2 == 1 {
			v = uint8(230 - i)
		}
		img := image.NewRGBA(image.Rect(0, 0, 4, 4))
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
			}
		}
		path := filepath.Join(dir, fmt.Sprintf("img_%02d.png", i))
		f, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
		ds.paths = append(ds.paths, path)
		ds.labels = append(ds.labels, i%2)
	}
	return ds
}

func testLoader(t *testing.T, ds dataloader.Dataset, shuffle bool) *dataloader.DataLoader {
	t.Helper()
	cfg := dataloader.DefaultConfig()
	cfg.BatchSize = 3
	cfg.Shuffle = shuffle
	cfg.NumWorkers = 2
	cfg.Preprocess = preprocessing.Config{Height: 4, Width: 4, Rescale: 1.0 / 255}
	dl, err := dataloader.NewDataLoader(ds, cfg)
	require.NoError(t, err)
	return dl
}

// headModel is a frozen pooling base under a trainable dense + sigmoid head
func headModel(t *testing.T) (*layers.ModelSpec, *engine.Weights) {
	t.Helper()
	spec, err := layers.NewModelBuilder("head", []int{3, 4, 4}).
		AddConv2D(2, 1, 1, layers.PaddingSame, true, "conv").
		AddGlobalAveragePool2D("pool").
		FreezeAll().
		AddDense(1, true, "dense").
		AddSigmoid("dense_sigmoid").
		Compile()
	require.NoError(t, err)
	weights, err := engine.InitWeights(spec, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	// identity-like frozen conv keeps brightness in the pooled features
	conv := weights.Get("conv", layers.ParamWeight)
	conv.Fill(0.5)
	return spec, weights
}

func newTestTrainer(t *testing.T, cache bool) *ModelTrainer {
	t.Helper()
	spec, weights := headModel(t)
	cfg := DefaultTrainerConfig()
	cfg.LearningRate = 0.1
	cfg.UseFeatureCache = cache
	cfg.Workers = 2
	mt, err := NewModelTrainer(spec, weights, cfg)
	require.NoError(t, err)
	return mt
}

func TestNewModelTrainerValidation(t *testing.T) {
	spec, weights := headModel(t)

	_, err := NewModelTrainer(spec, weights, TrainerConfig{LearningRate: -1})
	assert.Error(t, err)
	_, err = NewModelTrainer(spec, weights, TrainerConfig{Threshold: 1.5})
	assert.Error(t, err)
	_, err = NewModelTrainer(spec, weights, TrainerConfig{Optimizer: "lbfgs"})
	assert.Error(t, err)

	mt, err := NewModelTrainer(spec, weights, TrainerConfig{})
	require.NoError(t, err)
	assert.Equal(t, "Adam", mt.Optimizer().Name())
	assert.InDelta(t, 1e-3, mt.Optimizer().LearningRate(), 1e-9)
	assert.Equal(t, []string{"pool"}, mt.Frontier())
	_, ok := mt.FeatureCacheStats()
	assert.False(t, ok, "cache is off unless requested")
}

func TestFitReducesLoss(t *testing.T) {
	defer goleak.VerifyNone(t)

	ds := brightDark(t, 8)
	train := testLoader(t, ds, true)
	val := testLoader(t, ds, false)

	var progress bytes.Buffer
	mt := newTestTrainer(t, true)
	mt.config.Progress = &progress
	viz := mt.EnableVisualization("head")

	history, err := mt.Fit(context.Background(), train, val, FitConfig{Epochs: 15})
	require.NoError(t, err)

	require.Equal(t, 15, history.Len())
	assert.Equal(t, -1, history.StoppedEpoch)
	assert.Less(t, history.Loss[14], history.Loss[0])
	assert.Less(t, history.ValLoss[14], history.ValLoss[0])
	assert.InDelta(t, 0.1, history.LR[0], 1e-6)
	assert.Contains(t, progress.String(), "Epoch 15/15")
	assert.Contains(t, progress.String(), "val_loss")

	stats, ok := mt.FeatureCacheStats()
	require.True(t, ok)
	assert.Greater(t, stats.Hits, int64(0), "later epochs start from cached features")
	assert.Equal(t, 15*train.Len(), mt.GetStats().CurrentStep)

	plots := viz.GenerateAll()
	assert.Len(t, plots[PlotModelLoss].Series, 2)
}

func TestFeatureCacheMatchesFullForward(t *testing.T) {
	ds := brightDark(t, 6)
	ctx := context.Background()

	cached := newTestTrainer(t, true)
	loader := testLoader(t, ds, false)
	first, err := cached.Evaluate(ctx, loader)
	require.NoError(t, err)
	second, err := cached.Evaluate(ctx, loader)
	require.NoError(t, err)
	assert.InDelta(t, first.Loss, second.Loss, 1e-6)

	plain := newTestTrainer(t, false)
	want, err := plain.Evaluate(ctx, testLoader(t, ds, false))
	require.NoError(t, err)
	assert.InDelta(t, want.Loss, second.Loss, 1e-6)
	assert.Equal(t, want.Accuracy, second.Accuracy)
	assert.Equal(t, 6, want.Samples)
}

func TestPredictKeepsLoaderOrder(t *testing.T) {
	ds := brightDark(t, 7)
	mt := newTestTrainer(t, true)
	loader := testLoader(t, ds, false)

	preds, err := mt.Predict(context.Background(), loader)
	require.NoError(t, err)
	assert.Equal(t, ds.paths, preds.Paths)
	assert.Equal(t, ds.labels, preds.Labels)
	require.Len(t, preds.Scores, 7)
	for _, s := range preds.Scores {
		assert.True(t, s > 0 && s < 1)
	}
}

type stopAt struct {
	BaseCallback
	epoch  int
	events []string
}

func (s *stopAt) OnTrainBegin(*ModelTrainer) error {
	s.events = append(s.events, "begin")
	return nil
}

func (s *stopAt) OnEpochBegin(_ *ModelTrainer, epoch int) error {
	s.events = append(s.events, fmt.Sprintf("epoch %d", epoch))
	return nil
}

func (s *stopAt) OnEpochEnd(mt *ModelTrainer, epoch int, logs Logs) error {
	if _, ok := logs[LogValLoss]; ok {
		return fmt.Errorf("no validation loader was given")
	}
	if epoch == s.epoch {
		mt.StopTraining()
	}
	return nil
}

func (s *stopAt) OnTrainEnd(*ModelTrainer, Logs) error {
	s.events = append(s.events, "end")
	return nil
}

func TestFitStopsWhenCallbackAsks(t *testing.T) {
	defer goleak.VerifyNone(t)

	mt := newTestTrainer(t, false)
	cb := &stopAt{epoch: 1}
	history, err := mt.Fit(context.Background(), testLoader(t, brightDark(t, 4), true), nil,
		FitConfig{Epochs: 10, Callbacks: []Callback{cb}})
	require.NoError(t, err)

	assert.Equal(t, 2, history.Len())
	assert.Equal(t, 1, history.StoppedEpoch)
	assert.Empty(t, history.ValLoss)
	assert.Equal(t, []string{"begin", "epoch 0", "epoch 1", "end"}, cb.events)
}

func TestFitErrors(t *testing.T) {
	defer goleak.VerifyNone(t)
	mt := newTestTrainer(t, true)
	loader := testLoader(t, brightDark(t, 4), false)

	_, err := mt.Fit(context.Background(), loader, nil, FitConfig{})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = mt.Fit(ctx, loader, nil, FitConfig{Epochs: 1})
	assert.ErrorIs(t, err, context.Canceled)

	mt.Spec().FreezeAll()
	mt.RefreshTrainable()
	assert.Nil(t, mt.Frontier())
	_, err = mt.Fit(context.Background(), loader, nil, FitConfig{Epochs: 1})
	assert.ErrorContains(t, err, "no trainable parameters")
}

func TestRefreshTrainableMovesFrontier(t *testing.T) {
	mt := newTestTrainer(t, true)
	require.Equal(t, []string{"pool"}, mt.Frontier())

	mt.Spec().UnfreezeAll()
	mt.RefreshTrainable()
	assert.Equal(t, []string{layers.InputName}, mt.Frontier())
	_, ok := mt.FeatureCacheStats()
	assert.False(t, ok, "nothing to cache in front of the input")
}

func TestCheckpointCarriesTrainingState(t *testing.T) {
	mt := newTestTrainer(t, false)
	cp, err := mt.Checkpoint(3, Logs{LogValLoss: 0.25, LogValAccuracy: 0.75})
	require.NoError(t, err)
	assert.Equal(t, 3, cp.TrainingState.Epoch)
	assert.InDelta(t, 0.25, cp.TrainingState.BestLoss, 1e-6)
	assert.InDelta(t, 0.1, cp.TrainingState.LearningRate, 1e-6)
	require.NotNil(t, cp.OptimizerState)
	assert.Equal(t, "Adam", cp.OptimizerState.Type)
	assert.Len(t, cp.Weights, len(mt.Weights().Keys()))
}
