package experiment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/tsawler/go-finetune/matfile"
	"github.com/tsawler/go-finetune/plots"
	"github.com/tsawler/go-finetune/registry"
	"github.com/tsawler/go-finetune/training"
	"github.com/tsawler/go-finetune/vision/models"
)

// writeManifest writes n solid 8x8 PNGs and a Var1/Var2 manifest listing
// them; odd images are bright and labelled "malignant"
func writeManifest(t *testing.T, dir, name string, n int) (string, []string) {
	t.Helper()
	imgDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(imgDir, 0o755))

	var csv strings.Builder
	csv.WriteString("Var1,Var2\n")
	var files []string
	for i := 0; i < n; i++ {
		v, class := uint8(20+3*i), "benign"
		if i%2 == 1 {
			v, class = uint8(235-3*i), "malignant"
		}
		img := image.NewRGBA(image.Rect(0, 0, 8, 8))
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				img.Set(x, y, color.RGBA{R: v, G: v / 2, B: v, A: 255})
			}
		}
		path := filepath.Join(imgDir, fmt.Sprintf("case_%02d.png", i))
		f, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
		fmt.Fprintf(&csv, "%s,%s\n", path, class)
		files = append(files, path)
	}
	manifest := filepath.Join(dir, name+".csv")
	require.NoError(t, os.WriteFile(manifest, []byte(csv.String()), 0o644))
	return manifest, files
}

func tinyConfig(t *testing.T) (Config, []string) {
	t.Helper()
	dir := t.TempDir()
	train, _ := writeManifest(t, dir, "train", 8)
	test, testFiles := writeManifest(t, dir, "test", 6)

	cfg := DefaultConfig()
	cfg.TrainCSV = train
	cfg.TestCSV = test
	cfg.ResultsDir = filepath.Join(dir, "results", "E1 tiny")
	cfg.Name = "E1 tiny"
	cfg.Epochs = 2
	cfg.BatchSize = 3
	cfg.LearningRate = 0.01
	cfg.Backbone = "tiny"
	cfg.ImageSize = 8
	cfg.SampleImages = 4
	cfg.Workers = 2
	return cfg, testFiles
}

func TestRunWritesResultBundle(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg, testFiles := tinyConfig(t)
	var out bytes.Buffer
	res, err := Run(context.Background(), cfg, Options{Logger: zaptest.NewLogger(t), Out: &out})
	require.NoError(t, err)

	for _, f := range []string{
		plots.TrainImagesFile, plots.TestImagesFile,
		ModelJSONFile, ModelONNXFile, HistoryFile, WorkspaceFile, ResultsFile,
		plots.AccuracyHistoryFile, plots.LossHistoryFile, plots.ROCCurveFile, plots.ConfusionFile,
	} {
		assert.FileExists(t, filepath.Join(cfg.ResultsDir, f))
	}
	assert.Contains(t, res.Files, filepath.Join(cfg.ResultsDir, WorkspaceFile))

	text := out.String()
	assert.Contains(t, text, "Found 8 validated image filenames belonging to 2 classes.")
	assert.Contains(t, text, "Found 6 validated image filenames belonging to 2 classes.")
	assert.Contains(t, text, cfg.ResultsDir+"\n")
	assert.Regexp(t, `AUC is: \d\.\d\d\n`, text)
	assert.Regexp(t, `precision is: \d+%\n`, text)
	assert.Regexp(t, `recall is: \d+%\n`, text)

	require.Len(t, res.Phases, 1)
	h := res.History()
	assert.Equal(t, 2, h.Len())
	assert.Len(t, h.ValLoss, 2)
	assert.Equal(t, []string{"benign", "malignant"}, res.ClassNames)

	ws, err := matfile.Read(filepath.Join(cfg.ResultsDir, WorkspaceFile))
	require.NoError(t, err)
	assert.Equal(t, []string{"vsFilenames", "viTruth", "vsiConfidences"}, ws.Names())

	names, ok := ws.Get("vsFilenames")
	require.True(t, ok)
	got, err := names.Strings()
	require.NoError(t, err)
	assert.Equal(t, testFiles, got)

	truth, _ := ws.Get("viTruth")
	assert.Equal(t, []int{1, 6}, truth.Dims)
	labels, err := truth.Ints()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0, 1, 0, 1}, labels)

	conf, _ := ws.Get("vsiConfidences")
	assert.Equal(t, []int{6, 1}, conf.Dims)
	scores, err := conf.Float32s()
	require.NoError(t, err)
	assert.Equal(t, res.Predictions.Scores, scores)

	data, err := os.ReadFile(filepath.Join(cfg.ResultsDir, ResultsFile))
	require.NoError(t, err)
	var decoded struct {
		Name   string `json:"name"`
		Phases []struct {
			Name string `json:"name"`
		} `json:"phases"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "E1 tiny", decoded.Name)
	require.Len(t, decoded.Phases, 1)
	assert.Equal(t, "frozen", decoded.Phases[0].Name)
}

func TestRunFineTunePhase(t *testing.T) {
	cfg, _ := tinyConfig(t)
	cfg.Epochs = 1
	cfg.UnfreezeLast = 1
	cfg.SampleMode = SampleSingle
	cfg.HorizontalFlip = true

	res, err := Run(context.Background(), cfg, Options{})
	require.NoError(t, err)
	require.Len(t, res.Phases, 2)

	frozen, tuned := res.Phases[0], res.Phases[1]
	assert.Equal(t, "fine-tuned", tuned.Name)
	assert.Greater(t, tuned.Trainable, frozen.Trainable)
	assert.InDelta(t, cfg.LearningRate/10, tuned.LearningRate, 1e-12)
	assert.Equal(t, 1, tuned.History.Len())

	assert.FileExists(t, filepath.Join(cfg.ResultsDir, plots.TrainImageFile))
	assert.NoFileExists(t, filepath.Join(cfg.ResultsDir, plots.TrainImagesFile))
	for _, f := range []string{ModelJSONFile, WorkspaceFile, plots.LossHistoryFile} {
		assert.FileExists(t, filepath.Join(cfg.ResultsDir, FineTunedSubdir, f))
	}
}

func TestRunRecordsRegistry(t *testing.T) {
	ctx := context.Background()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "runs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	cfg, _ := tinyConfig(t)
	cfg.Epochs = 1
	cfg.SampleMode = SampleNone
	res, err := Run(ctx, cfg, Options{Registry: reg})
	require.NoError(t, err)
	require.NotEmpty(t, res.RunID)

	run, err := reg.Get(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFinished, run.Status)
	assert.Equal(t, "tiny", run.Backbone)
	require.NotNil(t, run.Outcome)
	assert.Equal(t, 1, run.Outcome.EpochsRun)
	assert.Equal(t, res.Metrics().AUC, run.Outcome.AUC)

	cfg.TrainCSV = filepath.Join(t.TempDir(), "missing.csv")
	res, err = Run(ctx, cfg, Options{Registry: reg})
	require.Error(t, err)
	assert.Nil(t, res.History())
	assert.Nil(t, res.Metrics())
	run, err = reg.Get(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "train manifest")
}

func TestRunRejectsMismatchedClasses(t *testing.T) {
	cfg, _ := tinyConfig(t)
	data, err := os.ReadFile(cfg.TestCSV)
	require.NoError(t, err)
	renamed := strings.ReplaceAll(string(data), ",malignant", ",cancer")
	require.NoError(t, os.WriteFile(cfg.TestCSV, []byte(renamed), 0o644))

	_, err = Run(context.Background(), cfg, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "train classes [benign malignant] and test classes [benign cancer] differ")
	assert.NoFileExists(t, filepath.Join(cfg.ResultsDir, WorkspaceFile))
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	_, err := Run(context.Background(), DefaultConfig(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "train CSV path is required")
}

func TestGetErrorMetrics(t *testing.T) {
	dir := t.TempDir()
	h := training.NewHistory()
	for e, loss := range []float64{0.7, 0.5} {
		h.Append(e, training.Logs{
			training.LogLoss: loss, training.LogAccuracy: 1 - loss,
			training.LogValLoss: loss + 0.1, training.LogValAccuracy: 0.9 - loss,
			training.LogLR: 0.001,
		})
	}

	var out bytes.Buffer
	m, files, err := GetErrorMetrics(&out, dir, "E2", h,
		[]float32{0.9, 0.8, 0.3, 0.2, 0.6}, []int{1, 1, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, dir+"\nAUC is: 1.00\nprecision is: 67%\nrecall is: 100%\n", out.String())
	assert.InDelta(t, 2.0/3, m.Precision, 1e-12)
	assert.Len(t, files, 5)
	for _, f := range files {
		assert.FileExists(t, f)
	}
}

func TestGetErrorMetricsSingleClass(t *testing.T) {
	dir := t.TempDir()
	h := training.NewHistory()
	h.Append(0, training.Logs{training.LogLoss: 0.5, training.LogAccuracy: 0.5, training.LogLR: 0.001})

	var out bytes.Buffer
	_, _, err := GetErrorMetrics(&out, dir, "E3", h, []float32{0.1, 0.7}, []int{0, 0})
	require.ErrorIs(t, err, training.ErrSingleClass)
	assert.Equal(t, dir+"\n", out.String())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backbone = "resnet"
	cfg.Epochs = 0
	cfg.SampleMode = "mosaic"
	cfg.Weights = "imagenet.h5"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"train CSV path is required",
		"experiment name is required",
		"epochs must be positive",
		"sample mode must be",
		"weights must be a .json or .onnx file",
	} {
		assert.Contains(t, err.Error(), want)
	}
	assert.ErrorIs(t, err, models.ErrUnknownBackbone)
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "e.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
train_csv: train.csv
test_csv: test.csv
results_dir: out
name: E4
epochs: 12
learning_rate: 0.0005
backbone: vgg16
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 12, cfg.Epochs)
	assert.Equal(t, 0.0005, cfg.LearningRate)
	assert.Equal(t, "vgg16", cfg.Backbone)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, int64(123), cfg.Seed)
	assert.Equal(t, "val_loss", cfg.Monitor)

	pre, err := cfg.preprocess()
	require.NoError(t, err)
	assert.Equal(t, 224, pre.Height)

	cfg.ImageSize = 0
	pre, err = cfg.preprocess()
	require.NoError(t, err)
	assert.Equal(t, 224, pre.Width)
}

// writeFolder lays out n images per class under root/<class>/
func writeFolder(t *testing.T, root string, n int) {
	t.Helper()
	for c, class := range []string{"benign", "malignant"} {
		dir := filepath.Join(root, class)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := 0; i < n; i++ {
			v := uint8(30 + 180*c + i)
			img := image.NewRGBA(image.Rect(0, 0, 8, 8))
			for y := 0; y < 8; y++ {
				for x := 0; x < 8; x++ {
					img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
				}
			}
			f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%d.png", i)))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, img))
			require.NoError(t, f.Close())
		}
	}
}

func TestRunFromFoldersWithSchedules(t *testing.T) {
	dir := t.TempDir()
	writeFolder(t, filepath.Join(dir, "train"), 4)
	writeFolder(t, filepath.Join(dir, "test"), 2)

	cfg, _ := tinyConfig(t)
	cfg.TrainCSV, cfg.TestCSV = "", ""
	cfg.TrainDir = filepath.Join(dir, "train")
	cfg.TestDir = filepath.Join(dir, "test")
	cfg.SampleMode = SampleNone
	cfg.LRSchedule = "exponential"
	cfg.ReduceLRPatience = 1
	cfg.SaveBest = true

	res, err := Run(context.Background(), cfg, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"benign", "malignant"}, res.ClassNames)
	assert.FileExists(t, filepath.Join(cfg.ResultsDir, BestModelFile))

	h := res.History()
	require.Equal(t, 2, h.Len())
	assert.InDelta(t, cfg.LearningRate*0.95, h.LR[1], 1e-7)

	ws, err := matfile.Read(filepath.Join(cfg.ResultsDir, WorkspaceFile))
	require.NoError(t, err)
	names, _ := ws.Get("vsFilenames")
	got, err := names.Strings()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.TestDir, "benign", "0.png"), got[0])
	assert.Len(t, got, 4)
}
