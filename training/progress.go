package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-finetune/layers"
)

// ProgressBar renders per-step training progress on one terminal line
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30, // Character width of progress bar
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("=", filled) + strings.Repeat(".", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("\r%s %d/%d [%s]", pb.description, pb.current, pb.total, bar)
	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" %s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" %s", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(" %.2fbatch/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		line += fmt.Sprintf(" - %s: %.4f", key, pb.metrics[key])
	}
	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// PrintArchitecture writes the layer table and parameter totals of spec
func PrintArchitecture(out io.Writer, spec *layers.ModelSpec) {
	fmt.Fprint(out, spec.Summary())
	fmt.Fprintf(out, "Input size (MB): %.3f\n", calculateInputSize(spec.InputShape))
	fmt.Fprintf(out, "Params size (MB): %.3f\n", float64(spec.TotalParameters*4)/1024/1024)
	fmt.Fprintf(out, "Largest activation (MB): %.3f\n\n", largestActivation(spec))
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// calculateInputSize estimates per-sample tensor size in MB
func calculateInputSize(shape []int) float64 {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return float64(size*4) / 1024 / 1024
}

func largestActivation(spec *layers.ModelSpec) float64 {
	largest := calculateInputSize(spec.InputShape)
	for _, layer := range spec.Layers {
		if len(layer.OutputShape) > 0 {
			if s := calculateInputSize(layer.OutputShape); s > largest {
				largest = s
			}
		}
	}
	return largest
}

// TrainingSession prints Keras-style progress for ModelTrainer.Fit
type TrainingSession struct {
	out           io.Writer
	epochs        int
	stepsPerEpoch int
	currentEpoch  int
	epochStart    time.Time

	trainProgress *ProgressBar
}

// NewTrainingSession creates a session; a nil writer discards output
func NewTrainingSession(out io.Writer, epochs, stepsPerEpoch int) *TrainingSession {
	if out == nil {
		out = io.Discard
	}
	return &TrainingSession{out: out, epochs: epochs, stepsPerEpoch: stepsPerEpoch}
}

// StartTraining prints the model summary
func (ts *TrainingSession) StartTraining(spec *layers.ModelSpec) {
	PrintArchitecture(ts.out, spec)
	fmt.Fprintf(ts.out, "Training %s of %s parameters\n",
		formatParameterCount(spec.TrainableParameters()), formatParameterCount(spec.TotalParameters))
}

// StartEpoch begins a new epoch; epoch is 0-based
func (ts *TrainingSession) StartEpoch(epoch int) {
	ts.currentEpoch = epoch
	ts.epochStart = time.Now()
	fmt.Fprintf(ts.out, "Epoch %d/%d\n", epoch+1, ts.epochs)
	ts.trainProgress = NewProgressBar(ts.out, "", ts.stepsPerEpoch)
}

// UpdateTrainingProgress shows running means after step (1-based)
func (ts *TrainingSession) UpdateTrainingProgress(step int, loss, accuracy float64) {
	ts.trainProgress.Update(step, map[string]float64{LogLoss: loss, LogAccuracy: accuracy})
}

// FinishEpoch completes the bar and prints the epoch logs
func (ts *TrainingSession) FinishEpoch(logs Logs) {
	bar := ts.trainProgress
	bar.current = bar.total
	bar.metrics = map[string]float64{}
	bar.render()
	fmt.Fprintf(ts.out, " - %s", formatDuration(time.Since(ts.epochStart)))
	for _, key := range []string{LogLoss, LogAccuracy, LogValLoss, LogValAccuracy, LogLR} {
		if v, ok := logs[key]; ok {
			fmt.Fprintf(ts.out, " - %s: %.4f", key, v)
		}
	}
	fmt.Fprintln(ts.out)
}
