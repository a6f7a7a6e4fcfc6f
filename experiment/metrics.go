package experiment

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/tsawler/go-finetune/plots"
	"github.com/tsawler/go-finetune/training"
)

// DecisionThreshold turns confidences into predicted classes for
// precision and recall
const DecisionThreshold = 0.5

// GetErrorMetrics prints the AUC, precision and recall of confidences
// against truth and saves the history, ROC and confusion figures into
// resultsDir. The figures carry name in their titles.
func GetErrorMetrics(out io.Writer, resultsDir, name string, history *training.History, confidences []float32, truth []int) (*training.BinaryMetrics, []string, error) {
	fmt.Fprintln(out, resultsDir)
	m, err := training.EvaluateBinary(confidences, truth, DecisionThreshold)
	if err != nil {
		return nil, nil, fmt.Errorf("error metrics: %w", err)
	}
	fmt.Fprintf(out, "AUC is: %0.2f\n", training.RoundHalfEven(m.AUC, 2))
	fmt.Fprintf(out, "precision is: %d%%\n", int(training.RoundHalfEven(100*m.Precision, 0)))
	fmt.Fprintf(out, "recall is: %d%%\n", int(training.RoundHalfEven(100*m.Recall, 0)))

	vc := training.CollectorFromHistory(name, history)
	files, err := plots.HistoryFigures(resultsDir, vc)
	if err != nil {
		return m, files, err
	}
	vc.RecordEvaluation(m, nil)
	for _, f := range []struct {
		file string
		pd   training.PlotData
	}{
		{plots.ROCCurveFile, vc.GenerateROCCurvePlot()},
		{plots.ConfusionFile, vc.GenerateConfusionMatrixPlot()},
		{plots.LearningRateFile, vc.GenerateLearningRatePlot()},
	} {
		path := filepath.Join(resultsDir, f.file)
		if err := plots.Render(f.pd, path); err != nil {
			return m, files, err
		}
		files = append(files, path)
	}
	return m, files, nil
}
