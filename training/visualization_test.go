package training

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectorWithData(t *testing.T) *VisualizationCollector {
	t.Helper()
	vc := NewVisualizationCollector("xception")
	vc.RecordEpoch(0, Logs{LogLoss: 0.7, LogAccuracy: 0.5, LogValLoss: 0.6, LogValAccuracy: 0.55, LogLR: 1e-3})
	vc.RecordEpoch(1, Logs{LogLoss: 0.5, LogAccuracy: 0.7, LogLR: 5e-4})

	m, err := EvaluateBinary(testScores, testLabels, 0.5)
	require.NoError(t, err)
	vc.RecordEvaluation(m, []string{"normal", "tumour"})
	return vc
}

func TestCurvePlots(t *testing.T) {
	vc := collectorWithData(t)

	acc := vc.GenerateAccuracyPlot()
	assert.Equal(t, PlotModelAccuracy, acc.PlotType)
	assert.Equal(t, "Model accuracy: xception", acc.Title)
	require.Len(t, acc.Series, 2)
	assert.Equal(t, "train", acc.Series[0].Name)
	assert.Len(t, acc.Series[0].Data, 2)
	// epochs without validation are skipped, not plotted as NaN
	assert.Len(t, acc.Series[1].Data, 1)

	loss := vc.GenerateLossPlot()
	assert.Equal(t, "model loss: xception", loss.Title)
	assert.Equal(t, "epoch", loss.Config.XAxisLabel)

	lr := vc.GenerateLearningRatePlot()
	assert.Equal(t, "log", lr.Config.YAxisScale)
	assert.Equal(t, 5e-4, lr.Series[0].Data[1].Y)
}

func TestEvaluationPlots(t *testing.T) {
	vc := collectorWithData(t)

	roc := vc.GenerateROCCurvePlot()
	require.Len(t, roc.Series, 2)
	assert.Equal(t, "ROC (AUC = 0.75)", roc.Series[0].Name)
	assert.Len(t, roc.Series[0].Data, 9)
	assert.InDelta(t, 0.75, roc.Metrics["auc"], 1e-12)

	cm := vc.GenerateConfusionMatrixPlot()
	require.Len(t, cm.Series, 1)
	assert.Len(t, cm.Series[0].Data, 4)
	assert.Equal(t, "True: tumour, Pred: normal", cm.Series[0].Data[2].Label)
	assert.Equal(t, 1, cm.Series[0].Data[2].Z)
}

func TestGenerateAllAndJSON(t *testing.T) {
	vc := collectorWithData(t)
	plots := vc.GenerateAll()
	assert.Len(t, plots, 5)

	for kind, p := range plots {
		s, err := p.ToJSON()
		require.NoError(t, err, "plot %s", kind)
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(s), &decoded))
		assert.Equal(t, string(kind), decoded["plot_type"])
	}

	vc.Clear()
	assert.Empty(t, vc.GenerateAll())
	assert.Empty(t, vc.GenerateConfusionMatrixPlot().Series)
}

func TestDisabledCollectorIgnoresData(t *testing.T) {
	vc := NewVisualizationCollector("m")
	vc.Disable()
	assert.False(t, vc.IsEnabled())
	vc.RecordEpoch(0, Logs{LogLoss: math.Pi})
	assert.Empty(t, vc.GenerateAll())

	vc.Enable()
	vc.RecordEpoch(0, Logs{LogLoss: math.Pi})
	assert.Len(t, vc.GenerateAll(), 3)
}
