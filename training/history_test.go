package training

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryAppendAndMetric(t *testing.T) {
	h := NewHistory()
	h.Append(0, Logs{LogLoss: 0.7, LogAccuracy: 0.5, LogValLoss: 0.6, LogValAccuracy: 0.55, LogLR: 1e-3})
	h.Append(1, Logs{LogLoss: 0.5, LogAccuracy: 0.7, LogValLoss: 0.65, LogValAccuracy: 0.6, LogLR: 1e-3})

	assert.Equal(t, 2, h.Len())
	assert.Equal(t, -1, h.StoppedEpoch)

	vl, err := h.Metric(LogValLoss)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.6, 0.65}, vl)
	_, err = h.Metric("auc")
	assert.Error(t, err)
}

func TestHistoryWithoutValidation(t *testing.T) {
	h := NewHistory()
	h.Append(0, Logs{LogLoss: 1, LogAccuracy: 0.5})
	assert.Empty(t, h.ValLoss)
	assert.Equal(t, []float64{0}, h.LR)
}

func TestHistorySaveLoad(t *testing.T) {
	h := NewHistory()
	h.Append(0, Logs{LogLoss: 0.7, LogAccuracy: 0.5, LogValLoss: 0.6, LogValAccuracy: 0.55, LogLR: 1e-3})
	h.StoppedEpoch = 0

	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, h.Save(path))
	got, err := LoadHistory(path)
	require.NoError(t, err)
	if diff := cmp.Diff(h, got); diff != "" {
		t.Errorf("history round trip (-want +got):\n%s", diff)
	}

	_, err = LoadHistory(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestHistoryEpochLogsReplaysIntoCollector(t *testing.T) {
	h := NewHistory()
	h.Append(0, Logs{LogLoss: 0.7, LogAccuracy: 0.5, LogValLoss: 0.6, LogValAccuracy: 0.55, LogLR: 1e-3})
	h.Append(1, Logs{LogLoss: 0.5, LogAccuracy: 0.7, LogValLoss: 0.65, LogValAccuracy: 0.6, LogLR: 1e-3})

	assert.Equal(t, Logs{LogLoss: 0.5, LogAccuracy: 0.7, LogValLoss: 0.65, LogValAccuracy: 0.6, LogLR: 1e-3}, h.EpochLogs(1))

	vc := CollectorFromHistory("E24", h)
	acc := vc.GenerateAccuracyPlot()
	assert.Equal(t, "Model accuracy: E24", acc.Title)
	require.Len(t, acc.Series, 2)
	assert.Equal(t, []DataPoint{{X: 0, Y: 0.55}, {X: 1, Y: 0.6}}, acc.Series[1].Data)

	noVal := NewHistory()
	noVal.Append(0, Logs{LogLoss: 1, LogAccuracy: 0.5})
	_, ok := noVal.EpochLogs(0)[LogValLoss]
	assert.False(t, ok)
}
