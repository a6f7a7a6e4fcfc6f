package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-finetune/layers"
)

func TestProgressBar(t *testing.T) {
	var out bytes.Buffer
	pb := NewProgressBar(&out, "train", 4)

	pb.Update(2, map[string]float64{"loss": 0.5, "accuracy": 0.75})
	line := out.String()
	assert.True(t, strings.HasPrefix(line, "\rtrain 2/4 ["))
	assert.Contains(t, line, strings.Repeat("=", 15)+strings.Repeat(".", 15))
	// metrics print in name order
	assert.Less(t, strings.Index(line, "accuracy: 0.7500"), strings.Index(line, "loss: 0.5000"))

	out.Reset()
	pb.Finish()
	assert.Contains(t, out.String(), "4/4 ["+strings.Repeat("=", 30)+"]")
	assert.True(t, strings.HasSuffix(out.String(), "\n"))
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "01:05", formatDuration(65*time.Second))
	assert.Equal(t, "999", formatParameterCount(999))
	assert.Equal(t, "2.0K", formatParameterCount(2049))
	assert.Equal(t, "20.9M", formatParameterCount(20863529))
}

func TestTrainingSession(t *testing.T) {
	spec, err := layers.NewModelBuilder("tiny", []int{3, 4, 4}).
		AddGlobalAveragePool2D("pool").
		FreezeAll().
		AddDense(1, true, "dense").
		Compile()
	require.NoError(t, err)

	var out bytes.Buffer
	ts := NewTrainingSession(&out, 3, 2)
	ts.StartTraining(spec)
	assert.Contains(t, out.String(), `Model: "tiny"`)
	assert.Contains(t, out.String(), "Training 4 of 4 parameters")

	out.Reset()
	ts.StartEpoch(1)
	ts.UpdateTrainingProgress(1, 0.4, 0.5)
	ts.FinishEpoch(Logs{LogLoss: 0.3, LogAccuracy: 0.6, LogValLoss: 0.35})
	got := out.String()
	assert.True(t, strings.HasPrefix(got, "Epoch 2/3\n"))
	assert.Contains(t, got, "- loss: 0.3000 - accuracy: 0.6000 - val_loss: 0.3500\n")
	assert.NotContains(t, got, "val_accuracy")

	// nil writers are silent
	NewTrainingSession(nil, 1, 1).StartEpoch(0)
}
