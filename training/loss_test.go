package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-finetune/tensor"
)

func TestBinaryCrossEntropyForward(t *testing.T) {
	bce := NewBinaryCrossEntropy()
	assert.Equal(t, "binary_crossentropy", bce.Name())

	pred := tensor.MustFromData([]float32{0.9, 0.2}, 2, 1)
	target := tensor.MustFromData([]float32{1, 0}, 2, 1)
	loss, err := bce.Forward(pred, target)
	require.NoError(t, err)
	want := -(math.Log(0.9) + math.Log(0.8)) / 2
	assert.InDelta(t, want, loss, 1e-6)
}

func TestBinaryCrossEntropyClips(t *testing.T) {
	bce := NewBinaryCrossEntropy()
	pred := tensor.MustFromData([]float32{1, 0}, 2, 1)
	target := tensor.MustFromData([]float32{0, 1}, 2, 1)

	loss, err := bce.Forward(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, -math.Log(DefaultEpsilon), loss, 1e-3)
	assert.False(t, math.IsInf(loss, 0))

	grad, err := bce.Backward(pred, target)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, grad.Data)
}

func TestBinaryCrossEntropyBackward(t *testing.T) {
	bce := NewBinaryCrossEntropy()
	pred := tensor.MustFromData([]float32{0.9, 0.2, 0.6}, 3, 1)
	target := tensor.MustFromData([]float32{1, 0, 0}, 3, 1)

	grad, err := bce.Backward(pred, target)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1}, grad.Shape)

	// central differences on the mean loss
	const h = 1e-3
	for i := range pred.Data {
		orig := pred.Data[i]
		pred.Data[i] = orig + h
		up, err := bce.Forward(pred, target)
		require.NoError(t, err)
		pred.Data[i] = orig - h
		down, err := bce.Forward(pred, target)
		require.NoError(t, err)
		pred.Data[i] = orig
		assert.InDelta(t, (up-down)/(2*h), grad.Data[i], 1e-3, "element %d", i)
	}
}

func TestBinaryCrossEntropyErrors(t *testing.T) {
	bce := NewBinaryCrossEntropy()
	_, err := bce.Forward(tensor.MustFromData([]float32{0.5}, 1, 1), tensor.MustFromData([]float32{1, 0}, 2, 1))
	assert.Error(t, err)
	_, err = bce.Backward(nil, nil)
	assert.Error(t, err)
}

func TestBinaryAccuracy(t *testing.T) {
	tests := []struct {
		name   string
		pred   []float32
		target []float32
		want   float64
	}{
		{"all_right", []float32{0.9, 0.1}, []float32{1, 0}, 1},
		{"threshold_is_exclusive", []float32{0.5, 0.51}, []float32{1, 1}, 0.5},
		{"mismatch", []float32{0.9}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BinaryAccuracy(tt.pred, tt.target, 0.5))
		})
	}
}
