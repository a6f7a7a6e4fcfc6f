package models

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-finetune/engine"
	"github.com/tsawler/go-finetune/layers"
	"github.com/tsawler/go-finetune/tensor"
)

func TestParameterCounts(t *testing.T) {
	tests := []struct {
		name       string
		opts       Options
		total      int64
		outputSize []int
	}{
		{"vgg16", Options{IncludeTop: true}, 138357544, []int{1000}},
		{"vgg16", Options{}, 14714688, []int{512, 7, 7}},
		{"xception", Options{IncludeTop: true}, 22910480, []int{1000}},
		{"xception", Options{InputSize: 224}, 20861480, []int{2048, 7, 7}},
		{"xception", Options{}, 20861480, []int{2048, 10, 10}},
	}
	for _, tt := range tests {
		spec, err := Build(tt.name, tt.opts)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.total, spec.TotalParameters, "%s %+v", tt.name, tt.opts)
		assert.Equal(t, tt.outputSize, spec.OutputShape, "%s %+v", tt.name, tt.opts)
	}
}

func TestXceptionNaming(t *testing.T) {
	spec, err := Build("Xception", Options{InputSize: 224})
	require.NoError(t, err)

	for _, name := range []string{
		"block1_conv1", "block1_conv1_bn", "block2_sepconv1", "block2_sepconv2_act",
		"conv2d", "batch_normalization_3", "add", "add_11", "block12_sepconv3_bn",
		"block13_pool", "block14_sepconv2_act",
	} {
		assert.NotNil(t, spec.Layer(name), name)
	}
	// block2 has no leading activation
	assert.Nil(t, spec.Layer("block2_sepconv1_act"))

	add := spec.Layer("add")
	assert.Equal(t, []string{"block2_pool", "batch_normalization"}, add.Inputs)
	assert.Equal(t, []string{"block1_conv2_act"}, spec.Layer("conv2d").Inputs)
	assert.Equal(t, []string{"block1_conv2_act"}, spec.Layer("block2_sepconv1").Inputs)
	assert.Equal(t, []string{"block5_sepconv3_bn", "add_2"}, spec.Layer("add_3").Inputs)
	assert.Equal(t, []int{128, 55, 55}, spec.Layer("add").OutputShape)
}

func TestTransferModels(t *testing.T) {
	xc, err := TransferModel("xception", Options{InputSize: 224})
	require.NoError(t, err)
	assert.Equal(t, "xception_transfer", xc.Name)
	assert.Equal(t, []int{1}, xc.OutputShape)
	assert.Equal(t, int64(2049), xc.TrainableParameters())
	assert.Equal(t, int64(20861480+2049), xc.TotalParameters)
	assert.Nil(t, xc.Layer("predictions"))
	assert.Equal(t, []string{"block14_sepconv2_act"}, xc.Layer(HeadPoolName).Inputs)
	assert.False(t, xc.Layer("block1_conv1").Trainable)

	vgg, err := TransferModel("vgg16", Options{})
	require.NoError(t, err)
	assert.Nil(t, vgg.Layer("predictions"))
	assert.Nil(t, vgg.Layer("predictions_softmax"))
	assert.Equal(t, []string{"fc2_relu"}, vgg.Layer(HeadDenseName).Inputs)
	assert.Equal(t, int64(4097), vgg.TrainableParameters())
	assert.Equal(t, int64(138357544-4097000+4097), vgg.TotalParameters)
	assert.False(t, vgg.Layer("fc2").Trainable)

	tuned, err := TransferModel("vgg16", Options{UnfreezeLast: 1})
	require.NoError(t, err)
	assert.True(t, tuned.Layer("fc2").Trainable)
	assert.False(t, tuned.Layer("fc1").Trainable)
	assert.Equal(t, int64(4097+4096*4096+4096), tuned.TrainableParameters())
}

func TestUnknownBackbone(t *testing.T) {
	_, err := Build("resnet50", Options{})
	assert.ErrorIs(t, err, ErrUnknownBackbone)
	_, err = TransferModel("resnet50", Options{})
	assert.ErrorIs(t, err, ErrUnknownBackbone)
	_, err = DefaultInputSize("resnet50")
	assert.ErrorIs(t, err, ErrUnknownBackbone)

	size, err := DefaultInputSize("xception")
	require.NoError(t, err)
	assert.Equal(t, 299, size)
	assert.Equal(t, []string{"tiny", "vgg16", "xception"}, Names())
}

func TestTinyTransferRuns(t *testing.T) {
	spec, err := TransferModel("tiny", Options{InputSize: 16})
	require.NoError(t, err)

	weights, err := engine.InitWeights(spec, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	eng, err := engine.New(spec, weights, engine.Config{Workers: 2, Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{HeadPoolName}, eng.Frontier())

	x := tensor.New(2, 3, 16, 16)
	for i := range x.Data {
		x.Data[i] = float32(i%7) / 7
	}
	pass, err := eng.Forward(context.Background(), map[string]*tensor.Tensor{layers.InputName: x}, engine.Training)
	require.NoError(t, err)
	out := pass.Output()
	assert.Equal(t, []int{2, 1}, out.Shape)
	for _, v := range out.Data {
		assert.True(t, v > 0 && v < 1, "sigmoid output %v", v)
	}
}
