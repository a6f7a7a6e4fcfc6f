package models

import (
	"github.com/tsawler/go-finetune/layers"
)

// buildTiny is a miniature of the xception layout (stem, one residual
// separable block, a plain conv) for smoke runs and tests
func buildTiny(b *layers.ModelBuilder, opts Options) {
	x := &xception{b: b}

	b.AddConv2D(8, 3, 2, layers.PaddingSame, false, "conv1")
	x.bn("conv1_bn")
	b.AddReLU("conv1_act")

	input := b.LastName()
	residual := x.projection(input, 16)
	b.From(input).AddSeparableConv2D(16, 3, 1, layers.PaddingSame, false, "sepconv1")
	x.bn("sepconv1_bn")
	b.AddReLU("sepconv1_act")
	b.AddMaxPool2D(3, 2, layers.PaddingSame, "pool1")
	x.add("pool1", residual)

	b.AddConv2D(32, 3, 1, layers.PaddingSame, true, "conv2")
	b.AddReLU("conv2_act")

	if opts.IncludeTop {
		b.AddGlobalAveragePool2D("avg_pool").
			AddDropout(0.2, "dropout").
			AddDense(opts.Classes, true, "predictions").
			AddSoftmax("predictions_softmax")
	}
}
