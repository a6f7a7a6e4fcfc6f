package models

import (
	"fmt"

	"github.com/tsawler/go-finetune/layers"
)

var vggBlocks = [][]int{
	{64, 64},
	{128, 128},
	{256, 256, 256},
	{512, 512, 512},
	{512, 512, 512},
}

// buildVGG16 lays out VGG16: five conv blocks and, with the top, two 4096
// unit layers and the classifier
func buildVGG16(b *layers.ModelBuilder, opts Options) {
	for i, block := range vggBlocks {
		for j, filters := range block {
			name := fmt.Sprintf("block%d_conv%d", i+1, j+1)
			b.AddConv2D(filters, 3, 1, layers.PaddingSame, true, name).
				AddReLU(name + "_relu")
		}
		b.AddMaxPool2D(2, 2, layers.PaddingValid, fmt.Sprintf("block%d_pool", i+1))
	}
	if !opts.IncludeTop {
		return
	}
	b.AddFlatten("flatten").
		AddDense(4096, true, "fc1").AddReLU("fc1_relu").
		AddDense(4096, true, "fc2").AddReLU("fc2_relu").
		AddDense(opts.Classes, true, "predictions").AddSoftmax("predictions_softmax")
}
