package models

import (
	"fmt"

	"github.com/tsawler/go-finetune/layers"
)

// xception names the residual projections the way Keras auto-names them:
// conv2d, conv2d_1, ... and add, add_1, ...
type xception struct {
	b     *layers.ModelBuilder
	convs int
	adds  int
}

func autoName(base string, n int) string {
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, n)
}

func (x *xception) bn(name string) {
	x.b.AddBatchNorm(bnEpsilon, bnMomentum, name)
}

// projection is the strided 1x1 shortcut of an entry or exit block
func (x *xception) projection(from string, filters int) string {
	conv := autoName("conv2d", x.convs)
	bn := autoName("batch_normalization", x.convs)
	x.convs++
	x.b.From(from).AddConv2D(filters, 1, 2, layers.PaddingSame, false, conv)
	x.bn(bn)
	return bn
}

func (x *xception) add(a, b string) string {
	name := autoName("add", x.adds)
	x.adds++
	x.b.AddAdd(name, a, b)
	return name
}

// sepconv appends blockN_sepconvM (+ _bn), optionally preceded by its _act ReLU
func (x *xception) sepconv(block, idx, filters int, preAct bool) {
	name := fmt.Sprintf("block%d_sepconv%d", block, idx)
	if preAct {
		x.b.AddReLU(name + "_act")
	}
	x.b.AddSeparableConv2D(filters, 3, 1, layers.PaddingSame, false, name)
	x.bn(name + "_bn")
}

// downBlock is an entry or exit block: two separable convs, a strided max
// pool and a projected shortcut. The first block skips the leading ReLU.
func (x *xception) downBlock(block, f1, f2 int, firstAct bool) {
	input := x.b.LastName()
	residual := x.projection(input, f2)
	x.b.From(input)
	x.sepconv(block, 1, f1, firstAct)
	x.sepconv(block, 2, f2, true)
	pool := fmt.Sprintf("block%d_pool", block)
	x.b.AddMaxPool2D(3, 2, layers.PaddingSame, pool)
	x.add(pool, residual)
}

func buildXception(b *layers.ModelBuilder, opts Options) {
	x := &xception{b: b}

	b.AddConv2D(32, 3, 2, layers.PaddingValid, false, "block1_conv1")
	x.bn("block1_conv1_bn")
	b.AddReLU("block1_conv1_act")
	b.AddConv2D(64, 3, 1, layers.PaddingValid, false, "block1_conv2")
	x.bn("block1_conv2_bn")
	b.AddReLU("block1_conv2_act")

	// entry flow
	x.downBlock(2, 128, 128, false)
	x.downBlock(3, 256, 256, true)
	x.downBlock(4, 728, 728, true)

	// middle flow
	for block := 5; block <= 12; block++ {
		residual := b.LastName()
		for i := 1; i <= 3; i++ {
			x.sepconv(block, i, 728, true)
		}
		x.add(b.LastName(), residual)
	}

	// exit flow
	x.downBlock(13, 728, 1024, true)
	b.AddSeparableConv2D(1536, 3, 1, layers.PaddingSame, false, "block14_sepconv1")
	x.bn("block14_sepconv1_bn")
	b.AddReLU("block14_sepconv1_act")
	b.AddSeparableConv2D(2048, 3, 1, layers.PaddingSame, false, "block14_sepconv2")
	x.bn("block14_sepconv2_bn")
	b.AddReLU("block14_sepconv2_act")

	if opts.IncludeTop {
		b.AddGlobalAveragePool2D("avg_pool").
			AddDense(opts.Classes, true, "predictions").
			AddSoftmax("predictions_softmax")
	}
}
