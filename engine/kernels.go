package engine

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-finetune/layers"
	"github.com/tsawler/go-finetune/tensor"
)

func (e *Engine) param(layer *layers.LayerSpec, name string) *tensor.Tensor {
	return e.weights.Get(layer.Name, name)
}

func (e *Engine) forwardLayer(ctx context.Context, i int, inputs []*tensor.Tensor, state *layerState) (*tensor.Tensor, error) {
	layer := &e.spec.Layers[i]
	g := e.geoms[i]
	x := inputs[0]
	batch := x.Shape[0]

	switch layer.Type {
	case layers.Conv2D:
		return e.convForward(ctx, g, x, e.param(layer, layers.ParamWeight), e.param(layer, layers.ParamBias))

	case layers.SeparableConv2D:
		depth, err := e.depthwiseForward(ctx, g.depthGeometry(), x, e.param(layer, layers.ParamDepthwise))
		if err != nil {
			return nil, err
		}
		state.depth = depth
		return e.convForward(ctx, g.pointGeometry(), depth, e.param(layer, layers.ParamPointwise), e.param(layer, layers.ParamBias))

	case layers.Dense:
		return denseForward(x, e.param(layer, layers.ParamWeight), e.param(layer, layers.ParamBias))

	case layers.MaxPool2D:
		return e.maxPoolForward(ctx, g, x, state)

	case layers.GlobalAveragePool2D:
		c, plane := x.Shape[1], x.Shape[2]*x.Shape[3]
		out := tensor.New(batch, c)
		for n := 0; n < batch; n++ {
			src := x.Sample(n)
			for ch := 0; ch < c; ch++ {
				var s float32
				for _, v := range src[ch*plane : (ch+1)*plane] {
					s += v
				}
				out.Data[n*c+ch] = s / float32(plane)
			}
		}
		return out, nil

	case layers.Flatten:
		return x.Reshape(batch, x.SampleSize())

	case layers.BatchNorm:
		return e.batchNormForward(ctx, layer, x, state)

	case layers.ReLU:
		out := tensor.New(x.Shape...)
		for j, v := range x.Data {
			if v > 0 {
				out.Data[j] = v
			}
		}
		return out, nil

	case layers.Sigmoid:
		out := tensor.New(x.Shape...)
		for j, v := range x.Data {
			out.Data[j] = sigmoid(v)
		}
		return out, nil

	case layers.Softmax:
		out := tensor.New(x.Shape...)
		for n := 0; n < batch; n++ {
			softmax(x.Sample(n), out.Sample(n))
		}
		return out, nil

	case layers.Dropout:
		rate := layer.FloatParam("rate", 0)
		if !state.training || rate <= 0 {
			return x, nil
		}
		if rate >= 1 {
			return nil, fmt.Errorf("dropout rate %v must be below 1", rate)
		}
		state.mask = e.dropoutMask(len(x.Data), rate)
		out := tensor.New(x.Shape...)
		for j, v := range x.Data {
			out.Data[j] = v * state.mask[j]
		}
		return out, nil

	case layers.Add:
		out := x.Clone()
		for _, other := range inputs[1:] {
			if err := out.AddInPlace(other); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported layer type %s", layer.Type)
}

// backwardLayer returns input gradients (nil where not wanted) and records
// parameter gradients of trainable layers in grads. Returned tensors never
// alias dOut.
func (e *Engine) backwardLayer(ctx context.Context, i int, inputs []*tensor.Tensor, out, dOut *tensor.Tensor, state *layerState, wantInput []bool, grads *Gradients) ([]*tensor.Tensor, error) {
	layer := &e.spec.Layers[i]
	g := e.geoms[i]
	x := inputs[0]
	batch := x.Shape[0]
	trainParams := layer.Trainable
	dInputs := make([]*tensor.Tensor, len(inputs))

	switch layer.Type {
	case layers.Conv2D:
		weight := e.param(layer, layers.ParamWeight)
		hasBias := e.param(layer, layers.ParamBias) != nil
		dW, dB, dX, err := e.convBackward(ctx, g, x, weight, dOut, trainParams, trainParams && hasBias, wantInput[0])
		if err != nil {
			return nil, err
		}
		if dW != nil {
			grads.add(layer.Name, layers.ParamWeight, dW)
		}
		if dB != nil {
			grads.add(layer.Name, layers.ParamBias, dB)
		}
		dInputs[0] = dX

	case layers.SeparableConv2D:
		pointwise := e.param(layer, layers.ParamPointwise)
		hasBias := e.param(layer, layers.ParamBias) != nil
		dPW, dB, dDepth, err := e.convBackward(ctx, g.pointGeometry(), state.depth, pointwise, dOut, trainParams, trainParams && hasBias, trainParams || wantInput[0])
		if err != nil {
			return nil, err
		}
		if dPW != nil {
			grads.add(layer.Name, layers.ParamPointwise, dPW)
		}
		if dB != nil {
			grads.add(layer.Name, layers.ParamBias, dB)
		}
		if dDepth != nil {
			dK, dX, err := e.depthwiseBackward(ctx, g.depthGeometry(), x, e.param(layer, layers.ParamDepthwise), dDepth, trainParams, wantInput[0])
			if err != nil {
				return nil, err
			}
			if dK != nil {
				grads.add(layer.Name, layers.ParamDepthwise, dK)
			}
			dInputs[0] = dX
		}

	case layers.Dense:
		dW, dB, dX := denseBackward(x, e.param(layer, layers.ParamWeight), e.param(layer, layers.ParamBias) != nil, dOut, trainParams, wantInput[0])
		if dW != nil {
			grads.add(layer.Name, layers.ParamWeight, dW)
		}
		if dB != nil {
			grads.add(layer.Name, layers.ParamBias, dB)
		}
		dInputs[0] = dX

	case layers.MaxPool2D:
		dX := tensor.New(x.Shape...)
		outPlane := g.c * g.outH * g.outW
		for n := 0; n < batch; n++ {
			dx := dX.Sample(n)
			dy := dOut.Sample(n)
			idx := state.argmax[n*outPlane : (n+1)*outPlane]
			for j, v := range dy {
				dx[idx[j]] += v
			}
		}
		dInputs[0] = dX

	case layers.GlobalAveragePool2D:
		dX := tensor.New(x.Shape...)
		c, plane := x.Shape[1], x.Shape[2]*x.Shape[3]
		scale := 1 / float32(plane)
		for n := 0; n < batch; n++ {
			dx := dX.Sample(n)
			for ch := 0; ch < c; ch++ {
				v := dOut.Data[n*c+ch] * scale
				row := dx[ch*plane : (ch+1)*plane]
				for j := range row {
					row[j] = v
				}
			}
		}
		dInputs[0] = dX

	case layers.Flatten:
		dX := dOut.Clone()
		dX.Shape = append([]int(nil), x.Shape...)
		dInputs[0] = dX

	case layers.BatchNorm:
		dX, err := e.batchNormBackward(ctx, layer, x, dOut, state, trainParams, grads)
		if err != nil {
			return nil, err
		}
		dInputs[0] = dX

	case layers.ReLU:
		dX := tensor.New(x.Shape...)
		for j, v := range out.Data {
			if v > 0 {
				dX.Data[j] = dOut.Data[j]
			}
		}
		dInputs[0] = dX

	case layers.Sigmoid:
		dX := tensor.New(x.Shape...)
		for j, y := range out.Data {
			dX.Data[j] = dOut.Data[j] * y * (1 - y)
		}
		dInputs[0] = dX

	case layers.Softmax:
		dX := tensor.New(x.Shape...)
		for n := 0; n < batch; n++ {
			y, dy, dx := out.Sample(n), dOut.Sample(n), dX.Sample(n)
			var dot float32
			for j := range y {
				dot += y[j] * dy[j]
			}
			for j := range y {
				dx[j] = y[j] * (dy[j] - dot)
			}
		}
		dInputs[0] = dX

	case layers.Dropout:
		dX := dOut.Clone()
		if state.mask != nil {
			for j := range dX.Data {
				dX.Data[j] *= state.mask[j]
			}
		}
		dInputs[0] = dX

	case layers.Add:
		for j := range inputs {
			if wantInput[j] {
				dInputs[j] = dOut.Clone()
			}
		}

	default:
		return nil, fmt.Errorf("unsupported layer type %s", layer.Type)
	}
	return dInputs, nil
}

// denseForward computes x[B, in] @ w[in, units] + b
func denseForward(x, weight, bias *tensor.Tensor) (*tensor.Tensor, error) {
	batch := x.Shape[0]
	in, units := weight.Shape[0], weight.Shape[1]
	if x.SampleSize() != in {
		return nil, fmt.Errorf("dense expects %d inputs per sample, got %d", in, x.SampleSize())
	}
	out := tensor.New(batch, units)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: batch, Cols: in, Stride: in, Data: x.Data},
		blas32.General{Rows: in, Cols: units, Stride: units, Data: weight.Data},
		0,
		blas32.General{Rows: batch, Cols: units, Stride: units, Data: out.Data})
	if bias != nil {
		for n := 0; n < batch; n++ {
			row := out.Data[n*units : (n+1)*units]
			for j, b := range bias.Data {
				row[j] += b
			}
		}
	}
	return out, nil
}

func denseBackward(x, weight *tensor.Tensor, hasBias bool, dOut *tensor.Tensor, wantParams, wantInput bool) (dW, dB, dX *tensor.Tensor) {
	batch := x.Shape[0]
	in, units := weight.Shape[0], weight.Shape[1]
	xMat := blas32.General{Rows: batch, Cols: in, Stride: in, Data: x.Data}
	dyMat := blas32.General{Rows: batch, Cols: units, Stride: units, Data: dOut.Data}

	if wantParams {
		dW = tensor.New(weight.Shape...)
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, xMat, dyMat, 0,
			blas32.General{Rows: in, Cols: units, Stride: units, Data: dW.Data})
		if hasBias {
			dB = tensor.New(units)
			for n := 0; n < batch; n++ {
				for j, v := range dOut.Data[n*units : (n+1)*units] {
					dB.Data[j] += v
				}
			}
		}
	}
	if wantInput {
		dX = tensor.New(x.Shape...)
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, dyMat,
			blas32.General{Rows: in, Cols: units, Stride: units, Data: weight.Data}, 0,
			blas32.General{Rows: batch, Cols: in, Stride: in, Data: dX.Data})
	}
	return dW, dB, dX
}

// maxPoolForward treats padded taps as -inf and records the winning input index
func (e *Engine) maxPoolForward(ctx context.Context, g geometry, x *tensor.Tensor, state *layerState) (*tensor.Tensor, error) {
	batch := x.Shape[0]
	out := tensor.New(batch, g.c, g.outH, g.outW)
	outSample := g.c * g.outH * g.outW
	state.argmax = make([]int32, batch*outSample)

	err := e.parallel(ctx, batch, func(lo, hi int) error {
		for n := lo; n < hi; n++ {
			src := x.Sample(n)
			dst := out.Sample(n)
			idx := state.argmax[n*outSample : (n+1)*outSample]
			for ch := 0; ch < g.c; ch++ {
				base := ch * g.h * g.w
				for oy := 0; oy < g.outH; oy++ {
					for ox := 0; ox < g.outW; ox++ {
						best := float32(math.Inf(-1))
						bestIdx := -1
						for ky := 0; ky < g.k; ky++ {
							iy := oy*g.stride - g.padT + ky
							if iy < 0 || iy >= g.h {
								continue
							}
							for kx := 0; kx < g.k; kx++ {
								ix := ox*g.stride - g.padL + kx
								if ix < 0 || ix >= g.w {
									continue
								}
								p := base + iy*g.w + ix
								if bestIdx < 0 || src[p] > best {
									best = src[p]
									bestIdx = p
								}
							}
						}
						o := (ch*g.outH+oy)*g.outW + ox
						dst[o] = best
						idx[o] = int32(bestIdx)
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// bnLayout returns channel count and elements per channel per sample
func bnLayout(x *tensor.Tensor) (channels, plane int) {
	channels = x.Shape[1]
	plane = 1
	for _, d := range x.Shape[2:] {
		plane *= d
	}
	return channels, plane
}

func (e *Engine) batchNormForward(ctx context.Context, layer *layers.LayerSpec, x *tensor.Tensor, state *layerState) (*tensor.Tensor, error) {
	eps := layer.FloatParam("epsilon", 1e-3)
	momentum := layer.FloatParam("momentum", 0.99)
	gamma := e.param(layer, layers.ParamGamma).Data
	beta := e.param(layer, layers.ParamBeta).Data
	movingMean := e.param(layer, layers.ParamMovingMean).Data
	movingVar := e.param(layer, layers.ParamMovingVariance).Data

	batch := x.Shape[0]
	channels, plane := bnLayout(x)
	out := tensor.New(x.Shape...)
	state.invStd = make([]float32, channels)

	if !state.training {
		for ch := 0; ch < channels; ch++ {
			state.invStd[ch] = float32(1 / math.Sqrt(float64(movingVar[ch]+eps)))
		}
		for n := 0; n < batch; n++ {
			src, dst := x.Sample(n), out.Sample(n)
			for ch := 0; ch < channels; ch++ {
				scale := gamma[ch] * state.invStd[ch]
				shift := beta[ch] - movingMean[ch]*scale
				for j := ch * plane; j < (ch+1)*plane; j++ {
					dst[j] = src[j]*scale + shift
				}
			}
		}
		return out, nil
	}

	if batch*plane < 2 {
		return nil, fmt.Errorf("batch norm in training mode needs more than one value per channel")
	}
	state.xhat = tensor.New(x.Shape...)
	count := float64(batch * plane)
	err := e.parallel(ctx, channels, func(lo, hi int) error {
		for ch := lo; ch < hi; ch++ {
			var sum float64
			for n := 0; n < batch; n++ {
				for _, v := range x.Sample(n)[ch*plane : (ch+1)*plane] {
					sum += float64(v)
				}
			}
			mean := sum / count
			var sq float64
			for n := 0; n < batch; n++ {
				for _, v := range x.Sample(n)[ch*plane : (ch+1)*plane] {
					d := float64(v) - mean
					sq += d * d
				}
			}
			variance := sq / count
			inv := float32(1 / math.Sqrt(variance+float64(eps)))
			state.invStd[ch] = inv

			for n := 0; n < batch; n++ {
				src := x.Sample(n)[ch*plane : (ch+1)*plane]
				xh := state.xhat.Sample(n)[ch*plane : (ch+1)*plane]
				dst := out.Sample(n)[ch*plane : (ch+1)*plane]
				for j, v := range src {
					xh[j] = (v - float32(mean)) * inv
					dst[j] = gamma[ch]*xh[j] + beta[ch]
				}
			}

			movingMean[ch] = movingMean[ch]*momentum + float32(mean)*(1-momentum)
			movingVar[ch] = movingVar[ch]*momentum + float32(variance)*(1-momentum)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) batchNormBackward(ctx context.Context, layer *layers.LayerSpec, x, dOut *tensor.Tensor, state *layerState, wantParams bool, grads *Gradients) (*tensor.Tensor, error) {
	gamma := e.param(layer, layers.ParamGamma).Data
	movingMean := e.param(layer, layers.ParamMovingMean).Data
	batch := x.Shape[0]
	channels, plane := bnLayout(x)
	dX := tensor.New(x.Shape...)

	var dGamma, dBeta *tensor.Tensor
	if wantParams {
		dGamma = tensor.New(channels)
		dBeta = tensor.New(channels)
	}

	err := e.parallel(ctx, channels, func(lo, hi int) error {
		for ch := lo; ch < hi; ch++ {
			inv := state.invStd[ch]
			var sumDy, sumDyXhat float32
			for n := 0; n < batch; n++ {
				dy := dOut.Sample(n)[ch*plane : (ch+1)*plane]
				for j, v := range dy {
					var xh float32
					if state.training {
						xh = state.xhat.Sample(n)[ch*plane+j]
					} else {
						xh = (x.Sample(n)[ch*plane+j] - movingMean[ch]) * inv
					}
					sumDy += v
					sumDyXhat += v * xh
				}
			}
			if wantParams {
				dGamma.Data[ch] = sumDyXhat
				dBeta.Data[ch] = sumDy
			}

			if !state.training {
				scale := gamma[ch] * inv
				for n := 0; n < batch; n++ {
					dy := dOut.Sample(n)[ch*plane : (ch+1)*plane]
					dx := dX.Sample(n)[ch*plane : (ch+1)*plane]
					for j, v := range dy {
						dx[j] = v * scale
					}
				}
				continue
			}

			m := float32(batch * plane)
			k := gamma[ch] * inv / m
			for n := 0; n < batch; n++ {
				dy := dOut.Sample(n)[ch*plane : (ch+1)*plane]
				xh := state.xhat.Sample(n)[ch*plane : (ch+1)*plane]
				dx := dX.Sample(n)[ch*plane : (ch+1)*plane]
				for j, v := range dy {
					dx[j] = k * (m*v - sumDy - xh[j]*sumDyXhat)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if wantParams {
		grads.add(layer.Name, layers.ParamGamma, dGamma)
		grads.add(layer.Name, layers.ParamBeta, dBeta)
	}
	return dX, nil
}

func sigmoid(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}

func softmax(src, dst []float32) {
	maxV := float32(math.Inf(-1))
	for _, v := range src {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for j, v := range src {
		ex := math.Exp(float64(v - maxV))
		dst[j] = float32(ex)
		sum += ex
	}
	for j := range dst {
		dst[j] = float32(float64(dst[j]) / sum)
	}
}
