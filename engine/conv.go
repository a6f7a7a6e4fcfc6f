package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-finetune/layers"
	"github.com/tsawler/go-finetune/tensor"
)

// geometry caches the spatial layout of convolution and pooling layers
type geometry struct {
	c, h, w    int // input
	k, stride  int
	padT, padL int
	outC       int
	outH, outW int
}

func (g geometry) pointwise() bool {
	return g.k == 1 && g.stride == 1 && g.padT == 0 && g.padL == 0
}

func layerGeometry(layer *layers.LayerSpec) (geometry, error) {
	var k, stride, outC int
	switch layer.Type {
	case layers.Conv2D, layers.SeparableConv2D:
		k = layer.IntParam("kernel_size", 0)
		stride = layer.IntParam("stride", 1)
		outC = layer.IntParam("filters", 0)
	case layers.MaxPool2D:
		k = layer.IntParam("pool_size", 2)
		stride = layer.IntParam("stride", k)
		outC = layer.InputShapes[0][0]
	default:
		return geometry{}, nil
	}
	in := layer.InputShapes[0]
	padding := layer.StringParam("padding", layers.PaddingValid)
	outH, padT, _, err := layers.Padding(in[1], k, stride, padding)
	if err != nil {
		return geometry{}, err
	}
	outW, padL, _, err := layers.Padding(in[2], k, stride, padding)
	if err != nil {
		return geometry{}, err
	}
	return geometry{
		c: in[0], h: in[1], w: in[2],
		k: k, stride: stride,
		padT: padT, padL: padL,
		outC: outC, outH: outH, outW: outW,
	}, nil
}

// depthGeometry is the depthwise half of a separable convolution
func (g geometry) depthGeometry() geometry {
	d := g
	d.outC = g.c
	return d
}

// pointGeometry is the 1x1 half of a separable convolution
func (g geometry) pointGeometry() geometry {
	return geometry{
		c: g.c, h: g.outH, w: g.outW,
		k: 1, stride: 1,
		outC: g.outC, outH: g.outH, outW: g.outW,
	}
}

// im2col unrolls the receptive fields of one [C,H,W] sample into a
// [C*k*k, outH*outW] matrix. Out-of-bounds taps read zero.
func im2col(src []float32, g geometry, cols []float32) {
	ohw := g.outH * g.outW
	for ch := 0; ch < g.c; ch++ {
		plane := src[ch*g.h*g.w : (ch+1)*g.h*g.w]
		for ky := 0; ky < g.k; ky++ {
			for kx := 0; kx < g.k; kx++ {
				row := (ch*g.k+ky)*g.k + kx
				dst := cols[row*ohw : (row+1)*ohw]
				for oy := 0; oy < g.outH; oy++ {
					iy := oy*g.stride - g.padT + ky
					line := dst[oy*g.outW : (oy+1)*g.outW]
					if iy < 0 || iy >= g.h {
						for i := range line {
							line[i] = 0
						}
						continue
					}
					for ox := range line {
						ix := ox*g.stride - g.padL + kx
						if ix < 0 || ix >= g.w {
							line[ox] = 0
						} else {
							line[ox] = plane[iy*g.w+ix]
						}
					}
				}
			}
		}
	}
}

// col2im accumulates a column matrix back into a [C,H,W] gradient
func col2im(cols []float32, g geometry, dst []float32) {
	ohw := g.outH * g.outW
	for ch := 0; ch < g.c; ch++ {
		plane := dst[ch*g.h*g.w : (ch+1)*g.h*g.w]
		for ky := 0; ky < g.k; ky++ {
			for kx := 0; kx < g.k; kx++ {
				row := (ch*g.k+ky)*g.k + kx
				src := cols[row*ohw : (row+1)*ohw]
				for oy := 0; oy < g.outH; oy++ {
					iy := oy*g.stride - g.padT + ky
					if iy < 0 || iy >= g.h {
						continue
					}
					for ox := 0; ox < g.outW; ox++ {
						ix := ox*g.stride - g.padL + kx
						if ix >= 0 && ix < g.w {
							plane[iy*g.w+ix] += src[oy*g.outW+ox]
						}
					}
				}
			}
		}
	}
}

// convForward computes a dense convolution with weights [F, C, k, k]
func (e *Engine) convForward(ctx context.Context, g geometry, x, weight, bias *tensor.Tensor) (*tensor.Tensor, error) {
	batch := x.Shape[0]
	out := tensor.New(batch, g.outC, g.outH, g.outW)
	ckk := g.c * g.k * g.k
	ohw := g.outH * g.outW
	wMat := blas32.General{Rows: g.outC, Cols: ckk, Stride: ckk, Data: weight.Data}

	err := e.parallel(ctx, batch, func(lo, hi int) error {
		var cols []float32
		if !g.pointwise() {
			cols = e.pool.Get(ckk * ohw)
			defer e.pool.Put(cols)
		}
		for n := lo; n < hi; n++ {
			colMat := blas32.General{Rows: ckk, Cols: ohw, Stride: ohw}
			if g.pointwise() {
				colMat.Data = x.Sample(n)
			} else {
				im2col(x.Sample(n), g, cols)
				colMat.Data = cols
			}
			dst := out.Sample(n)
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, wMat, colMat, 0,
				blas32.General{Rows: g.outC, Cols: ohw, Stride: ohw, Data: dst})
			if bias != nil {
				addChannelBias(dst, bias.Data, ohw)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// convBackward returns gradients for the weights, bias and input of a
// convolution. Results the caller does not ask for are nil.
func (e *Engine) convBackward(ctx context.Context, g geometry, x, weight, dOut *tensor.Tensor, wantWeight, wantBias, wantInput bool) (dW, dB, dX *tensor.Tensor, err error) {
	batch := x.Shape[0]
	ckk := g.c * g.k * g.k
	ohw := g.outH * g.outW
	wMat := blas32.General{Rows: g.outC, Cols: ckk, Stride: ckk, Data: weight.Data}

	if wantWeight {
		dW = tensor.New(weight.Shape...)
	}
	if wantInput {
		dX = tensor.New(x.Shape...)
	}
	if wantBias {
		dB = tensor.New(g.outC)
		for n := 0; n < batch; n++ {
			dy := dOut.Sample(n)
			for f := 0; f < g.outC; f++ {
				var s float32
				for _, v := range dy[f*ohw : (f+1)*ohw] {
					s += v
				}
				dB.Data[f] += s
			}
		}
	}
	if !wantWeight && !wantInput {
		return dW, dB, dX, nil
	}

	var mu sync.Mutex
	err = e.parallel(ctx, batch, func(lo, hi int) error {
		var cols, dCols, dWLocal []float32
		if !g.pointwise() {
			cols = e.pool.Get(ckk * ohw)
			defer e.pool.Put(cols)
			if wantInput {
				dCols = e.pool.Get(ckk * ohw)
				defer e.pool.Put(dCols)
			}
		}
		if wantWeight {
			dWLocal = e.pool.Get(len(weight.Data))
			defer e.pool.Put(dWLocal)
		}

		for n := lo; n < hi; n++ {
			dyMat := blas32.General{Rows: g.outC, Cols: ohw, Stride: ohw, Data: dOut.Sample(n)}
			colMat := blas32.General{Rows: ckk, Cols: ohw, Stride: ohw}
			if g.pointwise() {
				colMat.Data = x.Sample(n)
			} else {
				im2col(x.Sample(n), g, cols)
				colMat.Data = cols
			}

			if wantWeight {
				blas32.Gemm(blas.NoTrans, blas.Trans, 1, dyMat, colMat, 1,
					blas32.General{Rows: g.outC, Cols: ckk, Stride: ckk, Data: dWLocal})
			}
			if wantInput {
				if g.pointwise() {
					blas32.Gemm(blas.Trans, blas.NoTrans, 1, wMat, dyMat, 0,
						blas32.General{Rows: ckk, Cols: ohw, Stride: ohw, Data: dX.Sample(n)})
				} else {
					blas32.Gemm(blas.Trans, blas.NoTrans, 1, wMat, dyMat, 0,
						blas32.General{Rows: ckk, Cols: ohw, Stride: ohw, Data: dCols})
					col2im(dCols, g, dX.Sample(n))
				}
			}
		}

		if wantWeight {
			mu.Lock()
			for i, v := range dWLocal {
				dW.Data[i] += v
			}
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return dW, dB, dX, nil
}

// depthwiseForward convolves each channel with its own [k, k] kernel
func (e *Engine) depthwiseForward(ctx context.Context, g geometry, x, kernel *tensor.Tensor) (*tensor.Tensor, error) {
	batch := x.Shape[0]
	out := tensor.New(batch, g.c, g.outH, g.outW)
	kk := g.k * g.k

	err := e.parallel(ctx, batch, func(lo, hi int) error {
		for n := lo; n < hi; n++ {
			src := x.Sample(n)
			dst := out.Sample(n)
			for ch := 0; ch < g.c; ch++ {
				plane := src[ch*g.h*g.w:]
				kc := kernel.Data[ch*kk : (ch+1)*kk]
				od := dst[ch*g.outH*g.outW:]
				for oy := 0; oy < g.outH; oy++ {
					for ox := 0; ox < g.outW; ox++ {
						var sum float32
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
								sum += plane[iy*g.w+ix] * kc[ky*g.k+kx]
							}
						}
						od[oy*g.outW+ox] = sum
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

// depthwiseBackward parallelises over channels so kernel gradients need no locking
func (e *Engine) depthwiseBackward(ctx context.Context, g geometry, x, kernel, dOut *tensor.Tensor, wantKernel, wantInput bool) (dK, dX *tensor.Tensor, err error) {
	batch := x.Shape[0]
	kk := g.k * g.k
	if wantKernel {
		dK = tensor.New(kernel.Shape...)
	}
	if wantInput {
		dX = tensor.New(x.Shape...)
	}
	if !wantKernel && !wantInput {
		return nil, nil, nil
	}

	inPlane := g.h * g.w
	outPlane := g.outH * g.outW
	err = e.parallel(ctx, g.c, func(lo, hi int) error {
		for ch := lo; ch < hi; ch++ {
			kc := kernel.Data[ch*kk : (ch+1)*kk]
			for n := 0; n < batch; n++ {
				plane := x.Sample(n)[ch*inPlane : (ch+1)*inPlane]
				dy := dOut.Sample(n)[ch*outPlane : (ch+1)*outPlane]
				var dxPlane []float32
				if wantInput {
					dxPlane = dX.Sample(n)[ch*inPlane : (ch+1)*inPlane]
				}
				for oy := 0; oy < g.outH; oy++ {
					for ox := 0; ox < g.outW; ox++ {
						grad := dy[oy*g.outW+ox]
						if grad == 0 {
							continue
						}
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
								if wantKernel {
									dK.Data[ch*kk+ky*g.k+kx] += grad * plane[iy*g.w+ix]
								}
								if wantInput {
									dxPlane[iy*g.w+ix] += grad * kc[ky*g.k+kx]
								}
							}
						}
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return dK, dX, nil
}

func addChannelBias(dst, bias []float32, plane int) {
	for f, b := range bias {
		row := dst[f*plane : (f+1)*plane]
		for i := range row {
			row[i] += b
		}
	}
}

// parallelFor runs fn over contiguous chunks of [0, n) on an errgroup
func parallelFor(ctx context.Context, workers, n int, fn func(lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	if workers <= 1 || n == 1 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(0, n)
	}
	chunk := (n + workers - 1) / workers
	g, gctx := errgroup.WithContext(ctx)
	for lo := 0; lo < n; lo += chunk {
		lo, hi := lo, min(lo+chunk, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(lo, hi)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("parallel section: %w", err)
	}
	return nil
}
