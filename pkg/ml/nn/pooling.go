// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/xai/pkg/core/graph"
	"github.com/gomlx/xai/pkg/core/shapes"
	"github.com/gomlx/xai/pkg/core/tensors"
)

// poolWindows calls fn for every output position of a 2D pooling over x (shape [batch, channels, height, width]),
// with the flat indices of the input elements in its window.
func poolWindows(x *tensors.Tensor, kernel, stride int, fn func(outputIdx int, window []int)) shapes.Shape {
	x.Shape().AssertRank(4)
	dims := x.Dims()
	batchSize, channels, inH, inW := dims[0], dims[1], dims[2], dims[3]
	outH, outW := (inH-kernel)/stride+1, (inW-kernel)/stride+1
	if outH <= 0 || outW <= 0 {
		exceptions.Panicf("pooling: input of shape %s too small for kernel %d", x.Shape(), kernel)
	}
	window := make([]int, 0, kernel*kernel)
	for plane := range batchSize * channels {
		for oh := range outH {
			for ow := range outW {
				window = window[:0]
				for kh := range kernel {
					for kw := range kernel {
						window = append(window, (plane*inH+oh*stride+kh)*inW+ow*stride+kw)
					}
				}
				fn((plane*outH+oh)*outW+ow, window)
			}
		}
	}
	return shapes.Make(batchSize, channels, outH, outW)
}

func checkPoolConfig(kernel, stride int) int {
	if stride == 0 {
		stride = kernel
	}
	if kernel <= 0 || stride < 0 {
		exceptions.Panicf("nn: invalid pooling kernel=%d, stride=%d", kernel, stride)
	}
	return stride
}

// AvgPool2D averages non-overlapping (by default) windows of the spatial axes.
type AvgPool2D struct {
	Base
	Kernel, Stride int
}

// NewAvgPool2D creates an AvgPool2D. If stride is 0 it defaults to kernel.
func NewAvgPool2D(kernel, stride int) *AvgPool2D {
	return &AvgPool2D{Kernel: kernel, Stride: checkPoolConfig(kernel, stride)}
}

// Descriptor implements Module.
func (p *AvgPool2D) Descriptor() Descriptor {
	return Descriptor{Kind: KindAvgPool2D, Caps: CapPooling}
}

// Children implements Module.
func (p *AvgPool2D) Children() []Child { return nil }

// Forward implements Module.
func (p *AvgPool2D) Forward(inputs ...*graph.Node) *graph.Node { return ApplyLeaf(p, inputs...) }

// Apply implements Leaf.
func (p *AvgPool2D) Apply(inputs ...*tensors.Tensor) *tensors.Tensor {
	x := singleInput(p, inputs)
	in := x.Flat()
	var out []float64
	norm := float64(p.Kernel * p.Kernel)
	outShape := poolWindows(x, p.Kernel, p.Stride, func(outputIdx int, window []int) {
		var sum float64
		for _, idx := range window {
			sum += in[idx]
		}
		out = append(out, sum/norm)
	})
	return tensors.FromFlatDataAndDimensions(out, outShape.Dimensions...)
}

// VJP implements Leaf.
func (p *AvgPool2D) VJP(inputs []*tensors.Tensor, _, v *tensors.Tensor) []*tensors.Tensor {
	x := singleInput(p, inputs)
	grad := tensors.ZerosLike(x)
	g, adjoint := grad.Flat(), v.Flat()
	norm := float64(p.Kernel * p.Kernel)
	poolWindows(x, p.Kernel, p.Stride, func(outputIdx int, window []int) {
		for _, idx := range window {
			g[idx] += adjoint[outputIdx] / norm
		}
	})
	return []*tensors.Tensor{grad}
}

// MaxPool2D takes the maximum of non-overlapping (by default) windows of the spatial axes.
type MaxPool2D struct {
	Base
	Kernel, Stride int
}

// NewMaxPool2D creates a MaxPool2D. If stride is 0 it defaults to kernel.
func NewMaxPool2D(kernel, stride int) *MaxPool2D {
	return &MaxPool2D{Kernel: kernel, Stride: checkPoolConfig(kernel, stride)}
}

// Descriptor implements Module.
func (p *MaxPool2D) Descriptor() Descriptor {
	return Descriptor{Kind: KindMaxPool2D, Caps: CapPooling}
}

// Children implements Module.
func (p *MaxPool2D) Children() []Child { return nil }

// Forward implements Module.
func (p *MaxPool2D) Forward(inputs ...*graph.Node) *graph.Node { return ApplyLeaf(p, inputs...) }

// argMax returns the index (from window) of the largest element. Ties go to the first one.
func argMax(in []float64, window []int) int {
	best, bestValue := window[0], math.Inf(-1)
	for _, idx := range window {
		if in[idx] > bestValue {
			best, bestValue = idx, in[idx]
		}
	}
	return best
}

// Apply implements Leaf.
func (p *MaxPool2D) Apply(inputs ...*tensors.Tensor) *tensors.Tensor {
	x := singleInput(p, inputs)
	in := x.Flat()
	var out []float64
	outShape := poolWindows(x, p.Kernel, p.Stride, func(_ int, window []int) {
		out = append(out, in[argMax(in, window)])
	})
	return tensors.FromFlatDataAndDimensions(out, outShape.Dimensions...)
}

// VJP implements Leaf: the adjoint is routed to the maximum of each window.
func (p *MaxPool2D) VJP(inputs []*tensors.Tensor, _, v *tensors.Tensor) []*tensors.Tensor {
	x := singleInput(p, inputs)
	in := x.Flat()
	grad := tensors.ZerosLike(x)
	g, adjoint := grad.Flat(), v.Flat()
	poolWindows(x, p.Kernel, p.Stride, func(outputIdx int, window []int) {
		g[argMax(in, window)] += adjoint[outputIdx]
	})
	return []*tensors.Tensor{grad}
}
