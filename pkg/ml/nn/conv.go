// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/xai/pkg/core/graph"
	"github.com/gomlx/xai/pkg/core/shapes"
	"github.com/gomlx/xai/pkg/core/tensors"
)

// Conv2D is a 2D convolution over channels-first images.
//
// weight has shape [out_channels, in_channels, kernel_height, kernel_width], bias (optional) has
// shape [out_channels] and x has shape [batch_size, in_channels, height, width].
type Conv2D struct {
	Base
	Weight  *Parameter
	Bias    *Parameter
	Stride  int
	Padding int
}

var (
	_ Affine = (*Conv2D)(nil)
)

// NewConv2D creates a Conv2D layer with the given weight, (optional, can be nil) bias, stride and padding.
func NewConv2D(weight, bias *tensors.Tensor, stride, padding int) *Conv2D {
	weight.Shape().AssertRank(4)
	if bias != nil {
		bias.Shape().AssertDims(weight.Shape().Dim(0))
	}
	if stride <= 0 || padding < 0 {
		exceptions.Panicf("nn.NewConv2D: invalid stride=%d or padding=%d", stride, padding)
	}
	return &Conv2D{
		Weight:  &Parameter{Name: ParamWeight, Value: weight},
		Bias:    &Parameter{Name: ParamBias, Value: bias},
		Stride:  stride,
		Padding: padding,
	}
}

// Descriptor implements Module.
func (c *Conv2D) Descriptor() Descriptor {
	return Descriptor{Kind: KindConv2D, Caps: CapWeight | CapLinear | CapConvolution}
}

// Children implements Module.
func (c *Conv2D) Children() []Child { return nil }

// Forward implements Module.
func (c *Conv2D) Forward(inputs ...*graph.Node) *graph.Node { return ApplyLeaf(c, inputs...) }

// AffineParameters implements Affine.
func (c *Conv2D) AffineParameters() (weight, bias *Parameter) { return c.Weight, c.Bias }

// Parameters implements Parametrized.
func (c *Conv2D) Parameters() []*Parameter {
	if c.Bias == nil || c.Bias.Value == nil {
		return []*Parameter{c.Weight}
	}
	return []*Parameter{c.Weight, c.Bias}
}

// WithParameters implements Parametrized.
func (c *Conv2D) WithParameters(fn func(param *Parameter) *tensors.Tensor) Leaf {
	var bias *tensors.Tensor
	if c.Bias != nil && c.Bias.Value != nil {
		bias = fn(c.Bias)
	}
	return NewConv2D(fn(c.Weight), bias, c.Stride, c.Padding)
}

// convGeometry holds the dimensions of one convolution.
type convGeometry struct {
	batchSize, inC, inH, inW int
	outC, kH, kW, outH, outW int
}

func (c *Conv2D) geometry(x *tensors.Tensor) convGeometry {
	wDims := c.Weight.Value.Dims()
	x.Shape().AssertDims(-1, wDims[1], -1, -1)
	xDims := x.Dims()
	geo := convGeometry{
		batchSize: xDims[0], inC: xDims[1], inH: xDims[2], inW: xDims[3],
		outC: wDims[0], kH: wDims[2], kW: wDims[3],
	}
	geo.outH = (geo.inH+2*c.Padding-geo.kH)/c.Stride + 1
	geo.outW = (geo.inW+2*c.Padding-geo.kW)/c.Stride + 1
	if geo.outH <= 0 || geo.outW <= 0 {
		exceptions.Panicf("Conv2D: input of shape %s too small for kernel %dx%d", x.Shape(), geo.kH, geo.kW)
	}
	return geo
}

// forEachTap calls fn for every (input position, kernel position, output position) triple of the
// convolution that falls inside the (padded) input.
func (c *Conv2D) forEachTap(geo convGeometry, fn func(inputIdx, kernelIdx, outputIdx int)) {
	for b := range geo.batchSize {
		for f := range geo.outC {
			for oh := range geo.outH {
				for ow := range geo.outW {
					outputIdx := ((b*geo.outC+f)*geo.outH+oh)*geo.outW + ow
					for ic := range geo.inC {
						for kh := range geo.kH {
							ih := oh*c.Stride + kh - c.Padding
							if ih < 0 || ih >= geo.inH {
								continue
							}
							for kw := range geo.kW {
								iw := ow*c.Stride + kw - c.Padding
								if iw < 0 || iw >= geo.inW {
									continue
								}
								inputIdx := ((b*geo.inC+ic)*geo.inH+ih)*geo.inW + iw
								kernelIdx := ((f*geo.inC+ic)*geo.kH+kh)*geo.kW + kw
								fn(inputIdx, kernelIdx, outputIdx)
							}
						}
					}
				}
			}
		}
	}
}

// Apply implements Leaf.
func (c *Conv2D) Apply(inputs ...*tensors.Tensor) *tensors.Tensor {
	x := singleInput(c, inputs)
	geo := c.geometry(x)
	output := tensors.FromShape(shapes.Make(geo.batchSize, geo.outC, geo.outH, geo.outW))
	out, in, kernel := output.Flat(), x.Flat(), c.Weight.Value.Flat()
	c.forEachTap(geo, func(inputIdx, kernelIdx, outputIdx int) {
		out[outputIdx] += in[inputIdx] * kernel[kernelIdx]
	})
	if c.Bias != nil && c.Bias.Value != nil {
		bias := c.Bias.Value.Flat()
		planeSize := geo.outH * geo.outW
		for ii := range out {
			out[ii] += bias[(ii/planeSize)%geo.outC]
		}
	}
	return output
}

// VJP implements Leaf: the transposed convolution of v.
func (c *Conv2D) VJP(inputs []*tensors.Tensor, _, v *tensors.Tensor) []*tensors.Tensor {
	x := singleInput(c, inputs)
	geo := c.geometry(x)
	v.Shape().AssertDims(geo.batchSize, geo.outC, geo.outH, geo.outW)
	grad := tensors.FromShape(x.Shape())
	g, adjoint, kernel := grad.Flat(), v.Flat(), c.Weight.Value.Flat()
	c.forEachTap(geo, func(inputIdx, kernelIdx, outputIdx int) {
		g[inputIdx] += adjoint[outputIdx] * kernel[kernelIdx]
	})
	return []*tensors.Tensor{grad}
}
