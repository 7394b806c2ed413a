// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/xai/pkg/core/graph"
	"github.com/gomlx/xai/pkg/core/tensors"
)

// DefaultBatchNormEpsilon is the epsilon added to the running variance by NewBatchNorm.
const DefaultBatchNormEpsilon = 1e-5

// BatchNorm is a batch normalization layer in inference mode: it uses the running statistics
// and normalizes over the channel axis 1 (the feature axis for inputs of rank 2).
//
//	y = (x - running_mean) / sqrt(running_var + epsilon) * weight + bias
//
// All parameters have shape [channels].
type BatchNorm struct {
	Base
	Weight, Bias            *Parameter
	RunningMean, RunningVar *Parameter
	Epsilon                 float64
}

var (
	_ Parametrized = (*BatchNorm)(nil)
)

// NewBatchNorm creates a BatchNorm with the given statistics and affine parameters, and DefaultBatchNormEpsilon.
func NewBatchNorm(weight, bias, runningMean, runningVar *tensors.Tensor) *BatchNorm {
	weight.Shape().AssertRank(1)
	channels := weight.Shape().Dim(0)
	for _, t := range []*tensors.Tensor{bias, runningMean, runningVar} {
		t.Shape().AssertDims(channels)
	}
	return &BatchNorm{
		Weight:      &Parameter{Name: ParamWeight, Value: weight},
		Bias:        &Parameter{Name: ParamBias, Value: bias},
		RunningMean: &Parameter{Name: ParamRunningMean, Value: runningMean},
		RunningVar:  &Parameter{Name: ParamRunningVar, Value: runningVar},
		Epsilon:     DefaultBatchNormEpsilon,
	}
}

// NewIdentityBatchNorm creates a BatchNorm that doesn't change its input: zero mean, unit variance,
// unit weight, zero bias and no epsilon.
func NewIdentityBatchNorm(channels int) *BatchNorm {
	bn := NewBatchNorm(
		tensors.FromScalarAndDimensions(1, channels), tensors.FromScalarAndDimensions(0, channels),
		tensors.FromScalarAndDimensions(0, channels), tensors.FromScalarAndDimensions(1, channels))
	bn.Epsilon = 0
	return bn
}

// Descriptor implements Module.
func (bn *BatchNorm) Descriptor() Descriptor {
	return Descriptor{Kind: KindBatchNorm, Caps: CapWeight | CapNormalization}
}

// Children implements Module.
func (bn *BatchNorm) Children() []Child { return nil }

// Forward implements Module.
func (bn *BatchNorm) Forward(inputs ...*graph.Node) *graph.Node { return ApplyLeaf(bn, inputs...) }

// Channels returns the number of channels normalized.
func (bn *BatchNorm) Channels() int { return bn.Weight.Value.Shape().Dim(0) }

// Parameters implements Parametrized.
func (bn *BatchNorm) Parameters() []*Parameter {
	return []*Parameter{bn.Weight, bn.Bias, bn.RunningMean, bn.RunningVar}
}

// WithParameters implements Parametrized.
func (bn *BatchNorm) WithParameters(fn func(param *Parameter) *tensors.Tensor) Leaf {
	newBN := NewBatchNorm(fn(bn.Weight), fn(bn.Bias), fn(bn.RunningMean), fn(bn.RunningVar))
	newBN.Epsilon = bn.Epsilon
	return newBN
}

// Scale returns the per-channel multiplicative factor weight / sqrt(running_var + epsilon).
func (bn *BatchNorm) Scale() []float64 {
	weight, variance := bn.Weight.Value.Flat(), bn.RunningVar.Value.Flat()
	scale := make([]float64, len(weight))
	for ii := range scale {
		scale[ii] = weight[ii] / math.Sqrt(variance[ii]+bn.Epsilon)
	}
	return scale
}

// forEachChannel calls fn with the channel of every element of x.
func (bn *BatchNorm) forEachChannel(x *tensors.Tensor, fn func(idx, channel int)) {
	if x.Rank() < 2 {
		exceptions.Panicf("BatchNorm: input must have rank >= 2, got shape %s", x.Shape())
	}
	channels := bn.Channels()
	x.Shape().AssertDims(append([]int{-1, channels}, repeatWildcard(x.Rank()-2)...)...)
	planeSize := x.Shape().SampleSize() / channels
	for idx := range x.Size() {
		fn(idx, (idx/planeSize)%channels)
	}
}

func repeatWildcard(n int) []int {
	dims := make([]int, n)
	for ii := range dims {
		dims[ii] = -1
	}
	return dims
}

// Apply implements Leaf.
func (bn *BatchNorm) Apply(inputs ...*tensors.Tensor) *tensors.Tensor {
	x := singleInput(bn, inputs)
	scale := bn.Scale()
	mean, bias := bn.RunningMean.Value.Flat(), bn.Bias.Value.Flat()
	output := tensors.ZerosLike(x)
	in, out := x.Flat(), output.Flat()
	bn.forEachChannel(x, func(idx, channel int) {
		out[idx] = (in[idx]-mean[channel])*scale[channel] + bias[channel]
	})
	return output
}

// VJP implements Leaf.
func (bn *BatchNorm) VJP(inputs []*tensors.Tensor, _, v *tensors.Tensor) []*tensors.Tensor {
	x := singleInput(bn, inputs)
	v.AssertSameShape(x)
	scale := bn.Scale()
	grad := tensors.ZerosLike(x)
	g, adjoint := grad.Flat(), v.Flat()
	bn.forEachChannel(x, func(idx, channel int) {
		g[idx] = adjoint[idx] * scale[channel]
	})
	return []*tensors.Tensor{grad}
}
