// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/xai/pkg/core/graph"
	"github.com/gomlx/xai/pkg/core/shapes"
	"github.com/gomlx/xai/pkg/core/tensors"
	"gonum.org/v1/gonum/mat"
)

// Linear performs a linear transformation: y = x @ weight^T + bias.
//
// weight has shape [out_features, in_features], bias (optional) has shape [out_features]
// and x has shape [batch_size, in_features].
type Linear struct {
	Base
	Weight *Parameter
	Bias   *Parameter
}

var (
	_ Affine = (*Linear)(nil)
)

// NewLinear creates a Linear layer with the given weight and (optional, can be nil) bias.
func NewLinear(weight, bias *tensors.Tensor) *Linear {
	weight.Shape().AssertRank(2)
	if bias != nil {
		bias.Shape().AssertDims(weight.Shape().Dim(0))
	}
	return &Linear{
		Weight: &Parameter{Name: ParamWeight, Value: weight},
		Bias:   &Parameter{Name: ParamBias, Value: bias},
	}
}

// Descriptor implements Module.
func (l *Linear) Descriptor() Descriptor {
	return Descriptor{Kind: KindLinear, Caps: CapWeight | CapLinear | CapDense}
}

// Children implements Module.
func (l *Linear) Children() []Child { return nil }

// Forward implements Module.
func (l *Linear) Forward(inputs ...*graph.Node) *graph.Node { return ApplyLeaf(l, inputs...) }

// AffineParameters implements Affine.
func (l *Linear) AffineParameters() (weight, bias *Parameter) { return l.Weight, l.Bias }

// Parameters implements Parametrized.
func (l *Linear) Parameters() []*Parameter {
	if l.Bias == nil || l.Bias.Value == nil {
		return []*Parameter{l.Weight}
	}
	return []*Parameter{l.Weight, l.Bias}
}

// WithParameters implements Parametrized.
func (l *Linear) WithParameters(fn func(param *Parameter) *tensors.Tensor) Leaf {
	var bias *tensors.Tensor
	if l.Bias != nil && l.Bias.Value != nil {
		bias = fn(l.Bias)
	}
	return NewLinear(fn(l.Weight), bias)
}

// Apply implements Leaf.
func (l *Linear) Apply(inputs ...*tensors.Tensor) *tensors.Tensor {
	x := singleInput(l, inputs)
	w := l.Weight.Value
	outFeatures, inFeatures := w.Shape().Dim(0), w.Shape().Dim(1)
	x.Shape().AssertDims(-1, inFeatures)
	batchSize := x.Shape().Dim(0)

	output := tensors.FromShape(shapes.Make(batchSize, outFeatures))
	xMat := mat.NewDense(batchSize, inFeatures, x.Flat())
	wMat := mat.NewDense(outFeatures, inFeatures, w.Flat())
	outMat := mat.NewDense(batchSize, outFeatures, output.Flat())
	outMat.Mul(xMat, wMat.T())
	if l.Bias != nil && l.Bias.Value != nil {
		bias := l.Bias.Value.Flat()
		data := output.Flat()
		for row := range batchSize {
			for col := range outFeatures {
				data[row*outFeatures+col] += bias[col]
			}
		}
	}
	return output
}

// VJP implements Leaf: the gradient with respect to x is v @ weight.
func (l *Linear) VJP(inputs []*tensors.Tensor, _, v *tensors.Tensor) []*tensors.Tensor {
	x := singleInput(l, inputs)
	w := l.Weight.Value
	outFeatures, inFeatures := w.Shape().Dim(0), w.Shape().Dim(1)
	batchSize := x.Shape().Dim(0)
	v.Shape().AssertDims(batchSize, outFeatures)

	grad := tensors.FromShape(x.Shape())
	vMat := mat.NewDense(batchSize, outFeatures, v.Flat())
	wMat := mat.NewDense(outFeatures, inFeatures, w.Flat())
	gradMat := mat.NewDense(batchSize, inFeatures, grad.Flat())
	gradMat.Mul(vMat, wMat)
	return []*tensors.Tensor{grad}
}

// singleInput returns the only input, or panics.
func singleInput(m Module, inputs []*tensors.Tensor) *tensors.Tensor {
	if len(inputs) != 1 {
		exceptions.Panicf("%s takes exactly one input, got %d", m.Descriptor().Kind, len(inputs))
	}
	return inputs[0]
}
