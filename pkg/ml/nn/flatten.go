// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/gomlx/xai/pkg/core/graph"
	"github.com/gomlx/xai/pkg/core/tensors"
)

// Flatten reshapes [batch_size, ...] inputs to [batch_size, sample_size].
type Flatten struct {
	Base
}

// NewFlatten creates a Flatten module.
func NewFlatten() *Flatten { return &Flatten{} }

// Descriptor implements Module.
func (f *Flatten) Descriptor() Descriptor {
	return Descriptor{Kind: KindFlatten, Caps: CapReshape}
}

// Children implements Module.
func (f *Flatten) Children() []Child { return nil }

// Forward implements Module.
func (f *Flatten) Forward(inputs ...*graph.Node) *graph.Node { return ApplyLeaf(f, inputs...) }

// Apply implements Leaf.
func (f *Flatten) Apply(inputs ...*tensors.Tensor) *tensors.Tensor {
	x := singleInput(f, inputs)
	return x.Reshape(x.Shape().BatchSize(), -1)
}

// VJP implements Leaf.
func (f *Flatten) VJP(inputs []*tensors.Tensor, _, v *tensors.Tensor) []*tensors.Tensor {
	x := singleInput(f, inputs)
	return []*tensors.Tensor{v.Reshape(x.Dims()...)}
}
