// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/gomlx/xai/pkg/core/graph"
	"github.com/gomlx/xai/pkg/core/tensors"
)

// ReLU is the rectified linear unit activation, max(x, 0).
type ReLU struct {
	Base
}

// NewReLU creates a ReLU activation.
func NewReLU() *ReLU { return &ReLU{} }

// Descriptor implements Module.
func (r *ReLU) Descriptor() Descriptor {
	return Descriptor{Kind: KindReLU, Caps: CapActivation}
}

// Children implements Module.
func (r *ReLU) Children() []Child { return nil }

// Forward implements Module.
func (r *ReLU) Forward(inputs ...*graph.Node) *graph.Node { return ApplyLeaf(r, inputs...) }

// Apply implements Leaf.
func (r *ReLU) Apply(inputs ...*tensors.Tensor) *tensors.Tensor {
	return tensors.Positive(singleInput(r, inputs))
}

// VJP implements Leaf.
func (r *ReLU) VJP(inputs []*tensors.Tensor, _, v *tensors.Tensor) []*tensors.Tensor {
	x := singleInput(r, inputs)
	return []*tensors.Tensor{tensors.Map2(v, x, func(adjoint, value float64) float64 {
		if value > 0 {
			return adjoint
		}
		return 0
	})}
}

// Identity returns its input unchanged.
//
// It is the module BatchNorm layers are effectively turned into after being merged into the
// preceding linear layer, and is handy as a placeholder.
type Identity struct {
	Base
}

// NewIdentity creates an Identity module.
func NewIdentity() *Identity { return &Identity{} }

// Descriptor implements Module.
func (id *Identity) Descriptor() Descriptor {
	return Descriptor{Kind: KindIdentity, Caps: CapReshape}
}

// Children implements Module.
func (id *Identity) Children() []Child { return nil }

// Forward implements Module.
func (id *Identity) Forward(inputs ...*graph.Node) *graph.Node { return ApplyLeaf(id, inputs...) }

// Apply implements Leaf.
func (id *Identity) Apply(inputs ...*tensors.Tensor) *tensors.Tensor {
	return singleInput(id, inputs)
}

// VJP implements Leaf.
func (id *Identity) VJP(_ []*tensors.Tensor, _, v *tensors.Tensor) []*tensors.Tensor {
	return []*tensors.Tensor{v}
}
