// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/gomlx/xai/pkg/core/graph"
	"github.com/gomlx/xai/pkg/core/tensors"
)

// Sum adds all its inputs, which must have the same shape.
//
// Used as an explicit merge point of residual connections, so that rules can be attached to it.
type Sum struct {
	Base
}

// NewSum creates a Sum module.
func NewSum() *Sum { return &Sum{} }

// Descriptor implements Module.
func (s *Sum) Descriptor() Descriptor {
	return Descriptor{Kind: KindSum, Caps: CapMerge}
}

// Children implements Module.
func (s *Sum) Children() []Child { return nil }

// Forward implements Module.
func (s *Sum) Forward(inputs ...*graph.Node) *graph.Node { return ApplyLeaf(s, inputs...) }

// Apply implements Leaf.
func (s *Sum) Apply(inputs ...*tensors.Tensor) *tensors.Tensor {
	return tensors.Sum(inputs[0], inputs[1:]...)
}

// VJP implements Leaf.
func (s *Sum) VJP(inputs []*tensors.Tensor, _, v *tensors.Tensor) []*tensors.Tensor {
	grads := make([]*tensors.Tensor, len(inputs))
	for ii := range grads {
		grads[ii] = v
	}
	return grads
}
