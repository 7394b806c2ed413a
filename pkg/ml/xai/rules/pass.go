// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rules

import (
	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/gomlx/xai/pkg/ml/nn"
)

// Pass forwards the incoming gradient unchanged to the input of the layer, skipping its contribution.
// It is used for activations and normalizations, and for layers without an explicit rule.
//
// Layers with more than one input, or whose output shape differs from the input shape (e.g. pooling),
// can't pass the gradient through: they keep their own gradient.
type Pass struct {
	binding *binding
}

var _ Rule = (*Pass)(nil)

// NewPass creates an unbound Pass rule.
func NewPass() *Pass { return &Pass{} }

// Name implements Rule.
func (p *Pass) Name() string { return "pass" }

// Copy implements Rule.
func (p *Pass) Copy() Rule { return NewPass() }

// IsBound implements Rule.
func (p *Pass) IsBound() bool { return p.binding != nil }

// Attach implements Rule.
func (p *Pass) Attach(layer nn.Module) error {
	b, err := bind(p, layer, nil, p.backward)
	if err != nil {
		return err
	}
	p.binding = b
	return nil
}

// Detach implements Rule.
func (p *Pass) Detach() {
	p.binding.unbind()
	p.binding = nil
}

func (p *Pass) backward(_ nn.Module, _ []*tensors.Tensor, gradOutput *tensors.Tensor, gradInputs []*tensors.Tensor) []*tensors.Tensor {
	if len(gradInputs) != 1 || !sameShapes(gradOutput, gradInputs[0]) {
		return nil
	}
	return []*tensors.Tensor{gradOutput}
}
