// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rules

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/gomlx/xai/pkg/ml/nn"
	"github.com/gomlx/xai/pkg/ml/xai/stabilizers"
	"github.com/pkg/errors"
)

// InputModifier transforms one input of the layer for one branch of a Hook.
type InputModifier func(x *tensors.Tensor) *tensors.Tensor

// ParamModifier transforms a parameter of the layer for one branch of a Hook. Only the parameters
// named nn.ParamWeight and nn.ParamBias are modified: statistics (like the running mean of a batch
// normalization) are kept.
type ParamModifier func(value *tensors.Tensor, name string) *tensors.Tensor

// OutputModifier transforms the output of the layer for one branch of a Hook.
type OutputModifier func(z *tensors.Tensor) *tensors.Tensor

// GradientMapper maps the incoming gradient (relevance) of the layer and the (modified) outputs of each
// branch to the gradient to back-propagate through each branch.
type GradientMapper func(s stabilizers.Stabilizer, gradOutput *tensors.Tensor, outputs []*tensors.Tensor) []*tensors.Tensor

// Reducer combines the (modified) inputs and the back-propagated gradients of all branches, both indexed
// [branch][input], into the relevance of each input of the layer.
type Reducer func(inputs, gradients [][]*tensors.Tensor) []*tensors.Tensor

// Hook is the generic LRP rule, of which most rules of this package are instances.
//
// The layer is evaluated in a number of branches: for branch k its inputs are modified by InputModifiers[k],
// its parameters by ParamModifiers[k] (nil keeps them) and its output by OutputModifiers[k] (nil keeps it).
// GradientMapper then computes, from the incoming relevance and the branch outputs, the gradient to
// back-propagate through each branch, and Reducer combines the results into the relevance of the inputs.
//
// Example: the Epsilon rule has one branch with no modifiers, maps gradOutput / stabilize(z), and
// reduces to x * gradient.
type Hook struct {
	name            string
	InputModifiers  []InputModifier
	ParamModifiers  []ParamModifier
	OutputModifiers []OutputModifier
	GradientMapper  GradientMapper
	Reducer         Reducer
	Stabilizer      stabilizers.Stabilizer

	binding *binding

	// checkLayer and checkInputs, if set, validate the layer on Attach and its inputs on every forward pass.
	checkLayer  func(layer nn.Module) error
	checkInputs func(inputs []*tensors.Tensor) error
}

var _ Rule = (*Hook)(nil)

// NewHook creates a rule with the given name and formula. The number of branches is given by the number
// of input modifiers, and the other modifiers must either match it or be empty. A nil stabilizer uses
// the default one.
func NewHook(name string, inputModifiers []InputModifier, paramModifiers []ParamModifier,
	outputModifiers []OutputModifier, mapper GradientMapper, reducer Reducer, stabilizer stabilizers.Stabilizer) *Hook {
	if stabilizer == nil {
		stabilizer = stabilizers.New(stabilizers.DefaultConfig())
	}
	return &Hook{
		name:            name,
		InputModifiers:  inputModifiers,
		ParamModifiers:  paramModifiers,
		OutputModifiers: outputModifiers,
		GradientMapper:  mapper,
		Reducer:         reducer,
		Stabilizer:      stabilizer,
	}
}

// Name implements Rule.
func (h *Hook) Name() string { return h.name }

// Copy implements Rule.
func (h *Hook) Copy() Rule {
	newH := NewHook(h.name, h.InputModifiers, h.ParamModifiers, h.OutputModifiers, h.GradientMapper, h.Reducer, h.Stabilizer)
	newH.checkLayer, newH.checkInputs = h.checkLayer, h.checkInputs
	return newH
}

// IsBound implements Rule.
func (h *Hook) IsBound() bool { return h.binding != nil }

// numBranches validates the configuration and returns the number of branches.
func (h *Hook) numBranches() (int, error) {
	n := len(h.InputModifiers)
	if n == 0 || h.GradientMapper == nil || h.Reducer == nil {
		return 0, errors.Errorf("rule %q needs at least one branch, a gradient mapper and a reducer", h.name)
	}
	if (len(h.ParamModifiers) != 0 && len(h.ParamModifiers) != n) ||
		(len(h.OutputModifiers) != 0 && len(h.OutputModifiers) != n) {
		return 0, errors.Errorf("rule %q has %d input modifiers, %d param modifiers and %d output modifiers",
			h.name, n, len(h.ParamModifiers), len(h.OutputModifiers))
	}
	return n, nil
}

// Attach implements Rule.
func (h *Hook) Attach(layer nn.Module) error {
	if _, err := h.numBranches(); err != nil {
		return err
	}
	if h.checkLayer != nil {
		if err := h.checkLayer(layer); err != nil {
			return errors.WithMessagef(err, "rule %q on %s", h.name, layer.Descriptor())
		}
	}
	b, err := bind(h, layer, h.forward, h.backward)
	if err != nil {
		return err
	}
	h.binding = b
	return nil
}

// Detach implements Rule.
func (h *Hook) Detach() {
	h.binding.unbind()
	h.binding = nil
}

func (h *Hook) forward(m nn.Module, inputs []*tensors.Tensor, _ *tensors.Tensor) {
	if h.checkInputs == nil {
		return
	}
	if err := h.checkInputs(inputs); err != nil {
		panic(errors.WithMessagef(err, "rule %q on %s", h.name, m.Descriptor()))
	}
}

// branchLeaf returns the leaf with its parameters modified for one branch.
func branchLeaf(leaf nn.Leaf, modifier ParamModifier) nn.Leaf {
	p, ok := leaf.(nn.Parametrized)
	if modifier == nil || !ok {
		return leaf
	}
	return p.WithParameters(func(param *nn.Parameter) *tensors.Tensor {
		if param.Name == nn.ParamWeight || param.Name == nn.ParamBias {
			return modifier(param.Value, param.Name)
		}
		return param.Value
	})
}

func (h *Hook) backward(m nn.Module, layerInputs []*tensors.Tensor, gradOutput *tensors.Tensor, _ []*tensors.Tensor) []*tensors.Tensor {
	leaf := m.(nn.Leaf)
	numBranches := len(h.InputModifiers)
	inputs := make([][]*tensors.Tensor, numBranches)
	leaves := make([]nn.Leaf, numBranches)
	outputs := make([]*tensors.Tensor, numBranches)
	for k := range numBranches {
		inputs[k] = make([]*tensors.Tensor, len(layerInputs))
		for ii, x := range layerInputs {
			inputs[k][ii] = h.InputModifiers[k](x)
		}
		var paramModifier ParamModifier
		if len(h.ParamModifiers) > 0 {
			paramModifier = h.ParamModifiers[k]
		}
		leaves[k] = branchLeaf(leaf, paramModifier)
		outputs[k] = leaves[k].Apply(inputs[k]...)
		if len(h.OutputModifiers) > 0 && h.OutputModifiers[k] != nil {
			outputs[k] = h.OutputModifiers[k](outputs[k])
		}
	}

	grads := h.GradientMapper(h.Stabilizer, gradOutput, outputs)
	if len(grads) != numBranches {
		exceptions.Panicf("rule %q: gradient mapper returned %d gradients for %d branches", h.name, len(grads), numBranches)
	}
	gradients := make([][]*tensors.Tensor, numBranches)
	for k := range numBranches {
		if grads[k] == nil {
			continue
		}
		gradients[k] = leaves[k].VJP(inputs[k], outputs[k], grads[k])
	}
	relevance := h.Reducer(inputs, gradients)
	if len(relevance) != len(layerInputs) {
		exceptions.Panicf("rule %q: reducer returned %d relevances for %d inputs", h.name, len(relevance), len(layerInputs))
	}
	return relevance
}
