// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nn is a minimal eager neural network runtime: a tree of modules (layers) executed on
// float64 tensors, recording an eager graph (see package graph) that can be differentiated.
//
// Modules expose a Descriptor, with a kind tag and capability tags, so that tools working on
// arbitrary models (like the relevance rules in package xai) can dispatch on them without
// reflection. Leaf modules can have hooks registered:
//
//   - Forward hooks observe the inputs and output of the leaf every time it is applied.
//   - Backward hooks observe -- and can replace -- the gradient the leaf back-propagates to its inputs.
//
// Hooks are stored in the module (see Base) and removed with HookHandle.Remove.
//
// A small convention on naming: modules are nouns ("Linear", "Conv2D", "BatchNorm"), while
// computations are verbs ("Forward", "Apply", "Walk").
package nn

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/xai/pkg/core/graph"
	"github.com/gomlx/xai/pkg/core/tensors"
)

// Kinds of the modules in this package, used in Descriptor.Kind.
const (
	KindLinear     = "Linear"
	KindConv2D     = "Conv2D"
	KindBatchNorm  = "BatchNorm"
	KindReLU       = "ReLU"
	KindIdentity   = "Identity"
	KindAvgPool2D  = "AvgPool2D"
	KindMaxPool2D  = "MaxPool2D"
	KindFlatten    = "Flatten"
	KindSum        = "Sum"
	KindSequential = "Sequential"
	KindBasicBlock = "BasicBlock"
)

// KnownKinds lists the kinds of the modules of this package.
var KnownKinds = []string{KindLinear, KindConv2D, KindBatchNorm, KindReLU, KindIdentity, KindAvgPool2D,
	KindMaxPool2D, KindFlatten, KindSum, KindSequential, KindBasicBlock}

// Capability is a set of tags describing what a module does.
type Capability uint32

const (
	// CapWeight is set for modules with learnable weights.
	CapWeight Capability = 1 << iota
	// CapLinear is set for affine maps of the input: dense and convolution layers.
	CapLinear
	// CapConvolution is set for convolutions.
	CapConvolution
	// CapDense is set for fully connected layers.
	CapDense
	// CapNormalization is set for normalization layers.
	CapNormalization
	// CapActivation is set for element-wise non-linearities.
	CapActivation
	// CapPooling is set for pooling layers.
	CapPooling
	// CapMerge is set for modules that merge several inputs, like Sum.
	CapMerge
	// CapReshape is set for modules that only change the shape of the input.
	CapReshape
	// CapContainer is set for modules that hold other modules.
	CapContainer
)

var capabilityNames = []string{"weight", "linear", "convolution", "dense", "normalization", "activation",
	"pooling", "merge", "reshape", "container"}

// Has returns whether c has all the capabilities in other.
func (c Capability) Has(other Capability) bool { return c&other == other }

// String implements fmt.Stringer.
func (c Capability) String() string {
	var parts []string
	for ii, name := range capabilityNames {
		if c&(1<<ii) != 0 {
			parts = append(parts, name)
		}
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// CapabilityByName returns the capability with the given name (as printed by Capability.String).
func CapabilityByName(name string) (Capability, bool) {
	for ii, capName := range capabilityNames {
		if capName == name {
			return 1 << ii, true
		}
	}
	return 0, false
}

// Descriptor describes a module: its kind (type tag) and its capabilities.
type Descriptor struct {
	Kind string
	Caps Capability
}

// String implements fmt.Stringer.
func (d Descriptor) String() string { return fmt.Sprintf("%s%s", d.Kind, d.Caps) }

// Child is a named sub-module.
type Child struct {
	Name   string
	Module Module
}

// Module is a node of a model tree.
//
// Implementations must embed Base, which holds the hooks.
type Module interface {
	// Descriptor returns the kind and capabilities of the module.
	Descriptor() Descriptor

	// Children returns the named sub-modules, in execution order. Leaves return nil.
	Children() []Child

	// Forward applies the module to the inputs, recording the operations in their graph.
	// It panics on errors (e.g. shape mismatches).
	Forward(inputs ...*graph.Node) *graph.Node

	// RegisterForwardHook registers a hook called every time the module is applied.
	// Only leaf modules call their hooks.
	RegisterForwardHook(hook ForwardHook) *HookHandle

	// RegisterBackwardHook registers a hook called every time a gradient is back-propagated through the module.
	// Only leaf modules call their hooks.
	RegisterBackwardHook(hook BackwardHook) *HookHandle

	// NumHooks returns the number of hooks currently registered in the module.
	NumHooks() int

	base() *Base
}

// Leaf is a module without children, implemented by a pure function of its inputs and parameters.
type Leaf interface {
	Module

	// Apply computes the output of the leaf for the given input values.
	Apply(inputs ...*tensors.Tensor) *tensors.Tensor

	// VJP returns the gradient with respect to each input, given the adjoint v of the output.
	VJP(inputs []*tensors.Tensor, output, v *tensors.Tensor) []*tensors.Tensor
}

// Parameter is a named learnable tensor of a leaf. Its Value can be overwritten in place.
type Parameter struct {
	Name  string
	Value *tensors.Tensor
}

// Names of the parameters used by the layers of this package.
const (
	ParamWeight      = "weight"
	ParamBias        = "bias"
	ParamRunningMean = "running_mean"
	ParamRunningVar  = "running_var"
)

// Parametrized is a leaf with parameters.
type Parametrized interface {
	Leaf

	// Parameters returns the parameters of the leaf. Unset optional parameters (like a missing bias) are omitted.
	Parameters() []*Parameter

	// WithParameters returns a copy of the leaf, without hooks, whose parameters are replaced by the
	// values returned by fn. The original leaf is not changed.
	WithParameters(fn func(param *Parameter) *tensors.Tensor) Leaf
}

// Affine is a leaf computing an affine map of its input, W x + b, whose weight has the output features (or
// channels) in its first axis. Linear and Conv2D are affine.
type Affine interface {
	Parametrized

	// AffineParameters returns the weight and bias parameters. The bias parameter is never nil, but its Value
	// is nil if the layer has no bias.
	AffineParameters() (weight, bias *Parameter)
}

// IsLeaf returns whether the module has no children and implements Leaf.
func IsLeaf(m Module) bool {
	_, ok := m.(Leaf)
	return ok && len(m.Children()) == 0
}

// ApplyLeaf is the Forward implementation of leaf modules: it applies the leaf to the input values,
// calls its forward hooks and records the operation in the graph. If the leaf has backward hooks,
// they are installed as the custom VJP of the new node.
func ApplyLeaf(leaf Leaf, inputs ...*graph.Node) *graph.Node {
	if len(inputs) == 0 {
		exceptions.Panicf("nn.ApplyLeaf(%s): no inputs given", leaf.Descriptor())
	}
	values := make([]*tensors.Tensor, len(inputs))
	for ii, input := range inputs {
		values[ii] = input.Value()
	}
	output := leaf.Apply(values...)

	b := leaf.base()
	for _, hook := range b.forwardHooks() {
		hook(leaf, values, output)
	}
	node := inputs[0].Graph().Op(leaf.Descriptor().Kind, output,
		func(_ *graph.Node, v *tensors.Tensor) []*tensors.Tensor {
			return leaf.VJP(values, output, v)
		}, inputs...)

	backwardHooks := b.backwardHooks()
	if len(backwardHooks) > 0 {
		node.SetCustomVJP(func(_ *graph.Node, v *tensors.Tensor) []*tensors.Tensor {
			gradInputs := leaf.VJP(values, output, v)
			for _, hook := range backwardHooks {
				if replaced := hook(leaf, values, v, gradInputs); replaced != nil {
					gradInputs = replaced
				}
			}
			return gradInputs
		})
	}
	return node
}
