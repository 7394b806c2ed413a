// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/xai/pkg/core/graph"
)

// BasicBlock is the residual block of the smaller ResNets:
//
//	out = relu2(merge(bn2(conv2(relu1(bn1(conv1(x))))), downsample(x)))
//
// Downsample is optional (the identity if nil). Merge is the module adding both branches: if nil
// the branches are added with a plain graph operation, invisible to hooks.
type BasicBlock struct {
	Base
	Conv1      *Conv2D
	BN1        *BatchNorm
	ReLU1      *ReLU
	Conv2      *Conv2D
	BN2        *BatchNorm
	Downsample Module
	Merge      Module
	ReLU2      *ReLU
}

// NewBasicBlock creates a BasicBlock with the given layers, and fresh ReLUs. downsample can be nil.
func NewBasicBlock(conv1 *Conv2D, bn1 *BatchNorm, conv2 *Conv2D, bn2 *BatchNorm, downsample Module) *BasicBlock {
	if conv1 == nil || bn1 == nil || conv2 == nil || bn2 == nil {
		exceptions.Panicf("nn.NewBasicBlock: only downsample can be nil")
	}
	return &BasicBlock{
		Conv1: conv1, BN1: bn1, ReLU1: NewReLU(),
		Conv2: conv2, BN2: bn2, ReLU2: NewReLU(),
		Downsample: downsample,
	}
}

// Descriptor implements Module.
func (b *BasicBlock) Descriptor() Descriptor {
	return Descriptor{Kind: KindBasicBlock, Caps: CapContainer}
}

// Children implements Module.
func (b *BasicBlock) Children() []Child {
	children := []Child{
		{"conv1", b.Conv1}, {"bn1", b.BN1}, {"relu1", b.ReLU1},
		{"conv2", b.Conv2}, {"bn2", b.BN2},
	}
	if b.Downsample != nil {
		children = append(children, Child{"downsample", b.Downsample})
	}
	if b.Merge != nil {
		children = append(children, Child{"merge", b.Merge})
	}
	return append(children, Child{"relu2", b.ReLU2})
}

// Forward implements Module.
func (b *BasicBlock) Forward(inputs ...*graph.Node) *graph.Node {
	if len(inputs) != 1 {
		exceptions.Panicf("BasicBlock takes exactly one input, got %d", len(inputs))
	}
	x := inputs[0]
	out := b.ReLU1.Forward(b.BN1.Forward(b.Conv1.Forward(x)))
	out = b.BN2.Forward(b.Conv2.Forward(out))
	identity := x
	if b.Downsample != nil {
		identity = b.Downsample.Forward(x)
	}
	if b.Merge != nil {
		out = b.Merge.Forward(out, identity)
	} else {
		out = graph.Add(out, identity)
	}
	return b.ReLU2.Forward(out)
}
