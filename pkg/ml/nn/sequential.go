// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/xai/pkg/core/graph"
)

// Sequential applies its children one after the other.
type Sequential struct {
	Base
	children []Child
}

// NewSequential creates a Sequential with the given modules, named by their position ("0", "1", ...).
func NewSequential(modules ...Module) *Sequential {
	children := make([]Child, len(modules))
	for ii, m := range modules {
		children[ii] = Child{Name: strconv.Itoa(ii), Module: m}
	}
	return NewNamedSequential(children...)
}

// NewNamedSequential creates a Sequential with the given named children. Names must be unique and not empty.
func NewNamedSequential(children ...Child) *Sequential {
	seen := make(map[string]bool, len(children))
	for _, child := range children {
		if child.Name == "" || child.Module == nil {
			exceptions.Panicf("nn.NewNamedSequential: child with empty name or nil module")
		}
		if seen[child.Name] {
			exceptions.Panicf("nn.NewNamedSequential: duplicate child name %q", child.Name)
		}
		seen[child.Name] = true
	}
	return &Sequential{children: children}
}

// Descriptor implements Module.
func (s *Sequential) Descriptor() Descriptor {
	return Descriptor{Kind: KindSequential, Caps: CapContainer}
}

// Children implements Module.
func (s *Sequential) Children() []Child { return s.children }

// Len returns the number of children.
func (s *Sequential) Len() int { return len(s.children) }

// At returns the ii-th child module.
func (s *Sequential) At(ii int) Module { return s.children[ii].Module }

// Forward implements Module.
func (s *Sequential) Forward(inputs ...*graph.Node) *graph.Node {
	if len(inputs) != 1 {
		exceptions.Panicf("Sequential takes exactly one input, got %d", len(inputs))
	}
	x := inputs[0]
	for _, child := range s.children {
		x = child.Module.Forward(x)
	}
	return x
}
