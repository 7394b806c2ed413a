// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rules implements the Layer-wise Relevance Propagation (LRP) rules.
//
// A Rule is bound to one leaf module of a model (Rule.Attach): it installs a forward hook, that validates the
// inputs of the layer, and a backward hook, that replaces the gradient of the layer by the rule's relevance
// redistribution formula, computed from the inputs of the application being differentiated. Rule.Detach
// removes both.
//
// Bindings are kept in a side table indexed by the layer: a layer has at most one rule bound at any time.
// Rules are usually used as templates (see package composites): Rule.Copy returns a fresh unbound rule
// with the same configuration.
package rules

import (
	"sync"

	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/gomlx/xai/pkg/ml/nn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrAlreadyBound is returned when attaching a rule to a layer that already has one.
	ErrAlreadyBound = errors.New("layer already has a rule bound")

	// ErrRuleInUse is returned when attaching a rule that is already bound to a (possibly different) layer.
	ErrRuleInUse = errors.New("rule is already bound, use Rule.Copy to create a new one")

	// ErrNotLeaf is returned when attaching a rule to a module that is not a leaf.
	ErrNotLeaf = errors.New("rules can only be attached to leaf modules")
)

// Rule overrides how one layer back-propagates its gradient.
//
// Rules have two states: unbound and bound (to one layer).
type Rule interface {
	// Name of the rule, e.g. "epsilon".
	Name() string

	// Copy returns a new unbound rule with the same configuration.
	Copy() Rule

	// Attach binds the rule to the layer, installing its hooks.
	Attach(layer nn.Module) error

	// Detach removes the hooks. It is a no-op if the rule is not bound.
	Detach()

	// IsBound returns whether the rule is currently attached to a layer.
	IsBound() bool
}

// binding of a rule to a layer.
type binding struct {
	layer   nn.Module
	rule    Rule
	handles []*nn.HookHandle
}

// arena holds the active bindings, indexed by layer.
var arena = struct {
	mu       sync.Mutex
	bindings map[nn.Module]*binding
}{bindings: make(map[nn.Module]*binding)}

// BoundRule returns the rule currently bound to the layer, if any.
func BoundRule(layer nn.Module) (Rule, bool) {
	arena.mu.Lock()
	defer arena.mu.Unlock()
	b, found := arena.bindings[layer]
	if !found {
		return nil, false
	}
	return b.rule, true
}

// NumBindings returns the number of layers with a rule currently bound, over all models.
func NumBindings() int {
	arena.mu.Lock()
	defer arena.mu.Unlock()
	return len(arena.bindings)
}

// bind registers the binding of rule to layer and installs the given hooks (either can be nil).
func bind(rule Rule, layer nn.Module, forward nn.ForwardHook, backward nn.BackwardHook) (*binding, error) {
	if rule.IsBound() {
		return nil, errors.Wrapf(ErrRuleInUse, "attaching rule %q to %s", rule.Name(), layer.Descriptor())
	}
	if !nn.IsLeaf(layer) {
		return nil, errors.Wrapf(ErrNotLeaf, "attaching rule %q to %s", rule.Name(), layer.Descriptor())
	}
	arena.mu.Lock()
	defer arena.mu.Unlock()
	if existing, found := arena.bindings[layer]; found {
		return nil, errors.Wrapf(ErrAlreadyBound, "attaching rule %q to %s, bound to rule %q",
			rule.Name(), layer.Descriptor(), existing.rule.Name())
	}
	b := &binding{layer: layer, rule: rule}
	if forward != nil {
		b.handles = append(b.handles, layer.RegisterForwardHook(forward))
	}
	if backward != nil {
		b.handles = append(b.handles, layer.RegisterBackwardHook(backward))
	}
	arena.bindings[layer] = b
	if klog.V(3).Enabled() {
		klog.Infof("rules: bound %q to %s", rule.Name(), layer.Descriptor())
	}
	return b, nil
}

// unbind removes the hooks and the binding from the arena. It is a no-op for a nil binding.
func (b *binding) unbind() {
	if b == nil {
		return
	}
	for _, handle := range b.handles {
		handle.Remove()
	}
	b.handles = nil
	arena.mu.Lock()
	defer arena.mu.Unlock()
	if arena.bindings[b.layer] == b {
		delete(arena.bindings, b.layer)
	}
}

// sameShapes returns whether a and b have the same shape.
func sameShapes(a, b *tensors.Tensor) bool {
	return a != nil && b != nil && a.Shape().Equal(b.Shape())
}
