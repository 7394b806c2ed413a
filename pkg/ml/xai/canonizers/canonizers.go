// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package canonizers implements reversible rewrites of models that make them easier to explain with LRP rules,
// like merging batch normalization layers into the preceding linear layer.
//
// A Canonizer scans a model for a structural pattern (by adjacency, never by name) and rewrites the matching
// layers in place: layers stay reachable under their original paths. Each rewrite is recorded as an Instance,
// whose Revert restores the original parameters (the very same tensors) and wiring.
//
// A pattern that is not found is not an error: Apply simply returns no instances.
package canonizers

import (
	"slices"
	"strings"

	"github.com/gomlx/xai/pkg/ml/nn"
	"github.com/gomlx/xai/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Canonizer rewrites a model in place, returning the instances that revert each rewrite.
type Canonizer interface {
	// Name of the canonizer, as used in configurations.
	Name() string

	// Apply rewrites root. If it fails, whatever was rewritten is reverted before returning the error.
	Apply(root nn.Module) ([]Instance, error)
}

// Instance of an applied rewrite.
type Instance interface {
	// Revert restores the model to its state before the rewrite. It is a no-op if called more than once.
	Revert()
}

// RevertAll reverts the instances in reverse order.
func RevertAll(instances []Instance) {
	for _, instance := range slices.Backward(instances) {
		instance.Revert()
	}
}

// composed applies a list of canonizers in order.
type composed struct {
	name       string
	canonizers []Canonizer
}

// Compose returns a canonizer that applies each of the canonizers in order, and reverts all of them in reverse order.
func Compose(name string, canonizers ...Canonizer) Canonizer {
	return &composed{name: name, canonizers: canonizers}
}

// Name implements Canonizer.
func (c *composed) Name() string { return c.name }

// Apply implements Canonizer.
func (c *composed) Apply(root nn.Module) ([]Instance, error) {
	var instances []Instance
	for _, canonizer := range c.canonizers {
		applied, err := canonizer.Apply(root)
		if err != nil {
			RevertAll(instances)
			return nil, errors.WithMessagef(err, "canonizer %q", c.name)
		}
		instances = append(instances, applied...)
	}
	return instances, nil
}

// logApplied logs the number of rewrites of a canonizer, noting when its pattern was not found.
func logApplied(name string, root nn.Module, count int) {
	if count == 0 {
		klog.V(1).Infof("canonizer %q: no matching pattern in %s, nothing to do", name, root.Descriptor())
		return
	}
	klog.V(1).Infof("canonizer %q: %d rewrites in %s", name, count, root.Descriptor())
}

// Names of the canonizers available with ByName.
const (
	NameMergeBatchNorm = "merge_batchnorm"
	NameVGG            = "vgg"
	NameResNet         = "resnet"
)

var byName = map[string]func() Canonizer{
	NameMergeBatchNorm: func() Canonizer { return SequentialMergeBatchNorm() },
	NameVGG:            VGG,
	NameResNet:         ResNet,
}

// ByName returns a new canonizer given its name, see the Name* constants.
func ByName(name string) (Canonizer, error) {
	fn, found := byName[name]
	if !found {
		return nil, errors.Errorf("unknown canonizer %q, valid names are %s", name,
			strings.Join(xslices.SortedKeys(byName), ", "))
	}
	return fn(), nil
}
