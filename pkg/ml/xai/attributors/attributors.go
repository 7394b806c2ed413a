// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attributors computes attributions: the relevance of each input element for the output of a model.
//
// An Attributor registers its composite on the model (so the rules are attached only during the computation),
// runs one or more forward/backward passes, and releases the composite, even on errors:
//
//	attributor := attributors.NewGradient(model, composites.EpsilonPlus(composites.DefaultParams()))
//	target, _ := attributors.OneHot(shapes.Make(batchSize, numClasses), 3)
//	output, relevance, err := attributor.Compute(input, target)
package attributors

import (
	"github.com/gomlx/xai/pkg/core/shapes"
	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/gomlx/xai/pkg/ml/nn"
	"github.com/gomlx/xai/pkg/ml/xai/composites"
	"github.com/pkg/errors"
)

// ErrNonFinite is returned when the attribution has NaN or infinite values, usually because a rule
// was used without a stabilizer.
var ErrNonFinite = errors.New("attribution has non-finite values")

// Attributor computes the attribution of a model for an input.
type Attributor interface {
	// Compute returns the output of the model for input and the attribution, with the shape of input.
	//
	// target weights the output (it must have the same shape): usually a one-hot encoding of the
	// class to explain, see OneHot. If nil, the output itself is used.
	Compute(input, target *tensors.Tensor) (output, attribution *tensors.Tensor, err error)
}

// OneHot returns a tensor of shape outputShape ([batch_size, num_classes]) with a 1 in the given class of each
// sample. Either one class is given for all samples, or one class per sample.
func OneHot(outputShape shapes.Shape, classes ...int) (*tensors.Tensor, error) {
	if outputShape.Rank() != 2 {
		return nil, errors.Errorf("OneHot requires an output shape [batch_size, num_classes], got %s", outputShape)
	}
	batchSize, numClasses := outputShape.Dim(0), outputShape.Dim(1)
	if len(classes) != 1 && len(classes) != batchSize {
		return nil, errors.Errorf("OneHot: %d classes given for a batch of %d, give either one or one per sample",
			len(classes), batchSize)
	}
	t := tensors.FromShape(outputShape)
	data := t.Flat()
	for ii := range batchSize {
		class := classes[0]
		if len(classes) > 1 {
			class = classes[ii]
		}
		if class < 0 || class >= numClasses {
			return nil, errors.Errorf("OneHot: class %d out of range for %d classes", class, numClasses)
		}
		data[ii*numClasses+class] = 1
	}
	return t, nil
}

// targetWeights returns the function that, given the output of the model, returns the seed of the backward pass.
func targetWeights(target *tensors.Tensor) func(output *tensors.Tensor) (*tensors.Tensor, error) {
	return func(output *tensors.Tensor) (*tensors.Tensor, error) {
		if target == nil {
			return output.Clone(), nil
		}
		if !target.Shape().Equal(output.Shape()) {
			return nil, errors.Errorf("target shape %s doesn't match the output shape %s", target.Shape(), output.Shape())
		}
		return target, nil
	}
}

// base holds the fields common to all attributors.
type base struct {
	name      string
	model     nn.Module
	composite *composites.Composite
}

func newBase(name string, model nn.Module, composite *composites.Composite) base {
	if composite == nil {
		composite = composites.Noop()
	}
	return base{name: name, model: model, composite: composite}
}

// run registers the composite on the model, calls fn and releases the composite. It also checks that the
// attribution is finite.
func (b *base) run(fn func() (output, attribution *tensors.Tensor, err error)) (
	output, attribution *tensors.Tensor, err error) {
	err = b.composite.Context(b.model, func() error {
		var fnErr error
		output, attribution, fnErr = fn()
		return fnErr
	})
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "%s attributor with composite %q", b.name, b.composite.Name())
	}
	if attribution.HasNonFinite() {
		return nil, nil, errors.Wrapf(ErrNonFinite, "%s attributor with composite %q", b.name, b.composite.Name())
	}
	return output, attribution, nil
}

// Gradient computes the gradient of the output (weighted by the target) with respect to the input, with the
// rules of the composite attached. With no rules, this is the plain gradient.
type Gradient struct {
	base
}

var _ Attributor = (*Gradient)(nil)

// NewGradient creates a Gradient attributor. If composite is nil, composites.Noop is used.
func NewGradient(model nn.Module, composite *composites.Composite) *Gradient {
	return &Gradient{base: newBase("gradient", model, composite)}
}

// Compute implements Attributor.
func (a *Gradient) Compute(input, target *tensors.Tensor) (output, attribution *tensors.Tensor, err error) {
	return a.run(func() (*tensors.Tensor, *tensors.Tensor, error) {
		return nn.Backward(a.model, input, targetWeights(target))
	})
}
