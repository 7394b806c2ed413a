// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attributors

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/gomlx/xai/pkg/ml/nn"
	"github.com/gomlx/xai/pkg/ml/xai/composites"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultSeed of the random number generator of SmoothGrad.
const DefaultSeed = 42

// ProgressFn is called after each iteration of an iterative attributor, with the number of iterations
// completed and the total.
type ProgressFn func(done, total int)

// iterative holds the configuration shared by attributors that average many backward passes.
type iterative struct {
	base
	numIterations int
	progress      ProgressFn
}

func (it *iterative) checkIterations() error {
	if it.numIterations < 1 {
		return errors.Errorf("%s attributor requires at least 1 iteration, got %d", it.name, it.numIterations)
	}
	return nil
}

// accumulate runs numIterations backward passes, on the inputs returned by inputFn, and returns the average
// gradient. The output is computed from a separate forward pass on input.
func (it *iterative) accumulate(input, target *tensors.Tensor, inputFn func(iteration int) *tensors.Tensor) (
	output, meanGrad *tensors.Tensor, err error) {
	sum := tensors.ZerosLike(input)
	weights := targetWeights(target)
	for iteration := range it.numIterations {
		var grad *tensors.Tensor
		_, grad, err = nn.Backward(it.model, inputFn(iteration), weights)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "iteration %d of %d", iteration, it.numIterations)
		}
		sum = tensors.Add(sum, grad)
		if it.progress != nil {
			it.progress(iteration+1, it.numIterations)
		}
	}
	klog.V(1).Infof("%s attributor: %d iterations on input of shape %s", it.name, it.numIterations, input.Shape())
	output, err = nn.Forward(it.model, input)
	if err != nil {
		return nil, nil, err
	}
	return output, tensors.Scale(sum, 1/float64(it.numIterations)), nil
}

// SmoothGrad averages the gradients (with the rules of the composite) of numIterations copies of the input
// with Gaussian noise added. The standard deviation of the noise of each sample is noiseLevel * (max - min)
// of the sample.
type SmoothGrad struct {
	iterative
	noiseLevel float64
	seed       uint64
}

var _ Attributor = (*SmoothGrad)(nil)

// NewSmoothGrad creates a SmoothGrad attributor. If composite is nil, composites.Noop is used.
//
// With numIterations = 1 and noiseLevel = 0 it is equivalent to Gradient.
func NewSmoothGrad(model nn.Module, composite *composites.Composite, noiseLevel float64, numIterations int) *SmoothGrad {
	return &SmoothGrad{
		iterative:  iterative{base: newBase("smoothgrad", model, composite), numIterations: numIterations},
		noiseLevel: noiseLevel,
		seed:       DefaultSeed,
	}
}

// WithSeed sets the seed of the noise. Each call to Compute restarts the random number generator from the seed.
func (a *SmoothGrad) WithSeed(seed uint64) *SmoothGrad {
	a.seed = seed
	return a
}

// WithProgress sets a function called after each iteration.
func (a *SmoothGrad) WithProgress(fn ProgressFn) *SmoothGrad {
	a.progress = fn
	return a
}

// noiseStdDevs returns the standard deviation of the noise of each sample of input.
func (a *SmoothGrad) noiseStdDevs(input *tensors.Tensor) []float64 {
	mins, maxs := tensors.MinMaxPerSample(input)
	stddevs := make([]float64, len(mins))
	for ii := range stddevs {
		stddevs[ii] = a.noiseLevel * (maxs[ii] - mins[ii])
	}
	return stddevs
}

// Compute implements Attributor.
func (a *SmoothGrad) Compute(input, target *tensors.Tensor) (output, attribution *tensors.Tensor, err error) {
	if err = a.checkIterations(); err != nil {
		return nil, nil, err
	}
	if a.noiseLevel < 0 {
		return nil, nil, errors.Errorf("smoothgrad attributor requires a non-negative noise level, got %g", a.noiseLevel)
	}
	stddevs := a.noiseStdDevs(input)
	return a.run(func() (*tensors.Tensor, *tensors.Tensor, error) {
		rng := tensors.NewRNG(a.seed)
		return a.accumulate(input, target, func(_ int) *tensors.Tensor {
			if a.noiseLevel == 0 {
				return input
			}
			noise := tensors.ScalePerSample(tensors.Normal(rng, input.Shape(), 1), stddevs)
			return tensors.Add(input, noise)
		})
	})
}

// IntegratedGradients integrates the gradients (with the rules of the composite) along the straight path
// from a baseline to the input, approximated with numIterations steps, and multiplies the result by
// (input - baseline).
type IntegratedGradients struct {
	iterative
	baseline *tensors.Tensor
}

var _ Attributor = (*IntegratedGradients)(nil)

// NewIntegratedGradients creates an IntegratedGradients attributor. If composite is nil, composites.Noop is used.
//
// The baseline can be a scalar, one value per channel, one sample or a full batch (see tensors.BroadcastTo).
// If nil, zero is used.
func NewIntegratedGradients(model nn.Module, composite *composites.Composite, numIterations int,
	baseline *tensors.Tensor) *IntegratedGradients {
	return &IntegratedGradients{
		iterative: iterative{base: newBase("integrated_gradients", model, composite), numIterations: numIterations},
		baseline:  baseline,
	}
}

// WithProgress sets a function called after each iteration.
func (a *IntegratedGradients) WithProgress(fn ProgressFn) *IntegratedGradients {
	a.progress = fn
	return a
}

// Compute implements Attributor.
func (a *IntegratedGradients) Compute(input, target *tensors.Tensor) (output, attribution *tensors.Tensor, err error) {
	if err = a.checkIterations(); err != nil {
		return nil, nil, err
	}
	baseline := tensors.ZerosLike(input)
	if a.baseline != nil {
		err = exceptions.TryCatch[error](func() { baseline = tensors.BroadcastTo(a.baseline, input.Shape()) })
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "integrated gradients baseline")
		}
	}
	delta := tensors.Sub(input, baseline)
	return a.run(func() (*tensors.Tensor, *tensors.Tensor, error) {
		output, meanGrad, err := a.accumulate(input, target, func(iteration int) *tensors.Tensor {
			alpha := float64(iteration+1) / float64(a.numIterations)
			return tensors.Add(baseline, tensors.Scale(delta, alpha))
		})
		if err != nil {
			return nil, nil, err
		}
		return output, tensors.Mul(delta, meanGrad), nil
	})
}
