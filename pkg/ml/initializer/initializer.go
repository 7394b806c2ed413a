// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializer creates the initial values of model parameters.
package initializer

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/xai/pkg/core/shapes"
	"github.com/gomlx/xai/pkg/core/tensors"
)

// Initializer creates a tensor of the given shape.
type Initializer func(shape shapes.Shape) *tensors.Tensor

var (
	// Zero initializes parameters with zero.
	Zero Initializer = func(shape shapes.Shape) *tensors.Tensor {
		return tensors.FromShape(shape)
	}

	// One initializes parameters with one.
	One Initializer = func(shape shapes.Shape) *tensors.Tensor {
		return tensors.FromScalarAndDimensions(1, shape.Dimensions...)
	}
)

// Normal returns an initializer that generates random normal values with the given standard deviation
// and mean set to 0.
func Normal(rng *rand.Rand, stddev float64) Initializer {
	return func(shape shapes.Shape) *tensors.Tensor {
		return tensors.Normal(rng, shape, stddev)
	}
}

// Uniform returns an initializer that generates random uniform values from [min, max).
func Uniform(rng *rand.Rand, minValue, maxValue float64) Initializer {
	return func(shape shapes.Shape) *tensors.Tensor {
		return tensors.Uniform(rng, shape, minValue, maxValue)
	}
}

// computeFanInFanOut of a parameter expected to be the weights of either nn.Linear ([out, in]) or
// nn.Conv2D ([out, in, kernel_height, kernel_width]).
func computeFanInFanOut(shape shapes.Shape) (fanIn, fanOut int) {
	rank := shape.Rank()
	switch rank {
	case 0: // Scalar.
		fanIn = 1
		fanOut = fanIn
	case 1: // 1D shape, like a bias term.
		fanIn = 0
		fanOut = fanIn
	default: // Output axis first, then input axis, then the receptive field, if any.
		receptiveFieldSize := 1
		for _, dim := range shape.Dimensions[2:] {
			receptiveFieldSize *= dim
		}
		fanIn = shape.Dimensions[1] * receptiveFieldSize
		fanOut = shape.Dimensions[0] * receptiveFieldSize
	}
	return
}

// XavierNormal returns an initializer that generates random values with a normal distribution with mean in 0
// and stddev of sqrt(2 / (fanIn+fanOut)).
//
// It initializes biases (anything with rank <= 1) to zeros.
func XavierNormal(rng *rand.Rand) Initializer {
	return func(shape shapes.Shape) *tensors.Tensor {
		if shape.Rank() <= 1 {
			// Zero-bias.
			return Zero(shape)
		}
		fanIn, fanOut := computeFanInFanOut(shape)
		scale := max(1.0, float64(fanIn+fanOut))
		return tensors.Normal(rng, shape, math.Sqrt(2.0/scale))
	}
}

// He returns the initializer that tries to preserve the variance of 1, calculated for the Relu activation functions.
//
// It initializes biases (anything with rank <= 1) to zeros.
//
// [1] https://arxiv.org/pdf/1502.01852
func He(rng *rand.Rand) Initializer {
	return func(shape shapes.Shape) *tensors.Tensor {
		if shape.Rank() <= 1 {
			// Zero-bias.
			return Zero(shape)
		}
		fanIn, _ := computeFanInFanOut(shape)
		scale := max(1.0, float64(fanIn))
		return tensors.Normal(rng, shape, math.Sqrt(2.0/scale))
	}
}
