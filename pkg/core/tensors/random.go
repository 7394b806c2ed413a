// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math/rand/v2"

	"github.com/gomlx/xai/pkg/core/shapes"
)

// NewRNG returns a random number generator seeded deterministically with seed.
func NewRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Normal returns a tensor of the given shape with values sampled from a normal distribution
// with mean 0 and standard deviation stddev.
func Normal(rng *rand.Rand, shape shapes.Shape, stddev float64) *Tensor {
	t := FromShape(shape)
	for ii := range t.data {
		t.data[ii] = rng.NormFloat64() * stddev
	}
	return t
}

// Uniform returns a tensor of the given shape with values sampled uniformly from [low, high).
func Uniform(rng *rand.Rand, shape shapes.Shape, low, high float64) *Tensor {
	t := FromShape(shape)
	for ii := range t.data {
		t.data[ii] = low + rng.Float64()*(high-low)
	}
	return t
}
