// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models builds small image classifiers, with the layer structure (and dotted names) of the
// VGG and ResNet families, on the nn runtime.
//
// Parameters are randomly initialized from a seed (He initialization for convolutions, Xavier for linear
// layers), and the batch-normalization statistics are randomized as well, so that canonicalization is
// never a no-op.
package models

import (
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/xai/pkg/core/shapes"
	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/gomlx/xai/pkg/ml/initializer"
	"github.com/gomlx/xai/pkg/ml/nn"
)

// builder holds the random state used to build a model.
type builder struct {
	rng           *rand.Rand
	weights       initializer.Initializer
	linearWeights initializer.Initializer
}

func newBuilder(seed uint64) *builder {
	rng := tensors.NewRNG(seed)
	return &builder{rng: rng, weights: initializer.He(rng), linearWeights: initializer.XavierNormal(rng)}
}

func (b *builder) conv(inChannels, outChannels, kernel, stride, padding int, withBias bool) *nn.Conv2D {
	var bias *tensors.Tensor
	if withBias {
		bias = tensors.Normal(b.rng, shapes.Make(outChannels), 0.01)
	}
	return nn.NewConv2D(b.weights(shapes.Make(outChannels, inChannels, kernel, kernel)), bias, stride, padding)
}

func (b *builder) linear(inFeatures, outFeatures int) *nn.Linear {
	return nn.NewLinear(b.linearWeights(shapes.Make(outFeatures, inFeatures)),
		tensors.Normal(b.rng, shapes.Make(outFeatures), 0.01))
}

func (b *builder) batchNorm(channels int) *nn.BatchNorm {
	shape := shapes.Make(channels)
	return nn.NewBatchNorm(
		tensors.Uniform(b.rng, shape, 0.5, 1.5), tensors.Normal(b.rng, shape, 0.1),
		tensors.Normal(b.rng, shape, 0.1), tensors.Uniform(b.rng, shape, 0.5, 1.5))
}

func checkPositive(name string, values ...int) {
	for _, v := range values {
		if v <= 0 {
			exceptions.Panicf("models: %s must be positive, got %v", name, values)
		}
	}
}
