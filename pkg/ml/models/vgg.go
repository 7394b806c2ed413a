// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/gomlx/xai/pkg/ml/nn"
)

// VGGConfig configures a VGG-style model.
type VGGConfig struct {
	// InputChannels and ImageSize of the (square) input images.
	InputChannels, ImageSize int

	// Channels of the 3x3 convolutions; each stage is followed by a 2x2 max-pooling.
	Channels []int

	// BatchNorm adds a batch normalization after each convolution, like "vgg16_bn".
	BatchNorm bool

	// Hidden units of the classifier and NumClasses of the output.
	Hidden, NumClasses int

	Seed uint64
}

// DefaultVGGConfig returns a small VGG with batch normalization, for 3x16x16 images and 10 classes.
func DefaultVGGConfig() VGGConfig {
	return VGGConfig{
		InputChannels: 3, ImageSize: 16,
		Channels:  []int{8, 16},
		BatchNorm: true,
		Hidden:    32, NumClasses: 10,
		Seed: 42,
	}
}

// VGG builds a model structured as:
//
//	features:   Sequential(conv, [bn], relu, maxpool, conv, [bn], relu, maxpool, ...)
//	classifier: Sequential(flatten, linear, relu, linear)
func VGG(config VGGConfig) *nn.Sequential {
	checkPositive("VGG input channels, image size, hidden units and classes",
		config.InputChannels, config.ImageSize, config.Hidden, config.NumClasses)
	checkPositive("VGG channels", config.Channels...)
	b := newBuilder(config.Seed)
	var features []nn.Module
	channels, size := config.InputChannels, config.ImageSize
	for _, outChannels := range config.Channels {
		features = append(features, b.conv(channels, outChannels, 3, 1, 1, true))
		if config.BatchNorm {
			features = append(features, b.batchNorm(outChannels))
		}
		features = append(features, nn.NewReLU(), nn.NewMaxPool2D(2, 0))
		channels, size = outChannels, size/2
		checkPositive("VGG image size after pooling", size)
	}
	classifier := nn.NewSequential(
		nn.NewFlatten(),
		b.linear(channels*size*size, config.Hidden),
		nn.NewReLU(),
		b.linear(config.Hidden, config.NumClasses),
	)
	return nn.NewNamedSequential(
		nn.Child{Name: "features", Module: nn.NewSequential(features...)},
		nn.Child{Name: "classifier", Module: classifier},
	)
}
