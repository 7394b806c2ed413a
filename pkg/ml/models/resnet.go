// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"strconv"

	"github.com/gomlx/xai/pkg/ml/nn"
)

// ResNetConfig configures a ResNet-style model built from nn.BasicBlock.
type ResNetConfig struct {
	// InputChannels and ImageSize of the (square) input images.
	InputChannels, ImageSize int

	// Width is the number of channels of the stem and the first stage; it doubles at each stage.
	Width int

	// Blocks per stage. Every stage after the first halves the spatial dimensions.
	Blocks []int

	NumClasses int
	Seed       uint64
}

// DefaultResNetConfig returns a small ResNet for 3x16x16 images and 10 classes.
func DefaultResNetConfig() ResNetConfig {
	return ResNetConfig{
		InputChannels: 3, ImageSize: 16,
		Width:      8,
		Blocks:     []int{1, 1},
		NumClasses: 10,
		Seed:       42,
	}
}

// convOutputSize of a 3x3 convolution with padding 1.
func convOutputSize(size, stride int) int {
	return (size-1)/stride + 1
}

// ResNet builds a model structured as:
//
//	conv1, bn1, relu, layer1 ... layerN (Sequential of BasicBlocks), avgpool (global), flatten, fc
//
// The first block of each stage after the first has stride 2 and a downsample Sequential(conv 1x1, bn).
func ResNet(config ResNetConfig) *nn.Sequential {
	checkPositive("ResNet input channels, image size, width and classes",
		config.InputChannels, config.ImageSize, config.Width, config.NumClasses)
	checkPositive("ResNet blocks", config.Blocks...)
	b := newBuilder(config.Seed)
	children := []nn.Child{
		{Name: "conv1", Module: b.conv(config.InputChannels, config.Width, 3, 1, 1, false)},
		{Name: "bn1", Module: b.batchNorm(config.Width)},
		{Name: "relu", Module: nn.NewReLU()},
	}
	channels, size := config.Width, config.ImageSize
	for stage, numBlocks := range config.Blocks {
		outChannels := config.Width << stage
		var blocks []nn.Module
		for blockIdx := range numBlocks {
			stride := 1
			if stage > 0 && blockIdx == 0 {
				stride = 2
			}
			var downsample nn.Module
			if stride != 1 || channels != outChannels {
				downsample = nn.NewSequential(
					b.conv(channels, outChannels, 1, stride, 0, false),
					b.batchNorm(outChannels))
			}
			blocks = append(blocks, nn.NewBasicBlock(
				b.conv(channels, outChannels, 3, stride, 1, false), b.batchNorm(outChannels),
				b.conv(outChannels, outChannels, 3, 1, 1, false), b.batchNorm(outChannels),
				downsample))
			channels, size = outChannels, convOutputSize(size, stride)
		}
		children = append(children, nn.Child{Name: "layer" + strconv.Itoa(stage+1), Module: nn.NewSequential(blocks...)})
	}
	children = append(children,
		nn.Child{Name: "avgpool", Module: nn.NewAvgPool2D(size, 0)},
		nn.Child{Name: "flatten", Module: nn.NewFlatten()},
		nn.Child{Name: "fc", Module: b.linear(channels, config.NumClasses)},
	)
	return nn.NewNamedSequential(children...)
}
