// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package heatmap renders attributions of image models as color-mapped images, and loads input images.
//
// Attributions are expected in the layout of the images, [batch_size, channels, height, width], and are summed
// over the channels before rendering.
package heatmap

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/xai/pkg/core/shapes"
	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/gomlx/xai/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// SumChannels reduces an attribution of shape [batch_size, channels, height, width] to [batch_size, height, width].
func SumChannels(attribution *tensors.Tensor) (*tensors.Tensor, error) {
	if attribution.Rank() != 4 {
		return nil, errors.Errorf("heatmap requires attributions of shape [batch_size, channels, height, width], got %s",
			attribution.Shape())
	}
	dims := attribution.Dims()
	batchSize, channels, planeSize := dims[0], dims[1], dims[2]*dims[3]
	reduced := tensors.FromShape(shapes.Make(batchSize, dims[2], dims[3]))
	in, out := attribution.Flat(), reduced.Flat()
	for b := range batchSize {
		for c := range channels {
			plane := in[(b*channels+c)*planeSize : (b*channels+c+1)*planeSize]
			for ii, v := range plane {
				out[b*planeSize+ii] += v
			}
		}
	}
	return reduced, nil
}

// Normalize scales each sample of the relevance to [0, 1].
//
// If symmetric, the scale is the largest absolute value of the sample and 0 maps to 0.5, so the sign of the
// relevance is kept (as in BWR and ColdNHot color maps). Otherwise, the minimum maps to 0 and the maximum to 1,
// and constant samples map to 0.5.
func Normalize(relevance *tensors.Tensor, symmetric bool) *tensors.Tensor {
	mins, maxs := tensors.MinMaxPerSample(relevance)
	out := relevance.Clone()
	data := out.Flat()
	sampleSize := relevance.Shape().SampleSize()
	for ii := range mins {
		sample := data[ii*sampleSize : (ii+1)*sampleSize]
		low, high := mins[ii], maxs[ii]
		if symmetric {
			bound := math.Max(math.Abs(low), math.Abs(high))
			low, high = -bound, bound
		}
		for jj, v := range sample {
			if high == low {
				sample[jj] = 0.5
			} else {
				sample[jj] = (v - low) / (high - low)
			}
		}
	}
	return out
}

// Image renders the attribution of one sample (of shape [batch_size, channels, height, width]) with the color map.
func Image(attribution *tensors.Tensor, sample int, cmap ColorMap, symmetric bool) (*image.NRGBA, error) {
	reduced, err := SumChannels(attribution)
	if err != nil {
		return nil, err
	}
	dims := reduced.Dims()
	if sample < 0 || sample >= dims[0] {
		return nil, errors.Errorf("sample %d out of range for a batch of %d", sample, dims[0])
	}
	normalized := Normalize(reduced, symmetric).Sample(sample)
	height, width := dims[1], dims[2]
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	values := normalized.Flat()
	for y := range height {
		for x := range width {
			img.SetNRGBA(x, y, cmap(values[y*width+x]))
		}
	}
	return img, nil
}

// ToImage converts one sample of the input images (of shape [batch_size, channels, height, width], with 1 or 3
// channels) to an image. Values are scaled from [minValue, maxValue] to the 0-255 range.
func ToImage(images *tensors.Tensor, sample int, minValue, maxValue float64) (*image.NRGBA, error) {
	if images.Rank() != 4 || (images.Shape().Dim(1) != 1 && images.Shape().Dim(1) != 3) {
		return nil, errors.Errorf("images must have shape [batch_size, 1 or 3, height, width], got %s", images.Shape())
	}
	if sample < 0 || sample >= images.Shape().Dim(0) {
		return nil, errors.Errorf("sample %d out of range for a batch of %d", sample, images.Shape().Dim(0))
	}
	dims := images.Dims()
	channels, height, width := dims[1], dims[2], dims[3]
	toByte := func(v float64) uint8 {
		v = (v - minValue) / (maxValue - minValue)
		return uint8(math.Round(255 * math.Max(0, math.Min(1, v))))
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			var rgb [3]uint8
			for c := range 3 {
				rgb[c] = toByte(images.At(sample, min(c, channels-1), y, x))
			}
			img.SetNRGBA(x, y, color.NRGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 255})
		}
	}
	return img, nil
}

// FromImages converts the images to a tensor of shape [len(images), 3, height, width], with values in [0, 1].
// All images must have the same size.
func FromImages(images ...image.Image) (t *tensors.Tensor, err error) {
	if len(images) == 0 {
		return nil, errors.New("heatmap.FromImages: no images given")
	}
	bounds := images[0].Bounds()
	height, width := bounds.Dy(), bounds.Dx()
	t = tensors.FromShape(shapes.Make(len(images), 3, height, width))
	data := t.Flat()
	planeSize := height * width
	for ii, img := range images {
		if img.Bounds().Dx() != width || img.Bounds().Dy() != height {
			return nil, errors.Errorf("image #%d has size %dx%d, but image #0 has size %dx%d", ii,
				img.Bounds().Dx(), img.Bounds().Dy(), width, height)
		}
		nrgba := imaging.Clone(img)
		for y := range height {
			for x := range width {
				c := nrgba.NRGBAAt(x, y)
				base := ii*3*planeSize + y*width + x
				data[base] = float64(c.R) / 255
				data[base+planeSize] = float64(c.G) / 255
				data[base+2*planeSize] = float64(c.B) / 255
			}
		}
	}
	return t, nil
}

// LoadImage loads the image at filePath, crops and resizes it to size x size, and returns it as a tensor of shape
// [1, 3, size, size] with values in [0, 1].
func LoadImage(filePath string, size int) (*tensors.Tensor, error) {
	if size <= 0 {
		exceptions.Panicf("heatmap.LoadImage: invalid size %d", size)
	}
	expanded, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	exists, err := fsutil.FileExists(expanded)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Errorf("image file %q not found", expanded)
	}
	img, err := imaging.Open(expanded)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load image %q", expanded)
	}
	return FromImages(imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos))
}

// Overlay draws the heatmap over the base image with the given opacity, after resizing the heatmap to the
// size of the base image.
func Overlay(base, heat image.Image, opacity float64) *image.NRGBA {
	bounds := base.Bounds()
	resized := imaging.Resize(heat, bounds.Dx(), bounds.Dy(), imaging.NearestNeighbor)
	return imaging.Overlay(base, resized, image.Pt(0, 0), opacity)
}

// Upscale resizes the image by an integer factor, keeping the pixels sharp.
func Upscale(img image.Image, factor int) *image.NRGBA {
	bounds := img.Bounds()
	return imaging.Resize(img, bounds.Dx()*factor, bounds.Dy()*factor, imaging.NearestNeighbor)
}

// Save the image to filePath, with the format given by its extension (e.g. ".png").
func Save(img image.Image, filePath string) error {
	expanded, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return err
	}
	if err := imaging.Save(img, expanded); err != nil {
		return errors.Wrapf(err, "failed to save image to %q", expanded)
	}
	return nil
}
