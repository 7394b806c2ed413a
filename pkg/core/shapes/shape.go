// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the dimensions of a tensor, and associated tools.
//
// All tensors in this module hold float64 values, so unlike a full ML framework there is no
// DType: a Shape is only its list of dimensions.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a Tensor.
//   - Axis: the index of a dimension on a multidimensional Tensor.
//   - Dimension: the size of a Tensor in one of its axes.
//   - Batch axis: by convention axis 0 of inputs and activations, it indexes the samples.
//   - Scalar: a shape with no axes, holding a single value.
//
// Example: a batch of 2 RGB images of 32x32 pixels, in channels-first (NCHW) layout, has
// shape `[2 3 32 32]`, created with `shapes.Make(2, 3, 32, 32)`.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Shape represents the dimensions of a Tensor. Use Make to create a new shape.
type Shape struct {
	Dimensions []int
}

// Make returns a Shape with the given dimensions. It panics if any dimension is <= 0.
func Make(dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%v): cannot create a shape with an axis with dimension <= 0", dimensions)
		}
	}
	return s
}

// Scalar returns the shape of a scalar.
func Scalar() Shape { return Shape{} }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Size returns the number of elements of a tensor of this shape. A scalar has size 1.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// BatchSize returns the dimension of the batch axis (axis 0), or 1 for scalars.
func (s Shape) BatchSize() int {
	if s.IsScalar() {
		return 1
	}
	return s.Dimensions[0]
}

// SampleSize returns the number of elements of one sample, that is, Size / BatchSize.
func (s Shape) SampleSize() int {
	return s.Size() / s.BatchSize()
}

// Equal compares two shapes for equality.
func (s Shape) Equal(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{Dimensions: slices.Clone(s.Dimensions)}
}

// WithBatch returns a copy of the shape with the batch axis (axis 0) replaced by batchSize.
func (s Shape) WithBatch(batchSize int) Shape {
	if s.IsScalar() {
		exceptions.Panicf("Shape.WithBatch(%d) called on a scalar", batchSize)
	}
	s2 := s.Clone()
	s2.Dimensions[0] = batchSize
	return s2
}

// Strides returns the row-major strides of each axis.
func (s Shape) Strides() []int {
	strides := make([]int, s.Rank())
	stride := 1
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}

// String implements fmt.Stringer, pretty-printing the dimensions: e.g. "[2 3 32 32]".
func (s Shape) String() string {
	parts := make([]string, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		parts[ii] = fmt.Sprintf("%d", dim)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// AssertRank panics if the shape doesn't have the given rank.
func (s Shape) AssertRank(rank int) {
	if s.Rank() != rank {
		exceptions.Panicf("shape %s has rank %d, wanted rank %d", s, s.Rank(), rank)
	}
}

// AssertDims panics if the dimensions don't match. A -1 dimension is not checked.
func (s Shape) AssertDims(dimensions ...int) {
	if s.Rank() != len(dimensions) {
		exceptions.Panicf("shape %s has rank %d, wanted dimensions %v", s, s.Rank(), dimensions)
	}
	for axis, dim := range dimensions {
		if dim != -1 && s.Dimensions[axis] != dim {
			exceptions.Panicf("shape %s axis %d has dimension %d, wanted dimensions %v", s, axis, s.Dimensions[axis], dimensions)
		}
	}
}
