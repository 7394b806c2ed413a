// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a representation of a multidimensional array of float64 values.
//
// Tensors are stored locally, as a flat row-major Go slice, and are the values flowing through
// the eager graph (see package graph) and the modules (see package nn).
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalarAndDimensions(value float64, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions(data []float64, dimensions ...int): creates a Tensor with the
//     given dimensions and a copy of the flattened values. Example:
//
//     t := FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromValue(value any): converts a float64 scalar or regular multidimensional slice of float64.
//     Example:
//
//     t := FromValue([][]float64{{1,2}, {3, 5}, {7, 11}})
//
// Operations in this package never modify their operands: they always return newly allocated tensors.
// Functions and methods panic (see github.com/gomlx/exceptions) on shape mismatches, and the
// panics are converted to errors at API boundaries.
package tensors

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/xai/pkg/core/shapes"
	"gonum.org/v1/gonum/floats"
)

// Tensor is a multidimensional array of float64 values.
type Tensor struct {
	shape shapes.Shape
	data  []float64
}

// FromShape returns a zero-filled tensor of the given shape.
func FromShape(shape shapes.Shape) *Tensor {
	return &Tensor{shape: shape.Clone(), data: make([]float64, shape.Size())}
}

// FromScalarAndDimensions returns a tensor with the given dimensions, filled with value.
func FromScalarAndDimensions(value float64, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dimensions...))
	for ii := range t.data {
		t.data[ii] = value
	}
	return t
}

// Scalar returns a scalar tensor.
func Scalar(value float64) *Tensor {
	return &Tensor{data: []float64{value}}
}

// FromFlatDataAndDimensions returns a tensor with the given dimensions holding a copy of data.
// It panics if len(data) doesn't match the dimensions.
func FromFlatDataAndDimensions(data []float64, dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: data has %d elements, but shape %s has size %d",
			len(data), shape, shape.Size())
	}
	return &Tensor{shape: shape, data: slices.Clone(data)}
}

// FromValue converts a float64 scalar or a regular multidimensional slice of float64 (e.g. [][]float64) to a Tensor.
// It panics for other types or ragged slices.
func FromValue(value any) *Tensor {
	if t, ok := value.(*Tensor); ok {
		return t
	}
	if v, ok := value.(float64); ok {
		return Scalar(v)
	}
	var dims []int
	v := reflect.ValueOf(value)
	for v.Kind() == reflect.Slice {
		if v.Len() == 0 {
			exceptions.Panicf("tensors.FromValue(%T): empty slices not supported", value)
		}
		dims = append(dims, v.Len())
		v = v.Index(0)
	}
	if v.Kind() != reflect.Float64 {
		exceptions.Panicf("tensors.FromValue(%T): only float64 and (multidimensional) slices of float64 are supported", value)
	}
	t := FromShape(shapes.Make(dims...))
	pos := 0
	var recursiveCopy func(v reflect.Value, axis int)
	recursiveCopy = func(v reflect.Value, axis int) {
		if axis == len(dims) {
			t.data[pos] = v.Float()
			pos++
			return
		}
		if v.Len() != dims[axis] {
			exceptions.Panicf("tensors.FromValue(%T): ragged slice, axis %d has dimension %d and %d", value, axis, dims[axis], v.Len())
		}
		for ii := 0; ii < v.Len(); ii++ {
			recursiveCopy(v.Index(ii), axis+1)
		}
	}
	recursiveCopy(reflect.ValueOf(value), 0)
	return t
}

// ZerosLike returns a zero-filled tensor of the same shape as t.
func ZerosLike(t *Tensor) *Tensor { return FromShape(t.shape) }

// OnesLike returns a tensor of the same shape as t filled with 1.
func OnesLike(t *Tensor) *Tensor { return FullLike(t, 1) }

// FullLike returns a tensor of the same shape as t filled with value.
func FullLike(t *Tensor, value float64) *Tensor {
	out := FromShape(t.shape)
	for ii := range out.data {
		out.data[ii] = value
	}
	return out
}

// Shape returns the shape of the tensor. The returned value is a copy and can be changed.
func (t *Tensor) Shape() shapes.Shape { return t.shape.Clone() }

// Dims returns a copy of the dimensions of the tensor.
func (t *Tensor) Dims() []int { return slices.Clone(t.shape.Dimensions) }

// Rank returns the number of axes of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements of the tensor.
func (t *Tensor) Size() int { return len(t.data) }

// Flat returns the underlying flat row-major data.
//
// It is not a copy: only the owner of a freshly created tensor should write to it.
func (t *Tensor) Flat() []float64 { return t.data }

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), data: slices.Clone(t.data)}
}

// Reshape returns a copy of the tensor with the given dimensions. One dimension can be -1, in which case
// it is inferred from the size of the tensor.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	dimensions = slices.Clone(dimensions)
	inferAxis := -1
	known := 1
	for axis, dim := range dimensions {
		if dim == -1 {
			if inferAxis != -1 {
				exceptions.Panicf("Tensor.Reshape(%v): only one dimension can be -1", dimensions)
			}
			inferAxis = axis
			continue
		}
		known *= dim
	}
	if inferAxis != -1 {
		if known <= 0 || t.Size()%known != 0 {
			exceptions.Panicf("Tensor.Reshape(%v): cannot infer dimension for tensor of shape %s", dimensions, t.shape)
		}
		dimensions[inferAxis] = t.Size() / known
	}
	shape := shapes.Make(dimensions...)
	if shape.Size() != t.Size() {
		exceptions.Panicf("Tensor.Reshape(%v): size %d doesn't match tensor of shape %s", dimensions, shape.Size(), t.shape)
	}
	return &Tensor{shape: shape, data: slices.Clone(t.data)}
}

// At returns the value at the given indices. It panics if the number of indices is not the rank,
// or if any is out-of-bounds.
func (t *Tensor) At(indices ...int) float64 {
	if len(indices) != t.Rank() {
		exceptions.Panicf("Tensor.At(%v): tensor has rank %d", indices, t.Rank())
	}
	strides := t.shape.Strides()
	pos := 0
	for axis, idx := range indices {
		if idx < 0 || idx >= t.shape.Dimensions[axis] {
			exceptions.Panicf("Tensor.At(%v): index out-of-bounds for shape %s", indices, t.shape)
		}
		pos += idx * strides[axis]
	}
	return t.data[pos]
}

// Sample returns a copy of the sample ii of the batch (axis 0), keeping the batch axis with dimension 1.
func (t *Tensor) Sample(ii int) *Tensor {
	batchSize := t.shape.BatchSize()
	if t.Rank() == 0 || ii < 0 || ii >= batchSize {
		exceptions.Panicf("Tensor.Sample(%d): invalid sample for shape %s", ii, t.shape)
	}
	sampleSize := t.shape.SampleSize()
	return &Tensor{
		shape: t.shape.WithBatch(1),
		data:  slices.Clone(t.data[ii*sampleSize : (ii+1)*sampleSize]),
	}
}

// Value returns a multidimensional slice ([]float64, [][]float64, ...) or a float64 for scalars,
// with a copy of the tensor contents.
func (t *Tensor) Value() any {
	if t.Rank() == 0 {
		return t.data[0]
	}
	valueType := reflect.TypeOf(float64(0))
	for range t.Rank() {
		valueType = reflect.SliceOf(valueType)
	}
	pos := 0
	var build func(sliceType reflect.Type, axis int) reflect.Value
	build = func(sliceType reflect.Type, axis int) reflect.Value {
		dim := t.shape.Dimensions[axis]
		v := reflect.MakeSlice(sliceType, dim, dim)
		for ii := 0; ii < dim; ii++ {
			if axis == t.Rank()-1 {
				v.Index(ii).SetFloat(t.data[pos])
				pos++
			} else {
				v.Index(ii).Set(build(sliceType.Elem(), axis+1))
			}
		}
		return v
	}
	return build(valueType, 0).Interface()
}

// Equal returns whether the tensors have the same shape and bit-identical values.
func (t *Tensor) Equal(other *Tensor) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	for ii, v := range t.data {
		if math.Float64bits(v) != math.Float64bits(other.data[ii]) {
			return false
		}
	}
	return true
}

// InDelta returns whether the tensors have the same shape and each value is within delta of the other.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	return floats.EqualApprox(t.data, other.data, delta)
}

// HasNonFinite returns whether any value is NaN or infinite.
func (t *Tensor) HasNonFinite() bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// AssertSameShape panics if other has a different shape.
func (t *Tensor) AssertSameShape(other *Tensor) {
	if !t.shape.Equal(other.shape) {
		exceptions.Panicf("tensors have different shapes: %s and %s", t.shape, other.shape)
	}
}

// String implements fmt.Stringer. Large tensors are truncated.
func (t *Tensor) String() string {
	const maxValues = 16
	parts := make([]string, 0, min(len(t.data), maxValues)+1)
	for ii, v := range t.data {
		if ii == maxValues {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprintf("%g", v))
	}
	return fmt.Sprintf("Tensor%s{%s}", t.shape, strings.Join(parts, ", "))
}
