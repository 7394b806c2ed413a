// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/xai/pkg/core/shapes"
	"gonum.org/v1/gonum/floats"
)

// Add returns a + b. Both must have the same shape.
func Add(a, b *Tensor) *Tensor {
	a.AssertSameShape(b)
	out := FromShape(a.shape)
	floats.AddTo(out.data, a.data, b.data)
	return out
}

// Sub returns a - b. Both must have the same shape.
func Sub(a, b *Tensor) *Tensor {
	a.AssertSameShape(b)
	out := FromShape(a.shape)
	floats.SubTo(out.data, a.data, b.data)
	return out
}

// Mul returns the element-wise product a * b. Both must have the same shape.
func Mul(a, b *Tensor) *Tensor {
	a.AssertSameShape(b)
	out := FromShape(a.shape)
	floats.MulTo(out.data, a.data, b.data)
	return out
}

// Div returns the element-wise division a / b. Both must have the same shape.
//
// No stabilization is done here, see package stabilizers for that.
func Div(a, b *Tensor) *Tensor {
	a.AssertSameShape(b)
	out := FromShape(a.shape)
	floats.DivTo(out.data, a.data, b.data)
	return out
}

// Sum returns the element-wise sum of all the given tensors, which must all have the same shape.
func Sum(first *Tensor, rest ...*Tensor) *Tensor {
	out := first.Clone()
	for _, t := range rest {
		out.AssertSameShape(t)
		floats.Add(out.data, t.data)
	}
	return out
}

// Scale returns t * c.
func Scale(t *Tensor, c float64) *Tensor {
	out := FromShape(t.shape)
	floats.ScaleTo(out.data, c, t.data)
	return out
}

// AddScalar returns t + c.
func AddScalar(t *Tensor, c float64) *Tensor {
	out := t.Clone()
	floats.AddConst(c, out.data)
	return out
}

// Neg returns -t.
func Neg(t *Tensor) *Tensor { return Scale(t, -1) }

// Map returns a new tensor with fn applied to each element of t.
func Map(t *Tensor, fn func(v float64) float64) *Tensor {
	out := FromShape(t.shape)
	for ii, v := range t.data {
		out.data[ii] = fn(v)
	}
	return out
}

// Map2 returns a new tensor with fn applied to each pair of elements of a and b, which must have the same shape.
func Map2(a, b *Tensor, fn func(a, b float64) float64) *Tensor {
	a.AssertSameShape(b)
	out := FromShape(a.shape)
	for ii, v := range a.data {
		out.data[ii] = fn(v, b.data[ii])
	}
	return out
}

// ClampMin returns max(t, lower) element-wise.
func ClampMin(t *Tensor, lower float64) *Tensor {
	return Map(t, func(v float64) float64 { return math.Max(v, lower) })
}

// ClampMax returns min(t, upper) element-wise.
func ClampMax(t *Tensor, upper float64) *Tensor {
	return Map(t, func(v float64) float64 { return math.Min(v, upper) })
}

// Positive returns the positive part of t, max(t, 0).
func Positive(t *Tensor) *Tensor { return ClampMin(t, 0) }

// Negative returns the negative part of t, min(t, 0).
func Negative(t *Tensor) *Tensor { return ClampMax(t, 0) }

// Abs returns |t| element-wise.
func Abs(t *Tensor) *Tensor { return Map(t, math.Abs) }

// Square returns t² element-wise.
func Square(t *Tensor) *Tensor { return Map(t, func(v float64) float64 { return v * v }) }

// ReduceSum returns the sum of all elements of t.
func ReduceSum(t *Tensor) float64 { return floats.Sum(t.data) }

// ReduceMax returns the largest element of t.
func ReduceMax(t *Tensor) float64 { return floats.Max(t.data) }

// ReduceMin returns the smallest element of t.
func ReduceMin(t *Tensor) float64 { return floats.Min(t.data) }

// samples calls fn for each sample (along axis 0) of t, with the flat data of the sample.
func (t *Tensor) samples(fn func(ii int, sample []float64)) {
	batchSize := t.shape.BatchSize()
	sampleSize := t.shape.SampleSize()
	for ii := range batchSize {
		fn(ii, t.data[ii*sampleSize:(ii+1)*sampleSize])
	}
}

// SumPerSample returns the sum of the elements of each sample (axis 0) of t.
func SumPerSample(t *Tensor) []float64 {
	sums := make([]float64, t.shape.BatchSize())
	t.samples(func(ii int, sample []float64) { sums[ii] = floats.Sum(sample) })
	return sums
}

// MinMaxPerSample returns the smallest and largest element of each sample (axis 0) of t.
func MinMaxPerSample(t *Tensor) (mins, maxs []float64) {
	mins = make([]float64, t.shape.BatchSize())
	maxs = make([]float64, t.shape.BatchSize())
	t.samples(func(ii int, sample []float64) {
		mins[ii] = floats.Min(sample)
		maxs[ii] = floats.Max(sample)
	})
	return
}

// MeanAbsPerSample returns the mean absolute value of each sample (axis 0) of t.
func MeanAbsPerSample(t *Tensor) []float64 {
	means := make([]float64, t.shape.BatchSize())
	t.samples(func(ii int, sample []float64) {
		means[ii] = floats.Norm(sample, 1) / float64(len(sample))
	})
	return means
}

// RMSPerSample returns the root-mean-square of each sample (axis 0) of t.
func RMSPerSample(t *Tensor) []float64 {
	rms := make([]float64, t.shape.BatchSize())
	t.samples(func(ii int, sample []float64) {
		rms[ii] = floats.Norm(sample, 2) / math.Sqrt(float64(len(sample)))
	})
	return rms
}

// ScalePerSample returns t with each sample (axis 0) ii multiplied by factors[ii].
func ScalePerSample(t *Tensor, factors []float64) *Tensor {
	if len(factors) != t.shape.BatchSize() {
		exceptions.Panicf("tensors.ScalePerSample: %d factors for tensor of shape %s", len(factors), t.shape)
	}
	out := t.Clone()
	out.samples(func(ii int, sample []float64) { floats.Scale(factors[ii], sample) })
	return out
}

// BroadcastTo returns a tensor of the given shape built from t, which can be:
//
//   - a scalar (or any tensor of size 1), repeated for every element;
//   - one sample, with size shape.SampleSize(), repeated for every sample of the batch;
//   - one value per channel (axis 1), with size shape.Dim(1), repeated over the batch and spatial axes;
//   - a tensor of size shape.Size(), simply reshaped.
//
// When sizes are ambiguous the first matching case of the list above wins, except that a tensor of
// size shape.Size() is always reshaped. Anything else panics, see CanBroadcastTo.
func BroadcastTo(t *Tensor, shape shapes.Shape) *Tensor {
	out := FromShape(shape)
	switch {
	case t.Size() == 1:
		for ii := range out.data {
			out.data[ii] = t.data[0]
		}
	case t.Size() == shape.Size():
		copy(out.data, t.data)
	case !shape.IsScalar() && t.Size() == shape.SampleSize():
		out.samples(func(_ int, sample []float64) { copy(sample, t.data) })
	case shape.Rank() >= 2 && t.Size() == shape.Dim(1):
		numChannels := shape.Dim(1)
		spatial := shape.SampleSize() / numChannels
		for ii := range out.data {
			out.data[ii] = t.data[(ii/spatial)%numChannels]
		}
	default:
		exceptions.Panicf("tensors.BroadcastTo: cannot broadcast tensor of shape %s to shape %s", t.shape, shape)
	}
	return out
}

// CanBroadcastTo returns whether a tensor of the given size can be broadcast to shape by BroadcastTo.
func CanBroadcastTo(size int, shape shapes.Shape) bool {
	switch {
	case size == 1, size == shape.Size():
		return true
	case !shape.IsScalar() && size == shape.SampleSize():
		return true
	case shape.Rank() >= 2 && size == shape.Dim(1):
		return true
	}
	return false
}
