// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"testing"

	"github.com/gomlx/xai/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromValue(t *testing.T) {
	tensor := FromValue([][]float64{{1, 2, 3}, {4, 5, 6}})
	require.Equal(t, []int{2, 3}, tensor.Dims())
	require.Equal(t, []float64{1, 2, 3, 4, 5, 6}, tensor.Flat())
	require.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}}, tensor.Value())
	require.Equal(t, 6.0, tensor.At(1, 2))
	require.Panics(t, func() { _ = tensor.At(2, 0) })

	scalar := FromValue(3.0)
	require.Equal(t, 0, scalar.Rank())
	require.Equal(t, 3.0, scalar.Value())

	require.Panics(t, func() { _ = FromValue([][]float64{{1, 2}, {3}}) })
	require.Panics(t, func() { _ = FromValue([]int{1, 2}) })
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	data := []float64{1, 2, 3, 4}
	tensor := FromFlatDataAndDimensions(data, 2, 2)
	data[0] = 100
	require.Equal(t, 1.0, tensor.At(0, 0), "the tensor must hold a copy of the data")
	require.Panics(t, func() { _ = FromFlatDataAndDimensions(data, 3) })
}

func TestReshapeAndSample(t *testing.T) {
	tensor := FromValue([][]float64{{1, 2, 3}, {4, 5, 6}})
	reshaped := tensor.Reshape(-1)
	require.Equal(t, []int{6}, reshaped.Dims())
	reshaped = tensor.Reshape(3, -1)
	require.Equal(t, [][]float64{{1, 2}, {3, 4}, {5, 6}}, reshaped.Value())
	require.Panics(t, func() { _ = tensor.Reshape(4, -1) })

	sample := tensor.Sample(1)
	require.Equal(t, [][]float64{{4, 5, 6}}, sample.Value())
}

func TestElementWise(t *testing.T) {
	a := FromValue([]float64{1, -2, 3})
	b := FromValue([]float64{2, 2, -1})
	require.Equal(t, []float64{3, 0, 2}, Add(a, b).Flat())
	require.Equal(t, []float64{-1, -4, 4}, Sub(a, b).Flat())
	require.Equal(t, []float64{2, -4, -3}, Mul(a, b).Flat())
	require.Equal(t, []float64{0.5, -1, -3}, Div(a, b).Flat())
	require.Equal(t, []float64{1, 0, 3}, Positive(a).Flat())
	require.Equal(t, []float64{0, -2, 0}, Negative(a).Flat())
	require.Equal(t, []float64{2, -4, 6}, Scale(a, 2).Flat())
	require.Equal(t, []float64{2, -1, 4}, AddScalar(a, 1).Flat())
	require.Equal(t, []float64{4, -2, 5}, Sum(a, b, FromValue([]float64{1, -2, 3})).Flat())
	require.Equal(t, 2.0, ReduceSum(a))
	require.Equal(t, 3.0, ReduceMax(a))
	require.Equal(t, -2.0, ReduceMin(a))

	// Operands are never modified.
	require.Equal(t, []float64{1, -2, 3}, a.Flat())
	require.Panics(t, func() { _ = Add(a, FromValue([]float64{1, 2})) })
}

func TestPerSample(t *testing.T) {
	x := FromValue([][]float64{{1, -1, 3, -3}, {0, 0, 0, 0}})
	require.Equal(t, []float64{0, 0}, SumPerSample(x))
	mins, maxs := MinMaxPerSample(x)
	require.Equal(t, []float64{-3, 0}, mins)
	require.Equal(t, []float64{3, 0}, maxs)
	require.Equal(t, []float64{2, 0}, MeanAbsPerSample(x))
	rms := RMSPerSample(x)
	assert.InDelta(t, math.Sqrt(5), rms[0], 1e-12)
	assert.Equal(t, 0.0, rms[1])
	require.Equal(t, [][]float64{{2, -2, 6, -6}, {0, 0, 0, 0}}, ScalePerSample(x, []float64{2, 3}).Value())
}

func TestBroadcastTo(t *testing.T) {
	shape := shapes.Make(2, 3)
	require.Equal(t, [][]float64{{7, 7, 7}, {7, 7, 7}}, BroadcastTo(Scalar(7), shape).Value())
	require.Equal(t, [][]float64{{1, 2, 3}, {1, 2, 3}}, BroadcastTo(FromValue([]float64{1, 2, 3}), shape).Value())
	require.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}},
		BroadcastTo(FromValue([]float64{1, 2, 3, 4, 5, 6}), shape).Value())
	require.Panics(t, func() { _ = BroadcastTo(FromValue([]float64{1, 2}), shape) })
	require.False(t, CanBroadcastTo(2, shape))

	// One value per channel of an image batch.
	images := shapes.Make(2, 3, 1, 2)
	require.True(t, CanBroadcastTo(3, images))
	require.False(t, CanBroadcastTo(5, images))
	require.Equal(t, []float64{-1, -1, 0, 0, 1, 1, -1, -1, 0, 0, 1, 1},
		BroadcastTo(FromValue([]float64{-1, 0, 1}), images).Flat())
	require.Panics(t, func() { _ = BroadcastTo(FromValue([]float64{1, 2, 3, 4, 5}), images) })
}

func TestEqualAndNonFinite(t *testing.T) {
	a := FromValue([]float64{1, 2})
	require.True(t, a.Equal(a.Clone()))
	require.False(t, a.Equal(FromValue([]float64{1, 2.0000001})))
	require.True(t, a.InDelta(FromValue([]float64{1, 2.0000001}), 1e-6))
	require.False(t, a.HasNonFinite())
	require.True(t, FromValue([]float64{1, math.NaN()}).HasNonFinite())
	require.True(t, FromValue([]float64{math.Inf(-1)}).HasNonFinite())
}

func TestRandom(t *testing.T) {
	shape := shapes.Make(3, 4)
	n0 := Normal(NewRNG(42), shape, 1)
	n1 := Normal(NewRNG(42), shape, 1)
	require.True(t, n0.Equal(n1), "same seed must yield the same values")
	u := Uniform(NewRNG(1), shape, -1, 1)
	require.GreaterOrEqual(t, ReduceMin(u), -1.0)
	require.Less(t, ReduceMax(u), 1.0)
}
