// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"fmt"
	"testing"

	"github.com/gomlx/xai/pkg/core/graph"
	"github.com/gomlx/xai/pkg/core/shapes"
	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// numericVJP estimates the gradient of ReduceSum(leaf(x) * v) with respect to x with central differences.
func numericVJP(leaf Leaf, x, v *tensors.Tensor) *tensors.Tensor {
	const h = 1e-5
	grad := tensors.ZerosLike(x)
	for ii := range x.Size() {
		plus, minus := x.Clone(), x.Clone()
		plus.Flat()[ii] += h
		minus.Flat()[ii] -= h
		diff := tensors.Sub(leaf.Apply(plus), leaf.Apply(minus))
		grad.Flat()[ii] = tensors.ReduceSum(tensors.Mul(diff, v)) / (2 * h)
	}
	return grad
}

func checkVJP(t *testing.T, leaf Leaf, x *tensors.Tensor) {
	output := leaf.Apply(x)
	rng := tensors.NewRNG(7)
	v := tensors.Normal(rng, output.Shape(), 1)
	got := leaf.VJP([]*tensors.Tensor{x}, output, v)[0]
	want := numericVJP(leaf, x, v)
	assert.InDeltaSlicef(t, want.Flat(), got.Flat(), 1e-6, "VJP of %s doesn't match numeric gradient", leaf.Descriptor())
}

func TestLinear(t *testing.T) {
	l := NewLinear(tensors.FromValue([][]float64{{2, 1}}), tensors.FromValue([]float64{0}))
	x := tensors.FromValue([][]float64{{1, -1}})
	y := l.Apply(x)
	require.Equal(t, [][]float64{{1}}, y.Value())
	grad := l.VJP([]*tensors.Tensor{x}, y, tensors.FromValue([][]float64{{1}}))
	require.Equal(t, [][]float64{{2, 1}}, grad[0].Value())
	require.Len(t, l.Parameters(), 2)

	noBias := NewLinear(tensors.FromValue([][]float64{{1, 2, 3}, {4, 5, 6}}), nil)
	require.Len(t, noBias.Parameters(), 1)
	rng := tensors.NewRNG(1)
	checkVJP(t, noBias, tensors.Normal(rng, shapes.Make(4, 3), 1))

	doubled := noBias.WithParameters(func(param *Parameter) *tensors.Tensor {
		return tensors.Scale(param.Value, 2)
	})
	require.Equal(t, [][]float64{{2, 4, 6}, {8, 10, 12}}, doubled.(*Linear).Weight.Value.Value())
	require.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}}, noBias.Weight.Value.Value(), "original layer changed")
	require.Panics(t, func() { _ = l.Apply(tensors.FromValue([][]float64{{1, 2, 3}})) })
}

func TestConv2D(t *testing.T) {
	x := tensors.FromValue([][][][]float64{{{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}}})
	conv := NewConv2D(tensors.FromScalarAndDimensions(1, 1, 1, 2, 2), tensors.FromValue([]float64{1}), 1, 0)
	y := conv.Apply(x)
	require.Equal(t, [][][][]float64{{{{13, 17}, {25, 29}}}}, y.Value())
	grad := conv.VJP([]*tensors.Tensor{x}, y, tensors.OnesLike(y))[0]
	require.Equal(t, [][][][]float64{{{{1, 2, 1}, {2, 4, 2}, {1, 2, 1}}}}, grad.Value())

	padded := NewConv2D(tensors.FromScalarAndDimensions(1, 1, 1, 2, 2), nil, 1, 1)
	require.Equal(t, []int{1, 1, 4, 4}, padded.Apply(x).Dims())

	rng := tensors.NewRNG(3)
	strided := NewConv2D(tensors.Normal(rng, shapes.Make(4, 3, 3, 3), 1), tensors.Normal(rng, shapes.Make(4), 1), 2, 1)
	checkVJP(t, strided, tensors.Normal(rng, shapes.Make(2, 3, 5, 5), 1))
	require.Equal(t, []int{2, 4, 3, 3}, strided.Apply(tensors.FromShape(shapes.Make(2, 3, 5, 5))).Dims())
}

func TestBatchNorm(t *testing.T) {
	bn := NewBatchNorm(tensors.FromValue([]float64{2}), tensors.FromValue([]float64{1}),
		tensors.FromValue([]float64{1}), tensors.FromValue([]float64{3}))
	bn.Epsilon = 1
	require.Equal(t, []float64{1}, bn.Scale())
	require.Equal(t, [][]float64{{3}}, bn.Apply(tensors.FromValue([][]float64{{3}})).Value())

	rng := tensors.NewRNG(5)
	bn2 := NewBatchNorm(tensors.Normal(rng, shapes.Make(3), 1), tensors.Normal(rng, shapes.Make(3), 1),
		tensors.Normal(rng, shapes.Make(3), 1), tensors.Uniform(rng, shapes.Make(3), 0.5, 2))
	checkVJP(t, bn2, tensors.Normal(rng, shapes.Make(2, 3, 2, 2), 1))

	identity := NewIdentityBatchNorm(3)
	x := tensors.Normal(rng, shapes.Make(2, 3), 1)
	require.True(t, identity.Apply(x).Equal(x))
}

func TestActivationsAndPooling(t *testing.T) {
	x := tensors.FromValue([][][][]float64{{{{1, 3}, {2, 0}}}})
	relu := NewReLU()
	require.Equal(t, []float64{1, 0}, relu.Apply(tensors.FromValue([]float64{1, -1})).Flat())

	maxPool := NewMaxPool2D(2, 0)
	y := maxPool.Apply(x)
	require.Equal(t, []float64{3}, y.Flat())
	grad := maxPool.VJP([]*tensors.Tensor{x}, y, tensors.OnesLike(y))[0]
	require.Equal(t, []float64{0, 1, 0, 0}, grad.Flat())

	avgPool := NewAvgPool2D(2, 0)
	y = avgPool.Apply(x)
	require.Equal(t, []float64{1.5}, y.Flat())
	grad = avgPool.VJP([]*tensors.Tensor{x}, y, tensors.OnesLike(y))[0]
	require.Equal(t, []float64{0.25, 0.25, 0.25, 0.25}, grad.Flat())

	rng := tensors.NewRNG(11)
	checkVJP(t, NewAvgPool2D(2, 1), tensors.Normal(rng, shapes.Make(1, 2, 3, 3), 1))

	flat := NewFlatten().Apply(x)
	require.Equal(t, []int{1, 4}, flat.Dims())
	require.Equal(t, []int{1, 1, 2, 2}, NewFlatten().VJP([]*tensors.Tensor{x}, flat, flat)[0].Dims())

	sum := NewSum()
	a, b := tensors.FromValue([]float64{1, 2}), tensors.FromValue([]float64{3, 4})
	require.Equal(t, []float64{4, 6}, sum.Apply(a, b).Flat())
	require.Len(t, sum.VJP([]*tensors.Tensor{a, b}, nil, a), 2)
}

func TestHooks(t *testing.T) {
	l := NewLinear(tensors.FromValue([][]float64{{2, 1}}), nil)
	var captured *tensors.Tensor
	forward := l.RegisterForwardHook(func(m Module, inputs []*tensors.Tensor, output *tensors.Tensor) {
		require.Same(t, l, m)
		captured = inputs[0]
	})
	backward := l.RegisterBackwardHook(func(_ Module, inputs []*tensors.Tensor, gradOutput *tensors.Tensor, gradInputs []*tensors.Tensor) []*tensors.Tensor {
		require.Same(t, captured, inputs[0])
		return []*tensors.Tensor{tensors.OnesLike(gradInputs[0])}
	})
	require.Equal(t, 2, l.NumHooks())

	x := tensors.FromValue([][]float64{{1, -1}})
	g := graph.New("test")
	input := g.Input(x)
	output := l.Forward(input)
	require.Same(t, x, captured)
	grad := graph.Gradient(output, tensors.FromValue([][]float64{{5}}), input)[0]
	require.Equal(t, []float64{1, 1}, grad.Flat())

	backward.Remove()
	backward.Remove()
	require.True(t, backward.IsRemoved())
	require.Equal(t, 1, l.NumHooks())
	g = graph.New("test")
	input = g.Input(x)
	grad = graph.Gradient(l.Forward(input), tensors.FromValue([][]float64{{5}}), input)[0]
	require.Equal(t, []float64{10, 5}, grad.Flat())

	forward.Remove()
	require.Equal(t, 0, l.NumHooks())
}

func TestBackwardHookPerApplication(t *testing.T) {
	l := NewLinear(tensors.FromValue([][]float64{{2}}), nil)
	var seen []float64
	l.RegisterBackwardHook(func(_ Module, inputs []*tensors.Tensor, _ *tensors.Tensor, _ []*tensors.Tensor) []*tensors.Tensor {
		seen = append(seen, inputs[0].Flat()[0])
		return nil
	})
	_, grad, err := Backward(NewSequential(l, l), tensors.FromValue([][]float64{{3}}), func(output *tensors.Tensor) (*tensors.Tensor, error) {
		require.Equal(t, []float64{12}, output.Flat())
		return tensors.OnesLike(output), nil
	})
	require.NoError(t, err)
	require.Equal(t, []float64{4}, grad.Flat())
	// Back-propagation visits the second application first.
	require.Equal(t, []float64{6, 3}, seen)
}

func newTestBlock(seed uint64) *BasicBlock {
	rng := tensors.NewRNG(seed)
	conv := func() *Conv2D {
		return NewConv2D(tensors.Normal(rng, shapes.Make(2, 2, 3, 3), 0.3), nil, 1, 1)
	}
	bn := func() *BatchNorm {
		return NewBatchNorm(tensors.Uniform(rng, shapes.Make(2), 0.5, 1.5), tensors.Normal(rng, shapes.Make(2), 0.1),
			tensors.Normal(rng, shapes.Make(2), 0.1), tensors.Uniform(rng, shapes.Make(2), 0.5, 1.5))
	}
	return NewBasicBlock(conv(), bn(), conv(), bn(), nil)
}

func TestBasicBlockAndWalk(t *testing.T) {
	block := newTestBlock(17)
	model := NewNamedSequential(
		Child{Name: "block", Module: block},
		Child{Name: "flatten", Module: NewFlatten()},
		Child{Name: "fc", Module: NewLinear(tensors.Normal(tensors.NewRNG(1), shapes.Make(3, 2*4*4), 0.1), nil)},
	)
	x := tensors.Normal(tensors.NewRNG(2), shapes.Make(2, 2, 4, 4), 1)
	want, err := Forward(model, x)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, want.Dims())

	var paths []string
	require.NoError(t, Walk(model, func(path string, m Module) error {
		paths = append(paths, path)
		return nil
	}))
	fmt.Printf("paths: %q\n", paths)
	require.Equal(t, []string{"", "block", "block.conv1", "block.bn1", "block.relu1", "block.conv2", "block.bn2",
		"block.relu2", "flatten", "fc"}, paths)
	require.Len(t, Leaves(model), 8)
	require.Equal(t, 2*(2*2*9)+2*4*2+3*32, CountParameters(model))

	// An explicit merge module doesn't change the output, but appears as a leaf.
	block.Merge = NewSum()
	got, err := Forward(model, x)
	require.NoError(t, err)
	require.True(t, want.InDelta(got, 1e-12))
	require.Len(t, Leaves(model), 9)
	require.Equal(t, "block.merge", Leaves(model)[5].Path)

	paths = paths[:0]
	require.NoError(t, Walk(model, func(path string, m Module) error {
		paths = append(paths, path)
		if m.Descriptor().Kind == KindBasicBlock {
			return ErrSkipChildren
		}
		return nil
	}))
	require.Equal(t, []string{"", "block", "flatten", "fc"}, paths)

	errStop := errors.New("stop")
	require.ErrorIs(t, Walk(model, func(string, Module) error { return errStop }), errStop)
}

func TestForwardBackward(t *testing.T) {
	model := NewSequential(
		NewLinear(tensors.FromValue([][]float64{{1, 0}, {0, -1}}), tensors.FromValue([]float64{0, 0})),
		NewReLU(),
		NewLinear(tensors.FromValue([][]float64{{1, 1}}), nil),
	)
	x := tensors.FromValue([][]float64{{2, -3}})
	output, grad, err := Backward(model, x, func(output *tensors.Tensor) (*tensors.Tensor, error) {
		return tensors.OnesLike(output), nil
	})
	require.NoError(t, err)
	require.Equal(t, [][]float64{{5}}, output.Value())
	require.Equal(t, [][]float64{{1, -1}}, grad.Value())

	errWeights := errors.New("no weights")
	_, _, err = Backward(model, x, func(*tensors.Tensor) (*tensors.Tensor, error) { return nil, errWeights })
	require.ErrorIs(t, err, errWeights)

	_, err = Forward(model, tensors.FromValue([][]float64{{1, 2, 3}}))
	require.Error(t, err)
	fmt.Printf("expected error: %v\n", err)
}
